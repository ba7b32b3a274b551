package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cryptoPaperBot/internal/accounting"
	"cryptoPaperBot/internal/adapters/filestore"
	"cryptoPaperBot/internal/adapters/precision"
	"cryptoPaperBot/internal/domain"
	"cryptoPaperBot/internal/exits"
	"cryptoPaperBot/internal/ledger"
	"cryptoPaperBot/internal/ports"
	"cryptoPaperBot/internal/risk"
	"cryptoPaperBot/internal/store"
)

// Mock implementations
type mockLogger struct {
	mu        sync.Mutex
	infoMsgs  []string
	warnMsgs  []string
	errorMsgs []string
}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}

func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.infoMsgs = append(m.infoMsgs, msg)
}

func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.warnMsgs = append(m.warnMsgs, msg)
}

func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errorMsgs = append(m.errorMsgs, msg)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.Event
}

func (r *recordingPublisher) Emit(ctx context.Context, ev domain.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recordingPublisher) ofType(t domain.EventType) []domain.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Event
	for _, ev := range r.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func (r *recordingPublisher) fatal() []domain.Event {
	var out []domain.Event
	for _, ev := range r.ofType(domain.EventError) {
		if ev.Severity == domain.SeverityFatal {
			out = append(out, ev)
		}
	}
	return out
}

type fakeOracle struct {
	mu     sync.Mutex
	prices map[string]decimal.Decimal
	errs   map[string]error
	block  map[string]bool
}

func newFakeOracle() *fakeOracle {
	return &fakeOracle{prices: map[string]decimal.Decimal{}, errs: map[string]error{}, block: map[string]bool{}}
}

func (f *fakeOracle) set(symbol, price string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prices[symbol] = d(price)
	delete(f.errs, symbol)
}

func (f *fakeOracle) fail(symbol string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[symbol] = fmt.Errorf("%s: %w", symbol, ports.ErrPriceUnavailable)
}

func (f *fakeOracle) FetchPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	f.mu.Lock()
	blocked := f.block[symbol]
	price, ok := f.prices[symbol]
	err := f.errs[symbol]
	f.mu.Unlock()
	if blocked {
		<-ctx.Done()
		return decimal.Zero, ctx.Err()
	}
	if err != nil {
		return decimal.Zero, err
	}
	if !ok {
		return decimal.Zero, ports.ErrPriceUnavailable
	}
	return price, nil
}

type fakeSignal struct {
	mu    sync.Mutex
	enter map[string]bool
}

func (f *fakeSignal) ShouldEnter(ctx context.Context, symbol string, snapshot ports.Snapshot) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.enter[symbol]
}

// flakyLedger fails the next Append when armed.
type flakyLedger struct {
	ports.LedgerRepository
	failNext bool
}

func (f *flakyLedger) Append(ctx context.Context, e domain.LedgerEntry) error {
	if f.failNext {
		f.failNext = false
		return fmt.Errorf("disk full: %w", ports.ErrPersistence)
	}
	return f.LedgerRepository.Append(ctx, e)
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

var t0 = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

func tick(i int) time.Time { return t0.Add(time.Duration(i) * time.Minute) }

type harnessConfig struct {
	symbols        []string
	maxOpen        int
	staleLimit     int
	heartbeatEvery int
	oracleTimeout  time.Duration
}

type harness struct {
	svc    *TradingService
	store  *store.Store
	ledger *ledger.Ledger
	repo   *flakyLedger
	file   *filestore.LedgerFile
	oracle *fakeOracle
	signal *fakeSignal
	events *recordingPublisher
	log    *mockLogger
}

func newHarness(t *testing.T, dir string, opts ...func(*harnessConfig)) *harness {
	t.Helper()
	hc := harnessConfig{
		symbols:       []string{"SOLUSDT", "ETHUSDT", "BTCUSDT"},
		maxOpen:       2,
		staleLimit:    2,
		oracleTimeout: time.Second,
	}
	for _, o := range opts {
		o(&hc)
	}

	log := &mockLogger{}
	stateFile, err := filestore.NewStateFile(filepath.Join(dir, "positions.json"), log)
	require.NoError(t, err)
	ledgerFile, err := filestore.NewLedgerFile(filepath.Join(dir, "ledger.jsonl"), log)
	require.NoError(t, err)
	t.Cleanup(func() { ledgerFile.Close() })
	repo := &flakyLedger{LedgerRepository: ledgerFile}

	st, err := store.New(stateFile, log)
	require.NoError(t, err)
	lg, err := ledger.New(repo, log)
	require.NoError(t, err)
	rm, err := risk.NewRiskManager(risk.RiskConfig{
		MaxOpenPositions:    hc.maxOpen,
		PositionSizePercent: d("0.10"),
		StopLossPercent:     d("0.05"),
		TakeProfitPercent:   d("0.15"),
	})
	require.NoError(t, err)

	h := &harness{
		store:  st,
		ledger: lg,
		repo:   repo,
		file:   ledgerFile,
		oracle: newFakeOracle(),
		signal: &fakeSignal{enter: map[string]bool{}},
		events: &recordingPublisher{},
		log:    log,
	}
	h.svc, err = NewTradingService(Dependencies{
		Store:      st,
		Ledger:     lg,
		Risk:       rm,
		Exits:      exits.Rules{TrailingActivationPct: d("0.03"), TrailingDistancePct: d("0.03")},
		Accountant: accounting.New(d("10000")),
		Events:     h.events,
		Oracle:     h.oracle,
		Precision:  precision.NewStatic(map[string]int32{"SOLUSDT": 3, "ETHUSDT": 3, "BTCUSDT": 5}, nil),
		Signal:     h.signal,
		Logger:     log,
	}, Options{
		Symbols:          hc.symbols,
		TickInterval:     time.Minute,
		OracleTimeout:    hc.oracleTimeout,
		StaleTickLimit:   hc.staleLimit,
		HeartbeatEvery:   hc.heartbeatEvery,
		FetchConcurrency: 2,
	})
	require.NoError(t, err)
	return h
}

func (h *harness) recover(t *testing.T) Recovery {
	t.Helper()
	rec, err := h.svc.Recover(context.Background())
	require.NoError(t, err)
	return rec
}

func (h *harness) enter(t *testing.T, symbol, price string, at time.Time) *domain.Position {
	t.Helper()
	pos, err := h.svc.Enter(context.Background(), symbol, d(price), at)
	require.NoError(t, err)
	return pos
}

// feed runs prices through the exit rules and returns the close row and the
// index of the price that produced it.
func (h *harness) feed(t *testing.T, symbol string, prices ...string) (*domain.LedgerEntry, int) {
	t.Helper()
	for i, p := range prices {
		entry, err := h.svc.ProcessTick(context.Background(), symbol, d(p), tick(i+1))
		require.NoError(t, err)
		if entry != nil {
			return entry, i
		}
	}
	return nil, -1
}

func TestScenario_StopLoss(t *testing.T) {
	h := newHarness(t, t.TempDir())
	h.recover(t)

	pos := h.enter(t, "SOLUSDT", "100.00", t0)
	assert.True(t, pos.Quantity.Equal(d("10")))
	assert.True(t, h.store.FreeCash().Equal(d("9000")))

	entry, _ := h.feed(t, "SOLUSDT", "95.00")
	require.NotNil(t, entry)
	assert.Equal(t, domain.ExitReasonStopLoss, *entry.ExitReason)
	assert.True(t, entry.ExitPrice.Equal(d("95")))
	assert.True(t, entry.PnL.Equal(d("-50")))
	assert.True(t, h.store.FreeCash().Equal(d("9950")))
	assert.True(t, entry.CapitalAfter.Equal(d("9950")))
	assert.Len(t, h.events.ofType(domain.EventEntry), 1)
	assert.Len(t, h.events.ofType(domain.EventExit), 1)
}

func TestScenario_TakeProfit(t *testing.T) {
	h := newHarness(t, t.TempDir())
	h.recover(t)
	h.enter(t, "SOLUSDT", "100.00", t0)

	entry, at := h.feed(t, "SOLUSDT", "110", "114", "115.50")
	require.NotNil(t, entry)
	assert.Equal(t, 2, at, "exit on the third tick")
	assert.Equal(t, domain.ExitReasonTakeProfit, *entry.ExitReason)
	assert.True(t, entry.PnL.Equal(d("155")))
	assert.True(t, h.store.FreeCash().Equal(d("10155")))
}

func runTrailingScenario(t *testing.T, h *harness) {
	t.Helper()
	h.recover(t)
	h.enter(t, "SOLUSDT", "100.00", t0)

	_, err := h.svc.ProcessTick(context.Background(), "SOLUSDT", d("103"), tick(1))
	require.NoError(t, err)
	pos, _ := h.store.Get("SOLUSDT")
	require.NotNil(t, pos.TrailingStopPrice)
	assert.True(t, pos.TrailingStopPrice.Equal(d("99.91")), "armed at %s", pos.TrailingStopPrice)
	assert.Contains(t, h.log.infoMsgs, "Trailing stop armed")

	_, err = h.svc.ProcessTick(context.Background(), "SOLUSDT", d("108"), tick(2))
	require.NoError(t, err)
	pos, _ = h.store.Get("SOLUSDT")
	assert.True(t, pos.TrailingStopPrice.Equal(d("104.76")), "raised to %s", pos.TrailingStopPrice)
	assert.True(t, pos.HighestPriceSeen.Equal(d("108")))

	entry, err := h.svc.ProcessTick(context.Background(), "SOLUSDT", d("104.00"), tick(3))
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, domain.ExitReasonTrailingStop, *entry.ExitReason)
	assert.True(t, entry.ExitPrice.Equal(d("104")))
	assert.True(t, entry.PnL.Equal(d("40")))
}

func TestScenario_TrailingStop(t *testing.T) {
	h := newHarness(t, t.TempDir())
	runTrailingScenario(t, h)
	assert.True(t, h.store.FreeCash().Equal(d("10040")))
}

func TestScenario_GapThroughStopLoss(t *testing.T) {
	h := newHarness(t, t.TempDir())
	h.recover(t)
	h.enter(t, "SOLUSDT", "100.00", t0)

	entry, _ := h.feed(t, "SOLUSDT", "94.00")
	require.NotNil(t, entry)
	assert.Equal(t, domain.ExitReasonStopLoss, *entry.ExitReason)
	assert.True(t, entry.ExitPrice.Equal(d("94")), "fills at the observed price, not the stop level")
	assert.True(t, entry.PnL.Equal(d("-60")))
}

func TestScenario_Capacity(t *testing.T) {
	h := newHarness(t, t.TempDir())
	h.recover(t)
	h.enter(t, "SOLUSDT", "100", t0)
	h.enter(t, "ETHUSDT", "50", t0)
	before := h.store.FreeCash()

	_, err := h.svc.Enter(context.Background(), "BTCUSDT", d("30000"), t0)
	assert.ErrorIs(t, err, ports.ErrCapacityExceeded)
	assert.True(t, ports.IsEntryRejection(err))
	assert.False(t, ports.IsFatal(err))
	assert.True(t, h.store.FreeCash().Equal(before))
	assert.Equal(t, 2, h.store.Count())
	assert.Len(t, h.ledger.OpenEntries(), 2)
}

func TestScenario_RestartAfterTrailingStop(t *testing.T) {
	dir := t.TempDir()
	first := newHarness(t, dir)
	runTrailingScenario(t, first)
	require.NoError(t, first.file.Close())

	second := newHarness(t, dir)
	rec := second.recover(t)
	assert.True(t, rec.StoreFound)
	assert.Empty(t, rec.Recovered)
	assert.Empty(t, rec.Abandoned)
	assert.True(t, second.store.FreeCash().Equal(d("10040")))
	assert.Equal(t, 0, second.store.Count())
	assert.Equal(t, 1, second.ledger.ClosedCount())

	pos := second.enter(t, "ETHUSDT", "50", tick(10))
	assert.True(t, pos.PositionSize.Equal(d("1004")))
	assert.True(t, pos.Quantity.Equal(d("20.08")))
	assert.True(t, second.store.FreeCash().Equal(d("9036")))
}

func TestScenario_RestartWithoutStoreFile(t *testing.T) {
	dir := t.TempDir()
	first := newHarness(t, dir)
	runTrailingScenario(t, first)
	require.NoError(t, first.file.Close())
	require.NoError(t, os.Remove(filepath.Join(dir, "positions.json")))

	second := newHarness(t, dir)
	rec := second.recover(t)
	assert.False(t, rec.StoreFound)
	assert.True(t, second.store.FreeCash().Equal(d("10040")), "seeded from initial capital plus realized pnl")
}

func TestEnter_DuplicateAndPrecision(t *testing.T) {
	h := newHarness(t, t.TempDir(), func(c *harnessConfig) { c.symbols = []string{"SOLUSDT", "DOGEUSDT"} })
	h.recover(t)
	h.enter(t, "SOLUSDT", "100", t0)

	_, err := h.svc.Enter(context.Background(), "SOLUSDT", d("101"), t0)
	assert.ErrorIs(t, err, ports.ErrDuplicatePosition)

	_, err = h.svc.Enter(context.Background(), "DOGEUSDT", d("0.1"), t0)
	assert.ErrorIs(t, err, ports.ErrSymbolPrecisionUnknown)
	assert.Equal(t, 1, h.store.Count())
}

func TestEnter_LedgerFailureRollsBack(t *testing.T) {
	h := newHarness(t, t.TempDir())
	h.recover(t)
	h.repo.failNext = true

	_, err := h.svc.Enter(context.Background(), "SOLUSDT", d("100"), t0)
	require.Error(t, err)
	assert.True(t, ports.IsFatal(err))
	assert.Equal(t, 0, h.store.Count())
	assert.True(t, h.store.FreeCash().Equal(d("10000")))
	assert.Empty(t, h.ledger.OpenEntries())
	assert.Empty(t, h.events.ofType(domain.EventEntry), "no event for an entry that did not happen")
}

func TestExit_LedgerFailureRollsBack(t *testing.T) {
	h := newHarness(t, t.TempDir())
	h.recover(t)
	h.enter(t, "SOLUSDT", "100", t0)
	h.repo.failNext = true

	_, err := h.svc.ProcessTick(context.Background(), "SOLUSDT", d("95"), tick(1))
	require.Error(t, err)
	assert.True(t, ports.IsFatal(err))

	pos, held := h.store.Get("SOLUSDT")
	require.True(t, held, "position restored")
	assert.True(t, pos.EntryPrice.Equal(d("100")))
	assert.True(t, h.store.FreeCash().Equal(d("9000")))
	assert.Len(t, h.ledger.OpenEntries(), 1)
	assert.Equal(t, 0, h.ledger.ClosedCount())
	assert.Empty(t, h.events.ofType(domain.EventExit))
}

func TestRecover_AppendsRecoveredOpenRow(t *testing.T) {
	dir := t.TempDir()
	stateFile, err := filestore.NewStateFile(filepath.Join(dir, "positions.json"), &mockLogger{})
	require.NoError(t, err)
	state := filestore.Seed(d("9000"))
	state.Positions["SOLUSDT"] = &domain.Position{
		Symbol: "SOLUSDT", EntryPrice: d("100"), Quantity: d("10"), PositionSize: d("1000"),
		EntryTime: t0, HighestPriceSeen: d("100"), StopLossPrice: d("95"), TakeProfitPrice: d("115"),
	}
	require.NoError(t, stateFile.Save(context.Background(), state))

	h := newHarness(t, dir)
	rec := h.recover(t)
	require.Len(t, rec.Recovered, 1)
	assert.True(t, rec.Recovered[0].Recovered)
	assert.Len(t, h.ledger.OpenEntries(), 1)

	entry, _ := h.feed(t, "SOLUSDT", "95")
	require.NotNil(t, entry, "a recovered position closes normally")
	assert.True(t, h.store.FreeCash().Equal(d("9950")))
}

func TestRecover_ReportsAbandonedOpenRow(t *testing.T) {
	dir := t.TempDir()
	ledgerFile, err := filestore.NewLedgerFile(filepath.Join(dir, "ledger.jsonl"), &mockLogger{})
	require.NoError(t, err)
	require.NoError(t, ledgerFile.Append(context.Background(), domain.NewOpenEntry(&domain.Position{
		Symbol: "ETHUSDT", EntryPrice: d("50"), Quantity: d("20"), PositionSize: d("1000"), EntryTime: t0,
	}, false)))
	require.NoError(t, ledgerFile.Close())

	h := newHarness(t, dir)
	rec := h.recover(t)
	require.Len(t, rec.Abandoned, 1)
	assert.Equal(t, 0, h.store.Count(), "abandoned rows are never auto-closed")
	assert.Len(t, h.ledger.OpenEntries(), 1)

	errs := h.events.ofType(domain.EventError)
	require.Len(t, errs, 1)
	assert.Equal(t, domain.SeverityWarning, errs[0].Severity)
	assert.Equal(t, []string{rec.Abandoned[0].Key().String()}, errs[0].Keys)
	assert.Empty(t, h.events.fatal())
}

func TestRecover_ConservationViolationIsFatal(t *testing.T) {
	dir := t.TempDir()
	stateFile, err := filestore.NewStateFile(filepath.Join(dir, "positions.json"), &mockLogger{})
	require.NoError(t, err)
	require.NoError(t, stateFile.Save(context.Background(), filestore.Seed(d("9500"))))

	h := newHarness(t, dir)
	_, err = h.svc.Recover(context.Background())
	require.Error(t, err)
	assert.True(t, ports.IsFatal(err))

	fatal := h.events.fatal()
	require.Len(t, fatal, 1)
	assert.Equal(t, ports.InvariantCapitalConservation, fatal[0].Invariant)

	assert.Error(t, h.svc.Start(context.Background()), "the loop refuses to start")
}

func TestRunTick_ExitsReleaseCapitalBeforeEntries(t *testing.T) {
	h := newHarness(t, t.TempDir(), func(c *harnessConfig) { c.maxOpen = 1 })
	h.recover(t)
	h.enter(t, "SOLUSDT", "100", t0)

	h.oracle.set("SOLUSDT", "95")
	h.oracle.set("ETHUSDT", "50")
	h.oracle.set("BTCUSDT", "30000")
	h.signal.enter = map[string]bool{"ETHUSDT": true, "SOLUSDT": true}

	res, err := h.svc.RunTick(context.Background(), tick(1))
	require.NoError(t, err)
	require.Len(t, res.Exits, 1)
	assert.Equal(t, "SOLUSDT", res.Exits[0].Symbol)
	require.Len(t, res.Entries, 1, "capacity freed by the exit admits one entry")
	assert.Equal(t, "ETHUSDT", res.Entries[0].Symbol)
	assert.True(t, res.Entries[0].PositionSize.Equal(d("995")))

	_, held := h.store.Get("SOLUSDT")
	assert.False(t, held, "capacity is full again once ETHUSDT is taken")
	assert.ErrorIs(t, res.Rejected["SOLUSDT"], ports.ErrCapacityExceeded)
}

func TestRunTick_RejectionsReportedOncePerStreak(t *testing.T) {
	h := newHarness(t, t.TempDir(), func(c *harnessConfig) {
		c.maxOpen = 1
		c.symbols = []string{"SOLUSDT", "ETHUSDT"}
	})
	h.recover(t)
	h.enter(t, "SOLUSDT", "100", t0)
	h.oracle.set("SOLUSDT", "101")
	h.oracle.set("ETHUSDT", "50")
	h.signal.enter = map[string]bool{"ETHUSDT": true}

	for i := 1; i <= 3; i++ {
		res, err := h.svc.RunTick(context.Background(), tick(i))
		require.NoError(t, err)
		assert.ErrorIs(t, res.Rejected["ETHUSDT"], ports.ErrCapacityExceeded)
	}
	errs := h.events.ofType(domain.EventError)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Message, ports.ErrCapacityExceeded.Error())
}

func TestRunTick_StalePriceReportedOncePerOutage(t *testing.T) {
	h := newHarness(t, t.TempDir(), func(c *harnessConfig) { c.symbols = []string{"SOLUSDT"} })
	h.recover(t)
	h.enter(t, "SOLUSDT", "100", t0)

	h.oracle.fail("SOLUSDT")
	for i := 1; i <= 4; i++ {
		res, err := h.svc.RunTick(context.Background(), tick(i))
		require.NoError(t, err)
		assert.Equal(t, []string{"SOLUSDT"}, res.Failed)
		if i == 2 {
			assert.Empty(t, h.events.ofType(domain.EventError), "two missed ticks are within the limit")
			assert.Empty(t, h.svc.StaleSymbols())
		}
	}
	stale := h.events.ofType(domain.EventError)
	require.Len(t, stale, 1)
	assert.Equal(t, domain.SeverityWarning, stale[0].Severity)
	assert.Len(t, stale[0].Keys, 1, "names the held position")
	assert.Equal(t, []string{"SOLUSDT"}, h.svc.StaleSymbols())

	h.oracle.set("SOLUSDT", "94")
	res, err := h.svc.RunTick(context.Background(), tick(5))
	require.NoError(t, err)
	assert.Empty(t, h.svc.StaleSymbols())
	require.Len(t, res.Exits, 1, "exit rules run again once a price arrives")
	assert.Contains(t, h.log.infoMsgs, "Price feed recovered")

	h.oracle.fail("SOLUSDT")
	for i := 6; i <= 8; i++ {
		_, err := h.svc.RunTick(context.Background(), tick(i))
		require.NoError(t, err)
	}
	assert.Len(t, h.events.ofType(domain.EventError), 2, "a new outage is reported again")
}

func TestRunTick_OracleTimeout(t *testing.T) {
	h := newHarness(t, t.TempDir(), func(c *harnessConfig) {
		c.symbols = []string{"SOLUSDT", "ETHUSDT"}
		c.oracleTimeout = 20 * time.Millisecond
	})
	h.recover(t)
	h.oracle.set("ETHUSDT", "50")
	h.oracle.block["SOLUSDT"] = true

	start := time.Now()
	res, err := h.svc.RunTick(context.Background(), tick(1))
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, []string{"SOLUSDT"}, res.Failed)
	assert.Contains(t, res.Prices, "ETHUSDT")
}

func TestRunTick_Heartbeat(t *testing.T) {
	h := newHarness(t, t.TempDir(), func(c *harnessConfig) {
		c.symbols = []string{"SOLUSDT", "ETHUSDT"}
		c.heartbeatEvery = 2
		c.staleLimit = 1
	})
	h.recover(t)
	h.enter(t, "SOLUSDT", "100", t0)
	h.oracle.set("SOLUSDT", "102")
	h.oracle.fail("ETHUSDT")

	for i := 1; i <= 2; i++ {
		_, err := h.svc.RunTick(context.Background(), tick(i))
		require.NoError(t, err)
	}
	hbs := h.events.ofType(domain.EventHeartbeat)
	require.Len(t, hbs, 1)
	hb := hbs[0].Heartbeat
	require.NotNil(t, hb)
	assert.True(t, hb.FreeCash.Equal(d("9000")))
	assert.True(t, hb.UnrealizedPnL.Equal(d("20")))
	assert.True(t, hb.TotalEquity.Equal(d("10020")))
	assert.Equal(t, 1, hb.OpenPositions)
	assert.True(t, hb.Degraded)
	assert.Equal(t, []string{"ETHUSDT"}, hb.StaleSymbols)
}

func TestRunTick_FatalLedgerFailureHalts(t *testing.T) {
	h := newHarness(t, t.TempDir(), func(c *harnessConfig) { c.symbols = []string{"SOLUSDT"} })
	h.recover(t)
	h.enter(t, "SOLUSDT", "100", t0)
	h.oracle.set("SOLUSDT", "95")
	h.repo.failNext = true

	_, err := h.svc.RunTick(context.Background(), tick(1))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ports.ErrPersistence))
	require.Len(t, h.events.fatal(), 1)
	assert.Equal(t, 1, h.store.Count())
}

func TestRestartIdempotence(t *testing.T) {
	stream := []map[string]string{
		{"SOLUSDT": "100", "ETHUSDT": "50"},
		{"SOLUSDT": "103", "ETHUSDT": "49"},
		{"SOLUSDT": "108", "ETHUSDT": "47.4"},
		{"SOLUSDT": "106", "ETHUSDT": "51"},
		{"SOLUSDT": "104.5", "ETHUSDT": "52"},
		{"SOLUSDT": "99", "ETHUSDT": "58"},
		{"SOLUSDT": "101", "ETHUSDT": "60"},
	}
	configure := func(c *harnessConfig) { c.symbols = []string{"SOLUSDT", "ETHUSDT"} }
	run := func(h *harness, from, to int) {
		h.signal.enter = map[string]bool{"SOLUSDT": true, "ETHUSDT": true}
		for i := from; i < to; i++ {
			for sym, p := range stream[i] {
				h.oracle.set(sym, p)
			}
			_, err := h.svc.RunTick(context.Background(), tick(i))
			require.NoError(t, err)
		}
	}
	summary := func(h *harness) []string {
		closed, err := h.ledger.ClosedEntries(context.Background())
		require.NoError(t, err)
		var out []string
		for _, e := range closed {
			out = append(out, fmt.Sprintf("%s %s %s %s %s", e.Symbol, e.EntryTime, *e.ExitReason, e.ExitPrice, e.PnL))
		}
		return append(out, "free "+h.store.FreeCash().String())
	}

	straight := newHarness(t, t.TempDir(), configure)
	straight.recover(t)
	run(straight, 0, len(stream))

	dir := t.TempDir()
	before := newHarness(t, dir, configure)
	before.recover(t)
	run(before, 0, 3)
	require.NoError(t, before.file.Close())
	after := newHarness(t, dir, configure)
	after.recover(t)
	run(after, 3, len(stream))

	assert.Equal(t, summary(straight), summary(after))
	assert.Greater(t, straight.ledger.ClosedCount(), 1)
}

func TestStart_StopsOnCancel(t *testing.T) {
	h := newHarness(t, t.TempDir())
	h.svc.opts.TickInterval = 5 * time.Millisecond
	h.svc.opts.OracleTimeout = time.Millisecond
	h.oracle.set("SOLUSDT", "100")

	ctx, cancel := context.WithTimeout(context.Background(), 40*time.Millisecond)
	defer cancel()
	require.NoError(t, h.svc.Start(ctx))
	assert.Contains(t, h.log.infoMsgs, "Recovery complete")
	assert.Contains(t, h.log.infoMsgs, "Trading Service stopped.")
	assert.Greater(t, h.svc.ticks, 1)
}

func TestNewTradingService_Validation(t *testing.T) {
	_, err := NewTradingService(Dependencies{}, Options{TickInterval: time.Second, OracleTimeout: time.Second})
	assert.Error(t, err)

	h := newHarness(t, t.TempDir())
	deps := Dependencies{
		Store: h.store, Ledger: h.ledger, Risk: h.svc.risk, Accountant: h.svc.accountant,
		Events: h.events, Oracle: h.oracle, Precision: h.svc.precision, Signal: h.signal, Logger: h.log,
		Exits: exits.Rules{TrailingDistancePct: d("0.03")},
	}
	_, err = NewTradingService(deps, Options{TickInterval: time.Second, OracleTimeout: 2 * time.Second})
	assert.ErrorIs(t, err, ports.ErrConfigurationError)

	deps.Exits = exits.Rules{}
	_, err = NewTradingService(deps, Options{TickInterval: time.Second, OracleTimeout: time.Second})
	assert.ErrorIs(t, err, ports.ErrConfigurationError)
}
