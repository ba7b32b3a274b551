package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"cryptoPaperBot/internal/accounting"
	"cryptoPaperBot/internal/analytics"
	"cryptoPaperBot/internal/domain"
	"cryptoPaperBot/internal/exits"
	"cryptoPaperBot/internal/ledger"
	"cryptoPaperBot/internal/ports"
	"cryptoPaperBot/internal/risk"
	"cryptoPaperBot/internal/store"
)

// Options control the tick loop.
type Options struct {
	Symbols          []string      // entry universe
	TickInterval     time.Duration // loop period
	OracleTimeout    time.Duration // per price fetch
	StaleTickLimit   int           // consecutive failed fetches tolerated before a symbol is reported stale
	HeartbeatEvery   int           // ticks between heartbeats; 0 disables
	FetchConcurrency int
	HandleSignals    bool // stop Start on SIGINT/SIGTERM
}

// Dependencies are the collaborators of the trading service.
type Dependencies struct {
	Store      *store.Store
	Ledger     *ledger.Ledger
	Risk       *risk.RiskManager
	Exits      exits.Rules
	Accountant *accounting.Accountant
	Events     ports.EventPublisher
	Oracle     ports.PriceOracle
	Precision  ports.PrecisionSource
	Signal     ports.EntrySignal
	Logger     ports.Logger
	Clock      func() time.Time // defaults to time.Now in UTC
}

// TradingService owns every mutation of the position store and the trade
// ledger. It is driven by one loop; exported methods must not be called
// concurrently.
type TradingService struct {
	opts       Options
	store      *store.Store
	ledger     *ledger.Ledger
	risk       *risk.RiskManager
	rules      exits.Rules
	accountant *accounting.Accountant
	events     ports.EventPublisher
	oracle     ports.PriceOracle
	precision  ports.PrecisionSource
	signal     ports.EntrySignal
	logger     ports.Logger
	clock      func() time.Time

	ticks      int
	stale      map[string]int    // consecutive failed fetches per symbol
	rejections map[string]string // last reported entry rejection per symbol
	recovered  bool
}

// Recovery summarises what Recover found on disk.
type Recovery struct {
	StoreFound  bool
	SkippedRows int
	Recovered   []domain.LedgerEntry
	Abandoned   []domain.LedgerEntry
}

// TickResult summarises one tick.
type TickResult struct {
	Prices   map[string]decimal.Decimal
	Failed   []string
	Exits    []domain.LedgerEntry
	Entries  []*domain.Position
	Rejected map[string]error
}

// NewTradingService creates a new application service instance.
func NewTradingService(deps Dependencies, opts Options) (*TradingService, error) {
	if deps.Store == nil || deps.Ledger == nil || deps.Risk == nil || deps.Accountant == nil ||
		deps.Events == nil || deps.Oracle == nil || deps.Precision == nil || deps.Signal == nil || deps.Logger == nil {
		return nil, fmt.Errorf("missing required dependencies for TradingService")
	}
	if err := deps.Exits.Validate(); err != nil {
		return nil, fmt.Errorf("%v: %w", err, ports.ErrConfigurationError)
	}
	if opts.TickInterval <= 0 {
		return nil, fmt.Errorf("tick interval must be positive: %w", ports.ErrConfigurationError)
	}
	if opts.OracleTimeout <= 0 || opts.OracleTimeout > opts.TickInterval {
		return nil, fmt.Errorf("oracle timeout %s must be within the tick interval %s: %w",
			opts.OracleTimeout, opts.TickInterval, ports.ErrConfigurationError)
	}
	if opts.StaleTickLimit <= 0 {
		opts.StaleTickLimit = 1
	}
	if opts.FetchConcurrency <= 0 {
		opts.FetchConcurrency = 1
	}
	clock := deps.Clock
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	symbols := append([]string(nil), opts.Symbols...)
	sort.Strings(symbols)
	opts.Symbols = symbols

	return &TradingService{
		opts:       opts,
		store:      deps.Store,
		ledger:     deps.Ledger,
		risk:       deps.Risk,
		rules:      deps.Exits,
		accountant: deps.Accountant,
		events:     deps.Events,
		oracle:     deps.Oracle,
		precision:  deps.Precision,
		signal:     deps.Signal,
		logger:     deps.Logger,
		clock:      clock,
		stale:      make(map[string]int),
		rejections: make(map[string]string),
	}, nil
}

// Recover loads the ledger and the position store, reconciles them and
// verifies the conservation law. It must succeed before the first tick. Any
// returned error is fatal and has already been reported as a fatal event.
func (s *TradingService) Recover(ctx context.Context) (Recovery, error) {
	rec, err := s.recover(ctx)
	if err != nil {
		s.reportFatal(ctx, s.clock(), err)
		return rec, err
	}
	s.recovered = true
	return rec, nil
}

func (s *TradingService) recover(ctx context.Context) (Recovery, error) {
	var rec Recovery
	skipped, err := s.ledger.Load(ctx)
	if err != nil {
		return rec, fmt.Errorf("load ledger: %w", err)
	}
	rec.SkippedRows = skipped
	if skipped > 0 {
		s.logger.Warn(ctx, "Skipped partially written ledger rows", map[string]interface{}{"skipped": skipped})
	}

	// A missing store file is seeded from the ledger so that capital realised
	// before the loss is not forgotten.
	seed := s.accountant.InitialCapital().Add(s.ledger.RealizedPnL())
	found, err := s.store.LoadOrInit(ctx, seed)
	if err != nil {
		return rec, fmt.Errorf("load position store: %w", err)
	}
	rec.StoreFound = found

	snap := s.store.Snapshot()
	r, err := s.ledger.Reconcile(ctx, snap.Positions)
	if err != nil {
		return rec, fmt.Errorf("reconcile ledger with position store: %w", err)
	}
	rec.Recovered, rec.Abandoned = r.Recovered, r.Abandoned

	now := s.clock()
	for _, e := range rec.Abandoned {
		ev := domain.NewEvent(domain.EventError, now)
		ev.Symbol = e.Symbol
		ev.Severity = domain.SeverityWarning
		ev.Message = fmt.Sprintf("%s: open row for %s at %s needs operator review", ports.ErrAbandonedPosition, e.Symbol, e.EntryPrice)
		ev.Keys = []string{e.Key().String()}
		entry := e
		ev.Entry = &entry
		s.publish(ctx, ev)
	}

	if err := s.accountant.CheckConservation(snap, s.ledger.RealizedPnL()); err != nil {
		return rec, err
	}
	closed, err := s.ledger.ClosedEntries(ctx)
	if err != nil {
		return rec, fmt.Errorf("read closed ledger rows: %w", err)
	}
	if err := s.accountant.VerifyCapitalSeries(closed); err != nil {
		return rec, err
	}

	s.logger.Info(ctx, "Recovery complete", map[string]interface{}{
		"storeFound":   found,
		"freeCash":     snap.FreeCash.String(),
		"positions":    len(snap.Positions),
		"closedTrades": s.ledger.ClosedCount(),
		"realizedPnL":  s.ledger.RealizedPnL().String(),
		"recovered":    len(rec.Recovered),
		"abandoned":    len(rec.Abandoned),
	})
	return rec, nil
}

// Start recovers state and runs the tick loop until ctx is cancelled (nil) or
// a fatal error halts it (non-nil).
func (s *TradingService) Start(ctx context.Context) error {
	s.logger.Info(ctx, "Starting Trading Service...", map[string]interface{}{
		"symbols":      s.opts.Symbols,
		"tickInterval": s.opts.TickInterval.String(),
	})

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if s.opts.HandleSignals {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigCh)
		go func() {
			select {
			case sig := <-sigCh:
				s.logger.Info(ctx, "Received shutdown signal", map[string]interface{}{"signal": sig.String()})
				cancel()
			case <-ctx.Done():
			}
		}()
	}

	if !s.recovered {
		if _, err := s.Recover(ctx); err != nil {
			return err
		}
	}

	ticker := time.NewTicker(s.opts.TickInterval)
	defer ticker.Stop()
	for {
		if _, err := s.RunTick(ctx, s.clock()); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			s.logger.Info(ctx, "Trading Service stopped.")
			return nil
		case <-ticker.C:
		}
	}
}

// RunTick processes one tick at time at: fetch prices, run exits for every
// held symbol, then admit entries, then check capital. The returned error is
// always fatal and has already been reported as a fatal event.
func (s *TradingService) RunTick(ctx context.Context, at time.Time) (TickResult, error) {
	res, err := s.runTick(ctx, at)
	if err != nil {
		s.reportFatal(ctx, at, err)
	}
	return res, err
}

func (s *TradingService) runTick(ctx context.Context, at time.Time) (TickResult, error) {
	s.ticks++
	res := TickResult{Rejected: make(map[string]error)}

	held := s.store.Symbols()
	res.Prices, res.Failed = s.fetchPrices(ctx, s.universe(held))
	s.trackStaleness(ctx, at, res.Prices, res.Failed)

	// Exits first, so released capital is available to this tick's entries and
	// no position opened this tick is evaluated in it.
	for _, sym := range held {
		price, ok := res.Prices[sym]
		if !ok {
			continue
		}
		entry, err := s.ProcessTick(ctx, sym, price, at)
		if err != nil {
			return res, err
		}
		if entry != nil {
			res.Exits = append(res.Exits, *entry)
		}
	}

	for _, sym := range s.opts.Symbols {
		price, ok := res.Prices[sym]
		if !ok {
			continue
		}
		if _, open := s.store.Get(sym); open {
			continue
		}
		if !s.signal.ShouldEnter(ctx, sym, ports.Snapshot{Symbol: sym, Price: price, Time: at}) {
			delete(s.rejections, sym)
			continue
		}
		pos, err := s.Enter(ctx, sym, price, at)
		switch {
		case err == nil:
			res.Entries = append(res.Entries, pos)
		case ports.IsFatal(err):
			return res, err
		default:
			res.Rejected[sym] = err
			s.reportRejection(ctx, at, sym, err)
		}
	}

	snap := s.store.Snapshot()
	if err := s.accountant.CheckConservation(snap, s.ledger.RealizedPnL()); err != nil {
		return res, err
	}
	if s.opts.HeartbeatEvery > 0 && s.ticks%s.opts.HeartbeatEvery == 0 {
		if err := s.heartbeat(ctx, at, snap, res.Prices); err != nil {
			return res, err
		}
	}
	return res, nil
}

// ProcessTick runs the exit rules for the position on symbol at price. It
// returns the close row when an exit fired, nil otherwise.
func (s *TradingService) ProcessTick(ctx context.Context, symbol string, price decimal.Decimal, at time.Time) (*domain.LedgerEntry, error) {
	pos, ok := s.store.Get(symbol)
	if !ok {
		return nil, nil
	}

	decision := s.rules.Evaluate(pos, price)
	if decision.Exit {
		return s.exit(ctx, pos, price, at, decision.Reason)
	}
	if !decision.Changed {
		return nil, nil
	}

	upd := decision.Updated
	if _, err := s.store.Update(ctx, symbol, func(p *domain.Position) error {
		p.HighestPriceSeen = upd.HighestPriceSeen
		p.TrailingStopPrice = upd.TrailingStopPrice
		return nil
	}); err != nil {
		return nil, fmt.Errorf("update marks for %s: %w", pos.Key(), err)
	}
	if pos.TrailingStopPrice == nil && upd.TrailingStopPrice != nil {
		s.logger.Info(ctx, "Trailing stop armed", map[string]interface{}{
			"symbol":       symbol,
			"highestPrice": upd.HighestPriceSeen.String(),
			"trailingStop": upd.TrailingStopPrice.String(),
		})
	}
	return nil, nil
}

// exit closes pos in the store, then appends the close row. If the append
// fails the store mutation is rolled back and the exit did not happen.
func (s *TradingService) exit(ctx context.Context, pos *domain.Position, price decimal.Decimal, at time.Time, reason domain.ExitReason) (*domain.LedgerEntry, error) {
	details := exits.Settle(pos, price, at, reason)
	credit := pos.PositionSize.Add(details.PnL)

	if _, err := s.store.Close(ctx, pos.Symbol, credit); err != nil {
		return nil, fmt.Errorf("close %s: %w", pos.Key(), err)
	}
	details.CapitalAfter = s.store.Snapshot().CommittedCapital()

	entry, err := s.ledger.AppendClose(ctx, pos.Key(), details)
	if err != nil {
		if rerr := s.store.Restore(ctx, pos, credit); rerr != nil {
			err = errors.Join(err, fmt.Errorf("roll back close of %s: %w", pos.Key(), rerr))
		}
		return nil, fmt.Errorf("exit %s not performed: %w", pos.Key(), err)
	}

	s.logger.Info(ctx, "Position closed", map[string]interface{}{
		"symbol":       pos.Symbol,
		"reason":       string(reason),
		"entryPrice":   pos.EntryPrice.String(),
		"exitPrice":    price.String(),
		"pnl":          details.PnL.String(),
		"capitalAfter": details.CapitalAfter.String(),
	})
	ev := domain.NewEvent(domain.EventExit, at)
	ev.Symbol = pos.Symbol
	ev.Position = pos
	ev.Entry = &entry
	s.publish(ctx, ev)
	return &entry, nil
}

// Enter opens a position on symbol at price. Entry rejections
// (ports.IsEntryRejection) leave all state unchanged; any other error is fatal.
func (s *TradingService) Enter(ctx context.Context, symbol string, price decimal.Decimal, at time.Time) (*domain.Position, error) {
	if _, held := s.store.Get(symbol); held {
		return nil, fmt.Errorf("enter %s: %w", symbol, ports.ErrDuplicatePosition)
	}
	if err := s.risk.ValidateCapacity(s.store.Count()); err != nil {
		return nil, fmt.Errorf("enter %s: %w", symbol, err)
	}
	precision, err := s.precision.QuantityPrecision(ctx, symbol)
	if err != nil {
		if errors.Is(err, ports.ErrSymbolPrecisionUnknown) {
			return nil, fmt.Errorf("enter %s: %w", symbol, err)
		}
		return nil, fmt.Errorf("enter %s: %w: %w", symbol, ports.ErrSymbolPrecisionUnknown, err)
	}
	quantity, size, err := s.risk.GetPositionSize(s.store.FreeCash(), price, precision)
	if err != nil {
		return nil, fmt.Errorf("enter %s: %w", symbol, err)
	}

	pos := &domain.Position{
		Symbol:           symbol,
		EntryPrice:       price,
		Quantity:         quantity,
		PositionSize:     size,
		EntryTime:        at,
		HighestPriceSeen: price,
		StopLossPrice:    s.risk.GetStopLoss(price),
		TakeProfitPrice:  s.risk.GetTakeProfit(price),
	}
	if err := s.store.Open(ctx, pos); err != nil {
		return nil, fmt.Errorf("enter %s: %w", symbol, err)
	}
	entry, err := s.ledger.AppendOpen(ctx, pos, false)
	if err != nil {
		if derr := s.store.Discard(ctx, symbol); derr != nil {
			err = errors.Join(err, fmt.Errorf("roll back open of %s: %w", pos.Key(), derr))
		}
		return nil, fmt.Errorf("entry %s not performed: %w", pos.Key(), err)
	}

	delete(s.rejections, symbol)
	s.logger.Info(ctx, "Position opened", map[string]interface{}{
		"symbol":     symbol,
		"entryPrice": price.String(),
		"quantity":   quantity.String(),
		"size":       size.String(),
		"stopLoss":   pos.StopLossPrice.String(),
		"takeProfit": pos.TakeProfitPrice.String(),
		"freeCash":   s.store.FreeCash().String(),
	})
	ev := domain.NewEvent(domain.EventEntry, at)
	ev.Symbol = symbol
	ev.Position = pos.Clone()
	ev.Entry = &entry
	s.publish(ctx, ev)
	return pos, nil
}

// Report computes the capital summary at the given prices.
func (s *TradingService) Report(prices map[string]decimal.Decimal) (accounting.Report, error) {
	return s.accountant.Report(s.store.Snapshot(), s.ledger.RealizedPnL(), s.ledger.ClosedCount(), prices)
}

// StaleSymbols lists symbols whose consecutive failed fetches exceed the limit.
func (s *TradingService) StaleSymbols() []string {
	var out []string
	for sym, n := range s.stale {
		if n > s.opts.StaleTickLimit {
			out = append(out, sym)
		}
	}
	sort.Strings(out)
	return out
}

// universe is the sorted union of the entry symbols and the held symbols.
func (s *TradingService) universe(held []string) []string {
	seen := make(map[string]bool, len(s.opts.Symbols)+len(held))
	var out []string
	for _, group := range [][]string{s.opts.Symbols, held} {
		for _, sym := range group {
			if !seen[sym] {
				seen[sym] = true
				out = append(out, sym)
			}
		}
	}
	sort.Strings(out)
	return out
}

// fetchPrices queries the oracle for every symbol concurrently, each call
// bounded by the oracle timeout. Failures are returned, never raised.
func (s *TradingService) fetchPrices(ctx context.Context, symbols []string) (map[string]decimal.Decimal, []string) {
	type result struct {
		price decimal.Decimal
		err   error
	}
	results := make([]result, len(symbols))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.FetchConcurrency)
	for i, sym := range symbols {
		g.Go(func() error {
			callCtx, cancel := context.WithTimeout(gctx, s.opts.OracleTimeout)
			defer cancel()
			price, err := s.oracle.FetchPrice(callCtx, sym)
			if err == nil && !price.IsPositive() {
				err = fmt.Errorf("non-positive price %s: %w", price, ports.ErrPriceUnavailable)
			}
			if err != nil && callCtx.Err() != nil && !errors.Is(err, ports.ErrTimeout) {
				err = fmt.Errorf("%w: %w", ports.ErrTimeout, err)
			}
			results[i] = result{price: price, err: err}
			return nil
		})
	}
	_ = g.Wait()

	prices := make(map[string]decimal.Decimal, len(symbols))
	var failed []string
	for i, sym := range symbols {
		if results[i].err != nil {
			failed = append(failed, sym)
			s.logger.Warn(ctx, "Price fetch failed", map[string]interface{}{"symbol": sym, "error": results[i].err.Error()})
			continue
		}
		prices[sym] = results[i].price
	}
	return prices, failed
}

// trackStaleness counts consecutive failures per symbol and reports a symbol
// once when it has gone more than the limit ticks without a price.
func (s *TradingService) trackStaleness(ctx context.Context, at time.Time, prices map[string]decimal.Decimal, failed []string) {
	for sym := range prices {
		if n := s.stale[sym]; n > s.opts.StaleTickLimit {
			s.logger.Info(ctx, "Price feed recovered", map[string]interface{}{"symbol": sym, "missedTicks": n})
		}
		delete(s.stale, sym)
	}
	for _, sym := range failed {
		s.stale[sym]++
		if s.stale[sym] != s.opts.StaleTickLimit+1 {
			continue
		}
		ev := domain.NewEvent(domain.EventError, at)
		ev.Symbol = sym
		ev.Severity = domain.SeverityWarning
		ev.Message = fmt.Sprintf("%s: no price for %s in %d consecutive ticks", ports.ErrStalePrice, sym, s.stale[sym])
		if pos, held := s.store.Get(sym); held {
			ev.Keys = []string{pos.Key().String()}
		}
		s.publish(ctx, ev)
	}
}

// reportRejection emits an error event for an entry rejection unless the same
// rejection was already reported for the symbol.
func (s *TradingService) reportRejection(ctx context.Context, at time.Time, symbol string, err error) {
	kind := rejectionKind(err)
	if s.rejections[symbol] == kind {
		s.logger.Debug(ctx, "Entry rejected", map[string]interface{}{"symbol": symbol, "reason": kind})
		return
	}
	s.rejections[symbol] = kind
	s.logger.Warn(ctx, "Entry rejected", map[string]interface{}{"symbol": symbol, "error": err.Error()})
	ev := domain.NewEvent(domain.EventError, at)
	ev.Symbol = symbol
	ev.Severity = domain.SeverityWarning
	ev.Message = err.Error()
	s.publish(ctx, ev)
}

func rejectionKind(err error) string {
	for _, sentinel := range []error{
		ports.ErrDuplicatePosition,
		ports.ErrCapacityExceeded,
		ports.ErrInsufficientCash,
		ports.ErrSymbolPrecisionUnknown,
	} {
		if errors.Is(err, sentinel) {
			return sentinel.Error()
		}
	}
	return err.Error()
}

func (s *TradingService) heartbeat(ctx context.Context, at time.Time, snap ports.StoreState, prices map[string]decimal.Decimal) error {
	rep, err := s.accountant.Report(snap, s.ledger.RealizedPnL(), s.ledger.ClosedCount(), prices)
	if err != nil {
		return err
	}
	hb := rep.Heartbeat()
	hb.StaleSymbols = mergeSorted(hb.StaleSymbols, s.StaleSymbols())
	hb.Degraded = len(hb.StaleSymbols) > 0

	closed, err := s.ledger.ClosedEntries(ctx)
	if err != nil {
		s.logger.Error(ctx, err, "Failed to read closed trades for heartbeat")
	} else {
		perf := analytics.AnalyzePerformance(closed, s.accountant.InitialCapital())
		hb.WinRate, hb.ProfitFactor, hb.MaxDrawdown = perf.WinRate, perf.ProfitFactor, perf.MaxDrawdown
	}

	ev := domain.NewEvent(domain.EventHeartbeat, at)
	ev.Heartbeat = hb
	s.publish(ctx, ev)
	return nil
}

// reportFatal emits the single event that accompanies a halt.
func (s *TradingService) reportFatal(ctx context.Context, at time.Time, err error) {
	s.logger.Error(ctx, err, "Fatal error; halting")
	ev := domain.NewEvent(domain.EventError, at)
	ev.Severity = domain.SeverityFatal
	ev.Message = err.Error()
	var inv *ports.InvariantError
	if errors.As(err, &inv) {
		ev.Invariant = inv.Invariant
		ev.Keys = inv.Keys
	}
	s.publish(context.WithoutCancel(ctx), ev)
}

// publish hands ev to the emitter. Delivery failures are logged; the ledger
// remains the record from which events can be replayed.
func (s *TradingService) publish(ctx context.Context, ev domain.Event) {
	if err := s.events.Emit(ctx, ev); err != nil {
		s.logger.Error(ctx, err, "Failed to deliver event", map[string]interface{}{"event": string(ev.Type), "id": ev.ID})
	}
}

func mergeSorted(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	var out []string
	for _, s := range append(append([]string(nil), a...), b...) {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}
