package cli

import (
	"context"
	"fmt"
	"time"

	"cryptoPaperBot/config"
	"cryptoPaperBot/internal/accounting"
	"cryptoPaperBot/internal/adapters/binanceclient"
	"cryptoPaperBot/internal/adapters/csvsink"
	"cryptoPaperBot/internal/adapters/filestore"
	"cryptoPaperBot/internal/adapters/logger"
	"cryptoPaperBot/internal/adapters/notify"
	"cryptoPaperBot/internal/adapters/precision"
	"cryptoPaperBot/internal/adapters/redisclient"
	"cryptoPaperBot/internal/adapters/s3export"
	"cryptoPaperBot/internal/adapters/sqlite"
	"cryptoPaperBot/internal/app"
	"cryptoPaperBot/internal/events"
	"cryptoPaperBot/internal/exits"
	"cryptoPaperBot/internal/ledger"
	"cryptoPaperBot/internal/ports"
	"cryptoPaperBot/internal/risk"
	"cryptoPaperBot/internal/signal"
	"cryptoPaperBot/internal/store"
)

// env is the loaded configuration plus lazily built shared clients. Cleanups
// run in reverse order of registration.
type env struct {
	cfg    *config.Config
	logger *logger.Logger

	binance  *binanceclient.Client
	redis    *redisclient.Client
	cleanups []func()
}

func loadEnv(ctx context.Context, opts *rootOptions) (*env, error) {
	cfg, err := config.LoadConfig(opts.configPath)
	if err != nil {
		return nil, err
	}
	if opts.logLevel != "" {
		cfg.LogLevel = opts.logLevel
	}
	appLogger := logger.New(logger.Options{
		Level:   logger.ParseLevel(cfg.LogLevel),
		Console: cfg.LogFormat == "console",
	})
	for _, key := range cfg.UnknownKeys {
		appLogger.Warn(ctx, "Unknown configuration key ignored", map[string]interface{}{"key": key})
	}
	return &env{cfg: cfg, logger: appLogger}, nil
}

func (e *env) onClose(f func()) { e.cleanups = append(e.cleanups, f) }

func (e *env) close() {
	for i := len(e.cleanups) - 1; i >= 0; i-- {
		e.cleanups[i]()
	}
	e.cleanups = nil
}

func (e *env) binanceClient() (*binanceclient.Client, error) {
	if e.binance != nil {
		return e.binance, nil
	}
	c, err := binanceclient.New(binanceclient.Config{
		APIKey:       e.cfg.Binance.APIKey,
		SecretKey:    e.cfg.Binance.SecretKey,
		UseTestnet:   e.cfg.Binance.UseTestnet,
		UseMarkPrice: e.cfg.Binance.UseMarkPrice,
		Logger:       e.logger.With("binance"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Binance client: %w", err)
	}
	e.binance = c
	return c, nil
}

func (e *env) redisClient(ctx context.Context) (*redisclient.Client, error) {
	if e.redis != nil {
		return e.redis, nil
	}
	c, err := redisclient.New(ctx, redisclient.ClientConfig{
		Addr:       e.cfg.Redis.Addr,
		Password:   e.cfg.Redis.Password,
		DB:         e.cfg.Redis.DB,
		PoolSize:   e.cfg.Redis.PoolSize,
		MaxRetries: e.cfg.Redis.MaxRetries,
		TLSEnabled: e.cfg.Redis.TLSEnabled,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	e.redis = c
	e.onClose(func() {
		if err := c.Close(); err != nil {
			e.logger.Error(context.Background(), err, "Error closing Redis client")
		}
	})
	return c, nil
}

// market bundles the collaborators that supply prices and metadata.
type market struct {
	oracle    ports.PriceOracle
	precision ports.PrecisionSource
	klines    ports.KlineSource
}

// liveMarket selects the price oracle by price_source. Precision comes from the
// configured table first, then exchange metadata, then the configured default.
func (e *env) liveMarket(ctx context.Context) (market, error) {
	bc, err := e.binanceClient()
	if err != nil {
		return market{}, err
	}
	m := market{precision: e.precisionChain(bc), klines: bc}

	switch e.cfg.PriceSource {
	case "redis":
		rc, err := e.redisClient(ctx)
		if err != nil {
			return market{}, err
		}
		m.oracle = redisclient.NewPriceOracle(rc, e.cfg.Redis.PriceMaxAge.Duration)
	default:
		m.oracle = bc
	}
	return m, nil
}

func (e *env) precisionChain(exchange ports.PrecisionSource) ports.PrecisionSource {
	chain := precision.Chain{precision.NewStatic(e.cfg.QuantityPrecision, nil)}
	if exchange != nil {
		chain = append(chain, exchange)
	}
	if e.cfg.DefaultQuantityPrecision != nil {
		chain = append(chain, precision.NewStatic(nil, e.cfg.DefaultQuantityPrecision))
	}
	return chain
}

func (e *env) entrySignal(src ports.KlineSource) (ports.EntrySignal, error) {
	s := e.cfg.Signal
	if !s.Enabled {
		return signal.Always{}, nil
	}
	return signal.NewEvaluator(src, signal.Config{
		Interval:         s.Interval,
		Lookback:         s.Lookback,
		SMAPeriod:        s.SMAPeriod,
		EMAPeriod:        s.EMAPeriod,
		ATRPeriod:        s.ATRPeriod,
		RSIPeriod:        s.RSIPeriod,
		RSIOverbought:    s.RSIOverbought,
		ProximityPct:     s.ProximityPct,
		MaxVolatilityPct: s.MaxVolatilityPct,
		VolumeMultiplier: s.VolumeMultiplier,
	}, e.logger.With("signal"))
}

// sinks builds every configured event sink.
func (e *env) sinks(ctx context.Context, withRemote bool) ([]ports.EventSink, error) {
	var out []ports.EventSink
	if e.cfg.CSV.Enabled {
		s, err := csvsink.New(e.cfg.CSVPath())
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	if e.cfg.SQLite.Enabled {
		repo, err := e.tradeIndex()
		if err != nil {
			return nil, err
		}
		out = append(out, repo)
	}
	if !withRemote {
		return out, nil
	}

	n := e.cfg.Notify
	if n.DiscordWebhookURL != "" {
		out = append(out, notify.NewSink(notify.NewDiscordSender(n.DiscordWebhookURL), n.EventTypes))
	}
	if n.TelegramToken != "" {
		sender, err := notify.NewTelegramSender(n.TelegramToken, n.TelegramChatID, n.TelegramEndpoint)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize Telegram sender: %w", err)
		}
		out = append(out, notify.NewSink(sender, n.EventTypes))
	}
	if e.cfg.Redis.PublishEvents {
		rc, err := e.redisClient(ctx)
		if err != nil {
			return nil, err
		}
		out = append(out, redisclient.NewPublisher(rc, e.cfg.Redis.EventsChannel))
	}
	return out, nil
}

func (e *env) tradeIndex() (*sqlite.Repository, error) {
	repo, err := sqlite.NewRepository(sqlite.Config{DBPath: e.cfg.SQLitePath(), Logger: e.logger.With("sqlite")})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize trade index: %w", err)
	}
	e.onClose(func() {
		if err := repo.Close(); err != nil {
			e.logger.Error(context.Background(), err, "Error closing trade index")
		}
	})
	return repo, nil
}

func (e *env) uploader(ctx context.Context) (*s3export.Uploader, error) {
	s := e.cfg.S3
	return s3export.New(ctx, s3export.Config{
		Endpoint:       s.Endpoint,
		Region:         s.Region,
		Bucket:         s.Bucket,
		Prefix:         s.Prefix,
		AccessKey:      s.AccessKey,
		SecretKey:      s.SecretKey,
		UseSSL:         s.UseSSL,
		ForcePathStyle: s.ForcePathStyle,
	}, e.logger.With("s3"))
}

// core opens the position store and the trade ledger over the data files.
func (e *env) core() (*store.Store, *ledger.Ledger, error) {
	stateFile, err := filestore.NewStateFile(e.cfg.PositionsPath(), e.logger.With("store"))
	if err != nil {
		return nil, nil, err
	}
	ledgerFile, err := filestore.NewLedgerFile(e.cfg.LedgerPath(), e.logger.With("ledger"))
	if err != nil {
		return nil, nil, err
	}
	e.onClose(func() {
		if err := ledgerFile.Close(); err != nil {
			e.logger.Error(context.Background(), err, "Error closing ledger file")
		}
	})
	st, err := store.New(stateFile, e.logger.With("store"))
	if err != nil {
		return nil, nil, err
	}
	lg, err := ledger.New(ledgerFile, e.logger.With("ledger"))
	if err != nil {
		return nil, nil, err
	}
	return st, lg, nil
}

func (e *env) riskManager() (*risk.RiskManager, error) {
	return risk.NewRiskManager(risk.RiskConfig{
		MaxOpenPositions:    e.cfg.MaxOpenPositions,
		PositionSizePercent: e.cfg.PositionSizePct,
		StopLossPercent:     e.cfg.StopLossPct,
		TakeProfitPercent:   e.cfg.TakeProfitPct,
	})
}

func (e *env) exitRules() exits.Rules {
	return exits.Rules{
		TrailingActivationPct: e.cfg.TrailingActivationPct,
		TrailingDistancePct:   e.cfg.TrailingDistancePct,
	}
}

// tradingService assembles the core over m. Closing e drains the event sinks.
func (e *env) tradingService(ctx context.Context, m market, withRemote, handleSignals bool) (*app.TradingService, error) {
	st, lg, err := e.core()
	if err != nil {
		return nil, err
	}
	rm, err := e.riskManager()
	if err != nil {
		return nil, err
	}
	sig, err := e.entrySignal(m.klines)
	if err != nil {
		return nil, err
	}
	sinks, err := e.sinks(ctx, withRemote)
	if err != nil {
		return nil, err
	}
	emitter, err := events.NewEmitter(sinks, events.DefaultOptions(), e.logger.With("events"))
	if err != nil {
		return nil, err
	}
	e.onClose(func() {
		drainCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := emitter.Close(drainCtx); err != nil {
			e.logger.Error(context.Background(), err, "Event sinks did not drain")
		}
	})

	svc, err := app.NewTradingService(app.Dependencies{
		Store:      st,
		Ledger:     lg,
		Risk:       rm,
		Exits:      e.exitRules(),
		Accountant: accounting.New(e.cfg.InitialCapital),
		Events:     emitter,
		Oracle:     m.oracle,
		Precision:  m.precision,
		Signal:     sig,
		Logger:     e.logger.With("core"),
	}, app.Options{
		Symbols:          e.cfg.Symbols,
		TickInterval:     e.cfg.TickInterval.Duration,
		OracleTimeout:    e.cfg.OracleTimeout(),
		StaleTickLimit:   e.cfg.StaleTickLimit,
		HeartbeatEvery:   e.cfg.HeartbeatEvery,
		FetchConcurrency: e.cfg.FetchConcurrency,
		HandleSignals:    handleSignals,
	})
	if err != nil {
		return nil, err
	}
	return svc, nil
}
