package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Config holds all application configuration.
type Config struct {
	// Capital and exit parameters
	InitialCapital        decimal.Decimal `toml:"initial_capital"`
	PositionSizePct       decimal.Decimal `toml:"position_size_pct"`
	MaxOpenPositions      int             `toml:"max_open_positions"`
	StopLossPct           decimal.Decimal `toml:"stop_loss_pct"`
	TakeProfitPct         decimal.Decimal `toml:"take_profit_pct"`
	TrailingActivationPct decimal.Decimal `toml:"trailing_activation_pct"`
	TrailingDistancePct   decimal.Decimal `toml:"trailing_distance_pct"`

	// Entry universe
	Symbols []string `toml:"symbols"`

	// Files
	DataDir       string `toml:"data_dir"`
	PositionsFile string `toml:"positions_file"`
	LedgerFile    string `toml:"ledger_file"`

	// Loop
	TickInterval          Duration `toml:"tick_interval"`
	OracleTimeoutFraction float64  `toml:"oracle_timeout_fraction"`
	StaleTickLimit        int      `toml:"stale_tick_limit"`
	HeartbeatEvery        int      `toml:"heartbeat_every"` // ticks; 0 disables
	FetchConcurrency      int      `toml:"fetch_concurrency"`

	// Quantity precision per symbol, in decimal places
	QuantityPrecision        map[string]int32 `toml:"quantity_precision"`
	DefaultQuantityPrecision *int32           `toml:"default_quantity_precision"`

	PriceSource string `toml:"price_source"` // binance | redis

	// Logging
	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"` // json | console

	Binance BinanceConfig `toml:"binance"`
	Redis   RedisConfig   `toml:"redis"`
	SQLite  SQLiteConfig  `toml:"sqlite"`
	CSV     CSVConfig     `toml:"csv"`
	Notify  NotifyConfig  `toml:"notify"`
	S3      S3Config      `toml:"s3"`
	Signal  SignalConfig  `toml:"signal"`

	// UnknownKeys lists TOML keys that matched no option.
	UnknownKeys []string `toml:"-"`
}

// BinanceConfig configures the exchange price, precision and kline source.
type BinanceConfig struct {
	APIKey       string `toml:"api_key"`
	SecretKey    string `toml:"secret_key"`
	UseTestnet   bool   `toml:"use_testnet"`
	UseMarkPrice bool   `toml:"use_mark_price"`
}

// RedisConfig configures the cached price oracle and the event publisher.
type RedisConfig struct {
	Addr          string   `toml:"addr"`
	Password      string   `toml:"password"`
	DB            int      `toml:"db"`
	PoolSize      int      `toml:"pool_size"`
	MaxRetries    int      `toml:"max_retries"`
	TLSEnabled    bool     `toml:"tls_enabled"`
	PriceMaxAge   Duration `toml:"price_max_age"`
	PublishEvents bool     `toml:"publish_events"`
	EventsChannel string   `toml:"events_channel"`
}

// SQLiteConfig configures the trade reporting index.
type SQLiteConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// CSVConfig configures the durable CSV trade log.
type CSVConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// NotifyConfig configures chat notifications. A sender is enabled when its
// credentials are set.
type NotifyConfig struct {
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    int64    `toml:"telegram_chat_id"`
	TelegramEndpoint  string   `toml:"telegram_endpoint"`
	EventTypes        []string `toml:"event_types"`
}

// S3Config configures ledger archive uploads.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	Prefix         string `toml:"prefix"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// SignalConfig configures the indicator-based entry signal. When disabled every
// flat symbol is a candidate on every tick.
type SignalConfig struct {
	Enabled          bool    `toml:"enabled"`
	Interval         string  `toml:"interval"`
	Lookback         int     `toml:"lookback"`
	SMAPeriod        int     `toml:"sma_period"`
	EMAPeriod        int     `toml:"ema_period"`
	ATRPeriod        int     `toml:"atr_period"`
	RSIPeriod        int     `toml:"rsi_period"` // 0 disables the RSI filter
	RSIOverbought    float64 `toml:"rsi_overbought"`
	ProximityPct     float64 `toml:"proximity_pct"`
	MaxVolatilityPct float64 `toml:"max_volatility_pct"`
	VolumeMultiplier float64 `toml:"volume_multiplier"`
}

// Duration decodes TOML strings such as "30s" or "1m".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		InitialCapital:        decimal.NewFromInt(10000),
		PositionSizePct:       decimal.RequireFromString("0.10"),
		MaxOpenPositions:      2,
		StopLossPct:           decimal.RequireFromString("0.05"),
		TakeProfitPct:         decimal.RequireFromString("0.15"),
		TrailingActivationPct: decimal.RequireFromString("0.03"),
		TrailingDistancePct:   decimal.RequireFromString("0.03"),

		Symbols: []string{"BTCUSDT", "ETHUSDT", "SOLUSDT"},

		DataDir:       "./data",
		PositionsFile: "positions.json",
		LedgerFile:    "ledger.jsonl",

		TickInterval:          Duration{time.Minute},
		OracleTimeoutFraction: 0.5,
		StaleTickLimit:        3,
		HeartbeatEvery:        60,
		FetchConcurrency:      4,

		QuantityPrecision: map[string]int32{},

		PriceSource: "binance",
		LogLevel:    "INFO",
		LogFormat:   "console",

		Binance: BinanceConfig{UseTestnet: false},
		Redis: RedisConfig{
			Addr:          "localhost:6379",
			PoolSize:      10,
			MaxRetries:    3,
			PriceMaxAge:   Duration{2 * time.Minute},
			EventsChannel: "paperbot:events",
		},
		SQLite: SQLiteConfig{Enabled: true, Path: "trades.db"},
		CSV:    CSVConfig{Enabled: true, Path: "trades.csv"},
		Notify: NotifyConfig{
			EventTypes: []string{"entry", "exit", "error"},
		},
		S3: S3Config{Region: "us-east-1", Prefix: "ledger", UseSSL: true},
		Signal: SignalConfig{
			Enabled:          false,
			Interval:         "15m",
			Lookback:         100,
			SMAPeriod:        50,
			EMAPeriod:        20,
			ATRPeriod:        14,
			RSIPeriod:        14,
			RSIOverbought:    70,
			ProximityPct:     0.01,
			MaxVolatilityPct: 0.03,
			VolumeMultiplier: 1.0,
		},
	}
}

// LoadConfig loads .env (if present), decodes the TOML file at path on top of
// the defaults, applies PAPERBOT_* environment overrides and validates the
// result. An empty path skips the file.
func LoadConfig(path string) (*Config, error) {
	// Load .env file, but don't fail if it doesn't exist (allow pure env vars)
	_ = godotenv.Load()

	cfg := Defaults()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file '%s': %w", path, err)
		}
		md, err := toml.Decode(string(data), &cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to decode config file '%s': %w", path, err)
		}
		for _, key := range md.Undecoded() {
			cfg.UnknownKeys = append(cfg.UnknownKeys, key.String())
		}
		sort.Strings(cfg.UnknownKeys)

		var exact decimalOptions
		if _, err := toml.Decode(string(data), &exact); err != nil {
			return nil, fmt.Errorf("failed to decode config file '%s': %w", path, err)
		}
		exact.apply(&cfg)
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, err
	}
	cfg.normalise()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// PositionsPath returns the positions file location.
func (c *Config) PositionsPath() string { return c.resolve(c.PositionsFile) }

// LedgerPath returns the ledger file location.
func (c *Config) LedgerPath() string { return c.resolve(c.LedgerFile) }

// SQLitePath returns the reporting database location.
func (c *Config) SQLitePath() string { return c.resolve(c.SQLite.Path) }

// CSVPath returns the CSV trade log location.
func (c *Config) CSVPath() string { return c.resolve(c.CSV.Path) }

// OracleTimeout is the per-call price fetch deadline.
func (c *Config) OracleTimeout() time.Duration {
	return time.Duration(float64(c.TickInterval.Duration) * c.OracleTimeoutFraction)
}

// resolve places relative file names under DataDir.
func (c *Config) resolve(name string) string {
	if name == "" || filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(c.DataDir, name)
}

func (c *Config) normalise() {
	seen := make(map[string]bool, len(c.Symbols))
	symbols := make([]string, 0, len(c.Symbols))
	for _, s := range c.Symbols {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		symbols = append(symbols, s)
	}
	c.Symbols = symbols

	if len(c.QuantityPrecision) > 0 {
		upper := make(map[string]int32, len(c.QuantityPrecision))
		for s, p := range c.QuantityPrecision {
			upper[strings.ToUpper(s)] = p
		}
		c.QuantityPrecision = upper
	}
	c.PriceSource = strings.ToLower(c.PriceSource)
	c.LogFormat = strings.ToLower(c.LogFormat)
}

// Validate reports every invalid option at once.
func (c *Config) Validate() error {
	var errs []string
	one := decimal.NewFromInt(1)

	if !c.InitialCapital.IsPositive() {
		errs = append(errs, "initial_capital must be positive")
	}
	if !c.PositionSizePct.IsPositive() || c.PositionSizePct.GreaterThan(one) {
		errs = append(errs, "position_size_pct must be in (0, 1]")
	}
	if c.MaxOpenPositions <= 0 {
		errs = append(errs, "max_open_positions must be positive")
	}
	if !c.StopLossPct.IsPositive() || !c.StopLossPct.LessThan(one) {
		errs = append(errs, "stop_loss_pct must be in (0, 1)")
	}
	if !c.TakeProfitPct.IsPositive() {
		errs = append(errs, "take_profit_pct must be positive")
	}
	if c.TrailingActivationPct.IsNegative() {
		errs = append(errs, "trailing_activation_pct cannot be negative")
	}
	if !c.TrailingDistancePct.IsPositive() || !c.TrailingDistancePct.LessThan(one) {
		errs = append(errs, "trailing_distance_pct must be in (0, 1)")
	}

	if len(c.Symbols) == 0 {
		errs = append(errs, "symbols must list at least one symbol")
	}
	if c.DataDir == "" {
		errs = append(errs, "data_dir must be set")
	}
	if c.PositionsFile == "" || c.LedgerFile == "" {
		errs = append(errs, "positions_file and ledger_file must be set")
	} else if c.PositionsPath() == c.LedgerPath() {
		errs = append(errs, "positions_file and ledger_file must differ")
	}

	if c.TickInterval.Duration <= 0 {
		errs = append(errs, "tick_interval must be positive")
	}
	if c.OracleTimeoutFraction <= 0 || c.OracleTimeoutFraction > 1 {
		errs = append(errs, "oracle_timeout_fraction must be in (0, 1]")
	}
	if c.StaleTickLimit <= 0 {
		errs = append(errs, "stale_tick_limit must be positive")
	}
	if c.HeartbeatEvery < 0 {
		errs = append(errs, "heartbeat_every cannot be negative")
	}
	if c.FetchConcurrency <= 0 {
		errs = append(errs, "fetch_concurrency must be positive")
	}
	for sym, p := range c.QuantityPrecision {
		if p < 0 || p > 18 {
			errs = append(errs, fmt.Sprintf("quantity_precision for %s must be between 0 and 18", sym))
		}
	}
	if p := c.DefaultQuantityPrecision; p != nil && (*p < 0 || *p > 18) {
		errs = append(errs, "default_quantity_precision must be between 0 and 18")
	}

	switch c.PriceSource {
	case "binance":
	case "redis":
		if c.Redis.Addr == "" {
			errs = append(errs, "redis.addr must be set when price_source is redis")
		}
		if c.Redis.PriceMaxAge.Duration <= 0 {
			errs = append(errs, "redis.price_max_age must be positive")
		}
	default:
		errs = append(errs, fmt.Sprintf("unknown price_source %q (valid: binance, redis)", c.PriceSource))
	}
	if c.Redis.PublishEvents && c.Redis.EventsChannel == "" {
		errs = append(errs, "redis.events_channel must be set when publish_events is on")
	}

	switch c.LogFormat {
	case "json", "console":
	default:
		errs = append(errs, fmt.Sprintf("unknown log_format %q (valid: json, console)", c.LogFormat))
	}

	if c.SQLite.Enabled && c.SQLite.Path == "" {
		errs = append(errs, "sqlite.path must be set when sqlite is enabled")
	}
	if c.CSV.Enabled && c.CSV.Path == "" {
		errs = append(errs, "csv.path must be set when csv is enabled")
	}
	if c.Notify.TelegramToken != "" && c.Notify.TelegramChatID == 0 {
		errs = append(errs, "notify.telegram_chat_id must be set with telegram_token")
	}
	if c.S3.Enabled && c.S3.Bucket == "" {
		errs = append(errs, "s3.bucket must be set when s3 is enabled")
	}

	if s := c.Signal; s.Enabled {
		if s.Interval == "" {
			errs = append(errs, "signal.interval must be set")
		}
		if s.SMAPeriod <= 0 || s.EMAPeriod <= 0 || s.ATRPeriod <= 0 {
			errs = append(errs, "signal periods (sma, ema, atr) must be positive")
		}
		if s.RSIPeriod < 0 || s.RSIOverbought < 0 || s.RSIOverbought > 100 {
			errs = append(errs, "signal.rsi_period cannot be negative and rsi_overbought must be within 0-100")
		}
		if s.Lookback <= s.SMAPeriod || s.Lookback <= s.EMAPeriod || s.Lookback <= s.ATRPeriod || s.Lookback <= s.RSIPeriod {
			errs = append(errs, "signal.lookback must exceed every indicator period")
		}
		if s.ProximityPct <= 0 || s.MaxVolatilityPct <= 0 || s.VolumeMultiplier < 0 {
			errs = append(errs, "signal thresholds must be positive")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// exactDecimal decodes a TOML string, integer or float without the
// six-place rounding of the text path.
type exactDecimal struct {
	set   bool
	value decimal.Decimal
}

// UnmarshalTOML implements toml.Unmarshaler.
func (x *exactDecimal) UnmarshalTOML(v interface{}) error {
	switch t := v.(type) {
	case string:
		d, err := decimal.NewFromString(strings.TrimSpace(t))
		if err != nil {
			return err
		}
		x.value = d
	case int64:
		x.value = decimal.NewFromInt(t)
	case float64:
		d, err := decimal.NewFromString(strconv.FormatFloat(t, 'f', -1, 64))
		if err != nil {
			return err
		}
		x.value = d
	default:
		return fmt.Errorf("want a number or decimal string, got %T", v)
	}
	x.set = true
	return nil
}

// decimalOptions re-reads the decimal trading options exactly.
type decimalOptions struct {
	InitialCapital        exactDecimal `toml:"initial_capital"`
	PositionSizePct       exactDecimal `toml:"position_size_pct"`
	StopLossPct           exactDecimal `toml:"stop_loss_pct"`
	TakeProfitPct         exactDecimal `toml:"take_profit_pct"`
	TrailingActivationPct exactDecimal `toml:"trailing_activation_pct"`
	TrailingDistancePct   exactDecimal `toml:"trailing_distance_pct"`
}

func (o decimalOptions) apply(cfg *Config) {
	for _, f := range []struct {
		src exactDecimal
		dst *decimal.Decimal
	}{
		{o.InitialCapital, &cfg.InitialCapital},
		{o.PositionSizePct, &cfg.PositionSizePct},
		{o.StopLossPct, &cfg.StopLossPct},
		{o.TakeProfitPct, &cfg.TakeProfitPct},
		{o.TrailingActivationPct, &cfg.TrailingActivationPct},
		{o.TrailingDistancePct, &cfg.TrailingDistancePct},
	} {
		if f.src.set {
			*f.dst = f.src.value
		}
	}
}

// --- Env Var Helpers ---

func applyEnvOverrides(cfg *Config) error {
	var errs []string
	decimals := map[string]*decimal.Decimal{
		"PAPERBOT_INITIAL_CAPITAL":         &cfg.InitialCapital,
		"PAPERBOT_POSITION_SIZE_PCT":       &cfg.PositionSizePct,
		"PAPERBOT_STOP_LOSS_PCT":           &cfg.StopLossPct,
		"PAPERBOT_TAKE_PROFIT_PCT":         &cfg.TakeProfitPct,
		"PAPERBOT_TRAILING_ACTIVATION_PCT": &cfg.TrailingActivationPct,
		"PAPERBOT_TRAILING_DISTANCE_PCT":   &cfg.TrailingDistancePct,
	}
	for key, dst := range decimals {
		if err := setDecimal(dst, key); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if err := setInt(&cfg.MaxOpenPositions, "PAPERBOT_MAX_OPEN_POSITIONS"); err != nil {
		errs = append(errs, err.Error())
	}
	if err := setDuration(&cfg.TickInterval, "PAPERBOT_TICK_INTERVAL"); err != nil {
		errs = append(errs, err.Error())
	}

	setStringSlice(&cfg.Symbols, "PAPERBOT_SYMBOLS")
	setStr(&cfg.DataDir, "PAPERBOT_DATA_DIR")
	setStr(&cfg.PriceSource, "PAPERBOT_PRICE_SOURCE")
	setStr(&cfg.LogLevel, "PAPERBOT_LOG_LEVEL")
	setStr(&cfg.LogFormat, "PAPERBOT_LOG_FORMAT")

	// Secrets
	setStr(&cfg.Binance.APIKey, "PAPERBOT_BINANCE_API_KEY")
	setStr(&cfg.Binance.SecretKey, "PAPERBOT_BINANCE_SECRET_KEY")
	setStr(&cfg.Redis.Addr, "PAPERBOT_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "PAPERBOT_REDIS_PASSWORD")
	setStr(&cfg.Notify.DiscordWebhookURL, "PAPERBOT_DISCORD_WEBHOOK_URL")
	setStr(&cfg.Notify.TelegramToken, "PAPERBOT_TELEGRAM_TOKEN")
	if err := setInt64(&cfg.Notify.TelegramChatID, "PAPERBOT_TELEGRAM_CHAT_ID"); err != nil {
		errs = append(errs, err.Error())
	}
	setStr(&cfg.S3.AccessKey, "PAPERBOT_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "PAPERBOT_S3_SECRET_KEY")

	if len(errs) > 0 {
		sort.Strings(errs)
		return fmt.Errorf("invalid environment overrides: %s", strings.Join(errs, "; "))
	}
	return nil
}

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: %v", key, err)
	}
	*dst = n
	return nil
}

func setInt64(dst *int64, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fmt.Errorf("%s: %v", key, err)
	}
	*dst = n
	return nil
}

func setDecimal(dst *decimal.Decimal, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return fmt.Errorf("%s: %v", key, err)
	}
	*dst = d
	return nil
}

func setDuration(dst *Duration, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: %v", key, err)
	}
	dst.Duration = d
	return nil
}

func setStringSlice(dst *[]string, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) > 0 {
		*dst = out
	}
}
