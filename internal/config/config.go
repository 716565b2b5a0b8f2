package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"rebalancer/internal/domain"
)

// DefaultPath is where the configuration file is looked up when neither
// --config nor REBALANCER_CONFIG is given.
const DefaultPath = "config/rebalancer.yaml"

// Alpaca endpoints selected by trading.paper_mode when alpaca.base_url is
// empty.
const (
	PaperBaseURL = "https://paper-api.alpaca.markets"
	LiveBaseURL  = "https://api.alpaca.markets"
)

// Broker and quote source identifiers.
const (
	BrokerAlpaca    = "alpaca"
	BrokerSimulator = "simulator"

	QuotesAlpaca  = "alpaca"
	QuotesParquet = "parquet"
)

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for the rebalancer.
type Config struct {
	Alpaca  Alpaca        `yaml:"alpaca"`
	Storage Storage       `yaml:"storage"`
	Logging Logging       `yaml:"logging"`
	Trading TradingConfig `yaml:"trading"`
	Filler  FillerConfig  `yaml:"filler"`
	Quotes  QuotesConfig  `yaml:"quotes"`
	Tracing TracingConfig `yaml:"tracing"`
	// Portfolio is the target allocation: ticker to fraction of equity.
	Portfolio map[string]float64 `yaml:"portfolio"`
}

// Alpaca holds credentials and endpoints for the Alpaca broker API.
type Alpaca struct {
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	BaseURL   string `yaml:"base_url"`
	DataURL   string `yaml:"data_url"`
	Feed      string `yaml:"feed"`
}

// Storage holds paths for the local bar store.
type Storage struct {
	DataDir string `yaml:"data_dir"`
	Market  string `yaml:"market"`
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// TradingConfig selects how and where a rebalance executes.
type TradingConfig struct {
	Mode            string `yaml:"mode"`
	Broker          string `yaml:"broker"`
	PaperMode       bool   `yaml:"paper_mode"`
	RateLimitPerMin int    `yaml:"rate_limit_per_min"`
	// Schedule is a cron expression; empty runs once.
	Schedule string `yaml:"schedule"`
	// RefreshEquity re-reads account state before each order. Defaults to
	// true in limit mode and false in market mode.
	RefreshEquity *bool `yaml:"refresh_equity"`

	SimulatorCash        float64 `yaml:"simulator_cash"`
	SimulatorFillLatency int     `yaml:"simulator_fill_latency"`
	SimulatorDrift       float64 `yaml:"simulator_drift"`
}

// FillerConfig holds the order execution parameters.
type FillerConfig struct {
	MarketSettle       time.Duration `yaml:"market_settle"`
	MarketPollAttempts int           `yaml:"market_poll_attempts"`
	MarketPollInterval time.Duration `yaml:"market_poll_interval"`
	LimitSettle        time.Duration `yaml:"limit_settle"`
	InitialSlippage    float64       `yaml:"initial_slippage"`
	IncreaseIncrement  float64       `yaml:"increase_increment"`
	MaxLimitScaler     float64       `yaml:"max_limit_scaler"`
	CancelOnFail       *bool         `yaml:"cancel_on_fail"`
}

// QuotesConfig selects where limit orders are priced from.
type QuotesConfig struct {
	Source string `yaml:"source"`
	// MaxAge rejects Parquet closes older than this; 0 accepts any age.
	MaxAge time.Duration `yaml:"max_age"`
}

// TracingConfig toggles span export.
type TracingConfig struct {
	Enabled bool `yaml:"enabled"`
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// ResolvePath picks the configuration file: the explicit flag value, then
// REBALANCER_CONFIG, then DefaultPath.
func ResolvePath(flag string) string {
	if flag != "" {
		return flag
	}
	if v := os.Getenv("REBALANCER_CONFIG"); v != "" {
		return v
	}
	return DefaultPath
}

// LoadDotEnv exports the variables in the given .env files into the
// process environment without overriding variables already set. Missing
// files are skipped.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("loading %s: %w", p, err)
		}
	}
	return nil
}

// Load reads the YAML configuration file at the given path, parses it into a
// Config struct, applies environment variable overrides and validates the
// result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}

	if v := os.Getenv("ALPACA_API_KEY"); v != "" {
		cfg.Alpaca.APIKey = v
	}

	if v := os.Getenv("ALPACA_API_SECRET"); v != "" {
		cfg.Alpaca.APISecret = v
	}

	if v := os.Getenv("ALPACA_BASE_URL"); v != "" {
		cfg.Alpaca.BaseURL = v
	}

	if v := os.Getenv("ALPACA_DATA_URL"); v != "" {
		cfg.Alpaca.DataURL = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	if v := os.Getenv("REBALANCE_MODE"); v != "" {
		cfg.Trading.Mode = v
	}

	// Standard Alpaca env vars (highest priority, canonical names used by SDK).
	if v := os.Getenv("APCA_API_KEY_ID"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("APCA_API_SECRET_KEY"); v != "" {
		cfg.Alpaca.APISecret = v
	}
}

// ---------------------------------------------------------------------------
// Validation
// ---------------------------------------------------------------------------

// Validate fills unset fields with their defaults and rejects values the
// engine cannot run with.
func (c *Config) Validate() error {
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Storage.Market == "" {
		c.Storage.Market = "us"
	}

	if c.Trading.Mode == "" {
		c.Trading.Mode = string(domain.ModeMarket)
	}
	mode, err := domain.ParseMode(c.Trading.Mode)
	if err != nil {
		return err
	}
	c.Trading.Mode = string(mode)
	if c.Trading.RefreshEquity == nil {
		refresh := mode == domain.ModeLimit
		c.Trading.RefreshEquity = &refresh
	}

	c.Trading.Broker = strings.ToLower(strings.TrimSpace(c.Trading.Broker))
	if c.Trading.Broker == "" {
		c.Trading.Broker = BrokerAlpaca
	}
	switch c.Trading.Broker {
	case BrokerAlpaca:
		if c.Alpaca.APIKey == "" || c.Alpaca.APISecret == "" {
			return errors.New("alpaca broker needs api_key and api_secret")
		}
	case BrokerSimulator:
		if c.Trading.SimulatorCash < 0 {
			return fmt.Errorf("simulator_cash must not be negative, got %v", c.Trading.SimulatorCash)
		}
	default:
		return fmt.Errorf("unknown broker %q (want %s or %s)", c.Trading.Broker, BrokerAlpaca, BrokerSimulator)
	}
	if c.Alpaca.BaseURL == "" {
		c.Alpaca.BaseURL = LiveBaseURL
		if c.Trading.PaperMode {
			c.Alpaca.BaseURL = PaperBaseURL
		}
	}

	c.Quotes.Source = strings.ToLower(strings.TrimSpace(c.Quotes.Source))
	switch c.Quotes.Source {
	case "":
		c.Quotes.Source = QuotesAlpaca
		if c.Trading.Broker == BrokerSimulator {
			c.Quotes.Source = QuotesParquet
		}
	case QuotesAlpaca, QuotesParquet:
	default:
		return fmt.Errorf("unknown quote source %q (want %s or %s)", c.Quotes.Source, QuotesAlpaca, QuotesParquet)
	}
	if c.Quotes.Source == QuotesAlpaca && (c.Alpaca.APIKey == "" || c.Alpaca.APISecret == "") {
		return errors.New("alpaca quotes need api_key and api_secret")
	}
	if c.Quotes.Source == QuotesParquet && c.Storage.DataDir == "" {
		return errors.New("parquet quotes need storage.data_dir")
	}

	return c.Filler.validate()
}

func (f *FillerConfig) validate() error {
	if f.MarketSettle == 0 {
		f.MarketSettle = 8 * time.Second
	}
	if f.MarketPollAttempts == 0 {
		f.MarketPollAttempts = 1
	}
	if f.MarketPollInterval == 0 {
		f.MarketPollInterval = f.MarketSettle
	}
	if f.LimitSettle == 0 {
		f.LimitSettle = 10 * time.Second
	}
	if f.InitialSlippage == 0 {
		f.InitialSlippage = 0.015
	}
	if f.IncreaseIncrement == 0 {
		f.IncreaseIncrement = 0.005
	}
	if f.MaxLimitScaler == 0 {
		f.MaxLimitScaler = 0.04
	}
	if f.CancelOnFail == nil {
		cancel := true
		f.CancelOnFail = &cancel
	}

	switch {
	case f.MarketSettle < 0, f.MarketPollInterval < 0, f.LimitSettle < 0:
		return errors.New("filler intervals must not be negative")
	case f.MarketPollAttempts < 0:
		return fmt.Errorf("market_poll_attempts must not be negative, got %d", f.MarketPollAttempts)
	case f.InitialSlippage < 0 || f.InitialSlippage >= 1:
		return fmt.Errorf("initial_slippage must be in [0, 1), got %v", f.InitialSlippage)
	case f.IncreaseIncrement < 0:
		return fmt.Errorf("increase_increment must be positive, got %v", f.IncreaseIncrement)
	case f.MaxLimitScaler < 0 || f.MaxLimitScaler >= 1:
		return fmt.Errorf("max_limit_scaler must be in [0, 1), got %v", f.MaxLimitScaler)
	}
	return nil
}

// Allocation returns the configured target portfolio.
func (c *Config) Allocation() domain.Allocation {
	alloc := make(domain.Allocation, len(c.Portfolio))
	for sym, frac := range c.Portfolio {
		alloc[sym] = frac
	}
	return alloc
}
