package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// writeConfig writes content to a temporary YAML file and returns its path.
func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rebalancer.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write temp file: %v", err)
	}
	return path
}

// clearEnv unsets every variable Load reads for the duration of the test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"DATA_DIR", "ALPACA_API_KEY", "ALPACA_API_SECRET", "ALPACA_BASE_URL",
		"ALPACA_DATA_URL", "LOG_LEVEL", "REBALANCE_MODE", "APCA_API_KEY_ID",
		"APCA_API_SECRET_KEY", "REBALANCER_CONFIG",
	} {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
}

func TestLoadFull(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
alpaca:
  api_key: "test-key"
  api_secret: "test-secret"
  base_url: "https://paper-api.alpaca.markets"
  data_url: "https://data.alpaca.markets"
  feed: "iex"
storage:
  data_dir: "/tmp/rebalancer/data"
logging:
  level: "debug"
  format: "text"
trading:
  mode: "limit"
  broker: "alpaca"
  paper_mode: true
  rate_limit_per_min: 200
  schedule: "35 9 * * 1-5"
filler:
  market_settle: 5s
  limit_settle: 12s
  initial_slippage: 0.01
  increase_increment: 0.0025
  max_limit_scaler: 0.03
  cancel_on_fail: false
quotes:
  source: "parquet"
  max_age: 96h
tracing:
  enabled: true
portfolio:
  SPY: 0.6
  TLT: 0.4
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	// -- Alpaca --
	if cfg.Alpaca.APIKey != "test-key" {
		t.Errorf("Alpaca.APIKey = %q, want %q", cfg.Alpaca.APIKey, "test-key")
	}
	if cfg.Alpaca.Feed != "iex" {
		t.Errorf("Alpaca.Feed = %q, want %q", cfg.Alpaca.Feed, "iex")
	}

	// -- Storage --
	if cfg.Storage.DataDir != "/tmp/rebalancer/data" {
		t.Errorf("Storage.DataDir = %q, want %q", cfg.Storage.DataDir, "/tmp/rebalancer/data")
	}
	if cfg.Storage.Market != "us" {
		t.Errorf("Storage.Market = %q, want default %q", cfg.Storage.Market, "us")
	}

	// -- Logging --
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "text" {
		t.Errorf("Logging = %+v, want debug/text", cfg.Logging)
	}

	// -- Trading --
	if cfg.Trading.Mode != "limit" {
		t.Errorf("Trading.Mode = %q, want %q", cfg.Trading.Mode, "limit")
	}
	if cfg.Trading.RateLimitPerMin != 200 {
		t.Errorf("Trading.RateLimitPerMin = %d, want %d", cfg.Trading.RateLimitPerMin, 200)
	}
	if cfg.Trading.Schedule != "35 9 * * 1-5" {
		t.Errorf("Trading.Schedule = %q", cfg.Trading.Schedule)
	}
	if cfg.Trading.RefreshEquity == nil || !*cfg.Trading.RefreshEquity {
		t.Error("Trading.RefreshEquity should default to true in limit mode")
	}

	// -- Filler --
	if cfg.Filler.MarketSettle != 5*time.Second {
		t.Errorf("Filler.MarketSettle = %v, want %v", cfg.Filler.MarketSettle, 5*time.Second)
	}
	if cfg.Filler.MarketPollInterval != 5*time.Second {
		t.Errorf("Filler.MarketPollInterval = %v, want it to follow MarketSettle", cfg.Filler.MarketPollInterval)
	}
	if cfg.Filler.LimitSettle != 12*time.Second {
		t.Errorf("Filler.LimitSettle = %v, want %v", cfg.Filler.LimitSettle, 12*time.Second)
	}
	if cfg.Filler.IncreaseIncrement != 0.0025 {
		t.Errorf("Filler.IncreaseIncrement = %v, want %v", cfg.Filler.IncreaseIncrement, 0.0025)
	}
	if cfg.Filler.CancelOnFail == nil || *cfg.Filler.CancelOnFail {
		t.Error("Filler.CancelOnFail = true, want false from YAML")
	}

	// -- Quotes / tracing / portfolio --
	if cfg.Quotes.Source != QuotesParquet || cfg.Quotes.MaxAge != 96*time.Hour {
		t.Errorf("Quotes = %+v", cfg.Quotes)
	}
	if !cfg.Tracing.Enabled {
		t.Error("Tracing.Enabled = false, want true")
	}
	alloc := cfg.Allocation()
	if len(alloc) != 2 || alloc["SPY"] != 0.6 || alloc["TLT"] != 0.4 {
		t.Errorf("Allocation() = %v", alloc)
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
alpaca:
  api_key: "k"
  api_secret: "s"
trading:
  paper_mode: true
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}
	if cfg.Trading.Mode != "market" {
		t.Errorf("Trading.Mode = %q, want %q", cfg.Trading.Mode, "market")
	}
	if cfg.Trading.Broker != BrokerAlpaca || cfg.Quotes.Source != QuotesAlpaca {
		t.Errorf("broker/quotes = %q/%q, want alpaca/alpaca", cfg.Trading.Broker, cfg.Quotes.Source)
	}
	if cfg.Alpaca.BaseURL != PaperBaseURL {
		t.Errorf("Alpaca.BaseURL = %q, want %q", cfg.Alpaca.BaseURL, PaperBaseURL)
	}
	if *cfg.Trading.RefreshEquity {
		t.Error("Trading.RefreshEquity should default to false in market mode")
	}

	f := cfg.Filler
	if f.MarketSettle != 8*time.Second || f.LimitSettle != 10*time.Second {
		t.Errorf("settle defaults = %v/%v, want 8s/10s", f.MarketSettle, f.LimitSettle)
	}
	if f.MarketPollAttempts != 1 {
		t.Errorf("MarketPollAttempts = %d, want 1", f.MarketPollAttempts)
	}
	if f.InitialSlippage != 0.015 || f.IncreaseIncrement != 0.005 || f.MaxLimitScaler != 0.04 {
		t.Errorf("walk defaults = %v/%v/%v", f.InitialSlippage, f.IncreaseIncrement, f.MaxLimitScaler)
	}
	if !*f.CancelOnFail {
		t.Error("CancelOnFail should default to true")
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" {
		t.Errorf("Logging = %+v, want info/json", cfg.Logging)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
alpaca:
  api_key: "yaml-key"
  api_secret: "yaml-secret"
storage:
  data_dir: "/original/data"
`)

	t.Setenv("ALPACA_API_KEY", "env-key")
	t.Setenv("DATA_DIR", "/env/data")
	t.Setenv("REBALANCE_MODE", "LIMIT")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.Alpaca.APIKey != "env-key" {
		t.Errorf("Alpaca.APIKey = %q, want %q (env override)", cfg.Alpaca.APIKey, "env-key")
	}
	// api_secret should remain from YAML since no env override was set.
	if cfg.Alpaca.APISecret != "yaml-secret" {
		t.Errorf("Alpaca.APISecret = %q, want %q (from YAML)", cfg.Alpaca.APISecret, "yaml-secret")
	}
	if cfg.Storage.DataDir != "/env/data" {
		t.Errorf("Storage.DataDir = %q, want %q (env override)", cfg.Storage.DataDir, "/env/data")
	}
	if cfg.Trading.Mode != "limit" {
		t.Errorf("Trading.Mode = %q, want %q (env override)", cfg.Trading.Mode, "limit")
	}

	t.Setenv("APCA_API_KEY_ID", "apca-key")
	cfg, err = Load(path)
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}
	if cfg.Alpaca.APIKey != "apca-key" {
		t.Errorf("Alpaca.APIKey = %q, want %q (APCA takes priority)", cfg.Alpaca.APIKey, "apca-key")
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"unknown mode", "alpaca: {api_key: k, api_secret: s}\ntrading: {mode: twap}\n"},
		{"unknown broker", "alpaca: {api_key: k, api_secret: s}\ntrading: {broker: ibkr}\n"},
		{"missing credentials", "trading: {broker: alpaca}\n"},
		{"unknown quote source", "trading: {broker: simulator}\nquotes: {source: yahoo}\nstorage: {data_dir: /tmp}\n"},
		{"parquet without data dir", "trading: {broker: simulator}\n"},
		{"negative slippage", "alpaca: {api_key: k, api_secret: s}\nfiller: {initial_slippage: -0.1}\n"},
		{"ceiling too large", "alpaca: {api_key: k, api_secret: s}\nfiller: {max_limit_scaler: 1.5}\n"},
		{"negative settle", "alpaca: {api_key: k, api_secret: s}\nfiller: {limit_settle: -1s}\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			if _, err := Load(writeConfig(t, tt.yaml)); err == nil {
				t.Error("Load() returned nil error")
			}
		})
	}
}

func TestSimulatorNeedsNoCredentials(t *testing.T) {
	clearEnv(t)
	cfg, err := Load(writeConfig(t, "trading: {broker: simulator, simulator_cash: 10000}\nstorage: {data_dir: /tmp/bars}\n"))
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}
	if cfg.Quotes.Source != QuotesParquet {
		t.Errorf("Quotes.Source = %q, want %q for the simulator", cfg.Quotes.Source, QuotesParquet)
	}
}

func TestResolvePath(t *testing.T) {
	clearEnv(t)
	if got := ResolvePath(""); got != DefaultPath {
		t.Errorf("ResolvePath(\"\") = %q, want %q", got, DefaultPath)
	}
	t.Setenv("REBALANCER_CONFIG", "/etc/rebalancer.yaml")
	if got := ResolvePath(""); got != "/etc/rebalancer.yaml" {
		t.Errorf("ResolvePath(\"\") = %q, want env value", got)
	}
	if got := ResolvePath("local.yaml"); got != "local.yaml" {
		t.Errorf("ResolvePath(flag) = %q, want %q", got, "local.yaml")
	}
}

func TestLoadDotEnv(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "trade.env")
	if err := os.WriteFile(path, []byte("APCA_API_KEY_ID=dotenv-key\nAPCA_API_SECRET_KEY=dotenv-secret\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		os.Unsetenv("APCA_API_KEY_ID")
		os.Unsetenv("APCA_API_SECRET_KEY")
	})

	if err := LoadDotEnv(filepath.Join(t.TempDir(), "missing.env"), path); err != nil {
		t.Fatalf("LoadDotEnv() error = %v", err)
	}
	if got := os.Getenv("APCA_API_KEY_ID"); got != "dotenv-key" {
		t.Errorf("APCA_API_KEY_ID = %q, want %q", got, "dotenv-key")
	}

	cfg, err := Load(writeConfig(t, "trading: {paper_mode: true}\n"))
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}
	if cfg.Alpaca.APIKey != "dotenv-key" || cfg.Alpaca.APISecret != "dotenv-secret" {
		t.Errorf("credentials = %q/%q, want values from .env", cfg.Alpaca.APIKey, cfg.Alpaca.APISecret)
	}
}
