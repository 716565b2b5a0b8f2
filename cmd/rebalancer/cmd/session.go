package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"rebalancer/internal/broker"
	"rebalancer/internal/config"
	"rebalancer/internal/domain"
	"rebalancer/internal/engine"
	"rebalancer/internal/store"
)

// session is one configured broker connection plus the engine trading
// through it.
type session struct {
	broker broker.Broker
	alpaca *broker.AlpacaBroker // nil unless an Alpaca client was built
	quotes broker.QuoteSource
	engine *engine.Engine
}

// newSession builds the broker, quote source and engine selected by c.
// A simulator broker is seeded with a price for every ticker in alloc.
func newSession(ctx context.Context, c *config.Config, alloc domain.Allocation) (*session, error) {
	s := &session{}

	if c.Trading.Broker == config.BrokerAlpaca || c.Quotes.Source == config.QuotesAlpaca {
		s.alpaca = broker.NewAlpacaBroker(broker.AlpacaOptions{
			APIKey:          c.Alpaca.APIKey,
			APISecret:       c.Alpaca.APISecret,
			BaseURL:         c.Alpaca.BaseURL,
			DataURL:         c.Alpaca.DataURL,
			Feed:            c.Alpaca.Feed,
			RateLimitPerMin: c.Trading.RateLimitPerMin,
		})
	}

	switch c.Quotes.Source {
	case config.QuotesParquet:
		ps := store.NewParquetStore(c.Storage.DataDir)
		ps.Market = c.Storage.Market
		ps.MaxAge = c.Quotes.MaxAge
		s.quotes = ps
	default:
		s.quotes = s.alpaca
	}

	switch c.Trading.Broker {
	case config.BrokerSimulator:
		sim := broker.NewSimulatorBroker(broker.SimulatorOptions{
			Cash:        c.Trading.SimulatorCash,
			FillLatency: c.Trading.SimulatorFillLatency,
			Drift:       c.Trading.SimulatorDrift,
		})
		for raw := range alloc {
			sym := strings.ToUpper(strings.TrimSpace(raw))
			price, err := s.quotes.LastPrice(ctx, sym)
			if err != nil {
				return nil, fmt.Errorf("seeding simulator: %w", err)
			}
			sim.SetPrice(sym, price)
		}
		s.broker = sim
	default:
		s.broker = s.alpaca
	}

	s.engine = engine.NewEngine(s.broker, s.quotes, engine.Options{
		Mode:          domain.Mode(c.Trading.Mode),
		RefreshEquity: *c.Trading.RefreshEquity,
		Filler:        fillerConfig(c.Filler),
	})

	slog.Info("session ready",
		"broker", s.broker.Name(),
		"quotes", c.Quotes.Source,
		"mode", c.Trading.Mode,
		"paperMode", c.Trading.PaperMode,
	)
	return s, nil
}

// checkAccount logs the account status when trading through Alpaca.
func (s *session) checkAccount(ctx context.Context) error {
	ab, ok := s.broker.(*broker.AlpacaBroker)
	if !ok {
		return nil
	}
	status, err := ab.Status(ctx)
	if err != nil {
		return err
	}
	slog.Info("account status", "status", status)
	return nil
}

// marketOpen reports whether the broker's market session is open.
func (s *session) marketOpen(ctx context.Context) (bool, error) {
	clock, err := s.broker.Clock(ctx)
	if err != nil {
		return false, err
	}
	return clock.IsOpen, nil
}

func fillerConfig(f config.FillerConfig) engine.FillerConfig {
	return engine.FillerConfig{
		MarketSettle:       f.MarketSettle,
		MarketPollAttempts: f.MarketPollAttempts,
		MarketPollInterval: f.MarketPollInterval,
		LimitSettle:        f.LimitSettle,
		InitialSlippage:    f.InitialSlippage,
		IncreaseIncrement:  f.IncreaseIncrement,
		MaxLimitScaler:     f.MaxLimitScaler,
		CancelOnFail:       *f.CancelOnFail,
	}
}
