package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"rebalancer/internal/broker"
	"rebalancer/internal/domain"
	"rebalancer/internal/util"
)

// FillerConfig tunes order execution.
type FillerConfig struct {
	// MarketSettle is the wait between submitting a market order and
	// checking its status.
	MarketSettle time.Duration
	// MarketPollAttempts is how many times a market order's status is
	// checked before it is reported unfilled. 1 checks once.
	MarketPollAttempts int
	// MarketPollInterval is the initial backoff between extra market
	// status checks; it doubles after each one.
	MarketPollInterval time.Duration

	// LimitSettle is the wait after submitting or replacing a limit order.
	LimitSettle time.Duration
	// InitialSlippage offsets the first limit price from the last trade,
	// up for buys and down for sells.
	InitialSlippage float64
	// IncreaseIncrement is added to the walk scaler on every step.
	IncreaseIncrement float64
	// MaxLimitScaler caps how far the walk moves the limit price away
	// from the initial limit.
	MaxLimitScaler float64
	// CancelOnFail cancels a limit order the walk could not fill.
	CancelOnFail bool
}

// DefaultFillerConfig returns the execution parameters used in production.
func DefaultFillerConfig() FillerConfig {
	return FillerConfig{
		MarketSettle:       8 * time.Second,
		MarketPollAttempts: 1,
		MarketPollInterval: 8 * time.Second,
		LimitSettle:        10 * time.Second,
		InitialSlippage:    0.015,
		IncreaseIncrement:  0.005,
		MaxLimitScaler:     0.04,
		CancelOnFail:       true,
	}
}

// walkSteps is the number of price-walk steps: floor(max / increment).
func (c FillerConfig) walkSteps() int {
	if c.IncreaseIncrement <= 0 {
		return 0
	}
	return int(math.Floor(c.MaxLimitScaler/c.IncreaseIncrement + 1e-9))
}

// fillState is the outcome of a status poll or replace attempt.
type fillState int

const (
	fillOpen fillState = iota // still working at the broker
	fillDone                  // filled
	fillDead                  // cancelled, expired or rejected
)

func classify(s domain.OrderStatus) fillState {
	switch {
	case s.IsFilled():
		return fillDone
	case s.IsDead():
		return fillDead
	default:
		return fillOpen
	}
}

var errStillWorking = errors.New("order still working")

// Filler drives a single order to a filled or unfilled outcome.
type Filler struct {
	broker broker.Broker
	quotes broker.QuoteSource
	cfg    FillerConfig
	wait   func(ctx context.Context, d time.Duration) error
	log    *slog.Logger
}

// NewFiller creates a Filler trading through b and pricing limit orders
// with quotes.
func NewFiller(b broker.Broker, quotes broker.QuoteSource, cfg FillerConfig) *Filler {
	return &Filler{
		broker: b,
		quotes: quotes,
		cfg:    cfg,
		wait:   util.Sleep,
		log:    slog.Default().With("component", "filler"),
	}
}

// Fill executes order and reports whether it ended filled. Close-position
// orders liquidate directly; notional orders go out as market orders;
// share orders go out as limit orders and are walked toward the market.
func (f *Filler) Fill(ctx context.Context, order *domain.Order) (bool, error) {
	if err := order.Validate(); err != nil {
		return false, err
	}

	ctx, span := tracer.Start(ctx, "engine.Fill")
	defer span.End()
	span.SetAttributes(
		attribute.String("symbol", order.Symbol),
		attribute.String("side", string(order.Side)),
		attribute.Bool("close_position", order.ClosePosition),
	)

	var (
		filled bool
		err    error
	)
	switch {
	case order.ClosePosition:
		filled, err = f.closePosition(ctx, order)
	case order.Sizing == domain.SizingNotional:
		filled, err = f.fillMarket(ctx, order)
	default:
		filled, err = f.fillLimit(ctx, order)
	}

	span.SetAttributes(attribute.Bool("filled", filled))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return filled, err
}

// closePosition liquidates the position. The broker executes full
// liquidations at market, so the request succeeding is the fill.
func (f *Filler) closePosition(ctx context.Context, order *domain.Order) (bool, error) {
	err := f.broker.ClosePosition(ctx, order.Symbol)
	if errors.Is(err, broker.ErrPositionNotFound) {
		f.log.Warn("nothing to close", "symbol", order.Symbol)
		return true, nil
	}
	if err != nil {
		return false, err
	}
	f.log.Info("position closed", "symbol", order.Symbol)
	return true, nil
}

// fillMarket submits a notional day market order, waits for it to settle
// and reports whether the broker filled it.
func (f *Filler) fillMarket(ctx context.Context, order *domain.Order) (bool, error) {
	placed, err := f.broker.SubmitOrder(ctx, domain.OrderRequest{
		Symbol:      order.Symbol,
		Side:        order.Side,
		Type:        domain.OrderTypeMarket,
		TimeInForce: domain.TimeInForceDay,
		Notional:    order.Notional,
	})
	if err != nil {
		return false, err
	}
	f.log.Info("market order submitted",
		"symbol", order.Symbol,
		"side", order.Side,
		"notional", order.Notional,
		"id", placed.ID,
	)

	if err := f.wait(ctx, f.cfg.MarketSettle); err != nil {
		return false, err
	}

	var (
		st      *domain.OrderState
		pollErr error
	)
	err = util.Retry(ctx, max(f.cfg.MarketPollAttempts, 1), f.cfg.MarketPollInterval, func() error {
		st, pollErr = f.broker.GetOrder(ctx, placed.ID)
		if pollErr != nil || classify(st.Status) != fillOpen {
			return nil
		}
		return errStillWorking
	})
	if pollErr != nil {
		return false, pollErr
	}
	if err != nil && !errors.Is(err, errStillWorking) {
		return false, err
	}

	filled := classify(st.Status) == fillDone
	f.log.Info("market order settled", "symbol", order.Symbol, "status", st.Status, "filled", filled)
	return filled, nil
}

// fillLimit submits a day limit order priced off the last trade and, if it
// does not fill within one settle interval, walks the price toward the
// market.
func (f *Filler) fillLimit(ctx context.Context, order *domain.Order) (bool, error) {
	last, err := f.quotes.LastPrice(ctx, order.Symbol)
	if err == nil && last <= 0 {
		err = broker.ErrQuoteUnavailable
	}
	if err != nil {
		return false, &domain.QuoteUnavailableError{Symbol: order.Symbol, Err: err}
	}
	base := limitPrice(last, order.Side, decimal.NewFromFloat(f.cfg.InitialSlippage))

	st, err := f.broker.SubmitOrder(ctx, domain.OrderRequest{
		Symbol:      order.Symbol,
		Side:        order.Side,
		Type:        domain.OrderTypeLimit,
		TimeInForce: domain.TimeInForceDay,
		Qty:         order.Qty,
		LimitPrice:  base,
	})
	if err != nil {
		return false, err
	}
	f.log.Info("limit order submitted",
		"symbol", order.Symbol,
		"side", order.Side,
		"qty", order.Qty,
		"last", last,
		"limit", base,
		"id", st.ID,
	)

	if err := f.wait(ctx, f.cfg.LimitSettle); err != nil {
		return false, err
	}
	polled, err := f.broker.GetOrder(ctx, st.ID)
	if err != nil {
		return false, err
	}
	switch classify(polled.Status) {
	case fillDone:
		f.log.Info("limit order filled", "symbol", order.Symbol, "limit", base)
		return true, nil
	case fillDead:
		f.log.Warn("limit order ended unfilled", "symbol", order.Symbol, "status", polled.Status)
		return false, nil
	}
	return f.walk(ctx, order, polled, base)
}

// walk re-prices an open limit order in steps of IncreaseIncrement away
// from base until it fills, dies or the scaler passes MaxLimitScaler.
func (f *Filler) walk(ctx context.Context, order *domain.Order, st *domain.OrderState, base float64) (bool, error) {
	current := st
	if current.LimitPrice == 0 {
		current.LimitPrice = base
	}

	increment := decimal.NewFromFloat(f.cfg.IncreaseIncrement)
	steps := f.cfg.walkSteps()
	for k := 1; k <= steps; k++ {
		scaler := increment.Mul(decimal.NewFromInt(int64(k)))
		next := limitPrice(base, order.Side, scaler)
		if next == current.LimitPrice {
			f.log.Debug("price step collapsed by rounding", "symbol", order.Symbol, "scaler", scaler.String(), "limit", next)
			continue
		}

		state, replaced, err := f.replace(ctx, current.ID, next)
		if err != nil {
			return false, err
		}
		if state == fillDone {
			f.log.Info("order left the book before replace, counting as filled",
				"symbol", order.Symbol, "id", current.ID, "step", k)
			return true, nil
		}
		f.log.Info("limit order replaced",
			"symbol", order.Symbol,
			"step", k,
			"scaler", scaler.String(),
			"limit", next,
			"id", replaced.ID,
		)
		current = replaced
		if current.LimitPrice == 0 {
			current.LimitPrice = next
		}

		if err := f.wait(ctx, f.cfg.LimitSettle); err != nil {
			return false, err
		}
		polled, err := f.broker.GetOrder(ctx, current.ID)
		if err != nil {
			return false, err
		}
		if polled.LimitPrice == 0 {
			polled.LimitPrice = current.LimitPrice
		}
		current = polled

		switch classify(current.Status) {
		case fillDone:
			f.log.Info("limit order filled", "symbol", order.Symbol, "limit", current.LimitPrice, "step", k)
			return true, nil
		case fillDead:
			f.log.Warn("limit order ended unfilled", "symbol", order.Symbol, "status", current.Status)
			return false, nil
		}
	}

	f.log.Warn("price walk exhausted",
		"symbol", order.Symbol,
		"maxScaler", f.cfg.MaxLimitScaler,
		"limit", current.LimitPrice,
	)
	if !f.cfg.CancelOnFail {
		return false, nil
	}
	return f.cancel(ctx, order.Symbol, current.ID)
}

// replace moves an open order to price. A broker refusal because the order
// is no longer open means it completed between the last poll and this
// call, which is reported as fillDone.
func (f *Filler) replace(ctx context.Context, orderID string, price float64) (fillState, *domain.OrderState, error) {
	st, err := f.broker.ReplaceOrder(ctx, orderID, price)
	if errors.Is(err, broker.ErrOrderNotOpen) {
		return fillDone, nil, nil
	}
	if err != nil {
		return fillOpen, nil, err
	}
	return classify(st.Status), st, nil
}

// cancel withdraws an unfilled order. If the broker says it is no longer
// open, the order is polled once more in case it filled at the last
// moment.
func (f *Filler) cancel(ctx context.Context, symbol, orderID string) (bool, error) {
	err := f.broker.CancelOrder(ctx, orderID)
	if errors.Is(err, broker.ErrOrderNotOpen) {
		st, perr := f.broker.GetOrder(ctx, orderID)
		if perr != nil {
			return false, perr
		}
		return classify(st.Status) == fillDone, nil
	}
	if err != nil {
		return false, fmt.Errorf("cancelling %s: %w", orderID, err)
	}
	f.log.Info("limit order cancelled", "symbol", symbol, "id", orderID)
	return false, nil
}

// limitPrice moves price by scaler toward faster execution (up for buys,
// down for sells) and rounds to cents.
func limitPrice(price float64, side domain.Side, scaler decimal.Decimal) float64 {
	factor := decimal.NewFromInt(1).Add(scaler)
	if side == domain.SideSell {
		factor = decimal.NewFromInt(1).Sub(scaler)
	}
	return decimal.NewFromFloat(price).
		Mul(factor).
		Round(2).
		InexactFloat64()
}
