package engine

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"rebalancer/internal/broker"
	"rebalancer/internal/domain"
)

// Builder converts a planned row into the order that closes its gap.
type Builder struct {
	quotes broker.QuoteSource
}

// NewBuilder creates a Builder that sizes share orders with quotes.
func NewBuilder(quotes broker.QuoteSource) *Builder {
	return &Builder{quotes: quotes}
}

// Build returns the order that moves row from its current to its desired
// equity, or nil when no order is needed.
//
// A desired equity of zero always yields a close-position sell, whatever
// the gap rounds to. Otherwise market mode sizes the order in notional
// cents and limit mode in whole shares at the last price; a gap smaller
// than one unit of that granularity yields no order.
func (b *Builder) Build(ctx context.Context, row domain.PlannedRow, mode domain.Mode) (*domain.Order, error) {
	gap := row.Gap()
	if gap == 0 {
		return nil, nil
	}

	side := domain.SideBuy
	if gap < 0 {
		side = domain.SideSell
		gap = -gap
	}
	closing := side == domain.SideSell && row.DesiredEquity == 0

	order := &domain.Order{Symbol: row.Symbol, Side: side, ClosePosition: closing}

	switch mode {
	case domain.ModeMarket:
		order.Sizing = domain.SizingNotional
		order.Notional = decimal.NewFromFloat(gap).Truncate(2).InexactFloat64()
		if order.Notional == 0 && !closing {
			return nil, nil
		}

	case domain.ModeLimit:
		order.Sizing = domain.SizingQuantity
		if closing {
			return order, nil
		}
		price, err := b.quotes.LastPrice(ctx, row.Symbol)
		if err == nil && price <= 0 {
			err = broker.ErrQuoteUnavailable
		}
		if err != nil {
			return nil, &domain.QuoteUnavailableError{Symbol: row.Symbol, Err: err}
		}
		order.Qty = sharesFor(gap, price)
		if order.Qty == 0 {
			return nil, nil
		}

	default:
		return nil, fmt.Errorf("unknown trading mode %q", mode)
	}
	return order, nil
}

// sharesFor returns floor(equity / price).
func sharesFor(equity, price float64) int64 {
	return decimal.NewFromFloat(equity).
		Div(decimal.NewFromFloat(price)).
		Floor().
		IntPart()
}
