package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rebalancer/internal/broker"
	"rebalancer/internal/domain"
)

func TestBuildNoGap(t *testing.T) {
	fb := newFakeBroker(0)
	fb.prices["A"] = 10
	b := NewBuilder(fb)

	for _, equity := range []float64{0, 1, 499.99, 12345.67} {
		for _, mode := range []domain.Mode{domain.ModeMarket, domain.ModeLimit} {
			row := domain.PlannedRow{Symbol: "A", Target: 0.5, CurrentEquity: equity, DesiredEquity: equity}
			order, err := b.Build(context.Background(), row, mode)
			require.NoError(t, err)
			assert.Nil(t, order, "equity %v mode %s", equity, mode)
		}
	}
}

func TestBuildClosesPositionWhenTargetIsZero(t *testing.T) {
	b := NewBuilder(newFakeBroker(0))

	for _, mode := range []domain.Mode{domain.ModeMarket, domain.ModeLimit} {
		row := domain.PlannedRow{Symbol: "B", CurrentEquity: 100}
		order, err := b.Build(context.Background(), row, mode)
		require.NoError(t, err, "no quote is needed to close")
		require.NotNil(t, order)
		assert.Equal(t, domain.SideSell, order.Side)
		assert.True(t, order.ClosePosition)
		assert.NoError(t, order.Validate())
	}

	// A dust position still closes even though its notional truncates to 0.
	order, err := b.Build(context.Background(), domain.PlannedRow{Symbol: "B", CurrentEquity: 0.004}, domain.ModeMarket)
	require.NoError(t, err)
	require.NotNil(t, order)
	assert.True(t, order.ClosePosition)
}

func TestBuildMarketNotional(t *testing.T) {
	b := NewBuilder(newFakeBroker(0))

	order, err := b.Build(context.Background(), domain.PlannedRow{Symbol: "A", Target: 0.5, DesiredEquity: 500}, domain.ModeMarket)
	require.NoError(t, err)
	require.NotNil(t, order)
	assert.Equal(t, domain.SideBuy, order.Side)
	assert.Equal(t, domain.SizingNotional, order.Sizing)
	assert.InDelta(t, 500, order.Notional, 1e-9)
	assert.False(t, order.ClosePosition)

	order, err = b.Build(context.Background(), domain.PlannedRow{Symbol: "A", Target: 0.2, CurrentEquity: 300.999, DesiredEquity: 200}, domain.ModeMarket)
	require.NoError(t, err)
	require.NotNil(t, order)
	assert.Equal(t, domain.SideSell, order.Side)
	assert.InDelta(t, 100.99, order.Notional, 1e-9, "notional truncates to cents")

	order, err = b.Build(context.Background(), domain.PlannedRow{Symbol: "A", Target: 0.2, CurrentEquity: 200, DesiredEquity: 200.004}, domain.ModeMarket)
	require.NoError(t, err)
	assert.Nil(t, order, "sub-cent gap")
}

func TestBuildLimitShares(t *testing.T) {
	fb := newFakeBroker(0)
	fb.prices["A"] = 10
	fb.prices["B"] = 30
	b := NewBuilder(fb)

	order, err := b.Build(context.Background(), domain.PlannedRow{Symbol: "A", Target: 0.5, DesiredEquity: 500}, domain.ModeLimit)
	require.NoError(t, err)
	require.NotNil(t, order)
	assert.Equal(t, domain.SizingQuantity, order.Sizing)
	assert.Equal(t, int64(50), order.Qty)

	order, err = b.Build(context.Background(), domain.PlannedRow{Symbol: "B", Target: 0.5, DesiredEquity: 500}, domain.ModeLimit)
	require.NoError(t, err)
	require.NotNil(t, order)
	assert.Equal(t, int64(16), order.Qty)

	order, err = b.Build(context.Background(), domain.PlannedRow{Symbol: "B", Target: 0.5, CurrentEquity: 480, DesiredEquity: 500}, domain.ModeLimit)
	require.NoError(t, err)
	assert.Nil(t, order, "gap below one share")
}

func TestBuildLimitQuoteUnavailable(t *testing.T) {
	b := NewBuilder(newFakeBroker(0))

	_, err := b.Build(context.Background(), domain.PlannedRow{Symbol: "A", Target: 1, DesiredEquity: 500}, domain.ModeLimit)
	var qe *domain.QuoteUnavailableError
	require.ErrorAs(t, err, &qe)
	assert.Equal(t, "A", qe.Symbol)
	assert.ErrorIs(t, err, broker.ErrQuoteUnavailable)
}

func TestBuildUnknownMode(t *testing.T) {
	b := NewBuilder(newFakeBroker(0))
	_, err := b.Build(context.Background(), domain.PlannedRow{Symbol: "A", Target: 1, DesiredEquity: 500}, domain.Mode("twap"))
	assert.Error(t, err)
}

func TestSharesFor(t *testing.T) {
	assert.Equal(t, int64(50), sharesFor(500, 10))
	assert.Equal(t, int64(16), sharesFor(500, 30))
	assert.Equal(t, int64(0), sharesFor(9.99, 10))
	assert.Equal(t, int64(3), sharesFor(0.3, 0.1))
}
