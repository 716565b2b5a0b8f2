// Package broker defines the Broker interface the rebalancing engine
// trades through and provides implementations backed by the Alpaca API
// and by an in-memory simulator.
package broker

import (
	"context"
	"errors"

	"rebalancer/internal/domain"
)

var (
	// ErrPositionNotFound is returned when a symbol has no open position.
	// Adapters translate it to zero equity themselves; it is exported for
	// callers that look positions up directly.
	ErrPositionNotFound = errors.New("position does not exist")

	// ErrOrderNotOpen is returned by ReplaceOrder when the order already
	// reached a terminal state.
	ErrOrderNotOpen = errors.New("order is not open")

	// ErrOrderNotFound is returned for an unknown order ID.
	ErrOrderNotFound = errors.New("order not found")

	// ErrQuoteUnavailable is returned when no price exists for a symbol.
	ErrQuoteUnavailable = errors.New("no price data")
)

// QuoteSource returns the latest trade or close price for a symbol.
type QuoteSource interface {
	LastPrice(ctx context.Context, symbol string) (float64, error)
}

// Broker abstracts the account and order lifecycle operations of a
// brokerage.
type Broker interface {
	QuoteSource

	// Name returns the broker identifier (e.g. "alpaca", "simulator").
	Name() string

	// Clock reports whether the market is currently open.
	Clock(ctx context.Context) (*domain.Clock, error)

	// PositionEquity returns the market value held in symbol, 0 if none.
	PositionEquity(ctx context.Context, symbol string) (float64, error)

	// AccountEquity returns the total account equity.
	AccountEquity(ctx context.Context) (float64, error)

	// OpenSymbols lists the symbols with an open position.
	OpenSymbols(ctx context.Context) ([]string, error)

	// SubmitOrder sends an order to the brokerage for execution.
	SubmitOrder(ctx context.Context, req domain.OrderRequest) (*domain.OrderState, error)

	// GetOrder returns the current state of an order.
	GetOrder(ctx context.Context, orderID string) (*domain.OrderState, error)

	// ReplaceOrder moves an open limit order to a new limit price. It
	// returns ErrOrderNotOpen when the order can no longer be replaced.
	ReplaceOrder(ctx context.Context, orderID string, limitPrice float64) (*domain.OrderState, error)

	// CancelOrder requests cancellation of an open order by its ID.
	CancelOrder(ctx context.Context, orderID string) error

	// ClosePosition liquidates the whole position in symbol at market.
	ClosePosition(ctx context.Context, symbol string) error
}
