// Package domain defines the value types shared by the planner, order
// builder, filler and broker adapters.
package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ---------------------------------------------------------------------------
// Enumerations
// ---------------------------------------------------------------------------

// Side is the direction of an order.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Mode selects how orders are sized and executed.
type Mode string

const (
	// ModeMarket sizes orders by notional equity and executes them as
	// market orders.
	ModeMarket Mode = "market"
	// ModeLimit sizes orders by whole shares and executes them as limit
	// orders walked toward the market.
	ModeLimit Mode = "limit"
)

// ParseMode converts a config or flag value into a Mode.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeMarket:
		return ModeMarket, nil
	case ModeLimit:
		return ModeLimit, nil
	default:
		return "", fmt.Errorf("unknown trading mode %q (want market or limit)", s)
	}
}

// Sizing tells which of an Order's size fields is authoritative.
type Sizing int

const (
	SizingNone Sizing = iota
	SizingNotional
	SizingQuantity
)

// OrderType is the execution type submitted to the broker.
type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
)

// TimeInForce is the validity window of a submitted order.
type TimeInForce string

const (
	TimeInForceDay TimeInForce = "day"
)

// OrderStatus mirrors the broker's order status vocabulary.
type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "new"
	OrderStatusAccepted        OrderStatus = "accepted"
	OrderStatusPendingNew      OrderStatus = "pending_new"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusFilled          OrderStatus = "filled"
	OrderStatusCancelled       OrderStatus = "canceled"
	OrderStatusExpired         OrderStatus = "expired"
	OrderStatusRejected        OrderStatus = "rejected"
	OrderStatusReplaced        OrderStatus = "replaced"
	OrderStatusDoneForDay      OrderStatus = "done_for_day"
)

// IsFilled reports whether the order completed.
func (s OrderStatus) IsFilled() bool { return s == OrderStatusFilled }

// IsDead reports whether the order reached a terminal state without
// filling.
func (s OrderStatus) IsDead() bool {
	switch s {
	case OrderStatusCancelled, OrderStatusExpired, OrderStatusRejected, OrderStatusDoneForDay:
		return true
	}
	return false
}

// ---------------------------------------------------------------------------
// Planning
// ---------------------------------------------------------------------------

// Allocation maps a ticker to its target fraction of account equity.
type Allocation map[string]float64

// PlannedRow is one ticker's current and desired equity for a single
// rebalancing pass.
type PlannedRow struct {
	Symbol        string
	Target        float64
	CurrentEquity float64
	DesiredEquity float64
}

// Gap returns desired minus current equity.
func (r PlannedRow) Gap() float64 { return r.DesiredEquity - r.CurrentEquity }

// Result maps each ticker of a pass to whether its position was reached.
type Result map[string]bool

// AllFilled reports whether every ticker in the result succeeded.
func (r Result) AllFilled() bool {
	for _, ok := range r {
		if !ok {
			return false
		}
	}
	return true
}

// ---------------------------------------------------------------------------
// Orders
// ---------------------------------------------------------------------------

// ErrInvalidOrder is returned for an Order that carries no sizing.
var ErrInvalidOrder = errors.New("order has neither notional nor quantity sizing")

// Order is a planned trade for one ticker. Exactly one of Notional (market
// orders) or Qty (limit orders) is authoritative, as selected by Sizing.
// ClosePosition liquidates the whole remaining position and overrides
// both.
type Order struct {
	Symbol        string
	Side          Side
	Sizing        Sizing
	Notional      float64
	Qty           int64
	ClosePosition bool
}

// Validate checks the order's structural invariants.
func (o *Order) Validate() error {
	if o.Symbol == "" {
		return fmt.Errorf("%w: empty symbol", ErrInvalidOrder)
	}
	if o.Side != SideBuy && o.Side != SideSell {
		return fmt.Errorf("%w: side %q", ErrInvalidOrder, o.Side)
	}
	if o.Sizing != SizingNotional && o.Sizing != SizingQuantity {
		return fmt.Errorf("%w: %s", ErrInvalidOrder, o.Symbol)
	}
	return nil
}

func (o Order) String() string {
	switch {
	case o.ClosePosition:
		return fmt.Sprintf("%s %s close-position", o.Side, o.Symbol)
	case o.Sizing == SizingNotional:
		return fmt.Sprintf("%s %s $%.2f", o.Side, o.Symbol, o.Notional)
	default:
		return fmt.Sprintf("%s %s %d sh", o.Side, o.Symbol, o.Qty)
	}
}

// OrderRequest is what gets submitted to a broker.
type OrderRequest struct {
	Symbol      string
	Side        Side
	Type        OrderType
	TimeInForce TimeInForce
	Notional    float64 // market orders
	Qty         int64   // limit orders
	LimitPrice  float64 // limit orders
}

// OrderState is the broker's view of a submitted order.
type OrderState struct {
	ID         string
	Symbol     string
	Side       Side
	Type       OrderType
	Status     OrderStatus
	Qty        float64
	Notional   float64
	FilledQty  float64
	LimitPrice float64
}

// ---------------------------------------------------------------------------
// Account
// ---------------------------------------------------------------------------

// Position is an open holding at the broker.
type Position struct {
	Symbol      string
	Qty         float64
	MarketValue float64
}

// Clock reports the broker's market session state.
type Clock struct {
	IsOpen bool
}

// ---------------------------------------------------------------------------
// Market data
// ---------------------------------------------------------------------------

// Bar is a daily OHLCV bar.
type Bar struct {
	Symbol     string
	Timestamp  time.Time
	Open       float64
	High       float64
	Low        float64
	Close      float64
	Volume     int64
	TradeCount int64
	VWAP       float64
}
