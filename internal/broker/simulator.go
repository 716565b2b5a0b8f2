package broker

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/google/uuid"

	"rebalancer/internal/domain"
)

// Compile-time interface check.
var _ Broker = (*SimulatorBroker)(nil)

// SimulatorOptions configures a SimulatorBroker.
type SimulatorOptions struct {
	// Cash is the starting cash balance.
	Cash float64
	// FillLatency is the number of status polls an order stays open
	// before it may fill.
	FillLatency int
	// Drift moves every price by this fraction on each status poll
	// (positive drifts up, negative down).
	Drift float64
}

type simOrder struct {
	state domain.OrderState
	polls int
}

// SimulatorBroker implements the Broker interface for paper trading and
// tests. It tracks cash, positions and orders in memory without making
// external API calls. Orders fill on a status poll once FillLatency polls
// have passed and the order is marketable at the current price.
type SimulatorBroker struct {
	mu          sync.Mutex
	cash        float64
	prices      map[string]float64
	positions   map[string]*domain.Position
	orders      map[string]*simOrder
	fillLatency int
	drift       float64
	closed      bool
}

// NewSimulatorBroker creates a new SimulatorBroker with empty position and
// order maps.
func NewSimulatorBroker(opts SimulatorOptions) *SimulatorBroker {
	return &SimulatorBroker{
		cash:        opts.Cash,
		prices:      make(map[string]float64),
		positions:   make(map[string]*domain.Position),
		orders:      make(map[string]*simOrder),
		fillLatency: opts.FillLatency,
		drift:       opts.Drift,
	}
}

// Name returns "simulator".
func (b *SimulatorBroker) Name() string {
	return "simulator"
}

// SetPrice sets the current price of symbol.
func (b *SimulatorBroker) SetPrice(symbol string, price float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.prices[symbol] = price
}

// SetPosition seeds a holding of qty shares without touching cash.
func (b *SimulatorBroker) SetPosition(symbol string, qty float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if qty <= 0 {
		delete(b.positions, symbol)
		return
	}
	b.positions[symbol] = &domain.Position{Symbol: symbol, Qty: qty}
}

// SetMarketOpen toggles the simulated market session.
func (b *SimulatorBroker) SetMarketOpen(open bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = !open
}

// Cash returns the simulated cash balance.
func (b *SimulatorBroker) Cash() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cash
}

// Positions returns all simulated positions valued at current prices.
func (b *SimulatorBroker) Positions() []domain.Position {
	b.mu.Lock()
	defer b.mu.Unlock()
	positions := make([]domain.Position, 0, len(b.positions))
	for _, p := range b.positions {
		cp := *p
		cp.MarketValue = p.Qty * b.prices[p.Symbol]
		positions = append(positions, cp)
	}
	sort.Slice(positions, func(i, j int) bool { return positions[i].Symbol < positions[j].Symbol })
	return positions
}

// Clock reports the simulated session state; the market is open unless
// SetMarketOpen(false) was called.
func (b *SimulatorBroker) Clock(_ context.Context) (*domain.Clock, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return &domain.Clock{IsOpen: !b.closed}, nil
}

// LastPrice returns the simulated price of symbol.
func (b *SimulatorBroker) LastPrice(_ context.Context, symbol string) (float64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.prices[symbol]
	if !ok || p <= 0 {
		return 0, fmt.Errorf("%s: %w", symbol, ErrQuoteUnavailable)
	}
	return p, nil
}

// PositionEquity returns the market value of the simulated position.
func (b *SimulatorBroker) PositionEquity(_ context.Context, symbol string) (float64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	pos, ok := b.positions[symbol]
	if !ok {
		return 0, nil
	}
	return pos.Qty * b.prices[symbol], nil
}

// AccountEquity returns cash plus the market value of all positions.
func (b *SimulatorBroker) AccountEquity(_ context.Context) (float64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	equity := b.cash
	for sym, pos := range b.positions {
		equity += pos.Qty * b.prices[sym]
	}
	return equity, nil
}

// OpenSymbols lists the simulated positions.
func (b *SimulatorBroker) OpenSymbols(_ context.Context) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	symbols := make([]string, 0, len(b.positions))
	for sym := range b.positions {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)
	return symbols, nil
}

// SubmitOrder records the order in memory as accepted. It does not fill
// until polled.
func (b *SimulatorBroker) SubmitOrder(_ context.Context, req domain.OrderRequest) (*domain.OrderState, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.prices[req.Symbol]; !ok {
		return nil, fmt.Errorf("submit %s: %w", req.Symbol, ErrQuoteUnavailable)
	}
	switch req.Type {
	case domain.OrderTypeMarket:
		if req.Notional <= 0 {
			return nil, fmt.Errorf("submit %s: notional must be positive", req.Symbol)
		}
	case domain.OrderTypeLimit:
		if req.Qty <= 0 || req.LimitPrice <= 0 {
			return nil, fmt.Errorf("submit %s: qty and limit price must be positive", req.Symbol)
		}
	default:
		return nil, fmt.Errorf("submit %s: unsupported order type %q", req.Symbol, req.Type)
	}

	o := &simOrder{state: domain.OrderState{
		ID:         uuid.NewString(),
		Symbol:     req.Symbol,
		Side:       req.Side,
		Type:       req.Type,
		Status:     domain.OrderStatusAccepted,
		Qty:        float64(req.Qty),
		Notional:   req.Notional,
		LimitPrice: req.LimitPrice,
	}}
	b.orders[o.state.ID] = o
	st := o.state
	return &st, nil
}

// GetOrder advances the simulation by one poll and returns the order.
func (b *SimulatorBroker) GetOrder(_ context.Context, orderID string) (*domain.OrderState, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	o, ok := b.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("%s: %w", orderID, ErrOrderNotFound)
	}

	if b.drift != 0 {
		for sym, p := range b.prices {
			b.prices[sym] = p * (1 + b.drift)
		}
	}

	if isWorking(o.state.Status) {
		o.polls++
		if o.polls > b.fillLatency && b.marketable(o) {
			b.execute(o)
		}
	}
	st := o.state
	return &st, nil
}

// ReplaceOrder replaces an open limit order with a new one at limitPrice,
// mirroring the broker's replace-with-new-ID semantics. The replacement
// inherits the original's poll count, so FillLatency spans the order's
// whole life.
func (b *SimulatorBroker) ReplaceOrder(_ context.Context, orderID string, limitPrice float64) (*domain.OrderState, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	o, ok := b.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("%s: %w", orderID, ErrOrderNotFound)
	}
	if !isWorking(o.state.Status) {
		return nil, fmt.Errorf("replace %s (%s): %w", orderID, o.state.Status, ErrOrderNotOpen)
	}

	o.state.Status = domain.OrderStatusReplaced
	next := &simOrder{state: o.state, polls: o.polls}
	next.state.ID = uuid.NewString()
	next.state.Status = domain.OrderStatusAccepted
	next.state.LimitPrice = limitPrice
	b.orders[next.state.ID] = next
	st := next.state
	return &st, nil
}

// CancelOrder marks the specified order as cancelled in the in-memory
// store.
func (b *SimulatorBroker) CancelOrder(_ context.Context, orderID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	o, ok := b.orders[orderID]
	if !ok {
		return fmt.Errorf("%s: %w", orderID, ErrOrderNotFound)
	}
	if !isWorking(o.state.Status) {
		return fmt.Errorf("cancel %s (%s): %w", orderID, o.state.Status, ErrOrderNotOpen)
	}
	o.state.Status = domain.OrderStatusCancelled
	return nil
}

// ClosePosition sells the whole simulated position at the current price.
func (b *SimulatorBroker) ClosePosition(_ context.Context, symbol string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	pos, ok := b.positions[symbol]
	if !ok {
		return fmt.Errorf("close %s: %w", symbol, ErrPositionNotFound)
	}
	b.cash += pos.Qty * b.prices[symbol]
	delete(b.positions, symbol)
	return nil
}

// ---------------------------------------------------------------------------
// Matching
// ---------------------------------------------------------------------------

func isWorking(s domain.OrderStatus) bool {
	return !s.IsFilled() && !s.IsDead() && s != domain.OrderStatusReplaced
}

func (b *SimulatorBroker) marketable(o *simOrder) bool {
	if o.state.Type == domain.OrderTypeMarket {
		return true
	}
	price := b.prices[o.state.Symbol]
	if o.state.Side == domain.SideBuy {
		return o.state.LimitPrice >= price
	}
	return o.state.LimitPrice <= price
}

// execute fills o at the current price, rejecting buys that exceed cash
// and capping sells at the held quantity.
func (b *SimulatorBroker) execute(o *simOrder) {
	price := b.prices[o.state.Symbol]
	qty := o.state.Qty
	if o.state.Type == domain.OrderTypeMarket {
		qty = o.state.Notional / price
	}

	pos := b.positions[o.state.Symbol]
	switch o.state.Side {
	case domain.SideBuy:
		cost := qty * price
		if cost > b.cash+1e-9 {
			o.state.Status = domain.OrderStatusRejected
			return
		}
		b.cash -= cost
		if pos == nil {
			pos = &domain.Position{Symbol: o.state.Symbol}
			b.positions[o.state.Symbol] = pos
		}
		pos.Qty += qty
	case domain.SideSell:
		if pos == nil {
			o.state.Status = domain.OrderStatusRejected
			return
		}
		qty = math.Min(qty, pos.Qty)
		b.cash += qty * price
		pos.Qty -= qty
		if pos.Qty <= 1e-9 {
			delete(b.positions, o.state.Symbol)
		}
	}
	o.state.FilledQty = qty
	o.state.Status = domain.OrderStatusFilled
}
