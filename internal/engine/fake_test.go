package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"rebalancer/internal/broker"
	"rebalancer/internal/domain"
)

// fakeBroker is a scriptable broker that records every call.
type fakeBroker struct {
	mu sync.Mutex

	prices    map[string]float64
	positions map[string]float64 // symbol -> market value
	equity    float64
	quoteErr  error

	// statuses are returned by successive GetOrder calls; the last one
	// repeats.
	statuses []domain.OrderStatus
	// notOpenAt makes the nth ReplaceOrder call (1-based) fail with
	// ErrOrderNotOpen. Zero never fails.
	notOpenAt  int
	replaceErr error
	cancelErr  error
	closeErr   error

	nextID   int
	limit    float64
	submits  []domain.OrderRequest
	replaces []float64
	cancels  []string
	closes   []string
	polls    int
	reads    int
}

var _ broker.Broker = (*fakeBroker)(nil)

func newFakeBroker(equity float64) *fakeBroker {
	return &fakeBroker{
		prices:    map[string]float64{},
		positions: map[string]float64{},
		equity:    equity,
		statuses:  []domain.OrderStatus{domain.OrderStatusAccepted},
	}
}

func (f *fakeBroker) Name() string { return "fake" }

func (f *fakeBroker) Clock(context.Context) (*domain.Clock, error) {
	return &domain.Clock{IsOpen: true}, nil
}

func (f *fakeBroker) LastPrice(_ context.Context, symbol string) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.quoteErr != nil {
		return 0, f.quoteErr
	}
	p, ok := f.prices[symbol]
	if !ok {
		return 0, fmt.Errorf("%s: %w", symbol, broker.ErrQuoteUnavailable)
	}
	return p, nil
}

func (f *fakeBroker) PositionEquity(_ context.Context, symbol string) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	return f.positions[symbol], nil
}

func (f *fakeBroker) AccountEquity(context.Context) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	return f.equity, nil
}

func (f *fakeBroker) OpenSymbols(context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	out := make([]string, 0, len(f.positions))
	for sym := range f.positions {
		out = append(out, sym)
	}
	return out, nil
}

func (f *fakeBroker) SubmitOrder(_ context.Context, req domain.OrderRequest) (*domain.OrderState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submits = append(f.submits, req)
	f.limit = req.LimitPrice
	return f.state(domain.OrderStatusAccepted), nil
}

func (f *fakeBroker) GetOrder(_ context.Context, orderID string) (*domain.OrderState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := min(f.polls, len(f.statuses)-1)
	f.polls++
	st := f.state(f.statuses[i])
	st.ID = orderID
	return st, nil
}

func (f *fakeBroker) ReplaceOrder(_ context.Context, orderID string, limitPrice float64) (*domain.OrderState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replaces = append(f.replaces, limitPrice)
	if f.notOpenAt > 0 && len(f.replaces) == f.notOpenAt {
		return nil, fmt.Errorf("replace %s: %w", orderID, broker.ErrOrderNotOpen)
	}
	if f.replaceErr != nil {
		return nil, f.replaceErr
	}
	f.limit = limitPrice
	return f.state(domain.OrderStatusAccepted), nil
}

func (f *fakeBroker) CancelOrder(_ context.Context, orderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels = append(f.cancels, orderID)
	return f.cancelErr
}

func (f *fakeBroker) ClosePosition(_ context.Context, symbol string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes = append(f.closes, symbol)
	return f.closeErr
}

// mutations counts the calls that would change account state.
func (f *fakeBroker) mutations() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.submits) + len(f.replaces) + len(f.cancels) + len(f.closes)
}

func (f *fakeBroker) state(status domain.OrderStatus) *domain.OrderState {
	f.nextID++
	return &domain.OrderState{
		ID:         fmt.Sprintf("order-%d", f.nextID),
		Status:     status,
		LimitPrice: f.limit,
	}
}

// waitRecorder replaces the filler's sleep and records each requested
// delay.
type waitRecorder struct {
	waits []time.Duration
}

func (w *waitRecorder) wait(_ context.Context, d time.Duration) error {
	w.waits = append(w.waits, d)
	return nil
}

func newTestFiller(b broker.Broker, cfg FillerConfig) (*Filler, *waitRecorder) {
	w := &waitRecorder{}
	f := NewFiller(b, b, cfg)
	f.wait = w.wait
	return f, w
}
