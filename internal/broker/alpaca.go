package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"rebalancer/internal/domain"
	"rebalancer/internal/util"
)

// Compile-time interface check.
var _ Broker = (*AlpacaBroker)(nil)

// Alpaca error codes observed on the v2 trading API.
const (
	alpacaCodePositionNotFound = 40410000
	alpacaCodeOrderNotOpen     = 42210000
)

// AlpacaBroker implements the Broker interface using the Alpaca brokerage
// API. One instance is one authenticated session; build it once per run
// and pass it to the engine.
type AlpacaBroker struct {
	client  *alpaca.Client
	data    *marketdata.Client
	limiter *util.RateLimiter
	feed    marketdata.Feed
	log     *slog.Logger
}

// AlpacaOptions configures an AlpacaBroker.
type AlpacaOptions struct {
	APIKey    string
	APISecret string
	BaseURL   string
	DataURL   string
	// Feed selects the market data feed ("iex", "sip"); empty uses the
	// account default.
	Feed string
	// RateLimitPerMin caps REST calls per minute; 0 disables pacing.
	RateLimitPerMin int
}

// NewAlpacaBroker creates a new AlpacaBroker configured with the given
// credentials and API endpoints.
func NewAlpacaBroker(opts AlpacaOptions) *AlpacaBroker {
	dataOpts := marketdata.ClientOpts{
		APIKey:    opts.APIKey,
		APISecret: opts.APISecret,
	}
	if opts.DataURL != "" {
		dataOpts.BaseURL = opts.DataURL
	}

	return &AlpacaBroker{
		client: alpaca.NewClient(alpaca.ClientOpts{
			APIKey:    opts.APIKey,
			APISecret: opts.APISecret,
			BaseURL:   opts.BaseURL,
		}),
		data:    marketdata.NewClient(dataOpts),
		limiter: util.NewRateLimiter(opts.RateLimitPerMin),
		feed:    marketdata.Feed(opts.Feed),
		log:     slog.Default().With("broker", "alpaca"),
	}
}

// Name returns "alpaca".
func (b *AlpacaBroker) Name() string {
	return "alpaca"
}

// Status returns the account status string ("ACTIVE", ...).
func (b *AlpacaBroker) Status(ctx context.Context) (string, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return "", err
	}
	acct, err := b.client.GetAccount()
	if err != nil {
		return "", fmt.Errorf("GetAccount: %w", err)
	}
	return string(acct.Status), nil
}

// Clock reports whether the market is open right now.
func (b *AlpacaBroker) Clock(ctx context.Context) (*domain.Clock, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	clock, err := b.client.GetClock()
	if err != nil {
		return nil, fmt.Errorf("GetClock: %w", err)
	}
	return &domain.Clock{IsOpen: clock.IsOpen}, nil
}

// LastPrice returns the price of the latest trade for symbol.
func (b *AlpacaBroker) LastPrice(ctx context.Context, symbol string) (float64, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return 0, err
	}
	trade, err := b.data.GetLatestTrade(symbol, marketdata.GetLatestTradeRequest{Feed: b.feed})
	if err != nil {
		return 0, fmt.Errorf("GetLatestTrade %s: %w", symbol, err)
	}
	if trade == nil || trade.Price <= 0 {
		return 0, fmt.Errorf("%s: %w", symbol, ErrQuoteUnavailable)
	}
	return trade.Price, nil
}

// PositionEquity returns the market value of the position in symbol, or 0
// when no position exists.
func (b *AlpacaBroker) PositionEquity(ctx context.Context, symbol string) (float64, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return 0, err
	}
	pos, err := b.client.GetPosition(symbol)
	if err != nil {
		if errors.Is(classifyAlpacaError(err), ErrPositionNotFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("GetPosition %s: %w", symbol, err)
	}
	if pos.MarketValue == nil {
		return 0, nil
	}
	return pos.MarketValue.InexactFloat64(), nil
}

// AccountEquity returns the account's total equity.
func (b *AlpacaBroker) AccountEquity(ctx context.Context) (float64, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return 0, err
	}
	acct, err := b.client.GetAccount()
	if err != nil {
		return 0, fmt.Errorf("GetAccount: %w", err)
	}
	return acct.Equity.InexactFloat64(), nil
}

// OpenSymbols lists every symbol with an open position.
func (b *AlpacaBroker) OpenSymbols(ctx context.Context) ([]string, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	positions, err := b.client.GetPositions()
	if err != nil {
		return nil, fmt.Errorf("GetPositions: %w", err)
	}
	symbols := make([]string, 0, len(positions))
	for _, p := range positions {
		symbols = append(symbols, p.Symbol)
	}
	return symbols, nil
}

// SubmitOrder places a day order through the Alpaca API.
func (b *AlpacaBroker) SubmitOrder(ctx context.Context, req domain.OrderRequest) (*domain.OrderState, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	place := alpaca.PlaceOrderRequest{
		Symbol:        req.Symbol,
		Side:          alpaca.Side(req.Side),
		Type:          alpaca.OrderType(req.Type),
		TimeInForce:   alpaca.TimeInForce(req.TimeInForce),
		ClientOrderID: uuid.NewString(),
	}
	switch req.Type {
	case domain.OrderTypeMarket:
		notional := decimal.NewFromFloat(req.Notional).Round(2)
		place.Notional = &notional
	case domain.OrderTypeLimit:
		qty := decimal.NewFromInt(req.Qty)
		limit := decimal.NewFromFloat(req.LimitPrice).Round(2)
		place.Qty = &qty
		place.LimitPrice = &limit
	default:
		return nil, fmt.Errorf("unsupported order type %q", req.Type)
	}

	order, err := b.client.PlaceOrder(place)
	if err != nil {
		return nil, fmt.Errorf("PlaceOrder %s: %w", req.Symbol, err)
	}
	b.log.Debug("order placed", "id", order.ID, "clientOrderID", place.ClientOrderID, "symbol", req.Symbol)
	return toOrderState(order), nil
}

// GetOrder fetches the current state of an order.
func (b *AlpacaBroker) GetOrder(ctx context.Context, orderID string) (*domain.OrderState, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	order, err := b.client.GetOrder(orderID)
	if err != nil {
		return nil, fmt.Errorf("GetOrder %s: %w", orderID, classifyAlpacaError(err))
	}
	return toOrderState(order), nil
}

// ReplaceOrder moves an open limit order to limitPrice. Alpaca answers a
// replace of a filled, cancelled or expired order with "order is not
// open", which is reported as ErrOrderNotOpen.
func (b *AlpacaBroker) ReplaceOrder(ctx context.Context, orderID string, limitPrice float64) (*domain.OrderState, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	limit := decimal.NewFromFloat(limitPrice).Round(2)
	order, err := b.client.ReplaceOrder(orderID, alpaca.ReplaceOrderRequest{
		LimitPrice: &limit,
	})
	if err != nil {
		return nil, fmt.Errorf("ReplaceOrder %s: %w", orderID, classifyAlpacaError(err))
	}
	return toOrderState(order), nil
}

// CancelOrder requests cancellation of an open order.
func (b *AlpacaBroker) CancelOrder(ctx context.Context, orderID string) error {
	if err := b.limiter.Wait(ctx); err != nil {
		return err
	}
	if err := b.client.CancelOrder(orderID); err != nil {
		return fmt.Errorf("CancelOrder %s: %w", orderID, classifyAlpacaError(err))
	}
	return nil
}

// ClosePosition liquidates the whole position in symbol.
func (b *AlpacaBroker) ClosePosition(ctx context.Context, symbol string) error {
	if err := b.limiter.Wait(ctx); err != nil {
		return err
	}
	if _, err := b.client.ClosePosition(symbol, alpaca.ClosePositionRequest{}); err != nil {
		return fmt.Errorf("ClosePosition %s: %w", symbol, classifyAlpacaError(err))
	}
	return nil
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// classifyAlpacaError maps the Alpaca rejections the engine reacts to onto
// the package sentinels, keeping the original error in the chain.
func classifyAlpacaError(err error) error {
	var apiErr *alpaca.APIError
	if !errors.As(err, &apiErr) {
		return err
	}
	msg := strings.ToLower(apiErr.Message)
	switch {
	case apiErr.Code == alpacaCodePositionNotFound,
		apiErr.StatusCode == http.StatusNotFound && strings.Contains(msg, "position does not exist"):
		return fmt.Errorf("%w: %w", ErrPositionNotFound, err)
	case apiErr.Code == alpacaCodeOrderNotOpen,
		strings.Contains(msg, "order is not open"):
		return fmt.Errorf("%w: %w", ErrOrderNotOpen, err)
	case apiErr.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %w", ErrOrderNotFound, err)
	}
	return err
}

func toOrderState(o *alpaca.Order) *domain.OrderState {
	s := &domain.OrderState{
		ID:        o.ID,
		Symbol:    o.Symbol,
		Side:      domain.Side(o.Side),
		Type:      domain.OrderType(o.Type),
		Status:    domain.OrderStatus(o.Status),
		FilledQty: o.FilledQty.InexactFloat64(),
	}
	if o.Qty != nil {
		s.Qty = o.Qty.InexactFloat64()
	}
	if o.Notional != nil {
		s.Notional = o.Notional.InexactFloat64()
	}
	if o.LimitPrice != nil {
		s.LimitPrice = o.LimitPrice.InexactFloat64()
	}
	return s
}

// DailyBars fetches daily bars for symbols in a single multi-symbol call.
func (b *AlpacaBroker) DailyBars(ctx context.Context, symbols []string, start, end time.Time) ([]domain.Bar, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	multiBars, err := b.data.GetMultiBars(symbols, marketdata.GetBarsRequest{
		TimeFrame: marketdata.OneDay,
		Start:     start,
		End:       end,
		Feed:      b.feed,
	})
	if err != nil {
		return nil, fmt.Errorf("GetMultiBars: %w", err)
	}

	var bars []domain.Bar
	for symbol, alpacaBars := range multiBars {
		for _, ab := range alpacaBars {
			bars = append(bars, domain.Bar{
				Symbol:     strings.ToUpper(symbol),
				Timestamp:  ab.Timestamp,
				Open:       ab.Open,
				High:       ab.High,
				Low:        ab.Low,
				Close:      ab.Close,
				Volume:     int64(ab.Volume),
				TradeCount: int64(ab.TradeCount),
				VWAP:       ab.VWAP,
			})
		}
	}
	return bars, nil
}
