// Package engine plans and executes portfolio rebalances: it turns a
// target allocation into ordered per-ticker rows, builds the order each row
// needs and drives every order to a filled or unfilled outcome.
package engine

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"rebalancer/internal/broker"
	"rebalancer/internal/domain"
)

var tracer trace.Tracer = otel.Tracer("rebalancer/internal/engine")

// Options configures an Engine.
type Options struct {
	Mode domain.Mode
	// RefreshEquity re-reads position and account equity right before each
	// row is built, so later rows see earlier fills.
	RefreshEquity bool
	Filler        FillerConfig
}

// Step pairs a planned row with the order it would produce.
type Step struct {
	Row   domain.PlannedRow
	Order *domain.Order
}

// Engine orchestrates a rebalancing pass by delegating to the planner,
// order builder and filler. It executes one order at a time.
type Engine struct {
	quotes  broker.QuoteSource
	planner *Planner
	builder *Builder
	filler  *Filler
	mode    domain.Mode
	refresh bool
	log     *slog.Logger
}

// NewEngine creates a new Engine trading through b. quotes prices share
// orders; pass b itself to use the broker's own market data.
func NewEngine(b broker.Broker, quotes broker.QuoteSource, opts Options) *Engine {
	if quotes == nil {
		quotes = b
	}
	if opts.Mode == "" {
		opts.Mode = domain.ModeMarket
	}
	return &Engine{
		quotes:  quotes,
		planner: NewPlanner(b),
		builder: NewBuilder(quotes),
		filler:  NewFiller(b, quotes, opts.Filler),
		mode:    opts.Mode,
		refresh: opts.RefreshEquity,
		log:     slog.Default().With("component", "engine"),
	}
}

// Mode returns the trading mode the engine executes in.
func (e *Engine) Mode() domain.Mode { return e.mode }

// Preview plans alloc and builds every order without submitting anything.
func (e *Engine) Preview(ctx context.Context, alloc domain.Allocation) ([]Step, error) {
	rows, err := e.planner.Plan(ctx, alloc, e.mode)
	if err != nil {
		return nil, err
	}
	steps := make([]Step, 0, len(rows))
	for _, row := range rows {
		order, err := e.builder.Build(ctx, row, e.mode)
		if err != nil {
			return nil, err
		}
		steps = append(steps, Step{Row: row, Order: order})
	}
	return steps, nil
}

// HavePortfolio rebalances the account to alloc and reports, per ticker,
// whether its position was reached. A ticker that needed no order counts
// as reached. Unfilled orders are not an error; prior fills are never
// rolled back.
//
// An invalid allocation or a missing quote aborts the pass before any
// order is submitted. A broker failure mid-pass returns the outcomes
// recorded so far together with the error.
func (e *Engine) HavePortfolio(ctx context.Context, alloc domain.Allocation) (domain.Result, error) {
	ctx, span := tracer.Start(ctx, "engine.HavePortfolio", trace.WithAttributes(
		attribute.String("mode", string(e.mode)),
		attribute.Int("targets", len(alloc)),
	))
	defer span.End()

	result, err := e.havePortfolio(ctx, alloc)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return result, err
}

func (e *Engine) havePortfolio(ctx context.Context, alloc domain.Allocation) (domain.Result, error) {
	rows, err := e.planner.Plan(ctx, alloc, e.mode)
	if err != nil {
		return nil, err
	}
	if e.mode == domain.ModeLimit {
		if err := e.preflight(ctx, rows); err != nil {
			return nil, err
		}
	}

	result := make(domain.Result, len(rows))
	for _, row := range rows {
		if e.refresh {
			if row, err = e.planner.Refresh(ctx, row); err != nil {
				return result, err
			}
		}

		order, err := e.builder.Build(ctx, row, e.mode)
		if err != nil {
			return result, err
		}
		if order == nil {
			e.log.Debug("already at target", "symbol", row.Symbol, "equity", row.CurrentEquity)
			result[row.Symbol] = true
			continue
		}

		e.log.Info("executing order",
			"order", order.String(),
			"target", row.Target,
			"current", row.CurrentEquity,
			"desired", row.DesiredEquity,
		)
		filled, err := e.filler.Fill(ctx, order)
		if err != nil {
			return result, fmt.Errorf("filling %s: %w", row.Symbol, err)
		}
		result[row.Symbol] = filled
	}

	failed := 0
	for _, ok := range result {
		if !ok {
			failed++
		}
	}
	e.log.Info("rebalance finished", "tickers", len(result), "unfilled", failed)
	return result, nil
}

// preflight checks that every ticker with a non-zero target can be priced,
// so a missing quote fails the pass before capital is committed.
func (e *Engine) preflight(ctx context.Context, rows []domain.PlannedRow) error {
	for _, row := range rows {
		if row.Target == 0 {
			continue
		}
		price, err := e.quotes.LastPrice(ctx, row.Symbol)
		if err == nil && price <= 0 {
			err = broker.ErrQuoteUnavailable
		}
		if err != nil {
			return &domain.QuoteUnavailableError{Symbol: row.Symbol, Err: err}
		}
	}
	return nil
}
