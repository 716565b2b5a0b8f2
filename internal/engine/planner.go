package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"rebalancer/internal/domain"
)

// AccountReader is the read side of the broker the planner needs.
type AccountReader interface {
	PositionEquity(ctx context.Context, symbol string) (float64, error)
	AccountEquity(ctx context.Context) (float64, error)
	OpenSymbols(ctx context.Context) ([]string, error)
}

// Planner turns a target allocation into per-ticker equity rows ordered for
// safe sequential execution.
type Planner struct {
	account AccountReader
	log     *slog.Logger
}

// NewPlanner creates a Planner reading account state from account.
func NewPlanner(account AccountReader) *Planner {
	return &Planner{
		account: account,
		log:     slog.Default().With("component", "planner"),
	}
}

// Plan validates alloc, adds every held ticker missing from it with a
// target of zero, and computes current and desired equity per ticker from
// one account equity snapshot.
//
// In market mode rows that reduce a position come before rows that grow
// one, so sells free buying power first. In limit mode rows are ordered by
// ascending target fraction.
func (p *Planner) Plan(ctx context.Context, alloc domain.Allocation, mode domain.Mode) ([]domain.PlannedRow, error) {
	targets, err := normalizeAllocation(alloc)
	if err != nil {
		return nil, err
	}

	held, err := p.account.OpenSymbols(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing open positions: %w", err)
	}
	for _, sym := range held {
		if _, ok := targets[sym]; !ok {
			targets[sym] = 0
		}
	}

	equity, err := p.account.AccountEquity(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading account equity: %w", err)
	}

	rows := make([]domain.PlannedRow, 0, len(targets))
	for _, sym := range symbols(targets) {
		current, err := p.account.PositionEquity(ctx, sym)
		if err != nil {
			return nil, fmt.Errorf("reading position %s: %w", sym, err)
		}
		rows = append(rows, domain.PlannedRow{
			Symbol:        sym,
			Target:        targets[sym],
			CurrentEquity: current,
			DesiredEquity: targets[sym] * equity,
		})
	}

	orderRows(rows, mode)
	p.log.Info("planned rebalance",
		"mode", mode,
		"accountEquity", equity,
		"rows", len(rows),
		"held", len(held),
	)
	return rows, nil
}

// Refresh recomputes row's current and desired equity from live account
// state. Sequential limit execution uses it so each row sees the fills of
// the rows before it.
func (p *Planner) Refresh(ctx context.Context, row domain.PlannedRow) (domain.PlannedRow, error) {
	current, err := p.account.PositionEquity(ctx, row.Symbol)
	if err != nil {
		return row, fmt.Errorf("reading position %s: %w", row.Symbol, err)
	}
	equity, err := p.account.AccountEquity(ctx)
	if err != nil {
		return row, fmt.Errorf("reading account equity: %w", err)
	}
	row.CurrentEquity = current
	row.DesiredEquity = row.Target * equity
	return row, nil
}

func orderRows(rows []domain.PlannedRow, mode domain.Mode) {
	if mode == domain.ModeLimit {
		sort.SliceStable(rows, func(i, j int) bool {
			return rows[i].Target < rows[j].Target
		})
		return
	}
	sort.SliceStable(rows, func(i, j int) bool {
		return rows[i].Gap() < 0 && rows[j].Gap() >= 0
	})
}
