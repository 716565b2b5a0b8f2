package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/signal"
	"sort"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"rebalancer/internal/domain"
	"rebalancer/internal/scheduler"
	"rebalancer/internal/telemetry"
)

var (
	errMarketClosed = errors.New("market is closed")
	errUnfilled     = errors.New("some tickers did not reach their target")
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Rebalance the account to the target portfolio",
	Long: `Run plans the rebalance, submits every order and waits for each to
fill before moving to the next. It refuses to trade while the market is
closed unless --force is given.

With --schedule (or trading.schedule) it keeps running and rebalances on
every tick of the cron expression instead of once. Ticks that find the
market closed are skipped.

Example:
  rebalancer run --mode limit -t SPY=0.6 -t TLT=0.4
  rebalancer run --schedule "35 9 * * 1-5"`,
	RunE: runRun,
}

var scheduleFlag string

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVar(&scheduleFlag, "schedule", "", "cron expression to rebalance on (overrides trading.schedule)")
}

func runRun(cmd *cobra.Command, _ []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdown, err := telemetry.Setup(telemetry.Options{Enabled: cfg.Tracing.Enabled, Version: version})
	if err != nil {
		return fmt.Errorf("setting up tracing: %w", err)
	}
	defer func() {
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		if err := shutdown(sctx); err != nil {
			slog.Warn("tracer shutdown failed", "error", err)
		}
	}()

	alloc := cfg.Allocation()
	s, err := newSession(ctx, cfg, alloc)
	if err != nil {
		return err
	}
	if err := s.checkAccount(ctx); err != nil {
		return err
	}

	spec := scheduleFlag
	if spec == "" {
		spec = cfg.Trading.Schedule
	}
	if spec == "" {
		return rebalanceOnce(ctx, cmd.OutOrStdout(), s, alloc, force)
	}

	sched := scheduler.New()
	err = sched.Add(ctx, spec, "rebalance", func(ctx context.Context) error {
		err := rebalanceOnce(ctx, cmd.OutOrStdout(), s, alloc, force)
		if errors.Is(err, errMarketClosed) {
			slog.Warn("market closed, skipping rebalance")
			return nil
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("invalid schedule %q: %w", spec, err)
	}
	sched.Run(ctx)
	return nil
}

// rebalanceOnce runs a single pass and prints its outcome. A pass that
// leaves any ticker unfilled returns errUnfilled.
func rebalanceOnce(ctx context.Context, w io.Writer, s *session, alloc domain.Allocation, force bool) error {
	if !force {
		open, err := s.marketOpen(ctx)
		if err != nil {
			return fmt.Errorf("checking market clock: %w", err)
		}
		if !open {
			return fmt.Errorf("%w (use --force to trade anyway)", errMarketClosed)
		}
	}

	result, err := s.engine.HavePortfolio(ctx, alloc)
	if len(result) > 0 {
		printResult(w, result)
	}
	if err != nil {
		return err
	}
	if !result.AllFilled() {
		return errUnfilled
	}
	return nil
}

func printResult(w io.Writer, result domain.Result) {
	syms := make([]string, 0, len(result))
	for sym := range result {
		syms = append(syms, sym)
	}
	sort.Strings(syms)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SYMBOL\tRESULT")
	for _, sym := range syms {
		outcome := "filled"
		if !result[sym] {
			outcome = "unfilled"
		}
		fmt.Fprintf(tw, "%s\t%s\n", sym, outcome)
	}
	tw.Flush()
}
