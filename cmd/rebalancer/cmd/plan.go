package cmd

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"rebalancer/internal/engine"
)

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Show the orders a rebalance would submit",
	Long: `Plan reads the account, computes current and desired equity per ticker
and prints the order each row would produce, in execution order. Nothing
is submitted.`,
	RunE: runPlan,
}

func init() {
	rootCmd.AddCommand(planCmd)
}

func runPlan(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	alloc := cfg.Allocation()
	s, err := newSession(ctx, cfg, alloc)
	if err != nil {
		return err
	}
	steps, err := s.engine.Preview(ctx, alloc)
	if err != nil {
		return err
	}
	printPlan(cmd.OutOrStdout(), s.engine, steps)
	return nil
}

func printPlan(w io.Writer, e *engine.Engine, steps []engine.Step) {
	fmt.Fprintf(w, "mode: %s\n", e.Mode())
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SYMBOL\tTARGET\tCURRENT\tDESIRED\tORDER")
	for _, st := range steps {
		order := "-"
		if st.Order != nil {
			order = st.Order.String()
		}
		fmt.Fprintf(tw, "%s\t%.2f%%\t%.2f\t%.2f\t%s\n",
			st.Row.Symbol, st.Row.Target*100, st.Row.CurrentEquity, st.Row.DesiredEquity, order)
	}
	tw.Flush()
}
