package cmd

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"rebalancer/internal/broker"
	"rebalancer/internal/store"
)

var quotesCmd = &cobra.Command{
	Use:   "quotes",
	Short: "Manage the local daily bar store used for offline quotes",
}

var quotesSyncCmd = &cobra.Command{
	Use:   "sync [SYMBOL...]",
	Short: "Download recent daily bars from Alpaca into the Parquet store",
	Long: `Sync fetches daily bars for every portfolio ticker (plus any symbols
given as arguments) and merges them into storage.data_dir. The simulator
broker and quotes.source=parquet price orders from these files.`,
	RunE: runQuotesSync,
}

var syncDays int

func init() {
	rootCmd.AddCommand(quotesCmd)
	quotesCmd.AddCommand(quotesSyncCmd)

	quotesSyncCmd.Flags().IntVar(&syncDays, "days", 30, "calendar days of history to fetch")
}

func runQuotesSync(cmd *cobra.Command, args []string) error {
	if cfg.Alpaca.APIKey == "" || cfg.Alpaca.APISecret == "" {
		return errors.New("quotes sync needs Alpaca credentials")
	}
	if cfg.Storage.DataDir == "" {
		return errors.New("quotes sync needs storage.data_dir")
	}

	seen := make(map[string]bool)
	for sym := range cfg.Portfolio {
		seen[strings.ToUpper(strings.TrimSpace(sym))] = true
	}
	for _, sym := range args {
		seen[strings.ToUpper(strings.TrimSpace(sym))] = true
	}
	symbols := make([]string, 0, len(seen))
	for sym := range seen {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)

	ab := broker.NewAlpacaBroker(broker.AlpacaOptions{
		APIKey:          cfg.Alpaca.APIKey,
		APISecret:       cfg.Alpaca.APISecret,
		BaseURL:         cfg.Alpaca.BaseURL,
		DataURL:         cfg.Alpaca.DataURL,
		Feed:            cfg.Alpaca.Feed,
		RateLimitPerMin: cfg.Trading.RateLimitPerMin,
	})

	end := time.Now().UTC()
	start := end.AddDate(0, 0, -syncDays)
	bars, err := ab.DailyBars(cmd.Context(), symbols, start, end)
	if err != nil {
		return err
	}

	ps := store.NewParquetStore(cfg.Storage.DataDir)
	ps.Market = cfg.Storage.Market
	if err := ps.WriteBars(cmd.Context(), bars); err != nil {
		return err
	}
	slog.Info("bars synced", "symbols", len(symbols), "bars", len(bars), "dataDir", cfg.Storage.DataDir)
	fmt.Fprintf(cmd.OutOrStdout(), "synced %d bars for %d symbols\n", len(bars), len(symbols))
	return nil
}
