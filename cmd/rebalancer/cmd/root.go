package cmd

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"rebalancer/internal/config"
	"rebalancer/internal/domain"
	"rebalancer/internal/util"
)

var (
	cfgPath  string
	modeFlag string
	targets  []string
	force    bool

	// cfg is loaded once per invocation by the root pre-run hook.
	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "rebalancer",
	Short: "Rebalance a brokerage account to a target allocation",
	Long: `Rebalancer moves an Alpaca account to a target allocation of tickers
to fractions of account equity.

Market mode trades notional market orders, sells first. Limit mode trades
whole-share limit orders priced off the last trade and walks unfilled
orders toward the market up to a fixed ceiling.

Credentials are read from the config file, a .env or trade.env file in
the working directory, or the ALPACA_* / APCA_* environment variables.`,
	SilenceUsage:      true,
	PersistentPreRunE: loadConfig,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default $REBALANCER_CONFIG or "+config.DefaultPath+")")
	rootCmd.PersistentFlags().StringVar(&modeFlag, "mode", "", "trading mode: market or limit (overrides trading.mode)")
	rootCmd.PersistentFlags().StringArrayVarP(&targets, "target", "t", nil, "target as SYMBOL=FRACTION; repeat to replace the configured portfolio")
	rootCmd.PersistentFlags().BoolVar(&force, "force", false, "trade even when the market is closed")
}

func loadConfig(cmd *cobra.Command, _ []string) error {
	if cmd.Name() == versionCmd.Name() {
		return nil
	}
	if err := config.LoadDotEnv(".env", "trade.env"); err != nil {
		return err
	}

	path := config.ResolvePath(cfgPath)
	c, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if modeFlag != "" {
		mode, err := domain.ParseMode(modeFlag)
		if err != nil {
			return err
		}
		c.Trading.Mode = string(mode)
		refresh := mode == domain.ModeLimit
		c.Trading.RefreshEquity = &refresh
	}
	if len(targets) > 0 {
		alloc, err := parseTargets(targets)
		if err != nil {
			return err
		}
		c.Portfolio = alloc
	}
	if len(c.Portfolio) == 0 {
		return fmt.Errorf("%s: no portfolio configured and no --target given", path)
	}

	util.SetDefault(util.NewLogger(c.Logging.Level, c.Logging.Format))
	slog.Debug("config loaded", "path", path, "mode", c.Trading.Mode, "broker", c.Trading.Broker, "quotes", c.Quotes.Source)
	cfg = c
	return nil
}

// parseTargets turns SYMBOL=FRACTION pairs into an allocation. Fractions
// may be written as decimals (0.25) or percentages (25%).
func parseTargets(pairs []string) (domain.Allocation, error) {
	alloc := make(domain.Allocation, len(pairs))
	for _, pair := range pairs {
		sym, raw, ok := strings.Cut(pair, "=")
		sym = strings.ToUpper(strings.TrimSpace(sym))
		if !ok || sym == "" {
			return nil, fmt.Errorf("invalid target %q, want SYMBOL=FRACTION", pair)
		}
		raw = strings.TrimSpace(raw)
		scale := 1.0
		if strings.HasSuffix(raw, "%") {
			raw = strings.TrimSuffix(raw, "%")
			scale = 0.01
		}
		frac, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid fraction in target %q: %w", pair, err)
		}
		if _, dup := alloc[sym]; dup {
			return nil, fmt.Errorf("target %s given more than once", sym)
		}
		alloc[sym] = frac * scale
	}
	return alloc, nil
}
