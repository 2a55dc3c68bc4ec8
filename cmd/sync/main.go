// Command sync pulls exchange ledgers and backfills market series.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"trade-evidence-lab/internal/config"
	"trade-evidence-lab/internal/ledgersync"
	"trade-evidence-lab/internal/observability"
	"trade-evidence-lab/internal/orchestrator"
	"trade-evidence-lab/internal/report"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCode(err))
	}
}

// exitTempFail (EX_TEMPFAIL) tells schedulers the run can be retried.
const exitTempFail = 75

func exitCode(err error) int {
	if errors.Is(err, ledgersync.ErrSyncRunning) {
		fmt.Fprintln(os.Stderr, "A ledger sync for these accounts is in progress. Retry once it finishes.")
		return exitTempFail
	}
	return 1
}

func rootCmd() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:           "sync",
		Short:         "Ledger and market data sync",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML config")
	root.AddCommand(ledgerCmd(&configPath), marketCmd(&configPath))
	return root
}

func open(ctx context.Context, configPath string) (*orchestrator.Orchestrator, zerolog.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	logger := observability.NewLogger(observability.LogOptions{Level: cfg.Log.Level, Pretty: cfg.Log.Pretty})
	o, err := orchestrator.New(ctx, orchestrator.Options{Config: cfg, Logger: &logger})
	return o, logger, err
}

func ledgerCmd(configPath *string) *cobra.Command {
	var (
		accounts []string
		preset   string
	)
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Pull fills and cashflows for configured accounts",
		RunE: func(cmd *cobra.Command, _ []string) error {
			o, _, err := open(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer o.Close()

			res, err := o.SyncLedger(cmd.Context(), accounts, preset, nil, nil)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Sync %s %s: %d fills, %d cashflows\n",
				res.Run.ID, res.Run.State, res.FillsInserted, res.FlowsInserted)
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&accounts, "accounts", nil, "Account ids to sync (default all configured)")
	cmd.Flags().StringVar(&preset, "preset", report.PresetLast30d, "Range preset")
	return cmd
}

func marketCmd(configPath *string) *cobra.Command {
	var (
		symbols []string
		preset  string
	)
	cmd := &cobra.Command{
		Use:   "market",
		Short: "Backfill klines, mark klines, funding and open interest",
		RunE: func(cmd *cobra.Command, _ []string) error {
			o, logger, err := open(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer o.Close()

			res, err := o.SyncMarket(cmd.Context(), symbols, preset)
			if err != nil {
				return err
			}
			for _, f := range res.Failures {
				logger.Warn().Err(f.Err).Str("symbol", f.Symbol).Str("kind", f.Kind.String()).Msg("series not backfilled")
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Backfilled %d series: %d gaps, %d points, %d failures in %s\n",
				res.SeriesChecked, res.GapsFetched, res.PointsFetched, len(res.Failures), res.Duration)
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&symbols, "symbols", nil, "Symbols to backfill (default config, then ledger symbols)")
	cmd.Flags().StringVar(&preset, "preset", "", "Range preset (default market_sync.preset)")
	return cmd
}
