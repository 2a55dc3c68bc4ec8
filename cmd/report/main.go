// Command report runs one report for an account scope and prints its artifacts.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"trade-evidence-lab/internal/config"
	"trade-evidence-lab/internal/ledgersync"
	"trade-evidence-lab/internal/observability"
	"trade-evidence-lab/internal/orchestrator"
	"trade-evidence-lab/internal/report"
	"trade-evidence-lab/internal/reporting"
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
	var (
		configPath    string
		accounts      []string
		preset        string
		start, end    string
		includeMarket bool
		syncMarket    bool
		printJSON     bool
		markdown      bool
		writeCSV      bool
	)
	cmd := &cobra.Command{
		Use:           "report",
		Short:         "Build metrics, anomalies, facts and evidence for an account scope",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			logger := observability.NewLogger(observability.LogOptions{Level: cfg.Log.Level, Pretty: cfg.Log.Pretty})

			ctx := cmd.Context()
			o, err := orchestrator.New(ctx, orchestrator.Options{Config: cfg, Logger: &logger})
			if err != nil {
				return err
			}
			defer o.Close()

			req := report.Request{AccountIDs: accounts, Preset: preset, IncludeMarket: includeMarket}
			if req.Start, err = parseBound(start, o.Location()); err != nil {
				return fmt.Errorf("--start: %w", err)
			}
			if req.End, err = parseBound(end, o.Location()); err != nil {
				return fmt.Errorf("--end: %w", err)
			}

			if includeMarket && syncMarket {
				if _, err := o.SyncMarket(ctx, nil, preset); err != nil {
					logger.Warn().Err(err).Msg("market sync incomplete, continuing with cached series")
				}
			}

			rep, err := o.RunReport(ctx, req)
			if err != nil {
				return err
			}
			var formats []string
			if markdown {
				formats = append(formats, reporting.FormatMarkdown)
			}
			if writeCSV {
				formats = append(formats, reporting.FormatRegimesCSV, reporting.FormatAnomaliesCSV)
			}
			for _, format := range formats {
				body, _, ext, err := reporting.Export(format, rep.Evidence)
				if err != nil {
					return err
				}
				path := filepath.Join(filepath.Dir(rep.Run.EvidencePath), format+"_"+rep.Run.ID+"."+ext)
				if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
					return fmt.Errorf("write %s: %w", format, err)
				}
				logger.Info().Str("path", path).Str("format", format).Msg("export written")
			}
			if printJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(rep.Summary)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Report %s %s\n", rep.Run.ID, rep.Run.State)
			fmt.Fprintf(out, "  facts:    %s (%d rows)\n", rep.Run.FactsPath, rep.Facts)
			fmt.Fprintf(out, "  evidence: %s\n", rep.Run.EvidencePath)
			fmt.Fprintf(out, "  anomalies: %d\n", rep.Evidence.Anomalies.Total)
			for _, n := range rep.Evidence.Notes {
				fmt.Fprintf(out, "  note: %s\n", n)
			}
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&configPath, "config", "", "Path to YAML config (defaults and TEL_* env when empty)")
	f.StringSliceVar(&accounts, "accounts", nil, "Account ids in scope (comma-separated)")
	f.StringVar(&preset, "preset", report.PresetLast30d, "Range preset: last_7d|last_30d|this_month|last_month|ytd|all_time")
	f.StringVar(&start, "start", "", "Explicit range start (RFC3339 or YYYY-MM-DD in local_tz); needs --end")
	f.StringVar(&end, "end", "", "Explicit range end (RFC3339 or YYYY-MM-DD in local_tz); needs --start")
	f.BoolVar(&includeMarket, "include-market", false, "Join market context onto facts")
	f.BoolVar(&syncMarket, "sync-market", true, "Backfill market series before an include-market run")
	f.BoolVar(&printJSON, "json", false, "Print the report summary as JSON")
	f.BoolVar(&markdown, "markdown", false, "Also write a Markdown rendering next to the evidence document")
	f.BoolVar(&writeCSV, "csv", false, "Also write regime and anomaly CSV tables next to the evidence document")
	_ = cmd.MarkFlagRequired("accounts")
	return cmd
}

// parseBound accepts RFC3339 or a bare date at local midnight.
func parseBound(s string, loc *time.Location) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return &t, nil
	}
	t, err := time.ParseInLocation(time.DateOnly, s, loc)
	if err != nil {
		return nil, fmt.Errorf("parse %q: %w", s, err)
	}
	return &t, nil
}
