// Command server exposes report triggering, status polling and metrics over HTTP.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"trade-evidence-lab/internal/api"
	"trade-evidence-lab/internal/config"
	"trade-evidence-lab/internal/observability"
	"trade-evidence-lab/internal/orchestrator"
)

const shutdownTimeout = 30 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		configPath string
		addr       string
	)
	cmd := &cobra.Command{
		Use:           "server",
		Short:         "Serve the report API",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			logger := observability.NewLogger(observability.LogOptions{Level: cfg.Log.Level, Pretty: cfg.Log.Pretty})

			ctx := cmd.Context()
			o, err := orchestrator.New(ctx, orchestrator.Options{Config: cfg, Logger: &logger})
			if err != nil {
				return err
			}
			defer o.Close()

			srv := api.NewServer(api.Options{Reports: o.Reports(), Logger: &logger, Token: cfg.Server.APIToken}).HTTPServer(cfg.Server.Addr)
			errCh := make(chan error, 1)
			go func() {
				logger.Info().Str("addr", cfg.Server.Addr).Msg("http server listening")
				errCh <- srv.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				if !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("http server: %w", err)
				}
				return nil
			case <-ctx.Done():
			}

			logger.Info().Msg("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("shutdown: %w", err)
			}
			// Let in-flight background reports record their terminal state.
			o.Reports().Wait()
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "Path to YAML config")
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides server.addr)")
	return cmd
}
