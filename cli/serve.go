/*
serve.go - HTTP server command

PURPOSE:
  Runs the engine: HTTP API, dispatcher workers and the janitor.

STARTUP SEQUENCE:
  1. Wire components from flags and environment
  2. Start the janitor (reclaim + purge every --sweep-interval)
  3. Start the dispatcher when --workflow-url is set and --autostart is on
  4. Serve HTTP

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the dispatcher, waiting for in-flight messages
  4. Stop the janitor and close stores

EXAMPLES:
  # SQLite queue, workflow on localhost
  engine serve --db ./data/engine.db --workflow-url http://localhost:9000/run

  # Redis queue and sessions
  engine serve --queue redis --sessions redis --redis-addr redis:6379
*/
package cli

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/warp/inbound-engine/api"
)

const shutdownTimeout = 30 * time.Second

func init() {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, dispatcher and janitor",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}

	RootCmd.AddCommand(cmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer app.Close()
	log := app.Log

	app.Janitor.Start()
	defer app.Janitor.Stop()

	if app.Dispatcher == nil {
		log.Warn().Msg("no workflow url configured, dispatcher disabled")
	} else if cfg.AutoStart {
		if err := app.Dispatcher.Start(ctx); err != nil {
			return err
		}
	}
	defer func() {
		if app.Dispatcher != nil {
			app.Dispatcher.Stop()
		}
	}()

	server := &http.Server{
		Addr:         cfg.Addr,
		Handler:      api.NewRouter(app.Handler(ctx)),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Addr).Str("queue", cfg.QueueBackend).Msg("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
		return err
	}

	log.Info().Msg("server stopped")
	return nil
}
