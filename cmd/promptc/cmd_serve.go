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

	"promptc/internal/admin"
	"promptc/internal/config"
	"promptc/internal/logging"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the admin and predict HTTP API",
	Long: `Serves the HTTP API on admin.addr: predict, compile, promote,
rollback, canary control, receipt and blob inspection.

All endpoints require the bearer token from admin.token. The config
file is watched while serving; log level changes apply without a
restart.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	log := logging.Get(logging.CategoryAdmin)

	if cfg.Admin.Token == "" {
		return fmt.Errorf("admin.token must be set to serve (or PROMPTC_ADMIN_TOKEN)")
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	server := admin.NewServer(cfg.Admin.Token, a.catalog, a.registry, a.compiler, a.pipeline, a.store)
	httpServer := &http.Server{
		Addr:              cfg.Admin.Addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	watcher, err := config.NewWatcher(configPath)
	if err != nil {
		log.Warnw("config watch unavailable", "error", err)
	} else {
		if err := watcher.Start(ctx); err != nil {
			log.Warnw("config watch failed to start", "error", err)
		} else {
			defer watcher.Stop()
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		log.Infow("admin api listening", "addr", cfg.Admin.Addr)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case sig := <-sigCh:
		log.Infow("shutting down", "signal", sig.String())
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	return nil
}
