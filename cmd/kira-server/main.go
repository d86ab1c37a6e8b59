// Command kira-server hosts the Kira board/task API: it opens the sqlite
// task store, wires the event bus and staleness sweeper, and serves
// internal/serverapi.Server over HTTP. Workers (kira-worker, kira-agent)
// poll against this process.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kira-run/kira/internal/automation"
	"github.com/kira-run/kira/internal/bus"
	"github.com/kira-run/kira/internal/serverapi"
	"github.com/kira-run/kira/internal/store"
	"github.com/kira-run/kira/internal/telemetry"
)

func main() {
	addr := flag.String("addr", "localhost:8000", "address to listen on")
	dbPath := flag.String("db", "", "path to the sqlite task store (default: ~/.kira/kira.db)")
	authMode := flag.String("auth-mode", "mock", "auth mode: mock or centauth")
	staleAfter := flag.Duration("stale-after", automation.DefaultStaleAfter, "worker heartbeat age before marking stale")
	offlineAfter := flag.Duration("offline-after", automation.DefaultOfflineAfter, "worker heartbeat age before marking offline")
	flag.Parse()

	home, _ := os.UserHomeDir()
	logger, closer, err := telemetry.NewLogger(home, "info", false)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to init logger:", err)
		os.Exit(1)
	}
	defer closer.Close()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, *addr, *dbPath, *authMode, *staleAfter, *offlineAfter); err != nil {
		logger.Error("server exited with error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, addr, dbPath, authMode string, staleAfter, offlineAfter time.Duration) error {
	eventBus := bus.New()

	taskStore, err := store.Open(dbPath, eventBus)
	if err != nil {
		return fmt.Errorf("open task store: %w", err)
	}
	defer taskStore.Close()

	sweeper := automation.NewSweeper(taskStore, logger, staleAfter, offlineAfter)
	if err := sweeper.Start(ctx, 30*time.Second); err != nil {
		return fmt.Errorf("start staleness sweep: %w", err)
	}
	defer sweeper.Stop()

	server := serverapi.New(serverapi.Config{Store: taskStore, AuthMode: authMode})

	httpServer := &http.Server{
		Addr:    addr,
		Handler: server,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("kira-server listening", "addr", addr, "auth_mode", authMode)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		logger.Info("kira-server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown: %w", err)
		}
		<-errCh
		return nil
	case err := <-errCh:
		return err
	}
}
