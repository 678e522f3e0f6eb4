// Package main is the container entrypoint of the fan-out service.
//
// It long-polls the ingestion queue and feeds each received batch to the
// same handler the Lambda function uses. A batch is deleted from the queue
// only once the handler accepts it. A small HTTP server answers the
// orchestrator health checks.
//
// Graceful shutdown is handled via OS signal interception (SIGINT, SIGTERM):
// the poller finishes its current batch before the process exits.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"fanout/internal/bootstrap"
	"fanout/internal/config"
	"fanout/internal/poller"
	"fanout/internal/types"
)

// slogAdapter wraps *slog.Logger to implement the types.Logger interface.
type slogAdapter struct {
	logger *slog.Logger
}

func (a *slogAdapter) Debug(msg string, args ...any) { a.logger.Debug(msg, args...) }
func (a *slogAdapter) Info(msg string, args ...any)  { a.logger.Info(msg, args...) }
func (a *slogAdapter) Error(msg string, args ...any) { a.logger.Error(msg, args...) }
func (a *slogAdapter) Warn(msg string, args ...any)  { a.logger.Warn(msg, args...) }
func (a *slogAdapter) With(args ...any) types.Logger {
	return &slogAdapter{logger: a.logger.With(args...)}
}

var _ types.Logger = (*slogAdapter)(nil)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	provider := config.NewSSMProvider(os.Getenv("AWS_REGION"), os.Getenv("AWS_ENDPOINT_URL"))
	cfg, err := config.LoadConfig(provider)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := &slogAdapter{logger: newLogger(cfg.LogLevel).With("service", cfg.Service)}
	logger.Info("fan-out container starting",
		"environment", cfg.Environment,
		"version", cfg.Build.Version,
		"commit", cfg.Build.Commit,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.Build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer app.Close()

	httpServer := &http.Server{
		Addr:              cfg.Poller.HealthAddr,
		Handler:           newHealthRouter(app),
		ReadHeaderTimeout: 5 * time.Second,
	}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("health server listening", "addr", cfg.Poller.HealthAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	p := poller.New(app.SQS, app.Handler, poller.Config{
		QueueURL:    app.Bus.QueueURL(cfg.AWS.IngestionQueueName),
		WaitTime:    cfg.Poller.WaitTime,
		MaxMessages: cfg.Poller.MaxMessages,
	}, logger.With("component", "poller"))

	pollDone := make(chan error, 1)
	go func() { pollDone <- p.Run(ctx) }()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			stop()
			<-pollDone
			return fmt.Errorf("health server error: %w", err)
		}
	}
	<-pollDone

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("health server shutdown error", "error", err)
	}
	logger.Info("fan-out container stopped cleanly")
	return nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
