// Package main is the entrypoint for the fan-out Lambda function.
//
// The function is triggered by the ingestion SQS queue. Each invocation hands
// the whole batch to the fan-out handler, which delivers every message to the
// feeds of its distribution list, or splits, broadcasts or pushes it back.
//
// With APP_ENV=local an events.SQSEvent is read from stdin instead of starting
// the Lambda runtime:
//
//	cat event.json | go run ./cmd/fanout-worker
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"

	"fanout/internal/bootstrap"
	"fanout/internal/config"
	"fanout/internal/types"
)

// slogAdapter wraps *slog.Logger to implement the types.Logger interface.
// With must return types.Logger, which *slog.Logger does not.
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

// Consumer is the batch entry point of the fan-out handler.
type Consumer interface {
	Consume(ctx context.Context, records []types.InboundRecord) ([]types.PipelineOutcome, error)
}

// Handler adapts SQS trigger events to the fan-out handler.
type Handler struct {
	consumer Consumer
	logger   types.Logger
}

// Handle processes one SQS event. Records are never reported individually:
// every record is either delivered, dropped or pushed back by the pipeline.
// An error means a push-back failed, and the whole batch is left to SQS.
func (h *Handler) Handle(ctx context.Context, event events.SQSEvent) (events.SQSEventResponse, error) {
	records := make([]types.InboundRecord, len(event.Records))
	for i, r := range event.Records {
		records[i] = toRecord(r)
	}

	outcomes, err := h.consumer.Consume(ctx, records)
	if err != nil {
		h.logger.Error("batch failed, leaving it to the queue", "batch_size", len(records), "error", err)
		return events.SQSEventResponse{}, fmt.Errorf("consume batch: %w", err)
	}
	h.logger.Info("batch processed", "batch_size", len(records), "processed", len(outcomes))
	return events.SQSEventResponse{}, nil
}

// toRecord flattens system and string message attributes into one map.
func toRecord(r events.SQSMessage) types.InboundRecord {
	attrs := make(map[string]string, len(r.Attributes)+len(r.MessageAttributes))
	for k, v := range r.MessageAttributes {
		if v.StringValue != nil {
			attrs[k] = *v.StringValue
		}
	}
	for k, v := range r.Attributes {
		attrs[k] = v
	}
	return types.InboundRecord{ID: r.MessageId, Body: r.Body, Attributes: attrs}
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
	logger.Info("fan-out Lambda initializing (cold start)",
		"environment", cfg.Environment,
		"version", cfg.Build.Version,
		"commit", cfg.Build.Commit,
	)

	ctx := context.Background()
	app, err := bootstrap.Build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer app.Close()

	h := &Handler{consumer: app.Handler, logger: logger}

	if cfg.Environment == "local" {
		logger.Info("APP_ENV=local: reading event from stdin")
		return runLocal(ctx, h, os.Stdin, os.Stdout)
	}

	lambda.Start(h.Handle)
	return nil
}

// runLocal handles a single SQS event read from in and writes the response to out.
func runLocal(ctx context.Context, h *Handler, in io.Reader, out io.Writer) error {
	var event events.SQSEvent
	if err := json.NewDecoder(in).Decode(&event); err != nil {
		return fmt.Errorf("decode event from stdin: %w", err)
	}
	resp, err := h.Handle(ctx, event)
	if err != nil {
		return err
	}
	return json.NewEncoder(out).Encode(resp)
}
