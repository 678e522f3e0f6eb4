// Package fanout turns one inbound event into per-feed deliveries. Each record
// of a batch runs through adapt, parse, validate, allow-list, expiry, very
// large payload offload, broadcast or split, feed lookup, delivery and feed
// recycling. A record that fails with a transient error is pushed back onto
// the ingestion queue with an incremented retry counter.
package fanout

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"fanout/internal/telemetry"
	"fanout/internal/types"
	"fanout/internal/validation"
)

// Queue is the messaging port.
type Queue interface {
	PushBackMessage(ctx context.Context, data *types.EventData) error
	HandleSplit(ctx context.Context, copies []*types.EventData, messageSize int) error
	FanoutMessage(ctx context.Context, data *types.EventData, feeds []types.Feed, podID types.ID) ([]types.SettledResult, error)
	BroadcastMessage(ctx context.Context, data *types.EventData, podID types.ID) error
	SendTelemetry(ctx context.Context, snap telemetry.Snapshot) error
}

// FeedStore is the feed registry port.
type FeedStore interface {
	FetchFeeds(ctx context.Context, payload *types.Payload, distributionList []types.ID) (*types.FeedLookup, error)
	RecyclingFeeds(ctx context.Context, toStale, toReuse, toRemove []types.Feed, podID types.ID) types.RecycleReport
}

// ObjectStore fetches payloads parked by producers.
type ObjectStore interface {
	GetPayload(ctx context.Context, bucket, key string) (string, error)
}

// Cache receives offloaded payloads.
type Cache interface {
	Set(ctx context.Context, key, value string, ttl time.Duration) error
}

// KeyGenerator returns the cache keys an offloaded payload is written under.
type KeyGenerator func(data *types.EventData, messageID string) []string

// Config holds the tunables of the pipeline.
type Config struct {
	Hostname string

	// StartSplitFromRoomSize is the distribution list length from which a
	// message is split. Zero disables splitting.
	StartSplitFromRoomSize int
	// SplitDistributionListSize is the number of entries per split copy.
	SplitDistributionListSize int
	// VLMCutoffBytes is the largest message delivered with its inner payload.
	VLMCutoffBytes int

	CacheType    string
	CacheItemTTL time.Duration

	TelemetryExportEnabled bool
	// MaxConcurrency bounds the records processed in parallel. Zero means unbounded.
	MaxConcurrency int
}

// Deps are the collaborators of a Handler. Objects, Cache and Summary may be nil.
type Deps struct {
	Queue   Queue
	Feeds   FeedStore
	Objects ObjectStore
	Cache   Cache
	Keys    KeyGenerator
	Summary telemetry.SummaryPublisher
	Logger  types.Logger
	Clock   types.Clock
}

// Handler runs the fan-out pipeline.
type Handler struct {
	cfg       Config
	queue     Queue
	feeds     FeedStore
	objects   ObjectStore
	cache     Cache
	keys      KeyGenerator
	summary   telemetry.SummaryPublisher
	logger    types.Logger
	clock     types.Clock
	splitter  Splitter
	validator *validation.Validator

	// lastReceived holds the receive time, in Unix milliseconds, of the
	// previous record handled by this process.
	lastReceived atomic.Int64
}

// NewHandler creates a Handler.
func NewHandler(cfg Config, deps Deps) *Handler {
	if deps.Logger == nil {
		deps.Logger = types.NopLogger{}
	}
	if deps.Clock == nil {
		deps.Clock = types.RealClock{}
	}
	return &Handler{
		cfg:     cfg,
		queue:   deps.Queue,
		feeds:   deps.Feeds,
		objects: deps.Objects,
		cache:   deps.Cache,
		keys:    deps.Keys,
		summary: deps.Summary,
		logger:  deps.Logger,
		clock:   deps.Clock,
		splitter: Splitter{
			StartSplitFromRoomSize: cfg.StartSplitFromRoomSize,
			ChunkSize:              cfg.SplitDistributionListSize,
		},
		validator: validation.New(),
	}
}

// Consume processes a batch of records. Records run concurrently and the
// call returns once all of them have settled. It fails only when a record
// could not be pushed back after a transient failure; the transport must
// then redeliver the whole batch. Telemetry is flushed exactly once per call.
func (h *Handler) Consume(ctx context.Context, records []types.InboundRecord) ([]types.PipelineOutcome, error) {
	batch := telemetry.NewBatch(h.cfg.Hostname, h.clock.Now())
	batch.SetBatchSize(len(records))
	defer h.closeTelemetry(ctx, batch)

	outcomes := make([]types.PipelineOutcome, len(records))
	var g errgroup.Group
	if h.cfg.MaxConcurrency > 0 {
		g.SetLimit(h.cfg.MaxConcurrency)
	}
	for i, rec := range records {
		g.Go(func() error {
			out, err := h.processRecord(ctx, rec, batch)
			if err != nil {
				return err
			}
			outcomes[i] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return outcomes, nil
}

func (h *Handler) processRecord(ctx context.Context, rec types.InboundRecord, batch *telemetry.Batch) (types.PipelineOutcome, error) {
	now := h.clock.Now()
	m := telemetry.NewRecord(now)
	if prev := h.lastReceived.Swap(now.UnixMilli()); prev != 0 {
		m.SetInterArrivalTime(time.UnixMilli(prev))
	}

	env, res := Adapt(rec, now)
	logger := h.logger.With("message_id", env.ID)
	if !res.Terminal() {
		res = h.run(ctx, env, batch, m, logger)
	}

	switch res.Verdict {
	case types.VerdictRetry:
		if err := h.pushBack(ctx, env, m, res.Err, logger); err != nil {
			m.Complete(h.clock.Now(), false)
			batch.Append(m)
			return types.PipelineOutcome{}, err
		}
	case types.VerdictDiscard:
		logger.Error("discarding original message", "stage", res.Err.Stage, "reason", res.Err.Error())
	}

	m.Complete(h.clock.Now(), true)
	batch.Append(m)
	return types.PipelineOutcome{MessageID: env.ID, IsProcessed: true}, nil
}

// pushBack re-enqueues the message for a retry. The retry counter is
// incremented and the first envelope id is kept as originalMessageId.
func (h *Handler) pushBack(ctx context.Context, env *types.Envelope, m *telemetry.Record, cause *types.PipelineError, logger types.Logger) error {
	data := env.Data
	data.Retries++
	if data.OriginalMessageID == "" {
		data.OriginalMessageID = env.ID
	}

	start := h.clock.Now()
	err := h.queue.PushBackMessage(ctx, data)
	m.SetLatency(telemetry.LatencyPushBack, h.clock.Now().Sub(start))
	if err != nil {
		logger.Error("failed to push back message", "retries", data.Retries, "error", err, "cause", cause.Error())
		return err
	}
	logger.Error("nack original message", "retries", data.Retries, "reason", cause.Error())
	return nil
}

func (h *Handler) closeTelemetry(ctx context.Context, batch *telemetry.Batch) {
	batch.Close(h.clock.Now())
	snap := batch.Snapshot()
	h.logger.Debug("batch telemetry",
		"pod_id", snap.PodID,
		"batch_size", snap.BatchSize,
		"total_elapsed_ms", snap.TotalElapsedTime,
	)
	if !h.cfg.TelemetryExportEnabled {
		return
	}
	if err := h.queue.SendTelemetry(ctx, snap); err != nil {
		h.logger.Error("failed to export telemetry", "error", err)
	}
	if h.summary != nil {
		h.summary.PublishBatch(ctx, snap)
	}
}
