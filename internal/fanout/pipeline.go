package fanout

import (
	"context"

	"fanout/internal/telemetry"
	"fanout/internal/types"
	"fanout/internal/validation"
)

// run drives one envelope from parse to delivery. Every stage either hands
// over to the next one or returns a terminal result.
func (h *Handler) run(ctx context.Context, env *types.Envelope, batch *telemetry.Batch, m *telemetry.Record, logger types.Logger) types.StageResult {
	if res := h.parse(ctx, env, m, logger); res.Terminal() {
		return res
	}
	logger = h.logger.With("message_id", env.ID)
	m.SetMessageID(env.ID)

	data := env.Data
	payload := data.Payload
	m.SetPayloadType(payload.PayloadType)
	m.SetRetryProcessingNumber(data.Retries)
	h.recordHops(env, batch, m)

	reinserted := env.Origin == types.OriginReInserted
	if !reinserted {
		if res := h.validate(payload, m, logger); res.Terminal() {
			return res
		}
	}
	batch.SetPodID(payload.PodID)
	if !reinserted {
		if res := h.allow(env, m, logger); res.Terminal() {
			return res
		}
	}
	if res := h.expiry(payload, m, logger); res.Terminal() {
		return res
	}

	if env.Origin == types.OriginObjectStore {
		m.SetCacheResults(h.offloadVLM(ctx, env, logger))
	}

	if payload.IsBroadcast() {
		m.SetIsBroadcast(true)
		return h.broadcast(ctx, env, logger)
	}
	m.SetIsBroadcast(false)
	m.SetDistributionListSize(len(payload.DistributionList))

	if !reinserted {
		payload.DistributionList = AdaptDistributionList(payload.DistributionList, payload.PodID)
		split, res := h.split(ctx, env, m, logger)
		if res.Terminal() {
			return res
		}
		m.SetIsMessageSplit(split)
		if split {
			return types.Done()
		}
	} else {
		m.SetIsMessageSplit(false)
	}

	return h.deliver(ctx, env, m, logger)
}

// parse decodes the event data and resolves its payload. Decode and fetch
// failures acknowledge the record: redelivery would fail the same way.
func (h *Handler) parse(ctx context.Context, env *types.Envelope, m *telemetry.Record, logger types.Logger) types.StageResult {
	logger = logger.With("stage", stageParse)
	if env.Form == types.FormUnparseable {
		logger.Error("unable to parse record body, acknowledging")
		return types.Done()
	}
	if env.Form == types.FormWrapped {
		data, err := decodeWrapped(env.Raw)
		if err != nil {
			logger.Error("unable to decode wrapped message, acknowledging", "error", err)
			return types.Done()
		}
		env.Data = data
	}

	data := env.Data
	if data.OriginalMessageID != "" {
		env.ID = data.OriginalMessageID
	}

	switch {
	case data.IsSplit || data.Retries > 0:
		env.Origin = types.OriginReInserted
		if err := data.DecodeObjectPayload(); err != nil {
			logger.Error("unable to decode re-inserted payload, acknowledging", "error", err)
			return types.Done()
		}
		m.SetGeneratedBy(telemetry.GeneratedByFanout)
	case data.HasInlinePayload():
		env.Origin = types.OriginFirstSeen
		if err := data.DecodeInlinePayload(); err != nil {
			logger.Error("unable to decode payload, acknowledging", "error", err)
			return types.Done()
		}
		m.SetGeneratedBy(telemetry.GeneratedByProducer)
	default:
		env.Origin = types.OriginObjectStore
		if h.objects == nil {
			logger.Error("payload is in the object store but no object store is configured, acknowledging",
				"bucket", data.S3BucketName, "key", data.S3Key)
			return types.Done()
		}
		start := h.clock.Now()
		encoded, err := h.objects.GetPayload(ctx, data.S3BucketName, data.S3Key)
		m.SetLatencyToGetPayloadFromS3(h.clock.Now().Sub(start))
		if err != nil {
			logger.Error("unable to fetch payload from object store, acknowledging",
				"bucket", data.S3BucketName, "key", data.S3Key, "error", err)
			return types.Done()
		}
		payload, err := types.DecodeBase64Payload(encoded)
		if err != nil {
			logger.Error("unable to decode object store payload, acknowledging", "error", err)
			return types.Done()
		}
		data.Payload = payload
		m.SetGeneratedBy(telemetry.GeneratedByProducer)
	}

	logger.Debug("message parsed", "origin", env.Origin.String(), "form", env.Form.String())
	return types.Continue()
}

func (h *Handler) recordHops(env *types.Envelope, batch *telemetry.Batch, m *telemetry.Record) {
	payload := env.Data.Payload
	created, okCreated := payload.CreatedDate.Time()
	notified, okNotified := payload.NotificationDate.Time()
	sent, okSent := env.SentAt()
	received := batch.CreatedAt()

	if okCreated && okNotified {
		m.SetHop(telemetry.HopSbeToS2Fwd, notified.Sub(created))
	}
	if okNotified && okSent {
		m.SetHop(telemetry.HopS2FwdToSentToSqs, sent.Sub(notified))
	}
	if okSent {
		m.SetHop(telemetry.HopSentToSqsToRcv, received.Sub(sent))
	}
}

func (h *Handler) validate(payload *types.Payload, m *telemetry.Record, logger types.Logger) types.StageResult {
	start := h.clock.Now()
	err := h.validator.CheckRequired(payload)
	m.SetLatency(telemetry.LatencyValidate, h.clock.Now().Sub(start))
	m.SetIsValidMessage(err == nil)
	if err != nil {
		return types.Fail(types.NewPipelineError(types.KindContent, stageValidate, err.Error(), nil))
	}
	return types.Continue()
}

// allow applies the payload type allow-list. A rejected message is handled
// successfully: it is simply not delivered.
func (h *Handler) allow(env *types.Envelope, m *telemetry.Record, logger types.Logger) types.StageResult {
	payload := env.Data.Payload
	if !validation.IsTypingOrPresence(payload.PayloadType) {
		logger.Info("audit: message received",
			"payload_type", payload.PayloadType,
			"pod_id", payload.PodID,
			"distribution_list_size", len(payload.DistributionList),
		)
	}

	res := validation.ValidatePayloadType(payload, payload.PayloadType)
	m.SetIsAllowedMessage(res.Allowed)
	if !res.Allowed {
		logger.Info("message not allowed", "reason", res.Reason)
		return types.Done()
	}
	return types.Continue()
}

// expiry drops messages whose expiration date is not in the future.
func (h *Handler) expiry(payload *types.Payload, m *telemetry.Record, logger types.Logger) types.StageResult {
	expires, ok := payload.ExpirationDate.Time()
	expired := ok && !expires.After(h.clock.Now())
	m.SetIsMessageExpired(expired)
	if expired {
		logger.Info("message expired", "expiration_date", string(payload.ExpirationDate))
		return types.Done()
	}
	return types.Continue()
}

func (h *Handler) broadcast(ctx context.Context, env *types.Envelope, logger types.Logger) types.StageResult {
	podID := env.Data.Payload.PodID
	logger.Info("audit: broadcasting message", "pod_id", podID)

	err := h.queue.BroadcastMessage(ctx, env.Data, podID)
	if err == nil {
		return types.Done()
	}
	if types.IsTopicMissing(err) {
		logger.Warn("broadcast topic does not exist, CHECK BROADCAST SUBSCRIPTION FLOW", "pod_id", podID, "error", err)
		return types.Fail(types.NewPipelineError(types.KindConfiguration, stageBroadcast, "broadcast topic does not exist", err))
	}
	return types.Fail(types.NewPipelineError(types.KindTransientDelivery, stageBroadcast, "broadcast failed", err))
}

// AdaptDistributionList rewrites user ids into user feed keys and appends the
// pod feed key.
func AdaptDistributionList(list []types.ID, podID types.ID) []types.ID {
	out := make([]types.ID, 0, len(list)+1)
	for _, id := range list {
		out = append(out, types.ID(types.FeedKeyUserPrefix+string(id)))
	}
	return append(out, types.ID(types.FeedKeyPodPrefix+string(podID)))
}

// split re-inserts split copies when the distribution list is too long.
// It reports whether the message was split.
func (h *Handler) split(ctx context.Context, env *types.Envelope, m *telemetry.Record, logger types.Logger) (bool, types.StageResult) {
	start := h.clock.Now()
	defer func() { m.SetLatency(telemetry.LatencySplit, h.clock.Now().Sub(start)) }()

	copies := h.splitter.Split(env.ID, env.Data)
	if copies == nil {
		return false, types.Continue()
	}
	size, err := types.MarshaledSize(copies[0])
	if err != nil {
		return false, types.Fail(types.NewPipelineError(types.KindTransientDelivery, stageSplit, "unable to size split copy", err))
	}
	if err := h.queue.HandleSplit(ctx, copies, size); err != nil {
		return false, types.Fail(types.NewPipelineError(types.KindTransientDelivery, stageSplit, "Error while splitting the message", err))
	}
	logger.Info("message split", "copies", len(copies), "copy_size", size)
	return true, types.Continue()
}

// deliver resolves the feeds, sends one copy per feed and recycles feeds.
// Zero feeds is a successful delivery.
func (h *Handler) deliver(ctx context.Context, env *types.Envelope, m *telemetry.Record, logger types.Logger) types.StageResult {
	payload := env.Data.Payload

	start := h.clock.Now()
	lookup, err := h.feeds.FetchFeeds(ctx, payload, payload.DistributionList)
	m.SetLatency(telemetry.LatencyFetchFeeds, h.clock.Now().Sub(start))
	if err != nil {
		return types.Fail(types.NewPipelineError(types.KindTransientDelivery, stageFetchFeeds, "Error while fetching feeds", err))
	}
	m.SetNumberOfFetchedFeeds(len(lookup.Feeds))

	start = h.clock.Now()
	results, err := h.queue.FanoutMessage(ctx, env.Data, lookup.Feeds, payload.PodID)
	if err == nil {
		var tolerated int
		tolerated, err = types.FirstDeliveryFailure(results)
		if tolerated > 0 {
			logger.Warn("feed queues no longer exist", "count", tolerated)
		}
	}
	m.SetLatency(telemetry.LatencyFanout, h.clock.Now().Sub(start))
	if err != nil {
		return types.Fail(types.NewPipelineError(types.KindTransientDelivery, stageFanout, "Fanout not processed for all feeds", err))
	}
	if !validation.IsTypingOrPresence(payload.PayloadType) {
		logger.Info("audit: message delivered", "feeds", len(lookup.Feeds))
	}

	if lookup.NeedsRecycling() {
		start = h.clock.Now()
		report := h.feeds.RecyclingFeeds(ctx, lookup.ToStale, lookup.ToReuse, lookup.ToDelete, payload.PodID)
		m.SetLatency(telemetry.LatencyRecycling, h.clock.Now().Sub(start))
		m.SetStaleFeeds(len(lookup.ToStale), report.Removed)
		logger.Debug("feeds recycled", "staled", report.Staled, "reused", report.Reused, "removed", report.Removed)
	}
	return types.Done()
}
