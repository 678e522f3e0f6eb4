package fanout

import (
	"context"
	"errors"
	"sync"

	"fanout/internal/telemetry"
	"fanout/internal/types"
)

// offloadVLM strips the inner payload of a message that would not fit on
// the queues, writing it to every replica key of the cache first. Cache
// failures are logged and never change the verdict.
func (h *Handler) offloadVLM(ctx context.Context, env *types.Envelope, logger types.Logger) telemetry.CacheResult {
	res := telemetry.CacheResult{Type: h.cfg.CacheType, IsAvailable: h.cache != nil}
	payload := env.Data.Payload

	size, err := h.splitter.EffectiveSize(env.Data)
	if err != nil {
		logger.Warn("unable to size very large message", "error", err)
		return res
	}
	if h.cfg.VLMCutoffBytes <= 0 || size <= h.cfg.VLMCutoffBytes {
		logger.Debug("payload can be sent within the message", "size", size)
		return res
	}

	switch {
	case h.cache == nil || h.keys == nil:
		logger.Debug("cannot cache very large message: cache not available")
	case !payload.HasBody():
		res.IsActivated = true
		logger.Info("cannot cache very large message: empty payload")
	default:
		res.IsActivated = true
		start := h.clock.Now()
		err := h.replicate(ctx, h.keys(env.Data, env.ID), string(payload.Body))
		latency := h.clock.Now().Sub(start).Milliseconds()
		res.LatencyToSetPayloadIntoCache = &latency
		if err != nil {
			logger.Warn("cannot cache very large message",
				"error", types.NewPipelineError(types.KindBestEffort, stageVLM, "cache write failed", err).Error())
		}
	}

	payload.Body = nil
	logger.Info("very large payload removed from message", "size", size, "cutoff", h.cfg.VLMCutoffBytes)
	return res
}

// replicate writes value under every key concurrently and joins the failures.
func (h *Handler) replicate(ctx context.Context, keys []string, value string) error {
	errs := make([]error, len(keys))
	var wg sync.WaitGroup
	for i, key := range keys {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = h.cache.Set(ctx, key, value, h.cfg.CacheItemTTL)
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}
