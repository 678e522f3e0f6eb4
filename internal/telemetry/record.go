// Package telemetry collects per-message metrics and groups them per batch.
package telemetry

import (
	"strings"
	"time"
)

// maestroTypePrefix groups every Maestro event under one payload type in metrics.
const maestroTypePrefix = "com.symphony.s2.model.chat.MaestroMessage"

// Values of messageGeneratedBy.
const (
	GeneratedByProducer = "sbe"
	GeneratedByFanout   = "df2-fanout"
)

// Hop and latency keys.
const (
	HopSbeToS2Fwd        = "sbeToS2FwdElapsedTime"
	HopS2FwdToSentToSqs  = "s2FwdToSentToSqsElapsedTime"
	HopSentToSqsToRcv    = "sentToSqsToRcvByDf2FanoutElapsedTime"
	HopInternalProcessed = "df2FanoutInternalProcessingTime"

	LatencyValidate   = "validate"
	LatencySplit      = "split"
	LatencyFetchFeeds = "fetchFeeds"
	LatencyFanout     = "fanout"
	LatencyPushBack   = "pushback"
	LatencyRecycling  = "recyclingFeeds"
)

// CacheResult describes what happened to a very large payload.
type CacheResult struct {
	IsActivated                  bool   `json:"isActivated"`
	IsAvailable                  bool   `json:"isAvailable"`
	Type                         string `json:"type,omitempty"`
	LatencyToSetPayloadIntoCache *int64 `json:"latencyToSetPayloadIntoCache,omitempty"`
}

// VLM holds the very-large-message measurements.
type VLM struct {
	LatencyToGetPayloadFromS3 *int64      `json:"latencyToGetPayloadFromS3,omitempty"`
	Cache                     CacheResult `json:"cache"`
}

// Record is the metrics of one message. Unset values are omitted on export.
type Record struct {
	MessageGeneratedBy      string           `json:"messageGeneratedBy,omitempty"`
	Hops                    map[string]int64 `json:"hops"`
	InternalLatency         map[string]int64 `json:"internalLatency"`
	StaleFeeds              map[string]int   `json:"staleFeeds"`
	PayloadType             string           `json:"payloadType,omitempty"`
	InterArrivalTime        *int64           `json:"interArrivalTime,omitempty"`
	DistributionListSize    *int             `json:"distributionListSize,omitempty"`
	IsMessageExpired        *bool            `json:"isMessageExpired,omitempty"`
	IsValidMessage          *bool            `json:"isValidMessage,omitempty"`
	IsAllowedMessage        *bool            `json:"isAllowedMessage,omitempty"`
	IsBroadcast             *bool            `json:"isBroadcast,omitempty"`
	IsMessageSplit          *bool            `json:"isMessageSplit,omitempty"`
	NumberOfFetchedFeeds    *int             `json:"numberOfFetchedFeeds,omitempty"`
	RetryProcessingNumber   *int             `json:"retryProcessingNumber,omitempty"`
	IsProcessedWithNoErrors *bool            `json:"isProcessedWithNoErrors,omitempty"`
	VLM                     *VLM             `json:"vlm,omitempty"`

	messageID string
	createdAt time.Time
}

// NewRecord starts a record at the given receive time.
func NewRecord(createdAt time.Time) *Record {
	return &Record{
		Hops:            make(map[string]int64),
		InternalLatency: make(map[string]int64),
		StaleFeeds:      make(map[string]int),
		createdAt:       createdAt,
	}
}

func ptr[T any](v T) *T { return &v }

func (r *Record) CreatedAt() time.Time { return r.createdAt }
func (r *Record) MessageID() string    { return r.messageID }

func (r *Record) SetMessageID(id string)            { r.messageID = id }
func (r *Record) SetGeneratedBy(source string)      { r.MessageGeneratedBy = source }
func (r *Record) SetDistributionListSize(n int)     { r.DistributionListSize = ptr(n) }
func (r *Record) SetIsMessageExpired(v bool)        { r.IsMessageExpired = ptr(v) }
func (r *Record) SetIsValidMessage(v bool)          { r.IsValidMessage = ptr(v) }
func (r *Record) SetIsAllowedMessage(v bool)        { r.IsAllowedMessage = ptr(v) }
func (r *Record) SetIsBroadcast(v bool)             { r.IsBroadcast = ptr(v) }
func (r *Record) SetIsMessageSplit(v bool)          { r.IsMessageSplit = ptr(v) }
func (r *Record) SetNumberOfFetchedFeeds(n int)     { r.NumberOfFetchedFeeds = ptr(n) }
func (r *Record) SetRetryProcessingNumber(n int)    { r.RetryProcessingNumber = ptr(n) }
func (r *Record) SetIsProcessedWithNoErrors(v bool) { r.IsProcessedWithNoErrors = ptr(v) }

// SetPayloadType records the payload type, collapsing all Maestro events into one bucket.
func (r *Record) SetPayloadType(payloadType string) {
	if strings.HasPrefix(payloadType, maestroTypePrefix) {
		payloadType = maestroTypePrefix
	}
	r.PayloadType = payloadType
}

// SetInterArrivalTime records the gap since the previous message reached this process.
func (r *Record) SetInterArrivalTime(previous time.Time) {
	r.InterArrivalTime = ptr(r.createdAt.Sub(previous).Milliseconds())
}

// SetHop records an elapsed time between two pipeline hops.
func (r *Record) SetHop(name string, d time.Duration) {
	r.Hops[name] = d.Milliseconds()
}

// SetLatency records the time spent in one internal step.
func (r *Record) SetLatency(step string, d time.Duration) {
	r.InternalLatency[step] = d.Milliseconds()
}

// SetStaleFeeds records the stale feeds found and removed for the message.
func (r *Record) SetStaleFeeds(detected, deleted int) {
	r.StaleFeeds["detected"] = detected
	r.StaleFeeds["deleted"] = deleted
}

// SetLatencyToGetPayloadFromS3 records the object store fetch time of a very large payload.
func (r *Record) SetLatencyToGetPayloadFromS3(d time.Duration) {
	if r.VLM == nil {
		r.VLM = &VLM{}
	}
	r.VLM.LatencyToGetPayloadFromS3 = ptr(d.Milliseconds())
}

// SetCacheResults records the outcome of the very large payload handling.
func (r *Record) SetCacheResults(res CacheResult) {
	if r.VLM == nil {
		r.VLM = &VLM{}
	}
	r.VLM.Cache = res
}

// Complete stamps the internal processing time and the error flag.
func (r *Record) Complete(now time.Time, noErrors bool) {
	r.SetHop(HopInternalProcessed, now.Sub(r.createdAt))
	r.SetIsProcessedWithNoErrors(noErrors)
}
