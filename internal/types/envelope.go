package types

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Broadcast and feed key conventions shared by producers and feed consumers.
const (
	BroadcastAll = "ALL"

	FeedKeyUserPrefix = "mt:df:f:u:"
	FeedKeyPodPrefix  = "mt:df:f:p:"

	// UserIDWidth is the digit count reserved for a user id when sizing a
	// distribution list that will be rewritten into feed keys.
	UserIDWidth = 14
)

// InboundRecord is one message as delivered by the transport.
type InboundRecord struct {
	ID         string
	Body       string
	Attributes map[string]string
}

// EnvelopeForm tells how the record body was shaped.
type EnvelopeForm int

const (
	// FormDirect bodies are the event data object itself.
	FormDirect EnvelopeForm = iota
	// FormWrapped bodies carry the event data as a string under "Message".
	FormWrapped
	// FormUnparseable bodies could not be read as JSON.
	FormUnparseable
)

func (f EnvelopeForm) String() string {
	switch f {
	case FormDirect:
		return "direct"
	case FormWrapped:
		return "wrapped"
	default:
		return "unparseable"
	}
}

// Origin tells where the payload of an envelope came from.
type Origin int

const (
	// OriginFirstSeen payloads were inlined by the producer.
	OriginFirstSeen Origin = iota
	// OriginObjectStore payloads were too large to inline and live in the object store.
	OriginObjectStore
	// OriginReInserted envelopes are split copies or retries put back by this service.
	OriginReInserted
)

func (o Origin) String() string {
	switch o {
	case OriginFirstSeen:
		return "first_seen"
	case OriginObjectStore:
		return "object_store"
	default:
		return "reinserted"
	}
}

// Envelope is the normalized form of an InboundRecord.
type Envelope struct {
	ID         string
	Form       EnvelopeForm
	Origin     Origin
	Attributes map[string]string
	ReceivedAt time.Time

	// Raw is the still-encoded event data of a wrapped record.
	Raw []byte
	// Data is nil until the record body has been decoded.
	Data *EventData
}

// IsRawTransportWrapper reports whether the body arrived inside a transport wrapper.
func (e *Envelope) IsRawTransportWrapper() bool {
	return e.Form == FormWrapped
}

// SentAt returns the transport send time carried in the record attributes.
func (e *Envelope) SentAt() (time.Time, bool) {
	return Timestamp(e.Attributes["SentTimestamp"]).Time()
}

var eventDataKeys = keySet("payload", "originalMessageId", "isSplit", "retries", "s3BucketName", "s3Key")

// EventData is the decoded message body. Members this service does not
// interpret are kept in Extra and written back on re-encode.
type EventData struct {
	Payload           *Payload
	OriginalMessageID string
	IsSplit           bool
	Retries           int
	S3BucketName      string
	S3Key             string

	// RawPayload holds the payload member exactly as received until it is decoded.
	RawPayload json.RawMessage
	Extra      map[string]json.RawMessage
}

type eventDataWire struct {
	Payload           json.RawMessage `json:"payload,omitempty"`
	OriginalMessageID string          `json:"originalMessageId,omitempty"`
	IsSplit           bool            `json:"isSplit,omitempty"`
	Retries           int             `json:"retries,omitempty"`
	S3BucketName      string          `json:"s3BucketName,omitempty"`
	S3Key             string          `json:"s3Key,omitempty"`
}

func (d *EventData) UnmarshalJSON(b []byte) error {
	if bytes.Equal(bytes.TrimSpace(b), []byte("null")) {
		return nil
	}
	var w eventDataWire
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	extra, err := splitExtra(b, eventDataKeys)
	if err != nil {
		return err
	}
	*d = EventData{
		OriginalMessageID: w.OriginalMessageID,
		IsSplit:           w.IsSplit,
		Retries:           w.Retries,
		S3BucketName:      w.S3BucketName,
		S3Key:             w.S3Key,
		RawPayload:        w.Payload,
		Extra:             extra,
	}
	return nil
}

func (d EventData) MarshalJSON() ([]byte, error) {
	w := eventDataWire{
		Payload:           d.RawPayload,
		OriginalMessageID: d.OriginalMessageID,
		IsSplit:           d.IsSplit,
		Retries:           d.Retries,
		S3BucketName:      d.S3BucketName,
		S3Key:             d.S3Key,
	}
	if d.Payload != nil {
		p, err := MarshalCompact(d.Payload)
		if err != nil {
			return nil, err
		}
		w.Payload = p
	}
	return mergeExtra(w, d.Extra)
}

// HasInlinePayload reports whether the producer put a payload in the body.
func (d *EventData) HasInlinePayload() bool {
	raw := bytes.TrimSpace(d.RawPayload)
	return len(raw) > 0 && !bytes.Equal(raw, []byte("null"))
}

// DecodeInlinePayload decodes a base64 JSON payload into Payload.
func (d *EventData) DecodeInlinePayload() error {
	var encoded string
	if err := json.Unmarshal(d.RawPayload, &encoded); err != nil {
		return fmt.Errorf("payload is not a base64 string: %w", err)
	}
	p, err := DecodeBase64Payload(encoded)
	if err != nil {
		return err
	}
	d.Payload = p
	return nil
}

// DecodeObjectPayload decodes a payload that was re-inserted as a JSON object.
func (d *EventData) DecodeObjectPayload() error {
	if !d.HasInlinePayload() {
		return errors.New("re-inserted message has no payload")
	}
	var p Payload
	if err := json.Unmarshal(d.RawPayload, &p); err != nil {
		return fmt.Errorf("decode re-inserted payload: %w", err)
	}
	d.Payload = &p
	return nil
}

// Clone returns a copy that can be mutated without touching d.
// Extra members and the inner body are shared since they are never mutated in place.
func (d *EventData) Clone() *EventData {
	c := *d
	if d.Payload != nil {
		p := *d.Payload
		p.DistributionList = append([]ID(nil), d.Payload.DistributionList...)
		c.Payload = &p
	}
	return &c
}

// DecodeBase64Payload decodes a base64 string holding a JSON payload object.
func DecodeBase64Payload(encoded string) (*Payload, error) {
	raw, err := decodeBase64(strings.TrimSpace(encoded))
	if err != nil {
		return nil, fmt.Errorf("payload base64: %w", err)
	}
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("payload json: %w", err)
	}
	return &p, nil
}

// decodeBase64 accepts padded and unpadded standard or URL-safe alphabets.
func decodeBase64(s string) ([]byte, error) {
	encodings := []*base64.Encoding{
		base64.StdEncoding,
		base64.RawStdEncoding,
		base64.URLEncoding,
		base64.RawURLEncoding,
	}
	var firstErr error
	for _, enc := range encodings {
		b, err := enc.DecodeString(s)
		if err == nil {
			return b, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return nil, firstErr
}

var payloadKeys = keySet("payloadType", "podId", "distributionList", "broadcast",
	"expirationDate", "createdDate", "notificationDate", "payload")

// Payload is the decoded business payload of an event.
type Payload struct {
	PayloadType      string          `json:"payloadType,omitempty"`
	PodID            ID              `json:"podId,omitempty"`
	DistributionList []ID            `json:"distributionList,omitempty"`
	Broadcast        json.RawMessage `json:"broadcast,omitempty"`
	ExpirationDate   Timestamp       `json:"expirationDate,omitempty"`
	CreatedDate      Timestamp       `json:"createdDate,omitempty"`
	NotificationDate Timestamp       `json:"notificationDate,omitempty"`
	// Body is the inner payload. It is encoded as null once offloaded to the cache.
	Body json.RawMessage `json:"payload"`

	Extra map[string]json.RawMessage `json:"-"`
}

type payloadWire Payload

func (p *Payload) UnmarshalJSON(b []byte) error {
	if bytes.Equal(bytes.TrimSpace(b), []byte("null")) {
		return nil
	}
	var w payloadWire
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	extra, err := splitExtra(b, payloadKeys)
	if err != nil {
		return err
	}
	*p = Payload(w)
	p.Extra = extra
	return nil
}

func (p Payload) MarshalJSON() ([]byte, error) {
	return mergeExtra(payloadWire(p), p.Extra)
}

// IsBroadcast reports whether the payload targets every user of its pod.
func (p *Payload) IsBroadcast() bool {
	var mode string
	if err := json.Unmarshal(p.Broadcast, &mode); err != nil {
		return false
	}
	return mode == BroadcastAll
}

// HasBody reports whether an inner payload is still present.
func (p *Payload) HasBody() bool {
	raw := bytes.TrimSpace(p.Body)
	return len(raw) > 0 && !bytes.Equal(raw, []byte("null"))
}

// Feed is a per-user delivery target.
type Feed struct {
	FeedID   string `json:"feedId"`
	UserID   ID     `json:"userId"`
	FeedsKey string `json:"feedsKey"`
}

// FeedLookup is the classification of the feeds registered for a distribution list.
type FeedLookup struct {
	Feeds    []Feed
	ToDelete []Feed
	ToStale  []Feed
	ToReuse  []Feed
}

// NeedsRecycling reports whether any feed needs maintenance after delivery.
func (l *FeedLookup) NeedsRecycling() bool {
	return len(l.ToDelete) > 0 || len(l.ToStale) > 0 || len(l.ToReuse) > 0
}

// SettledResult is the outcome of delivering to one feed.
type SettledResult struct {
	Feed Feed
	Err  error
}

// FirstDeliveryFailure reduces per-feed outcomes. It returns the number of
// tolerated failures (missing queues) and the first failure that is not tolerated.
func FirstDeliveryFailure(results []SettledResult) (tolerated int, err error) {
	for _, r := range results {
		if r.Err == nil {
			continue
		}
		if errors.Is(r.Err, ErrNonexistentQueue) {
			tolerated++
			continue
		}
		if err == nil {
			err = fmt.Errorf("feed %s: %w", r.Feed.FeedID, r.Err)
		}
	}
	return tolerated, err
}

// PipelineOutcome is what Consume reports for each record it handled.
type PipelineOutcome struct {
	MessageID   string `json:"messageId"`
	IsProcessed bool   `json:"isProcessed"`
}
