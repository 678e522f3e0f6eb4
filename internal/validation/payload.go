// Package validation decides whether a decoded payload may be fanned out.
package validation

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"fanout/internal/types"
)

// MaestroEventPrefix marks room and stream lifecycle events.
const MaestroEventPrefix = "com.symphony.s2.model.chat.MaestroMessage."

// Payload types that are only audited, never dropped.
const (
	TypingPayloadType   = "com.symphony.s2.model.chat.Typing"
	PresencePayloadType = "com.symphony.s2.model.presence.Presence"
)

const joinRoomEvent = "JOIN_ROOM"

var allowedMaestroEvents = map[string]struct{}{
	"INSTANT_CHAT":                  {},
	"CREATE_IM":                     {},
	"DEACTIVATE_IM":                 {},
	"JOIN_ROOM":                     {},
	"JOIN_ROOM_REJECTED":            {},
	"ACTIVATE_ROOM":                 {},
	"REACTIVATE_ROOM":               {},
	"CREATE_ROOM":                   {},
	"LEAVE_ROOM":                    {},
	"DEACTIVATE_ROOM":               {},
	"MEMBER_MODIFIED":               {},
	"UPDATE_ROOM":                   {},
	"UPDATE_STREAM":                 {},
	"IGNORE_ROOM_REQUEST":           {},
	"ROOM_REQUEST":                  {},
	"PROMOTE_TO_PERSISTENT":         {},
	"CHANNEL_DELETE":                {},
	"CHANNEL_CREATE":                {},
	"CHANNEL_UPDATE":                {},
	"CHANNEL_SUBSCRIBE":             {},
	"CHANNEL_UNSUBSCRIBE":           {},
	"FILTER_UPDATE":                 {},
	"FILTER_DELETE":                 {},
	"FILTER_CREATE":                 {},
	"CONNECTION_REQUEST_ALERT":      {},
	"MESSAGE_SUPPRESSION":           {},
	"INITIATE_SCREENSHARING":        {},
	"STOP_SCREENSHARING":            {},
	"JOIN_SCREENSHARING":            {},
	"LEAVE_SCREENSHARING":           {},
	"INITIATE_SWITCH_SCREENSHARING": {},
	"CANCEL_SWITCH_SCREENSHARING":   {},
	"SWITCH_SCREENSHARING":          {},
	"ENABLED_EMAIL_INTEGRATION":     {},
	"DISABLED_EMAIL_INTEGRATION":    {},
	"MALWARE_SCAN_STATE_UPDATE":     {},
	"STREAM_INVITATION":             {},
}

// Result is the allow-list decision for one payload.
type Result struct {
	Allowed bool
	Reason  string
}

// innerEvent is the subset of a Maestro event body read by the allow-list.
type innerEvent struct {
	Payload struct {
		Pending   bool            `json:"pending"`
		Type      string          `json:"_type"`
		MessageID json.RawMessage `json:"messageId"`
	} `json:"payload"`
}

// ValidatePayloadType applies the Maestro allow-list. Payload types outside the
// Maestro family are always allowed.
func ValidatePayloadType(payload *types.Payload, payloadType string) Result {
	idx := strings.Index(payloadType, MaestroEventPrefix)
	if idx < 0 {
		return Result{Allowed: true}
	}
	event := payloadType[idx+len(MaestroEventPrefix):]

	inner := decodeInner(payload)
	_, allowed := allowedMaestroEvents[event]
	ignored := event == joinRoomEvent && inner.Payload.Pending
	if allowed && !ignored {
		return Result{Allowed: true}
	}

	eventType := inner.Payload.Type
	if eventType == "" {
		eventType = "N/A"
	}
	messageID := strings.Trim(string(inner.Payload.MessageID), `"`)
	if messageID == "" {
		messageID = "N/A"
	}
	return Result{
		Allowed: false,
		Reason: fmt.Sprintf("Invalid message: Event not allowed or should be ignored - Maestro- type=%s messageId=%s",
			eventType, messageID),
	}
}

// decodeInner reads the event body leniently; a body that does not match the
// Maestro shape simply yields zero values.
func decodeInner(payload *types.Payload) innerEvent {
	var inner innerEvent
	if payload == nil || !payload.HasBody() {
		return inner
	}
	_ = json.Unmarshal(payload.Body, &inner)
	return inner
}

// IsTypingOrPresence reports whether the payload type is a typing or presence signal.
func IsTypingOrPresence(payloadType string) bool {
	return payloadType == TypingPayloadType || payloadType == PresencePayloadType
}

// requiredFields lists the members every payload must carry.
type requiredFields struct {
	PayloadType string `validate:"required"`
	PodID       string `validate:"required"`
}

// Validator checks the mandatory payload members.
type Validator struct {
	v *validator.Validate
}

// New creates a Validator.
func New() *Validator {
	return &Validator{v: validator.New(validator.WithRequiredStructEnabled())}
}

// CheckRequired returns a descriptive error naming the first missing member.
func (val *Validator) CheckRequired(payload *types.Payload) error {
	if payload == nil {
		return errors.New("Missing payload")
	}
	err := val.v.Struct(requiredFields{
		PayloadType: payload.PayloadType,
		PodID:       string(payload.PodID),
	})
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		switch verrs[0].Field() {
		case "PayloadType":
			return errors.New("Missing payloadType")
		case "PodID":
			return errors.New("Missing podId")
		}
	}
	return fmt.Errorf("payload validation: %w", err)
}
