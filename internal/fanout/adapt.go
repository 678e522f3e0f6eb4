package fanout

import (
	"bytes"
	"encoding/json"
	"time"

	"fanout/internal/types"
)

// Stage names used in PipelineError and logs.
const (
	stageAdapt      = "adapt"
	stageParse      = "parse"
	stageValidate   = "validate"
	stageVLM        = "vlm"
	stageBroadcast  = "broadcast"
	stageSplit      = "split"
	stageFetchFeeds = "fetchFeeds"
	stageFanout     = "fanout"
)

// Adapt normalizes a transport record. Records without an id or body fail
// structurally. A body that is not JSON yields an unparseable envelope, which
// the pipeline acknowledges without processing.
func Adapt(rec types.InboundRecord, receivedAt time.Time) (*types.Envelope, types.StageResult) {
	env := &types.Envelope{
		ID:         rec.ID,
		Attributes: rec.Attributes,
		ReceivedAt: receivedAt,
	}
	if rec.ID == "" || rec.Body == "" {
		env.Form = types.FormUnparseable
		return env, types.Fail(types.NewPipelineError(types.KindStructural, stageAdapt,
			"record has no message id or body", nil))
	}

	var members map[string]json.RawMessage
	if err := json.Unmarshal([]byte(rec.Body), &members); err != nil {
		env.Form = types.FormUnparseable
		return env, types.Continue()
	}

	if wrapped, ok := members["Message"]; ok {
		var inner string
		if err := json.Unmarshal(wrapped, &inner); err != nil {
			env.Form = types.FormUnparseable
			return env, types.Continue()
		}
		env.Form = types.FormWrapped
		env.Raw = []byte(inner)
		return env, types.Continue()
	}

	var data types.EventData
	if err := json.Unmarshal([]byte(rec.Body), &data); err != nil {
		env.Form = types.FormUnparseable
		return env, types.Continue()
	}
	env.Form = types.FormDirect
	env.Data = &data
	return env, types.Continue()
}

// decodeWrapped decodes the event data carried inside a transport wrapper.
func decodeWrapped(raw []byte) (*types.EventData, error) {
	var data types.EventData
	if err := json.Unmarshal(bytes.TrimSpace(raw), &data); err != nil {
		return nil, err
	}
	return &data, nil
}
