package telemetry

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestRecord_SetPayloadTypeCollapsesMaestro(t *testing.T) {
	r := NewRecord(time.Now())

	r.SetPayloadType("com.symphony.s2.model.chat.MaestroMessage.CREATE_IM")
	if r.PayloadType != maestroTypePrefix {
		t.Errorf("PayloadType = %q, want %q", r.PayloadType, maestroTypePrefix)
	}

	r.SetPayloadType("com.symphony.s2.model.chat.SocialMessage")
	if r.PayloadType != "com.symphony.s2.model.chat.SocialMessage" {
		t.Errorf("PayloadType = %q", r.PayloadType)
	}
}

func TestRecord_TimingsInMilliseconds(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	r := NewRecord(start)

	r.SetInterArrivalTime(start.Add(-250 * time.Millisecond))
	r.SetLatency(LatencyFanout, 42*time.Millisecond)
	r.SetHop(HopSentToSqsToRcv, 3*time.Second)
	r.Complete(start.Add(1500*time.Millisecond), true)

	if *r.InterArrivalTime != 250 {
		t.Errorf("InterArrivalTime = %d, want 250", *r.InterArrivalTime)
	}
	if r.InternalLatency[LatencyFanout] != 42 {
		t.Errorf("fanout latency = %d, want 42", r.InternalLatency[LatencyFanout])
	}
	if r.Hops[HopSentToSqsToRcv] != 3000 {
		t.Errorf("hop = %d, want 3000", r.Hops[HopSentToSqsToRcv])
	}
	if r.Hops[HopInternalProcessed] != 1500 {
		t.Errorf("internal processing = %d, want 1500", r.Hops[HopInternalProcessed])
	}
	if r.IsProcessedWithNoErrors == nil || !*r.IsProcessedWithNoErrors {
		t.Error("IsProcessedWithNoErrors should be true")
	}
}

func TestRecord_UnsetFieldsAreOmitted(t *testing.T) {
	r := NewRecord(time.Now())
	r.SetIsBroadcast(false)

	data, err := json.Marshal(r)
	if err != nil {
		t.Fatalf("Marshal returned error: %v", err)
	}
	out := string(data)
	if !strings.Contains(out, `"isBroadcast":false`) {
		t.Errorf("explicit false should be exported: %s", out)
	}
	for _, absent := range []string{"isMessageSplit", "vlm", "interArrivalTime"} {
		if strings.Contains(out, absent) {
			t.Errorf("%s should be omitted when unset: %s", absent, out)
		}
	}
}

func TestRecord_VLMFieldsShareOneSection(t *testing.T) {
	r := NewRecord(time.Now())
	r.SetLatencyToGetPayloadFromS3(12 * time.Millisecond)
	r.SetCacheResults(CacheResult{IsActivated: true, IsAvailable: true, Type: "redis"})

	if r.VLM == nil || r.VLM.LatencyToGetPayloadFromS3 == nil || *r.VLM.LatencyToGetPayloadFromS3 != 12 {
		t.Fatalf("unexpected VLM section: %+v", r.VLM)
	}
	if !r.VLM.Cache.IsActivated || r.VLM.Cache.Type != "redis" {
		t.Errorf("cache results lost: %+v", r.VLM.Cache)
	}
}
