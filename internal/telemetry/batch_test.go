package telemetry

import (
	"sync"
	"testing"
	"time"

	"fanout/internal/types"
)

func TestBatch_ConcurrentAppend(t *testing.T) {
	start := time.Now()
	b := NewBatch("host-1", start)
	b.SetBatchSize(50)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.Append(NewRecord(start))
		}()
	}
	wg.Wait()
	b.Close(start.Add(2 * time.Second))

	snap := b.Snapshot()
	if len(snap.Metrics) != 50 {
		t.Errorf("len(Metrics) = %d, want 50", len(snap.Metrics))
	}
	if snap.BatchSize != 50 {
		t.Errorf("BatchSize = %d, want 50", snap.BatchSize)
	}
	if snap.TotalElapsedTime != 2000 {
		t.Errorf("TotalElapsedTime = %d, want 2000", snap.TotalElapsedTime)
	}
	if snap.Service != types.ServiceName || snap.Hostname != "host-1" {
		t.Errorf("unexpected identity: %+v", snap)
	}
}

func TestBatch_PodIDDefaultsToUnknown(t *testing.T) {
	b := NewBatch("h", time.Now())
	if got := b.Snapshot().PodID; got != "unknown" {
		t.Errorf("PodID = %q, want unknown", got)
	}

	b.SetPodID("")
	if got := b.Snapshot().PodID; got != "unknown" {
		t.Errorf("empty pod id should be ignored, got %q", got)
	}

	b.SetPodID("196")
	if got := b.Snapshot().PodID; got != "196" {
		t.Errorf("PodID = %q, want 196", got)
	}
}
