package telemetry

import (
	"sync"
	"time"

	"fanout/internal/types"
)

const unknownPod = "unknown"

// Batch aggregates the records of one Consume call. Records are appended
// concurrently by the per-message pipelines.
type Batch struct {
	mu        sync.Mutex
	hostname  string
	podID     string
	batchSize int
	records   []*Record
	createdAt time.Time
	elapsed   time.Duration
}

// Snapshot is the exported form of a Batch.
type Snapshot struct {
	Hostname         string    `json:"hostname"`
	Service          string    `json:"service"`
	PodID            string    `json:"podId"`
	BatchSize        int       `json:"batchSize"`
	Metrics          []*Record `json:"metrics"`
	TotalElapsedTime int64     `json:"totalElapsedTime"`
}

// NewBatch starts a batch at the given time.
func NewBatch(hostname string, createdAt time.Time) *Batch {
	return &Batch{
		hostname:  hostname,
		podID:     unknownPod,
		createdAt: createdAt,
	}
}

func (b *Batch) CreatedAt() time.Time { return b.createdAt }

func (b *Batch) SetBatchSize(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.batchSize = n
}

// SetPodID labels the batch with the pod of a validated message.
func (b *Batch) SetPodID(podID types.ID) {
	if podID == "" {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.podID = string(podID)
}

// Append adds a finished record.
func (b *Batch) Append(r *Record) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.records = append(b.records, r)
}

// Close stamps the total elapsed time.
func (b *Batch) Close(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.elapsed = now.Sub(b.createdAt)
}

// Snapshot copies the batch for export.
func (b *Batch) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		Hostname:         b.hostname,
		Service:          types.ServiceName,
		PodID:            b.podID,
		BatchSize:        b.batchSize,
		Metrics:          append([]*Record(nil), b.records...),
		TotalElapsedTime: b.elapsed.Milliseconds(),
	}
}
