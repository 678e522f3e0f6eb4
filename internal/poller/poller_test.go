package poller

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fanout/internal/types"
)

// --- Mock SQS ---

type mockSQS struct {
	mu         sync.Mutex
	batches    [][]sqstypes.Message
	receiveErr error
	received   []*sqs.ReceiveMessageInput
	deleted    []string
	deleteFail bool
}

func (m *mockSQS) ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.received = append(m.received, params)
	if m.receiveErr != nil {
		return nil, m.receiveErr
	}
	if len(m.batches) == 0 {
		return &sqs.ReceiveMessageOutput{}, ctx.Err()
	}
	next := m.batches[0]
	m.batches = m.batches[1:]
	return &sqs.ReceiveMessageOutput{Messages: next}, nil
}

func (m *mockSQS) DeleteMessageBatch(_ context.Context, params *sqs.DeleteMessageBatchInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageBatchOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := &sqs.DeleteMessageBatchOutput{}
	for _, e := range params.Entries {
		if m.deleteFail {
			out.Failed = append(out.Failed, sqstypes.BatchResultErrorEntry{Id: e.Id})
			continue
		}
		m.deleted = append(m.deleted, aws.ToString(e.ReceiptHandle))
	}
	return out, nil
}

// --- Mock Consumer ---

type mockConsumer struct {
	mu      sync.Mutex
	batches [][]types.InboundRecord
	err     error
}

func (m *mockConsumer) Consume(_ context.Context, records []types.InboundRecord) ([]types.PipelineOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batches = append(m.batches, records)
	if m.err != nil {
		return nil, m.err
	}
	out := make([]types.PipelineOutcome, len(records))
	for i, r := range records {
		out[i] = types.PipelineOutcome{MessageID: r.ID, IsProcessed: true}
	}
	return out, nil
}

func message(id string) sqstypes.Message {
	return sqstypes.Message{
		MessageId:     aws.String(id),
		ReceiptHandle: aws.String("rh-" + id),
		Body:          aws.String(`{"payload":"e30="}`),
		Attributes:    map[string]string{"SentTimestamp": "1700000000000"},
		MessageAttributes: map[string]sqstypes.MessageAttributeValue{
			"retries": {DataType: aws.String("Number"), StringValue: aws.String("1")},
		},
	}
}

func TestPoller_PollOnceDeletesConsumedBatch(t *testing.T) {
	client := &mockSQS{batches: [][]sqstypes.Message{{message("a"), message("b")}}}
	consumer := &mockConsumer{}
	p := New(client, consumer, Config{QueueURL: "q", WaitTime: 20 * time.Second}, types.NopLogger{})

	n, err := p.PollOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.Len(t, consumer.batches, 1)
	rec := consumer.batches[0][0]
	assert.Equal(t, "a", rec.ID)
	assert.Equal(t, "1700000000000", rec.Attributes["SentTimestamp"])
	assert.Equal(t, "1", rec.Attributes["retries"])
	assert.Equal(t, []string{"rh-a", "rh-b"}, client.deleted)

	in := client.received[0]
	assert.Equal(t, int32(20), in.WaitTimeSeconds)
	assert.Equal(t, int32(10), in.MaxNumberOfMessages)
}

func TestPoller_ConsumeFailureKeepsMessages(t *testing.T) {
	client := &mockSQS{batches: [][]sqstypes.Message{{message("a")}}}
	consumer := &mockConsumer{err: errors.New("push back failed")}
	p := New(client, consumer, Config{QueueURL: "q"}, types.NopLogger{})

	_, err := p.PollOnce(context.Background())
	require.Error(t, err)
	assert.Empty(t, client.deleted)
}

func TestPoller_EmptyReceive(t *testing.T) {
	consumer := &mockConsumer{}
	p := New(&mockSQS{}, consumer, Config{QueueURL: "q"}, types.NopLogger{})

	n, err := p.PollOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, consumer.batches)
}

func TestPoller_DeleteFailure(t *testing.T) {
	client := &mockSQS{batches: [][]sqstypes.Message{{message("a")}}, deleteFail: true}
	p := New(client, &mockConsumer{}, Config{QueueURL: "q"}, types.NopLogger{})

	_, err := p.PollOnce(context.Background())
	assert.ErrorContains(t, err, "1 of 1 entries failed")
}

func TestPoller_RunStopsOnCancel(t *testing.T) {
	client := &mockSQS{receiveErr: errors.New("throttled")}
	p := New(client, &mockConsumer{}, Config{QueueURL: "q", ErrorBackoff: time.Millisecond}, types.NopLogger{})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("poller did not stop")
	}
	client.mu.Lock()
	defer client.mu.Unlock()
	assert.NotEmpty(t, client.received)
}
