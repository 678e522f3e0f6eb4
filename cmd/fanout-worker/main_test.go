package main

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/aws/aws-lambda-go/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fanout/internal/types"
)

// --- Mock Consumer ---

type mockConsumer struct {
	records []types.InboundRecord
	err     error
}

func (m *mockConsumer) Consume(_ context.Context, records []types.InboundRecord) ([]types.PipelineOutcome, error) {
	m.records = records
	if m.err != nil {
		return nil, m.err
	}
	out := make([]types.PipelineOutcome, len(records))
	for i, r := range records {
		out[i] = types.PipelineOutcome{MessageID: r.ID, IsProcessed: true}
	}
	return out, nil
}

func sqsEvent() events.SQSEvent {
	retries := "2"
	return events.SQSEvent{Records: []events.SQSMessage{{
		MessageId:  "m1",
		Body:       `{"payload":"e30="}`,
		Attributes: map[string]string{"SentTimestamp": "1700000000000"},
		MessageAttributes: map[string]events.SQSMessageAttribute{
			"retries": {DataType: "Number", StringValue: &retries},
		},
	}}}
}

func TestHandler_Handle(t *testing.T) {
	consumer := &mockConsumer{}
	h := &Handler{consumer: consumer, logger: types.NopLogger{}}

	resp, err := h.Handle(context.Background(), sqsEvent())
	require.NoError(t, err)
	assert.Empty(t, resp.BatchItemFailures)

	require.Len(t, consumer.records, 1)
	rec := consumer.records[0]
	assert.Equal(t, "m1", rec.ID)
	assert.Equal(t, `{"payload":"e30="}`, rec.Body)
	assert.Equal(t, "1700000000000", rec.Attributes["SentTimestamp"])
	assert.Equal(t, "2", rec.Attributes["retries"])
}

func TestHandler_HandleFailsWholeBatch(t *testing.T) {
	boom := errors.New("push back failed")
	h := &Handler{consumer: &mockConsumer{err: boom}, logger: types.NopLogger{}}

	_, err := h.Handle(context.Background(), sqsEvent())
	assert.ErrorIs(t, err, boom)
}

func TestRunLocal(t *testing.T) {
	consumer := &mockConsumer{}
	h := &Handler{consumer: consumer, logger: types.NopLogger{}}
	in := strings.NewReader(`{"Records":[{"messageId":"m1","body":"{}"}]}`)
	var out bytes.Buffer

	require.NoError(t, runLocal(context.Background(), h, in, &out))
	require.Len(t, consumer.records, 1)
	assert.Equal(t, "m1", consumer.records[0].ID)
	assert.Contains(t, out.String(), "batchItemFailures")
}

func TestRunLocal_BadInput(t *testing.T) {
	h := &Handler{consumer: &mockConsumer{}, logger: types.NopLogger{}}
	err := runLocal(context.Background(), h, strings.NewReader("nope"), &bytes.Buffer{})
	assert.Error(t, err)
}

func TestSlogAdapter_With(t *testing.T) {
	var buf bytes.Buffer
	a := &slogAdapter{logger: newSlogFor(&buf)}
	a.With("message_id", "m1").Info("hello")
	assert.Contains(t, buf.String(), `"message_id":"m1"`)
}

func newSlogFor(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, nil))
}
