// Package poller feeds the fan-out handler from a long-polling SQS loop when
// the service runs as a container instead of a Lambda trigger.
package poller

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"fanout/internal/types"
)

// SQSAPI is the subset of the SQS client used by the poller.
type SQSAPI interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessageBatch(ctx context.Context, params *sqs.DeleteMessageBatchInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageBatchOutput, error)
}

// Consumer processes one received batch.
type Consumer interface {
	Consume(ctx context.Context, records []types.InboundRecord) ([]types.PipelineOutcome, error)
}

// Config tunes the receive loop.
type Config struct {
	QueueURL    string
	WaitTime    time.Duration
	MaxMessages int32
	// ErrorBackoff is the pause after a failed receive.
	ErrorBackoff time.Duration
}

// Poller receives batches and deletes them once the consumer accepts them.
// A batch the consumer rejects is left on the queue and comes back after the
// visibility timeout.
type Poller struct {
	client   SQSAPI
	consumer Consumer
	cfg      Config
	logger   types.Logger
}

// New creates a Poller.
func New(client SQSAPI, consumer Consumer, cfg Config, logger types.Logger) *Poller {
	if cfg.MaxMessages <= 0 || cfg.MaxMessages > 10 {
		cfg.MaxMessages = 10
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = time.Second
	}
	return &Poller{client: client, consumer: consumer, cfg: cfg, logger: logger}
}

// Run polls until ctx is cancelled. Receive and consume failures are logged
// and the loop goes on.
func (p *Poller) Run(ctx context.Context) error {
	p.logger.Info("poller started", "queue_url", p.cfg.QueueURL, "max_messages", p.cfg.MaxMessages)
	for {
		if ctx.Err() != nil {
			p.logger.Info("poller stopped")
			return nil
		}
		if _, err := p.PollOnce(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				continue
			}
			p.logger.Error("poll failed", "error", err)
			select {
			case <-ctx.Done():
			case <-time.After(p.cfg.ErrorBackoff):
			}
		}
	}
}

// PollOnce runs one receive, consume and delete cycle and returns the number
// of messages received.
func (p *Poller) PollOnce(ctx context.Context) (int, error) {
	out, err := p.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:                    aws.String(p.cfg.QueueURL),
		MaxNumberOfMessages:         p.cfg.MaxMessages,
		WaitTimeSeconds:             int32(p.cfg.WaitTime / time.Second),
		MessageSystemAttributeNames: []sqstypes.MessageSystemAttributeName{sqstypes.MessageSystemAttributeNameAll},
		MessageAttributeNames:       []string{"All"},
	})
	if err != nil {
		return 0, fmt.Errorf("poller: receive: %w", err)
	}
	if len(out.Messages) == 0 {
		return 0, nil
	}

	records := make([]types.InboundRecord, len(out.Messages))
	for i, msg := range out.Messages {
		records[i] = ToRecord(msg)
	}
	if _, err := p.consumer.Consume(ctx, records); err != nil {
		return len(records), fmt.Errorf("poller: consume %d messages: %w", len(records), err)
	}
	return len(records), p.delete(ctx, out.Messages)
}

func (p *Poller) delete(ctx context.Context, msgs []sqstypes.Message) error {
	entries := make([]sqstypes.DeleteMessageBatchRequestEntry, len(msgs))
	for i, msg := range msgs {
		entries[i] = sqstypes.DeleteMessageBatchRequestEntry{
			Id:            aws.String(strconv.Itoa(i)),
			ReceiptHandle: msg.ReceiptHandle,
		}
	}
	out, err := p.client.DeleteMessageBatch(ctx, &sqs.DeleteMessageBatchInput{
		QueueUrl: aws.String(p.cfg.QueueURL),
		Entries:  entries,
	})
	if err != nil {
		return fmt.Errorf("poller: delete: %w", err)
	}
	if len(out.Failed) > 0 {
		return fmt.Errorf("poller: delete: %d of %d entries failed", len(out.Failed), len(entries))
	}
	return nil
}

// ToRecord converts a received message. System attributes such as
// SentTimestamp and string message attributes share one map.
func ToRecord(msg sqstypes.Message) types.InboundRecord {
	attrs := make(map[string]string, len(msg.Attributes)+len(msg.MessageAttributes))
	for k, v := range msg.MessageAttributes {
		if v.StringValue != nil {
			attrs[k] = *v.StringValue
		}
	}
	for k, v := range msg.Attributes {
		attrs[k] = v
	}
	return types.InboundRecord{
		ID:         aws.ToString(msg.MessageId),
		Body:       aws.ToString(msg.Body),
		Attributes: attrs,
	}
}
