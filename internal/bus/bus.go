// Package bus is the messaging side of the fan-out: it pushes messages back
// to the ingestion queue, re-inserts split copies, delivers to per-feed queues
// and publishes pod broadcasts.
package bus

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	snstypes "github.com/aws/aws-sdk-go-v2/service/sns/types"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/aws/smithy-go"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"fanout/internal/telemetry"
	"fanout/internal/types"
)

// SQS limits.
const (
	MaxBatchEntries = 10
	MaxBatchBytes   = 256 * 1024
)

// SQSAPI abstracts the SQS operations used by Bus for testability.
// Production code uses the *sqs.Client from aws-sdk-go-v2.
type SQSAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	SendMessageBatch(ctx context.Context, params *sqs.SendMessageBatchInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageBatchOutput, error)
	DeleteQueue(ctx context.Context, params *sqs.DeleteQueueInput, optFns ...func(*sqs.Options)) (*sqs.DeleteQueueOutput, error)
}

// SNSAPI abstracts the SNS Publish operation.
type SNSAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// Config locates the queues and topics.
type Config struct {
	Region      string
	AccountID   string
	EndpointURL string

	IngestionQueueName string
	TelemetryQueueName string
	FeedQueuePrefix    string
	TopicNamePrefix    string

	// FanoutConcurrency bounds parallel per-feed sends for one message.
	FanoutConcurrency int
}

// Bus implements the queue port of the fan-out handler on SQS and SNS.
type Bus struct {
	sqs    SQSAPI
	sns    SNSAPI
	cfg    Config
	logger types.Logger
}

// New creates a Bus.
func New(sqsClient SQSAPI, snsClient SNSAPI, cfg Config, logger types.Logger) *Bus {
	if cfg.FanoutConcurrency <= 0 {
		cfg.FanoutConcurrency = 16
	}
	return &Bus{
		sqs:    sqsClient,
		sns:    snsClient,
		cfg:    cfg,
		logger: logger,
	}
}

// QueueURL builds the URL of a queue from its name. With an endpoint
// override (LocalStack, ElasticMQ) the URL is rooted at the endpoint.
func (b *Bus) QueueURL(name string) string {
	if b.cfg.EndpointURL != "" {
		return fmt.Sprintf("%s/%s/%s", strings.TrimRight(b.cfg.EndpointURL, "/"), b.cfg.AccountID, name)
	}
	return fmt.Sprintf("https://sqs.%s.amazonaws.com/%s/%s", b.cfg.Region, b.cfg.AccountID, name)
}

// FeedQueueURL returns the URL of the queue backing a feed.
func (b *Bus) FeedQueueURL(feedID string) string {
	return b.QueueURL(b.cfg.FeedQueuePrefix + feedID)
}

// TopicARN returns the broadcast topic of a pod.
func (b *Bus) TopicARN(podID types.ID) string {
	return fmt.Sprintf("arn:aws:sns:%s:%s:%s%s", b.cfg.Region, b.cfg.AccountID, b.cfg.TopicNamePrefix, podID)
}

// PushBackMessage re-enqueues a message on the ingestion queue for a retry.
func (b *Bus) PushBackMessage(ctx context.Context, data *types.EventData) error {
	body, err := types.MarshalCompact(data)
	if err != nil {
		return fmt.Errorf("bus: failed to marshal pushed back message: %w", err)
	}
	_, err = b.sqs.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(b.QueueURL(b.cfg.IngestionQueueName)),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]sqstypes.MessageAttributeValue{
			"retries": {
				DataType:    aws.String("Number"),
				StringValue: aws.String(fmt.Sprint(data.Retries)),
			},
		},
	})
	if err != nil {
		return fmt.Errorf("bus: push back to %s: %w", b.cfg.IngestionQueueName, err)
	}
	return nil
}

// EntriesPerBatch returns how many messages of the given size fit in one
// SendMessageBatch call.
func EntriesPerBatch(messageSize int) int {
	if messageSize <= 0 {
		return MaxBatchEntries
	}
	n := MaxBatchBytes / messageSize
	if n < 1 {
		n = 1
	}
	if n > MaxBatchEntries {
		n = MaxBatchEntries
	}
	return n
}

// HandleSplit re-inserts split copies on the ingestion queue, grouping them
// so no batch call exceeds the SQS entry or byte limits.
func (b *Bus) HandleSplit(ctx context.Context, copies []*types.EventData, messageSize int) error {
	queueURL := b.QueueURL(b.cfg.IngestionQueueName)
	perBatch := EntriesPerBatch(messageSize)

	for i := 0; i < len(copies); i += perBatch {
		select {
		case <-ctx.Done():
			return fmt.Errorf("bus: context cancelled during split re-insert: %w", ctx.Err())
		default:
		}

		end := min(i+perBatch, len(copies))
		chunk := copies[i:end]
		entries := make([]sqstypes.SendMessageBatchRequestEntry, len(chunk))
		for j, c := range chunk {
			body, err := types.MarshalCompact(c)
			if err != nil {
				return fmt.Errorf("bus: failed to marshal split copy: %w", err)
			}
			entries[j] = sqstypes.SendMessageBatchRequestEntry{
				Id:          aws.String(fmt.Sprintf("split-%d", i+j)),
				MessageBody: aws.String(string(body)),
			}
		}

		output, err := b.sqs.SendMessageBatch(ctx, &sqs.SendMessageBatchInput{
			QueueUrl: aws.String(queueURL),
			Entries:  entries,
		})
		if err != nil {
			return fmt.Errorf("bus: SendMessageBatch failed: %w", err)
		}
		if len(output.Failed) > 0 {
			return fmt.Errorf("bus: SendMessageBatch had %d failures, first: code=%s, message=%s",
				len(output.Failed),
				aws.ToString(output.Failed[0].Code),
				aws.ToString(output.Failed[0].Message),
			)
		}
	}
	return nil
}

// FanoutMessage delivers one copy of the message to every feed queue. The
// distribution list is stripped from the copies. A failure for one feed never
// stops delivery to the others; each outcome is reported separately.
func (b *Bus) FanoutMessage(ctx context.Context, data *types.EventData, feeds []types.Feed, podID types.ID) ([]types.SettledResult, error) {
	stripped := data.Clone()
	if stripped.Payload != nil {
		stripped.Payload.DistributionList = nil
	}
	body, err := types.MarshalCompact(stripped)
	if err != nil {
		return nil, fmt.Errorf("bus: failed to marshal fanout message: %w", err)
	}

	results := make([]types.SettledResult, len(feeds))
	var g errgroup.Group
	g.SetLimit(b.cfg.FanoutConcurrency)
	for i, feed := range feeds {
		results[i].Feed = feed
		g.Go(func() error {
			results[i].Err = b.sendToFeed(ctx, feed, string(body), podID)
			return nil
		})
	}
	_ = g.Wait()
	return results, nil
}

func (b *Bus) sendToFeed(ctx context.Context, feed types.Feed, body string, podID types.ID) error {
	_, err := b.sqs.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(b.FeedQueueURL(feed.FeedID)),
		MessageBody: aws.String(body),
		MessageAttributes: map[string]sqstypes.MessageAttributeValue{
			"podId": {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(podID)),
			},
			"messageId": {
				DataType:    aws.String("String"),
				StringValue: aws.String(uuid.NewString()),
			},
		},
	})
	if err == nil {
		return nil
	}
	if isNonexistentQueue(err) {
		return fmt.Errorf("%w: feed %s: %v", types.ErrNonexistentQueue, feed.FeedID, err)
	}
	return fmt.Errorf("send to feed %s: %w", feed.FeedID, err)
}

func isNonexistentQueue(err error) bool {
	var notFound *sqstypes.QueueDoesNotExist
	if errors.As(err, &notFound) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		return code == "AWS.SimpleQueueService.NonExistentQueue" || code == "QueueDoesNotExist"
	}
	return false
}

// BroadcastMessage publishes the message on the pod topic.
func (b *Bus) BroadcastMessage(ctx context.Context, data *types.EventData, podID types.ID) error {
	if b.sns == nil {
		return errors.New("bus: broadcast publisher not configured")
	}
	body, err := types.MarshalCompact(data)
	if err != nil {
		return fmt.Errorf("bus: failed to marshal broadcast message: %w", err)
	}

	arn := b.TopicARN(podID)
	_, err = b.sns.Publish(ctx, &sns.PublishInput{
		TopicArn: aws.String(arn),
		Message:  aws.String(string(body)),
	})
	if err == nil {
		return nil
	}
	var notFound *snstypes.NotFoundException
	if errors.As(err, &notFound) {
		return fmt.Errorf("bus: %w: %s", types.ErrTopicNotFound, arn)
	}
	return fmt.Errorf("bus: publish to %s: %w", arn, err)
}

// SendTelemetry exports a batch snapshot on the telemetry queue.
func (b *Bus) SendTelemetry(ctx context.Context, snap telemetry.Snapshot) error {
	return b.sendTelemetryQueue(ctx, snap, "telemetry")
}

// SendRecycleFeed asks the feed owner to reclaim a feed.
func (b *Bus) SendRecycleFeed(ctx context.Context, req types.RecycleFeedRequest) error {
	return b.sendTelemetryQueue(ctx, req, "recycle request")
}

func (b *Bus) sendTelemetryQueue(ctx context.Context, v any, what string) error {
	if b.cfg.TelemetryQueueName == "" {
		return fmt.Errorf("bus: no telemetry queue configured for %s", what)
	}
	body, err := types.MarshalCompact(v)
	if err != nil {
		return fmt.Errorf("bus: failed to marshal %s: %w", what, err)
	}
	_, err = b.sqs.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(b.QueueURL(b.cfg.TelemetryQueueName)),
		MessageBody: aws.String(string(body)),
	})
	if err != nil {
		return fmt.Errorf("bus: send %s: %w", what, err)
	}
	return nil
}

// DeleteFeedQueue removes the queue of a deleted feed. A queue that is
// already gone counts as deleted.
func (b *Bus) DeleteFeedQueue(ctx context.Context, feedID string) error {
	_, err := b.sqs.DeleteQueue(ctx, &sqs.DeleteQueueInput{
		QueueUrl: aws.String(b.FeedQueueURL(feedID)),
	})
	if err != nil && !isNonexistentQueue(err) {
		return fmt.Errorf("bus: delete queue of feed %s: %w", feedID, err)
	}
	return nil
}
