package telemetry

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"fanout/internal/types"
)

// CloudWatchClient abstracts the CloudWatch PutMetricData operation for testability.
type CloudWatchClient interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// SummaryPublisher emits aggregated batch metrics.
type SummaryPublisher interface {
	PublishBatch(ctx context.Context, snap Snapshot)
}

var _ SummaryPublisher = (*CloudWatchPublisher)(nil)

// CloudWatchPublisher turns a batch snapshot into a handful of CloudWatch
// datums. Failures are logged and never reach the pipeline.
type CloudWatchPublisher struct {
	client    CloudWatchClient
	namespace string
	logger    types.Logger
}

// NewCloudWatchPublisher creates a publisher. An empty namespace uses types.MetricNamespace.
func NewCloudWatchPublisher(client CloudWatchClient, namespace string, logger types.Logger) *CloudWatchPublisher {
	if namespace == "" {
		namespace = types.MetricNamespace
	}
	return &CloudWatchPublisher{
		client:    client,
		namespace: namespace,
		logger:    logger,
	}
}

// Summary holds the counts derived from a snapshot.
type Summary struct {
	Failed    int
	Expired   int
	Split     int
	Feeds     int
	Offloaded int
	Stale     int
}

// Summarize counts the flags set on the records of a snapshot.
func Summarize(snap Snapshot) Summary {
	var s Summary
	for _, r := range snap.Metrics {
		if r.IsProcessedWithNoErrors != nil && !*r.IsProcessedWithNoErrors {
			s.Failed++
		}
		if r.IsMessageExpired != nil && *r.IsMessageExpired {
			s.Expired++
		}
		if r.IsMessageSplit != nil && *r.IsMessageSplit {
			s.Split++
		}
		if r.NumberOfFetchedFeeds != nil {
			s.Feeds += *r.NumberOfFetchedFeeds
		}
		if r.VLM != nil && r.VLM.Cache.IsActivated {
			s.Offloaded++
		}
		s.Stale += r.StaleFeeds["detected"]
	}
	return s
}

// PublishBatch sends the batch summary in a single PutMetricData call.
func (p *CloudWatchPublisher) PublishBatch(ctx context.Context, snap Snapshot) {
	s := Summarize(snap)
	dims := []cwtypes.Dimension{
		{Name: aws.String(types.DimService), Value: aws.String(snap.Service)},
		{Name: aws.String(types.DimPodID), Value: aws.String(snap.PodID)},
	}
	count := func(name string, v int) cwtypes.MetricDatum {
		return cwtypes.MetricDatum{
			MetricName: aws.String(name),
			Value:      aws.Float64(float64(v)),
			Unit:       cwtypes.StandardUnitCount,
			Dimensions: dims,
		}
	}

	input := &cloudwatch.PutMetricDataInput{
		Namespace: aws.String(p.namespace),
		MetricData: []cwtypes.MetricDatum{
			count(types.MetricBatchSize, snap.BatchSize),
			{
				MetricName: aws.String(types.MetricBatchDuration),
				Value:      aws.Float64(float64(snap.TotalElapsedTime)),
				Unit:       cwtypes.StandardUnitMilliseconds,
				Dimensions: dims,
			},
			count(types.MetricMessagesFailed, s.Failed),
			count(types.MetricMessagesExpired, s.Expired),
			count(types.MetricMessagesSplit, s.Split),
			count(types.MetricFeedsFetched, s.Feeds),
			count(types.MetricPayloadsOffload, s.Offloaded),
			count(types.MetricStaleFeeds, s.Stale),
		},
	}

	if _, err := p.client.PutMetricData(ctx, input); err != nil {
		p.logger.Error("failed to publish batch metrics",
			"error", err.Error(),
			"pod_id", snap.PodID,
			"batch_size", snap.BatchSize,
		)
	}
}
