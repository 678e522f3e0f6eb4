package types

// CloudWatch names for the per-batch summary. Components use these constants
// instead of literal strings.
const (
	MetricBatchSize       = "BatchSize"
	MetricBatchDuration   = "BatchDuration"
	MetricMessagesFailed  = "MessagesWithErrors"
	MetricMessagesExpired = "MessagesExpired"
	MetricMessagesSplit   = "MessagesSplit"
	MetricFeedsFetched    = "FeedsFetched"
	MetricPayloadsOffload = "PayloadsOffloaded"
	MetricStaleFeeds      = "StaleFeedsDetected"

	DimService = "Service"
	DimPodID   = "PodID"

	MetricNamespace = "DF2Fanout"
)

// ServiceName identifies this service in telemetry and recycle requests.
const ServiceName = "df2-fanout"
