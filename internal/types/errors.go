package types

import (
	"errors"
	"fmt"
	"regexp"
)

// ErrorKind categorizes a pipeline failure. The kind alone decides whether the
// original message is dropped or pushed back onto the ingestion queue.
type ErrorKind string

const (
	// KindStructural covers envelopes that cannot be adapted at all (missing id or body).
	KindStructural ErrorKind = "structural"
	// KindContent covers payloads that decode but fail validation or the allow-list.
	KindContent ErrorKind = "content"
	// KindTransientDelivery covers infrastructure failures worth retrying.
	KindTransientDelivery ErrorKind = "transient_delivery"
	// KindConfiguration covers missing broadcast topics and similar deployment gaps.
	KindConfiguration ErrorKind = "configuration"
	// KindBestEffort covers side effects whose failure never changes the verdict.
	KindBestEffort ErrorKind = "best_effort"
)

// Discard reports whether a failure of this kind drops the original message.
func (k ErrorKind) Discard() bool {
	return k != KindTransientDelivery
}

// Sentinel errors returned by the delivery adapters.
var (
	// ErrNonexistentQueue marks a per-feed delivery whose target queue is gone.
	// It is a tolerated outcome and never triggers a retry.
	ErrNonexistentQueue = errors.New("queue does not exist")

	// ErrTopicNotFound marks a broadcast whose pod topic was never provisioned.
	ErrTopicNotFound = errors.New("topic does not exist")

	// ErrCacheUnavailable is returned when the cache is disabled or its breaker is open.
	ErrCacheUnavailable = errors.New("cache unavailable")
)

var topicMissingPattern = regexp.MustCompile(`(?i)topic does not exist`)

// IsTopicMissing reports whether a broadcast error means the pod topic is absent.
// Adapters that cannot wrap ErrTopicNotFound are still matched by message.
func IsTopicMissing(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrTopicNotFound) || topicMissingPattern.MatchString(err.Error())
}

// PipelineError is the single error type produced by pipeline stages.
type PipelineError struct {
	Kind    ErrorKind
	Stage   string
	Message string
	Err     error
}

// Error implements the error interface.
func (e *PipelineError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Stage, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Stage, e.Message)
}

// Unwrap returns the underlying error for errors.Is/errors.As support.
func (e *PipelineError) Unwrap() error {
	return e.Err
}

// Discard reports whether the original message should be dropped.
func (e *PipelineError) Discard() bool {
	return e.Kind.Discard()
}

// NewPipelineError creates a PipelineError for the given stage.
func NewPipelineError(kind ErrorKind, stage, message string, err error) *PipelineError {
	return &PipelineError{
		Kind:    kind,
		Stage:   stage,
		Message: message,
		Err:     err,
	}
}

// Verdict is the outcome of a single pipeline stage.
type Verdict int

const (
	// VerdictContinue hands the envelope to the next stage.
	VerdictContinue Verdict = iota
	// VerdictSuccess stops the pipeline; the message is fully handled.
	VerdictSuccess
	// VerdictDiscard stops the pipeline and drops the message.
	VerdictDiscard
	// VerdictRetry stops the pipeline and pushes the message back for another attempt.
	VerdictRetry
)

func (v Verdict) String() string {
	switch v {
	case VerdictContinue:
		return "continue"
	case VerdictSuccess:
		return "success"
	case VerdictDiscard:
		return "discard"
	case VerdictRetry:
		return "retry"
	default:
		return fmt.Sprintf("verdict(%d)", int(v))
	}
}

// StageResult carries a verdict and, for Discard or Retry, the cause.
type StageResult struct {
	Verdict Verdict
	Err     *PipelineError
}

// Continue returns a result that lets the pipeline proceed.
func Continue() StageResult { return StageResult{Verdict: VerdictContinue} }

// Done returns a terminal success result.
func Done() StageResult { return StageResult{Verdict: VerdictSuccess} }

// Fail returns a terminal result whose verdict follows the error kind.
func Fail(err *PipelineError) StageResult {
	if err.Discard() {
		return StageResult{Verdict: VerdictDiscard, Err: err}
	}
	return StageResult{Verdict: VerdictRetry, Err: err}
}

// Terminal reports whether the pipeline must stop.
func (r StageResult) Terminal() bool {
	return r.Verdict != VerdictContinue
}
