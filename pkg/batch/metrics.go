package batch

const (
	metricReasonRead     = "read"
	metricReasonFormat   = "format"
	metricReasonColorize = "colorize"
	metricReasonRemote   = "remote"
	metricReasonWrite    = "write"
	metricReasonContext  = "context_cancel"
)

// Metrics captures coordinator telemetry. Implementations must be safe for
// concurrent use when fallback runs in parallel.
type Metrics interface {
	RecordCacheHit(result Result)
	RecordBatch(size int, err error)
	RecordRetried(name string)
	RecordCompleted(result Result)
	RecordFailed(result Result, reason string)
}

type noopMetrics struct{}

func (noopMetrics) RecordCacheHit(Result) {}

func (noopMetrics) RecordBatch(int, error) {}

func (noopMetrics) RecordRetried(string) {}

func (noopMetrics) RecordCompleted(Result) {}

func (noopMetrics) RecordFailed(Result, string) {}
