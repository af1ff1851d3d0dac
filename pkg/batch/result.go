package batch

// Status is the final state of one input.
type Status int

const (
	StatusPending Status = iota
	StatusCached
	StatusProcessed
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusCached:
		return "cached"
	case StatusProcessed:
		return "processed"
	case StatusFailed:
		return "failed"
	}
	return "pending"
}

// Result describes what happened to the input at Index.
type Result struct {
	Index     int
	Source    string
	Output    string
	Key       string
	Status    Status
	Colorized bool
	Err       error
}

// OK reports whether an output is available.
func (r Result) OK() bool {
	return r.Status == StatusCached || r.Status == StatusProcessed
}

// Report is the outcome of one Process call. Results[i] always belongs to
// the i-th input path.
type Report struct {
	ID      string
	Results []Result

	Succeeded int
	Failed    int
	CacheHits int
	Processed int

	BatchCalls    int
	FallbackCalls int
	ColorizeCalls int
}

// RemoteCalls is the number of requests sent to the enhancement service.
func (r Report) RemoteCalls() int {
	return r.BatchCalls + r.FallbackCalls + r.ColorizeCalls
}

func (r *Report) tally() {
	r.Succeeded, r.Failed, r.CacheHits, r.Processed = 0, 0, 0, 0
	for _, res := range r.Results {
		switch res.Status {
		case StatusCached:
			r.CacheHits++
			r.Succeeded++
		case StatusProcessed:
			r.Processed++
			r.Succeeded++
		default:
			r.Failed++
		}
	}
}
