package breaker

import "time"

// Outcome is what a single call contributed to the rolling window.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeFailure
	OutcomeTimeout
	OutcomeReject
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeFailure:
		return "failure"
	case OutcomeTimeout:
		return "timeout"
	case OutcomeReject:
		return "reject"
	default:
		return "unknown"
	}
}

// Counts aggregates outcomes over the rolling window.
type Counts struct {
	Successes int `json:"successes"`
	Failures  int `json:"failures"`
	Timeouts  int `json:"timeouts"`
	Rejects   int `json:"rejects"`
}

// Total is the number of calls that reached the dependency.
func (c Counts) Total() int {
	return c.Successes + c.Failures + c.Timeouts
}

// ErrorPercentage is the share of attempted calls that failed or timed out.
func (c Counts) ErrorPercentage() int {
	total := c.Total()
	if total == 0 {
		return 0
	}
	return (c.Failures + c.Timeouts) * 100 / total
}

func (c *Counts) add(o Outcome) {
	switch o {
	case OutcomeSuccess:
		c.Successes++
	case OutcomeFailure:
		c.Failures++
	case OutcomeTimeout:
		c.Timeouts++
	case OutcomeReject:
		c.Rejects++
	}
}

type bucket struct {
	epoch  int64
	counts Counts
}

// rollingWindow keeps counts for the last len(buckets)*width of wall time.
// Buckets are reused in a ring; a bucket whose epoch is stale is cleared
// before it is written again. Not safe for concurrent use.
type rollingWindow struct {
	buckets []bucket
	width   time.Duration
}

func newRollingWindow(window time.Duration, n int) *rollingWindow {
	if n <= 0 {
		n = 10
	}
	width := window / time.Duration(n)
	if width <= 0 {
		width = time.Millisecond
	}
	return &rollingWindow{buckets: make([]bucket, n), width: width}
}

func (w *rollingWindow) epoch(now time.Time) int64 {
	return now.UnixNano() / int64(w.width)
}

func (w *rollingWindow) add(now time.Time, o Outcome) {
	e := w.epoch(now)
	b := &w.buckets[e%int64(len(w.buckets))]
	if b.epoch != e {
		b.epoch = e
		b.counts = Counts{}
	}
	b.counts.add(o)
}

func (w *rollingWindow) sum(now time.Time) Counts {
	e := w.epoch(now)
	oldest := e - int64(len(w.buckets)) + 1
	var c Counts
	for _, b := range w.buckets {
		if b.epoch < oldest || b.epoch > e {
			continue
		}
		c.Successes += b.counts.Successes
		c.Failures += b.counts.Failures
		c.Timeouts += b.counts.Timeouts
		c.Rejects += b.counts.Rejects
	}
	return c
}

func (w *rollingWindow) reset() {
	for i := range w.buckets {
		w.buckets[i] = bucket{}
	}
}
