// Package breaker protects calls to downstream dependencies with a circuit
// breaker driven by failure rates over a rolling window.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/citizen-chat/resilience-core/pkg/logger"
	"github.com/citizen-chat/resilience-core/pkg/metrics"
)

// State represents breaker state.
type State int32

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// MarshalText renders the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

var (
	// ErrOpen is attached to fallbacks returned while the circuit is open.
	ErrOpen = errors.New("circuit breaker is open")
	// ErrTimeout is attached to fallbacks of calls that exceeded the timeout.
	ErrTimeout = errors.New("call exceeded circuit breaker timeout")
)

// Options configures a breaker.
type Options struct {
	Name                     string
	Timeout                  time.Duration
	ErrorThresholdPercentage int
	VolumeThreshold          int
	ResetTimeout             time.Duration
	RollingWindow            time.Duration
	RollingBuckets           int
	HalfOpenSuccesses        int
	Now                      func() time.Time
	OnStateChange            func(name string, from, to State)
}

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = 30 * time.Second
	}
	if o.ErrorThresholdPercentage <= 0 {
		o.ErrorThresholdPercentage = 50
	}
	if o.VolumeThreshold <= 0 {
		o.VolumeThreshold = 5
	}
	if o.ResetTimeout <= 0 {
		o.ResetTimeout = 30 * time.Second
	}
	if o.RollingWindow <= 0 {
		o.RollingWindow = 10 * time.Second
	}
	if o.RollingBuckets <= 0 {
		o.RollingBuckets = 10
	}
	if o.HalfOpenSuccesses <= 0 {
		o.HalfOpenSuccesses = 1
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Breaker guards one downstream dependency.
type Breaker struct {
	opts   Options
	logger *logger.Logger

	mu                sync.Mutex
	state             State
	openedAt          time.Time
	window            *rollingWindow
	probeInFlight     bool
	halfOpenSuccesses int
	timer             *time.Timer
	closed            bool
}

// New constructs a breaker in the Closed state.
func New(opts Options, log *logger.Logger) *Breaker {
	opts = opts.withDefaults()
	b := &Breaker{
		opts:   opts,
		logger: log.Named("breaker").With(zap.String("breaker", opts.Name)),
		window: newRollingWindow(opts.RollingWindow, opts.RollingBuckets),
	}
	metrics.CircuitState.WithLabelValues(opts.Name).Set(float64(Closed))
	return b
}

// Name returns the protected dependency name.
func (b *Breaker) Name() string {
	return b.opts.Name
}

// Snapshot is the observable breaker state.
type Snapshot struct {
	Name            string     `json:"name"`
	State           State      `json:"state"`
	Counts          Counts     `json:"counts"`
	ErrorPercentage int        `json:"error_percentage"`
	OpenedAt        *time.Time `json:"opened_at,omitempty"`
}

// State returns the current state and rolling counters.
func (b *Breaker) State() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.opts.Now()
	b.refreshLocked(now)
	c := b.window.sum(now)
	s := Snapshot{
		Name:            b.opts.Name,
		State:           b.state,
		Counts:          c,
		ErrorPercentage: c.ErrorPercentage(),
	}
	if b.state != Closed {
		openedAt := b.openedAt
		s.OpenedAt = &openedAt
	}
	return s
}

// Reset forces the breaker Closed and clears its counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.stopTimerLocked()
	b.window.reset()
	b.probeInFlight = false
	b.halfOpenSuccesses = 0
	b.openedAt = time.Time{}
	b.transitionLocked(Closed)
	b.logger.Info("circuit breaker reset")
}

// Close stops the reset timer. The breaker keeps working but no longer
// moves to HalfOpen on its own.
func (b *Breaker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.stopTimerLocked()
}

// Execute runs an HTTP-shaped operation. When the call is skipped or fails,
// Value holds the fallback rendered as a 503 response.
func (b *Breaker) Execute(ctx context.Context, op func(ctx context.Context) (*Response, error)) Result[*Response] {
	res := Do(ctx, b, op)
	if res.Fallback != nil {
		res.Value = res.Fallback.Response()
	}
	return res
}

// Do runs op through b. The returned Result carries either op's value or a
// fallback; it never carries both.
func Do[T any](ctx context.Context, b *Breaker, op func(ctx context.Context) (T, error)) Result[T] {
	probe, ok := b.acquire()
	if !ok {
		b.record(OutcomeReject, false)
		return Result[T]{Fallback: b.fallback(CodeCircuitOpen), Err: ErrOpen}
	}

	callCtx, cancel := context.WithTimeout(ctx, b.opts.Timeout)
	defer cancel()

	type outcome struct {
		value T
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("panic in protected call: %v", r)}
			}
		}()
		v, err := op(callCtx)
		done <- outcome{value: v, err: err}
	}()

	select {
	case out := <-done:
		if out.err == nil {
			b.record(OutcomeSuccess, probe)
			return Result[T]{Value: out.value}
		}
		// The caller went away; that says nothing about the dependency.
		if ctx.Err() != nil {
			b.record(OutcomeReject, probe)
			return Result[T]{Fallback: b.fallback(CodeDownstreamFailure), Err: ctx.Err()}
		}
		if errors.Is(out.err, context.DeadlineExceeded) {
			b.record(OutcomeTimeout, probe)
			return Result[T]{Fallback: b.fallback(CodeTimeout), Err: fmt.Errorf("%w: %v", ErrTimeout, out.err)}
		}
		b.record(OutcomeFailure, probe)
		return Result[T]{Fallback: b.fallback(CodeDownstreamFailure), Err: out.err}
	case <-callCtx.Done():
		if ctx.Err() == nil {
			b.record(OutcomeTimeout, probe)
			return Result[T]{Fallback: b.fallback(CodeTimeout), Err: ErrTimeout}
		}
		b.record(OutcomeReject, probe)
		return Result[T]{Fallback: b.fallback(CodeDownstreamFailure), Err: ctx.Err()}
	}
}

// acquire decides whether a call may proceed. In HalfOpen only one probe is
// admitted at a time.
func (b *Breaker) acquire() (probe bool, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refreshLocked(b.opts.Now())
	switch b.state {
	case Closed:
		return false, true
	case HalfOpen:
		if b.probeInFlight {
			return false, false
		}
		b.probeInFlight = true
		return true, true
	default:
		return false, false
	}
}

func (b *Breaker) record(o Outcome, probe bool) {
	metrics.CircuitCalls.WithLabelValues(b.opts.Name, o.String()).Inc()

	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.opts.Now()
	b.window.add(now, o)

	if probe {
		b.probeInFlight = false
	}
	if o == OutcomeReject {
		return
	}

	switch b.state {
	case HalfOpen:
		if !probe {
			return
		}
		if o == OutcomeSuccess {
			b.halfOpenSuccesses++
			if b.halfOpenSuccesses >= b.opts.HalfOpenSuccesses {
				b.halfOpenSuccesses = 0
				b.window.reset()
				b.transitionLocked(Closed)
			}
			return
		}
		b.openLocked(now)
	case Closed:
		c := b.window.sum(now)
		total := c.Total()
		if total >= b.opts.VolumeThreshold &&
			(c.Failures+c.Timeouts)*100 >= b.opts.ErrorThresholdPercentage*total {
			b.openLocked(now)
		}
	}
}

func (b *Breaker) openLocked(now time.Time) {
	b.openedAt = now
	b.halfOpenSuccesses = 0
	b.transitionLocked(Open)

	b.stopTimerLocked()
	if b.closed {
		return
	}
	openedAt := now
	b.timer = time.AfterFunc(b.opts.ResetTimeout, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.state == Open && b.openedAt.Equal(openedAt) {
			b.refreshLocked(b.opts.Now())
		}
	})
}

// refreshLocked moves an expired Open circuit to HalfOpen.
func (b *Breaker) refreshLocked(now time.Time) {
	if b.state != Open {
		return
	}
	if now.Before(b.openedAt.Add(b.opts.ResetTimeout)) {
		return
	}
	b.probeInFlight = false
	b.halfOpenSuccesses = 0
	b.transitionLocked(HalfOpen)
}

func (b *Breaker) transitionLocked(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	metrics.CircuitState.WithLabelValues(b.opts.Name).Set(float64(to))

	switch to {
	case Open:
		c := b.window.sum(b.opts.Now())
		b.logger.Warn("circuit opened",
			zap.String("from", from.String()),
			zap.Int("failures", c.Failures),
			zap.Int("timeouts", c.Timeouts),
			zap.Int("error_percentage", c.ErrorPercentage()),
		)
	default:
		b.logger.Info("circuit state changed",
			zap.String("from", from.String()),
			zap.String("to", to.String()),
		)
	}

	if b.opts.OnStateChange != nil {
		b.opts.OnStateChange(b.opts.Name, from, to)
	}
}

func (b *Breaker) stopTimerLocked() {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
}

func (b *Breaker) fallback(code FallbackCode) *Fallback {
	f := &Fallback{Code: code, Breaker: b.opts.Name}
	switch code {
	case CodeCircuitOpen:
		f.Message = "The service is temporarily unavailable. Please try again shortly."
		b.mu.Lock()
		if b.state == Open {
			remaining := b.openedAt.Add(b.opts.ResetTimeout).Sub(b.opts.Now())
			f.RetryAfter = int((remaining + time.Second - 1) / time.Second)
		}
		b.mu.Unlock()
	case CodeTimeout:
		f.Message = "The service took too long to respond. Please try again."
	default:
		f.Message = "The service could not complete the request. Please try again."
	}
	return f
}
