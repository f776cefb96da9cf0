package retryqueue

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/citizen-chat/resilience-core/internal/model"
	"github.com/citizen-chat/resilience-core/pkg/logger"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingSink struct {
	mu      sync.Mutex
	records []Record
}

func (s *recordingSink) PublishDeadLetter(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return nil
}

func (s *recordingSink) SaveSnapshot(_ context.Context, records []Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = records
	return nil
}

func (s *recordingSink) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func message(id string) model.InboundMessage {
	return model.InboundMessage{ID: id, UserID: "628111", Channel: model.ChannelWhatsApp, Content: "lampu mati"}
}

func newTestQueue(t *testing.T, opts Options, process ProcessFunc) (*Queue, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC)}
	opts.Now = clock.Now
	return New(opts, process, logger.Wrap(zaptest.NewLogger(t))), clock
}

var errDownstream = errors.New("case service returned 500")

func failing(context.Context, model.InboundMessage) error { return errDownstream }

func succeeding(context.Context, model.InboundMessage) error { return nil }

func TestQueue_EnqueueSchedulesRetry(t *testing.T) {
	t.Parallel()

	q, clock := newTestQueue(t, Options{InitialInterval: 30 * time.Second}, failing)
	rec := q.Enqueue(message("m1"), errDownstream)

	if rec.Attempts != 1 || rec.Status != StatusPending || rec.MaxAttempts != 10 {
		t.Fatalf("unexpected record %+v", rec)
	}
	if rec.LastError != errDownstream.Error() {
		t.Fatalf("expected last error recorded, got %q", rec.LastError)
	}
	if rec.NextAttemptAt == nil || !rec.NextAttemptAt.Equal(clock.Now().Add(30*time.Second)) {
		t.Fatalf("expected next attempt in 30s, got %v", rec.NextAttemptAt)
	}

	res, err := q.Retry(context.Background(), "m1")
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if res.Success || res.Attempts != 2 {
		t.Fatalf("unexpected result %+v", res)
	}
	got, _ := q.Get("m1")
	if !got.NextAttemptAt.Equal(clock.Now().Add(time.Minute)) {
		t.Fatalf("expected backoff to double, got %v", got.NextAttemptAt)
	}
}

func TestQueue_RetrySuccessResolvesAndClearIsIdempotent(t *testing.T) {
	t.Parallel()

	q, _ := newTestQueue(t, Options{}, succeeding)
	q.Enqueue(message("m1"), errDownstream)
	q.Enqueue(message("m2"), errDownstream)

	res, err := q.Retry(context.Background(), "m1")
	if err != nil || !res.Success || res.Status != StatusResolved {
		t.Fatalf("expected resolved, got %+v err=%v", res, err)
	}
	if s := q.Stats(); s.Active != 1 || s.Resolved != 1 {
		t.Fatalf("unexpected stats %+v", s)
	}

	if n := q.Clear(ClearResolved); n != 1 {
		t.Fatalf("expected 1 cleared, got %d", n)
	}
	if n := q.Clear(ClearResolved); n != 0 {
		t.Fatalf("second clear must be a no-op, got %d", n)
	}
	if _, err := q.Get("m2"); err != nil {
		t.Fatalf("pending record must survive resolved-only clear: %v", err)
	}
	if n := q.Clear(ClearAll); n != 1 {
		t.Fatalf("expected pending record cleared, got %d", n)
	}
}

func TestQueue_PermanentFailure(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	q, _ := newTestQueue(t, Options{MaxAttempts: 3, DeadLetters: sink}, failing)
	q.Enqueue(message("m1"), errDownstream)

	for i := 0; i < 2; i++ {
		if _, err := q.Retry(context.Background(), "m1"); err != nil {
			t.Fatalf("retry %d: %v", i, err)
		}
	}

	rec, _ := q.Get("m1")
	if rec.Status != StatusFailedPermanent || rec.Attempts != 3 {
		t.Fatalf("expected failed_permanent at 3 attempts, got %+v", rec)
	}
	if rec.NextAttemptAt != nil {
		t.Fatalf("failed_permanent records are not scheduled")
	}
	if sink.len() != 1 {
		t.Fatalf("expected one dead letter, got %d", sink.len())
	}
	if due := q.RetryDue(context.Background()); len(due) != 0 {
		t.Fatalf("failed_permanent records must not retry automatically")
	}
}

func TestQueue_RetryAllNeverExceedsMaxAttempts(t *testing.T) {
	t.Parallel()

	q, _ := newTestQueue(t, Options{MaxAttempts: 3}, failing)
	q.Enqueue(message("m1"), errDownstream)
	q.Enqueue(message("m2"), errDownstream)

	for i := 0; i < 5; i++ {
		for _, res := range q.RetryAll(context.Background()) {
			if res.Attempts > 3 {
				t.Fatalf("round %d: attempts exceeded max: %+v", i, res)
			}
		}
	}
	for _, rec := range q.List() {
		if rec.Attempts != 3 || rec.Status != StatusFailedPermanent {
			t.Fatalf("unexpected record %+v", rec)
		}
	}
}

func TestQueue_ManualRetryOfPermanentFailureSucceeds(t *testing.T) {
	t.Parallel()

	var healthy atomic.Bool
	q, _ := newTestQueue(t, Options{MaxAttempts: 1}, func(context.Context, model.InboundMessage) error {
		if healthy.Load() {
			return nil
		}
		return errDownstream
	})

	rec := q.Enqueue(message("m1"), errDownstream)
	if rec.Status != StatusFailedPermanent {
		t.Fatalf("expected immediate permanent failure, got %s", rec.Status)
	}

	healthy.Store(true)
	res, err := q.Retry(context.Background(), "m1")
	if err != nil || !res.Success {
		t.Fatalf("expected manual retry to succeed, got %+v err=%v", res, err)
	}
	if res.Attempts != 1 {
		t.Fatalf("manual retry must not reset attempts, got %d", res.Attempts)
	}
}

func TestQueue_ConcurrentRetryRejected(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	q, _ := newTestQueue(t, Options{}, func(context.Context, model.InboundMessage) error {
		<-release
		return nil
	})
	q.Enqueue(message("m1"), errDownstream)

	done := make(chan RetryResult, 1)
	go func() {
		res, _ := q.Retry(context.Background(), "m1")
		done <- res
	}()

	deadline := time.Now().Add(time.Second)
	for {
		rec, _ := q.Get("m1")
		if rec.Status == StatusRetrying {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("retry never started")
		}
		time.Sleep(time.Millisecond)
	}

	if _, err := q.Retry(context.Background(), "m1"); !errors.Is(err, ErrRetryInProgress) {
		t.Fatalf("expected ErrRetryInProgress, got %v", err)
	}
	if n := q.Clear(ClearAll); n != 0 {
		t.Fatalf("records being retried must not be cleared, got %d", n)
	}

	close(release)
	if res := <-done; !res.Success {
		t.Fatalf("expected the first retry to succeed, got %+v", res)
	}
}

func TestQueue_OperatorErrors(t *testing.T) {
	t.Parallel()

	q, _ := newTestQueue(t, Options{}, succeeding)
	q.Enqueue(message("m1"), errDownstream)
	q.Retry(context.Background(), "m1")

	tests := []struct {
		name string
		id   string
		want error
	}{
		{name: "empty id", id: "", want: ErrInvalidID},
		{name: "unknown id", id: "nope", want: ErrNotFound},
		{name: "resolved", id: "m1", want: ErrAlreadyResolved},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := q.Retry(context.Background(), tt.id); !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}

	rec, _ := q.Get("m1")
	if rec.Status != StatusResolved || rec.Attempts != 1 {
		t.Fatalf("operator errors must not mutate records, got %+v", rec)
	}
}

func TestQueue_RetryDueHonorsSchedule(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	q, clock := newTestQueue(t, Options{InitialInterval: time.Minute}, func(context.Context, model.InboundMessage) error {
		calls.Add(1)
		return nil
	})
	q.Enqueue(message("m1"), errDownstream)

	if res := q.RetryDue(context.Background()); len(res) != 0 {
		t.Fatalf("nothing is due yet, got %+v", res)
	}
	clock.Advance(time.Minute)
	res := q.RetryDue(context.Background())
	if len(res) != 1 || !res[0].Success {
		t.Fatalf("expected one successful retry, got %+v", res)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected one processing call, got %d", calls.Load())
	}
}

func TestQueue_Snapshots(t *testing.T) {
	t.Parallel()

	snaps := &recordingSink{}
	q, _ := newTestQueue(t, Options{Snapshots: snaps}, succeeding)
	q.Enqueue(message("m1"), errDownstream)
	q.Enqueue(message("m2"), errDownstream)

	if snaps.len() != 2 {
		t.Fatalf("expected snapshot with 2 records, got %d", snaps.len())
	}
	q.Retry(context.Background(), "m1")
	q.Clear(ClearResolved)
	if snaps.len() != 1 {
		t.Fatalf("expected snapshot with 1 record, got %d", snaps.len())
	}
}

func TestQueue_ReenqueueCountsAsAttempt(t *testing.T) {
	t.Parallel()

	q, _ := newTestQueue(t, Options{MaxAttempts: 2}, failing)
	q.Enqueue(message("m1"), errDownstream)
	rec := q.Enqueue(message("m1"), errDownstream)
	if rec.Attempts != 2 || rec.Status != StatusFailedPermanent {
		t.Fatalf("unexpected record %+v", rec)
	}
	rec = q.Enqueue(message("m1"), errDownstream)
	if rec.Attempts != 2 {
		t.Fatalf("attempts must stay at max, got %d", rec.Attempts)
	}
}

func TestQueue_PanicInProcessingIsAFailure(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	q, _ := newTestQueue(t, Options{}, func(context.Context, model.InboundMessage) error {
		if calls.Add(1) == 1 {
			panic("nil map in case service client")
		}
		return nil
	})
	q.Enqueue(message("m1"), errDownstream)

	res, err := q.Retry(context.Background(), "m1")
	if err != nil {
		t.Fatalf("a panicking retry must be reported in the result, got %v", err)
	}
	if res.Success || res.Status != StatusPending || res.Attempts != 2 {
		t.Fatalf("unexpected result %+v", res)
	}
	rec, _ := q.Get("m1")
	if !strings.HasPrefix(rec.LastError, ErrProcessPanic.Error()) {
		t.Fatalf("expected the panic recorded as last error, got %q", rec.LastError)
	}

	res, err = q.Retry(context.Background(), "m1")
	if err != nil || !res.Success {
		t.Fatalf("record must stay retryable after a panic, got %+v err=%v", res, err)
	}
}

func TestQueue_FailedManualRetryOfPermanentRecordIsNotDeadLetteredAgain(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	q, _ := newTestQueue(t, Options{MaxAttempts: 2, DeadLetters: sink}, failing)
	q.Enqueue(message("m1"), errDownstream)
	q.Enqueue(message("m1"), errDownstream)
	if sink.len() != 1 {
		t.Fatalf("expected one dead letter, got %d", sink.len())
	}

	for i := 0; i < 2; i++ {
		res, err := q.Retry(context.Background(), "m1")
		if err != nil || res.Status != StatusFailedPermanent {
			t.Fatalf("unexpected retry %+v err=%v", res, err)
		}
	}
	if sink.len() != 1 {
		t.Fatalf("manual retries of a dead record must not publish again, got %d", sink.len())
	}
}
