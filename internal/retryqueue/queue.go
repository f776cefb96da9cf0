// Package retryqueue keeps inbound messages whose processing failed after
// in-line retries were exhausted, and retries them on a schedule or when an
// operator asks.
package retryqueue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/citizen-chat/resilience-core/internal/model"
	"github.com/citizen-chat/resilience-core/pkg/logger"
	"github.com/citizen-chat/resilience-core/pkg/metrics"
)

// Status is the lifecycle state of a record.
type Status string

const (
	StatusPending         Status = "pending"
	StatusRetrying        Status = "retrying"
	StatusFailedPermanent Status = "failed_permanent"
	StatusResolved        Status = "resolved"
)

var statuses = []Status{StatusPending, StatusRetrying, StatusFailedPermanent, StatusResolved}

var (
	ErrNotFound        = errors.New("message not found in retry queue")
	ErrRetryInProgress = errors.New("retry already in progress for message")
	ErrAlreadyResolved = errors.New("message already resolved")
	ErrInvalidID       = errors.New("message id is required")
	ErrProcessPanic    = errors.New("retry processing panicked")
)

// Record wraps a failed inbound message.
type Record struct {
	MessageID      string               `json:"message_id"`
	UserID         string               `json:"user_id"`
	Event          model.InboundMessage `json:"event"`
	Attempts       int                  `json:"attempts"`
	MaxAttempts    int                  `json:"max_attempts"`
	FirstAttemptAt time.Time            `json:"first_attempt_at"`
	LastAttemptAt  time.Time            `json:"last_attempt_at"`
	LastError      string               `json:"last_error"`
	Status         Status               `json:"status"`
	NextAttemptAt  *time.Time           `json:"next_attempt_at,omitempty"`
}

// RetryResult is the outcome of retrying one message.
type RetryResult struct {
	MessageID string `json:"message_id"`
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
	Status    Status `json:"status"`
	Attempts  int    `json:"attempts"`
}

// ProcessFunc re-runs the original processing for a stored message.
type ProcessFunc func(ctx context.Context, msg model.InboundMessage) error

// DeadLetterSink is told about records that became failed_permanent.
type DeadLetterSink interface {
	PublishDeadLetter(ctx context.Context, rec Record) error
}

// Snapshotter receives the full record list after every mutation.
type Snapshotter interface {
	SaveSnapshot(ctx context.Context, records []Record) error
}

// ClearScope selects what Clear removes.
type ClearScope int

const (
	// ClearResolved removes resolved records only.
	ClearResolved ClearScope = iota
	// ClearAll also removes pending and failed_permanent records.
	ClearAll
)

// Options configures a Queue.
type Options struct {
	MaxAttempts      int
	WorkerInterval   time.Duration
	RetriesPerSecond float64
	InitialInterval  time.Duration
	MaxInterval      time.Duration
	Now              func() time.Time
	DeadLetters      DeadLetterSink
	Snapshots        Snapshotter
}

// Queue holds retry records keyed by message ID.
type Queue struct {
	opts    Options
	logger  *logger.Logger
	process ProcessFunc
	pacer   *rate.Limiter

	mu      sync.Mutex
	records map[string]*Record
}

// New creates a queue that retries through process.
func New(opts Options, process ProcessFunc, log *logger.Logger) *Queue {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 10
	}
	if opts.WorkerInterval <= 0 {
		opts.WorkerInterval = time.Minute
	}
	if opts.InitialInterval <= 0 {
		opts.InitialInterval = 30 * time.Second
	}
	if opts.MaxInterval <= 0 {
		opts.MaxInterval = 30 * time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	limit := rate.Inf
	if opts.RetriesPerSecond > 0 {
		limit = rate.Limit(opts.RetriesPerSecond)
	}
	return &Queue{
		opts:    opts,
		logger:  log.Named("retryqueue"),
		process: process,
		pacer:   rate.NewLimiter(limit, 1),
		records: make(map[string]*Record),
	}
}

// nextAttempt returns when the scheduled worker should retry a record that
// has failed attempts times.
func (q *Queue) nextAttempt(now time.Time, attempts int) time.Time {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = q.opts.InitialInterval
	expo.MaxInterval = q.opts.MaxInterval
	expo.Multiplier = 2
	expo.RandomizationFactor = 0
	expo.MaxElapsedTime = 0
	expo.Reset()

	delay := expo.NextBackOff()
	for i := 1; i < attempts; i++ {
		delay = expo.NextBackOff()
	}
	return now.Add(delay)
}

// Enqueue stores a message whose processing failed with cause. Enqueueing a
// message that is already queued counts as another failed attempt.
func (q *Queue) Enqueue(event model.InboundMessage, cause error) Record {
	now := q.opts.Now()
	errText := ""
	if cause != nil {
		errText = cause.Error()
	}

	q.mu.Lock()
	rec, ok := q.records[event.ID]
	var prev Status
	if ok {
		prev = rec.Status
	}
	if !ok || rec.Status == StatusResolved {
		rec = &Record{
			MessageID:      event.ID,
			UserID:         event.UserID,
			Event:          event,
			Attempts:       1,
			MaxAttempts:    q.opts.MaxAttempts,
			FirstAttemptAt: now,
		}
		q.records[event.ID] = rec
	} else if rec.Attempts < rec.MaxAttempts {
		rec.Attempts++
	}
	rec.LastAttemptAt = now
	rec.LastError = errText
	dead := q.settleLocked(rec, prev, now)
	out := *rec
	q.mu.Unlock()

	q.logger.Warn("message queued for retry",
		zap.String("message_id", out.MessageID),
		zap.String("user_id", out.UserID),
		zap.Int("attempts", out.Attempts),
		zap.String("error", errText),
	)
	q.afterMutation(context.Background(), dead)
	return out
}

// settleLocked sets the status of a record that just failed; prev is its
// status before the attempt. It returns the record only on the transition to
// failed_permanent, so each message is dead-lettered once.
func (q *Queue) settleLocked(rec *Record, prev Status, now time.Time) *Record {
	if rec.Attempts >= rec.MaxAttempts {
		rec.Status = StatusFailedPermanent
		rec.NextAttemptAt = nil
		if prev == StatusFailedPermanent {
			return nil
		}
		dead := *rec
		return &dead
	}
	rec.Status = StatusPending
	next := q.nextAttempt(now, rec.Attempts)
	rec.NextAttemptAt = &next
	return nil
}

// Retry re-runs processing for one message. Operator errors are returned as
// errors and leave the record untouched; a processing failure is reported in
// the result.
func (q *Queue) Retry(ctx context.Context, messageID string) (RetryResult, error) {
	if messageID == "" {
		return RetryResult{}, ErrInvalidID
	}

	q.mu.Lock()
	rec, ok := q.records[messageID]
	switch {
	case !ok:
		q.mu.Unlock()
		return RetryResult{}, fmt.Errorf("%w: %s", ErrNotFound, messageID)
	case rec.Status == StatusResolved:
		q.mu.Unlock()
		return RetryResult{}, fmt.Errorf("%w: %s", ErrAlreadyResolved, messageID)
	case rec.Status == StatusRetrying:
		q.mu.Unlock()
		return RetryResult{}, fmt.Errorf("%w: %s", ErrRetryInProgress, messageID)
	}
	prev := rec.Status
	rec.Status = StatusRetrying
	event := rec.Event
	q.mu.Unlock()
	q.updateGauges()

	err := q.runProcess(ctx, event)
	now := q.opts.Now()

	q.mu.Lock()
	var dead *Record
	rec.LastAttemptAt = now
	if err == nil {
		rec.Status = StatusResolved
		rec.NextAttemptAt = nil
		rec.LastError = ""
	} else {
		if rec.Attempts < rec.MaxAttempts {
			rec.Attempts++
		}
		rec.LastError = err.Error()
		dead = q.settleLocked(rec, prev, now)
	}
	res := RetryResult{
		MessageID: messageID,
		Success:   err == nil,
		Status:    rec.Status,
		Attempts:  rec.Attempts,
	}
	q.mu.Unlock()

	if err != nil {
		res.Error = err.Error()
		metrics.RetryAttempts.WithLabelValues("failure").Inc()
		q.logger.Warn("retry failed",
			zap.String("message_id", messageID),
			zap.Int("attempts", res.Attempts),
			zap.String("status", string(res.Status)),
			zap.Error(err),
		)
	} else {
		metrics.RetryAttempts.WithLabelValues("success").Inc()
		q.logger.Info("retry succeeded", zap.String("message_id", messageID), zap.Int("attempts", res.Attempts))
	}

	q.afterMutation(ctx, dead)
	return res, nil
}

// runProcess calls the processing function, turning a panic into an error so
// the record is settled like any other failure.
func (q *Queue) runProcess(ctx context.Context, event model.InboundMessage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("retry processing panicked",
				zap.String("message_id", event.ID),
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
			err = fmt.Errorf("%w: %v", ErrProcessPanic, r)
		}
	}()
	return q.process(ctx, event)
}

// RetryAll retries every pending and failed_permanent message, oldest first,
// paced by the configured retry rate.
func (q *Queue) RetryAll(ctx context.Context) []RetryResult {
	return q.retryWhere(ctx, func(r *Record, _ time.Time) bool {
		return r.Status == StatusPending || r.Status == StatusFailedPermanent
	})
}

// RetryDue retries pending messages whose next attempt time has passed.
func (q *Queue) RetryDue(ctx context.Context) []RetryResult {
	return q.retryWhere(ctx, func(r *Record, now time.Time) bool {
		return r.Status == StatusPending && r.NextAttemptAt != nil && !now.Before(*r.NextAttemptAt)
	})
}

func (q *Queue) retryWhere(ctx context.Context, match func(r *Record, now time.Time) bool) []RetryResult {
	now := q.opts.Now()
	var ids []string
	for _, r := range q.List() {
		if match(&r, now) {
			ids = append(ids, r.MessageID)
		}
	}

	results := make([]RetryResult, 0, len(ids))
	for _, id := range ids {
		if err := q.pacer.Wait(ctx); err != nil {
			break
		}
		res, err := q.Retry(ctx, id)
		if err != nil {
			results = append(results, RetryResult{MessageID: id, Error: err.Error()})
			continue
		}
		results = append(results, res)
	}
	return results
}

// List returns all records ordered by first attempt.
func (q *Queue) List() []Record {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.listLocked()
}

func (q *Queue) listLocked() []Record {
	out := make([]Record, 0, len(q.records))
	for _, r := range q.records {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].FirstAttemptAt.Equal(out[j].FirstAttemptAt) {
			return out[i].MessageID < out[j].MessageID
		}
		return out[i].FirstAttemptAt.Before(out[j].FirstAttemptAt)
	})
	return out
}

// Get returns one record.
func (q *Queue) Get(messageID string) (Record, error) {
	if messageID == "" {
		return Record{}, ErrInvalidID
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	r, ok := q.records[messageID]
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, messageID)
	}
	return *r, nil
}

// Clear removes resolved records, and with ClearAll also pending and
// failed_permanent ones. Records being retried are never removed. It returns
// the number of records removed.
func (q *Queue) Clear(scope ClearScope) int {
	q.mu.Lock()
	n := 0
	for id, r := range q.records {
		switch {
		case r.Status == StatusResolved,
			scope == ClearAll && r.Status != StatusRetrying:
			delete(q.records, id)
			n++
		}
	}
	q.mu.Unlock()

	if n > 0 {
		q.logger.Info("retry queue cleared", zap.Int("removed", n), zap.Bool("all", scope == ClearAll))
		q.afterMutation(context.Background(), nil)
	}
	return n
}

// Stats counts records by status.
type Stats struct {
	Total           int `json:"total"`
	Active          int `json:"active"`
	Pending         int `json:"pending"`
	Retrying        int `json:"retrying"`
	FailedPermanent int `json:"failed_permanent"`
	Resolved        int `json:"resolved"`
}

// Stats returns record counts by status.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.statsLocked()
}

func (q *Queue) statsLocked() Stats {
	var s Stats
	for _, r := range q.records {
		s.Total++
		switch r.Status {
		case StatusPending:
			s.Pending++
		case StatusRetrying:
			s.Retrying++
		case StatusFailedPermanent:
			s.FailedPermanent++
		case StatusResolved:
			s.Resolved++
		}
	}
	s.Active = s.Total - s.Resolved
	return s
}

// Run retries due messages on the configured interval until ctx is cancelled.
func (q *Queue) Run(ctx context.Context) error {
	ticker := time.NewTicker(q.opts.WorkerInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			results := q.RetryDue(ctx)
			if len(results) == 0 {
				continue
			}
			succeeded := 0
			for _, r := range results {
				if r.Success {
					succeeded++
				}
			}
			q.logger.Info("scheduled retries finished",
				zap.Int("attempted", len(results)),
				zap.Int("succeeded", succeeded),
			)
		}
	}
}

func (q *Queue) updateGauges() {
	s := q.Stats()
	counts := map[Status]int{
		StatusPending:         s.Pending,
		StatusRetrying:        s.Retrying,
		StatusFailedPermanent: s.FailedPermanent,
		StatusResolved:        s.Resolved,
	}
	for _, st := range statuses {
		metrics.RetryQueueRecords.WithLabelValues(string(st)).Set(float64(counts[st]))
	}
}

// afterMutation publishes gauges, the dead letter for a record that just
// became failed_permanent and a snapshot.
func (q *Queue) afterMutation(ctx context.Context, dead *Record) {
	q.updateGauges()

	if dead != nil {
		q.logger.Error("message failed permanently",
			zap.String("message_id", dead.MessageID),
			zap.String("user_id", dead.UserID),
			zap.Int("attempts", dead.Attempts),
			zap.String("last_error", dead.LastError),
		)
		if q.opts.DeadLetters != nil {
			if err := q.opts.DeadLetters.PublishDeadLetter(ctx, *dead); err != nil {
				q.logger.Warn("failed to publish dead letter", zap.String("message_id", dead.MessageID), zap.Error(err))
			}
		}
	}

	if q.opts.Snapshots != nil {
		if err := q.opts.Snapshots.SaveSnapshot(ctx, q.List()); err != nil {
			q.logger.Warn("failed to save retry queue snapshot", zap.Error(err))
		}
	}
}
