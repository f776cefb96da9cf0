// Package convstate tracks where each user is in a multi-turn conversation.
// The tracker never interprets intents; callers report the detected intent
// and the required fields still missing, and the tracker records membership
// changes and message counts.
package convstate

import (
	"context"
	"errors"
	"slices"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/citizen-chat/resilience-core/internal/partition"
	"github.com/citizen-chat/resilience-core/pkg/logger"
	"github.com/citizen-chat/resilience-core/pkg/metrics"
)

// State is the conversation phase.
type State string

const (
	Idle                 State = "idle"
	Collecting           State = "collecting"
	AwaitingConfirmation State = "awaiting_confirmation"
	Completed            State = "completed"
	// Expired is never stored; contexts reaching it are removed.
	Expired State = "expired"
)

var (
	ErrInvalidUser = errors.New("user id is required")
	ErrNotFound    = errors.New("conversation context not found")
)

// Context is one user's conversation state.
type Context struct {
	UserID        string    `json:"user_id"`
	State         State     `json:"state"`
	MessageCount  int       `json:"message_count"`
	LastIntent    string    `json:"last_intent,omitempty"`
	MissingFields []string  `json:"missing_fields"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Change reports the effect of an Update.
type Change struct {
	Context Context  `json:"context"`
	From    State    `json:"from"`
	Added   []string `json:"added"`
	Removed []string `json:"removed"`
}

// Options configures a Tracker.
type Options struct {
	InactivityTimeout time.Duration
	SweepInterval     time.Duration
	Now               func() time.Time
}

// Tracker owns the per-user conversation contexts.
type Tracker struct {
	opts     Options
	logger   *logger.Logger
	contexts *partition.Map[Context]
}

// New creates a tracker.
func New(opts Options, log *logger.Logger) *Tracker {
	if opts.InactivityTimeout <= 0 {
		opts.InactivityTimeout = 30 * time.Minute
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = 5 * time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Tracker{
		opts:     opts,
		logger:   log.Named("convstate"),
		contexts: partition.New[Context](partition.DefaultShards),
	}
}

func (t *Tracker) expired(c *Context, now time.Time) bool {
	return now.Sub(c.UpdatedAt) >= t.opts.InactivityTimeout
}

// Get returns the user's context. Contexts idle past the inactivity timeout
// are treated as absent.
func (t *Tracker) Get(userID string) (Context, bool) {
	var (
		out   Context
		found bool
	)
	now := t.opts.Now()
	t.contexts.Do(userID, func(cur *Context) *Context {
		if cur == nil {
			return nil
		}
		if t.expired(cur, now) {
			return nil
		}
		out, found = *cur, true
		return cur
	})
	return out, found
}

// Update records a message from userID together with the intent detected in
// it (empty keeps the previous one) and the set of fields still missing.
func (t *Tracker) Update(userID, intent string, missingFields []string) (Change, error) {
	if userID == "" {
		return Change{}, ErrInvalidUser
	}

	now := t.opts.Now()
	missing := normalizeFields(missingFields)

	var ch Change
	t.contexts.Do(userID, func(cur *Context) *Context {
		if cur == nil || t.expired(cur, now) {
			cur = &Context{UserID: userID, State: Idle, CreatedAt: now, MissingFields: []string{}}
		}
		next := *cur
		ch.From = cur.State

		if cur.State == Completed {
			next.LastIntent = ""
			next.MissingFields = []string{}
		}

		ch.Added, ch.Removed = diffFields(next.MissingFields, missing)
		next.MissingFields = missing
		next.MessageCount++
		if intent != "" {
			next.LastIntent = intent
		}
		next.State = nextState(next.LastIntent, missing)
		next.UpdatedAt = now

		ch.Context = next
		return &next
	})

	if ch.From != ch.Context.State {
		t.logger.Debug("conversation state changed",
			zap.String("user_id", userID),
			zap.String("from", string(ch.From)),
			zap.String("to", string(ch.Context.State)),
		)
	}
	metrics.ActiveConversations.Set(float64(t.contexts.Len()))
	return ch, nil
}

func nextState(intent string, missing []string) State {
	switch {
	case len(missing) > 0:
		return Collecting
	case intent != "":
		return AwaitingConfirmation
	default:
		return Idle
	}
}

// Complete marks the user's conversation as finished. The context stays
// until it expires or the next Update starts a new cycle.
func (t *Tracker) Complete(userID string) (Context, error) {
	if userID == "" {
		return Context{}, ErrInvalidUser
	}
	now := t.opts.Now()

	var (
		out   Context
		found bool
	)
	t.contexts.Do(userID, func(cur *Context) *Context {
		if cur == nil || t.expired(cur, now) {
			return nil
		}
		next := *cur
		next.State = Completed
		next.MissingFields = []string{}
		next.UpdatedAt = now
		out, found = next, true
		return &next
	})
	if !found {
		return Context{}, ErrNotFound
	}
	return out, nil
}

// Reset drops the user's context and reports whether one existed.
func (t *Tracker) Reset(userID string) bool {
	ok := t.contexts.Delete(userID)
	metrics.ActiveConversations.Set(float64(t.contexts.Len()))
	return ok
}

// ListActive returns all unexpired contexts, most recently updated first.
func (t *Tracker) ListActive() []Context {
	now := t.opts.Now()
	var out []Context
	t.contexts.Each(func(_ string, c *Context) {
		if !t.expired(c, now) {
			out = append(out, *c)
		}
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UserID < out[j].UserID
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out
}

// Stats summarizes the active contexts.
type Stats struct {
	ActiveContexts  int           `json:"active_contexts"`
	AvgMessageCount float64       `json:"avg_message_count"`
	ByState         map[State]int `json:"by_state"`
}

// Stats returns counts over the active contexts.
func (t *Tracker) Stats() Stats {
	s := Stats{ByState: make(map[State]int)}
	total := 0
	for _, c := range t.ListActive() {
		s.ActiveContexts++
		s.ByState[c.State]++
		total += c.MessageCount
	}
	if s.ActiveContexts > 0 {
		s.AvgMessageCount = float64(total) / float64(s.ActiveContexts)
	}
	return s
}

// Sweep evicts contexts idle past the inactivity timeout and returns how
// many were removed.
func (t *Tracker) Sweep() int {
	now := t.opts.Now()
	n := t.contexts.Sweep(func(_ string, c *Context) bool {
		return !t.expired(c, now)
	})
	metrics.ActiveConversations.Set(float64(t.contexts.Len()))
	return n
}

// Run sweeps on the configured interval until ctx is cancelled.
func (t *Tracker) Run(ctx context.Context) error {
	ticker := time.NewTicker(t.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := t.Sweep(); n > 0 {
				t.logger.Info("expired idle conversations", zap.Int("count", n))
			}
		}
	}
}

func normalizeFields(fields []string) []string {
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if f != "" {
			out = append(out, f)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// diffFields compares two sorted sets.
func diffFields(before, after []string) (added, removed []string) {
	added, removed = []string{}, []string{}
	for _, f := range after {
		if _, ok := slices.BinarySearch(before, f); !ok {
			added = append(added, f)
		}
	}
	for _, f := range before {
		if _, ok := slices.BinarySearch(after, f); !ok {
			removed = append(removed, f)
		}
	}
	return added, removed
}
