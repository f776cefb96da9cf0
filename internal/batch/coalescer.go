// Package batch merges bursts of messages from one conversation into a single
// request. The first message of a burst opens a window and becomes the
// primary request; later messages in the window ride along with it.
package batch

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/citizen-chat/resilience-core/internal/partition"
	"github.com/citizen-chat/resilience-core/pkg/logger"
	"github.com/citizen-chat/resilience-core/pkg/metrics"
)

// DoNotDisplay is the CombinedMessage of secondary results. Callers must not
// show anything to the user for them.
const DoNotDisplay = "__batched_do_not_display__"

// Result describes how AddToBatch handled one message.
type Result struct {
	RequestID       string `json:"request_id"`
	IsPrimary       bool   `json:"is_primary"`
	IsBatched       bool   `json:"is_batched"`
	CombinedMessage string `json:"combined_message"`
	MessageCount    int    `json:"message_count"`
	Suppress        bool   `json:"suppress"`
	Cancelled       bool   `json:"cancelled"`

	release func()
}

// Release signals that the primary request finished processing, letting the
// conversation's next window proceed. It is safe to call more than once and
// is a no-op for secondary results.
func (r Result) Release() {
	if r.release != nil {
		r.release()
	}
}

// Options configures a Coalescer.
type Options struct {
	Window time.Duration
	// MaxMessages force-closes a window once it holds this many messages.
	// Zero means unbounded.
	MaxMessages int
	Separator   string
}

type window struct {
	id        string
	messages  []string
	deadline  time.Time
	timer     *time.Timer
	done      chan struct{}
	closed    bool
	cancelled bool

	prev        <-chan struct{}
	released    chan struct{}
	releaseOnce sync.Once
}

type tail struct {
	released chan struct{}
}

// Coalescer owns the open batch windows.
type Coalescer struct {
	opts    Options
	logger  *logger.Logger
	windows *partition.Map[window]
	tails   *partition.Map[tail]
}

// New creates a coalescer.
func New(opts Options, log *logger.Logger) *Coalescer {
	if opts.Window <= 0 {
		opts.Window = 3 * time.Second
	}
	if opts.Separator == "" {
		opts.Separator = "\n"
	}
	return &Coalescer{
		opts:    opts,
		logger:  log.Named("batch"),
		windows: partition.New[window](partition.DefaultShards),
		tails:   partition.New[tail](partition.DefaultShards),
	}
}

// AddToBatch adds message to the conversation's open window, opening one if
// needed. Secondary messages return immediately with Suppress set. The
// primary blocks until the window closes, then returns the combined text;
// it must call Result.Release once processing is done. When ctx ends first
// the error is returned together with the text merged so far.
func (c *Coalescer) AddToBatch(ctx context.Context, conversationID, message string) (Result, error) {
	var (
		w       *window
		primary bool
		count   int
	)

	c.windows.Do(conversationID, func(cur *window) *window {
		if cur != nil && !cur.closed {
			w = cur
			count, cur = c.appendLocked(cur, message)
			return cur
		}

		w = &window{
			id:       uuid.NewString(),
			messages: []string{message},
			deadline: time.Now().Add(c.opts.Window),
			done:     make(chan struct{}),
			released: make(chan struct{}),
		}
		primary, count = true, 1
		c.tails.Do(conversationID, func(t *tail) *tail {
			if t != nil {
				w.prev = t.released
			}
			return &tail{released: w.released}
		})

		if c.opts.MaxMessages == 1 {
			c.closeLocked(w, false)
			return nil
		}
		opened := w
		w.timer = time.AfterFunc(c.opts.Window, func() {
			c.finish(conversationID, opened, false)
		})
		return w
	})

	if !primary {
		return secondary(w, count), nil
	}

	release := func() { c.release(conversationID, w) }

	select {
	case <-w.done:
	case <-ctx.Done():
		c.finish(conversationID, w, false)
		<-w.done
		release()
		return c.abandoned(w), ctx.Err()
	}

	if w.cancelled {
		release()
		return Result{
			RequestID:    w.id,
			IsPrimary:    true,
			Cancelled:    true,
			Suppress:     true,
			MessageCount: len(w.messages),
		}, nil
	}

	// Wait for the previous window of this conversation to finish so replies
	// keep the order in which windows were opened.
	if w.prev != nil {
		select {
		case <-w.prev:
		case <-ctx.Done():
			release()
			return c.abandoned(w), ctx.Err()
		}
	}

	n := len(w.messages)
	metrics.BatchSize.Observe(float64(n))
	if n > 1 {
		c.logger.Debug("batch window merged messages",
			zap.String("conversation_id", conversationID),
			zap.String("request_id", w.id),
			zap.Int("messages", n),
		)
	}

	return Result{
		RequestID:       w.id,
		IsPrimary:       true,
		IsBatched:       n > 1,
		CombinedMessage: strings.Join(w.messages, c.opts.Separator),
		MessageCount:    n,
		release:         release,
	}, nil
}

// Join appends message to the conversation's open window. It reports false,
// without side effects, when no window is open.
func (c *Coalescer) Join(conversationID, message string) (Result, bool) {
	var (
		w     *window
		count int
	)
	c.windows.Do(conversationID, func(cur *window) *window {
		if cur == nil || cur.closed {
			return cur
		}
		w = cur
		count, cur = c.appendLocked(cur, message)
		return cur
	})
	if w == nil {
		return Result{}, false
	}
	return secondary(w, count), true
}

// appendLocked adds a message to an open window, closing it at MaxMessages.
// It returns the new count and the value to keep in the map.
func (c *Coalescer) appendLocked(w *window, message string) (int, *window) {
	w.messages = append(w.messages, message)
	count := len(w.messages)
	if c.opts.MaxMessages > 0 && count >= c.opts.MaxMessages {
		c.closeLocked(w, false)
		return count, nil
	}
	return count, w
}

// abandoned is the result for a primary whose context ended. Unless an
// operator cancelled the window, it carries the merged text because the
// follow-ups were already acknowledged as batched.
func (c *Coalescer) abandoned(w *window) Result {
	res := Result{RequestID: w.id, IsPrimary: true, Cancelled: true, Suppress: true}
	if w.cancelled {
		return res
	}
	res.MessageCount = len(w.messages)
	res.IsBatched = res.MessageCount > 1
	res.CombinedMessage = strings.Join(w.messages, c.opts.Separator)
	return res
}

func secondary(w *window, count int) Result {
	return Result{
		RequestID:       w.id,
		IsBatched:       true,
		CombinedMessage: DoNotDisplay,
		MessageCount:    count,
		Suppress:        true,
	}
}

// CancelBatch discards the conversation's open window without processing it.
// It reports whether a window was open; racing the window's own deadline is
// safe and whichever happens first wins.
func (c *Coalescer) CancelBatch(conversationID string) bool {
	return c.closeCurrent(conversationID, true)
}

// Flush closes the conversation's open window early so the primary proceeds.
func (c *Coalescer) Flush(conversationID string) bool {
	return c.closeCurrent(conversationID, false)
}

// Open reports whether a window is currently open for the conversation.
func (c *Coalescer) Open(conversationID string) bool {
	_, ok := c.windows.Load(conversationID)
	return ok
}

func (c *Coalescer) closeCurrent(conversationID string, cancelled bool) bool {
	var closed bool
	c.windows.Do(conversationID, func(cur *window) *window {
		if cur == nil || cur.closed {
			return nil
		}
		c.closeLocked(cur, cancelled)
		closed = true
		return nil
	})
	if closed && cancelled {
		c.logger.Info("batch window cancelled", zap.String("conversation_id", conversationID))
	}
	return closed
}

// finish closes w if it is still the open window for the conversation.
func (c *Coalescer) finish(conversationID string, w *window, cancelled bool) {
	c.windows.Do(conversationID, func(cur *window) *window {
		if cur != w || w.closed {
			return cur
		}
		c.closeLocked(w, cancelled)
		return nil
	})
}

// closeLocked runs under the window's shard lock.
func (c *Coalescer) closeLocked(w *window, cancelled bool) {
	if w.closed {
		return
	}
	w.closed = true
	w.cancelled = cancelled
	if w.timer != nil {
		w.timer.Stop()
	}
	close(w.done)
}

func (c *Coalescer) release(conversationID string, w *window) {
	w.releaseOnce.Do(func() {
		close(w.released)
		c.tails.Do(conversationID, func(t *tail) *tail {
			if t != nil && t.released == w.released {
				return nil
			}
			return t
		})
	})
}
