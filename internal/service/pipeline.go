// Package service composes the resilience components into the inbound
// message pipeline.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/citizen-chat/resilience-core/internal/batch"
	"github.com/citizen-chat/resilience-core/internal/breaker"
	"github.com/citizen-chat/resilience-core/internal/cache"
	"github.com/citizen-chat/resilience-core/internal/channel"
	"github.com/citizen-chat/resilience-core/internal/convstate"
	"github.com/citizen-chat/resilience-core/internal/model"
	"github.com/citizen-chat/resilience-core/internal/ratelimit"
	"github.com/citizen-chat/resilience-core/internal/retryqueue"
	"github.com/citizen-chat/resilience-core/pkg/logger"
	"github.com/citizen-chat/resilience-core/pkg/metrics"
	"github.com/citizen-chat/resilience-core/pkg/tracing"
)

// ErrInvalidMessage wraps validation failures of inbound messages.
var ErrInvalidMessage = errors.New("invalid inbound message")

// QueuedReplyText is sent when a message could not be processed and was
// queued for retry.
const QueuedReplyText = "Sorry, we could not process your message right now. We will get back to you shortly."

// EventPublisher receives operational events such as takeovers.
type EventPublisher interface {
	PublishEvent(ctx context.Context, event *model.OperationalEvent) error
}

// Enqueuer is the part of the retry queue the pipeline writes to.
type Enqueuer interface {
	Enqueue(event model.InboundMessage, cause error) retryqueue.Record
}

// Deps are the components a Pipeline is built from.
type Deps struct {
	Limiter   *ratelimit.Limiter
	Coalescer *batch.Coalescer
	Cache     *cache.Cache
	Tracker   *convstate.Tracker
	Processor Processor
	Sender    channel.Sender
	Events    EventPublisher
	Now       func() time.Time
}

// Pipeline runs one inbound message through rate limiting, batching, the
// response cache and processing, and routes failures to the retry queue.
type Pipeline struct {
	deps   Deps
	queue  Enqueuer
	logger *logger.Logger
	tracer trace.Tracer
}

// NewPipeline creates a pipeline.
func NewPipeline(deps Deps, log *logger.Logger) *Pipeline {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Sender == nil {
		deps.Sender = channel.NewLogSender(log)
	}
	return &Pipeline{
		deps:   deps,
		logger: log.Named("pipeline"),
		tracer: tracing.Tracer(),
	}
}

// SetRetryQueue attaches the queue failed messages are sent to. The queue
// itself retries through Reprocess, so it is attached after construction.
func (p *Pipeline) SetRetryQueue(q Enqueuer) {
	p.queue = q
}

// Handle processes one inbound message and returns the reply for it. Policy
// denials, fallbacks and queued failures are replies, not errors; errors are
// returned only for invalid input or a cancelled context. A cancelled primary
// whose window already merged follow-ups is queued rather than returned as an
// error.
func (p *Pipeline) Handle(ctx context.Context, msg model.InboundMessage) (*model.Reply, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = p.deps.Now()
	}
	if err := msg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}

	ctx, span := p.tracer.Start(ctx, "pipeline.Handle", trace.WithAttributes(
		attribute.String("message.id", msg.ID),
		attribute.String("message.channel", string(msg.Channel)),
	))
	defer span.End()

	log := p.logger.WithMessage(msg.ID, string(msg.Channel), msg.UserID)

	// Follow-ups joining an open window ride on the request that opened it
	// and are not checked against the quota again.
	if res, ok := p.deps.Coalescer.Join(msg.ConversationKey(), msg.Content); ok {
		p.count(msg, "batched")
		return p.batched(msg, res), nil
	}

	decision := p.deps.Limiter.Check(msg.UserID)
	if !decision.Allowed {
		span.SetAttributes(attribute.String("pipeline.denied", string(decision.Reason)))
		log.Debug("message denied", zap.String("reason", string(decision.Reason)))
		p.count(msg, "denied")
		return p.denial(msg, decision), nil
	}

	res, err := p.deps.Coalescer.AddToBatch(ctx, msg.ConversationKey(), msg.Content)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "batch wait cancelled")
		// Follow-ups in the window were already answered as batched, so the
		// merged text goes to the retry queue instead of being dropped.
		if res.MessageCount > 1 {
			return p.enqueue(msg, res.CombinedMessage, fmt.Errorf("batch wait interrupted: %w", err), log), nil
		}
		return nil, fmt.Errorf("failed to batch message: %w", err)
	}
	if !res.IsPrimary || res.Cancelled {
		p.count(msg, "batched")
		return p.batched(msg, res), nil
	}
	defer res.Release()

	span.SetAttributes(attribute.Int("batch.messages", res.MessageCount))

	reply, err := p.respond(ctx, msg, res.CombinedMessage, log)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return p.enqueue(msg, res.CombinedMessage, err, log), nil
	}
	reply.BatchedCount = res.MessageCount
	p.count(msg, string(reply.Source))
	return reply, nil
}

// Reprocess runs a stored message again, bypassing the rate limiter and the
// coalescer. It is the retry queue's processing function; a fallback counts
// as a failure so the message stays queued.
func (p *Pipeline) Reprocess(ctx context.Context, msg model.InboundMessage) error {
	ctx, span := p.tracer.Start(ctx, "pipeline.Reprocess", trace.WithAttributes(
		attribute.String("message.id", msg.ID),
	))
	defer span.End()

	reply, err := p.respond(ctx, msg, msg.Content, p.logger.WithMessage(msg.ID, string(msg.Channel), msg.UserID))
	if err != nil {
		span.RecordError(err)
		return err
	}
	if reply.Source == model.SourceFallback {
		return fmt.Errorf("downstream unavailable: %s", reply.Fallback.Code)
	}
	return nil
}

// TakeOver hands a conversation to a human operator by discarding its open
// batch window. It reports whether a window was open.
func (p *Pipeline) TakeOver(ctx context.Context, conversationID, operator string) bool {
	cancelled := p.deps.Coalescer.CancelBatch(conversationID)
	p.logger.Info("conversation taken over",
		zap.String("conversation_id", conversationID),
		zap.String("operator", operator),
		zap.Bool("batch_cancelled", cancelled),
	)
	if p.deps.Events != nil {
		event := &model.OperationalEvent{
			ID:        uuid.NewString(),
			Type:      model.EventTypeTakeover,
			Reason:    "operator takeover",
			Metadata:  map[string]any{"conversation_id": conversationID, "operator": operator},
			CreatedAt: p.deps.Now(),
		}
		if err := p.deps.Events.PublishEvent(ctx, event); err != nil {
			p.logger.Warn("failed to publish takeover event", zap.Error(err))
		}
	}
	return cancelled
}

// respond produces and delivers the reply for text. It returns an error only
// for failures that should go to the retry queue.
func (p *Pipeline) respond(ctx context.Context, msg model.InboundMessage, text string, log *logger.Logger) (*model.Reply, error) {
	conv, ok := p.deps.Tracker.Get(msg.UserID)
	if !ok {
		conv.State = convstate.Idle
	}
	fp := cache.Fingerprint(text, string(conv.State), conv.LastIntent)

	if entry, ok := p.deps.Cache.Lookup(fp); ok {
		if _, err := p.deps.Tracker.Update(msg.UserID, "", conv.MissingFields); err != nil {
			return nil, fmt.Errorf("failed to update conversation: %w", err)
		}
		reply := p.newReply(msg, model.SourceCache)
		reply.Text = entry.Reply
		return reply, p.deliver(ctx, msg, reply)
	}

	_, span := p.tracer.Start(ctx, "pipeline.process")
	out, err := p.deps.Processor.Process(ctx, msg, text, conv)
	span.End()
	if err != nil {
		return nil, fmt.Errorf("failed to process message: %w", err)
	}

	if out.Fallback != nil {
		log.Warn("downstream fallback", zap.String("code", string(out.Fallback.Code)), zap.String("breaker", out.Fallback.Breaker))
		return p.fallback(msg, out.Fallback), nil
	}

	change, err := p.deps.Tracker.Update(msg.UserID, out.Intent, out.MissingFields)
	if err != nil {
		return nil, fmt.Errorf("failed to update conversation: %w", err)
	}
	if out.Completed {
		done, err := p.deps.Tracker.Complete(msg.UserID)
		if err != nil {
			return nil, fmt.Errorf("failed to complete conversation: %w", err)
		}
		log.Info("conversation completed", zap.String("intent", done.LastIntent), zap.Int("messages", done.MessageCount))
	}
	// Only answers outside a report flow are reusable across users.
	if !out.Completed && change.From == convstate.Idle && change.Context.State == convstate.Idle {
		p.deps.Cache.Store(fp, out.Text)
	}

	reply := p.newReply(msg, model.SourceLLM)
	reply.Text = out.Text
	return reply, p.deliver(ctx, msg, reply)
}

func (p *Pipeline) deliver(ctx context.Context, msg model.InboundMessage, reply *model.Reply) error {
	if err := p.deps.Sender.Send(ctx, reply); err != nil {
		return fmt.Errorf("failed to deliver reply: %w", err)
	}
	p.deps.Limiter.Record(msg.UserID)
	return nil
}

func (p *Pipeline) enqueue(msg model.InboundMessage, text string, cause error, log *logger.Logger) *model.Reply {
	stored := msg
	stored.Content = text
	if p.queue != nil {
		rec := p.queue.Enqueue(stored, cause)
		log.Warn("message routed to retry queue", zap.Int("attempts", rec.Attempts), zap.Error(cause))
	} else {
		log.Error("message failed with no retry queue attached", zap.Error(cause))
	}
	p.count(msg, "queued")

	reply := p.newReply(msg, model.SourceQueued)
	reply.Text = QueuedReplyText
	return reply
}

func (p *Pipeline) newReply(msg model.InboundMessage, source model.ReplySource) *model.Reply {
	return &model.Reply{
		MessageID:      msg.ID,
		ConversationID: msg.ConversationKey(),
		UserID:         msg.UserID,
		Channel:        msg.Channel,
		Source:         source,
		CreatedAt:      p.deps.Now(),
	}
}

func (p *Pipeline) batched(msg model.InboundMessage, res batch.Result) *model.Reply {
	r := p.newReply(msg, model.SourceBatched)
	r.Suppress = true
	r.BatchedCount = res.MessageCount
	return r
}

func (p *Pipeline) denial(msg model.InboundMessage, d ratelimit.Decision) *model.Reply {
	r := p.newReply(msg, model.SourceDenied)
	r.Text = d.Message
	r.Denial = &model.DenialNotice{
		Reason:            string(d.Reason),
		RetryAfterSec:     int(d.RetryAfter.Round(time.Second) / time.Second),
		RemainingReports:  d.RemainingReports,
		CooldownRemaining: int(d.CooldownRemaining.Round(time.Second) / time.Second),
	}
	return r
}

func (p *Pipeline) fallback(msg model.InboundMessage, f *breaker.Fallback) *model.Reply {
	r := p.newReply(msg, model.SourceFallback)
	r.Text = f.Message
	r.Fallback = &model.FallbackNotice{
		Code:          string(f.Code),
		Dependency:    f.Breaker,
		RetryAfterSec: f.RetryAfter,
	}
	return r
}

func (p *Pipeline) count(msg model.InboundMessage, outcome string) {
	metrics.InboundMessages.WithLabelValues(string(msg.Channel), outcome).Inc()
}
