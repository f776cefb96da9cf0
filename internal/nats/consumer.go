package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/citizen-chat/resilience-core/internal/model"
	"github.com/citizen-chat/resilience-core/pkg/logger"
)

// DefaultDurable is the durable name of the inbound consumer.
const DefaultDurable = "resilience-core"

// ErrMalformed marks inbound payloads that can never be processed.
var ErrMalformed = errors.New("malformed inbound message")

// HandlerFunc processes one inbound message and returns its reply.
type HandlerFunc func(ctx context.Context, msg model.InboundMessage) (*model.Reply, error)

// ConsumerOptions configures an inbound consumer.
type ConsumerOptions struct {
	Durable     string
	Concurrency int
	AckWait     time.Duration
	MaxDeliver  int
	// Permanent reports handler errors that must not be redelivered.
	Permanent func(error) bool
}

// Consumer pulls messages from the inbound stream.
type Consumer struct {
	streams *StreamManager
	opts    ConsumerOptions
	logger  *logger.Logger
}

// NewConsumer creates a consumer on the inbound stream.
func NewConsumer(streams *StreamManager, opts ConsumerOptions, log *logger.Logger) *Consumer {
	if opts.Durable == "" {
		opts.Durable = DefaultDurable
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 16
	}
	if opts.AckWait <= 0 {
		opts.AckWait = time.Minute
	}
	if opts.MaxDeliver <= 0 {
		opts.MaxDeliver = 5
	}
	if opts.Permanent == nil {
		opts.Permanent = func(error) bool { return false }
	}
	return &Consumer{
		streams: streams,
		opts:    opts,
		logger:  log.Named("consumer"),
	}
}

// DecodeInbound parses a JetStream payload into an inbound message. The
// subject fills in channel and user when the payload omits them.
func DecodeInbound(subject string, data []byte) (model.InboundMessage, error) {
	var msg model.InboundMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return msg, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	channel, userID, ok := parseInboundSubject(subject)
	if ok {
		if msg.Channel == "" {
			msg.Channel = channel
		}
		if msg.UserID == "" {
			msg.UserID = userID
		}
	}
	return msg, nil
}

func parseInboundSubject(subject string) (model.Channel, string, bool) {
	prefix := InboundPrefix + "."
	if len(subject) <= len(prefix) || subject[:len(prefix)] != prefix {
		return "", "", false
	}
	rest := subject[len(prefix):]
	for i := 0; i < len(rest); i++ {
		if rest[i] == '.' {
			if i == 0 || i == len(rest)-1 {
				return "", "", false
			}
			return model.Channel(rest[:i]), rest[i+1:], true
		}
	}
	return "", "", false
}

// Run consumes until ctx is cancelled. Replies the pipeline did not deliver
// itself are published on the outbound stream.
func (c *Consumer) Run(ctx context.Context, handle HandlerFunc) error {
	js := c.streams.client.JetStream()
	cons, err := js.CreateOrUpdateConsumer(ctx, InboundStream, jetstream.ConsumerConfig{
		Durable:       c.opts.Durable,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       c.opts.AckWait,
		MaxDeliver:    c.opts.MaxDeliver,
		MaxAckPending: c.opts.Concurrency * 4,
		FilterSubject: InboundPrefix + ".>",
	})
	if err != nil {
		return fmt.Errorf("failed to create consumer: %w", err)
	}

	iter, err := cons.Messages(jetstream.PullMaxMessages(c.opts.Concurrency))
	if err != nil {
		return fmt.Errorf("failed to start message iterator: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.opts.Concurrency + 1)
	g.Go(func() error {
		<-gctx.Done()
		iter.Stop()
		return nil
	})

	c.logger.Info("consuming inbound messages", zap.String("durable", c.opts.Durable))
	for {
		m, err := iter.Next()
		if err != nil {
			if errors.Is(err, jetstream.ErrMsgIteratorClosed) {
				break
			}
			c.logger.Warn("failed to fetch message", zap.Error(err))
			continue
		}
		g.Go(func() error {
			c.handle(gctx, m, handle)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

func (c *Consumer) handle(ctx context.Context, m jetstream.Msg, handle HandlerFunc) {
	msg, err := DecodeInbound(m.Subject(), m.Data())
	if err != nil {
		c.logger.Warn("dropping malformed message", zap.String("subject", m.Subject()), zap.Error(err))
		c.term(m)
		return
	}
	log := c.logger.WithMessage(msg.ID, string(msg.Channel), msg.UserID)

	reply, err := handle(ctx, msg)
	switch {
	case err == nil:
	case c.opts.Permanent(err):
		log.Warn("dropping unprocessable message", zap.Error(err))
		c.term(m)
		return
	default:
		log.Warn("message handling interrupted, redelivering", zap.Error(err))
		if nakErr := m.Nak(); nakErr != nil {
			log.Error("failed to nak message", zap.Error(nakErr))
		}
		return
	}

	if !reply.Suppress && !reply.Delivered() {
		if err := c.streams.PublishReply(ctx, reply); err != nil {
			log.Error("failed to publish reply", zap.Error(err))
		}
	}
	if err := m.Ack(); err != nil {
		log.Error("failed to ack message", zap.Error(err))
	}
}

func (c *Consumer) term(m jetstream.Msg) {
	if err := m.Term(); err != nil {
		c.logger.Error("failed to terminate message", zap.Error(err))
	}
}
