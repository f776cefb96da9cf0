package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/citizen-chat/resilience-core/internal/model"
	"github.com/citizen-chat/resilience-core/internal/retryqueue"
)

const (
	// InboundStream holds messages received from the channel connectors.
	InboundStream = "INBOUND"
	// OutboundStream holds replies and operational events.
	OutboundStream = "OUTBOUND"

	InboundPrefix  = "inbound"
	OutboundPrefix = "outbound"
)

// StreamManager handles JetStream stream operations.
type StreamManager struct {
	client *Client
}

// NewStreamManager creates a new stream manager.
func NewStreamManager(client *Client) *StreamManager {
	return &StreamManager{client: client}
}

// EnsureStreams creates the inbound and outbound streams when missing.
func (m *StreamManager) EnsureStreams(ctx context.Context) error {
	configs := []jetstream.StreamConfig{
		{
			Name:        InboundStream,
			Subjects:    []string{InboundPrefix + ".>"},
			Retention:   jetstream.WorkQueuePolicy,
			MaxAge:      24 * time.Hour,
			Storage:     jetstream.FileStorage,
			Replicas:    1,
			Description: "Inbound citizen messages awaiting processing",
		},
		{
			Name:        OutboundStream,
			Subjects:    []string{OutboundPrefix + ".>"},
			Retention:   jetstream.LimitsPolicy,
			MaxAge:      7 * 24 * time.Hour,
			Storage:     jetstream.FileStorage,
			Replicas:    1,
			Compression: jetstream.S2Compression,
			Description: "Replies and operational events",
		},
	}

	js := m.client.JetStream()
	for _, cfg := range configs {
		if _, err := js.Stream(ctx, cfg.Name); err == nil {
			continue
		} else if !errors.Is(err, jetstream.ErrStreamNotFound) {
			return fmt.Errorf("failed to look up stream %s: %w", cfg.Name, err)
		}
		if _, err := js.CreateStream(ctx, cfg); err != nil {
			return fmt.Errorf("failed to create stream %s: %w", cfg.Name, err)
		}
	}
	return nil
}

// InboundSubject returns the subject connectors publish a message on.
func InboundSubject(channel model.Channel, userID string) string {
	return fmt.Sprintf("%s.%s.%s", InboundPrefix, channel, userID)
}

// ReplySubject returns the subject a reply is published on.
func ReplySubject(reply *model.Reply) string {
	return fmt.Sprintf("%s.reply.%s.%s", OutboundPrefix, reply.Channel, reply.UserID)
}

// EventSubject returns the subject an operational event is published on.
func EventSubject(eventType model.EventType) string {
	return fmt.Sprintf("%s.event.%s", OutboundPrefix, eventType)
}

func (m *StreamManager) publishJSON(ctx context.Context, subject, msgID string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}
	var opts []jetstream.PublishOpt
	if msgID != "" {
		opts = append(opts, jetstream.WithMsgID(msgID))
	}
	if _, err := m.client.JetStream().Publish(ctx, subject, data, opts...); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}
	return nil
}

// PublishReply publishes a reply for the channel connectors to deliver.
func (m *StreamManager) PublishReply(ctx context.Context, reply *model.Reply) error {
	return m.publishJSON(ctx, ReplySubject(reply), "reply-"+reply.MessageID, reply)
}

// PublishEvent publishes an operational event.
func (m *StreamManager) PublishEvent(ctx context.Context, event *model.OperationalEvent) error {
	return m.publishJSON(ctx, EventSubject(event.Type), event.ID, event)
}

// PublishDeadLetter announces a message that failed permanently.
func (m *StreamManager) PublishDeadLetter(ctx context.Context, rec retryqueue.Record) error {
	return m.PublishEvent(ctx, deadLetterEvent(rec))
}

func deadLetterEvent(rec retryqueue.Record) *model.OperationalEvent {
	return &model.OperationalEvent{
		ID:        uuid.NewString(),
		Type:      model.EventTypeDeadLetter,
		MessageID: rec.MessageID,
		UserID:    rec.UserID,
		Reason:    rec.LastError,
		Metadata: map[string]any{
			"attempts":         rec.Attempts,
			"first_attempt_at": rec.FirstAttemptAt,
			"last_attempt_at":  rec.LastAttemptAt,
			"channel":          rec.Event.Channel,
		},
		CreatedAt: time.Now(),
	}
}

// Send implements channel.Sender by publishing the reply on the outbound
// stream. Suppressed replies are skipped.
func (m *StreamManager) Send(ctx context.Context, reply *model.Reply) error {
	if reply.Suppress {
		return nil
	}
	return m.PublishReply(ctx, reply)
}
