// Package channel delivers replies back to the messaging channel gateway.
package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/citizen-chat/resilience-core/internal/breaker"
	"github.com/citizen-chat/resilience-core/internal/model"
	"github.com/citizen-chat/resilience-core/pkg/logger"
)

// BreakerName is the registry name of the gateway breaker.
const BreakerName = "channel-gateway"

// ErrGatewayUnavailable wraps deliveries that ended in a breaker fallback.
var ErrGatewayUnavailable = errors.New("channel gateway unavailable")

// Sender delivers a reply to the user.
type Sender interface {
	Send(ctx context.Context, reply *model.Reply) error
}

// HTTPSender posts replies to the gateway's /messages endpoint.
type HTTPSender struct {
	baseURL string
	token   string
	client  *http.Client
	breaker *breaker.Breaker
	logger  *logger.Logger
}

// NewHTTPSender creates a sender for the gateway at baseURL.
func NewHTTPSender(baseURL, token string, timeout time.Duration, b *breaker.Breaker, log *logger.Logger) *HTTPSender {
	return &HTTPSender{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: timeout},
		breaker: b,
		logger:  log.Named("channel"),
	}
}

type outboundMessage struct {
	MessageID      string        `json:"message_id"`
	ConversationID string        `json:"conversation_id"`
	To             string        `json:"to"`
	Channel        model.Channel `json:"channel"`
	Text           string        `json:"text"`
}

// Send delivers reply. Suppressed replies are skipped. A breaker fallback is
// returned as an error wrapping ErrGatewayUnavailable.
func (s *HTTPSender) Send(ctx context.Context, reply *model.Reply) error {
	if reply == nil || reply.Suppress || reply.Text == "" {
		return nil
	}

	body, err := json.Marshal(outboundMessage{
		MessageID:      reply.MessageID,
		ConversationID: reply.ConversationID,
		To:             reply.UserID,
		Channel:        reply.Channel,
		Text:           reply.Text,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal reply: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}
	res := breaker.DoHTTP(ctx, s.breaker, s.client, req)
	if !res.OK() {
		return fmt.Errorf("%w: %s: %v", ErrGatewayUnavailable, res.Fallback.Code, res.Err)
	}
	if res.Value.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("gateway rejected reply with status %d", res.Value.StatusCode)
	}

	s.logger.Debug("reply delivered",
		zap.String("message_id", reply.MessageID),
		zap.String("channel", string(reply.Channel)),
	)
	return nil
}

// LogSender logs replies instead of delivering them. It is used when no
// gateway is configured and replies travel back in the HTTP response or over
// NATS.
type LogSender struct {
	logger *logger.Logger
}

// NewLogSender creates a LogSender.
func NewLogSender(log *logger.Logger) *LogSender {
	return &LogSender{logger: log.Named("channel")}
}

// Send logs reply.
func (s *LogSender) Send(_ context.Context, reply *model.Reply) error {
	if reply == nil || reply.Suppress {
		return nil
	}
	s.logger.Info("reply ready",
		zap.String("message_id", reply.MessageID),
		zap.String("user_id", reply.UserID),
		zap.String("source", string(reply.Source)),
	)
	return nil
}
