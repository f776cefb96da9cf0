// Package handler provides HTTP handlers for the API.
package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/citizen-chat/resilience-core/internal/model"
	"github.com/citizen-chat/resilience-core/internal/service"
	"github.com/citizen-chat/resilience-core/pkg/logger"
)

// MessagePipeline runs inbound messages through the resilience core.
type MessagePipeline interface {
	Handle(ctx context.Context, msg model.InboundMessage) (*model.Reply, error)
}

// WebhookHandler accepts inbound messages from channel connectors.
type WebhookHandler struct {
	pipeline MessagePipeline
	logger   *logger.Logger
}

// NewWebhookHandler creates a new webhook handler.
func NewWebhookHandler(p MessagePipeline, log *logger.Logger) *WebhookHandler {
	return &WebhookHandler{
		pipeline: p,
		logger:   log.Named("webhook"),
	}
}

// Receive handles POST /webhook/messages
//
// The reply is returned synchronously. Suppressed replies (batched follow-ups,
// taken-over conversations) return 204 and the connector must stay silent.
func (h *WebhookHandler) Receive(w http.ResponseWriter, r *http.Request) {
	var msg model.InboundMessage
	if err := decodeJSON(w, r, &msg, false); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	reply, err := h.pipeline.Handle(r.Context(), msg)
	switch {
	case errors.Is(err, service.ErrInvalidMessage):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		h.logger.Warn("message handling aborted", zap.String("message_id", msg.ID), zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "message handling aborted")
		return
	}

	if reply.Suppress {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if reply.Denial != nil && reply.Denial.RetryAfterSec > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(reply.Denial.RetryAfterSec))
	}
	if reply.Fallback != nil && reply.Fallback.RetryAfterSec > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(reply.Fallback.RetryAfterSec))
	}
	writeJSON(w, http.StatusOK, reply)
}
