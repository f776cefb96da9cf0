package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/citizen-chat/resilience-core/internal/convstate"
	"github.com/citizen-chat/resilience-core/internal/middleware"
	"github.com/citizen-chat/resilience-core/pkg/logger"
)

// TakeOverer hands a conversation to a human operator.
type TakeOverer interface {
	TakeOver(ctx context.Context, conversationID, operator string) bool
}

// ConversationHandler handles conversation endpoints.
type ConversationHandler struct {
	tracker  *convstate.Tracker
	takeover TakeOverer
	logger   *logger.Logger
}

// NewConversationHandler creates a new conversation handler.
func NewConversationHandler(tracker *convstate.Tracker, takeover TakeOverer, log *logger.Logger) *ConversationHandler {
	return &ConversationHandler{
		tracker:  tracker,
		takeover: takeover,
		logger:   log.Named("admin"),
	}
}

// Register mounts the handler's routes.
func (h *ConversationHandler) Register(r chi.Router) {
	r.Get("/", h.List)
	r.Get("/stats", h.Stats)
	r.Get("/users/{userID}", h.Get)
	r.Delete("/users/{userID}", h.Reset)
	r.Post("/users/{userID}/complete", h.Complete)
	r.Post("/{conversationID}/takeover", h.TakeOver)
}

// List handles GET /admin/conversations
func (h *ConversationHandler) List(w http.ResponseWriter, r *http.Request) {
	active := h.tracker.ListActive()
	if active == nil {
		active = []convstate.Context{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"conversations": active})
}

// Stats handles GET /admin/conversations/stats
func (h *ConversationHandler) Stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.tracker.Stats())
}

// Get handles GET /admin/conversations/users/{userID}
func (h *ConversationHandler) Get(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if err := middleware.ValidateUserID(userID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	conv, ok := h.tracker.Get(userID)
	if !ok {
		writeError(w, http.StatusNotFound, "conversation not found")
		return
	}

	writeJSON(w, http.StatusOK, conv)
}

// Reset handles DELETE /admin/conversations/users/{userID}
func (h *ConversationHandler) Reset(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if err := middleware.ValidateUserID(userID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if !h.tracker.Reset(userID) {
		writeError(w, http.StatusNotFound, "conversation not found")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Complete handles POST /admin/conversations/users/{userID}/complete
func (h *ConversationHandler) Complete(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if err := middleware.ValidateUserID(userID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	conv, err := h.tracker.Complete(userID)
	if errors.Is(err, convstate.ErrNotFound) {
		writeError(w, http.StatusNotFound, "conversation not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	h.logger.Info("conversation completed by operator",
		zap.String("user_id", userID),
		zap.String("operator", middleware.GetSubject(r.Context())),
	)
	writeJSON(w, http.StatusOK, conv)
}

// TakeOver handles POST /admin/conversations/{conversationID}/takeover
func (h *ConversationHandler) TakeOver(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "conversationID")
	if conversationID == "" {
		writeError(w, http.StatusBadRequest, "conversation ID is required")
		return
	}

	operator := middleware.GetSubject(r.Context())
	cancelled := h.takeover.TakeOver(r.Context(), conversationID, operator)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"conversation_id": conversationID,
		"operator":        operator,
		"batch_cancelled": cancelled,
	})
}
