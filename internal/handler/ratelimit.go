package handler

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/citizen-chat/resilience-core/internal/middleware"
	"github.com/citizen-chat/resilience-core/internal/ratelimit"
	"github.com/citizen-chat/resilience-core/pkg/logger"
)

// RateLimitHandler exposes the blacklist and per-user quotas to operators.
type RateLimitHandler struct {
	limiter *ratelimit.Limiter
	logger  *logger.Logger
}

// NewRateLimitHandler creates a new rate limit handler.
func NewRateLimitHandler(l *ratelimit.Limiter, log *logger.Logger) *RateLimitHandler {
	return &RateLimitHandler{
		limiter: l,
		logger:  log.Named("admin"),
	}
}

// Register mounts the handler's routes.
func (h *RateLimitHandler) Register(r chi.Router) {
	r.Get("/stats", h.Stats)
	r.Get("/blacklist", h.ListBlacklist)
	r.Post("/blacklist", h.AddBlacklist)
	r.Delete("/blacklist/{userID}", h.RemoveBlacklist)
	r.Get("/users/{userID}", h.Usage)
	r.Post("/users/{userID}/reset-violations", h.ResetViolations)
}

// Stats handles GET /admin/rate-limit/stats
func (h *RateLimitHandler) Stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.limiter.Stats())
}

// ListBlacklist handles GET /admin/rate-limit/blacklist
func (h *RateLimitHandler) ListBlacklist(w http.ResponseWriter, r *http.Request) {
	entries := h.limiter.ListBlacklist()
	if entries == nil {
		entries = []ratelimit.BlacklistEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"entries": entries})
}

// BlacklistRequest is the body of POST /admin/rate-limit/blacklist.
type BlacklistRequest struct {
	UserID string `json:"user_id"`
	Reason string `json:"reason"`
	// TTL is a Go duration string; empty blocks until removed.
	TTL string `json:"ttl,omitempty"`
}

// AddBlacklist handles POST /admin/rate-limit/blacklist
func (h *RateLimitHandler) AddBlacklist(w http.ResponseWriter, r *http.Request) {
	var req BlacklistRequest
	if err := decodeJSON(w, r, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := middleware.ValidateUserID(req.UserID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := middleware.ValidateReason(req.Reason); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var ttl time.Duration
	if req.TTL != "" {
		d, err := time.ParseDuration(req.TTL)
		if err != nil || d < 0 {
			writeError(w, http.StatusBadRequest, "ttl must be a positive duration")
			return
		}
		ttl = d
	}

	entry, err := h.limiter.Blacklist(req.UserID, req.Reason, ratelimit.AddedByAdmin, ttl)
	if err != nil {
		writeLimiterError(w, err)
		return
	}
	h.logger.Info("operator blacklisted user",
		zap.String("user_id", req.UserID),
		zap.String("operator", middleware.GetSubject(r.Context())),
	)
	writeJSON(w, http.StatusCreated, entry)
}

// RemoveBlacklist handles DELETE /admin/rate-limit/blacklist/{userID}
func (h *RateLimitHandler) RemoveBlacklist(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if err := middleware.ValidateUserID(userID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !h.limiter.Unblacklist(userID) {
		writeError(w, http.StatusNotFound, "user is not blacklisted")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Usage handles GET /admin/rate-limit/users/{userID}
func (h *RateLimitHandler) Usage(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if err := middleware.ValidateUserID(userID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, h.limiter.Usage(userID))
}

// ResetViolations handles POST /admin/rate-limit/users/{userID}/reset-violations
func (h *RateLimitHandler) ResetViolations(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if err := h.limiter.ResetViolations(userID); err != nil {
		writeLimiterError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.limiter.Usage(userID))
}

func writeLimiterError(w http.ResponseWriter, err error) {
	if errors.Is(err, ratelimit.ErrInvalidUser) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeError(w, http.StatusInternalServerError, "rate limiter operation failed")
}
