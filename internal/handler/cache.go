package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/citizen-chat/resilience-core/internal/cache"
	"github.com/citizen-chat/resilience-core/pkg/logger"
)

// CacheHandler exposes the response cache to operators.
type CacheHandler struct {
	cache  *cache.Cache
	logger *logger.Logger
}

// NewCacheHandler creates a new cache handler.
func NewCacheHandler(c *cache.Cache, log *logger.Logger) *CacheHandler {
	return &CacheHandler{
		cache:  c,
		logger: log.Named("admin"),
	}
}

// Register mounts the handler's routes.
func (h *CacheHandler) Register(r chi.Router) {
	r.Get("/", h.Stats)
	r.Delete("/", h.Invalidate)
	r.Put("/enabled", h.SetEnabled)
}

// Stats handles GET /admin/cache
func (h *CacheHandler) Stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.cache.Stats())
}

// Invalidate handles DELETE /admin/cache
func (h *CacheHandler) Invalidate(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int{"removed": h.cache.InvalidateAll()})
}

type setEnabledRequest struct {
	Enabled *bool `json:"enabled"`
}

// SetEnabled handles PUT /admin/cache/enabled
func (h *CacheHandler) SetEnabled(w http.ResponseWriter, r *http.Request) {
	var req setEnabledRequest
	if err := decodeJSON(w, r, &req, false); err != nil || req.Enabled == nil {
		writeError(w, http.StatusBadRequest, "enabled is required")
		return
	}
	h.cache.SetEnabled(*req.Enabled)
	writeJSON(w, http.StatusOK, h.cache.Stats())
}
