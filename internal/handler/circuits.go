package handler

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/citizen-chat/resilience-core/internal/breaker"
	"github.com/citizen-chat/resilience-core/internal/llm"
	"github.com/citizen-chat/resilience-core/internal/middleware"
	"github.com/citizen-chat/resilience-core/pkg/logger"
)

// CircuitHandler exposes circuit breaker state and LLM provider health.
type CircuitHandler struct {
	registry *breaker.Registry
	router   *llm.Router
	logger   *logger.Logger
}

// NewCircuitHandler creates a new circuit handler. router may be nil when no
// LLM provider is configured.
func NewCircuitHandler(registry *breaker.Registry, router *llm.Router, log *logger.Logger) *CircuitHandler {
	return &CircuitHandler{
		registry: registry,
		router:   router,
		logger:   log.Named("admin"),
	}
}

// Register mounts the handler's routes.
func (h *CircuitHandler) Register(r chi.Router) {
	r.Get("/", h.List)
	r.Post("/{name}/reset", h.Reset)
}

// List handles GET /admin/circuits
func (h *CircuitHandler) List(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"circuits": h.registry.List()})
}

// Reset handles POST /admin/circuits/{name}/reset
func (h *CircuitHandler) Reset(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := h.registry.Reset(name); err != nil {
		if errors.Is(err, breaker.ErrUnknownBreaker) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "reset failed")
		return
	}
	h.logger.Info("circuit reset by operator",
		zap.String("breaker", name),
		zap.String("operator", middleware.GetSubject(r.Context())),
	)
	writeJSON(w, http.StatusOK, h.registry.Get(name).State())
}

// Providers handles GET /admin/llm/providers
func (h *CircuitHandler) Providers(w http.ResponseWriter, r *http.Request) {
	providers := []llm.ProviderStatus{}
	if h.router != nil {
		providers = h.router.Providers()
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"providers": providers})
}
