package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/citizen-chat/resilience-core/internal/middleware"
	"github.com/citizen-chat/resilience-core/internal/retryqueue"
	"github.com/citizen-chat/resilience-core/pkg/logger"
)

// SnapshotLoader reads the last retry queue snapshot written outside the
// process.
type SnapshotLoader interface {
	LoadSnapshot(ctx context.Context) ([]retryqueue.Record, error)
}

// RetryQueueHandler exposes the failed-message retry queue to operators.
type RetryQueueHandler struct {
	queue     *retryqueue.Queue
	snapshots SnapshotLoader
	logger    *logger.Logger
}

// NewRetryQueueHandler creates a new retry queue handler.
func NewRetryQueueHandler(q *retryqueue.Queue, log *logger.Logger) *RetryQueueHandler {
	return &RetryQueueHandler{
		queue:  q,
		logger: log.Named("admin"),
	}
}

// WithSnapshots enables GET /snapshot.
func (h *RetryQueueHandler) WithSnapshots(s SnapshotLoader) *RetryQueueHandler {
	h.snapshots = s
	return h
}

// Register mounts the handler's routes.
func (h *RetryQueueHandler) Register(r chi.Router) {
	r.Get("/", h.List)
	r.Get("/stats", h.Stats)
	if h.snapshots != nil {
		r.Get("/snapshot", h.Snapshot)
	}
	r.Post("/retry", h.RetryAll)
	r.Delete("/", h.Clear)
	r.Get("/{messageID}", h.Get)
	r.Post("/{messageID}/retry", h.Retry)
}

type listRecordsResponse struct {
	Records []retryqueue.Record `json:"records"`
	Stats   retryqueue.Stats    `json:"stats"`
}

// List handles GET /admin/retry-queue
func (h *RetryQueueHandler) List(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, &listRecordsResponse{
		Records: h.queue.List(),
		Stats:   h.queue.Stats(),
	})
}

// Stats handles GET /admin/retry-queue/stats
func (h *RetryQueueHandler) Stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.queue.Stats())
}

// Snapshot handles GET /admin/retry-queue/snapshot. It only reports what was
// stored; the live queue is left untouched.
func (h *RetryQueueHandler) Snapshot(w http.ResponseWriter, r *http.Request) {
	records, err := h.snapshots.LoadSnapshot(r.Context())
	if err != nil {
		h.logger.Error("failed to load retry queue snapshot", zap.Error(err))
		writeError(w, http.StatusBadGateway, "snapshot unavailable")
		return
	}
	if records == nil {
		records = []retryqueue.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": records})
}

// Get handles GET /admin/retry-queue/{messageID}
func (h *RetryQueueHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "messageID")
	if err := middleware.ValidateMessageID(id); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	rec, err := h.queue.Get(id)
	if err != nil {
		writeQueueError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// Retry handles POST /admin/retry-queue/{messageID}/retry
func (h *RetryQueueHandler) Retry(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "messageID")
	if err := middleware.ValidateMessageID(id); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := h.queue.Retry(r.Context(), id)
	if err != nil {
		writeQueueError(w, err)
		return
	}
	h.logger.Info("manual retry",
		zap.String("message_id", id),
		zap.String("operator", middleware.GetSubject(r.Context())),
		zap.Bool("success", res.Success),
	)
	writeJSON(w, http.StatusOK, res)
}

type retryAllResponse struct {
	Results   []retryqueue.RetryResult `json:"results"`
	Attempted int                      `json:"attempted"`
	Succeeded int                      `json:"succeeded"`
}

// RetryAll handles POST /admin/retry-queue/retry
func (h *RetryQueueHandler) RetryAll(w http.ResponseWriter, r *http.Request) {
	results := h.queue.RetryAll(r.Context())
	resp := &retryAllResponse{Results: results, Attempted: len(results)}
	for _, res := range results {
		if res.Success {
			resp.Succeeded++
		}
	}
	h.logger.Info("manual retry of all pending messages",
		zap.String("operator", middleware.GetSubject(r.Context())),
		zap.Int("attempted", resp.Attempted),
		zap.Int("succeeded", resp.Succeeded),
	)
	writeJSON(w, http.StatusOK, resp)
}

// Clear handles DELETE /admin/retry-queue?scope=resolved|all
func (h *RetryQueueHandler) Clear(w http.ResponseWriter, r *http.Request) {
	var scope retryqueue.ClearScope
	switch r.URL.Query().Get("scope") {
	case "", "resolved":
		scope = retryqueue.ClearResolved
	case "all":
		scope = retryqueue.ClearAll
	default:
		writeError(w, http.StatusBadRequest, "scope must be resolved or all")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"removed": h.queue.Clear(scope)})
}

func writeQueueError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, retryqueue.ErrInvalidID):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, retryqueue.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, retryqueue.ErrRetryInProgress), errors.Is(err, retryqueue.ErrAlreadyResolved):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "retry failed")
	}
}
