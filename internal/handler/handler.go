// Package handler exposes the admission queue over HTTP/JSON.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/jawaracloud/admission-queue/internal/queue"
	"github.com/jawaracloud/admission-queue/pkg/models"
)

const maxBodyBytes = 4 << 10

// QueueService is the admission controller as seen by the transport.
type QueueService interface {
	Join(ctx context.Context, id string) (*models.JoinResult, error)
	Status(ctx context.Context, id string) (*models.QueueStatus, error)
	Complete(ctx context.Context, id string) (*models.CompleteResult, error)
	Leave(ctx context.Context, id string) (*models.LeaveResult, error)
	Verify(ctx context.Context, req models.VerifyRequest) (*models.VerifyResult, error)
	Ping(ctx context.Context) error
}

type Handler struct {
	svc    QueueService
	logger *slog.Logger
}

func NewHandler(svc QueueService, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{svc: svc, logger: logger}
}

// RegisterRoutes mounts the queue endpoints under r.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/queue", func(r chi.Router) {
		r.Post("/join", h.Join)
		r.Post("/status", h.Status)
		r.Post("/complete", h.Complete)
		r.Post("/leave", h.Leave)
		r.Post("/verify", h.Verify)
	})
}

func (h *Handler) Join(w http.ResponseWriter, r *http.Request) {
	id, ok := h.decodeID(w, r)
	if !ok {
		return
	}
	res, err := h.svc.Join(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err, "Failed to join queue")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	id, ok := h.decodeID(w, r)
	if !ok {
		return
	}
	res, err := h.svc.Status(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err, "Failed to get queue status")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) Complete(w http.ResponseWriter, r *http.Request) {
	id, ok := h.decodeID(w, r)
	if !ok {
		return
	}
	res, err := h.svc.Complete(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err, "Failed to complete queue")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) Leave(w http.ResponseWriter, r *http.Request) {
	id, ok := h.decodeID(w, r)
	if !ok {
		return
	}
	res, err := h.svc.Leave(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err, "Failed to leave queue")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) Verify(w http.ResponseWriter, r *http.Request) {
	var req models.VerifyRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.svc.Verify(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err, "Failed to verify access code")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Health reports whether the backing store answers.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Ping(r.Context()); err != nil {
		h.logger.Warn("health check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, models.ErrorResponse{Error: "store unavailable"})
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (h *Handler) decodeID(w http.ResponseWriter, r *http.Request) (string, bool) {
	var req models.QueueRequest
	if !decode(w, r, &req) {
		return "", false
	}
	return req.ParticipantID(), true
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, models.ErrorResponse{Error: "invalid JSON body"})
		return false
	}
	return true
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error, failure string) {
	if errors.Is(err, queue.ErrInvalidArgument) {
		writeJSON(w, http.StatusBadRequest, models.ErrorResponse{Error: err.Error()})
		return
	}
	h.logger.Error(failure,
		"request_id", middleware.GetReqID(r.Context()),
		"path", r.URL.Path,
		"error", err)
	writeJSON(w, http.StatusInternalServerError, models.ErrorResponse{Error: failure})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
