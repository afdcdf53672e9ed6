package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cadencehq/cadence/internal/db"
)

// SequenceStore defines the sequence and step operations the API needs.
type SequenceStore interface {
	GetProject(ctx context.Context, id uuid.UUID) (*db.Project, error)
	CreateSequence(ctx context.Context, seq *db.Sequence) error
	GetSequence(ctx context.Context, id uuid.UUID) (*db.Sequence, error)
	UpdateSequenceStatus(ctx context.Context, id uuid.UUID, status db.SequenceStatus) error
	DeleteSequence(ctx context.Context, id uuid.UUID) error
	CreateStep(ctx context.Context, step *db.Step) error
	UpdateStepStatus(ctx context.Context, id uuid.UUID, status db.StepStatus) error
	DeleteStep(ctx context.Context, id uuid.UUID) error
}

// SubscriberStore defines the subscriber operations the API needs.
type SubscriberStore interface {
	CreateSubscriber(ctx context.Context, sub *db.Subscriber) error
	GetSubscriber(ctx context.Context, id uuid.UUID) (*db.Subscriber, error)
	UpdateSubscriberStatus(ctx context.Context, id uuid.UUID, status db.SubscriberStatus) error
}

// DeliveryStore defines the delivery operations the API needs.
type DeliveryStore interface {
	MarkOpened(ctx context.Context, id uuid.UUID, at time.Time) error
	MarkClicked(ctx context.Context, id uuid.UUID, at time.Time) error
	SequenceStats(ctx context.Context, sequenceID uuid.UUID) ([]*db.StepStats, error)
}

// Trigger fires sequences for external events.
type Trigger interface {
	TriggerSequence(ctx context.Context, sub *db.Subscriber, kind db.TriggerKind, scopeID *uuid.UUID) (int, error)
}

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Handler holds dependencies for API handlers
type Handler struct {
	logger      *zap.Logger
	sequences   SequenceStore
	subscribers SubscriberStore
	deliveries  DeliveryStore
	trigger     Trigger
}

// NewHandler creates a new API handler
func NewHandler(logger *zap.Logger, sequences SequenceStore, subscribers SubscriberStore, deliveries DeliveryStore, trigger Trigger) *Handler {
	return &Handler{
		logger:      logger,
		sequences:   sequences,
		subscribers: subscribers,
		deliveries:  deliveries,
		trigger:     trigger,
	}
}

// trackingPixel is a 1x1 transparent GIF.
var trackingPixel = []byte{
	0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00, 0x80, 0x00,
	0x00, 0x00, 0x00, 0x00, 0xff, 0xff, 0xff, 0x21, 0xf9, 0x04, 0x01, 0x00,
	0x00, 0x00, 0x00, 0x2c, 0x00, 0x00, 0x00, 0x00, 0x01, 0x00, 0x01, 0x00,
	0x00, 0x02, 0x02, 0x44, 0x01, 0x00, 0x3b,
}

// TriggerRequest represents the incoming trigger event body
type TriggerRequest struct {
	SubscriberID string `json:"subscriber_id"`
	Kind         string `json:"kind"`
	ScopeID      string `json:"scope_id,omitempty"`
}

// TriggerResponse is returned after firing a trigger
type TriggerResponse struct {
	Scheduled int `json:"scheduled"`
}

// FireTrigger handles POST /v1/triggers
func (h *Handler) FireTrigger(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req TriggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	if req.SubscriberID == "" || req.Kind == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing required fields", "subscriber_id and kind are required")
		return
	}

	subID, err := uuid.Parse(req.SubscriberID)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid subscriber_id", "subscriber_id must be a valid UUID")
		return
	}

	kind := db.TriggerKind(req.Kind)
	if !kind.Valid() {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid kind", "kind must be lead_magnet_download, subscriber_confirmed, or manual")
		return
	}

	var scopeID *uuid.UUID
	if req.ScopeID != "" {
		id, err := uuid.Parse(req.ScopeID)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid scope_id", "scope_id must be a valid UUID")
			return
		}
		scopeID = &id
	}

	sub, err := h.subscribers.GetSubscriber(ctx, subID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "Subscriber not found", "")
			return
		}
		h.logger.Error("failed to load subscriber",
			zap.Error(err),
			zap.String("subscriber_id", req.SubscriberID),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to load subscriber", "")
		return
	}

	if sub.Status == db.SubscriberUnsubscribed {
		h.writeError(w, http.StatusConflict, "unsubscribed", "Subscriber has unsubscribed", "unsubscribed subscribers cannot enter sequences")
		return
	}

	scheduled, err := h.trigger.TriggerSequence(ctx, sub, kind, scopeID)
	if err != nil {
		h.logger.Error("failed to fire trigger",
			zap.Error(err),
			zap.String("subscriber_id", req.SubscriberID),
			zap.String("kind", req.Kind),
		)
		h.writeError(w, http.StatusInternalServerError, "trigger_error", "Failed to fire trigger", "")
		return
	}

	h.logger.Info("trigger fired",
		zap.String("subscriber_id", req.SubscriberID),
		zap.String("kind", req.Kind),
		zap.Int("scheduled", scheduled),
	)

	h.writeJSON(w, http.StatusAccepted, TriggerResponse{Scheduled: scheduled})
}

// SequenceRequest represents the incoming sequence body
type SequenceRequest struct {
	ProjectID      string `json:"project_id"`
	Name           string `json:"name"`
	TriggerKind    string `json:"trigger_kind"`
	TriggerScopeID string `json:"trigger_scope_id,omitempty"`
}

// CreateSequence handles POST /v1/sequences
func (h *Handler) CreateSequence(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req SequenceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	if req.ProjectID == "" || req.Name == "" || req.TriggerKind == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing required fields", "project_id, name, and trigger_kind are required")
		return
	}

	projectID, err := uuid.Parse(req.ProjectID)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid project_id", "project_id must be a valid UUID")
		return
	}

	kind := db.TriggerKind(req.TriggerKind)
	if !kind.Valid() {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid trigger_kind", "trigger_kind must be lead_magnet_download, subscriber_confirmed, or manual")
		return
	}

	var scopeID *uuid.UUID
	if req.TriggerScopeID != "" {
		id, err := uuid.Parse(req.TriggerScopeID)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid trigger_scope_id", "trigger_scope_id must be a valid UUID")
			return
		}
		scopeID = &id
	}

	if _, err := h.sequences.GetProject(ctx, projectID); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "Project not found", "")
			return
		}
		h.logger.Error("failed to load project", zap.Error(err), zap.String("project_id", req.ProjectID))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to load project", "")
		return
	}

	seq := &db.Sequence{
		ID:             uuid.New(),
		ProjectID:      projectID,
		Name:           req.Name,
		TriggerKind:    kind,
		TriggerScopeID: scopeID,
		Status:         db.SequenceDraft,
	}

	if err := h.sequences.CreateSequence(ctx, seq); err != nil {
		h.logger.Error("failed to create sequence",
			zap.Error(err),
			zap.String("project_id", req.ProjectID),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to create sequence", "")
		return
	}

	h.logger.Info("sequence created",
		zap.String("id", seq.ID.String()),
		zap.String("project_id", req.ProjectID),
		zap.String("trigger_kind", req.TriggerKind),
	)

	h.writeJSON(w, http.StatusCreated, seq)
}

// GetSequence handles GET /v1/sequences/{id}
func (h *Handler) GetSequence(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}

	seq, err := h.sequences.GetSequence(ctx, id)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "Sequence not found", "")
			return
		}
		h.logger.Error("failed to get sequence", zap.Error(err), zap.String("id", id.String()))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to get sequence", "")
		return
	}

	h.writeJSON(w, http.StatusOK, seq)
}

// UpdateSequenceStatus handles PATCH /v1/sequences/{id}/status
func (h *Handler) UpdateSequenceStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}

	var req struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	status := db.SequenceStatus(req.Status)
	if status != db.SequenceDraft && status != db.SequenceActive && status != db.SequencePaused {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid status", "status must be draft, active, or paused")
		return
	}

	if err := h.sequences.UpdateSequenceStatus(ctx, id, status); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "Sequence not found", "")
			return
		}
		h.logger.Error("failed to update sequence status",
			zap.Error(err),
			zap.String("id", id.String()),
			zap.String("status", req.Status),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to update sequence", "")
		return
	}

	h.logger.Info("sequence status updated",
		zap.String("id", id.String()),
		zap.String("status", req.Status),
	)

	h.writeJSON(w, http.StatusOK, map[string]string{
		"id":     id.String(),
		"status": req.Status,
	})
}

// DeleteSequence handles DELETE /v1/sequences/{id}
func (h *Handler) DeleteSequence(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}

	if err := h.sequences.DeleteSequence(ctx, id); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "Sequence not found", "")
			return
		}
		h.logger.Error("failed to delete sequence", zap.Error(err), zap.String("id", id.String()))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to delete sequence", "")
		return
	}

	h.logger.Info("sequence deleted", zap.String("id", id.String()))
	w.WriteHeader(http.StatusNoContent)
}

// StepRequest represents the incoming step body
type StepRequest struct {
	Subject    string `json:"subject"`
	Body       string `json:"body"`
	DelayDays  int    `json:"delay_days"`
	DelayHours int    `json:"delay_hours"`
	Position   int    `json:"position"`
}

// CreateStep handles POST /v1/sequences/{id}/steps
func (h *Handler) CreateStep(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	seqID, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}

	var req StepRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	if req.Subject == "" || req.Body == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing required fields", "subject and body are required")
		return
	}

	step := &db.Step{
		ID:         uuid.New(),
		SequenceID: seqID,
		Subject:    req.Subject,
		Body:       req.Body,
		DelayDays:  req.DelayDays,
		DelayHours: req.DelayHours,
		Position:   req.Position,
		Status:     db.StepActive,
	}

	if err := h.sequences.CreateStep(ctx, step); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "Sequence not found", "")
			return
		}
		h.logger.Error("failed to create step",
			zap.Error(err),
			zap.String("sequence_id", seqID.String()),
		)
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Failed to create step", err.Error())
		return
	}

	h.logger.Info("step created",
		zap.String("id", step.ID.String()),
		zap.String("sequence_id", seqID.String()),
		zap.Int("position", step.Position),
	)

	h.writeJSON(w, http.StatusCreated, step)
}

// UpdateStepStatus handles PATCH /v1/steps/{id}/status
func (h *Handler) UpdateStepStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}

	var req struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	status := db.StepStatus(req.Status)
	if status != db.StepActive && status != db.StepPaused {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid status", "status must be active or paused")
		return
	}

	if err := h.sequences.UpdateStepStatus(ctx, id, status); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "Step not found", "")
			return
		}
		h.logger.Error("failed to update step status",
			zap.Error(err),
			zap.String("id", id.String()),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to update step", "")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]string{
		"id":     id.String(),
		"status": req.Status,
	})
}

// DeleteStep handles DELETE /v1/steps/{id}
func (h *Handler) DeleteStep(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}

	if err := h.sequences.DeleteStep(ctx, id); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "Step not found", "")
			return
		}
		h.logger.Error("failed to delete step", zap.Error(err), zap.String("id", id.String()))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to delete step", "")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// SequenceStatsResponse wraps per-step delivery counts.
type SequenceStatsResponse struct {
	SequenceID string          `json:"sequence_id"`
	Steps      []*db.StepStats `json:"steps"`
}

// GetSequenceStats handles GET /v1/sequences/{id}/stats
func (h *Handler) GetSequenceStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}

	if _, err := h.sequences.GetSequence(ctx, id); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "Sequence not found", "")
			return
		}
		h.logger.Error("failed to get sequence", zap.Error(err), zap.String("id", id.String()))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to get sequence", "")
		return
	}

	stats, err := h.deliveries.SequenceStats(ctx, id)
	if err != nil {
		h.logger.Error("failed to load sequence stats", zap.Error(err), zap.String("id", id.String()))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to load stats", "")
		return
	}

	h.writeJSON(w, http.StatusOK, SequenceStatsResponse{
		SequenceID: id.String(),
		Steps:      stats,
	})
}

// SubscriberRequest represents the incoming subscriber body
type SubscriberRequest struct {
	ProjectID  string  `json:"project_id"`
	Email      string  `json:"email"`
	FirstName  *string `json:"first_name,omitempty"`
	SourceKind string  `json:"source_kind"`
	SourceID   string  `json:"source_id,omitempty"`
}

// CreateSubscriber handles POST /v1/subscribers
func (h *Handler) CreateSubscriber(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req SubscriberRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	if req.ProjectID == "" || req.Email == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing required fields", "project_id and email are required")
		return
	}

	projectID, err := uuid.Parse(req.ProjectID)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid project_id", "project_id must be a valid UUID")
		return
	}

	var sourceID *uuid.UUID
	if req.SourceID != "" {
		id, err := uuid.Parse(req.SourceID)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid source_id", "source_id must be a valid UUID")
			return
		}
		sourceID = &id
	}

	sub := &db.Subscriber{
		ID:         uuid.New(),
		ProjectID:  projectID,
		Email:      req.Email,
		FirstName:  req.FirstName,
		Status:     db.SubscriberPending,
		SourceKind: req.SourceKind,
		SourceID:   sourceID,
	}

	if err := h.subscribers.CreateSubscriber(ctx, sub); err != nil {
		h.logger.Error("failed to create subscriber",
			zap.Error(err),
			zap.String("project_id", req.ProjectID),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to create subscriber", "")
		return
	}

	h.logger.Info("subscriber created",
		zap.String("id", sub.ID.String()),
		zap.String("project_id", req.ProjectID),
	)

	h.writeJSON(w, http.StatusCreated, sub)
}

// UnsubscribeSubscriber handles POST /v1/subscribers/{id}/unsubscribe.
// Already-queued deliveries for the subscriber are suppressed at send
// time, so there is no race with in-flight jobs.
func (h *Handler) UnsubscribeSubscriber(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}

	if err := h.subscribers.UpdateSubscriberStatus(ctx, id, db.SubscriberUnsubscribed); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "Subscriber not found", "")
			return
		}
		h.logger.Error("failed to unsubscribe", zap.Error(err), zap.String("id", id.String()))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to unsubscribe", "")
		return
	}

	h.logger.Info("subscriber unsubscribed", zap.String("id", id.String()))

	h.writeJSON(w, http.StatusOK, map[string]string{
		"id":     id.String(),
		"status": string(db.SubscriberUnsubscribed),
	})
}

// TrackOpen handles GET /t/o/{id}.gif. It always returns the pixel:
// tracking failures must never break image rendering in mail clients.
func (h *Handler) TrackOpen(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	idStr := chi.URLParam(r, "id")
	if id, err := uuid.Parse(idStr); err == nil {
		if err := h.deliveries.MarkOpened(ctx, id, time.Now()); err != nil && !errors.Is(err, db.ErrNotFound) {
			h.logger.Warn("failed to record open",
				zap.Error(err),
				zap.String("delivery_id", idStr),
			)
		}
	}

	w.Header().Set("Content-Type", "image/gif")
	w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(trackingPixel)
}

// TrackClick handles GET /t/c/{id}?u=<target>. The click is recorded
// best-effort and the subscriber is redirected to the target either
// way.
func (h *Handler) TrackClick(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	target := r.URL.Query().Get("u")
	parsed, err := url.Parse(target)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid target URL", "u must be an absolute http or https URL")
		return
	}

	idStr := chi.URLParam(r, "id")
	if id, err := uuid.Parse(idStr); err == nil {
		if err := h.deliveries.MarkClicked(ctx, id, time.Now()); err != nil && !errors.Is(err, db.ErrNotFound) {
			h.logger.Warn("failed to record click",
				zap.Error(err),
				zap.String("delivery_id", idStr),
			)
		}
	}

	http.Redirect(w, r, target, http.StatusFound)
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid ID", "ID must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}
