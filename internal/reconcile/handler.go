package reconcile

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/hibiken/asynq"

	"github.com/packtrace/packtrace/internal/platform/httpx"
)

// JobsPort enqueues snapshot processing.
type JobsPort interface {
	EnqueueReconcileSnapshot(ctx context.Context, snapshotID string) (*asynq.TaskInfo, error)
}

// Handler wires HTTP endpoints for reconciliation.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	jobs      JobsPort
	validator *validator.Validate
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, service *Service, jobsClient JobsPort) *Handler {
	return &Handler{logger: logger, service: service, jobs: jobsClient, validator: validator.New()}
}

// MountRoutes registers reconciliation routes on the provided router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/snapshots", h.handleTriggerSnapshot)
	r.Get("/snapshots", h.handleListSnapshots)
	r.Get("/snapshots/{id}", h.handleGetSnapshot)
	r.Get("/units/{code}/verify", h.handleVerifyUnit)
	r.Get("/units/{code}/timeline", h.handleUnitTimeline)
	r.Get("/transfers/{id}/events", h.handleTransferEvents)
}

type triggerSnapshotRequest struct {
	StoreID    string         `json:"store_id" validate:"required"`
	LocationID string         `json:"location_id" validate:"required"`
	ActorID    string         `json:"actor_id" validate:"required"`
	Counts     []countRequest `json:"counts" validate:"dive"`
}

type countRequest struct {
	QRCode   string  `json:"qr_code" validate:"required"`
	Quantity float64 `json:"quantity" validate:"gte=0"`
}

type snapshotResponse struct {
	ID          string        `json:"id"`
	StoreID     string        `json:"store_id"`
	LocationID  string        `json:"location_id"`
	Status      string        `json:"status"`
	Counts      []Count       `json:"counts,omitempty"`
	Rows        []VarianceRow `json:"rows,omitempty"`
	Error       string        `json:"error,omitempty"`
	CreatedBy   string        `json:"created_by"`
	GeneratedAt *time.Time    `json:"generated_at,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
}

func toSnapshotResponse(s Snapshot) snapshotResponse {
	return snapshotResponse{
		ID:          s.ID,
		StoreID:     s.StoreID,
		LocationID:  s.LocationID,
		Status:      string(s.Status),
		Counts:      s.Counts,
		Rows:        s.Rows,
		Error:       s.Error,
		CreatedBy:   s.CreatedBy,
		GeneratedAt: s.GeneratedAt,
		CreatedAt:   s.CreatedAt,
	}
}

func (h *Handler) handleTriggerSnapshot(w http.ResponseWriter, r *http.Request) {
	var body triggerSnapshotRequest
	if err := httpx.DecodeJSON(r, &body); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Payload", "request body must be valid JSON")
		return
	}
	if err := h.validator.Struct(body); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	counts := make([]Count, 0, len(body.Counts))
	for _, count := range body.Counts {
		counts = append(counts, Count{QRCode: count.QRCode, Quantity: count.Quantity})
	}
	snapshot, err := h.service.TriggerSnapshot(r.Context(), body.StoreID, body.LocationID, body.ActorID, counts)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	if h.jobs != nil {
		if _, err := h.jobs.EnqueueReconcileSnapshot(r.Context(), snapshot.ID); err != nil {
			h.logger.Error("enqueue reconcile snapshot", slog.String("snapshot_id", snapshot.ID), slog.Any("error", err))
		}
	}
	httpx.JSON(w, http.StatusAccepted, toSnapshotResponse(snapshot))
}

func (h *Handler) handleListSnapshots(w http.ResponseWriter, r *http.Request) {
	storeID := r.URL.Query().Get("store_id")
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "limit must be an integer")
			return
		}
		limit = parsed
	}
	snapshots, err := h.service.ListSnapshots(r.Context(), storeID, limit)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	resp := make([]snapshotResponse, 0, len(snapshots))
	for _, snapshot := range snapshots {
		resp = append(resp, toSnapshotResponse(snapshot))
	}
	httpx.JSON(w, http.StatusOK, resp)
}

func (h *Handler) handleGetSnapshot(w http.ResponseWriter, r *http.Request) {
	snapshot, err := h.service.GetSnapshot(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toSnapshotResponse(snapshot))
}

type verifyResponse struct {
	QRCode     string  `json:"qr_code"`
	Status     string  `json:"status"`
	LocationID string  `json:"location_id"`
	Consistent bool    `json:"consistent"`
	Drifts     []Drift `json:"drifts,omitempty"`
	Records    int     `json:"records"`
}

func (h *Handler) handleVerifyUnit(w http.ResponseWriter, r *http.Request) {
	report, err := h.service.VerifyUnit(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, verifyResponse{
		QRCode:     report.Unit.ID,
		Status:     string(report.Unit.Status),
		LocationID: report.Unit.CurrentLocationID,
		Consistent: report.Consistent,
		Drifts:     report.Drifts,
		Records:    report.Derived.Scans,
	})
}

type timelineEntryResponse struct {
	Operation    string    `json:"operation"`
	LocationID   string    `json:"location_id"`
	LocationName string    `json:"location_name,omitempty"`
	ScannedBy    string    `json:"scanned_by"`
	Variance     float64   `json:"variance,omitempty"`
	Notes        string    `json:"notes,omitempty"`
	ScannedAt    time.Time `json:"scanned_at"`
}

type timelineResponse struct {
	QRCode        string                  `json:"qr_code"`
	Status        string                  `json:"status"`
	DerivedStatus string                  `json:"derived_status,omitempty"`
	LocationID    string                  `json:"location_id"`
	Entries       []timelineEntryResponse `json:"entries"`
}

func (h *Handler) handleUnitTimeline(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "limit must be an integer")
			return
		}
		limit = parsed
	}
	timeline, err := h.service.UnitHistory(r.Context(), chi.URLParam(r, "code"), limit)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	resp := timelineResponse{
		QRCode:        timeline.Unit.ID,
		Status:        string(timeline.Unit.Status),
		DerivedStatus: string(timeline.Derived.Status),
		LocationID:    timeline.Unit.CurrentLocationID,
		Entries:       make([]timelineEntryResponse, 0, len(timeline.Records)),
	}
	for _, record := range timeline.Records {
		resp.Entries = append(resp.Entries, timelineEntryResponse{
			Operation:    string(record.Operation),
			LocationID:   record.LocationID,
			LocationName: record.LocationName,
			ScannedBy:    record.ScannedBy,
			Variance:     record.Variance,
			Notes:        record.Notes,
			ScannedAt:    record.ScannedAt,
		})
	}
	httpx.JSON(w, http.StatusOK, resp)
}

type transferEventResponse struct {
	Action string         `json:"action"`
	Meta   map[string]any `json:"meta,omitempty"`
	At     time.Time      `json:"at"`
}

func (h *Handler) handleTransferEvents(w http.ResponseWriter, r *http.Request) {
	events, err := h.service.TransferHistory(r.Context(), chi.URLParam(r, "id"), 100)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	resp := make([]transferEventResponse, 0, len(events))
	for _, event := range events {
		resp = append(resp, transferEventResponse{Action: event.Action, Meta: event.Meta, At: event.At})
	}
	httpx.JSON(w, http.StatusOK, resp)
}
