package scan

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/packtrace/packtrace/internal/platform/httpx"
	"github.com/packtrace/packtrace/internal/tiers"
	"github.com/packtrace/packtrace/internal/units"
)

// Handler wires HTTP endpoints for scanning and unit lookups.
type Handler struct {
	logger    *slog.Logger
	processor *Processor
	registry  *units.Registry
	catalog   *tiers.Catalog
	failures  *FailureStore
	validator *validator.Validate
	qrDomain  string
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, processor *Processor, registry *units.Registry, catalog *tiers.Catalog, failures *FailureStore, qrDomain string) *Handler {
	return &Handler{
		logger:    logger,
		processor: processor,
		registry:  registry,
		catalog:   catalog,
		failures:  failures,
		validator: validator.New(),
		qrDomain:  qrDomain,
	}
}

// MountRoutes registers scan and unit routes on the provided router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/scan", h.handleScan)
	r.Get("/scan/failures", h.handleListFailures)
	r.Post("/units", h.handleRegisterUnit)
	r.Get("/units/{code}", h.handleGetUnit)
	r.Get("/units/{code}/history", h.handleGetHistory)
	r.Get("/qr/{code}", h.handleQRLanding)
}

type scanRequest struct {
	QRCode         string  `json:"qr_code" validate:"required"`
	Operation      string  `json:"operation" validate:"required,oneof=receiving transfer_out audit damage reprint convert"`
	StoreID        string  `json:"store_id" validate:"required"`
	LocationID     string  `json:"location_id" validate:"required"`
	LocationName   string  `json:"location_name"`
	UserID         string  `json:"user_id" validate:"required"`
	UserName       string  `json:"user_name"`
	Notes          string  `json:"notes"`
	IdempotencyKey string  `json:"idempotency_key"`
	BinLocation    string  `json:"bin_location"`
	ActualQuantity float64 `json:"actual_quantity"`
	TargetTierID   string  `json:"target_tier_id"`
}

type unitResponse struct {
	QRCode      string    `json:"qr_code"`
	StoreID     string    `json:"store_id"`
	TierID      string    `json:"tier_id"`
	ProductID   string    `json:"product_id"`
	Quantity    float64   `json:"quantity"`
	BaseUnit    string    `json:"base_unit"`
	Generation  int       `json:"generation"`
	Status      string    `json:"status"`
	LocationID  string    `json:"location_id"`
	BinLocation string    `json:"bin_location,omitempty"`
	BatchNumber string    `json:"batch_number,omitempty"`
	Version     int64     `json:"version"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type scanRecordResponse struct {
	ID            string    `json:"id"`
	Operation     string    `json:"operation"`
	Status        string    `json:"status"`
	LocationID    string    `json:"location_id"`
	LocationName  string    `json:"location_name,omitempty"`
	ScannedBy     string    `json:"scanned_by"`
	ScannedByName string    `json:"scanned_by_name,omitempty"`
	Variance      float64   `json:"variance,omitempty"`
	Notes         string    `json:"notes,omitempty"`
	ScannedAt     time.Time `json:"scanned_at"`
}

type scanResponse struct {
	Unit     unitResponse       `json:"unit"`
	Record   scanRecordResponse `json:"record"`
	Children []unitResponse     `json:"children,omitempty"`
	Variance float64            `json:"variance,omitempty"`
	Replayed bool               `json:"replayed"`
}

func toUnitResponse(u units.Unit) unitResponse {
	return unitResponse{
		QRCode:      u.ID,
		StoreID:     u.StoreID,
		TierID:      u.TierID,
		ProductID:   u.ProductID,
		Quantity:    u.Quantity,
		BaseUnit:    u.BaseUnit,
		Generation:  u.Generation,
		Status:      string(u.Status),
		LocationID:  u.CurrentLocationID,
		BinLocation: u.BinLocation,
		BatchNumber: u.BatchNumber,
		Version:     u.Version,
		CreatedAt:   u.CreatedAt,
		UpdatedAt:   u.UpdatedAt,
	}
}

func toRecordResponse(rec units.ScanRecord) scanRecordResponse {
	return scanRecordResponse{
		ID:            rec.ID,
		Operation:     string(rec.Operation),
		Status:        rec.OperationStatus,
		LocationID:    rec.LocationID,
		LocationName:  rec.LocationName,
		ScannedBy:     rec.ScannedBy,
		ScannedByName: rec.ScannedByName,
		Variance:      rec.Variance,
		Notes:         rec.Notes,
		ScannedAt:     rec.ScannedAt,
	}
}

func (h *Handler) handleScan(w http.ResponseWriter, r *http.Request) {
	var body scanRequest
	if err := httpx.DecodeJSON(r, &body); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Payload", "request body must be valid JSON")
		return
	}
	if err := h.validator.Struct(body); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	op, err := body.operation()
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	result, err := h.processor.Process(r.Context(), Request{
		QRCode:         body.QRCode,
		Op:             op,
		StoreID:        body.StoreID,
		LocationID:     body.LocationID,
		LocationName:   body.LocationName,
		UserID:         body.UserID,
		UserName:       body.UserName,
		Notes:          body.Notes,
		IdempotencyKey: body.IdempotencyKey,
	})
	if err != nil {
		h.logger.Warn("scan rejected",
			slog.String("qr_code", body.QRCode),
			slog.String("operation", body.Operation),
			slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	resp := scanResponse{
		Unit:     toUnitResponse(result.Unit),
		Record:   toRecordResponse(result.Record),
		Variance: result.Variance,
		Replayed: result.Replayed,
	}
	for _, child := range result.Children {
		resp.Children = append(resp.Children, toUnitResponse(child))
	}
	httpx.JSON(w, http.StatusOK, resp)
}

func (b scanRequest) operation() (Operation, error) {
	switch units.Operation(b.Operation) {
	case units.OperationReceiving:
		return Receive{BinLocation: b.BinLocation}, nil
	case units.OperationTransferOut:
		return TransferOut{}, nil
	case units.OperationAudit:
		return Audit{ActualQuantity: b.ActualQuantity}, nil
	case units.OperationDamage:
		return Damage{}, nil
	case units.OperationReprint:
		return Reprint{}, nil
	case units.OperationConvert:
		if b.TargetTierID == "" {
			return nil, fmt.Errorf("target_tier_id is required for convert: %w", ErrValidation)
		}
		return Convert{TargetTierID: b.TargetTierID}, nil
	default:
		return nil, fmt.Errorf("unknown operation %q: %w", b.Operation, ErrValidation)
	}
}

type registerUnitRequest struct {
	TierID      string  `json:"tier_id" validate:"required"`
	StoreID     string  `json:"store_id" validate:"required"`
	ProductID   string  `json:"product_id" validate:"required"`
	Quantity    float64 `json:"quantity" validate:"gte=0"`
	LocationID  string  `json:"location_id" validate:"required"`
	BinLocation string  `json:"bin_location"`
	BatchNumber string  `json:"batch_number"`
	UserID      string  `json:"user_id" validate:"required"`
	UserName    string  `json:"user_name"`
}

type labelResponse struct {
	QRCode      string  `json:"qr_code"`
	TierLabel   string  `json:"tier_label"`
	Quantity    float64 `json:"quantity"`
	BaseUnit    string  `json:"base_unit"`
	ProductID   string  `json:"product_id"`
	BatchNumber string  `json:"batch_number,omitempty"`
	TrackingURL string  `json:"tracking_url"`
}

// handleRegisterUnit mints a QR code for a new physical unit and
// returns the label payload to print.
func (h *Handler) handleRegisterUnit(w http.ResponseWriter, r *http.Request) {
	var body registerUnitRequest
	if err := httpx.DecodeJSON(r, &body); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Payload", "request body must be valid JSON")
		return
	}
	if err := h.validator.Struct(body); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	tier, err := h.catalog.TierByID(r.Context(), body.TierID)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	quantity := body.Quantity
	if quantity == 0 {
		quantity = tier.Quantity
	}
	unit, err := h.registry.Create(r.Context(), tier, units.CreateInput{
		StoreID:     body.StoreID,
		TierID:      tier.ID,
		ProductID:   body.ProductID,
		Quantity:    quantity,
		BaseUnit:    tier.BaseUnit,
		LocationID:  body.LocationID,
		BinLocation: body.BinLocation,
		BatchNumber: body.BatchNumber,
		UserID:      body.UserID,
		UserName:    body.UserName,
	})
	if err != nil {
		h.logger.Error("register unit", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, labelResponse{
		QRCode:      unit.ID,
		TierLabel:   tier.Label,
		Quantity:    unit.Quantity,
		BaseUnit:    unit.BaseUnit,
		ProductID:   unit.ProductID,
		BatchNumber: unit.BatchNumber,
		TrackingURL: fmt.Sprintf("https://%s/qr/%s", h.qrDomain, unit.ID),
	})
}

func (h *Handler) handleGetUnit(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	unit, err := h.registry.Lookup(r.Context(), code)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toUnitResponse(unit))
}

func (h *Handler) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "limit must be an integer")
			return
		}
		limit = parsed
	}
	records, err := h.registry.History(r.Context(), code, limit)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	resp := make([]scanRecordResponse, 0, len(records))
	for _, rec := range records {
		resp = append(resp, toRecordResponse(rec))
	}
	httpx.JSON(w, http.StatusOK, resp)
}

// handleQRLanding resolves a scanned tracking URL. Known codes
// redirect to the unit resource; unknown codes answer 404 so a printed
// label for a never-registered code is detectable in the field.
func (h *Handler) handleQRLanding(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	if _, err := h.registry.Lookup(r.Context(), code); err != nil {
		if errors.Is(err, units.ErrNotFound) {
			httpx.Problem(w, http.StatusNotFound, "Not Found", "no unit registered for this code")
			return
		}
		httpx.RespondError(w, err)
		return
	}
	http.Redirect(w, r, "/units/"+code, http.StatusFound)
}

func (h *Handler) handleListFailures(w http.ResponseWriter, r *http.Request) {
	storeID := r.URL.Query().Get("store_id")
	if storeID == "" {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "store_id is required")
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "limit must be an integer")
			return
		}
		limit = parsed
	}
	failures, err := h.failures.ListRecent(r.Context(), storeID, limit)
	if err != nil {
		h.logger.Error("list scan failures", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	type failureResponse struct {
		ID         string    `json:"id"`
		QRCode     string    `json:"qr_code"`
		Operation  string    `json:"operation"`
		Reason     string    `json:"reason"`
		LocationID string    `json:"location_id"`
		UserID     string    `json:"user_id"`
		Notes      string    `json:"notes,omitempty"`
		OccurredAt time.Time `json:"occurred_at"`
	}
	resp := make([]failureResponse, 0, len(failures))
	for _, f := range failures {
		resp = append(resp, failureResponse{
			ID:         f.ID,
			QRCode:     f.QRCode,
			Operation:  string(f.Operation),
			Reason:     f.Reason,
			LocationID: f.LocationID,
			UserID:     f.UserID,
			Notes:      f.Notes,
			OccurredAt: f.OccurredAt,
		})
	}
	httpx.JSON(w, http.StatusOK, resp)
}
