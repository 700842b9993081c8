package transfers

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/packtrace/packtrace/internal/platform/httpx"
)

// Handler wires HTTP endpoints for transfer orders.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	validator *validator.Validate
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validator: validator.New()}
}

// MountRoutes registers transfer routes on the provided router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/", h.handleCreate)
	r.Get("/", h.handleList)
	r.Get("/{id}", h.handleGet)
	r.Get("/{id}/history", h.handleHistory)
	r.Post("/{id}/approve", h.handleApprove)
	r.Post("/{id}/ship", h.handleShip)
	r.Post("/{id}/receive", h.handleReceive)
	r.Post("/{id}/cancel", h.handleCancel)
}

type createTransferRequest struct {
	StoreID        string              `json:"store_id" validate:"required"`
	FromLocationID string              `json:"from_location_id" validate:"required"`
	ToLocationID   string              `json:"to_location_id" validate:"required"`
	CreatedBy      string              `json:"created_by" validate:"required"`
	Notes          string              `json:"notes"`
	Items          []createItemRequest `json:"items" validate:"required,min=1,dive"`
}

type createItemRequest struct {
	ProductID  string  `json:"product_id" validate:"required"`
	TierID     string  `json:"tier_id" validate:"required"`
	UnitQRCode string  `json:"unit_qr_code"`
	Quantity   float64 `json:"quantity" validate:"gt=0"`
	Notes      string  `json:"notes"`
}

type transferResponse struct {
	ID             string         `json:"id"`
	Number         string         `json:"number"`
	StoreID        string         `json:"store_id"`
	FromLocationID string         `json:"from_location_id"`
	ToLocationID   string         `json:"to_location_id"`
	Status         string         `json:"status"`
	TrackingNumber string         `json:"tracking_number,omitempty"`
	Notes          string         `json:"notes,omitempty"`
	CreatedBy      string         `json:"created_by"`
	ApprovedBy     string         `json:"approved_by,omitempty"`
	ReceivedBy     string         `json:"received_by,omitempty"`
	CancelledBy    string         `json:"cancelled_by,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	ShippedAt      *time.Time     `json:"shipped_at,omitempty"`
	ReceivedAt     *time.Time     `json:"received_at,omitempty"`
	CancelledAt    *time.Time     `json:"cancelled_at,omitempty"`
	Items          []itemResponse `json:"items"`
}

type itemResponse struct {
	ID               string  `json:"id"`
	ProductID        string  `json:"product_id"`
	TierID           string  `json:"tier_id"`
	UnitQRCode       string  `json:"unit_qr_code,omitempty"`
	Quantity         float64 `json:"quantity"`
	ReceivedQuantity float64 `json:"received_quantity"`
	PendingQuantity  float64 `json:"pending_quantity"`
	Condition        string  `json:"condition,omitempty"`
	ConditionNotes   string  `json:"condition_notes,omitempty"`
	Notes            string  `json:"notes,omitempty"`
}

func toTransferResponse(t Transfer) transferResponse {
	resp := transferResponse{
		ID:             t.ID,
		Number:         t.Number,
		StoreID:        t.StoreID,
		FromLocationID: t.FromLocationID,
		ToLocationID:   t.ToLocationID,
		Status:         string(t.Status),
		TrackingNumber: t.TrackingNumber,
		Notes:          t.Notes,
		CreatedBy:      t.CreatedBy,
		ApprovedBy:     t.ApprovedBy,
		ReceivedBy:     t.ReceivedBy,
		CancelledBy:    t.CancelledBy,
		CreatedAt:      t.CreatedAt,
		UpdatedAt:      t.UpdatedAt,
		ShippedAt:      t.ShippedAt,
		ReceivedAt:     t.ReceivedAt,
		CancelledAt:    t.CancelledAt,
		Items:          make([]itemResponse, 0, len(t.Items)),
	}
	for _, item := range t.Items {
		resp.Items = append(resp.Items, itemResponse{
			ID:               item.ID,
			ProductID:        item.ProductID,
			TierID:           item.TierID,
			UnitQRCode:       item.UnitQRCode,
			Quantity:         item.Quantity,
			ReceivedQuantity: item.ReceivedQuantity,
			PendingQuantity:  item.PendingQuantity(),
			Condition:        string(item.Condition),
			ConditionNotes:   item.ConditionNotes,
			Notes:            item.Notes,
		})
	}
	return resp
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var body createTransferRequest
	if err := httpx.DecodeJSON(r, &body); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Payload", "request body must be valid JSON")
		return
	}
	if err := h.validator.Struct(body); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	input := CreateInput{
		StoreID:        body.StoreID,
		FromLocationID: body.FromLocationID,
		ToLocationID:   body.ToLocationID,
		CreatedBy:      body.CreatedBy,
		Notes:          body.Notes,
	}
	for _, item := range body.Items {
		input.Items = append(input.Items, ItemInput{
			ProductID:  item.ProductID,
			TierID:     item.TierID,
			UnitQRCode: item.UnitQRCode,
			Quantity:   item.Quantity,
			Notes:      item.Notes,
		})
	}
	transfer, err := h.service.Create(r.Context(), input)
	if err != nil {
		h.logger.Warn("create transfer", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toTransferResponse(transfer))
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	storeID := r.URL.Query().Get("store_id")
	status := Status(r.URL.Query().Get("status"))
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "limit must be an integer")
			return
		}
		limit = parsed
	}
	transfers, err := h.service.List(r.Context(), storeID, status, limit)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	resp := make([]transferResponse, 0, len(transfers))
	for _, transfer := range transfers {
		resp = append(resp, toTransferResponse(transfer))
	}
	httpx.JSON(w, http.StatusOK, resp)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	transfer, err := h.service.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toTransferResponse(transfer))
}

type historyEventResponse struct {
	Action string         `json:"action"`
	Meta   map[string]any `json:"meta,omitempty"`
	At     time.Time      `json:"at"`
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	events, err := h.service.History(r.Context(), chi.URLParam(r, "id"), 100)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	resp := make([]historyEventResponse, 0, len(events))
	for _, event := range events {
		resp = append(resp, historyEventResponse{Action: event.Action, Meta: event.Meta, At: event.At})
	}
	httpx.JSON(w, http.StatusOK, resp)
}

type actorRequest struct {
	ActorID   string `json:"actor_id" validate:"required"`
	ActorName string `json:"actor_name"`
}

func (h *Handler) handleApprove(w http.ResponseWriter, r *http.Request) {
	var body actorRequest
	if err := httpx.DecodeJSON(r, &body); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Payload", "request body must be valid JSON")
		return
	}
	if err := h.validator.Struct(body); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	transfer, err := h.service.Approve(r.Context(), chi.URLParam(r, "id"), body.ActorID)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toTransferResponse(transfer))
}

type shipRequest struct {
	ActorID        string `json:"actor_id" validate:"required"`
	ActorName      string `json:"actor_name"`
	TrackingNumber string `json:"tracking_number"`
}

func (h *Handler) handleShip(w http.ResponseWriter, r *http.Request) {
	var body shipRequest
	if err := httpx.DecodeJSON(r, &body); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Payload", "request body must be valid JSON")
		return
	}
	if err := h.validator.Struct(body); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	transfer, err := h.service.Ship(r.Context(), chi.URLParam(r, "id"), body.ActorID, body.ActorName, body.TrackingNumber)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toTransferResponse(transfer))
}

type receiveRequest struct {
	ItemID         string  `json:"item_id" validate:"required"`
	Quantity       float64 `json:"quantity" validate:"gt=0"`
	Condition      string  `json:"condition" validate:"omitempty,oneof=good damaged expired rejected"`
	ConditionNotes string  `json:"condition_notes"`
	ActorID        string  `json:"actor_id" validate:"required"`
	ActorName      string  `json:"actor_name"`
}

func (h *Handler) handleReceive(w http.ResponseWriter, r *http.Request) {
	var body receiveRequest
	if err := httpx.DecodeJSON(r, &body); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Payload", "request body must be valid JSON")
		return
	}
	if err := h.validator.Struct(body); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	transfer, err := h.service.ReceiveItem(r.Context(), chi.URLParam(r, "id"), ReceiveInput{
		ItemID:         body.ItemID,
		Quantity:       body.Quantity,
		Condition:      Condition(body.Condition),
		ConditionNotes: body.ConditionNotes,
		ActorID:        body.ActorID,
		ActorName:      body.ActorName,
	})
	if err != nil {
		h.logger.Warn("receive transfer item",
			slog.String("transfer_id", chi.URLParam(r, "id")),
			slog.String("item_id", body.ItemID),
			slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toTransferResponse(transfer))
}

type cancelRequest struct {
	ActorID   string `json:"actor_id" validate:"required"`
	ActorName string `json:"actor_name"`
	Reason    string `json:"reason"`
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	var body cancelRequest
	if err := httpx.DecodeJSON(r, &body); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Payload", "request body must be valid JSON")
		return
	}
	if err := h.validator.Struct(body); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	transfer, err := h.service.Cancel(r.Context(), chi.URLParam(r, "id"), body.ActorID, body.ActorName, body.Reason)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toTransferResponse(transfer))
}
