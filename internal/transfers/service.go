package transfers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/packtrace/packtrace/internal/shared"
	"github.com/packtrace/packtrace/internal/tiers"
	"github.com/packtrace/packtrace/internal/units"
)

// RepositoryPort describes repository operations used by Service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetTransfer(ctx context.Context, id string) (Transfer, error)
	ListTransfers(ctx context.Context, storeID string, status Status, limit int) ([]Transfer, error)
}

// TxRepository exposes transactional operations used by Service.
type TxRepository interface {
	NextSequence(ctx context.Context, storeID string) (int64, error)
	InsertTransfer(ctx context.Context, transfer Transfer) error
	InsertItem(ctx context.Context, item TransferItem) error
	GetTransferForUpdate(ctx context.Context, id string) (Transfer, error)
	UpdateStatus(ctx context.Context, id string, patch StatusPatch) error
	UpdateItemReceipt(ctx context.Context, itemID string, receivedQty float64, condition Condition, conditionNotes string) error
}

// StatusPatch carries the mutable header fields of a status change.
// Nil timestamps leave the columns untouched.
type StatusPatch struct {
	Status         Status
	ApprovedBy     string
	ReceivedBy     string
	CancelledBy    string
	TrackingNumber string
	ShippedAt      *time.Time
	ReceivedAt     *time.Time
	CancelledAt    *time.Time
}

// RegistryPort exposes the unit operations the transfer flow drives.
type RegistryPort interface {
	Lookup(ctx context.Context, qrCode string) (units.Unit, error)
	ApplyTransition(ctx context.Context, unit units.Unit, change units.Change, record units.ScanRecord) (units.Unit, error)
}

// CatalogPort exposes the tier metadata the transfer flow consults.
type CatalogPort interface {
	TemplateForTier(ctx context.Context, tierID string) (tiers.TierTemplate, error)
}

// AuditPort reused from shared. Transfer lifecycle events live in the
// audit log; ListByEntity projects them back out as order history.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
	ListByEntity(ctx context.Context, entity, entityID string, limit int) ([]shared.AuditLog, error)
}

// Service orchestrates the transfer order lifecycle. Orders move
// draft -> approved -> in_transit -> completed, with cancellation
// possible until completion. Unit-coded lines drag the underlying
// units through the same movement so the registry and the order never
// disagree.
type Service struct {
	repo     RepositoryPort
	registry RegistryPort
	catalog  CatalogPort
	audit    AuditPort
	logger   *slog.Logger
}

// NewService constructs transfer service.
func NewService(repo RepositoryPort, registry RegistryPort, catalog CatalogPort, audit AuditPort, logger *slog.Logger) *Service {
	return &Service{repo: repo, registry: registry, catalog: catalog, audit: audit, logger: logger}
}

// CreateInput describes a new transfer order.
type CreateInput struct {
	StoreID        string
	FromLocationID string
	ToLocationID   string
	CreatedBy      string
	Notes          string
	Items          []ItemInput
}

// ItemInput describes one order line.
type ItemInput struct {
	ProductID  string
	TierID     string
	UnitQRCode string
	Quantity   float64
	Notes      string
}

// ReceiveInput describes a single (possibly partial) line receipt.
type ReceiveInput struct {
	ItemID         string
	Quantity       float64
	Condition      Condition
	ConditionNotes string
	ActorID        string
	ActorName      string
}

// Create persists a draft order with a store-scoped sequential number.
func (s *Service) Create(ctx context.Context, input CreateInput) (Transfer, error) {
	if input.StoreID == "" || input.FromLocationID == "" || input.ToLocationID == "" {
		return Transfer{}, fmt.Errorf("%w: store and both locations are required", ErrValidation)
	}
	if input.FromLocationID == input.ToLocationID {
		return Transfer{}, fmt.Errorf("%w: source and destination must differ", ErrValidation)
	}
	if len(input.Items) == 0 {
		return Transfer{}, fmt.Errorf("%w: at least one item is required", ErrValidation)
	}
	for _, item := range input.Items {
		if item.Quantity <= 0 {
			return Transfer{}, fmt.Errorf("%w: item quantity must be positive", ErrValidation)
		}
		if item.UnitQRCode != "" {
			continue
		}
		tmpl, err := s.catalog.TemplateForTier(ctx, item.TierID)
		if err != nil {
			if errors.Is(err, shared.ErrNotFound) {
				continue
			}
			return Transfer{}, err
		}
		if tmpl.RequireScanOnTransfer || tmpl.RequireScanOnReceive {
			return Transfer{}, fmt.Errorf("%w: tier %s requires a scanned unit code", ErrValidation, item.TierID)
		}
	}

	now := time.Now().UTC()
	transfer := Transfer{
		ID:             uuid.NewString(),
		StoreID:        input.StoreID,
		FromLocationID: input.FromLocationID,
		ToLocationID:   input.ToLocationID,
		Status:         StatusDraft,
		Notes:          input.Notes,
		CreatedBy:      input.CreatedBy,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		seq, err := tx.NextSequence(ctx, input.StoreID)
		if err != nil {
			return err
		}
		transfer.Number = fmt.Sprintf("TRF-%s-%05d", input.StoreID, seq)
		if err := tx.InsertTransfer(ctx, transfer); err != nil {
			return err
		}
		for _, in := range input.Items {
			item := TransferItem{
				ID:         uuid.NewString(),
				TransferID: transfer.ID,
				ProductID:  in.ProductID,
				TierID:     in.TierID,
				UnitQRCode: in.UnitQRCode,
				Quantity:   in.Quantity,
				Notes:      in.Notes,
			}
			if err := tx.InsertItem(ctx, item); err != nil {
				return err
			}
			transfer.Items = append(transfer.Items, item)
		}
		return nil
	})
	if err != nil {
		return Transfer{}, err
	}
	s.recordAudit(ctx, "transfer:create", transfer, map[string]any{"number": transfer.Number, "items": len(transfer.Items)})
	return transfer, nil
}

// Approve moves a draft order to approved.
func (s *Service) Approve(ctx context.Context, id, actorID string) (Transfer, error) {
	transfer, err := s.transition(ctx, id, StatusDraft, StatusPatch{Status: StatusApproved, ApprovedBy: actorID})
	if err != nil {
		return Transfer{}, err
	}
	s.recordAudit(ctx, "transfer:approve", transfer, map[string]any{"actor": actorID})
	return transfer, nil
}

// Ship moves an approved order in transit and marks every unit-coded
// line's unit in transit at the source. The status change and the unit
// transitions share one transaction, so a unit that cannot move leaves
// the order approved.
func (s *Service) Ship(ctx context.Context, id, actorID, actorName, trackingNumber string) (Transfer, error) {
	now := time.Now().UTC()
	var updated Transfer
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		transfer, err := tx.GetTransferForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if transfer.Status != StatusApproved {
			return fmt.Errorf("%w: requires %s, order is %s", ErrInvalidState, StatusApproved, transfer.Status)
		}
		if err := tx.UpdateStatus(ctx, transfer.ID, StatusPatch{
			Status:         StatusInTransit,
			TrackingNumber: trackingNumber,
			ShippedAt:      &now,
		}); err != nil {
			return err
		}
		transfer.Status = StatusInTransit
		transfer.TrackingNumber = trackingNumber
		transfer.ShippedAt = &now
		for _, item := range transfer.Items {
			if item.UnitQRCode == "" {
				continue
			}
			if err := s.moveUnit(ctx, item.UnitQRCode, unitMove{
				operation:  units.OperationTransferOut,
				status:     units.StatusInTransit,
				locationID: transfer.FromLocationID,
				actorID:    actorID,
				actorName:  actorName,
				notes:      "shipped on " + transfer.Number,
			}); err != nil {
				return fmt.Errorf("ship %s unit %s: %w", transfer.Number, item.UnitQRCode, err)
			}
		}
		updated = transfer
		return nil
	})
	if err != nil {
		return Transfer{}, err
	}
	s.recordAudit(ctx, "transfer:ship", updated, map[string]any{"tracking_number": trackingNumber})
	return updated, nil
}

// ReceiveItem records one receipt against a line. Receipts may be
// partial; anything beyond the ordered quantity is rejected. The order
// completes automatically once every line is fully received.
func (s *Service) ReceiveItem(ctx context.Context, transferID string, input ReceiveInput) (Transfer, error) {
	if input.Quantity <= 0 {
		return Transfer{}, fmt.Errorf("%w: receipt quantity must be positive", ErrValidation)
	}
	if input.Condition == "" {
		input.Condition = ConditionGood
	}
	if !input.Condition.valid() {
		return Transfer{}, fmt.Errorf("%w: unknown condition %q", ErrValidation, input.Condition)
	}

	var updated Transfer
	var received TransferItem
	var completed bool
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		transfer, err := tx.GetTransferForUpdate(ctx, transferID)
		if err != nil {
			return err
		}
		if transfer.Status != StatusInTransit {
			return fmt.Errorf("%w: receive requires in_transit, order is %s", ErrInvalidState, transfer.Status)
		}
		idx := -1
		for i, item := range transfer.Items {
			if item.ID == input.ItemID {
				idx = i
				break
			}
		}
		if idx < 0 {
			return ErrItemNotFound
		}
		item := transfer.Items[idx]
		if input.Quantity > item.PendingQuantity() {
			return fmt.Errorf("%w: %g exceeds pending %g on %s", ErrOverReceipt, input.Quantity, item.PendingQuantity(), item.ID)
		}
		item.ReceivedQuantity += input.Quantity
		item.Condition = input.Condition
		item.ConditionNotes = input.ConditionNotes
		if err := tx.UpdateItemReceipt(ctx, item.ID, item.ReceivedQuantity, item.Condition, item.ConditionNotes); err != nil {
			return err
		}
		transfer.Items[idx] = item
		received = item

		completed = true
		for _, it := range transfer.Items {
			if !it.FullyReceived() {
				completed = false
				break
			}
		}
		if completed {
			now := time.Now().UTC()
			transfer.Status = StatusCompleted
			transfer.ReceivedBy = input.ActorID
			transfer.ReceivedAt = &now
			if err := tx.UpdateStatus(ctx, transfer.ID, StatusPatch{Status: StatusCompleted, ReceivedBy: input.ActorID, ReceivedAt: &now}); err != nil {
				return err
			}
		}

		if received.UnitQRCode != "" && received.FullyReceived() {
			move := unitMove{
				operation:  units.OperationTransferIn,
				status:     units.StatusAvailable,
				locationID: transfer.ToLocationID,
				relocate:   true,
				actorID:    input.ActorID,
				actorName:  input.ActorName,
				notes:      "received on " + transfer.Number,
			}
			if err := s.moveUnit(ctx, received.UnitQRCode, move); err != nil {
				return fmt.Errorf("receive %s unit %s: %w", transfer.Number, received.UnitQRCode, err)
			}
			// A bad-condition receipt still lands the unit here first,
			// then retires it with its own scan record so the trail
			// replays to the stored status.
			if received.Condition != ConditionGood {
				if err := s.moveUnit(ctx, received.UnitQRCode, unitMove{
					operation:  units.OperationDamage,
					status:     units.StatusDamaged,
					locationID: transfer.ToLocationID,
					actorID:    input.ActorID,
					actorName:  input.ActorName,
					notes:      "condition " + string(received.Condition) + " on receipt of " + transfer.Number,
				}); err != nil {
					return fmt.Errorf("receive %s unit %s: %w", transfer.Number, received.UnitQRCode, err)
				}
			}
		}
		updated = transfer
		return nil
	})
	if err != nil {
		return Transfer{}, err
	}

	s.recordAudit(ctx, "transfer:receive", updated, map[string]any{
		"item_id":   received.ID,
		"quantity":  input.Quantity,
		"condition": string(received.Condition),
	})
	if completed {
		s.recordAudit(ctx, "transfer:complete", updated, nil)
	}
	return updated, nil
}

// Cancel aborts a non-completed order. Units already shipped are sent
// back to the source location in the same transaction, so a failed
// return leaves the order untouched.
func (s *Service) Cancel(ctx context.Context, id, actorID, actorName, reason string) (Transfer, error) {
	now := time.Now().UTC()
	var updated Transfer
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		transfer, err := tx.GetTransferForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if transfer.Status.Terminal() {
			return fmt.Errorf("%w: order is already %s", ErrInvalidState, transfer.Status)
		}
		wasInTransit := transfer.Status == StatusInTransit
		if err := tx.UpdateStatus(ctx, transfer.ID, StatusPatch{Status: StatusCancelled, CancelledBy: actorID, CancelledAt: &now}); err != nil {
			return err
		}
		transfer.Status = StatusCancelled
		transfer.CancelledBy = actorID
		transfer.CancelledAt = &now

		if wasInTransit {
			for _, item := range transfer.Items {
				if item.UnitQRCode == "" || item.FullyReceived() {
					continue
				}
				if err := s.moveUnit(ctx, item.UnitQRCode, unitMove{
					operation:  units.OperationTransferIn,
					status:     units.StatusAvailable,
					locationID: transfer.FromLocationID,
					relocate:   true,
					actorID:    actorID,
					actorName:  actorName,
					notes:      "returned after cancellation of " + transfer.Number,
				}); err != nil {
					return fmt.Errorf("cancel %s unit %s: %w", transfer.Number, item.UnitQRCode, err)
				}
			}
		}
		updated = transfer
		return nil
	})
	if err != nil {
		return Transfer{}, err
	}

	s.recordAudit(ctx, "transfer:cancel", updated, map[string]any{"actor": actorID, "reason": reason})
	return updated, nil
}

// Get returns a transfer with its items.
func (s *Service) Get(ctx context.Context, id string) (Transfer, error) {
	return s.repo.GetTransfer(ctx, id)
}

// List returns a store's transfers, optionally filtered by status.
func (s *Service) List(ctx context.Context, storeID string, status Status, limit int) ([]Transfer, error) {
	if storeID == "" {
		return nil, fmt.Errorf("%w: store is required", ErrValidation)
	}
	return s.repo.ListTransfers(ctx, storeID, status, limit)
}

// History returns the recorded lifecycle events of a transfer.
func (s *Service) History(ctx context.Context, id string, limit int) ([]shared.AuditLog, error) {
	if _, err := s.repo.GetTransfer(ctx, id); err != nil {
		return nil, err
	}
	return s.audit.ListByEntity(ctx, "transfer", id, limit)
}

func (s *Service) transition(ctx context.Context, id string, required Status, patch StatusPatch) (Transfer, error) {
	var updated Transfer
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		transfer, err := tx.GetTransferForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if transfer.Status != required {
			return fmt.Errorf("%w: requires %s, order is %s", ErrInvalidState, required, transfer.Status)
		}
		if err := tx.UpdateStatus(ctx, transfer.ID, patch); err != nil {
			return err
		}
		transfer.Status = patch.Status
		if patch.ApprovedBy != "" {
			transfer.ApprovedBy = patch.ApprovedBy
		}
		if patch.TrackingNumber != "" {
			transfer.TrackingNumber = patch.TrackingNumber
		}
		if patch.ShippedAt != nil {
			transfer.ShippedAt = patch.ShippedAt
		}
		if patch.ReceivedAt != nil {
			transfer.ReceivedAt = patch.ReceivedAt
		}
		updated = transfer
		return nil
	})
	if err != nil {
		return Transfer{}, err
	}
	return updated, nil
}

type unitMove struct {
	operation  units.Operation
	status     units.Status
	locationID string
	relocate   bool
	actorID    string
	actorName  string
	notes      string
}

func (s *Service) moveUnit(ctx context.Context, qrCode string, move unitMove) error {
	unit, err := s.registry.Lookup(ctx, qrCode)
	if err != nil {
		return err
	}
	change := units.Change{Status: move.status}
	if move.relocate {
		change.LocationID = &move.locationID
	}
	record := units.ScanRecord{
		ID:              uuid.NewString(),
		Operation:       move.operation,
		OperationStatus: "completed",
		LocationID:      move.locationID,
		ScannedBy:       move.actorID,
		ScannedByName:   move.actorName,
		Notes:           move.notes,
		ScannedAt:       time.Now().UTC(),
	}
	_, err = s.registry.ApplyTransition(ctx, unit, change, record)
	return err
}

func (s *Service) recordAudit(ctx context.Context, action string, transfer Transfer, meta map[string]any) {
	if s.audit == nil {
		return
	}
	if meta == nil {
		meta = map[string]any{}
	}
	meta["number"] = transfer.Number
	meta["status"] = string(transfer.Status)
	log := shared.AuditLog{
		Action:   action,
		Entity:   "transfer",
		EntityID: transfer.ID,
		Meta:     meta,
	}
	if err := s.audit.Record(ctx, log); err != nil {
		s.logger.Warn("transfer audit record failed", slog.String("action", action), slog.Any("error", err))
	}
}
