package units

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/packtrace/packtrace/internal/shared"
	"github.com/packtrace/packtrace/internal/tiers"
)

// RepositoryPort abstracts repository usage for the registry.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetUnit(ctx context.Context, id string) (Unit, error)
	ListScanRecords(ctx context.Context, unitID string, limit int) ([]ScanRecord, error)
}

// TxRepository exposes transactional operations used by the registry.
type TxRepository interface {
	InsertUnit(ctx context.Context, unit Unit) error
	UpdateUnitVersioned(ctx context.Context, id string, version int64, change Change) (Unit, error)
	InsertScanRecord(ctx context.Context, record ScanRecord) error
	GetStockForUpdate(ctx context.Context, storeID, locationID, tierID, productID string) (StockLevel, error)
	UpsertStock(ctx context.Context, level StockLevel) error
}

// StockLevel is the aggregate counter used when a template does not
// track individual units.
type StockLevel struct {
	StoreID    string
	LocationID string
	TierID     string
	ProductID  string
	Quantity   float64
	UpdatedAt  time.Time
}

// StockAdjustment is one signed aggregate movement.
type StockAdjustment struct {
	StoreID    string
	LocationID string
	TierID     string
	ProductID  string
	Delta      float64
}

// Registry is the authoritative store of individually tracked units.
// Every status change flows through ApplyTransition; there is no other
// write path.
type Registry struct {
	repo   RepositoryPort
	logger *slog.Logger
}

// NewRegistry builds a Registry.
func NewRegistry(repo RepositoryPort, logger *slog.Logger) *Registry {
	return &Registry{repo: repo, logger: logger}
}

// NewCode mints a QR code for a tier: <tierQRPrefix><uuid>.
func NewCode(tier tiers.ConversionTier) string {
	return tier.QRPrefix + uuid.NewString()
}

// Lookup returns the unit for a QR code.
func (r *Registry) Lookup(ctx context.Context, qrCode string) (Unit, error) {
	return r.repo.GetUnit(ctx, qrCode)
}

// History returns the ordered scan trail for a unit.
func (r *Registry) History(ctx context.Context, qrCode string, limit int) ([]ScanRecord, error) {
	if _, err := r.repo.GetUnit(ctx, qrCode); err != nil {
		return nil, err
	}
	return r.repo.ListScanRecords(ctx, qrCode, limit)
}

// Create registers a new unit at the receiving location with
// generation 0 and an initial receiving record.
func (r *Registry) Create(ctx context.Context, tier tiers.ConversionTier, input CreateInput) (Unit, error) {
	if input.StoreID == "" || input.LocationID == "" {
		return Unit{}, fmt.Errorf("units: store and location required: %w", shared.ErrValidation)
	}
	if input.Quantity <= 0 {
		input.Quantity = tier.Quantity
	}
	now := time.Now().UTC()
	unit := Unit{
		ID:                NewCode(tier),
		StoreID:           input.StoreID,
		TierID:            tier.ID,
		ProductID:         input.ProductID,
		Quantity:          input.Quantity,
		BaseUnit:          tier.BaseUnit,
		Generation:        input.Generation,
		Status:            StatusAvailable,
		CurrentLocationID: input.LocationID,
		BinLocation:       input.BinLocation,
		BatchNumber:       input.BatchNumber,
		Version:           1,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	record := ScanRecord{
		ID:              uuid.NewString(),
		UnitID:          unit.ID,
		Operation:       OperationReceiving,
		OperationStatus: "completed",
		LocationID:      input.LocationID,
		ScannedBy:       input.UserID,
		ScannedByName:   input.UserName,
		Notes:           "unit registered",
		ScannedAt:       now,
	}
	err := r.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.InsertUnit(ctx, unit); err != nil {
			return err
		}
		return tx.InsertScanRecord(ctx, record)
	})
	if err != nil {
		return Unit{}, err
	}
	return unit, nil
}

// ApplyTransition is the single authorized mutation path for a unit.
// The update carries an optimistic version check: of two concurrent
// scans on the same QR code only one succeeds, the other receives
// ErrConcurrencyConflict and must retry against fresh state.
func (r *Registry) ApplyTransition(ctx context.Context, unit Unit, change Change, record ScanRecord) (Unit, error) {
	if !CanTransition(unit.Status, change.Status) {
		return Unit{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, unit.Status, change.Status)
	}
	record.UnitID = unit.ID
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.ScannedAt.IsZero() {
		record.ScannedAt = time.Now().UTC()
	}
	var updated Unit
	err := r.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		updated, err = tx.UpdateUnitVersioned(ctx, unit.ID, unit.Version, change)
		if err != nil {
			return err
		}
		return tx.InsertScanRecord(ctx, record)
	})
	if err != nil {
		return Unit{}, err
	}
	return updated, nil
}

// AppendRecord writes a log-only scan record without touching the unit
// row, so the entry cannot lose an optimistic race against a concurrent
// state-changing scan.
func (r *Registry) AppendRecord(ctx context.Context, unit Unit, record ScanRecord) error {
	record.UnitID = unit.ID
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.ScannedAt.IsZero() {
		record.ScannedAt = time.Now().UTC()
	}
	return r.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.InsertScanRecord(ctx, record)
	})
}

// ApplyConversion retires the parent and registers its children in one
// transaction, linked by batch number with generation parent+1.
func (r *Registry) ApplyConversion(ctx context.Context, parent Unit, retire Change, childTier tiers.ConversionTier, children []CreateInput, record ScanRecord) ([]Unit, error) {
	if !CanTransition(parent.Status, retire.Status) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, parent.Status, retire.Status)
	}
	now := time.Now().UTC()
	record.UnitID = parent.ID
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.ScannedAt.IsZero() {
		record.ScannedAt = now
	}
	created := make([]Unit, 0, len(children))
	err := r.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if _, err := tx.UpdateUnitVersioned(ctx, parent.ID, parent.Version, retire); err != nil {
			return err
		}
		if err := tx.InsertScanRecord(ctx, record); err != nil {
			return err
		}
		for _, input := range children {
			child := Unit{
				ID:                NewCode(childTier),
				StoreID:           input.StoreID,
				TierID:            childTier.ID,
				ProductID:         input.ProductID,
				Quantity:          input.Quantity,
				BaseUnit:          childTier.BaseUnit,
				Generation:        input.Generation,
				Status:            StatusAvailable,
				CurrentLocationID: input.LocationID,
				BinLocation:       input.BinLocation,
				BatchNumber:       input.BatchNumber,
				Version:           1,
				CreatedAt:         now,
				UpdatedAt:         now,
			}
			if err := tx.InsertUnit(ctx, child); err != nil {
				return err
			}
			childRecord := ScanRecord{
				ID:              uuid.NewString(),
				UnitID:          child.ID,
				Operation:       OperationReceiving,
				OperationStatus: "completed",
				LocationID:      input.LocationID,
				ScannedBy:       input.UserID,
				ScannedByName:   input.UserName,
				Notes:           fmt.Sprintf("created by conversion from %s", parent.ID),
				ScannedAt:       now,
			}
			if err := tx.InsertScanRecord(ctx, childRecord); err != nil {
				return err
			}
			created = append(created, child)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// AdjustStock applies signed aggregate movements atomically, guarding
// against negative counters. Used for templates that do not track
// individual units.
func (r *Registry) AdjustStock(ctx context.Context, adjustments []StockAdjustment) error {
	if len(adjustments) == 0 {
		return nil
	}
	return r.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		for _, adj := range adjustments {
			level, err := tx.GetStockForUpdate(ctx, adj.StoreID, adj.LocationID, adj.TierID, adj.ProductID)
			if err != nil {
				return err
			}
			level.Quantity += adj.Delta
			if level.Quantity < -1e-9 {
				return fmt.Errorf("%w: tier %s at %s", ErrNegativeStock, adj.TierID, adj.LocationID)
			}
			if err := tx.UpsertStock(ctx, level); err != nil {
				return err
			}
		}
		return nil
	})
}
