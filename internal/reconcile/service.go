package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/packtrace/packtrace/internal/shared"
	"github.com/packtrace/packtrace/internal/units"
)

// UnitsPort exposes the registry reads the engine projects from.
type UnitsPort interface {
	Lookup(ctx context.Context, qrCode string) (units.Unit, error)
	History(ctx context.Context, qrCode string, limit int) ([]units.ScanRecord, error)
}

// AuditPort projects recorded lifecycle events.
type AuditPort interface {
	ListByEntity(ctx context.Context, entity, entityID string, limit int) ([]shared.AuditLog, error)
}

// RepositoryPort persists snapshots and reads expected location state.
type RepositoryPort interface {
	InsertSnapshot(ctx context.Context, snapshot Snapshot) error
	GetSnapshot(ctx context.Context, id string) (Snapshot, error)
	ListSnapshots(ctx context.Context, storeID string, limit int) ([]Snapshot, error)
	MarkSnapshot(ctx context.Context, id string, status SnapshotStatus, rows []VarianceRow, errMsg string) error
	ListUnitsAtLocation(ctx context.Context, storeID, locationID string) ([]units.Unit, error)
}

// Service answers reconciliation questions: does the materialized
// registry state agree with the scan log, and does the physical count
// agree with the registry.
type Service struct {
	repo      RepositoryPort
	units     UnitsPort
	audit     AuditPort
	tolerance float64
	logger    *slog.Logger
	now       func() time.Time
}

// NewService builds the service.
func NewService(repo RepositoryPort, unitsPort UnitsPort, audit AuditPort, tolerance float64, logger *slog.Logger) *Service {
	return &Service{repo: repo, units: unitsPort, audit: audit, tolerance: tolerance, logger: logger, now: time.Now}
}

// UnitTimeline couples the stored scan trail with the state it implies.
type UnitTimeline struct {
	Unit    units.Unit
	Records []units.ScanRecord
	Derived units.DerivedState
}

// UnitHistory returns a unit's ordered scan trail plus the replayed
// state, so callers see both the log and what the log adds up to.
func (s *Service) UnitHistory(ctx context.Context, qrCode string, limit int) (UnitTimeline, error) {
	unit, err := s.units.Lookup(ctx, qrCode)
	if err != nil {
		return UnitTimeline{}, err
	}
	records, err := s.units.History(ctx, qrCode, limit)
	if err != nil {
		return UnitTimeline{}, err
	}
	return UnitTimeline{Unit: unit, Records: records, Derived: units.Replay(records)}, nil
}

// TransferHistory projects a transfer's recorded lifecycle events.
func (s *Service) TransferHistory(ctx context.Context, transferID string, limit int) ([]shared.AuditLog, error) {
	return s.audit.ListByEntity(ctx, "transfer", transferID, limit)
}

// VerifyUnit replays the scan log and reports every field where the
// materialized row disagrees with it. A non-empty drift list means a
// write bypassed the registry or a record was lost.
func (s *Service) VerifyUnit(ctx context.Context, qrCode string) (VerificationReport, error) {
	timeline, err := s.UnitHistory(ctx, qrCode, 0)
	if err != nil {
		return VerificationReport{}, err
	}
	report := VerificationReport{Unit: timeline.Unit, Derived: timeline.Derived}
	if timeline.Derived.Status != "" && timeline.Derived.Status != timeline.Unit.Status {
		report.Drifts = append(report.Drifts, Drift{
			Field:   "status",
			Stored:  string(timeline.Unit.Status),
			Derived: string(timeline.Derived.Status),
		})
	}
	if timeline.Derived.LocationID != "" && timeline.Derived.LocationID != timeline.Unit.CurrentLocationID {
		report.Drifts = append(report.Drifts, Drift{
			Field:   "location",
			Stored:  timeline.Unit.CurrentLocationID,
			Derived: timeline.Derived.LocationID,
		})
	}
	report.Consistent = len(report.Drifts) == 0
	return report, nil
}

// TriggerSnapshot captures a physical count for async processing.
func (s *Service) TriggerSnapshot(ctx context.Context, storeID, locationID, actorID string, counts []Count) (Snapshot, error) {
	if storeID == "" || locationID == "" {
		return Snapshot{}, fmt.Errorf("%w: store and location are required", ErrValidation)
	}
	seen := make(map[string]struct{}, len(counts))
	for _, count := range counts {
		if count.QRCode == "" {
			return Snapshot{}, fmt.Errorf("%w: count without qr code", ErrValidation)
		}
		if count.Quantity < 0 {
			return Snapshot{}, fmt.Errorf("%w: negative count for %s", ErrValidation, count.QRCode)
		}
		if _, dup := seen[count.QRCode]; dup {
			return Snapshot{}, fmt.Errorf("%w: duplicate count for %s", ErrValidation, count.QRCode)
		}
		seen[count.QRCode] = struct{}{}
	}
	now := s.now().UTC()
	snapshot := Snapshot{
		ID:         uuid.NewString(),
		StoreID:    storeID,
		LocationID: locationID,
		Status:     SnapshotPending,
		Counts:     counts,
		CreatedBy:  actorID,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.repo.InsertSnapshot(ctx, snapshot); err != nil {
		return Snapshot{}, err
	}
	return snapshot, nil
}

// GetSnapshot returns one snapshot with its payload.
func (s *Service) GetSnapshot(ctx context.Context, id string) (Snapshot, error) {
	return s.repo.GetSnapshot(ctx, id)
}

// ListSnapshots returns a store's latest snapshots.
func (s *Service) ListSnapshots(ctx context.Context, storeID string, limit int) ([]Snapshot, error) {
	if storeID == "" {
		return nil, fmt.Errorf("%w: store is required", ErrValidation)
	}
	return s.repo.ListSnapshots(ctx, storeID, limit)
}

// ProcessSnapshot computes the variance payload for a pending
// snapshot. Reconciliation only reports; unit quantities stay
// untouched regardless of what the count says.
func (s *Service) ProcessSnapshot(ctx context.Context, id string) error {
	snapshot, err := s.repo.GetSnapshot(ctx, id)
	if err != nil {
		return err
	}
	if snapshot.Status == SnapshotReady {
		return nil
	}
	if err := s.repo.MarkSnapshot(ctx, id, SnapshotInProgress, nil, ""); err != nil {
		return err
	}

	unitsAt, err := s.repo.ListUnitsAtLocation(ctx, snapshot.StoreID, snapshot.LocationID)
	if err != nil {
		_ = s.repo.MarkSnapshot(ctx, id, SnapshotFailed, nil, err.Error())
		return err
	}
	expected := make(map[string]Expected, len(unitsAt))
	for _, unit := range unitsAt {
		if unit.Status.Terminal() || unit.Status == units.StatusInTransit {
			continue
		}
		expected[unit.ID] = Expected{ProductID: unit.ProductID, Quantity: unit.Quantity}
	}
	counted := make(map[string]float64, len(snapshot.Counts))
	for _, count := range snapshot.Counts {
		counted[count.QRCode] = count.Quantity
	}

	rows := ComputeVariance(expected, counted, s.tolerance)
	if err := s.repo.MarkSnapshot(ctx, id, SnapshotReady, rows, ""); err != nil {
		return err
	}
	flagged := 0
	for _, row := range rows {
		if row.Flagged {
			flagged++
		}
	}
	s.logger.Info("reconciliation snapshot ready",
		slog.String("snapshot_id", id),
		slog.String("location_id", snapshot.LocationID),
		slog.Int("rows", len(rows)),
		slog.Int("flagged", flagged))
	return nil
}
