package reconcile

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/packtrace/packtrace/internal/shared"
	"github.com/packtrace/packtrace/internal/units"
)

type memoryUnits struct {
	units   map[string]units.Unit
	records map[string][]units.ScanRecord
}

func (m *memoryUnits) Lookup(ctx context.Context, qrCode string) (units.Unit, error) {
	unit, ok := m.units[qrCode]
	if !ok {
		return units.Unit{}, units.ErrNotFound
	}
	return unit, nil
}

func (m *memoryUnits) History(ctx context.Context, qrCode string, limit int) ([]units.ScanRecord, error) {
	return m.records[qrCode], nil
}

type memorySnapshotRepo struct {
	snapshots map[string]Snapshot
	atLoc     []units.Unit
	marks     []SnapshotStatus
}

func (m *memorySnapshotRepo) InsertSnapshot(ctx context.Context, snapshot Snapshot) error {
	m.snapshots[snapshot.ID] = snapshot
	return nil
}

func (m *memorySnapshotRepo) GetSnapshot(ctx context.Context, id string) (Snapshot, error) {
	snapshot, ok := m.snapshots[id]
	if !ok {
		return Snapshot{}, ErrSnapshotNotFound
	}
	return snapshot, nil
}

func (m *memorySnapshotRepo) ListSnapshots(ctx context.Context, storeID string, limit int) ([]Snapshot, error) {
	var result []Snapshot
	for _, snapshot := range m.snapshots {
		if snapshot.StoreID == storeID {
			result = append(result, snapshot)
		}
	}
	return result, nil
}

func (m *memorySnapshotRepo) MarkSnapshot(ctx context.Context, id string, status SnapshotStatus, rows []VarianceRow, errMsg string) error {
	snapshot, ok := m.snapshots[id]
	if !ok {
		return ErrSnapshotNotFound
	}
	snapshot.Status = status
	if rows != nil {
		snapshot.Rows = rows
		now := time.Now().UTC()
		snapshot.GeneratedAt = &now
	}
	snapshot.Error = errMsg
	m.snapshots[id] = snapshot
	m.marks = append(m.marks, status)
	return nil
}

func (m *memorySnapshotRepo) ListUnitsAtLocation(ctx context.Context, storeID, locationID string) ([]units.Unit, error) {
	return m.atLoc, nil
}

type auditStub struct{}

func (auditStub) ListByEntity(ctx context.Context, entity, entityID string, limit int) ([]shared.AuditLog, error) {
	return nil, nil
}

func newTestService(t *testing.T) (*Service, *memorySnapshotRepo, *memoryUnits) {
	t.Helper()
	repo := &memorySnapshotRepo{snapshots: make(map[string]Snapshot)}
	unitsPort := &memoryUnits{units: make(map[string]units.Unit), records: make(map[string][]units.ScanRecord)}
	service := NewService(repo, unitsPort, auditStub{}, 0, slog.Default())
	return service, repo, unitsPort
}

func TestVerifyUnitConsistent(t *testing.T) {
	service, _, unitsPort := newTestService(t)
	unitsPort.units["CTN-1"] = units.Unit{ID: "CTN-1", Status: units.StatusAvailable, CurrentLocationID: "loc-b"}
	unitsPort.records["CTN-1"] = []units.ScanRecord{
		{Operation: units.OperationReceiving, OperationStatus: "completed", LocationID: "loc-a"},
		{Operation: units.OperationTransferOut, OperationStatus: "completed", LocationID: "loc-a"},
		{Operation: units.OperationTransferIn, OperationStatus: "completed", LocationID: "loc-b"},
	}

	report, err := service.VerifyUnit(context.Background(), "CTN-1")
	require.NoError(t, err)
	require.True(t, report.Consistent)
	require.Empty(t, report.Drifts)
	require.Equal(t, units.StatusAvailable, report.Derived.Status)
}

func TestVerifyUnitDetectsDrift(t *testing.T) {
	service, _, unitsPort := newTestService(t)
	// Stored row says available at loc-a; the scan trail says the unit
	// went out and never came back.
	unitsPort.units["CTN-1"] = units.Unit{ID: "CTN-1", Status: units.StatusAvailable, CurrentLocationID: "loc-b"}
	unitsPort.records["CTN-1"] = []units.ScanRecord{
		{Operation: units.OperationReceiving, OperationStatus: "completed", LocationID: "loc-a"},
		{Operation: units.OperationTransferOut, OperationStatus: "completed", LocationID: "loc-a"},
	}

	report, err := service.VerifyUnit(context.Background(), "CTN-1")
	require.NoError(t, err)
	require.False(t, report.Consistent)
	require.Len(t, report.Drifts, 2)
	require.Equal(t, "status", report.Drifts[0].Field)
	require.Equal(t, string(units.StatusInTransit), report.Drifts[0].Derived)
	require.Equal(t, "location", report.Drifts[1].Field)
	require.Equal(t, "loc-a", report.Drifts[1].Derived)
}

func TestVerifyUnitUnknown(t *testing.T) {
	service, _, _ := newTestService(t)
	_, err := service.VerifyUnit(context.Background(), "nope")
	require.ErrorIs(t, err, shared.ErrNotFound)
}

func TestTriggerSnapshotValidation(t *testing.T) {
	service, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := service.TriggerSnapshot(ctx, "", "loc-a", "u", nil)
	require.ErrorIs(t, err, ErrValidation)

	_, err = service.TriggerSnapshot(ctx, "store-1", "loc-a", "u", []Count{{QRCode: "CTN-1", Quantity: -1}})
	require.ErrorIs(t, err, ErrValidation)

	_, err = service.TriggerSnapshot(ctx, "store-1", "loc-a", "u", []Count{{QRCode: "CTN-1", Quantity: 1}, {QRCode: "CTN-1", Quantity: 2}})
	require.ErrorIs(t, err, ErrValidation)
}

func TestProcessSnapshot(t *testing.T) {
	service, repo, _ := newTestService(t)
	ctx := context.Background()

	repo.atLoc = []units.Unit{
		{ID: "CTN-1", ProductID: "prod-1", Quantity: 100, Status: units.StatusAvailable},
		{ID: "CTN-2", ProductID: "prod-1", Quantity: 100, Status: units.StatusAvailable},
		// Ignored: not attributable to the counted location's stock.
		{ID: "CTN-3", ProductID: "prod-1", Quantity: 100, Status: units.StatusInTransit},
		{ID: "CTN-4", ProductID: "prod-1", Quantity: 100, Status: units.StatusConsumed},
	}
	snapshot, err := service.TriggerSnapshot(ctx, "store-1", "loc-a", "user-1", []Count{
		{QRCode: "CTN-1", Quantity: 100},
		{QRCode: "CTN-2", Quantity: 97},
	})
	require.NoError(t, err)
	require.Equal(t, SnapshotPending, snapshot.Status)

	require.NoError(t, service.ProcessSnapshot(ctx, snapshot.ID))

	stored, err := service.GetSnapshot(ctx, snapshot.ID)
	require.NoError(t, err)
	require.Equal(t, SnapshotReady, stored.Status)
	require.NotNil(t, stored.GeneratedAt)
	require.Len(t, stored.Rows, 2)
	require.Equal(t, "CTN-2", stored.Rows[0].QRCode)
	require.Equal(t, -3.0, stored.Rows[0].Variance)
	require.Equal(t, []SnapshotStatus{SnapshotInProgress, SnapshotReady}, repo.marks)

	// The count never touches unit quantities. A second run is a no-op.
	require.NoError(t, service.ProcessSnapshot(ctx, snapshot.ID))
	require.Equal(t, []SnapshotStatus{SnapshotInProgress, SnapshotReady}, repo.marks)
}

func TestProcessSnapshotUnknown(t *testing.T) {
	service, _, _ := newTestService(t)
	err := service.ProcessSnapshot(context.Background(), "missing")
	require.ErrorIs(t, err, ErrSnapshotNotFound)
}
