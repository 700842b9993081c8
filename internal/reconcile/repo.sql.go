package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/packtrace/packtrace/internal/units"
)

// Repository persists reconciliation snapshots in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// InsertSnapshot persists a pending snapshot with its captured counts.
func (r *Repository) InsertSnapshot(ctx context.Context, snapshot Snapshot) error {
	if r == nil || r.pool == nil {
		return errors.New("reconcile repository not initialised")
	}
	counts, err := json.Marshal(snapshot.Counts)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO reconcile_snapshots (id, store_id, location_id, status, counts, payload, error, created_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NULL, '', $6, $7, $8)
	`, snapshot.ID, snapshot.StoreID, snapshot.LocationID, string(snapshot.Status), counts, snapshot.CreatedBy, snapshot.CreatedAt, snapshot.UpdatedAt)
	return err
}

// GetSnapshot returns one snapshot with counts and payload decoded.
func (r *Repository) GetSnapshot(ctx context.Context, id string) (Snapshot, error) {
	if r == nil || r.pool == nil {
		return Snapshot{}, errors.New("reconcile repository not initialised")
	}
	var snapshot Snapshot
	var status string
	var counts, payload []byte
	err := r.pool.QueryRow(ctx, `
		SELECT id, store_id, location_id, status, counts, payload, error, created_by, generated_at, created_at, updated_at
		FROM reconcile_snapshots
		WHERE id=$1
	`, id).Scan(&snapshot.ID, &snapshot.StoreID, &snapshot.LocationID, &status, &counts, &payload, &snapshot.Error, &snapshot.CreatedBy, &snapshot.GeneratedAt, &snapshot.CreatedAt, &snapshot.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Snapshot{}, ErrSnapshotNotFound
		}
		return Snapshot{}, err
	}
	snapshot.Status = SnapshotStatus(status)
	if len(counts) > 0 {
		if err := json.Unmarshal(counts, &snapshot.Counts); err != nil {
			return Snapshot{}, err
		}
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &snapshot.Rows); err != nil {
			return Snapshot{}, err
		}
	}
	return snapshot, nil
}

// ListSnapshots returns a store's snapshots without payloads, newest
// first.
func (r *Repository) ListSnapshots(ctx context.Context, storeID string, limit int) ([]Snapshot, error) {
	if r == nil || r.pool == nil {
		return nil, errors.New("reconcile repository not initialised")
	}
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	rows, err := r.pool.Query(ctx, `
		SELECT id, store_id, location_id, status, error, created_by, generated_at, created_at, updated_at
		FROM reconcile_snapshots
		WHERE store_id=$1
		ORDER BY created_at DESC
		LIMIT $2
	`, storeID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var snapshots []Snapshot
	for rows.Next() {
		var snapshot Snapshot
		var status string
		if err := rows.Scan(&snapshot.ID, &snapshot.StoreID, &snapshot.LocationID, &status, &snapshot.Error, &snapshot.CreatedBy, &snapshot.GeneratedAt, &snapshot.CreatedAt, &snapshot.UpdatedAt); err != nil {
			return nil, err
		}
		snapshot.Status = SnapshotStatus(status)
		snapshots = append(snapshots, snapshot)
	}
	return snapshots, rows.Err()
}

// MarkSnapshot advances lifecycle status and stores the result payload.
func (r *Repository) MarkSnapshot(ctx context.Context, id string, status SnapshotStatus, resultRows []VarianceRow, errMsg string) error {
	if r == nil || r.pool == nil {
		return errors.New("reconcile repository not initialised")
	}
	var payload []byte
	if resultRows != nil {
		var err error
		payload, err = json.Marshal(resultRows)
		if err != nil {
			return err
		}
	}
	var generatedAt *time.Time
	if status == SnapshotReady {
		now := time.Now().UTC()
		generatedAt = &now
	}
	tag, err := r.pool.Exec(ctx, `
		UPDATE reconcile_snapshots
		SET status=$2, payload=COALESCE($3, payload), error=$4, generated_at=COALESCE($5, generated_at), updated_at=NOW()
		WHERE id=$1
	`, id, string(status), payload, errMsg, generatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrSnapshotNotFound
	}
	return nil
}

// ListUnitsAtLocation reads the registry side of a reconciliation.
func (r *Repository) ListUnitsAtLocation(ctx context.Context, storeID, locationID string) ([]units.Unit, error) {
	if r == nil || r.pool == nil {
		return nil, errors.New("reconcile repository not initialised")
	}
	rows, err := r.pool.Query(ctx, `
		SELECT id, product_id, quantity, status
		FROM inventory_units
		WHERE store_id=$1 AND current_location_id=$2
	`, storeID, locationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []units.Unit
	for rows.Next() {
		var unit units.Unit
		var status string
		if err := rows.Scan(&unit.ID, &unit.ProductID, &unit.Quantity, &status); err != nil {
			return nil, err
		}
		unit.Status = units.Status(status)
		unit.StoreID = storeID
		unit.CurrentLocationID = locationID
		result = append(result, unit)
	}
	return result, rows.Err()
}
