package scan

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/packtrace/packtrace/internal/units"
)

// FailureStore persists rejected scans in PostgreSQL.
type FailureStore struct {
	pool *pgxpool.Pool
}

// NewFailureStore constructs FailureStore.
func NewFailureStore(pool *pgxpool.Pool) *FailureStore {
	return &FailureStore{pool: pool}
}

// RecordFailure appends one rejected scan.
func (s *FailureStore) RecordFailure(ctx context.Context, failure Failure) error {
	if s == nil || s.pool == nil {
		return errors.New("scan failure store not initialised")
	}
	if failure.ID == "" {
		failure.ID = uuid.NewString()
	}
	if failure.OccurredAt.IsZero() {
		failure.OccurredAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO scan_failures (id, qr_code, operation, reason, store_id, location_id, user_id, notes, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, failure.ID, failure.QRCode, string(failure.Operation), failure.Reason, failure.StoreID, failure.LocationID, failure.UserID, failure.Notes, failure.OccurredAt)
	return err
}

// ListRecent returns the latest failures for a store, newest first.
func (s *FailureStore) ListRecent(ctx context.Context, storeID string, limit int) ([]Failure, error) {
	if s == nil || s.pool == nil {
		return nil, errors.New("scan failure store not initialised")
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, qr_code, operation, reason, store_id, location_id, user_id, notes, occurred_at
		FROM scan_failures
		WHERE store_id = $1
		ORDER BY occurred_at DESC, id DESC
		LIMIT $2
	`, storeID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var failures []Failure
	for rows.Next() {
		var f Failure
		var op string
		if err := rows.Scan(&f.ID, &f.QRCode, &op, &f.Reason, &f.StoreID, &f.LocationID, &f.UserID, &f.Notes, &f.OccurredAt); err != nil {
			return nil, err
		}
		f.Operation = units.Operation(op)
		failures = append(failures, f)
	}
	return failures, rows.Err()
}
