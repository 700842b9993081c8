package units

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/packtrace/packtrace/internal/platform/db"
)

// Repository persists units in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// querier returns the context-bound transaction when the caller opened
// one, so reads inside a cross-module transaction see its writes.
func (r *Repository) querier(ctx context.Context) querier {
	if tx, ok := db.TxFromContext(ctx); ok {
		return tx
	}
	return r.pool
}

type txRepository struct {
	tx pgx.Tx
}

// WithTx executes the callback inside a repeatable-read transaction,
// joining a transaction already bound to the context when present.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("units repository not initialised")
	}
	return db.WithTxContext(ctx, r.pool, func(ctx context.Context, tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

const unitColumns = `id, store_id, tier_id, product_id, quantity, base_unit, generation, status, current_location_id, bin_location, batch_number, version, created_at, updated_at`

func scanUnit(row pgx.Row) (Unit, error) {
	var unit Unit
	var status string
	err := row.Scan(&unit.ID, &unit.StoreID, &unit.TierID, &unit.ProductID, &unit.Quantity, &unit.BaseUnit, &unit.Generation, &status, &unit.CurrentLocationID, &unit.BinLocation, &unit.BatchNumber, &unit.Version, &unit.CreatedAt, &unit.UpdatedAt)
	if err != nil {
		return Unit{}, err
	}
	unit.Status = Status(status)
	return unit, nil
}

// GetUnit fetches one unit by QR code.
func (r *Repository) GetUnit(ctx context.Context, id string) (Unit, error) {
	if r == nil {
		return Unit{}, errors.New("units repository not initialised")
	}
	unit, err := scanUnit(r.querier(ctx).QueryRow(ctx, `SELECT `+unitColumns+` FROM inventory_units WHERE id=$1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Unit{}, ErrNotFound
		}
		return Unit{}, err
	}
	return unit, nil
}

// ListScanRecords returns the append-only scan trail, oldest first.
func (r *Repository) ListScanRecords(ctx context.Context, unitID string, limit int) ([]ScanRecord, error) {
	if r == nil {
		return nil, errors.New("units repository not initialised")
	}
	if limit <= 0 {
		limit = 200
	}
	rows, err := r.querier(ctx).Query(ctx, `SELECT id, unit_id, operation, operation_status, location_id, location_name, scanned_by, scanned_by_name, variance, notes, scanned_at
FROM scan_records WHERE unit_id=$1 ORDER BY scanned_at ASC, id ASC LIMIT $2`, unitID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	records := []ScanRecord{}
	for rows.Next() {
		var rec ScanRecord
		var op string
		if err := rows.Scan(&rec.ID, &rec.UnitID, &op, &rec.OperationStatus, &rec.LocationID, &rec.LocationName, &rec.ScannedBy, &rec.ScannedByName, &rec.Variance, &rec.Notes, &rec.ScannedAt); err != nil {
			return nil, err
		}
		rec.Operation = Operation(op)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

func (r *txRepository) InsertUnit(ctx context.Context, unit Unit) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO inventory_units (id, store_id, tier_id, product_id, quantity, base_unit, generation, status, current_location_id, bin_location, batch_number, version, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		unit.ID, unit.StoreID, unit.TierID, unit.ProductID, unit.Quantity, unit.BaseUnit, unit.Generation, string(unit.Status), unit.CurrentLocationID, unit.BinLocation, unit.BatchNumber, unit.Version, unit.CreatedAt, unit.UpdatedAt)
	return err
}

// UpdateUnitVersioned mutates a unit row only when the caller still
// holds the current version. Zero affected rows means a concurrent
// scan won the race.
func (r *txRepository) UpdateUnitVersioned(ctx context.Context, id string, version int64, change Change) (Unit, error) {
	sets := []string{"status=$3", "version=version+1", "updated_at=NOW()"}
	args := []any{id, version, string(change.Status)}
	if change.LocationID != nil {
		args = append(args, *change.LocationID)
		sets = append(sets, "current_location_id=$"+itoa(len(args)))
	}
	if change.BinLocation != nil {
		args = append(args, *change.BinLocation)
		sets = append(sets, "bin_location=$"+itoa(len(args)))
	}
	if change.Quantity != nil {
		args = append(args, *change.Quantity)
		sets = append(sets, "quantity=$"+itoa(len(args)))
	}
	row := r.tx.QueryRow(ctx, `UPDATE inventory_units SET `+strings.Join(sets, ", ")+`
WHERE id=$1 AND version=$2 RETURNING `+unitColumns, args...)
	unit, err := scanUnit(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Distinguish a missing unit from a lost race.
			var exists bool
			if scanErr := r.tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM inventory_units WHERE id=$1)`, id).Scan(&exists); scanErr != nil {
				return Unit{}, scanErr
			}
			if !exists {
				return Unit{}, ErrNotFound
			}
			return Unit{}, ErrConcurrencyConflict
		}
		return Unit{}, err
	}
	return unit, nil
}

func (r *txRepository) InsertScanRecord(ctx context.Context, record ScanRecord) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO scan_records (id, unit_id, operation, operation_status, location_id, location_name, scanned_by, scanned_by_name, variance, notes, scanned_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		record.ID, record.UnitID, string(record.Operation), record.OperationStatus, record.LocationID, record.LocationName, record.ScannedBy, record.ScannedByName, record.Variance, record.Notes, record.ScannedAt)
	return err
}

func (r *txRepository) GetStockForUpdate(ctx context.Context, storeID, locationID, tierID, productID string) (StockLevel, error) {
	var level StockLevel
	err := r.tx.QueryRow(ctx, `SELECT store_id, location_id, tier_id, product_id, quantity, updated_at
FROM stock_levels WHERE store_id=$1 AND location_id=$2 AND tier_id=$3 AND product_id=$4 FOR UPDATE`, storeID, locationID, tierID, productID).
		Scan(&level.StoreID, &level.LocationID, &level.TierID, &level.ProductID, &level.Quantity, &level.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return StockLevel{StoreID: storeID, LocationID: locationID, TierID: tierID, ProductID: productID, UpdatedAt: time.Now().UTC()}, nil
		}
		return StockLevel{}, err
	}
	return level, nil
}

func (r *txRepository) UpsertStock(ctx context.Context, level StockLevel) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO stock_levels (store_id, location_id, tier_id, product_id, quantity, updated_at)
VALUES ($1,$2,$3,$4,$5,NOW())
ON CONFLICT (store_id, location_id, tier_id, product_id) DO UPDATE SET quantity=EXCLUDED.quantity, updated_at=NOW()`,
		level.StoreID, level.LocationID, level.TierID, level.ProductID, level.Quantity)
	return err
}

func itoa(i int) string {
	return strconv.Itoa(i)
}
