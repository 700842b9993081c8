package transfers

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/packtrace/packtrace/internal/platform/db"
)

// Repository persists transfer orders in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

type txRepository struct {
	tx pgx.Tx
}

// WithTx executes the callback inside a repeatable-read transaction.
// The transaction is bound to the callback's context, so repositories
// of other packages called under it join the same transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("transfers repository not initialised")
	}
	return db.WithTxContext(ctx, r.pool, func(ctx context.Context, tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

const transferColumns = `id, number, store_id, from_location_id, to_location_id, status, tracking_number, notes, created_by, approved_by, received_by, cancelled_by, created_at, updated_at, shipped_at, received_at, cancelled_at`

func scanTransfer(row pgx.Row) (Transfer, error) {
	var t Transfer
	var status string
	err := row.Scan(&t.ID, &t.Number, &t.StoreID, &t.FromLocationID, &t.ToLocationID, &status, &t.TrackingNumber, &t.Notes, &t.CreatedBy, &t.ApprovedBy, &t.ReceivedBy, &t.CancelledBy, &t.CreatedAt, &t.UpdatedAt, &t.ShippedAt, &t.ReceivedAt, &t.CancelledAt)
	if err != nil {
		return Transfer{}, err
	}
	t.Status = Status(status)
	return t, nil
}

// GetTransfer fetches one order with its items.
func (r *Repository) GetTransfer(ctx context.Context, id string) (Transfer, error) {
	if r == nil {
		return Transfer{}, errors.New("transfers repository not initialised")
	}
	transfer, err := scanTransfer(r.pool.QueryRow(ctx, `SELECT `+transferColumns+` FROM transfer_orders WHERE id=$1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Transfer{}, ErrNotFound
		}
		return Transfer{}, err
	}
	transfer.Items, err = listItems(ctx, r.pool, id)
	if err != nil {
		return Transfer{}, err
	}
	return transfer, nil
}

// ListTransfers returns a store's orders, newest first. Empty status
// means all statuses.
func (r *Repository) ListTransfers(ctx context.Context, storeID string, status Status, limit int) ([]Transfer, error) {
	if r == nil {
		return nil, errors.New("transfers repository not initialised")
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	query := `SELECT ` + transferColumns + ` FROM transfer_orders WHERE store_id=$1`
	args := []any{storeID}
	if status != "" {
		args = append(args, string(status))
		query += ` AND status=$` + strconv.Itoa(len(args))
	}
	args = append(args, limit)
	query += ` ORDER BY created_at DESC LIMIT $` + strconv.Itoa(len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var transfers []Transfer
	for rows.Next() {
		transfer, err := scanTransfer(rows)
		if err != nil {
			return nil, err
		}
		transfers = append(transfers, transfer)
	}
	return transfers, rows.Err()
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func listItems(ctx context.Context, q querier, transferID string) ([]TransferItem, error) {
	rows, err := q.Query(ctx, `
		SELECT id, transfer_id, product_id, tier_id, unit_qr_code, quantity, received_quantity, condition, condition_notes, notes
		FROM transfer_items
		WHERE transfer_id=$1
		ORDER BY created_at ASC, id ASC
	`, transferID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []TransferItem
	for rows.Next() {
		var item TransferItem
		var condition string
		if err := rows.Scan(&item.ID, &item.TransferID, &item.ProductID, &item.TierID, &item.UnitQRCode, &item.Quantity, &item.ReceivedQuantity, &condition, &item.ConditionNotes, &item.Notes); err != nil {
			return nil, err
		}
		item.Condition = Condition(condition)
		items = append(items, item)
	}
	return items, rows.Err()
}

// NextSequence bumps and returns the store-scoped order counter.
func (t *txRepository) NextSequence(ctx context.Context, storeID string) (int64, error) {
	var seq int64
	err := t.tx.QueryRow(ctx, `
		INSERT INTO transfer_counters (store_id, seq)
		VALUES ($1, 1)
		ON CONFLICT (store_id) DO UPDATE SET seq = transfer_counters.seq + 1
		RETURNING seq
	`, storeID).Scan(&seq)
	return seq, err
}

// InsertTransfer persists the order header.
func (t *txRepository) InsertTransfer(ctx context.Context, transfer Transfer) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO transfer_orders (id, number, store_id, from_location_id, to_location_id, status, tracking_number, notes, created_by, approved_by, received_by, cancelled_by, created_at, updated_at, shipped_at, received_at, cancelled_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`, transfer.ID, transfer.Number, transfer.StoreID, transfer.FromLocationID, transfer.ToLocationID, string(transfer.Status), transfer.TrackingNumber, transfer.Notes, transfer.CreatedBy, transfer.ApprovedBy, transfer.ReceivedBy, transfer.CancelledBy, transfer.CreatedAt, transfer.UpdatedAt, transfer.ShippedAt, transfer.ReceivedAt, transfer.CancelledAt)
	return err
}

// InsertItem persists one order line.
func (t *txRepository) InsertItem(ctx context.Context, item TransferItem) error {
	condition := string(item.Condition)
	if condition == "" {
		condition = string(ConditionGood)
	}
	_, err := t.tx.Exec(ctx, `
		INSERT INTO transfer_items (id, transfer_id, product_id, tier_id, unit_qr_code, quantity, received_quantity, condition, condition_notes, notes, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW())
	`, item.ID, item.TransferID, item.ProductID, item.TierID, item.UnitQRCode, item.Quantity, item.ReceivedQuantity, condition, item.ConditionNotes, item.Notes)
	return err
}

// GetTransferForUpdate locks the order row and loads its items.
func (t *txRepository) GetTransferForUpdate(ctx context.Context, id string) (Transfer, error) {
	transfer, err := scanTransfer(t.tx.QueryRow(ctx, `SELECT `+transferColumns+` FROM transfer_orders WHERE id=$1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Transfer{}, ErrNotFound
		}
		return Transfer{}, err
	}
	transfer.Items, err = listItems(ctx, t.tx, id)
	if err != nil {
		return Transfer{}, err
	}
	return transfer, nil
}

// UpdateStatus patches the header for a lifecycle step.
func (t *txRepository) UpdateStatus(ctx context.Context, id string, patch StatusPatch) error {
	set := []string{"status=$2", "updated_at=$3"}
	args := []any{id, string(patch.Status), time.Now().UTC()}
	if patch.ApprovedBy != "" {
		args = append(args, patch.ApprovedBy)
		set = append(set, "approved_by=$"+strconv.Itoa(len(args)))
	}
	if patch.TrackingNumber != "" {
		args = append(args, patch.TrackingNumber)
		set = append(set, "tracking_number=$"+strconv.Itoa(len(args)))
	}
	if patch.ShippedAt != nil {
		args = append(args, *patch.ShippedAt)
		set = append(set, "shipped_at=$"+strconv.Itoa(len(args)))
	}
	if patch.ReceivedBy != "" {
		args = append(args, patch.ReceivedBy)
		set = append(set, "received_by=$"+strconv.Itoa(len(args)))
	}
	if patch.CancelledBy != "" {
		args = append(args, patch.CancelledBy)
		set = append(set, "cancelled_by=$"+strconv.Itoa(len(args)))
	}
	if patch.ReceivedAt != nil {
		args = append(args, *patch.ReceivedAt)
		set = append(set, "received_at=$"+strconv.Itoa(len(args)))
	}
	if patch.CancelledAt != nil {
		args = append(args, *patch.CancelledAt)
		set = append(set, "cancelled_at=$"+strconv.Itoa(len(args)))
	}
	tag, err := t.tx.Exec(ctx, `UPDATE transfer_orders SET `+strings.Join(set, ", ")+` WHERE id=$1`, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateItemReceipt records the cumulative receipt on a line.
func (t *txRepository) UpdateItemReceipt(ctx context.Context, itemID string, receivedQty float64, condition Condition, conditionNotes string) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE transfer_items
		SET received_quantity=$2, condition=$3, condition_notes=$4
		WHERE id=$1
	`, itemID, receivedQty, string(condition), conditionNotes)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrItemNotFound
	}
	return nil
}
