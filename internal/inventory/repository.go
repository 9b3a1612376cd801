package inventory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fleetwh/procurement/internal/platform/db"
)

// Repository persists inventory data in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

type txRepo struct {
	tx pgx.Tx
}

// NewTxRepository binds ledger writes to an open transaction owned by the caller.
func NewTxRepository(tx pgx.Tx) TxRepository {
	return &txRepo{tx: tx}
}

// WithTx executes the callback inside a serializable transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithSerializableTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, NewTxRepository(tx))
	})
}

// GetRecord reads the current record without locking.
func (r *Repository) GetRecord(ctx context.Context, sku, warehouseID string) (Record, error) {
	var rec Record
	err := r.pool.QueryRow(ctx, `SELECT sku, warehouse_id, quantity, updated_at
FROM inventory_records WHERE sku = $1 AND warehouse_id = $2`, sku, warehouseID).
		Scan(&rec.SKU, &rec.WarehouseID, &rec.Quantity, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{SKU: sku, WarehouseID: warehouseID}, ErrRecordNotFound
	}
	return rec, err
}

// ListMovements returns movements matching filter, oldest first.
func (r *Repository) ListMovements(ctx context.Context, filter MovementFilter) ([]Movement, error) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, value any) {
		args = append(args, value)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if filter.OrderID != "" {
		add("order_id = $%d", filter.OrderID)
	}
	if filter.SKU != "" {
		add("sku = $%d", filter.SKU)
	}
	if filter.WarehouseID != "" {
		add("warehouse_id = $%d", filter.WarehouseID)
	}
	query := `SELECT id, sku, type, quantity, warehouse_id, COALESCE(order_id, ''), occurred_at, user_id, reason
FROM inventory_movements`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, filter.Limit)
	query += fmt.Sprintf(" ORDER BY occurred_at ASC, id ASC LIMIT $%d", len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Movement
	for rows.Next() {
		m, err := scanMovement(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (r *txRepo) GetRecordForUpdate(ctx context.Context, sku, warehouseID string) (Record, error) {
	var rec Record
	err := r.tx.QueryRow(ctx, `SELECT sku, warehouse_id, quantity, updated_at
FROM inventory_records WHERE sku = $1 AND warehouse_id = $2 FOR UPDATE`, sku, warehouseID).
		Scan(&rec.SKU, &rec.WarehouseID, &rec.Quantity, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{SKU: sku, WarehouseID: warehouseID}, ErrRecordNotFound
	}
	return rec, err
}

// AddQuantity applies delta additively so concurrent writers never overwrite
// each other; the quantity >= 0 check constraint is the last line of defence.
func (r *txRepo) AddQuantity(ctx context.Context, sku, warehouseID string, delta float64, at time.Time) (Record, error) {
	rec := Record{SKU: sku, WarehouseID: warehouseID}
	err := r.tx.QueryRow(ctx, `INSERT INTO inventory_records (sku, warehouse_id, quantity, updated_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (sku, warehouse_id) DO UPDATE
SET quantity = inventory_records.quantity + EXCLUDED.quantity, updated_at = EXCLUDED.updated_at
RETURNING quantity, updated_at`, sku, warehouseID, delta, at).Scan(&rec.Quantity, &rec.UpdatedAt)
	if db.HasCode(err, db.CodeCheckViolation) {
		return Record{}, ErrNegativeStock
	}
	return rec, err
}

func (r *txRepo) InsertMovement(ctx context.Context, m Movement) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO inventory_movements
(id, sku, type, quantity, warehouse_id, order_id, occurred_at, user_id, reason)
VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, $8, $9)`,
		m.ID, m.SKU, string(m.Type), m.Quantity, m.WarehouseID, m.OrderID, m.Timestamp, m.User, m.Reason)
	if db.IsUniqueViolation(err) {
		return fmt.Errorf("%w: order %s sku %s", ErrDuplicateMovement, m.OrderID, m.SKU)
	}
	return err
}

func (r *txRepo) HasOrderMovements(ctx context.Context, orderID string, t MovementType) (bool, error) {
	var exists bool
	err := r.tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM inventory_movements WHERE order_id = $1 AND type = $2)`, orderID, string(t)).Scan(&exists)
	return exists, err
}

func scanMovement(row pgx.Row) (Movement, error) {
	var (
		m     Movement
		mtype string
	)
	if err := row.Scan(&m.ID, &m.SKU, &mtype, &m.Quantity, &m.WarehouseID, &m.OrderID, &m.Timestamp, &m.User, &m.Reason); err != nil {
		return Movement{}, err
	}
	m.Type = MovementType(mtype)
	return m, nil
}
