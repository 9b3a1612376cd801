package procurement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/fleetwh/procurement/internal/inventory"
	"github.com/fleetwh/procurement/internal/platform/db"
	"github.com/fleetwh/procurement/internal/shared"
)

// TxRepository exposes transactional operations. Inventory writes share the
// same transaction so a receipt commits or rolls back as one unit.
type TxRepository interface {
	inventory.TxRepository
	GetPOForUpdate(ctx context.Context, id string) (PurchaseOrder, error)
	InsertPO(ctx context.Context, po PurchaseOrder) error
	UpdatePO(ctx context.Context, po PurchaseOrder) error
	InsertQuotes(ctx context.Context, poID string, quotes []Quote) error
	AppendHistory(ctx context.Context, poID string, entry HistoryEntry) error
	ClaimIdempotencyKey(ctx context.Context, key, module string) error
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repository provides PostgreSQL backed persistence.
type Repository struct {
	pool        *pgxpool.Pool
	idempotency *shared.IdempotencyStore
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool, idem *shared.IdempotencyStore) *Repository {
	return &Repository{pool: pool, idempotency: idem}
}

type txRepo struct {
	inventory.TxRepository
	tx          pgx.Tx
	idempotency *shared.IdempotencyStore
}

// WithTx wraps callback in a serializable transaction, retried on
// serialization failures.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithSerializableTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{
			TxRepository: inventory.NewTxRepository(tx),
			tx:           tx,
			idempotency:  r.idempotency,
		})
	})
}

const poColumns = `id, status, items, COALESCE(selected_quote_id, ''), plate, cost_center, warehouse_id,
vendor_order_number, requested_by, requested_at, quotes_added_at, approved_at, approved_by,
rejected_at, rejection_reason, sent_to_vendor_at, received_at, updated_at, version`

// GetPO returns an order with its quotes and history.
func (r *Repository) GetPO(ctx context.Context, id string) (PurchaseOrder, error) {
	return loadPO(ctx, r.pool, id, false)
}

// ListPOs returns order headers and items; quotes and history are omitted.
func (r *Repository) ListPOs(ctx context.Context, filter ListFilter) ([]PurchaseOrder, error) {
	var (
		where []string
		args  []any
	)
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.WarehouseID != "" {
		args = append(args, filter.WarehouseID)
		where = append(where, fmt.Sprintf("warehouse_id = $%d", len(args)))
	}
	query := "SELECT " + poColumns + " FROM purchase_orders"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, filter.Limit, filter.Offset)
	query += fmt.Sprintf(" ORDER BY requested_at DESC, id LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []PurchaseOrder
	for rows.Next() {
		po, err := scanPO(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, po)
	}
	return out, rows.Err()
}

func (r *txRepo) GetPOForUpdate(ctx context.Context, id string) (PurchaseOrder, error) {
	return loadPO(ctx, r.tx, id, true)
}

func (r *txRepo) InsertPO(ctx context.Context, po PurchaseOrder) error {
	items, err := json.Marshal(po.Items)
	if err != nil {
		return err
	}
	_, err = r.tx.Exec(ctx, `INSERT INTO purchase_orders
(id, status, items, plate, cost_center, warehouse_id, requested_by, requested_at, updated_at, version)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		po.ID, string(po.Status), items, po.Plate, po.CostCenter, po.WarehouseID, po.RequestedBy, po.RequestedAt, po.UpdatedAt, po.Version)
	if db.IsUniqueViolation(err) {
		return validationf("purchase order %s already exists", po.ID)
	}
	return err
}

func (r *txRepo) UpdatePO(ctx context.Context, po PurchaseOrder) error {
	tag, err := r.tx.Exec(ctx, `UPDATE purchase_orders SET
status = $2, selected_quote_id = NULLIF($3, ''), vendor_order_number = $4,
quotes_added_at = $5, approved_at = $6, approved_by = $7, rejected_at = $8, rejection_reason = $9,
sent_to_vendor_at = $10, received_at = $11, updated_at = $12, version = $13
WHERE id = $1 AND version = $13 - 1`,
		po.ID, string(po.Status), po.SelectedQuoteID, po.VendorOrderNumber,
		po.QuotesAddedAt, po.ApprovedAt, po.ApprovedBy, po.RejectedAt, po.RejectionReason,
		po.SentToVendorAt, po.ReceivedAt, po.UpdatedAt, po.Version)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("purchase order %s changed concurrently at version %d", po.ID, po.Version-1)
	}
	return nil
}

func (r *txRepo) InsertQuotes(ctx context.Context, poID string, quotes []Quote) error {
	batch := &pgx.Batch{}
	for _, q := range quotes {
		items, err := json.Marshal(q.Items)
		if err != nil {
			return err
		}
		batch.Queue(`INSERT INTO po_quotes (id, po_id, vendor_id, vendor_name, items, total_value, quoted_at, valid_until, notes)
VALUES ($1, $2, $3, $4, $5, $6::numeric, $7, $8, $9)`,
			q.ID, poID, q.VendorID, q.VendorName, items, q.TotalValue.String(), q.QuotedAt, q.ValidUntil, q.Notes)
	}
	res := r.tx.SendBatch(ctx, batch)
	defer res.Close()
	for range quotes {
		if _, err := res.Exec(); err != nil {
			if db.IsUniqueViolation(err) {
				return validationf("vendor already quoted on %s", poID)
			}
			return err
		}
	}
	return nil
}

func (r *txRepo) AppendHistory(ctx context.Context, poID string, entry HistoryEntry) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO po_history (po_id, at, actor, action, status, reason)
VALUES ($1, $2, $3, $4, $5, $6)`, poID, entry.At, entry.By, string(entry.Action), string(entry.Status), entry.Reason)
	return err
}

func (r *txRepo) ClaimIdempotencyKey(ctx context.Context, key, module string) error {
	if r.idempotency == nil {
		return errors.New("procurement: idempotency store not configured")
	}
	return r.idempotency.Claim(ctx, r.tx, key, module)
}

func loadPO(ctx context.Context, q querier, id string, forUpdate bool) (PurchaseOrder, error) {
	query := "SELECT " + poColumns + " FROM purchase_orders WHERE id = $1"
	if forUpdate {
		query += " FOR UPDATE"
	}
	po, err := scanPO(q.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return PurchaseOrder{}, fmt.Errorf("%w: purchase order %s", ErrNotFound, id)
		}
		return PurchaseOrder{}, err
	}
	if po.Quotes, err = loadQuotes(ctx, q, id); err != nil {
		return PurchaseOrder{}, err
	}
	if po.ApprovalHistory, err = loadHistory(ctx, q, id); err != nil {
		return PurchaseOrder{}, err
	}
	return po, nil
}

func scanPO(row pgx.Row) (PurchaseOrder, error) {
	var (
		po     PurchaseOrder
		status string
		items  []byte
	)
	err := row.Scan(&po.ID, &status, &items, &po.SelectedQuoteID, &po.Plate, &po.CostCenter, &po.WarehouseID,
		&po.VendorOrderNumber, &po.RequestedBy, &po.RequestedAt, &po.QuotesAddedAt, &po.ApprovedAt, &po.ApprovedBy,
		&po.RejectedAt, &po.RejectionReason, &po.SentToVendorAt, &po.ReceivedAt, &po.UpdatedAt, &po.Version)
	if err != nil {
		return PurchaseOrder{}, err
	}
	po.Status = Status(status)
	if err := json.Unmarshal(items, &po.Items); err != nil {
		return PurchaseOrder{}, fmt.Errorf("decode items of %s: %w", po.ID, err)
	}
	return po, nil
}

func loadQuotes(ctx context.Context, q querier, poID string) ([]Quote, error) {
	rows, err := q.Query(ctx, `SELECT id, vendor_id, vendor_name, items, total_value::text, quoted_at, valid_until, notes
FROM po_quotes WHERE po_id = $1 ORDER BY quoted_at, id`, poID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var quotes []Quote
	for rows.Next() {
		var (
			quote Quote
			items []byte
			total string
		)
		if err := rows.Scan(&quote.ID, &quote.VendorID, &quote.VendorName, &items, &total, &quote.QuotedAt, &quote.ValidUntil, &quote.Notes); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(items, &quote.Items); err != nil {
			return nil, fmt.Errorf("decode quote %s: %w", quote.ID, err)
		}
		if quote.TotalValue, err = decimal.NewFromString(total); err != nil {
			return nil, fmt.Errorf("decode quote %s total: %w", quote.ID, err)
		}
		quotes = append(quotes, quote)
	}
	return quotes, rows.Err()
}

func loadHistory(ctx context.Context, q querier, poID string) ([]HistoryEntry, error) {
	rows, err := q.Query(ctx, `SELECT at, actor, action, status, reason FROM po_history WHERE po_id = $1 ORDER BY id`, poID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var history []HistoryEntry
	for rows.Next() {
		var (
			entry          HistoryEntry
			action, status string
		)
		if err := rows.Scan(&entry.At, &entry.By, &action, &status, &entry.Reason); err != nil {
			return nil, err
		}
		entry.Action = HistoryAction(action)
		entry.Status = Status(status)
		history = append(history, entry)
	}
	return history, rows.Err()
}
