package inventory

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
)

const quantityEpsilon = 1e-9

// TxRepository exposes ledger writes bound to one open transaction.
type TxRepository interface {
	GetRecordForUpdate(ctx context.Context, sku, warehouseID string) (Record, error)
	AddQuantity(ctx context.Context, sku, warehouseID string, delta float64, at time.Time) (Record, error)
	InsertMovement(ctx context.Context, m Movement) error
	HasOrderMovements(ctx context.Context, orderID string, t MovementType) (bool, error)
}

// Apply validates in, adjusts the record and appends exactly one movement.
// It never opens its own transaction: callers compose it with their writes so
// the record, the movement and any caller state commit together.
func Apply(ctx context.Context, tx TxRepository, in MovementInput) (Movement, Record, error) {
	in.SKU = strings.TrimSpace(in.SKU)
	in.WarehouseID = strings.TrimSpace(in.WarehouseID)
	if in.SKU == "" || in.WarehouseID == "" || !in.Type.Valid() {
		return Movement{}, Record{}, ErrInvalidMovement
	}
	if math.IsNaN(in.Quantity) || math.IsInf(in.Quantity, 0) {
		return Movement{}, Record{}, ErrInvalidQuantity
	}
	switch in.Type {
	case MovementEntrada, MovementSaida:
		if in.Quantity <= 0 {
			return Movement{}, Record{}, ErrInvalidQuantity
		}
	case MovementAjuste:
		if math.Abs(in.Quantity) < quantityEpsilon {
			return Movement{}, Record{}, ErrInvalidQuantity
		}
	}
	at := in.At
	if at.IsZero() {
		at = time.Now().UTC()
	}

	mv := Movement{
		ID:          uuid.NewString(),
		SKU:         in.SKU,
		Type:        in.Type,
		Quantity:    in.Quantity,
		WarehouseID: in.WarehouseID,
		OrderID:     in.OrderID,
		Timestamp:   at,
		User:        in.User,
		Reason:      in.Reason,
	}

	current, err := tx.GetRecordForUpdate(ctx, in.SKU, in.WarehouseID)
	if err != nil && !errors.Is(err, ErrRecordNotFound) {
		return Movement{}, Record{}, err
	}
	if current.Quantity+mv.Delta() < -quantityEpsilon {
		return Movement{}, Record{}, fmt.Errorf("%w: %s@%s has %.4f, delta %.4f", ErrNegativeStock, in.SKU, in.WarehouseID, current.Quantity, mv.Delta())
	}

	if err := tx.InsertMovement(ctx, mv); err != nil {
		return Movement{}, Record{}, err
	}
	rec, err := tx.AddQuantity(ctx, in.SKU, in.WarehouseID, mv.Delta(), at)
	if err != nil {
		return Movement{}, Record{}, err
	}
	return mv, rec, nil
}
