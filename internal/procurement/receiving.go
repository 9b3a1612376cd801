package procurement

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/fleetwh/procurement/internal/inventory"
	"github.com/fleetwh/procurement/internal/shared"
)

// Receipt result labels reported to MetricsPort.
const (
	ReceiptResultOK               = "ok"
	ReceiptResultAlreadyFinalized = "already_finalized"
	ReceiptResultRejected         = "rejected"
	ReceiptResultError            = "error"
)

// ReceiptIdempotencyModule scopes receipt keys in idempotency_keys.
const ReceiptIdempotencyModule = "procurement.receipt"

// ReceiptLine is the quantity physically received for one sku.
type ReceiptLine struct {
	SKU      string
	Received float64
}

// FinalizeReceiptInput describes a physical receipt of an order.
type FinalizeReceiptInput struct {
	POID        string
	WarehouseID string
	Items       []ReceiptLine
	Actor       shared.Actor
}

// ReceiptResult is the received order and the movements written for it.
type ReceiptResult struct {
	PO        PurchaseOrder        `json:"po"`
	Movements []inventory.Movement `json:"movements"`
}

// FinalizeReceipt applies a receipt exactly once. Inventory records, movements,
// the idempotency key and the order status commit in one transaction under the
// per-order lock. A second call for the same order, with any payload, returns
// ErrAlreadyFinalized and changes nothing.
func (s *Service) FinalizeReceipt(ctx context.Context, input FinalizeReceiptInput) (ReceiptResult, error) {
	var movements []inventory.Movement
	po, err := s.mutate(ctx, input.POID, input.Actor, mutation{
		action: "PO_RECEIVE",
		event:  EventReceived,
		apply: func(ctx context.Context, tx TxRepository, po *PurchaseOrder, now time.Time) error {
			movements = nil
			if po.Status == StatusRecebido || po.ReceivedAt != nil {
				return fmt.Errorf("%w: %s received at %s", ErrAlreadyFinalized, po.ID, formatTime(po.ReceivedAt))
			}
			received, err := tx.HasOrderMovements(ctx, po.ID, inventory.MovementEntrada)
			if err != nil {
				return err
			}
			if received {
				return fmt.Errorf("%w: %s already has receipt movements", ErrAlreadyFinalized, po.ID)
			}
			if po.Status != StatusEnviado {
				return &TransitionError{From: po.Status, To: StatusRecebido}
			}
			lines, err := validateReceipt(*po, input)
			if err != nil {
				return err
			}
			if err := tx.ClaimIdempotencyKey(ctx, shared.ReceiptKey(po.ID), ReceiptIdempotencyModule); err != nil {
				return err
			}
			for _, line := range lines {
				mv, _, err := inventory.Apply(ctx, tx, inventory.MovementInput{
					SKU:         line.SKU,
					WarehouseID: po.WarehouseID,
					Type:        inventory.MovementEntrada,
					Quantity:    line.Received,
					OrderID:     po.ID,
					User:        input.Actor.ID,
					Reason:      "receipt of " + po.ID,
					At:          now,
				})
				if err != nil {
					return err
				}
				movements = append(movements, mv)
			}
			return Transition(po, StatusRecebido, input.Actor.ID, now, "")
		},
		meta: func() map[string]any {
			ids := make([]string, 0, len(movements))
			items := make([]map[string]any, 0, len(movements))
			for _, mv := range movements {
				ids = append(ids, mv.ID)
				items = append(items, map[string]any{"sku": mv.SKU, "received": mv.Quantity})
			}
			return map[string]any{
				"po_id":          input.POID,
				"warehouse_id":   input.WarehouseID,
				"items_received": items,
				"movement_ids":   ids,
			}
		},
	})
	if s.metrics != nil {
		s.metrics.ObserveReceipt(receiptResult(err))
	}
	if err != nil {
		return ReceiptResult{}, err
	}
	return ReceiptResult{PO: po, Movements: movements}, nil
}

// validateReceipt checks the payload against the order and returns the lines
// sorted by sku so concurrent receipts lock inventory rows in the same order.
func validateReceipt(po PurchaseOrder, input FinalizeReceiptInput) ([]ReceiptLine, error) {
	warehouse := strings.TrimSpace(input.WarehouseID)
	if warehouse == "" {
		return nil, validationf("warehouse required")
	}
	if warehouse != po.WarehouseID {
		return nil, validationf("warehouse %s does not match order warehouse %s", warehouse, po.WarehouseID)
	}
	if len(input.Items) == 0 {
		return nil, validationf("at least one received item required")
	}
	seen := make(map[string]struct{}, len(input.Items))
	lines := make([]ReceiptLine, 0, len(input.Items))
	for i, line := range input.Items {
		line.SKU = strings.TrimSpace(line.SKU)
		if _, ok := po.Item(line.SKU); !ok {
			return nil, validationf("item %d: sku %q is not on the order", i, line.SKU)
		}
		if _, dup := seen[line.SKU]; dup {
			return nil, validationf("item %d: duplicate sku %s", i, line.SKU)
		}
		if !(line.Received > 0) || math.IsInf(line.Received, 1) {
			return nil, validationf("item %d: received must be positive", i)
		}
		seen[line.SKU] = struct{}{}
		lines = append(lines, line)
	}
	sort.Slice(lines, func(i, j int) bool { return lines[i].SKU < lines[j].SKU })
	return lines, nil
}

func receiptResult(err error) string {
	switch {
	case err == nil:
		return ReceiptResultOK
	case errors.Is(err, ErrAlreadyFinalized):
		return ReceiptResultAlreadyFinalized
	case errors.Is(err, ErrPersistence):
		return ReceiptResultError
	default:
		return ReceiptResultRejected
	}
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "unknown"
	}
	return t.Format(time.RFC3339)
}
