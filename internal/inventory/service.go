package inventory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/fleetwh/procurement/internal/shared"
)

// RepositoryPort abstracts repository usage for service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetRecord(ctx context.Context, sku, warehouseID string) (Record, error)
	ListMovements(ctx context.Context, filter MovementFilter) ([]Movement, error)
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service coordinates ad hoc inventory operations. Purchase order receipts do
// not go through Service; they call Apply inside the procurement transaction.
type Service struct {
	repo   RepositoryPort
	audit  AuditPort
	logger *slog.Logger
}

// NewService builds Service.
func NewService(repo RepositoryPort, audit AuditPort, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, audit: audit, logger: logger}
}

// AdjustmentInput describes a signed stock correction.
type AdjustmentInput struct {
	SKU         string
	WarehouseID string
	Delta       float64
	User        string
	Reason      string
}

// IssueInput describes stock leaving a warehouse.
type IssueInput struct {
	SKU         string
	WarehouseID string
	Qty         float64
	OrderID     string
	User        string
	Reason      string
}

// PostAdjustment posts an ajuste movement which may be positive or negative.
func (s *Service) PostAdjustment(ctx context.Context, input AdjustmentInput) (Movement, Record, error) {
	if strings.TrimSpace(input.Reason) == "" {
		return Movement{}, Record{}, fmt.Errorf("%w: reason required", ErrInvalidMovement)
	}
	return s.post(ctx, MovementInput{
		SKU:         input.SKU,
		WarehouseID: input.WarehouseID,
		Type:        MovementAjuste,
		Quantity:    input.Delta,
		User:        input.User,
		Reason:      input.Reason,
	})
}

// PostIssue posts a saida movement.
func (s *Service) PostIssue(ctx context.Context, input IssueInput) (Movement, Record, error) {
	return s.post(ctx, MovementInput{
		SKU:         input.SKU,
		WarehouseID: input.WarehouseID,
		Type:        MovementSaida,
		Quantity:    input.Qty,
		OrderID:     input.OrderID,
		User:        input.User,
		Reason:      input.Reason,
	})
}

// GetRecord returns the record for (sku, warehouse).
func (s *Service) GetRecord(ctx context.Context, sku, warehouseID string) (Record, error) {
	if sku == "" || warehouseID == "" {
		return Record{}, ErrInvalidMovement
	}
	return s.repo.GetRecord(ctx, sku, warehouseID)
}

// ListMovements lists movements; at least one filter field is required.
func (s *Service) ListMovements(ctx context.Context, filter MovementFilter) ([]Movement, error) {
	if filter.OrderID == "" && filter.SKU == "" && filter.WarehouseID == "" {
		return nil, fmt.Errorf("%w: order_id, sku or warehouse_id required", ErrInvalidMovement)
	}
	if filter.Limit <= 0 || filter.Limit > 500 {
		filter.Limit = 200
	}
	return s.repo.ListMovements(ctx, filter)
}

func (s *Service) post(ctx context.Context, input MovementInput) (Movement, Record, error) {
	var (
		mv  Movement
		rec Record
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		mv, rec, err = Apply(ctx, tx, input)
		return err
	})
	if err != nil {
		return Movement{}, Record{}, err
	}
	if s.audit != nil {
		if err := s.audit.Record(ctx, shared.AuditLog{
			ActorID:  input.User,
			Action:   fmt.Sprintf("inventory:%s", mv.Type),
			Entity:   "inventory_movements",
			EntityID: mv.ID,
			After:    mv,
			Meta: map[string]any{
				"warehouse_id": mv.WarehouseID,
				"sku":          mv.SKU,
				"balance":      rec.Quantity,
			},
		}); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Warn("inventory audit", slog.String("movement_id", mv.ID), slog.Any("error", err))
		}
	}
	return mv, rec, nil
}
