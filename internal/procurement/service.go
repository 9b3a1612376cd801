package procurement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/fleetwh/procurement/internal/inventory"
	"github.com/fleetwh/procurement/internal/shared"
)

// RepositoryPort describes repository operations used by Service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetPO(ctx context.Context, id string) (PurchaseOrder, error)
	ListPOs(ctx context.Context, filter ListFilter) ([]PurchaseOrder, error)
}

// AuditPort reused from shared.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// MetricsPort receives workflow counters.
type MetricsPort interface {
	ObserveTransition(from, to string)
	ObserveReceipt(result string)
}

// Service orchestrates the purchase order workflow.
type Service struct {
	repo    RepositoryPort
	locker  shared.Locker
	audit   AuditPort
	events  EventPublisher
	metrics MetricsPort
	logger  *slog.Logger
	now     func() time.Time
}

// NewService constructs procurement service. A nil locker falls back to an
// in-process keyed lock; audit, events and metrics are optional.
func NewService(repo RepositoryPort, locker shared.Locker, audit AuditPort, events EventPublisher, metrics MetricsPort, logger *slog.Logger) *Service {
	if locker == nil {
		locker = shared.NewLocalLocker()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:    repo,
		locker:  locker,
		audit:   audit,
		events:  events,
		metrics: metrics,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// CreatePOInput describes a new requisition.
type CreatePOInput struct {
	ID          string
	Items       []Item
	Plate       string
	CostCenter  string
	WarehouseID string
	Actor       shared.Actor
}

// SubmitQuotesInput carries quotes for an order.
type SubmitQuotesInput struct {
	POID   string
	Quotes []QuoteInput
	Actor  shared.Actor
}

// SendToApprovalInput optionally names the quote to select.
type SendToApprovalInput struct {
	POID            string
	SelectedQuoteID string
	Actor           shared.Actor
}

// SelectQuoteInput overrides the selected quote of a pending order.
type SelectQuoteInput struct {
	POID    string
	QuoteID string
	Actor   shared.Actor
}

// DecisionInput approves or rejects a pending order.
type DecisionInput struct {
	POID   string
	Reason string
	Actor  shared.Actor
}

// MarkSentInput records the vendor's order number.
type MarkSentInput struct {
	POID              string
	VendorOrderNumber string
	Actor             shared.Actor
}

// mutation is one state-changing operation applied under the per-order lock.
type mutation struct {
	action string
	event  string
	perm   string
	apply  func(ctx context.Context, tx TxRepository, po *PurchaseOrder, now time.Time) error
	meta   func() map[string]any
}

// CreatePO stores a new order in requisicao.
func (s *Service) CreatePO(ctx context.Context, input CreatePOInput) (PurchaseOrder, error) {
	if input.Actor.IsZero() {
		return PurchaseOrder{}, fmt.Errorf("%w: actor required", ErrForbidden)
	}
	items, err := normalizeItems(input.Items)
	if err != nil {
		return PurchaseOrder{}, err
	}
	plate := strings.TrimSpace(input.Plate)
	costCenter := strings.TrimSpace(input.CostCenter)
	warehouse := strings.TrimSpace(input.WarehouseID)
	if plate == "" || costCenter == "" || warehouse == "" {
		return PurchaseOrder{}, validationf("plate, cost center and warehouse are required")
	}
	now := s.now()
	id := strings.TrimSpace(input.ID)
	if id == "" {
		id = generatePOID(now)
	}
	po := PurchaseOrder{
		ID:          id,
		Status:      StatusRequisicao,
		Items:       items,
		Plate:       plate,
		CostCenter:  costCenter,
		WarehouseID: warehouse,
		RequestedBy: input.Actor.ID,
		RequestedAt: now,
		UpdatedAt:   now,
		Version:     1,
	}

	release, err := s.lock(ctx, po.ID)
	if err != nil {
		return PurchaseOrder{}, err
	}
	defer release()
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.InsertPO(ctx, po)
	})
	if err != nil {
		return PurchaseOrder{}, classify(err)
	}
	s.afterCommit(ctx, input.Actor, "PO_CREATE", EventCreated, PurchaseOrder{}, po, map[string]any{"items": len(po.Items), "estimated_total": orderTotal(po.Items).String()})
	return po, nil
}

// SubmitQuotes prices and stores quotes. The first submission moves the order
// from requisicao to cotacao; later submissions while in cotacao only append.
func (s *Service) SubmitQuotes(ctx context.Context, input SubmitQuotesInput) (PurchaseOrder, error) {
	var added []Quote
	return s.mutate(ctx, input.POID, input.Actor, mutation{
		action: "PO_SUBMIT_QUOTES",
		event:  EventQuotesSubmitted,
		apply: func(ctx context.Context, tx TxRepository, po *PurchaseOrder, now time.Time) error {
			if po.Status != StatusRequisicao && po.Status != StatusCotacao {
				return &TransitionError{From: po.Status, To: StatusCotacao}
			}
			quotes, err := PriceQuotes(po.Items, po.Quotes, input.Quotes, now)
			if err != nil {
				return err
			}
			for i, q := range quotes {
				if claimed := input.Quotes[i].TotalValue; claimed != nil && !claimed.Equal(q.TotalValue) {
					s.logger.Debug("quote total discarded",
						slog.String("po_id", po.ID),
						slog.String("vendor_id", q.VendorID),
						slog.String("claimed", claimed.String()),
						slog.String("computed", q.TotalValue.String()))
				}
			}
			po.Quotes = append(po.Quotes, quotes...)
			added = quotes
			if po.Status == StatusCotacao {
				return nil
			}
			return Transition(po, StatusCotacao, input.Actor.ID, now, "")
		},
		meta: func() map[string]any {
			ids := make([]string, 0, len(added))
			for _, q := range added {
				ids = append(ids, q.ID)
			}
			return map[string]any{"quote_ids": ids}
		},
	})
}

// SendToApproval selects a quote and moves the order to pendente. Without an
// explicit selection the best quote is chosen.
func (s *Service) SendToApproval(ctx context.Context, input SendToApprovalInput) (PurchaseOrder, error) {
	var auto bool
	return s.mutate(ctx, input.POID, input.Actor, mutation{
		action: "PO_SEND_TO_APPROVAL",
		event:  EventSentToApproval,
		apply: func(ctx context.Context, tx TxRepository, po *PurchaseOrder, now time.Time) error {
			if !CanTransition(po.Status, StatusPendente) {
				return &TransitionError{From: po.Status, To: StatusPendente}
			}
			selected := strings.TrimSpace(input.SelectedQuoteID)
			if selected == "" {
				best, err := SelectBest(po.Quotes)
				if err != nil {
					return err
				}
				selected = best.ID
				auto = true
			} else if _, ok := FindQuote(po.Quotes, selected); !ok {
				return validationf("quote %s not found on order", selected)
			}
			po.SelectedQuoteID = selected
			return Transition(po, StatusPendente, input.Actor.ID, now, "")
		},
		meta: func() map[string]any { return map[string]any{"auto_selected": auto} },
	})
}

// SelectQuote lets an approver override the selection of a pending order.
func (s *Service) SelectQuote(ctx context.Context, input SelectQuoteInput) (PurchaseOrder, error) {
	var previous string
	return s.mutate(ctx, input.POID, input.Actor, mutation{
		action: "PO_SELECT_QUOTE",
		event:  EventSelectionChanged,
		perm:   shared.PermProcurementApprove,
		apply: func(ctx context.Context, tx TxRepository, po *PurchaseOrder, now time.Time) error {
			if po.Status != StatusPendente {
				return &TransitionError{From: po.Status, To: StatusPendente}
			}
			if _, ok := FindQuote(po.Quotes, input.QuoteID); !ok {
				return validationf("quote %s not found on order", input.QuoteID)
			}
			previous = po.SelectedQuoteID
			po.SelectedQuoteID = input.QuoteID
			return nil
		},
		meta: func() map[string]any { return map[string]any{"previous_quote_id": previous} },
	})
}

// Approve moves a pending order to aprovado.
func (s *Service) Approve(ctx context.Context, input DecisionInput) (PurchaseOrder, error) {
	return s.mutate(ctx, input.POID, input.Actor, mutation{
		action: "PO_APPROVE",
		event:  EventApproved,
		perm:   shared.PermProcurementApprove,
		apply: func(ctx context.Context, tx TxRepository, po *PurchaseOrder, now time.Time) error {
			return Transition(po, StatusAprovado, input.Actor.ID, now, input.Reason)
		},
	})
}

// Reject cancels a pending order. A reason is required.
func (s *Service) Reject(ctx context.Context, input DecisionInput) (PurchaseOrder, error) {
	if strings.TrimSpace(input.Reason) == "" {
		return PurchaseOrder{}, validationf("rejection reason required")
	}
	return s.mutate(ctx, input.POID, input.Actor, mutation{
		action: "PO_REJECT",
		event:  EventRejected,
		perm:   shared.PermProcurementApprove,
		apply: func(ctx context.Context, tx TxRepository, po *PurchaseOrder, now time.Time) error {
			return Transition(po, StatusCancelado, input.Actor.ID, now, input.Reason)
		},
	})
}

// MarkSent records the vendor order number and moves the order to enviado.
func (s *Service) MarkSent(ctx context.Context, input MarkSentInput) (PurchaseOrder, error) {
	number := strings.TrimSpace(input.VendorOrderNumber)
	if number == "" {
		return PurchaseOrder{}, validationf("vendor order number required")
	}
	return s.mutate(ctx, input.POID, input.Actor, mutation{
		action: "PO_MARK_SENT",
		event:  EventSent,
		apply: func(ctx context.Context, tx TxRepository, po *PurchaseOrder, now time.Time) error {
			if !CanTransition(po.Status, StatusEnviado) {
				return &TransitionError{From: po.Status, To: StatusEnviado}
			}
			po.VendorOrderNumber = number
			return Transition(po, StatusEnviado, input.Actor.ID, now, "")
		},
		meta: func() map[string]any { return map[string]any{"vendor_order_number": number} },
	})
}

// GetPO loads one order.
func (s *Service) GetPO(ctx context.Context, id string) (PurchaseOrder, error) {
	if strings.TrimSpace(id) == "" {
		return PurchaseOrder{}, validationf("id required")
	}
	po, err := s.repo.GetPO(ctx, id)
	if err != nil {
		return PurchaseOrder{}, classify(err)
	}
	return po, nil
}

// ListPOs lists orders matching filter, newest first.
func (s *Service) ListPOs(ctx context.Context, filter ListFilter) ([]PurchaseOrder, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, validationf("unknown status %q", filter.Status)
	}
	if filter.Offset < 0 {
		return nil, validationf("offset must not be negative")
	}
	if filter.Limit <= 0 || filter.Limit > 200 {
		filter.Limit = 50
	}
	pos, err := s.repo.ListPOs(ctx, filter)
	if err != nil {
		return nil, classify(err)
	}
	return pos, nil
}

// History returns the approval history of an order.
func (s *Service) History(ctx context.Context, id string) ([]HistoryEntry, error) {
	po, err := s.GetPO(ctx, id)
	if err != nil {
		return nil, err
	}
	return po.ApprovalHistory, nil
}

func (s *Service) mutate(ctx context.Context, poID string, actor shared.Actor, m mutation) (PurchaseOrder, error) {
	poID = strings.TrimSpace(poID)
	if poID == "" {
		return PurchaseOrder{}, validationf("id required")
	}
	if actor.IsZero() {
		return PurchaseOrder{}, fmt.Errorf("%w: actor required", ErrForbidden)
	}
	if m.perm != "" && !actor.Can(m.perm) {
		return PurchaseOrder{}, fmt.Errorf("%w: %s requires %s", ErrForbidden, m.action, m.perm)
	}
	release, err := s.lock(ctx, poID)
	if err != nil {
		return PurchaseOrder{}, err
	}
	defer release()

	var before, after PurchaseOrder
	now := s.now()
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		po, err := tx.GetPOForUpdate(ctx, poID)
		if err != nil {
			return err
		}
		before = po.Clone()
		if err := m.apply(ctx, tx, &po, now); err != nil {
			return err
		}
		if err := savePO(ctx, tx, before, &po, now); err != nil {
			return err
		}
		after = po
		return nil
	})
	if err != nil {
		return PurchaseOrder{}, classify(err)
	}
	var meta map[string]any
	if m.meta != nil {
		meta = m.meta()
	}
	s.afterCommit(ctx, actor, m.action, m.event, before, after, meta)
	return after, nil
}

// savePO writes the header and appends quotes and history added since before.
func savePO(ctx context.Context, tx TxRepository, before PurchaseOrder, po *PurchaseOrder, now time.Time) error {
	po.Version = before.Version + 1
	po.UpdatedAt = now
	if err := tx.UpdatePO(ctx, *po); err != nil {
		return err
	}
	if n := len(before.Quotes); len(po.Quotes) > n {
		if err := tx.InsertQuotes(ctx, po.ID, po.Quotes[n:]); err != nil {
			return err
		}
	}
	for _, entry := range po.ApprovalHistory[len(before.ApprovalHistory):] {
		if err := tx.AppendHistory(ctx, po.ID, entry); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) lock(ctx context.Context, poID string) (func(), error) {
	release, err := s.locker.Acquire(ctx, shared.POLockKey(poID))
	if err != nil {
		return nil, fmt.Errorf("%w: lock %s: %w", ErrPersistence, poID, err)
	}
	return release, nil
}

// afterCommit emits the audit record, lifecycle event and metrics. Failures are
// logged and never undo the committed change.
func (s *Service) afterCommit(ctx context.Context, actor shared.Actor, action, eventType string, before, after PurchaseOrder, meta map[string]any) {
	if before.Status != "" && before.Status != after.Status && s.metrics != nil {
		s.metrics.ObserveTransition(string(before.Status), string(after.Status))
	}
	s.recordAudit(ctx, actor, action, before, after, meta)
	if s.events != nil && eventType != "" {
		evt := newEvent(eventType, after, actor.ID, after.UpdatedAt, meta)
		if err := s.events.Publish(ctx, after.ID, evt); err != nil {
			s.logger.Warn("publish procurement event", slog.String("po_id", after.ID), slog.String("type", eventType), slog.Any("error", err))
		}
	}
}

func (s *Service) recordAudit(ctx context.Context, actor shared.Actor, action string, before, after PurchaseOrder, meta map[string]any) {
	if s.audit == nil {
		return
	}
	var beforeSnapshot any
	if before.ID != "" {
		beforeSnapshot = before
	}
	err := s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actor.ID,
		Action:   action,
		Entity:   "purchase_orders",
		EntityID: after.ID,
		Before:   beforeSnapshot,
		After:    after,
		Meta:     meta,
	})
	if err != nil {
		s.logger.Error("procurement audit", slog.String("po_id", after.ID), slog.String("action", action), slog.Any("error", err))
	}
}

// classify keeps domain errors and wraps everything else as ErrPersistence.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrValidation),
		errors.Is(err, ErrInvalidTransition),
		errors.Is(err, ErrAlreadyFinalized),
		errors.Is(err, ErrNotFound),
		errors.Is(err, ErrForbidden),
		errors.Is(err, ErrPersistence):
		return err
	case errors.Is(err, shared.ErrIdempotencyConflict),
		errors.Is(err, inventory.ErrDuplicateMovement):
		return fmt.Errorf("%w: %w", ErrAlreadyFinalized, err)
	case errors.Is(err, inventory.ErrInvalidMovement),
		errors.Is(err, inventory.ErrInvalidQuantity),
		errors.Is(err, inventory.ErrNegativeStock):
		return fmt.Errorf("%w: %w", ErrValidation, err)
	default:
		return fmt.Errorf("%w: %w", ErrPersistence, err)
	}
}

func normalizeItems(items []Item) ([]Item, error) {
	if len(items) == 0 {
		return nil, validationf("at least one item required")
	}
	seen := make(map[string]struct{}, len(items))
	out := make([]Item, 0, len(items))
	for i, it := range items {
		it.SKU = strings.TrimSpace(it.SKU)
		it.Name = strings.TrimSpace(it.Name)
		if it.SKU == "" {
			return nil, validationf("item %d: sku required", i)
		}
		if _, dup := seen[it.SKU]; dup {
			return nil, validationf("item %d: duplicate sku %s", i, it.SKU)
		}
		if !(it.Qty > 0) || math.IsInf(it.Qty, 1) {
			return nil, validationf("item %d: qty must be positive", i)
		}
		if it.UnitPrice.IsNegative() {
			return nil, validationf("item %d: negative unit price", i)
		}
		seen[it.SKU] = struct{}{}
		out = append(out, it)
	}
	return out, nil
}

func generatePOID(now time.Time) string {
	random := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("PO-%d-%s", now.Year(), strings.ToUpper(random))
}

// orderTotal sums qty x unit price of the order lines.
func orderTotal(items []Item) decimal.Decimal {
	total := decimal.Zero
	for _, it := range items {
		total = total.Add(it.UnitPrice.Mul(decimal.NewFromFloat(it.Qty)))
	}
	return total.Round(2)
}
