package procurement

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/fleetwh/procurement/internal/inventory"
	"github.com/fleetwh/procurement/internal/shared"
)

var (
	buyer    = shared.Actor{ID: "buyer-1", Permissions: []string{shared.PermProcurementView, shared.PermProcurementEdit}}
	approver = shared.Actor{ID: "manager-1", Permissions: []string{shared.PermProcurementView, shared.PermProcurementApprove}}
)

type memoryState struct {
	pos       map[string]PurchaseOrder
	records   map[string]inventory.Record
	movements []inventory.Movement
	keys      map[string]string
}

func (s memoryState) clone() memoryState {
	out := memoryState{
		pos:       make(map[string]PurchaseOrder, len(s.pos)),
		records:   make(map[string]inventory.Record, len(s.records)),
		movements: append([]inventory.Movement(nil), s.movements...),
		keys:      make(map[string]string, len(s.keys)),
	}
	for k, v := range s.pos {
		out.pos[k] = v.Clone()
	}
	for k, v := range s.records {
		out.records[k] = v
	}
	for k, v := range s.keys {
		out.keys[k] = v
	}
	return out
}

// memoryRepo serializes transactions and publishes a transaction's copy of the
// state only when fn succeeds.
type memoryRepo struct {
	mu              sync.Mutex
	state           memoryState
	failMovementSKU string
}

type memoryTx struct {
	state           memoryState
	failMovementSKU string
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{state: memoryState{
		pos:     make(map[string]PurchaseOrder),
		records: make(map[string]inventory.Record),
		keys:    make(map[string]string),
	}}
}

func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	tx := &memoryTx{state: r.state.clone(), failMovementSKU: r.failMovementSKU}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	r.state = tx.state
	return nil
}

func (r *memoryRepo) GetPO(ctx context.Context, id string) (PurchaseOrder, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	po, ok := r.state.pos[id]
	if !ok {
		return PurchaseOrder{}, ErrNotFound
	}
	return po.Clone(), nil
}

func (r *memoryRepo) ListPOs(ctx context.Context, filter ListFilter) ([]PurchaseOrder, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []PurchaseOrder
	for _, po := range r.state.pos {
		if filter.Status != "" && po.Status != filter.Status {
			continue
		}
		if filter.WarehouseID != "" && po.WarehouseID != filter.WarehouseID {
			continue
		}
		out = append(out, po.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if filter.Offset >= len(out) {
		return nil, nil
	}
	out = out[filter.Offset:]
	if len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (r *memoryRepo) record(sku, warehouseID string) (inventory.Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.state.records[warehouseID+"/"+sku]
	return rec, ok
}

func (r *memoryRepo) orderMovements(orderID string) []inventory.Movement {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []inventory.Movement
	for _, m := range r.state.movements {
		if m.OrderID == orderID {
			out = append(out, m)
		}
	}
	return out
}

func (tx *memoryTx) GetPOForUpdate(ctx context.Context, id string) (PurchaseOrder, error) {
	po, ok := tx.state.pos[id]
	if !ok {
		return PurchaseOrder{}, ErrNotFound
	}
	return po.Clone(), nil
}

func (tx *memoryTx) InsertPO(ctx context.Context, po PurchaseOrder) error {
	if _, ok := tx.state.pos[po.ID]; ok {
		return validationf("purchase order %s already exists", po.ID)
	}
	tx.state.pos[po.ID] = po.Clone()
	return nil
}

func (tx *memoryTx) UpdatePO(ctx context.Context, po PurchaseOrder) error {
	stored, ok := tx.state.pos[po.ID]
	if !ok {
		return ErrNotFound
	}
	if stored.Version != po.Version-1 {
		return errors.New("version conflict")
	}
	next := po.Clone()
	next.Quotes = stored.Quotes
	next.ApprovalHistory = stored.ApprovalHistory
	tx.state.pos[po.ID] = next
	return nil
}

func (tx *memoryTx) InsertQuotes(ctx context.Context, poID string, quotes []Quote) error {
	po := tx.state.pos[poID]
	po.Quotes = append(append([]Quote(nil), po.Quotes...), quotes...)
	tx.state.pos[poID] = po
	return nil
}

func (tx *memoryTx) AppendHistory(ctx context.Context, poID string, entry HistoryEntry) error {
	po := tx.state.pos[poID]
	po.ApprovalHistory = append(append([]HistoryEntry(nil), po.ApprovalHistory...), entry)
	tx.state.pos[poID] = po
	return nil
}

func (tx *memoryTx) ClaimIdempotencyKey(ctx context.Context, key, module string) error {
	if _, ok := tx.state.keys[key]; ok {
		return shared.ErrIdempotencyConflict
	}
	tx.state.keys[key] = module
	return nil
}

func (tx *memoryTx) GetRecordForUpdate(ctx context.Context, sku, warehouseID string) (inventory.Record, error) {
	rec, ok := tx.state.records[warehouseID+"/"+sku]
	if !ok {
		return inventory.Record{SKU: sku, WarehouseID: warehouseID}, inventory.ErrRecordNotFound
	}
	return rec, nil
}

func (tx *memoryTx) AddQuantity(ctx context.Context, sku, warehouseID string, delta float64, at time.Time) (inventory.Record, error) {
	key := warehouseID + "/" + sku
	rec := tx.state.records[key]
	rec.SKU, rec.WarehouseID = sku, warehouseID
	rec.Quantity += delta
	rec.UpdatedAt = at
	tx.state.records[key] = rec
	return rec, nil
}

func (tx *memoryTx) InsertMovement(ctx context.Context, m inventory.Movement) error {
	if m.SKU == tx.failMovementSKU {
		return errors.New("connection reset by peer")
	}
	for _, existing := range tx.state.movements {
		if m.Type == inventory.MovementEntrada && existing.Type == m.Type && existing.OrderID == m.OrderID && existing.SKU == m.SKU {
			return inventory.ErrDuplicateMovement
		}
	}
	tx.state.movements = append(tx.state.movements, m)
	return nil
}

func (tx *memoryTx) HasOrderMovements(ctx context.Context, orderID string, t inventory.MovementType) (bool, error) {
	for _, m := range tx.state.movements {
		if m.OrderID == orderID && m.Type == t {
			return true, nil
		}
	}
	return false, nil
}

type recordingAudit struct {
	mu   sync.Mutex
	logs []shared.AuditLog
}

func (a *recordingAudit) Record(ctx context.Context, log shared.AuditLog) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.logs = append(a.logs, log)
	return nil
}

func (a *recordingAudit) actions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.logs))
	for _, l := range a.logs {
		out = append(out, l.Action)
	}
	return out
}

type recordingEvents struct {
	mu     sync.Mutex
	events []Event
}

func (e *recordingEvents) Publish(ctx context.Context, key string, value any) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, value.(Event))
	return nil
}

type recordingMetrics struct {
	mu          sync.Mutex
	receipts    map[string]int
	transitions map[string]int
}

func (m *recordingMetrics) ObserveTransition(from, to string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.transitions == nil {
		m.transitions = map[string]int{}
	}
	m.transitions[from+"->"+to]++
}

func (m *recordingMetrics) ObserveReceipt(result string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.receipts == nil {
		m.receipts = map[string]int{}
	}
	m.receipts[result]++
}

type fixture struct {
	svc     *Service
	repo    *memoryRepo
	audit   *recordingAudit
	events  *recordingEvents
	metrics *recordingMetrics
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	f := fixture{
		repo:    newMemoryRepo(),
		audit:   &recordingAudit{},
		events:  &recordingEvents{},
		metrics: &recordingMetrics{},
	}
	f.svc = NewService(f.repo, shared.NewLocalLocker(), f.audit, f.events, f.metrics, nil)
	return f
}

func (f fixture) createPO(t *testing.T, id string, items ...Item) PurchaseOrder {
	t.Helper()
	if len(items) == 0 {
		items = []Item{{SKU: "X", Name: "Brake pad", Qty: 5, UnitPrice: decimal.NewFromInt(10)}}
	}
	po, err := f.svc.CreatePO(context.Background(), CreatePOInput{
		ID:          id,
		Items:       items,
		Plate:       "ABC-1234",
		CostCenter:  "FLEET-NORTH",
		WarehouseID: "W1",
		Actor:       buyer,
	})
	require.NoError(t, err)
	return po
}

// quoteFor prices every item of po at price.
func quoteFor(po PurchaseOrder, vendor string, price int64) QuoteInput {
	in := QuoteInput{VendorID: vendor, VendorName: "Vendor " + vendor}
	for _, it := range po.Items {
		in.Items = append(in.Items, QuoteItem{SKU: it.SKU, UnitPrice: decimal.NewFromInt(price), LeadTimeDays: 3})
	}
	return in
}

// advanceToSent moves a fresh order through cotacao, pendente and aprovado to enviado.
func (f fixture) advanceToSent(t *testing.T, id string, items ...Item) PurchaseOrder {
	t.Helper()
	ctx := context.Background()
	po := f.createPO(t, id, items...)
	_, err := f.svc.SubmitQuotes(ctx, SubmitQuotesInput{POID: po.ID, Quotes: []QuoteInput{quoteFor(po, "V1", 12), quoteFor(po, "V2", 9)}, Actor: buyer})
	require.NoError(t, err)
	_, err = f.svc.SendToApproval(ctx, SendToApprovalInput{POID: po.ID, Actor: buyer})
	require.NoError(t, err)
	_, err = f.svc.Approve(ctx, DecisionInput{POID: po.ID, Actor: approver})
	require.NoError(t, err)
	po, err = f.svc.MarkSent(ctx, MarkSentInput{POID: po.ID, VendorOrderNumber: "VON-778", Actor: buyer})
	require.NoError(t, err)
	require.Equal(t, StatusEnviado, po.Status)
	return po
}
