package procurement

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status is the purchase order lifecycle state.
type Status string

const (
	StatusRequisicao Status = "requisicao"
	StatusCotacao    Status = "cotacao"
	StatusPendente   Status = "pendente"
	StatusAprovado   Status = "aprovado"
	StatusEnviado    Status = "enviado"
	StatusRecebido   Status = "recebido"
	StatusCancelado  Status = "cancelado"
)

// AllStatuses lists every status in lifecycle order.
func AllStatuses() []Status {
	return []Status{StatusRequisicao, StatusCotacao, StatusPendente, StatusAprovado, StatusEnviado, StatusRecebido, StatusCancelado}
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	for _, known := range AllStatuses() {
		if s == known {
			return true
		}
	}
	return false
}

// IsTerminal reports statuses without outgoing transitions.
func (s Status) IsTerminal() bool {
	return s == StatusRecebido || s == StatusCancelado
}

// HistoryAction classifies approval history entries.
type HistoryAction string

const (
	ActionApproved      HistoryAction = "approved"
	ActionRejected      HistoryAction = "rejected"
	ActionStatusChanged HistoryAction = "status_changed"
)

// MaxQuotesPerPO caps the number of vendor quotes attached to one order.
const MaxQuotesPerPO = 5

// Item is a requested line. SKUs are unique within an order.
type Item struct {
	SKU       string          `json:"sku"`
	Name      string          `json:"name"`
	Qty       float64         `json:"qty"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

// QuoteItem is a vendor price for one sku.
type QuoteItem struct {
	SKU          string          `json:"sku"`
	UnitPrice    decimal.Decimal `json:"unit_price"`
	LeadTimeDays int             `json:"lead_time_days"`
}

// Quote is a priced vendor response. Quotes are never edited once stored.
type Quote struct {
	ID         string          `json:"id"`
	VendorID   string          `json:"vendor_id"`
	VendorName string          `json:"vendor_name"`
	Items      []QuoteItem     `json:"items"`
	TotalValue decimal.Decimal `json:"total_value"`
	QuotedAt   time.Time       `json:"quoted_at"`
	ValidUntil *time.Time      `json:"valid_until,omitempty"`
	Notes      string          `json:"notes,omitempty"`
}

// HistoryEntry is one append-only approval history record.
type HistoryEntry struct {
	At     time.Time     `json:"at"`
	By     string        `json:"by"`
	Action HistoryAction `json:"action"`
	Status Status        `json:"status"`
	Reason string        `json:"reason,omitempty"`
}

// PurchaseOrder aggregates items, quotes and approval history.
type PurchaseOrder struct {
	ID                string         `json:"id"`
	Status            Status         `json:"status"`
	Items             []Item         `json:"items"`
	Quotes            []Quote        `json:"quotes"`
	SelectedQuoteID   string         `json:"selected_quote_id,omitempty"`
	ApprovalHistory   []HistoryEntry `json:"approval_history"`
	Plate             string         `json:"plate"`
	CostCenter        string         `json:"cost_center"`
	WarehouseID       string         `json:"warehouse_id"`
	VendorOrderNumber string         `json:"vendor_order_number,omitempty"`
	RequestedBy       string         `json:"requested_by"`
	RequestedAt       time.Time      `json:"requested_at"`
	QuotesAddedAt     *time.Time     `json:"quotes_added_at,omitempty"`
	ApprovedAt        *time.Time     `json:"approved_at,omitempty"`
	ApprovedBy        string         `json:"approved_by,omitempty"`
	RejectedAt        *time.Time     `json:"rejected_at,omitempty"`
	RejectionReason   string         `json:"rejection_reason,omitempty"`
	SentToVendorAt    *time.Time     `json:"sent_to_vendor_at,omitempty"`
	ReceivedAt        *time.Time     `json:"received_at,omitempty"`
	UpdatedAt         time.Time      `json:"updated_at"`
	Version           int64          `json:"version"`
}

// Item returns the order line for sku.
func (po PurchaseOrder) Item(sku string) (Item, bool) {
	for _, it := range po.Items {
		if it.SKU == sku {
			return it, true
		}
	}
	return Item{}, false
}

// Clone returns a deep copy safe to keep as a before snapshot.
func (po PurchaseOrder) Clone() PurchaseOrder {
	out := po
	out.Items = append([]Item(nil), po.Items...)
	if po.Quotes != nil {
		out.Quotes = make([]Quote, len(po.Quotes))
		for i, q := range po.Quotes {
			q.Items = append([]QuoteItem(nil), q.Items...)
			out.Quotes[i] = q
		}
	}
	out.ApprovalHistory = append([]HistoryEntry(nil), po.ApprovalHistory...)
	return out
}

// ListFilter narrows purchase order listings.
type ListFilter struct {
	Status      Status
	WarehouseID string
	Limit       int
	Offset      int
}
