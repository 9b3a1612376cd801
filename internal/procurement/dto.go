package procurement

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/fleetwh/procurement/internal/shared"
)

// CreatePORequest is the body of POST /procurement/pos.
type CreatePORequest struct {
	ID          string        `json:"id" validate:"omitempty,max=64"`
	Items       []ItemRequest `json:"items" validate:"required,min=1,dive"`
	Plate       string        `json:"plate" validate:"required,max=32"`
	CostCenter  string        `json:"cost_center" validate:"required,max=64"`
	WarehouseID string        `json:"warehouse_id" validate:"required,max=64"`
}

// ItemRequest is one requested line.
type ItemRequest struct {
	SKU       string          `json:"sku" validate:"required,max=64"`
	Name      string          `json:"name" validate:"max=255"`
	Qty       float64         `json:"qty" validate:"gt=0"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

// SubmitQuotesRequest is the body of POST /procurement/pos/{id}/quotes.
type SubmitQuotesRequest struct {
	Quotes []QuoteRequest `json:"quotes" validate:"required,min=1,max=5,dive"`
}

// QuoteRequest is one vendor quote. TotalValue is accepted but ignored.
type QuoteRequest struct {
	VendorID   string             `json:"vendor_id" validate:"required,max=64"`
	VendorName string             `json:"vendor_name" validate:"max=255"`
	Items      []QuoteItemRequest `json:"items" validate:"required,min=1,dive"`
	TotalValue *decimal.Decimal   `json:"total_value,omitempty"`
	QuotedAt   *time.Time         `json:"quoted_at,omitempty"`
	ValidUntil *time.Time         `json:"valid_until,omitempty"`
	Notes      string             `json:"notes" validate:"max=2000"`
}

// QuoteItemRequest prices one sku.
type QuoteItemRequest struct {
	SKU          string          `json:"sku" validate:"required"`
	UnitPrice    decimal.Decimal `json:"unit_price"`
	LeadTimeDays int             `json:"lead_time_days" validate:"gte=0"`
}

// SendToApprovalRequest optionally names the selected quote.
type SendToApprovalRequest struct {
	SelectedQuoteID string `json:"selected_quote_id" validate:"omitempty,uuid"`
}

// SelectQuoteRequest overrides the selection of a pending order.
type SelectQuoteRequest struct {
	QuoteID string `json:"quote_id" validate:"required,uuid"`
}

// ApproveRequest carries an optional approval note.
type ApproveRequest struct {
	Note string `json:"note" validate:"max=2000"`
}

// RejectRequest carries the mandatory rejection reason.
type RejectRequest struct {
	Reason string `json:"reason" validate:"required,max=2000"`
}

// MarkSentRequest carries the vendor order number.
type MarkSentRequest struct {
	VendorOrderNumber string `json:"vendor_order_number" validate:"required,max=64"`
}

// FinalizeReceiptRequest is the body of POST /procurement/pos/{id}/receipt.
// Lines are checked by the service after finality, so a replay with any
// payload answers ALREADY_FINALIZED.
type FinalizeReceiptRequest struct {
	WarehouseID string               `json:"warehouse_id"`
	Items       []ReceiptLineRequest `json:"items"`
}

// ReceiptLineRequest is one received sku.
type ReceiptLineRequest struct {
	SKU      string  `json:"sku"`
	Received float64 `json:"received"`
}

// ToInput converts the request.
func (r CreatePORequest) ToInput(actor shared.Actor) CreatePOInput {
	items := make([]Item, 0, len(r.Items))
	for _, it := range r.Items {
		items = append(items, Item{SKU: it.SKU, Name: it.Name, Qty: it.Qty, UnitPrice: it.UnitPrice})
	}
	return CreatePOInput{ID: r.ID, Items: items, Plate: r.Plate, CostCenter: r.CostCenter, WarehouseID: r.WarehouseID, Actor: actor}
}

// ToInput converts the request.
func (r SubmitQuotesRequest) ToInput(poID string, actor shared.Actor) SubmitQuotesInput {
	quotes := make([]QuoteInput, 0, len(r.Quotes))
	for _, q := range r.Quotes {
		items := make([]QuoteItem, 0, len(q.Items))
		for _, it := range q.Items {
			items = append(items, QuoteItem{SKU: it.SKU, UnitPrice: it.UnitPrice, LeadTimeDays: it.LeadTimeDays})
		}
		quotes = append(quotes, QuoteInput{
			VendorID:   q.VendorID,
			VendorName: q.VendorName,
			Items:      items,
			TotalValue: q.TotalValue,
			QuotedAt:   q.QuotedAt,
			ValidUntil: q.ValidUntil,
			Notes:      q.Notes,
		})
	}
	return SubmitQuotesInput{POID: poID, Quotes: quotes, Actor: actor}
}

// ToInput converts the request.
func (r FinalizeReceiptRequest) ToInput(poID string, actor shared.Actor) FinalizeReceiptInput {
	lines := make([]ReceiptLine, 0, len(r.Items))
	for _, it := range r.Items {
		lines = append(lines, ReceiptLine{SKU: it.SKU, Received: it.Received})
	}
	return FinalizeReceiptInput{POID: poID, WarehouseID: r.WarehouseID, Items: lines, Actor: actor}
}
