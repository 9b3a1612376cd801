package procurement

import (
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// QuoteInput is a vendor quote as submitted by a caller.
type QuoteInput struct {
	VendorID   string
	VendorName string
	Items      []QuoteItem
	// TotalValue is advisory and never stored.
	TotalValue *decimal.Decimal
	QuotedAt   *time.Time
	ValidUntil *time.Time
	Notes      string
}

// PriceQuotes validates inputs against the order items and the quotes already
// stored, recomputes every total from the order quantities and returns the new
// quotes. Nothing is returned unless every input is valid. Inputs without
// QuotedAt are stamped in submission order starting at now.
func PriceQuotes(items []Item, existing []Quote, inputs []QuoteInput, now time.Time) ([]Quote, error) {
	if len(inputs) == 0 {
		return nil, ErrNoQuotes
	}
	if len(existing)+len(inputs) > MaxQuotesPerPO {
		return nil, validationf("at most %d quotes per order", MaxQuotesPerPO)
	}
	vendors := make(map[string]struct{}, len(existing)+len(inputs))
	for _, q := range existing {
		vendors[q.VendorID] = struct{}{}
	}
	qty := make(map[string]float64, len(items))
	for _, it := range items {
		qty[it.SKU] = it.Qty
	}

	out := make([]Quote, 0, len(inputs))
	for i, in := range inputs {
		vendorID := strings.TrimSpace(in.VendorID)
		if vendorID == "" {
			return nil, validationf("quote %d: vendor id required", i)
		}
		if _, dup := vendors[vendorID]; dup {
			return nil, validationf("quote %d: vendor %s already quoted", i, vendorID)
		}
		vendors[vendorID] = struct{}{}

		priced := make(map[string]struct{}, len(in.Items))
		total := decimal.Zero
		for _, qi := range in.Items {
			q, ok := qty[qi.SKU]
			if !ok {
				return nil, validationf("quote %d: sku %s is not on the order", i, qi.SKU)
			}
			if _, dup := priced[qi.SKU]; dup {
				return nil, validationf("quote %d: sku %s priced twice", i, qi.SKU)
			}
			if qi.UnitPrice.IsNegative() {
				return nil, validationf("quote %d: negative price for sku %s", i, qi.SKU)
			}
			if qi.LeadTimeDays < 0 {
				return nil, validationf("quote %d: negative lead time for sku %s", i, qi.SKU)
			}
			priced[qi.SKU] = struct{}{}
			total = total.Add(qi.UnitPrice.Mul(decimal.NewFromFloat(q)))
		}
		if len(priced) != len(qty) {
			return nil, validationf("quote %d: must price every order item", i)
		}

		// Quotes without a timestamp keep their submission order, one
		// microsecond apart so the order survives timestamptz storage.
		quotedAt := now.Add(time.Duration(len(existing)+i) * time.Microsecond)
		if in.QuotedAt != nil && !in.QuotedAt.IsZero() {
			quotedAt = in.QuotedAt.UTC()
		}
		out = append(out, Quote{
			ID:         uuid.NewString(),
			VendorID:   vendorID,
			VendorName: strings.TrimSpace(in.VendorName),
			Items:      append([]QuoteItem(nil), in.Items...),
			TotalValue: total.Round(2),
			QuotedAt:   quotedAt,
			ValidUntil: in.ValidUntil,
			Notes:      in.Notes,
		})
	}
	return out, nil
}

// SelectBest returns the quote with the strictly lowest total. Ties go to the
// earliest QuotedAt, then to the smallest ID.
func SelectBest(quotes []Quote) (Quote, error) {
	if len(quotes) == 0 {
		return Quote{}, ErrNoQuotes
	}
	sorted := append([]Quote(nil), quotes...)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if c := a.TotalValue.Cmp(b.TotalValue); c != 0 {
			return c < 0
		}
		if !a.QuotedAt.Equal(b.QuotedAt) {
			return a.QuotedAt.Before(b.QuotedAt)
		}
		return a.ID < b.ID
	})
	return sorted[0], nil
}

// FindQuote looks up a quote by id.
func FindQuote(quotes []Quote, id string) (Quote, bool) {
	for _, q := range quotes {
		if q.ID == id {
			return q, true
		}
	}
	return Quote{}, false
}
