package inventory

import (
	"errors"
	"time"
)

// MovementType enumerates supported stock movements.
type MovementType string

const (
	// MovementEntrada is an inbound movement, e.g. a purchase order receipt.
	MovementEntrada MovementType = "entrada"
	// MovementSaida is an outbound movement.
	MovementSaida MovementType = "saida"
	// MovementAjuste is a signed manual correction.
	MovementAjuste MovementType = "ajuste"
)

// Valid reports whether t is a known movement type.
func (t MovementType) Valid() bool {
	switch t {
	case MovementEntrada, MovementSaida, MovementAjuste:
		return true
	}
	return false
}

// Record holds the on-hand quantity of a sku in a warehouse.
type Record struct {
	SKU         string    `json:"sku"`
	WarehouseID string    `json:"warehouse_id"`
	Quantity    float64   `json:"quantity"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Movement is an immutable ledger entry. Quantity is the magnitude for
// entrada/saida and the signed delta for ajuste.
type Movement struct {
	ID          string       `json:"id"`
	SKU         string       `json:"sku"`
	Type        MovementType `json:"type"`
	Quantity    float64      `json:"quantity"`
	WarehouseID string       `json:"warehouse_id"`
	OrderID     string       `json:"order_id,omitempty"`
	Timestamp   time.Time    `json:"timestamp"`
	User        string       `json:"user"`
	Reason      string       `json:"reason"`
}

// Delta returns the signed quantity change applied to the record.
func (m Movement) Delta() float64 {
	if m.Type == MovementSaida {
		return -m.Quantity
	}
	return m.Quantity
}

// MovementInput describes a requested stock change.
type MovementInput struct {
	SKU         string
	WarehouseID string
	Type        MovementType
	Quantity    float64
	OrderID     string
	User        string
	Reason      string
	At          time.Time
}

// MovementFilter narrows movement listings.
type MovementFilter struct {
	OrderID     string
	SKU         string
	WarehouseID string
	Limit       int
}

var (
	// ErrRecordNotFound indicates a missing (sku, warehouse) record.
	ErrRecordNotFound = errors.New("inventory: record not found")
	// ErrNegativeStock triggered when movement would result negative qty.
	ErrNegativeStock = errors.New("inventory: negative stock not allowed")
	// ErrInvalidQuantity indicates invalid qty.
	ErrInvalidQuantity = errors.New("inventory: invalid quantity")
	// ErrInvalidMovement indicates missing sku, warehouse or type.
	ErrInvalidMovement = errors.New("inventory: invalid movement")
	// ErrDuplicateMovement is returned when an order already produced an entrada for a sku.
	ErrDuplicateMovement = errors.New("inventory: duplicate movement for order")
)
