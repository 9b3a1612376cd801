package procurement

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Lifecycle event types published after commit.
const (
	EventCreated          = "po.created"
	EventQuotesSubmitted  = "po.quotes_submitted"
	EventSentToApproval   = "po.sent_to_approval"
	EventSelectionChanged = "po.selection_changed"
	EventApproved         = "po.approved"
	EventRejected         = "po.rejected"
	EventSent             = "po.sent"
	EventReceived         = "po.received"
)

// Event is the envelope published for every committed state change.
type Event struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	POID       string         `json:"po_id"`
	Status     Status         `json:"status"`
	Actor      string         `json:"actor"`
	OccurredAt time.Time      `json:"occurred_at"`
	Data       map[string]any `json:"data,omitempty"`
}

// EventPublisher delivers lifecycle events. Delivery is best effort and happens
// outside the transaction.
type EventPublisher interface {
	Publish(ctx context.Context, key string, value any) error
}

func newEvent(eventType string, po PurchaseOrder, actor string, at time.Time, data map[string]any) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       eventType,
		POID:       po.ID,
		Status:     po.Status,
		Actor:      actor,
		OccurredAt: at,
		Data:       data,
	}
}
