package procurement

import (
	"strings"
	"time"
)

var transitions = map[Status][]Status{
	StatusRequisicao: {StatusCotacao},
	StatusCotacao:    {StatusPendente},
	StatusPendente:   {StatusAprovado, StatusCancelado},
	StatusAprovado:   {StatusEnviado},
	StatusEnviado:    {StatusRecebido},
}

// CanTransition reports whether to is reachable from from in one step.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition moves po to status to, stamps the matching timestamp and appends
// exactly one history entry. On error po is left untouched.
func Transition(po *PurchaseOrder, to Status, actor string, at time.Time, reason string) error {
	from := po.Status
	if !CanTransition(from, to) {
		return &TransitionError{From: from, To: to}
	}
	reason = strings.TrimSpace(reason)
	action := ActionStatusChanged
	switch to {
	case StatusCotacao:
		if len(po.Quotes) == 0 {
			return ErrNoQuotes
		}
	case StatusPendente:
		if po.SelectedQuoteID == "" {
			return ErrNoQuotes
		}
		if _, ok := FindQuote(po.Quotes, po.SelectedQuoteID); !ok {
			return validationf("selected quote %s not found", po.SelectedQuoteID)
		}
	case StatusAprovado:
		action = ActionApproved
	case StatusCancelado:
		if reason == "" {
			return validationf("rejection reason required")
		}
		action = ActionRejected
	case StatusEnviado:
		if strings.TrimSpace(po.VendorOrderNumber) == "" {
			return validationf("vendor order number required")
		}
	case StatusRecebido:
		if po.ReceivedAt != nil {
			return ErrAlreadyFinalized
		}
	}

	stamp := at
	switch to {
	case StatusCotacao:
		po.QuotesAddedAt = &stamp
	case StatusAprovado:
		po.ApprovedAt = &stamp
		po.ApprovedBy = actor
	case StatusCancelado:
		po.RejectedAt = &stamp
		po.RejectionReason = reason
	case StatusEnviado:
		po.SentToVendorAt = &stamp
	case StatusRecebido:
		po.ReceivedAt = &stamp
	}
	po.Status = to
	po.ApprovalHistory = append(po.ApprovalHistory, HistoryEntry{
		At:     at,
		By:     actor,
		Action: action,
		Status: to,
		Reason: reason,
	})
	return nil
}
