package procurement

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"golang.org/x/sync/singleflight"

	"github.com/fleetwh/procurement/internal/platform/httpx"
	"github.com/fleetwh/procurement/internal/rbac"
	"github.com/fleetwh/procurement/internal/shared"
)

// Handler manages procurement endpoints.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	validator *validator.Validate
	rbac      rbac.Middleware
	reads     singleflight.Group
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service, rbac rbac.Middleware) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, validator: validator.New(), rbac: rbac}
}

// MountRoutes registers procurement routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAny(shared.PermProcurementView, shared.PermProcurementEdit, shared.PermProcurementApprove))
		r.Get("/pos", h.handleListPOs)
		r.Get("/pos/{id}", h.handleGetPO)
		r.Get("/pos/{id}/history", h.handleHistory)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAll(shared.PermProcurementEdit))
		r.Post("/pos", h.createPO)
		r.Post("/pos/{id}/quotes", h.submitQuotes)
		r.Post("/pos/{id}/submit", h.sendToApproval)
		r.Post("/pos/{id}/sent", h.markSent)
		r.Post("/pos/{id}/receipt", h.finalizeReceipt)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAll(shared.PermProcurementApprove))
		r.Post("/pos/{id}/selection", h.selectQuote)
		r.Post("/pos/{id}/approve", h.approvePO)
		r.Post("/pos/{id}/reject", h.rejectPO)
	})
}

var errorMappings = []httpx.ErrorMapping{
	{Target: ErrAlreadyFinalized, Status: http.StatusConflict, Title: "Already Finalized", Code: httpx.CodeAlreadyFinalized},
	{Target: ErrInvalidTransition, Status: http.StatusConflict, Title: "Invalid Transition", Code: httpx.CodeInvalidTransition},
	{Target: ErrForbidden, Status: http.StatusForbidden, Title: "Forbidden", Code: httpx.CodeForbidden},
	{Target: ErrNotFound, Status: http.StatusNotFound, Title: "Not Found", Code: httpx.CodeNotFound},
	{Target: ErrValidation, Status: http.StatusBadRequest, Title: "Validation Failed", Code: httpx.CodeValidation},
	{Target: ErrPersistence, Status: http.StatusServiceUnavailable, Title: "Persistence Unavailable", Code: httpx.CodePersistence},
}

func (h *Handler) handleListPOs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := ListFilter{Status: Status(q.Get("status")), WarehouseID: q.Get("warehouse_id")}
	var err error
	if filter.Limit, err = intParam(q.Get("limit")); err != nil {
		httpx.CodedProblem(w, http.StatusBadRequest, "Invalid Limit", httpx.CodeValidation, err.Error())
		return
	}
	if filter.Offset, err = intParam(q.Get("offset")); err != nil {
		httpx.CodedProblem(w, http.StatusBadRequest, "Invalid Offset", httpx.CodeValidation, err.Error())
		return
	}
	pos, err := h.service.ListPOs(r.Context(), filter)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if pos == nil {
		pos = []PurchaseOrder{}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"purchase_orders": pos})
}

func (h *Handler) handleGetPO(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	// The flight is shared, so one caller going away must not fail the rest.
	ctx := context.WithoutCancel(r.Context())
	v, err, _ := h.reads.Do(id, func() (any, error) {
		return h.service.GetPO(ctx, id)
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, v)
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	history, err := h.service.History(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if history == nil {
		history = []HistoryEntry{}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"history": history})
}

func (h *Handler) createPO(w http.ResponseWriter, r *http.Request) {
	var req CreatePORequest
	if !h.decode(w, r, &req, false) {
		return
	}
	po, err := h.service.CreatePO(r.Context(), req.ToInput(actorFrom(r)))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	w.Header().Set("Location", "/procurement/pos/"+po.ID)
	httpx.JSON(w, http.StatusCreated, po)
}

func (h *Handler) submitQuotes(w http.ResponseWriter, r *http.Request) {
	var req SubmitQuotesRequest
	if !h.decode(w, r, &req, false) {
		return
	}
	h.respondPO(w, r)(h.service.SubmitQuotes(r.Context(), req.ToInput(chi.URLParam(r, "id"), actorFrom(r))))
}

func (h *Handler) sendToApproval(w http.ResponseWriter, r *http.Request) {
	var req SendToApprovalRequest
	if !h.decode(w, r, &req, true) {
		return
	}
	h.respondPO(w, r)(h.service.SendToApproval(r.Context(), SendToApprovalInput{
		POID:            chi.URLParam(r, "id"),
		SelectedQuoteID: req.SelectedQuoteID,
		Actor:           actorFrom(r),
	}))
}

func (h *Handler) selectQuote(w http.ResponseWriter, r *http.Request) {
	var req SelectQuoteRequest
	if !h.decode(w, r, &req, false) {
		return
	}
	h.respondPO(w, r)(h.service.SelectQuote(r.Context(), SelectQuoteInput{
		POID:    chi.URLParam(r, "id"),
		QuoteID: req.QuoteID,
		Actor:   actorFrom(r),
	}))
}

func (h *Handler) approvePO(w http.ResponseWriter, r *http.Request) {
	var req ApproveRequest
	if !h.decode(w, r, &req, true) {
		return
	}
	h.respondPO(w, r)(h.service.Approve(r.Context(), DecisionInput{POID: chi.URLParam(r, "id"), Reason: req.Note, Actor: actorFrom(r)}))
}

func (h *Handler) rejectPO(w http.ResponseWriter, r *http.Request) {
	var req RejectRequest
	if !h.decode(w, r, &req, false) {
		return
	}
	h.respondPO(w, r)(h.service.Reject(r.Context(), DecisionInput{POID: chi.URLParam(r, "id"), Reason: req.Reason, Actor: actorFrom(r)}))
}

func (h *Handler) markSent(w http.ResponseWriter, r *http.Request) {
	var req MarkSentRequest
	if !h.decode(w, r, &req, false) {
		return
	}
	h.respondPO(w, r)(h.service.MarkSent(r.Context(), MarkSentInput{
		POID:              chi.URLParam(r, "id"),
		VendorOrderNumber: req.VendorOrderNumber,
		Actor:             actorFrom(r),
	}))
}

func (h *Handler) finalizeReceipt(w http.ResponseWriter, r *http.Request) {
	var req FinalizeReceiptRequest
	if !h.decode(w, r, &req, false) {
		return
	}
	result, err := h.service.FinalizeReceipt(r.Context(), req.ToInput(chi.URLParam(r, "id"), actorFrom(r)))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) respondPO(w http.ResponseWriter, r *http.Request) func(PurchaseOrder, error) {
	return func(po PurchaseOrder, err error) {
		if err != nil {
			h.fail(w, r, err)
			return
		}
		httpx.JSON(w, http.StatusOK, po)
	}
}

// decode reads and validates the body. Optional bodies may be empty.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, target any, optional bool) bool {
	if err := httpx.DecodeJSON(r, target); err != nil {
		if !(optional && errors.Is(err, io.EOF)) {
			httpx.CodedProblem(w, http.StatusBadRequest, "Invalid Body", httpx.CodeValidation, err.Error())
			return false
		}
	}
	if err := h.validator.Struct(target); err != nil {
		detail := err.Error()
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			detail = verrs[0].Namespace() + " failed " + verrs[0].Tag()
		}
		httpx.CodedProblem(w, http.StatusBadRequest, "Validation Failed", httpx.CodeValidation, detail)
		return false
	}
	return true
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrPersistence):
		h.logger.Error("procurement request", slog.String("path", r.URL.Path), slog.Any("error", err))
	case errors.Is(err, ErrAlreadyFinalized):
		h.logger.Info("procurement receipt replay", slog.String("path", r.URL.Path))
	}
	httpx.RespondError(w, err, errorMappings...)
}

func actorFrom(r *http.Request) shared.Actor {
	actor, _ := shared.ActorFromContext(r.Context())
	return actor
}

func intParam(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	return strconv.Atoi(raw)
}
