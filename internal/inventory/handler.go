package inventory

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/fleetwh/procurement/internal/platform/httpx"
	"github.com/fleetwh/procurement/internal/rbac"
	"github.com/fleetwh/procurement/internal/shared"
)

// Handler wires HTTP endpoints for inventory module.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	validator *validator.Validate
	rbac      rbac.Middleware
}

// NewHandler constructs inventory handler.
func NewHandler(logger *slog.Logger, service *Service, rbac rbac.Middleware) *Handler {
	return &Handler{logger: logger, service: service, validator: validator.New(), rbac: rbac}
}

// MountRoutes registers inventory routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAny(shared.PermInventoryView, shared.PermInventoryAdjust))
		r.Get("/records/{warehouse}/{sku}", h.handleGetRecord)
		r.Get("/movements", h.handleListMovements)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAll(shared.PermInventoryAdjust))
		r.Post("/adjustments", h.handleAdjustment)
		r.Post("/issues", h.handleIssue)
	})
}

type adjustmentRequest struct {
	SKU         string  `json:"sku" validate:"required"`
	WarehouseID string  `json:"warehouse_id" validate:"required"`
	Delta       float64 `json:"delta" validate:"required"`
	Reason      string  `json:"reason" validate:"required"`
}

type issueRequest struct {
	SKU         string  `json:"sku" validate:"required"`
	WarehouseID string  `json:"warehouse_id" validate:"required"`
	Qty         float64 `json:"qty" validate:"gt=0"`
	OrderID     string  `json:"order_id"`
	Reason      string  `json:"reason"`
}

type movementResponse struct {
	Movement Movement `json:"movement"`
	Record   Record   `json:"record"`
}

var errorMappings = []httpx.ErrorMapping{
	{Target: ErrRecordNotFound, Status: http.StatusNotFound, Title: "Not Found", Code: httpx.CodeNotFound},
	{Target: ErrNegativeStock, Status: http.StatusUnprocessableEntity, Title: "Negative Stock", Code: httpx.CodeValidation},
	{Target: ErrInvalidQuantity, Status: http.StatusBadRequest, Title: "Invalid Quantity", Code: httpx.CodeValidation},
	{Target: ErrInvalidMovement, Status: http.StatusBadRequest, Title: "Invalid Movement", Code: httpx.CodeValidation},
	{Target: ErrDuplicateMovement, Status: http.StatusConflict, Title: "Duplicate Movement", Code: httpx.CodeAlreadyFinalized},
}

func (h *Handler) handleGetRecord(w http.ResponseWriter, r *http.Request) {
	rec, err := h.service.GetRecord(r.Context(), chi.URLParam(r, "sku"), chi.URLParam(r, "warehouse"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, rec)
}

func (h *Handler) handleListMovements(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := MovementFilter{
		OrderID:     q.Get("order_id"),
		SKU:         q.Get("sku"),
		WarehouseID: q.Get("warehouse_id"),
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			httpx.CodedProblem(w, http.StatusBadRequest, "Invalid Limit", httpx.CodeValidation, err.Error())
			return
		}
		filter.Limit = limit
	}
	movements, err := h.service.ListMovements(r.Context(), filter)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if movements == nil {
		movements = []Movement{}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"movements": movements})
}

func (h *Handler) handleAdjustment(w http.ResponseWriter, r *http.Request) {
	var req adjustmentRequest
	if !h.decode(w, r, &req) {
		return
	}
	actor, _ := shared.ActorFromContext(r.Context())
	mv, rec, err := h.service.PostAdjustment(r.Context(), AdjustmentInput{
		SKU:         req.SKU,
		WarehouseID: req.WarehouseID,
		Delta:       req.Delta,
		User:        actor.ID,
		Reason:      req.Reason,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, movementResponse{Movement: mv, Record: rec})
}

func (h *Handler) handleIssue(w http.ResponseWriter, r *http.Request) {
	var req issueRequest
	if !h.decode(w, r, &req) {
		return
	}
	actor, _ := shared.ActorFromContext(r.Context())
	mv, rec, err := h.service.PostIssue(r.Context(), IssueInput{
		SKU:         req.SKU,
		WarehouseID: req.WarehouseID,
		Qty:         req.Qty,
		OrderID:     req.OrderID,
		User:        actor.ID,
		Reason:      req.Reason,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, movementResponse{Movement: mv, Record: rec})
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := httpx.DecodeJSON(r, target); err != nil {
		httpx.CodedProblem(w, http.StatusBadRequest, "Invalid Body", httpx.CodeValidation, err.Error())
		return false
	}
	if err := h.validator.Struct(target); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			httpx.CodedProblem(w, http.StatusBadRequest, "Validation Failed", httpx.CodeValidation, verrs[0].Field()+" failed "+verrs[0].Tag())
			return false
		}
		httpx.CodedProblem(w, http.StatusBadRequest, "Validation Failed", httpx.CodeValidation, err.Error())
		return false
	}
	return true
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	var known bool
	for _, m := range errorMappings {
		if errors.Is(err, m.Target) {
			known = true
			break
		}
	}
	if !known && h.logger != nil {
		h.logger.Error("inventory request", slog.String("path", r.URL.Path), slog.Any("error", err))
	}
	httpx.RespondError(w, err, errorMappings...)
}
