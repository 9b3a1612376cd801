package procurement

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/fleetwh/procurement/internal/platform/httpx"
	"github.com/fleetwh/procurement/internal/rbac"
	"github.com/fleetwh/procurement/internal/shared"
)

func newTestServer(t *testing.T) (http.Handler, fixture) {
	t.Helper()
	f := newFixture(t)
	mw := rbac.Middleware{}
	r := chi.NewRouter()
	r.Use(mw.Identify)
	r.Route("/procurement", NewHandler(nil, f.svc, mw).MountRoutes)
	return r, f
}

func call(t *testing.T, h http.Handler, method, path string, actor shared.Actor, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if !actor.IsZero() {
		req.Header.Set(rbac.HeaderActorID, actor.ID)
		req.Header.Set(rbac.HeaderActorPermissions, strings.Join(actor.Permissions, ","))
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func problemCode(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	require.Equal(t, "application/problem+json", rr.Header().Get("Content-Type"))
	var p httpx.ProblemDetail
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &p))
	return p.Code
}

func TestHandlerReceiptFlow(t *testing.T) {
	h, _ := newTestServer(t)
	clerk := buyer

	rr := call(t, h, http.MethodPost, "/procurement/pos", clerk, map[string]any{
		"id":           "PO-REC-1",
		"items":        []map[string]any{{"sku": "X", "name": "Brake pad", "qty": 5, "unit_price": "10"}},
		"plate":        "ABC-1234",
		"cost_center":  "FLEET",
		"warehouse_id": "W1",
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	require.Equal(t, "/procurement/pos/PO-REC-1", rr.Header().Get("Location"))

	rr = call(t, h, http.MethodPost, "/procurement/pos/PO-REC-1/quotes", clerk, map[string]any{
		"quotes": []map[string]any{
			{"vendor_id": "V1", "items": []map[string]any{{"sku": "X", "unit_price": "11"}}, "total_value": "1"},
			{"vendor_id": "V2", "items": []map[string]any{{"sku": "X", "unit_price": "9.5"}}},
		},
	})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var po PurchaseOrder
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &po))
	require.Equal(t, StatusCotacao, po.Status)
	require.Equal(t, "55", po.Quotes[0].TotalValue.String())

	rr = call(t, h, http.MethodPost, "/procurement/pos/PO-REC-1/submit", clerk, nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	rr = call(t, h, http.MethodPost, "/procurement/pos/PO-REC-1/approve", clerk, nil)
	require.Equal(t, http.StatusForbidden, rr.Code)
	require.Equal(t, httpx.CodeForbidden, problemCode(t, rr))

	rr = call(t, h, http.MethodPost, "/procurement/pos/PO-REC-1/approve", approver, nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	rr = call(t, h, http.MethodPost, "/procurement/pos/PO-REC-1/sent", clerk, map[string]any{})
	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Equal(t, httpx.CodeValidation, problemCode(t, rr))

	rr = call(t, h, http.MethodPost, "/procurement/pos/PO-REC-1/sent", clerk, map[string]any{"vendor_order_number": "VON-1"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	receipt := map[string]any{"warehouse_id": "W1", "items": []map[string]any{{"sku": "X", "received": 5}}}
	rr = call(t, h, http.MethodPost, "/procurement/pos/PO-REC-1/receipt", clerk, receipt)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var result ReceiptResult
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &result))
	require.Equal(t, StatusRecebido, result.PO.Status)
	require.Len(t, result.Movements, 1)

	rr = call(t, h, http.MethodPost, "/procurement/pos/PO-REC-1/receipt", clerk, receipt)
	require.Equal(t, http.StatusConflict, rr.Code)
	require.Equal(t, httpx.CodeAlreadyFinalized, problemCode(t, rr))

	rr = call(t, h, http.MethodPost, "/procurement/pos/PO-REC-1/sent", clerk, map[string]any{"vendor_order_number": "VON-2"})
	require.Equal(t, http.StatusConflict, rr.Code)
	require.Equal(t, httpx.CodeInvalidTransition, problemCode(t, rr))

	rr = call(t, h, http.MethodGet, "/procurement/pos/PO-REC-1/history", clerk, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var history struct {
		History []HistoryEntry `json:"history"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &history))
	require.Len(t, history.History, 5)
}

func TestHandlerReceiptReplayWithAnyPayloadIsAlreadyFinalized(t *testing.T) {
	h, f := newTestServer(t)
	f.advanceToSent(t, "PO-REPLAY-1", Item{SKU: "X", Qty: 5})

	rr := call(t, h, http.MethodPost, "/procurement/pos/PO-REPLAY-1/receipt", buyer, map[string]any{})
	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Equal(t, httpx.CodeValidation, problemCode(t, rr))

	rr = call(t, h, http.MethodPost, "/procurement/pos/PO-REPLAY-1/receipt", buyer,
		map[string]any{"warehouse_id": "W1", "items": []map[string]any{{"sku": "X", "received": 5}}})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	replays := []map[string]any{
		{"warehouse_id": "W1", "items": []map[string]any{}},
		{"warehouse_id": "W1", "items": []map[string]any{{"sku": "X", "received": 0}}},
		{},
	}
	for _, body := range replays {
		rr = call(t, h, http.MethodPost, "/procurement/pos/PO-REPLAY-1/receipt", buyer, body)
		require.Equal(t, http.StatusConflict, rr.Code, rr.Body.String())
		require.Equal(t, httpx.CodeAlreadyFinalized, problemCode(t, rr))
	}
	require.Len(t, f.repo.orderMovements("PO-REPLAY-1"), 1)
}

func TestHandlerRejectWithoutReason(t *testing.T) {
	h, f := newTestServer(t)
	po := f.createPO(t, "PO-H-REJ")

	rr := call(t, h, http.MethodPost, "/procurement/pos/"+po.ID+"/reject", approver, map[string]any{"reason": ""})

	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Equal(t, httpx.CodeValidation, problemCode(t, rr))
}

func TestHandlerRejectsUnknownFieldsAndAnonymous(t *testing.T) {
	h, _ := newTestServer(t)

	rr := call(t, h, http.MethodPost, "/procurement/pos", buyer, map[string]any{"status": "aprovado"})
	require.Equal(t, http.StatusBadRequest, rr.Code)

	rr = call(t, h, http.MethodGet, "/procurement/pos", shared.Actor{}, nil)
	require.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestHandlerGetAndList(t *testing.T) {
	h, f := newTestServer(t)
	f.createPO(t, "PO-H-1")

	rr := call(t, h, http.MethodGet, "/procurement/pos/PO-H-1", buyer, nil)
	require.Equal(t, http.StatusOK, rr.Code)

	rr = call(t, h, http.MethodGet, "/procurement/pos/PO-MISSING", buyer, nil)
	require.Equal(t, http.StatusNotFound, rr.Code)
	require.Equal(t, httpx.CodeNotFound, problemCode(t, rr))

	rr = call(t, h, http.MethodGet, "/procurement/pos?status=requisicao&limit=10", buyer, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var list struct {
		PurchaseOrders []PurchaseOrder `json:"purchase_orders"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &list))
	require.Len(t, list.PurchaseOrders, 1)

	rr = call(t, h, http.MethodGet, "/procurement/pos?limit=abc", buyer, nil)
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

// ctxAwareRepo fails reads whose context is already done, like pgx does.
type ctxAwareRepo struct {
	*memoryRepo
}

func (r ctxAwareRepo) GetPO(ctx context.Context, id string) (PurchaseOrder, error) {
	if err := ctx.Err(); err != nil {
		return PurchaseOrder{}, err
	}
	return r.memoryRepo.GetPO(ctx, id)
}

func TestHandlerGetPOSurvivesCallerCancellation(t *testing.T) {
	f := newFixture(t)
	f.createPO(t, "PO-H-2")
	svc := NewService(ctxAwareRepo{f.repo}, shared.NewLocalLocker(), f.audit, f.events, f.metrics, nil)
	mw := rbac.Middleware{}
	r := chi.NewRouter()
	r.Use(mw.Identify)
	r.Route("/procurement", NewHandler(nil, svc, mw).MountRoutes)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodGet, "/procurement/pos/PO-H-2", nil).WithContext(ctx)
	req.Header.Set(rbac.HeaderActorID, buyer.ID)
	req.Header.Set(rbac.HeaderActorPermissions, strings.Join(buyer.Permissions, ","))
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var po PurchaseOrder
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &po))
	require.Equal(t, "PO-H-2", po.ID)
}
