package inventory

import (
	"encoding/json"
	"log/slog"
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

func newTestRouter(t *testing.T) (http.Handler, *memoryRepo, *recordingAudit) {
	t.Helper()
	repo := newMemoryRepo()
	audit := &recordingAudit{}
	mw := rbac.Middleware{Logger: slog.Default()}
	h := NewHandler(slog.Default(), NewService(repo, audit, nil), mw)
	r := chi.NewRouter()
	r.Use(mw.Identify)
	r.Route("/inventory", h.MountRoutes)
	return r, repo, audit
}

func send(t *testing.T, router http.Handler, method, path, body string, perms ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if len(perms) > 0 {
		req.Header.Set(rbac.HeaderActorID, "stock-clerk")
		req.Header.Set(rbac.HeaderActorPermissions, strings.Join(perms, ","))
	}
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func problemCode(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	code, _ := body["code"].(string)
	return code
}

func TestHandlerAdjustIssueAndRead(t *testing.T) {
	router, _, audit := newTestRouter(t)

	rr := send(t, router, http.MethodPost, "/inventory/adjustments",
		`{"sku":"FLT-1","warehouse_id":"WH-1","delta":8,"reason":"cycle count"}`, shared.PermInventoryAdjust)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	rr = send(t, router, http.MethodPost, "/inventory/issues",
		`{"sku":"FLT-1","warehouse_id":"WH-1","qty":3,"reason":"truck 12"}`, shared.PermInventoryAdjust)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var issued movementResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &issued))
	require.Equal(t, MovementSaida, issued.Movement.Type)
	require.Equal(t, 5.0, issued.Record.Quantity)
	require.Equal(t, "stock-clerk", issued.Movement.User)

	rr = send(t, router, http.MethodGet, "/inventory/records/WH-1/FLT-1", "", shared.PermInventoryView)
	require.Equal(t, http.StatusOK, rr.Code)
	var rec Record
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &rec))
	require.Equal(t, 5.0, rec.Quantity)

	rr = send(t, router, http.MethodGet, "/inventory/movements?sku=FLT-1", "", shared.PermInventoryView)
	require.Equal(t, http.StatusOK, rr.Code)
	var list struct {
		Movements []Movement `json:"movements"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &list))
	require.Len(t, list.Movements, 2)
	require.Len(t, audit.logs, 2)
}

func TestHandlerRejectsOverdraw(t *testing.T) {
	router, repo, _ := newTestRouter(t)

	rr := send(t, router, http.MethodPost, "/inventory/issues",
		`{"sku":"FLT-1","warehouse_id":"WH-1","qty":1}`, shared.PermInventoryAdjust)
	require.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	require.Equal(t, httpx.CodeValidation, problemCode(t, rr))
	require.Empty(t, repo.movements)
}

func TestHandlerPermissionsAndValidation(t *testing.T) {
	router, _, _ := newTestRouter(t)

	rr := send(t, router, http.MethodPost, "/inventory/adjustments",
		`{"sku":"FLT-1","warehouse_id":"WH-1","delta":1,"reason":"x"}`, shared.PermInventoryView)
	require.Equal(t, http.StatusForbidden, rr.Code)

	rr = send(t, router, http.MethodGet, "/inventory/records/WH-1/FLT-1", "")
	require.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = send(t, router, http.MethodPost, "/inventory/adjustments",
		`{"sku":"FLT-1","warehouse_id":"WH-1","delta":1}`, shared.PermInventoryAdjust)
	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Equal(t, httpx.CodeValidation, problemCode(t, rr))

	rr = send(t, router, http.MethodGet, "/inventory/records/WH-1/MISSING", "", shared.PermInventoryView)
	require.Equal(t, http.StatusNotFound, rr.Code)

	rr = send(t, router, http.MethodGet, "/inventory/movements", "", shared.PermInventoryView)
	require.Equal(t, http.StatusBadRequest, rr.Code)
}
