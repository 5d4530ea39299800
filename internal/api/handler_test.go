package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"reservation-service/internal/models"
	"reservation-service/internal/service"
	"reservation-service/internal/store"
	"reservation-service/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestRouter(t *testing.T, opts service.Options, checks map[string]ReadinessCheck) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	util.SetLogger(zap.NewNop())

	repo := store.NewMemoryStore()
	ledger := service.NewStockLedger(repo)
	reservations := service.NewReservationService(repo, ledger, nil, nil, opts)
	availability := service.NewAvailabilityCalculator(repo, ledger, opts)
	sweeper := service.NewExpirySweeper(repo, nil, opts)

	router := gin.New()
	NewHandler(reservations, ledger, availability, sweeper, checks).SetupRoutes(router)

	do(t, router, http.MethodPut, "/api/v1/stock", map[string]any{
		"sku":          "HERB-01",
		"location":     map[string]string{"city": "Sorriso", "state": "MT"},
		"total_volume": "1000",
		"unit":         "liters",
	}, http.StatusOK)

	return router
}

func do(t *testing.T, router http.Handler, method, path string, body any, wantStatus int) map[string]any {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Actor-ID", "rep-42")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, wantStatus, w.Code, w.Body.String())

	out := map[string]any{}
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	}
	return out
}

func reserveBody(proposalID string, volume string) map[string]any {
	return map[string]any{
		"proposal_id":    proposalID,
		"opportunity_id": "OPP-" + proposalID,
		"sku":            "HERB-01",
		"location":       map[string]string{"city": "Sorriso", "state": "MT"},
		"volume":         volume,
	}
}

func TestReserveAndConfirmFlow(t *testing.T) {
	router := newTestRouter(t, service.Options{}, nil)

	created := do(t, router, http.MethodPost, "/api/v1/reservations", reserveBody("P1", "600"), http.StatusCreated)
	assert.Equal(t, "active", created["status"])
	assert.Equal(t, "rep-42", created["reserved_by"])
	id := created["id"].(string)

	got := do(t, router, http.MethodGet, "/api/v1/reservations/"+id, nil, http.StatusOK)
	assert.Equal(t, "P1", got["proposal_id"])

	row := do(t, router, http.MethodGet, "/api/v1/availability?sku=HERB-01&city=Sorriso&state=MT", nil, http.StatusOK)
	assert.Equal(t, "400", row["available_volume"])
	assert.Equal(t, string(models.BandPartiallyReserved), row["band"])

	confirmed := do(t, router, http.MethodPost, "/api/v1/proposals/P1/confirm", nil, http.StatusOK)
	require.Len(t, confirmed["reservations"], 1)

	errBody := do(t, router, http.MethodPost, "/api/v1/proposals/P1/confirm", nil, http.StatusNotFound)
	assert.Equal(t, "RESERVATION_NOT_FOUND", errBody["code"])

	errBody = do(t, router, http.MethodPost, "/api/v1/proposals/P1/cancel", nil, http.StatusUnprocessableEntity)
	assert.Equal(t, "INVALID_TRANSITION", errBody["code"])

	stock := do(t, router, http.MethodGet, "/api/v1/stock", nil, http.StatusOK)
	lines := stock["stock"].([]any)
	require.Len(t, lines, 1)
	assert.Equal(t, "400", lines[0].(map[string]any)["total_volume"])
}

func TestReserveErrors(t *testing.T) {
	router := newTestRouter(t, service.Options{}, nil)

	do(t, router, http.MethodPost, "/api/v1/reservations", map[string]any{"sku": "HERB-01"}, http.StatusBadRequest)

	errBody := do(t, router, http.MethodPost, "/api/v1/reservations", reserveBody("P1", "0"), http.StatusBadRequest)
	assert.Equal(t, "VALIDATION_ERROR", errBody["code"])

	do(t, router, http.MethodPost, "/api/v1/reservations", reserveBody("P1", "600"), http.StatusCreated)
	errBody = do(t, router, http.MethodPost, "/api/v1/reservations", reserveBody("P2", "500"), http.StatusConflict)
	assert.Equal(t, "OVERBOOK", errBody["code"])
	assert.Equal(t, false, errBody["retryable"])

	do(t, router, http.MethodGet, "/api/v1/reservations/missing", nil, http.StatusNotFound)
	do(t, router, http.MethodGet, "/api/v1/reservations?status=pending", nil, http.StatusBadRequest)
}

func TestCancelEndpointsAreIdempotent(t *testing.T) {
	router := newTestRouter(t, service.Options{}, nil)

	created := do(t, router, http.MethodPost, "/api/v1/reservations", reserveBody("P1", "100"), http.StatusCreated)
	id := created["id"].(string)

	first := do(t, router, http.MethodPost, "/api/v1/proposals/P1/cancel", nil, http.StatusOK)
	assert.Len(t, first["reservations"], 1)
	second := do(t, router, http.MethodPost, "/api/v1/proposals/P1/cancel", nil, http.StatusOK)
	assert.Len(t, second["reservations"], 0)

	res := do(t, router, http.MethodPost, "/api/v1/reservations/"+id+"/cancel", nil, http.StatusOK)
	assert.Equal(t, "cancelled", res["status"])

	do(t, router, http.MethodPost, "/api/v1/proposals/P-none/cancel", nil, http.StatusNotFound)

	list := do(t, router, http.MethodGet, "/api/v1/proposals/P1/reservations", nil, http.StatusOK)
	assert.Len(t, list["reservations"], 1)
}

func TestSweepAndStatsEndpoints(t *testing.T) {
	router := newTestRouter(t, service.Options{ReservationTTL: time.Millisecond}, nil)

	do(t, router, http.MethodPost, "/api/v1/reservations", reserveBody("P1", "100"), http.StatusCreated)
	time.Sleep(5 * time.Millisecond)

	swept := do(t, router, http.MethodPost, "/api/v1/sweeps", nil, http.StatusOK)
	assert.EqualValues(t, 1, swept["expired"])

	active := do(t, router, http.MethodGet, "/api/v1/reservations?status=active", nil, http.StatusOK)
	assert.EqualValues(t, 0, active["count"])

	stats := do(t, router, http.MethodGet, "/api/v1/stats", nil, http.StatusOK)
	assert.EqualValues(t, 1, stats["expired"])
	assert.EqualValues(t, 1, stats["total"])

	report := do(t, router, http.MethodGet, "/api/v1/availability", nil, http.StatusOK)
	rows := report["rows"].([]any)
	require.Len(t, rows, 1)
	assert.Equal(t, string(models.BandFullyAvailable), rows[0].(map[string]any)["band"])
}

func TestExpiringEndpoint(t *testing.T) {
	router := newTestRouter(t, service.Options{ReservationTTL: time.Hour}, nil)

	do(t, router, http.MethodPost, "/api/v1/reservations", reserveBody("P1", "100"), http.StatusCreated)

	expiring := do(t, router, http.MethodGet, "/api/v1/reservations/expiring", nil, http.StatusOK)
	assert.EqualValues(t, 1, expiring["count"])
}

func TestReadiness(t *testing.T) {
	healthy := newTestRouter(t, service.Options{}, map[string]ReadinessCheck{
		"postgres": func(context.Context) error { return nil },
	})
	do(t, healthy, http.MethodGet, "/ready", nil, http.StatusOK)
	do(t, healthy, http.MethodGet, "/health", nil, http.StatusOK)

	degraded := newTestRouter(t, service.Options{}, map[string]ReadinessCheck{
		"redis": func(context.Context) error { return errors.New("connection refused") },
	})
	body := do(t, degraded, http.MethodGet, "/ready", nil, http.StatusServiceUnavailable)
	assert.Equal(t, "connection refused", body["failed"].(map[string]any)["redis"])
}
