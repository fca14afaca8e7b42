package server_test

import (
	"PortfolioFederation/internal/adapter"
	"PortfolioFederation/internal/digest"
	"PortfolioFederation/internal/model"
	"PortfolioFederation/internal/observability"
	"PortfolioFederation/internal/persistence"
	"PortfolioFederation/internal/reconcile"
	"PortfolioFederation/internal/registry"
	"PortfolioFederation/internal/scheduler"
	"PortfolioFederation/internal/server"
	"PortfolioFederation/internal/syncrun"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	store  *persistence.MemoryStore
	orch   *syncrun.Orchestrator
	health *observability.HealthChecker
	ts     *httptest.Server
}

func newHarness(t *testing.T, syncRate float64) *harness {
	t.Helper()
	store := persistence.NewMemoryStore()
	logger := observability.NopLogger()
	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(reg)

	adapters := adapter.NewRegistry()
	adapters.Register(model.SourceIbkrFlex, adapter.NewStatic(model.Batch{
		Positions: []model.PositionRecord{
			{Symbol: "MSFT", Quantity: decimal.NewFromInt(3), AvgCost: decimal.NewFromInt(400), AsOf: time.Now().UTC()},
		},
	}))

	sources := registry.New(store, 100, logger)
	orch := syncrun.New(store, sources, adapters, digest.NewChecker(store, time.Hour, metrics), syncrun.Options{}, metrics, logger)
	engine := reconcile.New(store, metrics, logger)
	sched := scheduler.New(orch, engine, store, nil, 0, logger)
	health := observability.NewHealthChecker()

	srv := server.NewHTTPServer(":0", server.Deps{
		Glue:     sched,
		Runs:     orch,
		Sources:  sources,
		Book:     store,
		Health:   health,
		Gatherer: reg,
		SyncRate: syncRate,
		Logger:   logger,
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &harness{store: store, orch: orch, health: health, ts: ts}
}

func (h *harness) do(t *testing.T, method, path, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, h.ts.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	if resp.StatusCode != http.StatusNoContent && strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		var raw any
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&raw))
		if m, ok := raw.(map[string]any); ok {
			out = m
		} else {
			out = map[string]any{"items": raw}
		}
	}
	return resp, out
}

func (h *harness) registerIbkr(t *testing.T, userID int64) int64 {
	t.Helper()
	resp, body := h.do(t, http.MethodPost, fmt.Sprintf("/v1/users/%d/sources", userID),
		`{"source_type":"ibkr_flex","config":{"flex_token":"t","flex_query_id":"q"}}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	return int64(body["id"].(float64))
}

func TestHealthEndpoints(t *testing.T) {
	h := newHarness(t, 100)

	resp, _ := h.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := h.do(t, http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "not_ready", body["status"])

	h.health.SetReady(true)
	resp, _ = h.do(t, http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = h.do(t, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
}

func TestSyncFlow(t *testing.T) {
	h := newHarness(t, 100)
	h.registerIbkr(t, 1)

	resp, body := h.do(t, http.MethodPost, "/v1/users/1/sync", `{"trigger":"manual"}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	run := body["run"].(map[string]any)
	assert.Equal(t, "completed", run["status"])
	assert.NotNil(t, body["reconciliation"])

	runID := run["run_id"].(string)
	resp, body = h.do(t, http.MethodGet, "/v1/sync/"+runID, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotNil(t, body["reconciled_at"])

	resp, body = h.do(t, http.MethodGet, "/v1/sync/"+runID+"/conflicts", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, body["items"])

	resp, body = h.do(t, http.MethodGet, "/v1/users/1/positions", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	items := body["items"].([]any)
	require.Len(t, items, 1)
	assert.Equal(t, "MSFT", items[0].(map[string]any)["symbol"])

	resp, body = h.do(t, http.MethodGet, "/v1/users/1/runs?limit=5", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["items"], 1)
}

func TestSyncEmptyBodyDefaultsTrigger(t *testing.T) {
	h := newHarness(t, 100)
	h.registerIbkr(t, 1)

	resp, body := h.do(t, http.MethodPost, "/v1/users/1/sync", "")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "api", body["run"].(map[string]any)["trigger"])
}

func TestSyncRejections(t *testing.T) {
	h := newHarness(t, 100)
	h.registerIbkr(t, 1)

	active, err := h.orch.StartSync(context.Background(), 1, model.TriggerAPI)
	require.NoError(t, err)

	resp, body := h.do(t, http.MethodPost, "/v1/users/1/sync", `{}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, active.String(), body["active_run_id"])

	resp, _ = h.do(t, http.MethodPost, "/v1/users/2/sync", `{"trigger":"cron"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = h.do(t, http.MethodPost, "/v1/users/abc/sync", `{}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = h.do(t, http.MethodGet, "/v1/sync/not-a-uuid", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = h.do(t, http.MethodGet, "/v1/sync/7b0e5d52-3c7e-4d8c-9a29-3a3e0d0f5b11", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = h.do(t, http.MethodGet, "/v1/users/1/runs?limit=0", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRateLimit(t *testing.T) {
	h := newHarness(t, 1)
	h.registerIbkr(t, 1)
	h.registerIbkr(t, 2)

	resp, _ := h.do(t, http.MethodPost, "/v1/users/1/sync", `{}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp, _ = h.do(t, http.MethodPost, "/v1/users/2/sync", `{}`)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)

	// reads are not limited
	resp, _ = h.do(t, http.MethodGet, "/v1/users/2/runs", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestSourceManagement(t *testing.T) {
	h := newHarness(t, 100)

	resp, body := h.do(t, http.MethodPost, "/v1/users/3/sources", `{"source_type":"kucoin","config":{"api_key":"k"}}`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.NotEmpty(t, body["missing"])

	resp, _ = h.do(t, http.MethodPost, "/v1/users/3/sources", `{"source_type":"robinhood"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	id := h.registerIbkr(t, 3)
	base := fmt.Sprintf("/v1/users/3/sources/%d", id)

	resp, _ = h.do(t, http.MethodPost, base+"/disable", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, body = h.do(t, http.MethodGet, "/v1/users/3/sources", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, body["items"].([]any)[0].(map[string]any)["enabled"])

	resp, _ = h.do(t, http.MethodPost, base+"/enable", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, body = h.do(t, http.MethodPut, base+"/priority", `{"priority":10}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(10), body["priority"])

	resp, _ = h.do(t, http.MethodPut, base+"/priority", `{}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = h.do(t, http.MethodPut, base+"/config", `{"config":{"flex_token":"t2"}}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "flex_query_id is required")

	resp, _ = h.do(t, http.MethodPut, base+"/config", `{"config":{"flex_token":"t2","flex_query_id":"q2"}}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// another user's source is invisible
	resp, _ = h.do(t, http.MethodPost, fmt.Sprintf("/v1/users/4/sources/%d/disable", id), "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = h.do(t, http.MethodDelete, base, "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, _ = h.do(t, http.MethodDelete, base, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestImport(t *testing.T) {
	h := newHarness(t, 100)

	resp, body := h.do(t, http.MethodPost, "/v1/users/5/sources", `{"source_type":"manual","display_name":"Vault"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	id := int64(body["id"].(float64))

	payload := `{"trigger":"manual","positions":[{"symbol":"btc","quantity":"0.5","avg_cost":"30000","as_of":"2026-03-01T00:00:00Z"}],` +
		`"cash_events":[{"event_type":"deposit","amount":"250","currency":"usd","event_date":"2026-03-01T00:00:00Z"}]}`
	resp, body = h.do(t, http.MethodPost, fmt.Sprintf("/v1/users/5/sources/%d/import", id), payload)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "completed", body["run"].(map[string]any)["status"])

	resp, body = h.do(t, http.MethodGet, "/v1/users/5/positions", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	items := body["items"].([]any)
	require.Len(t, items, 1)
	assert.Equal(t, "BTC", items[0].(map[string]any)["symbol"])

	resp, body = h.do(t, http.MethodGet, "/v1/users/5/cash-events", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["items"], 1)

	resp, _ = h.do(t, http.MethodPost, "/v1/users/5/sources/999/import", `{}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = h.do(t, http.MethodPost, fmt.Sprintf("/v1/users/5/sources/%d/import", id), `{"positions":`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
