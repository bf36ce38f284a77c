package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/arkilian/rollup/internal/aggregate"
	"github.com/arkilian/rollup/internal/audit"
	"github.com/arkilian/rollup/internal/ledger"
	"github.com/arkilian/rollup/internal/logging"
	"github.com/arkilian/rollup/internal/maintainer"
	"github.com/arkilian/rollup/internal/metrics"
	"github.com/arkilian/rollup/internal/quarantine"
	"github.com/arkilian/rollup/internal/snapshot"
	"github.com/arkilian/rollup/internal/storage"
	"github.com/arkilian/rollup/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	ledger  *ledger.MemoryLedger
	store   *aggregate.MemoryStore
	journal *quarantine.Journal
	mux     *http.ServeMux
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	l := ledger.NewMemoryLedger(nil)
	store := aggregate.NewMemoryStore(aggregate.Options{})
	m := metrics.New()

	journal, err := quarantine.Open(t.TempDir(), 0, logging.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { journal.Close() })

	checker, err := audit.NewChecker(audit.DefaultConfig(), audit.Deps{Ledger: l, Store: store, Metrics: m})
	require.NoError(t, err)

	batch, err := maintainer.NewBatchMaintainer(maintainer.DefaultBatchConfig(), maintainer.Deps{
		Ledger: l, Store: store, Metrics: m,
	})
	require.NoError(t, err)

	objects, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	mux := NewRouter(Routes{
		Aggregates: NewAggregateHandler(store),
		Orders:     NewOrderHandler(l),
		Admin: &AdminHandler{
			Auditor:    checker,
			Rebuilder:  batch,
			Quarantine: journal,
			Snapshots:  snapshot.NewExporter(store, objects, []string{"events"}, m, nil),
		},
		Health:  &HealthHandler{Service: "rollup", Mode: "all"},
		Metrics: m.Handler(),
	})
	return &fixture{ledger: l, store: store, journal: journal, mux: mux}
}

func (f *fixture) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
}

func TestOrderLifecycle(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/v1/orders", map[string]string{
		"order_id": "o1", "customer_id": "c1", "amount": "40.00", "status": "delivered",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	var placed MutationResponse
	decode(t, rec, &placed)
	assert.Equal(t, types.MutationInsert, placed.Mutation.Kind)
	assert.Equal(t, uint64(1), placed.Mutation.Sequence)
	assert.Equal(t, placed.RequestID, rec.Header().Get("X-Request-ID"))

	rec = f.do(t, http.MethodPut, "/v1/orders/o1", map[string]string{"status": "cancelled"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var updated MutationResponse
	decode(t, rec, &updated)
	require.NotNil(t, updated.Mutation.Old)
	assert.Equal(t, types.StatusDelivered, updated.Mutation.Old.Status)
	assert.Equal(t, types.StatusCancelled, updated.Mutation.New.Status)

	rec = f.do(t, http.MethodGet, "/v1/orders/o1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var order types.OrderFact
	decode(t, rec, &order)
	assert.Equal(t, "40.00", order.Amount.String())

	rec = f.do(t, http.MethodDelete, "/v1/orders/o1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodDelete, "/v1/orders/o1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestOrderErrors(t *testing.T) {
	f := newFixture(t)
	require.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/v1/orders", map[string]string{
		"order_id": "o1", "customer_id": "c1", "amount": "10",
	}).Code)

	tests := []struct {
		name   string
		method string
		path   string
		body   interface{}
		status int
		code   string
	}{
		{"duplicate", http.MethodPost, "/v1/orders", map[string]string{"order_id": "o1", "customer_id": "c1", "amount": "1"}, http.StatusConflict, "ORDER_EXISTS"},
		{"negative", http.MethodPost, "/v1/orders", map[string]string{"order_id": "o2", "customer_id": "c1", "amount": "-1"}, http.StatusBadRequest, "NEGATIVE_AMOUNT"},
		{"missing customer", http.MethodPost, "/v1/orders", map[string]string{"order_id": "o3", "amount": "1"}, http.StatusBadRequest, "INVALID_REQUEST"},
		{"bad amount", http.MethodPost, "/v1/orders", map[string]string{"order_id": "o4", "customer_id": "c1", "amount": "1.005"}, http.StatusBadRequest, "INVALID_REQUEST"},
		{"unknown status", http.MethodPut, "/v1/orders/o1", map[string]string{"status": "refunded"}, http.StatusBadRequest, "INVALID_REQUEST"},
		{"empty update", http.MethodPut, "/v1/orders/o1", map[string]string{}, http.StatusBadRequest, "INVALID_REQUEST"},
		{"update missing", http.MethodPut, "/v1/orders/nope", map[string]string{"status": "shipped"}, http.StatusNotFound, "ORDER_NOT_FOUND"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			var resp ErrorResponse
			decode(t, rec, &resp)
			assert.Equal(t, tt.code, resp.Code)
			assert.NotEmpty(t, resp.RequestID)
		})
	}
}

func TestGetTotal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.store.Set(ctx, "c1", types.MustParseAmount("150.00"), 4)
	require.NoError(t, err)

	rec := f.do(t, http.MethodGet, "/v1/customers/c1/total", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var agg types.CustomerAggregate
	decode(t, rec, &agg)
	assert.Equal(t, "c1", agg.CustomerID)
	assert.Equal(t, "150.00", agg.TotalSpent.String())
	assert.Equal(t, uint64(4), agg.LastAppliedSequence)

	rec = f.do(t, http.MethodGet, "/v1/customers/unknown/total", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &agg)
	assert.Equal(t, "unknown", agg.CustomerID)
	assert.Equal(t, "0.00", agg.TotalSpent.String())

	assert.Equal(t, http.StatusMethodNotAllowed, f.do(t, http.MethodPost, "/v1/customers/c1/total", nil).Code)
}

func TestRegisterCustomer(t *testing.T) {
	ctx := context.Background()
	store := aggregate.NewMemoryStore(aggregate.Options{RequireExisting: true})
	mux := NewRouter(Routes{Aggregates: NewAggregateHandler(store)})
	do := func(method, path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
		return rec
	}

	_, err := store.ApplyDelta(ctx, "c1", types.MustParseAmount("10.00"), 1)
	require.Error(t, err)

	rec := do(http.MethodPost, "/v1/customers/c1")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var agg types.CustomerAggregate
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &agg))
	assert.Equal(t, "c1", agg.CustomerID)
	assert.Equal(t, "0.00", agg.TotalSpent.String())

	applied, err := store.ApplyDelta(ctx, "c1", types.MustParseAmount("10.00"), 1)
	require.NoError(t, err)
	assert.True(t, applied)

	rec = do(http.MethodPost, "/v1/customers/c1")
	require.Equal(t, http.StatusCreated, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &agg))
	assert.Equal(t, "10.00", agg.TotalSpent.String())
}

type readOnlyStore struct{ AggregateReader }

func TestRegisterCustomerWithoutCreator(t *testing.T) {
	mux := NewRouter(Routes{Aggregates: NewAggregateHandler(readOnlyStore{aggregate.NewMemoryStore(aggregate.Options{})})})
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/customers/c1", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestAuditAndRebuildEndpoints(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, o := range []types.OrderFact{
		{OrderID: "o1", CustomerID: "c1", Amount: types.MustParseAmount("100"), Status: types.StatusDelivered},
		{OrderID: "o2", CustomerID: "c1", Amount: types.MustParseAmount("50"), Status: types.StatusDelivered},
		{OrderID: "o3", CustomerID: "c1", Amount: types.MustParseAmount("30"), Status: types.StatusCancelled},
	} {
		_, err := f.ledger.PlaceOrder(ctx, o)
		require.NoError(t, err)
	}
	_, err := f.store.Set(ctx, "c1", types.MustParseAmount("10.00"), 1)
	require.NoError(t, err)

	rec := f.do(t, http.MethodPost, "/v1/audit?customer_id=c1", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var report audit.Report
	decode(t, rec, &report)
	assert.Equal(t, "customer:c1", report.Scope)
	require.Len(t, report.Discrepancies, 1)
	assert.Equal(t, "150.00", report.Discrepancies[0].Recomputed.String())

	rec = f.do(t, http.MethodGet, "/v1/discrepancies?limit=5", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var ds DiscrepanciesResponse
	decode(t, rec, &ds)
	assert.Len(t, ds.Discrepancies, 1)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/v1/discrepancies?limit=0", nil).Code)

	rec = f.do(t, http.MethodPost, "/v1/rebuild", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var res maintainer.PassResult
	decode(t, rec, &res)
	assert.Equal(t, "batch", res.Strategy)
	assert.Equal(t, uint64(3), res.To)

	agg, err := f.store.Get(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "150.00", agg.TotalSpent.String())
}

func TestQuarantineEndpoint(t *testing.T) {
	f := newFixture(t)
	for seq := uint64(1); seq <= 3; seq++ {
		_, _, err := f.journal.Append(quarantine.Record{
			Event: types.MutationEvent{Kind: types.MutationInsert, OrderID: "o", CustomerID: "c1", Sequence: seq},
			Code:  "MALFORMED_EVENT",
		})
		require.NoError(t, err)
	}

	rec := f.do(t, http.MethodGet, "/v1/quarantine?limit=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp QuarantineResponse
	decode(t, rec, &resp)
	assert.Equal(t, 3, resp.Total)
	require.Len(t, resp.Records, 2)
	assert.Equal(t, uint64(3), resp.Records[1].Event.Sequence)
}

func TestSnapshotEndpoints(t *testing.T) {
	f := newFixture(t)
	_, err := f.store.Set(context.Background(), "c1", types.MustParseAmount("5.00"), 1)
	require.NoError(t, err)

	rec := f.do(t, http.MethodPost, "/v1/snapshots", nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var m snapshot.Manifest
	decode(t, rec, &m)
	assert.Equal(t, 1, m.Count)

	rec = f.do(t, http.MethodGet, "/v1/snapshots", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list SnapshotsResponse
	decode(t, rec, &list)
	assert.Equal(t, []string{m.Path}, list.Paths)
}

func TestDisabledAdminEndpoints(t *testing.T) {
	mux := NewRouter(Routes{Admin: &AdminHandler{}})
	for _, path := range []string{"/v1/audit", "/v1/rebuild", "/v1/snapshots"} {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, path, nil))
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code, path)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var health HealthResponse
	decode(t, rec, &health)
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "all", health.Mode)

	rec = f.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "rollup_events_applied_total")
}

func TestHealthDegraded(t *testing.T) {
	h := &HealthHandler{Service: "rollup", Checks: map[string]HealthCheck{
		"store":  func(ctx context.Context) error { return nil },
		"ledger": func(ctx context.Context) error { return errors.New("database is locked") },
	}}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var health HealthResponse
	decode(t, rec, &health)
	assert.Equal(t, "degraded", health.Status)
	assert.Equal(t, "ok", health.Components["store"])
	assert.Equal(t, "database is locked", health.Components["ledger"])
}

func TestRecoveryMiddleware(t *testing.T) {
	handler := DefaultMiddleware(logging.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "req-1")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "req-1", rec.Header().Get("X-Correlation-ID"))
	var resp ErrorResponse
	decode(t, rec, &resp)
	assert.Equal(t, "req-1", resp.RequestID)
}
