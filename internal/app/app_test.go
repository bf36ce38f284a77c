package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/arkilian/rollup/internal/audit"
	"github.com/arkilian/rollup/internal/config"
	"github.com/arkilian/rollup/internal/logging"
	"github.com/arkilian/rollup/pkg/types"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.HTTP.Addr = "127.0.0.1:0"
	cfg.GRPC.Addr = "127.0.0.1:0"
	cfg.Events.PollInterval = 20 * time.Millisecond
	cfg.Audit.Interval = time.Hour
	return cfg
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Mode = "ingest"
	_, err := New(cfg, nil)
	assert.Error(t, err)
}

func TestOpenRejectsBadEpsilon(t *testing.T) {
	cfg := testConfig(t)
	cfg.Audit.Epsilon = "a lot"
	a, err := New(cfg, logging.NewNop())
	require.NoError(t, err)
	assert.Error(t, a.Open(context.Background()))
}

func TestAppMaintainsTotalsEndToEnd(t *testing.T) {
	cfg := testConfig(t)
	a, err := New(cfg, logging.NewNop())
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))
	defer a.Stop(context.Background())

	base := "http://" + a.HTTPAddr()
	for _, o := range []map[string]string{
		{"order_id": "o1", "customer_id": "c1", "amount": "100.00", "status": "delivered"},
		{"order_id": "o2", "customer_id": "c1", "amount": "50.00", "status": "delivered"},
		{"order_id": "o3", "customer_id": "c1", "amount": "30.00", "status": "cancelled"},
	} {
		body, err := json.Marshal(o)
		require.NoError(t, err)
		resp, err := http.Post(base+"/v1/orders", "application/json", bytes.NewReader(body))
		require.NoError(t, err)
		resp.Body.Close()
		require.Equal(t, http.StatusCreated, resp.StatusCode)
	}

	totalOf := func() string {
		resp, err := http.Get(base + "/v1/customers/c1/total")
		if err != nil {
			return ""
		}
		defer resp.Body.Close()
		var agg types.CustomerAggregate
		if json.NewDecoder(resp.Body).Decode(&agg) != nil {
			return ""
		}
		return agg.TotalSpent.String()
	}
	assert.Eventually(t, func() bool { return totalOf() == "150.00" }, 5*time.Second, 20*time.Millisecond)

	req, err := http.NewRequest(http.MethodPut, base+"/v1/orders/o1", bytes.NewBufferString(`{"status":"cancelled"}`))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Eventually(t, func() bool { return totalOf() == "50.00" }, 5*time.Second, 20*time.Millisecond)

	resp, err = http.Get(base + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	conn, err := grpc.NewClient(a.GRPCAddr(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()
	client := healthpb.NewHealthClient(conn)
	assert.Eventually(t, func() bool {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		hr, err := client.Check(ctx, &healthpb.HealthCheckRequest{})
		return err == nil && hr.Status == healthpb.HealthCheckResponse_SERVING
	}, 5*time.Second, 20*time.Millisecond)

	names := map[string]bool{}
	for _, s := range a.Daemons() {
		names[s.Name] = s.Running
	}
	assert.True(t, names["events"])
	assert.True(t, names["audit"])
	assert.False(t, a.Metrics() == nil)

	require.NoError(t, a.Stop(context.Background()))
	_, err = http.Get(base + "/health")
	assert.Error(t, err)
}

func TestOneShotOperations(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	a, err := New(cfg, logging.NewNop())
	require.NoError(t, err)
	require.NoError(t, a.Open(ctx))
	defer a.Close(ctx)

	_, err = a.Ledger().PlaceOrder(ctx, types.OrderFact{
		OrderID: "o1", CustomerID: "c1", Amount: types.MustParseAmount("12.50"), Status: types.StatusShipped,
	})
	require.NoError(t, err)

	res, err := a.Batch().Rebuild(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Recomputed)

	agg, err := a.Store().Get(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "12.50", agg.TotalSpent.String())

	report, err := a.Checker().Audit(ctx, audit.Scope{})
	require.NoError(t, err)
	assert.Empty(t, report.Discrepancies)

	m, err := a.Exporter().Export(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, m.Count)

	require.NoError(t, a.Close(ctx))
	require.NoError(t, a.Close(ctx))
}

func TestRequireExistingCountsOnlyRegisteredCustomers(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.Policy.RequireExisting = true
	a, err := New(cfg, logging.NewNop())
	require.NoError(t, err)
	require.NoError(t, a.Start(ctx))
	defer a.Stop(ctx)

	base := "http://" + a.HTTPAddr()
	resp, err := http.Post(base+"/v1/customers/c1", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	for _, o := range []types.OrderFact{
		{OrderID: "o1", CustomerID: "c1", Amount: types.MustParseAmount("25.00"), Status: types.StatusDelivered},
		{OrderID: "o2", CustomerID: "c2", Amount: types.MustParseAmount("10.00"), Status: types.StatusDelivered},
	} {
		_, err := a.Ledger().PlaceOrder(ctx, o)
		require.NoError(t, err)
	}

	assert.Eventually(t, func() bool {
		agg, err := a.Store().Get(ctx, "c1")
		return err == nil && agg.TotalSpent.String() == "25.00"
	}, 5*time.Second, 20*time.Millisecond)
	assert.Eventually(t, func() bool { return a.Journal().Contains(2) }, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, a.CreateCustomer(ctx, "c2"))
	res, err := a.Batch().Rebuild(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Recomputed)
	agg, err := a.Store().Get(ctx, "c2")
	require.NoError(t, err)
	assert.Equal(t, "10.00", agg.TotalSpent.String())
}
