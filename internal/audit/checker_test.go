package audit

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/arkilian/rollup/internal/aggregate"
	"github.com/arkilian/rollup/internal/ledger"
	"github.com/arkilian/rollup/internal/router"
	"github.com/arkilian/rollup/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func amt(s string) types.Amount { return types.MustParseAmount(s) }

func place(t *testing.T, l ledger.Writer, id, customer, amount string, status types.OrderStatus) {
	t.Helper()
	_, err := l.PlaceOrder(context.Background(), types.OrderFact{
		OrderID: id, CustomerID: customer, Amount: amt(amount), Status: status,
	})
	require.NoError(t, err)
}

func newChecker(t *testing.T, cfg Config, deps Deps) *Checker {
	t.Helper()
	c, err := NewChecker(cfg, deps)
	require.NoError(t, err)
	return c
}

func TestNewCheckerValidates(t *testing.T) {
	_, err := NewChecker(DefaultConfig(), Deps{})
	assert.Error(t, err)

	cfg := DefaultConfig()
	cfg.Epsilon = amt("-0.01")
	_, err = NewChecker(cfg, Deps{Ledger: ledger.NewMemoryLedger(nil), Store: aggregate.NewMemoryStore(aggregate.Options{})})
	assert.Error(t, err)
}

func TestAuditCorrectsDriftAndIsStableOnSecondRun(t *testing.T) {
	ctx := context.Background()
	l := ledger.NewMemoryLedger(nil)
	store := aggregate.NewMemoryStore(aggregate.Options{})

	place(t, l, "o1", "c1", "100.00", types.StatusDelivered)
	place(t, l, "o2", "c1", "50.00", types.StatusDelivered)
	place(t, l, "o3", "c1", "30.00", types.StatusCancelled)
	place(t, l, "o4", "c2", "10.00", types.StatusPending)

	// c1 drifted, c2 is correct.
	_, err := store.Set(ctx, "c1", amt("120.00"), 3)
	require.NoError(t, err)
	_, err = store.Set(ctx, "c2", amt("10.00"), 4)
	require.NoError(t, err)

	c := newChecker(t, DefaultConfig(), Deps{Ledger: l, Store: store})

	report, err := c.Audit(ctx, Scope{})
	require.NoError(t, err)
	assert.True(t, report.Complete)
	assert.NotEmpty(t, report.RunID)
	assert.Equal(t, "all", report.Scope)
	assert.Equal(t, 2, report.CustomersChecked)
	require.Len(t, report.Discrepancies, 1)

	d := report.Discrepancies[0]
	assert.Equal(t, "c1", d.CustomerID)
	assert.Equal(t, "120.00", d.Stored.String())
	assert.Equal(t, "150.00", d.Recomputed.String())
	assert.Equal(t, "-30.00", d.Drift().String())
	assert.Equal(t, uint64(4), d.Sequence)
	assert.True(t, d.Corrected)

	agg, err := store.Get(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "150.00", agg.TotalSpent.String())

	again, err := c.Audit(ctx, Scope{})
	require.NoError(t, err)
	assert.Empty(t, again.Discrepancies)
	assert.NotEqual(t, report.RunID, again.RunID)

	history, err := store.ListDiscrepancies(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, history, 1)
	assert.Same(t, again, c.LastReport())
}

func TestAuditResetsOrphanedAggregates(t *testing.T) {
	ctx := context.Background()
	l := ledger.NewMemoryLedger(nil)
	store := aggregate.NewMemoryStore(aggregate.Options{})

	place(t, l, "o1", "c1", "1.00", types.StatusPending)
	_, err := store.Set(ctx, "ghost", amt("42.00"), 0)
	require.NoError(t, err)

	c := newChecker(t, DefaultConfig(), Deps{Ledger: l, Store: store})
	report, err := c.Audit(ctx, Scope{})
	require.NoError(t, err)

	// c1 has no aggregate yet and ghost has no orders.
	require.Len(t, report.Discrepancies, 2)
	assert.Equal(t, types.Amount(0), mustGet(t, store, "ghost").TotalSpent)
	assert.Equal(t, "1.00", mustGet(t, store, "c1").TotalSpent.String())
}

func TestAuditSingleCustomer(t *testing.T) {
	ctx := context.Background()
	l := ledger.NewMemoryLedger(nil)
	store := aggregate.NewMemoryStore(aggregate.Options{})
	place(t, l, "o1", "c1", "5.00", types.StatusShipped)
	place(t, l, "o2", "c2", "6.00", types.StatusShipped)

	c := newChecker(t, DefaultConfig(), Deps{Ledger: l, Store: store})
	report, err := c.Audit(ctx, Scope{CustomerID: "c2"})
	require.NoError(t, err)
	assert.Equal(t, "customer:c2", report.Scope)
	assert.Equal(t, 1, report.CustomersChecked)
	require.Len(t, report.Discrepancies, 1)
	assert.Equal(t, "c2", report.Discrepancies[0].CustomerID)
	assert.Equal(t, types.Amount(0), mustGet(t, store, "c1").TotalSpent)
	assert.Nil(t, c.LastReport())
}

func TestAuditToleratesEpsilon(t *testing.T) {
	ctx := context.Background()
	l := ledger.NewMemoryLedger(nil)
	store := aggregate.NewMemoryStore(aggregate.Options{})
	place(t, l, "o1", "c1", "10.00", types.StatusDelivered)
	_, err := store.Set(ctx, "c1", amt("10.01"), 1)
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.Epsilon = amt("0.01")
	c := newChecker(t, cfg, Deps{Ledger: l, Store: store})

	report, err := c.Audit(ctx, Scope{})
	require.NoError(t, err)
	assert.Empty(t, report.Discrepancies)
	assert.Equal(t, "10.01", mustGet(t, store, "c1").TotalSpent.String())
}

func TestAuditSkipsAggregatesAheadOfSnapshot(t *testing.T) {
	ctx := context.Background()
	l := ledger.NewMemoryLedger(nil)
	store := aggregate.NewMemoryStore(aggregate.Options{})
	place(t, l, "o1", "c1", "10.00", types.StatusDelivered)

	// Written at a sequence the ledger snapshot doesn't reach yet.
	_, err := store.Set(ctx, "c1", amt("99.00"), 50)
	require.NoError(t, err)

	c := newChecker(t, DefaultConfig(), Deps{Ledger: l, Store: store})
	report, err := c.Audit(ctx, Scope{})
	require.NoError(t, err)
	assert.Empty(t, report.Discrepancies)
	assert.Equal(t, 1, report.Skipped)
	assert.Equal(t, "99.00", mustGet(t, store, "c1").TotalSpent.String())
}

// cancelAfter cancels the audit once n cursor positions were saved.
type cancelAfter struct {
	aggregate.Backend
	n      int
	cancel context.CancelFunc
}

func (s *cancelAfter) SaveCursor(ctx context.Context, name, customerID string) error {
	err := s.Backend.SaveCursor(ctx, name, customerID)
	s.n--
	if s.n == 0 {
		s.cancel()
	}
	return err
}

func TestAuditResumesFromCursor(t *testing.T) {
	l := ledger.NewMemoryLedger(nil)
	inner := aggregate.NewMemoryStore(aggregate.Options{})
	for i := 0; i < 7; i++ {
		place(t, l, fmt.Sprintf("o%d", i), fmt.Sprintf("c%d", i), "1.00", types.StatusPending)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store := &cancelAfter{Backend: inner, n: 3, cancel: cancel}

	cfg := DefaultConfig()
	cfg.PageSize = 2
	c := newChecker(t, cfg, Deps{Ledger: l, Store: store})

	report, err := c.Audit(ctx, Scope{})
	require.ErrorIs(t, err, context.Canceled)
	assert.False(t, report.Complete)
	assert.Equal(t, 3, report.CustomersChecked)

	cursor, err := inner.LoadCursor(context.Background(), CursorName)
	require.NoError(t, err)
	assert.Equal(t, "c2", cursor)

	resumed, err := c.Audit(context.Background(), Scope{})
	require.NoError(t, err)
	assert.True(t, resumed.Complete)
	assert.Equal(t, "c2", resumed.ResumedAfter)
	assert.Equal(t, 4, resumed.CustomersChecked)

	cursor, err = inner.LoadCursor(context.Background(), CursorName)
	require.NoError(t, err)
	assert.Equal(t, "", cursor)

	for i := 0; i < 7; i++ {
		assert.Equal(t, "1.00", mustGet(t, inner, fmt.Sprintf("c%d", i)).TotalSpent.String())
	}
}

func TestAuditPublishesCorrections(t *testing.T) {
	ctx := context.Background()
	notifier := router.NewNotifier(4)
	sub := notifier.Subscribe("", router.DiscrepancyCorrected)
	defer notifier.Unsubscribe(sub.ID)

	l := ledger.NewMemoryLedger(nil)
	store := aggregate.NewMemoryStore(aggregate.Options{})
	place(t, l, "o1", "c1", "3.00", types.StatusPending)

	c := newChecker(t, DefaultConfig(), Deps{Ledger: l, Store: store, Notifier: notifier})
	_, err := c.Audit(ctx, Scope{})
	require.NoError(t, err)

	select {
	case n := <-sub.Ch:
		assert.Equal(t, "c1", n.CustomerID)
	case <-time.After(time.Second):
		t.Fatal("expected a correction notification")
	}
}

func TestAuditDaemonRunsFullPass(t *testing.T) {
	l := ledger.NewMemoryLedger(nil)
	store := aggregate.NewMemoryStore(aggregate.Options{})
	place(t, l, "o1", "c1", "3.00", types.StatusPending)

	c := newChecker(t, DefaultConfig(), Deps{Ledger: l, Store: store})
	d, err := NewDaemon(c, time.Hour, nil)
	require.NoError(t, err)

	require.NoError(t, d.RunOnce(context.Background()))
	require.NotNil(t, c.LastReport())
	assert.Equal(t, "3.00", mustGet(t, store, "c1").TotalSpent.String())
}

func mustGet(t *testing.T, s aggregate.Store, customerID string) types.CustomerAggregate {
	t.Helper()
	agg, err := s.Get(context.Background(), customerID)
	require.NoError(t, err)
	return agg
}
