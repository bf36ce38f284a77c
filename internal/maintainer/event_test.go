package maintainer

import (
	"context"
	"testing"
	"time"

	"github.com/arkilian/rollup/internal/aggregate"
	rerrors "github.com/arkilian/rollup/internal/errors"
	"github.com/arkilian/rollup/internal/ledger"
	"github.com/arkilian/rollup/internal/router"
	"github.com/arkilian/rollup/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEventMaintainer(t *testing.T, cfg EventConfig, deps Deps) *EventMaintainer {
	t.Helper()
	if deps.Journal == nil {
		deps.Journal = openJournal(t)
	}
	m, err := NewEventMaintainer(cfg, deps)
	require.NoError(t, err)
	return m
}

func TestEventMaintainerRequiresDependencies(t *testing.T) {
	_, err := NewEventMaintainer(DefaultEventConfig(), Deps{Store: aggregate.NewMemoryStore(aggregate.Options{})})
	assert.Error(t, err)

	_, err = NewEventMaintainer(DefaultEventConfig(), Deps{
		Ledger: ledger.NewMemoryLedger(nil),
		Store:  aggregate.NewMemoryStore(aggregate.Options{}),
	})
	assert.Error(t, err)
}

func TestEventMaintainerAppliesInOrder(t *testing.T) {
	ctx := context.Background()
	l := ledger.NewMemoryLedger(nil)
	store := aggregate.NewMemoryStore(aggregate.Options{})
	m := newEventMaintainer(t, fastRetries(), Deps{Ledger: l, Store: store})

	placeOrder(t, l, "o1", "c1", "100.00", types.StatusDelivered)
	placeOrder(t, l, "o2", "c1", "50.00", types.StatusPending)
	placeOrder(t, l, "o3", "c1", "20.00", types.StatusCancelled)
	placeOrder(t, l, "o4", "c2", "40.00", types.StatusDelivered)
	setStatus(t, l, "o4", types.StatusCancelled)

	res, err := m.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, res.Applied)
	assert.Equal(t, uint64(0), res.From)
	assert.Equal(t, uint64(5), res.To)
	assert.False(t, res.Paused)

	assert.Equal(t, "150.00", total(t, store, "c1").String())
	assert.Equal(t, "0.00", total(t, store, "c2").String())

	cp, err := store.LoadCheckpoint(ctx, CheckpointEvents)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), cp)
	assert.Same(t, res, m.LastResult())
}

func TestEventMaintainerResumesFromCheckpoint(t *testing.T) {
	ctx := context.Background()
	l := ledger.NewMemoryLedger(nil)
	store := aggregate.NewMemoryStore(aggregate.Options{})
	m := newEventMaintainer(t, fastRetries(), Deps{Ledger: l, Store: store})

	placeOrder(t, l, "o1", "c1", "10.00", types.StatusShipped)
	_, err := m.Reconcile(ctx)
	require.NoError(t, err)

	placeOrder(t, l, "o2", "c1", "5.00", types.StatusShipped)
	res, err := m.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), res.From)
	assert.Equal(t, 1, res.Applied)
	assert.Equal(t, "15.00", total(t, store, "c1").String())
}

func TestEventMaintainerReplayIsIdempotent(t *testing.T) {
	ctx := context.Background()
	l := ledger.NewMemoryLedger(nil)
	store := aggregate.NewMemoryStore(aggregate.Options{})
	m := newEventMaintainer(t, fastRetries(), Deps{Ledger: l, Store: store})

	placeOrder(t, l, "o1", "c1", "40.00", types.StatusDelivered)
	placeOrder(t, l, "o2", "c1", "60.00", types.StatusDelivered)
	_, err := m.Reconcile(ctx)
	require.NoError(t, err)

	// Lose the checkpoint: every event is delivered again.
	agg, err := store.Get(ctx, "c1")
	require.NoError(t, err)
	fresh := aggregate.NewMemoryStore(aggregate.Options{})
	_, err = fresh.Set(ctx, "c1", agg.TotalSpent, agg.LastAppliedSequence)
	require.NoError(t, err)
	replay := newEventMaintainer(t, fastRetries(), Deps{Ledger: l, Store: fresh})

	res, err := replay.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Applied)
	assert.Equal(t, 2, res.Skipped)
	assert.Equal(t, uint64(2), res.To)
	assert.Equal(t, "100.00", total(t, fresh, "c1").String())
}

func TestEventMaintainerSkipsEventsBehindStore(t *testing.T) {
	ctx := context.Background()
	l := ledger.NewMemoryLedger(nil)
	store := aggregate.NewMemoryStore(aggregate.Options{})

	for _, id := range []string{"o1", "o2", "o3"} {
		placeOrder(t, l, id, "c1", "10.00", types.StatusPending)
	}
	// The store already reflects a later sequence than any of these events.
	_, err := store.Set(ctx, "c1", amt("150.00"), 5)
	require.NoError(t, err)

	m := newEventMaintainer(t, fastRetries(), Deps{Ledger: l, Store: store})
	res, err := m.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Skipped)
	assert.Equal(t, uint64(3), res.To)

	agg, err := store.Get(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "150.00", agg.TotalSpent.String())
	assert.Equal(t, uint64(5), agg.LastAppliedSequence)
}

func TestEventMaintainerQuarantinesInvalidEvents(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	l := &eventLedger{events: []types.MutationEvent{
		{Kind: types.MutationInsert, OrderID: "o1", CustomerID: "c1", New: state("40.00", types.StatusDelivered), Sequence: 1, CommittedAt: now},
		{Kind: types.MutationInsert, OrderID: "o2", CustomerID: "c1", New: state("10.00", "refunded"), Sequence: 2, CommittedAt: now},
		{Kind: types.MutationInsert, OrderID: "o3", CustomerID: "c2", New: state("-5.00", types.StatusPending), Sequence: 3, CommittedAt: now},
		{Kind: types.MutationInsert, OrderID: "o4", New: state("1.00", types.StatusPending), Sequence: 4, CommittedAt: now},
		{Kind: types.MutationInsert, OrderID: "o5", CustomerID: "c1", New: state("2.00", types.StatusShipped), Sequence: 5, CommittedAt: now},
	}}
	store := aggregate.NewMemoryStore(aggregate.Options{})
	journal := openJournal(t)
	m := newEventMaintainer(t, fastRetries(), Deps{Ledger: l, Store: store, Journal: journal})

	res, err := m.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Applied)
	assert.Equal(t, 3, res.Quarantined)
	assert.Equal(t, uint64(5), res.To, "quarantined events do not hold the checkpoint")
	assert.Equal(t, "42.00", total(t, store, "c1").String())

	recs, err := journal.ReadAll()
	require.NoError(t, err)
	require.Len(t, recs, 3)
	codes := map[uint64]string{}
	for _, r := range recs {
		codes[r.Event.Sequence] = r.Code
	}
	assert.Equal(t, rerrors.CodeInclusionPolicyAmbiguous, codes[2])
	assert.Equal(t, rerrors.CodeNegativeAmount, codes[3])
	assert.Equal(t, rerrors.CodeMalformedEvent, codes[4])
}

func TestEventMaintainerQuarantineIsDeduplicated(t *testing.T) {
	ctx := context.Background()
	l := &eventLedger{events: []types.MutationEvent{
		{Kind: types.MutationInsert, OrderID: "o1", CustomerID: "c1", New: state("10.00", "refunded"), Sequence: 1},
	}}
	journal := openJournal(t)

	for i := 0; i < 2; i++ {
		// A fresh store has no checkpoint, so the event is redelivered.
		store := aggregate.NewMemoryStore(aggregate.Options{})
		m := newEventMaintainer(t, fastRetries(), Deps{Ledger: l, Store: store, Journal: journal})
		res, err := m.Reconcile(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, res.Quarantined)
		assert.Equal(t, types.Amount(0), total(t, store, "c1"))
	}
	assert.Equal(t, 1, journal.Len())
}

func TestEventMaintainerJournalFailureHoldsCheckpoint(t *testing.T) {
	ctx := context.Background()
	l := &eventLedger{events: []types.MutationEvent{
		{Kind: types.MutationInsert, OrderID: "o1", CustomerID: "c1", New: state("10.00", "refunded"), Sequence: 1},
		{Kind: types.MutationInsert, OrderID: "o2", CustomerID: "c2", New: state("3.00", types.StatusPending), Sequence: 2},
	}}
	store := aggregate.NewMemoryStore(aggregate.Options{})
	m := newEventMaintainer(t, fastRetries(), Deps{Ledger: l, Store: store, Journal: failingJournal{}})

	res, err := m.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 1, res.Applied)
	assert.Equal(t, uint64(0), res.To)

	cp, err := store.LoadCheckpoint(ctx, CheckpointEvents)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), cp)
}

func TestEventMaintainerRetriesTransientFailures(t *testing.T) {
	ctx := context.Background()
	l := ledger.NewMemoryLedger(nil)
	store := newFlakyStore(aggregate.NewMemoryStore(aggregate.Options{}))
	store.fail("c1", 2)
	m := newEventMaintainer(t, fastRetries(), Deps{Ledger: l, Store: store})

	placeOrder(t, l, "o1", "c1", "40.00", types.StatusDelivered)

	res, err := m.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Applied)
	assert.Equal(t, 3, store.callCount("c1"))
	assert.Equal(t, "40.00", total(t, store, "c1").String())
}

func TestEventMaintainerFailureDefersCustomerAndHoldsCheckpoint(t *testing.T) {
	ctx := context.Background()
	l := ledger.NewMemoryLedger(nil)
	inner := aggregate.NewMemoryStore(aggregate.Options{})
	store := newFlakyStore(inner)
	store.fail("c1", -1)
	m := newEventMaintainer(t, fastRetries(), Deps{Ledger: l, Store: store})

	placeOrder(t, l, "o1", "c2", "1.00", types.StatusPending)  // 1
	placeOrder(t, l, "o2", "c1", "40.00", types.StatusShipped) // 2
	placeOrder(t, l, "o3", "c2", "2.00", types.StatusPending)  // 3
	placeOrder(t, l, "o4", "c1", "60.00", types.StatusShipped) // 4
	placeOrder(t, l, "o5", "c2", "3.00", types.StatusPending)  // 5

	res, err := m.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 1, res.Deferred)
	assert.Equal(t, 3, res.Applied)
	assert.Equal(t, uint64(1), res.To)
	assert.Equal(t, "6.00", total(t, inner, "c2").String())

	// fastRetries allows two retries after the first attempt.
	assert.Equal(t, 3, store.callCount("c1"))

	// Once the store recovers the redelivered events land exactly once.
	store.fail("c1", 0)
	res, err = m.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), res.From)
	assert.Equal(t, uint64(5), res.To)
	assert.Equal(t, 2, res.Applied)
	assert.Equal(t, 2, res.Skipped)
	assert.Equal(t, "100.00", total(t, inner, "c1").String())
	assert.Equal(t, "6.00", total(t, inner, "c2").String())
}

func TestEventMaintainerRequireExistingQuarantinesUnknownCustomer(t *testing.T) {
	ctx := context.Background()
	l := ledger.NewMemoryLedger(nil)
	store := aggregate.NewMemoryStore(aggregate.Options{RequireExisting: true})
	require.NoError(t, store.Create(ctx, "known"))
	journal := openJournal(t)
	m := newEventMaintainer(t, fastRetries(), Deps{Ledger: l, Store: store, Journal: journal})

	placeOrder(t, l, "o1", "known", "5.00", types.StatusPending)
	placeOrder(t, l, "o2", "ghost", "7.00", types.StatusPending)

	res, err := m.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Applied)
	assert.Equal(t, 1, res.Quarantined)
	assert.True(t, journal.Contains(2))
	assert.Equal(t, "5.00", total(t, store, "known").String())
}

func TestEventMaintainerPublishesUpdates(t *testing.T) {
	ctx := context.Background()
	notifier := router.NewNotifier(16)
	sub := notifier.Subscribe("test", router.AggregateUpdated)
	defer notifier.Unsubscribe(sub.ID)

	l := ledger.NewMemoryLedger(nil)
	store := aggregate.NewMemoryStore(aggregate.Options{})
	m := newEventMaintainer(t, fastRetries(), Deps{Ledger: l, Store: store, Notifier: notifier})

	placeOrder(t, l, "o1", "c1", "5.00", types.StatusPending)
	_, err := m.Reconcile(ctx)
	require.NoError(t, err)

	select {
	case n := <-sub.Ch:
		assert.Equal(t, router.AggregateUpdated, n.Type)
		assert.Equal(t, "c1", n.CustomerID)
		assert.Equal(t, uint64(1), n.Sequence)
	case <-time.After(time.Second):
		t.Fatal("expected an aggregate update notification")
	}
}

func TestEventMaintainerPausesUnderBackpressure(t *testing.T) {
	ctx := context.Background()
	l := ledger.NewMemoryLedger(nil)
	store := aggregate.NewMemoryStore(aggregate.Options{})
	bp := NewBackpressureController(BackpressureConfig{
		MaxConcurrency:   2,
		MinConcurrency:   1,
		FailureThreshold: 0.1,
		WindowDuration:   time.Minute,
		MinAttempts:      4,
	})
	for i := 0; i < 4; i++ {
		bp.RecordFailure()
	}
	m := newEventMaintainer(t, fastRetries(), Deps{Ledger: l, Store: store, Backpressure: bp})

	for _, id := range []string{"o1", "o2", "o3", "o4"} {
		placeOrder(t, l, id, "c1", "1.00", types.StatusPending)
	}

	res, err := m.Reconcile(ctx)
	require.NoError(t, err)
	assert.True(t, res.Paused)
	assert.Equal(t, 0, res.Applied)
	assert.Equal(t, types.Amount(0), total(t, store, "c1"))
}

func TestEventMaintainerStopsOnCancel(t *testing.T) {
	l := ledger.NewMemoryLedger(nil)
	store := newFlakyStore(aggregate.NewMemoryStore(aggregate.Options{}))
	store.fail("c1", -1)
	cfg := fastRetries()
	cfg.RetryBaseDelay = time.Hour
	cfg.MaxRetryDelay = time.Hour
	m := newEventMaintainer(t, cfg, Deps{Ledger: l, Store: store})

	placeOrder(t, l, "o1", "c1", "1.00", types.StatusPending)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		res, _ := m.Reconcile(ctx)
		if res != nil {
			assert.Equal(t, uint64(0), res.To)
		}
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Reconcile did not return after cancellation")
	}
}
