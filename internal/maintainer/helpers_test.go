package maintainer

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/arkilian/rollup/internal/aggregate"
	rerrors "github.com/arkilian/rollup/internal/errors"
	"github.com/arkilian/rollup/internal/ledger"
	"github.com/arkilian/rollup/internal/logging"
	"github.com/arkilian/rollup/internal/quarantine"
	"github.com/arkilian/rollup/pkg/types"
	"github.com/stretchr/testify/require"
)

func amt(s string) types.Amount { return types.MustParseAmount(s) }

func state(amount string, status types.OrderStatus) *types.OrderState {
	return &types.OrderState{Amount: amt(amount), Status: status}
}

func placeOrder(t *testing.T, l ledger.Writer, id, customer, amount string, status types.OrderStatus) types.MutationEvent {
	t.Helper()
	ev, err := l.PlaceOrder(context.Background(), types.OrderFact{
		OrderID: id, CustomerID: customer, Amount: amt(amount), Status: status,
	})
	require.NoError(t, err)
	return ev
}

func setStatus(t *testing.T, l ledger.Writer, id string, status types.OrderStatus) types.MutationEvent {
	t.Helper()
	ev, err := l.UpdateOrder(context.Background(), id, ledger.OrderChange{Status: &status})
	require.NoError(t, err)
	return ev
}

func openJournal(t *testing.T) *quarantine.Journal {
	t.Helper()
	j, err := quarantine.Open(t.TempDir(), 0, logging.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j
}

func total(t *testing.T, s aggregate.Store, customerID string) types.Amount {
	t.Helper()
	agg, err := s.Get(context.Background(), customerID)
	require.NoError(t, err)
	return agg.TotalSpent
}

// eventLedger is a Reader over a fixed event list, for feeding events the
// real ledgers refuse to produce.
type eventLedger struct {
	events []types.MutationEvent
}

func (l *eventLedger) QueryOrders(ctx context.Context, customerID string) ([]types.OrderFact, uint64, error) {
	return nil, l.latest(), nil
}

func (l *eventLedger) StreamMutations(ctx context.Context, since uint64) *ledger.Stream {
	var out []types.MutationEvent
	for _, ev := range l.events {
		if ev.Sequence > since {
			out = append(out, ev)
		}
	}
	return ledger.SliceStream(ctx, since, 2, out)
}

func (l *eventLedger) LatestSequence(ctx context.Context) (uint64, error) {
	return l.latest(), nil
}

func (l *eventLedger) TouchedCustomers(ctx context.Context, since uint64) ([]string, uint64, error) {
	seen := map[string]bool{}
	for _, ev := range l.events {
		if ev.Sequence > since && ev.CustomerID != "" {
			seen[ev.CustomerID] = true
		}
	}
	var out []string
	for c := range seen {
		out = append(out, c)
	}
	sort.Strings(out)
	return out, l.latest(), nil
}

func (l *eventLedger) ListCustomers(ctx context.Context, after string, limit int) ([]string, error) {
	return nil, nil
}

func (l *eventLedger) latest() uint64 {
	if len(l.events) == 0 {
		return 0
	}
	return l.events[len(l.events)-1].Sequence
}

// flakyStore fails writes for selected customers until the failure budget
// is spent.
type flakyStore struct {
	aggregate.Backend

	mu       sync.Mutex
	failures map[string]int // customer -> remaining failures, -1 for always
	calls    map[string]int
	err      error
}

func newFlakyStore(inner aggregate.Backend) *flakyStore {
	return &flakyStore{
		Backend:  inner,
		failures: make(map[string]int),
		calls:    make(map[string]int),
		err:      rerrors.NewStorageError(rerrors.CodeStoreUnavailable, "store down", nil),
	}
}

func (s *flakyStore) fail(customerID string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[customerID] = n
}

func (s *flakyStore) callCount(customerID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[customerID]
}

func (s *flakyStore) check(customerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[customerID]++
	n, ok := s.failures[customerID]
	if !ok || n == 0 {
		return nil
	}
	if n > 0 {
		s.failures[customerID] = n - 1
	}
	return s.err
}

func (s *flakyStore) ApplyDelta(ctx context.Context, customerID string, delta types.Amount, sequence uint64) (bool, error) {
	if err := s.check(customerID); err != nil {
		return false, err
	}
	return s.Backend.ApplyDelta(ctx, customerID, delta, sequence)
}

func (s *flakyStore) Set(ctx context.Context, customerID string, total types.Amount, sequence uint64) (bool, error) {
	if err := s.check(customerID); err != nil {
		return false, err
	}
	return s.Backend.Set(ctx, customerID, total, sequence)
}

type failingJournal struct{}

func (failingJournal) Append(rec quarantine.Record) (string, bool, error) {
	return "", false, rerrors.NewInternalError("disk full", nil)
}

// fastRetries keeps retry tests quick.
func fastRetries() EventConfig {
	cfg := DefaultEventConfig()
	cfg.Lanes = 4
	cfg.PageSize = 3
	cfg.MaxRetries = 2
	cfg.RetryBaseDelay = time.Millisecond
	cfg.MaxRetryDelay = 2 * time.Millisecond
	return cfg
}
