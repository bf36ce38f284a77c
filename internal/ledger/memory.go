package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	rerrors "github.com/arkilian/rollup/internal/errors"
	"github.com/arkilian/rollup/internal/router"
	"github.com/arkilian/rollup/pkg/types"
)

// MemoryLedger is an in-process Ledger for tests and ephemeral runs.
type MemoryLedger struct {
	mu        sync.RWMutex
	orders    map[string]types.OrderFact
	mutations []types.MutationEvent
	notifier  *router.Notifier
	pageSize  int
	now       func() time.Time
}

// NewMemoryLedger creates an empty ledger. notifier may be nil.
func NewMemoryLedger(notifier *router.Notifier) *MemoryLedger {
	return &MemoryLedger{
		orders:   make(map[string]types.OrderFact),
		notifier: notifier,
		pageSize: DefaultPageSize,
		now:      time.Now,
	}
}

// SetPageSize sets the page size of streams returned by StreamMutations.
func (l *MemoryLedger) SetPageSize(n int) {
	if n > 0 {
		l.pageSize = n
	}
}

func (l *MemoryLedger) QueryOrders(ctx context.Context, customerID string) ([]types.OrderFact, uint64, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()

	var facts []types.OrderFact
	for _, o := range l.orders {
		if o.CustomerID == customerID {
			facts = append(facts, o)
		}
	}
	sort.Slice(facts, func(i, j int) bool { return facts[i].OrderID < facts[j].OrderID })
	return facts, l.latestLocked(), nil
}

func (l *MemoryLedger) latestLocked() uint64 {
	if len(l.mutations) == 0 {
		return 0
	}
	return l.mutations[len(l.mutations)-1].Sequence
}

func (l *MemoryLedger) StreamMutations(ctx context.Context, since uint64) *Stream {
	return NewStream(ctx, since, l.pageSize, func(ctx context.Context, after uint64, limit int) ([]types.MutationEvent, error) {
		l.mu.RLock()
		defer l.mu.RUnlock()

		// Sequences are 1..n with no gaps.
		if after >= uint64(len(l.mutations)) {
			return nil, nil
		}
		end := int(after) + limit
		if end > len(l.mutations) {
			end = len(l.mutations)
		}
		page := make([]types.MutationEvent, end-int(after))
		copy(page, l.mutations[after:end])
		return page, nil
	})
}

func (l *MemoryLedger) LatestSequence(ctx context.Context) (uint64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.latestLocked(), nil
}

func (l *MemoryLedger) TouchedCustomers(ctx context.Context, since uint64) ([]string, uint64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	seen := make(map[string]bool)
	for _, ev := range l.mutations {
		if ev.Sequence > since {
			seen[ev.CustomerID] = true
		}
	}
	out := make([]string, 0, len(seen))
	for c := range seen {
		out = append(out, c)
	}
	sort.Strings(out)
	return out, l.latestLocked(), nil
}

func (l *MemoryLedger) ListCustomers(ctx context.Context, after string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	l.mu.RLock()
	defer l.mu.RUnlock()

	seen := make(map[string]bool)
	for _, o := range l.orders {
		if o.CustomerID > after {
			seen[o.CustomerID] = true
		}
	}
	out := make([]string, 0, len(seen))
	for c := range seen {
		out = append(out, c)
	}
	sort.Strings(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (l *MemoryLedger) GetOrder(ctx context.Context, orderID string) (types.OrderFact, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	o, ok := l.orders[orderID]
	if !ok {
		return types.OrderFact{}, orderNotFound(orderID)
	}
	return o, nil
}

func (l *MemoryLedger) PlaceOrder(ctx context.Context, order types.OrderFact) (types.MutationEvent, error) {
	if err := validateOrder(order); err != nil {
		return types.MutationEvent{}, err
	}
	l.mu.Lock()
	if _, ok := l.orders[order.OrderID]; ok {
		l.mu.Unlock()
		return types.MutationEvent{}, orderExists(order.OrderID)
	}
	now := l.now().UTC()
	if order.CreatedAt.IsZero() {
		order.CreatedAt = now
	}
	order.UpdatedAt = now
	l.orders[order.OrderID] = order

	newState := order.State()
	ev := l.appendLocked(types.MutationEvent{
		Kind:       types.MutationInsert,
		OrderID:    order.OrderID,
		CustomerID: order.CustomerID,
		New:        &newState,
	})
	l.mu.Unlock()

	l.publish(ev)
	return ev, nil
}

func (l *MemoryLedger) UpdateOrder(ctx context.Context, orderID string, change OrderChange) (types.MutationEvent, error) {
	if change.Empty() {
		return types.MutationEvent{}, rerrors.NewValidationError(rerrors.CodeInvalidRequest, "update changes nothing")
	}
	l.mu.Lock()
	current, ok := l.orders[orderID]
	if !ok {
		l.mu.Unlock()
		return types.MutationEvent{}, orderNotFound(orderID)
	}

	oldState := current.State()
	newState := oldState
	if change.Amount != nil {
		newState.Amount = *change.Amount
	}
	if change.Status != nil {
		newState.Status = *change.Status
	}
	if err := validateState(newState); err != nil {
		l.mu.Unlock()
		return types.MutationEvent{}, err
	}

	current.Amount = newState.Amount
	current.Status = newState.Status
	current.UpdatedAt = l.now().UTC()
	l.orders[orderID] = current

	ev := l.appendLocked(types.MutationEvent{
		Kind:       types.MutationUpdate,
		OrderID:    orderID,
		CustomerID: current.CustomerID,
		Old:        &oldState,
		New:        &newState,
	})
	l.mu.Unlock()

	l.publish(ev)
	return ev, nil
}

func (l *MemoryLedger) DeleteOrder(ctx context.Context, orderID string) (types.MutationEvent, error) {
	l.mu.Lock()
	current, ok := l.orders[orderID]
	if !ok {
		l.mu.Unlock()
		return types.MutationEvent{}, orderNotFound(orderID)
	}
	delete(l.orders, orderID)

	oldState := current.State()
	ev := l.appendLocked(types.MutationEvent{
		Kind:       types.MutationDelete,
		OrderID:    orderID,
		CustomerID: current.CustomerID,
		Old:        &oldState,
	})
	l.mu.Unlock()

	l.publish(ev)
	return ev, nil
}

func (l *MemoryLedger) appendLocked(ev types.MutationEvent) types.MutationEvent {
	ev.Sequence = uint64(len(l.mutations)) + 1
	ev.CommittedAt = l.now().UTC()
	l.mutations = append(l.mutations, ev)
	return ev
}

func (l *MemoryLedger) publish(ev types.MutationEvent) {
	if l.notifier == nil {
		return
	}
	l.notifier.Publish(router.Notification{
		Type:       router.MutationCommitted,
		CustomerID: ev.CustomerID,
		OrderID:    ev.OrderID,
		Sequence:   ev.Sequence,
	})
}

func (l *MemoryLedger) Close() error {
	return nil
}
