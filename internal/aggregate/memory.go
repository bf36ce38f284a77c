package aggregate

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	rerrors "github.com/arkilian/rollup/internal/errors"
	"github.com/arkilian/rollup/pkg/types"
	"github.com/spaolacci/murmur3"
)

const memoryShards = 32

type memoryShard struct {
	mu      sync.Mutex
	records map[string]types.CustomerAggregate
}

// MemoryStore is an in-process Backend. Customers are spread over shards by
// murmur3 hash so writes to different customers rarely contend.
type MemoryStore struct {
	opts   Options
	shards [memoryShards]*memoryShard
	now    func() time.Time

	stateMu       sync.Mutex
	checkpoints   map[string]uint64
	cursors       map[string]string
	discrepancies []types.Discrepancy
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(opts Options) *MemoryStore {
	m := &MemoryStore{
		opts:        opts,
		now:         time.Now,
		checkpoints: make(map[string]uint64),
		cursors:     make(map[string]string),
	}
	for i := range m.shards {
		m.shards[i] = &memoryShard{records: make(map[string]types.CustomerAggregate)}
	}
	return m
}

func (m *MemoryStore) shard(customerID string) *memoryShard {
	return m.shards[murmur3.Sum32([]byte(customerID))%memoryShards]
}

func (m *MemoryStore) Get(ctx context.Context, customerID string) (types.CustomerAggregate, error) {
	if err := ctx.Err(); err != nil {
		return types.CustomerAggregate{}, err
	}
	sh := m.shard(customerID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if agg, ok := sh.records[customerID]; ok {
		return agg, nil
	}
	return types.CustomerAggregate{CustomerID: customerID}, nil
}

func (m *MemoryStore) ApplyDelta(ctx context.Context, customerID string, delta types.Amount, sequence uint64) (bool, error) {
	return m.write(ctx, customerID, sequence, func(agg *types.CustomerAggregate) bool {
		if sequence <= agg.LastAppliedSequence {
			return false
		}
		agg.TotalSpent = agg.TotalSpent.Add(delta)
		return true
	})
}

func (m *MemoryStore) Set(ctx context.Context, customerID string, total types.Amount, sequence uint64) (bool, error) {
	return m.write(ctx, customerID, sequence, func(agg *types.CustomerAggregate) bool {
		if sequence < agg.LastAppliedSequence {
			return false
		}
		agg.TotalSpent = total
		return true
	})
}

func (m *MemoryStore) write(ctx context.Context, customerID string, sequence uint64, apply func(*types.CustomerAggregate) bool) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	sh := m.shard(customerID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	agg, ok := sh.records[customerID]
	if !ok {
		if m.opts.RequireExisting {
			return false, rerrors.NewStorageError(rerrors.CodeNotFound,
				fmt.Sprintf("aggregate: no aggregate for customer %s", customerID), nil)
		}
		agg = types.CustomerAggregate{CustomerID: customerID}
	}
	if !apply(&agg) {
		return false, nil
	}
	agg.LastAppliedSequence = sequence
	agg.UpdatedAt = m.now().UTC()
	sh.records[customerID] = agg
	return true, nil
}

func (m *MemoryStore) Create(ctx context.Context, customerID string) error {
	sh := m.shard(customerID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if _, ok := sh.records[customerID]; !ok {
		sh.records[customerID] = types.CustomerAggregate{CustomerID: customerID, UpdatedAt: m.now().UTC()}
	}
	return nil
}

func (m *MemoryStore) List(ctx context.Context, after string, limit int) ([]types.CustomerAggregate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}

	var all []types.CustomerAggregate
	for _, sh := range m.shards {
		sh.mu.Lock()
		for id, agg := range sh.records {
			if id > after {
				all = append(all, agg)
			}
		}
		sh.mu.Unlock()
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CustomerID < all[j].CustomerID })
	if len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func (m *MemoryStore) LoadCheckpoint(ctx context.Context, name string) (uint64, error) {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	return m.checkpoints[name], nil
}

func (m *MemoryStore) SaveCheckpoint(ctx context.Context, name string, sequence uint64) error {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	if sequence > m.checkpoints[name] {
		m.checkpoints[name] = sequence
	}
	return nil
}

func (m *MemoryStore) LoadCursor(ctx context.Context, name string) (string, error) {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	return m.cursors[name], nil
}

func (m *MemoryStore) SaveCursor(ctx context.Context, name, customerID string) error {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	if customerID == "" {
		delete(m.cursors, name)
	} else {
		m.cursors[name] = customerID
	}
	return nil
}

func (m *MemoryStore) RecordDiscrepancy(ctx context.Context, d types.Discrepancy) error {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	m.discrepancies = append(m.discrepancies, d)
	return nil
}

func (m *MemoryStore) ListDiscrepancies(ctx context.Context, limit int) ([]types.Discrepancy, error) {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	if limit <= 0 {
		limit = 100
	}
	out := make([]types.Discrepancy, 0, limit)
	for i := len(m.discrepancies) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.discrepancies[i])
	}
	return out, nil
}

func (m *MemoryStore) Close() error {
	return nil
}
