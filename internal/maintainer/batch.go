package maintainer

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	rerrors "github.com/arkilian/rollup/internal/errors"
	"github.com/arkilian/rollup/internal/router"
	"golang.org/x/sync/errgroup"
)

// BatchMode selects which customers a batch run recomputes.
type BatchMode string

const (
	// BatchIncremental recomputes customers touched since the last run.
	BatchIncremental BatchMode = "incremental"

	// BatchFull recomputes every customer known to the ledger or the store.
	BatchFull BatchMode = "full"
)

// BatchConfig holds configuration for the batch maintainer.
type BatchConfig struct {
	Mode BatchMode

	// Parallelism caps concurrent recomputes (default: 4).
	Parallelism int

	// WriteTimeout bounds a single store write (default: 5s).
	WriteTimeout time.Duration

	// ListPageSize is the page size used to enumerate customers (default: 500).
	ListPageSize int
}

// DefaultBatchConfig returns the default batch maintainer configuration.
func DefaultBatchConfig() BatchConfig {
	return BatchConfig{
		Mode:         BatchIncremental,
		Parallelism:  4,
		WriteTimeout: 5 * time.Second,
		ListPageSize: 500,
	}
}

// BatchMaintainer periodically recomputes totals from the ledger. It keeps
// no per-event state: each customer is read at a ledger snapshot and
// written with Set at that snapshot's sequence.
type BatchMaintainer struct {
	cfg  BatchConfig
	deps Deps

	runMu sync.Mutex

	resultMu   sync.Mutex
	lastResult *PassResult
}

// NewBatchMaintainer creates a batch maintainer.
func NewBatchMaintainer(cfg BatchConfig, deps Deps) (*BatchMaintainer, error) {
	def := DefaultBatchConfig()
	if cfg.Mode == "" {
		cfg.Mode = def.Mode
	}
	if cfg.Mode != BatchIncremental && cfg.Mode != BatchFull {
		return nil, fmt.Errorf("maintainer: unknown batch mode %q", cfg.Mode)
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = def.Parallelism
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.ListPageSize <= 0 {
		cfg.ListPageSize = def.ListPageSize
	}
	if deps.Ledger == nil || deps.Store == nil {
		return nil, fmt.Errorf("maintainer: ledger and store are required")
	}

	deps = deps.withDefaults()
	deps.Logger = deps.Logger.Named("batch")
	return &BatchMaintainer{cfg: cfg, deps: deps}, nil
}

// Name implements Reconciler.
func (m *BatchMaintainer) Name() string {
	return "batch"
}

// LastResult returns the result of the most recent run, or nil.
func (m *BatchMaintainer) LastResult() *PassResult {
	m.resultMu.Lock()
	defer m.resultMu.Unlock()
	return m.lastResult
}

// Reconcile runs one batch in the configured mode.
func (m *BatchMaintainer) Reconcile(ctx context.Context) (*PassResult, error) {
	return m.run(ctx, m.cfg.Mode)
}

// Rebuild recomputes every customer regardless of the configured mode.
func (m *BatchMaintainer) Rebuild(ctx context.Context) (*PassResult, error) {
	return m.run(ctx, BatchFull)
}

func (m *BatchMaintainer) run(ctx context.Context, mode BatchMode) (*PassResult, error) {
	m.runMu.Lock()
	defer m.runMu.Unlock()

	started := time.Now()
	since, err := m.deps.Store.LoadCheckpoint(ctx, CheckpointBatch)
	if err != nil {
		m.deps.Metrics.BatchRuns.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("maintainer: failed to load batch checkpoint: %w", err)
	}

	res := &PassResult{Strategy: m.Name(), From: since, StartedAt: started.UTC()}
	defer func() {
		res.Duration = time.Since(started)
		m.resultMu.Lock()
		m.lastResult = res
		m.resultMu.Unlock()
	}()

	customers, asOf, err := m.customers(ctx, mode, since)
	if err != nil {
		m.deps.Metrics.BatchRuns.WithLabelValues("error").Inc()
		return res, fmt.Errorf("maintainer: failed to enumerate customers: %w", err)
	}
	res.To = asOf

	m.deps.Backpressure.AdjustConcurrency()
	limit := m.cfg.Parallelism
	if c := m.deps.Backpressure.Concurrency(); c < limit {
		limit = c
	}

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(limit)
	for _, customerID := range customers {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			o := m.recompute(ctx, customerID)
			mu.Lock()
			defer mu.Unlock()
			switch o {
			case outcomeApplied:
				res.Recomputed++
			case outcomeSkipped:
				res.Skipped++
			case outcomeFailed:
				res.Failed++
			}
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		m.deps.Metrics.BatchRuns.WithLabelValues("cancelled").Inc()
		return res, err
	}
	if res.Failed > 0 {
		// The next run covers the same range again.
		m.deps.Metrics.BatchRuns.WithLabelValues("partial").Inc()
		m.deps.Logger.Warn("batch run incomplete", "mode", mode, "customers", len(customers), "failed", res.Failed)
		return res, nil
	}

	if err := m.deps.Store.SaveCheckpoint(ctx, CheckpointBatch, asOf); err != nil {
		m.deps.Metrics.BatchRuns.WithLabelValues("error").Inc()
		return res, fmt.Errorf("maintainer: failed to save batch checkpoint: %w", err)
	}
	m.deps.Metrics.BatchRuns.WithLabelValues("ok").Inc()
	m.deps.Logger.Info("batch run complete", "mode", mode, "customers", len(customers),
		"recomputed", res.Recomputed, "skipped", res.Skipped, "as_of", asOf)
	return res, nil
}

// customers returns the customers a run covers and the ledger sequence
// the list reflects.
func (m *BatchMaintainer) customers(ctx context.Context, mode BatchMode, since uint64) ([]string, uint64, error) {
	if mode == BatchIncremental {
		return m.deps.Ledger.TouchedCustomers(ctx, since)
	}

	asOf, err := m.deps.Ledger.LatestSequence(ctx)
	if err != nil {
		return nil, 0, err
	}
	seen := make(map[string]bool)
	after := ""
	for {
		page, err := m.deps.Ledger.ListCustomers(ctx, after, m.cfg.ListPageSize)
		if err != nil {
			return nil, 0, err
		}
		for _, c := range page {
			seen[c] = true
		}
		if len(page) < m.cfg.ListPageSize {
			break
		}
		after = page[len(page)-1]
	}
	// Customers whose orders are all gone still have a stored total to reset.
	after = ""
	for {
		page, err := m.deps.Store.List(ctx, after, m.cfg.ListPageSize)
		if err != nil {
			return nil, 0, err
		}
		for _, agg := range page {
			seen[agg.CustomerID] = true
		}
		if len(page) < m.cfg.ListPageSize {
			break
		}
		after = page[len(page)-1].CustomerID
	}

	out := make([]string, 0, len(seen))
	for c := range seen {
		out = append(out, c)
	}
	sort.Strings(out)
	return out, asOf, nil
}

func (m *BatchMaintainer) recompute(ctx context.Context, customerID string) outcome {
	total, asOf, err := Recompute(ctx, m.deps.Ledger, m.deps.Policy, customerID)
	if err != nil {
		if rerrors.IsDataIntegrity(err) {
			m.deps.Logger.Warn("cannot recompute customer", "customer_id", customerID, "error", err)
			return outcomeSkipped
		}
		if ctx.Err() == nil {
			m.deps.Logger.Warn("ledger read failed", "customer_id", customerID, "error", err)
		}
		return outcomeFailed
	}

	wctx, cancel := context.WithTimeout(ctx, m.cfg.WriteTimeout)
	defer cancel()
	applied, err := m.deps.Store.Set(wctx, customerID, total, asOf)
	if err != nil {
		if rerrors.IsNotFound(err) {
			return outcomeSkipped
		}
		m.deps.Backpressure.RecordFailure()
		m.deps.Logger.Warn("failed to store recomputed total", "customer_id", customerID, "error", err)
		return outcomeFailed
	}
	m.deps.Backpressure.RecordSuccess()
	if !applied {
		// The store already reflects a newer sequence.
		return outcomeSkipped
	}
	m.deps.Metrics.BatchRecomputes.Inc()
	m.deps.publish(router.AggregateUpdated, customerID, asOf)
	return outcomeApplied
}
