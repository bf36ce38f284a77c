package maintainer

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	rerrors "github.com/arkilian/rollup/internal/errors"
	"github.com/arkilian/rollup/internal/quarantine"
	"github.com/arkilian/rollup/internal/router"
	"github.com/arkilian/rollup/pkg/types"
	"github.com/spaolacci/murmur3"
	"golang.org/x/sync/errgroup"
)

// EventConfig holds configuration for the event-driven maintainer.
type EventConfig struct {
	// Lanes is the number of concurrent apply lanes (default: 8).
	Lanes int

	// PageSize is how many mutations are dispatched per batch (default: 500).
	PageSize int

	// ApplyTimeout bounds a single store write (default: 5s).
	ApplyTimeout time.Duration

	// MaxRetries is the number of retries after a retryable failure (default: 5).
	MaxRetries int

	// RetryBaseDelay is the first backoff delay; it doubles per retry (default: 100ms).
	RetryBaseDelay time.Duration

	// MaxRetryDelay caps the backoff delay (default: 5s).
	MaxRetryDelay time.Duration
}

// DefaultEventConfig returns the default event maintainer configuration.
func DefaultEventConfig() EventConfig {
	return EventConfig{
		Lanes:          8,
		PageSize:       500,
		ApplyTimeout:   5 * time.Second,
		MaxRetries:     5,
		RetryBaseDelay: 100 * time.Millisecond,
		MaxRetryDelay:  5 * time.Second,
	}
}

type outcome int

const (
	outcomeApplied outcome = iota
	outcomeSkipped
	outcomeQuarantined
	outcomeFailed
	outcomeDeferred
)

// handled reports whether the event needs no redelivery.
func (o outcome) handled() bool {
	return o == outcomeApplied || o == outcomeSkipped || o == outcomeQuarantined
}

// EventMaintainer applies mutation deltas to the aggregate store.
//
// Events are spread over lanes by customer, so one customer's events are
// applied in stream order while different customers proceed in parallel.
// The checkpoint only advances over a contiguous prefix of handled events;
// anything after a failed event is redelivered on the next pass and
// deduplicated by the store's sequence guard.
type EventMaintainer struct {
	cfg  EventConfig
	deps Deps

	passMu sync.Mutex // one pass at a time

	resultMu   sync.Mutex
	lastResult *PassResult
}

// NewEventMaintainer creates an event-driven maintainer.
func NewEventMaintainer(cfg EventConfig, deps Deps) (*EventMaintainer, error) {
	def := DefaultEventConfig()
	if cfg.Lanes <= 0 {
		cfg.Lanes = def.Lanes
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = def.PageSize
	}
	if cfg.ApplyTimeout <= 0 {
		cfg.ApplyTimeout = def.ApplyTimeout
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = def.RetryBaseDelay
	}
	if cfg.MaxRetryDelay <= 0 {
		cfg.MaxRetryDelay = def.MaxRetryDelay
	}
	if deps.Ledger == nil || deps.Store == nil {
		return nil, fmt.Errorf("maintainer: ledger and store are required")
	}
	if deps.Journal == nil {
		return nil, fmt.Errorf("maintainer: quarantine journal is required")
	}

	deps = deps.withDefaults()
	deps.Logger = deps.Logger.Named("events")
	return &EventMaintainer{cfg: cfg, deps: deps}, nil
}

// Name implements Reconciler.
func (m *EventMaintainer) Name() string {
	return "events"
}

// LastResult returns the result of the most recent pass, or nil.
func (m *EventMaintainer) LastResult() *PassResult {
	m.resultMu.Lock()
	defer m.resultMu.Unlock()
	return m.lastResult
}

func (m *EventMaintainer) lane(customerID string) int {
	return int(murmur3.Sum32([]byte(customerID)) % uint32(m.cfg.Lanes))
}

// passState is carried across the batches of one pass.
type passState struct {
	result  *PassResult
	blocked []map[string]bool // per lane: customers with a failed event in this pass
	stuck   bool              // the checkpoint can no longer advance this pass
	saved   uint64
}

// Reconcile streams every mutation after the checkpoint and applies it.
func (m *EventMaintainer) Reconcile(ctx context.Context) (*PassResult, error) {
	m.passMu.Lock()
	defer m.passMu.Unlock()

	started := time.Now()
	checkpoint, err := m.deps.Store.LoadCheckpoint(ctx, CheckpointEvents)
	if err != nil {
		return nil, fmt.Errorf("maintainer: failed to load checkpoint: %w", err)
	}

	st := &passState{
		result:  &PassResult{Strategy: m.Name(), From: checkpoint, To: checkpoint, StartedAt: started.UTC()},
		blocked: make([]map[string]bool, m.cfg.Lanes),
		saved:   checkpoint,
	}
	for i := range st.blocked {
		st.blocked[i] = make(map[string]bool)
	}
	defer func() {
		st.result.Duration = time.Since(started)
		m.resultMu.Lock()
		m.lastResult = st.result
		m.resultMu.Unlock()
	}()

	if m.shouldPause(ctx, checkpoint) {
		st.result.Paused = true
		m.deps.Metrics.PassesPaused.Inc()
		m.deps.Logger.Warn("pass paused by backpressure", "checkpoint", checkpoint,
			"failure_rate", m.deps.Backpressure.FailureRate())
		return st.result, nil
	}

	stream := m.deps.Ledger.StreamMutations(ctx, checkpoint)
	defer stream.Close()

	batch := make([]types.MutationEvent, 0, m.cfg.PageSize)
	for stream.Next() {
		batch = append(batch, stream.Event())
		if len(batch) < m.cfg.PageSize {
			continue
		}
		if err := m.processBatch(ctx, batch, st); err != nil {
			return st.result, err
		}
		batch = batch[:0]
		if m.shouldPause(ctx, st.result.To) {
			st.result.Paused = true
			m.deps.Metrics.PassesPaused.Inc()
			break
		}
	}
	streamErr := stream.Err()
	if len(batch) > 0 && !st.result.Paused {
		if err := m.processBatch(ctx, batch, st); err != nil {
			return st.result, err
		}
	}
	if streamErr != nil {
		return st.result, fmt.Errorf("maintainer: mutation stream failed: %w", streamErr)
	}

	if st.result.Applied+st.result.Quarantined+st.result.Failed > 0 {
		m.deps.Logger.Info("event pass complete",
			"from", st.result.From, "to", st.result.To,
			"applied", st.result.Applied, "skipped", st.result.Skipped,
			"quarantined", st.result.Quarantined, "failed", st.result.Failed,
			"deferred", st.result.Deferred)
	}
	return st.result, nil
}

func (m *EventMaintainer) shouldPause(ctx context.Context, checkpoint uint64) bool {
	latest, err := m.deps.Ledger.LatestSequence(ctx)
	if err != nil || latest <= checkpoint {
		return false
	}
	return m.deps.Backpressure.ShouldPause(int(latest - checkpoint))
}

// processBatch applies one batch across the lanes, then advances and
// persists the checkpoint.
func (m *EventMaintainer) processBatch(ctx context.Context, batch []types.MutationEvent, st *passState) error {
	outcomes := make([]outcome, len(batch))
	byLane := make([][]int, m.cfg.Lanes)
	for i, ev := range batch {
		l := m.lane(ev.CustomerID)
		byLane[l] = append(byLane[l], i)
	}

	var g errgroup.Group
	for l, idxs := range byLane {
		if len(idxs) == 0 {
			continue
		}
		g.Go(func() error {
			blocked := st.blocked[l]
			for _, i := range idxs {
				ev := batch[i]
				if blocked[ev.CustomerID] {
					outcomes[i] = outcomeDeferred
					continue
				}
				outcomes[i] = m.handle(ctx, l, ev)
				if outcomes[i] == outcomeFailed {
					blocked[ev.CustomerID] = true
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	for i, o := range outcomes {
		switch o {
		case outcomeApplied:
			st.result.Applied++
		case outcomeSkipped:
			st.result.Skipped++
		case outcomeQuarantined:
			st.result.Quarantined++
		case outcomeFailed:
			st.result.Failed++
		case outcomeDeferred:
			st.result.Deferred++
		}
		if st.stuck {
			continue
		}
		if o.handled() {
			st.result.To = batch[i].Sequence
		} else {
			st.stuck = true
		}
	}

	if st.result.To > st.saved {
		// Persist progress even when the pass is being cancelled.
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.ApplyTimeout)
		defer cancel()
		if err := m.deps.Store.SaveCheckpoint(sctx, CheckpointEvents, st.result.To); err != nil {
			return fmt.Errorf("maintainer: failed to save checkpoint: %w", err)
		}
		st.saved = st.result.To
		m.deps.Metrics.Checkpoint.Set(float64(st.saved))
	}
	return nil
}

// handle applies one event with retries.
func (m *EventMaintainer) handle(ctx context.Context, lane int, ev types.MutationEvent) outcome {
	logger := m.deps.Logger

	delta, err := ComputeDelta(m.deps.Policy, ev)
	if err != nil {
		return m.quarantine(ev, err)
	}

	laneLabel := strconv.Itoa(lane)
	var lastErr error
	for attempt := 0; attempt <= m.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			m.deps.Metrics.ApplyRetries.Inc()
			if !sleep(ctx, m.backoff(attempt)) {
				return outcomeFailed
			}
		}

		actx, cancel := context.WithTimeout(ctx, m.cfg.ApplyTimeout)
		began := time.Now()
		applied, err := m.deps.Store.ApplyDelta(actx, ev.CustomerID, delta, ev.Sequence)
		cancel()
		m.deps.Metrics.ApplyLatency.WithLabelValues(laneLabel).Observe(time.Since(began).Seconds())

		if err == nil {
			m.deps.Backpressure.RecordSuccess()
			if !applied {
				m.deps.Metrics.EventsSkipped.Inc()
				logger.Debug("event already reflected in aggregate",
					"code", rerrors.CodeOutOfOrderEvent, "customer_id", ev.CustomerID, "sequence", ev.Sequence)
				return outcomeSkipped
			}
			m.deps.Metrics.EventsApplied.Inc()
			m.deps.publish(router.AggregateUpdated, ev.CustomerID, ev.Sequence)
			return outcomeApplied
		}

		if ctx.Err() != nil {
			return outcomeFailed
		}
		if rerrors.IsNotFound(err) {
			return m.quarantine(ev, err)
		}

		m.deps.Backpressure.RecordFailure()
		lastErr = err
		if !rerrors.IsRetryable(err) && !errors.Is(err, context.DeadlineExceeded) {
			break
		}
		logger.Debug("retrying event apply", "customer_id", ev.CustomerID, "sequence", ev.Sequence,
			"attempt", attempt+1, "error", err)
	}

	m.deps.Metrics.EventsFailed.Inc()
	logger.Warn("event left for redelivery",
		"code", rerrors.CodeRetriesExhausted, "lane", lane,
		"customer_id", ev.CustomerID, "sequence", ev.Sequence, "error", lastErr)
	return outcomeFailed
}

func (m *EventMaintainer) quarantine(ev types.MutationEvent, cause error) outcome {
	code := rerrors.GetCode(cause)
	if code == "" {
		code = rerrors.CodeMalformedEvent
	}

	id, added, err := m.deps.Journal.Append(quarantine.Record{
		Event:  ev,
		Code:   code,
		Reason: cause.Error(),
	})
	if err != nil {
		// Without a durable record the event must be redelivered.
		m.deps.Metrics.EventsFailed.Inc()
		m.deps.Logger.Error("failed to quarantine event", "sequence", ev.Sequence, "error", err)
		return outcomeFailed
	}
	if added {
		m.deps.Metrics.EventsQuarantined.WithLabelValues(code).Inc()
		m.deps.Logger.Warn("event quarantined",
			"quarantine_id", id, "code", code, "customer_id", ev.CustomerID,
			"order_id", ev.OrderID, "sequence", ev.Sequence, "reason", cause.Error())
	}
	return outcomeQuarantined
}

func (m *EventMaintainer) backoff(attempt int) time.Duration {
	d := m.cfg.RetryBaseDelay << uint(attempt-1)
	if d <= 0 || d > m.cfg.MaxRetryDelay {
		d = m.cfg.MaxRetryDelay
	}
	return d
}

// sleep waits for d or until ctx is done. It returns false if ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
