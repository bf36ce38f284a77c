// Package audit recomputes customer totals from the ledger, compares them
// with the aggregate store and corrects drift.
package audit

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/arkilian/rollup/internal/aggregate"
	rerrors "github.com/arkilian/rollup/internal/errors"
	"github.com/arkilian/rollup/internal/ledger"
	"github.com/arkilian/rollup/internal/logging"
	"github.com/arkilian/rollup/internal/maintainer"
	"github.com/arkilian/rollup/internal/metrics"
	"github.com/arkilian/rollup/internal/policy"
	"github.com/arkilian/rollup/internal/router"
	"github.com/arkilian/rollup/pkg/types"
	"github.com/google/uuid"
)

// CursorName is the audit_cursors entry of the full pass.
const CursorName = "audit"

// Config holds configuration for the checker.
type Config struct {
	// Epsilon is the tolerated absolute drift (default: 0).
	Epsilon types.Amount

	// PageSize is how many customers are listed per page (default: 200).
	PageSize int

	// WriteTimeout bounds a single correction (default: 5s).
	WriteTimeout time.Duration
}

// DefaultConfig returns the default checker configuration.
func DefaultConfig() Config {
	return Config{PageSize: 200, WriteTimeout: 5 * time.Second}
}

// Deps are the checker's collaborators.
type Deps struct {
	Ledger ledger.Reader
	Store  aggregate.Backend
	Policy *policy.InclusionPolicy

	// Optional
	Notifier *router.Notifier
	Metrics  *metrics.Registry
	Logger   *logging.Logger
}

// Scope selects what an audit covers. The zero Scope is every customer.
type Scope struct {
	CustomerID string
}

// All reports whether the scope covers every customer.
func (s Scope) All() bool {
	return s.CustomerID == ""
}

func (s Scope) String() string {
	if s.All() {
		return "all"
	}
	return "customer:" + s.CustomerID
}

// Report summarizes one audit.
type Report struct {
	RunID string `json:"run_id"`
	Scope string `json:"scope"`

	// ResumedAfter is the cursor the pass continued from, if any.
	ResumedAfter string `json:"resumed_after,omitempty"`

	CustomersChecked int `json:"customers_checked"`

	// Skipped counts customers whose facts violate the inclusion policy
	// or whose aggregate moved past the snapshot while being checked.
	Skipped int `json:"skipped"`

	Discrepancies []types.Discrepancy `json:"discrepancies"`

	// Complete is false when the pass stopped before the last customer.
	Complete bool `json:"complete"`

	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Corrected returns how many discrepancies were written back.
func (r *Report) Corrected() int {
	n := 0
	for _, d := range r.Discrepancies {
		if d.Corrected {
			n++
		}
	}
	return n
}

// Checker is the consistency checker.
type Checker struct {
	cfg      Config
	ledger   ledger.Reader
	store    aggregate.Backend
	policy   *policy.InclusionPolicy
	notifier *router.Notifier
	metrics  *metrics.Registry
	logger   *logging.Logger

	passMu sync.Mutex // one full pass at a time; it owns the cursor

	reportMu   sync.Mutex
	lastReport *Report
}

// NewChecker creates a checker.
func NewChecker(cfg Config, deps Deps) (*Checker, error) {
	if deps.Ledger == nil || deps.Store == nil {
		return nil, fmt.Errorf("audit: ledger and store are required")
	}
	if cfg.Epsilon.IsNegative() {
		return nil, fmt.Errorf("audit: epsilon must not be negative")
	}
	def := DefaultConfig()
	if cfg.PageSize <= 0 {
		cfg.PageSize = def.PageSize
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if deps.Policy == nil {
		deps.Policy = policy.Default()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New()
	}
	if deps.Logger == nil {
		deps.Logger = logging.NewNop()
	}

	return &Checker{
		cfg:      cfg,
		ledger:   deps.Ledger,
		store:    deps.Store,
		policy:   deps.Policy,
		notifier: deps.Notifier,
		metrics:  deps.Metrics,
		logger:   deps.Logger.Named("audit"),
	}, nil
}

// Name implements daemon.Task.
func (c *Checker) Name() string {
	return "audit"
}

// RunOnce audits every customer. It implements daemon.Task.
func (c *Checker) RunOnce(ctx context.Context) error {
	_, err := c.Audit(ctx, Scope{})
	return err
}

// LastReport returns the report of the most recent full pass, or nil.
func (c *Checker) LastReport() *Report {
	c.reportMu.Lock()
	defer c.reportMu.Unlock()
	return c.lastReport
}

// Audit checks the customers in scope. A full pass walks customers in
// customer_id order and persists its position after each one, so an
// interrupted pass resumes where it stopped.
func (c *Checker) Audit(ctx context.Context, scope Scope) (*Report, error) {
	report := &Report{
		RunID:         uuid.NewString(),
		Scope:         scope.String(),
		Discrepancies: []types.Discrepancy{},
		StartedAt:     time.Now().UTC(),
	}
	logger := c.logger.With("run_id", report.RunID, "scope", report.Scope)

	var err error
	if scope.All() {
		c.passMu.Lock()
		err = c.auditAll(ctx, report)
		c.passMu.Unlock()
	} else {
		err = c.auditCustomer(ctx, scope.CustomerID, report)
		report.Complete = err == nil
	}
	report.FinishedAt = time.Now().UTC()

	switch {
	case err != nil:
		c.metrics.AuditRuns.WithLabelValues("error").Inc()
		if ctx.Err() == nil {
			logger.Error("audit failed", "checked", report.CustomersChecked, "error", err)
		}
	case len(report.Discrepancies) > 0:
		c.metrics.AuditRuns.WithLabelValues("drift").Inc()
		logger.Warn("audit found discrepancies",
			"code", rerrors.CodeDiscrepancyDetected,
			"checked", report.CustomersChecked,
			"discrepancies", len(report.Discrepancies),
			"corrected", report.Corrected())
	default:
		c.metrics.AuditRuns.WithLabelValues("ok").Inc()
		logger.Info("audit clean", "checked", report.CustomersChecked, "skipped", report.Skipped)
	}

	if scope.All() {
		c.reportMu.Lock()
		c.lastReport = report
		c.reportMu.Unlock()
	}
	return report, err
}

func (c *Checker) auditAll(ctx context.Context, report *Report) error {
	after, err := c.store.LoadCursor(ctx, CursorName)
	if err != nil {
		return fmt.Errorf("audit: failed to load cursor: %w", err)
	}
	report.ResumedAfter = after

	for {
		page, more, err := c.nextPage(ctx, after)
		if err != nil {
			return err
		}
		for _, customerID := range page {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := c.auditCustomer(ctx, customerID, report); err != nil {
				return err
			}
			// Persist progress even when the pass is being cancelled.
			sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.WriteTimeout)
			err := c.store.SaveCursor(sctx, CursorName, customerID)
			cancel()
			if err != nil {
				return fmt.Errorf("audit: failed to save cursor: %w", err)
			}
			after = customerID
		}
		if !more {
			break
		}
	}

	if err := c.store.SaveCursor(ctx, CursorName, ""); err != nil {
		return fmt.Errorf("audit: failed to reset cursor: %w", err)
	}
	report.Complete = true
	return nil
}

// nextPage returns the next customers after the cursor known to either the
// ledger or the store, in order. Both sources are listed; the merged page
// stops at the smaller last key of a full source page so no customer is
// skipped.
func (c *Checker) nextPage(ctx context.Context, after string) ([]string, bool, error) {
	fromLedger, err := c.ledger.ListCustomers(ctx, after, c.cfg.PageSize)
	if err != nil {
		return nil, false, fmt.Errorf("audit: failed to list ledger customers: %w", err)
	}
	fromStore, err := c.store.List(ctx, after, c.cfg.PageSize)
	if err != nil {
		return nil, false, fmt.Errorf("audit: failed to list aggregates: %w", err)
	}

	bound, more := "", false
	if len(fromLedger) >= c.cfg.PageSize {
		bound, more = fromLedger[len(fromLedger)-1], true
	}
	if len(fromStore) >= c.cfg.PageSize {
		last := fromStore[len(fromStore)-1].CustomerID
		if !more || last < bound {
			bound = last
		}
		more = true
	}

	seen := make(map[string]bool, len(fromLedger)+len(fromStore))
	add := func(id string) {
		if more && id > bound {
			return
		}
		seen[id] = true
	}
	for _, id := range fromLedger {
		add(id)
	}
	for _, agg := range fromStore {
		add(agg.CustomerID)
	}

	page := make([]string, 0, len(seen))
	for id := range seen {
		page = append(page, id)
	}
	sort.Strings(page)
	return page, more, nil
}

// auditCustomer compares one customer and corrects drift. Only ledger and
// store failures are returned.
func (c *Checker) auditCustomer(ctx context.Context, customerID string, report *Report) error {
	want, asOf, err := maintainer.Recompute(ctx, c.ledger, c.policy, customerID)
	if err != nil {
		if rerrors.IsDataIntegrity(err) {
			report.Skipped++
			c.logger.Warn("cannot recompute customer", "customer_id", customerID, "error", err)
			return nil
		}
		return fmt.Errorf("audit: failed to recompute %s: %w", customerID, err)
	}

	agg, err := c.store.Get(ctx, customerID)
	if err != nil {
		return fmt.Errorf("audit: failed to read aggregate %s: %w", customerID, err)
	}
	report.CustomersChecked++
	c.metrics.AuditCustomersChecked.Inc()

	if agg.LastAppliedSequence > asOf {
		// The aggregate moved on after the snapshot was read; the next
		// pass sees the newer state.
		report.Skipped++
		return nil
	}
	if agg.TotalSpent.Sub(want).Abs() <= c.cfg.Epsilon {
		return nil
	}

	d := types.Discrepancy{
		CustomerID: customerID,
		Stored:     agg.TotalSpent,
		Recomputed: want,
		Sequence:   asOf,
		DetectedAt: time.Now().UTC(),
	}

	wctx, cancel := context.WithTimeout(ctx, c.cfg.WriteTimeout)
	applied, err := c.store.Set(wctx, customerID, want, asOf)
	cancel()
	if err != nil && !rerrors.IsNotFound(err) {
		return fmt.Errorf("audit: failed to correct %s: %w", customerID, err)
	}
	d.Corrected = applied

	if err := c.store.RecordDiscrepancy(ctx, d); err != nil {
		return fmt.Errorf("audit: failed to record discrepancy for %s: %w", customerID, err)
	}
	report.Discrepancies = append(report.Discrepancies, d)
	c.metrics.AuditDiscrepancies.Inc()
	c.logger.Warn("aggregate drift",
		"code", rerrors.CodeDiscrepancyDetected,
		"customer_id", customerID,
		"stored", d.Stored.String(),
		"recomputed", d.Recomputed.String(),
		"drift", d.Drift().String(),
		"sequence", asOf,
		"corrected", d.Corrected)

	if d.Corrected && c.notifier != nil {
		c.notifier.Publish(router.Notification{
			Type:       router.DiscrepancyCorrected,
			CustomerID: customerID,
			Sequence:   asOf,
		})
	}
	return nil
}
