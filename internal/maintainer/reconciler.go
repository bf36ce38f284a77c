package maintainer

import (
	"context"
	"time"

	"github.com/arkilian/rollup/internal/aggregate"
	"github.com/arkilian/rollup/internal/ledger"
	"github.com/arkilian/rollup/internal/logging"
	"github.com/arkilian/rollup/internal/metrics"
	"github.com/arkilian/rollup/internal/policy"
	"github.com/arkilian/rollup/internal/quarantine"
	"github.com/arkilian/rollup/internal/router"
)

// Checkpoint names in the aggregate store.
const (
	CheckpointEvents = "events"
	CheckpointBatch  = "batch"
)

// Reconciler is one maintenance strategy. Each call runs a single pass.
type Reconciler interface {
	Name() string
	Reconcile(ctx context.Context) (*PassResult, error)
}

// PassResult summarizes one Reconcile call.
type PassResult struct {
	Strategy string `json:"strategy"`

	// From and To are the checkpoint before and after the pass. For the
	// batch strategy To is the ledger snapshot the run covered.
	From uint64 `json:"from"`
	To   uint64 `json:"to"`

	Applied     int `json:"applied"`
	Skipped     int `json:"skipped"`
	Quarantined int `json:"quarantined"`
	Failed      int `json:"failed"`
	Deferred    int `json:"deferred"`
	Recomputed  int `json:"recomputed"`

	// Paused is set when backpressure cut the pass short.
	Paused bool `json:"paused"`

	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
}

// Quarantiner durably records events that cannot be applied.
type Quarantiner interface {
	Append(rec quarantine.Record) (string, bool, error)
}

// Deps are the collaborators shared by both strategies.
type Deps struct {
	Ledger ledger.Reader
	Store  aggregate.Backend
	Policy *policy.InclusionPolicy

	// Journal receives data-integrity failures. Required by EventMaintainer.
	Journal Quarantiner

	// Optional
	Notifier     *router.Notifier
	Metrics      *metrics.Registry
	Backpressure *BackpressureController
	Logger       *logging.Logger
}

func (d Deps) withDefaults() Deps {
	if d.Policy == nil {
		d.Policy = policy.Default()
	}
	if d.Metrics == nil {
		d.Metrics = metrics.New()
	}
	if d.Backpressure == nil {
		d.Backpressure = NewBackpressureController(DefaultBackpressureConfig())
	}
	if d.Logger == nil {
		d.Logger = logging.NewNop()
	}
	return d
}

func (d Deps) publish(typ router.NotificationType, customerID string, sequence uint64) {
	if d.Notifier == nil {
		return
	}
	d.Notifier.Publish(router.Notification{Type: typ, CustomerID: customerID, Sequence: sequence})
}
