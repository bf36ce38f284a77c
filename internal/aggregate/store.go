// Package aggregate stores the materialized per-customer spend totals.
//
// Every write is guarded by the ledger sequence it reflects: ApplyDelta only
// moves a record forward (sequence > last applied) and Set overwrites only at
// or after the last applied sequence, so a stale recompute can never undo a
// newer event and a replayed event is a no-op.
package aggregate

import (
	"context"

	"github.com/arkilian/rollup/pkg/types"
)

// Store owns the total_spent value of every customer.
type Store interface {
	// Get returns the aggregate of a customer. A customer with no record has
	// a zero total and sequence 0.
	Get(ctx context.Context, customerID string) (types.CustomerAggregate, error)

	// ApplyDelta adds delta when sequence > last applied sequence. It returns
	// false, with no error, when the guard rejects the write.
	ApplyDelta(ctx context.Context, customerID string, delta types.Amount, sequence uint64) (bool, error)

	// Set overwrites the total when sequence >= last applied sequence.
	Set(ctx context.Context, customerID string, total types.Amount, sequence uint64) (bool, error)

	// List returns up to limit aggregates with customer_id > after, in
	// customer_id order.
	List(ctx context.Context, after string, limit int) ([]types.CustomerAggregate, error)

	Close() error
}

// StateStore keeps the bookkeeping of the maintainers and the auditor next
// to the aggregates they describe.
type StateStore interface {
	// LoadCheckpoint returns the saved sequence for name, or 0.
	LoadCheckpoint(ctx context.Context, name string) (uint64, error)

	// SaveCheckpoint stores sequence for name. Checkpoints never move backwards.
	SaveCheckpoint(ctx context.Context, name string, sequence uint64) error

	// LoadCursor returns the last completed customer of a resumable pass, or "".
	LoadCursor(ctx context.Context, name string) (string, error)

	// SaveCursor stores the cursor; an empty customerID resets it.
	SaveCursor(ctx context.Context, name, customerID string) error

	RecordDiscrepancy(ctx context.Context, d types.Discrepancy) error

	// ListDiscrepancies returns the most recent discrepancies first.
	ListDiscrepancies(ctx context.Context, limit int) ([]types.Discrepancy, error)
}

// Backend is a Store with its bookkeeping.
type Backend interface {
	Store
	StateStore
}

// Options control write behaviour shared by all implementations.
type Options struct {
	// RequireExisting makes ApplyDelta and Set fail with NOT_FOUND for a
	// customer that has no record instead of creating one.
	RequireExisting bool
}

// Creator registers customers explicitly, for stores running with
// RequireExisting.
type Creator interface {
	// Create inserts an empty aggregate for customerID if none exists.
	Create(ctx context.Context, customerID string) error
}
