// Package maintainer keeps the aggregate store in step with the ledger.
// EventMaintainer applies per-mutation deltas as they are committed;
// BatchMaintainer recomputes totals from the ledger on a schedule. Both
// write through the store's sequence guard and can run side by side.
package maintainer

import (
	"context"
	"fmt"

	rerrors "github.com/arkilian/rollup/internal/errors"
	"github.com/arkilian/rollup/internal/ledger"
	"github.com/arkilian/rollup/internal/policy"
	"github.com/arkilian/rollup/pkg/types"
)

// ComputeDelta returns the change to the customer's total implied by ev:
//
//	insert: +new if new counts
//	update: (new counts ? new : 0) - (old counted ? old : 0)
//	delete: -old if old counted
func ComputeDelta(p *policy.InclusionPolicy, ev types.MutationEvent) (types.Amount, error) {
	if ev.CustomerID == "" {
		return 0, malformed(ev, "missing customer_id")
	}
	if ev.Sequence == 0 {
		return 0, malformed(ev, "missing sequence")
	}

	switch ev.Kind {
	case types.MutationInsert:
		if ev.New == nil {
			return 0, malformed(ev, "insert without new state")
		}
		return p.Contribution(*ev.New)

	case types.MutationUpdate:
		if ev.Old == nil || ev.New == nil {
			return 0, malformed(ev, "update without old and new state")
		}
		newC, err := p.Contribution(*ev.New)
		if err != nil {
			return 0, err
		}
		oldC, err := p.Contribution(*ev.Old)
		if err != nil {
			return 0, err
		}
		return newC.Sub(oldC), nil

	case types.MutationDelete:
		if ev.Old == nil {
			return 0, malformed(ev, "delete without old state")
		}
		oldC, err := p.Contribution(*ev.Old)
		if err != nil {
			return 0, err
		}
		return oldC.Neg(), nil

	default:
		return 0, malformed(ev, fmt.Sprintf("unknown mutation kind %q", ev.Kind))
	}
}

func malformed(ev types.MutationEvent, reason string) error {
	return rerrors.NewValidationError(rerrors.CodeMalformedEvent,
		fmt.Sprintf("event seq=%d order=%s: %s", ev.Sequence, ev.OrderID, reason))
}

// Recompute derives a customer's total from the ledger. The returned
// sequence is the ledger snapshot the facts were read at.
func Recompute(ctx context.Context, l ledger.Reader, p *policy.InclusionPolicy, customerID string) (types.Amount, uint64, error) {
	facts, asOf, err := l.QueryOrders(ctx, customerID)
	if err != nil {
		return 0, 0, err
	}
	total, err := p.Total(facts)
	if err != nil {
		return 0, 0, fmt.Errorf("customer %s: %w", customerID, err)
	}
	return total, asOf, nil
}
