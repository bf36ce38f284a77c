// Package policy decides which orders contribute to a customer's total_spent.
package policy

import (
	"fmt"
	"sort"

	rerrors "github.com/arkilian/rollup/internal/errors"
	"github.com/arkilian/rollup/pkg/types"
)

// InclusionPolicy maps every known order status to counted or not counted.
// Partially refunded and split orders are not modelled; a status outside the
// known set is an error, never silently excluded.
type InclusionPolicy struct {
	counted map[types.OrderStatus]bool
}

// Default counts every status except cancelled.
func Default() *InclusionPolicy {
	p, _ := New([]string{
		string(types.StatusPending),
		string(types.StatusShipped),
		string(types.StatusDelivered),
	})
	return p
}

// New builds a policy that counts the named statuses.
func New(countedStatuses []string) (*InclusionPolicy, error) {
	if len(countedStatuses) == 0 {
		return nil, fmt.Errorf("policy: at least one counted status is required")
	}

	counted := make(map[types.OrderStatus]bool, len(types.AllStatuses()))
	for _, st := range types.AllStatuses() {
		counted[st] = false
	}
	for _, name := range countedStatuses {
		st, err := types.ParseOrderStatus(name)
		if err != nil {
			return nil, fmt.Errorf("policy: %w", err)
		}
		counted[st] = true
	}
	return &InclusionPolicy{counted: counted}, nil
}

// Counts reports whether an order in the given status contributes to the total.
func (p *InclusionPolicy) Counts(status types.OrderStatus) (bool, error) {
	c, ok := p.counted[status]
	if !ok {
		return false, rerrors.NewValidationError(rerrors.CodeInclusionPolicyAmbiguous,
			fmt.Sprintf("status %q is not covered by the inclusion policy", status))
	}
	return c, nil
}

// Contribution returns the amount an order in state s adds to the total.
func (p *InclusionPolicy) Contribution(s types.OrderState) (types.Amount, error) {
	if s.Amount.IsNegative() {
		return 0, rerrors.NewValidationError(rerrors.CodeNegativeAmount,
			fmt.Sprintf("amount %s is negative", s.Amount))
	}
	counts, err := p.Counts(s.Status)
	if err != nil {
		return 0, err
	}
	if !counts {
		return 0, nil
	}
	return s.Amount, nil
}

// Total sums the contributions of the given facts.
func (p *InclusionPolicy) Total(facts []types.OrderFact) (types.Amount, error) {
	var total types.Amount
	for _, f := range facts {
		c, err := p.Contribution(f.State())
		if err != nil {
			return 0, fmt.Errorf("order %s: %w", f.OrderID, err)
		}
		total = total.Add(c)
	}
	return total, nil
}

// CountedStatuses returns the counted statuses in sorted order.
func (p *InclusionPolicy) CountedStatuses() []types.OrderStatus {
	var out []types.OrderStatus
	for st, c := range p.counted {
		if c {
			out = append(out, st)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
