package types

import "time"

// CustomerAggregate is the denormalized spend total of one customer.
type CustomerAggregate struct {
	CustomerID string `json:"customer_id"`

	// TotalSpent is the sum of counted order amounts
	TotalSpent Amount `json:"total_spent"`

	// LastAppliedSequence is the highest ledger sequence reflected in TotalSpent
	LastAppliedSequence uint64 `json:"last_applied_sequence"`

	UpdatedAt time.Time `json:"updated_at"`
}

// Discrepancy is a mismatch between a stored and a recomputed total.
type Discrepancy struct {
	CustomerID string `json:"customer_id"`
	Stored     Amount `json:"stored"`
	Recomputed Amount `json:"recomputed"`

	// Sequence is the ledger sequence the recompute was taken at
	Sequence uint64 `json:"sequence"`

	// Corrected is true when the store accepted the recomputed total
	Corrected bool `json:"corrected"`

	DetectedAt time.Time `json:"detected_at"`
}

// Drift returns Stored - Recomputed.
func (d Discrepancy) Drift() Amount {
	return d.Stored.Sub(d.Recomputed)
}
