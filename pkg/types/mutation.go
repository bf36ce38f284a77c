package types

import (
	"fmt"
	"time"
)

// MutationKind classifies a ledger mutation.
type MutationKind string

const (
	MutationInsert MutationKind = "insert"
	MutationUpdate MutationKind = "update"
	MutationDelete MutationKind = "delete"
)

// ParseMutationKind parses a mutation kind name.
func ParseMutationKind(s string) (MutationKind, error) {
	switch k := MutationKind(s); k {
	case MutationInsert, MutationUpdate, MutationDelete:
		return k, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownMutationKind, s)
	}
}

// OrderState is the amount/status pair an order had before or after a mutation.
type OrderState struct {
	Amount Amount      `json:"amount"`
	Status OrderStatus `json:"status"`
}

// MutationEvent describes one committed change to the ledger.
//
// Old is set for update and delete, New for insert and update. Sequence is
// the ledger commit sequence; it is strictly increasing across the whole
// ledger and therefore within each customer.
type MutationEvent struct {
	Kind        MutationKind `json:"kind"`
	OrderID     string       `json:"order_id"`
	CustomerID  string       `json:"customer_id"`
	Old         *OrderState  `json:"old,omitempty"`
	New         *OrderState  `json:"new,omitempty"`
	Sequence    uint64       `json:"sequence"`
	CommittedAt time.Time    `json:"committed_at"`
}

// String returns a short description used in logs.
func (e MutationEvent) String() string {
	return fmt.Sprintf("%s order=%s customer=%s seq=%d", e.Kind, e.OrderID, e.CustomerID, e.Sequence)
}
