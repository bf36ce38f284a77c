// Package ledger is the source of truth for order facts. Every change is
// recorded as a mutation carrying a global commit sequence; maintainers
// consume the mutation stream and recomputes read consistent snapshots.
package ledger

import (
	"context"
	"fmt"
	"strings"

	rerrors "github.com/arkilian/rollup/internal/errors"
	"github.com/arkilian/rollup/pkg/types"
)

// Reader is the read side consumed by the maintainers and the auditor.
type Reader interface {
	// QueryOrders returns the customer's orders and the ledger sequence they
	// were read at. Both come from one read transaction, so the facts reflect
	// every mutation <= asOf and none after it.
	QueryOrders(ctx context.Context, customerID string) (facts []types.OrderFact, asOf uint64, err error)

	// StreamMutations returns mutations with sequence > since in order.
	StreamMutations(ctx context.Context, since uint64) *Stream

	// LatestSequence returns the highest committed sequence, or 0.
	LatestSequence(ctx context.Context) (uint64, error)

	// TouchedCustomers returns the customers with mutations after since,
	// sorted, and the sequence the list was taken at.
	TouchedCustomers(ctx context.Context, since uint64) (customers []string, asOf uint64, err error)

	// ListCustomers returns up to limit customers with orders, ordered,
	// starting after the given customer.
	ListCustomers(ctx context.Context, after string, limit int) ([]string, error)
}

// Writer mutates the order facts. Each call commits the order change and its
// mutation record atomically.
type Writer interface {
	PlaceOrder(ctx context.Context, order types.OrderFact) (types.MutationEvent, error)
	UpdateOrder(ctx context.Context, orderID string, change OrderChange) (types.MutationEvent, error)
	DeleteOrder(ctx context.Context, orderID string) (types.MutationEvent, error)
	GetOrder(ctx context.Context, orderID string) (types.OrderFact, error)
}

// Ledger is a readable and writable ledger.
type Ledger interface {
	Reader
	Writer
	Close() error
}

// OrderChange is a partial update of an order. Nil fields are unchanged.
type OrderChange struct {
	Amount *types.Amount
	Status *types.OrderStatus
}

// Empty reports whether the change modifies nothing.
func (c OrderChange) Empty() bool {
	return c.Amount == nil && c.Status == nil
}

func validateOrder(o types.OrderFact) error {
	if strings.TrimSpace(o.OrderID) == "" {
		return rerrors.NewValidationError(rerrors.CodeInvalidRequest, "order_id is required")
	}
	if strings.TrimSpace(o.CustomerID) == "" {
		return rerrors.NewValidationError(rerrors.CodeInvalidRequest, "customer_id is required")
	}
	return validateState(o.State())
}

func validateState(s types.OrderState) error {
	if s.Amount.IsNegative() {
		return rerrors.NewValidationError(rerrors.CodeNegativeAmount,
			fmt.Sprintf("amount %s is negative", s.Amount))
	}
	if !s.Status.Valid() {
		return rerrors.NewValidationError(rerrors.CodeInvalidRequest,
			fmt.Sprintf("unknown order status %q", s.Status))
	}
	return nil
}

func orderNotFound(orderID string) error {
	return rerrors.NewLedgerError(rerrors.CodeOrderNotFound, fmt.Sprintf("ledger: order %s not found", orderID), nil)
}

func orderExists(orderID string) error {
	return rerrors.NewLedgerError(rerrors.CodeOrderExists, fmt.Sprintf("ledger: order %s already exists", orderID), nil)
}
