package types

import "errors"

// Value parsing errors
var (
	// ErrInvalidAmount is returned when amount text is not a decimal number
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrAmountPrecision is returned when an amount has sub-cent precision
	ErrAmountPrecision = errors.New("amount precision exceeds 2 fractional digits")

	// ErrUnknownStatus is returned when an order status is not one of the known values
	ErrUnknownStatus = errors.New("unknown order status")

	// ErrUnknownMutationKind is returned when a mutation kind is not insert, update or delete
	ErrUnknownMutationKind = errors.New("unknown mutation kind")
)
