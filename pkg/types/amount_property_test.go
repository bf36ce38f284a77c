package types

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestProperty_AmountText checks that rendering and re-parsing an amount
// is exact and that addition never loses cents.
func TestProperty_AmountText(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("String output parses back to the same cents", prop.ForAll(
		func(cents int64) bool {
			a := Amount(cents)
			parsed, err := ParseAmount(a.String())
			return err == nil && parsed == a
		},
		gen.Int64Range(-1_000_000_000_000, 1_000_000_000_000),
	))

	properties.Property("Add then Sub returns the original amount", prop.ForAll(
		func(a, b int64) bool {
			x, y := Amount(a), Amount(b)
			return x.Add(y).Sub(y) == x
		},
		gen.Int64Range(-1_000_000_000, 1_000_000_000),
		gen.Int64Range(-1_000_000_000, 1_000_000_000),
	))

	properties.TestingRun(t)
}
