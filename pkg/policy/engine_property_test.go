//go:build property
// +build property

package policy

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/EfeDurmaz16/sardis-sub000/pkg/contracts"
)

// TestEvaluateDeterminism verifies evaluation is a pure function.
// Property: Evaluate(p, s, tx) == Evaluate(p, s, tx)
func TestEvaluateDeterminism(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)
	engine := NewEngine(nil)

	properties.Property("evaluation is deterministic", prop.ForAll(
		func(amount, spent int64, merchant, category string) bool {
			p := basePolicy()
			tx := baseTx(amount)
			tx.Merchant = merchant
			tx.CategoryCode = category
			snap := Snapshot{contracts.WindowDaily: spent}

			a := engine.Evaluate(p, snap, tx)
			b := engine.Evaluate(p, snap, tx)
			return a.Outcome == b.Outcome && a.Code == b.Code && a.Reason == b.Reason && a.Urgency == b.Urgency
		},
		gen.Int64Range(-10, 1000),
		gen.Int64Range(0, 600),
		gen.OneConstOf("api.vendor.example", "Gambling-Site", "x"),
		gen.OneConstOf("5734", "7995", "", "0000"),
	))

	// Property: an approved payment never pushes the window past its limit.
	properties.Property("approved never exceeds daily limit", prop.ForAll(
		func(amount, spent int64) bool {
			v := engine.Evaluate(basePolicy(), Snapshot{contracts.WindowDaily: spent}, baseTx(amount))
			if v.Outcome == OutcomeDenied {
				return true
			}
			return spent+amount <= 500 && amount <= 100
		},
		gen.Int64Range(1, 200),
		gen.Int64Range(0, 600),
	))

	properties.TestingRun(t)
}
