// Package basket validates delivered baskets against an epoch's required
// basket. Validation is all-or-nothing: a single missing, extra, or
// out-of-tolerance asset rejects the whole delivery.
package basket

import (
	"fmt"
	"math"
	"math/bits"
	"sort"

	"github.com/subnetindex/settlement/internal/index"
)

// Deviation records how far one delivered quantity sits from its requirement.
type Deviation struct {
	Required  uint64 `json:"required"`
	Delivered uint64 `json:"delivered"`
	Tolerance uint64 `json:"tolerance"`
	// Excess is the absolute deviation beyond tolerance; zero when the asset
	// is within band.
	Excess uint64 `json:"excess"`
}

// ValidationResult is the full verdict for one delivery attempt. It is
// ephemeral: computed on demand, never persisted.
type ValidationResult struct {
	Valid         bool                          `json:"valid"`
	Errors        []string                      `json:"errors,omitempty"`
	Warnings      []string                      `json:"warnings,omitempty"`
	MissingAssets []index.SubnetID              `json:"missing_assets,omitempty"`
	ExtraAssets   []index.SubnetID              `json:"extra_assets,omitempty"`
	Deviations    map[index.SubnetID]Deviation  `json:"deviations,omitempty"`
}

// Correction is the signed adjustment that brings one asset to its exact
// required quantity. Positive means deliver more, negative means the basket
// over-delivered.
type Correction struct {
	SubnetID   index.SubnetID `json:"netuid"`
	Adjustment int64          `json:"adjustment"`
}

// Tolerance returns the acceptance band for one required quantity:
// required*toleranceBps/10000 with a floor of 1 base unit, so tiny positions
// never get a zero band. The product is taken in 128 bits; a band wider than
// the uint64 range saturates instead of wrapping.
func Tolerance(required uint64, toleranceBps uint32) uint64 {
	hi, lo := bits.Mul64(required, uint64(toleranceBps))
	if hi >= index.TotalBasisPoints {
		return math.MaxUint64
	}
	tol, _ := bits.Div64(hi, lo, index.TotalBasisPoints)
	if tol < 1 {
		tol = 1
	}
	return tol
}

// Validate judges delivered against required with the given per-asset
// tolerance in basis points. Stateless and safe for concurrent use.
func Validate(required, delivered index.Basket, toleranceBps uint32) ValidationResult {
	result := ValidationResult{
		Valid:      true,
		Deviations: make(map[index.SubnetID]Deviation, len(required)),
	}

	for _, id := range sortedBasketIDs(required) {
		if _, ok := delivered[id]; !ok {
			result.MissingAssets = append(result.MissingAssets, id)
			result.Valid = false
		}
	}
	for _, id := range sortedBasketIDs(delivered) {
		if _, ok := required[id]; !ok {
			result.ExtraAssets = append(result.ExtraAssets, id)
			result.Valid = false
		}
	}
	for _, id := range result.MissingAssets {
		result.Errors = append(result.Errors, fmt.Sprintf("subnet %d: required but not delivered", id))
	}
	for _, id := range result.ExtraAssets {
		result.Errors = append(result.Errors, fmt.Sprintf("subnet %d: delivered but not required", id))
	}

	for _, id := range sortedBasketIDs(required) {
		deliveredQty, ok := delivered[id]
		if !ok {
			continue
		}
		requiredQty := required[id]
		tol := Tolerance(requiredQty, toleranceBps)
		diff := absDiff(deliveredQty, requiredQty)

		dev := Deviation{Required: requiredQty, Delivered: deliveredQty, Tolerance: tol}
		if diff > tol {
			dev.Excess = diff - tol
			result.Valid = false
			result.Errors = append(result.Errors, fmt.Sprintf(
				"subnet %d: delivered %d, required %d (tolerance ±%d)",
				id, deliveredQty, requiredQty, tol))
		} else if diff == tol && diff > 0 {
			result.Warnings = append(result.Warnings, fmt.Sprintf(
				"subnet %d: delivery at tolerance boundary", id))
		}
		result.Deviations[id] = dev
	}

	return result
}

// SuggestCorrections returns, for each asset of an invalid delivery, the
// signed quantity change needed to hit the requirement exactly. Intended for
// operator feedback only, never for automatic retrial.
func SuggestCorrections(required, delivered index.Basket) []Correction {
	var corrections []Correction
	for _, id := range sortedBasketIDs(required) {
		requiredQty := required[id]
		deliveredQty := delivered[id] // zero when absent
		if requiredQty != deliveredQty {
			corrections = append(corrections, Correction{
				SubnetID:   id,
				Adjustment: int64(requiredQty) - int64(deliveredQty),
			})
		}
	}
	for _, id := range sortedBasketIDs(delivered) {
		if _, ok := required[id]; !ok {
			corrections = append(corrections, Correction{
				SubnetID:   id,
				Adjustment: -int64(delivered[id]),
			})
		}
	}
	return corrections
}

func absDiff(a, b uint64) uint64 {
	if a > b {
		return a - b
	}
	return b - a
}

func sortedBasketIDs(b index.Basket) []index.SubnetID {
	ids := make([]index.SubnetID, 0, len(b))
	for id := range b {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
