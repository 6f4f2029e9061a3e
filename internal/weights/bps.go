package weights

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/subnetindex/settlement/internal/index"
)

// sumTolerance bounds how far a fractional weight map may drift from 1 before
// conversion refuses it.
var sumTolerance = decimal.New(1, -9)

// ToBasisPoints converts fractional weights summing to 1 into integer basis
// points summing to exactly 10000 using the largest-remainder method: floor
// each raw share, then hand the leftover points one at a time to the largest
// fractional remainders, ties broken by subnet id ascending. The exact-total
// invariant holds for any non-degenerate input; per-asset rounding never
// decides the total.
func ToBasisPoints(weights map[index.SubnetID]decimal.Decimal) (index.WeightsBps, error) {
	if len(weights) == 0 {
		return nil, fmt.Errorf("%w: empty weight map", ErrDegenerateScores)
	}

	total := decimal.Zero
	for _, w := range weights {
		if w.IsNegative() {
			return nil, fmt.Errorf("weights: negative fractional weight %s", w)
		}
		total = total.Add(w)
	}
	if total.Sub(decimal.NewFromInt(1)).Abs().Cmp(sumTolerance) > 0 {
		return nil, fmt.Errorf("weights: fractional weights sum to %s, expected 1", total)
	}

	type share struct {
		id        index.SubnetID
		remainder decimal.Decimal
	}

	scale := decimal.NewFromInt(index.TotalBasisPoints)
	out := make(index.WeightsBps, len(weights))
	shares := make([]share, 0, len(weights))
	floorSum := int64(0)
	for id, w := range weights {
		raw := w.Mul(scale)
		floor := raw.Floor()
		floorSum += floor.IntPart()
		out[id] = uint32(floor.IntPart())
		shares = append(shares, share{id: id, remainder: raw.Sub(floor)})
	}

	leftover := int64(index.TotalBasisPoints) - floorSum
	if leftover < 0 || leftover > int64(len(shares)) {
		return nil, fmt.Errorf("weights: leftover %d out of range for %d assets", leftover, len(shares))
	}

	sort.Slice(shares, func(i, j int) bool {
		cmp := shares[i].remainder.Cmp(shares[j].remainder)
		if cmp != 0 {
			return cmp > 0
		}
		return shares[i].id < shares[j].id
	})
	for i := int64(0); i < leftover; i++ {
		out[shares[i].id]++
	}

	if got := out.Sum(); got != index.TotalBasisPoints {
		return nil, fmt.Errorf("weights: basis points sum to %d, expected %d", got, index.TotalBasisPoints)
	}
	return out, nil
}
