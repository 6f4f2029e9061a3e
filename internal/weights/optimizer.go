package weights

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/subnetindex/settlement/internal/index"
)

// bandSlack absorbs convergence and renormalization residue when checking the
// band post-condition. It sits above the convergence tolerance and four orders
// of magnitude below one basis point, so it can never mask a real violation.
var bandSlack = decimal.New(1, -8)

// Reshape clamps fractional weights into [MinWeight, MaxWeight], redistributes
// the clamped excess proportionally among unbound assets until the total
// per-iteration adjustment falls under the convergence tolerance, then applies
// the diversification bonus and renormalizes. The returned map sums to 1 and
// every weight sits inside the band; violations of either post-condition are
// returned as errors, never silently passed through.
func (e *Engine) Reshape(weights map[index.SubnetID]decimal.Decimal) (map[index.SubnetID]decimal.Decimal, error) {
	minW := decimal.NewFromFloat(e.cfg.MinWeight)
	maxW := decimal.NewFromFloat(e.cfg.MaxWeight)
	tol := decimal.NewFromFloat(e.cfg.ConvergenceTol)

	w := make(map[index.SubnetID]decimal.Decimal, len(weights))
	for id, v := range weights {
		w[id] = v
	}

	if err := e.converge(w, minW, maxW, tol); err != nil {
		return nil, err
	}

	if e.cfg.DiversificationCoef > 0 {
		applyDiversificationBonus(w, e.cfg.DiversificationCoef, e.cfg.MaxBonus)
		renormalize(w)
		// The bonus can nudge weights back outside the band; reconverge.
		if err := e.converge(w, minW, maxW, tol); err != nil {
			return nil, err
		}
	}

	renormalize(w)
	for id, v := range w {
		if v.Cmp(minW.Sub(bandSlack)) < 0 || v.Cmp(maxW.Add(bandSlack)) > 0 {
			return nil, fmt.Errorf("weights: reshaped weight %s for subnet %d outside band [%s, %s]",
				v, id, minW, maxW)
		}
	}
	return w, nil
}

// converge runs the clamp-and-redistribute loop in place. Hitting the
// iteration cap is reported as ErrNoConvergence.
func (e *Engine) converge(w map[index.SubnetID]decimal.Decimal, minW, maxW, tol decimal.Decimal) error {
	ids := sortedIDs(w)
	for iter := 0; iter < e.cfg.MaxIterations; iter++ {
		adjustment := decimal.Zero

		// Clamp to the band, tracking excess taken from above the cap and
		// deficit granted below the floor.
		excess := decimal.Zero
		for _, id := range ids {
			switch {
			case w[id].Cmp(maxW) > 0:
				over := w[id].Sub(maxW)
				excess = excess.Add(over)
				adjustment = adjustment.Add(over)
				w[id] = maxW
			case w[id].Cmp(minW) < 0:
				under := minW.Sub(w[id])
				excess = excess.Sub(under)
				adjustment = adjustment.Add(under)
				w[id] = minW
			}
		}

		// Redistribute the net excess proportionally among assets strictly
		// inside the band.
		if !excess.IsZero() {
			freeSum := decimal.Zero
			for _, id := range ids {
				if w[id].Cmp(minW) > 0 && w[id].Cmp(maxW) < 0 {
					freeSum = freeSum.Add(w[id])
				}
			}
			if freeSum.IsPositive() {
				for _, id := range ids {
					if w[id].Cmp(minW) > 0 && w[id].Cmp(maxW) < 0 {
						w[id] = w[id].Add(excess.Mul(w[id]).DivRound(freeSum, 18))
					}
				}
			}
		}

		if adjustment.Cmp(tol) < 0 {
			return nil
		}
	}
	return fmt.Errorf("%w after %d iterations", ErrNoConvergence, e.cfg.MaxIterations)
}

// applyDiversificationBonus boosts below-mean weights by a factor that grows
// mildly with the distribution's effective breadth (1/HHI), capped at
// maxBonus. A uniform factor would cancel under renormalization, so only the
// tail is boosted.
func applyDiversificationBonus(w map[index.SubnetID]decimal.Decimal, coef, maxBonus float64) {
	n := len(w)
	if n == 0 {
		return
	}

	hhi := decimal.Zero
	for _, v := range w {
		hhi = hhi.Add(v.Mul(v))
	}
	if !hhi.IsPositive() {
		return
	}

	// effective breadth: 1/hhi, between 1 (fully concentrated) and n (equal).
	breadth, _ := decimal.NewFromInt(1).DivRound(hhi, 18).Float64()
	factor := 1 + coef*breadth/float64(n)
	if maxBonus > 1 && factor > maxBonus {
		factor = maxBonus
	}
	if factor <= 1 {
		return
	}

	mean := decimal.NewFromInt(1).DivRound(decimal.NewFromInt(int64(n)), 18)
	boost := decimal.NewFromFloat(factor)
	for id, v := range w {
		if v.Cmp(mean) < 0 {
			w[id] = v.Mul(boost)
		}
	}
}

// renormalize rescales the map in place so it sums to 1.
func renormalize(w map[index.SubnetID]decimal.Decimal) {
	sum := decimal.Zero
	for _, v := range w {
		sum = sum.Add(v)
	}
	if !sum.IsPositive() {
		return
	}
	for id, v := range w {
		w[id] = v.DivRound(sum, 18)
	}
}

func sortedIDs(w map[index.SubnetID]decimal.Decimal) []index.SubnetID {
	ids := make([]index.SubnetID, 0, len(w))
	for id := range w {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
