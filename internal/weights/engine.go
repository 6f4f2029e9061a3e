// Package weights turns raw emission scores into an exact basis-point weight
// distribution: top-N selection, decimal normalization, largest-remainder
// conversion, and optional band-constrained reshaping.
package weights

import (
	"errors"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/subnetindex/settlement/internal/index"
)

var (
	// ErrInsufficientUniverse signals fewer positive-score assets than the
	// index size. Callers must freeze the previous epoch's weights.
	ErrInsufficientUniverse = errors.New("weights: insufficient universe for selection")

	// ErrDegenerateScores signals a zero or near-zero normalization
	// denominator.
	ErrDegenerateScores = errors.New("weights: degenerate score distribution")

	// ErrNoConvergence signals the constraint optimizer hit its iteration
	// cap. This is a defect to report, never a result to use.
	ErrNoConvergence = errors.New("weights: constraint reshaping did not converge")
)

// denominatorEpsilon is the cutoff below which a score sum is treated as zero.
var denominatorEpsilon = decimal.New(1, -12)

// Config controls selection size and the optional constraint optimizer.
type Config struct {
	IndexSize int // N assets selected per epoch

	// Band constraints; reshaping runs only when MaxWeight > 0.
	MinWeight float64
	MaxWeight float64

	// Diversification bonus: factor grows with 1/HHI, capped at MaxBonus.
	DiversificationCoef float64
	MaxBonus            float64

	ConvergenceTol float64
	MaxIterations  int
}

// DefaultConfig returns the reference engine configuration: top-20 index with
// a 1%..15% band and a mild diversification bonus.
func DefaultConfig() Config {
	return Config{
		IndexSize:           20,
		MinWeight:           0.01,
		MaxWeight:           0.15,
		DiversificationCoef: 0.05,
		MaxBonus:            1.10,
		ConvergenceTol:      1e-9,
		MaxIterations:       100,
	}
}

// Engine computes committed weight distributions from emission scores. It is
// stateless and safe for concurrent use.
type Engine struct {
	cfg Config
}

// NewEngine validates cfg and returns an engine.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.IndexSize < 1 {
		return nil, fmt.Errorf("weights: index size must be >= 1, got %d", cfg.IndexSize)
	}
	if cfg.MaxWeight > 0 {
		if cfg.MinWeight < 0 || cfg.MinWeight > cfg.MaxWeight {
			return nil, fmt.Errorf("weights: invalid band [%f, %f]", cfg.MinWeight, cfg.MaxWeight)
		}
		n := float64(cfg.IndexSize)
		if cfg.MinWeight*n > 1.0 || cfg.MaxWeight*n < 1.0 {
			return nil, fmt.Errorf("weights: band [%f, %f] infeasible for %d assets", cfg.MinWeight, cfg.MaxWeight, cfg.IndexSize)
		}
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 100
	}
	if cfg.ConvergenceTol <= 0 {
		cfg.ConvergenceTol = 1e-9
	}
	return &Engine{cfg: cfg}, nil
}

// Compute runs the full pipeline: select top N, normalize, reshape if a band
// is configured, and convert to exact basis points.
func (e *Engine) Compute(scores map[index.SubnetID]float64) (index.WeightsBps, error) {
	selected, err := e.Select(scores)
	if err != nil {
		return nil, err
	}
	frac, err := Normalize(scores, selected)
	if err != nil {
		return nil, err
	}
	if e.cfg.MaxWeight > 0 {
		frac, err = e.Reshape(frac)
		if err != nil {
			return nil, err
		}
	}
	return ToBasisPoints(frac)
}

// Select sorts assets by score descending (ties broken by subnet id
// ascending) and returns the top N. Assets with non-positive scores never
// qualify; fewer than N qualifying assets is ErrInsufficientUniverse.
func (e *Engine) Select(scores map[index.SubnetID]float64) ([]index.SubnetID, error) {
	candidates := make([]index.SubnetID, 0, len(scores))
	for id, score := range scores {
		if score > 0 {
			candidates = append(candidates, id)
		}
	}
	if len(candidates) < e.cfg.IndexSize {
		return nil, fmt.Errorf("%w: %d positive-score assets, need %d",
			ErrInsufficientUniverse, len(candidates), e.cfg.IndexSize)
	}
	sort.Slice(candidates, func(i, j int) bool {
		si, sj := scores[candidates[i]], scores[candidates[j]]
		if si != sj {
			return si > sj
		}
		return candidates[i] < candidates[j]
	})
	return candidates[:e.cfg.IndexSize], nil
}

// Normalize converts the selected assets' scores into fractional weights
// summing to 1, computed in decimal so any observer reproduces the exact
// result from the same inputs.
func Normalize(scores map[index.SubnetID]float64, selected []index.SubnetID) (map[index.SubnetID]decimal.Decimal, error) {
	sum := decimal.Zero
	decScores := make(map[index.SubnetID]decimal.Decimal, len(selected))
	for _, id := range selected {
		d := decimal.NewFromFloat(scores[id])
		decScores[id] = d
		sum = sum.Add(d)
	}
	if sum.Cmp(denominatorEpsilon) <= 0 {
		return nil, fmt.Errorf("%w: score sum %s", ErrDegenerateScores, sum)
	}
	weights := make(map[index.SubnetID]decimal.Decimal, len(selected))
	for _, id := range selected {
		weights[id] = decScores[id].DivRound(sum, 18)
	}
	return weights, nil
}
