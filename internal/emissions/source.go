// Package emissions defines the contract for the external emissions feed and
// the HTTP snapshot client used to fetch it. The settlement core only ever
// sees the resulting score map; staleness and sampling are the feed's
// responsibility.
package emissions

import (
	"context"
	"errors"
	"fmt"

	"github.com/subnetindex/settlement/internal/index"
)

var (
	// ErrEmptySnapshot signals an empty or all-zero score map. Callers must
	// freeze the previous epoch's weights instead of proceeding.
	ErrEmptySnapshot = errors.New("emissions: empty or all-zero snapshot")

	// ErrUnavailable signals the feed could not be reached (circuit open,
	// transport failure).
	ErrUnavailable = errors.New("emissions: source unavailable")
)

// Source supplies the per-subnet emission scores (rolling averages) used at
// epoch-recompute time.
type Source interface {
	Snapshot(ctx context.Context) (map[index.SubnetID]float64, error)
}

// validate rejects snapshots the weight engine must never see. The whole map
// is scanned before any verdict so the outcome never depends on map iteration
// order: a negative score anywhere rejects, regardless of positives elsewhere.
func validate(scores map[index.SubnetID]float64) error {
	if len(scores) == 0 {
		return ErrEmptySnapshot
	}
	positive := false
	for id, score := range scores {
		if score < 0 {
			return fmt.Errorf("emissions: negative score %f for subnet %d", score, id)
		}
		if score > 0 {
			positive = true
		}
	}
	if !positive {
		return ErrEmptySnapshot
	}
	return nil
}

// StaticSource serves a fixed score map. Used in tests and for offline
// what-if runs.
type StaticSource struct {
	Scores map[index.SubnetID]float64
}

// Snapshot returns the fixed map after validation.
func (s *StaticSource) Snapshot(_ context.Context) (map[index.SubnetID]float64, error) {
	if err := validate(s.Scores); err != nil {
		return nil, err
	}
	out := make(map[index.SubnetID]float64, len(s.Scores))
	for id, score := range s.Scores {
		out[id] = score
	}
	return out, nil
}
