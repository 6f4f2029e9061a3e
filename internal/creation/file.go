// Package creation defines the epoch's committed basket definition and the
// publisher that assembles it from a weight distribution.
package creation

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/subnetindex/settlement/internal/index"
)

var (
	// ErrAlreadyPublished signals a second publication attempt for an epoch
	// that already has a file. Publication is exactly-once, never
	// overwrite-on-retry.
	ErrAlreadyPublished = errors.New("creation: epoch already has a published file")

	// ErrNotFound signals no creation file exists for the requested epoch.
	ErrNotFound = errors.New("creation: file not found")
)

// AssetSpec is one constituent of a creation unit.
type AssetSpec struct {
	Netuid             index.SubnetID `json:"netuid" db:"netuid"`
	AssetID            string         `json:"asset_id" db:"asset_id"`
	QtyPerCreationUnit uint64         `json:"qty_per_creation_unit" db:"qty_per_creation_unit"`
	WeightBps          uint32         `json:"weight_bps" db:"weight_bps"`
}

// File is an epoch's committed basket definition. Immutable once published;
// the next epoch's file supersedes it, never mutates it.
type File struct {
	EpochID          int64       `json:"epoch_id" db:"epoch_id"`
	WeightsHash      string      `json:"weights_hash" db:"weights_hash"`
	ValidFrom        time.Time   `json:"valid_from" db:"valid_from"`
	ValidUntil       time.Time   `json:"valid_until" db:"valid_until"`
	CreationUnitSize uint64      `json:"creation_unit_size" db:"creation_unit_size"`
	CashComponentBps uint32      `json:"cash_component_bps" db:"cash_component_bps"`
	ToleranceBps     uint32      `json:"tolerance_bps" db:"tolerance_bps"`
	MinCreationSize  uint64      `json:"min_creation_size" db:"min_creation_size"`
	Assets           []AssetSpec `json:"assets"`
	PublishedAt      time.Time   `json:"published_at" db:"published_at"`
	PublishedBy      string      `json:"published_by" db:"published_by"`
}

// Weights reconstructs the basis-point weight map from the asset list.
func (f *File) Weights() index.WeightsBps {
	w := make(index.WeightsBps, len(f.Assets))
	for _, a := range f.Assets {
		w[a.Netuid] = a.WeightBps
	}
	return w
}

// RequiredBasket returns the per-asset delivery quantities for creationSize
// creation units.
func (f *File) RequiredBasket(creationSize uint64) index.Basket {
	basket := make(index.Basket, len(f.Assets))
	for _, a := range f.Assets {
		basket[a.Netuid] = a.QtyPerCreationUnit * creationSize
	}
	return basket
}

// Validate checks the file's structural invariants: the expected asset count,
// no duplicate subnet ids, weights summing to exactly 10000 bps, a validity
// window of exactly one epoch duration, and a weights hash matching the
// asset list.
func (f *File) Validate(expectAssets int, epochDuration time.Duration) error {
	if len(f.Assets) != expectAssets {
		return fmt.Errorf("creation: file has %d assets, expected %d", len(f.Assets), expectAssets)
	}
	seen := make(map[index.SubnetID]struct{}, len(f.Assets))
	for _, a := range f.Assets {
		if _, dup := seen[a.Netuid]; dup {
			return fmt.Errorf("creation: duplicate subnet id %d", a.Netuid)
		}
		seen[a.Netuid] = struct{}{}
	}
	if sum := f.Weights().Sum(); sum != index.TotalBasisPoints {
		return fmt.Errorf("creation: weights sum to %d bps, expected %d", sum, index.TotalBasisPoints)
	}
	if window := f.ValidUntil.Sub(f.ValidFrom); window != epochDuration {
		return fmt.Errorf("creation: validity window %s != epoch duration %s", window, epochDuration)
	}
	if want := WeightsHash(f.Weights()); f.WeightsHash != want {
		return fmt.Errorf("creation: weights hash mismatch: file %s, recomputed %s", f.WeightsHash, want)
	}
	return nil
}

// WeightsHash returns the externally verifiable commitment over a weight
// map: sha256 of the canonical serialization. Any verifier recomputing this
// from the plaintext weights must reproduce it bit-exactly.
func WeightsHash(w index.WeightsBps) string {
	sum := sha256.Sum256([]byte(w.Canonical()))
	return hex.EncodeToString(sum[:])
}

// AssetID derives the opaque content-derived identifier for one constituent.
func AssetID(netuid index.SubnetID, weightBps uint32, epochID int64) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("asset:%d:%d:%d", netuid, weightBps, epochID)))
	return hex.EncodeToString(sum[:16])
}
