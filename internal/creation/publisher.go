package creation

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/subnetindex/settlement/internal/epoch"
	"github.com/subnetindex/settlement/internal/index"
)

// Store is the persistence surface the publisher needs. Insert must be
// atomic and exactly-once per epoch, returning ErrAlreadyPublished when the
// epoch already has a file.
type Store interface {
	InsertFile(ctx context.Context, file *File) error
	GetFile(ctx context.Context, epochID int64) (*File, error)
}

// PublisherConfig fixes the economic parameters stamped onto every file.
type PublisherConfig struct {
	IndexSize        int
	CreationUnitSize uint64 // total creation-unit notional in base units
	CashComponentBps uint32
	ToleranceBps     uint32
	MinCreationSize  uint64
	PublishedBy      string
}

// Publisher binds weight distributions to epochs and commits them under a
// content hash.
type Publisher struct {
	cfg   PublisherConfig
	clock epoch.Clock
	store Store
	log   zerolog.Logger
}

// NewPublisher creates a publisher writing through store.
func NewPublisher(cfg PublisherConfig, clock epoch.Clock, store Store, log zerolog.Logger) (*Publisher, error) {
	if cfg.IndexSize < 1 {
		return nil, fmt.Errorf("creation: index size must be >= 1, got %d", cfg.IndexSize)
	}
	if cfg.CreationUnitSize == 0 {
		return nil, fmt.Errorf("creation: creation unit size must be positive")
	}
	// buildAssets scales the notional by up to 10000 bps per asset.
	if cfg.CreationUnitSize > math.MaxUint64/index.TotalBasisPoints {
		return nil, fmt.Errorf("creation: creation unit size %d too large to scale by basis points", cfg.CreationUnitSize)
	}
	if cfg.MinCreationSize == 0 {
		cfg.MinCreationSize = 1
	}
	return &Publisher{cfg: cfg, clock: clock, store: store, log: log}, nil
}

// Publish assembles and commits the creation file for epochID from a
// basis-point weight map. No partial state: any validation failure or an
// existing file for the epoch rejects the whole publication.
func (p *Publisher) Publish(ctx context.Context, epochID int64, weights index.WeightsBps, now time.Time) (*File, error) {
	if len(weights) != p.cfg.IndexSize {
		return nil, fmt.Errorf("creation: %d weights, expected %d", len(weights), p.cfg.IndexSize)
	}
	if sum := weights.Sum(); sum != index.TotalBasisPoints {
		return nil, fmt.Errorf("creation: weights sum to %d bps, expected %d", sum, index.TotalBasisPoints)
	}

	file := &File{
		EpochID:          epochID,
		WeightsHash:      WeightsHash(weights),
		ValidFrom:        p.clock.Start(epochID),
		ValidUntil:       p.clock.End(epochID),
		CreationUnitSize: p.cfg.CreationUnitSize,
		CashComponentBps: p.cfg.CashComponentBps,
		ToleranceBps:     p.cfg.ToleranceBps,
		MinCreationSize:  p.cfg.MinCreationSize,
		Assets:           p.buildAssets(epochID, weights),
		PublishedAt:      now.UTC(),
		PublishedBy:      p.cfg.PublishedBy,
	}

	if err := file.Validate(p.cfg.IndexSize, p.clock.Duration()); err != nil {
		return nil, err
	}
	if err := p.store.InsertFile(ctx, file); err != nil {
		return nil, fmt.Errorf("creation: publish epoch %d: %w", epochID, err)
	}

	p.log.Info().
		Int64("epoch_id", epochID).
		Str("weights_hash", file.WeightsHash).
		Int("assets", len(file.Assets)).
		Time("valid_until", file.ValidUntil).
		Msg("creation file published")
	return file, nil
}

// Active returns the creation file covering now, or ErrNotFound when the
// current epoch has no published file.
func (p *Publisher) Active(ctx context.Context, now time.Time) (*File, error) {
	return p.store.GetFile(ctx, p.clock.CurrentEpoch(now))
}

// buildAssets derives per-asset quantities from the weight map: each
// constituent's share of the fixed creation-unit notional, ordered by subnet
// id ascending so the file serializes deterministically.
func (p *Publisher) buildAssets(epochID int64, weights index.WeightsBps) []AssetSpec {
	assets := make([]AssetSpec, 0, len(weights))
	for _, id := range weights.SortedIDs() {
		bps := weights[id]
		assets = append(assets, AssetSpec{
			Netuid:             id,
			AssetID:            AssetID(id, bps, epochID),
			QtyPerCreationUnit: p.cfg.CreationUnitSize * uint64(bps) / index.TotalBasisPoints,
			WeightBps:          bps,
		})
	}
	return assets
}
