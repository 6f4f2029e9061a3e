package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/subnetindex/settlement/internal/creation"
	"github.com/subnetindex/settlement/internal/emissions"
	"github.com/subnetindex/settlement/internal/index"
	"github.com/subnetindex/settlement/internal/weights"
)

func newPublishCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Compute weights and publish the creation file for an epoch",
		Long: `Fetches an emissions snapshot, runs the weight pipeline, and publishes
the resulting creation file. On a degenerate snapshot the previous epoch's
weights are frozen and republished for the target epoch.`,
		RunE: runPublish,
	}
	cmd.Flags().Int64("epoch", -1, "Target epoch id (defaults to the current epoch)")
	cmd.Flags().String("scores-file", "", "JSON file of subnet scores; overrides the emissions feed")
	cmd.Flags().Bool("dry-run", false, "Compute and print the file without publishing")
	return cmd
}

func runPublish(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	a, err := buildApp(ctx, cfgPath)
	if err != nil {
		return err
	}
	defer a.Close()

	now := time.Now()
	epochID, _ := cmd.Flags().GetInt64("epoch")
	if epochID < 0 {
		epochID = a.clock.CurrentEpoch(now)
	}

	source, err := resolveSource(cmd, a)
	if err != nil {
		return err
	}
	engine, err := weights.NewEngine(weights.Config{
		IndexSize:           a.cfg.Index.Size,
		MinWeight:           a.cfg.Index.MinWeight,
		MaxWeight:           a.cfg.Index.MaxWeight,
		DiversificationCoef: a.cfg.Index.DiversificationCoef,
		MaxBonus:            a.cfg.Index.MaxBonus,
	})
	if err != nil {
		return err
	}

	dist, err := computeOrFreeze(ctx, a, engine, source, epochID)
	if err != nil {
		return err
	}

	if dryRun, _ := cmd.Flags().GetBool("dry-run"); dryRun {
		return printWeights(epochID, dist)
	}

	started := time.Now()
	file, err := a.pub.Publish(ctx, epochID, dist, now)
	if err != nil {
		return err
	}
	a.reg.FilesPublished.Inc()
	a.reg.PublishDuration.Observe(time.Since(started).Seconds())
	fmt.Printf("published creation file for epoch %d (hash %s, %d assets)\n",
		file.EpochID, file.WeightsHash, len(file.Assets))
	return nil
}

func resolveSource(cmd *cobra.Command, a *app) (emissions.Source, error) {
	if path, _ := cmd.Flags().GetString("scores-file"); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read scores file: %w", err)
		}
		var scores map[index.SubnetID]float64
		if err := json.Unmarshal(raw, &scores); err != nil {
			return nil, fmt.Errorf("failed to parse scores file: %w", err)
		}
		return &emissions.StaticSource{Scores: scores}, nil
	}
	if a.cfg.Emissions.URL == "" {
		return nil, fmt.Errorf("no emissions URL configured and no --scores-file given")
	}
	return emissions.NewHTTPSource(emissions.HTTPConfig{
		URL:            a.cfg.Emissions.URL,
		RequestTimeout: a.cfg.Emissions.RequestTimeout.Std(),
		RatePerSecond:  a.cfg.Emissions.RatePerSecond,
		Burst:          a.cfg.Emissions.Burst,
	}, a.log)
}

// computeOrFreeze runs the weight pipeline, falling back to the previous
// epoch's committed weights when the snapshot cannot produce a distribution.
func computeOrFreeze(ctx context.Context, a *app, engine *weights.Engine, source emissions.Source, epochID int64) (index.WeightsBps, error) {
	scores, err := source.Snapshot(ctx)
	if err == nil {
		dist, cerr := engine.Compute(scores)
		if cerr == nil {
			return dist, nil
		}
		err = cerr
	}

	if !freezable(err) {
		return nil, err
	}

	prev, perr := a.files.GetFile(ctx, epochID-1)
	if perr != nil {
		if errors.Is(perr, creation.ErrNotFound) {
			return nil, fmt.Errorf("cannot freeze weights for epoch %d, no previous file: %w", epochID, err)
		}
		return nil, perr
	}
	a.log.Warn().
		Err(err).
		Int64("epoch_id", epochID).
		Str("frozen_hash", prev.WeightsHash).
		Msg("degenerate snapshot, freezing previous epoch weights")
	return prev.Weights(), nil
}

// freezable reports whether err is a bad-input condition the freeze fallback
// covers, as opposed to an operational failure.
func freezable(err error) bool {
	return errors.Is(err, emissions.ErrEmptySnapshot) ||
		errors.Is(err, weights.ErrInsufficientUniverse) ||
		errors.Is(err, weights.ErrDegenerateScores)
}

func printWeights(epochID int64, dist index.WeightsBps) error {
	fmt.Printf("epoch %d weights (%d assets, hash %s):\n",
		epochID, len(dist), creation.WeightsHash(dist))
	for _, id := range dist.SortedIDs() {
		fmt.Printf("  subnet %5d  %5d bps\n", id, dist[id])
	}
	return nil
}
