package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/subnetindex/settlement/internal/creation"
	"github.com/subnetindex/settlement/internal/ledger"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the current epoch, active creation file, and ledger stats",
		RunE:  runStatus,
	}
}

func runStatus(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	a, err := buildApp(ctx, cfgPath)
	if err != nil {
		return err
	}
	defer a.Close()

	now := time.Now()
	epochID := a.clock.CurrentEpoch(now)
	fmt.Printf("epoch %d  (%s remaining, ends %s)\n",
		epochID,
		a.clock.TimeRemaining(epochID, now).Round(time.Minute),
		a.clock.End(epochID).Format(time.RFC3339))

	file, err := a.pub.Active(ctx, now)
	switch {
	case errors.Is(err, creation.ErrNotFound):
		fmt.Println("creation file: none published for current epoch")
	case err != nil:
		return err
	default:
		fmt.Printf("creation file: hash %s, %d assets, tolerance %d bps\n",
			file.WeightsHash, len(file.Assets), file.ToleranceBps)
	}

	stats, err := a.svc.Stats(ctx)
	if err != nil {
		return err
	}
	fmt.Println("requests:")
	for _, status := range ledger.AllStatuses() {
		fmt.Printf("  %-10s %d\n", status, stats[status])
	}
	return nil
}
