package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one enforcement sweep and exit",
		Long:  "Expires requests past their deadline or epoch, purges state past retention, and reports what changed.",
		RunE:  runSweep,
	}
}

func runSweep(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	a, err := buildApp(ctx, cfgPath)
	if err != nil {
		return err
	}
	defer a.Close()

	result, err := a.enf.Sweep(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("epoch %d: expired %d (rollover) + %d (deadline), purged %d requests, %d files in %s\n",
		result.Epoch, result.ExpiredRollover, result.ExpiredDeadline,
		result.PurgedRequests, result.PurgedFiles, result.Duration)
	return nil
}
