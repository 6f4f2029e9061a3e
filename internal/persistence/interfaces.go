// Package persistence defines the durable-store contracts for the settlement
// core. Mutations must be committed before a call returns success; crash
// recovery reconstructs exactly the last committed state.
package persistence

import (
	"context"
	"time"

	"github.com/subnetindex/settlement/internal/creation"
	"github.com/subnetindex/settlement/internal/ledger"
)

// RequestRepo stores creation requests. The embedded ledger.Repo carries the
// compare-and-swap contract: Update returns ledger.ErrStatusConflict when the
// stored status no longer matches the expected one.
type RequestRepo interface {
	ledger.Repo
}

// CreationFileRepo stores published creation files, exactly one per epoch.
// InsertFile returns creation.ErrAlreadyPublished on a second publication
// for the same epoch; GetFile returns creation.ErrNotFound when absent.
type CreationFileRepo interface {
	creation.Store

	// ListEpochs returns the epoch ids with published files, ascending.
	ListEpochs(ctx context.Context) ([]int64, error)

	// PurgeFilesBefore removes files whose validity ended before cutoff and
	// returns how many were removed.
	PurgeFilesBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
