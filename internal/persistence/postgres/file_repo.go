package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/subnetindex/settlement/internal/creation"
	"github.com/subnetindex/settlement/internal/persistence"
)

// fileRepo implements CreationFileRepo for PostgreSQL.
type fileRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewFileRepo creates a PostgreSQL creation-file repository.
func NewFileRepo(db *sqlx.DB, timeout time.Duration) persistence.CreationFileRepo {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &fileRepo{db: db, timeout: timeout}
}

// InsertFile commits a file exactly once per epoch; the primary key on
// epoch_id turns a concurrent double-publish into ErrAlreadyPublished for
// every writer but one.
func (r *fileRepo) InsertFile(ctx context.Context, file *creation.File) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	assetsJSON, err := json.Marshal(file.Assets)
	if err != nil {
		return fmt.Errorf("failed to marshal assets: %w", err)
	}

	query := `
		INSERT INTO creation_files
		(epoch_id, weights_hash, valid_from, valid_until, creation_unit_size,
		 cash_component_bps, tolerance_bps, min_creation_size, assets,
		 published_at, published_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	_, err = r.db.ExecContext(ctx, query,
		file.EpochID, file.WeightsHash, file.ValidFrom, file.ValidUntil,
		int64(file.CreationUnitSize), file.CashComponentBps, file.ToleranceBps,
		int64(file.MinCreationSize), assetsJSON, file.PublishedAt, file.PublishedBy)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return creation.ErrAlreadyPublished
		}
		return fmt.Errorf("failed to insert creation file: %w", err)
	}
	return nil
}

// GetFile returns the file published for epochID.
func (r *fileRepo) GetFile(ctx context.Context, epochID int64) (*creation.File, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT epoch_id, weights_hash, valid_from, valid_until, creation_unit_size,
		       cash_component_bps, tolerance_bps, min_creation_size, assets,
		       published_at, published_by
		FROM creation_files
		WHERE epoch_id = $1`

	var row struct {
		EpochID          int64     `db:"epoch_id"`
		WeightsHash      string    `db:"weights_hash"`
		ValidFrom        time.Time `db:"valid_from"`
		ValidUntil       time.Time `db:"valid_until"`
		CreationUnitSize int64     `db:"creation_unit_size"`
		CashComponentBps uint32    `db:"cash_component_bps"`
		ToleranceBps     uint32    `db:"tolerance_bps"`
		MinCreationSize  int64     `db:"min_creation_size"`
		Assets           []byte    `db:"assets"`
		PublishedAt      time.Time `db:"published_at"`
		PublishedBy      string    `db:"published_by"`
	}
	if err := r.db.GetContext(ctx, &row, query, epochID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, creation.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get creation file: %w", err)
	}

	file := &creation.File{
		EpochID:          row.EpochID,
		WeightsHash:      row.WeightsHash,
		ValidFrom:        row.ValidFrom,
		ValidUntil:       row.ValidUntil,
		CreationUnitSize: uint64(row.CreationUnitSize),
		CashComponentBps: row.CashComponentBps,
		ToleranceBps:     row.ToleranceBps,
		MinCreationSize:  uint64(row.MinCreationSize),
		PublishedAt:      row.PublishedAt,
		PublishedBy:      row.PublishedBy,
	}
	if err := json.Unmarshal(row.Assets, &file.Assets); err != nil {
		return nil, fmt.Errorf("failed to unmarshal assets: %w", err)
	}
	return file, nil
}

// ListEpochs returns published epoch ids in ascending order.
func (r *fileRepo) ListEpochs(ctx context.Context) ([]int64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var epochs []int64
	if err := r.db.SelectContext(ctx, &epochs,
		`SELECT epoch_id FROM creation_files ORDER BY epoch_id ASC`); err != nil {
		return nil, fmt.Errorf("failed to list epochs: %w", err)
	}
	return epochs, nil
}

// PurgeFilesBefore removes files whose validity ended before cutoff.
func (r *fileRepo) PurgeFilesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx,
		`DELETE FROM creation_files WHERE valid_until < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge creation files: %w", err)
	}
	return res.RowsAffected()
}
