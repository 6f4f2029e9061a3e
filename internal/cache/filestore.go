package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/subnetindex/settlement/internal/creation"
	"github.com/subnetindex/settlement/internal/persistence"
)

// FileStore wraps a creation-file repository with a read-through cache.
// Creation files are immutable once published, so a long TTL is safe; the
// entry is dropped on insert so a republish race never serves a stale miss.
type FileStore struct {
	repo  persistence.CreationFileRepo
	cache Cache
	ttl   time.Duration
	log   zerolog.Logger
}

func NewFileStore(repo persistence.CreationFileRepo, c Cache, ttl time.Duration, log zerolog.Logger) *FileStore {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &FileStore{repo: repo, cache: c, ttl: ttl, log: log}
}

func fileKey(epochID int64) string { return fmt.Sprintf("creation_file:%d", epochID) }

func (s *FileStore) InsertFile(ctx context.Context, file *creation.File) error {
	if err := s.repo.InsertFile(ctx, file); err != nil {
		return err
	}
	s.cache.Delete(fileKey(file.EpochID))
	return nil
}

func (s *FileStore) GetFile(ctx context.Context, epochID int64) (*creation.File, error) {
	key := fileKey(epochID)
	if raw, ok := s.cache.Get(key); ok {
		var file creation.File
		if err := json.Unmarshal(raw, &file); err == nil {
			return &file, nil
		}
		s.cache.Delete(key)
	}

	file, err := s.repo.GetFile(ctx, epochID)
	if err != nil {
		return nil, err
	}
	if raw, err := json.Marshal(file); err == nil {
		s.cache.Set(key, raw, s.ttl)
	} else {
		s.log.Warn().Err(err).Int64("epoch_id", epochID).Msg("failed to cache creation file")
	}
	return file, nil
}

func (s *FileStore) ListEpochs(ctx context.Context) ([]int64, error) {
	return s.repo.ListEpochs(ctx)
}

func (s *FileStore) PurgeFilesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return s.repo.PurgeFilesBefore(ctx, cutoff)
}
