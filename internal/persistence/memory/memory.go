// Package memory provides in-memory repositories: the test fake and the
// default store for single-process deployments. Semantics match the postgres
// implementations, including the compare-and-swap update.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/subnetindex/settlement/internal/creation"
	"github.com/subnetindex/settlement/internal/ledger"
)

// RequestRepo is a mutex-guarded map keyed by request id.
type RequestRepo struct {
	mu       sync.RWMutex
	requests map[string]*ledger.Request
}

// NewRequestRepo creates an empty request store.
func NewRequestRepo() *RequestRepo {
	return &RequestRepo{requests: make(map[string]*ledger.Request)}
}

func cloneRequest(req *ledger.Request) *ledger.Request {
	out := *req
	out.RequiredBasket = req.RequiredBasket.Clone()
	if req.DeliveredBasket != nil {
		out.DeliveredBasket = req.DeliveredBasket.Clone()
	}
	return &out
}

// Insert stores a new request.
func (r *RequestRepo) Insert(_ context.Context, req *ledger.Request) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests[req.ID] = cloneRequest(req)
	return nil
}

// Get returns the request with the given id.
func (r *RequestRepo) Get(_ context.Context, id string) (*ledger.Request, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	req, ok := r.requests[id]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	return cloneRequest(req), nil
}

// Update replaces the stored request iff its status still equals expected.
// The losing writer of a race gets ledger.ErrStatusConflict.
func (r *RequestRepo) Update(_ context.Context, req *ledger.Request, expected ledger.Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.requests[req.ID]
	if !ok {
		return ledger.ErrNotFound
	}
	if current.Status != expected {
		return ledger.ErrStatusConflict
	}
	r.requests[req.ID] = cloneRequest(req)
	return nil
}

// ListByStatus returns all requests in the given state, oldest first.
func (r *RequestRepo) ListByStatus(_ context.Context, status ledger.Status) ([]*ledger.Request, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*ledger.Request
	for _, req := range r.requests {
		if req.Status == status {
			out = append(out, cloneRequest(req))
		}
	}
	sortBySubmitted(out)
	return out, nil
}

// ListActiveByEpoch returns non-terminal requests pinned to epochID.
func (r *RequestRepo) ListActiveByEpoch(_ context.Context, epochID int64) ([]*ledger.Request, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*ledger.Request
	for _, req := range r.requests {
		if req.EpochID == epochID && !req.Status.Terminal() {
			out = append(out, cloneRequest(req))
		}
	}
	sortBySubmitted(out)
	return out, nil
}

// ListDeadlineExceeded returns non-terminal requests past expires_at.
func (r *RequestRepo) ListDeadlineExceeded(_ context.Context, now time.Time) ([]*ledger.Request, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*ledger.Request
	for _, req := range r.requests {
		if !req.Status.Terminal() && !now.Before(req.ExpiresAt) {
			out = append(out, cloneRequest(req))
		}
	}
	sortBySubmitted(out)
	return out, nil
}

// CountByStatus returns request counts grouped by status.
func (r *RequestRepo) CountByStatus(_ context.Context) (map[ledger.Status]int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	counts := make(map[ledger.Status]int64)
	for _, req := range r.requests {
		counts[req.Status]++
	}
	return counts, nil
}

// PurgeTerminalBefore removes terminal requests closed before cutoff.
func (r *RequestRepo) PurgeTerminalBefore(_ context.Context, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var purged int64
	for id, req := range r.requests {
		if req.Status.Terminal() && req.ClosedAt != nil && req.ClosedAt.Before(cutoff) {
			delete(r.requests, id)
			purged++
		}
	}
	return purged, nil
}

func sortBySubmitted(reqs []*ledger.Request) {
	sort.Slice(reqs, func(i, j int) bool {
		if reqs[i].SubmittedAt.Equal(reqs[j].SubmittedAt) {
			return reqs[i].ID < reqs[j].ID
		}
		return reqs[i].SubmittedAt.Before(reqs[j].SubmittedAt)
	})
}

// FileRepo is a mutex-guarded map of creation files keyed by epoch id.
type FileRepo struct {
	mu    sync.RWMutex
	files map[int64]*creation.File
}

// NewFileRepo creates an empty creation-file store.
func NewFileRepo() *FileRepo {
	return &FileRepo{files: make(map[int64]*creation.File)}
}

func cloneFile(file *creation.File) *creation.File {
	out := *file
	out.Assets = append([]creation.AssetSpec(nil), file.Assets...)
	return &out
}

// InsertFile commits a file exactly once per epoch.
func (r *FileRepo) InsertFile(_ context.Context, file *creation.File) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.files[file.EpochID]; ok {
		return creation.ErrAlreadyPublished
	}
	r.files[file.EpochID] = cloneFile(file)
	return nil
}

// GetFile returns the file published for epochID.
func (r *FileRepo) GetFile(_ context.Context, epochID int64) (*creation.File, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	file, ok := r.files[epochID]
	if !ok {
		return nil, creation.ErrNotFound
	}
	return cloneFile(file), nil
}

// ListEpochs returns published epoch ids in ascending order.
func (r *FileRepo) ListEpochs(_ context.Context) ([]int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	epochs := make([]int64, 0, len(r.files))
	for id := range r.files {
		epochs = append(epochs, id)
	}
	sort.Slice(epochs, func(i, j int) bool { return epochs[i] < epochs[j] })
	return epochs, nil
}

// PurgeFilesBefore removes files whose validity ended before cutoff.
func (r *FileRepo) PurgeFilesBefore(_ context.Context, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var purged int64
	for id, file := range r.files {
		if file.ValidUntil.Before(cutoff) {
			delete(r.files, id)
			purged++
		}
	}
	return purged, nil
}
