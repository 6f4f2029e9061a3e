package ledger

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/subnetindex/settlement/internal/basket"
	"github.com/subnetindex/settlement/internal/creation"
	"github.com/subnetindex/settlement/internal/epoch"
	"github.com/subnetindex/settlement/internal/index"
)

// ServiceConfig bounds what the ledger accepts.
type ServiceConfig struct {
	// MaxCreationSize caps creation_size; the floor comes from the active
	// creation file.
	MaxCreationSize uint64

	// RequestTTL, when positive, gives each request a deadline tighter than
	// the epoch end.
	RequestTTL time.Duration
}

// Recorder observes ledger activity, typically backed by the metrics
// registry. Calls happen after the transition has committed.
type Recorder interface {
	RecordTransition(from, to Status)
	RecordRejectedDelivery()
}

// Service drives requests through the state machine. All mutating operations
// guard their transition with a compare-and-swap in the repository, so at
// most one concurrent attempt per edge wins.
type Service struct {
	cfg   ServiceConfig
	clock epoch.Clock
	files creation.Store
	repo  Repo
	log   zerolog.Logger
	rec   Recorder

	// nowFn is swapped in tests.
	nowFn func() time.Time
}

// NewService wires the ledger over its collaborators.
func NewService(cfg ServiceConfig, clock epoch.Clock, files creation.Store, repo Repo, log zerolog.Logger) *Service {
	if cfg.MaxCreationSize == 0 {
		cfg.MaxCreationSize = 1_000_000
	}
	return &Service{
		cfg:   cfg,
		clock: clock,
		files: files,
		repo:  repo,
		log:   log,
		nowFn: time.Now,
	}
}

// SetNow overrides the service's clock source. Test hook.
func (s *Service) SetNow(nowFn func() time.Time) { s.nowFn = nowFn }

// SetRecorder attaches an activity observer. Not safe to call once the
// service is in use.
func (s *Service) SetRecorder(rec Recorder) { s.rec = rec }

// Submit opens a request against the current epoch's creation file. The
// required basket and tolerance are computed once here and frozen. Epoch
// validity is re-checked at the moment of commit, not just when validation
// began, so a request never lands on an epoch that expired mid-submission.
func (s *Service) Submit(ctx context.Context, requester string, creationSize uint64) (*Request, error) {
	if requester == "" {
		return nil, &ValidationError{Field: "requester", Reason: "must not be empty"}
	}

	now := s.nowFn()
	epochID := s.clock.CurrentEpoch(now)
	file, err := s.files.GetFile(ctx, epochID)
	if err != nil {
		if errors.Is(err, creation.ErrNotFound) {
			return nil, fmt.Errorf("%w: epoch %d", ErrNoActiveFile, epochID)
		}
		return nil, fmt.Errorf("ledger: load creation file: %w", err)
	}

	if creationSize < file.MinCreationSize || creationSize > s.cfg.MaxCreationSize {
		return nil, &ValidationError{
			Field:  "creation_size",
			Reason: fmt.Sprintf("%d outside [%d, %d]", creationSize, file.MinCreationSize, s.cfg.MaxCreationSize),
		}
	}
	// Per-asset quantities are bounded by the unit notional, so this one
	// check keeps every basket multiplication inside uint64.
	if file.CreationUnitSize > 0 && creationSize > math.MaxUint64/file.CreationUnitSize {
		return nil, &ValidationError{
			Field:  "creation_size",
			Reason: fmt.Sprintf("%d creation units overflow the %d-unit notional", creationSize, file.CreationUnitSize),
		}
	}

	expiresAt := s.clock.End(epochID)
	if s.cfg.RequestTTL > 0 {
		if deadline := now.Add(s.cfg.RequestTTL); deadline.Before(expiresAt) {
			expiresAt = deadline
		}
	}

	req := &Request{
		ID:             uuid.NewString(),
		Requester:      requester,
		EpochID:        epochID,
		CreationSize:   creationSize,
		Status:         StatusPending,
		RequiredBasket: file.RequiredBasket(creationSize),
		ToleranceBps:   file.ToleranceBps,
		NavPerShare:    decimal.Zero,
		SubmittedAt:    now.UTC(),
		ExpiresAt:      expiresAt,
	}

	// Commit-time re-check: the epoch may have rolled over while the file
	// was loaded and the basket computed.
	if !s.clock.IsActive(epochID, s.nowFn()) {
		return nil, fmt.Errorf("%w: epoch %d ended during submission", ErrNoActiveFile, epochID)
	}
	if err := s.repo.Insert(ctx, req); err != nil {
		return nil, fmt.Errorf("ledger: insert request: %w", err)
	}

	s.log.Info().
		Str("request_id", req.ID).
		Str("requester", requester).
		Int64("epoch_id", epochID).
		Uint64("creation_size", creationSize).
		Time("expires_at", expiresAt).
		Msg("creation request submitted")
	return req, nil
}

// MarkDelivered validates the delivered basket and advances the request to
// Delivered. Invalid baskets leave the request Pending and return a
// DeliveryRejectedError; delivery can be retried until the deadline.
func (s *Service) MarkDelivered(ctx context.Context, id string, delivered index.Basket, proof string) (*Request, error) {
	req, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.Status != StatusPending {
		return nil, &TransitionError{RequestID: id, From: req.Status, To: StatusDelivered}
	}

	now := s.nowFn()
	if !now.Before(req.ExpiresAt) {
		return nil, fmt.Errorf("%w: request %s expired at %s", ErrDeadlinePassed, id, req.ExpiresAt)
	}

	result := basket.Validate(req.RequiredBasket, delivered, req.ToleranceBps)
	if !result.Valid {
		if s.rec != nil {
			s.rec.RecordRejectedDelivery()
		}
		s.log.Warn().
			Str("request_id", id).
			Strs("errors", result.Errors).
			Msg("delivery rejected")
		return nil, &DeliveryRejectedError{RequestID: id, Result: result}
	}

	deliveredAt := now.UTC()
	req.DeliveredBasket = delivered.Clone()
	req.DeliveryProof = proof
	req.DeliveredAt = &deliveredAt
	req.Status = StatusDelivered
	if err := s.commit(ctx, req, StatusPending); err != nil {
		return nil, err
	}

	s.log.Info().Str("request_id", id).Msg("basket delivered and validated")
	return req, nil
}

// MarkAttested records the settlement terms supplied by the attestation
// authority. Legal only from Delivered.
func (s *Service) MarkAttested(ctx context.Context, id string, navPerShare decimal.Decimal, sharesOut, fees, cashComponent uint64) (*Request, error) {
	req, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.Status != StatusDelivered {
		return nil, &TransitionError{RequestID: id, From: req.Status, To: StatusAttested}
	}
	if navPerShare.IsNegative() {
		return nil, &ValidationError{Field: "nav_per_share", Reason: "must not be negative"}
	}

	attestedAt := s.nowFn().UTC()
	req.NavPerShare = navPerShare
	req.SharesOut = sharesOut
	req.Fees = fees
	req.CashComponent = cashComponent
	req.AttestedAt = &attestedAt
	req.Status = StatusAttested
	if err := s.commit(ctx, req, StatusDelivered); err != nil {
		return nil, err
	}

	s.log.Info().
		Str("request_id", id).
		Str("nav_per_share", navPerShare.String()).
		Uint64("shares_out", sharesOut).
		Msg("settlement terms attested")
	return req, nil
}

// MarkMinted closes the request as settled. Legal only from Attested.
func (s *Service) MarkMinted(ctx context.Context, id string) (*Request, error) {
	return s.close(ctx, id, StatusMinted, "minted", StatusAttested)
}

// MarkRefunded closes the request with delivered assets returned. Legal from
// Delivered or Attested; invoked by the settlement operator, never by the
// enforcer.
func (s *Service) MarkRefunded(ctx context.Context, id, reason string) (*Request, error) {
	return s.close(ctx, id, StatusRefunded, reason, StatusDelivered, StatusAttested)
}

// MarkExpired closes the request past its deadline. Legal from Pending,
// Delivered, or Attested; invoked by the epoch enforcer.
func (s *Service) MarkExpired(ctx context.Context, id, reason string) (*Request, error) {
	return s.close(ctx, id, StatusExpired, reason, StatusPending, StatusDelivered, StatusAttested)
}

func (s *Service) close(ctx context.Context, id string, to Status, reason string, legalFrom ...Status) (*Request, error) {
	req, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	from := req.Status
	legal := false
	for _, status := range legalFrom {
		if from == status {
			legal = true
			break
		}
	}
	if !legal || !CanTransition(from, to) {
		return nil, &TransitionError{RequestID: id, From: from, To: to}
	}

	closedAt := s.nowFn().UTC()
	req.Status = to
	req.ClosedAt = &closedAt
	req.CloseReason = reason
	if err := s.commit(ctx, req, from); err != nil {
		return nil, err
	}

	s.log.Info().
		Str("request_id", id).
		Str("status", string(to)).
		Str("reason", reason).
		Msg("request closed")
	return req, nil
}

// commit performs the CAS update and converts a lost race into the explicit
// transition error naming the winner's state.
func (s *Service) commit(ctx context.Context, req *Request, expected Status) error {
	err := s.repo.Update(ctx, req, expected)
	if err == nil {
		if s.rec != nil {
			s.rec.RecordTransition(expected, req.Status)
		}
		return nil
	}
	if errors.Is(err, ErrStatusConflict) {
		current, getErr := s.repo.Get(ctx, req.ID)
		if getErr == nil {
			return &TransitionError{RequestID: req.ID, From: current.Status, To: req.Status}
		}
		return &TransitionError{RequestID: req.ID, From: expected, To: req.Status}
	}
	return fmt.Errorf("ledger: update request %s: %w", req.ID, err)
}

// Get returns one request by id.
func (s *Service) Get(ctx context.Context, id string) (*Request, error) {
	return s.repo.Get(ctx, id)
}

// ListByStatus returns all requests in the given state.
func (s *Service) ListByStatus(ctx context.Context, status Status) ([]*Request, error) {
	if !status.Valid() {
		return nil, &ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", status)}
	}
	return s.repo.ListByStatus(ctx, status)
}

// ListActiveByEpoch returns non-terminal requests pinned to epochID.
func (s *Service) ListActiveByEpoch(ctx context.Context, epochID int64) ([]*Request, error) {
	return s.repo.ListActiveByEpoch(ctx, epochID)
}

// ListDeadlineExceeded returns non-terminal requests whose expires_at has
// passed at now.
func (s *Service) ListDeadlineExceeded(ctx context.Context, now time.Time) ([]*Request, error) {
	return s.repo.ListDeadlineExceeded(ctx, now)
}

// Stats summarizes the ledger by status.
func (s *Service) Stats(ctx context.Context) (map[Status]int64, error) {
	return s.repo.CountByStatus(ctx)
}

// PurgeTerminalBefore removes terminal requests closed before cutoff and
// returns how many were purged.
func (s *Service) PurgeTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return s.repo.PurgeTerminalBefore(ctx, cutoff)
}
