// Package enforcer reconciles the request ledger against the epoch clock: it
// expires requests on epoch rollover and missed deadlines, purges state past
// retention, and fans out notifications to registered observers.
package enforcer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/subnetindex/settlement/internal/epoch"
	"github.com/subnetindex/settlement/internal/ledger"
	"github.com/subnetindex/settlement/internal/persistence"
)

// Notifier receives enforcement events. A returned error is logged and
// counted; it is never retried, because the underlying transition already
// happened exactly once.
type Notifier interface {
	RequestExpired(req *ledger.Request, reason string) error
	EpochTransition(summary TransitionSummary) error
}

// Metrics observes sweep activity, typically backed by the metrics registry.
type Metrics interface {
	RecordSweep(epochID int64, duration time.Duration, purgedRequests, purgedFiles int64)
	RecordExpired(reason string, count int)
	RecordRollover()
}

// TransitionSummary describes one observed epoch rollover.
type TransitionSummary struct {
	FromEpoch int64     `json:"from_epoch"`
	ToEpoch   int64     `json:"to_epoch"`
	Expired   int       `json:"expired_requests"`
	At        time.Time `json:"at"`
}

// SweepResult reports what one sweep pass did.
type SweepResult struct {
	Epoch           int64
	RolledOver      bool
	ExpiredRollover int
	ExpiredDeadline int
	PurgedRequests  int64
	PurgedFiles     int64
	NotifyErrors    int
	Duration        time.Duration
}

// Config controls sweep cadence and retention windows.
type Config struct {
	Interval         time.Duration
	RequestRetention time.Duration
	FileRetention    time.Duration
}

// Enforcer runs the periodic sweep. Sweeps are serialized; running one twice
// over unchanged state fires no callback twice, because only non-terminal
// requests are ever expired.
type Enforcer struct {
	cfg       Config
	clock     epoch.Clock
	svc       *ledger.Service
	files     persistence.CreationFileRepo
	notifiers []Notifier
	metrics   Metrics
	log       zerolog.Logger

	nowFn func() time.Time

	mu        sync.Mutex
	lastEpoch int64
	primed    bool
}

// New creates an enforcer over the ledger service and creation-file store.
func New(cfg Config, clock epoch.Clock, svc *ledger.Service, files persistence.CreationFileRepo, log zerolog.Logger) *Enforcer {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.RequestRetention <= 0 {
		cfg.RequestRetention = 30 * 24 * time.Hour
	}
	if cfg.FileRetention <= 0 {
		cfg.FileRetention = 2 * epoch.DefaultDuration
	}
	return &Enforcer{
		cfg:   cfg,
		clock: clock,
		svc:   svc,
		files: files,
		log:   log,
		nowFn: time.Now,
	}
}

// Register adds a notification observer. Not safe to call once Run started.
func (e *Enforcer) Register(n Notifier) { e.notifiers = append(e.notifiers, n) }

// SetMetrics attaches a sweep observer. Not safe to call once Run started.
func (e *Enforcer) SetMetrics(m Metrics) { e.metrics = m }

// SetNow overrides the enforcer's clock source. Test hook.
func (e *Enforcer) SetNow(nowFn func() time.Time) { e.nowFn = nowFn }

// Run sweeps on the configured interval until ctx is cancelled.
func (e *Enforcer) Run(ctx context.Context) error {
	e.log.Info().Dur("interval", e.cfg.Interval).Msg("epoch enforcer starting")
	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.log.Info().Msg("epoch enforcer stopping")
			return ctx.Err()
		case <-ticker.C:
			if _, err := e.Sweep(ctx); err != nil {
				e.log.Error().Err(err).Msg("sweep failed")
			}
		}
	}
}

// Sweep runs one enforcement pass: expire everything past its deadline
// (epoch rollover or request-specific), fire notifications, and purge state
// past retention. Idempotent and re-entrant.
func (e *Enforcer) Sweep(ctx context.Context) (SweepResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	started := e.nowFn()
	now := started
	current := e.clock.CurrentEpoch(now)
	result := SweepResult{Epoch: current}

	rolled := e.primed && current > e.lastEpoch
	fromEpoch := e.lastEpoch
	if !e.primed {
		e.primed = true
	}
	e.lastEpoch = current

	// A request whose epoch ended always has expires_at <= epoch end, so one
	// deadline query covers both rollover and tighter per-request deadlines.
	due, err := e.svc.ListDeadlineExceeded(ctx, now)
	if err != nil {
		return result, err
	}

	for _, req := range due {
		reason := "deadline exceeded"
		if req.EpochID < current {
			reason = "epoch rollover"
		}

		expired, err := e.svc.MarkExpired(ctx, req.ID, reason)
		if err != nil {
			// A concurrent winner already closed it; nothing to notify.
			if errors.Is(err, ledger.ErrIllegalTransition) {
				continue
			}
			return result, err
		}
		if reason == "epoch rollover" {
			result.ExpiredRollover++
		} else {
			result.ExpiredDeadline++
		}
		for _, n := range e.notifiers {
			if err := n.RequestExpired(expired, reason); err != nil {
				result.NotifyErrors++
				e.log.Error().Err(err).Str("request_id", expired.ID).Msg("expiration notification failed")
			}
		}
	}

	if rolled {
		result.RolledOver = true
		summary := TransitionSummary{
			FromEpoch: fromEpoch,
			ToEpoch:   current,
			Expired:   result.ExpiredRollover,
			At:        now,
		}
		for _, n := range e.notifiers {
			if err := n.EpochTransition(summary); err != nil {
				result.NotifyErrors++
				e.log.Error().Err(err).Msg("epoch transition notification failed")
			}
		}
		e.log.Info().
			Int64("from_epoch", fromEpoch).
			Int64("to_epoch", current).
			Int("expired", result.ExpiredRollover).
			Msg("epoch rollover handled")
	}

	if result.PurgedRequests, err = e.svc.PurgeTerminalBefore(ctx, now.Add(-e.cfg.RequestRetention)); err != nil {
		return result, err
	}
	if result.PurgedFiles, err = e.files.PurgeFilesBefore(ctx, now.Add(-e.cfg.FileRetention)); err != nil {
		return result, err
	}

	result.Duration = e.nowFn().Sub(started)
	if e.metrics != nil {
		e.metrics.RecordSweep(current, result.Duration, result.PurgedRequests, result.PurgedFiles)
		e.metrics.RecordExpired("epoch rollover", result.ExpiredRollover)
		e.metrics.RecordExpired("deadline exceeded", result.ExpiredDeadline)
		if result.RolledOver {
			e.metrics.RecordRollover()
		}
	}
	if result.ExpiredRollover+result.ExpiredDeadline > 0 || result.PurgedRequests > 0 || result.PurgedFiles > 0 {
		e.log.Info().
			Int("expired_rollover", result.ExpiredRollover).
			Int("expired_deadline", result.ExpiredDeadline).
			Int64("purged_requests", result.PurgedRequests).
			Int64("purged_files", result.PurgedFiles).
			Msg("sweep completed")
	}
	return result, nil
}
