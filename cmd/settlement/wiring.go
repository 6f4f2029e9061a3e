package main

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"

	"github.com/subnetindex/settlement/internal/cache"
	"github.com/subnetindex/settlement/internal/config"
	"github.com/subnetindex/settlement/internal/creation"
	"github.com/subnetindex/settlement/internal/enforcer"
	"github.com/subnetindex/settlement/internal/epoch"
	"github.com/subnetindex/settlement/internal/ledger"
	"github.com/subnetindex/settlement/internal/logging"
	"github.com/subnetindex/settlement/internal/metrics"
	"github.com/subnetindex/settlement/internal/persistence"
	"github.com/subnetindex/settlement/internal/persistence/memory"
	"github.com/subnetindex/settlement/internal/persistence/postgres"
)

// app holds the wired service graph shared by all subcommands.
type app struct {
	cfg      *config.Config
	log      zerolog.Logger
	clock    epoch.Clock
	files    persistence.CreationFileRepo
	requests persistence.RequestRepo
	svc      *ledger.Service
	pub      *creation.Publisher
	enf      *enforcer.Enforcer
	reg      *metrics.Registry

	db *sqlx.DB // nil when running on the in-memory stores
}

// buildApp loads configuration and wires stores, services, and metrics.
// An empty postgres DSN selects the in-memory stores.
func buildApp(ctx context.Context, cfgPath string) (*app, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	log := logging.Setup(cfg.Log.Level, cfg.Log.Pretty)

	a := &app{
		cfg:   cfg,
		log:   log,
		clock: epoch.NewClock(cfg.Epoch.Anchor, cfg.Epoch.Duration.Std()),
		reg:   metrics.New(),
	}

	if cfg.Postgres.DSN != "" {
		db, err := postgres.Connect(ctx, cfg.Postgres.DSN)
		if err != nil {
			return nil, err
		}
		if err := postgres.EnsureSchema(ctx, db); err != nil {
			db.Close()
			return nil, err
		}
		a.db = db
		a.files = postgres.NewFileRepo(db, cfg.Postgres.QueryTimeout.Std())
		a.requests = postgres.NewRequestRepo(db, cfg.Postgres.QueryTimeout.Std())
		log.Info().Msg("postgres stores initialized")
	} else {
		a.files = memory.NewFileRepo()
		a.requests = memory.NewRequestRepo()
		log.Warn().Msg("running on in-memory stores; state will not survive restarts")
	}

	// Creation files are read far more often than written; keep them hot.
	a.files = cache.NewFileStore(a.files, cache.NewAuto(cfg.Redis.Addr), cfg.Redis.CacheTTL.Std(), log)

	a.pub, err = creation.NewPublisher(creation.PublisherConfig{
		IndexSize:        cfg.Index.Size,
		CreationUnitSize: cfg.Creation.UnitSize,
		CashComponentBps: cfg.Creation.CashComponentBps,
		ToleranceBps:     cfg.Creation.ToleranceBps,
		MinCreationSize:  cfg.Creation.MinCreationSize,
		PublishedBy:      cfg.Creation.PublishedBy,
	}, a.clock, a.files, log)
	if err != nil {
		return nil, err
	}

	a.svc = ledger.NewService(ledger.ServiceConfig{
		MaxCreationSize: cfg.Ledger.MaxCreationSize,
		RequestTTL:      cfg.Ledger.RequestTTL.Std(),
	}, a.clock, a.files, a.requests, log)
	a.svc.SetRecorder(a.reg)

	a.enf = enforcer.New(enforcer.Config{
		Interval:         cfg.Enforcer.Interval.Std(),
		RequestRetention: cfg.Enforcer.RequestRetention.Std(),
		FileRetention:    cfg.Enforcer.FileRetention.Std(),
	}, a.clock, a.svc, a.files, log)
	a.enf.SetMetrics(a.reg)

	a.reg.CurrentEpoch.Set(float64(a.clock.CurrentEpoch(time.Now())))
	return a, nil
}

// Close releases store connections.
func (a *app) Close() {
	if a.db != nil {
		a.db.Close()
	}
}
