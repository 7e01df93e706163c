// Package setup builds the engine's runtime wiring from configuration:
// reference-data service, persistence store, ledger, template store and the
// import pipeline.
package setup

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/amr-import-engine/internal/config"
	"github.com/amr-import-engine/internal/database"
	"github.com/amr-import-engine/internal/domain"
	"github.com/amr-import-engine/internal/ledger"
	"github.com/amr-import-engine/internal/mapping"
	"github.com/amr-import-engine/internal/pipeline"
	"github.com/amr-import-engine/internal/refdata"
	"github.com/amr-import-engine/internal/store"
)

// Options tunes the wiring.
type Options struct {
	// DryRun swaps the postgres store for an in-memory one: the whole
	// pipeline runs, nothing is persisted.
	DryRun bool
	// RunMigrations applies pending schema migrations before wiring.
	RunMigrations bool
}

// Engine is the fully wired import engine.
type Engine struct {
	Config    *domain.Config
	Log       *logrus.Logger
	RefData   domain.ReferenceDataService
	Store     domain.PersistenceStore
	Templates domain.TemplateStore
	Ledger    domain.Ledger
	Pipeline  *pipeline.Pipeline

	closers []func()
}

// Build wires the engine from validated configuration.
func Build(ctx context.Context, mgr *config.Manager, opts Options) (*Engine, error) {
	cfg := mgr.GetConfig()
	log := mgr.NewLogger()
	e := &Engine{Config: cfg, Log: log}

	if opts.RunMigrations && !opts.DryRun {
		if err := database.Migrate(mgr.DatabaseURL(), cfg.Database.MigrationsPath, log); err != nil {
			return nil, err
		}
	}

	refsvc, err := buildRefData(cfg, log)
	if err != nil {
		e.Close()
		return nil, err
	}
	e.RefData = refsvc

	if opts.DryRun {
		e.Store = store.NewMemoryStore()
		led, err := ledger.NewSQLiteLedger(cfg.Ledger.Path)
		if err != nil {
			e.Close()
			return nil, err
		}
		e.Ledger = led
		e.closers = append(e.closers, func() { led.Close() })
	} else {
		db, err := database.NewConnection(ctx, cfg.Database, log)
		if err != nil {
			e.Close()
			return nil, err
		}
		e.closers = append(e.closers, db.Close)
		e.Store = store.NewPostgresStore(db.Pool, log)

		templates, err := mapping.NewPostgresTemplateStoreFromURL(mgr.DatabaseURL())
		if err != nil {
			e.Close()
			return nil, err
		}
		e.Templates = templates

		switch cfg.Ledger.Backend {
		case "postgres":
			led, err := ledger.NewPostgresLedger(mgr.DatabaseURL())
			if err != nil {
				e.Close()
				return nil, err
			}
			e.Ledger = led
			e.closers = append(e.closers, func() { led.Close() })
		default:
			led, err := ledger.NewSQLiteLedger(cfg.Ledger.Path)
			if err != nil {
				e.Close()
				return nil, err
			}
			e.Ledger = led
			e.closers = append(e.closers, func() { led.Close() })
		}
	}

	var sink domain.NotificationSink = pipeline.NewLogSink(log)
	if cfg.Redis.Enabled {
		rs, err := pipeline.NewRedisSink(cfg.Redis, "", log)
		if err != nil {
			log.WithError(err).Warn("Redis sink unavailable; batch events go to the log")
		} else {
			sink = rs
			e.closers = append(e.closers, func() { rs.Close() })
		}
	}

	pipe, err := pipeline.New(cfg.Import, pipeline.Deps{
		Log:       log,
		RefData:   e.RefData,
		Store:     e.Store,
		Templates: e.Templates,
		Ledger:    e.Ledger,
		Sink:      sink,
	})
	if err != nil {
		e.Close()
		return nil, err
	}
	e.Pipeline = pipe
	return e, nil
}

// buildRefData selects embedded snapshot or remote client, with an optional
// redis read-through cache over either.
func buildRefData(cfg *domain.Config, log *logrus.Logger) (domain.ReferenceDataService, error) {
	var svc domain.ReferenceDataService
	switch cfg.RefData.Mode {
	case "remote":
		svc = refdata.NewClient(cfg.RefData, log)
	default:
		snapshot, err := refdata.LoadSnapshot(cfg.RefData.Path)
		if err != nil {
			return nil, fmt.Errorf("loading reference snapshot: %w", err)
		}
		svc = snapshot
	}

	if cfg.Redis.Enabled {
		cached, err := refdata.NewCachedService(svc, cfg.Redis)
		if err != nil {
			// A missing cache must not block imports.
			log.WithError(err).Warn("Redis cache unavailable; using direct reference lookups")
			return svc, nil
		}
		return cached, nil
	}
	return svc, nil
}

// Close releases every resource the engine opened.
func (e *Engine) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		e.closers[i]()
	}
}
