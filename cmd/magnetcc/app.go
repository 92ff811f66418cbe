// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/gofrs/flock"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"

	"github.com/autobrr/magnetcc/internal/buildinfo"
	"github.com/autobrr/magnetcc/internal/config"
	"github.com/autobrr/magnetcc/internal/database"
	"github.com/autobrr/magnetcc/internal/domain"
	"github.com/autobrr/magnetcc/internal/metrics"
	"github.com/autobrr/magnetcc/internal/models"
	"github.com/autobrr/magnetcc/internal/qbittorrent"
	"github.com/autobrr/magnetcc/internal/rules"
	"github.com/autobrr/magnetcc/internal/scanner"
	"github.com/autobrr/magnetcc/internal/services/reconcile"
	"github.com/autobrr/magnetcc/internal/services/scheduler"
	"github.com/autobrr/magnetcc/internal/tracker"
)

var errLocked = errors.New("another magnetcc process holds the data directory lock")

type globalOptions struct {
	configDir string
	dataDir   string
	logPath   string
}

// Application owns every long-lived component of one magnetcc process.
type Application struct {
	cfg  *config.AppConfig
	lock *flock.Flock
	db   *database.DB

	records    *models.RecordStore
	ruleStore  *models.TrackerRuleStore
	aliasStore *models.TrackerAliasStore
	health     *models.HealthStore

	engine    *rules.Engine
	resolver  *tracker.Resolver
	pool      *qbittorrent.ClientPool
	scanner   *scanner.Scanner
	service   *reconcile.Service
	metrics   *metrics.Metrics
	scheduler *scheduler.Scheduler
}

// openApplication loads configuration, opens the record store and builds the
// pipeline. With exclusive set the data directory lock is taken first so that
// only one process ever dispatches.
func openApplication(ctx context.Context, opts globalOptions, exclusive bool) (*Application, error) {
	cfg, err := config.New(opts.configDir, buildinfo.Version)
	if err != nil {
		return nil, errors.Wrap(err, "failed to initialize configuration")
	}

	if opts.dataDir != "" {
		os.Setenv("MAGNETCC__DATA_DIR", opts.dataDir)
		cfg.SetDataDir(opts.dataDir)
	}
	if opts.logPath != "" {
		os.Setenv("MAGNETCC__LOG_PATH", opts.logPath)
		cfg.Config.LogPath = opts.logPath
	}
	cfg.ApplyLogConfig()

	app := &Application{cfg: cfg}

	if exclusive {
		if err := os.MkdirAll(cfg.GetDataDir(), 0o755); err != nil {
			return nil, errors.Wrap(err, "failed to create data directory")
		}
		lock := flock.New(cfg.GetLockPath())
		ok, err := lock.TryLock()
		if err != nil {
			return nil, errors.Wrap(err, "acquire lock")
		}
		if !ok {
			return nil, fmt.Errorf("%w: %s", errLocked, cfg.GetLockPath())
		}
		app.lock = lock
	}

	if err := app.build(ctx, exclusive); err != nil {
		app.Close()
		return nil, err
	}
	return app, nil
}

func (app *Application) build(ctx context.Context, seed bool) error {
	c := app.cfg.Config

	for name, problem := range config.Validate(c) {
		log.Warn().Err(problem).Str("client", name).Msg("Client session is not usable")
	}
	for _, cl := range c.Clients {
		if cl.Affinity == "" {
			continue
		}
		if _, err := reconcile.CompileAffinity(cl.Affinity); err != nil {
			log.Warn().Err(err).Str("client", cl.Name).Msg("Invalid affinity expression, the client will not be chosen by affinity")
		}
	}

	db, err := database.New(app.cfg.GetDatabasePath())
	if err != nil {
		return errors.Wrap(err, "failed to initialize database")
	}
	app.db = db

	app.records = models.NewRecordStore(db)
	app.ruleStore = models.NewTrackerRuleStore(db)
	app.aliasStore = models.NewTrackerAliasStore(db)
	app.health = models.NewHealthStore(db)

	app.resolver, err = tracker.NewResolver(app.aliasStore, c.Heuristics)
	if err != nil {
		return errors.Wrap(err, "failed to build tracker resolver")
	}
	app.engine = rules.NewEngine(app.ruleStore, rules.DefaultsFromConfig(c.Dispatch))

	// Read-only commands must not write over a running server's state.
	if seed {
		if err := app.resolver.SeedAliases(ctx, c.Aliases); err != nil {
			return errors.Wrap(err, "failed to seed tracker aliases")
		}
		if err := app.seedRules(ctx, c.Rules); err != nil {
			return err
		}
	} else if err := app.engine.Load(ctx); err != nil {
		return errors.Wrap(err, "failed to load tracker rules")
	}

	app.pool = qbittorrent.NewClientPool(c.Clients, app.health)
	app.scanner = scanner.New(afero.NewOsFs(), scanner.Config{Dirs: c.Scan.Dirs, Recursive: c.Scan.Recursive})
	app.service = reconcile.NewService(reconcile.Deps{
		Scanner:  app.scanner,
		Resolver: app.resolver,
		Rules:    app.engine,
		Records:  app.records,
		Health:   app.health,
		Sessions: reconcile.NewPoolSessions(app.pool),
	}, c.Dispatch)

	app.metrics = metrics.New()
	app.scheduler = scheduler.New(app.service, &cycleObserver{metrics: app.metrics, records: app.records}, schedulerConfig(c))

	return nil
}

// seedRules replaces the stored rule set when the config file declares rules.
// Without [[rules]] the store is left to the API and CLI.
func (app *Application) seedRules(ctx context.Context, cfgs []domain.RuleConfig) error {
	if len(cfgs) > 0 {
		if err := app.ruleStore.Replace(ctx, rules.FromConfig(cfgs)); err != nil {
			return errors.Wrap(err, "failed to seed tracker rules")
		}
		log.Debug().Int("rules", len(cfgs)).Msg("Seeded tracker rules from config")
	}
	if err := app.engine.Load(ctx); err != nil {
		return errors.Wrap(err, "failed to load tracker rules")
	}
	for _, conflict := range app.engine.Validate() {
		log.Warn().Err(conflict).Msg("Conflicting tracker rules, affected records will not be dispatched")
	}
	return nil
}

// applyConfig pushes a reloaded config into the running components.
func (app *Application) applyConfig(c *domain.Config) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	app.pool.UpdateConfigs(c.Clients)
	app.engine.SetDefaults(rules.DefaultsFromConfig(c.Dispatch))
	app.service.SetDispatchConfig(c.Dispatch)
	app.scanner.SetConfig(scanner.Config{Dirs: c.Scan.Dirs, Recursive: c.Scan.Recursive})
	app.scheduler.SetConfig(schedulerConfig(c))

	if err := app.resolver.SeedAliases(ctx, c.Aliases); err != nil {
		log.Error().Err(err).Msg("Failed to apply tracker aliases from reloaded config")
	}
	if err := app.seedRules(ctx, c.Rules); err != nil {
		log.Error().Err(err).Msg("Failed to apply tracker rules from reloaded config")
	}

	log.Info().Msg("Applied reloaded configuration")
}

func (app *Application) Close() {
	if app.pool != nil {
		_ = app.pool.Close()
	}
	if app.service != nil {
		app.service.Close()
	}
	if app.db != nil {
		if err := app.db.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close database")
		}
	}
	if app.lock != nil {
		if err := app.lock.Unlock(); err != nil {
			log.Warn().Err(err).Msg("Failed to release lock")
		}
	}
}

func schedulerConfig(c *domain.Config) scheduler.Config {
	return scheduler.Config{
		Interval:  time.Duration(c.Scan.IntervalMinutes) * time.Minute,
		Watch:     c.Scan.Watch,
		Dirs:      c.Scan.Dirs,
		Recursive: c.Scan.Recursive,
	}
}

// cycleObserver feeds cycle outcomes and per-tracker record counts into metrics.
type cycleObserver struct {
	metrics *metrics.Metrics
	records *models.RecordStore
}

func (o *cycleObserver) ObserveCycle(report *reconcile.CycleReport, err error) {
	o.metrics.ObserveCycle(report, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	counts, cerr := o.records.TrackerCounts(ctx)
	if cerr != nil {
		log.Warn().Err(cerr).Msg("Failed to count records for metrics")
		return
	}
	o.metrics.ObserveRecords(counts)
}

func (o *cycleObserver) ObserveSkipped() {
	o.metrics.ObserveSkipped()
}
