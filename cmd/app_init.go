package main

import (
	"context"
	"path/filepath"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/crestmark-data/ratings-sync/internal/cache"
	"github.com/crestmark-data/ratings-sync/internal/enrich"
	"github.com/crestmark-data/ratings-sync/internal/jobstore"
	"github.com/crestmark-data/ratings-sync/internal/orchestrator"
	"github.com/crestmark-data/ratings-sync/internal/scraper"
	"github.com/crestmark-data/ratings-sync/internal/store"
	syncpkg "github.com/crestmark-data/ratings-sync/internal/sync"
	"github.com/crestmark-data/ratings-sync/internal/workflow"
	"github.com/crestmark-data/ratings-sync/pkg/airtable"
	"github.com/crestmark-data/ratings-sync/pkg/unlocker"
)

// appEnv holds the initialized store, clients, engine, and orchestrator
// shared by the serve/scrape/resync commands.
type appEnv struct {
	Store        store.Store
	Jobs         *jobstore.Manager
	Engine       *workflow.Engine
	Orchestrator *orchestrator.Orchestrator
	Syncer       *syncpkg.Syncer
	Enrich       *enrich.Pipeline
}

// Close releases resources held by the environment.
func (env *appEnv) Close() {
	if env.Jobs != nil {
		_ = env.Jobs.Close()
	}
	if env.Store != nil {
		_ = env.Store.Close()
	}
}

// initApp sets up the store, clients, workflow engine, and orchestrator.
// Callers should defer env.Close().
func initApp(ctx context.Context) (*appEnv, error) {
	st, err := store.New(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	var delegate unlocker.Client
	if cfg.Scraper.UseUnlocker && cfg.Unlocker.Key != "" {
		delegate = unlocker.NewClient(cfg.Unlocker.Key, cfg.Unlocker.Zone,
			unlocker.WithBaseURL(cfg.Unlocker.BaseURL),
			unlocker.WithCountry(cfg.Unlocker.Country),
		)
		zap.L().Info("unlocker delegate enabled", zap.String("zone", cfg.Unlocker.Zone))
	}
	sc := scraper.New(cfg.Scraper, delegate)

	airtableClient := airtable.NewClient(cfg.Airtable.Key, cfg.Airtable.BaseID,
		airtable.WithBaseURL(cfg.Airtable.BaseURL),
		airtable.WithRateLimit(cfg.Airtable.RatePerSec),
	)
	companyCache := cache.New(cache.NewMemoryTier(), time.Duration(cfg.Airtable.CacheTTLMins)*time.Minute)
	sy := syncpkg.New(st, airtableClient, companyCache, cfg.Airtable)

	var pipeline *enrich.Pipeline
	if cfg.Enrich.Enabled {
		pipeline = enrich.NewPipeline(st, sc, airtableClient, cfg.Enrich.SearchBaseURL, cfg.Airtable.CompaniesTable)
	}

	jobs := jobstore.Open(cfg.Jobs)

	barriers, err := openBarrierStore(cfg.Jobs.Path)
	if err != nil {
		_ = st.Close()
		_ = jobs.Close()
		return nil, err
	}
	engine := workflow.NewEngine(barriers, orchestrator.QueueSpecs(cfg.Workers))
	orch := orchestrator.New(engine, jobs, st, sc, sy, pipeline, *cfg)

	if err := engine.Resume(ctx); err != nil {
		zap.L().Warn("resuming pending barriers failed", zap.Error(err))
	}

	return &appEnv{
		Store:        st,
		Jobs:         jobs,
		Engine:       engine,
		Orchestrator: orch,
		Syncer:       sy,
		Enrich:       pipeline,
	}, nil
}

// openBarrierStore opens the durable barrier store next to the jobs
// database, degrading to in-memory join state when it cannot be opened.
func openBarrierStore(jobsPath string) (workflow.BarrierStore, error) {
	path := filepath.Join(filepath.Dir(jobsPath), "barriers.db")
	barriers, err := workflow.NewSQLiteBarrierStore(path)
	if err != nil {
		zap.L().Warn("durable barrier store unavailable, using in-memory join state",
			zap.String("path", path),
			zap.Error(err),
		)
		return workflow.NewMemoryBarrierStore(), nil
	}
	return barriers, nil
}

// runEngine starts the worker pools in the background and returns a stop
// function that blocks until they exit.
func runEngine(ctx context.Context, engine *workflow.Engine) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := engine.Run(ctx); err != nil {
			zap.L().Error("workflow engine stopped", zap.Error(err))
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// waitForJob polls the job store until the job reaches a terminal status or
// ctx is canceled.
func waitForJob(ctx context.Context, jobs *jobstore.Manager, jobID string) error {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			job, err := jobs.Get(ctx, jobID)
			if err != nil {
				return err
			}
			if job.Status.Terminal() {
				return nil
			}
		}
	}
}
