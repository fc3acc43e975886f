package cmd

import (
	"context"

	"invoice-reconciliation-engine/pkg/logger"

	"invoice-reconciliation-engine/cmd/reconciler/config"
	"invoice-reconciliation-engine/internal/anagraphics"
	"invoice-reconciliation-engine/internal/matching"
	"invoice-reconciliation-engine/internal/patterns"
	"invoice-reconciliation-engine/internal/reconciler"
	"invoice-reconciliation-engine/internal/store"
	"invoice-reconciliation-engine/internal/suggest"
)

// app holds the wired engine components shared by the subcommands.
type app struct {
	cfg     *config.Config
	log     logger.Logger
	store   *store.Store
	cache   *anagraphics.Cache
	learner *patterns.Learner
	service *reconciler.Service
}

// buildApp opens the database and wires the whole pipeline. Settings stored
// in the database override the file configuration.
func buildApp(ctx context.Context, cfg *config.Config) (*app, error) {
	log := logger.GetGlobalLogger()

	st, err := store.Open(cfg.DBPath, log)
	if err != nil {
		return nil, err
	}

	if settings, err := st.AllSettings(ctx); err != nil {
		log.WithError(err).Warn("could not read persisted settings, using file config")
	} else if len(settings) > 0 {
		cfg.ApplySettings(settings)
	}

	cache := anagraphics.NewCache(cfg.CacheConfig(), st, log)
	resolver := anagraphics.NewResolver(cache, log)
	generator := matching.NewGenerator(cfg.GeneratorConfig(), log)
	learner := patterns.NewLearner(cfg.LearnerConfig(), st, log)
	engine := suggest.NewEngine(cfg.SuggestConfig(), st, resolver, generator, learner, log)

	// New links change the payment history, so the trained pattern for the
	// affected counterparty must be rebuilt.
	applier := reconciler.NewApplier(st, log, learner.Invalidate)
	batch := reconciler.NewBatchProcessor(st, log)
	service := reconciler.NewService(applier, batch, engine, st, log)

	return &app{
		cfg:     cfg,
		log:     log,
		store:   st,
		cache:   cache,
		learner: learner,
		service: service,
	}, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		a.log.WithError(err).Warn("error closing database")
	}
}
