package main

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/jengzang/mahjong-analysis-go/internal/analysis"
	"github.com/jengzang/mahjong-analysis-go/internal/cache"
	"github.com/jengzang/mahjong-analysis-go/internal/clock"
	"github.com/jengzang/mahjong-analysis-go/internal/config"
	"github.com/jengzang/mahjong-analysis-go/internal/database"
	"github.com/jengzang/mahjong-analysis-go/internal/repository"
	"github.com/jengzang/mahjong-analysis-go/internal/service"
	"github.com/jengzang/mahjong-analysis-go/internal/storage"
)

// app is the wired set of components shared by serve and mcp.
type app struct {
	store     service.TaskStore
	db        *sql.DB
	registry  *service.TaskRegistry
	scheduler *service.Scheduler
	tasks     *service.AnalysisTaskService
}

func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	store, db, err := openStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a := &app{store: store, db: db}

	a.registry, err = service.NewTaskRegistry(ctx, store, clock.RealClock{}, logger)
	if err != nil {
		a.Close()
		return nil, err
	}

	objects, err := storage.NewCOSStorage(storage.Config{
		Bucket:              cfg.Storage.Bucket,
		Region:              cfg.Storage.Region,
		BucketURL:           cfg.Storage.BucketURL,
		SecretID:            cfg.Storage.SecretID,
		SecretKey:           cfg.Storage.SecretKey,
		Token:               cfg.Storage.Token,
		PublishResults:      cfg.Storage.PublishResults,
		DownloadConcurrency: cfg.Storage.DownloadConcurrency,
	}, logger)
	if err != nil {
		a.Close()
		return nil, err
	}

	analyzer, err := analysis.NewAnalyzer(cfg.Analysis.Backend, analysis.Config{
		Host:              cfg.Analysis.Host,
		Model:             cfg.Analysis.Model,
		Timeout:           cfg.Analysis.Timeout,
		SystemInstruction: cfg.Analysis.SystemInstruction,
	}, logger)
	if err != nil {
		a.Close()
		return nil, err
	}

	runner := service.NewPipelineRunner(a.registry, cache.NewLocator(cfg.Cache.RootDir), objects, analyzer, cfg.Analysis.ExtractPrompt, logger)
	a.scheduler = service.NewScheduler(runner, logger)
	a.tasks = service.NewAnalysisTaskService(a.registry, a.scheduler, objects, logger)
	return a, nil
}

// openStore opens the configured task store. db is nil for the JSON store.
func openStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (service.TaskStore, *sql.DB, error) {
	switch cfg.Registry.Backend {
	case config.RegistryJSON:
		return repository.NewTaskDocumentStore(cfg.Registry.JSONPath, logger), nil, nil
	case config.RegistrySQLite:
		db, err := database.Open(database.Config{Path: cfg.Registry.SQLitePath}, logger)
		if err != nil {
			return nil, nil, err
		}
		if err := database.NewMigrationManager(db, logger).RunMigrations(ctx); err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		return repository.NewAnalysisTaskRepository(db, logger), db, nil
	default:
		return nil, nil, fmt.Errorf("unknown registry backend %q", cfg.Registry.Backend)
	}
}

func (a *app) Close() {
	if a.registry != nil {
		_ = a.registry.Close()
	} else if a.store != nil {
		_ = a.store.Close()
	}
	if a.db != nil {
		_ = a.db.Close()
	}
}
