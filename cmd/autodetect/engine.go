package main

import (
	"context"
	"fmt"
	"time"

	"github.com/covault/autodetect/pkg/api"
	"github.com/covault/autodetect/pkg/config"
	"github.com/covault/autodetect/pkg/feedback"
	"github.com/covault/autodetect/pkg/generator"
	"github.com/covault/autodetect/pkg/ratelimit"
	"github.com/covault/autodetect/pkg/rules"
	"github.com/covault/autodetect/pkg/store/postgres"
	"github.com/covault/autodetect/pkg/store/sqlite"
)

// repository is what both SQL backends provide.
type repository interface {
	rules.Repository
	feedback.Repository
	UpsertCategory(ctx context.Context, c api.Category) error
	Migrate(ctx context.Context) error
}

// openStore opens the configured backend and applies pending migrations.
// The returned func closes it.
func openStore(ctx context.Context, cfg config.Config) (repository, func(), error) {
	var (
		repo    repository
		closeFn func()
	)

	switch cfg.Store {
	case "postgres":
		s, err := postgres.New(ctx, postgresConfig(cfg), logger.With("component", "postgres"))
		if err != nil {
			return nil, nil, fmt.Errorf("opening postgres store: %w", err)
		}
		repo, closeFn = s, s.Close
	case "sqlite":
		s, err := sqlite.New(cfg.SQLite.Path, logger.With("component", "sqlite"))
		if err != nil {
			return nil, nil, fmt.Errorf("opening sqlite store: %w", err)
		}
		repo, closeFn = s, func() { _ = s.Close() }
	default:
		return nil, nil, fmt.Errorf("unknown store %q", cfg.Store)
	}

	if err := repo.Migrate(ctx); err != nil {
		closeFn()
		return nil, nil, fmt.Errorf("migrating %s store: %w", cfg.Store, err)
	}
	return repo, closeFn, nil
}

func postgresConfig(cfg config.Config) postgres.Config {
	return postgres.Config{
		Host:        cfg.Postgres.Host,
		Port:        cfg.Postgres.Port,
		Database:    cfg.Postgres.Database,
		User:        cfg.Postgres.User,
		Password:    cfg.Postgres.Password,
		SSLMode:     cfg.Postgres.SSLMode,
		MaxPoolSize: cfg.Postgres.MaxPoolSize,
	}
}

// engine is the rule store and flag workflow over one repository.
type engine struct {
	rules    *rules.Store
	workflow *feedback.Workflow
}

func newEngine(cfg config.Config, repo repository) engine {
	gen := generator.New(generator.Config{
		APIKey:  cfg.Gemini.APIKey,
		Model:   cfg.Gemini.Model,
		BaseURL: cfg.Gemini.BaseURL,
		Timeout: cfg.Gemini.Timeout,
		Retries: cfg.Gemini.Retries,
	}, logger.With("component", "generator"))

	ruleStore := rules.New(repo, gen, logger.With("component", "rules"))
	workflow := feedback.New(repo, ruleStore, gen, logger.With("component", "feedback"),
		feedback.WithWindows(
			ratelimit.Window{Span: 24 * time.Hour, Limit: cfg.FlagDailyLimit},
			ratelimit.Window{Span: 7 * 24 * time.Hour, Limit: cfg.FlagWeeklyLimit},
		),
	)
	return engine{rules: ruleStore, workflow: workflow}
}
