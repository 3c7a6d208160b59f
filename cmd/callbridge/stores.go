package main

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/Mindburn-Labs/callbridge/pkg/api"
	"github.com/Mindburn-Labs/callbridge/pkg/config"
	"github.com/Mindburn-Labs/callbridge/pkg/dnc"

	_ "github.com/lib/pq" // Postgres Driver
)

// postgres opens the shared pool on first use.
func (a *app) postgres(ctx context.Context, cfg *config.Config, checks map[string]api.HealthCheck) (*sql.DB, error) {
	if a.db != nil {
		return a.db, nil
	}
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	a.onClose(db.Close)
	checks["postgres"] = db.PingContext
	a.logger.Info("postgres: connected")
	a.db = db
	return db, nil
}

// openRegistry builds the do-not-call store selected by DNC_BACKEND.
func openRegistry(ctx context.Context, cfg *config.Config, a *app, checks map[string]api.HealthCheck) (dnc.Registry, error) {
	switch cfg.DNCBackend {
	case "sqlite":
		s, err := dnc.OpenSQLite(cfg.DNCPath)
		if err != nil {
			return nil, fmt.Errorf("dnc sqlite: %w", err)
		}
		a.onClose(s.Close)
		return s, nil
	case "postgres":
		db, err := a.postgres(ctx, cfg, checks)
		if err != nil {
			return nil, err
		}
		s := dnc.NewPostgresStore(db)
		if err := s.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("dnc migrate: %w", err)
		}
		return s, nil
	case "redis":
		s := dnc.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		a.onClose(s.Close)
		if err := s.Ping(ctx); err != nil {
			return nil, fmt.Errorf("dnc redis: %w", err)
		}
		checks["redis"] = s.Ping
		return s, nil
	default:
		s, err := dnc.NewFileStore(cfg.DNCPath)
		if err != nil {
			return nil, fmt.Errorf("dnc file: %w", err)
		}
		return s, nil
	}
}

// openIdempotencyStore builds the replay cache selected by IDEMPOTENCY_BACKEND.
func openIdempotencyStore(ctx context.Context, cfg *config.Config, a *app, checks map[string]api.HealthCheck) (api.IdempotencyStorer, error) {
	if cfg.IdempotencyBackend != "postgres" {
		return api.NewIdempotencyStore(ctx, idempotencyTTL), nil
	}
	db, err := a.postgres(ctx, cfg, checks)
	if err != nil {
		return nil, err
	}
	s := api.NewPostgresIdempotencyStore(db, idempotencyTTL)
	if err := s.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("idempotency migrate: %w", err)
	}
	return s, nil
}
