package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/sales-pipeline/internal/resilience"
	"github.com/sells-group/sales-pipeline/internal/store"
)

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "pipeline.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, cfg.Store.MaxConns, cfg.Store.MinConns)
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

func retryPolicy() resilience.Policy {
	p := resilience.DefaultPolicy()
	if cfg.Retry.MaxAttempts > 0 {
		p.MaxAttempts = cfg.Retry.MaxAttempts
	}
	if cfg.Retry.InitialBackoff > 0 {
		p.InitialBackoff = time.Duration(cfg.Retry.InitialBackoff) * time.Millisecond
	}
	if cfg.Retry.MaxBackoff > 0 {
		p.MaxBackoff = time.Duration(cfg.Retry.MaxBackoff) * time.Millisecond
	}
	if cfg.Retry.Multiplier > 1 {
		p.Multiplier = cfg.Retry.Multiplier
	}
	return p
}
