// Package app wires configuration to concrete infrastructure for the commands.
package app

import (
	"context"
	"fmt"

	"github.com/ariefcatur/go-crop-aggregator/internal/aggregator"
	"github.com/ariefcatur/go-crop-aggregator/internal/config"
	"github.com/ariefcatur/go-crop-aggregator/internal/kvstore"
	"github.com/ariefcatur/go-crop-aggregator/internal/postgres"
	"github.com/ariefcatur/go-crop-aggregator/internal/sqlite"
	"go.uber.org/zap"
)

// OpenStore opens the backend named by cfg.StoreDriver, migrating its schema
// where the backend has one.
func OpenStore(ctx context.Context, cfg config.Config) (aggregator.Store, error) {
	switch cfg.StoreDriver {
	case config.DriverPostgres:
		pool, err := postgres.Connect(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("postgres connect: %w", err)
		}
		if err := postgres.Migrate(ctx, pool); err != nil {
			pool.Close()
			return nil, fmt.Errorf("postgres migrate: %w", err)
		}
		return postgres.NewStore(pool), nil
	case config.DriverSQLite:
		return sqlite.Open(cfg.SQLitePath)
	case config.DriverPebble:
		return kvstore.Open(cfg.PebbleDir, nil)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}

// NewService builds the aggregator service with the configured retry policy.
func NewService(store aggregator.Store, cfg config.Config, log *zap.Logger) *aggregator.Service {
	svc := aggregator.NewService(store, log)
	svc.MaxAttempts = cfg.AllocationMaxAttempts
	if cfg.AllocationRetryBase > 0 {
		svc.RetryBase = cfg.AllocationRetryBase
	}
	return svc
}
