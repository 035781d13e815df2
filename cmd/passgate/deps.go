// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Passgate Contributors

package main

import (
	"context"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"

	authpg "github.com/passgate/passgate/internal/auth/postgres"
	"github.com/passgate/passgate/internal/httpapi"
	"github.com/passgate/passgate/internal/observability"
	"github.com/passgate/passgate/internal/store"
)

// Database is the connection pool surface the serve command needs. Satisfied
// by *pgxpool.Pool.
type Database interface {
	authpg.DB
	Ping(ctx context.Context) error
	Close()
}

// Migrator wraps the migration methods used by the CLI.
type Migrator interface {
	Up() error
	Down() error
	Version() (version uint, dirty bool, err error)
	PendingMigrations() ([]uint, error)
	AppliedMigrations() ([]uint, error)
	Close() error
}

// APIServer wraps the public HTTP server lifecycle.
type APIServer interface {
	Start() (<-chan error, error)
	Stop(ctx context.Context) error
	Addr() string
}

// ObservabilityServer wraps the metrics/health server lifecycle.
type ObservabilityServer interface {
	Start() (<-chan error, error)
	Stop(ctx context.Context) error
	Addr() string
	Metrics() *observability.Metrics
}

// ServeDeps contains injectable dependencies for the serve command.
// All nil fields use their default implementations.
type ServeDeps struct {
	// DatabaseFactory opens the connection pool.
	// Default: store.Connect
	DatabaseFactory func(ctx context.Context, dsn string) (Database, error)

	// MigratorFactory creates a migrator for the auto-migrate step.
	// Default: store.NewMigrator
	MigratorFactory func(databaseURL string) (Migrator, error)

	// APIServerFactory creates the public HTTP server.
	// Default: httpapi.NewServer
	APIServerFactory func(addr string, handler http.Handler) APIServer

	// ObservabilityServerFactory creates the metrics/health server.
	// Default: observability.NewServer
	ObservabilityServerFactory func(addr string, readinessChecker observability.ReadinessChecker) ObservabilityServer
}

func (deps *ServeDeps) applyDefaults() {
	if deps.DatabaseFactory == nil {
		deps.DatabaseFactory = func(ctx context.Context, dsn string) (Database, error) {
			return store.Connect(ctx, dsn)
		}
	}
	if deps.MigratorFactory == nil {
		deps.MigratorFactory = func(databaseURL string) (Migrator, error) {
			return store.NewMigrator(databaseURL)
		}
	}
	if deps.APIServerFactory == nil {
		deps.APIServerFactory = func(addr string, handler http.Handler) APIServer {
			return httpapi.NewServer(addr, handler)
		}
	}
	if deps.ObservabilityServerFactory == nil {
		deps.ObservabilityServerFactory = func(addr string, readinessChecker observability.ReadinessChecker) ObservabilityServer {
			return observability.NewServer(addr, readinessChecker)
		}
	}
}

// Interface assertion: the real pool satisfies Database.
var _ Database = (*pgxpool.Pool)(nil)
