// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Passgate Contributors

package main

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/passgate/passgate/internal/config"
	"github.com/passgate/passgate/internal/observability"
)

// fakeDatabase satisfies Database without a real pool. The serve test never
// reaches the repositories, so the query methods are stubs.
type fakeDatabase struct {
	pingErr error
	closed  bool
}

func (db *fakeDatabase) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, errors.New("not implemented")
}

func (db *fakeDatabase) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, errors.New("not implemented")
}

func (db *fakeDatabase) QueryRow(context.Context, string, ...any) pgx.Row {
	return nil
}

func (db *fakeDatabase) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("not implemented")
}

func (db *fakeDatabase) Ping(context.Context) error { return db.pingErr }
func (db *fakeDatabase) Close()                     { db.closed = true }

// fakeServer satisfies both APIServer and the lifecycle half of
// ObservabilityServer.
type fakeServer struct {
	addr     string
	startErr error
	errCh    chan error
	started  bool
	stopped  bool
}

func (s *fakeServer) Start() (<-chan error, error) {
	if s.startErr != nil {
		return nil, s.startErr
	}
	s.started = true
	s.errCh = make(chan error, 1)
	return s.errCh, nil
}

func (s *fakeServer) Stop(context.Context) error {
	s.stopped = true
	if s.errCh != nil {
		close(s.errCh)
	}
	return nil
}

func (s *fakeServer) Addr() string { return s.addr }

type fakeObsServer struct {
	fakeServer
	metrics *observability.Metrics
}

func (s *fakeObsServer) Metrics() *observability.Metrics { return s.metrics }

func validServeConfig() config.Config {
	cfg := config.Default()
	cfg.Database.URL = "postgres://localhost/passgate"
	cfg.Session.Secret = "0123456789abcdef0123456789abcdef"
	cfg.Reset.LinkBase = "https://app.example.com"
	return cfg
}

type serveFixture struct {
	db   *fakeDatabase
	api  *fakeServer
	obs  *fakeObsServer
	deps *ServeDeps
	mig  *mockMigrator
}

func newServeFixture() *serveFixture {
	f := &serveFixture{
		db:  &fakeDatabase{},
		api: &fakeServer{addr: "127.0.0.1:8080"},
		obs: &fakeObsServer{
			fakeServer: fakeServer{addr: "127.0.0.1:9100"},
			metrics:    observability.NewMetrics(prometheus.NewRegistry()),
		},
		mig: &mockMigrator{},
	}
	f.deps = &ServeDeps{
		DatabaseFactory: func(context.Context, string) (Database, error) { return f.db, nil },
		MigratorFactory: func(string) (Migrator, error) { return f.mig, nil },
		APIServerFactory: func(string, http.Handler) APIServer {
			return f.api
		},
		ObservabilityServerFactory: func(string, observability.ReadinessChecker) ObservabilityServer {
			return f.obs
		},
	}
	return f
}

// runServeUntilDone starts runServe with a context that is cancelled after
// startup, driving a full start/shutdown cycle.
func runServeUntilDone(t *testing.T, cfg config.Config, autoMigrate bool, deps *ServeDeps) error {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	cmd := &cobra.Command{}
	cmd.SetContext(ctx)
	cmd.SetOut(new(bytes.Buffer))

	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	done := make(chan error, 1)
	go func() { done <- runServe(cmd, cfg, autoMigrate, deps) }()

	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("runServe did not shut down")
		return nil
	}
}

func TestServe_StartAndShutdown(t *testing.T) {
	f := newServeFixture()

	require.NoError(t, runServeUntilDone(t, validServeConfig(), false, f.deps))

	assert.True(t, f.api.started)
	assert.True(t, f.api.stopped)
	assert.True(t, f.obs.started)
	assert.True(t, f.obs.stopped)
	assert.True(t, f.db.closed)
	assert.False(t, f.mig.upCalled, "no migration without --auto-migrate")
}

func TestServe_AutoMigrate(t *testing.T) {
	f := newServeFixture()

	require.NoError(t, runServeUntilDone(t, validServeConfig(), true, f.deps))

	assert.True(t, f.mig.upCalled)
	assert.True(t, f.mig.closed)
}

func TestServe_AutoMigrateFailure(t *testing.T) {
	f := newServeFixture()
	f.mig.upErr = errors.New("dirty database")

	err := runServeUntilDone(t, validServeConfig(), true, f.deps)
	require.Error(t, err)
	assert.False(t, f.api.started, "servers must not start after a failed migration")
}

func TestServe_DatabaseFailure(t *testing.T) {
	f := newServeFixture()
	f.deps.DatabaseFactory = func(context.Context, string) (Database, error) {
		return nil, errors.New("connection refused")
	}

	err := runServeUntilDone(t, validServeConfig(), false, f.deps)
	require.Error(t, err)
	assert.False(t, f.api.started)
}

func TestServe_APIStartFailureStopsObservability(t *testing.T) {
	f := newServeFixture()
	f.api.startErr = errors.New("address in use")

	err := runServeUntilDone(t, validServeConfig(), false, f.deps)
	require.Error(t, err)
	assert.True(t, f.obs.started)
	assert.True(t, f.obs.stopped, "observability server must be cleaned up")
}

func TestServe_ObservabilityDisabled(t *testing.T) {
	f := newServeFixture()
	cfg := validServeConfig()
	cfg.Observability.Addr = ""

	require.NoError(t, runServeUntilDone(t, cfg, false, f.deps))

	assert.False(t, f.obs.started)
	assert.True(t, f.api.started)
}

// A server error cancels the run context and triggers shutdown.
func TestServe_ServerErrorTriggersShutdown(t *testing.T) {
	f := newServeFixture()

	cmd := &cobra.Command{}
	cmd.SetContext(context.Background())
	cmd.SetOut(new(bytes.Buffer))

	go func() {
		// Wait for startup, then fail the API server.
		for range 100 {
			if f.api.errCh != nil {
				f.api.errCh <- errors.New("listener died")
				return
			}
			time.Sleep(10 * time.Millisecond)
		}
	}()

	done := make(chan error, 1)
	go func() { done <- runServe(cmd, validServeConfig(), false, f.deps) }()

	select {
	case err := <-done:
		require.NoError(t, err)
		assert.True(t, f.obs.stopped)
	case <-time.After(5 * time.Second):
		t.Fatal("runServe did not shut down after server error")
	}
}

func TestServeCmd_Flags(t *testing.T) {
	cmd := NewServeCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"--help"})

	require.NoError(t, cmd.Execute())

	output := buf.String()
	for _, flag := range []string{
		"--server.addr", "--database.url", "--session.secret",
		"--reset.link_base", "--mail.mode", "--auto-migrate",
	} {
		assert.Contains(t, output, flag, "Help missing %q flag", flag)
	}
}

func TestServeCmd_RejectsInvalidConfig(t *testing.T) {
	cmd := NewRootCmd()
	cmd.SetOut(new(bytes.Buffer))
	cmd.SetErr(new(bytes.Buffer))
	// No database URL or session secret.
	cmd.SetArgs([]string{"serve"})

	require.Error(t, cmd.Execute())
}
