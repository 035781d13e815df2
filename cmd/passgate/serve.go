// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Passgate Contributors

package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/passgate/passgate/internal/auth"
	authpg "github.com/passgate/passgate/internal/auth/postgres"
	"github.com/passgate/passgate/internal/config"
	"github.com/passgate/passgate/internal/httpapi"
	"github.com/passgate/passgate/internal/logging"
	"github.com/passgate/passgate/internal/mail"
)

const shutdownTimeout = 5 * time.Second

// NewServeCmd creates the serve subcommand.
func NewServeCmd() *cobra.Command {
	var autoMigrate bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the authentication API server",
		Long: `Start the HTTP API server along with the metrics and health
endpoint server. Configuration comes from the config file with
flag overrides.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configFile, cmd.Flags())
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return runServe(cmd, cfg, autoMigrate, nil)
		},
	}

	registerConfigFlags(cmd)
	cmd.Flags().BoolVar(&autoMigrate, "auto-migrate", false, "run pending database migrations on startup")

	return cmd
}

// registerConfigFlags declares flags mirroring config keys so either source
// can set them. Flag defaults match config.Default so an unset flag never
// clobbers a configured value.
func registerConfigFlags(cmd *cobra.Command) {
	defaults := config.Default()
	flags := cmd.Flags()

	flags.String("server.addr", defaults.Server.Addr, "API listen address")
	flags.StringSlice("server.allowed_origins", defaults.Server.AllowedOrigins, "CORS allowed origins")
	flags.String("observability.addr", defaults.Observability.Addr, "metrics/health listen address (empty = disabled)")
	flags.String("database.url", "", "PostgreSQL connection URL")
	flags.String("session.secret", "", "session token signing secret")
	flags.Duration("session.ttl", defaults.Session.TTL, "session token lifetime")
	flags.String("reset.link_base", "", "base URL for mailed reset links")
	flags.Duration("reset.mail_timeout", defaults.Reset.MailTimeout, "reset mail delivery timeout")
	flags.String("mail.mode", defaults.Mail.Mode, "mail delivery mode (log or http)")
	flags.String("mail.endpoint", "", "mail delivery API endpoint")
	flags.String("mail.api_key", "", "mail delivery API key")
	flags.String("mail.from", "", "mail sender address")
	flags.String("log.format", defaults.Log.Format, "log format (json or text)")
	flags.String("log.level", defaults.Log.Level, "log level (debug, info, warn, error)")
}

// newMailer selects the delivery backend from config.
func newMailer(cfg config.MailConfig, logger *slog.Logger) (auth.Mailer, error) {
	switch cfg.Mode {
	case "http":
		return mail.NewHTTPMailer(mail.HTTPMailerConfig{
			Endpoint: cfg.Endpoint,
			APIKey:   cfg.APIKey,
			From:     cfg.From,
		})
	default:
		return mail.NewLogMailer(logger), nil
	}
}

//nolint:cyclop // linear startup sequence
func runServe(cmd *cobra.Command, cfg config.Config, autoMigrate bool, deps *ServeDeps) error {
	if deps == nil {
		deps = &ServeDeps{}
	}
	deps.applyDefaults()

	logging.SetDefault("passgate", version, cfg.Log.Format, logging.ParseLevel(cfg.Log.Level))
	logger := slog.Default()

	baseCtx := cmd.Context()
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(baseCtx)
	defer cancel()

	if autoMigrate {
		migrator, err := deps.MigratorFactory(cfg.Database.URL)
		if err != nil {
			return oops.Code("MIGRATION_FAILED").With("operation", "create migrator").Wrap(err)
		}
		err = migrator.Up()
		if closeErr := migrator.Close(); closeErr != nil {
			logger.Warn("error closing migrator", "error", closeErr)
		}
		if err != nil {
			return oops.Code("MIGRATION_FAILED").With("operation", "run migrations").Wrap(err)
		}
		logger.Info("migrations applied")
	}

	db, err := deps.DatabaseFactory(ctx, cfg.Database.URL)
	if err != nil {
		return err
	}
	defer db.Close()
	logger.Info("connected to database")

	issuer, err := auth.NewSessionIssuer(cfg.Session.Secret, cfg.Session.TTL)
	if err != nil {
		return err
	}

	mailer, err := newMailer(cfg.Mail, logger)
	if err != nil {
		return err
	}

	users := authpg.NewUserRepository(db)
	resets := authpg.NewResetTokenRepository(db)
	hasher := auth.NewArgon2idHasher()

	authSvc, err := auth.NewService(users, hasher, issuer)
	if err != nil {
		return err
	}
	resetSvc, err := auth.NewPasswordResetService(users, resets, hasher, mailer, auth.PasswordResetConfig{
		LinkBase:    cfg.Reset.LinkBase,
		MailTimeout: cfg.Reset.MailTimeout,
	})
	if err != nil {
		return err
	}
	recoverySvc, err := auth.NewRecoveryService(users, hasher)
	if err != nil {
		return err
	}

	// Readiness tracks the database; the API is useless without it.
	var obsServer ObservabilityServer
	if cfg.Observability.Addr != "" {
		obsServer = deps.ObservabilityServerFactory(cfg.Observability.Addr, func() bool {
			pingCtx, pingCancel := context.WithTimeout(ctx, 2*time.Second)
			defer pingCancel()
			return db.Ping(pingCtx) == nil
		})
		obsErrChan, startErr := obsServer.Start()
		if startErr != nil {
			return oops.Code("SERVER_START_FAILED").With("server", "observability").Wrap(startErr)
		}
		go monitorServerErrors(ctx, cancel, obsErrChan, "observability")
		logger.Info("observability server started", "addr", obsServer.Addr())
	}

	handlerCfg := httpapi.HandlerConfig{
		Auth:           authSvc,
		Resets:         resetSvc,
		Recovery:       recoverySvc,
		Sessions:       issuer,
		Logger:         logger,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	}
	if obsServer != nil {
		handlerCfg.Metrics = obsServer.Metrics()
	}
	handler, err := httpapi.NewHandler(handlerCfg)
	if err != nil {
		return err
	}

	apiServer := deps.APIServerFactory(cfg.Server.Addr, handler.Router())
	apiErrChan, err := apiServer.Start()
	if err != nil {
		stopObservability(obsServer, logger)
		return oops.Code("SERVER_START_FAILED").With("server", "api").Wrap(err)
	}
	go monitorServerErrors(ctx, cancel, apiErrChan, "api")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	cmd.Println("Passgate started")
	logger.Info("passgate ready", "api_addr", apiServer.Addr())

	select {
	case sig := <-sigChan:
		logger.Info("received shutdown signal", "signal", sig.String())
	case <-ctx.Done():
		logger.Info("context cancelled, shutting down")
	}

	logger.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if stopErr := apiServer.Stop(shutdownCtx); stopErr != nil {
		logger.Warn("error stopping api server", "error", stopErr)
	}
	stopObservability(obsServer, logger)

	logger.Info("shutdown complete")
	return nil
}

func stopObservability(obsServer ObservabilityServer, logger *slog.Logger) {
	if obsServer == nil {
		return
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := obsServer.Stop(shutdownCtx); err != nil {
		logger.Warn("error stopping observability server", "error", err)
	}
}

// monitorServerErrors cancels the run context when a server reports a fatal
// error. A closed channel means a graceful stop and is ignored.
func monitorServerErrors(ctx context.Context, cancel context.CancelFunc, errChan <-chan error, name string) {
	select {
	case err, ok := <-errChan:
		if ok && err != nil {
			slog.Error("server failed", "server", name, "error", err)
			cancel()
		}
	case <-ctx.Done():
	}
}
