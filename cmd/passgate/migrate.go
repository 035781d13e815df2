// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Passgate Contributors

package main

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/passgate/passgate/internal/config"
	"github.com/passgate/passgate/internal/store"
)

// migratorFactory is swapped out in tests.
var migratorFactory = func(databaseURL string) (Migrator, error) {
	return store.NewMigrator(databaseURL)
}

// NewMigrateCmd creates the migrate subcommand.
func NewMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage database migrations",
		Long:  `Apply, roll back, or inspect schema migrations on the PostgreSQL database.`,
	}

	cmd.PersistentFlags().String("database.url", "", "PostgreSQL connection URL")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withMigrator(cmd, runMigrateUp)
			},
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back all migrations",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withMigrator(cmd, runMigrateDown)
			},
		},
		&cobra.Command{
			Use:   "version",
			Short: "Show the current migration version",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withMigrator(cmd, runMigrateVersion)
			},
		},
	)

	return cmd
}

// withMigrator loads config, builds a migrator, runs fn, and closes up.
func withMigrator(cmd *cobra.Command, fn func(*cobra.Command, Migrator) error) error {
	cfg, err := config.Load(configFile, cmd.Flags())
	if err != nil {
		return err
	}
	if cfg.Database.URL == "" {
		return errors.New("database.url is required (config file or --database.url)")
	}

	migrator, err := migratorFactory(cfg.Database.URL)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := migrator.Close(); closeErr != nil {
			cmd.PrintErrln("warning: error closing migrator:", closeErr)
		}
	}()

	return fn(cmd, migrator)
}

func runMigrateUp(cmd *cobra.Command, migrator Migrator) error {
	pending, err := migrator.PendingMigrations()
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		cmd.Println("No pending migrations")
		return nil
	}

	cmd.Printf("Applying %d migration(s)...\n", len(pending))
	if err := migrator.Up(); err != nil {
		return err
	}
	cmd.Println("Migrations completed successfully")
	return nil
}

func runMigrateDown(cmd *cobra.Command, migrator Migrator) error {
	cmd.Println("Rolling back all migrations...")
	if err := migrator.Down(); err != nil {
		return err
	}
	cmd.Println("Rollback completed successfully")
	return nil
}

func runMigrateVersion(cmd *cobra.Command, migrator Migrator) error {
	version, dirty, err := migrator.Version()
	if err != nil {
		return err
	}
	if version == 0 {
		cmd.Println("No migrations applied")
		return nil
	}

	name, nameErr := store.MigrationName(version)
	if nameErr != nil {
		name = "unknown"
	}

	if dirty {
		cmd.Printf("Version: %d (%s) DIRTY\n", version, name)
	} else {
		cmd.Printf("Version: %d (%s)\n", version, name)
	}
	return nil
}
