package main

import (
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/spf13/cobra"

	"github.com/covault/autodetect/pkg/store/postgres"
	"github.com/covault/autodetect/pkg/store/sqlite"
)

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or inspect rule store migrations",
		Long: `Bring the rule store schema up to date. With no flags all pending up
migrations are applied. --down, --steps, --version and --force are only
available for the postgres store; sqlite applies its embedded schema.`,
		RunE: runMigrate,
	}

	cmd.Flags().Bool("down", false, "Revert all migrations")
	cmd.Flags().Int("steps", 0, "Number of migrations (positive=up, negative=down)")
	cmd.Flags().Bool("version", false, "Print the current migration version")
	cmd.Flags().Int("force", -1, "Force set version (use with caution)")

	return cmd
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	down, _ := cmd.Flags().GetBool("down")
	steps, _ := cmd.Flags().GetInt("steps")
	showVersion, _ := cmd.Flags().GetBool("version")
	force, _ := cmd.Flags().GetInt("force")
	forceSet := cmd.Flags().Changed("force")

	switch cfg.Store {
	case "sqlite":
		if down || steps != 0 || showVersion || forceSet {
			return errors.New("--down, --steps, --version and --force require the postgres store")
		}
		s, err := sqlite.New(cfg.SQLite.Path, logger.With("component", "sqlite"))
		if err != nil {
			return fmt.Errorf("opening sqlite store: %w", err)
		}
		defer func() { _ = s.Close() }()
		if err := s.Migrate(cmd.Context()); err != nil {
			return err
		}
		logger.Info("sqlite schema up to date", "path", cfg.SQLite.Path)
		return nil
	case "postgres":
	default:
		return fmt.Errorf("unknown store %q", cfg.Store)
	}

	m, err := postgres.NewMigrator(postgresConfig(cfg))
	if err != nil {
		return err
	}
	defer m.Close()

	switch {
	case showVersion:
		v, dirty, err := m.Version()
		if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
			return fmt.Errorf("getting version: %w", err)
		}
		fmt.Printf("version: %d, dirty: %v\n", v, dirty)
	case forceSet:
		if err := m.Force(force); err != nil {
			return fmt.Errorf("forcing version: %w", err)
		}
		logger.Info("forced migration version", "version", force)
	case down:
		if err := m.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return fmt.Errorf("running down migrations: %w", err)
		}
		logger.Info("migrations reverted")
	case steps != 0:
		if err := m.Steps(steps); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return fmt.Errorf("running migrations: %w", err)
		}
		logger.Info("applied migration steps", "steps", steps)
	default:
		if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return fmt.Errorf("running up migrations: %w", err)
		}
		logger.Info("migrations applied")
	}
	return nil
}
