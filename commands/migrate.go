package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"convertd/config"
	"convertd/jobstore"
	"convertd/logger"
)

func migrateCmd() *cobra.Command {
	var (
		dbURL     string
		retries   int
		retryWait time.Duration
	)
	cmd := &cobra.Command{
		Use:       "migrate [up|down|version]",
		Short:     "Apply the versioned postgres schema",
		Args:      cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"up", "down", "version"},
		RunE: func(cmd *cobra.Command, args []string) error {
			action := "up"
			if len(args) == 1 {
				action = args[0]
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if dbURL == "" {
				dbURL = postgresURL(cfg.DB)
			}

			mc := jobstore.DefaultMigrationConfig(dbURL)
			if retries > 0 {
				mc.RetryAttempts = retries
			}
			if retryWait > 0 {
				mc.RetryDelay = retryWait
			}
			m, err := jobstore.NewMigrator(mc)
			if err != nil {
				return fmt.Errorf("failed to create migrator: %w", err)
			}
			defer m.Close()

			switch action {
			case "up":
				if err := m.Up(); err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
			case "down":
				if err := m.Down(); err != nil {
					return fmt.Errorf("migration rollback failed: %w", err)
				}
			}

			version, dirty, err := m.Version()
			if err != nil {
				return fmt.Errorf("could not read migration version: %w", err)
			}
			logger.Infof("Current migration version: %d (dirty: %v)", version, dirty)
			fmt.Fprintf(cmd.OutOrStdout(), "version %d (dirty: %v)\n", version, dirty)
			return nil
		},
	}
	cmd.Flags().StringVar(&dbURL, "db", "", "Database URL (defaults to DB_DSN or DB_* variables)")
	cmd.Flags().IntVar(&retries, "retries", 0, "Number of connection retries (default 5)")
	cmd.Flags().DurationVar(&retryWait, "retry-wait", 0, "Wait time between retries (default 3s)")
	return cmd
}

func postgresURL(db config.Database) string {
	if db.Driver == jobstore.DriverPostgres && db.DSN != "" {
		return db.DSN
	}
	return jobstore.Options{
		Host:     db.Host,
		Port:     db.Port,
		User:     db.User,
		Password: db.Password,
		DBName:   db.Name,
		SSLMode:  db.SSLMode,
	}.PostgresURL()
}
