package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/ap-development/medrelay/internal/config"
	"github.com/ap-development/medrelay/internal/db"
)

func newMigrateCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		Long:  "Connects to the configured Postgres database and applies the medrelay schema. Safe to run multiple times (idempotent).",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(cmd.OutOrStdout(), configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "medrelay.yaml", "path to medrelay config file")
	return cmd
}

func runMigrate(out io.Writer, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	gdb, err := db.Connect(cfg.Database)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "Migrating %s:%d/%s...\n", cfg.Database.Host, cfg.Database.Port, cfg.Database.Name)
	if err := db.AutoMigrate(gdb); err != nil {
		return err
	}
	fmt.Fprintln(out, "Migration complete.")
	return nil
}
