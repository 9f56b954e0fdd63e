package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/zulandar/signalbox/internal/db"
)

func newMigrateCmd() *cobra.Command {
	var flags configFlags

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		Long: `Creates the database (MySQL only) and migrates the messages, users and
tasks tables. Safe to run multiple times.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(cmd, &flags)
		},
	}

	flags.register(cmd)
	return cmd
}

func runMigrate(cmd *cobra.Command, flags *configFlags) error {
	out := cmd.OutOrStdout()

	cfg, err := flags.load()
	if err != nil {
		return err
	}

	target := cfg.Database.Path
	if cfg.Database.Driver == "mysql" {
		target = fmt.Sprintf("%s:%d/%s", cfg.Database.Host, cfg.Database.Port, cfg.Database.Name)
	}
	fmt.Fprintf(out, "Migrating %s database %s...\n", cfg.Database.Driver, target)

	gormDB, err := db.Open(cfg.Database)
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	if sqlDB, err := gormDB.DB(); err == nil {
		defer sqlDB.Close()
	}

	for _, model := range db.AllModels() {
		stmt := gormDB.Model(model).Statement
		if err := stmt.Parse(model); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		fmt.Fprintf(out, "  %s ok\n", stmt.Schema.Table)
	}
	fmt.Fprintln(out, "Migration complete.")
	return nil
}
