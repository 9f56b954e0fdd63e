package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/zulandar/signalbox/internal/config"
	"github.com/zulandar/signalbox/internal/db"
	"github.com/zulandar/signalbox/internal/store"
)

// configFlags are shared by every command that reads the config file.
type configFlags struct {
	configPath string
	envPath    string
}

func (f *configFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.configPath, "config", "c", defaultConfigPath, "path to signalbox config file")
	cmd.Flags().StringVar(&f.envPath, "env", defaultEnvPath, "path to a .env file with secrets (missing is fine)")
}

// load reads .env then the YAML config.
func (f *configFlags) load() (*config.Config, error) {
	if err := config.LoadDotEnv(f.envPath); err != nil {
		return nil, err
	}
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// openStore connects to the configured database, migrating the schema.
func openStore(cfg *config.Config) (*store.Store, error) {
	gormDB, err := db.Open(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return store.New(gormDB)
}
