// Package cli provides the hutd command-line interface.
//
// Command Structure:
//
//	hutd [--config file]
//	  ├── serve          run the HTTP API and the background tasks
//	  ├── token OWNER    print a signed token for an owner
//	  ├── config show    print the effective configuration as YAML
//	  └── version        print build information
//
// Configuration Precedence (highest to lowest):
//  1. Command-line flags
//  2. Environment variables (HUT_ prefix)
//  3. Configuration file values
//  4. Default values
package cli

import (
	"github.com/spf13/cobra"

	"hut.evalgo.org/common"
	"hut.evalgo.org/config"
)

// cfgFile holds the path to the configuration file specified via command-line flag.
var cfgFile string

// RootCmd is the hutd entry point
var RootCmd = &cobra.Command{
	Use:   "hutd",
	Short: "sovereign container and cross-chain operation orchestrator",
	Long: `hutd manages per-user sovereign containers ("huts") and the multi-step
cross-chain operations that fund and use them.

A container is created pending activation and must receive a qualifying
deposit within its activation window, otherwise it expires and its
resources are released. Deposits, swaps and withdrawals are tracked as
operations whose steps are advanced by polling the chain adapters until
finality, failure or timeout.`,
	SilenceUsage: true,
}

func init() {
	RootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml, $HOME/.hut/config.yaml or /etc/hut/config.yaml)")
}

// loadConfig loads and validates the configuration and applies its logging
// settings to the global logger.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(config.EnvPrefix, cfgFile)
	if err != nil {
		return nil, err
	}

	common.ConfigureGlobal(common.LoggerConfig{
		Level:  common.LogLevel(cfg.Logging.Level),
		Format: cfg.Logging.Format,
	})
	return cfg, nil
}
