package cli

import (
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func init() {
	RootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "inspect the configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "print the effective configuration as YAML",
	Long:  `Print the configuration after defaults, file, .env and environment variables are merged. The JWT secret is masked.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		enc := yaml.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent(2)
		if err := enc.Encode(cfg.Redacted()); err != nil {
			return err
		}
		return enc.Close()
	},
}
