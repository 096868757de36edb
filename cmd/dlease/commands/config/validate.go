package config

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/marmos91/dittolease/pkg/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	Long: `Load the configuration file, apply defaults and environment overrides,
and run every validation rule.

Examples:
  dlease config validate
  dlease config validate --config /etc/dittolease/config.yaml`,
	RunE: runConfigValidate,
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	path := configPath(cmd)
	if _, err := config.MustLoad(path); err != nil {
		return err
	}
	if path == "" {
		path = config.GetDefaultConfigPath()
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Configuration is valid: %s\n", path)
	return nil
}
