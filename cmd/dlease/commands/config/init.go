package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/marmos91/dittolease/internal/cli/prompt"
	"github.com/marmos91/dittolease/pkg/config"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default configuration file",
	Long: `Write a default configuration file to the default location, or to the
path given with --config.

An existing file is only replaced after confirmation, or with --force.

Examples:
  dlease config init
  dlease config init --config /etc/dittolease/config.yaml --force`,
	RunE: runConfigInit,
}

func init() {
	initCmd.Flags().BoolVarP(&initForce, "force", "f", false, "Overwrite an existing file without asking")
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	path := configPath(cmd)
	if path == "" {
		path = config.GetDefaultConfigPath()
	}

	force := initForce
	if _, err := os.Stat(path); err == nil {
		ok, err := prompt.ConfirmWithForce(fmt.Sprintf("Overwrite %s", path), initForce)
		if err != nil {
			if errors.Is(err, prompt.ErrAborted) {
				return nil
			}
			return err
		}
		if !ok {
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "Aborted.")
			return nil
		}
		force = true
	}

	if err := config.InitConfigToPath(path, force); err != nil {
		return fmt.Errorf("failed to initialize config: %w", err)
	}

	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Configuration file created at: %s\n", path)
	_, _ = fmt.Fprintln(cmd.OutOrStdout(), "\nNext steps:")
	_, _ = fmt.Fprintln(cmd.OutOrStdout(), "  1. Edit the configuration file to customize your setup")
	_, _ = fmt.Fprintln(cmd.OutOrStdout(), "  2. Start the server with: dlease start")
	return nil
}
