package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cookierelay/cookierelay/pkg/config"
	"github.com/cookierelay/cookierelay/pkg/wizard"
)

var (
	configServerPath string
)

func init() {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Run server configuration wizard",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadServerConfig(configServerPath)
			if err != nil {
				if errors.Is(err, os.ErrNotExist) {
					cfg = config.NewDefaultServerConfig()
				} else {
					return fmt.Errorf("load server config: %w", err)
				}
			}
			return wizard.RunServerWizard(configServerPath, cfg)
		},
	}

	configCmd.Flags().StringVar(&configServerPath, "server-config", config.DefaultServerConfigPath(), "Server config TOML path")
	rootCmd.AddCommand(configCmd)
}
