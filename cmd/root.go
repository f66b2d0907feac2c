package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cookierelay/cookierelay/pkg/version"
)

var rootCmd = &cobra.Command{
	Use:     "cookierelay",
	Short:   "OpenAI-compatible gateway backed by a rotating cookie session pool",
	Long:    "cookierelay fronts a cookie-authenticated chat backend with an OpenAI-compatible API, a self-healing session pool, and an admin surface for operating it.",
	Version: version.String(),
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.SetOut(os.Stdout)
	rootCmd.SetErr(os.Stderr)
	rootCmd.SilenceUsage = true
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		if os.Geteuid() == 0 {
			fmt.Fprintln(cmd.ErrOrStderr(), "warning: running as root")
		}
		return nil
	}
}
