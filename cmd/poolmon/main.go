// Command poolmon is a live operator view of a running cookierelay server's
// session pool: status buckets, failure rate, and circuit-breaker state,
// refreshed over the admin HTTP API.
package main

import (
	"fmt"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/cookierelay/cookierelay/pkg/version"
)

func main() {
	var serverURL, token string
	var intervalSeconds int

	root := &cobra.Command{
		Use:     "poolmon",
		Short:   "Live session-pool dashboard for a running cookierelay server",
		Version: version.String(),
		RunE: func(cmd *cobra.Command, args []string) error {
			m := newModel(serverURL, token, intervalSeconds)
			p := tea.NewProgram(m, tea.WithAltScreen())
			_, err := p.Run()
			return err
		},
	}
	root.SilenceUsage = true
	root.Flags().StringVar(&serverURL, "server-url", envOr("COOKIERELAY_SERVER_URL", "https://127.0.0.1:8443"), "Base URL of a running cookierelay server")
	root.Flags().StringVar(&token, "token", envOr("COOKIERELAY_ADMIN_TOKEN", ""), "Bearer token with at least operator role")
	root.Flags().IntVar(&intervalSeconds, "interval", 3, "Poll interval in seconds")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
