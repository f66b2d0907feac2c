package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var (
	sessionsServerURL string
	sessionsToken     string
)

func init() {
	sessionsCmd := &cobra.Command{
		Use:   "sessions",
		Short: "Operate on the running server's session pool over its admin HTTP API",
	}
	sessionsCmd.PersistentFlags().StringVar(&sessionsServerURL, "server-url", envOr("COOKIERELAY_SERVER_URL", "https://127.0.0.1:8443"), "Base URL of a running cookierelay server")
	sessionsCmd.PersistentFlags().StringVar(&sessionsToken, "token", envOr("COOKIERELAY_ADMIN_TOKEN", ""), "Bearer token with at least operator role")
	rootCmd.AddCommand(sessionsCmd)

	sessionsCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List sessions in the pool",
		RunE: func(cmd *cobra.Command, args []string) error {
			return adminGet(cmd, "/admin/sessions")
		},
	})

	importCmd := &cobra.Command{
		Use:   "import <provider> <cookie-file>",
		Short: "Bulk-import newline-delimited cookies for a provider",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[1])
			if err != nil {
				return fmt.Errorf("read cookie file: %w", err)
			}
			cookies := make([]string, 0)
			for _, line := range strings.Split(string(data), "\n") {
				line = strings.TrimSpace(line)
				if line != "" {
					cookies = append(cookies, line)
				}
			}
			return adminPost(cmd, "/admin/sessions/import", map[string]any{
				"provider": args[0],
				"cookies":  cookies,
			})
		},
	}
	sessionsCmd.AddCommand(importCmd)

	for _, action := range []string{"quarantine", "revoke", "activate", "retire"} {
		action := action
		sessionsCmd.AddCommand(&cobra.Command{
			Use:   action + " <session-id>",
			Short: "Transition a session to " + action,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return adminPost(cmd, "/admin/sessions/"+args[0]+"/"+action, nil)
			},
		})
	}
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func adminRequest(cmd *cobra.Command, method, path string, body any) error {
	if strings.TrimSpace(sessionsToken) == "" {
		return fmt.Errorf("--token (or COOKIERELAY_ADMIN_TOKEN) is required")
	}
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, strings.TrimSuffix(sessionsServerURL, "/")+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+sessionsToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(out)))
	}
	var pretty bytes.Buffer
	if json.Indent(&pretty, out, "", "  ") == nil {
		fmt.Fprintln(cmd.OutOrStdout(), pretty.String())
	} else {
		fmt.Fprintln(cmd.OutOrStdout(), string(out))
	}
	return nil
}

func adminGet(cmd *cobra.Command, path string) error {
	return adminRequest(cmd, http.MethodGet, path, nil)
}

func adminPost(cmd *cobra.Command, path string, body any) error {
	return adminRequest(cmd, http.MethodPost, path, body)
}
