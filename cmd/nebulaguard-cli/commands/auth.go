package commands

import (
	"bufio"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/piwi3910/nebulaguard/internal/auth"
	"github.com/spf13/cobra"
)

// NewLoginCmd exchanges credentials for a token and stores it in the CLI
// configuration.
func NewLoginCmd() *cobra.Command {
	var (
		username      string
		passwordStdin bool
	)

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log in to the admin API",
		Long: `Log in with a username and password. The password is read from
NEBULAGUARD_PASSWORD, or from stdin with --password-stdin.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			password := os.Getenv("NEBULAGUARD_PASSWORD")

			if passwordStdin {
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && line == "" {
					return fmt.Errorf("failed to read password: %w", err)
				}

				password = strings.TrimRight(line, "\r\n")
			}

			if password == "" {
				return fmt.Errorf("no password given; set NEBULAGUARD_PASSWORD or use --password-stdin")
			}

			cfg, err := LoadConfig()
			if err != nil {
				return err
			}

			cfg.Token = ""

			var pair auth.TokenPair

			body := map[string]string{"username": username, "password": password}
			if err := newClient(cfg).Do(cmd.Context(), http.MethodPost, "/auth/token", nil, body, &pair); err != nil {
				return err
			}

			cfg.Token = pair.AccessToken
			if err := SaveConfig(cfg); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Logged in as %s (token expires %s)\n", username, pair.ExpiresAt.Format(time.RFC3339))

			return nil
		},
	}

	cmd.Flags().StringVarP(&username, "username", "u", "admin", "Username")
	cmd.Flags().BoolVar(&passwordStdin, "password-stdin", false, "Read the password from stdin")

	return cmd
}

// NewWhoAmICmd prints the identity behind the configured token.
func NewWhoAmICmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the current identity",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := NewClient()
			if err != nil {
				return err
			}

			var who auth.TokenClaims

			if err := client.Do(cmd.Context(), http.MethodGet, "/auth/whoami", nil, nil, &who); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%s (%s)\n", who.Username, who.Role)

			return nil
		},
	}
}
