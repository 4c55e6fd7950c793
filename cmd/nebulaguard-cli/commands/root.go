package commands

import (
	"github.com/spf13/cobra"
)

// NewRootCmd assembles the full command tree.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "nebulaguard-cli",
		Short: "NebulaGuard CLI - data loss prevention scans and policies",
		Long: `NebulaGuard CLI talks to the NebulaGuard admin API.

Configure your endpoint and sign in:
  nebulaguard-cli config set endpoint http://localhost:9100
  nebulaguard-cli login -u admin

Or use environment variables:
  NEBULAGUARD_ENDPOINT
  NEBULAGUARD_TOKEN
  NEBULAGUARD_CLI_CONFIG`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(NewConfigCmd())
	rootCmd.AddCommand(NewLoginCmd())
	rootCmd.AddCommand(NewWhoAmICmd())
	rootCmd.AddCommand(NewStatusCmd())
	rootCmd.AddCommand(NewClassifyCmd())
	rootCmd.AddCommand(NewScanCmd())
	rootCmd.AddCommand(NewPatternsCmd())
	rootCmd.AddCommand(NewPoliciesCmd())
	rootCmd.AddCommand(NewRulesCmd())
	rootCmd.AddCommand(NewViolationsCmd())

	return rootCmd
}
