// Package cli implements the bouncer command tree.
package cli

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/clawdbot/bouncer/internal/output"
)

var (
	flagConfig string
	flagJSON   bool
	flagServer string
	flagSecret string
)

var rootCmd = &cobra.Command{
	Use:   "bouncer",
	Short: "Approval gateway between agents and cloud credentials",
	Long: `Bouncer sits between an AI agent and a cloud command surface. Every
privileged action is intercepted, classified, risk-scored, and either
auto-executed, auto-denied, or routed to a human approver. The agent never
holds credentials; the gateway executes on the approver's behalf.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		output.SetOutputMode(flagJSON)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "path to config file")
	rootCmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "machine-readable JSON output")
	rootCmd.PersistentFlags().StringVar(&flagServer, "server", "", "gateway base URL (default from config, env BOUNCER_SERVER)")
	rootCmd.PersistentFlags().StringVar(&flagSecret, "secret", "", "request secret (env BOUNCER_REQUEST_SECRET)")
}

// Execute runs the command tree.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		output.OutputError("command_failed", err.Error())
		os.Exit(1)
	}
}
