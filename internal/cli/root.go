package cli

import (
	"github.com/spf13/cobra"
)

var (
	configPath string
	serverURL  string
)

var rootCmd = &cobra.Command{
	Use:   "smolclaw",
	Short: "A small hormone-driven personal agent",
	Long: `smolclaw periodically looks at your repository and task list and decides
whether to nudge you, post an update, or stay quiet. Its mood (dopamine,
cortisol, energy) shapes how bold it is, and a learning guardrail keeps it
from repeating anything that was ever reported as a violation.`,
	SilenceUsage: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.smolclaw/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "server URL for client commands (default $SMOLCLAW_URL or http://127.0.0.1:37778)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(triggerCmd)
	rootCmd.AddCommand(nudgeCmd)
	rootCmd.AddCommand(replenishCmd)
	rootCmd.AddCommand(learnCmd)
	rootCmd.AddCommand(violationsCmd)
	rootCmd.AddCommand(recentCmd)
}
