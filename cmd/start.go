package cmd

import (
	"github.com/spf13/cobra"

	"github.com/zjrosen/delegate/internal/daemon"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Run the delegate daemon",
	Long: `Run the daemon in the foreground: scheduler, merge worker, and HTTP
surface. Only one daemon per installation root can run; a second start
exits with code 2.

ANTHROPIC_API_KEY must be set; agent sessions are created against the
Anthropic API.

Use your service manager (launchd, systemd, tmux) to keep it running
in the background.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		d := daemon.New(cfg, h, version)
		return d.Run(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(startCmd)
}
