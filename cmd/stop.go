package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zjrosen/delegate/internal/daemon"
)

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running daemon",
	Long: `Send SIGTERM to the running daemon. The daemon drains in-flight HTTP
requests and shuts its components down in order before exiting.`,
	Args: cobra.NoArgs,
	RunE: func(_ *cobra.Command, _ []string) error {
		if err := daemon.Stop(h); err != nil {
			return err
		}
		fmt.Println("stop requested")
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report whether the daemon is running",
	Args:  cobra.NoArgs,
	RunE: func(_ *cobra.Command, _ []string) error {
		pid, err := daemon.Status(h)
		if err != nil {
			return err
		}
		fmt.Printf("running (pid %d, home %s, addr %s)\n", pid, h.Root, cfg.ListenAddr)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(statusCmd)
}
