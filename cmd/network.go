package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zjrosen/delegate/internal/sandbox"
)

var networkCmd = &cobra.Command{
	Use:   "network",
	Short: "Manage the egress allowlist",
	Long: `Manage protected/network.yaml, the global domain allowlist every agent
sandbox enforces. A running daemon watches the file and rotates all
active sessions when it changes, so edits apply immediately.`,
}

var networkShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the allowed domains",
	Args:  cobra.NoArgs,
	RunE: func(_ *cobra.Command, _ []string) error {
		if err := h.EnsureLayout(); err != nil {
			return err
		}
		domains, err := sandbox.LoadAllowlist(h.NetworkFile())
		if err != nil {
			return err
		}
		for _, d := range domains {
			fmt.Println(d)
		}
		return nil
	},
}

var networkAllowCmd = &cobra.Command{
	Use:   "allow <domain>",
	Short: "Add a domain to the allowlist",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		if err := h.EnsureLayout(); err != nil {
			return err
		}
		if err := sandbox.AllowDomain(h.NetworkFile(), args[0]); err != nil {
			return err
		}
		fmt.Printf("%s allowed\n", args[0])
		return nil
	},
}

var networkDisallowCmd = &cobra.Command{
	Use:   "disallow <domain>",
	Short: "Remove a domain from the allowlist",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		if err := h.EnsureLayout(); err != nil {
			return err
		}
		if err := sandbox.DisallowDomain(h.NetworkFile(), args[0]); err != nil {
			return err
		}
		fmt.Printf("%s disallowed\n", args[0])
		return nil
	},
}

var networkResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Restore the default allowlist",
	Args:  cobra.NoArgs,
	RunE: func(_ *cobra.Command, _ []string) error {
		if err := h.EnsureLayout(); err != nil {
			return err
		}
		if err := sandbox.SaveAllowlist(h.NetworkFile(), sandbox.DefaultAllowlist); err != nil {
			return err
		}
		for _, d := range sandbox.DefaultAllowlist {
			fmt.Println(d)
		}
		return nil
	},
}

func init() {
	networkCmd.AddCommand(networkShowCmd)
	networkCmd.AddCommand(networkAllowCmd)
	networkCmd.AddCommand(networkDisallowCmd)
	networkCmd.AddCommand(networkResetCmd)
	rootCmd.AddCommand(networkCmd)
}
