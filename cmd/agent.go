package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zjrosen/delegate/internal/domain"
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Manage team agents",
}

var (
	agentAddRole  string
	agentAddModel string
)

var agentAddCmd = &cobra.Command{
	Use:   "add <team> <name>",
	Short: "Add an agent to a team's roster",
	Long: `Add one agent. The agent gets a private directory with a memory
subdirectory carried across session rotations, and starts receiving
mail on the next scheduler tick.

Example:
  delegate agent add platform carol --role engineer`,
	Args: cobra.ExactArgs(2),
	RunE: func(_ *cobra.Command, args []string) error {
		svc, err := openServices()
		if err != nil {
			return err
		}
		defer svc.Close()

		tm, err := svc.teams.Resolve(args[0])
		if err != nil {
			return err
		}
		role := domain.Role(agentAddRole)
		model := agentAddModel
		if model == "" {
			model = cfg.Models.ModelForRole(agentAddRole)
		}
		agent, err := svc.teams.AddAgent(tm.ID, args[1], role, model)
		if err != nil {
			return err
		}
		fmt.Printf("agent %s (%s) added to %s\n", agent.Name, agent.Role, tm.Name)
		return nil
	},
}

func init() {
	agentAddCmd.Flags().StringVar(&agentAddRole, "role", "engineer",
		"agent role: manager, engineer, or reviewer")
	agentAddCmd.Flags().StringVar(&agentAddModel, "model", "",
		"model identifier (default: per-role config)")

	agentCmd.AddCommand(agentAddCmd)
	rootCmd.AddCommand(agentCmd)
}
