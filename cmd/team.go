package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/zjrosen/delegate/internal/domain"
	"github.com/zjrosen/delegate/internal/errs"
	"github.com/zjrosen/delegate/internal/team"
)

var teamCmd = &cobra.Command{
	Use:   "team",
	Short: "Manage teams",
}

var (
	teamAddCharterFile string
	teamAddAgents      []string
)

var teamAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Create a team with its roster",
	Long: `Create a team: directory skeleton under teams/<uuid>/, charter,
settings.env, and the seed agent roster.

Agents are given as name:role[:model] where role is manager, engineer,
or reviewer. Without --agent a default roster of one manager (pm), one
engineer (dev), and one reviewer (rev) is seeded.

Examples:
  delegate team add platform
  delegate team add platform --charter-file ./CHARTER.md \
    --agent lead:manager --agent alice:engineer --agent bob:reviewer`,
	Args: cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		svc, err := openServices()
		if err != nil {
			return err
		}
		defer svc.Close()

		charter := ""
		if teamAddCharterFile != "" {
			data, err := os.ReadFile(teamAddCharterFile)
			if err != nil {
				return fmt.Errorf("failed to read charter: %w", err)
			}
			charter = string(data)
		}
		roster, err := parseRoster(teamAddAgents)
		if err != nil {
			return err
		}

		tm, err := svc.teams.Create(args[0], charter, roster)
		if err != nil {
			return err
		}
		fmt.Printf("team %s created (%s)\n", tm.Name, tm.ID)
		for _, entry := range roster {
			fmt.Printf("  %-12s %s\n", entry.Name, entry.Role)
		}
		return nil
	},
}

var teamListCmd = &cobra.Command{
	Use:   "list",
	Short: "List teams",
	Args:  cobra.NoArgs,
	RunE: func(_ *cobra.Command, _ []string) error {
		svc, err := openServices()
		if err != nil {
			return err
		}
		defer svc.Close()

		teams, err := svc.store.Teams.List()
		if err != nil {
			return err
		}
		if len(teams) == 0 {
			fmt.Println("no teams")
			return nil
		}
		for _, tm := range teams {
			agents, _ := svc.store.Agents.ListByTeam(svc.store.DB(), tm.ID)
			fmt.Printf("%-20s %s  (%d agents)\n", tm.Name, tm.ID, len(agents))
		}
		return nil
	},
}

var teamRemoveCmd = &cobra.Command{
	Use:   "remove <name-or-id>",
	Short: "Delete a team and everything it owns",
	Long: `Delete a team: worktrees and task branches are detached from their
backing repos, rows are purged, and the team directory is removed.
Registered repositories themselves are untouched.`,
	Args: cobra.ExactArgs(1),
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
		if err := svc.teams.Delete(context.Background(), tm.ID); err != nil {
			return err
		}
		fmt.Printf("team %s removed\n", tm.Name)
		return nil
	},
}

// parseRoster turns name:role[:model] specs into roster entries,
// falling back to the default three-agent roster.
func parseRoster(specs []string) ([]team.RosterEntry, error) {
	if len(specs) == 0 {
		return []team.RosterEntry{
			{Name: "pm", Role: domain.RoleManager, Model: cfg.Models.Manager},
			{Name: "dev", Role: domain.RoleEngineer, Model: cfg.Models.Engineer},
			{Name: "rev", Role: domain.RoleReviewer, Model: cfg.Models.Reviewer},
		}, nil
	}
	roster := make([]team.RosterEntry, 0, len(specs))
	for _, spec := range specs {
		parts := strings.SplitN(spec, ":", 3)
		if len(parts) < 2 || parts[0] == "" {
			return nil, errs.User(errs.CodeBadRequest,
				"malformed agent spec %q, want name:role[:model]", spec)
		}
		role := domain.Role(parts[1])
		if !domain.ValidRole(role) {
			return nil, errs.User(errs.CodeBadRequest, "unknown role %q in %q", parts[1], spec)
		}
		model := cfg.Models.ModelForRole(string(role))
		if len(parts) == 3 && parts[2] != "" {
			model = parts[2]
		}
		roster = append(roster, team.RosterEntry{Name: parts[0], Role: role, Model: model})
	}
	return roster, nil
}

func init() {
	teamAddCmd.Flags().StringVar(&teamAddCharterFile, "charter-file", "",
		"path to a charter markdown file")
	teamAddCmd.Flags().StringArrayVar(&teamAddAgents, "agent", nil,
		"agent spec name:role[:model], repeatable")

	teamCmd.AddCommand(teamAddCmd)
	teamCmd.AddCommand(teamListCmd)
	teamCmd.AddCommand(teamRemoveCmd)
	rootCmd.AddCommand(teamCmd)
}
