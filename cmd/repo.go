package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zjrosen/delegate/internal/domain"
	"github.com/zjrosen/delegate/internal/errs"
)

var repoCmd = &cobra.Command{
	Use:   "repo",
	Short: "Manage registered repositories",
}

var (
	repoAddName        string
	repoAddBranch      string
	repoAddPreMerge    string
	repoAddAutoApprove bool
)

var repoAddCmd = &cobra.Command{
	Use:   "add <team> <path>",
	Short: "Register a git repository with a team",
	Long: `Register an existing git repository. The repo stays where it is; the
team directory gains a symlink under repos/<name>, and task branches
merge into the target branch through the serialized merge worker.

The pre-merge command, when set, runs inside the rebased worktree
before every fast-forward; a non-zero exit fails the merge.

Examples:
  delegate repo add platform ~/src/api
  delegate repo add platform ~/src/api --name api --branch main \
    --pre-merge "make test" --auto-approve`,
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
		policy := domain.ApprovalHuman
		if repoAddAutoApprove {
			policy = domain.ApprovalAuto
		}
		repo, err := svc.teams.RegisterRepo(context.Background(), tm.ID, args[1],
			repoAddName, repoAddBranch, repoAddPreMerge, policy)
		if err != nil {
			return err
		}
		fmt.Printf("repo %s registered (target %s, approval %s)\n",
			repo.Name, repo.TargetBranch, repo.ApprovalPolicy)
		return nil
	},
}

var repoSetApprovalCmd = &cobra.Command{
	Use:   "set-approval <team> <name> <auto|human>",
	Short: "Change a repo's merge approval policy",
	Args:  cobra.ExactArgs(3),
	RunE: func(_ *cobra.Command, args []string) error {
		policy := domain.ApprovalPolicy(args[2])
		if policy != domain.ApprovalAuto && policy != domain.ApprovalHuman {
			return errs.User(errs.CodeBadRequest, "approval policy must be auto or human, got %q", args[2])
		}

		svc, err := openServices()
		if err != nil {
			return err
		}
		defer svc.Close()

		tm, err := svc.teams.Resolve(args[0])
		if err != nil {
			return err
		}
		if err := svc.store.Repos.SetApprovalPolicy(svc.store.DB(), tm.ID, args[1], policy); err != nil {
			return err
		}
		fmt.Printf("repo %s approval set to %s\n", args[1], policy)
		return nil
	},
}

var repoListCmd = &cobra.Command{
	Use:   "list <team>",
	Short: "List a team's registered repositories",
	Args:  cobra.ExactArgs(1),
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
		repos, err := svc.store.Repos.ListByTeam(tm.ID)
		if err != nil {
			return err
		}
		if len(repos) == 0 {
			fmt.Println("no repos registered")
			return nil
		}
		for _, r := range repos {
			fmt.Printf("%-16s %-10s %-6s %s\n", r.Name, r.TargetBranch, r.ApprovalPolicy, r.Path)
		}
		return nil
	},
}

func init() {
	repoAddCmd.Flags().StringVar(&repoAddName, "name", "",
		"repo name within the team (default: directory basename)")
	repoAddCmd.Flags().StringVar(&repoAddBranch, "branch", "",
		"target branch merges fast-forward into (default: main)")
	repoAddCmd.Flags().StringVar(&repoAddPreMerge, "pre-merge", "",
		"command run in the rebased worktree before each merge")
	repoAddCmd.Flags().BoolVar(&repoAddAutoApprove, "auto-approve", false,
		"merge approved reviews without a human decision")

	repoCmd.AddCommand(repoAddCmd)
	repoCmd.AddCommand(repoSetApprovalCmd)
	repoCmd.AddCommand(repoListCmd)
	rootCmd.AddCommand(repoCmd)
}
