package daemon

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zjrosen/delegate/internal/config"
	"github.com/zjrosen/delegate/internal/domain"
	"github.com/zjrosen/delegate/internal/event"
	"github.com/zjrosen/delegate/internal/home"
	"github.com/zjrosen/delegate/internal/merge"
	"github.com/zjrosen/delegate/internal/sandbox"
	"github.com/zjrosen/delegate/internal/storage/sqlite"
	"github.com/zjrosen/delegate/internal/testutil"
	"github.com/zjrosen/delegate/internal/workflow"
	"github.com/zjrosen/delegate/internal/worktree"
)

// stubGit satisfies git.Executor without shelling out.
type stubGit struct{}

func (stubGit) RevParse(ctx context.Context, repoDir, ref string) (string, error) {
	return "sha-" + ref, nil
}
func (stubGit) CreateWorktree(ctx context.Context, repoDir, path, newBranch, base string) error {
	return nil
}
func (stubGit) RemoveWorktree(ctx context.Context, repoDir, path string) error { return nil }
func (stubGit) DeleteBranch(ctx context.Context, repoDir, branch string) error { return nil }
func (stubGit) BranchExists(ctx context.Context, repoDir, branch string) bool  { return false }
func (stubGit) Fetch(ctx context.Context, repoDir, ref string) error           { return nil }
func (stubGit) RebaseOnto(ctx context.Context, workDir, branch, target string) error {
	return nil
}
func (stubGit) SquashReapply(ctx context.Context, workDir, branch, target, message string) error {
	return nil
}
func (stubGit) FastForward(ctx context.Context, repoDir, target, tip string) error { return nil }
func (stubGit) IsAncestor(ctx context.Context, repoDir, ancestor, descendant string) (bool, error) {
	return true, nil
}
func (stubGit) Diff(ctx context.Context, repoDir, base, branch string) (string, error) {
	return "", nil
}
func (stubGit) FileAt(ctx context.Context, repoDir, ref, path string) (string, error) {
	return "", nil
}
func (stubGit) CommitAll(ctx context.Context, workDir, author, message string) error { return nil }

// effectsFixture wires the production effects bridge to a real store,
// worktree manager, and merge queue, exactly as Run does.
type effectsFixture struct {
	store  *sqlite.Store
	engine *workflow.Engine
	team   *domain.Team
}

func newEffectsFixture(t *testing.T) *effectsFixture {
	t.Helper()
	h := &home.Home{Root: t.TempDir()}
	require.NoError(t, h.EnsureLayout())
	store := testutil.NewStore(t)
	team := testutil.SeedTeam(t, store, "team-1", "platform")
	bus := event.NewBus(store.Events)
	t.Cleanup(bus.Close)

	sandboxes := sandbox.NewRegistry(h)
	worktrees := worktree.NewManager(h, stubGit{}, store, sandboxes)
	eff := &effects{cfg: &config.Config{}, store: store, worktrees: worktrees}
	registry := workflow.NewRegistry()
	require.NoError(t, registry.Register(workflow.Default()))
	engine := workflow.NewEngine(store, bus, registry, eff)
	eff.merges = merge.NewWorker(store, stubGit{}, worktrees, engine, time.Minute)

	return &effectsFixture{store: store, engine: engine, team: team}
}

func (f *effectsFixture) seedRepo(t *testing.T, name string, policy domain.ApprovalPolicy) {
	t.Helper()
	repo := &domain.Repo{TeamID: f.team.ID, Path: "/repos/" + name, Name: name,
		TargetBranch: "main", ApprovalPolicy: policy, CreatedAt: time.Now().UTC()}
	require.NoError(t, f.store.WithTx(func(tx *sql.Tx) error {
		return f.store.Repos.Create(tx, repo)
	}))
}

func (f *effectsFixture) seedTask(t *testing.T, assignee string, repos []string) *domain.Task {
	t.Helper()
	task := &domain.Task{TeamID: f.team.ID, Title: "t", Status: domain.StatusTodo,
		Assignee: assignee, Repos: repos,
		ApprovalStatus: domain.ApprovalPending, WorkflowName: workflow.DefaultName, WorkflowVersion: 1,
		CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC()}
	require.NoError(t, f.store.WithTx(func(tx *sql.Tx) error {
		return f.store.Tasks.Create(tx, f.team.Name, task)
	}))
	return task
}

// The full path from todo to merging runs worktree setup, reviewer
// selection, and the approval policy check inside transition
// transactions, so every store read they make must ride the open
// transaction on the single-connection pool.
func TestEffects_DriveTaskToMerging(t *testing.T) {
	f := newEffectsFixture(t)
	testutil.SeedAgent(t, f.store, f.team.ID, "agent-dev", "dev", domain.RoleEngineer)
	testutil.SeedAgent(t, f.store, f.team.ID, "agent-rev", "rev", domain.RoleReviewer)
	f.seedRepo(t, "api", domain.ApprovalAuto)
	task := f.seedTask(t, "dev", []string{"api"})
	ctx := context.Background()

	require.NoError(t, f.engine.Dispatch(ctx, task.ID,
		workflow.Event{Kind: workflow.EventWorkStarted, Actor: "dev"}))
	got, err := f.store.Tasks.Get(task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusInProgress, got.Status)
	assert.Equal(t, map[string]string{"api": "sha-main"}, got.BaseSHAs, "worktree provisioned in the transition")

	require.NoError(t, f.engine.Dispatch(ctx, task.ID,
		workflow.Event{Kind: workflow.EventWorkCompleted, Actor: "dev"}))
	got, err = f.store.Tasks.Get(task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusInReview, got.Status)
	assert.Equal(t, "rev", got.Reviewer, "reviewer picked from the roster in the transition")

	require.NoError(t, f.engine.Dispatch(ctx, task.ID,
		workflow.Event{Kind: workflow.EventReviewApproved, Actor: "rev", Detail: "lgtm"}))
	got, err = f.store.Tasks.Get(task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusMerging, got.Status,
		"auto approval policy carries the task through in_approval")
}

func TestEffects_PickAgentPrefersLeastLoaded(t *testing.T) {
	f := newEffectsFixture(t)
	testutil.SeedAgent(t, f.store, f.team.ID, "agent-dev1", "dev1", domain.RoleEngineer)
	testutil.SeedAgent(t, f.store, f.team.ID, "agent-dev2", "dev2", domain.RoleEngineer)
	f.seedTask(t, "dev1", nil)
	task := f.seedTask(t, "", nil)

	require.NoError(t, f.engine.Dispatch(context.Background(), task.ID,
		workflow.Event{Kind: workflow.EventWorkStarted, Actor: "pm"}))
	got, err := f.store.Tasks.Get(task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusInProgress, got.Status)
	assert.Equal(t, "dev2", got.Assignee)
}
