package team_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zjrosen/delegate/internal/domain"
	"github.com/zjrosen/delegate/internal/errs"
	"github.com/zjrosen/delegate/internal/event"
	"github.com/zjrosen/delegate/internal/home"
	"github.com/zjrosen/delegate/internal/storage/sqlite"
	"github.com/zjrosen/delegate/internal/team"
	"github.com/zjrosen/delegate/internal/testutil"
)

// fakeGit satisfies git.Executor for lifecycle tests; only RevParse and
// the worktree teardown calls matter here.
type fakeGit struct {
	missingBranch   string
	removedWorktree []string
}

func (g *fakeGit) RevParse(ctx context.Context, repoDir, ref string) (string, error) {
	if ref == g.missingBranch {
		return "", fmt.Errorf("unknown revision %q", ref)
	}
	return "deadbeef", nil
}

func (g *fakeGit) CreateWorktree(ctx context.Context, repoDir, path, newBranch, base string) error {
	return nil
}

func (g *fakeGit) RemoveWorktree(ctx context.Context, repoDir, path string) error {
	g.removedWorktree = append(g.removedWorktree, path)
	return nil
}

func (g *fakeGit) DeleteBranch(ctx context.Context, repoDir, branch string) error { return nil }
func (g *fakeGit) BranchExists(ctx context.Context, repoDir, branch string) bool  { return false }
func (g *fakeGit) Fetch(ctx context.Context, repoDir, ref string) error           { return nil }
func (g *fakeGit) RebaseOnto(ctx context.Context, workDir, branch, target string) error {
	return nil
}
func (g *fakeGit) SquashReapply(ctx context.Context, workDir, branch, target, message string) error {
	return nil
}
func (g *fakeGit) FastForward(ctx context.Context, repoDir, target, tip string) error { return nil }
func (g *fakeGit) IsAncestor(ctx context.Context, repoDir, ancestor, descendant string) (bool, error) {
	return true, nil
}
func (g *fakeGit) Diff(ctx context.Context, repoDir, base, branch string) (string, error) {
	return "", nil
}
func (g *fakeGit) FileAt(ctx context.Context, repoDir, ref, path string) (string, error) {
	return "", nil
}
func (g *fakeGit) CommitAll(ctx context.Context, workDir, author, message string) error { return nil }

func newService(t *testing.T) (*team.Service, *sqlite.Store, *home.Home, *fakeGit) {
	t.Helper()
	h := &home.Home{Root: t.TempDir()}
	require.NoError(t, h.EnsureLayout())
	store := testutil.NewStore(t)
	bus := event.NewBus(store.Events)
	t.Cleanup(bus.Close)
	g := &fakeGit{}
	return team.NewService(h, store, bus, g, nil, nil), store, h, g
}

func defaultRoster() []team.RosterEntry {
	return []team.RosterEntry{
		{Name: "pm", Role: domain.RoleManager},
		{Name: "dev", Role: domain.RoleEngineer},
		{Name: "rev", Role: domain.RoleReviewer},
	}
}

func TestCreate_ProvisionsSkeletonAndRoster(t *testing.T) {
	svc, store, h, _ := newService(t)

	tm, err := svc.Create("platform", "Ship the API.", defaultRoster())
	require.NoError(t, err)

	charter, err := os.ReadFile(h.CharterFile(tm.ID))
	require.NoError(t, err)
	assert.Equal(t, "Ship the API.", string(charter))
	_, err = os.Stat(h.SettingsEnv(tm.ID))
	require.NoError(t, err)
	_, err = os.Stat(h.AgentMemoryDir(tm.ID, "dev"))
	require.NoError(t, err)

	agents, err := store.Agents.ListByTeam(store.DB(), tm.ID)
	require.NoError(t, err)
	assert.Len(t, agents, 3)
}

func TestCreate_Validation(t *testing.T) {
	svc, _, _, _ := newService(t)

	_, err := svc.Create("  ", "", nil)
	assert.Equal(t, errs.CodeBadRequest, errs.CodeOf(err))

	_, err = svc.Create("platform", "", defaultRoster())
	require.NoError(t, err)
	_, err = svc.Create("platform", "", nil)
	assert.Equal(t, errs.CodeBadRequest, errs.CodeOf(err), "duplicate name refused")

	_, err = svc.Create("infra", "", []team.RosterEntry{{Name: "x", Role: "wizard"}})
	require.Error(t, err)
	assert.Equal(t, errs.CodeBadRequest, errs.CodeOf(err), "unknown role refused")
}

func TestAddAgent(t *testing.T) {
	svc, _, h, _ := newService(t)
	tm, err := svc.Create("platform", "", defaultRoster())
	require.NoError(t, err)

	agent, err := svc.AddAgent(tm.ID, "dev2", domain.RoleEngineer, "")
	require.NoError(t, err)
	assert.NotEmpty(t, agent.ID)
	_, err = os.Stat(h.AgentMemoryDir(tm.ID, "dev2"))
	require.NoError(t, err)

	_, err = svc.AddAgent(tm.ID, "dev2", domain.RoleEngineer, "")
	assert.Equal(t, errs.CodeBadRequest, errs.CodeOf(err), "duplicate agent refused")

	_, err = svc.AddAgent(tm.ID, "x", "wizard", "")
	assert.Equal(t, errs.CodeBadRequest, errs.CodeOf(err))
}

func gitRepoDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, ".git"), 0o755))
	return dir
}

func TestRegisterRepo(t *testing.T) {
	svc, _, h, g := newService(t)
	tm, err := svc.Create("platform", "", defaultRoster())
	require.NoError(t, err)
	ctx := context.Background()

	_, err = svc.RegisterRepo(ctx, tm.ID, t.TempDir(), "", "", "", "")
	assert.Equal(t, errs.CodeBadRequest, errs.CodeOf(err), "plain directories are not repos")

	repoDir := gitRepoDir(t)
	repo, err := svc.RegisterRepo(ctx, tm.ID, repoDir, "", "", "", "")
	require.NoError(t, err)
	assert.Equal(t, filepath.Base(repoDir), repo.Name)
	assert.Equal(t, "main", repo.TargetBranch)
	assert.Equal(t, domain.ApprovalHuman, repo.ApprovalPolicy)

	link, err := os.Readlink(filepath.Join(h.ReposDir(tm.ID), repo.Name))
	require.NoError(t, err)
	assert.Equal(t, repo.Path, link)

	_, err = svc.RegisterRepo(ctx, tm.ID, repoDir, repo.Name, "", "", "")
	assert.Equal(t, errs.CodeBadRequest, errs.CodeOf(err), "duplicate repo name refused")

	g.missingBranch = "release"
	_, err = svc.RegisterRepo(ctx, tm.ID, gitRepoDir(t), "api", "release", "", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `branch "release" does not exist`)
}

func TestResolve(t *testing.T) {
	svc, _, _, _ := newService(t)
	tm, err := svc.Create("platform", "", defaultRoster())
	require.NoError(t, err)

	byName, err := svc.Resolve("platform")
	require.NoError(t, err)
	assert.Equal(t, tm.ID, byName.ID)

	byID, err := svc.Resolve(tm.ID)
	require.NoError(t, err)
	assert.Equal(t, "platform", byID.Name)

	_, err = svc.Resolve("ghosts")
	assert.Equal(t, errs.CodeTeamNotFound, errs.CodeOf(err))
}

func TestDelete_UnwindsEverything(t *testing.T) {
	svc, store, h, _ := newService(t)
	tm, err := svc.Create("platform", "", defaultRoster())
	require.NoError(t, err)
	testutil.SeedTask(t, store, tm.ID, tm.Name, "t")

	require.NoError(t, svc.Delete(context.Background(), tm.ID))

	_, err = store.Teams.Get(tm.ID)
	assert.Equal(t, errs.CodeTeamNotFound, errs.CodeOf(err))
	tasks, err := store.Tasks.ListByTeam(store.DB(), tm.ID)
	require.NoError(t, err)
	assert.Empty(t, tasks)
	_, err = os.Stat(h.TeamDir(tm.ID))
	assert.True(t, os.IsNotExist(err), "team directory is gone")

	_, err = svc.Resolve("platform")
	assert.Error(t, err)
}

func TestMembers_RoundTrip(t *testing.T) {
	svc, _, h, _ := newService(t)

	require.NoError(t, svc.SaveMember(domain.Member{Name: "alice", Email: "alice@example.com"}))
	err := svc.SaveMember(domain.Member{Name: " "})
	assert.Equal(t, errs.CodeBadRequest, errs.CodeOf(err))

	// Malformed files are skipped, not fatal.
	require.NoError(t, os.WriteFile(filepath.Join(h.MembersDir(), "broken.yaml"), []byte("{unclosed"), 0o644))

	members, err := svc.ListMembers()
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Equal(t, "alice", members[0].Name)
	assert.Equal(t, "alice@example.com", members[0].Email)
}

func TestGreet(t *testing.T) {
	svc, store, _, _ := newService(t)

	noManager, err := svc.Create("infra", "", []team.RosterEntry{{Name: "dev", Role: domain.RoleEngineer}})
	require.NoError(t, err)
	err = svc.Greet(noManager.ID, "alice")
	assert.Equal(t, errs.CodeAgentNotFound, errs.CodeOf(err))

	tm, err := svc.Create("platform", "", defaultRoster())
	require.NoError(t, err)
	require.NoError(t, svc.Greet(tm.ID, "alice"))

	unread, err := store.Messages.UnreadByRecipient(tm.ID)
	require.NoError(t, err)
	require.Len(t, unread["pm"], 1)
	assert.Equal(t, "human:alice", unread["pm"][0].Sender)
}
