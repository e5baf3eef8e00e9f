package sandbox

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zjrosen/delegate/internal/domain"
	"github.com/zjrosen/delegate/internal/errs"
	"github.com/zjrosen/delegate/internal/home"
)

func testHome(t *testing.T) *home.Home {
	t.Helper()
	return &home.Home{Root: t.TempDir()}
}

func TestCheckWrite_RoleDerivedPaths(t *testing.T) {
	h := testHome(t)

	engineer := NewConfig(h, "team-1", "dev", domain.RoleEngineer, nil)
	manager := NewConfig(h, "team-1", "pm", domain.RoleManager, nil)

	// Engineers may write their own directory and the shared folder.
	require.NoError(t, engineer.CheckWrite(filepath.Join(h.AgentDir("team-1", "dev"), "notes.md")))
	require.NoError(t, engineer.CheckWrite(filepath.Join(h.SharedDir("team-1"), "plan.md")))

	// Not another agent's directory, the protected dir, or outside.
	for _, target := range []string{
		filepath.Join(h.AgentDir("team-1", "pm"), "notes.md"),
		h.DBFile(),
		"/etc/passwd",
	} {
		err := engineer.CheckWrite(target)
		require.Error(t, err, target)
		assert.True(t, errs.IsKind(err, errs.KindSandbox))
		assert.Equal(t, errs.CodeWritePathDenied, errs.CodeOf(err))
	}

	// Managers may write anywhere inside the team directory, but still
	// not the protected directory.
	require.NoError(t, manager.CheckWrite(filepath.Join(h.AgentDir("team-1", "dev"), "notes.md")))
	assert.Error(t, manager.CheckWrite(h.NetworkFile()))
}

func TestCheckWrite_PathTraversal(t *testing.T) {
	h := testHome(t)
	cfg := NewConfig(h, "team-1", "dev", domain.RoleEngineer, nil)

	escape := filepath.Join(h.AgentDir("team-1", "dev"), "..", "..", "..", "protected", "delegate.db")
	err := cfg.CheckWrite(escape)
	require.Error(t, err)
	assert.Equal(t, errs.CodeWritePathDenied, errs.CodeOf(err))
}

func TestCheckBash_DeniedSubstrings(t *testing.T) {
	h := testHome(t)
	cfg := NewConfig(h, "team-1", "dev", domain.RoleEngineer, nil)

	denied := []string{
		"git push origin main",
		"git rebase -i HEAD~3",
		"cd /tmp && git worktree add x",
		"sqlite3 delegate.db 'select 1'",
		"echo DROP TABLE tasks",
		"rm -rf .git",
	}
	for _, command := range denied {
		err := cfg.CheckBash(command)
		require.Error(t, err, command)
		assert.Equal(t, errs.CodeBashDenied, errs.CodeOf(err))
	}

	allowed := []string{
		"git add -A && git commit -m 'wip'",
		"git status",
		"go test ./...",
		"ls -la",
	}
	for _, command := range allowed {
		assert.NoError(t, cfg.CheckBash(command), command)
	}
}

func TestToolAllowed(t *testing.T) {
	h := testHome(t)
	cfg := NewConfig(h, "team-1", "dev", domain.RoleEngineer, nil)

	assert.False(t, cfg.ToolAllowed("git_push"))
	assert.False(t, cfg.ToolAllowed("git_rebase"))
	assert.True(t, cfg.ToolAllowed("mailbox_send"))
	assert.True(t, cfg.ToolAllowed("task_create"))
}

func TestConfig_VersionBumps(t *testing.T) {
	h := testHome(t)
	cfg := NewConfig(h, "team-1", "dev", domain.RoleEngineer, []string{"github.com"})
	v := cfg.Version

	cfg.AddWorktree("/w/T0001/api", "/repo/.git")
	assert.Equal(t, v+1, cfg.Version)
	require.NoError(t, cfg.CheckWrite("/w/T0001/api/main.go"))

	cfg.SetNetworkAllowlist([]string{"github.com", "pkg.go.dev"})
	assert.Equal(t, v+2, cfg.Version)
	assert.Equal(t, []string{"github.com", "pkg.go.dev"}, cfg.NetworkAllowlist)
}

func TestRegistry_GetCreatesOncePerAgent(t *testing.T) {
	h := testHome(t)
	r := NewRegistry(h)

	cfg := r.Get("team-1", "dev", domain.RoleEngineer, nil)
	again := r.Get("team-1", "dev", domain.RoleEngineer, nil)
	assert.Same(t, cfg, again)

	_, ok := r.Lookup("team-1", "pm")
	assert.False(t, ok)

	r.SetAllowlist([]string{"example.com"})
	assert.Equal(t, []string{"example.com"}, cfg.NetworkAllowlist)
	assert.Equal(t, 2, cfg.Version)

	r.DropTeam("team-1")
	_, ok = r.Lookup("team-1", "dev")
	assert.False(t, ok)
}

func TestAllowlist_LoadSeedsDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "network.yaml")

	domains, err := LoadAllowlist(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultAllowlist, domains)

	// The seeded file round-trips.
	again, err := LoadAllowlist(path)
	require.NoError(t, err)
	assert.Equal(t, domains, again)
}

func TestAllowlist_AllowDisallow(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "network.yaml")

	require.NoError(t, AllowDomain(path, "pkg.go.dev"))
	// Idempotent.
	require.NoError(t, AllowDomain(path, "pkg.go.dev"))

	domains, err := LoadAllowlist(path)
	require.NoError(t, err)
	assert.Contains(t, domains, "pkg.go.dev")

	require.NoError(t, DisallowDomain(path, "pkg.go.dev"))
	domains, err = LoadAllowlist(path)
	require.NoError(t, err)
	assert.NotContains(t, domains, "pkg.go.dev")
}

func TestWatchAllowlist_FiresOnRewrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "network.yaml")
	_, err := LoadAllowlist(path)
	require.NoError(t, err)

	changed := make(chan []string, 4)
	stop, err := WatchAllowlist(path, func(domains []string) {
		changed <- domains
	})
	require.NoError(t, err)
	defer stop()

	require.NoError(t, AllowDomain(path, "internal.example.com"))

	select {
	case domains := <-changed:
		assert.Contains(t, domains, "internal.example.com")
	case <-time.After(3 * time.Second):
		t.Fatal("watcher never fired")
	}
}

func TestWatchAllowlist_IgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "network.yaml")
	_, err := LoadAllowlist(path)
	require.NoError(t, err)

	changed := make(chan []string, 1)
	stop, err := WatchAllowlist(path, func(domains []string) { changed <- domains })
	require.NoError(t, err)
	defer stop()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.yaml"), []byte("x: 1\n"), 0o600))

	select {
	case <-changed:
		t.Fatal("watcher fired for an unrelated file")
	case <-time.After(300 * time.Millisecond):
	}
}
