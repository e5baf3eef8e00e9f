package home

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolve_ExplicitPathWinsOverEnv(t *testing.T) {
	t.Setenv(EnvHome, "/tmp/from-env")

	h, err := Resolve("/tmp/explicit")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/explicit", h.Root)
}

func TestResolve_EnvFallback(t *testing.T) {
	t.Setenv(EnvHome, "/tmp/from-env")

	h, err := Resolve("")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/from-env", h.Root)
}

func TestLayoutPaths(t *testing.T) {
	h := &Home{Root: "/home/u/.delegate"}

	assert.Equal(t, "/home/u/.delegate/protected", h.Protected())
	assert.Equal(t, "/home/u/.delegate/protected/daemon.lock", h.LockFile())
	assert.Equal(t, "/home/u/.delegate/protected/delegate.db", h.DBFile())
	assert.Equal(t, "/home/u/.delegate/teams/abc", h.TeamDir("abc"))
	assert.Equal(t, "/home/u/.delegate/teams/abc/agents/dev/tasks/T0007/api",
		h.WorktreeDir("abc", "dev", "T0007", "api"))
	assert.Equal(t, "/home/u/.delegate/teams/abc/agents/dev/memory",
		h.AgentMemoryDir("abc", "dev"))
	assert.Equal(t, "/home/u/.delegate/members/alice.yaml", h.MemberFile("alice"))
}

func TestEnsureLayout(t *testing.T) {
	root := t.TempDir()
	h := &Home{Root: root}

	require.NoError(t, h.EnsureLayout())
	// Idempotent.
	require.NoError(t, h.EnsureLayout())

	for _, dir := range []string{h.Protected(), h.BackupsDir(), h.TeamsDir(), h.MembersDir()} {
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}

	info, err := os.Stat(h.Protected())
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o700), info.Mode().Perm())
}

func TestEnsureTeamLayout(t *testing.T) {
	root := t.TempDir()
	h := &Home{Root: root}
	require.NoError(t, h.EnsureLayout())
	require.NoError(t, h.EnsureTeamLayout("team-1"))

	for _, dir := range []string{
		h.ReposDir("team-1"),
		h.SharedDir("team-1"),
		h.WorkflowsDir("team-1"),
		filepath.Join(h.TeamDir("team-1"), "agents"),
	} {
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
}
