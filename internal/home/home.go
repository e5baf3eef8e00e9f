// Package home resolves the delegate installation directory layout.
// Everything the daemon persists lives under DELEGATE_HOME (default
// ~/.delegate): the protected directory owned exclusively by the
// daemon, per-team working directories, and human member identities.
package home

import (
	"fmt"
	"os"
	"path/filepath"
)

// EnvHome is the environment variable overriding the installation root.
const EnvHome = "DELEGATE_HOME"

// Home describes the resolved installation layout.
type Home struct {
	Root string
}

// Resolve determines the installation root. An explicit path wins over
// DELEGATE_HOME, which wins over ~/.delegate.
func Resolve(explicit string) (*Home, error) {
	root := explicit
	if root == "" {
		root = os.Getenv(EnvHome)
	}
	if root == "" {
		dir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve user home: %w", err)
		}
		root = filepath.Join(dir, ".delegate")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", root, err)
	}
	return &Home{Root: abs}, nil
}

// Protected returns the daemon-only directory. Agents are denied this
// path at every sandbox layer.
func (h *Home) Protected() string { return filepath.Join(h.Root, "protected") }

// LockFile returns the advisory daemon singleton lock path.
func (h *Home) LockFile() string { return filepath.Join(h.Protected(), "daemon.lock") }

// PIDFile returns the supplementary pidfile path used by status/stop.
func (h *Home) PIDFile() string { return filepath.Join(h.Protected(), "daemon.pid") }

// DBFile returns the embedded database file path.
func (h *Home) DBFile() string { return filepath.Join(h.Protected(), "delegate.db") }

// BackupsDir returns the pre-migration snapshot directory.
func (h *Home) BackupsDir() string { return filepath.Join(h.Protected(), "backups") }

// NetworkFile returns the global egress allowlist path.
func (h *Home) NetworkFile() string { return filepath.Join(h.Protected(), "network.yaml") }

// TeamIDsFile returns the name -> uuid cache file path.
func (h *Home) TeamIDsFile() string { return filepath.Join(h.Protected(), "team_ids.json") }

// LogFile returns the daemon log path.
func (h *Home) LogFile() string { return filepath.Join(h.Protected(), "daemon.log") }

// TeamsDir returns the parent directory of all team working directories.
func (h *Home) TeamsDir() string { return filepath.Join(h.Root, "teams") }

// TeamDir returns the working directory for a team UUID.
func (h *Home) TeamDir(teamID string) string { return filepath.Join(h.TeamsDir(), teamID) }

// AgentDir returns an agent's private directory inside its team.
func (h *Home) AgentDir(teamID, agent string) string {
	return filepath.Join(h.TeamDir(teamID), "agents", agent)
}

// AgentMemoryDir returns an agent's memory directory (journals, notes,
// context files carried across session rotations).
func (h *Home) AgentMemoryDir(teamID, agent string) string {
	return filepath.Join(h.AgentDir(teamID, agent), "memory")
}

// TaskDir returns the parent directory of a task's per-repo worktrees.
func (h *Home) TaskDir(teamID, agent, taskKey string) string {
	return filepath.Join(h.AgentDir(teamID, agent), "tasks", taskKey)
}

// WorktreeDir returns the worktree path for one repo of a task.
func (h *Home) WorktreeDir(teamID, agent, taskKey, repo string) string {
	return filepath.Join(h.TaskDir(teamID, agent, taskKey), repo)
}

// ReposDir returns the directory of symlinks to registered repos.
func (h *Home) ReposDir(teamID string) string {
	return filepath.Join(h.TeamDir(teamID), "repos")
}

// SharedDir returns the team-wide freeform file directory. Every agent
// may write here.
func (h *Home) SharedDir(teamID string) string {
	return filepath.Join(h.TeamDir(teamID), "shared")
}

// WorkflowsDir returns the registered workflow definition directory.
func (h *Home) WorkflowsDir(teamID string) string {
	return filepath.Join(h.TeamDir(teamID), "workflows")
}

// SettingsEnv returns the team settings.env path, sourced into every
// sandboxed session.
func (h *Home) SettingsEnv(teamID string) string {
	return filepath.Join(h.TeamDir(teamID), "settings.env")
}

// CharterFile returns the team charter path.
func (h *Home) CharterFile(teamID string) string {
	return filepath.Join(h.TeamDir(teamID), "CHARTER.md")
}

// MembersDir returns the human identity directory.
func (h *Home) MembersDir() string { return filepath.Join(h.Root, "members") }

// MemberFile returns the identity YAML for a human member.
func (h *Home) MemberFile(name string) string {
	return filepath.Join(h.MembersDir(), name+".yaml")
}

// EnsureLayout creates the top-level directory skeleton. Idempotent.
func (h *Home) EnsureLayout() error {
	dirs := []string{
		h.Root,
		h.Protected(),
		h.BackupsDir(),
		h.TeamsDir(),
		h.MembersDir(),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	// The protected directory must never be group/other writable.
	if err := os.Chmod(h.Protected(), 0o700); err != nil {
		return fmt.Errorf("failed to restrict protected dir: %w", err)
	}
	return nil
}

// EnsureTeamLayout creates the directory skeleton for one team.
func (h *Home) EnsureTeamLayout(teamID string) error {
	dirs := []string{
		h.TeamDir(teamID),
		filepath.Join(h.TeamDir(teamID), "agents"),
		h.ReposDir(teamID),
		h.SharedDir(teamID),
		h.WorkflowsDir(teamID),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return nil
}
