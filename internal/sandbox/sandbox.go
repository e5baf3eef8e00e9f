// Package sandbox bounds what agent-issued tools may touch. Six layers
// apply in order and any one is sufficient to deny: the write-path
// guard, the bash deny-list, the disallowed-tool list handed to the
// model session, the OS-level subprocess sandbox, the in-process tool
// boundary, and the network allowlist. Every dangerous operation is
// covered by at least two layers; denials record which layer fired.
package sandbox

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/zjrosen/delegate/internal/domain"
	"github.com/zjrosen/delegate/internal/errs"
	"github.com/zjrosen/delegate/internal/home"
	"github.com/zjrosen/delegate/internal/log"
)

// Layer identifies which enforcement layer denied an operation.
type Layer string

const (
	LayerWritePath Layer = "write_path"
	LayerBashDeny  Layer = "bash_deny"
	LayerToolList  Layer = "tool_list"
	LayerOS        Layer = "os_sandbox"
	LayerNetwork   Layer = "network"
)

// Config is one agent's effective sandbox configuration. It is derived
// from role, registered repos, and the global network allowlist, and is
// handed to the model session at creation. Any change requires a
// session rotation.
type Config struct {
	TeamID    string
	AgentName string
	Role      domain.Role

	// WritePaths is the allow-list for file-writing tools. Resolved
	// absolute paths must be descendants of one of these.
	WritePaths []string

	// GitDirs are registered repos' .git directories, writable by the
	// OS sandbox so agent commits work while the repo working tree
	// stays excluded.
	GitDirs []string

	// DenySubstrings are forbidden substrings in bash command strings.
	DenySubstrings []string

	// DisallowedTools are never advertised to the model.
	DisallowedTools []string

	// NetworkAllowlist enumerates permitted egress domains.
	NetworkAllowlist []string

	// Version increments whenever the config materially changes, so the
	// session manager can detect drift and rotate.
	Version int
}

// deniedGitVerbs are branch-topology operations reserved for the
// daemon. Agents lose them at the tool-list layer, the bash deny
// layer, and the OS layer (no .git config writes outside worktrees).
var deniedGitVerbs = []string{
	"rebase", "merge", "push", "pull", "fetch", "checkout", "switch",
	"reset --hard", "branch", "worktree", "remote", "filter-branch",
	"reflog expire",
}

// defaultDenySubstrings covers the DB console, destructive SQL, and
// git surgery, on top of the denied git verbs.
var defaultDenySubstrings = []string{
	"sqlite3",
	"DROP TABLE", "drop table",
	"DELETE FROM", "delete from",
	"TRUNCATE", "truncate",
	"rm -rf .git",
}

// NewConfig derives an agent's sandbox config from its role. Managers
// may write anywhere inside the team directory; engineers and
// reviewers get only their own agent directory and the shared folder.
// Worktrees are added later via AddWorktree as tasks are assigned.
func NewConfig(h *home.Home, teamID, agentName string, role domain.Role, allowlist []string) *Config {
	cfg := &Config{
		TeamID:           teamID,
		AgentName:        agentName,
		Role:             role,
		NetworkAllowlist: append([]string(nil), allowlist...),
		Version:          1,
	}
	switch role {
	case domain.RoleManager:
		cfg.WritePaths = []string{h.TeamDir(teamID)}
	default:
		cfg.WritePaths = []string{
			h.AgentDir(teamID, agentName),
			h.SharedDir(teamID),
		}
	}
	cfg.DenySubstrings = append([]string(nil), defaultDenySubstrings...)
	for _, verb := range deniedGitVerbs {
		cfg.DenySubstrings = append(cfg.DenySubstrings, "git "+verb)
		cfg.DisallowedTools = append(cfg.DisallowedTools, "git_"+strings.ReplaceAll(strings.Fields(verb)[0], "-", "_"))
	}
	return cfg
}

// AddWorktree extends the writable set with a task worktree and its
// repo's .git directory, bumping the version so the session rotates.
func (c *Config) AddWorktree(worktreePath, gitDir string) {
	c.WritePaths = append(c.WritePaths, worktreePath)
	if gitDir != "" {
		c.GitDirs = append(c.GitDirs, gitDir)
	}
	c.Version++
}

// SetNetworkAllowlist replaces the egress domains, bumping the version.
func (c *Config) SetNetworkAllowlist(domains []string) {
	c.NetworkAllowlist = append([]string(nil), domains...)
	c.Version++
}

// CheckWrite enforces the write-path guard: the resolved absolute
// target must be a descendant of the allow-list.
func (c *Config) CheckWrite(target string) error {
	abs, err := filepath.Abs(target)
	if err != nil {
		return deny(LayerWritePath, c, errs.Sandbox(errs.CodeWritePathDenied,
			"cannot resolve path %q", target))
	}
	abs = filepath.Clean(abs)
	for _, allowed := range c.WritePaths {
		if isDescendant(allowed, abs) {
			return nil
		}
	}
	return deny(LayerWritePath, c, errs.Sandbox(errs.CodeWritePathDenied,
		"write to %s is outside the allowed paths for agent %s", abs, c.AgentName))
}

// CheckBash enforces the deny-list: no forbidden substring may appear
// anywhere in the command string.
func (c *Config) CheckBash(command string) error {
	for _, pattern := range c.DenySubstrings {
		if strings.Contains(command, pattern) {
			return deny(LayerBashDeny, c, errs.Sandbox(errs.CodeBashDenied,
				"command contains forbidden pattern %q", pattern))
		}
	}
	return nil
}

// ToolAllowed reports whether a tool name may be advertised to the
// model at all.
func (c *Config) ToolAllowed(name string) bool {
	for _, denied := range c.DisallowedTools {
		if denied == name {
			return false
		}
	}
	return true
}

// isDescendant reports whether path is root or inside root.
func isDescendant(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel == "." || (!strings.HasPrefix(rel, "..") && !filepath.IsAbs(rel))
}

// deny logs which layer fired and returns the classified error.
func deny(layer Layer, c *Config, err *errs.Error) error {
	log.Warn(log.CatSandbox, "operation denied",
		"layer", string(layer), "team", c.TeamID, "agent", c.AgentName, "code", err.Code)
	return fmt.Errorf("[%s] %w", layer, err)
}
