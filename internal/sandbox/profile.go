package sandbox

import (
	"fmt"
	"os"
	"runtime"
	"strings"
)

// Profile renders the OS-level sandbox invocation for an agent bash
// subprocess. The writable set is exactly: the team working directory,
// the platform temp directory, and each registered repo's .git
// directory. The repo working tree and the protected directory are
// never writable.
type Profile struct {
	TeamDir string
	TempDir string
	GitDirs []string
	Allowed []string // egress domains from the network allowlist
}

// NewProfile builds a profile from an agent's sandbox config and the
// team directory.
func NewProfile(teamDir string, cfg *Config) *Profile {
	return &Profile{
		TeamDir: teamDir,
		TempDir: os.TempDir(),
		GitDirs: append([]string(nil), cfg.GitDirs...),
		Allowed: append([]string(nil), cfg.NetworkAllowlist...),
	}
}

// WrapCommand returns the argv that runs command under the platform
// sandbox primitive: bwrap on linux, sandbox-exec on darwin. On other
// platforms the command runs unwrapped and the in-process layers carry
// the enforcement alone.
func (p *Profile) WrapCommand(command string) []string {
	switch runtime.GOOS {
	case "linux":
		return p.bwrapArgs(command)
	case "darwin":
		return p.sandboxExecArgs(command)
	default:
		return []string{"bash", "-c", command}
	}
}

// bwrapArgs builds a bubblewrap invocation: the filesystem is bound
// read-only, then the writable set is re-bound read-write on top.
func (p *Profile) bwrapArgs(command string) []string {
	args := []string{
		"bwrap",
		"--ro-bind", "/", "/",
		"--dev", "/dev",
		"--proc", "/proc",
		"--bind", p.TeamDir, p.TeamDir,
		"--bind", p.TempDir, p.TempDir,
	}
	for _, gitDir := range p.GitDirs {
		args = append(args, "--bind", gitDir, gitDir)
	}
	args = append(args, "--die-with-parent", "bash", "-c", command)
	return args
}

// sandboxExecArgs builds a sandbox-exec invocation with a generated
// SBPL profile.
func (p *Profile) sandboxExecArgs(command string) []string {
	return []string{"sandbox-exec", "-p", p.SBPL(), "bash", "-c", command}
}

// SBPL renders the macOS seatbelt profile: default-deny writes, then
// allow the writable set.
func (p *Profile) SBPL() string {
	var b strings.Builder
	b.WriteString("(version 1)\n(allow default)\n(deny file-write*)\n")
	writable := append([]string{p.TeamDir, p.TempDir}, p.GitDirs...)
	for _, dir := range writable {
		fmt.Fprintf(&b, "(allow file-write* (subpath %q))\n", dir)
	}
	return b.String()
}
