package toolserver

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/zjrosen/delegate/internal/errs"
	"github.com/zjrosen/delegate/internal/event"
	"github.com/zjrosen/delegate/internal/log"
	"github.com/zjrosen/delegate/internal/sandbox"
)

// bashTimeout bounds one agent shell command.
const bashTimeout = 5 * time.Minute

// maxToolOutput caps the bytes of command output fed back to the model.
const maxToolOutput = 8000

// sandboxCfg returns the agent's live sandbox config, deriving role
// defaults when nothing has created one yet.
func (d *dispatcher) sandboxCfg() *sandbox.Config {
	if cfg, ok := d.srv.sandboxes.Lookup(d.team.ID, d.agent.Name); ok {
		return cfg
	}
	return d.srv.sandboxes.Get(d.team.ID, d.agent.Name, d.agent.Role, nil)
}

// recordDenial makes a refused operation durable as a sandbox_denial
// event so humans can audit what agents attempted.
func (d *dispatcher) recordDenial(tool string, err error) {
	rec := d.srv.bus.Recorder()
	werr := d.srv.store.WithTx(func(tx *sql.Tx) error {
		return rec.Emit(tx, d.team.ID, event.KindSandboxDenial, map[string]any{
			"agent":  d.agent.Name,
			"tool":   tool,
			"code":   errs.CodeOf(err),
			"detail": err.Error(),
		})
	})
	if werr != nil {
		log.ErrorErr(log.CatSandbox, "sandbox denial record failed", werr, "tool", tool)
		return
	}
	rec.Flush()
}

type bashArgs struct {
	Command string `json:"command"`
	TaskID  *int64 `json:"task_id"`
	Repo    string `json:"repo"`
}

func (d *dispatcher) bash(ctx context.Context, raw json.RawMessage) (string, error) {
	var args bashArgs
	if err := decode(raw, &args); err != nil {
		return "", err
	}
	if strings.TrimSpace(args.Command) == "" {
		return "", errs.User(errs.CodeBadRequest, "command is empty")
	}
	cfg := d.sandboxCfg()
	if err := cfg.CheckBash(args.Command); err != nil {
		d.recordDenial("bash", err)
		return "", err
	}
	dir, err := d.workDir(args.TaskID, args.Repo)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create working directory: %w", err)
	}

	argv := sandbox.NewProfile(d.srv.h.TeamDir(d.team.ID), cfg).WrapCommand(args.Command)
	if _, lookErr := exec.LookPath(argv[0]); lookErr != nil {
		// The OS wrapper binary is absent; the in-process layers above
		// carry the enforcement alone.
		log.Warn(log.CatSandbox, "sandbox wrapper unavailable, running unwrapped", "binary", argv[0])
		argv = []string{"bash", "-c", args.Command}
	}

	runCtx, cancel := context.WithTimeout(ctx, bashTimeout)
	defer cancel()
	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	cmd.Dir = dir
	out, runErr := cmd.CombinedOutput()
	output := clip(string(out), maxToolOutput)
	if runErr != nil {
		if runCtx.Err() == context.DeadlineExceeded {
			return "", errs.Transient("bash_timeout", "command timed out after %s", bashTimeout)
		}
		return "", fmt.Errorf("command failed: %v\n%s", runErr, output)
	}
	if output == "" {
		return "(no output)", nil
	}
	return output, nil
}

// workDir resolves where a command runs: the agent's private directory
// by default, or a task worktree when the call names one.
func (d *dispatcher) workDir(taskID *int64, repoName string) (string, error) {
	if taskID == nil {
		return d.srv.h.AgentDir(d.team.ID, d.agent.Name), nil
	}
	task, err := d.taskInTeam(*taskID)
	if err != nil {
		return "", err
	}
	if !task.HasWorktree() {
		return "", errs.User(errs.CodeBadRequest, "task %s has no worktree yet", task.Key())
	}
	if repoName == "" {
		repoName = task.Repos[0]
	}
	found := false
	for _, r := range task.Repos {
		if r == repoName {
			found = true
			break
		}
	}
	if !found {
		return "", errs.User(errs.CodeBadRequest, "task %s has no worktree for repo %q", task.Key(), repoName)
	}
	return d.srv.h.WorktreeDir(task.TeamID, task.Assignee, task.Key(), repoName), nil
}

type fileWriteArgs struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

func (d *dispatcher) fileWrite(ctx context.Context, raw json.RawMessage) (string, error) {
	var args fileWriteArgs
	if err := decode(raw, &args); err != nil {
		return "", err
	}
	if strings.TrimSpace(args.Path) == "" {
		return "", errs.User(errs.CodeBadRequest, "path is empty")
	}
	target := d.resolvePath(args.Path)
	cfg := d.sandboxCfg()
	if err := cfg.CheckWrite(target); err != nil {
		d.recordDenial("file_write", err)
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return "", fmt.Errorf("failed to create parent directory: %w", err)
	}
	if err := os.WriteFile(target, []byte(args.Content), 0o644); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", target, err)
	}
	return fmt.Sprintf("wrote %d bytes to %s", len(args.Content), target), nil
}

type fileEditArgs struct {
	Path    string `json:"path"`
	OldText string `json:"old_text"`
	NewText string `json:"new_text"`
}

func (d *dispatcher) fileEdit(ctx context.Context, raw json.RawMessage) (string, error) {
	var args fileEditArgs
	if err := decode(raw, &args); err != nil {
		return "", err
	}
	if args.OldText == "" {
		return "", errs.User(errs.CodeBadRequest, "old_text is empty")
	}
	target := d.resolvePath(args.Path)
	cfg := d.sandboxCfg()
	if err := cfg.CheckWrite(target); err != nil {
		d.recordDenial("file_edit", err)
		return "", err
	}
	data, err := os.ReadFile(target)
	if err != nil {
		return "", errs.User(errs.CodeBadRequest, "cannot read %s: %v", target, err)
	}
	content := string(data)
	if !strings.Contains(content, args.OldText) {
		return "", errs.User(errs.CodeBadRequest, "old_text not found in %s", target)
	}
	content = strings.Replace(content, args.OldText, args.NewText, 1)
	if err := os.WriteFile(target, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", target, err)
	}
	return fmt.Sprintf("edited %s", target), nil
}

// resolvePath anchors relative paths at the team directory.
func (d *dispatcher) resolvePath(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(d.srv.h.TeamDir(d.team.ID), p)
}

// clip returns the last n bytes of s.
func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return "…" + s[len(s)-n:]
}
