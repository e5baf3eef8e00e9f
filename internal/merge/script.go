package merge

import (
	"bytes"
	"context"
	"os/exec"
	"time"

	"github.com/zjrosen/delegate/internal/errs"
)

// RunScript runs a shell command in dir with a hard timeout, returning
// combined output. Stdin is nil so commands that prompt fail instead
// of hanging. A timeout surfaces as context.DeadlineExceeded.
func RunScript(ctx context.Context, dir, command string, timeout time.Duration) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = dir
	cmd.Stdin = nil

	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	err := cmd.Run()
	if ctx.Err() != nil {
		return buf.String(), ctx.Err()
	}
	if err != nil {
		return buf.String(), errs.Transient("script_failed", "command exited non-zero: %v", err)
	}
	return buf.String(), nil
}
