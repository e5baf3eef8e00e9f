package daemon

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"

	"github.com/zjrosen/delegate/internal/errs"
	"github.com/zjrosen/delegate/internal/home"
)

// writePIDFile records the current process id for status/stop. The
// flock is the authoritative singleton; the pidfile is advisory.
func writePIDFile(path string) error {
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o600)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("malformed pidfile %s: %w", path, err)
	}
	return pid, nil
}

// processAlive probes a pid with signal 0. A dead or foreign-owned
// process answers with an error either way.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// Status returns the running daemon's pid. A missing or stale pidfile
// reports daemon_not_running.
func Status(h *home.Home) (int, error) {
	pid, err := readPIDFile(h.PIDFile())
	if err != nil {
		return 0, errs.User(errs.CodeDaemonNotRunning, "daemon is not running")
	}
	if !processAlive(pid) {
		return 0, errs.User(errs.CodeDaemonNotRunning,
			"daemon is not running (stale pidfile for pid %d)", pid)
	}
	return pid, nil
}

// Stop asks the running daemon to shut down gracefully.
func Stop(h *home.Home) error {
	pid, err := Status(h)
	if err != nil {
		return err
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("failed to signal pid %d: %w", pid, err)
	}
	return nil
}
