// Package errs defines the daemon's error taxonomy. Every error that
// crosses a component boundary is classified into one of five kinds so
// callers can decide uniformly: retry, surface to the user, log loudly,
// or feed back to the model.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an error for propagation policy.
type Kind int

const (
	// KindUser is invalid input or a violated precondition. Non-fatal,
	// surfaced with a one-line message and stable code.
	KindUser Kind = iota
	// KindTransient is a rate limit, network blip, or DB contention.
	// Retried with bounded backoff.
	KindTransient
	// KindInvariant is a broken core guarantee. Fatal for the in-flight
	// operation; the daemon stays up and logs loudly.
	KindInvariant
	// KindSandbox is an agent attempting a forbidden operation. Returned
	// to the model in its tool-result channel and recorded for audit.
	KindSandbox
	// KindMerge is a rebase or pre-merge test failure. The task
	// transitions to merge_failed and the DRI is notified.
	KindMerge
)

func (k Kind) String() string {
	switch k {
	case KindUser:
		return "user"
	case KindTransient:
		return "transient"
	case KindInvariant:
		return "invariant"
	case KindSandbox:
		return "sandbox"
	case KindMerge:
		return "merge"
	default:
		return "unknown"
	}
}

// Error is a classified error with a stable machine-readable code.
type Error struct {
	Kind Kind
	Code string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// User creates a UserError with a stable code.
func User(code, format string, args ...any) *Error {
	return &Error{Kind: KindUser, Code: code, Msg: fmt.Sprintf(format, args...)}
}

// Transient creates a TransientError.
func Transient(code, format string, args ...any) *Error {
	return &Error{Kind: KindTransient, Code: code, Msg: fmt.Sprintf(format, args...)}
}

// Invariant creates an InvariantViolation.
func Invariant(code, format string, args ...any) *Error {
	return &Error{Kind: KindInvariant, Code: code, Msg: fmt.Sprintf(format, args...)}
}

// Sandbox creates a SandboxDenial.
func Sandbox(code, format string, args ...any) *Error {
	return &Error{Kind: KindSandbox, Code: code, Msg: fmt.Sprintf(format, args...)}
}

// Merge creates a MergeFailure.
func Merge(code, format string, args ...any) *Error {
	return &Error{Kind: KindMerge, Code: code, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a cause to a classified error, preserving kind and code.
func Wrap(base *Error, err error) *Error {
	return &Error{Kind: base.Kind, Code: base.Code, Msg: base.Msg, Err: err}
}

// KindOf reports the Kind of err, or (0, false) when err carries no
// classification anywhere in its chain.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}

// IsKind reports whether err is classified as k.
func IsKind(err error, k Kind) bool {
	kind, ok := KindOf(err)
	return ok && kind == k
}

// CodeOf returns the stable code of err, or "" when unclassified.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Stable codes shared across components. Codes are part of the wire
// contract with clients; never renumber or reuse.
const (
	CodeDepsFrozen       = "deps_frozen"
	CodeDepsPending      = "deps_pending"
	CodeTaskTerminal     = "task_terminal"
	CodeTaskNotFound     = "task_not_found"
	CodeTeamNotFound     = "team_not_found"
	CodeAgentNotFound    = "agent_not_found"
	CodeRepoNotFound     = "repo_not_found"
	CodeStaleSHA         = "stale_sha"
	CodeDaemonRunning    = "daemon_running"
	CodeDaemonNotRunning = "daemon_not_running"
	CodeRateLimited      = "rate_limited"
	CodeMigrationFailed  = "migration_failed"
	CodeWritePathDenied  = "write_path_denied"
	CodeBashDenied       = "bash_denied"
	CodeToolDenied       = "tool_denied"
	CodeNetworkDenied    = "network_denied"
	CodeRebaseConflict   = "rebase_conflict"
	CodePreMergeFailed   = "pre_merge_failed"
	CodePreMergeTimeout  = "pre_merge_timeout"
	CodeBadRequest       = "bad_request"
)
