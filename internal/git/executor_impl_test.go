package git

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseGitError(t *testing.T) {
	base := errors.New("exit status 128")

	tests := []struct {
		name   string
		stderr string
		want   error
	}{
		{
			name:   "branch checked out elsewhere",
			stderr: "fatal: 'delegate/platform/T0001' is already checked out at '/x'",
			want:   ErrBranchAlreadyCheckedOut,
		},
		{
			name:   "worktree path exists",
			stderr: "fatal: '/x/T0001/api' already exists",
			want:   ErrPathAlreadyExists,
		},
		{
			name:   "not a repo",
			stderr: "fatal: not a git repository (or any of the parent directories): .git",
			want:   ErrNotGitRepo,
		},
		{
			name:   "not fast-forward",
			stderr: "fatal: Not possible to fast-forward, aborting.",
			want:   ErrNotFastForward,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := parseGitError(tt.stderr, base)
			assert.ErrorIs(t, err, tt.want)
			assert.Contains(t, err.Error(), tt.stderr)
		})
	}

	// Unrecognized stderr keeps the original error in the chain.
	err := parseGitError("fatal: something novel", base)
	assert.ErrorIs(t, err, base)
}

func TestRebaseConflictError(t *testing.T) {
	err := &RebaseConflictError{Files: []string{"a.go", "b.go"}}
	assert.Equal(t, "rebase conflict in 2 file(s): a.go, b.go", err.Error())

	var conflict *RebaseConflictError
	assert.True(t, errors.As(error(err), &conflict))
}
