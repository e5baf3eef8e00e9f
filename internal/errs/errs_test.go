package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOf_ClassifiedError(t *testing.T) {
	err := User(CodeTaskNotFound, "task %d does not exist", 7)

	kind, ok := KindOf(err)
	require.True(t, ok)
	assert.Equal(t, KindUser, kind)
	assert.Equal(t, CodeTaskNotFound, CodeOf(err))
	assert.Equal(t, "task 7 does not exist", err.Error())
}

func TestKindOf_UnclassifiedError(t *testing.T) {
	_, ok := KindOf(errors.New("plain"))
	assert.False(t, ok)
	assert.Equal(t, "", CodeOf(errors.New("plain")))
}

func TestKindOf_WrappedChain(t *testing.T) {
	base := Transient(CodeRateLimited, "rate limited")
	wrapped := fmt.Errorf("turn failed: %w", base)

	kind, ok := KindOf(wrapped)
	require.True(t, ok)
	assert.Equal(t, KindTransient, kind)
	assert.Equal(t, CodeRateLimited, CodeOf(wrapped))
	assert.True(t, IsKind(wrapped, KindTransient))
	assert.False(t, IsKind(wrapped, KindUser))
}

func TestWrap_PreservesKindAndCode(t *testing.T) {
	base := Merge(CodeRebaseConflict, "rebase conflicted")
	cause := errors.New("exit status 1")
	err := Wrap(base, cause)

	assert.True(t, IsKind(err, KindMerge))
	assert.Equal(t, CodeRebaseConflict, CodeOf(err))
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "exit status 1")
}

func TestKindString(t *testing.T) {
	cases := []struct {
		kind Kind
		want string
	}{
		{KindUser, "user"},
		{KindTransient, "transient"},
		{KindInvariant, "invariant"},
		{KindSandbox, "sandbox"},
		{KindMerge, "merge"},
		{Kind(99), "unknown"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, tc.kind.String())
	}
}
