package merge_test

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zjrosen/delegate/internal/domain"
	"github.com/zjrosen/delegate/internal/errs"
	"github.com/zjrosen/delegate/internal/git"
	"github.com/zjrosen/delegate/internal/merge"
	"github.com/zjrosen/delegate/internal/storage/sqlite"
	"github.com/zjrosen/delegate/internal/testutil"
	"github.com/zjrosen/delegate/internal/workflow"
)

// mockGit satisfies git.Executor; only the calls the worker makes are
// interesting.
type mockGit struct {
	mu           sync.Mutex
	rebaseErr    error
	squashErr    error
	fetches      int
	squashes     int
	fastForwards []string
}

func (m *mockGit) RevParse(ctx context.Context, repoDir, ref string) (string, error) {
	return "deadbeef", nil
}

func (m *mockGit) Fetch(ctx context.Context, repoDir, ref string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fetches++
	return nil
}

func (m *mockGit) RebaseOnto(ctx context.Context, workDir, branch, target string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rebaseErr
}

func (m *mockGit) SquashReapply(ctx context.Context, workDir, branch, target, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.squashes++
	return m.squashErr
}

func (m *mockGit) FastForward(ctx context.Context, repoDir, target, tip string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fastForwards = append(m.fastForwards, target+"@"+tip)
	return nil
}

func (m *mockGit) CreateWorktree(ctx context.Context, repoDir, path, newBranch, base string) error {
	return nil
}
func (m *mockGit) RemoveWorktree(ctx context.Context, repoDir, path string) error { return nil }
func (m *mockGit) DeleteBranch(ctx context.Context, repoDir, branch string) error { return nil }
func (m *mockGit) BranchExists(ctx context.Context, repoDir, branch string) bool  { return true }
func (m *mockGit) IsAncestor(ctx context.Context, repoDir, ancestor, descendant string) (bool, error) {
	return true, nil
}
func (m *mockGit) Diff(ctx context.Context, repoDir, base, branch string) (string, error) {
	return "", nil
}
func (m *mockGit) FileAt(ctx context.Context, repoDir, ref, path string) (string, error) {
	return "", nil
}
func (m *mockGit) CommitAll(ctx context.Context, workDir, author, message string) error { return nil }

type dispatched struct {
	taskID int64
	ev     workflow.Event
}

type recordingDispatcher struct {
	events chan dispatched
}

func (d *recordingDispatcher) Dispatch(ctx context.Context, taskID int64, ev workflow.Event) error {
	d.events <- dispatched{taskID: taskID, ev: ev}
	return nil
}

type fixedPaths struct{ root string }

func (p fixedPaths) Path(task *domain.Task, repoName string) string {
	return filepath.Join(p.root, task.Key(), repoName)
}

type mergeFixture struct {
	worker     *merge.Worker
	store      *sqlite.Store
	git        *mockGit
	dispatcher *recordingDispatcher
	paths      fixedPaths
}

func newFixture(t *testing.T) *mergeFixture {
	t.Helper()
	store := testutil.NewStore(t)
	testutil.SeedTeam(t, store, "team-1", "platform")
	g := &mockGit{}
	d := &recordingDispatcher{events: make(chan dispatched, 16)}
	paths := fixedPaths{root: t.TempDir()}
	return &mergeFixture{
		worker:     merge.NewWorker(store, g, paths, d, 2*time.Second),
		store:      store,
		git:        g,
		dispatcher: d,
		paths:      paths,
	}
}

// seedMergingTask creates a task on the given repo sitting in merging.
func (f *mergeFixture) seedMergingTask(t *testing.T, preMergeCmd string) *domain.Task {
	t.Helper()
	repo := &domain.Repo{TeamID: "team-1", Path: "/repos/api", Name: "api",
		TargetBranch: "main", PreMergeCmd: preMergeCmd,
		ApprovalPolicy: domain.ApprovalHuman, CreatedAt: time.Now().UTC()}
	require.NoError(t, f.store.WithTx(func(tx *sql.Tx) error {
		return f.store.Repos.Create(tx, repo)
	}))

	task := &domain.Task{TeamID: "team-1", Title: "t", Status: domain.StatusTodo,
		Repos: []string{"api"}, ApprovalStatus: domain.ApprovalApproved,
		WorkflowName: "default", WorkflowVersion: 1,
		CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC()}
	require.NoError(t, f.store.WithTx(func(tx *sql.Tx) error {
		if err := f.store.Tasks.Create(tx, "platform", task); err != nil {
			return err
		}
		return f.store.Tasks.SetStatus(tx, task.ID, domain.StatusMerging, "")
	}))
	task.Status = domain.StatusMerging

	require.NoError(t, os.MkdirAll(f.paths.Path(task, "api"), 0o755))
	return task
}

func (f *mergeFixture) runAndEnqueue(t *testing.T, taskID int64) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go f.worker.Run(ctx)
	require.NoError(t, f.worker.Enqueue(taskID))
}

func awaitEvent(t *testing.T, d *recordingDispatcher) dispatched {
	t.Helper()
	select {
	case got := <-d.events:
		return got
	case <-time.After(5 * time.Second):
		t.Fatal("merge worker never dispatched an outcome")
		return dispatched{}
	}
}

func TestWorker_CleanRebaseFastForwards(t *testing.T) {
	f := newFixture(t)
	task := f.seedMergingTask(t, "")

	f.runAndEnqueue(t, task.ID)
	got := awaitEvent(t, f.dispatcher)

	assert.Equal(t, task.ID, got.taskID)
	assert.Equal(t, workflow.EventMergeSucceeded, got.ev.Kind)
	f.git.mu.Lock()
	defer f.git.mu.Unlock()
	assert.Equal(t, 1, f.git.fetches)
	assert.Equal(t, []string{"main@deadbeef"}, f.git.fastForwards)
	assert.Zero(t, f.git.squashes, "no fallback on a clean rebase")
}

func TestWorker_ConflictFallsBackToSquashReapply(t *testing.T) {
	f := newFixture(t)
	f.git.rebaseErr = &git.RebaseConflictError{Files: []string{"a.go", "b.go"}}
	task := f.seedMergingTask(t, "")

	f.runAndEnqueue(t, task.ID)
	got := awaitEvent(t, f.dispatcher)

	assert.Equal(t, workflow.EventMergeSucceeded, got.ev.Kind)
	f.git.mu.Lock()
	defer f.git.mu.Unlock()
	assert.Equal(t, 1, f.git.squashes)
}

func TestWorker_UnresolvableConflictReportsFiles(t *testing.T) {
	f := newFixture(t)
	conflict := &git.RebaseConflictError{Files: []string{"a.go", "b.go"}}
	f.git.rebaseErr = conflict
	f.git.squashErr = conflict
	task := f.seedMergingTask(t, "")

	f.runAndEnqueue(t, task.ID)
	got := awaitEvent(t, f.dispatcher)

	assert.Equal(t, workflow.EventMergeFailed, got.ev.Kind)
	assert.Equal(t, "conflicts in: a.go, b.go", got.ev.Detail)
}

func TestWorker_PreMergeFailureCarriesOutputTail(t *testing.T) {
	f := newFixture(t)
	task := f.seedMergingTask(t, "echo boom && exit 1")

	f.runAndEnqueue(t, task.ID)
	got := awaitEvent(t, f.dispatcher)

	assert.Equal(t, workflow.EventMergeFailed, got.ev.Kind)
	assert.Contains(t, got.ev.Detail, "pre-merge command failed")
	assert.Contains(t, got.ev.Detail, "boom")
	f.git.mu.Lock()
	defer f.git.mu.Unlock()
	assert.Empty(t, f.git.fastForwards, "target untouched when the gate fails")
}

func TestWorker_SkipsTaskNoLongerMerging(t *testing.T) {
	f := newFixture(t)
	stale := testutil.SeedTask(t, f.store, "team-1", "platform", "stale")
	task := f.seedMergingTask(t, "")

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go f.worker.Run(ctx)
	require.NoError(t, f.worker.Enqueue(stale.ID))
	require.NoError(t, f.worker.Enqueue(task.ID))

	// Only the merging task produces an outcome.
	got := awaitEvent(t, f.dispatcher)
	assert.Equal(t, task.ID, got.taskID)
	select {
	case extra := <-f.dispatcher.events:
		t.Fatalf("unexpected dispatch for task %d", extra.taskID)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestWorker_WaitsForEnqueueTransactionToSettle(t *testing.T) {
	f := newFixture(t)
	task := f.seedMergingTask(t, "")
	require.NoError(t, f.store.WithTx(func(tx *sql.Tx) error {
		return f.store.Tasks.SetStatus(tx, task.ID, domain.StatusInApproval, "")
	}))

	f.runAndEnqueue(t, task.ID)

	// The enter hook enqueues before its transaction commits; the status
	// flip landing shortly after the queue send must not lose the merge.
	time.Sleep(30 * time.Millisecond)
	require.NoError(t, f.store.WithTx(func(tx *sql.Tx) error {
		return f.store.Tasks.SetStatus(tx, task.ID, domain.StatusMerging, "")
	}))

	got := awaitEvent(t, f.dispatcher)
	assert.Equal(t, task.ID, got.taskID)
	assert.Equal(t, workflow.EventMergeSucceeded, got.ev.Kind)
}

func TestWorker_RecoverRequeuesStrandedMerges(t *testing.T) {
	f := newFixture(t)
	task := f.seedMergingTask(t, "")

	// Nothing enqueued by hand: Run's recovery scan finds the task.
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go f.worker.Run(ctx)

	got := awaitEvent(t, f.dispatcher)
	assert.Equal(t, task.ID, got.taskID)
	assert.Equal(t, workflow.EventMergeSucceeded, got.ev.Kind)
}

func TestWorker_RetryValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	todo := testutil.SeedTask(t, f.store, "team-1", "platform", "todo")
	err := f.worker.Retry(ctx, todo.ID)
	assert.Equal(t, errs.CodeBadRequest, errs.CodeOf(err))

	dep := testutil.SeedTask(t, f.store, "team-1", "platform", "dep")
	failed := testutil.SeedTask(t, f.store, "team-1", "platform", "failed", dep.ID)
	require.NoError(t, f.store.WithTx(func(tx *sql.Tx) error {
		return f.store.Tasks.SetStatus(tx, failed.ID, domain.StatusMergeFailed, "conflict")
	}))
	err = f.worker.Retry(ctx, failed.ID)
	assert.Equal(t, errs.CodeDepsPending, errs.CodeOf(err))

	require.NoError(t, f.store.WithTx(func(tx *sql.Tx) error {
		return f.store.Tasks.SetStatus(tx, dep.ID, domain.StatusDone, "")
	}))
	require.NoError(t, f.worker.Retry(ctx, failed.ID))

	got := <-f.dispatcher.events
	assert.Equal(t, failed.ID, got.taskID)
	assert.Equal(t, workflow.EventRetryRequested, got.ev.Kind)
}

func TestWorker_EnqueueFullIsTransient(t *testing.T) {
	f := newFixture(t)
	var err error
	for i := 0; i < 100; i++ {
		if err = f.worker.Enqueue(int64(i)); err != nil {
			break
		}
	}
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindTransient))
}

func TestRunScript(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	out, err := merge.RunScript(ctx, dir, "echo hello", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "hello\n", out)

	out, err = merge.RunScript(ctx, dir, "echo oops && exit 3", time.Second)
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindTransient))
	assert.Contains(t, out, "oops")

	_, err = merge.RunScript(ctx, dir, "sleep 5", 50*time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
