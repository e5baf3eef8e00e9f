package toolserver_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zjrosen/delegate/internal/domain"
	"github.com/zjrosen/delegate/internal/errs"
	"github.com/zjrosen/delegate/internal/event"
	"github.com/zjrosen/delegate/internal/home"
	"github.com/zjrosen/delegate/internal/modelsession"
	"github.com/zjrosen/delegate/internal/sandbox"
	"github.com/zjrosen/delegate/internal/storage/sqlite"
	"github.com/zjrosen/delegate/internal/testutil"
	"github.com/zjrosen/delegate/internal/toolserver"
	"github.com/zjrosen/delegate/internal/workflow"
)

// passthroughEffects backs the workflow engine with just enough to move
// tasks between stages.
type passthroughEffects struct {
	store *sqlite.Store
}

func (f *passthroughEffects) SetupWorktree(c *workflow.Context, task *domain.Task) error {
	return nil
}
func (f *passthroughEffects) TeardownWorktree(c *workflow.Context, task *domain.Task) error {
	return nil
}
func (f *passthroughEffects) CreateReview(c *workflow.Context, task *domain.Task, reviewer string) error {
	return nil
}
func (f *passthroughEffects) EnqueueMerge(c *workflow.Context, task *domain.Task) error { return nil }
func (f *passthroughEffects) RunScript(c *workflow.Context, task *domain.Task, command string) (string, error) {
	return "", nil
}
func (f *passthroughEffects) SendMessage(c *workflow.Context, sender, recipient, body string, taskID *int64) error {
	return nil
}
func (f *passthroughEffects) SetStatus(c *workflow.Context, task *domain.Task, status, detail string) error {
	return f.store.Tasks.SetStatus(c.Tx, task.ID, status, detail)
}
func (f *passthroughEffects) PickAgent(c *workflow.Context, teamID string, role domain.Role) string {
	return ""
}
func (f *passthroughEffects) ApprovalPolicy(c *workflow.Context, task *domain.Task) (domain.ApprovalPolicy, error) {
	return domain.ApprovalHuman, nil
}

type recordingCanceller struct {
	cancelled []string
}

func (r *recordingCanceller) CancelTurn(teamID, agent string) {
	r.cancelled = append(r.cancelled, teamID+"/"+agent)
}

type toolFixture struct {
	h         *home.Home
	store     *sqlite.Store
	bus       *event.Bus
	sandboxes *sandbox.Registry
	canceller *recordingCanceller
	server    *toolserver.Server
	team      *domain.Team
}

func newToolFixture(t *testing.T) *toolFixture {
	t.Helper()
	store := testutil.NewStore(t)
	team := testutil.SeedTeam(t, store, "team-1", "platform")
	bus := event.NewBus(store.Events)
	t.Cleanup(bus.Close)
	registry := workflow.NewRegistry()
	require.NoError(t, registry.Register(workflow.Default()))
	engine := workflow.NewEngine(store, bus, registry, &passthroughEffects{store: store})
	h := &home.Home{Root: t.TempDir()}
	sandboxes := sandbox.NewRegistry(h)
	canceller := &recordingCanceller{}
	return &toolFixture{
		h:         h,
		store:     store,
		bus:       bus,
		sandboxes: sandboxes,
		canceller: canceller,
		server:    toolserver.NewServer(h, store, bus, engine, sandboxes, canceller),
		team:      team,
	}
}

func (f *toolFixture) dispatcher(t *testing.T, name string, role domain.Role) modelsession.ToolDispatcher {
	t.Helper()
	agent := testutil.SeedAgent(t, f.store, f.team.ID, "agent-"+name, name, role)
	return f.server.For(f.team, agent)
}

func call(t *testing.T, d modelsession.ToolDispatcher, tool string, args map[string]any) (string, bool) {
	t.Helper()
	raw, err := json.Marshal(args)
	require.NoError(t, err)
	result, stateChanging, err := d.Call(context.Background(), tool, raw)
	require.NoError(t, err)
	return result, stateChanging
}

func callErr(t *testing.T, d modelsession.ToolDispatcher, tool string, args map[string]any) error {
	t.Helper()
	raw, err := json.Marshal(args)
	require.NoError(t, err)
	_, _, err = d.Call(context.Background(), tool, raw)
	require.Error(t, err)
	return err
}

func TestMailboxSend(t *testing.T) {
	f := newToolFixture(t)
	d := f.dispatcher(t, "pm", domain.RoleManager)

	result, stateChanging := call(t, d, "mailbox_send",
		map[string]any{"recipient": "dev", "body": "please pick up T0001"})
	assert.True(t, stateChanging)
	assert.Contains(t, result, "to dev")

	unread, err := f.store.Messages.UnreadByRecipient(f.team.ID)
	require.NoError(t, err)
	require.Len(t, unread["dev"], 1)
	assert.Equal(t, "pm", unread["dev"][0].Sender)

	err = callErr(t, d, "mailbox_send", map[string]any{"recipient": "dev", "body": "  "})
	assert.Equal(t, errs.CodeBadRequest, errs.CodeOf(err))
}

func TestTaskCreate(t *testing.T) {
	f := newToolFixture(t)
	d := f.dispatcher(t, "pm", domain.RoleManager)

	err := callErr(t, d, "task_create",
		map[string]any{"title": "t", "description": "d", "repos": []string{"ghost"}})
	assert.Equal(t, errs.CodeRepoNotFound, errs.CodeOf(err), "repos must be registered")

	result, _ := call(t, d, "task_create",
		map[string]any{"title": "add login", "description": "wire up oauth"})
	assert.Contains(t, result, "created T0001")
	assert.Contains(t, result, "delegate/platform/T0001")

	task, err := f.store.Tasks.Get(1)
	require.NoError(t, err)
	assert.Equal(t, "pm", task.DRI, "the creator is the DRI")
	assert.Equal(t, workflow.DefaultName, task.WorkflowName)
	assert.Equal(t, 1, task.WorkflowVersion)
}

func TestTaskAssignStartsWork(t *testing.T) {
	f := newToolFixture(t)
	pm := f.dispatcher(t, "pm", domain.RoleManager)
	f.dispatcher(t, "dev", domain.RoleEngineer)

	task := testutil.SeedTask(t, f.store, f.team.ID, f.team.Name, "t")

	err := callErr(t, pm, "task_assign", map[string]any{"task_id": task.ID, "assignee": "ghost"})
	assert.Equal(t, errs.CodeAgentNotFound, errs.CodeOf(err))

	result, _ := call(t, pm, "task_assign", map[string]any{"task_id": task.ID, "assignee": "dev"})
	assert.Contains(t, result, "assigned T0001 to dev")

	got, err := f.store.Tasks.Get(task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusInProgress, got.Status)
	assert.Equal(t, "dev", got.Assignee)
}

func TestTaskAssignRefusesTerminal(t *testing.T) {
	f := newToolFixture(t)
	pm := f.dispatcher(t, "pm", domain.RoleManager)
	f.dispatcher(t, "dev", domain.RoleEngineer)

	task := testutil.SeedTask(t, f.store, f.team.ID, f.team.Name, "t")
	require.NoError(t, f.store.WithTx(func(tx *sql.Tx) error {
		return f.store.Tasks.SetStatus(tx, task.ID, domain.StatusDone, "")
	}))

	err := callErr(t, pm, "task_assign", map[string]any{"task_id": task.ID, "assignee": "dev"})
	assert.Equal(t, errs.CodeBadRequest, errs.CodeOf(err))
}

func TestTaskStatusReviewRecordsDecision(t *testing.T) {
	f := newToolFixture(t)
	rev := f.dispatcher(t, "rev", domain.RoleReviewer)

	task := testutil.SeedTask(t, f.store, f.team.ID, f.team.Name, "t")
	require.NoError(t, f.store.WithTx(func(tx *sql.Tx) error {
		return f.store.Tasks.SetStatus(tx, task.ID, domain.StatusInReview, "")
	}))

	result, _ := call(t, rev, "task_status", map[string]any{
		"task_id": task.ID, "event": "review_changes_requested", "summary": "missing tests"})
	assert.Contains(t, result, "review_changes_requested applied")

	got, err := f.store.Tasks.Get(task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusInProgress, got.Status, "changes requested loops back")

	latest, err := f.store.Reviews.Latest(task.ID)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, domain.DecisionChangesRequested, latest.Decision)
	assert.Equal(t, "missing tests", latest.Summary)
	assert.Equal(t, "rev", latest.Reviewer)
}

func TestTaskStatusRejectsForeignEvents(t *testing.T) {
	f := newToolFixture(t)
	d := f.dispatcher(t, "dev", domain.RoleEngineer)
	task := testutil.SeedTask(t, f.store, f.team.ID, f.team.Name, "t")

	err := callErr(t, d, "task_status", map[string]any{"task_id": task.ID, "event": "merge_succeeded"})
	assert.Equal(t, errs.CodeBadRequest, errs.CodeOf(err),
		"merge outcomes belong to the merge worker, not agents")
}

func TestTaskCancelInterruptsAssignee(t *testing.T) {
	f := newToolFixture(t)
	pm := f.dispatcher(t, "pm", domain.RoleManager)
	f.dispatcher(t, "dev", domain.RoleEngineer)

	task := testutil.SeedTask(t, f.store, f.team.ID, f.team.Name, "t")
	require.NoError(t, f.store.WithTx(func(tx *sql.Tx) error {
		return f.store.Tasks.SetAssignee(tx, task.ID, "dev")
	}))

	result, _ := call(t, pm, "task_cancel", map[string]any{"task_id": task.ID, "reason": "obsolete"})
	assert.Contains(t, result, "cancelled T0001")
	assert.Equal(t, []string{"team-1/dev"}, f.canceller.cancelled)

	got, err := f.store.Tasks.Get(task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, got.Status)

	// Cancelling again is a no-op, not an error.
	result, _ = call(t, pm, "task_cancel", map[string]any{"task_id": task.ID})
	assert.Contains(t, result, "nothing to cancel")
}

func TestTaskAttachDetach(t *testing.T) {
	f := newToolFixture(t)
	d := f.dispatcher(t, "dev", domain.RoleEngineer)
	task := testutil.SeedTask(t, f.store, f.team.ID, f.team.Name, "t")

	call(t, d, "task_attach", map[string]any{"task_id": task.ID, "path": "shared/notes.md"})
	got, err := f.store.Tasks.Get(task.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"shared/notes.md"}, got.Attachments)

	call(t, d, "task_detach", map[string]any{"task_id": task.ID, "path": "shared/notes.md"})
	got, err = f.store.Tasks.Get(task.ID)
	require.NoError(t, err)
	assert.Empty(t, got.Attachments)
}

func TestCrossTeamAccessDenied(t *testing.T) {
	f := newToolFixture(t)
	d := f.dispatcher(t, "dev", domain.RoleEngineer)

	testutil.SeedTeam(t, f.store, "team-2", "infra")
	foreign := testutil.SeedTask(t, f.store, "team-2", "infra", "their task")

	err := callErr(t, d, "task_show", map[string]any{"task_id": foreign.ID})
	assert.Equal(t, errs.CodeTaskNotFound, errs.CodeOf(err))
}

func TestUnknownToolIsBadRequest(t *testing.T) {
	f := newToolFixture(t)
	d := f.dispatcher(t, "dev", domain.RoleEngineer)

	_, _, err := d.Call(context.Background(), "time_travel", nil)
	require.Error(t, err)
	assert.Equal(t, errs.CodeBadRequest, errs.CodeOf(err))
}

func TestSandboxDeniedToolIsFiltered(t *testing.T) {
	f := newToolFixture(t)
	d := f.dispatcher(t, "dev", domain.RoleEngineer)

	// Once a sandbox config exists for the agent, its tool denylist
	// applies to dispatch.
	cfg := f.sandboxes.Get(f.team.ID, "dev", domain.RoleEngineer, nil)
	cfg.DisallowedTools = append(cfg.DisallowedTools, "task_cancel")

	_, _, err := d.Call(context.Background(), "task_cancel", json.RawMessage(`{"task_id": 1}`))
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindSandbox))
	assert.Equal(t, errs.CodeToolDenied, errs.CodeOf(err))

	for _, def := range d.Tools() {
		assert.NotEqual(t, "task_cancel", def.Name, "denied tools are not advertised")
	}
}

func TestToolResultAudit(t *testing.T) {
	f := newToolFixture(t)
	d := f.dispatcher(t, "pm", domain.RoleManager)

	call(t, d, "task_create", map[string]any{"title": "t", "description": "d"})

	// The audit message is born read: never delivered as a turn.
	unread, err := f.store.Messages.UnreadByRecipient(f.team.ID)
	require.NoError(t, err)
	assert.Empty(t, unread["pm"])

	msgs, err := f.store.Messages.ListByTeam(f.team.ID, 0)
	require.NoError(t, err)
	var audits int
	for _, m := range msgs {
		if m.Kind == domain.KindToolResult {
			audits++
			assert.Contains(t, m.Body, "task_create")
		}
	}
	assert.Equal(t, 1, audits)
}

func TestMailboxInbox(t *testing.T) {
	f := newToolFixture(t)
	pm := f.dispatcher(t, "pm", domain.RoleManager)
	dev := f.dispatcher(t, "dev", domain.RoleEngineer)

	for i := 0; i < 3; i++ {
		call(t, pm, "mailbox_send", map[string]any{"recipient": "dev", "body": fmt.Sprintf("msg %d", i)})
	}

	result, stateChanging := call(t, dev, "mailbox_inbox", map[string]any{"limit": 2})
	assert.False(t, stateChanging)
	assert.NotContains(t, result, "msg 0")
	assert.Contains(t, result, "msg 1")
	assert.Contains(t, result, "msg 2")
}
