package sqlite_test

import (
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zjrosen/delegate/internal/domain"
	"github.com/zjrosen/delegate/internal/errs"
	"github.com/zjrosen/delegate/internal/testutil"
)

func TestTeams_CreateGetDelete(t *testing.T) {
	store := testutil.NewStore(t)
	team := testutil.SeedTeam(t, store, "team-1", "platform")
	testutil.SeedAgent(t, store, team.ID, "agent-1", "dev", domain.RoleEngineer)
	testutil.SeedTask(t, store, team.ID, team.Name, "t")

	got, err := store.Teams.Get("team-1")
	require.NoError(t, err)
	assert.Equal(t, "platform", got.Name)

	byName, err := store.Teams.GetByName("platform")
	require.NoError(t, err)
	assert.Equal(t, "team-1", byName.ID)

	_, err = store.Teams.Get("nope")
	assert.Equal(t, errs.CodeTeamNotFound, errs.CodeOf(err))

	// Delete cascades to agents and tasks.
	require.NoError(t, store.WithTx(func(tx *sql.Tx) error {
		return store.Teams.Delete(tx, "team-1")
	}))
	_, err = store.Agents.Get("team-1", "dev")
	assert.Error(t, err)
	tasks, err := store.Tasks.ListByTeam(store.DB(), "team-1")
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestMessages_UnreadScanAndMarkRead(t *testing.T) {
	store := testutil.NewStore(t)
	testutil.SeedTeam(t, store, "team-1", "platform")

	send := func(sender, recipient, body string) *domain.Message {
		msg := &domain.Message{TeamID: "team-1", Sender: sender, Recipient: recipient,
			Kind: domain.KindChat, Body: body, CreatedAt: time.Now().UTC()}
		require.NoError(t, store.WithTx(func(tx *sql.Tx) error {
			return store.Messages.Create(tx, msg)
		}))
		return msg
	}

	m1 := send("human:alice", "pm", "hello")
	send("dev", "pm", "status update")
	send("pm", "dev", "ack")

	unread, err := store.Messages.UnreadByRecipient("team-1")
	require.NoError(t, err)
	require.Len(t, unread["pm"], 2)
	require.Len(t, unread["dev"], 1)
	assert.Equal(t, m1.ID, unread["pm"][0].ID, "scan is ordered by id")

	require.NoError(t, store.WithTx(func(tx *sql.Tx) error {
		return store.Messages.MarkRead(tx, []int64{m1.ID})
	}))
	unread, err = store.Messages.UnreadByRecipient("team-1")
	require.NoError(t, err)
	assert.Len(t, unread["pm"], 1)

	// Requeue brings it back.
	require.NoError(t, store.WithTx(func(tx *sql.Tx) error {
		return store.Messages.MarkUnread(tx, []int64{m1.ID})
	}))
	unread, err = store.Messages.UnreadByRecipient("team-1")
	require.NoError(t, err)
	assert.Len(t, unread["pm"], 2)
}

func TestMessages_ListByTeamLimitKeepsNewest(t *testing.T) {
	store := testutil.NewStore(t)
	testutil.SeedTeam(t, store, "team-1", "platform")

	for i := 0; i < 5; i++ {
		msg := &domain.Message{TeamID: "team-1", Sender: "dev", Recipient: "pm",
			Kind: domain.KindChat, Body: "m", CreatedAt: time.Now().UTC()}
		require.NoError(t, store.WithTx(func(tx *sql.Tx) error {
			return store.Messages.Create(tx, msg)
		}))
	}

	msgs, err := store.Messages.ListByTeam("team-1", 2)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, int64(4), msgs[0].ID)
	assert.Equal(t, int64(5), msgs[1].ID)
}

func TestReviews_AttemptNumbersIncrease(t *testing.T) {
	store := testutil.NewStore(t)
	testutil.SeedTeam(t, store, "team-1", "platform")
	task := testutil.SeedTask(t, store, "team-1", "platform", "t")

	for want := 1; want <= 3; want++ {
		review := &domain.Review{TaskID: task.ID, Reviewer: "rev", CreatedAt: time.Now().UTC()}
		require.NoError(t, store.WithTx(func(tx *sql.Tx) error {
			return store.Reviews.Create(tx, review)
		}))
		assert.Equal(t, want, review.Attempt)
	}

	latest, err := store.Reviews.Latest(task.ID)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, 3, latest.Attempt)

	all, err := store.Reviews.ListByTask(task.ID)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestReviews_LatestNilWhenNone(t *testing.T) {
	store := testutil.NewStore(t)
	latest, err := store.Reviews.Latest(99)
	require.NoError(t, err)
	assert.Nil(t, latest)
}

func TestUsage_UpsertAccumulates(t *testing.T) {
	store := testutil.NewStore(t)
	testutil.SeedTeam(t, store, "team-1", "platform")

	require.NoError(t, store.AddUsage("team-1", "dev", 1000, 200, 4500))
	require.NoError(t, store.AddUsage("team-1", "dev", 500, 100, 2250))
	require.NoError(t, store.AddUsage("team-1", "pm", 10, 20, 30))

	rows, err := store.UsageByTeam("team-1")
	require.NoError(t, err)
	require.Len(t, rows, 2)

	assert.Equal(t, "dev", rows[0].AgentName)
	assert.Equal(t, int64(1500), rows[0].InputTokens)
	assert.Equal(t, int64(300), rows[0].OutputTokens)
	assert.Equal(t, int64(6750), rows[0].CostMicrodollars)
	assert.Equal(t, int64(2), rows[0].Turns)
	assert.Equal(t, "pm", rows[1].AgentName)
}

func TestEvents_PerTeamSequenceIsMonotonic(t *testing.T) {
	store := testutil.NewStore(t)
	testutil.SeedTeam(t, store, "team-1", "platform")
	testutil.SeedTeam(t, store, "team-2", "infra")

	append := func(teamID, kind string) *domain.Event {
		var ev *domain.Event
		require.NoError(t, store.WithTx(func(tx *sql.Tx) error {
			var err error
			ev, err = store.Events.Append(tx, teamID, kind, `{}`)
			return err
		}))
		return ev
	}

	e1 := append("team-1", "task_created")
	e2 := append("team-2", "task_created")
	e3 := append("team-1", "task_status")

	assert.Equal(t, int64(1), e1.TeamSeq)
	assert.Equal(t, int64(1), e2.TeamSeq, "sequences are per team")
	assert.Equal(t, int64(2), e3.TeamSeq)
	assert.Greater(t, e3.GlobalSeq, e1.GlobalSeq)

	since, err := store.Events.ListSince("team-1", 1, 100)
	require.NoError(t, err)
	require.Len(t, since, 1)
	assert.Equal(t, "task_status", since[0].Kind)

	latest, err := store.Events.LatestSeq("team-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), latest)
}
