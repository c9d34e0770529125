package workflow

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/funnel/internal/funnel"
	"github.com/roach88/funnel/internal/messaging"
	"github.com/roach88/funnel/internal/query"
	"github.com/roach88/funnel/internal/store"
)

func dueNow(t *testing.T, f *fixture) []store.StageExecution {
	t.Helper()
	now := f.clock.Now()
	due, err := f.store.DueStages(context.Background(), now, now.Add(-5*time.Minute), 10)
	require.NoError(t, err)
	return due
}

// insertRaw opens a stage row directly, bypassing funnel lookups.
func insertRaw(t *testing.T, f *fixture, workflow, stage, identID string) store.StageExecution {
	t.Helper()
	ctx := context.Background()
	wfID := "raw-" + workflow + "-" + identID
	require.NoError(t, f.store.CreateWorkflow(ctx, store.Workflow{
		ID: wfID, Event: funnel.DefaultEvent, Workflow: workflow, IdentID: identID, Moment: f.clock.Now(),
	}))
	id, err := f.store.InsertStage(ctx, store.NewStage{
		Event: funnel.DefaultEvent, Workflow: workflow, IdentID: identID,
		Stage: stage, StartedAt: f.clock.Now(), WorkflowID: wfID,
	})
	require.NoError(t, err)
	exec, err := f.store.GetStage(ctx, id)
	require.NoError(t, err)
	return exec
}

func TestRunStage_RemindThenOffer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.queries.results["remind.sql"] = query.Result{
		Columns: []string{"client_id", "name"},
		Rows:    [][]any{{int64(42), "Ann"}},
	}

	_, err := f.engine.Start(ctx, "onboarding", "42", json.RawMessage(`{"source":"signup"}`))
	require.NoError(t, err)

	due := dueNow(t, f)
	require.Len(t, due, 1)
	out, err := f.engine.RunStage(ctx, due[0])
	require.NoError(t, err)
	assert.Equal(t, "remind", out.Stage)
	assert.Equal(t, "offer", out.Next)
	assert.Equal(t, 1, out.Attempt)
	assert.Equal(t, 1, out.Rows)

	require.Len(t, f.messages.sent, 1)
	msg := f.messages.sent[0]
	assert.Equal(t, "onboarding", msg.Funnel)
	assert.Equal(t, "remind", msg.Stage)
	assert.Equal(t, "42", msg.ClientID)
	assert.False(t, msg.Redelivery)
	assert.Equal(t, "signup", msg.Data["source"])
	assert.Equal(t, [][]string{{"client_id", "name"}, {"42", "Ann"}}, msg.Data["rows"])

	// Offer is two days out.
	next, err := f.store.GetStage(ctx, out.NextID)
	require.NoError(t, err)
	assert.True(t, next.StartedAt.Equal(time.Date(2025, time.August, 13, 10, 0, 0, 0, time.UTC)))
	assert.Empty(t, dueNow(t, f))

	closed, err := f.store.GetStage(ctx, out.StageID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"attempt":1,"client_sent":true,"manager_sent":false,"rows":1,"stage":"remind"}`, string(closed.Data))

	f.clock.Advance(48 * time.Hour)
	due = dueNow(t, f)
	require.Len(t, due, 1)
	assert.Equal(t, "offer", due[0].Stage)

	out, err = f.engine.RunStage(ctx, due[0])
	require.NoError(t, err)
	assert.Equal(t, "farewell", out.Next)

	// Wednesday 10:00 snaps to Friday 18:00.
	farewell, err := f.store.GetStage(ctx, out.NextID)
	require.NoError(t, err)
	assert.True(t, farewell.StartedAt.Equal(time.Date(2025, time.August, 15, 18, 0, 0, 0, time.UTC)))

	f.clock.Set(time.Date(2025, time.August, 15, 18, 0, 0, 0, time.UTC))
	due = dueNow(t, f)
	require.Len(t, due, 1)
	out, err = f.engine.RunStage(ctx, due[0])
	require.NoError(t, err)
	assert.Empty(t, out.Next)
	assert.Zero(t, out.NextID)

	history, err := f.store.WorkflowStages(ctx, farewell.WorkflowID)
	require.NoError(t, err)
	require.Len(t, history, 3)
	for _, st := range history {
		assert.False(t, st.Open(), "stage %s still open", st.Stage)
	}
}

func TestRunStage_BreakRuleWins(t *testing.T) {
	def := onboarding()
	def.Break = []funnel.BreakRule{{Query: "inactive.sql", Stage: "farewell"}}
	f := newFixture(t, def)
	ctx := context.Background()
	f.queries.results["inactive.sql"] = query.Result{Columns: []string{"id"}, Rows: [][]any{{"42"}}}

	_, err := f.engine.Start(ctx, "onboarding", "42", nil)
	require.NoError(t, err)

	out, err := f.engine.RunStage(ctx, dueNow(t, f)[0])
	require.NoError(t, err)
	assert.True(t, out.Redirected)
	assert.Equal(t, "farewell", out.Stage)
	assert.Zero(t, out.NextID)
	assert.NotContains(t, f.queries.calls, "remind.sql")

	closed, err := f.store.GetStage(ctx, out.StageID)
	require.NoError(t, err)
	assert.Equal(t, "remind", closed.Stage)
	assert.Contains(t, string(closed.Data), `"break_from":"remind"`)
	assert.Equal(t, "42", f.queries.params[0]["ident_id"])
}

func TestRunStage_UnknownStageStalls(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	exec := insertRaw(t, f, "onboarding", "ghost", "7")
	id := exec.ID
	out, err := f.engine.RunStage(ctx, exec)
	require.NoError(t, err)
	assert.True(t, out.Stalled)
	assert.Contains(t, out.StallReason, "UNKNOWN_STAGE")
	assert.Empty(t, f.messages.sent)

	stalled, err := f.store.GetStage(ctx, id)
	require.NoError(t, err)
	assert.True(t, stalled.Open())
	assert.True(t, stalled.StalledAt.Valid)

	f.clock.Advance(time.Hour)
	assert.Empty(t, dueNow(t, f))
}

func TestRunStage_UnknownFunnelStalls(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	exec := insertRaw(t, f, "retired", "remind", "7")

	out, err := f.engine.RunStage(ctx, exec)
	require.NoError(t, err)
	assert.True(t, out.Stalled)
	assert.Contains(t, out.StallReason, "UNKNOWN_FUNNEL")
}

func TestRunStage_InvalidScheduleStalls(t *testing.T) {
	def := onboarding()
	def.Stages["remind"] = funnel.Stage{Next: "offer", Delay: "two days"}
	f := newFixture(t, def)
	ctx := context.Background()

	_, err := f.engine.Start(ctx, "onboarding", "1", nil)
	require.NoError(t, err)
	out, err := f.engine.RunStage(ctx, dueNow(t, f)[0])
	require.NoError(t, err)
	assert.True(t, out.Stalled)
	assert.Contains(t, out.StallReason, "INVALID_SCHEDULE")
	assert.Empty(t, f.messages.sent)
}

func TestRunStage_ClosedRowIsSkipped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.engine.Start(ctx, "onboarding", "1", nil)
	require.NoError(t, err)
	exec := dueNow(t, f)[0]

	_, err = f.engine.Advance(ctx, exec, AdvanceOptions{})
	require.NoError(t, err)

	out, err := f.engine.RunStage(ctx, exec)
	require.NoError(t, err)
	assert.True(t, out.Skipped)
	assert.Empty(t, f.messages.sent)
}

func TestRunStage_RedeliveryFlag(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.engine.Start(ctx, "onboarding", "1", nil)
	require.NoError(t, err)
	exec := dueNow(t, f)[0]

	// A previous attempt died before advancing, longer ago than the window.
	earlier := f.clock.Now().Add(-10 * time.Minute)
	_, err = f.store.MarkAttempt(ctx, exec.ID, earlier, earlier)
	require.NoError(t, err)

	out, err := f.engine.RunStage(ctx, exec)
	require.NoError(t, err)
	assert.Equal(t, 2, out.Attempt)
	require.Len(t, f.messages.sent, 1)
	assert.True(t, f.messages.sent[0].Redelivery)
	assert.NotEmpty(t, f.messages.sent[0].IdempotencyKey)
}

// reentrantMessenger runs the same row again while the first run is sending,
// like a second poller that listed the row before it was claimed.
type reentrantMessenger struct {
	engine *Engine
	exec   store.StageExecution
	sends  int
	inner  []Outcome
}

func (m *reentrantMessenger) SendStage(ctx context.Context, _ messaging.StageMessage) (messaging.Sent, error) {
	m.sends++
	if len(m.inner) == 0 {
		out, err := m.engine.RunStage(ctx, m.exec)
		if err != nil {
			return messaging.Sent{}, err
		}
		m.inner = append(m.inner, out)
	}
	return messaging.Sent{Client: true}, nil
}

func TestRunStage_ClaimedRowRunsOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.engine.Start(ctx, "onboarding", "1", nil)
	require.NoError(t, err)
	exec := dueNow(t, f)[0]

	m := &reentrantMessenger{exec: exec}
	m.engine = New(f.store, f.engine.Funnels(),
		WithClock(f.clock.Now),
		WithQueries(f.queries),
		WithMessenger(m))

	out, err := m.engine.RunStage(ctx, exec)
	require.NoError(t, err)
	assert.Equal(t, "offer", out.Next)
	assert.Equal(t, 1, m.sends)
	require.Len(t, m.inner, 1)
	assert.True(t, m.inner[0].Skipped)

	closed, err := f.store.GetStage(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, closed.Attempts)
}

func TestRunStage_HeldRowRetriedAfterWindow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.engine.Start(ctx, "onboarding", "1", nil)
	require.NoError(t, err)
	exec := dueNow(t, f)[0]

	// Another worker claimed the row and has not finished.
	_, err = f.store.MarkAttempt(ctx, exec.ID, f.clock.Now(), f.clock.Now())
	require.NoError(t, err)

	out, err := f.engine.RunStage(ctx, exec)
	require.NoError(t, err)
	assert.True(t, out.Skipped)
	assert.Empty(t, f.messages.sent)

	f.clock.Advance(DefaultRetryAfter + time.Second)
	out, err = f.engine.RunStage(ctx, exec)
	require.NoError(t, err)
	assert.False(t, out.Skipped)
	assert.Equal(t, 2, out.Attempt)
	require.Len(t, f.messages.sent, 1)
	assert.True(t, f.messages.sent[0].Redelivery)
}

func TestDue(t *testing.T) {
	now := time.Date(2025, time.August, 11, 10, 0, 0, 0, time.UTC)
	assert.True(t, Due(store.StageExecution{StartedAt: now}, now))
	assert.False(t, Due(store.StageExecution{StartedAt: now.Add(time.Second)}, now))
}
