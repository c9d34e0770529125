package harness

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loadAndRun(t *testing.T, name string) *Result {
	t.Helper()
	sc, err := LoadScenario(filepath.Join("testdata", "scenarios", name+".yaml"))
	require.NoError(t, err)
	result, err := Run(context.Background(), sc)
	require.NoError(t, err)
	return result
}

func TestRun_Golden(t *testing.T) {
	result := loadAndRun(t, "welcome_golden")
	require.True(t, result.Pass, "errors: %v", result.Errors)
	AssertGolden(t, "welcome_golden", result)
}

func TestRun_Unsubscribe(t *testing.T) {
	result := loadAndRun(t, "welcome_unsubscribe")
	require.True(t, result.Pass, "errors: %v", result.Errors)

	types := make([]string, len(result.Trace))
	for i, ev := range result.Trace {
		types[i] = ev.Type
	}
	assert.Equal(t, []string{
		EventStarted, EventAlreadyRunning, EventMessage, EventExecuted,
		EventRedirected, EventMessage, EventExecuted, EventFinished,
	}, types)

	// Times are rendered in the scenario location.
	assert.Equal(t, "2026-03-02T09:00:00+01:00", result.Trace[0].At)
	assert.Equal(t, "2026-03-04T09:00:00+01:00", result.Trace[4].At)
}

func TestRun_FailingAssertionsAreReported(t *testing.T) {
	sc, err := LoadScenario(filepath.Join("testdata", "scenarios", "welcome_golden.yaml"))
	require.NoError(t, err)
	sc.Assertions = []Assertion{
		{Type: AssertFinalState, Funnel: "welcome", Ident: "42", Expect: map[string]any{"stage": "done"}},
		{Type: AssertTraceCount, Event: EventFinished, Count: 1},
		{Type: AssertFinalState, Funnel: "welcome", Ident: "7", Expect: map[string]any{"open": true}},
	}

	result, err := Run(context.Background(), sc)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 3)
	assert.Contains(t, result.Errors[0], "welcome/42 stage = done")
	assert.Contains(t, result.Errors[1], "0 occurrences")
	assert.Contains(t, result.Errors[2], "no instance of welcome for 7")
}

func TestRun_UnknownFunnelIsAnExecutionError(t *testing.T) {
	sc, err := LoadScenario(filepath.Join("testdata", "scenarios", "welcome_golden.yaml"))
	require.NoError(t, err)
	sc.Flow = []Step{{Start: &StartStep{Funnel: "winback", Ident: "1"}}}

	_, err = Run(context.Background(), sc)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "flow[0]")
}

func TestRun_WithoutStubsReachesDone(t *testing.T) {
	sc, err := LoadScenario(filepath.Join("testdata", "scenarios", "welcome_golden.yaml"))
	require.NoError(t, err)
	sc.Queries = nil
	sc.Flow = []Step{
		{Start: &StartStep{Funnel: "welcome", Ident: "9"}},
		{Wait: "2d"},
		{RunDue: true},
		{Wait: "2d"},
		{RunDue: true},
		{Wait: "2d"},
		{RunDue: true},
	}
	sc.Assertions = []Assertion{{Type: AssertFinalState, Funnel: "welcome", Ident: "9", Expect: map[string]any{"stage": "done", "open": false, "stages": 3}}}

	result, err := Run(context.Background(), sc)
	require.NoError(t, err)
	require.True(t, result.Pass, "errors: %v", result.Errors)

	var finished []TraceEvent
	for _, ev := range result.Trace {
		if ev.Type == EventFinished {
			finished = append(finished, ev)
		}
		if ev.Type == EventMessage {
			assert.Empty(t, ev.Detail, "no client without profile rows")
		}
	}
	require.Len(t, finished, 1)
	assert.Equal(t, "done", finished[0].Stage)
}

func TestStubResult(t *testing.T) {
	res := stubResult([]map[string]any{
		{"id": 1, "email": "a@example.com"},
		{"id": 2, "plan": "pro"},
	})
	assert.Equal(t, []string{"email", "id", "plan"}, res.Columns)
	assert.Equal(t, [][]any{{"a@example.com", 1, nil}, {nil, 2, "pro"}}, res.Rows)

	assert.True(t, stubResult(nil).Empty())
}
