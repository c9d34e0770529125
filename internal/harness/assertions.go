package harness

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for _, ev := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %s %s %s/%s %s\n", ev.Seq, ev.At, ev.Type, ev.Funnel, ev.Ident, ev.Stage)
		}
	}
	return buf.String()
}

// EvaluateAssertions runs every assertion and returns the failure messages.
func EvaluateAssertions(ctx context.Context, h *Harness, assertions []Assertion) []string {
	var errs []string
	for i, a := range assertions {
		var err error
		switch a.Type {
		case AssertTraceContains:
			err = assertTraceContains(h.result.Trace, a)
		case AssertTraceOrder:
			err = assertTraceOrder(h.result.Trace, a)
		case AssertTraceCount:
			err = assertTraceCount(h.result.Trace, a)
		case AssertFinalState:
			err = assertFinalState(ctx, h, a)
		default:
			err = fmt.Errorf("unknown assertion type %q", a.Type)
		}
		if err != nil {
			errs = append(errs, fmt.Sprintf("assertions[%d]: %v", i, err))
		}
	}
	return errs
}

// matches reports whether ev has the given type and every match field.
func matches(ev TraceEvent, typ string, match map[string]string) bool {
	if ev.Type != typ {
		return false
	}
	for k, want := range match {
		got, ok := ev.field(k)
		if !ok || got != want {
			return false
		}
	}
	return true
}

// assertTraceContains checks if the trace contains an event matching the
// type and fields (subset match).
func assertTraceContains(trace []TraceEvent, a Assertion) error {
	for _, ev := range trace {
		if matches(ev, a.Event, a.Match) {
			return nil
		}
	}
	return &AssertionError{
		Type:     AssertTraceContains,
		Expected: fmt.Sprintf("%s event matching %s", a.Event, formatMatch(a.Match)),
		Actual:   "not found in trace",
		Trace:    trace,
	}
}

// assertTraceOrder checks that the listed events occur in order. Entries
// are "type" or "type:stage"; other events may occur in between.
func assertTraceOrder(trace []TraceEvent, a Assertion) error {
	pos := 0
	for _, entry := range a.Events {
		typ, stage, _ := strings.Cut(entry, ":")
		var match map[string]string
		if stage != "" {
			match = map[string]string{"stage": stage}
		}
		found := false
		for pos < len(trace) {
			ev := trace[pos]
			pos++
			if matches(ev, typ, match) {
				found = true
				break
			}
		}
		if !found {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("events in order: %v", a.Events),
				Actual:   fmt.Sprintf("%s not found after the preceding events", entry),
				Trace:    trace,
			}
		}
	}
	return nil
}

func assertTraceCount(trace []TraceEvent, a Assertion) error {
	count := 0
	for _, ev := range trace {
		if matches(ev, a.Event, a.Match) {
			count++
		}
	}
	if count != a.Count {
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("%d %s events matching %s", a.Count, a.Event, formatMatch(a.Match)),
			Actual:   fmt.Sprintf("%d occurrences", count),
			Trace:    trace,
		}
	}
	return nil
}

// assertFinalState checks the newest stage row of an instance. Expect keys:
// stage, open, stalled and stages (number of rows).
func assertFinalState(ctx context.Context, h *Harness, a Assertion) error {
	last, n, err := h.lastStage(ctx, a.Funnel, a.Ident)
	if err != nil {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("instance %s/%s", a.Funnel, a.Ident),
			Actual:   err.Error(),
		}
	}
	actual := map[string]any{
		"stage":   last.Stage,
		"open":    last.Open(),
		"stalled": last.StalledAt.Valid,
		"stages":  n,
	}

	keys := make([]string, 0, len(a.Expect))
	for k := range a.Expect {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, key := range keys {
		want := a.Expect[key]
		got, ok := actual[key]
		if !ok {
			return &AssertionError{
				Type:     AssertFinalState,
				Expected: fmt.Sprintf("field %q to exist", key),
				Actual:   "known fields are stage, open, stalled and stages",
			}
		}
		if fmt.Sprint(want) != fmt.Sprint(got) {
			return &AssertionError{
				Type:     AssertFinalState,
				Expected: fmt.Sprintf("%s/%s %s = %v", a.Funnel, a.Ident, key, want),
				Actual:   fmt.Sprintf("%s = %v", key, got),
			}
		}
	}
	return nil
}

func formatMatch(match map[string]string) string {
	if len(match) == 0 {
		return "(any)"
	}
	keys := make([]string, 0, len(match))
	for k := range match {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%s", k, match[k]))
	}
	return strings.Join(parts, " ")
}
