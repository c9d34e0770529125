package harness

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"slices"
	"time"

	"github.com/roach88/funnel/internal/funnel"
	"github.com/roach88/funnel/internal/messaging"
	"github.com/roach88/funnel/internal/query"
	"github.com/roach88/funnel/internal/store"
	"github.com/roach88/funnel/internal/testutil"
	"github.com/roach88/funnel/internal/workflow"
)

// maxPasses bounds run_due when stages keep opening due successors.
const maxPasses = 100

// Harness executes one scenario. It is the engine's query runner and
// messenger, so every query and message shows up in the trace.
type Harness struct {
	store   *store.Store
	engine  *workflow.Engine
	clock   *testutil.Clock
	loc     *time.Location
	stubs   map[string][]map[string]any
	result  *Result
	current store.StageExecution
	// instances maps funnel/ident to the workflow id.
	instances map[string]string
}

// Run executes a scenario and returns the result.
//
// Each scenario runs in a fresh in-memory database. Execution errors such
// as a bad funnels directory are returned; stage failures and assertion
// failures are reported in the result.
func Run(ctx context.Context, scenario *Scenario) (*Result, error) {
	start, err := scenario.start()
	if err != nil {
		return nil, err
	}
	loc, err := scenario.location()
	if err != nil {
		return nil, err
	}
	set, err := funnel.Load(scenario.Funnels, funnel.WithStageCheck(workflow.CheckStage))
	if err != nil {
		return nil, fmt.Errorf("failed to load funnels: %w", err)
	}

	clock := testutil.NewClock(start)
	st, err := store.Open(":memory:", store.WithClock(clock.Now), store.WithLogger(discard()))
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	h := &Harness{
		store:     st,
		clock:     clock,
		loc:       loc,
		stubs:     maps.Clone(scenario.Queries),
		result:    NewResult(),
		instances: make(map[string]string),
	}
	if h.stubs == nil {
		h.stubs = make(map[string][]map[string]any)
	}
	h.engine = workflow.New(st, set,
		workflow.WithQueries(h),
		workflow.WithMessenger(h),
		workflow.WithClock(clock.Now),
		workflow.WithLocation(loc),
		workflow.WithIDs(testutil.NewSequentialIDs("wf").Next),
		workflow.WithLogger(discard()))

	for i, step := range scenario.Flow {
		if err := h.step(ctx, step); err != nil {
			return nil, fmt.Errorf("flow[%d]: %w", i, err)
		}
	}

	for _, msg := range EvaluateAssertions(ctx, h, scenario.Assertions) {
		h.result.AddError(msg)
	}
	return h.result, nil
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func (h *Harness) step(ctx context.Context, step Step) error {
	switch {
	case step.Start != nil:
		return h.start(ctx, *step.Start)
	case step.Wait != "":
		d, err := workflow.ParseDelay(step.Wait)
		if err != nil {
			return err
		}
		h.clock.Advance(d)
		return nil
	case step.RunDue:
		return h.runDue(ctx)
	case step.Queries != nil:
		maps.Copy(h.stubs, step.Queries)
		return nil
	}
	return fmt.Errorf("empty step")
}

func (h *Harness) start(ctx context.Context, s StartStep) error {
	js := json.RawMessage(`{}`)
	if s.JS != nil {
		b, err := json.Marshal(s.JS)
		if err != nil {
			return fmt.Errorf("start: js: %w", err)
		}
		js = b
	}
	res, err := h.engine.Start(ctx, s.Funnel, s.Ident, js)
	if err != nil {
		return err
	}
	h.instances[instanceKey(s.Funnel, s.Ident)] = res.WorkflowID

	ev := TraceEvent{Type: EventAlreadyRunning, Funnel: s.Funnel, Ident: s.Ident}
	if res.Started {
		def, _ := h.engine.Funnels().Get(s.Funnel)
		ev.Type, ev.Stage = EventStarted, def.First
	}
	h.emit(ev)
	return nil
}

func (h *Harness) runDue(ctx context.Context) error {
	seen := make(map[int64]bool)
	for range maxPasses {
		now := h.clock.Now()
		due, err := h.store.DueStages(ctx, now, now.Add(-workflow.DefaultRetryAfter), 0)
		if err != nil {
			return fmt.Errorf("run due: %w", err)
		}
		progressed := false
		for _, exec := range due {
			if seen[exec.ID] {
				continue
			}
			seen[exec.ID] = true
			progressed = true
			h.runStage(ctx, exec)
		}
		if !progressed {
			return nil
		}
	}
	return fmt.Errorf("run due: stages still due after %d passes", maxPasses)
}

func (h *Harness) runStage(ctx context.Context, exec store.StageExecution) {
	h.current = exec
	base := TraceEvent{Funnel: exec.Workflow, Ident: exec.IdentID, Stage: exec.Stage}

	out, err := h.engine.RunStage(ctx, exec)
	if err != nil {
		ev := base
		ev.Type, ev.Detail = EventFailed, err.Error()
		h.emit(ev)
		return
	}
	switch {
	case out.Skipped:
		return
	case out.Stalled:
		ev := base
		ev.Type, ev.Detail = EventStalled, out.StallReason
		h.emit(ev)
		return
	}

	ev := base
	ev.Stage, ev.Next, ev.Rows = out.Stage, out.Next, out.Rows
	ev.Type = EventExecuted
	h.emit(ev)
	if out.NextID == 0 {
		end := base
		end.Type, end.Stage = EventFinished, out.Stage
		h.emit(end)
	}
}

func (h *Harness) emit(ev TraceEvent) {
	ev.At = h.clock.Now().In(h.loc).Format(time.RFC3339)
	h.result.record(ev)
}

// Run implements workflow.QueryRunner with the scenario stubs. Break rule
// hits are traced here since the stub knows which ref answered.
func (h *Harness) Run(_ context.Context, ref string, params map[string]any) (query.Result, error) {
	rows := h.stubs[ref]
	res := stubResult(rows)
	if len(rows) > 0 && h.isBreakRef(ref, params) {
		h.emit(TraceEvent{
			Type:   EventRedirected,
			Funnel: h.current.Workflow,
			Ident:  h.current.IdentID,
			Stage:  h.breakTarget(ref),
			Detail: "from " + h.current.Stage,
		})
	}
	return res, nil
}

// isBreakRef reports whether ref is a break rule query of the current funnel
// that would move the instance off its current stage.
func (h *Harness) isBreakRef(ref string, params map[string]any) bool {
	target := h.breakTarget(ref)
	return target != "" && target != params["stage"]
}

func (h *Harness) breakTarget(ref string) string {
	def, ok := h.engine.Funnels().Get(h.current.Workflow)
	if !ok {
		return ""
	}
	for _, rule := range def.Break {
		if rule.Query == ref {
			return rule.Stage
		}
	}
	return ""
}

// SendStage implements workflow.Messenger by recording the message.
func (h *Harness) SendStage(_ context.Context, m messaging.StageMessage) (messaging.Sent, error) {
	h.emit(TraceEvent{
		Type:   EventMessage,
		Funnel: m.Funnel,
		Ident:  h.current.IdentID,
		Stage:  m.Stage,
		Detail: m.ClientID,
	})
	return messaging.Sent{Client: m.ClientID != "", Manager: true}, nil
}

// stubResult turns stub rows into a query result whose columns are the
// sorted union of the row keys.
func stubResult(rows []map[string]any) query.Result {
	var res query.Result
	if len(rows) == 0 {
		return res
	}
	cols := make(map[string]bool)
	for _, row := range rows {
		for k := range row {
			cols[k] = true
		}
	}
	res.Columns = slices.Sorted(maps.Keys(cols))
	for _, row := range rows {
		vals := make([]any, len(res.Columns))
		for i, c := range res.Columns {
			vals[i] = row[c]
		}
		res.Rows = append(res.Rows, vals)
	}
	return res
}

func instanceKey(funnelName, ident string) string {
	return funnelName + "/" + ident
}

// lastStage returns the newest stage row of an instance started by the
// scenario.
func (h *Harness) lastStage(ctx context.Context, funnelName, ident string) (store.StageExecution, int, error) {
	wfID, ok := h.instances[instanceKey(funnelName, ident)]
	if !ok {
		return store.StageExecution{}, 0, fmt.Errorf("no instance of %s for %s was started", funnelName, ident)
	}
	rows, err := h.store.WorkflowStages(ctx, wfID)
	if err != nil {
		return store.StageExecution{}, 0, err
	}
	if len(rows) == 0 {
		return store.StageExecution{}, 0, fmt.Errorf("instance %s has no stages", wfID)
	}
	return rows[len(rows)-1], len(rows), nil
}
