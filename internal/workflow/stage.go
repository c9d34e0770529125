package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"strconv"
	"time"

	"github.com/roach88/funnel/internal/canon"
	"github.com/roach88/funnel/internal/messaging"
	"github.com/roach88/funnel/internal/query"
	"github.com/roach88/funnel/internal/store"
)

// Outcome reports what RunStage did with one stage row.
type Outcome struct {
	StageID int64
	// Stage is the stage that ran; it differs from the row's stage when a
	// break rule redirected the instance.
	Stage      string
	Redirected bool
	Attempt    int
	Rows       int
	Sent       messaging.Sent
	// NextID is the successor row, 0 when the instance ended.
	NextID int64
	Next   string

	// Skipped is set when the row was already closed, or is stalled or held
	// by another worker.
	Skipped bool
	// Stalled is set when a configuration problem parked the row.
	Stalled     bool
	StallReason string
}

// RunStage executes one due stage row.
//
// The row is claimed before any work: the attempt is recorded only when no
// other worker holds it within the retry window, so concurrent pollers never
// run the same row twice, and a redelivered stage can be recognised
// downstream. Break rules run first and may redirect to another
// stage; the redirect wins over the row's own stage. The stage query runs,
// its messages are sent with {context, result}, and the row is advanced to
// the stage's next (or closed). Unknown funnels or stages and bad schedules
// stall the row with a warning and return no error. Any other error leaves
// the row open for a later retry.
func (e *Engine) RunStage(ctx context.Context, exec store.StageExecution) (out Outcome, err error) {
	start := e.now()
	out = Outcome{StageID: exec.ID, Stage: exec.Stage}
	defer func() {
		if !out.Skipped && !out.Stalled {
			e.metrics.StageExecuted(ctx, exec.Workflow, out.Stage, e.now().Sub(start), err)
		}
	}()

	attempt, err := e.claim(ctx, exec.ID, start)
	if errors.Is(err, store.ErrStageClosed) || errors.Is(err, store.ErrStageClaimed) {
		e.logger.Debug("stage not claimed", "stage_id", exec.ID, "reason", err)
		out.Skipped = true
		return out, nil
	}
	if err != nil {
		return out, fmt.Errorf("run stage %d: %w", exec.ID, err)
	}
	out.Attempt = attempt

	def, err := e.funnel(exec.Workflow)
	if err != nil {
		return e.stall(ctx, exec, out, err)
	}

	params, err := stageParams(exec)
	if err != nil {
		return out, fmt.Errorf("run stage %d: %w", exec.ID, err)
	}

	target, hit, err := e.EvaluateBreakConditions(ctx, def.Break, params)
	if err != nil {
		return out, fmt.Errorf("run stage %d: %w", exec.ID, err)
	}
	if hit && target != exec.Stage {
		e.logger.Info("break rule redirected stage",
			"workflow", exec.Workflow,
			"ident_id", exec.IdentID,
			"from", exec.Stage,
			"to", target)
		out.Stage, out.Redirected = target, true
		params["stage"] = target
	}

	st, ok := def.Stage(out.Stage)
	if !ok {
		return e.stall(ctx, exec, out, unknownStage(def.Name, out.Stage))
	}
	sched, err := ParseSchedule(st)
	if err != nil {
		return e.stall(ctx, exec, out, invalidSchedule(def.Name, st.Name, err))
	}

	var res query.Result
	if st.Query != "" {
		if e.queries == nil {
			return out, fmt.Errorf("run stage %d: stage %s has a query but no query runner is configured", exec.ID, st.Name)
		}
		res, err = e.runQuery(ctx, st.Query, params)
		if err != nil {
			return out, fmt.Errorf("run stage %d: %w", exec.ID, err)
		}
		out.Rows = len(res.Rows)
	}

	if e.messages != nil {
		out.Sent, err = e.messages.SendStage(ctx, messaging.StageMessage{
			Funnel:         def.Name,
			Stage:          st.Name,
			ClientID:       clientID(params, res),
			Debug:          def.Debug,
			Data:           messageData(params, res),
			IdempotencyKey: strconv.FormatInt(exec.ID, 10),
			Redelivery:     attempt > 1,
		})
		if err != nil {
			return out, fmt.Errorf("run stage %d: %w", exec.ID, err)
		}
	}

	data, err := resultData(exec, out)
	if err != nil {
		return out, fmt.Errorf("run stage %d: %w", exec.ID, err)
	}
	nextID, err := e.Advance(ctx, exec, AdvanceOptions{
		ToStage: st.Next,
		Delay:   sched.Delay,
		At:      sched.At,
		Data:    data,
	})
	if IsAlreadyAdvanced(err) {
		e.logger.Debug("stage already advanced", "stage_id", exec.ID)
		out.Skipped = true
		return out, nil
	}
	if err != nil {
		return out, err
	}
	out.NextID, out.Next = nextID, st.Next
	return out, nil
}

func (e *Engine) stall(ctx context.Context, exec store.StageExecution, out Outcome, cause error) (Outcome, error) {
	e.logger.Warn("stage stalled",
		"workflow", exec.Workflow,
		"ident_id", exec.IdentID,
		"stage", out.Stage,
		"stage_id", exec.ID,
		"error", cause)
	cctx, cancel := e.call(ctx)
	defer cancel()
	if err := e.store.StallStage(cctx, exec.ID, e.now(), cause.Error()); err != nil {
		if errors.Is(err, store.ErrStageClosed) {
			out.Skipped = true
			return out, nil
		}
		return out, fmt.Errorf("run stage %d: %w", exec.ID, err)
	}
	out.Stalled, out.StallReason = true, cause.Error()
	return out, nil
}

// claim marks the attempt unless the stage is closed, stalled or held by
// another worker within the retry window.
func (e *Engine) claim(ctx context.Context, id int64, at time.Time) (int, error) {
	cctx, cancel := e.call(ctx)
	defer cancel()
	return e.store.MarkAttempt(cctx, id, at, at.Add(-e.retryAfter))
}

// stageParams builds query parameters: the fields of the row's js object,
// overlaid with the row's identity.
func stageParams(exec store.StageExecution) (map[string]any, error) {
	params := make(map[string]any)
	var js any
	if len(exec.JS) > 0 {
		doc, err := canon.Decode(exec.JS)
		if err != nil {
			return nil, fmt.Errorf("decode js: %w", err)
		}
		js = doc
		if obj, ok := doc.(map[string]any); ok {
			maps.Copy(params, obj)
		}
	}
	params["event"] = exec.Event
	params["workflow"] = exec.Workflow
	params["workflow_id"] = exec.WorkflowID
	params["ident_id"] = exec.IdentID
	params["stage"] = exec.Stage
	params["stage_id"] = exec.ID
	params["js"] = js
	return params, nil
}

// clientID picks the message recipient: client_id from the context, else
// from the first result row.
func clientID(params map[string]any, res query.Result) string {
	if v, ok := params["client_id"]; ok {
		if s := query.Cell(v); s != "" {
			return s
		}
	}
	if row := res.First(); row != nil {
		if v, ok := row["client_id"]; ok {
			return query.Cell(v)
		}
	}
	return ""
}

func messageData(params map[string]any, res query.Result) map[string]any {
	data := maps.Clone(params)
	data["context"] = params
	data["result"] = res.Maps()
	data["rows"] = res.Classic()
	data["row"] = res.First()
	return data
}

// resultData is stored on the closed row.
func resultData(exec store.StageExecution, out Outcome) (json.RawMessage, error) {
	data := map[string]any{
		"stage":        out.Stage,
		"attempt":      out.Attempt,
		"rows":         out.Rows,
		"client_sent":  out.Sent.Client,
		"manager_sent": out.Sent.Manager,
	}
	if out.Redirected {
		data["break_from"] = exec.Stage
	}
	return canon.Marshal(data)
}

// Due reports whether exec is eligible to run at now.
func Due(exec store.StageExecution, now time.Time) bool {
	return exec.Open() && !exec.StalledAt.Valid && !exec.StartedAt.After(now)
}
