// Package workflow runs funnel instances over the store's stage rows.
//
// An instance is keyed by (event, workflow, ident_id) and has at most one
// open stage row. Advancing closes the open row and opens its successor in
// one transaction; a second writer racing on the same row closes nothing and
// gets ErrAlreadyAdvanced, which callers treat as a no-op.
package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/roach88/funnel/internal/event"
	"github.com/roach88/funnel/internal/funnel"
	"github.com/roach88/funnel/internal/messaging"
	"github.com/roach88/funnel/internal/metrics"
	"github.com/roach88/funnel/internal/query"
	"github.com/roach88/funnel/internal/store"
)

// Store is the stage persistence the engine needs.
type Store interface {
	CreateWorkflow(ctx context.Context, wf store.Workflow) error
	FindOpenStage(ctx context.Context, event, workflow, identID string) (store.StageExecution, error)
	StartWorkflow(ctx context.Context, wf store.Workflow, first store.NewStage) (int64, error)
	AdvanceStage(ctx context.Context, closeID int64, data json.RawMessage, executedAt time.Time, next *store.NewStage) (int64, error)
	MarkAttempt(ctx context.Context, id int64, at, retryBefore time.Time) (int, error)
	StallStage(ctx context.Context, id int64, at time.Time, reason string) error
}

// QueryRunner runs stage and break-rule queries.
type QueryRunner interface {
	Run(ctx context.Context, ref string, params map[string]any) (query.Result, error)
}

// Messenger sends the messages of a stage.
type Messenger interface {
	SendStage(ctx context.Context, m messaging.StageMessage) (messaging.Sent, error)
}

// DefaultRetryAfter is how long a claimed stage is held before another
// worker may attempt it.
const DefaultRetryAfter = 5 * time.Minute

// Option configures an Engine.
type Option func(*Engine)

// WithQueries sets the query runner. Without one, stages with a query fail.
func WithQueries(q QueryRunner) Option {
	return func(e *Engine) { e.queries = q }
}

// WithMessenger sets the stage message sender. Without one nothing is sent.
func WithMessenger(m Messenger) Option {
	return func(e *Engine) { e.messages = m }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithMetrics records stage executions.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithIDs sets the workflow id generator.
func WithIDs(fn event.IDFunc) Option {
	return func(e *Engine) {
		if fn != nil {
			e.newID = fn
		}
	}
}

// WithLocation sets the zone stage times of day are read in. Default UTC.
func WithLocation(loc *time.Location) Option {
	return func(e *Engine) {
		if loc != nil {
			e.loc = loc
		}
	}
}

// WithRetryAfter sets how long a stage claimed by RunStage is held before it
// may be attempted again. It should match the poller's retry window.
func WithRetryAfter(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.retryAfter = d
		}
	}
}

// WithCallTimeout bounds every store and query call. Zero leaves calls
// bounded only by the caller's context.
func WithCallTimeout(d time.Duration) Option {
	return func(e *Engine) { e.callTimeout = d }
}

// Engine resolves, starts, runs and advances workflow instances.
// Safe for concurrent use; the store serializes conflicting writes.
type Engine struct {
	store    Store
	funnels  atomic.Pointer[funnel.Set]
	queries  QueryRunner
	messages Messenger
	logger   *slog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
	newID    event.IDFunc
	loc      *time.Location

	retryAfter  time.Duration
	callTimeout time.Duration
}

// New creates an Engine over st running the given funnels.
func New(st Store, funnels *funnel.Set, opts ...Option) *Engine {
	e := &Engine{
		store:  st,
		logger: slog.Default(),
		now:    time.Now,
		newID:  event.NewID,
		loc:    time.UTC,

		retryAfter: DefaultRetryAfter,
	}
	e.funnels.Store(funnels)
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Funnels returns the current funnel set.
func (e *Engine) Funnels() *funnel.Set {
	return e.funnels.Load()
}

// SetFunnels swaps the funnel set. Stages already open keep their names and
// are resolved against the new set when they run.
func (e *Engine) SetFunnels(s *funnel.Set) {
	e.funnels.Store(s)
}

// call bounds one store or query call.
func (e *Engine) call(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.callTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, e.callTimeout)
}

func (e *Engine) funnel(name string) (*funnel.Definition, error) {
	d, ok := e.funnels.Load().Get(name)
	if !ok {
		return nil, unknownFunnel(name)
	}
	return d, nil
}

// ResolveInstance returns the workflow id of the instance keyed by the
// triple. An open stage row identifies a running instance; otherwise a new
// instance row is created and created is true.
func (e *Engine) ResolveInstance(ctx context.Context, eventName, workflow, identID string) (workflowID string, created bool, err error) {
	cctx, cancel := e.call(ctx)
	defer cancel()
	open, err := e.store.FindOpenStage(cctx, eventName, workflow, identID)
	if err == nil {
		return open.WorkflowID, false, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return "", false, fmt.Errorf("resolve instance: %w", err)
	}

	wf := store.Workflow{
		ID:       e.newID(),
		Event:    eventName,
		Workflow: workflow,
		IdentID:  identID,
		Moment:   e.now(),
	}
	if err := e.store.CreateWorkflow(cctx, wf); err != nil {
		return "", false, fmt.Errorf("resolve instance: %w", err)
	}
	e.logger.Debug("workflow instance created",
		"workflow_id", wf.ID,
		"event", eventName,
		"workflow", workflow,
		"ident_id", identID)
	return wf.ID, true, nil
}

// StartResult reports what Start did.
type StartResult struct {
	WorkflowID string
	StageID    int64
	// Started is false when the instance was already running.
	Started bool
}

// Start opens the first stage of funnelName for identID, due now. An
// instance that is already running is left alone. The instance row and its
// first stage are written in one transaction, so a start that loses a race
// leaves nothing behind and reports the winner's instance.
func (e *Engine) Start(ctx context.Context, funnelName, identID string, js json.RawMessage) (StartResult, error) {
	def, err := e.funnel(funnelName)
	if err != nil {
		return StartResult{}, err
	}
	if wfID, ok, err := e.running(ctx, def, identID); err != nil || ok {
		return StartResult{WorkflowID: wfID}, err
	}

	now := e.now()
	wf := store.Workflow{
		ID:       e.newID(),
		Event:    def.EventName(),
		Workflow: def.Name,
		IdentID:  identID,
		Moment:   now,
	}
	cctx, cancel := e.call(ctx)
	defer cancel()
	id, err := e.store.StartWorkflow(cctx, wf, store.NewStage{
		Event:     def.EventName(),
		Workflow:  def.Name,
		IdentID:   identID,
		Stage:     def.First,
		StartedAt: now,
		JS:        js,
	})
	if errors.Is(err, store.ErrOpenStageExists) {
		e.logger.Debug("workflow already started", "workflow", def.Name, "ident_id", identID)
		wfID, ok, err := e.running(ctx, def, identID)
		if err == nil && !ok {
			err = fmt.Errorf("start %s/%s: open stage vanished", funnelName, identID)
		}
		return StartResult{WorkflowID: wfID}, err
	}
	if err != nil {
		return StartResult{}, fmt.Errorf("start %s/%s: %w", funnelName, identID, err)
	}

	e.logger.Info("workflow started",
		"workflow", def.Name,
		"ident_id", identID,
		"workflow_id", wf.ID,
		"stage", def.First)
	return StartResult{WorkflowID: wf.ID, StageID: id, Started: true}, nil
}

// running returns the workflow id of the open instance of def for identID.
func (e *Engine) running(ctx context.Context, def *funnel.Definition, identID string) (string, bool, error) {
	cctx, cancel := e.call(ctx)
	defer cancel()
	open, err := e.store.FindOpenStage(cctx, def.EventName(), def.Name, identID)
	if errors.Is(err, store.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("start %s/%s: %w", def.Name, identID, err)
	}
	return open.WorkflowID, true, nil
}

// AdvanceOptions describe how to leave the current stage.
// An empty ToStage ends the instance.
type AdvanceOptions struct {
	ToStage string
	Delay   time.Duration
	At      *TimeOfDay
	Data    json.RawMessage
}

// Advance closes exec with opts.Data and, when opts.ToStage is set, opens the
// successor due at now+Delay snapped to At. Returns the successor id, or 0
// when the instance ended. A row that is already closed yields
// ErrAlreadyAdvanced and nothing is written.
func (e *Engine) Advance(ctx context.Context, exec store.StageExecution, opts AdvanceOptions) (int64, error) {
	now := e.now()
	var next *store.NewStage
	if opts.ToStage != "" {
		next = &store.NewStage{
			Event:      exec.Event,
			Workflow:   exec.Workflow,
			IdentID:    exec.IdentID,
			FromStage:  exec.Stage,
			Stage:      opts.ToStage,
			StartedAt:  StartTime(now, opts.Delay, opts.At, e.loc),
			JS:         exec.JS,
			WorkflowID: exec.WorkflowID,
		}
	}

	cctx, cancel := e.call(ctx)
	defer cancel()
	id, err := e.store.AdvanceStage(cctx, exec.ID, opts.Data, now, next)
	if errors.Is(err, store.ErrStageClosed) {
		return 0, &Error{Code: ErrCodeAlreadyAdvanced, Message: "stage already advanced", StageID: exec.ID}
	}
	if err != nil {
		return 0, fmt.Errorf("advance %s/%s: %w", exec.Workflow, exec.Stage, err)
	}

	if next != nil {
		e.logger.Info("stage advanced",
			"workflow", exec.Workflow,
			"ident_id", exec.IdentID,
			"from", exec.Stage,
			"to", next.Stage,
			"started_at", next.StartedAt)
	} else {
		e.logger.Info("workflow finished",
			"workflow", exec.Workflow,
			"ident_id", exec.IdentID,
			"stage", exec.Stage)
	}
	return id, nil
}

// EvaluateBreakConditions runs rules in declaration order and returns the
// stage of the first rule whose query returns rows.
func (e *Engine) EvaluateBreakConditions(ctx context.Context, rules []funnel.BreakRule, params map[string]any) (string, bool, error) {
	if len(rules) == 0 {
		return "", false, nil
	}
	if e.queries == nil {
		return "", false, fmt.Errorf("evaluate break rules: no query runner")
	}
	for i, rule := range rules {
		res, err := e.runQuery(ctx, rule.Query, params)
		if err != nil {
			return "", false, fmt.Errorf("evaluate break rule %d: %w", i, err)
		}
		if !res.Empty() {
			return rule.Stage, true, nil
		}
	}
	return "", false, nil
}

func (e *Engine) runQuery(ctx context.Context, ref string, params map[string]any) (query.Result, error) {
	cctx, cancel := e.call(ctx)
	defer cancel()
	return e.queries.Run(cctx, ref, params)
}
