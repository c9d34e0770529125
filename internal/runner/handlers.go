package runner

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/roach88/funnel/internal/event"
	"github.com/roach88/funnel/internal/funnel"
	"github.com/roach88/funnel/internal/query"
	"github.com/roach88/funnel/internal/router"
)

// register binds workflow.start and every funnel trigger event.
func (r *Runner) register(rt *router.Router, eng Engine) {
	rt.Register(event.WorkflowStart, func(ctx context.Context, env event.Envelope, p event.Payload) error {
		req, ok := p.(event.WorkflowStartRequest)
		if !ok {
			return fmt.Errorf("unexpected payload %T", p)
		}
		if req.IdentID == "" {
			r.logger.Warn("workflow.start without ident_id", "funnel", req.Funnel, "uuid", env.UUID)
			return nil
		}
		_, err := eng.Start(ctx, req.Funnel, string(req.IdentID), req.JS)
		return err
	})

	for name, defs := range eng.Funnels().Triggers() {
		rt.Register(name, r.triggerHandler(eng, defs))
	}
}

// triggerHandler starts every funnel listening on one event name.
func (r *Runner) triggerHandler(eng Engine, defs []*funnel.Definition) router.Handler {
	return func(ctx context.Context, env event.Envelope, p event.Payload) error {
		ident, js := triggerInput(env, p)
		for _, def := range defs {
			if _, err := eng.Start(ctx, def.Name, ident, js); err != nil {
				return err
			}
		}
		return nil
	}
}

// triggerInput picks the instance identity and context of a trigger event:
// the record id and data for CDC events, else the payload id field (or the
// route key) and the whole payload.
func triggerInput(env event.Envelope, p event.Payload) (string, json.RawMessage) {
	if rc, ok := p.(event.RecordChange); ok && rc.ID != "" {
		js := rc.Data
		if len(js) == 0 {
			js = env.Payload
		}
		return string(rc.ID), js
	}
	if raw, ok := env.Field("id"); ok {
		var id event.ID
		if err := json.Unmarshal(raw, &id); err == nil && id != "" {
			return string(id), env.Payload
		}
	}
	return env.RouteKey(), env.Payload
}

// schedule adds the cycle's CDC syncs and funnel start triggers.
func (r *Runner) schedule(s *Scheduler, svc Services) error {
	for _, job := range r.cfg.Syncs {
		if svc.Syncer == nil {
			return fmt.Errorf("schedule sync %s: no syncer configured", job.Kind)
		}
		kind, syncer := job.Kind, svc.Syncer
		err := s.Add("sync:"+kind, job.Schedule, func(ctx context.Context) error {
			stats, err := syncer.Sync(ctx, kind)
			if err != nil {
				return err
			}
			r.logger.Info("sync finished",
				"kind", kind,
				"pages", stats.Pages,
				"seen", stats.Seen,
				"published", stats.Published())
			return nil
		})
		if err != nil {
			return err
		}
	}

	for _, def := range svc.Engine.Funnels().All() {
		if def.Start == nil {
			continue
		}
		if r.queries == nil {
			return fmt.Errorf("schedule funnel %s: start query needs a query runner", def.Name)
		}
		err := s.Add("start:"+def.Name, def.Start.Schedule, func(ctx context.Context) error {
			_, err := r.StartFromQuery(ctx, svc.Engine, def)
			return err
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// StartFromQuery runs the funnel's start query and starts one instance per
// row. Rows name the instance in ident_id (or id); the whole row becomes the
// instance context. It returns how many instances were started.
func (r *Runner) StartFromQuery(ctx context.Context, eng Engine, def *funnel.Definition) (int, error) {
	res, err := r.queries.Run(ctx, def.Start.Query, map[string]any{"funnel": def.Name})
	if err != nil {
		return 0, fmt.Errorf("start query %s: %w", def.Name, err)
	}
	started := 0
	for _, row := range res.Maps() {
		ident := rowIdent(row)
		if ident == "" {
			r.logger.Warn("start query row without ident_id", "funnel", def.Name)
			continue
		}
		js, err := json.Marshal(row)
		if err != nil {
			return started, fmt.Errorf("start %s/%s: %w", def.Name, ident, err)
		}
		out, err := eng.Start(ctx, def.Name, ident, js)
		if err != nil {
			return started, err
		}
		if out.Started {
			started++
		}
	}
	r.logger.Info("start trigger ran", "funnel", def.Name, "rows", len(res.Rows), "started", started)
	return started, nil
}

func rowIdent(row map[string]any) string {
	for _, key := range []string{"ident_id", "id"} {
		if v, ok := row[key]; ok && v != nil {
			return query.Cell(v)
		}
	}
	return ""
}
