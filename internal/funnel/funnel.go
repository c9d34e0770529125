// Package funnel defines funnels: named sets of stages a workflow instance
// walks through, with delays, weekday times and break rules.
//
// Definitions are written in YAML or CUE and loaded from a directory:
//
//	name: onboarding
//	first: remind
//	break:
//	  - query: inactive.sql
//	    stage: farewell
//	stages:
//	  remind:
//	    query: remind.sql
//	    next: offer
//	    delay: 2d
//	  offer:
//	    next: farewell
//	    time: fri 18:00
//	  farewell: {}
package funnel

import (
	"fmt"
	"sort"
	"strings"

	"github.com/roach88/funnel/internal/event"
)

// DefaultEvent keys instances started by workflow.start requests.
const DefaultEvent = event.WorkflowStart

// Definition is one funnel.
type Definition struct {
	Name  string `yaml:"name" json:"name"`
	Desc  string `yaml:"desc,omitempty" json:"desc,omitempty"`
	Event string `yaml:"event,omitempty" json:"event,omitempty"`
	First string `yaml:"first" json:"first"`
	Debug bool   `yaml:"debug,omitempty" json:"debug,omitempty"`

	// Start optionally opens instances on a cron schedule for every
	// ident_id returned by a query.
	Start *StartTrigger `yaml:"start,omitempty" json:"start,omitempty"`

	// Break rules are evaluated in order before each stage runs.
	Break []BreakRule `yaml:"break,omitempty" json:"break,omitempty"`

	Stages map[string]Stage `yaml:"stages" json:"stages"`

	// Source is the file the definition came from.
	Source string `yaml:"-" json:"-"`
}

// StartTrigger opens instances from a scheduled query.
type StartTrigger struct {
	Schedule string `yaml:"schedule" json:"schedule"`
	Query    string `yaml:"query" json:"query"`
}

// BreakRule redirects the instance to Stage when Query returns rows.
type BreakRule struct {
	Query string `yaml:"query" json:"query"`
	Stage string `yaml:"stage" json:"stage"`
}

// Stage is one step of a funnel. Without Next the instance ends after it.
type Stage struct {
	Name  string `yaml:"-" json:"-"`
	Desc  string `yaml:"desc,omitempty" json:"desc,omitempty"`
	Query string `yaml:"query,omitempty" json:"query,omitempty"`
	Next  string `yaml:"next,omitempty" json:"next,omitempty"`
	Delay string `yaml:"delay,omitempty" json:"delay,omitempty"`
	Time  string `yaml:"time,omitempty" json:"time,omitempty"`
}

// Terminal reports whether the instance ends after this stage.
func (s Stage) Terminal() bool {
	return s.Next == ""
}

// EventName returns the event column value for the funnel's instances.
func (d *Definition) EventName() string {
	if d.Event == "" {
		return DefaultEvent
	}
	return d.Event
}

// Stage returns the named stage.
func (d *Definition) Stage(name string) (Stage, bool) {
	s, ok := d.Stages[name]
	if ok {
		s.Name = name
	}
	return s, ok
}

// StageNames returns stage names in sorted order.
func (d *Definition) StageNames() []string {
	names := make([]string, 0, len(d.Stages))
	for name := range d.Stages {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// StageCheck validates one stage beyond structure, e.g. schedule syntax.
type StageCheck func(Stage) error

// Validate checks structure: a first stage that exists, next and break
// targets that exist. check, if non-nil, runs on every stage.
// All problems are returned.
func (d *Definition) Validate(check StageCheck) []error {
	var errs []error
	fail := func(field, format string, args ...any) {
		errs = append(errs, &Error{Source: d.Source, Funnel: d.Name, Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if d.Name == "" {
		fail("name", "name is required")
	} else if strings.ContainsAny(d.Name, "/\\ ") {
		fail("name", "name %q must not contain spaces or slashes", d.Name)
	}
	if len(d.Stages) == 0 {
		fail("stages", "at least one stage is required")
		return errs
	}
	if d.First == "" {
		fail("first", "first stage is required")
	} else if _, ok := d.Stages[d.First]; !ok {
		fail("first", "unknown stage %q", d.First)
	}

	for i, rule := range d.Break {
		field := fmt.Sprintf("break[%d]", i)
		if strings.TrimSpace(rule.Query) == "" {
			fail(field+".query", "query is required")
		}
		if _, ok := d.Stages[rule.Stage]; !ok {
			fail(field+".stage", "unknown stage %q", rule.Stage)
		}
	}

	if d.Start != nil {
		if d.Start.Schedule == "" {
			fail("start.schedule", "schedule is required")
		}
		if strings.TrimSpace(d.Start.Query) == "" {
			fail("start.query", "query is required")
		}
	}

	for _, name := range d.StageNames() {
		st, _ := d.Stage(name)
		field := "stages." + name
		if st.Next != "" {
			if _, ok := d.Stages[st.Next]; !ok {
				fail(field+".next", "unknown stage %q", st.Next)
			}
		} else if st.Delay != "" || st.Time != "" {
			fail(field, "delay and time need a next stage")
		}
		if check != nil {
			if err := check(st); err != nil {
				fail(field, "%v", err)
			}
		}
	}
	return errs
}

// Error is a definition problem with its location.
type Error struct {
	Source  string
	Line    int
	Funnel  string
	Field   string
	Message string
}

func (e *Error) Error() string {
	var loc []string
	if e.Source != "" {
		if e.Line > 0 {
			loc = append(loc, fmt.Sprintf("%s:%d", e.Source, e.Line))
		} else {
			loc = append(loc, e.Source)
		}
	}
	if e.Funnel != "" {
		path := e.Funnel
		if e.Field != "" {
			path += "." + e.Field
		}
		loc = append(loc, path)
	} else if e.Field != "" {
		loc = append(loc, e.Field)
	}
	if len(loc) == 0 {
		return e.Message
	}
	return strings.Join(loc, ": ") + ": " + e.Message
}

// Set is a validated collection of funnels keyed by name.
type Set struct {
	byName map[string]*Definition
}

// NewSet builds a Set, rejecting duplicate names. Definitions are not
// validated here; see Load.
func NewSet(defs ...*Definition) (*Set, error) {
	s := &Set{byName: make(map[string]*Definition, len(defs))}
	for _, d := range defs {
		if prev, ok := s.byName[d.Name]; ok {
			return nil, &Error{Source: d.Source, Funnel: d.Name, Message: fmt.Sprintf("duplicate funnel, first defined in %s", prev.Source)}
		}
		s.byName[d.Name] = d
	}
	return s, nil
}

// Get returns the named funnel.
func (s *Set) Get(name string) (*Definition, bool) {
	if s == nil {
		return nil, false
	}
	d, ok := s.byName[name]
	return d, ok
}

// Names returns funnel names in sorted order.
func (s *Set) Names() []string {
	if s == nil {
		return nil
	}
	names := make([]string, 0, len(s.byName))
	for name := range s.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// All returns the funnels in name order.
func (s *Set) All() []*Definition {
	names := s.Names()
	out := make([]*Definition, len(names))
	for i, name := range names {
		out[i] = s.byName[name]
	}
	return out
}

// Triggers returns funnels keyed by the event names that start them,
// excluding the default workflow.start event. Names are normalized.
func (s *Set) Triggers() map[string][]*Definition {
	out := make(map[string][]*Definition)
	for _, d := range s.All() {
		if d.Event == "" || event.NormalizeName(d.Event) == event.NormalizeName(DefaultEvent) {
			continue
		}
		key := event.NormalizeName(d.Event)
		out[key] = append(out[key], d)
	}
	return out
}
