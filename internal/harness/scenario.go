package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/funnel/internal/workflow"
)

// Scenario defines a funnel scenario.
type Scenario struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`

	// Funnels is the definitions directory, relative to the scenario file.
	Funnels string `yaml:"funnels"`

	// Clock is the RFC 3339 start time. Defaults to 2026-01-05T09:00:00Z.
	Clock string `yaml:"clock,omitempty"`

	// Location is the time zone for stage times. Defaults to UTC.
	Location string `yaml:"location,omitempty"`

	// Queries stubs query results by ref. Refs without a stub return no rows.
	Queries map[string][]map[string]any `yaml:"queries,omitempty"`

	Flow       []Step      `yaml:"flow"`
	Assertions []Assertion `yaml:"assertions"`
}

// Step is one flow action. Exactly one field is set.
type Step struct {
	Start *StartStep `yaml:"start,omitempty"`
	// Wait advances the clock by a funnel delay such as 30m or 2d.
	Wait string `yaml:"wait,omitempty"`
	// RunDue executes every due stage until none is left.
	RunDue bool `yaml:"run_due,omitempty"`
	// Queries replaces the stubs of the listed refs from here on.
	Queries map[string][]map[string]any `yaml:"queries,omitempty"`
}

// StartStep starts a funnel instance.
type StartStep struct {
	Funnel string         `yaml:"funnel"`
	Ident  string         `yaml:"ident"`
	JS     map[string]any `yaml:"js,omitempty"`
}

// Assertion validates the trace or an instance's final stage.
type Assertion struct {
	// Type is trace_contains, trace_order, trace_count or final_state.
	Type string `yaml:"type"`

	// Event is the trace event type (trace_contains, trace_count).
	Event string `yaml:"event,omitempty"`

	// Match filters events by funnel, ident, stage, next or detail.
	Match map[string]string `yaml:"match,omitempty"`

	// Count is the expected number of matching events (trace_count).
	Count int `yaml:"count,omitempty"`

	// Events lists type or type:stage entries in expected order (trace_order).
	Events []string `yaml:"events,omitempty"`

	// Funnel and Ident select the instance (final_state).
	Funnel string `yaml:"funnel,omitempty"`
	Ident  string `yaml:"ident,omitempty"`

	// Expect holds stage, open, stalled and stages (row count) (final_state).
	Expect map[string]any `yaml:"expect,omitempty"`
}

// Assertion type constants.
const (
	AssertTraceContains = "trace_contains"
	AssertTraceOrder    = "trace_order"
	AssertTraceCount    = "trace_count"
	AssertFinalState    = "final_state"
)

const defaultClock = "2026-01-05T09:00:00Z"

// LoadScenario reads and parses a scenario YAML file. Unknown fields are
// rejected. The funnels directory is resolved relative to the file.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	// Parse YAML with strict field validation (catches typos like "assertion:" vs "assertions:")
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if scenario.Funnels != "" && !filepath.IsAbs(scenario.Funnels) {
		scenario.Funnels = filepath.Join(filepath.Dir(path), scenario.Funnels)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// start returns the parsed clock start.
func (s *Scenario) start() (time.Time, error) {
	clock := s.Clock
	if clock == "" {
		clock = defaultClock
	}
	t, err := time.Parse(time.RFC3339, clock)
	if err != nil {
		return time.Time{}, fmt.Errorf("clock: %w", err)
	}
	return t, nil
}

func (s *Scenario) location() (*time.Location, error) {
	if s.Location == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(s.Location)
	if err != nil {
		return nil, fmt.Errorf("location: %w", err)
	}
	return loc, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if s.Funnels == "" {
		return fmt.Errorf("funnels directory is required")
	}
	if _, err := os.Stat(s.Funnels); err != nil {
		return fmt.Errorf("funnels directory not found: %s", s.Funnels)
	}
	if _, err := s.start(); err != nil {
		return err
	}
	if _, err := s.location(); err != nil {
		return err
	}
	if len(s.Flow) == 0 {
		return fmt.Errorf("flow list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	for i, step := range s.Flow {
		if err := validateStep(step); err != nil {
			return fmt.Errorf("flow[%d]: %w", i, err)
		}
	}
	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(step Step) error {
	set := 0
	if step.Start != nil {
		set++
		if step.Start.Funnel == "" || step.Start.Ident == "" {
			return fmt.Errorf("start needs funnel and ident")
		}
	}
	if step.Wait != "" {
		set++
		if _, err := workflow.ParseDelay(step.Wait); err != nil {
			return fmt.Errorf("wait: %w", err)
		}
	}
	if step.RunDue {
		set++
	}
	if step.Queries != nil {
		set++
	}
	if set != 1 {
		return fmt.Errorf("exactly one of start, wait, run_due or queries is required")
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertTraceContains:
		if a.Event == "" {
			return fmt.Errorf("assertions[%d]: event is required for trace_contains", index)
		}
	case AssertTraceOrder:
		if len(a.Events) == 0 {
			return fmt.Errorf("assertions[%d]: events list is required for trace_order", index)
		}
	case AssertTraceCount:
		if a.Event == "" {
			return fmt.Errorf("assertions[%d]: event is required for trace_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for trace_count", index)
		}
	case AssertFinalState:
		if a.Funnel == "" || a.Ident == "" {
			return fmt.Errorf("assertions[%d]: funnel and ident are required for final_state", index)
		}
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for final_state", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
