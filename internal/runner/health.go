package runner

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/qmuntal/stateless"
)

// State is the runner health state.
type State string

const (
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateDegraded State = "degraded"
	StateCooling  State = "cooling"
	StateStopped  State = "stopped"
)

type trigger string

const (
	triggerReady   trigger = "ready"
	triggerFail    trigger = "fail"
	triggerCool    trigger = "cool"
	triggerRestart trigger = "restart"
	triggerStop    trigger = "stop"
)

// Status is a point-in-time view of Health.
type Status struct {
	State     State     `json:"state"`
	Since     time.Time `json:"since"`
	LastError string    `json:"last_error,omitempty"`
	Cycles    int       `json:"cycles"`
}

// Health tracks the supervised cycle:
//
//	starting -> running -> degraded -> cooling -> starting ...
//
// Any state moves to stopped on shutdown, and stopped is final.
type Health struct {
	fsm    *stateless.StateMachine
	now    func() time.Time
	logger *slog.Logger

	mu      sync.RWMutex
	state   State
	since   time.Time
	lastErr string
	cycles  int
}

// NewHealth returns a Health in the starting state. now and logger may be nil.
func NewHealth(now func() time.Time, logger *slog.Logger) *Health {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	h := &Health{
		now:    now,
		logger: logger,
		state:  StateStarting,
		since:  now(),
	}
	h.fsm = stateless.NewStateMachineWithExternalStorage(h.getState, h.setState, stateless.FiringQueued)

	h.fsm.Configure(StateStarting).
		Permit(triggerReady, StateRunning).
		Permit(triggerFail, StateDegraded).
		Permit(triggerStop, StateStopped)
	h.fsm.Configure(StateRunning).
		Permit(triggerFail, StateDegraded).
		Permit(triggerStop, StateStopped)
	h.fsm.Configure(StateDegraded).
		Permit(triggerCool, StateCooling).
		Ignore(triggerFail).
		Permit(triggerStop, StateStopped)
	h.fsm.Configure(StateCooling).
		Permit(triggerRestart, StateStarting).
		Permit(triggerStop, StateStopped)
	h.fsm.Configure(StateStopped).
		Ignore(triggerStop)

	h.fsm.OnTransitioned(func(_ context.Context, t stateless.Transition) {
		h.logger.Info("runner health changed",
			"from", t.Source,
			"to", t.Destination,
			"trigger", t.Trigger)
	})
	return h
}

func (h *Health) getState(_ context.Context) (any, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.state, nil
}

func (h *Health) setState(_ context.Context, s any) error {
	next, ok := s.(State)
	if !ok {
		return fmt.Errorf("health: unexpected state %v", s)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if next != h.state {
		h.since = h.now()
	}
	if next == StateRunning {
		h.cycles++
	}
	h.state = next
	return nil
}

func (h *Health) fire(t trigger) error {
	if err := h.fsm.Fire(t); err != nil {
		return fmt.Errorf("health %s: %w", t, err)
	}
	return nil
}

// Ready marks a cycle as running.
func (h *Health) Ready() error { return h.fire(triggerReady) }

// Fail records err and marks the runner degraded.
func (h *Health) Fail(err error) error {
	if err != nil {
		h.mu.Lock()
		h.lastErr = err.Error()
		h.mu.Unlock()
	}
	return h.fire(triggerFail)
}

// Cool marks the cooldown before a restart.
func (h *Health) Cool() error { return h.fire(triggerCool) }

// Restart begins a new cycle.
func (h *Health) Restart() error { return h.fire(triggerRestart) }

// Stop marks the runner stopped.
func (h *Health) Stop() error { return h.fire(triggerStop) }

// State returns the current state.
func (h *Health) State() State {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.state
}

// Healthy reports whether the runner is starting or running.
func (h *Health) Healthy() bool {
	switch h.State() {
	case StateStarting, StateRunning:
		return true
	}
	return false
}

// Status returns a snapshot.
func (h *Health) Status() Status {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return Status{
		State:     h.state,
		Since:     h.since,
		LastError: h.lastErr,
		Cycles:    h.cycles,
	}
}
