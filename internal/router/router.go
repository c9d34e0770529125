// Package router dispatches envelopes to registered handlers by event name.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/roach88/funnel/internal/event"
	"github.com/roach88/funnel/internal/metrics"
)

// ErrUnknownModel is returned when a handler exists for an event that has no
// payload model.
var ErrUnknownModel = event.ErrUnknownModel

// Handler processes one decoded event.
type Handler func(ctx context.Context, env event.Envelope, payload event.Payload) error

// DecodeError means an envelope could not be turned into its payload model.
// It indicates a schema or producer bug and is fatal for that message.
type DecodeError struct {
	Event string
	UUID  string
	Err   error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode event %s (uuid %s): %v", e.Event, e.UUID, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// IsDecodeError reports whether err is (or wraps) a DecodeError.
func IsDecodeError(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}

// Router holds the registration table. Register everything before the first
// Dispatch; registration after that point is still safe but unusual.
type Router struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// New creates an empty router. logger and m may be nil.
func New(logger *slog.Logger, m *metrics.Metrics) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		handlers: make(map[string]Handler),
		logger:   logger,
		metrics:  m,
	}
}

// Register binds h to the event name (matched after normalization).
// Registering a name twice is a programming error and panics.
func (r *Router) Register(name string, h Handler) {
	key := event.NormalizeName(name)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[key]; exists {
		panic(fmt.Sprintf("router: handler for %q registered twice", key))
	}
	r.handlers[key] = h
}

// Names lists registered (normalized) event names in sorted order.
func (r *Router) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for k := range r.handlers {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Dispatch runs the handler registered for env, if any.
// An envelope without a handler is dropped and reported as handled.
func (r *Router) Dispatch(ctx context.Context, env event.Envelope) error {
	name := env.Name()
	r.metrics.Event(ctx, name, "received")

	r.mu.RLock()
	h, ok := r.handlers[name]
	r.mu.RUnlock()
	if !ok {
		r.logger.Debug("no handler, dropping event", "event", env.Event, "uuid", env.UUID)
		r.metrics.Event(ctx, name, "dropped")
		return nil
	}

	payload, err := event.Decode(env)
	if err != nil {
		r.metrics.Event(ctx, name, "error")
		return &DecodeError{Event: env.Event, UUID: env.UUID, Err: err}
	}

	r.logger.Info("dispatching event", "event", env.Event, "handler", name, "uuid", env.UUID)
	if err := h(ctx, env, payload); err != nil {
		r.metrics.Event(ctx, name, "error")
		return fmt.Errorf("handle %s: %w", env.Event, err)
	}
	r.metrics.Event(ctx, name, "worked")
	return nil
}
