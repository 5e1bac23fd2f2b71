// Package bus is an in-process fan-out dispatcher for security events. It
// is not on the critical path for trigger evaluation (the durable stream
// owns that); handlers registered here receive a best-effort mirror of
// every published event, used for the audit sink. The live channel is fed
// by the executor directly, not through the bus.
package bus

import (
	"context"
	"fmt"
	"sync"

	"github.com/r3e-network/soar-core/internal/domain"
	"github.com/r3e-network/soar-core/pkg/logger"
)

// Handler processes a published event.
type Handler interface {
	// Handle processes event. A returned error is logged but never
	// propagated back to the publisher: handlers are fire-and-forget.
	Handle(ctx context.Context, event domain.Event) error

	// EventTypes returns the event type names this handler subscribes to.
	// An empty slice subscribes to every type.
	EventTypes() []string
}

// Filter decides whether a published event reaches a registered handler.
type Filter struct {
	EventTypes []string
}

// Match reports whether event satisfies f.
func (f *Filter) Match(event domain.Event) bool {
	if len(f.EventTypes) == 0 {
		return true
	}
	for _, t := range f.EventTypes {
		if t == event.Type {
			return true
		}
	}
	return false
}

// registration pairs a handler with its filter under a stable id.
type registration struct {
	id      string
	handler Handler
	filter  *Filter
}

// Bus fans a published event out to every registered handler whose filter
// matches. Dispatch is synchronous and best-effort: a handler failure is
// logged and does not block or fail the other handlers.
type Bus struct {
	mu           sync.RWMutex
	handlers     map[string]*registration
	log          *logger.Logger
	delivered    int64
	handlerFails int64
}

// New returns an empty Bus.
func New(log *logger.Logger) *Bus {
	if log == nil {
		log = logger.NewDefault("bus")
	}
	return &Bus{handlers: make(map[string]*registration), log: log}
}

// Register adds handler under id, replacing any existing registration with
// the same id.
func (b *Bus) Register(id string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[id] = &registration{
		id:      id,
		handler: handler,
		filter:  &Filter{EventTypes: handler.EventTypes()},
	}
	b.log.WithField("handler_id", id).WithField("event_types", handler.EventTypes()).Info("bus handler registered")
}

// Unregister removes the handler registered under id, if any.
func (b *Bus) Unregister(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers, id)
}

// Publish delivers event to every matching handler. Handler errors are
// logged and aggregated for the caller's visibility but never stop
// delivery to the remaining handlers.
func (b *Bus) Publish(ctx context.Context, event domain.Event) []error {
	b.mu.RLock()
	matched := make([]*registration, 0, len(b.handlers))
	for _, reg := range b.handlers {
		if reg.filter.Match(event) {
			matched = append(matched, reg)
		}
	}
	b.mu.RUnlock()

	var errs []error
	for _, reg := range matched {
		if err := reg.handler.Handle(ctx, event); err != nil {
			b.mu.Lock()
			b.handlerFails++
			b.mu.Unlock()
			wrapped := fmt.Errorf("bus handler %s: %w", reg.id, err)
			errs = append(errs, wrapped)
			b.log.WithField("handler_id", reg.id).WithField("event_type", event.Type).WithError(err).Error("bus handler failed")
		}
	}

	b.mu.Lock()
	b.delivered++
	b.mu.Unlock()
	return errs
}

// Stats is a snapshot of bus throughput, surfaced for diagnostics.
type Stats struct {
	HandlerCount  int
	Delivered     int64
	HandlerErrors int64
}

// Stats returns a snapshot of the bus's counters.
func (b *Bus) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return Stats{
		HandlerCount:  len(b.handlers),
		Delivered:     b.delivered,
		HandlerErrors: b.handlerFails,
	}
}
