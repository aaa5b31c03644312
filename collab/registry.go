package collab

import (
	"runtime/debug"
	"sync"

	log "github.com/sirupsen/logrus"

	"collab-service/domain"
)

// Handler consumes collaboration events. Handlers run synchronously on the
// emitting goroutine; a panicking handler is recovered and logged without
// affecting the remaining handlers.
type Handler func(domain.CollaborationEvent)

type subscription struct {
	id      uint64
	handler Handler
}

// EventRegistry fans collaboration events out to registered handlers.
// Handlers for a kind run in registration order, followed by any wildcard
// handlers.
type EventRegistry struct {
	mu       sync.RWMutex
	nextID   uint64
	byKind   map[domain.EventKind][]subscription
	wildcard []subscription
	logger   *log.Logger
}

func NewEventRegistry(logger *log.Logger) *EventRegistry {
	return &EventRegistry{
		byKind: make(map[domain.EventKind][]subscription),
		logger: logger,
	}
}

// On registers handler for one event kind and returns an id for Off.
func (r *EventRegistry) On(kind domain.EventKind, h Handler) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	r.byKind[kind] = append(r.byKind[kind], subscription{id: r.nextID, handler: h})
	return r.nextID
}

// OnAll registers handler for every event kind and returns an id for Off.
func (r *EventRegistry) OnAll(h Handler) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	r.wildcard = append(r.wildcard, subscription{id: r.nextID, handler: h})
	return r.nextID
}

// Off removes the subscription with the given id. It accepts ids from both
// On and OnAll and reports whether anything was removed.
func (r *EventRegistry) Off(id uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for kind, subs := range r.byKind {
		for i, s := range subs {
			if s.id == id {
				r.byKind[kind] = append(subs[:i], subs[i+1:]...)
				return true
			}
		}
	}
	for i, s := range r.wildcard {
		if s.id == id {
			r.wildcard = append(r.wildcard[:i], r.wildcard[i+1:]...)
			return true
		}
	}
	return false
}

// Emit delivers ev to every matching handler. Delivery continues past
// handler panics.
func (r *EventRegistry) Emit(ev domain.CollaborationEvent) {
	r.mu.RLock()
	subs := make([]subscription, 0, len(r.byKind[ev.Kind])+len(r.wildcard))
	subs = append(subs, r.byKind[ev.Kind]...)
	subs = append(subs, r.wildcard...)
	r.mu.RUnlock()

	for _, s := range subs {
		r.dispatch(s, ev)
	}
}

func (r *EventRegistry) dispatch(s subscription, ev domain.CollaborationEvent) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.WithFields(log.Fields{"type": ev.Kind, "panic": rec}).Error("event handler panicked")
			r.logger.Debug(string(debug.Stack()))
		}
	}()
	s.handler(ev)
}

// Clear drops every subscription.
func (r *EventRegistry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byKind = make(map[domain.EventKind][]subscription)
	r.wildcard = nil
}

// HandlerCount reports how many handlers are registered across all kinds.
func (r *EventRegistry) HandlerCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := len(r.wildcard)
	for _, subs := range r.byKind {
		n += len(subs)
	}
	return n
}
