package registry

import (
	"sync"

	"github.com/google/uuid"
	"github.com/tribeapp/realtime/internal/event"
	"go.uber.org/zap"
)

// Callback receives a dispatched event. Callbacks run on the registry's
// dispatch goroutine and must not call Register or Unregister synchronously.
type Callback func(event.Event)

// Handle is an opaque token identifying one registration.
type Handle string

type entry struct {
	handle Handle
	fn     Callback
}

// Registry is a multicast table mapping event categories to independently
// registered callbacks. All mutation and all delivery happen on a single
// goroutine, so registrations never race in-flight delivery: once
// Unregister returns, the callback cannot fire for any event dispatched
// afterwards.
type Registry struct {
	ops    chan func()
	quit   chan struct{}
	done   chan struct{}
	stop   sync.Once
	logger *zap.Logger

	// entries is owned by the run goroutine. Order within a category is
	// registration order.
	entries map[event.Category][]entry
}

// New creates a registry and starts its dispatch goroutine.
func New(logger *zap.Logger) *Registry {
	r := &Registry{
		ops:     make(chan func(), 256),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
		logger:  logger,
		entries: make(map[event.Category][]entry),
	}
	go r.run()
	return r
}

func (r *Registry) run() {
	defer close(r.done)
	for {
		select {
		case op := <-r.ops:
			op()
		case <-r.quit:
			return
		}
	}
}

// Register adds a callback for a category and returns its handle.
// It returns only after the registration has been applied, so events
// dispatched afterwards are guaranteed to reach the callback.
func (r *Registry) Register(cat event.Category, fn Callback) Handle {
	h := Handle(uuid.NewString())
	r.exec(func() {
		r.entries[cat] = append(r.entries[cat], entry{handle: h, fn: fn})
	})
	return h
}

// Unregister removes a registration by handle. Idempotent; unknown handles
// are ignored. After it returns, no event dispatched afterwards invokes the
// callback.
func (r *Registry) Unregister(h Handle) {
	r.exec(func() {
		for cat, list := range r.entries {
			for i, e := range list {
				if e.handle == h {
					r.entries[cat] = append(list[:i:i], list[i+1:]...)
					return
				}
			}
		}
	})
}

// Dispatch delivers an event to every callback registered for its category
// at the moment delivery begins, in registration order. It does not wait
// for delivery to complete.
func (r *Registry) Dispatch(evt event.Event) {
	select {
	case r.ops <- func() { r.deliver(evt) }:
	case <-r.quit:
	}
}

// Close stops the dispatch goroutine. Pending events are discarded.
func (r *Registry) Close() {
	r.stop.Do(func() { close(r.quit) })
	<-r.done
}

// exec runs fn on the dispatch goroutine and waits for it to complete.
func (r *Registry) exec(fn func()) {
	applied := make(chan struct{})
	select {
	case r.ops <- func() { fn(); close(applied) }:
	case <-r.quit:
		return
	}
	select {
	case <-applied:
	case <-r.done:
	}
}

func (r *Registry) deliver(evt event.Event) {
	for _, e := range r.entries[evt.Category] {
		r.call(e, evt)
	}
}

// call isolates one callback so a panic cannot prevent delivery to the rest.
func (r *Registry) call(e entry, evt event.Event) {
	defer func() {
		if rec := recover(); rec != nil && r.logger != nil {
			r.logger.Error("observer callback panicked",
				zap.String("category", string(evt.Category)),
				zap.Any("panic", rec))
		}
	}()
	e.fn(evt)
}
