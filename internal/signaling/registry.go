package signaling

import (
	"slices"
	"sync"

	"github.com/1ureka/p2pcall/internal/protocol"
)

// Handler consumes one relay event.
type Handler = func(*protocol.Event)

// registry maintains the event-type → handlers table. The read loop uses it
// to fan incoming events out to subscribers.
type registry struct {
	mu     sync.Mutex
	nextID uint64
	routes map[protocol.EventType]map[uint64]Handler
}

func newRegistry() *registry {
	return &registry{routes: make(map[protocol.EventType]map[uint64]Handler)}
}

// subscribe registers fn for events of type t and returns the function
// that removes it. The returned function is idempotent.
func (r *registry) subscribe(t protocol.EventType, fn Handler) func() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	id := r.nextID
	if r.routes[t] == nil {
		r.routes[t] = make(map[uint64]Handler)
	}
	r.routes[t][id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			delete(r.routes[t], id)
			if len(r.routes[t]) == 0 {
				delete(r.routes, t)
			}
		})
	}
}

// dispatch delivers evt to every handler of its type, outside the lock, in
// subscription order. It reports whether anyone was listening.
func (r *registry) dispatch(evt *protocol.Event) bool {
	r.mu.Lock()
	ids := make([]uint64, 0, len(r.routes[evt.Type]))
	for id := range r.routes[evt.Type] {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	handlers := make([]Handler, 0, len(ids))
	for _, id := range ids {
		handlers = append(handlers, r.routes[evt.Type][id])
	}
	r.mu.Unlock()

	for _, h := range handlers {
		h(evt)
	}
	return len(handlers) > 0
}

// count returns the number of handlers registered for t.
func (r *registry) count(t protocol.EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.routes[t])
}
