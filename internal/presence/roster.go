// Package presence tracks which participants the relay reports as online.
package presence

import (
	"slices"
	"sync"

	"github.com/1ureka/p2pcall/internal/protocol"
)

// Subscriber is the part of the relay channel the roster listens on.
type Subscriber interface {
	Subscribe(t protocol.EventType, fn func(*protocol.Event)) func()
}

// Roster holds the latest onlineUsers snapshot.
type Roster struct {
	mu       sync.RWMutex
	online   map[protocol.ParticipantID]struct{}
	onChange func([]protocol.ParticipantID)
}

// NewRoster creates an empty roster. onChange, if set, is called with the
// new list after every update.
func NewRoster(onChange func([]protocol.ParticipantID)) *Roster {
	return &Roster{
		online:   make(map[protocol.ParticipantID]struct{}),
		onChange: onChange,
	}
}

// Attach keeps the roster in sync with onlineUsers events on sub and
// returns the unsubscribe function.
func (r *Roster) Attach(sub Subscriber) func() {
	return sub.Subscribe(protocol.TypeOnlineUsers, func(evt *protocol.Event) {
		r.Update(evt.Online)
	})
}

// Update replaces the roster with ids.
func (r *Roster) Update(ids []protocol.ParticipantID) {
	r.mu.Lock()
	r.online = make(map[protocol.ParticipantID]struct{}, len(ids))
	for _, id := range ids {
		r.online[id] = struct{}{}
	}
	r.mu.Unlock()

	if r.onChange != nil {
		r.onChange(r.Online())
	}
}

// Online returns the online participants in ascending order.
func (r *Roster) Online() []protocol.ParticipantID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]protocol.ParticipantID, 0, len(r.online))
	for id := range r.online {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// IsOnline reports whether id was in the latest snapshot.
func (r *Roster) IsOnline(id protocol.ParticipantID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.online[id]
	return ok
}
