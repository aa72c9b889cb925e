// Package notify implements the process-wide notification registry:
// a mapping from fully-qualified key text to the ordered list of
// sessions subscribed to it, with per-subscriber dedup on SET.
package notify

import (
	"github.com/buxton-project/buxton/internal/wire"
)

// SubscriberID identifies a registered subscriber. The caller (the
// daemon, one ID per accepted session) picks the scheme; the registry
// only compares IDs for equality.
type SubscriberID uint64

// Sender delivers a CHANGED notification to one subscriber. It is
// supplied by the daemon, which owns the session sockets.
// A non-nil error is treated as that subscriber's connection having
// failed and triggers removal of every one of its registrations.
type Sender func(id SubscriberID, key string, value wire.Value) error

type registration struct {
	subscriber SubscriberID
	last       wire.Value
}

// Registry holds every NOTIFY registration, keyed by qualified key
// text. All state is touched only from the daemon's single event-loop
// goroutine; no locking is used.
type Registry struct {
	byKey map[string][]*registration
	send  Sender
}

// NewRegistry builds a Registry that delivers CHANGED notifications
// through send.
func NewRegistry(send Sender) *Registry {
	return &Registry{byKey: make(map[string][]*registration), send: send}
}

// Notify registers subscriber for key, seeding its dedup state with
// seed — the key's value at the moment of registration, captured by
// the caller before calling Notify (the key must already exist; a
// registration is never made against an absent key). Registering the
// same subscriber for the same key twice reseeds its dedup state
// rather than duplicating the registration.
func (r *Registry) Notify(subscriber SubscriberID, key string, seed wire.Value) {
	for _, reg := range r.byKey[key] {
		if reg.subscriber == subscriber {
			reg.last = seed
			return
		}
	}
	r.byKey[key] = append(r.byKey[key], &registration{subscriber: subscriber, last: seed})
}

// Unnotify removes subscriber's registration for key. When the list
// becomes empty, the mapping itself is removed.
func (r *Registry) Unnotify(subscriber SubscriberID, key string) {
	regs := r.byKey[key]
	for i, reg := range regs {
		if reg.subscriber == subscriber {
			regs = append(regs[:i], regs[i+1:]...)
			break
		}
	}
	if len(regs) == 0 {
		delete(r.byKey, key)
		return
	}
	r.byKey[key] = regs
}

// RemoveSubscriber drops every registration belonging to subscriber,
// across all keys. Called when a session closes.
func (r *Registry) RemoveSubscriber(subscriber SubscriberID) {
	for key, regs := range r.byKey {
		for i, reg := range regs {
			if reg.subscriber == subscriber {
				regs = append(regs[:i], regs[i+1:]...)
				break
			}
		}
		if len(regs) == 0 {
			delete(r.byKey, key)
		} else {
			r.byKey[key] = regs
		}
	}
}

// Changed is called after a successful SET. It walks key's
// registration list and, for each subscriber whose last-observed
// value differs bit-for-bit from value, delivers a CHANGED
// notification and updates that subscriber's dedup state. A send
// failure terminates only that one subscriber's registrations; it
// never aborts or rolls back the triggering SET.
func (r *Registry) Changed(key string, value wire.Value) {
	regs := r.byKey[key]
	if len(regs) == 0 {
		return
	}

	var failed []SubscriberID
	for _, reg := range regs {
		if reg.last.SameBits(value) {
			continue
		}
		reg.last = value

		if err := r.send(reg.subscriber, key, value); err != nil {
			failed = append(failed, reg.subscriber)
		}
	}

	for _, id := range failed {
		r.RemoveSubscriber(id)
	}
}
