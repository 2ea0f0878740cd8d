package realtime

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/nkkko/orderfeed/pkg/proto"
)

// Callback receives a normalized event
type Callback func(proto.Event)

// Unsubscribe removes the subscription it was returned for. Calling it more
// than once is harmless.
type Unsubscribe func()

// generateID creates subscription ids, replaced in tests
var generateID = func() string {
	return uuid.New().String()
}

type handle struct {
	id       string
	kind     proto.Kind
	callback Callback
	removed  atomic.Bool
}

// registry holds subscribers per kind in registration order
type registry struct {
	mu   sync.RWMutex
	subs map[proto.Kind][]*handle
}

func newRegistry() *registry {
	return &registry{subs: make(map[proto.Kind][]*handle)}
}

func (r *registry) add(kind proto.Kind, cb Callback) *handle {
	h := &handle{id: generateID(), kind: kind, callback: cb}

	r.mu.Lock()
	r.subs[kind] = append(r.subs[kind], h)
	r.mu.Unlock()
	return h
}

// remove reports whether the handle was still registered
func (r *registry) remove(h *handle) bool {
	if !h.removed.CompareAndSwap(false, true) {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	list := r.subs[h.kind]
	for i, existing := range list {
		if existing == h {
			next := make([]*handle, 0, len(list)-1)
			next = append(next, list[:i]...)
			next = append(next, list[i+1:]...)
			if len(next) == 0 {
				delete(r.subs, h.kind)
			} else {
				r.subs[h.kind] = next
			}
			break
		}
	}
	return true
}

// snapshot returns the current subscribers of kind. The slice is never
// mutated in place, so it stays valid while callbacks run.
func (r *registry) snapshot(kind proto.Kind) []*handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.subs[kind]
}

func (r *registry) count(kind proto.Kind) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs[kind])
}
