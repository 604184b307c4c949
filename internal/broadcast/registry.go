// Package broadcast fans completed frames out to every live subscriber.
package broadcast

import (
	"context"
	"errors"
	"reflect"

	"github.com/puzpuzpuz/xsync/v4"
)

// ErrSubscriberClosed is returned by Send on a connection that is no longer open.
var ErrSubscriberClosed = errors.New("subscriber closed")

// State is the liveness of a subscriber connection.
type State int32

const (
	StateOpen State = iota
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Subscriber is one duplex connection that receives frames. Implementations
// should be pointer types so the registry can tell a connection from a
// replacement that reuses its id.
type Subscriber interface {
	ID() string
	State() State
	// Send writes data as a single binary message.
	Send(ctx context.Context, data []byte) error
}

// Registry tracks live subscribers keyed by connection id. It is safe for
// concurrent use and never closes a connection itself.
type Registry struct {
	subs *xsync.Map[string, Subscriber]
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{subs: xsync.NewMap[string, Subscriber]()}
}

// Register adds s. Registering the same id again replaces the entry.
func (r *Registry) Register(s Subscriber) {
	r.subs.Store(s.ID(), s)
}

// Remove drops s if it is still the registered entry for its id. Removing a
// subscriber that is not registered is a no-op.
func (r *Registry) Remove(s Subscriber) {
	r.subs.Compute(s.ID(), func(old Subscriber, loaded bool) (Subscriber, xsync.ComputeOp) {
		if loaded && sameSubscriber(old, s) {
			return nil, xsync.DeleteOp
		}
		return old, xsync.CancelOp
	})
}

// sameSubscriber compares identity without panicking on non-comparable
// implementations. Those cannot be told apart, so a matching id is enough.
func sameSubscriber(a, b Subscriber) bool {
	ta, tb := reflect.TypeOf(a), reflect.TypeOf(b)
	if ta != tb {
		return false
	}
	if !ta.Comparable() {
		return true
	}
	return a == b
}

// Len returns the number of registered subscribers.
func (r *Registry) Len() int {
	return r.subs.Size()
}

// Snapshot returns the subscribers registered at call time. Each appears once.
func (r *Registry) Snapshot() []Subscriber {
	out := make([]Subscriber, 0, r.subs.Size())
	r.subs.Range(func(_ string, s Subscriber) bool {
		out = append(out, s)
		return true
	})
	return out
}

// ForEach calls fn for every subscriber in a snapshot taken at call time.
func (r *Registry) ForEach(fn func(Subscriber)) {
	for _, s := range r.Snapshot() {
		fn(s)
	}
}
