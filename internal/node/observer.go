package node

import (
	"sync/atomic"

	"github.com/nugget/sensorbridge/internal/fabric"
)

// UpEvent is delivered after the node and executor exist and the service
// goroutine is running. Node is usable for the duration of the callback
// and until the matching [DownEvent].
type UpEvent struct {
	DomainID int
	Node     fabric.Node
}

// DownEvent is delivered before the node, executor and context are
// destroyed. It deliberately carries no node: observers must only
// release what they already hold.
type DownEvent struct {
	DomainID int
}

// Observer receives node lifecycle events. Both methods run synchronously
// on the goroutine calling [Manager.Initialize] or [Manager.Shutdown].
// Observers are notified in registration order but must not depend on
// it; each must be idempotent.
type Observer interface {
	NodeUp(UpEvent)
	NodeDown(DownEvent)
}

// Registration is the back-reference returned by [Manager.AddObserver].
// Once released, later notifications skip the observer.
type Registration struct {
	id       uint64
	m        *Manager
	released atomic.Bool
}

// Unregister removes the observer. It is idempotent and safe on nil.
func (r *Registration) Unregister() {
	if r == nil {
		return
	}
	if r.released.CompareAndSwap(false, true) {
		r.m.removeObserver(r.id)
	}
}

// Active reports whether the registration has not been released.
func (r *Registration) Active() bool {
	return r != nil && !r.released.Load()
}
