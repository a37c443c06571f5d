// Package events carries diagnostic events about the bridge: node
// lifecycle transitions, publisher bind/unbind and sensor discovery.
// Subscribers (the /v1/events WebSocket, tests) receive events on
// buffered channels. The bus is nil-safe: Emit and Publish on a nil *Bus
// are no-ops, so components do not need guard checks.
//
// The bus is purely observational. Lifecycle coordination itself uses
// the synchronous observers in package node; nothing here may be relied
// on for ordering.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceNode identifies events from the node lifecycle manager.
	SourceNode = "node"
	// SourcePublisher identifies events from lifecycle-bound publishers.
	SourcePublisher = "publisher"
	// SourceSensors identifies events from the sensor registry.
	SourceSensors = "sensors"
	// SourceBridge identifies events from the start/stop facade.
	SourceBridge = "bridge"
)

// Kind constants describe the type of event within a source.
const (
	// KindNodeUp signals the node is running and observers were told.
	// Data: domain_id, node, fabric.
	KindNodeUp = "node_up"
	// KindNodeDown signals the node was torn down.
	// Data: domain_id, node.
	KindNodeDown = "node_down"
	// KindNodeFailed signals Initialize failed and was rolled back.
	// Data: domain_id, error.
	KindNodeFailed = "node_failed"

	// KindPublisherBound signals a publisher acquired a handle.
	// Data: topic, type.
	KindPublisherBound = "publisher_bound"
	// KindPublisherUnbound signals a publisher released its handle.
	// Data: topic, reason (disable, node_down, close).
	KindPublisherUnbound = "publisher_unbound"

	// KindSensorAdded signals a descriptor was wrapped.
	// Data: name, kind, topic.
	KindSensorAdded = "sensor_added"
	// KindSensorDropped signals a descriptor of an unsupported kind.
	// Data: name, kind.
	KindSensorDropped = "sensor_dropped"
	// KindSensorStarted signals a sensor stream was opened.
	// Data: name, topic.
	KindSensorStarted = "sensor_started"
	// KindSensorStopped signals a sensor stream was closed.
	// Data: name, topic.
	KindSensorStopped = "sensor_stopped"

	// KindDomainChanged signals the bridge restarted on a new domain.
	// Data: from, to.
	KindDomainChanged = "domain_changed"
)

// Event represents a single diagnostic event published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Slow subscribers miss
// events rather than blocking the publisher, which may be inside a
// lifecycle transition.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel handed to subscribers
	// back to the channel stored in subs.
	recvToSend map[<-chan Event]chan Event
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Emit stamps and publishes an event. Safe on a nil receiver.
func (b *Bus) Emit(source, kind string, data map[string]any) {
	if b == nil {
		return
	}
	b.Publish(Event{
		Timestamp: time.Now(),
		Source:    source,
		Kind:      kind,
		Data:      data,
	})
}

// Publish sends an event to all subscribers, dropping it for any
// subscriber whose channel is full. Safe on a nil receiver.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Unknown or
// already removed channels are ignored.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
