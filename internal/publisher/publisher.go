// Package publisher provides a publishing endpoint whose transport handle
// exists only while the node is running and the publisher is enabled.
//
// "Wants to publish" (enabled) is kept separate from "is able to"
// (bound), so sensors can enable their publishers before any node exists
// and keep them across node restarts. The publisher registers itself
// with the node manager once and binds or unbinds on NodeUp/NodeDown.
package publisher

import (
	"context"
	"log/slog"
	"sync"

	"github.com/nugget/sensorbridge/internal/events"
	"github.com/nugget/sensorbridge/internal/fabric"
	"github.com/nugget/sensorbridge/internal/metrics"
	"github.com/nugget/sensorbridge/internal/msgs"
	"github.com/nugget/sensorbridge/internal/node"
)

// NodeSource is the part of [node.Manager] a publisher depends on.
type NodeSource interface {
	// Node returns the running node or nil.
	Node() fabric.Node
	AddObserver(node.Observer) *node.Registration
}

// State is the binding state of a [Publisher].
type State int

const (
	// Disabled: no handle and not wanting one.
	Disabled State = iota
	// WaitingForNode: enabled, no node yet; binds on the next NodeUp.
	WaitingForNode
	// Bound: enabled and holding a handle.
	Bound
)

func (s State) String() string {
	switch s {
	case Disabled:
		return "disabled"
	case WaitingForNode:
		return "waiting_for_node"
	case Bound:
		return "bound"
	default:
		return "unknown"
	}
}

// Status is a diagnostic snapshot of a publisher.
type Status struct {
	Topic    string     `json:"topic"`
	TypeName string     `json:"type"`
	State    string     `json:"state"`
	Encoding string     `json:"encoding"`
	QoS      fabric.QoS `json:"qos"`
	// Dropped counts payloads the keep-last queue evicted since the
	// current bind.
	Dropped uint64 `json:"dropped"`
}

// dropCounter is implemented by handles that queue payloads.
type dropCounter interface {
	Dropped() uint64
}

type options struct {
	qos    fabric.QoS
	codec  msgs.Codec
	logger *slog.Logger
	bus    *events.Bus
}

// Option configures a [Publisher].
type Option func(*options)

// WithQoS sets the delivery policy. Defaults to [fabric.DefaultQoS].
func WithQoS(qos fabric.QoS) Option {
	return func(o *options) { o.qos = qos }
}

// WithCodec sets the wire codec. Defaults to [msgs.JSON].
func WithCodec(c msgs.Codec) Option {
	return func(o *options) {
		if c != nil {
			o.codec = c
		}
	}
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithEvents publishes bind/unbind transitions to bus.
func WithEvents(bus *events.Bus) Option {
	return func(o *options) { o.bus = bus }
}

// Publisher publishes messages of kind T on one topic. It is created
// disabled. A Publisher must not be copied after first use; pass it by
// pointer, which also lets ownership move freely before or after binding.
type Publisher[T msgs.Message] struct {
	nodes    NodeSource
	topic    string
	typeName string
	opts     options

	mu      sync.RWMutex
	enabled bool
	closed  bool
	handle  fabric.Handle
	reg     *node.Registration
}

// New creates a disabled publisher for topic.
func New[T msgs.Message](nodes NodeSource, topic string, opts ...Option) *Publisher[T] {
	o := options{
		qos:    fabric.DefaultQoS(),
		codec:  msgs.JSON{},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	var zero T
	return &Publisher[T]{
		nodes:    nodes,
		topic:    topic,
		typeName: zero.TypeName(),
		opts:     o,
	}
}

// Topic returns the configured topic.
func (p *Publisher[T]) Topic() string { return p.topic }

// Enable marks the publisher as wanting a handle. It binds immediately
// when the node is running and otherwise waits for the next NodeUp.
// Enabling a bound publisher is a no-op.
func (p *Publisher[T]) Enable() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		p.opts.logger.Warn("enable on closed publisher ignored", "topic", p.topic)
		return
	}
	p.opts.logger.Debug("publisher enable requested", "topic", p.topic)
	p.enabled = true

	// Register before looking at the node: a NodeUp racing with this
	// call either sees the registration or happened before Node() below.
	if p.reg == nil {
		p.reg = p.nodes.AddObserver(observer[T]{p})
	}
	if p.handle != nil {
		return
	}
	if n := p.nodes.Node(); n != nil {
		p.bindLocked(n)
		return
	}
	p.opts.logger.Debug("publisher waiting for node", "topic", p.topic)
}

// Disable releases any handle and stops the publisher from binding
// again until the next Enable. It is idempotent.
func (p *Publisher[T]) Disable() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.opts.logger.Debug("publisher disable requested", "topic", p.topic)
	p.enabled = false
	p.releaseLocked("disable")
}

// Close disables the publisher and releases its node registration. A
// closed publisher cannot be enabled again.
func (p *Publisher[T]) Close() error {
	p.mu.Lock()
	p.enabled = false
	p.releaseLocked("close")
	p.closed = true
	reg := p.reg
	p.reg = nil
	p.mu.Unlock()

	reg.Unregister()
	return nil
}

// Publish encodes msg and hands it to the transport when bound. When
// unbound it does nothing; callers never need to check the state first.
func (p *Publisher[T]) Publish(msg T) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.handle == nil {
		metrics.MessagesDroppedTotal.WithLabelValues(p.topic, metrics.DropUnbound).Inc()
		return
	}
	payload, err := p.opts.codec.Marshal(msg)
	if err != nil {
		metrics.MessagesDroppedTotal.WithLabelValues(p.topic, metrics.DropEncode).Inc()
		p.opts.logger.Debug("publisher encode failed", "topic", p.topic, "error", err)
		return
	}
	if err := p.handle.Publish(payload); err != nil {
		metrics.MessagesDroppedTotal.WithLabelValues(p.topic, metrics.DropTransport).Inc()
		p.opts.logger.Debug("publisher enqueue failed", "topic", p.topic, "error", err)
		return
	}
	p.opts.logger.Log(context.Background(), slog.Level(-8), "publisher enqueued", // config.LevelTrace
		"topic", p.topic, "bytes", len(payload))
}

// Enabled reports whether the publisher wants a handle.
func (p *Publisher[T]) Enabled() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.enabled
}

// Bound reports whether the publisher holds a handle.
func (p *Publisher[T]) Bound() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.handle != nil
}

// State returns the binding state.
func (p *Publisher[T]) State() State {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.stateLocked()
}

// Status returns a diagnostic snapshot.
func (p *Publisher[T]) Status() Status {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s := Status{
		Topic:    p.topic,
		TypeName: p.typeName,
		State:    p.stateLocked().String(),
		Encoding: p.opts.codec.Name(),
		QoS:      p.opts.qos,
	}
	if dc, ok := p.handle.(dropCounter); ok {
		s.Dropped = dc.Dropped()
	}
	return s
}

func (p *Publisher[T]) stateLocked() State {
	switch {
	case p.handle != nil:
		return Bound
	case p.enabled:
		return WaitingForNode
	default:
		return Disabled
	}
}

func (p *Publisher[T]) nodeUp(e node.UpEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || !p.enabled || p.handle != nil {
		return
	}
	p.bindLocked(e.Node)
}

func (p *Publisher[T]) nodeDown(node.DownEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.releaseLocked("node_down")
}

// bindLocked creates the handle. A failure leaves the publisher waiting
// for the next NodeUp.
func (p *Publisher[T]) bindLocked(n fabric.Node) {
	h, err := n.CreatePublisher(p.topic, p.typeName, p.opts.qos)
	if err != nil {
		p.opts.logger.Warn("publisher bind failed", "topic", p.topic, "node", n.Name(), "error", err)
		return
	}
	p.handle = h
	metrics.PublisherBound.WithLabelValues(p.topic).Set(1)
	p.opts.logger.Info("publisher bound", "topic", p.topic, "type", p.typeName, "node", n.Name())
	p.opts.bus.Emit(events.SourcePublisher, events.KindPublisherBound, map[string]any{
		"topic": p.topic,
		"type":  p.typeName,
	})
}

func (p *Publisher[T]) releaseLocked(reason string) {
	if p.handle == nil {
		return
	}
	if err := p.handle.Close(); err != nil {
		p.opts.logger.Warn("publisher handle close failed", "topic", p.topic, "error", err)
	}
	p.handle = nil
	metrics.PublisherBound.WithLabelValues(p.topic).Set(0)
	p.opts.logger.Info("publisher unbound", "topic", p.topic, "reason", reason)
	p.opts.bus.Emit(events.SourcePublisher, events.KindPublisherUnbound, map[string]any{
		"topic":  p.topic,
		"reason": reason,
	})
}

// observer keeps NodeUp/NodeDown off the publisher's exported API.
type observer[T msgs.Message] struct {
	p *Publisher[T]
}

func (o observer[T]) NodeUp(e node.UpEvent)     { o.p.nodeUp(e) }
func (o observer[T]) NodeDown(e node.DownEvent) { o.p.nodeDown(e) }
