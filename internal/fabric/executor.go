package fabric

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/nugget/sensorbridge/internal/metrics"
)

// SendFunc delivers one encoded payload to the transport. It is only
// called from the goroutine spinning the executor.
type SendFunc func(ctx context.Context, topic string, payload []byte) error

// Executor drains publisher outboxes to the transport. Exactly one
// goroutine may Spin it at a time.
type Executor struct {
	logger *slog.Logger
	wake   chan struct{}

	mu       sync.Mutex
	ready    []*Outbox
	nodes    []string
	spinning bool
	closed   bool
}

// NewExecutor creates an idle executor. Backends call this from
// [Context.NewExecutor].
func NewExecutor(logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		logger: logger,
		wake:   make(chan struct{}, 1),
	}
}

// Add attaches a node to the executor.
func (e *Executor) Add(n Node) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	e.nodes = append(e.nodes, n.Name())
	return nil
}

// Nodes returns the names of attached nodes.
func (e *Executor) Nodes() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.nodes...)
}

// Spin services the executor until ctx is cancelled. Cancellation is
// checked between work units (one outbox drain each), so Spin returns
// promptly once the current unit finishes. A cancelled context is a normal
// stop and returns nil.
func (e *Executor) Spin(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	if e.spinning {
		e.mu.Unlock()
		return errors.New("fabric: executor already spinning")
	}
	e.spinning = true
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.spinning = false
		e.mu.Unlock()
	}()

	for {
		if ctx.Err() != nil {
			return nil
		}
		if e.SpinOnce(ctx) {
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-e.wake:
		}
	}
}

// SpinOnce drains the oldest ready outbox, if any, and reports whether
// there was work.
func (e *Executor) SpinOnce(ctx context.Context) bool {
	e.mu.Lock()
	if len(e.ready) == 0 {
		e.mu.Unlock()
		return false
	}
	o := e.ready[0]
	e.ready[0] = nil
	e.ready = e.ready[1:]
	e.mu.Unlock()

	o.drain(ctx, e.logger)
	return true
}

// Pending returns the number of outboxes waiting to be drained.
func (e *Executor) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.ready)
}

// Close discards pending work. Outboxes created from a closed executor
// still accept payloads but never deliver them.
func (e *Executor) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	e.ready = nil
	e.nodes = nil
	return nil
}

// NewOutbox creates a keep-last outbox for topic whose payloads are sent
// with send when the executor spins.
func (e *Executor) NewOutbox(topic string, qos QoS, send SendFunc) *Outbox {
	return &Outbox{
		exec:  e,
		topic: topic,
		depth: qos.normalized().Depth,
		send:  send,
	}
}

func (e *Executor) schedule(o *Outbox) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.ready = append(e.ready, o)
	e.mu.Unlock()

	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// Outbox is the keep-last queue behind one publisher handle.
type Outbox struct {
	exec  *Executor
	topic string
	depth int
	send  SendFunc

	mu      sync.Mutex
	buf     [][]byte
	queued  bool
	closed  bool
	dropped uint64
}

// Push enqueues payload, evicting the oldest payload when the outbox
// already holds depth entries.
func (o *Outbox) Push(payload []byte) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return ErrClosed
	}
	if len(o.buf) >= o.depth {
		o.buf[0] = nil
		o.buf = o.buf[1:]
		o.dropped++
		metrics.MessagesDroppedTotal.WithLabelValues(o.topic, metrics.DropQueueFull).Inc()
	}
	o.buf = append(o.buf, payload)
	schedule := !o.queued
	o.queued = true
	o.mu.Unlock()

	if schedule {
		o.exec.schedule(o)
	}
	return nil
}

// Dropped returns how many payloads were evicted by the keep-last policy.
func (o *Outbox) Dropped() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.dropped
}

// Close stops the outbox. Queued payloads are discarded.
func (o *Outbox) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closed = true
	o.buf = nil
}

func (o *Outbox) drain(ctx context.Context, logger *slog.Logger) {
	o.mu.Lock()
	batch := o.buf
	o.buf = nil
	o.queued = false
	closed := o.closed
	o.mu.Unlock()

	if closed {
		return
	}
	for _, payload := range batch {
		if err := o.send(ctx, o.topic, payload); err != nil {
			metrics.MessagesDroppedTotal.WithLabelValues(o.topic, metrics.DropTransport).Inc()
			logger.Debug("fabric send failed", "topic", o.topic, "error", err)
			continue
		}
		metrics.MessagesPublishedTotal.WithLabelValues(o.topic).Inc()
		logger.Log(ctx, slog.Level(-8), "fabric payload sent", // config.LevelTrace
			"topic", o.topic, "bytes", len(payload))
	}
}

// OutboxHandle is a [Handle] backed by an [Outbox]. Backends return it
// from [Node.CreatePublisher], passing a release func that withdraws the
// publisher's advertisement.
type OutboxHandle struct {
	outbox   *Outbox
	typeName string
	once     sync.Once
	release  func()
}

// NewOutboxHandle wraps outbox. release may be nil.
func NewOutboxHandle(outbox *Outbox, typeName string, release func()) *OutboxHandle {
	return &OutboxHandle{outbox: outbox, typeName: typeName, release: release}
}

func (h *OutboxHandle) Topic() string    { return h.outbox.topic }
func (h *OutboxHandle) TypeName() string { return h.typeName }

// Publish implements [Handle].
func (h *OutboxHandle) Publish(payload []byte) error {
	return h.outbox.Push(payload)
}

// Dropped returns the outbox's keep-last evictions.
func (h *OutboxHandle) Dropped() uint64 { return h.outbox.Dropped() }

// Close implements [Handle]. It is idempotent.
func (h *OutboxHandle) Close() error {
	h.once.Do(func() {
		h.outbox.Close()
		if h.release != nil {
			h.release()
		}
	})
	return nil
}
