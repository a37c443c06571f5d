package fabric

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Delivery is one payload delivered by the [Loopback] backend.
type Delivery struct {
	Domain   int
	Node     string
	Topic    string
	TypeName string
	Payload  []byte
}

// Stats counts the resources created and closed through a [Loopback].
type Stats struct {
	ContextsCreated  int
	ContextsClosed   int
	NodesCreated     int
	NodesClosed      int
	ExecutorsCreated int
	ExecutorsClosed  int
	HandlesCreated   int
	HandlesClosed    int
	Sent             int
}

// Balanced reports whether every created resource has been closed.
func (s Stats) Balanced() bool {
	return s.ContextsCreated == s.ContextsClosed &&
		s.NodesCreated == s.NodesClosed &&
		s.ExecutorsCreated == s.ExecutorsClosed &&
		s.HandlesCreated == s.HandlesClosed
}

// Stage names a creation step that [Loopback.FailAt] can make fail.
type Stage string

const (
	StageContext   Stage = "context"
	StageNode      Stage = "node"
	StageExecutor  Stage = "executor"
	StagePublisher Stage = "publisher"
)

// Loopback is an in-process [Middleware]. Payloads are delivered to
// subscribers registered with [Loopback.Subscribe] for the same domain
// and topic. Slow subscribers miss payloads rather than block the
// executor.
type Loopback struct {
	logger *slog.Logger

	mu       sync.Mutex
	subs     map[string]map[chan Delivery]struct{}
	chanKeys map[<-chan Delivery]string
	chans    map[<-chan Delivery]chan Delivery
	stats    Stats
	failures map[Stage]error
}

// NewLoopback creates an in-process middleware.
func NewLoopback(logger *slog.Logger) *Loopback {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loopback{
		logger:   logger,
		subs:     make(map[string]map[chan Delivery]struct{}),
		chanKeys: make(map[<-chan Delivery]string),
		chans:    make(map[<-chan Delivery]chan Delivery),
		failures: make(map[Stage]error),
	}
}

func (l *Loopback) Name() string { return "loopback" }

// FailAt makes the next creation at stage return err. A nil err clears it.
func (l *Loopback) FailAt(stage Stage, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err == nil {
		delete(l.failures, stage)
		return
	}
	l.failures[stage] = err
}

// Stats returns a snapshot of the resource counters.
func (l *Loopback) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stats
}

// Subscribe returns a channel receiving payloads published on topic in
// domainID. The caller must eventually call [Loopback.Unsubscribe].
func (l *Loopback) Subscribe(domainID int, topic string, bufSize int) <-chan Delivery {
	key := subKey(domainID, topic)
	ch := make(chan Delivery, bufSize)

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.subs[key] == nil {
		l.subs[key] = make(map[chan Delivery]struct{})
	}
	l.subs[key][ch] = struct{}{}
	l.chanKeys[ch] = key
	l.chans[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes its channel. Unknown
// channels are ignored.
func (l *Loopback) Unsubscribe(ch <-chan Delivery) {
	l.mu.Lock()
	defer l.mu.Unlock()
	sendCh, ok := l.chans[ch]
	if !ok {
		return
	}
	key := l.chanKeys[ch]
	delete(l.subs[key], sendCh)
	if len(l.subs[key]) == 0 {
		delete(l.subs, key)
	}
	delete(l.chanKeys, ch)
	delete(l.chans, ch)
	close(sendCh)
}

// NewContext implements [Middleware].
func (l *Loopback) NewContext(_ context.Context, domainID int) (Context, error) {
	if err := l.take(StageContext); err != nil {
		return nil, err
	}
	l.count(func(s *Stats) { s.ContextsCreated++ })
	return &loopbackContext{l: l, domain: domainID}, nil
}

func (l *Loopback) take(stage Stage) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	err, ok := l.failures[stage]
	if !ok {
		return nil
	}
	delete(l.failures, stage)
	return err
}

func (l *Loopback) count(fn func(*Stats)) {
	l.mu.Lock()
	fn(&l.stats)
	l.mu.Unlock()
}

func (l *Loopback) deliver(d Delivery) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stats.Sent++
	for ch := range l.subs[subKey(d.Domain, d.Topic)] {
		select {
		case ch <- d:
		default:
		}
	}
}

func subKey(domainID int, topic string) string {
	return fmt.Sprintf("%d/%s", domainID, topic)
}

type loopbackContext struct {
	l      *Loopback
	domain int

	mu     sync.Mutex
	exec   *Executor
	closed bool
}

func (c *loopbackContext) DomainID() int { return c.domain }

func (c *loopbackContext) NewNode(name string) (Node, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	if err := c.l.take(StageNode); err != nil {
		return nil, err
	}
	c.l.count(func(s *Stats) { s.NodesCreated++ })
	return &loopbackNode{ctx: c, name: name}, nil
}

func (c *loopbackContext) NewExecutor() (*Executor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	if c.exec != nil {
		return nil, fmt.Errorf("loopback: context for domain %d already has an executor", c.domain)
	}
	if err := c.l.take(StageExecutor); err != nil {
		return nil, err
	}
	c.exec = NewExecutor(c.l.logger)
	c.l.count(func(s *Stats) { s.ExecutorsCreated++ })
	return c.exec, nil
}

func (c *loopbackContext) executor() *Executor {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exec
}

// Close releases the context. Closing the executor is counted here
// because the executor belongs to the context.
func (c *loopbackContext) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.exec != nil {
		_ = c.exec.Close()
		c.l.count(func(s *Stats) { s.ExecutorsClosed++ })
	}
	c.l.count(func(s *Stats) { s.ContextsClosed++ })
	return nil
}

type loopbackNode struct {
	ctx  *loopbackContext
	name string

	mu     sync.Mutex
	closed bool
}

func (n *loopbackNode) Name() string { return n.name }

func (n *loopbackNode) CreatePublisher(topic, typeName string, qos QoS) (Handle, error) {
	n.mu.Lock()
	closed := n.closed
	n.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	exec := n.ctx.executor()
	if exec == nil {
		return nil, ErrNoExecutor
	}
	if err := n.ctx.l.take(StagePublisher); err != nil {
		return nil, err
	}

	l := n.ctx.l
	domain := n.ctx.domain
	outbox := exec.NewOutbox(topic, qos, func(_ context.Context, topic string, payload []byte) error {
		l.deliver(Delivery{
			Domain:   domain,
			Node:     n.name,
			Topic:    topic,
			TypeName: typeName,
			Payload:  payload,
		})
		return nil
	})
	l.count(func(s *Stats) { s.HandlesCreated++ })
	l.logger.Debug("loopback publisher created", "node", n.name, "topic", topic, "type", typeName)

	return NewOutboxHandle(outbox, typeName, func() {
		l.count(func(s *Stats) { s.HandlesClosed++ })
	}), nil
}

func (n *loopbackNode) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil
	}
	n.closed = true
	n.ctx.l.count(func(s *Stats) { s.NodesClosed++ })
	return nil
}
