// Package natsfabric is a [fabric.Middleware] that publishes over NATS.
//
// Each node owns one connection. Subjects are laid out per domain:
//
//	<prefix>.<domain>.<topic>                  message payloads ("/" becomes ".")
//	<prefix>.<domain>.graph.<node>             publisher advert (JSON)
//	<prefix>.<domain>.graph.<node>.withdraw    advert withdrawn on handle close
//	<prefix>.<domain>.graph.query              request; every node replies with its adverts
//
// NATS keeps no retained state, so adverts are repeated after every
// reconnect and served on demand through the query subject.
package natsfabric

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/nugget/sensorbridge/internal/fabric"
)

// flushTimeout bounds the server round trip of a reliable publish.
const flushTimeout = 5 * time.Second

// Config defines the server connection.
type Config struct {
	URL           string
	SubjectPrefix string
	// MaxReconnects is passed to nats.MaxReconnects; -1 retries forever.
	MaxReconnects int
	ReconnectWait time.Duration
	InstanceID    string
	Encoding      string
}

// Fabric creates NATS-backed contexts.
type Fabric struct {
	cfg    Config
	logger *slog.Logger
}

// New returns a fabric. It does not connect.
func New(cfg Config, logger *slog.Logger) (*Fabric, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("nats: url is required")
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = "sensorbridge"
	}
	if cfg.ReconnectWait <= 0 {
		cfg.ReconnectWait = 2 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Fabric{cfg: cfg, logger: logger}, nil
}

// Name implements [fabric.Middleware].
func (f *Fabric) Name() string { return "nats" }

// NewContext implements [fabric.Middleware].
func (f *Fabric) NewContext(_ context.Context, domainID int) (fabric.Context, error) {
	return &natsContext{
		f:        f,
		subjects: subjects{prefix: f.cfg.SubjectPrefix, domain: domainID},
		domain:   domainID,
	}, nil
}

// subjects builds the subject names of one domain.
type subjects struct {
	prefix string
	domain int
}

func (s subjects) base() string {
	return token(s.prefix) + "." + strconv.Itoa(s.domain)
}

func (s subjects) data(topic string) string {
	parts := strings.Split(strings.Trim(topic, "/"), "/")
	for i, p := range parts {
		parts[i] = token(p)
	}
	return s.base() + "." + strings.Join(parts, ".")
}

func (s subjects) advert(node string) string { return s.base() + ".graph." + token(node) }

func (s subjects) withdraw(node string) string { return s.advert(node) + ".withdraw" }

func (s subjects) query() string { return s.base() + ".graph.query" }

// token makes s safe as a single subject token.
func token(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', ' ', '\t', '*', '>', '/':
			return '_'
		}
		return r
	}, s)
}

type natsContext struct {
	f        *Fabric
	subjects subjects
	domain   int

	mu     sync.Mutex
	exec   *fabric.Executor
	closed bool
}

func (c *natsContext) DomainID() int { return c.domain }

// NewNode connects for name. An unreachable server is retried in the
// background rather than failing the node.
func (c *natsContext) NewNode(name string) (fabric.Node, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, fabric.ErrClosed
	}

	n := &natsNode{
		ctx:    c,
		name:   name,
		logger: c.f.logger.With("node", name, "domain_id", c.domain),
	}
	cfg := c.f.cfg
	opts := []nats.Option{
		nats.Name(fmt.Sprintf("sensorbridge %s (domain %d)", name, c.domain)),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.RetryOnFailedConnect(true),
		nats.ConnectHandler(func(nc *nats.Conn) {
			n.logger.Info("nats connected", "url", cfg.URL)
			n.publishAdverts(nc)
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				n.logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			n.logger.Info("nats reconnected", "url", cfg.URL)
			n.publishAdverts(nc)
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	n.conn = conn

	sub, err := conn.Subscribe(c.subjects.query(), n.handleQuery)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("nats subscribe %s: %w", c.subjects.query(), err)
	}
	n.querySub = sub
	return n, nil
}

func (c *natsContext) NewExecutor() (*fabric.Executor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, fabric.ErrClosed
	}
	if c.exec != nil {
		return nil, fmt.Errorf("nats: context for domain %d already has an executor", c.domain)
	}
	c.exec = fabric.NewExecutor(c.f.logger)
	return c.exec, nil
}

func (c *natsContext) executor() *fabric.Executor {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exec
}

func (c *natsContext) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.exec != nil {
		return c.exec.Close()
	}
	return nil
}

type natsNode struct {
	ctx      *natsContext
	name     string
	logger   *slog.Logger
	conn     *nats.Conn
	querySub *nats.Subscription
	adverts  fabric.AdvertSet

	mu     sync.Mutex
	closed bool
}

func (n *natsNode) Name() string { return n.name }

func (n *natsNode) CreatePublisher(topic, typeName string, qos fabric.QoS) (fabric.Handle, error) {
	n.mu.Lock()
	closed := n.closed
	n.mu.Unlock()
	if closed {
		return nil, fabric.ErrClosed
	}
	exec := n.ctx.executor()
	if exec == nil {
		return nil, fabric.ErrNoExecutor
	}

	cfg := n.ctx.f.cfg
	advert := fabric.NewAdvert(cfg.InstanceID, n.name, topic, typeName, qos, cfg.Encoding)
	n.adverts.Add(advert)
	n.sendAdvert(n.conn, n.ctx.subjects.advert(n.name), advert)

	subject := n.ctx.subjects.data(topic)
	reliable := qos.Reliability == fabric.Reliable
	outbox := exec.NewOutbox(topic, qos, func(ctx context.Context, _ string, payload []byte) error {
		if err := n.conn.Publish(subject, payload); err != nil {
			return err
		}
		if reliable {
			// FlushWithContext refuses a context without a deadline.
			ctx, cancel := context.WithTimeout(ctx, flushTimeout)
			defer cancel()
			return n.conn.FlushWithContext(ctx)
		}
		return nil
	})
	n.logger.Debug("nats publisher created", "subject", subject, "type", typeName)

	return fabric.NewOutboxHandle(outbox, typeName, func() {
		n.adverts.Remove(topic)
		n.sendAdvert(n.conn, n.ctx.subjects.withdraw(n.name), advert)
	}), nil
}

// Close drains the connection so queued payloads reach the server.
func (n *natsNode) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil
	}
	n.closed = true

	if n.querySub != nil {
		_ = n.querySub.Unsubscribe()
	}
	if err := n.conn.Drain(); err != nil {
		n.conn.Close()
		return fmt.Errorf("nats drain: %w", err)
	}
	return nil
}

// publishAdverts repeats every advert on nc. Connection handlers pass
// their own conn since they may run before NewNode has stored it.
func (n *natsNode) publishAdverts(nc *nats.Conn) {
	subject := n.ctx.subjects.advert(n.name)
	for _, a := range n.adverts.List() {
		n.sendAdvert(nc, subject, a)
	}
}

func (n *natsNode) sendAdvert(nc *nats.Conn, subject string, a fabric.Advert) {
	payload, err := a.Marshal()
	if err != nil {
		n.logger.Error("nats marshal advert", "topic", a.Topic, "error", err)
		return
	}
	if err := nc.Publish(subject, payload); err != nil {
		n.logger.Debug("nats advert publish failed", "subject", subject, "error", err)
	}
}

func (n *natsNode) handleQuery(msg *nats.Msg) {
	if msg.Reply == "" {
		return
	}
	payload, err := json.Marshal(n.adverts.List())
	if err != nil {
		n.logger.Error("nats marshal adverts", "error", err)
		return
	}
	if err := msg.Respond(payload); err != nil {
		n.logger.Debug("nats query reply failed", "error", err)
	}
}
