package mqttfabric

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/sensorbridge/internal/fabric"
)

// Config defines the broker connection.
type Config struct {
	Broker      string // e.g. mqtt://broker.local:1883, mqtts:// for TLS
	Username    string
	Password    string
	TopicPrefix string
	KeepAlive   time.Duration
	// InstanceID identifies this process in client ids and adverts.
	InstanceID string
	// Encoding is advertised with every publisher.
	Encoding string
	// ConnectTimeout bounds the wait for the first connection. The
	// connection keeps retrying in the background afterwards.
	ConnectTimeout time.Duration
}

// Fabric creates MQTT-backed contexts.
type Fabric struct {
	cfg    Config
	broker *url.URL
	logger *slog.Logger
}

// New validates cfg and returns a fabric. It does not connect.
func New(cfg Config, logger *slog.Logger) (*Fabric, error) {
	u, err := url.Parse(cfg.Broker)
	if err != nil {
		return nil, fmt.Errorf("parse mqtt broker URL: %w", err)
	}
	switch u.Scheme {
	case "mqtt", "tcp", "mqtts", "ssl", "ws", "wss":
	default:
		return nil, fmt.Errorf("mqtt broker URL %q: unsupported scheme %q", cfg.Broker, u.Scheme)
	}
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "sensorbridge"
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = 30 * time.Second
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Fabric{cfg: cfg, broker: u, logger: logger}, nil
}

// Name implements [fabric.Middleware].
func (f *Fabric) Name() string { return "mqtt" }

// NewContext implements [fabric.Middleware].
func (f *Fabric) NewContext(_ context.Context, domainID int) (fabric.Context, error) {
	return &mqttContext{
		f:      f,
		topics: topics{prefix: f.cfg.TopicPrefix, domain: domainID},
		domain: domainID,
	}, nil
}

type mqttContext struct {
	f      *Fabric
	topics topics
	domain int

	mu     sync.Mutex
	exec   *fabric.Executor
	closed bool
}

func (c *mqttContext) DomainID() int { return c.domain }

// NewNode connects a client for name and waits up to ConnectTimeout for
// the broker. A slow broker is logged, not fatal.
func (c *mqttContext) NewNode(name string) (fabric.Node, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, fabric.ErrClosed
	}

	n := &mqttNode{
		ctx:    c,
		name:   name,
		logger: c.f.logger.With("node", name, "domain_id", c.domain),
	}
	runCtx, cancel := context.WithCancel(context.Background())
	n.cancel = cancel

	cfg := c.f.cfg
	availTopic := c.topics.availability(name)
	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{c.f.broker},
		KeepAlive:       uint16(cfg.KeepAlive / time.Second),
		ConnectUsername: cfg.Username,
		ConnectPassword: []byte(cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   availTopic,
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			n.logger.Info("mqtt connected to broker", "broker", cfg.Broker)
			n.connected.Store(true)
			n.publishAvailability(runCtx, cm, "online")
			n.publishAdverts(runCtx, cm)
		},
		OnConnectError: func(err error) {
			n.connected.Store(false)
			n.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: clientID(cfg.InstanceID, c.domain, name),
			OnClientError: func(err error) {
				n.connected.Store(false)
				n.logger.Warn("mqtt client error", "error", err)
			},
			OnServerDisconnect: func(d *paho.Disconnect) {
				n.connected.Store(false)
				n.logger.Warn("mqtt server disconnected", "reason_code", d.ReasonCode)
			},
		},
	}

	// Enable TLS for mqtts:// or ssl:// schemes.
	if c.f.broker.Scheme == "mqtts" || c.f.broker.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	cm, err := autopaho.NewConnection(runCtx, pahoCfg)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	n.cm = cm

	connCtx, connCancel := context.WithTimeout(runCtx, cfg.ConnectTimeout)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		n.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}
	return n, nil
}

func (c *mqttContext) NewExecutor() (*fabric.Executor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, fabric.ErrClosed
	}
	if c.exec != nil {
		return nil, fmt.Errorf("mqtt: context for domain %d already has an executor", c.domain)
	}
	c.exec = fabric.NewExecutor(c.f.logger)
	return c.exec, nil
}

func (c *mqttContext) executor() *fabric.Executor {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exec
}

func (c *mqttContext) Close() error {
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

// clientID is stable per instance, domain and node so a restart
// resumes the same broker session.
func clientID(instanceID string, domain int, node string) string {
	id := instanceID
	if len(id) > 8 {
		id = id[len(id)-8:]
	}
	if id == "" {
		return fmt.Sprintf("%s-%d", node, domain)
	}
	return fmt.Sprintf("%s-%d-%s", node, domain, id)
}
