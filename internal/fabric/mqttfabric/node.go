package mqttfabric

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/sensorbridge/internal/fabric"
)

// disconnectTimeout bounds the offline publish and disconnect on Close.
const disconnectTimeout = 5 * time.Second

type mqttNode struct {
	ctx     *mqttContext
	name    string
	logger  *slog.Logger
	cm      *autopaho.ConnectionManager
	cancel  context.CancelFunc
	adverts fabric.AdvertSet
	// connected tracks the broker session. Adverts made while it is
	// down are sent by the next OnConnectionUp.
	connected atomic.Bool

	mu     sync.Mutex
	closed bool
}

func (n *mqttNode) Name() string { return n.name }

// CreatePublisher advertises the publisher and returns a handle whose
// payloads are sent by the context's executor.
func (n *mqttNode) CreatePublisher(topic, typeName string, qos fabric.QoS) (fabric.Handle, error) {
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
	n.publishAdvert(context.Background(), advert)

	dataTopic := n.ctx.topics.data(topic)
	mqttQoS := pahoQoS(qos)
	outbox := exec.NewOutbox(topic, qos, func(ctx context.Context, _ string, payload []byte) error {
		_, err := n.cm.Publish(ctx, &paho.Publish{
			Topic:   dataTopic,
			Payload: payload,
			QoS:     mqttQoS,
		})
		return err
	})
	n.logger.Debug("mqtt publisher created", "topic", dataTopic, "type", typeName)

	return fabric.NewOutboxHandle(outbox, typeName, func() {
		n.adverts.Remove(topic)
		n.clearAdvert(topic)
	}), nil
}

// Close publishes "offline" and disconnects.
func (n *mqttNode) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	n.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), disconnectTimeout)
	defer cancel()
	defer n.cancel()

	if n.connected.Load() {
		n.publishAvailability(ctx, n.cm, "offline")
	}
	if err := n.cm.Disconnect(ctx); err != nil {
		return fmt.Errorf("mqtt disconnect: %w", err)
	}
	return nil
}

func (n *mqttNode) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   n.ctx.topics.availability(n.name),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		n.logger.Warn("mqtt availability publish failed",
			"status", status, "error", err)
	} else {
		n.logger.Info("mqtt availability published", "status", status)
	}
}

func (n *mqttNode) publishAdverts(ctx context.Context, cm *autopaho.ConnectionManager) {
	for _, a := range n.adverts.List() {
		n.sendAdvert(ctx, cm, a)
	}
}

func (n *mqttNode) publishAdvert(ctx context.Context, a fabric.Advert) {
	if !n.connected.Load() {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, disconnectTimeout)
	defer cancel()
	n.sendAdvert(ctx, n.cm, a)
}

func (n *mqttNode) sendAdvert(ctx context.Context, cm *autopaho.ConnectionManager, a fabric.Advert) {
	topic := n.ctx.topics.advert(n.name, a.Topic)
	payload, err := a.Marshal()
	if err != nil {
		n.logger.Error("mqtt marshal advert", "topic", a.Topic, "error", err)
		return
	}
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     1,
		Retain:  true,
	}); err != nil {
		n.logger.Warn("mqtt advert publish failed", "topic", topic, "error", err)
		return
	}
	n.logger.Debug("mqtt advert published", "topic", topic)
}

// clearAdvert removes the retained advert with an empty retained
// message.
func (n *mqttNode) clearAdvert(topic string) {
	if !n.connected.Load() {
		n.logger.Debug("mqtt advert left retained while disconnected", "topic", topic)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), disconnectTimeout)
	defer cancel()
	if _, err := n.cm.Publish(ctx, &paho.Publish{
		Topic:  n.ctx.topics.advert(n.name, topic),
		QoS:    1,
		Retain: true,
	}); err != nil {
		n.logger.Debug("mqtt advert clear failed", "topic", topic, "error", err)
	}
}

func pahoQoS(q fabric.QoS) byte {
	if q.Reliability == fabric.BestEffort {
		return 0
	}
	return 1
}
