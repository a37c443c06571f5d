package fabric

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestLoopback_PublishReachesSubscriber(t *testing.T) {
	l := NewLoopback(nil)
	sub := l.Subscribe(7, "illuminance", 4)
	defer l.Unsubscribe(sub)
	other := l.Subscribe(8, "illuminance", 4)
	defer l.Unsubscribe(other)

	c, err := l.NewContext(context.Background(), 7)
	if err != nil {
		t.Fatalf("NewContext() error = %v", err)
	}
	defer c.Close()
	exec, err := c.NewExecutor()
	if err != nil {
		t.Fatalf("NewExecutor() error = %v", err)
	}
	n, err := c.NewNode("phone")
	if err != nil {
		t.Fatalf("NewNode() error = %v", err)
	}
	defer n.Close()

	h, err := n.CreatePublisher("illuminance", "sensor_msgs/msg/Illuminance", DefaultQoS())
	if err != nil {
		t.Fatalf("CreatePublisher() error = %v", err)
	}
	defer h.Close()

	if err := h.Publish([]byte("42")); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	exec.SpinOnce(context.Background())

	select {
	case d := <-sub:
		if d.Domain != 7 || d.Topic != "illuminance" || d.Node != "phone" || string(d.Payload) != "42" {
			t.Errorf("delivery = %+v, want domain 7 topic illuminance node phone payload 42", d)
		}
		if d.TypeName != "sensor_msgs/msg/Illuminance" {
			t.Errorf("TypeName = %q", d.TypeName)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery")
	}

	select {
	case d := <-other:
		t.Errorf("domain 8 subscriber received %+v, want nothing", d)
	default:
	}
}

func TestLoopback_StatsBalanced(t *testing.T) {
	l := NewLoopback(nil)

	c, _ := l.NewContext(context.Background(), 0)
	n, _ := c.NewNode("n")
	_, _ = c.NewExecutor()
	h, _ := n.CreatePublisher("t", "x", DefaultQoS())

	if l.Stats().Balanced() {
		t.Fatal("Stats().Balanced() = true with open resources")
	}

	_ = h.Close()
	_ = h.Close()
	_ = n.Close()
	_ = c.Close()
	_ = c.Close()

	s := l.Stats()
	if !s.Balanced() {
		t.Errorf("Stats() = %+v, want balanced", s)
	}
	if s.HandlesClosed != 1 || s.ContextsClosed != 1 {
		t.Errorf("double Close counted twice: %+v", s)
	}
}

func TestLoopback_PublisherNeedsExecutor(t *testing.T) {
	l := NewLoopback(nil)
	c, _ := l.NewContext(context.Background(), 0)
	defer c.Close()
	n, _ := c.NewNode("n")
	defer n.Close()

	if _, err := n.CreatePublisher("t", "x", DefaultQoS()); !errors.Is(err, ErrNoExecutor) {
		t.Errorf("CreatePublisher() error = %v, want ErrNoExecutor", err)
	}
}

func TestLoopback_FailAt(t *testing.T) {
	l := NewLoopback(nil)
	boom := errors.New("boom")
	l.FailAt(StageContext, boom)

	if _, err := l.NewContext(context.Background(), 0); !errors.Is(err, boom) {
		t.Fatalf("NewContext() error = %v, want boom", err)
	}
	c, err := l.NewContext(context.Background(), 0)
	if err != nil {
		t.Fatalf("failure should be one-shot, got %v", err)
	}
	_ = c.Close()
}

func TestLoopback_SecondExecutor(t *testing.T) {
	l := NewLoopback(nil)
	c, _ := l.NewContext(context.Background(), 0)
	defer c.Close()

	if _, err := c.NewExecutor(); err != nil {
		t.Fatalf("first NewExecutor() error = %v", err)
	}
	if _, err := c.NewExecutor(); err == nil {
		t.Error("second NewExecutor() = nil error, want error")
	}
}

func TestLoopback_UnsubscribeUnknown(t *testing.T) {
	l := NewLoopback(nil)
	ch := make(chan Delivery)
	// Must not panic.
	l.Unsubscribe(ch)
}
