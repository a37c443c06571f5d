package bridge

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/nugget/sensorbridge/internal/events"
	"github.com/nugget/sensorbridge/internal/fabric"
	"github.com/nugget/sensorbridge/internal/node"
	"github.com/nugget/sensorbridge/internal/sensors"
	"github.com/nugget/sensorbridge/internal/sensors/simulated"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestBridge(t *testing.T, bus *events.Bus) (*Bridge, *node.Manager, *fabric.Loopback) {
	t.Helper()
	lb := fabric.NewLoopback(quietLogger())
	m := node.New(lb, node.WithLogger(quietLogger()), node.WithEvents(bus))
	platform := simulated.New([]simulated.Spec{
		{Kind: sensors.KindLight, Name: "sim-als", Min: 0, Max: 500, Interval: 2 * time.Millisecond},
		{Kind: sensors.KindProximity, Name: "sim-prox", Min: 0, Max: 5, Interval: 2 * time.Millisecond},
		{Kind: sensors.KindGyroscope, Name: "sim-gyro", Max: 1, Interval: 2 * time.Millisecond},
	}, quietLogger())
	b := New(m, platform, sensors.RegistryConfig{Events: bus}, quietLogger())
	t.Cleanup(b.Stop)
	return b, m, lb
}

func waitFor(t *testing.T, ch <-chan fabric.Delivery) fabric.Delivery {
	t.Helper()
	select {
	case d := <-ch:
		return d
	case <-time.After(2 * time.Second):
		t.Fatal("no delivery")
		return fabric.Delivery{}
	}
}

func TestBridge_StartStop(t *testing.T) {
	defer goleak.VerifyNone(t)

	b, m, lb := newTestBridge(t, nil)
	sub := lb.Subscribe(7, "illuminance", 16)

	if err := b.Start(context.Background(), 7); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if !b.Running() || !m.Initialized() {
		t.Fatal("bridge or node not running after Start")
	}
	if got := len(b.Status().Sensors); got != 2 {
		t.Errorf("len(Status().Sensors) = %d, want 2", got)
	}

	d := waitFor(t, sub)
	if d.Domain != 7 || d.TypeName != "sensor_msgs/msg/Illuminance" {
		t.Errorf("delivery = domain %d type %q", d.Domain, d.TypeName)
	}

	b.Stop()
	b.Stop()
	if b.Running() || m.Initialized() {
		t.Error("bridge or node still running after Stop")
	}
	if s := lb.Stats(); !s.Balanced() {
		t.Errorf("Stats() = %+v, want balanced", s)
	}
	if n := m.ObserverCount(); n != 0 {
		t.Errorf("ObserverCount() = %d, want 0", n)
	}
	lb.Unsubscribe(sub)
}

func TestBridge_StartTwiceIsNoop(t *testing.T) {
	b, _, lb := newTestBridge(t, nil)
	if err := b.Start(context.Background(), 1); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := b.Start(context.Background(), 2); err != nil {
		t.Fatalf("second Start() error = %v", err)
	}
	if s := lb.Stats(); s.ContextsCreated != 1 {
		t.Errorf("ContextsCreated = %d, want 1", s.ContextsCreated)
	}
}

func TestBridge_StartInvalidDomain(t *testing.T) {
	b, _, _ := newTestBridge(t, nil)
	for _, id := range []int{-1, MaxDomainID + 1} {
		if err := b.Start(context.Background(), id); !errors.Is(err, ErrInvalidDomain) {
			t.Errorf("Start(%d) error = %v, want ErrInvalidDomain", id, err)
		}
	}
	if b.Running() {
		t.Error("bridge running after invalid Start")
	}
}

func TestBridge_StartNodeFailure(t *testing.T) {
	b, _, lb := newTestBridge(t, nil)
	lb.FailAt(fabric.StageNode, errors.New("no route"))

	if err := b.Start(context.Background(), 0); err == nil {
		t.Fatal("Start() succeeded, want error")
	}
	if b.Running() {
		t.Error("bridge running after failed Start")
	}
	if err := b.Start(context.Background(), 0); err != nil {
		t.Fatalf("retry Start() error = %v", err)
	}
}

func TestBridge_SetDomainRebinds(t *testing.T) {
	defer goleak.VerifyNone(t)

	bus := events.New()
	ch := bus.Subscribe(64)
	b, m, lb := newTestBridge(t, bus)

	if err := b.Start(context.Background(), 1); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	before := b.Status().Sensors

	sub := lb.Subscribe(42, "range", 16)
	if err := b.SetDomain(context.Background(), 42); err != nil {
		t.Fatalf("SetDomain() error = %v", err)
	}
	if id, ok := m.DomainID(); !ok || id != 42 {
		t.Errorf("DomainID() = %d, %v; want 42, true", id, ok)
	}
	waitFor(t, sub)

	after := b.Status().Sensors
	if len(after) != len(before) {
		t.Fatalf("sensor count changed: %d -> %d", len(before), len(after))
	}
	for _, s := range after {
		if s.Publisher.State != "bound" {
			t.Errorf("sensor %s publisher state = %q, want bound", s.Name, s.Publisher.State)
		}
	}

	// Same domain is a no-op.
	created := lb.Stats().ContextsCreated
	if err := b.SetDomain(context.Background(), 42); err != nil {
		t.Fatalf("SetDomain(same) error = %v", err)
	}
	if got := lb.Stats().ContextsCreated; got != created {
		t.Errorf("ContextsCreated = %d, want %d", got, created)
	}

	found := false
	for len(ch) > 0 {
		if e := <-ch; e.Kind == events.KindDomainChanged {
			found = e.Data["from"] == 1 && e.Data["to"] == 42
		}
	}
	if !found {
		t.Error("no domain_changed event from 1 to 42")
	}

	lb.Unsubscribe(sub)
	b.Stop()
	bus.Unsubscribe(ch)
}

func TestBridge_SetDomainStartsStopped(t *testing.T) {
	b, m, _ := newTestBridge(t, nil)
	if err := b.SetDomain(context.Background(), 5); err != nil {
		t.Fatalf("SetDomain() error = %v", err)
	}
	if !b.Running() {
		t.Fatal("bridge not running after SetDomain on stopped bridge")
	}
	if id, _ := m.DomainID(); id != 5 {
		t.Errorf("DomainID() = %d, want 5", id)
	}
	if err := b.SetDomain(context.Background(), 500); !errors.Is(err, ErrInvalidDomain) {
		t.Errorf("SetDomain(500) error = %v, want ErrInvalidDomain", err)
	}
}
