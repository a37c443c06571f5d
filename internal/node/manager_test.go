package node

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
)

// observerFuncs adapts a pair of functions to [Observer]. Nil fields are
// skipped.
type observerFuncs struct {
	Up   func(UpEvent)
	Down func(DownEvent)
}

func (f observerFuncs) NodeUp(e UpEvent) {
	if f.Up != nil {
		f.Up(e)
	}
}

func (f observerFuncs) NodeDown(e DownEvent) {
	if f.Down != nil {
		f.Down(e)
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestManager(t *testing.T) (*Manager, *fabric.Loopback) {
	t.Helper()
	lb := fabric.NewLoopback(quietLogger())
	m := New(lb, WithName("test-node"), WithLogger(quietLogger()))
	return m, lb
}

func TestManager_InitializeShutdownBalanced(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	m, lb := newTestManager(t)
	if m.Initialized() || m.Node() != nil {
		t.Fatal("new manager should be stopped with no node")
	}

	if err := m.Initialize(context.Background(), 3); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	if !m.Initialized() {
		t.Error("Initialized() = false after Initialize")
	}
	if m.Node() == nil {
		t.Error("Node() = nil while running")
	}
	if id, ok := m.DomainID(); !ok || id != 3 {
		t.Errorf("DomainID() = %d, %v, want 3, true", id, ok)
	}

	m.Shutdown()

	if m.Initialized() || m.Node() != nil {
		t.Error("manager should be stopped with no node after Shutdown")
	}
	s := lb.Stats()
	if s.ContextsCreated != 1 || s.NodesCreated != 1 || s.ExecutorsCreated != 1 {
		t.Errorf("created = %+v, want one of each", s)
	}
	if !s.Balanced() {
		t.Errorf("Stats() = %+v, want create/close balanced", s)
	}
}

func TestManager_DoubleInitializeIsNoop(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	m, lb := newTestManager(t)
	defer m.Shutdown()

	if err := m.Initialize(context.Background(), 1); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	if err := m.Initialize(context.Background(), 2); err != nil {
		t.Fatalf("second Initialize() error = %v, want nil", err)
	}
	if got := lb.Stats().ContextsCreated; got != 1 {
		t.Errorf("ContextsCreated = %d, want 1", got)
	}
	if id, _ := m.DomainID(); id != 1 {
		t.Errorf("DomainID() = %d, want 1 (second Initialize ignored)", id)
	}
}

func TestManager_ShutdownIdempotent(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	m, lb := newTestManager(t)

	// Shutdown while stopped is a no-op.
	m.Shutdown()

	if err := m.Initialize(context.Background(), 0); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	m.Shutdown()
	once := lb.Stats()
	m.Shutdown()
	twice := lb.Stats()

	if once != twice {
		t.Errorf("second Shutdown changed stats: %+v -> %+v", once, twice)
	}
	if m.Phase() != PhaseStopped {
		t.Errorf("Phase() = %v, want stopped", m.Phase())
	}
}

func TestManager_ObserverOrdering(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	m, lb := newTestManager(t)

	var calls []string
	m.AddObserver(observerFuncs{
		Up: func(e UpEvent) {
			if e.Node == nil {
				t.Error("UpEvent.Node = nil")
			}
			if !m.Initialized() {
				t.Error("Initialized() = false inside NodeUp")
			}
			calls = append(calls, "up")
		},
		Down: func(e DownEvent) {
			if got := lb.Stats().ContextsClosed; got != 0 {
				t.Errorf("context closed before NodeDown (ContextsClosed = %d)", got)
			}
			if m.Node() != nil {
				t.Error("Node() != nil inside NodeDown")
			}
			if e.DomainID != 9 {
				t.Errorf("DownEvent.DomainID = %d, want 9", e.DomainID)
			}
			calls = append(calls, "down")
		},
	})

	if err := m.Initialize(context.Background(), 9); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	m.Shutdown()

	if len(calls) != 2 || calls[0] != "up" || calls[1] != "down" {
		t.Errorf("calls = %v, want [up down]", calls)
	}
}

func TestManager_RegistrationSurvivesRestart(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	m, _ := newTestManager(t)
	ups := 0
	m.AddObserver(observerFuncs{Up: func(UpEvent) { ups++ }})

	for i := range 3 {
		if err := m.Initialize(context.Background(), i); err != nil {
			t.Fatalf("Initialize(%d) error = %v", i, err)
		}
		m.Shutdown()
	}
	if ups != 3 {
		t.Errorf("NodeUp called %d times, want 3", ups)
	}
	if got := m.ObserverCount(); got != 1 {
		t.Errorf("ObserverCount() = %d, want 1", got)
	}
}

func TestManager_Unregister(t *testing.T) {
	m, _ := newTestManager(t)
	called := false
	reg := m.AddObserver(observerFuncs{Up: func(UpEvent) { called = true }})
	dup := m.AddObserver(observerFuncs{})

	if got := m.ObserverCount(); got != 2 {
		t.Fatalf("ObserverCount() = %d, want 2 (no de-duplication)", got)
	}

	reg.Unregister()
	reg.Unregister()
	if reg.Active() {
		t.Error("Active() = true after Unregister")
	}
	if got := m.ObserverCount(); got != 1 {
		t.Errorf("ObserverCount() = %d, want 1", got)
	}

	if err := m.Initialize(context.Background(), 0); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	m.Shutdown()
	if called {
		t.Error("released observer was notified")
	}

	dup.Unregister()
	var nilReg *Registration
	nilReg.Unregister()
}

func TestManager_InitializeFailureRollsBack(t *testing.T) {
	stages := []fabric.Stage{fabric.StageContext, fabric.StageNode, fabric.StageExecutor}
	for _, stage := range stages {
		t.Run(string(stage), func(t *testing.T) {
			defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

			m, lb := newTestManager(t)
			bus := events.New()
			m.bus = bus
			ch := bus.Subscribe(4)
			defer bus.Unsubscribe(ch)

			notified := false
			m.AddObserver(observerFuncs{Up: func(UpEvent) { notified = true }})

			boom := errors.New("boom")
			lb.FailAt(stage, boom)

			err := m.Initialize(context.Background(), 5)
			if !errors.Is(err, boom) {
				t.Fatalf("Initialize() error = %v, want wrapped boom", err)
			}
			if m.Phase() != PhaseStopped {
				t.Errorf("Phase() = %v, want stopped", m.Phase())
			}
			if notified {
				t.Error("observer notified after failed Initialize")
			}
			if s := lb.Stats(); !s.Balanced() {
				t.Errorf("Stats() = %+v, want balanced after rollback", s)
			}

			select {
			case e := <-ch:
				if e.Kind != events.KindNodeFailed {
					t.Errorf("event kind = %q, want %q", e.Kind, events.KindNodeFailed)
				}
			case <-time.After(time.Second):
				t.Error("no node_failed event")
			}

			// A later attempt succeeds.
			if err := m.Initialize(context.Background(), 5); err != nil {
				t.Fatalf("retry Initialize() error = %v", err)
			}
			m.Shutdown()
		})
	}
}

func TestManager_ExecutorServicesPublishers(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	m, lb := newTestManager(t)
	sub := lb.Subscribe(4, "chatter", 4)
	defer lb.Unsubscribe(sub)

	var h fabric.Handle
	m.AddObserver(observerFuncs{
		Up: func(e UpEvent) {
			var err error
			h, err = e.Node.CreatePublisher("chatter", "std_msgs/msg/String", fabric.DefaultQoS())
			if err != nil {
				t.Errorf("CreatePublisher() error = %v", err)
			}
		},
		Down: func(DownEvent) {
			if h != nil {
				_ = h.Close()
			}
		},
	})

	if err := m.Initialize(context.Background(), 4); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	if err := h.Publish([]byte("hi")); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	select {
	case d := <-sub:
		if string(d.Payload) != "hi" || d.Node != "test-node" {
			t.Errorf("delivery = %+v", d)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("service goroutine did not deliver the payload")
	}

	m.Shutdown()
	if s := lb.Stats(); !s.Balanced() {
		t.Errorf("Stats() = %+v, want balanced", s)
	}
}

func TestManager_ObserverPanicIsolated(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	m, _ := newTestManager(t)
	m.AddObserver(observerFuncs{Up: func(UpEvent) { panic("bad observer") }})
	reached := false
	m.AddObserver(observerFuncs{Up: func(UpEvent) { reached = true }})

	if err := m.Initialize(context.Background(), 0); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	defer m.Shutdown()

	if !reached {
		t.Error("observer after the panicking one was not notified")
	}
	if !m.Initialized() {
		t.Error("manager should still be running")
	}
}

func TestManager_Status(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	m, _ := newTestManager(t)
	s := m.Status()
	if s.Phase != "stopped" || s.DomainID != nil || s.Fabric != "loopback" || s.Node != "test-node" {
		t.Errorf("stopped Status() = %+v", s)
	}
	if s.Executor != nil {
		t.Errorf("stopped Status().Executor = %+v, want nil", s.Executor)
	}

	if err := m.Initialize(context.Background(), 12); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	s = m.Status()
	if s.Phase != "running" || s.DomainID == nil || *s.DomainID != 12 {
		t.Errorf("running Status() = %+v", s)
	}
	if s.Executor == nil || len(s.Executor.Nodes) != 1 || s.Executor.Nodes[0] != "test-node" {
		t.Errorf("running Status().Executor = %+v, want nodes [test-node]", s.Executor)
	}
	_ = m.Close()
	if m.Phase() != PhaseStopped {
		t.Errorf("Close() left phase %v", m.Phase())
	}
}

func TestPhase_String(t *testing.T) {
	tests := []struct {
		p    Phase
		want string
	}{
		{PhaseStopped, "stopped"},
		{PhaseStarting, "starting"},
		{PhaseRunning, "running"},
		{PhaseStopping, "stopping"},
		{Phase(42), "phase(42)"},
	}
	for _, tt := range tests {
		if got := tt.p.String(); got != tt.want {
			t.Errorf("Phase(%d).String() = %q, want %q", int(tt.p), got, tt.want)
		}
	}
}
