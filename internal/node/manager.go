// Package node owns the fabric context, node and executor for one bridge
// session and tells registered observers when the node comes up or goes
// down.
//
// A Manager moves Stopped → Starting → Running on [Manager.Initialize]
// and Running → Stopping → Stopped on [Manager.Shutdown]. The node and
// executor exist exactly while the phase is Running. A dedicated
// goroutine spins the executor for as long as the node runs; Shutdown
// cancels it and blocks until it has exited.
//
// Lifecycle calls are expected from a single controlling goroutine.
// They are serialized internally anyway, and phase queries ([Manager.Node],
// [Manager.Initialized]) use a separate lock so observers may call them
// from inside a notification.
package node

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nugget/sensorbridge/internal/events"
	"github.com/nugget/sensorbridge/internal/fabric"
	"github.com/nugget/sensorbridge/internal/metrics"
)

// DefaultName is the node name used when none is configured.
const DefaultName = "sensorbridge"

// Phase is the lifecycle phase of a [Manager].
type Phase int

const (
	PhaseStopped Phase = iota
	PhaseStarting
	PhaseRunning
	PhaseStopping
)

func (p Phase) String() string {
	switch p {
	case PhaseStopped:
		return "stopped"
	case PhaseStarting:
		return "starting"
	case PhaseRunning:
		return "running"
	case PhaseStopping:
		return "stopping"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// Status is a point-in-time view of the manager for diagnostics.
type Status struct {
	Phase     string    `json:"phase"`
	DomainID  *int      `json:"domain_id,omitempty"`
	Node      string    `json:"node"`
	Fabric    string    `json:"fabric"`
	Observers int       `json:"observers"`
	Since     time.Time `json:"since"`
	// Executor is set while the node is running.
	Executor *ExecutorStatus `json:"executor,omitempty"`
}

// ExecutorStatus describes the executor serving the running node.
type ExecutorStatus struct {
	Nodes []string `json:"nodes"`
	// Pending is the number of outboxes waiting for the service goroutine.
	Pending int `json:"pending"`
}

// Option configures a [Manager].
type Option func(*Manager)

// WithName sets the node name.
func WithName(name string) Option {
	return func(m *Manager) {
		if name != "" {
			m.name = name
		}
	}
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithEvents publishes lifecycle transitions to bus.
func WithEvents(bus *events.Bus) Option {
	return func(m *Manager) { m.bus = bus }
}

// Manager is the node lifecycle manager.
type Manager struct {
	mw     fabric.Middleware
	name   string
	logger *slog.Logger
	bus    *events.Bus

	// transition serializes Initialize and Shutdown, including observer
	// notification.
	transition sync.Mutex

	mu       sync.RWMutex
	phase    Phase
	since    time.Time
	domainID int
	fctx     fabric.Context
	node     fabric.Node
	exec     *fabric.Executor
	cancel   context.CancelFunc
	done     chan struct{}

	obsMu     sync.Mutex
	nextID    uint64
	observers []observerEntry
}

type observerEntry struct {
	reg *Registration
	obs Observer
}

// New creates a stopped manager that will create nodes through mw.
func New(mw fabric.Middleware, opts ...Option) *Manager {
	m := &Manager{
		mw:     mw,
		name:   DefaultName,
		logger: slog.Default(),
		since:  time.Now(),
	}
	for _, opt := range opts {
		opt(m)
	}
	metrics.NodePhase.Set(float64(PhaseStopped))
	metrics.NodeDomainID.Set(-1)
	return m
}

// Name returns the configured node name.
func (m *Manager) Name() string { return m.name }

// Initialize creates a context scoped to domainID, a node and an executor,
// starts the service goroutine and then notifies observers with an
// [UpEvent]. It is a no-op returning nil unless the manager is stopped.
//
// ctx bounds the creation steps only (for example a broker connect); the
// running node lives until [Manager.Shutdown]. On failure every resource
// created so far is closed, the manager stays stopped and no observer is
// notified.
func (m *Manager) Initialize(ctx context.Context, domainID int) error {
	m.transition.Lock()
	defer m.transition.Unlock()

	m.mu.Lock()
	if m.phase != PhaseStopped {
		current := m.domainID
		m.mu.Unlock()
		m.logger.Debug("node already initialized, ignoring", "domain_id", current, "requested", domainID)
		return nil
	}
	m.setPhaseLocked(PhaseStarting)
	m.mu.Unlock()

	fctx, node, exec, err := m.create(ctx, domainID)
	if err != nil {
		m.mu.Lock()
		m.setPhaseLocked(PhaseStopped)
		m.mu.Unlock()
		metrics.NodeTransitionsTotal.WithLabelValues("failed").Inc()
		m.bus.Emit(events.SourceNode, events.KindNodeFailed, map[string]any{
			"domain_id": domainID,
			"error":     err.Error(),
		})
		m.logger.Error("node initialize failed", "domain_id", domainID, "fabric", m.mw.Name(), "error", err)
		return fmt.Errorf("initialize node on domain %d: %w", domainID, err)
	}

	spinCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go m.serve(spinCtx, exec, done)

	m.mu.Lock()
	m.domainID = domainID
	m.fctx = fctx
	m.node = node
	m.exec = exec
	m.cancel = cancel
	m.done = done
	m.setPhaseLocked(PhaseRunning)
	m.mu.Unlock()

	metrics.NodeDomainID.Set(float64(domainID))
	metrics.NodeTransitionsTotal.WithLabelValues("up").Inc()
	m.logger.Info("node running", "node", m.name, "domain_id", domainID, "fabric", m.mw.Name())

	up := UpEvent{DomainID: domainID, Node: node}
	m.notify(func(o Observer) { o.NodeUp(up) })

	m.bus.Emit(events.SourceNode, events.KindNodeUp, map[string]any{
		"domain_id": domainID,
		"node":      m.name,
		"fabric":    m.mw.Name(),
	})
	return nil
}

// create builds context, node and executor, unwinding on failure.
func (m *Manager) create(ctx context.Context, domainID int) (fabric.Context, fabric.Node, *fabric.Executor, error) {
	fctx, err := m.mw.NewContext(ctx, domainID)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("create context: %w", err)
	}

	node, err := fctx.NewNode(m.name)
	if err != nil {
		m.closeQuietly("context", fctx.Close)
		return nil, nil, nil, fmt.Errorf("create node %q: %w", m.name, err)
	}

	exec, err := fctx.NewExecutor()
	if err != nil {
		m.closeQuietly("node", node.Close)
		m.closeQuietly("context", fctx.Close)
		return nil, nil, nil, fmt.Errorf("create executor: %w", err)
	}

	if err := exec.Add(node); err != nil {
		m.closeQuietly("node", node.Close)
		m.closeQuietly("executor", exec.Close)
		m.closeQuietly("context", fctx.Close)
		return nil, nil, nil, fmt.Errorf("add node to executor: %w", err)
	}
	return fctx, node, exec, nil
}

// serve spins the executor until ctx is cancelled. It never calls into
// publishers or sensors.
func (m *Manager) serve(ctx context.Context, exec *fabric.Executor, done chan struct{}) {
	defer close(done)
	if err := exec.Spin(ctx); err != nil {
		m.logger.Error("executor stopped with error", "node", m.name, "error", err)
	}
}

// Shutdown notifies observers with a [DownEvent], stops and joins the
// service goroutine, then closes the node, executor and context in that
// order. It is a no-op unless the manager is running. Registrations stay
// in place so enabled publishers rebind on the next Initialize; released
// registrations are gone already.
func (m *Manager) Shutdown() {
	m.transition.Lock()
	defer m.transition.Unlock()

	m.mu.Lock()
	if m.phase != PhaseRunning {
		m.mu.Unlock()
		return
	}
	m.setPhaseLocked(PhaseStopping)
	domainID := m.domainID
	fctx, node, exec := m.fctx, m.node, m.exec
	cancel, done := m.cancel, m.done
	m.mu.Unlock()

	down := DownEvent{DomainID: domainID}
	m.notify(func(o Observer) { o.NodeDown(down) })

	cancel()
	<-done

	m.closeQuietly("node", node.Close)
	m.closeQuietly("executor", exec.Close)
	m.closeQuietly("context", fctx.Close)

	m.mu.Lock()
	m.fctx, m.node, m.exec = nil, nil, nil
	m.cancel, m.done = nil, nil
	m.setPhaseLocked(PhaseStopped)
	m.mu.Unlock()

	metrics.NodeDomainID.Set(-1)
	metrics.NodeTransitionsTotal.WithLabelValues("down").Inc()
	m.logger.Info("node stopped", "node", m.name, "domain_id", domainID)
	m.bus.Emit(events.SourceNode, events.KindNodeDown, map[string]any{
		"domain_id": domainID,
		"node":      m.name,
	})
}

// Close shuts the node down if it is running.
func (m *Manager) Close() error {
	m.Shutdown()
	return nil
}

// Initialized reports whether the node is running.
func (m *Manager) Initialized() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.phase == PhaseRunning
}

// Phase returns the current lifecycle phase.
func (m *Manager) Phase() Phase {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.phase
}

// DomainID returns the domain of the running node.
func (m *Manager) DomainID() (int, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.domainID, m.phase == PhaseRunning
}

// Node returns the running node, or nil when the phase is anything but
// Running. A nil result means "not ready", never an error.
func (m *Manager) Node() fabric.Node {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.phase != PhaseRunning {
		return nil
	}
	return m.node
}

// AddObserver appends o to the observer list. The same observer may be
// added more than once. Release it with [Registration.Unregister].
func (m *Manager) AddObserver(o Observer) *Registration {
	m.obsMu.Lock()
	defer m.obsMu.Unlock()
	m.nextID++
	reg := &Registration{id: m.nextID, m: m}
	m.observers = append(m.observers, observerEntry{reg: reg, obs: o})
	return reg
}

// ObserverCount returns the number of active registrations.
func (m *Manager) ObserverCount() int {
	m.obsMu.Lock()
	defer m.obsMu.Unlock()
	return len(m.observers)
}

// Status returns a diagnostic snapshot.
func (m *Manager) Status() Status {
	m.mu.RLock()
	s := Status{
		Phase:  m.phase.String(),
		Node:   m.name,
		Fabric: m.mw.Name(),
		Since:  m.since,
	}
	if m.phase == PhaseRunning {
		id := m.domainID
		s.DomainID = &id
		s.Executor = &ExecutorStatus{
			Nodes:   m.exec.Nodes(),
			Pending: m.exec.Pending(),
		}
	}
	m.mu.RUnlock()
	s.Observers = m.ObserverCount()
	return s
}

func (m *Manager) removeObserver(id uint64) {
	m.obsMu.Lock()
	defer m.obsMu.Unlock()
	for i, e := range m.observers {
		if e.reg.id == id {
			m.observers = append(m.observers[:i], m.observers[i+1:]...)
			return
		}
	}
}

func (m *Manager) notify(call func(Observer)) {
	m.obsMu.Lock()
	snapshot := append([]observerEntry(nil), m.observers...)
	m.obsMu.Unlock()

	for _, e := range snapshot {
		if !e.reg.Active() {
			continue
		}
		m.callObserver(e, call)
	}
}

// callObserver isolates one observer: a panic is logged and the
// remaining observers are still notified.
func (m *Manager) callObserver(e observerEntry, call func(Observer)) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("node observer panicked", "registration", e.reg.id, "panic", r)
		}
	}()
	call(e.obs)
}

func (m *Manager) setPhaseLocked(p Phase) {
	m.phase = p
	m.since = time.Now()
	metrics.NodePhase.Set(float64(p))
}

func (m *Manager) closeQuietly(what string, closeFn func() error) {
	if err := closeFn(); err != nil {
		m.logger.Warn("node teardown error", "resource", what, "node", m.name, "error", err)
	}
}
