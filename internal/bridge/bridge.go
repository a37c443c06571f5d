// Package bridge starts and stops the whole sensor-to-fabric pipeline on
// a chosen domain: the node first, then the sensors; and the reverse on
// the way down.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nugget/sensorbridge/internal/events"
	"github.com/nugget/sensorbridge/internal/node"
	"github.com/nugget/sensorbridge/internal/sensors"
)

// MaxDomainID is the largest usable domain id.
const MaxDomainID = 232

// ErrInvalidDomain is returned for a domain id outside 0..MaxDomainID.
var ErrInvalidDomain = errors.New("invalid domain id")

// ValidateDomain reports whether id is a usable domain id.
func ValidateDomain(id int) error {
	if id < 0 || id > MaxDomainID {
		return fmt.Errorf("%w: %d (want 0..%d)", ErrInvalidDomain, id, MaxDomainID)
	}
	return nil
}

// Status is a diagnostic snapshot of the bridge.
type Status struct {
	Running bool             `json:"running"`
	Node    node.Status      `json:"node"`
	Sensors []sensors.Status `json:"sensors"`
}

// Bridge ties a node manager to a sensor platform. Each Start builds a
// fresh sensor registry; Stop tears it down.
type Bridge struct {
	nodes    *node.Manager
	platform sensors.Platform
	cfg      sensors.RegistryConfig
	logger   *slog.Logger
	bus      *events.Bus

	mu       sync.Mutex
	registry *sensors.Registry
}

// New creates a stopped bridge. A nil logger uses [slog.Default].
func New(nodes *node.Manager, platform sensors.Platform, cfg sensors.RegistryConfig, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		nodes:    nodes,
		platform: platform,
		cfg:      cfg,
		logger:   logger,
		bus:      cfg.Events,
	}
}

// Start brings the node up on domainID, then discovers and starts the
// sensors. Sensors that fail to start are logged and skipped; only a
// node failure fails Start. Starting a running bridge is a no-op.
func (b *Bridge) Start(ctx context.Context, domainID int) error {
	if err := ValidateDomain(domainID); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.startLocked(ctx, domainID)
}

func (b *Bridge) startLocked(ctx context.Context, domainID int) error {
	if b.registry != nil {
		return nil
	}
	if err := b.nodes.Initialize(ctx, domainID); err != nil {
		return fmt.Errorf("start bridge: %w", err)
	}

	b.registry = sensors.NewRegistry(ctx, b.platform, b.nodes, b.cfg, b.logger)
	if err := b.registry.Initialize(); err != nil {
		b.logger.Warn("some sensors did not start", "error", err)
	}
	b.logger.Info("bridge started",
		"domain_id", domainID,
		"platform", b.platform.Name(),
		"sensors", b.registry.Len(),
	)
	return nil
}

// Stop shuts the sensors down, then the node. It is idempotent.
func (b *Bridge) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.registry == nil {
		return
	}
	b.registry.Shutdown()
	b.registry = nil
	b.nodes.Shutdown()
	b.logger.Info("bridge stopped")
}

// SetDomain moves the bridge to domain id. A running bridge restarts only
// its node; enabled publishers rebind on the new domain without the
// sensors being touched. A stopped bridge is started.
func (b *Bridge) SetDomain(ctx context.Context, id int) error {
	if err := ValidateDomain(id); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.registry == nil {
		return b.startLocked(ctx, id)
	}

	from, ok := b.nodes.DomainID()
	if ok && from == id {
		return nil
	}

	b.nodes.Shutdown()
	if err := b.nodes.Initialize(ctx, id); err != nil {
		// Sensors stay up with their publishers waiting for a node.
		return fmt.Errorf("set domain %d: %w", id, err)
	}

	b.logger.Info("domain changed", "from", from, "to", id)
	b.bus.Emit(events.SourceBridge, events.KindDomainChanged, map[string]any{
		"from": from,
		"to":   id,
	})
	return nil
}

// Running reports whether Start has succeeded without a matching Stop.
func (b *Bridge) Running() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.registry != nil
}

// Status returns a diagnostic snapshot.
func (b *Bridge) Status() Status {
	b.mu.Lock()
	reg := b.registry
	b.mu.Unlock()

	s := Status{
		Running: reg != nil,
		Node:    b.nodes.Status(),
		Sensors: []sensors.Status{},
	}
	if reg != nil {
		s.Sensors = reg.Statuses()
	}
	return s
}
