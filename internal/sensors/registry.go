package sensors

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nugget/sensorbridge/internal/events"
	"github.com/nugget/sensorbridge/internal/metrics"
	"github.com/nugget/sensorbridge/internal/publisher"
)

// Default topics for the supported kinds.
const (
	DefaultIlluminanceTopic = "illuminance"
	DefaultRangeTopic       = "range"
)

// RegistryConfig controls how descriptors are wrapped.
type RegistryConfig struct {
	// Topics maps a kind to its base topic. Kinds without an entry use
	// the defaults, then the kind name.
	Topics map[Kind]string
	// Factories maps supported kinds to constructors. Nil means
	// [DefaultFactories].
	Factories map[Kind]Factory
	// Publisher options applied to every sensor's publisher.
	Publisher   []publisher.Option
	FieldOfView float32
	Events      *events.Bus
}

func (c RegistryConfig) topicFor(k Kind) string {
	if t, ok := c.Topics[k]; ok && t != "" {
		return t
	}
	switch k {
	case KindLight:
		return DefaultIlluminanceTopic
	case KindProximity:
		return DefaultRangeTopic
	}
	return k.String()
}

// Registry owns the wrapped sensors of one session. It is built once by
// [NewRegistry]; Shutdown empties it and a new session needs a new
// Registry.
type Registry struct {
	logger *slog.Logger
	bus    *events.Bus

	mu      sync.Mutex
	sensors []Sensor
}

// NewRegistry enumerates platform and wraps every descriptor whose kind
// has a factory. Enumeration failure is logged and yields an empty
// registry. Repeated kinds get numbered topics: illuminance,
// illuminance_1, illuminance_2.
func NewRegistry(ctx context.Context, platform Platform, nodes publisher.NodeSource, cfg RegistryConfig, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	factories := cfg.Factories
	if factories == nil {
		factories = DefaultFactories()
	}
	r := &Registry{logger: logger, bus: cfg.Events}

	descs, err := platform.Sensors(ctx)
	if err != nil {
		logger.Warn("could not get sensor list", "platform", platform.Name(), "error", err)
		descs = nil
	}
	logger.Info("got sensor list", "platform", platform.Name(), "count", len(descs))

	metrics.SensorsDiscovered.Reset()
	used := make(map[string]int)
	for _, desc := range descs {
		factory, ok := factories[desc.Kind]
		if !ok {
			logger.Debug("unsupported sensor kind, skipping",
				"sensor", desc.Name, "kind", desc.Kind.String())
			r.bus.Emit(events.SourceSensors, events.KindSensorDropped, map[string]any{
				"name": desc.Name,
				"kind": desc.Kind.String(),
			})
			continue
		}

		base := cfg.topicFor(desc.Kind)
		topic := base
		if n := used[base]; n > 0 {
			topic = fmt.Sprintf("%s_%d", base, n)
		}
		used[base]++

		r.sensors = append(r.sensors, factory(desc, Deps{
			Platform:    platform,
			Nodes:       nodes,
			Topic:       topic,
			Publisher:   cfg.Publisher,
			FieldOfView: cfg.FieldOfView,
			Logger:      logger,
			Events:      cfg.Events,
		}))
		metrics.SensorsDiscovered.WithLabelValues(desc.Kind.String()).Inc()

		logger.Debug("sensor added", "sensor", desc.Name, "kind", desc.Kind.String(), "topic", topic)
		r.bus.Emit(events.SourceSensors, events.KindSensorAdded, map[string]any{
			"name":  desc.Name,
			"kind":  desc.Kind.String(),
			"topic": topic,
		})
	}
	return r
}

// Initialize starts every sensor. Sensors that fail are reported in the
// joined error; the rest keep running.
func (r *Registry) Initialize() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for _, s := range r.sensors {
		if err := s.Initialize(); err != nil {
			r.logger.Warn("sensor failed to start", "sensor", s.Descriptor().Name, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Shutdown stops every sensor and empties the registry.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, s := range r.sensors {
		if err := s.Shutdown(); err != nil {
			r.logger.Warn("sensor shutdown failed", "sensor", s.Descriptor().Name, "error", err)
		}
	}
	r.sensors = nil
	metrics.SensorsDiscovered.Reset()
}

// Sensors returns a copy of the wrapped sensors.
func (r *Registry) Sensors() []Sensor {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Sensor(nil), r.sensors...)
}

// Len returns the number of wrapped sensors.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sensors)
}

// Statuses returns a snapshot of every sensor.
func (r *Registry) Statuses() []Status {
	out := make([]Status, 0, r.Len())
	for _, s := range r.Sensors() {
		out = append(out, s.Status())
	}
	return out
}
