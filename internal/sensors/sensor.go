package sensors

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/nugget/sensorbridge/internal/events"
	"github.com/nugget/sensorbridge/internal/metrics"
	"github.com/nugget/sensorbridge/internal/msgs"
	"github.com/nugget/sensorbridge/internal/publisher"
)

// Sensor is one hardware sensor bound to one publisher.
type Sensor interface {
	Descriptor() Descriptor
	// Initialize opens the hardware stream and enables the publisher.
	// The publisher binds now or on the next NodeUp.
	Initialize() error
	// Shutdown closes the stream, then the publisher. A shut down
	// sensor cannot be initialized again.
	Shutdown() error
	Status() Status
}

// Status is a diagnostic snapshot of a sensor.
type Status struct {
	Name      string           `json:"name"`
	Kind      string           `json:"kind"`
	Vendor    string           `json:"vendor,omitempty"`
	Streaming bool             `json:"streaming"`
	Readings  uint64           `json:"readings"`
	Publisher publisher.Status `json:"publisher"`
}

// Deps is what a [Factory] needs to build a sensor.
type Deps struct {
	Platform  Platform
	Nodes     publisher.NodeSource
	Topic     string
	FrameID   string
	Publisher []publisher.Option
	// FieldOfView is reported by range sensors, in radians.
	FieldOfView float32
	Logger      *slog.Logger
	Events      *events.Bus
}

// Factory wraps a descriptor of a supported kind.
type Factory func(desc Descriptor, deps Deps) Sensor

// DefaultFactories returns the factories for every supported kind.
func DefaultFactories() map[Kind]Factory {
	return map[Kind]Factory{
		KindLight:     NewIlluminanceSensor,
		KindProximity: NewRangeSensor,
	}
}

// streamSensor pumps readings from a platform stream into a publisher,
// converting each one with convert.
type streamSensor[T msgs.Message] struct {
	desc     Descriptor
	deps     Deps
	pub      *publisher.Publisher[T]
	convert  func(Reading) (T, bool)
	logger   *slog.Logger
	readings atomic.Uint64

	mu     sync.Mutex
	stream Stream
	done   bool
}

func newStreamSensor[T msgs.Message](desc Descriptor, deps Deps, convert func(Reading) (T, bool)) *streamSensor[T] {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("sensor", desc.Name, "topic", deps.Topic)
	opts := append([]publisher.Option{publisher.WithLogger(logger), publisher.WithEvents(deps.Events)}, deps.Publisher...)
	return &streamSensor[T]{
		desc:    desc,
		deps:    deps,
		pub:     publisher.New[T](deps.Nodes, deps.Topic, opts...),
		convert: convert,
		logger:  logger,
	}
}

func (s *streamSensor[T]) Descriptor() Descriptor { return s.desc }

func (s *streamSensor[T]) Initialize() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.done {
		return fmt.Errorf("initialize %s: sensor is shut down", s.desc.Name)
	}
	if s.stream != nil {
		return nil
	}

	stream, err := s.deps.Platform.Open(s.desc, s.onReading)
	if err != nil {
		return fmt.Errorf("open %s stream: %w", s.desc.Name, err)
	}
	s.stream = stream
	s.pub.Enable()

	s.logger.Info("sensor started", "kind", s.desc.Kind.String())
	s.deps.Events.Emit(events.SourceSensors, events.KindSensorStarted, map[string]any{
		"name":  s.desc.Name,
		"topic": s.deps.Topic,
	})
	return nil
}

func (s *streamSensor[T]) Shutdown() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.done {
		return nil
	}
	s.done = true

	var err error
	if s.stream != nil {
		if cerr := s.stream.Close(); cerr != nil {
			err = fmt.Errorf("close %s stream: %w", s.desc.Name, cerr)
		}
		s.stream = nil
	}
	if cerr := s.pub.Close(); cerr != nil {
		err = errors.Join(err, fmt.Errorf("close %s publisher: %w", s.desc.Name, cerr))
	}

	s.logger.Info("sensor stopped", "readings", s.readings.Load())
	s.deps.Events.Emit(events.SourceSensors, events.KindSensorStopped, map[string]any{
		"name":  s.desc.Name,
		"topic": s.deps.Topic,
	})
	return err
}

func (s *streamSensor[T]) Status() Status {
	s.mu.Lock()
	streaming := s.stream != nil
	s.mu.Unlock()
	return Status{
		Name:      s.desc.Name,
		Kind:      s.desc.Kind.String(),
		Vendor:    s.desc.Vendor,
		Streaming: streaming,
		Readings:  s.readings.Load(),
		Publisher: s.pub.Status(),
	}
}

// onReading runs on the platform goroutine.
func (s *streamSensor[T]) onReading(r Reading) {
	s.readings.Add(1)
	metrics.SensorReadingsTotal.WithLabelValues(s.desc.Kind.String()).Inc()

	msg, ok := s.convert(r)
	if !ok {
		return
	}
	s.pub.Publish(msg)
}

func frameID(desc Descriptor, deps Deps) string {
	if deps.FrameID != "" {
		return deps.FrameID
	}
	return desc.Name
}

// NewIlluminanceSensor wraps a light sensor. Readings are lux and are
// published as [msgs.Illuminance] with unknown variance.
func NewIlluminanceSensor(desc Descriptor, deps Deps) Sensor {
	frame := frameID(desc, deps)
	return newStreamSensor(desc, deps, func(r Reading) (msgs.Illuminance, bool) {
		if len(r.Values) == 0 {
			return msgs.Illuminance{}, false
		}
		return msgs.Illuminance{
			Header: msgs.Header{
				Stamp:   msgs.FromTime(r.Timestamp),
				FrameID: frame,
			},
			Illuminance: r.Values[0],
		}, true
	})
}

// NewRangeSensor wraps a proximity sensor. Readings are centimeters and
// are published in meters as an infrared [msgs.Range]. MaxRange comes
// from the descriptor; when the platform does not know it, the reading
// itself is reported as the maximum.
func NewRangeSensor(desc Descriptor, deps Deps) Sensor {
	frame := frameID(desc, deps)
	maxRange := float32(desc.MaxRange / 100)
	return newStreamSensor(desc, deps, func(r Reading) (msgs.Range, bool) {
		if len(r.Values) == 0 {
			return msgs.Range{}, false
		}
		distance := float32(r.Values[0] / 100)
		upper := maxRange
		if upper <= 0 {
			upper = distance
		}
		return msgs.Range{
			Header: msgs.Header{
				Stamp:   msgs.FromTime(r.Timestamp),
				FrameID: frame,
			},
			RadiationType: msgs.RadiationInfrared,
			FieldOfView:   deps.FieldOfView,
			MinRange:      0,
			MaxRange:      upper,
			Range:         distance,
		}, true
	})
}
