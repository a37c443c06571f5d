// Package simulated provides a sensor platform that generates readings
// from configured sine sweeps. It stands in for hardware on development
// machines and in tests.
package simulated

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/nugget/sensorbridge/internal/sensors"
)

// Spec describes one simulated sensor. Readings sweep between Min and
// Max over Period, sampled every Interval.
type Spec struct {
	Kind     sensors.Kind
	Name     string
	Min, Max float64
	Period   time.Duration
	Interval time.Duration
}

func (s Spec) valueAt(elapsed time.Duration) float64 {
	period := s.Period
	if period <= 0 {
		period = time.Minute
	}
	phase := 2 * math.Pi * float64(elapsed) / float64(period)
	return s.Min + (s.Max-s.Min)*(0.5+0.5*math.Sin(phase))
}

// Platform is a [sensors.Platform] over a fixed list of specs.
type Platform struct {
	specs  []Spec
	start  time.Time
	logger *slog.Logger
}

// New creates a platform serving specs.
func New(specs []Spec, logger *slog.Logger) *Platform {
	if logger == nil {
		logger = slog.Default()
	}
	return &Platform{
		specs:  append([]Spec(nil), specs...),
		start:  time.Now(),
		logger: logger,
	}
}

// Name implements [sensors.Platform].
func (p *Platform) Name() string { return "simulated" }

// Sensors implements [sensors.Platform].
func (p *Platform) Sensors(context.Context) ([]sensors.Descriptor, error) {
	out := make([]sensors.Descriptor, 0, len(p.specs))
	for i, s := range p.specs {
		out = append(out, sensors.Descriptor{
			Kind:     s.Kind,
			Name:     s.Name,
			Vendor:   "sensorbridge",
			Handle:   handle(i),
			MaxRange: s.Max,
			MinDelay: s.Interval,
		})
	}
	return out, nil
}

type handle int

// Open implements [sensors.Platform].
func (p *Platform) Open(desc sensors.Descriptor, fn func(sensors.Reading)) (sensors.Stream, error) {
	h, ok := desc.Handle.(handle)
	if !ok || int(h) < 0 || int(h) >= len(p.specs) {
		return nil, fmt.Errorf("open %s: %w", desc.Name, sensors.ErrNoSuchChannel)
	}
	spec := p.specs[h]
	return sensors.NewPollStream(spec.Interval, func(now time.Time) (sensors.Reading, error) {
		return sensors.Reading{
			Timestamp: now,
			Values:    []float64{spec.valueAt(now.Sub(p.start))},
		}, nil
	}, fn, p.logger.With("sensor", desc.Name)), nil
}
