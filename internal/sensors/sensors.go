// Package sensors binds hardware sensor streams to lifecycle-bound
// publishers. A [Registry] enumerates the platform's sensors once per
// session, wraps every descriptor whose kind has a factory and drives the
// wrappers through Initialize and Shutdown.
//
// Platforms (Linux IIO, simulated) live in sub-packages and implement
// [Platform]; nothing here knows how readings are pumped.
package sensors

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrNoSuchChannel is returned by [Platform.Open] for a descriptor the
// platform did not produce.
var ErrNoSuchChannel = errors.New("sensors: descriptor does not belong to this platform")

// Kind is the type tag of a physical sensor. Values follow the Android
// sensor type numbering so descriptors from either source compare equal.
type Kind int

const (
	KindUnknown            Kind = 0
	KindAccelerometer      Kind = 1
	KindMagneticField      Kind = 2
	KindGyroscope          Kind = 4
	KindLight              Kind = 5
	KindPressure           Kind = 6
	KindProximity          Kind = 8
	KindRelativeHumidity   Kind = 12
	KindAmbientTemperature Kind = 13
)

var kindNames = map[Kind]string{
	KindUnknown:            "unknown",
	KindAccelerometer:      "accelerometer",
	KindMagneticField:      "magnetic_field",
	KindGyroscope:          "gyroscope",
	KindLight:              "light",
	KindPressure:           "pressure",
	KindProximity:          "proximity",
	KindRelativeHumidity:   "relative_humidity",
	KindAmbientTemperature: "ambient_temperature",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// ParseKind converts a config name ("light", "proximity", ...) to a Kind.
func ParseKind(s string) (Kind, error) {
	want := strings.ToLower(strings.TrimSpace(s))
	for k, name := range kindNames {
		if name == want {
			return k, nil
		}
	}
	return KindUnknown, fmt.Errorf("unknown sensor kind %q", s)
}

// Descriptor describes one discovered sensor. It is produced by
// [Platform.Sensors] and read-only afterwards.
type Descriptor struct {
	Kind   Kind   `json:"kind"`
	Name   string `json:"name"`
	Vendor string `json:"vendor,omitempty"`
	// Handle is the platform's opaque reference, passed back to Open.
	Handle     any           `json:"-"`
	Resolution float64       `json:"resolution,omitempty"`
	MaxRange   float64       `json:"max_range,omitempty"`
	MinDelay   time.Duration `json:"min_delay,omitempty"`
}

// Reading is one decoded sample. Values are in the platform-neutral
// units of the kind: lux for light, centimeters for proximity.
type Reading struct {
	Timestamp time.Time
	Values    []float64
}

// Platform enumerates sensors and opens their event streams.
type Platform interface {
	Name() string
	// Sensors returns every available descriptor.
	Sensors(ctx context.Context) ([]Descriptor, error)
	// Open starts the stream for desc. fn is called with each reading
	// on a platform goroutine until the stream is closed.
	Open(desc Descriptor, fn func(Reading)) (Stream, error)
}

// Stream is an open sensor event stream.
type Stream interface {
	// Close stops the stream. No callback runs after Close returns.
	Close() error
}
