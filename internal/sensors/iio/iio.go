// Package iio enumerates and polls Linux Industrial I/O sensors through
// sysfs (/sys/bus/iio/devices). Each supported channel of a device
// becomes one descriptor; vector channels (accel, anglvel, magn) are
// described once per device by their x axis.
package iio

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/nugget/sensorbridge/internal/sensors"
)

// DefaultRoot is where the kernel exposes IIO devices.
const DefaultRoot = "/sys/bus/iio/devices"

// channelType maps a sysfs channel prefix to a sensor kind. factor
// converts the scaled value to the kind's reading unit.
type channelType struct {
	prefix string
	kind   sensors.Kind
	factor float64
}

var channelTypes = []channelType{
	{"in_illuminance", sensors.KindLight, 1},
	// IIO distance is meters; proximity readings are centimeters.
	{"in_distance", sensors.KindProximity, 100},
	{"in_accel_x", sensors.KindAccelerometer, 1},
	{"in_anglvel_x", sensors.KindGyroscope, 1},
	{"in_magn_x", sensors.KindMagneticField, 1},
	{"in_pressure", sensors.KindPressure, 1},
	{"in_temp", sensors.KindAmbientTemperature, 1},
	{"in_humidityrelative", sensors.KindRelativeHumidity, 1},
}

// channel is the descriptor Handle for an IIO channel.
type channel struct {
	dir    string
	value  string // file holding the value, _input or _raw
	scale  float64
	offset float64
	factor float64
}

func (c *channel) read() (float64, error) {
	v, err := readFloat(filepath.Join(c.dir, c.value))
	if err != nil {
		return 0, err
	}
	return (v + c.offset) * c.scale * c.factor, nil
}

// Platform reads IIO devices under a sysfs root.
type Platform struct {
	root     string
	interval time.Duration
	logger   *slog.Logger
}

// New creates a platform rooted at root (empty means [DefaultRoot])
// that polls open channels every interval.
func New(root string, interval time.Duration, logger *slog.Logger) *Platform {
	if root == "" {
		root = DefaultRoot
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Platform{root: root, interval: interval, logger: logger}
}

// Name implements [sensors.Platform].
func (p *Platform) Name() string { return "iio" }

// Sensors implements [sensors.Platform]. Devices are returned in sysfs
// order; a device that cannot be read is skipped with a warning.
func (p *Platform) Sensors(ctx context.Context) ([]sensors.Descriptor, error) {
	entries, err := os.ReadDir(p.root)
	if err != nil {
		return nil, fmt.Errorf("read iio root %s: %w", p.root, err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	var out []sensors.Descriptor
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !strings.HasPrefix(e.Name(), "iio:device") {
			continue
		}
		descs, err := p.device(filepath.Join(p.root, e.Name()))
		if err != nil {
			p.logger.Warn("skipping iio device", "device", e.Name(), "error", err)
			continue
		}
		out = append(out, descs...)
	}
	return out, nil
}

func (p *Platform) device(dir string) ([]sensors.Descriptor, error) {
	files, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	present := make(map[string]bool, len(files))
	for _, f := range files {
		present[f.Name()] = true
	}

	name := filepath.Base(dir)
	if b, err := os.ReadFile(filepath.Join(dir, "name")); err == nil {
		name = strings.TrimSpace(string(b))
	}

	var out []sensors.Descriptor
	for _, ct := range channelTypes {
		ch, ok := p.channel(dir, ct, present)
		if !ok {
			continue
		}
		label := strings.TrimPrefix(ct.prefix, "in_")
		label = strings.TrimSuffix(label, "_x")
		out = append(out, sensors.Descriptor{
			Kind:     ct.kind,
			Name:     name + " " + label,
			Vendor:   "iio",
			Handle:   ch,
			MinDelay: p.interval,
		})
	}
	return out, nil
}

// channel resolves the value, scale and offset files for one channel
// type. Scale and offset may be per-axis (in_accel_x_scale) or shared
// (in_accel_scale).
func (p *Platform) channel(dir string, ct channelType, present map[string]bool) (*channel, bool) {
	ch := &channel{dir: dir, scale: 1, factor: ct.factor}

	switch {
	case present[ct.prefix+"_input"]:
		ch.value = ct.prefix + "_input"
		return ch, true
	case present[ct.prefix+"_raw"]:
		ch.value = ct.prefix + "_raw"
	default:
		return nil, false
	}

	shared := strings.TrimSuffix(ct.prefix, "_x")
	for _, base := range []string{ct.prefix, shared} {
		if present[base+"_scale"] {
			if v, err := readFloat(filepath.Join(dir, base+"_scale")); err == nil {
				ch.scale = v
			}
			break
		}
	}
	for _, base := range []string{ct.prefix, shared} {
		if present[base+"_offset"] {
			if v, err := readFloat(filepath.Join(dir, base+"_offset")); err == nil {
				ch.offset = v
			}
			break
		}
	}
	return ch, true
}

// Open implements [sensors.Platform] by polling the channel's value
// file.
func (p *Platform) Open(desc sensors.Descriptor, fn func(sensors.Reading)) (sensors.Stream, error) {
	ch, ok := desc.Handle.(*channel)
	if !ok {
		return nil, fmt.Errorf("open %s: %w", desc.Name, sensors.ErrNoSuchChannel)
	}
	if _, err := ch.read(); err != nil {
		return nil, fmt.Errorf("open %s: %w", desc.Name, err)
	}
	logger := p.logger.With("sensor", desc.Name)
	return sensors.NewPollStream(p.interval, func(now time.Time) (sensors.Reading, error) {
		v, err := ch.read()
		if err != nil {
			return sensors.Reading{}, err
		}
		return sensors.Reading{Timestamp: now, Values: []float64{v}}, nil
	}, fn, logger), nil
}

func readFloat(path string) (float64, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(string(b)), 64)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	return v, nil
}
