package iio

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/nugget/sensorbridge/internal/sensors"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// writeDevice builds a fake sysfs device directory.
func writeDevice(t *testing.T, root, dev string, files map[string]string) {
	t.Helper()
	dir := filepath.Join(root, dev)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content+"\n"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func TestPlatform_Sensors(t *testing.T) {
	root := t.TempDir()
	writeDevice(t, root, "iio:device0", map[string]string{
		"name":                  "tsl2563",
		"in_illuminance_input":  "120",
		"in_intensity_both_raw": "42",
	})
	writeDevice(t, root, "iio:device1", map[string]string{
		"name":             "bmi160",
		"in_accel_x_raw":   "10",
		"in_accel_y_raw":   "11",
		"in_accel_scale":   "0.5",
		"in_anglvel_x_raw": "3",
	})
	writeDevice(t, root, "iio:device2", map[string]string{
		"name":              "vl53l0x",
		"in_distance_raw":   "250",
		"in_distance_scale": "0.001",
	})
	writeDevice(t, root, "trigger0", map[string]string{"name": "sysfstrig0"})

	p := New(root, time.Second, quietLogger())
	descs, err := p.Sensors(context.Background())
	if err != nil {
		t.Fatalf("Sensors() error = %v", err)
	}

	want := []struct {
		name string
		kind sensors.Kind
	}{
		{"tsl2563 illuminance", sensors.KindLight},
		{"bmi160 accel", sensors.KindAccelerometer},
		{"bmi160 anglvel", sensors.KindGyroscope},
		{"vl53l0x distance", sensors.KindProximity},
	}
	if len(descs) != len(want) {
		t.Fatalf("Sensors() = %d descriptors, want %d: %+v", len(descs), len(want), descs)
	}
	for i, w := range want {
		if descs[i].Name != w.name || descs[i].Kind != w.kind {
			t.Errorf("descs[%d] = %q/%v, want %q/%v", i, descs[i].Name, descs[i].Kind, w.name, w.kind)
		}
		if descs[i].Vendor != "iio" {
			t.Errorf("descs[%d].Vendor = %q, want iio", i, descs[i].Vendor)
		}
	}
}

func TestPlatform_SensorsMissingRoot(t *testing.T) {
	p := New(filepath.Join(t.TempDir(), "absent"), time.Second, quietLogger())
	if _, err := p.Sensors(context.Background()); err == nil {
		t.Error("Sensors() on missing root succeeded, want error")
	}
}

func TestChannel_ReadAppliesScaleOffsetAndFactor(t *testing.T) {
	root := t.TempDir()
	writeDevice(t, root, "iio:device0", map[string]string{
		"in_distance_raw":    "250",
		"in_distance_scale":  "0.001",
		"in_distance_offset": "10",
	})
	p := New(root, time.Second, quietLogger())
	descs, err := p.Sensors(context.Background())
	if err != nil || len(descs) != 1 {
		t.Fatalf("Sensors() = %v, %v", descs, err)
	}

	ch := descs[0].Handle.(*channel)
	got, err := ch.read()
	if err != nil {
		t.Fatalf("read() error = %v", err)
	}
	// (250 + 10) * 0.001 m = 0.26 m = 26 cm
	if math.Abs(got-26) > 1e-9 {
		t.Errorf("read() = %v, want 26", got)
	}
}

func TestPlatform_OpenPolls(t *testing.T) {
	defer goleak.VerifyNone(t)

	root := t.TempDir()
	writeDevice(t, root, "iio:device0", map[string]string{
		"name":                 "als",
		"in_illuminance_input": "88.5",
	})
	p := New(root, 5*time.Millisecond, quietLogger())
	descs, err := p.Sensors(context.Background())
	if err != nil || len(descs) != 1 {
		t.Fatalf("Sensors() = %v, %v", descs, err)
	}

	got := make(chan sensors.Reading, 8)
	stream, err := p.Open(descs[0], func(r sensors.Reading) {
		select {
		case got <- r:
		default:
		}
	})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer stream.Close()

	select {
	case r := <-got:
		if len(r.Values) != 1 || r.Values[0] != 88.5 {
			t.Errorf("reading = %v, want [88.5]", r.Values)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no reading")
	}
}

func TestPlatform_OpenForeignDescriptor(t *testing.T) {
	p := New(t.TempDir(), time.Second, quietLogger())
	_, err := p.Open(sensors.Descriptor{Name: "x", Kind: sensors.KindLight}, func(sensors.Reading) {})
	if !errors.Is(err, sensors.ErrNoSuchChannel) {
		t.Errorf("Open() error = %v, want ErrNoSuchChannel", err)
	}
}
