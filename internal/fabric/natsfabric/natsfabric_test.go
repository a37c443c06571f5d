package natsfabric

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/nugget/sensorbridge/internal/fabric"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSubjects(t *testing.T) {
	s := subjects{prefix: "sensorbridge", domain: 9}

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"data", s.data("illuminance"), "sensorbridge.9.illuminance"},
		{"data namespaced", s.data("/phone1/range_1"), "sensorbridge.9.phone1.range_1"},
		{"data unsafe", s.data("a.b/c d"), "sensorbridge.9.a_b.c_d"},
		{"advert", s.advert("pixel"), "sensorbridge.9.graph.pixel"},
		{"withdraw", s.withdraw("pixel"), "sensorbridge.9.graph.pixel.withdraw"},
		{"query", s.query(), "sensorbridge.9.graph.query"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s = %q, want %q", tt.name, tt.got, tt.want)
		}
	}
}

func TestToken(t *testing.T) {
	if got := token("my node*>"); got != "my_node__" {
		t.Errorf("token() = %q, want my_node__", got)
	}
}

func TestNew(t *testing.T) {
	if _, err := New(Config{}, quietLogger()); err == nil {
		t.Error("New() without URL succeeded, want error")
	}
	f, err := New(Config{URL: "nats://127.0.0.1:4222"}, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if f.Name() != "nats" || f.cfg.SubjectPrefix != "sensorbridge" {
		t.Errorf("fabric = %s/%+v", f.Name(), f.cfg)
	}
}

func TestContext_Lifecycle(t *testing.T) {
	f, err := New(Config{URL: "nats://127.0.0.1:4222"}, quietLogger())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	c, err := f.NewContext(context.Background(), 1)
	if err != nil {
		t.Fatalf("NewContext() error = %v", err)
	}
	if _, err := c.NewExecutor(); err != nil {
		t.Fatalf("NewExecutor() error = %v", err)
	}
	if _, err := c.NewExecutor(); err == nil {
		t.Error("second NewExecutor() succeeded, want error")
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := c.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
	if _, err := c.NewNode("pixel"); !errors.Is(err, fabric.ErrClosed) {
		t.Errorf("NewNode() after Close error = %v, want ErrClosed", err)
	}
}
