package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"text/tabwriter"

	"github.com/nugget/sensorbridge/internal/sensors"
)

// sensorRow is one line of "sensorbridge sensors" output.
type sensorRow struct {
	Name       string  `json:"name"`
	Kind       string  `json:"kind"`
	Vendor     string  `json:"vendor,omitempty"`
	Resolution float64 `json:"resolution,omitempty"`
	MaxRange   float64 `json:"max_range,omitempty"`
	Supported  bool    `json:"supported"`
}

// runSensors enumerates the configured platform and prints what it
// reports. Nothing is opened and no fabric is touched.
func runSensors(ctx context.Context, stdout io.Writer, opts options) error {
	cfg, _, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}

	// Only warnings matter here; keep them off the listing.
	logger := newLogger(io.Discard, slog.LevelWarn, "text")
	platform, err := newPlatform(cfg, logger)
	if err != nil {
		return err
	}

	descs, err := platform.Sensors(ctx)
	if err != nil {
		return fmt.Errorf("enumerate %s sensors: %w", platform.Name(), err)
	}

	factories := sensors.DefaultFactories()
	rows := make([]sensorRow, 0, len(descs))
	for _, d := range descs {
		_, ok := factories[d.Kind]
		rows = append(rows, sensorRow{
			Name:       d.Name,
			Kind:       d.Kind.String(),
			Vendor:     d.Vendor,
			Resolution: d.Resolution,
			MaxRange:   d.MaxRange,
			Supported:  ok,
		})
	}

	if opts.outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(rows)
	}

	if len(rows) == 0 {
		fmt.Fprintf(stdout, "No sensors reported by the %s platform.\n", platform.Name())
		return nil
	}
	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tKIND\tVENDOR\tMAX RANGE\tPUBLISHED")
	for _, r := range rows {
		published := "no"
		if r.Supported {
			published = "yes"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%g\t%s\n", r.Name, r.Kind, r.Vendor, r.MaxRange, published)
	}
	return tw.Flush()
}
