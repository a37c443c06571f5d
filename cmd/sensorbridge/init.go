package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/nugget/sensorbridge/internal/defaults"
)

// runInit prepares dir for a first run: the data directory that holds
// the instance id, and an example config.yaml. Existing files are left
// alone.
func runInit(w io.Writer, dir string) error {
	fmt.Fprintf(w, "Initializing sensorbridge in %s\n", dir)

	dataDir := filepath.Join(dir, "data")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dataDir, err)
	}
	fmt.Fprintf(w, "  ✓ %s\n", dataDir)

	configPath := filepath.Join(dir, "config.yaml")
	if err := writeIfMissing(configPath, defaults.ConfigYAML); err != nil {
		return err
	}
	fmt.Fprintf(w, "  ✓ %s\n", configPath)

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Edit config.yaml to pick a fabric and domain_id, then run: sensorbridge serve")
	return nil
}

// writeIfMissing writes content to path only if the file does not already
// exist, so init never overwrites a customized config. The file may carry
// broker credentials and is created owner-only.
func writeIfMissing(path string, content []byte) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("stat %s: %w", path, err)
	}
	if err := os.WriteFile(path, content, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
