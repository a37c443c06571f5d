// Package buildinfo reports what the release build stamped into the
// binary, and how long the process has been up.
//
//	go build -ldflags "-X github.com/nugget/sensorbridge/internal/buildinfo.Version=v0.3.0"
//
// A binary built with "go install ...@version" carries no ldflags; its
// module version is used instead.
package buildinfo

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"time"
)

// Stamped by -ldflags. The defaults mark a local build.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

var started = time.Now()

// Info is what /v1/version and the version command report.
func Info() map[string]string {
	return map[string]string{
		"version":    resolvedVersion(),
		"git_commit": GitCommit,
		"build_time": BuildTime,
		"go_version": runtime.Version(),
		"os":         runtime.GOOS,
		"arch":       runtime.GOARCH,
		"uptime":     Uptime().String(),
	}
}

// Uptime is whole seconds since the process started.
func Uptime() time.Duration {
	return time.Since(started).Truncate(time.Second)
}

// String is the startup banner.
func String() string {
	return fmt.Sprintf("sensorbridge %s (%s) built %s", resolvedVersion(), GitCommit, BuildTime)
}

func resolvedVersion() string {
	if Version != "dev" {
		return Version
	}
	return moduleVersion(debug.ReadBuildInfo)
}

// moduleVersion falls back to the main module version, or "dev" for a
// source-tree build.
func moduleVersion(read func() (*debug.BuildInfo, bool)) string {
	bi, ok := read()
	if !ok || bi.Main.Version == "" || bi.Main.Version == "(devel)" {
		return "dev"
	}
	return bi.Main.Version
}
