// Sensorbridge publishes local hardware sensor readings onto a
// publish/subscribe messaging fabric (MQTT, NATS, or in-process loopback)
// under a numeric domain id.
//
// Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	sensorbridge serve [-domain N]   Start publishing
//	sensorbridge sensors             List the sensors the platform reports
//	sensorbridge init [dir]          Write an example config.yaml
//	sensorbridge version             Print version and build information
//	sensorbridge -o json version     Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/nugget/sensorbridge/internal/buildinfo"
	"github.com/nugget/sensorbridge/internal/config"
)

// main constructs the OS-level environment (context, stdio, argv) and
// delegates immediately to [run] so the whole lifecycle can be driven
// from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// options holds the parsed command line.
type options struct {
	configPath string
	outputFmt  string // "text" (default) or "json"
	domainID   int    // -1 when not given
	command    string
	cmdArgs    []string
}

// parseArgs parses args by hand. The flag package relies on package-level
// globals, which makes it impossible to call run concurrently from tests.
func parseArgs(args []string) (options, bool, error) {
	opts := options{domainID: -1}

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			opts.configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			opts.configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			opts.outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			opts.outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			opts.outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-domain" && i+1 < len(args):
			id, err := parseDomain(args[i+1])
			if err != nil {
				return opts, false, err
			}
			opts.domainID = id
			i++
		case strings.HasPrefix(args[i], "-domain="):
			id, err := parseDomain(strings.TrimPrefix(args[i], "-domain="))
			if err != nil {
				return opts, false, err
			}
			opts.domainID = id
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return opts, true, nil
		case !strings.HasPrefix(args[i], "-") && opts.command == "":
			opts.command = args[i]
		default:
			if opts.command != "" {
				opts.cmdArgs = append(opts.cmdArgs, args[i])
			} else {
				return opts, false, fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if opts.outputFmt == "" {
		opts.outputFmt = "text"
	}
	if opts.outputFmt != "text" && opts.outputFmt != "json" {
		return opts, false, fmt.Errorf("unknown output format: %q (expected text or json)", opts.outputFmt)
	}
	return opts, false, nil
}

func parseDomain(s string) (int, error) {
	id, err := strconv.Atoi(s)
	if err != nil || id < 0 {
		return 0, fmt.Errorf("invalid -domain %q: want a non-negative integer", s)
	}
	return id, nil
}

// run is the real entry point. ctx controls the lifetime of the process,
// structured logs go to stdout, and args is os.Args[1:]. It returns nil
// on clean shutdown.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	opts, help, err := parseArgs(args)
	if err != nil {
		return err
	}
	if help {
		return printUsage(stdout)
	}

	switch opts.command {
	case "serve":
		return runServe(ctx, stdout, stderr, opts)
	case "sensors":
		return runSensors(ctx, stdout, opts)
	case "init":
		dir := "."
		if len(opts.cmdArgs) > 0 {
			dir = opts.cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "version":
		return runVersion(stdout, opts.outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", opts.command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "sensorbridge - publish hardware sensors onto a messaging fabric")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: sensorbridge [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Start publishing (SIGHUP reloads domain_id)")
	fmt.Fprintln(w, "  sensors      List the sensors the configured platform reports")
	fmt.Fprintln(w, "  init [dir]   Write an example config.yaml (default: .)")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -domain <id>      Domain id to join, overrides domain_id (0..232)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/sensorbridge/config.yaml, /etc/sensorbridge/config.yaml")
	return nil
}

// newLogger creates a structured logger that writes to w at the given
// level and format. Format "json" selects the JSON handler; anything else
// is text.
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// loadConfig locates, parses and validates the YAML configuration file.
// Returns the parsed config, the path that was loaded, and any error.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, cfgPath, fmt.Errorf("invalid config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}
