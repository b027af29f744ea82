// Roomsense is an IoT sensor-mesh gateway and room-occupancy engine.
//
// It connects facility sensor meshes over MQTT, bridges Zigbee devices
// into a canonical event vocabulary, and maintains live room-occupancy
// state backed by Redis. Configuration is loaded from a single YAML
// file discovered automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	roomsense serve       Start the gateway
//	roomsense init [dir]  Write an example config.yaml (default: .)
//	roomsense version     Print version and build information
//	roomsense -o json version   Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/petalacloud/roomsense/internal/api"
	"github.com/petalacloud/roomsense/internal/bridge"
	"github.com/petalacloud/roomsense/internal/buildinfo"
	"github.com/petalacloud/roomsense/internal/config"
	"github.com/petalacloud/roomsense/internal/mesh"
	"github.com/petalacloud/roomsense/internal/occupancy"
	"github.com/petalacloud/roomsense/internal/storage"
)

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run]. This keeps
// os.Exit, os.Stdout, and os.Args out of the application logic so that
// the full startup-to-shutdown lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the roomsense command. All OS-level
// dependencies are injected as parameters:
//
//   - ctx controls the lifetime of the process. Cancelling it triggers
//     graceful shutdown of all servers and background goroutines.
//   - stdout and stderr receive all program output. Structured logs go
//     to stdout; fatal error messages go to stderr.
//   - args is os.Args[1:] — the command-line arguments after the program
//     name. We parse these manually rather than using the flag package
//     to avoid global state that interferes with parallel tests.
//
// run returns nil on clean shutdown and a non-nil error for any failure.
// The caller (main) is responsible for printing the error and exiting.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++ // skip the value
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		case !strings.HasPrefix(args[i], "-"):
			cmdArgs = append(cmdArgs, args[i])
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, stderr, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
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
	// Print fields in a stable order for human readability.
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w. It is called when
// roomsense is invoked with no arguments, or with -h / --help.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Roomsense - Sensor Mesh Gateway and Occupancy Engine")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: roomsense [flags] <command>")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Start the gateway")
	fmt.Fprintln(w, "  init [dir]   Write an example config.yaml (default: .)")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/roomsense/config.yaml, /etc/roomsense/config.yaml")
	return nil
}

// runServe boots the full gateway: occupancy store, state engine, mesh
// client, optional Zigbee bridge, and the HTTP API. It blocks until the
// context is cancelled (SIGINT/SIGTERM) or the API server fails.
func runServe(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string) error {
	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logger := newLogger(stdout, level, "text")
	slog.SetDefault(logger)

	logger.Info(buildinfo.String())
	logger.Info("config loaded", "path", cfgPath)

	// --- Occupancy store ---
	store, err := storage.NewRedis(ctx, cfg.Redis,
		cfg.Mesh.Namespace, cfg.Mesh.TenantID, cfg.Mesh.Vertical, logger)
	if err != nil {
		return fmt.Errorf("occupancy store: %w", err)
	}

	// --- Mesh client ---
	// The tenant's sensor wildcard is always a standing subscription;
	// cfg.Mesh.Topics adds to it.
	cfg.Mesh.Topics = append(cfg.Mesh.Topics,
		mesh.SensorWildcard(cfg.Mesh.Namespace, cfg.Mesh.TenantID, cfg.Mesh.Vertical))
	meshClient := mesh.New(cfg.Mesh, logger)

	// --- State engine ---
	engine := occupancy.New(occupancy.Config{
		Namespace:         cfg.Mesh.Namespace,
		TenantID:          cfg.Mesh.TenantID,
		Vertical:          cfg.Mesh.Vertical,
		InactivityTimeout: cfg.Occupancy.InactivityTimeout(),
		CacheTTL:          cfg.Occupancy.CacheTTL(),
	}, store, meshClient, logger)

	// Reload persisted rooms so a restart does not lose occupancy state.
	if err := engine.Restore(ctx); err != nil {
		logger.Warn("occupancy restore failed, starting empty", "error", err)
	}

	// Sensor events arriving on the mesh drive room transitions.
	meshClient.OnSensorEvent(engine.HandleSensorEvent)

	// --- Zigbee bridge (optional) ---
	var zb *bridge.Bridge
	if cfg.Bridge.Enabled {
		zb = bridge.New(meshClient, cfg.Bridge, cfg.Mesh.TenantID, cfg.Mesh.Vertical, logger)
		zb.OnSensorEvent(engine.HandleSensorEvent)
	}

	// --- Connect the mesh ---
	meshCtx, meshCancel := context.WithCancel(ctx)
	defer meshCancel()

	if err := meshClient.Connect(meshCtx); err != nil {
		return fmt.Errorf("mesh connect: %w", err)
	}

	if zb != nil {
		if err := zb.Initialize(ctx); err != nil {
			return fmt.Errorf("bridge init: %w", err)
		}
		logger.Info("zigbee bridge enabled", "base_topic", cfg.Bridge.BaseTopic)
	}

	// --- HTTP API ---
	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, engine, meshClient, store, zb, logger)

	// --- Signal handling and graceful shutdown ---
	// NotifyContext wraps the parent context so that SIGINT/SIGTERM
	// cancellation flows through the same ctx used by all components.
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()

		_ = server.Shutdown(shutdownCtx)

		if err := meshClient.Disconnect(shutdownCtx); err != nil {
			logger.Error("mesh disconnect failed", "error", err)
		}

		engine.Close()

		if err := store.Close(); err != nil {
			logger.Error("store close failed", "error", err)
		}
	}()

	// Start the API server. This blocks until the server is shut down
	// (via context cancellation or fatal error).
	if err := server.Start(ctx); err != nil {
		if ctx.Err() == nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	logger.Info("roomsense stopped")
	return nil
}

// newLogger creates a structured logger that writes to w at the given
// level and format. Format must be "text" or "json"; any other value
// defaults to text.
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// loadConfig locates and parses the YAML configuration file. If explicit
// is non-empty, that exact path is used (and must exist). Otherwise,
// [config.FindConfig] searches the default locations. Returns the parsed
// config, the path that was loaded, and any error.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}
