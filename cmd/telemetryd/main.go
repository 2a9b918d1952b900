// Telemetryd is the telemetry bus host daemon.
//
// It joins a consumer group on the telemetry stream, folds delivered events
// into correlation timelines, optionally relays them to NATS for live
// listeners, and serves diagnostics over HTTP.
//
// Configuration is loaded from ~/.config/telemetrybus/config.yaml (or
// --config) and TELEMETRYBUS_* environment variables. See internal/config.
//
// Usage:
//
//	# Start with defaults
//	telemetryd
//
//	# Join another group with a stable member name
//	TELEMETRYBUS_CONSUMER_GROUP=orchestrator TELEMETRYBUS_CONSUMER_NAME=orch-1 telemetryd
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/telemetrybus/internal/config"
	"github.com/fyrsmithlabs/telemetrybus/internal/logging"
	"github.com/fyrsmithlabs/telemetrybus/internal/telemetry"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "config file path (default ~/.config/telemetrybus/config.yaml)")
	flag.Parse()
	args := flag.Args()

	if len(args) > 0 {
		switch args[0] {
		case "version":
			printVersion()
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
			fmt.Fprintf(os.Stderr, "\nUsage:\n")
			fmt.Fprintf(os.Stderr, "  telemetryd [--config path]   Start the daemon\n")
			fmt.Fprintf(os.Stderr, "  telemetryd version           Show version information\n")
			os.Exit(1)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configPath); err != nil {
		log.Fatalf("telemetryd: %v", err)
	}
}

func printVersion() {
	fmt.Printf("telemetryd by Fyrsmith Labs\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}

// run loads configuration, builds the logger and telemetry, then runs the
// daemon until ctx is cancelled.
func run(ctx context.Context, configPath string) error {
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	tel, err := telemetry.New(ctx, telemetry.FromSettings(cfg.Observability, cfg.Logging.OTEL, version))
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		_ = tel.Shutdown(context.Background())
	}()

	logCfg, err := logging.FromSettings(cfg.Logging, cfg.Observability.ServiceName)
	if err != nil {
		return fmt.Errorf("invalid logging configuration: %w", err)
	}
	logger, err := logging.NewLogger(logCfg, tel.LoggerProvider())
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	if health := tel.Health(); health.Degraded {
		logger.Warn(ctx, "Telemetry degraded", zap.Strings("reasons", health.Reasons))
	}

	d, err := newDaemon(ctx, cfg, logger, tel)
	if err != nil {
		return err
	}
	defer d.Close()

	if err := d.Run(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	logger.Info(context.Background(), "Shutdown complete")
	return nil
}
