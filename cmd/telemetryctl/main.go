// Package main implements telemetryctl, the operator CLI for the telemetry
// stream. It publishes test events, inspects stream and group state, replays
// history and works with event identifiers.
package main

import (
	"fmt"
	"os"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/telemetrybus/internal/config"
	"github.com/fyrsmithlabs/telemetrybus/internal/logging"
)

// version information
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// rootOptions holds the persistent flags shared by every subcommand.
type rootOptions struct {
	configPath string
	redisURL   string
	stream     string
	verbose    bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "telemetryctl",
		Short: "Operate on the telemetry event stream",
		Long: `telemetryctl talks to the broker directly. Settings come from the
telemetrybus config file and TELEMETRYBUS_* variables; flags override both.`,
		Version:      version,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "config file path (default ~/.config/telemetrybus/config.yaml)")
	cmd.PersistentFlags().StringVar(&opts.redisURL, "redis-url", "", "broker URL, overrides redis.url")
	cmd.PersistentFlags().StringVar(&opts.stream, "stream", "", "stream key, overrides stream.key")
	cmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "log client activity")

	cmd.AddCommand(
		newPublishCmd(opts),
		newInfoCmd(opts),
		newReplayCmd(opts),
		newIDCmd(),
	)
	return cmd
}

// load reads configuration and applies flag overrides.
func (o *rootOptions) load() (*config.Config, error) {
	cfg, err := config.LoadWithFile(o.configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if o.redisURL != "" {
		cfg.Redis.URL = o.redisURL
	}
	if o.stream != "" {
		cfg.Stream.Key = o.stream
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// redisClient opens a client for the configured broker.
func (o *rootOptions) redisClient(cfg *config.Config) (*redis.Client, error) {
	ropts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url %s: %w", config.RedactURL(cfg.Redis.URL), err)
	}
	if cfg.Redis.Password.IsSet() {
		ropts.Password = cfg.Redis.Password.Value()
	}
	return redis.NewClient(ropts), nil
}

// logger returns a no-op logger unless --verbose was given.
func (o *rootOptions) logger(cfg *config.Config) (*zap.Logger, error) {
	if !o.verbose {
		return zap.NewNop(), nil
	}
	lc, err := logging.FromSettings(cfg.Logging, "telemetryctl")
	if err != nil {
		return nil, err
	}
	lc.Level = zap.DebugLevel
	lc.Sampling.Enabled = false
	l, err := logging.NewLogger(lc, nil)
	if err != nil {
		return nil, err
	}
	return l.Underlying(), nil
}
