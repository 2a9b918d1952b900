package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/telemetrybus/internal/config"
	"github.com/fyrsmithlabs/telemetrybus/pkg/event"
	"github.com/fyrsmithlabs/telemetrybus/pkg/eventbus"
	"github.com/fyrsmithlabs/telemetrybus/pkg/idgen"
)

type publishOptions struct {
	service       string
	instance      string
	operation     string
	phase         string
	correlationID string
	spanID        string
	parentSpanID  string
	method        string
	path          string
	statusCode    int
	durationMs    float64
	metadata      map[string]string
	wait          time.Duration
}

func newPublishCmd(root *rootOptions) *cobra.Command {
	opts := &publishOptions{}
	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish one telemetry event",
		Long: `Publish a single event and wait until it is written to the stream.
The event ID is printed on success.

Examples:
  # Mark the start of a checkout
  telemetryctl publish --service gateway --operation checkout --correlation-id req-42

  # Close it with a status and duration
  telemetryctl publish --service gateway --operation checkout --correlation-id req-42 \
    --phase end --status-code 200 --duration-ms 12.5`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runPublish(cmd, root, opts)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.service, "service", "", "originating service (default publisher.service)")
	f.StringVar(&opts.instance, "instance", "", "originating instance (default hostname-pid)")
	f.StringVar(&opts.operation, "operation", "", "logical operation name")
	f.StringVar(&opts.phase, "phase", string(event.PhaseStart), "lifecycle phase: start, end or error")
	f.StringVar(&opts.correlationID, "correlation-id", "", "correlation identifier (generated when empty)")
	f.StringVar(&opts.spanID, "span-id", "", "span identifier")
	f.StringVar(&opts.parentSpanID, "parent-span-id", "", "parent span identifier")
	f.StringVar(&opts.method, "method", "", "request method")
	f.StringVar(&opts.path, "path", "", "request path")
	f.IntVar(&opts.statusCode, "status-code", 0, "outcome status code")
	f.Float64Var(&opts.durationMs, "duration-ms", 0, "duration in milliseconds")
	f.StringToStringVar(&opts.metadata, "metadata", nil, "metadata key=value pairs")
	f.DurationVar(&opts.wait, "wait", 5*time.Second, "how long to wait for the broker")
	return cmd
}

func runPublish(cmd *cobra.Command, root *rootOptions, opts *publishOptions) error {
	phase := event.Phase(opts.phase)
	if !phase.Valid() {
		return fmt.Errorf("invalid phase %q: must be start, end or error", opts.phase)
	}

	cfg, err := root.load()
	if err != nil {
		return err
	}
	pc := cfg.PublisherSettings()
	if opts.service != "" {
		pc.Service = opts.service
	}
	if opts.instance != "" {
		pc.Instance = opts.instance
	}
	logger, err := root.logger(cfg)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	pub, err := eventbus.NewPublisher(pc,
		eventbus.WithLogger(logger),
		eventbus.WithMetrics(eventbus.NewMetrics(reg)),
	)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), opts.wait)
	defer cancel()

	if err := waitReady(ctx, pub); err != nil {
		_ = pub.Close(context.Background())
		return fmt.Errorf("broker not reachable at %s: %w", config.RedactURL(cfg.Redis.URL), err)
	}

	var metadata map[string]any
	if len(opts.metadata) > 0 {
		metadata = make(map[string]any, len(opts.metadata))
		for k, v := range opts.metadata {
			metadata[k] = v
		}
	}

	ev := event.TelemetryEvent{
		EventID:       idgen.New(),
		CorrelationID: opts.correlationID,
		SpanID:        opts.spanID,
		ParentSpanID:  opts.parentSpanID,
		Method:        opts.method,
		Path:          opts.path,
		Operation:     opts.operation,
		Phase:         phase,
		Metadata:      metadata,
	}
	if cmd.Flags().Changed("status-code") {
		ev.StatusCode = event.Int(opts.statusCode)
	}
	if cmd.Flags().Changed("duration-ms") {
		ev.DurationMs = event.Float(opts.durationMs)
	}

	pub.Publish(ctx, ev)

	closeCtx, closeCancel := context.WithTimeout(cmd.Context(), opts.wait)
	defer closeCancel()
	if err := pub.Close(closeCtx); err != nil {
		return err
	}

	if n := counterTotal(reg, "telemetrybus_events_published_total"); n < 1 {
		return errors.New("event was not written; rerun with --verbose for details")
	}
	fmt.Fprintln(cmd.OutOrStdout(), ev.EventID)
	return nil
}

// waitReady polls until the publisher has connected or ctx is done.
func waitReady(ctx context.Context, pub *eventbus.Publisher) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for !pub.Ready() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// counterTotal sums every series of the named counter family in reg.
func counterTotal(reg prometheus.Gatherer, name string) float64 {
	families, err := reg.Gather()
	if err != nil {
		return 0
	}
	var total float64
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			total += m.GetCounter().GetValue()
		}
	}
	return total
}
