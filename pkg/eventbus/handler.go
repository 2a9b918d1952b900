package eventbus

import (
	"context"
	"errors"

	"github.com/fyrsmithlabs/telemetrybus/pkg/event"
)

// Handler processes one delivered event. A returned error is logged and
// counted; the entry is acknowledged regardless.
type Handler func(ctx context.Context, ev *event.TelemetryEvent) error

// Chain returns a handler calling every handler in order, even when an
// earlier one fails, and joining their errors.
func Chain(handlers ...Handler) Handler {
	return func(ctx context.Context, ev *event.TelemetryEvent) error {
		var errs []error
		for _, h := range handlers {
			if h == nil {
				continue
			}
			if err := h(ctx, ev); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}
}
