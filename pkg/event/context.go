package event

import "context"

type correlationCtxKey struct{}

type correlation struct {
	correlationID string
	spanID        string
}

// WithCorrelation returns a context carrying the correlation and span of the
// operation in progress. Request-tagging middleware sets it so events
// published further down the call chain join the same correlation.
func WithCorrelation(ctx context.Context, correlationID, spanID string) context.Context {
	return context.WithValue(ctx, correlationCtxKey{}, correlation{
		correlationID: correlationID,
		spanID:        spanID,
	})
}

// CorrelationFromContext returns the correlation and span IDs stored by
// WithCorrelation, or empty strings.
func CorrelationFromContext(ctx context.Context) (correlationID, spanID string) {
	if ctx == nil {
		return "", ""
	}
	if c, ok := ctx.Value(correlationCtxKey{}).(correlation); ok {
		return c.correlationID, c.spanID
	}
	return "", ""
}
