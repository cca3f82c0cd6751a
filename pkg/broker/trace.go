package broker

import (
	"context"
	"strconv"

	"go.opentelemetry.io/otel/propagation"
)

// extractTraceContext restores a W3C trace context carried in broker
// message headers, so a consumer's span is a child of the producer's.
func extractTraceContext(ctx context.Context, carrier map[string]string) context.Context {
	mc := propagation.MapCarrier{}
	for k, v := range carrier {
		mc.Set(k, v)
	}
	return propagation.TraceContext{}.Extract(ctx, mc)
}

const headerAttempt = "x-attempts"

func attemptFromHeaders(headers map[string]string) int {
	v, ok := headers[headerAttempt]
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}
