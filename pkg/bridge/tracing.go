package bridge

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const bridgeTracerName = "rexsync.bridge"

const (
	attrOperation  = "bridge.operation"
	attrEndpoint   = "bridge.endpoint"
	attrInstanceID = "bridge.instance_id"
	attrAttempts   = "bridge.attempts"
)

func bridgeTracer() trace.Tracer {
	return otel.Tracer(bridgeTracerName)
}
