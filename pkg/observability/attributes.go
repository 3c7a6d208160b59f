package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys used across callbridge spans.
var (
	AttrStage    = attribute.Key("callbridge.stage")
	AttrFlow     = attribute.Key("callbridge.flow")
	AttrChannel  = attribute.Key("callbridge.channel")
	AttrOutcome  = attribute.Key("callbridge.outcome")
	AttrCallID   = attribute.Key("callbridge.call_id")
	AttrTool     = attribute.Key("callbridge.tool")
	AttrUpstream = attribute.Key("callbridge.upstream")
)

// StageOperation labels one pipeline stage.
func StageOperation(stage, flow, callID string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{AttrStage.String(stage)}
	if flow != "" {
		attrs = append(attrs, AttrFlow.String(flow))
	}
	if callID != "" {
		attrs = append(attrs, AttrCallID.String(callID))
	}
	return attrs
}

// ToolOperation labels a voice-agent tool invocation.
func ToolOperation(tool, callID string) []attribute.KeyValue {
	return []attribute.KeyValue{AttrTool.String(tool), AttrCallID.String(callID)}
}

// AddSpanEvent adds an event to the current span.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).AddEvent(name, trace.WithAttributes(attrs...))
}
