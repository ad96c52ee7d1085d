// Package telemetry owns the OpenTelemetry setup: the OTLP tracer
// provider installed at startup (provider.go) plus the tracer-naming and
// span-attribute helpers shared by the Twitch client and the capture
// spawn path.
package telemetry

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// TracerPrefix namespaces every tracer this daemon creates.
const TracerPrefix = "streamvault."

// Tracer returns a named tracer from the global provider installed by
// NewProvider; before installation (or with tracing disabled) the spans
// are no-ops, so call sites never branch on whether tracing is enabled.
func Tracer(name string) trace.Tracer {
	return otel.Tracer(TracerPrefix + name)
}

// HTTPAttributes is the standard attribute set for outbound HTTP spans.
func HTTPAttributes(method, route, urlLabel string, status int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("http.method", method),
		attribute.String("http.route", route),
		attribute.String("http.url", urlLabel),
		attribute.Int("http.status_code", status),
	}
}

// RecordingAttributes tags capture-lifecycle spans.
func RecordingAttributes(streamerID, recordingID int64) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Int64("streamvault.streamer_id", streamerID),
		attribute.Int64("streamvault.recording_id", recordingID),
	}
}
