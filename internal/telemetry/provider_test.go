package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewProvider_DisabledIsNoop(t *testing.T) {
	p, err := NewProvider(context.Background(), Config{})
	require.NoError(t, err)
	assert.NoError(t, p.Shutdown(context.Background()))

	// Tracers still hand out usable (no-op) spans.
	_, span := Tracer("test").Start(context.Background(), "op")
	span.End()
}

func TestNewProvider_RejectsUnknownProtocol(t *testing.T) {
	_, err := NewProvider(context.Background(), Config{
		Enabled:      true,
		ExporterType: "carrier-pigeon",
		Endpoint:     "localhost:4317",
	})
	assert.Error(t, err)
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("STREAMVAULT_OTLP_ENDPOINT", "collector:4318")
	t.Setenv("STREAMVAULT_OTLP_PROTOCOL", "http")
	t.Setenv("STREAMVAULT_TRACE_SAMPLE", "0.25")

	cfg := ConfigFromEnv("streamvault", "dev")
	assert.True(t, cfg.Enabled)
	assert.Equal(t, "http", cfg.ExporterType)
	assert.Equal(t, "collector:4318", cfg.Endpoint)
	assert.Equal(t, 0.25, cfg.SampleRate)
	assert.Equal(t, "streamvault", cfg.ServiceName)
}

func TestConfigFromEnv_DefaultsOff(t *testing.T) {
	t.Setenv("STREAMVAULT_OTLP_ENDPOINT", "")
	cfg := ConfigFromEnv("streamvault", "dev")
	assert.False(t, cfg.Enabled)
	assert.Equal(t, "grpc", cfg.ExporterType)
	assert.Equal(t, 1.0, cfg.SampleRate)
}
