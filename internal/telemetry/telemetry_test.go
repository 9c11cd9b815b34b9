package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/fyrsmithlabs/guidesmith/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

func TestNew_Disabled(t *testing.T) {
	tel, err := New(context.Background(), NewDefaultConfig())
	require.NoError(t, err)

	assert.NotNil(t, tel.Tracer("test"))
	assert.NotNil(t, tel.Meter("test"))
	assert.False(t, tel.Enabled())
	assert.Empty(t, tel.Degraded())
	assert.NoError(t, tel.Shutdown(context.Background()))
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Enabled = true
	cfg.Endpoint = ""

	tel, err := New(context.Background(), cfg)
	require.Error(t, err)
	assert.Nil(t, tel)
	assert.Contains(t, err.Error(), "invalid telemetry config")
}

func TestTelemetry_NilSafe(t *testing.T) {
	var tel *Telemetry
	assert.NotNil(t, tel.Tracer("x"))
	assert.NotNil(t, tel.Meter("x"))
	assert.False(t, tel.Enabled())
	assert.Nil(t, tel.Degraded())
	assert.NoError(t, tel.Shutdown(context.Background()))
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"disabled skips checks", func(c *Config) { c.Endpoint = "" }, false},
		{"enabled local", func(c *Config) { c.Enabled = true }, false},
		{"insecure remote", func(c *Config) {
			c.Enabled = true
			c.Endpoint = "otel.example.com:4317"
		}, true},
		{"secure remote", func(c *Config) {
			c.Enabled = true
			c.Endpoint = "otel.example.com:4317"
			c.Insecure = false
		}, false},
		{"bad protocol", func(c *Config) {
			c.Enabled = true
			c.Protocol = "thrift"
		}, true},
		{"bad sample rate", func(c *Config) {
			c.Enabled = true
			c.SampleRate = 1.5
		}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestFromSettings(t *testing.T) {
	cfg := FromSettings(config.TelemetryConfig{
		Enabled:      true,
		Endpoint:     "127.0.0.1:4318",
		Protocol:     "http/protobuf",
		ExportPeriod: config.Duration(time.Minute),
	}, "1.2.3")

	assert.True(t, cfg.Enabled)
	assert.True(t, cfg.Insecure)
	assert.Equal(t, "http/protobuf", cfg.Protocol)
	assert.Equal(t, "1.2.3", cfg.ServiceVersion)
	assert.Equal(t, time.Minute, cfg.MetricsInterval)
	assert.NoError(t, cfg.Validate())
}

func TestTestTelemetry(t *testing.T) {
	tt := NewTestTelemetry()
	ctx := context.Background()

	_, span := tt.Tracer("test").Start(ctx, "orchestrator.Run")
	span.SetAttributes(attribute.String("outcome", "committed"))
	span.End()

	counter, err := tt.Meter("test").Int64Counter("guidesmith.runs.total")
	require.NoError(t, err)
	counter.Add(ctx, 2, metricOpt("committed"))
	counter.Add(ctx, 1, metricOpt("abandoned"))

	tt.AssertSpanExists(t, "orchestrator.Run")
	tt.AssertSpanAttribute(t, "orchestrator.Run", "outcome", "committed")
	assert.Equal(t, int64(2), tt.CounterValue(t, "guidesmith.runs.total", attribute.String("outcome", "committed")))
	assert.Equal(t, int64(3), tt.CounterValue(t, "guidesmith.runs.total"))
}

func metricOpt(outcome string) metric.AddOption {
	return metric.WithAttributes(attribute.String("outcome", outcome))
}
