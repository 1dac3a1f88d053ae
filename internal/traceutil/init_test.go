package traceutil

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestEnabled(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want bool
	}{
		{"nothing set", map[string]string{}, false},
		{"traces endpoint", map[string]string{"OTEL_EXPORTER_OTLP_TRACES_ENDPOINT": "http://localhost:4317"}, true},
		{"generic endpoint", map[string]string{"OTEL_EXPORTER_OTLP_ENDPOINT": "http://localhost:4317"}, true},
		{"disabled wins", map[string]string{
			"OTEL_EXPORTER_OTLP_ENDPOINT": "http://localhost:4317",
			"OTEL_SDK_DISABLED":           "true",
		}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, v := range append(endpointVars, "OTEL_SDK_DISABLED") {
				t.Setenv(v, "")
			}
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			assert.Equal(t, tt.want, Enabled())
		})
	}
}

func TestInitTraceExporter_Disabled(t *testing.T) {
	for _, v := range endpointVars {
		t.Setenv(v, "")
	}

	closer, err := InitTraceExporter(context.Background(), slog.New(slog.DiscardHandler), "xoauth2-probe")
	require.NoError(t, err)
	require.NoError(t, closer(context.Background()))
}

func TestTraceSampler(t *testing.T) {
	t.Setenv("JAEGER_SAMPLER_MANAGER_HOST_PORT", "")

	assert.Equal(t, sdktrace.AlwaysSample().Description(), traceSampler("xoauth2-probe").Description())
}
