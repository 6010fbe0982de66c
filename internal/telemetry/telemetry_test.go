package telemetry

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

func TestSetupExportsSpans(t *testing.T) {
	var buf bytes.Buffer
	shutdown, err := Setup(Options{
		ServiceName: "sessiontrace-test",
		Version:     "1.2.3",
		Output:      &buf,
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)

	_, span := otel.Tracer("test").Start(context.Background(), "deliver-session")
	span.End()

	require.NoError(t, shutdown(context.Background()))
	out := buf.String()
	assert.Contains(t, out, "deliver-session")
	assert.Contains(t, out, "sessiontrace-test")
	assert.Contains(t, out, "1.2.3")
	assert.Contains(t, otel.GetTextMapPropagator().Fields(), "traceparent")
}

func TestSetupRequiresServiceName(t *testing.T) {
	_, err := Setup(Options{Output: io.Discard})
	assert.Error(t, err)
}
