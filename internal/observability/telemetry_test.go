package observability

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/annel0/worldsave/internal/config"
)

func TestInitTelemetryDisabledWithoutEndpoint(t *testing.T) {
	shutdown, err := InitTelemetry(context.Background(), config.TelemetryConfig{ServiceName: "worldsave"})
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))

	_, span := Tracer("test").Start(context.Background(), "noop")
	span.End()
}
