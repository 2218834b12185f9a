package log

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWithComponentWritesStructuredFields(t *testing.T) {
	var buf bytes.Buffer
	Configure(Config{Level: "debug", Output: &buf, Service: "test"})
	t.Cleanup(func() { Configure(Config{}) })

	l := WithComponent("bus")
	l.Info().Str("event", "bus.started").Msg("hello")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	require.Equal(t, "test", entry["service"])
	require.Equal(t, "bus", entry["component"])
	require.Equal(t, "bus.started", entry["event"])
	require.Equal(t, "hello", entry["message"])
}

func TestWithModuleAddsModuleField(t *testing.T) {
	var buf bytes.Buffer
	Configure(Config{Output: &buf})
	t.Cleanup(func() { Configure(Config{}) })

	l := WithModule("api")
	l.Warn().Msg("x")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	require.Equal(t, "api", entry["module"])
	require.Equal(t, "warn", entry["level"])
}
