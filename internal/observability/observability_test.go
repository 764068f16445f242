package observability

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zapcore.DebugLevel, ParseLevel("DEBUG"))
	assert.Equal(t, zapcore.WarnLevel, ParseLevel("warning"))
	assert.Equal(t, zapcore.ErrorLevel, ParseLevel("error"))
	assert.Equal(t, zapcore.InfoLevel, ParseLevel("chatty"))
}

func TestSetupLoggerWritesFiles(t *testing.T) {
	dir := t.TempDir()
	plain := filepath.Join(dir, "plain", "pool.log")
	rotated := filepath.Join(dir, "rotated.log")

	logger, err := SetupLogger(LogConfig{Level: "warn", Format: "json", Outputs: []string{plain}})
	require.NoError(t, err)
	logger.Info("dropped")
	logger.Warn("kept", zap.Int("worker_id", 3))
	require.NoError(t, logger.Sync())

	data, err := os.ReadFile(plain)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"kept"`)
	assert.Contains(t, string(data), `"worker_id":3`)
	assert.NotContains(t, string(data), "dropped")

	logger, err = SetupLogger(LogConfig{Level: "debug", Outputs: []string{rotated}, Rotation: RotationConfig{Enable: true}})
	require.NoError(t, err)
	logger.Debug("rotating")
	logger.Sync()

	data, err = os.ReadFile(rotated)
	require.NoError(t, err)
	assert.Contains(t, string(data), "rotating")
	assert.Same(t, logger, zap.L())
}

func TestInitTracingExportsSpans(t *testing.T) {
	out := filepath.Join(t.TempDir(), "spans.json")
	shutdown, err := InitTracing(TracingConfig{Enabled: true, ServiceName: "procpool-test", Output: out})
	require.NoError(t, err)

	_, span := otel.Tracer("test").Start(context.Background(), "submit job")
	span.End()
	require.NoError(t, shutdown(context.Background()))

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Contains(t, string(data), "submit job")
	assert.Contains(t, string(data), "procpool-test")

	// later calls keep the first provider
	again, err := InitTracing(TracingConfig{Output: filepath.Join(t.TempDir(), "ignored.json")})
	require.NoError(t, err)
	assert.NotNil(t, again)
}
