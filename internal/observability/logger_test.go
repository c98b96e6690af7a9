package observability

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/frostline-dev/sigil/internal/config"
)

func testLoggerConfig() config.LoggerConfig {
	return config.LoggerConfig{
		Level:       "debug",
		Format:      "json",
		ServiceName: "sigil-test",
	}
}

func TestInitializeWritesStructuredLogs(t *testing.T) {
	ResetForTest()
	t.Cleanup(ResetForTest)

	var buf bytes.Buffer
	Initialize(testLoggerConfig(), zapcore.AddSync(&buf))

	GetLogger().Info("attach complete")
	require.NoError(t, GetLogger().Sync())

	out := buf.String()
	assert.Contains(t, out, "attach complete")
	assert.Contains(t, out, "sigil-test")
	assert.Contains(t, out, `"level":"INFO"`)
}

func TestInitializeRunsOnce(t *testing.T) {
	ResetForTest()
	t.Cleanup(ResetForTest)

	var first, second bytes.Buffer
	Initialize(testLoggerConfig(), zapcore.AddSync(&first))
	Initialize(testLoggerConfig(), zapcore.AddSync(&second))

	GetLogger().Info("only once")
	require.NoError(t, GetLogger().Sync())

	assert.Contains(t, first.String(), "only once")
	assert.Empty(t, second.String(), "second Initialize must be a no-op")
}

func TestGetLoggerFallback(t *testing.T) {
	ResetForTest()
	t.Cleanup(ResetForTest)

	logger := GetLogger()
	require.NotNil(t, logger, "fallback logger must never be nil")
}

func TestConsoleEncoderRespectsLevel(t *testing.T) {
	ResetForTest()
	t.Cleanup(ResetForTest)

	cfg := testLoggerConfig()
	cfg.Level = "warn"
	cfg.Format = "console"

	var buf bytes.Buffer
	Initialize(cfg, zapcore.AddSync(&buf))

	GetLogger().Info("too quiet")
	GetLogger().Warn("loud enough")
	_ = GetLogger().Sync()

	out := buf.String()
	assert.NotContains(t, out, "too quiet")
	assert.Contains(t, out, "loud enough")
}
