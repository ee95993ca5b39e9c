package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"github.com/meshstor/meshstor/internal/config"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &out))
	return out
}

func TestLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, zerolog.DebugLevel).With("component", "mesh")

	logger.Warn("attach failed", "node_id", "n1", "error", errors.New("boom"))

	line := decodeLine(t, &buf)
	assert.Equal(t, "attach failed", line["message"])
	assert.Equal(t, "warn", line["level"])
	assert.Equal(t, "mesh", line["component"])
	assert.Equal(t, "n1", line["node_id"])
	assert.Equal(t, "boom", line["error"])
}

func TestLoggerLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, zerolog.WarnLevel)

	logger.Info("dropped")
	assert.Zero(t, buf.Len())

	logger.Error("kept")
	assert.NotZero(t, buf.Len())
}

func TestWithContext(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, zerolog.DebugLevel)

	ctx := WithRequestID(context.Background(), "req-1")
	ctx = WithOperation(ctx, "suspend_node")

	logger.WithContext(ctx).Info("suspending")

	line := decodeLine(t, &buf)
	assert.Equal(t, "req-1", line["request_id"])
	assert.Equal(t, "suspend_node", line["operation"])

	assert.Same(t, logger, logger.WithContext(context.Background()))
}

func TestDetach(t *testing.T) {
	parent, cancel := context.WithCancel(WithOperation(WithRequestID(context.Background(), "req-2"), "remove_device"))
	cancel()

	ctx := Detach(parent)
	assert.NoError(t, ctx.Err())
	assert.Equal(t, "req-2", RequestID(ctx))
	assert.Equal(t, []interface{}{"request_id", "req-2", "operation", "remove_device"}, extractContextFields(ctx))
}

func TestNewFromConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "controller.log")
	logger, err := NewFromConfig(config.LoggingConfig{Level: "debug", Format: "json", OutputPath: path})
	require.NoError(t, err)
	logger.Info("written")
	assert.FileExists(t, path)
}
