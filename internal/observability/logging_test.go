package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggerIncludesContextFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "debug", Output: &buf})

	ctx := WithCorrelationID(context.Background(), "corr-1")
	ctx = WithSessionID(ctx, "sess-1")
	ctx = WithOperation(ctx, "rlm.docs.load")
	logger.Info(ctx, "loaded", "count", 3)

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "loaded", record["msg"])
	assert.Equal(t, "corr-1", record["correlation_id"])
	assert.Equal(t, "sess-1", record["session_id"])
	assert.Equal(t, "rlm.docs.load", record["operation"])
	assert.Equal(t, float64(3), record["count"])
}

func TestWithFieldsNamesTheLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Output: &buf}).WithFields("logger", "engine")

	logger.Info(context.Background(), "named")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "engine", record["logger"])
}

func TestLoggerOmitsMissingContextFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Output: &buf})

	logger.Info(context.Background(), "plain")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	_, has := record["correlation_id"]
	assert.False(t, has)
}

func TestLoggerLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "warn", Output: &buf})

	logger.Info(context.Background(), "dropped")
	assert.Zero(t, buf.Len())

	logger.Warn(context.Background(), "kept")
	assert.NotZero(t, buf.Len())
}

func TestLogLevelFromString(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, LogLevelFromString("debug"))
	assert.Equal(t, slog.LevelWarn, LogLevelFromString("WARNING"))
	assert.Equal(t, slog.LevelInfo, LogLevelFromString(""))
	assert.Equal(t, slog.LevelInfo, LogLevelFromString("bogus"))
}

func TestNewMetricsRegisters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	m.ToolCallCounter.WithLabelValues("rlm.session.create", "success").Inc()
	m.BudgetRejections.Inc()

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["rlm_tool_calls_total"])
	assert.True(t, names["rlm_budget_rejections_total"])
}
