package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetup(t *testing.T) {
	tests := []struct {
		name   string
		level  string
		format string
	}{
		{"debug level", "debug", "console"},
		{"info level", "info", "console"},
		{"warn level", "warn", "console"},
		{"error level", "error", "console"},
		{"json format", "info", "json"},
		{"uppercase level", "DEBUG", "console"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			Setup(tt.level, tt.format)
			assert.NotNil(t, Log)
		})
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		level  string
		expect zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{"Info", zerolog.InfoLevel},
		{"WARN", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"unknown", zerolog.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			assert.Equal(t, tt.expect, ParseLevel(tt.level))
		})
	}
}

func TestSetupWriterLevelFiltering(t *testing.T) {
	defer Setup("info", "console")

	var buf bytes.Buffer
	SetupWriter(&buf, "error", "json")
	Log.Info("filtered")
	Log.Debug("filtered")
	assert.Zero(t, buf.Len())

	Log.Error("kept", "rows", 3)
	assert.Contains(t, buf.String(), `"rows":3`)
}

func TestJSONFields(t *testing.T) {
	defer Setup("info", "console")

	var buf bytes.Buffer
	SetupWriter(&buf, "debug", "json")
	Log.Info("multi-field", "layer", "conv5", 7, "seven", "orphan")

	var ev map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &ev))
	assert.Equal(t, "multi-field", ev["message"])
	assert.Equal(t, "conv5", ev["layer"])
	assert.Equal(t, "seven", ev["7"])
	assert.NotContains(t, ev, "orphan")
}

func TestWith(t *testing.T) {
	defer Setup("info", "console")

	var buf bytes.Buffer
	SetupWriter(&buf, "info", "json")
	Log.With("component", "pipeline").Warn("scoped")

	var ev map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &ev))
	assert.Equal(t, "pipeline", ev["component"])
	assert.Equal(t, "warn", ev["level"])
}

func TestErr(t *testing.T) {
	defer Setup("info", "console")

	var buf bytes.Buffer
	SetupWriter(&buf, "info", "json")
	Log.Err(errors.New("boom"), "close failed", "path", "out_fc7.h5")

	var ev map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &ev))
	assert.Equal(t, "boom", ev["error"])
	assert.Equal(t, "out_fc7.h5", ev["path"])
}

func TestLoggerWithNilValue(t *testing.T) {
	Log.Info("test nil value", "key", nil)
}
