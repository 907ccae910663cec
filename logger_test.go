package flowhs

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFmtLoggerOrdersCorrelationFieldsFirst(t *testing.T) {
	var buf bytes.Buffer
	logger := WithLoggerFields(NewFmtLogger(&buf), map[string]any{
		"attempt":   2,
		"operation": "update",
		"saga_key":  "f1:update",
		"flow_id":   "f1",
		"reason":    "switch is unavailable",
	})
	logger.Warn("speaker command %s timed out", "install")

	line := strings.TrimSpace(buf.String())
	assert.Contains(t, line, " WARN  speaker command install timed out")
	assert.True(t, strings.HasSuffix(line,
		`saga_key=f1:update flow_id=f1 operation=update attempt=2 reason="switch is unavailable"`), line)
}

func TestFmtLoggerLevelThreshold(t *testing.T) {
	var buf bytes.Buffer
	logger := NewFmtLogger(&buf).AtLevel(LevelWarn)

	logger.Debug("dropped")
	logger.Info("dropped too")
	logger.WithContext(context.Background()).Error("kept %d", 1)

	out := buf.String()
	assert.NotContains(t, out, "dropped")
	assert.Contains(t, out, "ERROR kept 1")
	assert.Equal(t, 1, strings.Count(out, "\n"))
}

func TestFmtLoggerKeepsPercentWithoutArgs(t *testing.T) {
	var buf bytes.Buffer
	NewFmtLogger(&buf).Info("vlan pool at 100%")
	assert.Contains(t, buf.String(), "vlan pool at 100%")
	assert.NotContains(t, buf.String(), "%!")
}

func TestWithLoggerFieldsDropsEmptyValues(t *testing.T) {
	var buf bytes.Buffer
	WithLoggerFields(NewFmtLogger(&buf), map[string]any{"saga_key": "k1", "flow_id": ""}).Info("started")

	assert.Contains(t, buf.String(), "saga_key=k1")
	assert.NotContains(t, buf.String(), "flow_id")

	assert.Equal(t, NopLogger{}, WithLoggerFields(NopLogger{}, map[string]any{"flow_id": "f1"}))
	assert.IsType(t, &FmtLogger{}, WithLoggerFields(nil, nil))
}

func TestParseLevel(t *testing.T) {
	for name, want := range map[string]Level{
		"trace": LevelTrace,
		"DEBUG": LevelDebug,
		"Info":  LevelInfo,
		"warn":  LevelWarn,
		"error": LevelError,
	} {
		got, err := ParseLevel(name)
		require.NoError(t, err, name)
		assert.Equal(t, want, got, name)
	}

	_, err := ParseLevel("verbose")
	assert.True(t, HasCode(err, CodeInvalidArgument))
	assert.Equal(t, "LEVEL(9)", Level(9).String())
}
