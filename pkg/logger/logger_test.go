package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONLogger_WritesStructuredEntry(t *testing.T) {
	var buf bytes.Buffer
	log := New("kyc-workflow", WithOutput(&buf))

	log.Info("Transition committed", map[string]interface{}{
		"document_id": "doc-1",
		"error":       errors.New("boom"),
	})

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "info", entry["level"])
	assert.Equal(t, "kyc-workflow", entry["service"])
	assert.Equal(t, "Transition committed", entry["message"])
	assert.Equal(t, "doc-1", entry["document_id"])
	assert.Equal(t, "boom", entry["error"])
}

func TestJSONLogger_DropsBelowLevel(t *testing.T) {
	var buf bytes.Buffer
	log := New("kyc-workflow", WithOutput(&buf), WithLevel(LevelWarn))

	log.Debug("noise", nil)
	log.Info("noise", nil)
	log.Warn("kept", nil)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], `"kept"`)
}

func TestJSONLogger_WithCarriesFields(t *testing.T) {
	var buf bytes.Buffer
	log := New("kyc-workflow", WithOutput(&buf)).With(map[string]interface{}{"component": "sla_monitor"})

	log.Error("Escalation failed", map[string]interface{}{"level": 2})

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "sla_monitor", entry["component"])
	// reserved keys win over caller fields
	assert.Equal(t, "error", entry["level"])
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, LevelWarn, ParseLevel("warning"))
	assert.Equal(t, LevelInfo, ParseLevel(""))
	assert.Equal(t, LevelError, ParseLevel(" error "))
}
