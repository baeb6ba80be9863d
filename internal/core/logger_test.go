package core

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, LevelWarn, ParseLevel("warning"))
	assert.Equal(t, LevelOff, ParseLevel("none"))
	assert.Equal(t, LevelInfo, ParseLevel(""))
	assert.Equal(t, LevelInfo, ParseLevel("verbose"))
}

func TestComponentOverrides(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(LogConfig{Level: "warn", Components: map[string]string{"Monitor": "debug", "route": "off"}})
	l.SetOutput(&buf)

	l.Infof("Service", "hidden")
	l.Debugf("monitor", "pid %d visible", 7)
	l.Errorf("Route", "hidden too")
	l.Warnf("Service", "shown")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "pid 7 visible")
	assert.Contains(t, out, "component=monitor")
	assert.Contains(t, out, "shown")
}

func TestJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(LogConfig{Format: "json"})
	l.SetOutput(&buf)

	l.Infof("Daemon", "started on %s", "127.0.0.1:1")

	var rec map[string]any
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(buf.String())), &rec))
	assert.Equal(t, "Daemon", rec["component"])
	assert.Equal(t, "started on 127.0.0.1:1", rec["msg"])
	assert.Equal(t, "info", rec["level"])
}
