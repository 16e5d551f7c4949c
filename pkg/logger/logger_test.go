package logger

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigureRejectsUnknownValues(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")
	l := New()
	assert.Error(t, l.Configure("loud", "json", "stdout", 0))
	assert.Error(t, l.Configure("info", "xml", "stdout", 0))
	assert.NoError(t, l.Configure("debug", "text", "stderr", 0))
}

func TestConfigureFileOutput(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")
	l := New()
	path := filepath.Join(t.TempDir(), "logs", "invest.log")
	require.NoError(t, l.Configure("info", "json", path, 3))
}

func TestComponentFieldIsEmitted(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")
	l := New()
	var buf bytes.Buffer
	l.SetOutput(&buf)

	l.WithComponent("session").WithFields(Fields{"figi": "BBG000B9XRY4"}).Info("connected")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "session", line["component"])
	assert.Equal(t, "BBG000B9XRY4", line["figi"])
	assert.Equal(t, "connected", line["message"])
}
