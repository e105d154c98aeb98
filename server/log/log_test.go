package log

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewHandler(t *testing.T) {
	var buf bytes.Buffer
	handler, err := newHandler(&buf, "JSON", "warn", false)
	require.NoError(t, err)

	previous := Base
	t.Cleanup(func() { Base = previous })
	Base = slog.New(handler)
	Component("controller").Info("Hidden")
	Component("controller").Warn("Shown", "cloud", "prod")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "Shown", record["msg"])
	assert.Equal(t, "controller", record["component"])
	assert.Equal(t, "prod", record["cloud"])
}

func TestNewHandlerErrors(t *testing.T) {
	_, err := newHandler(&bytes.Buffer{}, "json", "loud", false)
	assert.ErrorContains(t, err, "failed to parse log level")

	_, err = newHandler(&bytes.Buffer{}, "xml", "info", false)
	assert.EqualError(t, err, "unknown log format 'xml'")
}
