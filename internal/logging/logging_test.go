package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/photonicat/keydeck/internal/config"
)

func TestJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithOutput(config.LoggingConfig{Level: "debug", Format: "json"}, &buf)
	l.Named("compositor").Debug("render stats", "fps", 25)

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "render stats", entry["@message"])
	assert.Equal(t, "keydeck.compositor", entry["@module"])
	assert.EqualValues(t, 25, entry["fps"])
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithOutput(config.LoggingConfig{Level: "warn", Format: "text"}, &buf)
	l.Info("hidden")
	assert.Empty(t, buf.String())
	l.Warn("shown")
	assert.Contains(t, buf.String(), "shown")
}

func TestUnknownLevelIsInfo(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithOutput(config.LoggingConfig{Level: "bogus"}, &buf)
	assert.True(t, l.IsInfo())
	assert.False(t, l.IsDebug())
}
