package obs

import (
	"bytes"
	"encoding/json"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONLogging(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Configure("info", FormatJSON, &buf))
	t.Cleanup(func() { _ = Configure("info", FormatJSON, os.Stdout) })

	Debug("hidden", nil)
	Info("knock.recorded", Fields{"port": 4002, "addr": "10.0.0.1"})

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "knock.recorded", line["msg"])
	assert.Equal(t, "INFO", line["level"])
	assert.Equal(t, "10.0.0.1", line["addr"])
	assert.EqualValues(t, 4002, line["port"])
	assert.Contains(t, line, "ts")
	assert.NotContains(t, line, "time")
}

func TestEnableDebug(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Configure("info", FormatConsole, &buf))
	t.Cleanup(func() { _ = Configure("info", FormatJSON, os.Stdout) })

	EnableDebug(true)
	Debug("visible", Fields{"k": "v"})
	assert.Contains(t, buf.String(), "visible")

	buf.Reset()
	EnableDebug(false)
	Debug("hidden", nil)
	assert.Empty(t, buf.String())
}

func TestConfigureRejectsUnknownValues(t *testing.T) {
	assert.Error(t, Configure("loud", FormatJSON, nil))
	assert.Error(t, Configure("info", "xml", nil))

	l, err := ParseLevel("WARNING")
	require.NoError(t, err)
	assert.Equal(t, "WARN", l.String())
}
