package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogger_ConsoleLevel(t *testing.T) {
	var buf bytes.Buffer
	l := newLogger(Config{}, &buf)

	l.Debugw("hidden")
	l.Infow("shown", "k", "v")
	require.NoError(t, l.Close())

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "shown")

	buf.Reset()
	dbg := newLogger(Config{Debug: true}, &buf)
	dbg.Component("registry").Debugw("visible")
	require.NoError(t, dbg.Close())
	assert.Contains(t, buf.String(), "visible")
	assert.Contains(t, buf.String(), "registry")
}

func TestLogger_WritesJSONFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.log")
	var console bytes.Buffer
	l := newLogger(Config{File: path, MaxSizeMB: 1}, &console)

	l.Component("hub").Infow("started", "buffer", 10)
	require.NoError(t, l.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	require.Len(t, lines, 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "started", entry["M"])
	assert.Equal(t, "hub", entry["N"])
	assert.Equal(t, "pushrelay", entry["source"])
	assert.EqualValues(t, 10, entry["buffer"])
}
