package logx

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_WritesJSONToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "aggregator.log")
	log, err := New(Options{Service: "crop-aggregator", Level: "warn", File: path})
	require.NoError(t, err)

	log.Info("dropped below level")
	log.Warn("allocation conflict, retrying")
	_ = log.Sync()

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	require.Len(t, lines, 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "allocation conflict, retrying", entry["msg"])
	assert.Equal(t, "warn", entry["level"])
	assert.Equal(t, "crop-aggregator", entry["service"])
}

func TestNew_RejectsUnknownLevel(t *testing.T) {
	_, err := New(Options{Level: "chatty"})
	assert.Error(t, err)
}
