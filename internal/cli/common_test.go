package cli

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrintVersion(t *testing.T) {
	var buf bytes.Buffer
	PrintVersion(&buf, "msgcore-node", false)
	assert.Contains(t, buf.String(), "msgcore-node v"+Version)
	assert.Contains(t, buf.String(), "Protocol: 1.0.0")
	assert.NotContains(t, buf.String(), "Commit:")

	buf.Reset()
	PrintVersion(&buf, "msgcore-node", true)
	var out struct {
		Tool string      `json:"tool"`
		Info VersionInfo `json:"version_info"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &out))
	assert.Equal(t, "msgcore-node", out.Tool)
	assert.Equal(t, Version, out.Info.Version)
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	l, err := NewLogger("info", &buf)
	require.NoError(t, err)
	l.Info("started")
	assert.Contains(t, buf.String(), "started")

	_, err = NewLogger("chatty", &buf)
	assert.Error(t, err)
}

func TestPrintUsage(t *testing.T) {
	var buf bytes.Buffer
	PrintUsage(&buf, "msgcore-node", "msgcore-node [OPTIONS]",
		[]FlagInfo{{Name: "config", Usage: "configuration file", Default: "node.json"}},
		[]string{"msgcore-node -name a@localhost"})
	s := buf.String()
	assert.Contains(t, s, "-config")
	assert.Contains(t, s, "Default: node.json")
	assert.Contains(t, s, "msgcore-node -name a@localhost")
}
