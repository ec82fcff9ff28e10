package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zsiec/tsproc/internal/mpegts"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestListPlugins(t *testing.T) {
	out, err := execute(t, "--list-plugins")
	require.NoError(t, err)
	assert.Contains(t, out, "input plugins: file, http, ip, null, quic, srt")
	assert.Contains(t, out, "count")
	assert.Contains(t, out, "drop")
}

func TestHelp(t *testing.T) {
	out, err := execute(t, "--help")
	require.NoError(t, err)
	assert.Contains(t, out, "--control-address")
}

func TestRunChain(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.ts")
	_, err := execute(t, "--log-level", "error",
		"-I", "null", "100",
		"-P", "count",
		"-O", "file", path)
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Len(t, data, 100*mpegts.PacketSize)
}

func TestRunErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"bad realtime", []string{"--realtime", "sometimes", "-I", "null", "1", "-O", "drop"}},
		{"unknown plugin", []string{"--log-level", "error", "-I", "nowhere", "-O", "drop"}},
		{"two inputs", []string{"-I", "null", "-I", "null", "-O", "drop"}},
		{"missing plugin name", []string{"-P"}},
		{"stray argument", []string{"stray", "-I", "null", "1", "-O", "drop"}},
		{"plugin arguments", []string{"--log-level", "error", "-I", "null", "--bogus", "-O", "drop"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := execute(t, tt.args...)
			assert.Error(t, err)
		})
	}
}
