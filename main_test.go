package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
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

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "xrlink vdev\n", out)
}

func TestCheckConfig(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.json")
	require.NoError(t, os.WriteFile(good, []byte(`{"server":{"addr":":9090"}}`), 0o644))
	out, err := execute(t, "check", "--config", good)
	require.NoError(t, err)
	assert.Contains(t, out, "config ok")

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{"cluster":{"mode":"mesh"}}`), 0o644))
	_, err = execute(t, "check", "--config", bad)
	assert.Error(t, err)

	_, err = execute(t, "check", "--config", filepath.Join(dir, "missing.json"))
	assert.Error(t, err)
}

func TestLoadConfigCreatesDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "xrlink.json")
	cfg, abs, err := loadConfig(path, true)
	require.NoError(t, err)
	assert.Equal(t, path, abs)
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.FileExists(t, path)
}
