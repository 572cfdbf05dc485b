package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 5*time.Second, cfg.Presence.GatherTimeout())
	assert.Equal(t, 500*time.Millisecond, cfg.Presence.GatherBackoff())
	assert.Equal(t, 1200*time.Millisecond, cfg.Presence.BlackoutDelay())
	assert.Equal(t, 24*time.Hour, cfg.History.Window())
	assert.Equal(t, 100, cfg.History.MessageBuffer)
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(*Config){
		"empty addr":         func(c *Config) { c.Server.Addr = "" },
		"zero attempts":      func(c *Config) { c.Presence.GatherAttempts = 0 },
		"odd pair":           func(c *Config) { c.Pairing.AllowedPairs = [][]string{{"A"}} },
		"self pair":          func(c *Config) { c.Pairing.AllowedPairs = [][]string{{"A", "A"}} },
		"two partners":       func(c *Config) { c.Pairing.AutoPairs = [][]string{{"A", "B"}, {"A", "C"}} },
		"replay over buffer": func(c *Config) { c.History.ReplayCount = 101 },
		"bad cluster mode":   func(c *Config) { c.Cluster.Mode = "redis" },
		"gossip without heartbeat": func(c *Config) {
			c.Cluster.Mode = "gossip"
			c.Cluster.HeartbeatMs = 0
		},
		"notes without model": func(c *Config) {
			c.Notes.Enabled = true
		},
		"drugs bad driver": func(c *Config) {
			c.Drugs.Enabled = true
			c.Drugs.DSN = "x"
			c.Drugs.Driver = "mssql"
		},
		"turn without creds": func(c *Config) { c.ICE.TurnURL = "turn:turn.example.org:3478" },
		"bad log level":      func(c *Config) { c.Log.Level = "loud" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadMergesFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "xrlink.json")
	body := "\xEF\xBB\xBF" + `{
  "server": {"addr": ":9090"},
  "pairing": {"allowed_pairs": [["A-1", "B-1"], ["A-2", "B-2"]]},
  "history": {"replay_count": 5}
}`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	t.Setenv("XRLINK_PRESENCE_GATHER_TIMEOUT_MS", "750")
	t.Setenv("XRLINK_LOG_LEVEL", "debug")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, [][]string{{"A-1", "B-1"}, {"A-2", "B-2"}}, cfg.Pairing.AllowedPairs)
	assert.Equal(t, 5, cfg.History.ReplayCount)
	assert.Equal(t, 750, cfg.Presence.GatherTimeoutMs)
	assert.Equal(t, "debug", cfg.Log.Level)

	// untouched keys keep their defaults
	assert.Equal(t, 2, cfg.Presence.GatherAttempts)
	assert.Equal(t, "local", cfg.Cluster.Mode)
}

func TestLoadWithoutFileUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default().Server.Addr, cfg.Server.Addr)
}

func TestEnsureCreatesDefaultFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "xrlink.json")

	cfg, created, err := Ensure(path)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, Default().Presence, cfg.Presence)

	_, err = os.Stat(path)
	require.NoError(t, err)

	_, created, err = Ensure(path)
	require.NoError(t, err)
	assert.False(t, created)
}
