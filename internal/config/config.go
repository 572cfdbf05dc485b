package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/petervdpas/xrlink/internal/util"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g.
// XRLINK_SERVER_ADDR or XRLINK_NOTES_API_KEY.
const EnvPrefix = "XRLINK"

type Config struct {
	Server   Server   `json:"server" mapstructure:"server"`
	Presence Presence `json:"presence" mapstructure:"presence"`
	Pairing  Pairing  `json:"pairing" mapstructure:"pairing"`
	History  History  `json:"history" mapstructure:"history"`
	Cluster  Cluster  `json:"cluster" mapstructure:"cluster"`
	Notes    Notes    `json:"notes" mapstructure:"notes"`
	Drugs    Drugs    `json:"drugs" mapstructure:"drugs"`
	ICE      ICE      `json:"ice" mapstructure:"ice"`
	Log      Log      `json:"log" mapstructure:"log"`
}

type Server struct {
	Addr string `json:"addr" mapstructure:"addr"`

	// Origins allowed to open a websocket. Empty accepts any origin.
	AllowedOrigins []string `json:"allowed_origins" mapstructure:"allowed_origins"`

	// Reported by /health and stamped on cluster envelopes. Empty = hostname-pid.
	InstanceID string `json:"instance_id" mapstructure:"instance_id"`

	// Per-IP limit for POST /desktop-telemetry.
	TelemetryRatePerMin int `json:"telemetry_rate_per_min" mapstructure:"telemetry_rate_per_min"`
}

type Presence struct {
	GatherTimeoutMs int `json:"gather_timeout_ms" mapstructure:"gather_timeout_ms"`
	GatherAttempts  int `json:"gather_attempts" mapstructure:"gather_attempts"`
	GatherBackoffMs int `json:"gather_backoff_ms" mapstructure:"gather_backoff_ms"`

	// Delay between the empty device_list sent on a duplicate identity and
	// the real one.
	BlackoutDelayMs int `json:"blackout_delay_ms" mapstructure:"blackout_delay_ms"`
}

type Pairing struct {
	AllowedPairs [][]string `json:"allowed_pairs" mapstructure:"allowed_pairs"`
	AutoPairs    [][]string `json:"auto_pairs" mapstructure:"auto_pairs"`
	DesktopIDs   []string   `json:"desktop_ids" mapstructure:"desktop_ids"`
}

type History struct {
	WindowHours   int `json:"window_hours" mapstructure:"window_hours"`
	MessageBuffer int `json:"message_buffer" mapstructure:"message_buffer"`
	ReplayCount   int `json:"replay_count" mapstructure:"replay_count"`
}

type Cluster struct {
	Mode       string   `json:"mode" mapstructure:"mode"` // local|gossip
	ListenPort int      `json:"listen_port" mapstructure:"listen_port"`
	Topic      string   `json:"topic" mapstructure:"topic"`
	Bootstrap  []string `json:"bootstrap" mapstructure:"bootstrap"`
	Mdns       bool     `json:"mdns" mapstructure:"mdns"`

	// Interval of membership announcements. Gathers stop waiting for an
	// instance that stayed silent for three intervals.
	HeartbeatMs int `json:"heartbeat_ms" mapstructure:"heartbeat_ms"`
}

type Notes struct {
	Enabled      bool    `json:"enabled" mapstructure:"enabled"`
	APIKey       string  `json:"api_key" mapstructure:"api_key"`
	Model        string  `json:"model" mapstructure:"model"`
	Temperature  float64 `json:"temperature" mapstructure:"temperature"`
	Endpoint     string  `json:"endpoint" mapstructure:"endpoint"`
	DiscoveryURL string  `json:"discovery_url" mapstructure:"discovery_url"`
	TimeoutSec   int     `json:"timeout_seconds" mapstructure:"timeout_seconds"`
}

type Drugs struct {
	Enabled    bool   `json:"enabled" mapstructure:"enabled"`
	Driver     string `json:"driver" mapstructure:"driver"` // pgx|sqlite
	DSN        string `json:"dsn" mapstructure:"dsn"`
	Schema     string `json:"schema" mapstructure:"schema"`
	Table      string `json:"table" mapstructure:"table"`
	NameColumn string `json:"name_column" mapstructure:"name_column"`
	TimeoutSec int    `json:"timeout_seconds" mapstructure:"timeout_seconds"`
}

type ICE struct {
	StunURLs       []string `json:"stun_urls" mapstructure:"stun_urls"`
	TurnURL        string   `json:"turn_url" mapstructure:"turn_url"`
	TurnUsername   string   `json:"turn_username" mapstructure:"turn_username"`
	TurnCredential string   `json:"turn_credential" mapstructure:"turn_credential"`
}

type Log struct {
	Level string `json:"level" mapstructure:"level"`
	Debug bool   `json:"debug" mapstructure:"debug"`
}

func Default() Config {
	return Config{
		Server: Server{
			Addr:                ":8080",
			TelemetryRatePerMin: 60,
		},
		Presence: Presence{
			GatherTimeoutMs: 5000,
			GatherAttempts:  2,
			GatherBackoffMs: 500,
			BlackoutDelayMs: 1200,
		},
		Pairing: Pairing{
			AllowedPairs: [][]string{{"XR-1234", "XR-1238"}},
			AutoPairs:    [][]string{{"XR-1234", "XR-1238"}},
			DesktopIDs:   []string{"XR-1238"},
		},
		History: History{
			WindowHours:   24,
			MessageBuffer: 100,
			ReplayCount:   10,
		},
		Cluster: Cluster{
			Mode:        "local",
			Topic:       "xrlink.cluster.v1",
			HeartbeatMs: 2000,
		},
		Notes: Notes{
			Temperature:  0.2,
			DiscoveryURL: "https://api.abacus.ai/api/v0/getApiEndpoint",
			TimeoutSec:   30,
		},
		Drugs: Drugs{
			Driver:     "pgx",
			Table:      "DrugMaster",
			NameColumn: "drug",
			TimeoutSec: 10,
		},
		ICE: ICE{
			StunURLs: []string{"stun:stun.l.google.com:19302"},
		},
		Log: Log{
			Level: "info",
		},
	}
}

func (p Presence) GatherTimeout() time.Duration {
	return time.Duration(p.GatherTimeoutMs) * time.Millisecond
}

func (p Presence) GatherBackoff() time.Duration {
	return time.Duration(p.GatherBackoffMs) * time.Millisecond
}

func (p Presence) BlackoutDelay() time.Duration {
	return time.Duration(p.BlackoutDelayMs) * time.Millisecond
}

func (c Cluster) Heartbeat() time.Duration {
	return time.Duration(c.HeartbeatMs) * time.Millisecond
}

func (h History) Window() time.Duration {
	return time.Duration(h.WindowHours) * time.Hour
}

func (c *Config) Validate() error {
	// Server
	if strings.TrimSpace(c.Server.Addr) == "" {
		return errors.New("server.addr is required")
	}
	if _, _, err := net.SplitHostPort(c.Server.Addr); err != nil {
		return fmt.Errorf("server.addr: %w", err)
	}
	if c.Server.TelemetryRatePerMin <= 0 {
		return errors.New("server.telemetry_rate_per_min must be > 0")
	}

	// Presence
	if c.Presence.GatherTimeoutMs <= 0 {
		return errors.New("presence.gather_timeout_ms must be > 0")
	}
	if c.Presence.GatherAttempts < 1 || c.Presence.GatherAttempts > 10 {
		return errors.New("presence.gather_attempts must be 1..10")
	}
	if c.Presence.GatherBackoffMs < 0 {
		return errors.New("presence.gather_backoff_ms must be >= 0")
	}
	if c.Presence.BlackoutDelayMs < 0 {
		return errors.New("presence.blackout_delay_ms must be >= 0")
	}

	// Pairing
	if err := validatePairs("pairing.allowed_pairs", c.Pairing.AllowedPairs); err != nil {
		return err
	}
	if err := validatePairs("pairing.auto_pairs", c.Pairing.AutoPairs); err != nil {
		return err
	}
	partners := map[string]string{}
	for _, p := range c.Pairing.AutoPairs {
		for i := 0; i < 2; i++ {
			self, other := p[i], p[1-i]
			if prev, ok := partners[self]; ok && prev != other {
				return fmt.Errorf("pairing.auto_pairs: %s has more than one partner", self)
			}
			partners[self] = other
		}
	}

	// History
	if c.History.WindowHours <= 0 {
		return errors.New("history.window_hours must be > 0")
	}
	if c.History.MessageBuffer <= 0 {
		return errors.New("history.message_buffer must be > 0")
	}
	if c.History.ReplayCount < 0 || c.History.ReplayCount > c.History.MessageBuffer {
		return errors.New("history.replay_count must be 0..history.message_buffer")
	}

	// Cluster
	switch c.Cluster.Mode {
	case "local":
	case "gossip":
		if c.Cluster.ListenPort < 0 || c.Cluster.ListenPort > 65535 {
			return errors.New("cluster.listen_port must be 0..65535")
		}
		if strings.TrimSpace(c.Cluster.Topic) == "" {
			return errors.New("cluster.topic is required in gossip mode")
		}
		if c.Cluster.HeartbeatMs <= 0 {
			return errors.New("cluster.heartbeat_ms must be > 0 in gossip mode")
		}
	default:
		return fmt.Errorf("cluster.mode must be local or gossip, got %q", c.Cluster.Mode)
	}

	// Notes
	if c.Notes.Enabled {
		if strings.TrimSpace(c.Notes.Model) == "" {
			return errors.New("notes.model is required when notes are enabled")
		}
		if c.Notes.Endpoint == "" && c.Notes.DiscoveryURL == "" {
			return errors.New("notes.endpoint or notes.discovery_url is required when notes are enabled")
		}
		for _, u := range []string{c.Notes.Endpoint, c.Notes.DiscoveryURL} {
			if u == "" {
				continue
			}
			if err := validateHTTPURL(u); err != nil {
				return fmt.Errorf("notes: %w", err)
			}
		}
		if c.Notes.TimeoutSec < 1 || c.Notes.TimeoutSec > 300 {
			return errors.New("notes.timeout_seconds must be 1..300")
		}
	}

	// Drugs
	if c.Drugs.Enabled {
		if c.Drugs.Driver != "pgx" && c.Drugs.Driver != "sqlite" {
			return fmt.Errorf("drugs.driver must be pgx or sqlite, got %q", c.Drugs.Driver)
		}
		if strings.TrimSpace(c.Drugs.DSN) == "" {
			return errors.New("drugs.dsn is required when drug lookup is enabled")
		}
		if strings.TrimSpace(c.Drugs.Table) == "" || strings.TrimSpace(c.Drugs.NameColumn) == "" {
			return errors.New("drugs.table and drugs.name_column are required")
		}
		if c.Drugs.TimeoutSec < 1 {
			return errors.New("drugs.timeout_seconds must be > 0")
		}
	}

	// ICE
	if c.ICE.TurnURL != "" && (c.ICE.TurnUsername == "" || c.ICE.TurnCredential == "") {
		return errors.New("ice.turn_username and ice.turn_credential are required with ice.turn_url")
	}

	// Log
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be debug, info, warn or error, got %q", c.Log.Level)
	}

	return nil
}

func validatePairs(key string, pairs [][]string) error {
	for i, p := range pairs {
		if len(p) != 2 {
			return fmt.Errorf("%s[%d] must have exactly two identities", key, i)
		}
		a, b := strings.TrimSpace(p[0]), strings.TrimSpace(p[1])
		if a == "" || b == "" {
			return fmt.Errorf("%s[%d] has an empty identity", key, i)
		}
		if a == b {
			return fmt.Errorf("%s[%d] pairs %s with itself", key, i, a)
		}
	}
	return nil
}

func validateHTTPURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url %q: %v", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("url %q: scheme must be http or https", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("url %q: missing host", raw)
	}
	return nil
}

// Load builds the config from defaults, the JSON file at path (optional when
// path is empty) and XRLINK_* environment overrides, then validates it.
func Load(path string) (Config, error) {
	cfg, err := LoadPartial(path)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadPartial is Load without validation.
func LoadPartial(path string) (Config, error) {
	v := viper.New()
	v.SetConfigType("json")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Start from defaults so every key is known to viper (and thus to the
	// environment lookup) even when the file omits it.
	defaults, err := json.Marshal(Default())
	if err != nil {
		return Config{}, err
	}
	if err := v.ReadConfig(bytes.NewReader(defaults)); err != nil {
		return Config{}, fmt.Errorf("load defaults: %w", err)
	}

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, err
		}
		// Strip UTF-8 BOM if present (common when editing JSON on Windows).
		b = stripBOM(b)
		if err := v.MergeConfig(bytes.NewReader(b)); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

// stripBOM removes a UTF-8 byte order mark if present.
func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config file.
// Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	cfg, err := Load(path)
	return cfg, true, err
}
