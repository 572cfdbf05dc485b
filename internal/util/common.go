package util

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Common timeout durations
const (
	DefaultFetchTimeout   = 5 * time.Second
	DefaultConnectTimeout = 3 * time.Second
	ShortTimeout          = 2 * time.Second
)

// WriteJSONFile writes a JSON object to a file, creating parent directories if needed.
func WriteJSONFile(path string, v any) error {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}

// NormalizeURL trims whitespace and any trailing slashes so paths can be
// appended with a leading "/".
func NormalizeURL(raw string) string {
	return strings.TrimRight(strings.TrimSpace(raw), "/")
}

// InstanceID names this process for /health and cluster envelopes when no
// explicit id is configured.
func InstanceID(configured string) string {
	if s := strings.TrimSpace(configured); s != "" {
		return s
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "xrlink"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

// Preview shortens s for log output.
func Preview(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return fmt.Sprintf("%s…(%d)", s[:max], len(s))
}
