package observability

import (
	"fmt"
	"strings"

	logging "github.com/ipfs/go-log/v2"
)

// Subsystems names every logger the relay creates, so levels can be raised
// for the relay alone without turning on libp2p debug output.
var Subsystems = []string{
	"xrlink", "presence", "pairing", "relay", "history",
	"lifecycle", "transport", "cluster", "notes", "drugs",
}

// SetupLogging applies the configured level to the relay's subsystems.
// debug raises them to debug regardless of level.
func SetupLogging(level string, debug bool) error {
	lvl := strings.ToLower(strings.TrimSpace(level))
	if lvl == "" {
		lvl = "info"
	}
	if _, err := logging.LevelFromString(lvl); err != nil {
		return fmt.Errorf("log level %q: %w", level, err)
	}
	if debug {
		lvl = "debug"
	}
	for _, name := range Subsystems {
		if err := logging.SetLogLevel(name, lvl); err != nil {
			// Loggers are created lazily at package init; a subsystem that
			// is not linked in is not an error.
			continue
		}
	}

	// Quiet libp2p: dial failures and backoff errors go to stderr by default.
	_ = logging.SetLogLevel("swarm2", "error")
	_ = logging.SetLogLevel("pubsub", "warn")
	_ = logging.SetLogLevel("autonat", "warn")
	_ = logging.SetLogLevel("mdns", "warn")
	return nil
}
