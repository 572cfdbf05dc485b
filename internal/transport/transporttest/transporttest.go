// Package transporttest builds in-process hubs and sessions for tests of
// the packages that emit through a transport.Hub.
package transporttest

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/petervdpas/xrlink/internal/cluster"
	"github.com/petervdpas/xrlink/internal/proto"
	"github.com/petervdpas/xrlink/internal/transport"
)

// NewHub returns a hub on a single-instance fabric.
func NewHub() *transport.Hub {
	return transport.NewHub(cluster.NewLocal("test"), nil)
}

// Conn accepts a session that is not backed by a socket; frames sent to it
// stay in its outbox until drained.
func Conn(h *transport.Hub) *transport.Conn {
	return h.Accept("127.0.0.1:0")
}

// Drain returns every frame currently queued for c.
func Drain(t testing.TB, c *transport.Conn) []proto.Frame {
	t.Helper()
	var out []proto.Frame
	for {
		select {
		case b := <-c.Outbox():
			f, err := proto.ParseFrame(b)
			if err != nil {
				t.Fatalf("bad frame %q: %v", b, err)
			}
			out = append(out, f)
		default:
			return out
		}
	}
}

// Events returns the event names queued for c, draining them.
func Events(t testing.TB, c *transport.Conn) []string {
	t.Helper()
	var names []string
	for _, f := range Drain(t, c) {
		names = append(names, f.Event)
	}
	return names
}

// Find drains c and decodes the first frame named event into v. It reports
// whether such a frame was queued.
func Find(t testing.TB, c *transport.Conn, event string, v any) bool {
	t.Helper()
	for _, f := range Drain(t, c) {
		if f.Event != event {
			continue
		}
		if v != nil {
			if err := json.Unmarshal(f.Data, v); err != nil {
				t.Fatalf("decode %s: %v", event, err)
			}
		}
		return true
	}
	return false
}

// Wait blocks until a frame named event reaches c or the timeout passes.
// Frames of other events are discarded.
func Wait(t testing.TB, c *transport.Conn, event string, timeout time.Duration) (proto.Frame, bool) {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case b := <-c.Outbox():
			f, err := proto.ParseFrame(b)
			if err != nil {
				t.Fatalf("bad frame %q: %v", b, err)
			}
			if f.Event == event {
				return f, true
			}
		case <-deadline:
			return proto.Frame{}, false
		}
	}
}
