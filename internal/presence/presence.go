// Package presence enforces one live connection per identity across the
// cluster. Every instance only knows its own sessions, so a claim gathers
// the live connections of all instances before it is granted.
package presence

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/petervdpas/xrlink/internal/cluster"
	"github.com/petervdpas/xrlink/internal/observability"
	"github.com/petervdpas/xrlink/internal/proto"
	"github.com/petervdpas/xrlink/internal/transport"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("presence")

// ErrUnknown is returned when the cluster could not be enumerated. Callers
// must not read it as an empty cluster.
var ErrUnknown = errors.New("presence: cluster state unknown")

const UnknownDevice = "Unknown"

// Hub is the part of the transport the registry needs.
type Hub interface {
	FetchConns(ctx context.Context) ([]cluster.ConnInfo, error)
	Join(c *transport.Conn, room string) bool
}

// Latest supplies the per-device snapshots joined into device_list rows.
type Latest interface {
	LatestTelemetry(xrID string) (proto.TelemetryRecord, bool)
	Battery(xrID string) (proto.BatterySnapshot, bool)
}

type Options struct {
	GatherTimeout  time.Duration
	GatherAttempts int
	GatherBackoff  time.Duration
	// Identities that are always treated as desktops.
	DesktopIDs []string
}

func (o *Options) fill() {
	if o.GatherTimeout <= 0 {
		o.GatherTimeout = 5 * time.Second
	}
	if o.GatherAttempts <= 0 {
		o.GatherAttempts = 2
	}
	if o.GatherBackoff <= 0 {
		o.GatherBackoff = 500 * time.Millisecond
	}
}

// GatherResult is either the cluster's connection list or TimedOut.
type GatherResult struct {
	Conns    []cluster.ConnInfo
	TimedOut bool
}

// ClaimResult reports the outcome of Claim. Holder is set on rejection.
type ClaimResult struct {
	Accepted bool
	// Optimistic is true when the claim was granted without cluster
	// knowledge because every gather attempt failed.
	Optimistic bool
	Holder     proto.HolderInfo
}

type Registry struct {
	hub     Hub
	latest  Latest
	metrics *observability.Metrics
	opts    Options
	desktop map[string]bool

	mu       sync.Mutex
	bindings map[string]*transport.Conn
	claiming map[string]*transport.Conn
}

func NewRegistry(hub Hub, latest Latest, metrics *observability.Metrics, opts Options) *Registry {
	opts.fill()
	desktop := make(map[string]bool, len(opts.DesktopIDs))
	for _, id := range opts.DesktopIDs {
		desktop[id] = true
	}
	return &Registry{
		hub:      hub,
		latest:   latest,
		metrics:  metrics,
		opts:     opts,
		desktop:  desktop,
		bindings: make(map[string]*transport.Conn),
		claiming: make(map[string]*transport.Conn),
	}
}

// IsDesktop infers the device kind from its display name or identity.
func (r *Registry) IsDesktop(deviceName, xrID string) bool {
	return strings.Contains(strings.ToLower(deviceName), "desktop") || r.desktop[xrID]
}

// Gather enumerates live connections across the cluster, retrying with a
// linear backoff.
func (r *Registry) Gather(ctx context.Context) GatherResult {
	start := time.Now()
	for attempt := 1; attempt <= r.opts.GatherAttempts; attempt++ {
		actx, cancel := context.WithTimeout(ctx, r.opts.GatherTimeout)
		conns, err := r.hub.FetchConns(actx)
		cancel()
		if err == nil {
			r.metrics.Gather(time.Since(start), false)
			log.Debugw("gather ok", "attempt", attempt, "conns", len(conns))
			return GatherResult{Conns: conns}
		}
		log.Warnw("gather attempt failed", "attempt", attempt, "of", r.opts.GatherAttempts, "err", err)
		if attempt == r.opts.GatherAttempts {
			break
		}

		backoff := time.Duration(attempt) * r.opts.GatherBackoff
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			r.metrics.Gather(time.Since(start), true)
			return GatherResult{TimedOut: true}
		}
	}
	r.metrics.Gather(time.Since(start), true)
	return GatherResult{TimedOut: true}
}

// Claim grants identity to c unless another live connection holds it. The
// local binding table and in-flight claims are checked first so two local
// claims for one identity can never both pass the gather.
func (r *Registry) Claim(ctx context.Context, c *transport.Conn, identity, deviceName string) ClaimResult {
	if deviceName == "" {
		deviceName = UnknownDevice
	}

	r.mu.Lock()
	if holder, ok := r.bindings[identity]; ok && holder != c {
		r.mu.Unlock()
		return r.reject(identity, holderFromConn(identity, holder))
	}
	if other, ok := r.claiming[identity]; ok && other != c {
		r.mu.Unlock()
		return r.reject(identity, proto.HolderInfo{XRID: identity, DeviceName: UnknownDevice, SocketID: other.ID()})
	}
	r.claiming[identity] = c
	r.mu.Unlock()

	res := r.Gather(ctx)

	r.mu.Lock()
	delete(r.claiming, identity)
	if !res.TimedOut {
		for _, info := range res.Conns {
			if info.XRID == identity && info.ConnID != c.ID() {
				r.mu.Unlock()
				return r.reject(identity, holderFromInfo(info))
			}
		}
	}
	r.bindings[identity] = c
	r.mu.Unlock()

	if !c.Bind(identity, deviceName, r.IsDesktop(deviceName, identity)) {
		r.mu.Lock()
		if r.bindings[identity] == c {
			delete(r.bindings, identity)
		}
		r.mu.Unlock()
		return r.reject(identity, proto.HolderInfo{XRID: c.Identity(), DeviceName: c.DeviceName(), SocketID: c.ID()})
	}
	r.hub.Join(c, proto.DeviceRoom(identity))
	r.metrics.Claim(true)

	if res.TimedOut {
		log.Warnw("claim accepted without cluster view", "xrId", identity, "conn", c.ID())
		return ClaimResult{Accepted: true, Optimistic: true}
	}
	log.Infow("identity claimed", "xrId", identity, "conn", c.ID(), "device", deviceName)
	return ClaimResult{Accepted: true}
}

func (r *Registry) reject(identity string, holder proto.HolderInfo) ClaimResult {
	r.metrics.Claim(false)
	log.Warnw("duplicate identity rejected", "xrId", identity, "holder", holder.SocketID)
	return ClaimResult{Holder: holder}
}

func holderFromConn(identity string, c *transport.Conn) proto.HolderInfo {
	since := c.ConnectedAt()
	name := c.DeviceName()
	if name == "" {
		name = UnknownDevice
	}
	return proto.HolderInfo{XRID: identity, DeviceName: name, Since: &since, SocketID: c.ID()}
}

func holderFromInfo(info cluster.ConnInfo) proto.HolderInfo {
	h := proto.HolderInfo{XRID: info.XRID, DeviceName: info.DeviceName, SocketID: info.ConnID}
	if h.DeviceName == "" {
		h.DeviceName = UnknownDevice
	}
	if info.ConnectedAt > 0 {
		since := info.ConnectedAt
		h.Since = &since
	}
	return h
}

// Release drops the binding if c still holds identity.
func (r *Registry) Release(identity string, c *transport.Conn) {
	if identity == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.bindings[identity] == c {
		delete(r.bindings, identity)
		log.Debugw("identity released", "xrId", identity, "conn", c.ID())
	}
}

// Holder returns the local connection bound to identity.
func (r *Registry) Holder(identity string) (*transport.Conn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.bindings[identity]
	return c, ok
}

// ListDevices builds the device_list rows: one per identity, first
// occurrence wins.
func (r *Registry) ListDevices(ctx context.Context) ([]proto.DeviceSummary, error) {
	res := r.Gather(ctx)
	if res.TimedOut {
		return nil, fmt.Errorf("list devices: %w", ErrUnknown)
	}

	seen := make(map[string]bool)
	out := make([]proto.DeviceSummary, 0, len(res.Conns))
	for _, info := range res.Conns {
		if info.XRID == "" || seen[info.XRID] {
			continue
		}
		seen[info.XRID] = true
		out = append(out, r.summary(info))
	}
	return out, nil
}

func (r *Registry) summary(info cluster.ConnInfo) proto.DeviceSummary {
	d := proto.DeviceSummary{XRID: info.XRID, DeviceName: info.DeviceName}
	if d.DeviceName == "" {
		d.DeviceName = UnknownDevice
	}
	if r.latest == nil {
		return d
	}
	if b, ok := r.latest.Battery(info.XRID); ok {
		d.Battery = b.Pct
		d.Charging = b.Charging
		if b.TS > 0 {
			ts := b.TS
			d.BatteryTS = &ts
		}
	}
	if t, ok := r.latest.LatestTelemetry(info.XRID); ok {
		d.Telemetry = &t
	}
	return d
}

// CountConnections reports the number of live connections cluster-wide.
func (r *Registry) CountConnections(ctx context.Context) (int, error) {
	res := r.Gather(ctx)
	if res.TimedOut {
		return 0, ErrUnknown
	}
	return len(res.Conns), nil
}
