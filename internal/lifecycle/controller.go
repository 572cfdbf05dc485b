// Package lifecycle drives a websocket session from connect to
// disconnect: it decodes inbound frames, gates identity claims and routes
// every event to the component that owns it.
package lifecycle

import (
	"context"
	"errors"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/petervdpas/xrlink/internal/observability"
	"github.com/petervdpas/xrlink/internal/pairing"
	"github.com/petervdpas/xrlink/internal/presence"
	"github.com/petervdpas/xrlink/internal/proto"
	"github.com/petervdpas/xrlink/internal/transport"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("lifecycle")

const (
	msgMissingXRID     = "Missing xrId"
	msgIdentityChanged = "Identity already set for this connection"
)

type Hub interface {
	Send(c *transport.Conn, event string, data any)
	Broadcast(event string, data any)
	ToRoomExcept(room string, c *transport.Conn, event string, data any)
	RoomsOf(c *transport.Conn) []string
	Detach(c *transport.Conn)
}

type Presence interface {
	Claim(ctx context.Context, c *transport.Conn, identity, deviceName string) presence.ClaimResult
	Release(identity string, c *transport.Conn)
	ListDevices(ctx context.Context) ([]proto.DeviceSummary, error)
}

type Pairing interface {
	AutoPair(c *transport.Conn) bool
	PairWith(c *transport.Conn, peerID string) (string, error)
	Snapshot() proto.RoomUpdate
	BroadcastPairs()
}

type History interface {
	Subscribe(c *transport.Conn, xrID string)
	Unsubscribe(c *transport.Conn, xrID string)
	RecordTelemetry(t proto.Telemetry, fallbackID string) bool
	RecordBattery(b proto.Battery, fallbackID string) bool
	RecordQuality(q proto.WebRTCQuality, fallbackID string) bool
}

type Relay interface {
	Signal(c *transport.Conn, s proto.Signal) error
	Control(c *transport.Conn, ctl proto.Control)
	Status(c *transport.Conn, s proto.StatusReport)
	Message(c *transport.Conn, m proto.Message)
	ClearMessages(by string)
	ClearConfirmation(device string)
	RecentMessages() proto.MessageHistory
	HasMessages() bool
}

type Deps struct {
	Hub      Hub
	Presence Presence
	Pairing  Pairing
	History  History
	Relay    Relay
	Metrics  *observability.Metrics
}

type Options struct {
	// Delay between the empty device_list of a blackout and the real one.
	BlackoutDelay time.Duration
}

// Controller implements transport.SessionHandler.
type Controller struct {
	Deps
	opts Options

	mu       sync.Mutex
	blackout *time.Timer
	closed   bool
}

func New(deps Deps, opts Options) *Controller {
	if opts.BlackoutDelay <= 0 {
		opts.BlackoutDelay = 1200 * time.Millisecond
	}
	return &Controller{Deps: deps, opts: opts}
}

// Close stops a pending blackout re-broadcast.
func (ctl *Controller) Close() {
	ctl.mu.Lock()
	defer ctl.mu.Unlock()
	ctl.closed = true
	if ctl.blackout != nil {
		ctl.blackout.Stop()
	}
}

// Connect sends the initial snapshots: recent chat, devices and pairs.
func (ctl *Controller) Connect(ctx context.Context, c *transport.Conn) {
	log.Debugw("connected", "conn", c.ID(), "remote", c.RemoteAddr())
	if ctl.Relay.HasMessages() {
		ctl.Hub.Send(c, proto.EvMessageHistory, ctl.Relay.RecentMessages())
	}
	ctl.sendDevices(ctx, c)
	ctl.Hub.Send(c, proto.OutRoomUpdate, ctl.Pairing.Snapshot())
}

// Handle decodes one inbound frame and dispatches it. Malformed input is
// logged and dropped; a panicking handler does not end the session.
func (ctl *Controller) Handle(ctx context.Context, c *transport.Conn, msg []byte) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorw("handler panicked", "conn", c.ID(), "panic", r, "stack", string(debug.Stack()))
		}
	}()

	f, err := proto.ParseFrame(msg)
	if err != nil {
		log.Debugw("dropping frame", "conn", c.ID(), "err", err)
		return
	}
	ev, err := proto.Decode(f)
	if err != nil {
		if errors.Is(err, proto.ErrUnknownEvent) {
			log.Debugw("unknown event", "conn", c.ID(), "event", f.Event)
		} else {
			log.Warnw("malformed payload", "conn", c.ID(), "event", f.Event, "err", err)
		}
		return
	}
	ctl.Metrics.Event(ev.EventName())
	ctl.dispatch(ctx, c, ev)
}

func (ctl *Controller) dispatch(ctx context.Context, c *transport.Conn, ev proto.Event) {
	switch e := ev.(type) {
	case proto.Identify:
		ctl.identify(ctx, c, e)
	case proto.Join:
		ctl.join(ctx, c, e)
	case proto.PairWith:
		if _, err := ctl.Pairing.PairWith(c, e.PeerID); err != nil {
			log.Debugw("pair_with refused", "conn", c.Label(), "peer", e.PeerID, "err", err)
			ctl.Hub.Send(c, proto.OutPairError, proto.ErrorPayload{Code: pairing.ErrorCode(err), Message: pairing.ErrorMessage(err)})
		}
	case proto.Signal:
		_ = ctl.Relay.Signal(c, e)
	case proto.Control:
		ctl.Relay.Control(c, e)
	case proto.Message:
		ctl.Relay.Message(c, e)
	case proto.StatusReport:
		ctl.Relay.Status(c, e)
	case proto.ClearMessages:
		ctl.Relay.ClearMessages(e.By)
	case proto.ClearConfirmation:
		ctl.Relay.ClearConfirmation(e.Device)
	case proto.MessageHistoryRequest:
		ctl.Hub.Send(c, proto.EvMessageHistory, ctl.Relay.RecentMessages())
	case proto.Telemetry:
		if !ctl.History.RecordTelemetry(e, c.Identity()) {
			log.Debugw("telemetry without xrId", "conn", c.ID())
		}
	case proto.Battery:
		if !ctl.History.RecordBattery(e, c.Identity()) {
			log.Debugw("battery without xrId", "conn", c.ID())
		}
	case proto.WebRTCQuality:
		if !ctl.History.RecordQuality(e, c.Identity()) {
			log.Debugw("quality without xrId", "conn", c.ID())
		}
	case proto.MetricsSubscribe:
		if e.XRID != "" {
			ctl.History.Subscribe(c, e.XRID)
		}
	case proto.MetricsUnsubscribe:
		if e.XRID != "" {
			ctl.History.Unsubscribe(c, e.XRID)
		}
	case proto.RequestDeviceList:
		ctl.sendDevices(ctx, c)
	default:
		log.Warnw("event without handler", "event", ev.EventName())
	}
}

func (ctl *Controller) identify(ctx context.Context, c *transport.Conn, e proto.Identify) {
	id := strings.TrimSpace(e.XRID)
	if id == "" {
		log.Warnw("identify without xrId", "conn", c.ID())
		ctl.Hub.Send(c, proto.OutError, proto.ErrorPayload{Message: msgMissingXRID})
		c.Close()
		return
	}
	if !ctl.claim(ctx, c, id, strings.TrimSpace(e.DeviceName)) {
		return
	}
	ctl.sendDevices(ctx, c)
	ctl.broadcastDevices(ctx)

	if c.RoomID() == "" {
		ctl.Pairing.AutoPair(c)
	} else {
		log.Debugw("auto-pair skipped, already in a room", "xrId", id, "room", c.RoomID())
	}
}

// join is the minimal identify used by older clients: no device name and
// no auto-pair.
func (ctl *Controller) join(ctx context.Context, c *transport.Conn, e proto.Join) {
	id := strings.TrimSpace(e.XRID)
	if id == "" {
		log.Debugw("join without xrId", "conn", c.ID())
		return
	}
	if !ctl.claim(ctx, c, id, "") {
		return
	}
	ctl.sendDevices(ctx, c)
	ctl.broadcastDevices(ctx)
}

// claim runs the duplicate guard. A session that already holds another
// identity gets an error and stays open; a duplicate is disconnected.
func (ctl *Controller) claim(ctx context.Context, c *transport.Conn, id, deviceName string) bool {
	if cur := c.Identity(); cur != "" && cur != id {
		log.Warnw("identity change refused", "conn", c.ID(), "current", cur, "requested", id)
		ctl.Hub.Send(c, proto.OutError, proto.ErrorPayload{Message: msgIdentityChanged})
		return false
	}

	res := ctl.Presence.Claim(ctx, c, id, deviceName)
	if res.Accepted {
		return true
	}
	ctl.startBlackout()
	ctl.Hub.Send(c, proto.OutDuplicateID, proto.DuplicateID{XRID: id, HolderInfo: res.Holder})
	c.Close()
	return false
}

// startBlackout broadcasts an empty device list now and the real one after
// the configured delay. A rejection inside the delay restarts it.
func (ctl *Controller) startBlackout() {
	ctl.Hub.Broadcast(proto.OutDeviceList, []proto.DeviceSummary{})

	ctl.mu.Lock()
	defer ctl.mu.Unlock()
	if ctl.closed {
		return
	}
	if ctl.blackout != nil {
		ctl.blackout.Stop()
	}
	ctl.blackout = time.AfterFunc(ctl.opts.BlackoutDelay, func() {
		ctl.broadcastDevices(context.Background())
	})
}

// Disconnect tells pair partners first, while the room still resolves,
// then releases the identity and republishes presence and pairs.
func (ctl *Controller) Disconnect(ctx context.Context, c *transport.Conn) {
	id := c.Identity()
	if id != "" {
		for _, room := range ctl.Hub.RoomsOf(c) {
			if strings.HasPrefix(room, proto.PairRoomPrefix) {
				ctl.Hub.ToRoomExcept(room, c, proto.OutPeerLeft, proto.PeerLeft{XRID: id, RoomID: room})
			}
		}
		ctl.Presence.Release(id, c)
	}
	ctl.Hub.Detach(c)
	log.Debugw("disconnected", "conn", c.ID(), "xrId", id)

	// A session that never identified does not change the device list.
	if id != "" {
		ctl.broadcastDevices(ctx)
	}
	ctl.Pairing.BroadcastPairs()
}

func (ctl *Controller) sendDevices(ctx context.Context, c *transport.Conn) {
	list, err := ctl.Presence.ListDevices(ctx)
	if err != nil {
		log.Warnw("device list unavailable", "conn", c.ID(), "err", err)
		return
	}
	ctl.Hub.Send(c, proto.OutDeviceList, list)
}

// broadcastDevices skips the broadcast when the cluster could not be
// enumerated, so dashboards keep their last list.
func (ctl *Controller) broadcastDevices(ctx context.Context) {
	list, err := ctl.Presence.ListDevices(ctx)
	if err != nil {
		log.Warnw("device list broadcast skipped", "err", err)
		return
	}
	ctl.Hub.Broadcast(proto.OutDeviceList, list)
}
