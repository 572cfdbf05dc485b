// Package pairing manages the two-party rooms shared by allowed device
// pairs. Room ids are derived from the sorted identities, so both sides
// compute the same id no matter who initiates.
package pairing

import (
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/petervdpas/xrlink/internal/observability"
	"github.com/petervdpas/xrlink/internal/proto"
	"github.com/petervdpas/xrlink/internal/transport"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("pairing")

var (
	ErrSelfOrMissingPeer = errors.New("pairing: identify and provide peerId")
	ErrPairNotAllowed    = errors.New("pairing: pairing not allowed")
	ErrRoomFull          = errors.New("pairing: room is full")
)

// RoomCapacity is the number of members a pair room admits.
const RoomCapacity = 2

// Error codes carried by pair_error.
const (
	CodeSelfOrMissingPeer = "self_or_missing_peer"
	CodeNotAllowed        = "not_allowed"
	CodeRoomFull          = "room_full"
)

// Hub is the part of the transport the engine uses for room state.
type Hub interface {
	Join(c *transport.Conn, room string) bool
	Leave(c *transport.Conn, room string)
	Members(room string) []*transport.Conn
	RoomIDs(prefix string) []string
	Send(c *transport.Conn, event string, data any)
	ToRoom(room, event string, data any)
	Broadcast(event string, data any)
}

// Locator finds the local connection currently holding an identity.
type Locator interface {
	Holder(identity string) (*transport.Conn, bool)
}

// PairKey is the order-independent key of a pair.
func PairKey(a, b string) string {
	lo, hi := sorted(a, b)
	return lo + "|" + hi
}

// RoomIDFor returns pair:<lo>:<hi>.
func RoomIDFor(a, b string) string {
	lo, hi := sorted(a, b)
	return proto.PairRoomPrefix + lo + ":" + hi
}

func sorted(a, b string) (string, string) {
	if b < a {
		return b, a
	}
	return a, b
}

// ErrorCode maps an engine error to its pair_error code.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrSelfOrMissingPeer):
		return CodeSelfOrMissingPeer
	case errors.Is(err, ErrPairNotAllowed):
		return CodeNotAllowed
	case errors.Is(err, ErrRoomFull):
		return CodeRoomFull
	default:
		return "internal"
	}
}

// ErrorMessage is the human readable text sent with pair_error.
func ErrorMessage(err error) string {
	switch {
	case errors.Is(err, ErrSelfOrMissingPeer):
		return "Identify and provide peerId"
	case errors.Is(err, ErrPairNotAllowed):
		return "Pairing not allowed"
	case errors.Is(err, ErrRoomFull):
		return "Room is full"
	default:
		return "Internal server error during pairing"
	}
}

type Engine struct {
	hub     Hub
	locator Locator
	metrics *observability.Metrics

	allowed  map[string]bool
	rooms    map[string][2]string // room id -> allowed pair
	partners map[string]string

	mu sync.Mutex
}

// New builds the engine from the allow-list and the auto-pair partner
// list. Both are read once; partners are symmetric.
func New(hub Hub, locator Locator, metrics *observability.Metrics, allowed, autoPairs [][]string) *Engine {
	e := &Engine{
		hub:      hub,
		locator:  locator,
		metrics:  metrics,
		allowed:  make(map[string]bool),
		rooms:    make(map[string][2]string),
		partners: make(map[string]string),
	}
	for _, p := range allowed {
		if len(p) != 2 || p[0] == "" || p[1] == "" || p[0] == p[1] {
			continue
		}
		e.allowed[PairKey(p[0], p[1])] = true
		lo, hi := sorted(p[0], p[1])
		e.rooms[RoomIDFor(lo, hi)] = [2]string{lo, hi}
	}
	for _, p := range autoPairs {
		if len(p) != 2 || p[0] == "" || p[1] == "" || p[0] == p[1] {
			continue
		}
		e.partners[p[0]] = p[1]
		e.partners[p[1]] = p[0]
	}
	log.Infow("pairing configured", "allowed", len(e.allowed), "autoPairs", len(e.partners)/2)
	return e
}

func (e *Engine) IsAllowed(a, b string) bool {
	if a == "" || b == "" || a == b {
		return false
	}
	return e.allowed[PairKey(a, b)]
}

// Partner returns the static auto-pair partner of identity.
func (e *Engine) Partner(identity string) (string, bool) {
	p, ok := e.partners[identity]
	return p, ok
}

// AutoPair joins c and its static partner into their room when the partner
// is connected here, the pair is allowed and the room has space. It reports
// whether a join happened.
func (e *Engine) AutoPair(c *transport.Conn) bool {
	me := c.Identity()
	if me == "" || c.RoomID() != "" {
		return false
	}
	partnerID, ok := e.partners[me]
	if !ok {
		return false
	}
	partner, ok := e.locator.Holder(partnerID)
	if !ok || partner.Closed() {
		log.Debugw("auto-pair skipped, partner absent", "xrId", me, "partner", partnerID)
		return false
	}
	if !e.IsAllowed(me, partnerID) {
		return false
	}

	roomID := RoomIDFor(me, partnerID)
	e.mu.Lock()
	if len(e.hub.Members(roomID)) >= RoomCapacity {
		e.mu.Unlock()
		log.Debugw("auto-pair skipped, room full", "room", roomID)
		return false
	}
	e.joinLocked(c, roomID)
	e.joinLocked(partner, roomID)
	e.mu.Unlock()

	log.Infow("auto-paired", "room", roomID, "a", me, "b", partnerID)
	e.announce(roomID)
	return true
}

// PairWith joins c into the room it shares with peerID.
func (e *Engine) PairWith(c *transport.Conn, peerID string) (string, error) {
	me := c.Identity()
	peerID = strings.TrimSpace(peerID)
	if me == "" || peerID == "" || peerID == me {
		return "", ErrSelfOrMissingPeer
	}
	if !e.IsAllowed(me, peerID) {
		return "", ErrPairNotAllowed
	}

	roomID := RoomIDFor(me, peerID)
	e.mu.Lock()
	members := e.hub.Members(roomID)
	already := false
	for _, m := range members {
		if m == c {
			already = true
		}
	}
	if !already && len(members) >= RoomCapacity {
		e.mu.Unlock()
		return "", ErrRoomFull
	}
	e.joinLocked(c, roomID)
	e.mu.Unlock()

	log.Infow("paired", "room", roomID, "by", me)
	e.announce(roomID)
	return roomID, nil
}

// joinLocked moves c into roomID, leaving any other pair room first.
func (e *Engine) joinLocked(c *transport.Conn, roomID string) {
	if prev := c.RoomID(); prev != "" && prev != roomID {
		e.hub.Leave(c, prev)
	}
	e.hub.Join(c, roomID)
	c.SetRoom(roomID)
}

func (e *Engine) announce(roomID string) {
	e.hub.ToRoom(roomID, proto.OutRoomJoined, proto.RoomJoined{RoomID: roomID, Members: e.Members(roomID)})
	e.BroadcastPairs()
}

// Members lists the identities in roomID in join order.
func (e *Engine) Members(roomID string) []string {
	conns := e.hub.Members(roomID)
	out := make([]string, 0, len(conns))
	for _, c := range conns {
		out = append(out, c.Label())
	}
	return out
}

// ActivePairs recomputes the pairs from current membership. Every pair
// room is validated on the way: members beyond capacity or outside the
// room's allowed pair are evicted, newest first.
func (e *Engine) ActivePairs() []proto.Pair {
	e.mu.Lock()
	defer e.mu.Unlock()

	pairs := []proto.Pair{}
	for _, roomID := range e.hub.RoomIDs(proto.PairRoomPrefix) {
		members := e.healLocked(roomID, e.hub.Members(roomID))
		if len(members) < RoomCapacity {
			continue
		}
		a, b := sorted(members[0].Label(), members[1].Label())
		pairs = append(pairs, proto.Pair{A: a, B: b})
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].A+pairs[i].B < pairs[j].A+pairs[j].B })
	return pairs
}

func (e *Engine) healLocked(roomID string, members []*transport.Conn) []*transport.Conn {
	pair, known := e.rooms[roomID]
	var keep, evict []*transport.Conn
	for _, m := range members {
		id := m.Identity()
		foreign := !known || (id != pair[0] && id != pair[1])
		duplicate := false
		for _, k := range keep {
			if k.Identity() == id {
				duplicate = true
			}
		}
		if foreign || duplicate || len(keep) >= RoomCapacity {
			evict = append(evict, m)
			continue
		}
		keep = append(keep, m)
	}
	if len(evict) == 0 {
		return keep
	}

	e.metrics.OverAdmission()
	ids := make([]string, 0, len(evict))
	for _, m := range evict {
		ids = append(ids, m.Label())
		e.hub.Leave(m, roomID)
		if m.RoomID() == roomID {
			m.SetRoom("")
		}
		e.hub.Send(m, proto.OutPairError, proto.ErrorPayload{Code: CodeRoomFull, Message: ErrorMessage(ErrRoomFull)})
	}
	log.Warnw("room over-admitted, evicted newest members", "room", roomID, "members", len(members), "evicted", ids)
	return keep
}

// BroadcastPairs sends room_update with the current pairs to everyone.
func (e *Engine) BroadcastPairs() {
	e.hub.Broadcast(proto.OutRoomUpdate, proto.RoomUpdate{Pairs: e.ActivePairs()})
}

// Snapshot returns the current pairs as room_update, for a single client.
func (e *Engine) Snapshot() proto.RoomUpdate {
	return proto.RoomUpdate{Pairs: e.ActivePairs()}
}
