package transport

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/petervdpas/xrlink/internal/cluster"
	"github.com/petervdpas/xrlink/internal/observability"
	"github.com/petervdpas/xrlink/internal/proto"
	"github.com/petervdpas/xrlink/internal/util"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("transport")

// Hub owns the sessions accepted by this instance and their room
// membership. Rooms are local: a room exists while it has members here.
// Emits are delivered locally and forwarded through the cluster fabric so
// other instances deliver them to their own members.
type Hub struct {
	fabric  cluster.Fabric
	metrics *observability.Metrics

	mu    sync.RWMutex
	conns map[string]*Conn
	rooms map[string][]*Conn // join order is kept
}

func NewHub(fabric cluster.Fabric, metrics *observability.Metrics) *Hub {
	h := &Hub{
		fabric:  fabric,
		metrics: metrics,
		conns:   make(map[string]*Conn),
		rooms:   make(map[string][]*Conn),
	}
	fabric.Bind(h)
	return h
}

func (h *Hub) Instance() string { return h.fabric.Instance() }

// Accept registers a new session.
func (h *Hub) Accept(remoteAddr string) *Conn {
	c := &Conn{
		id:          uuid.NewString(),
		remoteAddr:  remoteAddr,
		connectedAt: proto.NowMillis(),
		send:        make(chan []byte, sendBuffer),
		done:        make(chan struct{}),
	}
	h.mu.Lock()
	h.conns[c.id] = c
	h.mu.Unlock()
	h.metrics.ConnOpened()
	log.Debugw("session accepted", "conn", c.id, "remote", remoteAddr)
	return c
}

// Detach removes the session from every room and from the hub, then closes it.
func (h *Hub) Detach(c *Conn) {
	h.mu.Lock()
	_, known := h.conns[c.id]
	delete(h.conns, c.id)
	for room, members := range h.rooms {
		h.rooms[room] = without(members, c)
		if len(h.rooms[room]) == 0 {
			delete(h.rooms, room)
		}
	}
	h.mu.Unlock()
	c.Close()
	if known {
		h.metrics.ConnClosed()
	}
}

func without(members []*Conn, c *Conn) []*Conn {
	out := members[:0]
	for _, m := range members {
		if m != c {
			out = append(out, m)
		}
	}
	return out
}

// Join adds c to room; it reports false when c was already a member.
func (h *Hub) Join(c *Conn, room string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, m := range h.rooms[room] {
		if m == c {
			return false
		}
	}
	h.rooms[room] = append(h.rooms[room], c)
	return true
}

func (h *Hub) Leave(c *Conn, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	members := without(h.rooms[room], c)
	if len(members) == 0 {
		delete(h.rooms, room)
		return
	}
	h.rooms[room] = members
}

// Members returns the local members of room in join order.
func (h *Hub) Members(room string) []*Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]*Conn(nil), h.rooms[room]...)
}

func (h *Hub) RoomSize(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

// RoomsOf lists the rooms c belongs to, sorted.
func (h *Hub) RoomsOf(c *Conn) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []string
	for room, members := range h.rooms {
		for _, m := range members {
			if m == c {
				out = append(out, room)
				break
			}
		}
	}
	sort.Strings(out)
	return out
}

// RoomIDs lists existing rooms whose name starts with prefix, sorted.
func (h *Hub) RoomIDs(prefix string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []string
	for room := range h.rooms {
		if strings.HasPrefix(room, prefix) {
			out = append(out, room)
		}
	}
	sort.Strings(out)
	return out
}

func (h *Hub) Conn(id string) (*Conn, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.conns[id]
	return c, ok
}

// Conns returns every local session, oldest first.
func (h *Hub) Conns() []*Conn {
	h.mu.RLock()
	out := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		out = append(out, c)
	}
	h.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].connectedAt != out[j].connectedAt {
			return out[i].connectedAt < out[j].connectedAt
		}
		return out[i].id < out[j].id
	})
	return out
}

// LocalConns implements cluster.Handler.
func (h *Hub) LocalConns() []cluster.ConnInfo {
	conns := h.Conns()
	out := make([]cluster.ConnInfo, 0, len(conns))
	for _, c := range conns {
		out = append(out, cluster.ConnInfo{
			ConnID:      c.id,
			Instance:    h.Instance(),
			XRID:        c.Identity(),
			DeviceName:  c.DeviceName(),
			ConnectedAt: c.connectedAt,
			Rooms:       h.RoomsOf(c),
		})
	}
	return out
}

// Deliver implements cluster.Handler: local delivery of an encoded frame.
func (h *Hub) Deliver(t cluster.Target, frame []byte) {
	h.mu.RLock()
	var targets []*Conn
	if t.Room == "" {
		targets = make([]*Conn, 0, len(h.conns))
		for _, c := range h.conns {
			targets = append(targets, c)
		}
	} else {
		targets = append(targets, h.rooms[t.Room]...)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		if c.id == t.Except {
			continue
		}
		c.enqueue(frame)
	}
}

// FetchConns gathers live connections across the cluster.
func (h *Hub) FetchConns(ctx context.Context) ([]cluster.ConnInfo, error) {
	return h.fabric.Gather(ctx)
}

// Send delivers an event to one local session.
func (h *Hub) Send(c *Conn, event string, data any) {
	frame, err := proto.Encode(event, data)
	if err != nil {
		log.Errorw("encode failed", "event", event, "err", err)
		return
	}
	c.enqueue(frame)
}

// Emit delivers an event to every matching session in the cluster.
func (h *Hub) Emit(t cluster.Target, event string, data any) {
	frame, err := proto.Encode(event, data)
	if err != nil {
		log.Errorw("encode failed", "event", event, "err", err)
		return
	}
	h.Deliver(t, frame)

	ctx, cancel := context.WithTimeout(context.Background(), util.ShortTimeout)
	defer cancel()
	if err := h.fabric.Publish(ctx, t, frame); err != nil {
		log.Warnw("cluster publish failed", "event", event, "room", t.Room, "err", err)
	}
}

func (h *Hub) Broadcast(event string, data any) {
	h.Emit(cluster.Target{}, event, data)
}

// BroadcastExcept reaches everyone but c.
func (h *Hub) BroadcastExcept(c *Conn, event string, data any) {
	h.Emit(cluster.Target{Except: c.id}, event, data)
}

func (h *Hub) ToRoom(room, event string, data any) {
	h.Emit(cluster.Target{Room: room}, event, data)
}

// ToRoomExcept reaches the room without c.
func (h *Hub) ToRoomExcept(room string, c *Conn, event string, data any) {
	h.Emit(cluster.Target{Room: room, Except: c.id}, event, data)
}
