package transport

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum inbound frame size.
	maxMessageSize = 512 * 1024

	// Outbound frames buffered per connection before it is dropped as slow.
	sendBuffer = 256
)

// Conn is one live session. Identity fields are written once at identify
// time; the room id follows pairing.
type Conn struct {
	id          string
	remoteAddr  string
	connectedAt int64

	ws   *websocket.Conn // nil for sessions that are not backed by a socket
	send chan []byte
	done chan struct{}

	closeOnce sync.Once
	closed    atomic.Bool

	mu         sync.RWMutex
	identity   string
	deviceName string
	desktop    bool
	roomID     string
}

func (c *Conn) ID() string         { return c.id }
func (c *Conn) RemoteAddr() string { return c.remoteAddr }
func (c *Conn) ConnectedAt() int64 { return c.connectedAt }

func (c *Conn) Identity() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.identity
}

func (c *Conn) DeviceName() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.deviceName
}

func (c *Conn) IsDesktop() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.desktop
}

func (c *Conn) RoomID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.roomID
}

// Label is the identity, or the connection id for sessions that never
// identified.
func (c *Conn) Label() string {
	if id := c.Identity(); id != "" {
		return id
	}
	return c.id
}

// Bind records the identity of the session. It fails when the session
// already holds a different identity.
func (c *Conn) Bind(identity, deviceName string, desktop bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.identity != "" && c.identity != identity {
		return false
	}
	c.identity = identity
	c.deviceName = deviceName
	c.desktop = desktop
	return true
}

func (c *Conn) SetRoom(roomID string) {
	c.mu.Lock()
	c.roomID = roomID
	c.mu.Unlock()
}

// Outbox exposes queued outbound frames. The write pump drains it for
// socket-backed sessions.
func (c *Conn) Outbox() <-chan []byte { return c.send }

// Done is closed once the session is closed.
func (c *Conn) Done() <-chan struct{} { return c.done }

func (c *Conn) Closed() bool { return c.closed.Load() }

// Close ends the session. Frames queued before Close are still flushed.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.done)
	})
}

// enqueue never blocks; a session that cannot keep up is closed.
func (c *Conn) enqueue(frame []byte) bool {
	if c.closed.Load() {
		return false
	}
	select {
	case c.send <- frame:
		return true
	default:
		log.Warnw("outbox full, dropping session", "conn", c.id, "identity", c.Identity())
		c.Close()
		return false
	}
}

func (c *Conn) readPump(handle func([]byte)) {
	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, msg, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debugw("read error", "conn", c.id, "err", err)
			}
			return
		}
		handle(msg)
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			if err := c.write(websocket.TextMessage, msg); err != nil {
				c.Close()
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		case <-c.done:
			// Flush frames queued before the close (duplicate_id, error).
			for {
				select {
				case msg := <-c.send:
					if err := c.write(websocket.TextMessage, msg); err != nil {
						return
					}
					continue
				default:
				}
				break
			}
			_ = c.write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (c *Conn) write(mt int, data []byte) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(mt, data)
}
