package transport

import (
	"testing"

	"github.com/petervdpas/xrlink/internal/cluster"
	"github.com/petervdpas/xrlink/internal/proto"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHub() *Hub {
	return NewHub(cluster.NewLocal("test"), nil)
}

func queued(c *Conn) []string {
	var out []string
	for {
		select {
		case b := <-c.send:
			f, err := proto.ParseFrame(b)
			if err != nil {
				panic(err)
			}
			out = append(out, f.Event)
		default:
			return out
		}
	}
}

func TestRoomsKeepJoinOrder(t *testing.T) {
	h := newTestHub()
	a, b, c := h.Accept("a"), h.Accept("b"), h.Accept("c")

	assert.True(t, h.Join(b, "pair:x:y"))
	assert.True(t, h.Join(a, "pair:x:y"))
	assert.False(t, h.Join(a, "pair:x:y"), "second join is a no-op")
	h.Join(c, "xr:c")

	assert.Equal(t, []*Conn{b, a}, h.Members("pair:x:y"))
	assert.Equal(t, 2, h.RoomSize("pair:x:y"))
	assert.Equal(t, []string{"pair:x:y"}, h.RoomIDs(proto.PairRoomPrefix))
	assert.Equal(t, []string{"pair:x:y"}, h.RoomsOf(a))

	h.Leave(b, "pair:x:y")
	assert.Equal(t, []*Conn{a}, h.Members("pair:x:y"))
	h.Leave(a, "pair:x:y")
	assert.Empty(t, h.RoomIDs(proto.PairRoomPrefix), "empty rooms disappear")
}

func TestEmitTargets(t *testing.T) {
	h := newTestHub()
	a, b, c := h.Accept("a"), h.Accept("b"), h.Accept("c")
	h.Join(a, "r")
	h.Join(b, "r")

	h.ToRoom("r", "one", nil)
	h.ToRoomExcept("r", a, "two", nil)
	h.Broadcast("three", nil)
	h.BroadcastExcept(c, "four", nil)
	h.Send(c, "five", map[string]int{"n": 5})

	assert.Equal(t, []string{"one", "three", "four"}, queued(a))
	assert.Equal(t, []string{"one", "two", "three", "four"}, queued(b))
	assert.Equal(t, []string{"three", "five"}, queued(c))
}

func TestDetachClosesAndForgets(t *testing.T) {
	h := newTestHub()
	a := h.Accept("a")
	h.Join(a, "r")
	h.Join(a, "xr:a")

	h.Detach(a)
	assert.True(t, a.Closed())
	assert.Empty(t, h.RoomsOf(a))
	_, ok := h.Conn(a.ID())
	assert.False(t, ok)

	h.Broadcast("late", nil)
	assert.Empty(t, queued(a), "closed sessions get nothing")

	h.Detach(a)
}

func TestLocalConnsReportIdentity(t *testing.T) {
	h := newTestHub()
	a := h.Accept("10.0.0.1:1")
	h.Accept("10.0.0.2:1")
	require.True(t, a.Bind("XR-1", "Quest", false))
	h.Join(a, "xr:XR-1")

	infos := h.LocalConns()
	require.Len(t, infos, 2)
	var found cluster.ConnInfo
	for _, in := range infos {
		if in.ConnID == a.ID() {
			found = in
		}
	}
	assert.Equal(t, "XR-1", found.XRID)
	assert.Equal(t, "Quest", found.DeviceName)
	assert.Equal(t, "test", found.Instance)
	assert.Equal(t, []string{"xr:XR-1"}, found.Rooms)
}

func TestBindIsWriteOnce(t *testing.T) {
	h := newTestHub()
	c := h.Accept("a")
	assert.Equal(t, c.ID(), c.Label())
	assert.True(t, c.Bind("XR-1", "Quest", false))
	assert.True(t, c.Bind("XR-1", "Quest", false))
	assert.False(t, c.Bind("XR-2", "Other", true))
	assert.Equal(t, "XR-1", c.Label())
	assert.False(t, c.IsDesktop())

	c.SetRoom("pair:a:b")
	assert.Equal(t, "pair:a:b", c.RoomID())
}

func TestSlowSessionIsDropped(t *testing.T) {
	h := newTestHub()
	c := h.Accept("a")
	for i := 0; i < sendBuffer; i++ {
		h.Send(c, "x", nil)
	}
	assert.False(t, c.Closed())
	h.Send(c, "overflow", nil)
	assert.True(t, c.Closed())
}
