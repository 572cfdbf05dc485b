// Package cluster carries emits and connection gathers between relay
// instances. Each instance binds its transport hub as the Handler; the
// fabric delivers remote emits to it and asks it for local connections
// when another instance gathers.
package cluster

import (
	"context"
	"errors"
	"sync"
)

var (
	ErrGatherTimeout = errors.New("cluster: gather timed out")
	ErrClosed        = errors.New("cluster: fabric closed")
)

// ConnInfo is one live connection as reported by a gather.
type ConnInfo struct {
	ConnID      string   `json:"connId"`
	Instance    string   `json:"instance"`
	XRID        string   `json:"xrId,omitempty"`
	DeviceName  string   `json:"deviceName,omitempty"`
	ConnectedAt int64    `json:"connectedAt,omitempty"`
	Rooms       []string `json:"rooms,omitempty"`
}

// Target selects the receivers of an emit. An empty Room addresses every
// connection; Except skips one connection id.
type Target struct {
	Room   string `json:"room,omitempty"`
	Except string `json:"except,omitempty"`
}

// Handler is the local side of the fabric.
type Handler interface {
	Deliver(t Target, frame []byte)
	LocalConns() []ConnInfo
}

type Fabric interface {
	Instance() string
	Bind(h Handler)
	// Publish forwards an emit to the other instances. Local delivery is
	// the caller's job.
	Publish(ctx context.Context, t Target, frame []byte) error
	// Gather lists live connections of every instance, this one included.
	Gather(ctx context.Context) ([]ConnInfo, error)
	Close() error
}

// binding holds the bound handler for both fabric implementations.
type binding struct {
	mu sync.RWMutex
	h  Handler
}

func (b *binding) Bind(h Handler) {
	b.mu.Lock()
	b.h = h
	b.mu.Unlock()
}

func (b *binding) handler() Handler {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.h
}

func (b *binding) localConns() []ConnInfo {
	if h := b.handler(); h != nil {
		return h.LocalConns()
	}
	return nil
}

// Local is the single-instance fabric: nothing to forward, and a gather is
// just the local list.
type Local struct {
	binding
	instance string
}

func NewLocal(instance string) *Local {
	return &Local{instance: instance}
}

func (l *Local) Instance() string { return l.instance }

func (l *Local) Publish(ctx context.Context, t Target, frame []byte) error { return nil }

func (l *Local) Gather(ctx context.Context) ([]ConnInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, ErrGatherTimeout
	}
	return l.localConns(), nil
}

func (l *Local) Close() error { return nil }
