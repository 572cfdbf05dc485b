package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/petervdpas/xrlink/internal/proto"
	"github.com/petervdpas/xrlink/internal/util"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"
	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	ma "github.com/multiformats/go-multiaddr"
)

var log = logging.Logger("cluster")

const (
	kindEmit       = "emit"
	kindGatherReq  = "gather_req"
	kindGatherResp = "gather_resp"
	kindHello      = "hello"
	kindBye        = "bye"
)

const (
	defaultHeartbeat = 2 * time.Second
	// A member is forgotten after this many missed heartbeats.
	memberTTLBeats = 3
)

// envelope is the GossipSub message format between instances.
type envelope struct {
	Kind      string          `json:"kind"`
	Origin    string          `json:"origin"`
	Target    Target          `json:"target,omitempty"`
	Frame     json.RawMessage `json:"frame,omitempty"`
	RequestID string          `json:"requestId,omitempty"`
	Conns     []ConnInfo      `json:"conns,omitempty"`
}

type GossipConfig struct {
	ListenHost string // default 0.0.0.0
	ListenPort int
	Topic      string
	Bootstrap  []string // full multiaddrs including /p2p/<id>
	Mdns       bool
	Heartbeat  time.Duration // default 2s
}

// Gossip joins relay instances through a libp2p GossipSub topic. Emits are
// published as-is. Every instance announces itself on the topic, so each one
// knows the whole membership even when it is only connected to a neighbour;
// a gather publishes a uuid-tagged request and waits until every known
// instance has answered.
type Gossip struct {
	binding
	instance  string
	heartbeat time.Duration

	host   host.Host
	ps     *pubsub.PubSub
	topic  *pubsub.Topic
	sub    *pubsub.Subscription
	cancel context.CancelFunc

	closeOnce sync.Once
	closeErr  error

	// Pending gathers: request id -> reply channel.
	pendMu  sync.Mutex
	pending map[string]chan gatherReply

	// Known instances: instance id -> last time it was heard from.
	memMu   sync.Mutex
	members map[string]time.Time
}

type gatherReply struct {
	origin string
	conns  []ConnInfo
}

type mdnsNotifee struct {
	h host.Host
}

func (n *mdnsNotifee) HandlePeerFound(pi peer.AddrInfo) {
	ctx, cancel := context.WithTimeout(context.Background(), util.DefaultConnectTimeout)
	defer cancel()
	_ = n.h.Connect(ctx, pi)
}

func NewGossip(ctx context.Context, instance string, cfg GossipConfig) (*Gossip, error) {
	listenHost := cfg.ListenHost
	if listenHost == "" {
		listenHost = "0.0.0.0"
	}
	topicName := cfg.Topic
	if topicName == "" {
		topicName = proto.ClusterTopic
	}

	h, err := libp2p.New(
		libp2p.ListenAddrStrings(fmt.Sprintf("/ip4/%s/tcp/%d", listenHost, cfg.ListenPort)),
	)
	if err != nil {
		return nil, fmt.Errorf("cluster: start host: %w", err)
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		_ = h.Close()
		return nil, err
	}

	topic, err := ps.Join(topicName)
	if err != nil {
		_ = h.Close()
		return nil, err
	}

	sub, err := topic.Subscribe()
	if err != nil {
		_ = h.Close()
		return nil, err
	}

	if cfg.Mdns {
		md := mdns.NewMdnsService(h, proto.MdnsTag, &mdnsNotifee{h: h})
		if err := md.Start(); err != nil {
			_ = h.Close()
			return nil, err
		}
	}

	heartbeat := cfg.Heartbeat
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeat
	}

	runCtx, cancel := context.WithCancel(ctx)
	g := &Gossip{
		instance:  instance,
		heartbeat: heartbeat,
		host:      h,
		ps:        ps,
		topic:     topic,
		sub:       sub,
		cancel:    cancel,
		pending:   make(map[string]chan gatherReply),
		members:   make(map[string]time.Time),
	}

	for _, addr := range cfg.Bootstrap {
		if err := g.connect(runCtx, addr); err != nil {
			log.Warnw("bootstrap peer unreachable", "addr", addr, "err", err)
		}
	}

	go g.readLoop(runCtx)
	go g.announceLoop(runCtx)
	log.Infow("gossip fabric up", "instance", instance, "topic", topicName, "addrs", g.Addrs())
	return g, nil
}

func (g *Gossip) connect(ctx context.Context, addr string) error {
	maddr, err := ma.NewMultiaddr(addr)
	if err != nil {
		return fmt.Errorf("parse multiaddr: %w", err)
	}
	pi, err := peer.AddrInfoFromP2pAddr(maddr)
	if err != nil {
		return fmt.Errorf("peer info: %w", err)
	}
	cctx, cancel := context.WithTimeout(ctx, util.DefaultConnectTimeout)
	defer cancel()
	return g.host.Connect(cctx, *pi)
}

// Addrs returns dialable multiaddrs of this host, suitable as bootstrap
// entries for other instances.
func (g *Gossip) Addrs() []string {
	id := g.host.ID().String()
	out := make([]string, 0, len(g.host.Addrs()))
	for _, a := range g.host.Addrs() {
		out = append(out, fmt.Sprintf("%s/p2p/%s", a, id))
	}
	return out
}

// Peers is the number of directly connected hosts subscribed to the topic.
func (g *Gossip) Peers() int { return len(g.topic.ListPeers()) }

// Members lists the other instances heard from within the membership TTL,
// sorted.
func (g *Gossip) Members() []string {
	live := g.liveMembers()
	out := make([]string, 0, len(live))
	for id := range live {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (g *Gossip) liveMembers() map[string]bool {
	cutoff := time.Now().Add(-memberTTLBeats * g.heartbeat)
	g.memMu.Lock()
	defer g.memMu.Unlock()
	live := make(map[string]bool, len(g.members))
	for id, seen := range g.members {
		if seen.Before(cutoff) {
			delete(g.members, id)
			continue
		}
		live[id] = true
	}
	return live
}

// observe records that origin is alive and reports whether it was new.
func (g *Gossip) observe(origin string) bool {
	if origin == "" || origin == g.instance {
		return false
	}
	g.memMu.Lock()
	defer g.memMu.Unlock()
	_, known := g.members[origin]
	g.members[origin] = time.Now()
	return !known
}

func (g *Gossip) forget(origin string) {
	g.memMu.Lock()
	delete(g.members, origin)
	g.memMu.Unlock()
}

func (g *Gossip) announceLoop(ctx context.Context) {
	t := time.NewTicker(g.heartbeat)
	defer t.Stop()
	for {
		if err := g.publish(ctx, envelope{Kind: kindHello}); err != nil && ctx.Err() == nil {
			log.Debugw("announce failed", "err", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

func (g *Gossip) Instance() string { return g.instance }

func (g *Gossip) Publish(ctx context.Context, t Target, frame []byte) error {
	return g.publish(ctx, envelope{Kind: kindEmit, Target: t, Frame: frame})
}

func (g *Gossip) publish(ctx context.Context, env envelope) error {
	env.Origin = g.instance
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return g.topic.Publish(ctx, b)
}

// Gather collects the local connections of every instance. It waits for
// each known member and for at least as many instances as there are direct
// topic peers; a missing answer at the deadline is ErrGatherTimeout, never a
// shorter list.
func (g *Gossip) Gather(ctx context.Context) ([]ConnInfo, error) {
	want := g.liveMembers()
	direct := len(g.topic.ListPeers())

	out := g.localConns()
	if len(want) == 0 && direct == 0 {
		return out, nil
	}

	reqID := uuid.NewString()
	replies := make(chan gatherReply, len(want)+direct+16)
	g.pendMu.Lock()
	g.pending[reqID] = replies
	g.pendMu.Unlock()
	defer func() {
		g.pendMu.Lock()
		delete(g.pending, reqID)
		g.pendMu.Unlock()
	}()

	if err := g.publish(ctx, envelope{Kind: kindGatherReq, RequestID: reqID}); err != nil {
		return nil, fmt.Errorf("cluster: publish gather: %w", err)
	}

	answered := make(map[string]bool, len(want))
	for !gatherComplete(answered, want, direct) {
		select {
		case r := <-replies:
			if answered[r.origin] {
				continue
			}
			answered[r.origin] = true
			out = append(out, r.conns...)
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %d instances answered, waiting for %v", ErrGatherTimeout, len(answered), missing(answered, want))
		}
	}
	return out, nil
}

func gatherComplete(answered, want map[string]bool, direct int) bool {
	if len(answered) < direct {
		return false
	}
	for id := range want {
		if !answered[id] {
			return false
		}
	}
	return true
}

func missing(answered, want map[string]bool) []string {
	var out []string
	for id := range want {
		if !answered[id] {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

func (g *Gossip) readLoop(ctx context.Context) {
	self := g.host.ID()
	for {
		m, err := g.sub.Next(ctx)
		if err != nil {
			return
		}
		if m.GetFrom() == self {
			continue
		}

		var env envelope
		if err := json.Unmarshal(m.Data, &env); err != nil {
			log.Debugw("dropping undecodable envelope", "from", m.ReceivedFrom, "err", err)
			continue
		}
		if env.Origin == g.instance {
			continue
		}
		joined := g.observe(env.Origin)

		switch env.Kind {
		case kindHello:
			if joined {
				log.Infow("cluster member joined", "instance", env.Origin)
				// Answer a newcomer at once so it does not wait a heartbeat
				// to learn about this instance.
				if err := g.publish(ctx, envelope{Kind: kindHello}); err != nil {
					log.Debugw("announce failed", "err", err)
				}
			}
		case kindBye:
			g.forget(env.Origin)
			log.Infow("cluster member left", "instance", env.Origin)
		case kindEmit:
			if h := g.handler(); h != nil {
				h.Deliver(env.Target, env.Frame)
			}
		case kindGatherReq:
			reply := envelope{Kind: kindGatherResp, RequestID: env.RequestID, Conns: g.localConns()}
			if err := g.publish(ctx, reply); err != nil {
				log.Warnw("gather reply failed", "request", env.RequestID, "err", err)
			}
		case kindGatherResp:
			g.pendMu.Lock()
			ch, ok := g.pending[env.RequestID]
			g.pendMu.Unlock()
			if !ok {
				continue
			}
			select {
			case ch <- gatherReply{origin: env.Origin, conns: env.Conns}:
			default:
			}
		}
	}
}

// Close announces the departure so other instances stop waiting for this
// one, then shuts the host down. Safe to call twice.
func (g *Gossip) Close() error {
	g.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), util.ShortTimeout)
		if err := g.publish(ctx, envelope{Kind: kindBye}); err != nil {
			log.Debugw("leave announcement failed", "err", err)
		}
		cancel()
		g.cancel()
		g.sub.Cancel()
		_ = g.topic.Close()
		g.closeErr = g.host.Close()
	})
	return g.closeErr
}
