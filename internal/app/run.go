// Package app builds every relay component from the configuration and
// runs them until the context ends.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/petervdpas/xrlink/internal/cluster"
	"github.com/petervdpas/xrlink/internal/config"
	"github.com/petervdpas/xrlink/internal/drugs"
	"github.com/petervdpas/xrlink/internal/history"
	"github.com/petervdpas/xrlink/internal/lifecycle"
	"github.com/petervdpas/xrlink/internal/notes"
	"github.com/petervdpas/xrlink/internal/observability"
	"github.com/petervdpas/xrlink/internal/pairing"
	"github.com/petervdpas/xrlink/internal/presence"
	"github.com/petervdpas/xrlink/internal/relay"
	"github.com/petervdpas/xrlink/internal/transport"
	"github.com/petervdpas/xrlink/internal/util"

	logging "github.com/ipfs/go-log/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
)

var log = logging.Logger("xrlink")

type Options struct {
	CfgPath string
	Cfg     config.Config
	Version string
}

// relayRuntime holds the wired components of one instance.
type relayRuntime struct {
	instance string
	fabric   cluster.Fabric
	hub      *transport.Hub
	registry *presence.Registry
	history  *history.Service
	bus      *relay.Bus
	ctl      *lifecycle.Controller
	server   *transport.Server
	checker  *drugs.Checker
}

// close releases everything build acquired, in reverse order.
func (rt *relayRuntime) close() {
	rt.ctl.Close()
	rt.bus.Close()
	if rt.checker != nil {
		_ = rt.checker.Close()
	}
	if err := rt.fabric.Close(); err != nil {
		log.Warnw("cluster close", "err", err)
	}
}

func Run(ctx context.Context, opt Options) error {
	cfg := opt.Cfg
	if err := observability.SetupLogging(cfg.Log.Level, cfg.Log.Debug); err != nil {
		return err
	}

	rt, err := build(ctx, cfg)
	if err != nil {
		return err
	}
	defer rt.close()

	logBanner(rt.instance, opt.CfgPath, opt.Version, cfg)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := rt.server.Start(gctx); err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		<-gctx.Done()
		return nil
	})
	if gossip, ok := rt.fabric.(*cluster.Gossip); ok {
		g.Go(func() error {
			watchPeers(gctx, gossip, time.Minute)
			return nil
		})
	}

	err = g.Wait()
	log.Infow("relay stopped", "instance", rt.instance)
	return err
}

func build(ctx context.Context, cfg config.Config) (*relayRuntime, error) {
	instance := util.InstanceID(cfg.Server.InstanceID)

	fabric, err := buildFabric(ctx, instance, cfg.Cluster)
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(reg)

	hub := transport.NewHub(fabric, metrics)
	hist := history.NewService(hub, history.NewStore(cfg.History.Window()))
	registry := presence.NewRegistry(hub, hist, metrics, presence.Options{
		GatherTimeout:  cfg.Presence.GatherTimeout(),
		GatherAttempts: cfg.Presence.GatherAttempts,
		GatherBackoff:  cfg.Presence.GatherBackoff(),
		DesktopIDs:     cfg.Pairing.DesktopIDs,
	})
	engine := pairing.New(hub, registry, metrics, cfg.Pairing.AllowedPairs, cfg.Pairing.AutoPairs)

	bus := relay.New(hub, hist, metrics, relay.Options{
		BufferSize:    cfg.History.MessageBuffer,
		ReplayCount:   cfg.History.ReplayCount,
		EnrichTimeout: time.Duration(cfg.Notes.TimeoutSec+cfg.Drugs.TimeoutSec) * time.Second,
	})

	rt := &relayRuntime{instance: instance, fabric: fabric, hub: hub, registry: registry, history: hist, bus: bus}
	rt.wireEnrichment(cfg)

	rt.ctl = lifecycle.New(lifecycle.Deps{
		Hub:      hub,
		Presence: registry,
		Pairing:  engine,
		History:  hist,
		Relay:    bus,
		Metrics:  metrics,
	}, lifecycle.Options{BlackoutDelay: cfg.Presence.BlackoutDelay()})

	rt.server = transport.NewServer(transport.ServerConfig{
		Addr:                cfg.Server.Addr,
		AllowedOrigins:      cfg.Server.AllowedOrigins,
		ICEServers:          transport.ICEServers(cfg.ICE),
		TelemetryRatePerMin: cfg.Server.TelemetryRatePerMin,
	}, hub, rt.ctl, registry, hist, metrics)
	return rt, nil
}

func buildFabric(ctx context.Context, instance string, c config.Cluster) (cluster.Fabric, error) {
	switch c.Mode {
	case "", "local":
		return cluster.NewLocal(instance), nil
	case "gossip":
		g, err := cluster.NewGossip(ctx, instance, cluster.GossipConfig{
			ListenPort: c.ListenPort,
			Topic:      c.Topic,
			Bootstrap:  c.Bootstrap,
			Mdns:       c.Mdns,
			Heartbeat:  c.Heartbeat(),
		})
		if err != nil {
			return nil, err
		}
		return g, nil
	default:
		return nil, fmt.Errorf("unknown cluster mode %q", c.Mode)
	}
}

// wireEnrichment attaches note generation and drug lookup when enabled. A
// drug database that cannot be reached at startup disables the lookup but
// not the relay.
func (rt *relayRuntime) wireEnrichment(cfg config.Config) {
	if !cfg.Notes.Enabled {
		return
	}
	gen := notes.New(notes.Options{
		APIKey:       cfg.Notes.APIKey,
		Model:        cfg.Notes.Model,
		Temperature:  cfg.Notes.Temperature,
		Endpoint:     cfg.Notes.Endpoint,
		DiscoveryURL: cfg.Notes.DiscoveryURL,
		Timeout:      time.Duration(cfg.Notes.TimeoutSec) * time.Second,
	})

	// Interfaces stay nil rather than holding a nil *Checker.
	var checker relay.DrugChecker
	if cfg.Drugs.Enabled {
		c, err := drugs.Open(drugs.Options{
			Driver:     cfg.Drugs.Driver,
			DSN:        cfg.Drugs.DSN,
			Schema:     cfg.Drugs.Schema,
			Table:      cfg.Drugs.Table,
			NameColumn: cfg.Drugs.NameColumn,
			Timeout:    time.Duration(cfg.Drugs.TimeoutSec) * time.Second,
		})
		if err != nil {
			log.Errorw("drug lookup disabled", "driver", cfg.Drugs.Driver, "err", err)
		} else {
			rt.checker = c
			checker = c
		}
	}
	rt.bus.SetEnrichment(gen, checker)
	log.Infow("transcript enrichment enabled", "model", cfg.Notes.Model, "drugs", checker != nil)
}

// watchPeers logs the direct peer count and the known instances whenever
// either changes.
func watchPeers(ctx context.Context, g *cluster.Gossip, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	last, lastMembers := -1, -1
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			members := g.Members()
			if n := g.Peers(); n != last || len(members) != lastMembers {
				log.Infow("cluster peers", "direct", n, "instances", members)
				last, lastMembers = n, len(members)
			}
		}
	}
}
