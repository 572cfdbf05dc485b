package app

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/petervdpas/xrlink/internal/config"
)

// WaitTCP polls addr until it accepts a connection or timeout passes.
func WaitTCP(addr string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		c, err := net.DialTimeout("tcp", addr, 200*time.Millisecond)
		if err == nil {
			_ = c.Close()
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("timeout waiting for %s", addr)
}

func pairList(pairs [][]string) string {
	out := make([]string, 0, len(pairs))
	for _, p := range pairs {
		out = append(out, strings.Join(p, "<->"))
	}
	if len(out) == 0 {
		return "(none)"
	}
	return strings.Join(out, ", ")
}

func logBanner(instance, cfgPath, version string, cfg config.Config) {
	if cfgPath == "" {
		cfgPath = "(defaults + environment)"
	}
	log.Info("────────────────────────────────────────")
	log.Infof("xrlink relay %s", version)
	log.Infof(" Instance    : %s", instance)
	log.Infof(" Config file : %s", cfgPath)
	log.Infof(" Listen      : %s", cfg.Server.Addr)
	log.Infof(" Cluster     : %s", cfg.Cluster.Mode)
	log.Infof(" Pairs       : %s", pairList(cfg.Pairing.AllowedPairs))
	log.Infof(" Auto-pair   : %s", pairList(cfg.Pairing.AutoPairs))
	log.Infof(" Notes       : %t  Drugs: %t", cfg.Notes.Enabled, cfg.Drugs.Enabled)
	log.Info("────────────────────────────────────────")
}
