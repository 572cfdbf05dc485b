package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/petervdpas/xrlink/internal/config"
	"github.com/petervdpas/xrlink/internal/observability"
	"github.com/petervdpas/xrlink/internal/proto"
	"github.com/petervdpas/xrlink/internal/util"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
)

const maxTelemetryBody = 64 * 1024

// SessionHandler drives one websocket session. Handle is called from the
// session's single reader goroutine, so calls for one Conn never overlap.
type SessionHandler interface {
	Connect(ctx context.Context, c *Conn)
	Handle(ctx context.Context, c *Conn, msg []byte)
	Disconnect(ctx context.Context, c *Conn)
}

// PresenceCounter reports how many connections the cluster holds.
type PresenceCounter interface {
	CountConnections(ctx context.Context) (int, error)
}

// TelemetrySink receives telemetry posted over plain HTTP.
type TelemetrySink interface {
	RecordDesktopTelemetry(t proto.Telemetry)
}

type ServerConfig struct {
	Addr                string
	AllowedOrigins      []string
	ICEServers          []webrtc.ICEServer
	TelemetryRatePerMin int
}

// ICEServers turns the ice config section into the list served by /ice-config.
func ICEServers(c config.ICE) []webrtc.ICEServer {
	var out []webrtc.ICEServer
	if len(c.StunURLs) > 0 {
		out = append(out, webrtc.ICEServer{URLs: append([]string(nil), c.StunURLs...)})
	}
	if c.TurnURL != "" {
		out = append(out, webrtc.ICEServer{
			URLs:       []string{c.TurnURL},
			Username:   c.TurnUsername,
			Credential: c.TurnCredential,
		})
	}
	return out
}

type Server struct {
	cfg       ServerConfig
	hub       *Hub
	sessions  SessionHandler
	presence  PresenceCounter
	telemetry TelemetrySink
	metrics   *observability.Metrics

	limiter  *util.RateWindow
	upgrader websocket.Upgrader

	baseCtx context.Context
	srv     *http.Server
	ln      net.Listener
}

func NewServer(cfg ServerConfig, hub *Hub, sessions SessionHandler, presence PresenceCounter, telemetry TelemetrySink, metrics *observability.Metrics) *Server {
	rate := cfg.TelemetryRatePerMin
	if rate <= 0 {
		rate = 60
	}
	s := &Server{
		cfg:       cfg,
		hub:       hub,
		sessions:  sessions,
		presence:  presence,
		telemetry: telemetry,
		metrics:   metrics,
		limiter:   util.NewRateWindow(rate, time.Minute),
		baseCtx:   context.Background(),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, o := range s.cfg.AllowedOrigins {
		if o == "*" || strings.EqualFold(util.NormalizeURL(o), util.NormalizeURL(origin)) {
			return true
		}
	}
	return false
}

// Handler builds the HTTP routes. Start uses it; tests can mount it on
// an httptest server directly.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/desktop-telemetry", s.handleDesktopTelemetry)
	mux.HandleFunc("/ice-config", s.handleICEConfig)
	mux.Handle("/metrics", s.metrics.Handler())
	return mux
}

// Start listens on the configured address and serves until ctx ends.
func (s *Server) Start(ctx context.Context) error {
	s.baseCtx = ctx

	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	s.ln = ln
	s.srv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	// Stop server when ctx ends
	go func() {
		<-ctx.Done()
		shctx, cancel := context.WithTimeout(context.Background(), util.ShortTimeout)
		defer cancel()
		_ = s.srv.Shutdown(shctx)
	}()

	go s.sweepLimiter(ctx)

	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorw("http server error", "err", err)
		}
	}()

	log.Infow("listening", "addr", ln.Addr().String())
	return nil
}

// Addr is the bound listen address once Start has run.
func (s *Server) Addr() string {
	if s.ln == nil {
		return s.cfg.Addr
	}
	return s.ln.Addr().String()
}

func (s *Server) sweepLimiter(ctx context.Context) {
	t := time.NewTicker(5 * time.Minute)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.limiter.Sweep()
		}
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debugw("upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}

	ctx := s.baseCtx
	c := s.hub.Accept(r.RemoteAddr)
	c.ws = ws
	go c.writePump()

	s.sessions.Connect(ctx, c)
	c.readPump(func(msg []byte) {
		s.sessions.Handle(ctx, c, msg)
	})
	s.sessions.Disconnect(ctx, c)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	var clients any = "unknown"
	if s.presence != nil {
		if n, err := s.presence.CountConnections(r.Context()); err == nil {
			clients = n
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":           "ok",
		"timestamp":        proto.NowISO(),
		"instanceId":       s.hub.Instance(),
		"connectedClients": clients,
	})
}

func (s *Server) handleDesktopTelemetry(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ip := extractIP(r.RemoteAddr)
	if !s.limiter.Allow(ip) {
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxTelemetryBody)
	var t proto.Telemetry
	if err := json.NewDecoder(r.Body).Decode(&t); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad payload"})
		return
	}
	t.XRID = strings.TrimSpace(t.XRID)
	if t.XRID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "xrId required"})
		return
	}

	if s.telemetry != nil {
		s.telemetry.RecordDesktopTelemetry(t)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleICEConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	servers := s.cfg.ICEServers
	if servers == nil {
		servers = []webrtc.ICEServer{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"iceServers": servers})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// extractIP returns the IP portion of a host:port address.
func extractIP(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
