// Package server exposes the broadcaster to websocket clients and serves
// health and metrics endpoints.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/web3ekko/ekko-ce/relay/internal/broadcast"
	"github.com/web3ekko/ekko-ce/relay/internal/bus"
)

const (
	maxMessageSize      = 512
	defaultWriteTimeout = 10 * time.Second
	defaultPingPeriod   = 5 * time.Minute
)

type Config struct {
	Listen       string
	WriteTimeout time.Duration
	PingPeriod   time.Duration
	// Gatherer backs /metrics; nil uses the default registry.
	Gatherer prometheus.Gatherer
}

// Stats are the lifetime connection counters.
type Stats struct {
	Connected    int
	Accepted     int64
	Disconnected int64
}

type Server struct {
	cfg         Config
	broadcaster *broadcast.Broadcaster
	upgrader    websocket.Upgrader
	httpSrv     *http.Server
	logger      *slog.Logger

	accepted     atomic.Int64
	disconnected atomic.Int64
}

func New(bc *broadcast.Broadcaster, cfg Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.PingPeriod <= 0 {
		cfg.PingPeriod = defaultPingPeriod
	}

	s := &Server{
		cfg:         cfg,
		broadcaster: bc,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return true // Subscribers are unauthenticated
			},
		},
		logger: logger.With("component", "server"),
	}
	s.httpSrv = &http.Server{
		Addr:              cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/healthz", s.handleHealth)

	gatherer := s.cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	return mux
}

// ListenAndServe blocks until the server stops. It returns nil after Shutdown.
func (s *Server) ListenAndServe() error {
	s.logger.Info("listening", "addr", s.cfg.Listen)
	if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: %w", err)
	}
	return nil
}

// Shutdown stops accepting requests and closes every client connection.
// Hijacked websocket connections are not tracked by http.Server, so they are
// closed through the broadcaster.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpSrv.Shutdown(ctx)
	s.broadcaster.CloseAll()
	return err
}

func (s *Server) Stats() Stats {
	return Stats{
		Connected:    s.broadcaster.Len(),
		Accepted:     s.accepted.Load(),
		Disconnected: s.disconnected.Load(),
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintf(w, "ok connections=%d\n", s.broadcaster.Len())
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	var channel bus.Channel
	q := r.URL.Query()
	name := q.Get("channel")
	if name == "" {
		// Older clients select the feed with ?type=.
		name = q.Get("type")
	}
	if name != "" {
		c, err := bus.ParseChannel(name)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		channel = c
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		s.logger.Debug("upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	conn := newWSConn(uuid.NewString(), ws, channel, s.cfg.WriteTimeout)
	if err := s.broadcaster.Add(conn); err != nil {
		s.logger.Error("failed to register connection", "error", err)
		_ = conn.Close()
		return
	}
	s.accepted.Add(1)
	s.logger.Debug("client connected", "id", conn.ID(), "remote", r.RemoteAddr, "channel", channel)

	go s.pingLoop(conn)
	s.readPump(conn)

	s.broadcaster.Remove(conn.ID())
	s.disconnected.Add(1)
	s.logger.Debug("client disconnected", "id", conn.ID())
}

// readPump discards client frames until the connection fails or is closed.
func (s *Server) readPump(c *wsConn) {
	c.ws.SetReadLimit(maxMessageSize)
	for {
		if _, _, err := c.ws.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) pingLoop(c *wsConn) {
	t := time.NewTicker(s.cfg.PingPeriod)
	defer t.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-t.C:
			if err := c.ping(); err != nil {
				s.broadcaster.Remove(c.ID())
				return
			}
		}
	}
}
