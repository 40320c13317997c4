// Package status serves the live session snapshot over HTTP and pushes it
// to WebSocket subscribers whenever the session changes.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/saintparish4/holetun/pkg/session"
)

// Source is the session being reported. *session.State satisfies it.
type Source interface {
	Snapshot() session.Snapshot
	Changed() <-chan struct{}
}

// Config holds status server configuration options.
type Config struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PingInterval time.Duration
	PongWait     time.Duration
	// PushInterval re-sends the snapshot so traffic counters stay current
	PushInterval time.Duration
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		Addr:         "127.0.0.1:8080",
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 10 * time.Second,
		PingInterval: 30 * time.Second,
		PongWait:     60 * time.Second,
		PushInterval: 5 * time.Second,
	}
}

// Server exposes /health, /api/status and /ws.
type Server struct {
	cfg      Config
	source   Source
	upgrader websocket.Upgrader
	mux      *http.ServeMux
	log      logrus.FieldLogger

	mu   sync.RWMutex
	subs map[string]*Subscriber
}

// NewServer creates a status server reporting source.
func NewServer(source Source, cfg Config, logger logrus.FieldLogger) *Server {
	d := DefaultConfig()
	if cfg.Addr == "" {
		cfg.Addr = d.Addr
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = d.ReadTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = d.WriteTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = d.PingInterval
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = d.PongWait
	}
	if cfg.PushInterval <= 0 {
		cfg.PushInterval = d.PushInterval
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	s := &Server{
		cfg:    cfg,
		source: source,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     sameOrigin,
		},
		mux:  http.NewServeMux(),
		log:  logger.WithField("component", "status"),
		subs: make(map[string]*Subscriber),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("/ws", s.handleWS)
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/api/status", s.handleStatus)
	s.mux.HandleFunc("/", s.handleNotFound)
}

// Handler returns the HTTP handler with CORS applied.
func (s *Server) Handler() http.Handler {
	return s.corsMiddleware(s.mux)
}

// ListenAndServe binds cfg.Addr and serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln and pushes snapshots until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:     s.Handler(),
		ReadTimeout: s.cfg.ReadTimeout,
	}

	s.log.WithField("addr", ln.Addr()).Info("status server listening")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		s.Watch(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return multierr.Append(srv.Shutdown(shutdownCtx), s.closeSubscribers())
	})

	return g.Wait()
}

// Watch pushes a snapshot to every subscriber on each session change and
// every PushInterval, until ctx is cancelled.
func (s *Server) Watch(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PushInterval)
	defer ticker.Stop()

	changed := s.source.Changed()
	for {
		select {
		case <-ctx.Done():
			return
		case <-changed:
		case <-ticker.C:
		}
		// re-arm before reading so a change during broadcast is not missed
		changed = s.source.Changed()
		s.broadcast(s.source.Snapshot())
	}
}

func (s *Server) broadcast(snap session.Snapshot) {
	s.mu.RLock()
	subs := make([]*Subscriber, 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.RUnlock()

	for _, sub := range subs {
		if err := sub.Send(snap); err != nil {
			s.log.WithError(err).WithField("subscriber", sub.ID).Debug("push failed")
			s.remove(sub)
		}
	}
}

// SubscriberCount returns the number of connected WebSocket clients.
func (s *Server) SubscriberCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}

func (s *Server) add(sub *Subscriber) {
	s.mu.Lock()
	s.subs[sub.ID] = sub
	s.mu.Unlock()
}

func (s *Server) remove(sub *Subscriber) {
	s.mu.Lock()
	delete(s.subs, sub.ID)
	s.mu.Unlock()
	sub.Close()
}

func (s *Server) closeSubscribers() error {
	s.mu.Lock()
	subs := s.subs
	s.subs = make(map[string]*Subscriber)
	s.mu.Unlock()

	var err error
	for _, sub := range subs {
		err = multierr.Append(err, sub.Close())
	}
	return err
}

// --- HTTP Handlers ---

// sameOrigin admits non-browser clients, which send no Origin, and pages
// served from the status address itself.
func sameOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Debug("upgrade failed")
		return
	}

	sub := newSubscriber(conn, s.cfg.WriteTimeout)
	s.add(sub)
	defer s.remove(sub)

	log := s.log.WithField("subscriber", sub.ID)
	log.Debug("subscriber connected")

	if err := sub.Send(s.source.Snapshot()); err != nil {
		log.WithError(err).Debug("initial push failed")
		return
	}

	done := make(chan struct{})
	defer close(done)
	go s.pingLoop(sub, done)

	conn.SetReadLimit(4 * 1024)
	conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
	})

	// Inbound messages are ignored; reading drives pong and close handling.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if !sub.IsClosed() && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.WithError(err).Debug("subscriber read error")
			}
			return
		}
	}
}

func (s *Server) pingLoop(sub *Subscriber, done <-chan struct{}) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := sub.Ping(); err != nil {
				return
			}
		}
	}
}

// corsMiddleware adds CORS headers for cross-origin requests.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().UnixMilli(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.source.Snapshot())
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusNotFound, map[string]interface{}{
		"error": "not found",
		"path":  r.URL.Path,
	})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
