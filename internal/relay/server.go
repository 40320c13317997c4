// Package relay implements the rendezvous relay: it records the public
// address of every endpoint that registers a session id and introduces
// the two endpoints of a session to each other.
package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/saintparish4/holetun/pkg/netutil"
	"github.com/saintparish4/holetun/pkg/rendezvous"
)

// Config holds relay configuration options.
type Config struct {
	Addr            string
	CleanupInterval time.Duration
	StaleTimeout    time.Duration
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		Addr:            ":50000",
		CleanupInterval: 30 * time.Second,
		StaleTimeout:    2 * time.Minute,
	}
}

// Server is a UDP rendezvous relay.
type Server struct {
	cfg      Config
	registry *Registry
	log      logrus.FieldLogger

	mu   sync.Mutex
	conn *net.UDPConn
}

// NewServer creates a relay with the given configuration.
func NewServer(cfg Config, logger logrus.FieldLogger) *Server {
	d := DefaultConfig()
	if cfg.Addr == "" {
		cfg.Addr = d.Addr
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = d.CleanupInterval
	}
	if cfg.StaleTimeout <= 0 {
		cfg.StaleTimeout = d.StaleTimeout
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	return &Server{
		cfg:      cfg,
		registry: NewRegistry(),
		log:      logger.WithField("component", "relay"),
	}
}

// Listen binds the relay socket.
func (s *Server) Listen() error {
	addr, err := net.ResolveUDPAddr("udp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", s.cfg.Addr, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Addr, err)
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	return nil
}

// Addr returns the bound address, or the zero value before Listen.
func (s *Server) Addr() netip.AddrPort {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return netip.AddrPort{}
	}
	return s.conn.LocalAddr().(*net.UDPAddr).AddrPort()
}

// Registry returns the session registry for external access.
func (s *Server) Registry() *Registry {
	return s.registry
}

// ListenAndServe binds and serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve(ctx)
}

// Serve handles registrations until ctx is cancelled, then closes the socket.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return errors.New("relay is not listening")
	}

	s.log.WithField("addr", conn.LocalAddr()).Info("relay listening")

	var closeErr error
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.readLoop(gctx, conn)
	})
	g.Go(func() error {
		s.cleanupLoop(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		if err := conn.Close(); err != nil && !netutil.IsClosed(err) {
			closeErr = err
		}
		return nil
	})

	err := g.Wait()
	s.log.WithField("stats", s.registry.Stats()).Info("relay stopped")
	return multierr.Append(err, closeErr)
}

func (s *Server) readLoop(ctx context.Context, conn *net.UDPConn) error {
	buf := make([]byte, 1500)
	for {
		n, from, err := conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if netutil.IsClosed(err) {
				return fmt.Errorf("relay socket closed: %w", err)
			}
			s.log.WithError(err).Debug("read error")
			continue
		}
		s.handle(conn, from, buf[:n])
	}
}

// handle processes one datagram. Anything but a REGISTER is ignored.
func (s *Server) handle(conn *net.UDPConn, from netip.AddrPort, data []byte) {
	from = netip.AddrPortFrom(from.Addr().Unmap(), from.Port())

	id, err := rendezvous.ParseRegister(data)
	if err != nil {
		s.log.WithError(err).WithField("from", from).Debug("ignoring datagram")
		return
	}

	reg, err := s.registry.Register(id, from)
	if err != nil {
		s.log.WithError(err).WithField("from", from).Warn("rejecting registrant")
		return
	}

	log := s.log.WithFields(logrus.Fields{
		"session": id,
		"from":    from,
	})
	if reg.Added {
		log.Info("registrant added")
	}
	if !reg.Paired {
		return
	}
	if reg.Added {
		log.WithField("peer", reg.Peer).Info("session paired")
	}

	// both sides hear about each other on every REGISTER so a lost PEER is repaired
	if _, err := conn.WriteToUDPAddrPort(rendezvous.EncodePeer(reg.Peer), from); err != nil {
		log.WithError(err).Debug("peer announcement failed")
	}
	if _, err := conn.WriteToUDPAddrPort(rendezvous.EncodePeer(from), reg.Peer); err != nil {
		log.WithError(err).WithField("to", reg.Peer).Debug("peer announcement failed")
	}
}

// cleanupLoop periodically expires stale registrants.
func (s *Server) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := s.registry.CleanupStale(s.cfg.StaleTimeout); removed > 0 {
				s.log.WithField("removed", removed).Info("expired stale registrants")
			}
		}
	}
}
