package status

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Subscriber is a connected WebSocket client receiving snapshots.
type Subscriber struct {
	ID          string
	ConnectedAt time.Time

	conn         *websocket.Conn
	writeTimeout time.Duration
	mu           sync.Mutex // Protects conn writes
	closed       bool
}

func newSubscriber(conn *websocket.Conn, writeTimeout time.Duration) *Subscriber {
	return &Subscriber{
		ID:           uuid.NewString(),
		ConnectedAt:  time.Now(),
		conn:         conn,
		writeTimeout: writeTimeout,
	}
}

// Send writes v as a JSON text message. Thread-safe.
func (s *Subscriber) Send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("subscriber %s connection is closed", s.ID)
	}
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

// Ping sends a WebSocket ping. Thread-safe.
func (s *Subscriber) Ping() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("subscriber %s connection is closed", s.ID)
	}
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.writeTimeout))
}

// Close closes the subscriber's connection.
func (s *Subscriber) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.conn.Close()
}

// IsClosed returns whether the subscriber's connection is closed.
func (s *Subscriber) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
