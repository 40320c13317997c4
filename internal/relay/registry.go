package relay

import (
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"time"
)

// MaxRegistrants is the number of endpoints a session pairs
const MaxRegistrants = 2

// ErrSessionFull is returned when a third endpoint registers for a paired session
var ErrSessionFull = errors.New("session already has two registrants")

// Registrant is one endpoint registered under a session
type Registrant struct {
	Addr      netip.AddrPort
	FirstSeen time.Time
	LastSeen  time.Time
}

// Session groups the registrants sharing one session id
type Session struct {
	ID        string
	CreatedAt time.Time

	registrants []*Registrant
}

// Registration is the outcome of a REGISTER
type Registration struct {
	// Added is true when the address was new to the session
	Added bool
	// Paired is true when the session has two registrants; Peer is then the other one
	Paired bool
	Peer   netip.AddrPort
}

// Registry tracks sessions and their registrants.
// It uses a read-write mutex to allow concurrent reads while serializing writes.
type Registry struct {
	sessions map[string]*Session
	mu       sync.RWMutex

	now func() time.Time
}

// NewRegistry creates an empty session registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		now:      time.Now,
	}
}

// Register records addr under sessionID, refreshing it if already known.
func (r *Registry) Register(sessionID string, addr netip.AddrPort) (Registration, error) {
	addr = netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port())
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		s = &Session{ID: sessionID, CreatedAt: now}
		r.sessions[sessionID] = s
	}

	var reg Registration
	self := s.find(addr)
	if self == nil {
		if len(s.registrants) >= MaxRegistrants {
			return Registration{}, fmt.Errorf("%w: %s", ErrSessionFull, sessionID)
		}
		self = &Registrant{Addr: addr, FirstSeen: now}
		s.registrants = append(s.registrants, self)
		reg.Added = true
	}
	self.LastSeen = now

	if len(s.registrants) == MaxRegistrants {
		reg.Paired = true
		for _, other := range s.registrants {
			if other != self {
				reg.Peer = other.Addr
			}
		}
	}

	return reg, nil
}

// Registrants returns a copy of the registrants of sessionID.
func (r *Registry) Registrants(sessionID string) []Registrant {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return nil
	}
	out := make([]Registrant, 0, len(s.registrants))
	for _, reg := range s.registrants {
		out = append(out, *reg)
	}
	return out
}

// Count returns the number of sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// CleanupStale removes registrants not seen within timeout and drops
// sessions left empty. Returns the number of registrants removed.
func (r *Registry) CleanupStale(timeout time.Duration) int {
	cutoff := r.now().Add(-timeout)

	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for id, s := range r.sessions {
		kept := s.registrants[:0]
		for _, reg := range s.registrants {
			if reg.LastSeen.Before(cutoff) {
				removed++
				continue
			}
			kept = append(kept, reg)
		}
		s.registrants = kept
		if len(kept) == 0 {
			delete(r.sessions, id)
		}
	}
	return removed
}

// Stats returns registry statistics.
func (r *Registry) Stats() RegistryStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := RegistryStats{Sessions: len(r.sessions)}
	for _, s := range r.sessions {
		stats.Registrants += len(s.registrants)
		if len(s.registrants) == MaxRegistrants {
			stats.Paired++
		}
	}
	return stats
}

// RegistryStats contains registry statistics.
type RegistryStats struct {
	Sessions    int
	Registrants int
	Paired      int
}

func (s RegistryStats) String() string {
	return fmt.Sprintf("Sessions=%d, Registrants=%d, Paired=%d",
		s.Sessions, s.Registrants, s.Paired)
}

func (s *Session) find(addr netip.AddrPort) *Registrant {
	for _, reg := range s.registrants {
		if reg.Addr == addr {
			return reg
		}
	}
	return nil
}
