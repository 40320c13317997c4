package relay

import (
	"errors"
	"net/netip"
	"sync"
	"testing"
	"time"
)

var (
	addrA = netip.MustParseAddrPort("198.51.100.7:40000")
	addrB = netip.MustParseAddrPort("203.0.113.9:41000")
	addrC = netip.MustParseAddrPort("192.0.2.33:42000")
)

func TestRegistryFirstRegistrantWaits(t *testing.T) {
	r := NewRegistry()

	reg, err := r.Register("abc123", addrA)
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if !reg.Added {
		t.Error("first registration should add the registrant")
	}
	if reg.Paired {
		t.Error("a single registrant must not be paired")
	}
	if r.Count() != 1 {
		t.Errorf("expected 1 session, got %d", r.Count())
	}
}

func TestRegistryPairsTwoRegistrants(t *testing.T) {
	r := NewRegistry()

	if _, err := r.Register("abc123", addrA); err != nil {
		t.Fatalf("register A failed: %v", err)
	}
	reg, err := r.Register("abc123", addrB)
	if err != nil {
		t.Fatalf("register B failed: %v", err)
	}

	if !reg.Paired || reg.Peer != addrA {
		t.Errorf("B should be paired with A, got %+v", reg)
	}

	// a repeat from A is a refresh that still reports the pairing
	reg, err = r.Register("abc123", addrA)
	if err != nil {
		t.Fatalf("refresh A failed: %v", err)
	}
	if reg.Added {
		t.Error("repeat registration should not add a registrant")
	}
	if !reg.Paired || reg.Peer != addrB {
		t.Errorf("A should be paired with B, got %+v", reg)
	}
}

func TestRegistryRejectsThirdRegistrant(t *testing.T) {
	r := NewRegistry()
	r.Register("abc123", addrA)
	r.Register("abc123", addrB)

	_, err := r.Register("abc123", addrC)
	if !errors.Is(err, ErrSessionFull) {
		t.Fatalf("expected ErrSessionFull, got %v", err)
	}
	if got := len(r.Registrants("abc123")); got != 2 {
		t.Errorf("expected 2 registrants, got %d", got)
	}
}

func TestRegistrySessionsAreIndependent(t *testing.T) {
	r := NewRegistry()
	r.Register("one", addrA)

	reg, _ := r.Register("two", addrB)
	if reg.Paired {
		t.Error("registrants of different sessions must not be paired")
	}
	if r.Count() != 2 {
		t.Errorf("expected 2 sessions, got %d", r.Count())
	}
}

func TestRegistryUnmapsAddresses(t *testing.T) {
	r := NewRegistry()
	r.Register("abc123", netip.MustParseAddrPort("[::ffff:198.51.100.7]:40000"))

	reg, _ := r.Register("abc123", addrA)
	if reg.Added {
		t.Error("mapped and plain IPv4 forms should be the same registrant")
	}
}

func TestRegistryCleanupStale(t *testing.T) {
	r := NewRegistry()
	now := time.Now()
	r.now = func() time.Time { return now }

	r.Register("abc123", addrA)
	now = now.Add(90 * time.Second)
	r.Register("abc123", addrB)
	r.Register("idle", addrC)

	now = now.Add(60 * time.Second)
	r.Register("idle", addrC)

	removed := r.CleanupStale(2 * time.Minute)
	if removed != 1 {
		t.Errorf("expected 1 stale registrant removed, got %d", removed)
	}

	regs := r.Registrants("abc123")
	if len(regs) != 1 || regs[0].Addr != addrB {
		t.Errorf("expected only B to remain, got %+v", regs)
	}

	// the freed slot can be taken by a new endpoint
	reg, err := r.Register("abc123", addrC)
	if err != nil {
		t.Fatalf("register after cleanup failed: %v", err)
	}
	if !reg.Paired || reg.Peer != addrB {
		t.Errorf("C should pair with B, got %+v", reg)
	}

	now = now.Add(time.Hour)
	r.CleanupStale(2 * time.Minute)
	if r.Count() != 0 {
		t.Errorf("empty sessions should be dropped, %d left", r.Count())
	}
}

func TestRegistryStats(t *testing.T) {
	r := NewRegistry()
	r.Register("one", addrA)
	r.Register("one", addrB)
	r.Register("two", addrC)

	stats := r.Stats()
	if stats.Sessions != 2 || stats.Registrants != 3 || stats.Paired != 1 {
		t.Errorf("unexpected stats: %s", stats)
	}
	if stats.String() != "Sessions=2, Registrants=3, Paired=1" {
		t.Errorf("unexpected stats string: %s", stats)
	}
}

func TestRegistryConcurrentAccess(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func(port uint16) {
			defer wg.Done()
			r.Register("abc123", netip.AddrPortFrom(addrA.Addr(), port))
		}(uint16(1000 + i))
		go func() {
			defer wg.Done()
			r.Stats()
			r.Registrants("abc123")
		}()
	}
	wg.Wait()

	if got := len(r.Registrants("abc123")); got != MaxRegistrants {
		t.Errorf("expected %d registrants, got %d", MaxRegistrants, got)
	}
}
