package auth

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// DefaultTicketTTL is how long a WebSocket ticket stays redeemable.
const DefaultTicketTTL = 60 * time.Second

// ticketBytes is the number of random bytes used for WebSocket tickets.
const ticketBytes = 32

// Ticket is a single-use credential for upgrading a WebSocket connection
// without exposing the bearer token in the URL.
type Ticket struct {
	Value     string
	Subject   string
	Role      Role
	ExpiresAt time.Time
}

// TicketStore holds pending WebSocket tickets. It is safe for concurrent use.
type TicketStore struct {
	ttl     time.Duration
	mu      sync.Mutex
	tickets map[string]Ticket
	now     func() time.Time
}

// NewTicketStore creates a store whose tickets expire after ttl.
func NewTicketStore(ttl time.Duration) *TicketStore {
	if ttl <= 0 {
		ttl = DefaultTicketTTL
	}
	return &TicketStore{ttl: ttl, tickets: make(map[string]Ticket), now: time.Now}
}

// TTL returns the ticket lifetime.
func (s *TicketStore) TTL() time.Duration { return s.ttl }

// Issue creates a ticket carrying the caller's identity.
func (s *TicketStore) Issue(subject string, role Role) (Ticket, error) {
	b := make([]byte, ticketBytes)
	if _, err := rand.Read(b); err != nil {
		return Ticket{}, fmt.Errorf("generating ticket: %w", err)
	}
	t := Ticket{
		Value:     hex.EncodeToString(b),
		Subject:   subject,
		Role:      role,
		ExpiresAt: s.now().Add(s.ttl),
	}

	s.mu.Lock()
	s.tickets[t.Value] = t
	s.mu.Unlock()
	return t, nil
}

// Redeem consumes a ticket. A ticket is accepted at most once and only
// before it expires.
func (s *TicketStore) Redeem(value string) (Ticket, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tickets[value]
	if !ok {
		return Ticket{}, false
	}
	delete(s.tickets, value)
	return t, s.now().Before(t.ExpiresAt)
}

// Clean removes expired tickets and returns how many were dropped.
func (s *TicketStore) Clean() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	n := 0
	for v, t := range s.tickets {
		if now.After(t.ExpiresAt) {
			delete(s.tickets, v)
			n++
		}
	}
	return n
}

// Pending returns the number of unredeemed tickets.
func (s *TicketStore) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tickets)
}
