package bridge

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/park-checkout/internal/checkout"
	"github.com/noah-isme/park-checkout/internal/obs"
)

// ErrSessionNotFound is returned for unknown or expired session ids.
var ErrSessionNotFound = errors.New("bridge: session not found")

const defaultSessionTTL = 30 * time.Minute

// Entry is a live session with its shell.
type Entry struct {
	Session *checkout.Session
	Remote  *Remote

	touched time.Time
}

// Store keeps sessions in memory. Sessions idle longer than TTL are closed
// by Sweep; nothing survives a restart.
type Store struct {
	TTL    time.Duration
	Logger zerolog.Logger

	mu      sync.Mutex
	entries map[string]*Entry
	now     func() time.Time
}

// NewStore returns an empty store.
func NewStore(ttl time.Duration, logger zerolog.Logger) *Store {
	if ttl <= 0 {
		ttl = defaultSessionTTL
	}
	return &Store{TTL: ttl, Logger: logger, entries: make(map[string]*Entry), now: time.Now}
}

// Put registers e under its session id.
func (s *Store) Put(e *Entry) {
	s.mu.Lock()
	e.touched = s.now()
	s.entries[e.Session.ID] = e
	n := len(s.entries)
	s.mu.Unlock()
	setActive(n)
}

// Get returns the entry for id and refreshes its idle timer.
func (s *Store) Get(id string) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	e.touched = s.now()
	return e, nil
}

// Delete removes id and returns its entry.
func (s *Store) Delete(id string) (*Entry, error) {
	s.mu.Lock()
	e, ok := s.entries[id]
	delete(s.entries, id)
	n := len(s.entries)
	s.mu.Unlock()
	if !ok {
		return nil, ErrSessionNotFound
	}
	setActive(n)
	return e, nil
}

// Len returns the number of sessions.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Sweep removes and returns sessions idle longer than TTL.
func (s *Store) Sweep() []*Entry {
	s.mu.Lock()
	cutoff := s.now().Add(-s.TTL)
	var expired []*Entry
	for id, e := range s.entries {
		if e.touched.Before(cutoff) {
			expired = append(expired, e)
			delete(s.entries, id)
		}
	}
	n := len(s.entries)
	s.mu.Unlock()
	if len(expired) > 0 {
		setActive(n)
	}
	return expired
}

// RunSweeper closes expired sessions every interval until ctx ends.
func (s *Store) RunSweeper(ctx context.Context, interval time.Duration, hub *Hub) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, e := range s.Sweep() {
				if e.Remote != nil {
					e.Remote.CancelPending()
				}
				e.Session.Close()
				if hub != nil {
					hub.Close(e.Session.ID)
				}
				s.Logger.Info().Str("session_id", e.Session.ID).Msg("session_expired")
			}
		}
	}
}

func setActive(n int) {
	if obs.CheckoutSessionsActive != nil {
		obs.CheckoutSessionsActive.Set(float64(n))
	}
}
