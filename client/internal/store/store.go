package store

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Relay state labels, matching relay.State.String().
const (
	StateConnecting = "connecting"
	StateOpen       = "open"
	StateClosed     = "closed"
)

// Entry is the status of one relay.
type Entry struct {
	URL       string
	State     string
	Events    int64
	Err       string    // last error, empty when none or expired
	ErrAt     time.Time // when Err was recorded
	UpdatedAt time.Time
}

// Advisory is a user-visible notice that a relay failed.
type Advisory struct {
	Relay   string
	Message string
	At      time.Time
}

// Store is a thread-safe relay status store keyed by relay URL.
type Store struct {
	mu   sync.RWMutex
	data map[string]*Entry
	ttl  time.Duration
	now  func() time.Time // injectable for deterministic tests
}

// New creates a Store whose advisories expire after ttl.
func New(ttl time.Duration) *Store {
	return &Store{
		data: make(map[string]*Entry),
		ttl:  ttl,
		now:  time.Now,
	}
}

// TTL returns the advisory lifetime.
func (s *Store) TTL() time.Duration { return s.ttl }

// Register adds url in the connecting state if it is not known yet.
func (s *Store) Register(url string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data[url]; ok {
		return
	}
	s.data[url] = &Entry{URL: url, State: StateConnecting, UpdatedAt: s.now()}
}

// SetState records a state change. A non-nil err becomes the relay's advisory.
func (s *Store) SetState(url, state string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entryLocked(url)
	now := s.now()
	e.State = state
	e.UpdatedAt = now
	if err != nil {
		e.Err = err.Error()
		e.ErrAt = now
	}
}

// RecordEvent counts one EVENT frame delivered by url.
func (s *Store) RecordEvent(url string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entryLocked(url)
	e.Events++
}

// Get returns a copy of the entry for url.
func (s *Store) Get(url string) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.data[url]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// List returns copies of all entries sorted by URL.
func (s *Store) List() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Entry, 0, len(s.data))
	for _, e := range s.data {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URL < out[j].URL })
	return out
}

// Count returns the number of relays per state.
func (s *Store) Count() map[string]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := map[string]int{StateConnecting: 0, StateOpen: 0, StateClosed: 0}
	for _, e := range s.data {
		out[e.State]++
	}
	return out
}

// Advisories returns the relay errors to show, oldest first: every error of a
// relay that is still closed, plus errors of other relays recorded within the TTL.
func (s *Store) Advisories() []Advisory {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cutoff := s.now().Add(-s.ttl)
	var out []Advisory
	for _, e := range s.data {
		if e.Err != "" && (e.State == StateClosed || e.ErrAt.After(cutoff)) {
			out = append(out, Advisory{Relay: e.URL, Message: e.Err, At: e.ErrAt})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].At.Equal(out[j].At) {
			return out[i].Relay < out[j].Relay
		}
		return out[i].At.Before(out[j].At)
	})
	return out
}

// Evict clears advisories recorded at or before now minus TTL and returns
// how many were cleared. Advisories of closed relays are kept, since a closed
// relay never reconnects. Relay entries themselves are never removed.
func (s *Store) Evict(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := now.Add(-s.ttl)
	cleared := 0
	for _, e := range s.data {
		if e.Err != "" && e.State != StateClosed && !e.ErrAt.After(cutoff) {
			e.Err = ""
			e.ErrAt = time.Time{}
			cleared++
		}
	}
	return cleared
}

// Run starts the advisory expiry loop. It ticks at half the TTL (minimum one
// second) and blocks until ctx is cancelled.
func (s *Store) Run(ctx context.Context) {
	interval := s.ttl / 2
	if interval < time.Second {
		interval = time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			if n := s.Evict(now); n > 0 {
				slog.Debug("store: cleared expired advisories", "count", n)
			}
		}
	}
}

func (s *Store) entryLocked(url string) *Entry {
	e, ok := s.data[url]
	if !ok {
		e = &Entry{URL: url, State: StateConnecting}
		s.data[url] = e
	}
	return e
}
