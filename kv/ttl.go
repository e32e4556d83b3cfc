package kv

import (
	"context"
	"strconv"
	"sync"
	"time"
)

const sweepInterval = time.Minute

// TTLStore is a process-local Store without a capacity bound. Keys leave
// only by Del or by expiry, so a record is held for its full ttl. Expired
// keys are swept from writes at most once per sweepInterval.
type TTLStore struct {
	mu        sync.Mutex
	entries   map[string]entry
	now       func() time.Time
	lastSweep time.Time
}

func NewTTLStore() *TTLStore {
	return &TTLStore{entries: make(map[string]entry), now: time.Now}
}

// WithClock replaces the clock. Used by tests.
func (s *TTLStore) WithClock(now func() time.Time) *TTLStore {
	s.now = now
	s.lastSweep = now()
	return s
}

// live returns the entry for key if it exists and has not expired.
// Callers hold s.mu.
func (s *TTLStore) live(key string, now time.Time) (entry, bool) {
	e, ok := s.entries[key]
	if !ok {
		return entry{}, false
	}
	if !e.expiresAt.IsZero() && !now.Before(e.expiresAt) {
		delete(s.entries, key)
		return entry{}, false
	}
	return e, true
}

// put stores e and sweeps expired keys when a sweep is due. Callers hold s.mu.
func (s *TTLStore) put(key string, e entry, now time.Time) {
	s.entries[key] = e
	if now.Sub(s.lastSweep) < sweepInterval {
		return
	}
	s.lastSweep = now
	for k, v := range s.entries {
		if !v.expiresAt.IsZero() && !now.Before(v.expiresAt) {
			delete(s.entries, k)
		}
	}
}

func expiresAt(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}

func (s *TTLStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.live(key, s.now())
	if !ok {
		return nil, ErrNotFound
	}
	return e.value, nil
}

func (s *TTLStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	s.put(key, entry{value: value, expiresAt: expiresAt(now, ttl)}, now)
	return nil
}

func (s *TTLStore) SetNX(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if _, ok := s.live(key, now); ok {
		return false, nil
	}
	s.put(key, entry{value: value, expiresAt: expiresAt(now, ttl)}, now)
	return true, nil
}

func (s *TTLStore) Incr(_ context.Context, key string, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	e, ok := s.live(key, now)
	if !ok {
		s.put(key, entry{value: []byte("1"), expiresAt: expiresAt(now, ttl)}, now)
		return 1, nil
	}
	n, err := strconv.ParseInt(string(e.value), 10, 64)
	if err != nil {
		return 0, err
	}
	n++
	e.value = []byte(strconv.FormatInt(n, 10))
	s.entries[key] = e
	return n, nil
}

func (s *TTLStore) Del(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

// Len returns the number of keys held, including expired keys that have
// not been swept yet.
func (s *TTLStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
