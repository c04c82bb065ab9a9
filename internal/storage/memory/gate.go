// Package memory: реализации хранилищ в памяти процесса для тестов и режима -dev без Redis/БД.
package memory

import (
	"context"
	"sync"
	"time"
)

type item struct {
	val string
	exp time.Time
}

func (i item) live(now time.Time) bool { return i.exp.IsZero() || now.Before(i.exp) }

// GateStore хранит гранты разблокировки и счётчики неудач.
type GateStore struct {
	mu       sync.Mutex
	grants   map[string]item
	failures map[string]counter
	now      func() time.Time
}

type counter struct {
	n   int
	exp time.Time
}

func NewGateStore() *GateStore {
	return &GateStore{
		grants:   make(map[string]item),
		failures: make(map[string]counter),
		now:      time.Now,
	}
}

// SetClock подменяет часы (тесты истечения гранта).
func (s *GateStore) SetClock(now func() time.Time) { s.now = now }

func (s *GateStore) Close() error { return nil }

func (s *GateStore) SetUnlockGrant(ctx context.Context, sessionID, grant string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.grants[sessionID] = item{val: grant, exp: s.now().Add(ttl)}
	return nil
}

func (s *GateStore) CheckUnlockGrant(ctx context.Context, sessionID, grant string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.grants[sessionID]
	if !ok || grant == "" {
		return false, nil
	}
	if !v.live(s.now()) {
		delete(s.grants, sessionID)
		return false, nil
	}
	return v.val == grant, nil
}

func (s *GateStore) DeleteUnlockGrant(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.grants, sessionID)
	return nil
}

func (s *GateStore) IncrUnlockFailures(ctx context.Context, sessionID string, window time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	c := s.failures[sessionID]
	if !c.exp.IsZero() && !now.Before(c.exp) {
		c = counter{}
	}
	c.n++
	if c.n == 1 {
		c.exp = now.Add(window)
	}
	s.failures[sessionID] = c
	return c.n, nil
}

func (s *GateStore) ResetUnlockFailures(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.failures, sessionID)
	return nil
}
