package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/blinders/internal/apperr"
	"github.com/blinders/internal/model"
	"github.com/blinders/internal/storage"
)

type UserStore struct {
	mu    sync.RWMutex
	users map[string]*model.User
	seq   int64
}

func NewUserStore() *UserStore {
	return &UserStore{users: make(map[string]*model.User)}
}

func (s *UserStore) Create(ctx context.Context, u *model.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, x := range s.users {
		if x.ID == u.ID || x.BlindersID == u.BlindersID {
			return fmt.Errorf("memory.UserStore.Create %s: %w", u.BlindersID, apperr.ErrConflict)
		}
	}
	cp := *u
	s.users[u.ID] = &cp
	return nil
}

func (s *UserStore) GetByID(ctx context.Context, id string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *UserStore) GetByBlindersID(ctx context.Context, blindersID string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.users {
		if u.BlindersID == blindersID {
			cp := *u
			return &cp, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (s *UserStore) List(ctx context.Context, limit int) ([]model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.User, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, *u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DisplayName < out[j].DisplayName })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *UserStore) NextBlindersSeq(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	return s.seq, nil
}

func (s *UserStore) update(id string, fn func(u *model.User)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return storage.ErrNotFound
	}
	fn(u)
	return nil
}

func (s *UserStore) SetRole(ctx context.Context, id string, role model.Role) error {
	return s.update(id, func(u *model.User) { u.Role = role })
}

func (s *UserStore) SetActive(ctx context.Context, id string, active bool) error {
	return s.update(id, func(u *model.User) { u.IsActive = active })
}

func (s *UserStore) SetPasswordHash(ctx context.Context, id, hash string) error {
	return s.update(id, func(u *model.User) { u.PasswordHash = hash })
}

func (s *UserStore) SetAvatar(ctx context.Context, id, url string) error {
	return s.update(id, func(u *model.User) { u.AvatarURL = url })
}

func (s *UserStore) TouchLastSeen(ctx context.Context, id string, at time.Time) error {
	return s.update(id, func(u *model.User) { u.LastSeenAt = at })
}

type SessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*model.Session
}

func NewSessionStore() *SessionStore {
	return &SessionStore{sessions: make(map[string]*model.Session)}
}

func (s *SessionStore) Create(ctx context.Context, sess *model.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *sess
	s.sessions[sess.ID] = &cp
	return nil
}

func (s *SessionStore) GetByID(ctx context.Context, id string) (*model.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *sess
	return &cp, nil
}

func (s *SessionStore) Extend(ctx context.Context, id string, expiresAt, seenAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok || sess.RevokedAt != nil {
		return storage.ErrNotFound
	}
	sess.ExpiresAt = expiresAt
	sess.LastSeenAt = seenAt
	return nil
}

func (s *SessionStore) Revoke(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok || sess.RevokedAt != nil {
		return false, nil
	}
	now := time.Now().UTC()
	sess.RevokedAt = &now
	return true, nil
}

func (s *SessionStore) RevokeByUserID(ctx context.Context, userID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	var ids []string
	for id, sess := range s.sessions {
		if sess.UserID == userID && sess.RevokedAt == nil {
			sess.RevokedAt = &now
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}
