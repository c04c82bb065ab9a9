package memory

import (
	"context"
	"sync"

	"github.com/blinders/internal/model"
)

type ReactionStore struct {
	mu    sync.Mutex
	byMsg map[int64][]model.Reaction
}

func NewReactionStore() *ReactionStore {
	return &ReactionStore{byMsg: make(map[int64][]model.Reaction)}
}

func (s *ReactionStore) Add(ctx context.Context, r model.Reaction) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, x := range s.byMsg[r.MessageID] {
		if x.UserID == r.UserID && x.Emoji == r.Emoji {
			return false, nil
		}
	}
	s.byMsg[r.MessageID] = append(s.byMsg[r.MessageID], r)
	return true, nil
}

func (s *ReactionStore) Remove(ctx context.Context, messageID int64, userID, emoji string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.byMsg[messageID]
	for i, x := range list {
		if x.UserID == userID && x.Emoji == emoji {
			s.byMsg[messageID] = append(list[:i:i], list[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

func (s *ReactionStore) ListByMessages(ctx context.Context, ids []int64) (map[int64][]model.Reaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[int64][]model.Reaction, len(ids))
	for _, id := range ids {
		if list := s.byMsg[id]; len(list) > 0 {
			out[id] = append([]model.Reaction(nil), list...)
		}
	}
	return out, nil
}
