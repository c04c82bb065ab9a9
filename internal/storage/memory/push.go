package memory

import (
	"context"
	"sync"

	"github.com/blinders/internal/storage"
)

const maxSubsPerUser = 10

type PushStore struct {
	mu   sync.Mutex
	subs map[string][]storage.PushSubscription
}

func NewPushStore() *PushStore {
	return &PushStore{subs: make(map[string][]storage.PushSubscription)}
}

func (s *PushStore) SavePushSubscription(ctx context.Context, userID string, sub storage.PushSubscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.subs[userID]
	kept := list[:0]
	for _, x := range list {
		if x.Endpoint != sub.Endpoint {
			kept = append(kept, x)
		}
	}
	kept = append(kept, sub)
	if len(kept) > maxSubsPerUser {
		kept = kept[len(kept)-maxSubsPerUser:]
	}
	s.subs[userID] = kept
	return nil
}

func (s *PushStore) ListPushSubscriptions(ctx context.Context, userID string) ([]storage.PushSubscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]storage.PushSubscription(nil), s.subs[userID]...), nil
}

func (s *PushStore) DeletePushSubscription(ctx context.Context, userID, endpoint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.subs[userID]
	kept := list[:0]
	for _, x := range list {
		if x.Endpoint != endpoint {
			kept = append(kept, x)
		}
	}
	if len(kept) == 0 {
		delete(s.subs, userID)
		return nil
	}
	s.subs[userID] = kept
	return nil
}
