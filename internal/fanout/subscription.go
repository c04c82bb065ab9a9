package fanout

import (
	"context"
	"sync"
)

// Subscription is a handle owned by whoever called Subscribe. Close is idempotent
// and safe from any goroutine; after it returns no new events are queued, but
// events already buffered may still be read from Events.
type Subscription struct {
	topic   string
	ch      chan Event
	onClose func(*Subscription)
	stopCtx func() bool

	mu     sync.Mutex
	closed bool
	err    error
}

func newSubscription(topic string, size int, onClose func(*Subscription)) *Subscription {
	return &Subscription{topic: topic, ch: make(chan Event, size), onClose: onClose}
}

func (s *Subscription) Topic() string { return s.topic }

// Events is closed when the subscription ends.
func (s *Subscription) Events() <-chan Event { return s.ch }

// Err reports why the subscription ended: nil after Close, ErrSlowSubscriber or ErrClosed otherwise.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Subscription) Close() { s.fail(nil) }

func (s *Subscription) bindContext(ctx context.Context) {
	stop := context.AfterFunc(ctx, s.Close)
	s.mu.Lock()
	s.stopCtx = stop
	s.mu.Unlock()
}

func (s *Subscription) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Subscription) offer(ev Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}
	select {
	case s.ch <- ev:
		return true
	default:
		return false
	}
}

func (s *Subscription) fail(err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.err = err
	close(s.ch)
	stop := s.stopCtx
	s.mu.Unlock()

	if stop != nil {
		stop()
	}
	if s.onClose != nil {
		s.onClose(s)
	}
}

// Scope owns the subscriptions of one view and releases them together.
//
//	scope := fanout.NewScope(bus)
//	defer scope.Close()
type Scope struct {
	bus Bus

	mu     sync.Mutex
	subs   []*Subscription
	closed bool
}

func NewScope(bus Bus) *Scope {
	return &Scope{bus: bus}
}

func (sc *Scope) Subscribe(ctx context.Context, topic string) (*Subscription, error) {
	sc.mu.Lock()
	if sc.closed {
		sc.mu.Unlock()
		return nil, ErrScopeClosed
	}
	sc.mu.Unlock()

	s, err := sc.bus.Subscribe(ctx, topic)
	if err != nil {
		return nil, err
	}

	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.closed {
		s.Close()
		return nil, ErrScopeClosed
	}
	sc.subs = append(sc.subs, s)
	return s, nil
}

func (sc *Scope) Close() {
	sc.mu.Lock()
	if sc.closed {
		sc.mu.Unlock()
		return
	}
	sc.closed = true
	subs := sc.subs
	sc.subs = nil
	sc.mu.Unlock()

	for _, s := range subs {
		s.Close()
	}
}
