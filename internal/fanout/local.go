package fanout

import (
	"context"
	"sync"

	"github.com/blinders/internal/logger"
	"github.com/blinders/internal/metrics"
)

const defaultBufSize = 256

type topicSubs struct {
	// mu serialises delivery so every subscriber sees one publish order.
	mu   sync.Mutex
	subs map[*Subscription]struct{}
}

// Local is the in-process bus. Publish never blocks: a subscriber whose buffer
// is full is closed with ErrSlowSubscriber and must reconcile with a re-read.
type Local struct {
	mu      sync.RWMutex
	topics  map[string]*topicSubs
	bufSize int
	closed  bool
}

func NewLocal(bufSize int) *Local {
	if bufSize <= 0 {
		bufSize = defaultBufSize
	}
	return &Local{topics: make(map[string]*topicSubs), bufSize: bufSize}
}

func (b *Local) Subscribe(ctx context.Context, topic string) (*Subscription, error) {
	s := newSubscription(topic, b.bufSize, b.remove)
	if ctx != nil && ctx.Done() != nil {
		s.bindContext(ctx)
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		s.fail(ErrClosed)
		return nil, ErrClosed
	}
	ts, ok := b.topics[topic]
	if !ok {
		ts = &topicSubs{subs: make(map[*Subscription]struct{})}
		b.topics[topic] = ts
	}
	ts.mu.Lock()
	// ctx may already be done: never register a closed handle
	if !s.isClosed() {
		ts.subs[s] = struct{}{}
	}
	empty := len(ts.subs) == 0
	ts.mu.Unlock()
	if empty {
		delete(b.topics, topic)
	}
	b.mu.Unlock()
	return s, nil
}

func (b *Local) Publish(_ context.Context, ev Event) error {
	return b.deliver(ev, "local")
}

func (b *Local) deliver(ev Event, origin string) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrClosed
	}
	ts := b.topics[ev.Topic]
	b.mu.RUnlock()
	metrics.FanoutPublished.WithLabelValues(origin).Inc()
	if ts == nil {
		return nil
	}

	ts.mu.Lock()
	var slow []*Subscription
	for s := range ts.subs {
		if !s.offer(ev) {
			slow = append(slow, s)
		} else {
			metrics.FanoutDelivered.Inc()
		}
	}
	ts.mu.Unlock()

	for _, s := range slow {
		logger.Errorf("fanout: subscriber on %s too slow, dropping", ev.Topic)
		metrics.FanoutDropped.Inc()
		s.fail(ErrSlowSubscriber)
	}
	return nil
}

func (b *Local) remove(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ts, ok := b.topics[s.topic]
	if !ok {
		return
	}
	ts.mu.Lock()
	delete(ts.subs, s)
	empty := len(ts.subs) == 0
	ts.mu.Unlock()
	if empty {
		delete(b.topics, s.topic)
	}
}

// Subscribers returns the number of live subscriptions on topic.
func (b *Local) Subscribers(topic string) int {
	b.mu.RLock()
	ts := b.topics[topic]
	b.mu.RUnlock()
	if ts == nil {
		return 0
	}
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return len(ts.subs)
}

// Close closes every subscription; later Publish and Subscribe return ErrClosed.
func (b *Local) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	var all []*Subscription
	for _, ts := range b.topics {
		ts.mu.Lock()
		for s := range ts.subs {
			all = append(all, s)
		}
		ts.mu.Unlock()
	}
	b.topics = make(map[string]*topicSubs)
	b.mu.Unlock()

	for _, s := range all {
		s.fail(ErrClosed)
	}
}
