package fanout

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func mustEvent(t *testing.T, topic, id string) Event {
	t.Helper()
	ev, err := NewEvent(topic, KindMessageCreated, id, map[string]string{"id": id})
	if err != nil {
		t.Fatal(err)
	}
	return ev
}

func recv(t *testing.T, s *Subscription) Event {
	t.Helper()
	select {
	case ev, ok := <-s.Events():
		if !ok {
			t.Fatalf("subscription on %s closed: %v", s.Topic(), s.Err())
		}
		return ev
	case <-time.After(time.Second):
		t.Fatalf("timeout waiting for event on %s", s.Topic())
	}
	return Event{}
}

func TestPublishOrderPerTopic(t *testing.T) {
	bus := NewLocal(0)
	ctx := context.Background()
	a, _ := bus.Subscribe(ctx, "messages:study")
	b, _ := bus.Subscribe(ctx, "messages:study")
	other, _ := bus.Subscribe(ctx, "messages:professional")
	defer a.Close()
	defer b.Close()
	defer other.Close()

	for i := 0; i < 50; i++ {
		if err := bus.Publish(ctx, mustEvent(t, "messages:study", fmt.Sprint(i))); err != nil {
			t.Fatal(err)
		}
	}
	for _, s := range []*Subscription{a, b} {
		for i := 0; i < 50; i++ {
			if ev := recv(t, s); ev.ID != fmt.Sprint(i) {
				t.Fatalf("got %s at position %d", ev.ID, i)
			}
		}
	}
	select {
	case ev := <-other.Events():
		t.Fatalf("cross-topic delivery: %+v", ev)
	default:
	}
}

func TestNoReplayForLateSubscriber(t *testing.T) {
	bus := NewLocal(0)
	ctx := context.Background()
	_ = bus.Publish(ctx, mustEvent(t, "typing:study", "early"))

	s, _ := bus.Subscribe(ctx, "typing:study")
	defer s.Close()
	_ = bus.Publish(ctx, mustEvent(t, "typing:study", "late"))
	if ev := recv(t, s); ev.ID != "late" {
		t.Fatalf("late subscriber received %s", ev.ID)
	}
}

func TestSlowSubscriberIsDropped(t *testing.T) {
	bus := NewLocal(2)
	ctx := context.Background()
	slow, _ := bus.Subscribe(ctx, "t")
	fast, _ := bus.Subscribe(ctx, "t")
	defer fast.Close()

	for i := 0; i < 3; i++ {
		_ = bus.Publish(ctx, mustEvent(t, "t", fmt.Sprint(i)))
		recv(t, fast)
	}
	// buffered events stay readable, then the channel closes
	n := 0
	for range slow.Events() {
		n++
	}
	if n != 2 {
		t.Fatalf("slow subscriber drained %d events, want 2", n)
	}
	if !errors.Is(slow.Err(), ErrSlowSubscriber) {
		t.Fatalf("slow.Err() = %v", slow.Err())
	}
	if got := bus.Subscribers("t"); got != 1 {
		t.Fatalf("subscribers = %d, want 1", got)
	}
}

func TestCloseStopsDelivery(t *testing.T) {
	bus := NewLocal(0)
	ctx := context.Background()
	s, _ := bus.Subscribe(ctx, "t")
	s.Close()
	s.Close()
	_ = bus.Publish(ctx, mustEvent(t, "t", "x"))
	if _, ok := <-s.Events(); ok {
		t.Fatal("event delivered after Close")
	}
	if bus.Subscribers("t") != 0 {
		t.Fatal("closed subscription still registered")
	}
	if s.Err() != nil {
		t.Fatalf("Err after Close = %v", s.Err())
	}
}

func TestContextCancelReleasesSubscription(t *testing.T) {
	bus := NewLocal(0)
	ctx, cancel := context.WithCancel(context.Background())
	s, _ := bus.Subscribe(ctx, "t")
	cancel()
	select {
	case _, ok := <-s.Events():
		if ok {
			t.Fatal("unexpected event")
		}
	case <-time.After(time.Second):
		t.Fatal("subscription not released on cancel")
	}
}

func TestScopeReleasesAll(t *testing.T) {
	bus := NewLocal(0)
	scope := NewScope(bus)
	ctx := context.Background()
	for _, topic := range []string{"messages:study", "typing:study", "sending:study"} {
		if _, err := scope.Subscribe(ctx, topic); err != nil {
			t.Fatal(err)
		}
	}
	scope.Close()
	for _, topic := range []string{"messages:study", "typing:study", "sending:study"} {
		if n := bus.Subscribers(topic); n != 0 {
			t.Fatalf("%s still has %d subscribers", topic, n)
		}
	}
	if _, err := scope.Subscribe(ctx, "x"); !errors.Is(err, ErrScopeClosed) {
		t.Fatalf("subscribe after close: %v", err)
	}
}

func TestBusClose(t *testing.T) {
	bus := NewLocal(0)
	s, _ := bus.Subscribe(context.Background(), "t")
	bus.Close()
	if _, ok := <-s.Events(); ok {
		t.Fatal("subscription open after bus close")
	}
	if !errors.Is(s.Err(), ErrClosed) {
		t.Fatalf("Err = %v", s.Err())
	}
	if err := bus.Publish(context.Background(), mustEvent(t, "t", "x")); !errors.Is(err, ErrClosed) {
		t.Fatalf("publish after close: %v", err)
	}
	if _, err := bus.Subscribe(context.Background(), "t"); !errors.Is(err, ErrClosed) {
		t.Fatalf("subscribe after close: %v", err)
	}
}

func TestBridgeReceiveSkipsOwnOrigin(t *testing.T) {
	local := NewLocal(0)
	br := &bridge{local: local, origin: "me"}
	s, _ := local.Subscribe(context.Background(), "dm:a:b")
	defer s.Close()

	own, _ := br.encode(mustEvent(t, "dm:a:b", "1"))
	br.receive(own)
	foreign, _ := (&bridge{origin: "other"}).encode(mustEvent(t, "dm:a:b", "2"))
	br.receive(foreign)
	br.receive([]byte("not json"))

	if ev := recv(t, s); ev.ID != "2" {
		t.Fatalf("got %s, want foreign event 2", ev.ID)
	}
	select {
	case ev := <-s.Events():
		t.Fatalf("unexpected extra event %s", ev.ID)
	default:
	}
}
