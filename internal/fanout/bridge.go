package fanout

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/blinders/internal/logger"
)

// envelope is the cross-instance wire form. Origin lets an instance skip its own events,
// which it already delivered locally.
type envelope struct {
	Origin string `json:"origin"`
	Event  Event  `json:"event"`
}

// bridge mirrors a Local bus across instances through an external transport.
type bridge struct {
	local  *Local
	origin string
}

func (b *bridge) encode(ev Event) ([]byte, error) {
	data, err := json.Marshal(envelope{Origin: b.origin, Event: ev})
	if err != nil {
		return nil, fmt.Errorf("fanout encode %s: %w", ev.Topic, err)
	}
	return data, nil
}

// receive delivers a remote payload to local subscribers. Own and malformed payloads are ignored.
func (b *bridge) receive(data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		logger.Errorf("fanout: bad remote payload: %v", err)
		return
	}
	if env.Origin == b.origin || env.Event.Topic == "" {
		return
	}
	if err := b.local.deliver(env.Event, "remote"); err != nil {
		logger.Debugf("fanout: remote deliver %s: %v", env.Event.Topic, err)
	}
}

const (
	minBackoff = 2 * time.Second
	maxBackoff = 30 * time.Second
)

// retryLoop runs fn until ctx ends, sleeping with doubling backoff after each failure.
// fn returning nil (clean end of stream) resets the backoff.
func retryLoop(ctx context.Context, name string, fn func(context.Context) error) {
	backoff := minBackoff
	for {
		err := fn(ctx)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			backoff = minBackoff
			continue
		}
		logger.Errorf("fanout %s: %v, retry in %v", name, err, backoff)
		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
		if backoff < maxBackoff {
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}
	}
}
