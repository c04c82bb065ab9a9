// Package presence tracks who is online, typing or sending in each room.
// A room is a conversation key or model.OnlineRoom. State is in memory only.
package presence

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/blinders/internal/fanout"
	"github.com/blinders/internal/logger"
	"github.com/blinders/internal/model"
)

const (
	DefaultActivityTTL  = 3 * time.Second
	DefaultHeartbeatTTL = 60 * time.Second
	sweepInterval       = 500 * time.Millisecond
	publishTimeout      = 2 * time.Second
)

// Publisher is satisfied by every fanout.Bus.
type Publisher interface {
	Publish(ctx context.Context, ev fanout.Event) error
}

// Mirror keeps room membership visible to other instances.
type Mirror interface {
	Add(ctx context.Context, room, userID string) error
	Remove(ctx context.Context, room, userID string) error
}

// Sync is the payload of a presence.sync event: the complete projection for one
// kind as seen by one api instance. Receivers replace what they hold from Origin
// with it and keep the other instances' records. At is the publisher's clock when
// the snapshot was taken; record deadlines are relative to it.
type Sync struct {
	Room    string                 `json:"room"`
	Kind    model.PresenceKind     `json:"kind"`
	Origin  string                 `json:"origin"`
	At      time.Time              `json:"at"`
	Records []model.PresenceRecord `json:"records"`
}

type entry struct {
	name         string
	lastBeat     time.Time
	typingUntil  time.Time
	sendingUntil time.Time
}

func (e *entry) typing(now time.Time) bool  { return now.Before(e.typingUntil) }
func (e *entry) sending(now time.Time) bool { return now.Before(e.sendingUntil) }

func (e *entry) kind(now time.Time) model.PresenceKind {
	switch {
	case e.sending(now):
		return model.PresenceSending
	case e.typing(now):
		return model.PresenceTyping
	default:
		return model.PresenceOnline
	}
}

type Tracker struct {
	mu    sync.Mutex
	rooms map[string]map[string]*entry

	pub          Publisher
	mirror       Mirror
	origin       string
	now          func() time.Time
	activityTTL  time.Duration
	heartbeatTTL time.Duration
}

type Option func(*Tracker)

func WithClock(now func() time.Time) Option { return func(t *Tracker) { t.now = now } }
func WithMirror(m Mirror) Option            { return func(t *Tracker) { t.mirror = m } }

// WithOrigin names this instance in the syncs it publishes. Defaults to a random id.
func WithOrigin(id string) Option { return func(t *Tracker) { t.origin = id } }

func WithTTL(activity, heartbeat time.Duration) Option {
	return func(t *Tracker) {
		if activity > 0 {
			t.activityTTL = activity
		}
		if heartbeat > 0 {
			t.heartbeatTTL = heartbeat
		}
	}
}

func NewTracker(pub Publisher, opts ...Option) *Tracker {
	t := &Tracker{
		rooms:        make(map[string]map[string]*entry),
		pub:          pub,
		now:          time.Now,
		activityTTL:  DefaultActivityTTL,
		heartbeatTTL: DefaultHeartbeatTTL,
	}
	for _, o := range opts {
		o(t)
	}
	if t.origin == "" {
		t.origin = uuid.NewString()
	}
	return t
}

// changes collects which projections need a sync after an operation.
type changes map[string]map[model.PresenceKind]bool

func (c changes) mark(room string, kinds ...model.PresenceKind) {
	if c[room] == nil {
		c[room] = make(map[model.PresenceKind]bool, 3)
	}
	for _, k := range kinds {
		c[room][k] = true
	}
}

func (t *Tracker) lookup(room, userID string, create bool, name string, now time.Time, ch changes) *entry {
	members := t.rooms[room]
	if members == nil {
		if !create {
			return nil
		}
		members = make(map[string]*entry)
		t.rooms[room] = members
	}
	e := members[userID]
	if e == nil && create {
		e = &entry{name: name, lastBeat: now}
		members[userID] = e
		ch.mark(room, model.PresenceOnline)
	}
	if e != nil && name != "" {
		e.name = name
	}
	return e
}

// Track moves the user to Present in room.
func (t *Tracker) Track(room, userID, name string) {
	ch := changes{}
	t.mu.Lock()
	now := t.now()
	e := t.lookup(room, userID, true, name, now, ch)
	e.lastBeat = now
	t.mu.Unlock()

	if len(ch) > 0 && t.mirror != nil {
		t.mirrorCall(func(ctx context.Context) error { return t.mirror.Add(ctx, room, userID) })
	}
	t.flush(ch)
}

func (t *Tracker) Untrack(room, userID string) {
	ch := changes{}
	t.mu.Lock()
	t.removeLocked(room, userID, ch)
	t.mu.Unlock()
	t.flush(ch)
}

// UntrackAll removes the user from every room (connection closed).
func (t *Tracker) UntrackAll(userID string) {
	ch := changes{}
	t.mu.Lock()
	for room := range t.rooms {
		t.removeLocked(room, userID, ch)
	}
	t.mu.Unlock()
	t.flush(ch)
}

func (t *Tracker) removeLocked(room, userID string, ch changes) {
	members := t.rooms[room]
	e, ok := members[userID]
	if !ok {
		return
	}
	now := t.now()
	ch.mark(room, model.PresenceOnline)
	if e.typing(now) {
		ch.mark(room, model.PresenceTyping)
	}
	if e.sending(now) {
		ch.mark(room, model.PresenceSending)
	}
	delete(members, userID)
	if len(members) == 0 {
		delete(t.rooms, room)
	}
	if t.mirror != nil {
		go t.mirrorCall(func(ctx context.Context) error { return t.mirror.Remove(ctx, room, userID) })
	}
}

// Heartbeat keeps the user Present; entries without a heartbeat for the heartbeat TTL are swept.
func (t *Tracker) Heartbeat(room, userID string) bool {
	t.mu.Lock()
	e := t.lookup(room, userID, false, "", time.Time{}, nil)
	if e != nil {
		e.lastBeat = t.now()
	}
	t.mu.Unlock()
	if e == nil {
		return false
	}
	if t.mirror != nil {
		// Add is idempotent and extends the set TTL
		go t.mirrorCall(func(ctx context.Context) error { return t.mirror.Add(ctx, room, userID) })
	}
	return true
}

// Typing asserts the typing indicator for the activity TTL. Ignored while the user is sending.
// A renewal republishes the sync too: receivers drop records past their deadline.
func (t *Tracker) Typing(room, userID, name string) {
	ch := changes{}
	t.mu.Lock()
	now := t.now()
	e := t.lookup(room, userID, true, name, now, ch)
	e.lastBeat = now
	if !e.sending(now) {
		ch.mark(room, model.PresenceTyping)
		e.typingUntil = now.Add(t.activityTTL)
	}
	t.mu.Unlock()
	t.flush(ch)
}

func (t *Tracker) StopTyping(room, userID string) {
	ch := changes{}
	t.mu.Lock()
	now := t.now()
	if e := t.lookup(room, userID, false, "", now, ch); e != nil && e.typing(now) {
		e.typingUntil = time.Time{}
		ch.mark(room, model.PresenceTyping)
	}
	t.mu.Unlock()
	t.flush(ch)
}

// BeginSend clears typing and asserts sending in one step, so the two
// indicators are never visible together. The typing sync is published first.
func (t *Tracker) BeginSend(room, userID, name string) {
	ch := changes{}
	t.mu.Lock()
	now := t.now()
	e := t.lookup(room, userID, true, name, now, ch)
	e.lastBeat = now
	if e.typing(now) {
		e.typingUntil = time.Time{}
		ch.mark(room, model.PresenceTyping)
	}
	if !e.sending(now) {
		ch.mark(room, model.PresenceSending)
	}
	e.sendingUntil = now.Add(t.activityTTL)
	t.mu.Unlock()
	t.flush(ch)
}

// EndSend settles a send, successful or not.
func (t *Tracker) EndSend(room, userID string) {
	ch := changes{}
	t.mu.Lock()
	now := t.now()
	if e := t.lookup(room, userID, false, "", now, ch); e != nil && e.sending(now) {
		e.sendingUntil = time.Time{}
		ch.mark(room, model.PresenceSending)
	}
	t.mu.Unlock()
	t.flush(ch)
}

// Snapshot returns the records of kind in room, excluding viewer. For PresenceOnline
// every present member is returned with its current kind.
func (t *Tracker) Snapshot(room string, kind model.PresenceKind, viewer string) []model.PresenceRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked(room, kind, viewer, t.now())
}

func (t *Tracker) snapshotLocked(room string, kind model.PresenceKind, viewer string, now time.Time) []model.PresenceRecord {
	out := make([]model.PresenceRecord, 0, len(t.rooms[room]))
	for uid, e := range t.rooms[room] {
		if uid == viewer || now.Sub(e.lastBeat) >= t.heartbeatTTL {
			continue
		}
		k := e.kind(now)
		if kind != model.PresenceOnline && k != kind {
			continue
		}
		rec := model.PresenceRecord{
			Topic:         topicFor(room, kind),
			UserID:        uid,
			DisplayName:   e.name,
			Kind:          k,
			LastHeartbeat: e.lastBeat,
		}
		switch k {
		case model.PresenceTyping:
			rec.ExpiresAt = e.typingUntil
		case model.PresenceSending:
			rec.ExpiresAt = e.sendingUntil
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DisplayName != out[j].DisplayName {
			return out[i].DisplayName < out[j].DisplayName
		}
		return out[i].UserID < out[j].UserID
	})
	return out
}

// Sweep expires typing, sending and stale members, then publishes the affected syncs.
func (t *Tracker) Sweep() {
	ch := changes{}
	var gone []string
	t.mu.Lock()
	now := t.now()
	for room, members := range t.rooms {
		for uid, e := range members {
			if now.Sub(e.lastBeat) >= t.heartbeatTTL {
				t.removeLocked(room, uid, ch)
				gone = append(gone, uid)
				continue
			}
			if !e.typingUntil.IsZero() && !e.typing(now) {
				e.typingUntil = time.Time{}
				ch.mark(room, model.PresenceTyping)
			}
			if !e.sendingUntil.IsZero() && !e.sending(now) {
				e.sendingUntil = time.Time{}
				ch.mark(room, model.PresenceSending)
			}
		}
	}
	t.mu.Unlock()
	if len(gone) > 0 {
		logger.Debugf("presence: swept %d stale members", len(gone))
	}
	t.flush(ch)
}

// Run sweeps until ctx is done.
func (t *Tracker) Run(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.Sweep()
		}
	}
}

func topicFor(room string, kind model.PresenceKind) string {
	switch kind {
	case model.PresenceTyping:
		return "typing:" + room
	case model.PresenceSending:
		return "sending:" + room
	default:
		return "presence:" + room
	}
}

// TopicFor names the fan-out topic carrying syncs of kind for room.
func TopicFor(room string, kind model.PresenceKind) string { return topicFor(room, kind) }

var kindOrder = []model.PresenceKind{model.PresenceTyping, model.PresenceSending, model.PresenceOnline}

func (t *Tracker) flush(ch changes) {
	if t.pub == nil || len(ch) == 0 {
		return
	}
	type pending struct {
		topic string
		sync  Sync
	}
	var out []pending
	t.mu.Lock()
	now := t.now()
	for room, kinds := range ch {
		for _, k := range kindOrder {
			if !kinds[k] {
				continue
			}
			out = append(out, pending{
				topic: topicFor(room, k),
				sync:  Sync{Room: room, Kind: k, Origin: t.origin, At: now, Records: t.snapshotLocked(room, k, "", now)},
			})
		}
	}
	t.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	for _, p := range out {
		ev, err := fanout.NewEvent(p.topic, fanout.KindPresenceSync, "", p.sync)
		if err != nil {
			logger.Errorf("presence: encode sync %s: %v", p.topic, err)
			continue
		}
		if err := t.pub.Publish(ctx, ev); err != nil {
			logger.Errorf("presence: publish %s: %v", p.topic, err)
		}
	}
}

func (t *Tracker) mirrorCall(fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := fn(ctx); err != nil {
		logger.Errorf("presence mirror: %v", err)
	}
}

// HeartbeatAll refreshes the user in every room it is tracked in.
func (t *Tracker) HeartbeatAll(userID string) int {
	var rooms []string
	t.mu.Lock()
	now := t.now()
	for room, members := range t.rooms {
		if e, ok := members[userID]; ok {
			e.lastBeat = now
			rooms = append(rooms, room)
		}
	}
	t.mu.Unlock()
	if t.mirror != nil && len(rooms) > 0 {
		go func() {
			for _, room := range rooms {
				t.mirrorCall(func(ctx context.Context) error { return t.mirror.Add(ctx, room, userID) })
			}
		}()
	}
	return len(rooms)
}

// IsOnline reports whether the user has a live entry in the global online room.
func (t *Tracker) IsOnline(userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.rooms[model.OnlineRoom][userID]
	return ok && t.now().Sub(e.lastBeat) < t.heartbeatTTL
}
