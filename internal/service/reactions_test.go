package service

import (
	"context"
	"reflect"
	"testing"
	"time"

	"github.com/blinders/internal/apperr"
	"github.com/blinders/internal/fanout"
	"github.com/blinders/internal/model"
)

func TestDoubleThumbsUpYieldsOneReaction(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	a, _ := e.addUser(t, "alice", model.RoleMember)
	m, err := e.messages.Append(ctx, a, study, text("vote"))
	if err != nil {
		t.Fatal(err)
	}
	sub, err := e.bus.Subscribe(ctx, study.ReactionsTopic())
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()

	if _, created, err := e.reactions.Add(ctx, a, m.ID, "👍"); err != nil || !created {
		t.Fatalf("first add = %v, %v", created, err)
	}
	if _, created, err := e.reactions.Add(ctx, a, m.ID, "👍"); err != nil || created {
		t.Fatalf("second add = %v, %v", created, err)
	}

	ev := recv(t, sub)
	if ev.Kind != fanout.KindReactionAdded {
		t.Fatalf("kind = %s", ev.Kind)
	}
	var payload model.ReactionUpdate
	if err := ev.Decode(&payload); err != nil {
		t.Fatal(err)
	}
	if payload.MessageID != m.ID || len(payload.Groups) != 1 || payload.Groups[0].Count != 1 {
		t.Fatalf("payload = %+v", payload)
	}
	noEvent(t, sub)

	groups, err := e.reactions.ForMessage(ctx, a, m.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(groups) != 1 || groups[0].Count != 1 || groups[0].Users[0] != a.UserID {
		t.Fatalf("groups = %+v", groups)
	}
	msgs, _ := e.messages.ReadRange(ctx, a, study, model.Cursor{}, 0)
	if len(msgs) != 1 || len(msgs[0].Reactions) != 1 {
		t.Fatalf("ReadRange reactions = %+v", msgs)
	}
}

func TestRemoveMissingReactionSucceeds(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	a, _ := e.addUser(t, "alice", model.RoleMember)
	m, err := e.messages.Append(ctx, a, study, text("x"))
	if err != nil {
		t.Fatal(err)
	}
	sub, err := e.bus.Subscribe(ctx, study.ReactionsTopic())
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()

	removed, err := e.reactions.Remove(ctx, a, m.ID, "🔥")
	if err != nil || removed {
		t.Fatalf("remove missing = %v, %v", removed, err)
	}
	noEvent(t, sub)

	_, _, _ = e.reactions.Add(ctx, a, m.ID, "🔥")
	recv(t, sub)
	if removed, err := e.reactions.Remove(ctx, a, m.ID, "🔥"); err != nil || !removed {
		t.Fatalf("remove = %v, %v", removed, err)
	}
	if ev := recv(t, sub); ev.Kind != fanout.KindReactionRemoved {
		t.Fatalf("kind = %s", ev.Kind)
	}
}

func TestReactionAccessAndValidation(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	a, _ := e.addUser(t, "alice", model.RoleMember)
	b, _ := e.addUser(t, "bob", model.RoleMember)
	c, _ := e.addUser(t, "carol", model.RoleMember)
	dm, _ := model.DirectConversation(a.UserID, b.UserID)
	m, err := e.messages.Append(ctx, a, dm, text("private"))
	if err != nil {
		t.Fatal(err)
	}

	_, _, err = e.reactions.Add(ctx, c, m.ID, "👍")
	wantErr(t, err, apperr.ErrForbidden)
	_, _, err = e.reactions.Add(ctx, b, m.ID, "")
	wantErr(t, err, apperr.ErrValidation)
	_, _, err = e.reactions.Add(ctx, b, m.ID, "this-is-far-too-long-for-an-emoji")
	wantErr(t, err, apperr.ErrValidation)
	_, _, err = e.reactions.Add(ctx, b, 42, "👍")
	wantErr(t, err, apperr.ErrNotFound)
	if _, _, err := e.reactions.Add(ctx, b, m.ID, "❤️"); err != nil {
		t.Fatalf("participant react: %v", err)
	}
}

func TestGroupReactionsOrder(t *testing.T) {
	t0 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	rs := []model.Reaction{
		{UserID: "c", Emoji: "🔥", CreatedAt: t0.Add(2 * time.Second)},
		{UserID: "a", Emoji: "👍", CreatedAt: t0},
		{UserID: "b", Emoji: "👍", CreatedAt: t0.Add(time.Second)},
		// одинаковое время: порядок вставки
		{UserID: "e", Emoji: "🔥", CreatedAt: t0.Add(3 * time.Second)},
		{UserID: "d", Emoji: "🔥", CreatedAt: t0.Add(3 * time.Second)},
	}
	got := GroupReactions(rs)
	want := []model.ReactionGroup{
		{Emoji: "👍", Count: 2, Users: []string{"a", "b"}},
		{Emoji: "🔥", Count: 3, Users: []string{"c", "e", "d"}},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("groups = %+v", got)
	}
	if GroupReactions(nil) != nil {
		t.Fatal("empty input should give nil")
	}
}
