package memory

import (
	"context"
	"testing"
	"time"

	"github.com/blinders/internal/model"
	"github.com/blinders/internal/storage"
)

var (
	_ storage.GateStore     = (*GateStore)(nil)
	_ storage.MessageLog    = (*MessageLog)(nil)
	_ storage.ReactionStore = (*ReactionStore)(nil)
	_ storage.UserStore     = (*UserStore)(nil)
	_ storage.SessionStore  = (*SessionStore)(nil)
	_ storage.PushStore     = (*PushStore)(nil)
)

func msg(t *testing.T, id int64, conv model.Conversation, sender string, at time.Time) model.Message {
	t.Helper()
	body, err := model.NewBody(model.MessageTypeText, "m", nil)
	if err != nil {
		t.Fatal(err)
	}
	return model.Message{ID: id, Conversation: conv, SenderID: sender, Body: body, CreatedAt: at}
}

func TestMessageLogRangeOrderAndCursor(t *testing.T) {
	ctx := context.Background()
	l := NewMessageLog()
	conv := model.ChannelConversation(model.ChannelStudy)
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	// inserted out of order, two share a timestamp
	for _, m := range []model.Message{
		msg(t, 3, conv, "a", base.Add(time.Second)),
		msg(t, 1, conv, "a", base),
		msg(t, 2, conv, "b", base.Add(time.Second)),
	} {
		if err := l.Append(ctx, m); err != nil {
			t.Fatal(err)
		}
	}
	got, err := l.Range(ctx, conv, model.Cursor{}, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].ID != 1 || got[1].ID != 2 {
		t.Fatalf("first page = %v", ids(got))
	}
	next, err := l.Range(ctx, conv, model.NextCursor(model.Cursor{}, got), 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(next) != 1 || next[0].ID != 3 {
		t.Fatalf("second page = %v", ids(next))
	}
}

func ids(ms []model.Message) []int64 {
	out := make([]int64, len(ms))
	for i, m := range ms {
		out[i] = m.ID
	}
	return out
}

func TestThreadsAndMarkRead(t *testing.T) {
	ctx := context.Background()
	l := NewMessageLog()
	ab, _ := model.DirectConversation("a", "b")
	ac, _ := model.DirectConversation("a", "c")
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	_ = l.Append(ctx, msg(t, 1, ab, "b", base))
	_ = l.Append(ctx, msg(t, 2, ab, "b", base.Add(time.Second)))
	_ = l.Append(ctx, msg(t, 3, ac, "a", base.Add(2*time.Second)))

	threads, err := l.Threads(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	if len(threads) != 2 || threads[0].PeerID != "c" || threads[1].PeerID != "b" {
		t.Fatalf("threads = %+v", threads)
	}
	if threads[1].Unread != 2 {
		t.Fatalf("unread = %d, want 2", threads[1].Unread)
	}
	n, err := l.MarkRead(ctx, ab, "a")
	if err != nil || n != 2 {
		t.Fatalf("MarkRead = %d, %v", n, err)
	}
	if n, _ := l.MarkRead(ctx, ab, "a"); n != 0 {
		t.Fatalf("second MarkRead = %d", n)
	}
}

func TestGateStoreFailureWindow(t *testing.T) {
	ctx := context.Background()
	s := NewGateStore()
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return now })

	for want := 1; want <= 2; want++ {
		if n, _ := s.IncrUnlockFailures(ctx, "s1", time.Minute); n != want {
			t.Fatalf("failures = %d, want %d", n, want)
		}
	}
	now = now.Add(2 * time.Minute)
	if n, _ := s.IncrUnlockFailures(ctx, "s1", time.Minute); n != 1 {
		t.Fatalf("failures after window = %d, want 1", n)
	}

	_ = s.SetUnlockGrant(ctx, "s1", "g", time.Hour)
	if ok, _ := s.CheckUnlockGrant(ctx, "s1", "other"); ok {
		t.Fatal("foreign grant accepted")
	}
	if ok, _ := s.CheckUnlockGrant(ctx, "s1", "g"); !ok {
		t.Fatal("grant rejected")
	}
	now = now.Add(time.Hour)
	if ok, _ := s.CheckUnlockGrant(ctx, "s1", "g"); ok {
		t.Fatal("expired grant accepted")
	}
}

func TestReactionStoreIdempotent(t *testing.T) {
	ctx := context.Background()
	s := NewReactionStore()
	r := model.Reaction{MessageID: 1, UserID: "a", Emoji: "👍"}
	if ok, _ := s.Add(ctx, r); !ok {
		t.Fatal("first add not created")
	}
	if ok, _ := s.Add(ctx, r); ok {
		t.Fatal("second add created a duplicate")
	}
	if ok, _ := s.Remove(ctx, 1, "a", "👍"); !ok {
		t.Fatal("remove reported nothing removed")
	}
	if ok, err := s.Remove(ctx, 1, "a", "👍"); ok || err != nil {
		t.Fatalf("second remove = %v, %v", ok, err)
	}
}
