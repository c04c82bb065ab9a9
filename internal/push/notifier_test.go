package push

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"

	"github.com/blinders/internal/apperr"
	"github.com/blinders/internal/model"
	"github.com/blinders/internal/storage/memory"
)

type sent struct {
	endpoint string
	payload  Payload
}

func newTestNotifier(t *testing.T, status map[string]int) (*Notifier, *memory.PushStore, *[]sent) {
	t.Helper()
	store := memory.NewPushStore()
	n := NewNotifier(store, &VAPIDKeys{PublicKey: "pub", PrivateKey: "priv"}, "mailto:ops@example.com")
	var (
		mu  sync.Mutex
		out []sent
	)
	n.send = func(_ context.Context, payload []byte, sub *webpush.Subscription, _ *webpush.Options) (*http.Response, error) {
		var p Payload
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, err
		}
		mu.Lock()
		out = append(out, sent{endpoint: sub.Endpoint, payload: p})
		mu.Unlock()
		code := http.StatusCreated
		if c, ok := status[sub.Endpoint]; ok {
			code = c
		}
		return &http.Response{StatusCode: code, Body: io.NopCloser(strings.NewReader(""))}, nil
	}
	return n, store, &out
}

func subscription(endpoint string) Subscription {
	var s Subscription
	s.Endpoint = endpoint
	s.Keys.P256dh = "p256"
	s.Keys.Auth = "auth"
	return s
}

func TestNotifyDMSendsAndDropsGone(t *testing.T) {
	ctx := context.Background()
	n, store, out := newTestNotifier(t, map[string]int{"https://push.example/gone": http.StatusGone})
	for _, ep := range []string{"https://push.example/a", "https://push.example/gone"} {
		if err := n.Subscribe(ctx, "bob", subscription(ep)); err != nil {
			t.Fatal(err)
		}
	}

	dm, _ := model.DirectConversation("alice", "bob")
	n.NotifyDM(ctx, "bob", model.Message{
		ID: 42, Conversation: dm, SenderID: "alice", SenderName: "Alice",
		Body: model.TextBody{Content: "hi bob"}, CreatedAt: time.Now(),
	})

	if len(*out) != 2 {
		t.Fatalf("sent %d, want 2", len(*out))
	}
	got := (*out)[0].payload
	if got.Title != "Alice" || got.Body != "hi bob" || got.Data["conversation"] != "dm:alice" || got.Data["message_id"] != "42" {
		t.Fatalf("payload = %+v", got)
	}
	left, _ := store.ListPushSubscriptions(ctx, "bob")
	if len(left) != 1 || left[0].Endpoint != "https://push.example/a" {
		t.Fatalf("subscriptions after 410 = %+v", left)
	}
}

func TestNotifyWithoutKeysIsNoop(t *testing.T) {
	store := memory.NewPushStore()
	n := NewNotifier(store, nil, "")
	if n.PublicKey() != "" {
		t.Fatal("public key without vapid")
	}
	called := false
	n.send = func(context.Context, []byte, *webpush.Subscription, *webpush.Options) (*http.Response, error) {
		called = true
		return nil, errors.New("unexpected")
	}
	_ = n.Subscribe(context.Background(), "bob", subscription("https://push.example/a"))
	n.NotifyDM(context.Background(), "bob", model.Message{Body: model.TextBody{Content: "x"}})
	if called {
		t.Fatal("sent without VAPID keys")
	}
}

func TestSubscribeValidation(t *testing.T) {
	n, _, _ := newTestNotifier(t, nil)
	if err := n.Subscribe(context.Background(), "bob", Subscription{Endpoint: "https://x"}); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("missing keys: %v", err)
	}
	if err := n.Subscribe(context.Background(), "bob", subscription("http://insecure")); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("http endpoint: %v", err)
	}
}

func TestPreview(t *testing.T) {
	img := model.ImageBody{Ref: model.MediaRef{URL: "/media/a.png"}}
	if got := preview(model.Message{Body: img}); got != "📷 Photo" {
		t.Fatalf("image preview = %q", got)
	}
	long := strings.Repeat("я", previewRunes+5)
	if got := preview(model.Message{Body: model.TextBody{Content: long}}); len([]rune(got)) != previewRunes+1 {
		t.Fatalf("long preview has %d runes", len([]rune(got)))
	}
}

func TestEnsureVAPIDKeysPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vapid.json")
	first, err := EnsureVAPIDKeys(path)
	if err != nil {
		t.Fatal(err)
	}
	second, err := EnsureVAPIDKeys(path)
	if err != nil {
		t.Fatal(err)
	}
	if first.PublicKey == "" || first.PublicKey != second.PublicKey || first.PrivateKey != second.PrivateKey {
		t.Fatal("keys not reused from file")
	}
}
