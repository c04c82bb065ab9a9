// Package push отправляет Web Push (VAPID) получателю личного сообщения,
// когда у него нет открытого WebSocket. Подписки хранятся в storage.PushStore.
package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"unicode/utf8"

	webpush "github.com/SherClockHolmes/webpush-go"

	"github.com/blinders/internal/apperr"
	"github.com/blinders/internal/logger"
	"github.com/blinders/internal/model"
	"github.com/blinders/internal/storage"
)

const (
	notificationTTL = 30
	previewRunes    = 120
)

// Subscription: подписка из браузера (PushManager.subscribe().toJSON()).
type Subscription struct {
	Endpoint string `json:"endpoint"`
	Keys     struct {
		P256dh string `json:"p256dh"`
		Auth   string `json:"auth"`
	} `json:"keys"`
}

// Payload: то, что получает service worker.
type Payload struct {
	Title string            `json:"title"`
	Body  string            `json:"body"`
	Data  map[string]string `json:"data,omitempty"`
}

type sendFunc func(ctx context.Context, payload []byte, sub *webpush.Subscription, opts *webpush.Options) (*http.Response, error)

// Notifier реализует service.DMNotifier. Без VAPID-ключей подписки сохраняются, отправка не выполняется.
type Notifier struct {
	store storage.PushStore
	vapid *webpush.Options
	send  sendFunc
}

func NewNotifier(store storage.PushStore, keys *VAPIDKeys, subject string) *Notifier {
	n := &Notifier{store: store, send: webpush.SendNotificationWithContext}
	if keys != nil && keys.PublicKey != "" && keys.PrivateKey != "" {
		if subject == "" {
			subject = "blinders-push"
		}
		n.vapid = &webpush.Options{
			Subscriber:      subject,
			VAPIDPublicKey:  keys.PublicKey,
			VAPIDPrivateKey: keys.PrivateKey,
			TTL:             notificationTTL,
		}
	}
	return n
}

// PublicKey отдаётся фронту для PushManager.subscribe; пустая строка: пуши выключены.
func (n *Notifier) PublicKey() string {
	if n.vapid == nil {
		return ""
	}
	return n.vapid.VAPIDPublicKey
}

func (n *Notifier) Subscribe(ctx context.Context, userID string, sub Subscription) error {
	if sub.Endpoint == "" || sub.Keys.P256dh == "" || sub.Keys.Auth == "" {
		return apperr.Validation("subscription.endpoint and subscription.keys required")
	}
	if !strings.HasPrefix(sub.Endpoint, "https://") {
		return apperr.Validation("subscription endpoint must be https")
	}
	err := n.store.SavePushSubscription(ctx, userID, storage.PushSubscription{
		Endpoint: sub.Endpoint,
		P256dh:   sub.Keys.P256dh,
		Auth:     sub.Keys.Auth,
	})
	if err != nil {
		return fmt.Errorf("push.Subscribe: %w", errors.Join(apperr.ErrStoreUnavailable, err))
	}
	return nil
}

func (n *Notifier) Unsubscribe(ctx context.Context, userID, endpoint string) error {
	if endpoint == "" {
		return apperr.Validation("endpoint required")
	}
	if err := n.store.DeletePushSubscription(ctx, userID, endpoint); err != nil {
		return fmt.Errorf("push.Unsubscribe: %w", errors.Join(apperr.ErrStoreUnavailable, err))
	}
	return nil
}

// NotifyDM шлёт уведомление на все подписки получателя. Подписки, на которые
// push-сервис ответил 404/410, удаляются.
func (n *Notifier) NotifyDM(ctx context.Context, recipientID string, m model.Message) {
	if n.vapid == nil {
		return
	}
	subs, err := n.store.ListPushSubscriptions(ctx, recipientID)
	if err != nil {
		logger.Errorf("push: list subscriptions user=%s: %v", recipientID, err)
		return
	}
	if len(subs) == 0 {
		return
	}
	payload, err := json.Marshal(Payload{
		Title: m.SenderName,
		Body:  preview(m),
		Data: map[string]string{
			"conversation": "dm:" + m.SenderID,
			"message_id":   strconv.FormatInt(m.ID, 10),
		},
	})
	if err != nil {
		logger.Errorf("push: encode payload: %v", err)
		return
	}
	for _, s := range subs {
		wpSub := &webpush.Subscription{
			Endpoint: s.Endpoint,
			Keys:     webpush.Keys{P256dh: s.P256dh, Auth: s.Auth},
		}
		resp, err := n.send(ctx, payload, wpSub, n.vapid)
		if err != nil {
			logger.Errorf("push: send %s: %v", s.Endpoint[:min(50, len(s.Endpoint))], err)
			continue
		}
		resp.Body.Close()
		if resp.StatusCode == http.StatusGone || resp.StatusCode == http.StatusNotFound {
			if err := n.store.DeletePushSubscription(ctx, recipientID, s.Endpoint); err != nil {
				logger.Errorf("push: drop stale subscription: %v", err)
			}
		}
	}
}

// preview возвращает текст уведомления: начало сообщения или тип вложения.
func preview(m model.Message) string {
	if m.Body == nil {
		return ""
	}
	text := strings.TrimSpace(m.Body.Text())
	if text == "" {
		switch m.Body.Type() {
		case model.MessageTypeImage:
			return "📷 Photo"
		case model.MessageTypeVideo:
			return "🎬 Video"
		case model.MessageTypeVoice:
			return "🎤 Voice message"
		}
	}
	if utf8.RuneCountInString(text) > previewRunes {
		r := []rune(text)
		text = string(r[:previewRunes]) + "…"
	}
	return text
}
