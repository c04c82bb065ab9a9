package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/blinders/internal/apperr"
	"github.com/blinders/internal/fanout"
	"github.com/blinders/internal/logger"
	"github.com/blinders/internal/metrics"
	"github.com/blinders/internal/model"
	"github.com/blinders/internal/policy"
	"github.com/blinders/internal/snowflake"
	"github.com/blinders/internal/storage"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 100
	publishTimeout  = 2 * time.Second
)

// Publisher: часть fanout.Bus, нужная сервисам.
type Publisher interface {
	Publish(ctx context.Context, ev fanout.Event) error
}

// DMNotifier уведомляет получателя DM, который сейчас не в сети (web push).
type DMNotifier interface {
	NotifyDM(ctx context.Context, recipientID string, m model.Message)
}

// OnlineChecker отвечает, подключён ли пользователь к realtime.
type OnlineChecker interface {
	IsOnline(userID string) bool
}

type MessageService struct {
	log       storage.MessageLog
	reactions *ReactionService
	users     storage.UserStore
	bus       Publisher
	ids       *snowflake.Node
	notifier  DMNotifier
	online    OnlineChecker
	now       func() time.Time
}

func NewMessageService(log storage.MessageLog, reactions *ReactionService, users storage.UserStore, bus Publisher, ids *snowflake.Node) *MessageService {
	return &MessageService{log: log, reactions: reactions, users: users, bus: bus, ids: ids, now: time.Now}
}

// WithDMNotifier включает push для DM получателям не в сети.
func (s *MessageService) WithDMNotifier(n DMNotifier, online OnlineChecker) *MessageService {
	s.notifier = n
	s.online = online
	return s
}

// Append проверяет права, пишет сообщение в лог и только после этого публикует его в fan-out.
// Ошибка публикации не откатывает запись: клиенты догоняют перечитыванием.
func (s *MessageService) Append(ctx context.Context, p model.Principal, c model.Conversation, d model.Draft) (model.Message, error) {
	defer logger.DeferLogDuration("messages.Append", time.Now())()
	if err := policy.Authorize(p, c, policy.ActionPost); err != nil {
		return model.Message{}, err
	}
	body, err := d.Body()
	if err != nil {
		return model.Message{}, apperr.Validation(err.Error())
	}
	if d.ReplyTo != 0 {
		target, err := s.log.Get(ctx, d.ReplyTo)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			return model.Message{}, apperr.Validation("reply target not found")
		case err != nil:
			return model.Message{}, unavailable("messages.Append", err)
		case target.Conversation != c:
			return model.Message{}, apperr.Validation("reply target is in another conversation")
		}
	}
	m := model.Message{
		ID:           s.ids.Generate(),
		Conversation: c,
		SenderID:     p.UserID,
		SenderName:   p.DisplayName,
		Body:         body,
		ReplyTo:      d.ReplyTo,
		CreatedAt:    s.now().UTC().Truncate(time.Microsecond),
	}
	if err := s.log.Append(ctx, m); err != nil {
		return model.Message{}, unavailable("messages.Append", err)
	}
	kind := "channel"
	if c.IsDM() {
		kind = "dm"
	}
	metrics.MessagesAppended.WithLabelValues(kind).Inc()

	s.publish(c.MessagesTopic(), fanout.KindMessageCreated, strconv.FormatInt(m.ID, 10), m)
	if c.IsDM() {
		s.notify(c.Peer(p.UserID), m)
	}
	return m, nil
}

func (s *MessageService) publish(topic, kind, id string, payload any) {
	if s.bus == nil {
		return
	}
	ev, err := fanout.NewEvent(topic, kind, id, payload)
	if err != nil {
		logger.Errorf("messages: encode %s: %v", kind, err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := s.bus.Publish(ctx, ev); err != nil {
		logger.Errorf("messages: publish %s on %s: %v", kind, topic, err)
	}
}

func (s *MessageService) notify(recipient string, m model.Message) {
	if s.notifier == nil || recipient == "" {
		return
	}
	if s.online != nil && s.online.IsOnline(recipient) {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.notifier.NotifyDM(ctx, recipient, m)
	}()
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultPageSize
	case limit > MaxPageSize:
		return MaxPageSize
	}
	return limit
}

// ReadRange возвращает сообщения строго после курсора по возрастанию (created_at, id) вместе с реакциями.
func (s *MessageService) ReadRange(ctx context.Context, p model.Principal, c model.Conversation, after model.Cursor, limit int) ([]model.Message, error) {
	defer logger.DeferLogDuration("messages.ReadRange", time.Now())()
	if err := policy.Authorize(p, c, policy.ActionRead); err != nil {
		return nil, err
	}
	msgs, err := s.log.Range(ctx, c, after, clampLimit(limit))
	if err != nil {
		return nil, unavailable("messages.ReadRange", err)
	}
	if len(msgs) == 0 || s.reactions == nil {
		return msgs, nil
	}
	ids := make([]int64, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
	}
	groups, err := s.reactions.Groups(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range msgs {
		msgs[i].Reactions = groups[msgs[i].ID]
	}
	return msgs, nil
}

// MarkDMRead помечает прочитанными входящие сообщения DM и оповещает собеседника.
func (s *MessageService) MarkDMRead(ctx context.Context, p model.Principal, c model.Conversation) (int, error) {
	if !c.IsDM() {
		return 0, apperr.Validation("read receipts exist only for direct messages")
	}
	if err := policy.Authorize(p, c, policy.ActionRead); err != nil {
		return 0, err
	}
	n, err := s.log.MarkRead(ctx, c, p.UserID)
	if err != nil {
		return 0, unavailable("messages.MarkDMRead", err)
	}
	if n > 0 {
		s.publish(c.MessagesTopic(), fanout.KindMessagesRead, "", model.ReadReceipt{Conversation: c.Key(), ReaderID: p.UserID, Count: n})
	}
	return n, nil
}

// Conversations: список DM пользователя, последние сверху, с именами собеседников.
func (s *MessageService) Conversations(ctx context.Context, p model.Principal) ([]model.DMThread, error) {
	if p.IsZero() {
		return nil, fmt.Errorf("conversations: %w", apperr.ErrUnauthenticated)
	}
	threads, err := s.log.Threads(ctx, p.UserID)
	if err != nil {
		return nil, unavailable("messages.Conversations", err)
	}
	for i := range threads {
		u, err := s.users.GetByID(ctx, threads[i].PeerID)
		if err != nil {
			if !errors.Is(err, storage.ErrNotFound) {
				logger.Errorf("conversations: peer %s: %v", threads[i].PeerID, err)
			}
			continue
		}
		threads[i].PeerName = u.DisplayName
	}
	return threads, nil
}

// Get возвращает сообщение, если вызывающий может читать его разговор.
func (s *MessageService) Get(ctx context.Context, p model.Principal, id int64) (model.Message, error) {
	m, err := s.log.Get(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return model.Message{}, fmt.Errorf("message %d: %w", id, apperr.ErrNotFound)
	}
	if err != nil {
		return model.Message{}, unavailable("messages.Get", err)
	}
	if err := policy.Authorize(p, m.Conversation, policy.ActionRead); err != nil {
		return model.Message{}, err
	}
	return m, nil
}
