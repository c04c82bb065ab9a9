package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/blinders/internal/apperr"
	"github.com/blinders/internal/fanout"
	"github.com/blinders/internal/logger"
	"github.com/blinders/internal/model"
	"github.com/blinders/internal/policy"
	"github.com/blinders/internal/storage"
)

const maxEmojiBytes = 16

type ReactionService struct {
	store storage.ReactionStore
	log   storage.MessageLog
	bus   Publisher
	now   func() time.Time
}

func NewReactionService(store storage.ReactionStore, log storage.MessageLog, bus Publisher) *ReactionService {
	return &ReactionService{store: store, log: log, bus: bus, now: time.Now}
}

func normalizeEmoji(emoji string) (string, error) {
	emoji = strings.TrimSpace(emoji)
	if emoji == "" || len(emoji) > maxEmojiBytes || !utf8.ValidString(emoji) {
		return "", apperr.Validation("emoji must be 1-16 bytes of valid UTF-8")
	}
	return emoji, nil
}

// message загружает сообщение и проверяет право чтения его разговора.
func (s *ReactionService) message(ctx context.Context, p model.Principal, id int64) (model.Message, error) {
	m, err := s.log.Get(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return model.Message{}, fmt.Errorf("message %d: %w", id, apperr.ErrNotFound)
	}
	if err != nil {
		return model.Message{}, unavailable("reactions", err)
	}
	if err := policy.Authorize(p, m.Conversation, policy.ActionRead); err != nil {
		return model.Message{}, err
	}
	return m, nil
}

// Add идемпотентен: повтор той же тройки считается успехом с created=false и без события.
func (s *ReactionService) Add(ctx context.Context, p model.Principal, messageID int64, emoji string) (model.Reaction, bool, error) {
	defer logger.DeferLogDuration("reactions.Add", time.Now())()
	emoji, err := normalizeEmoji(emoji)
	if err != nil {
		return model.Reaction{}, false, err
	}
	m, err := s.message(ctx, p, messageID)
	if err != nil {
		return model.Reaction{}, false, err
	}
	r := model.Reaction{MessageID: messageID, UserID: p.UserID, Emoji: emoji, CreatedAt: s.now().UTC().Truncate(time.Microsecond)}
	created, err := s.store.Add(ctx, r)
	if err != nil {
		return model.Reaction{}, false, unavailable("reactions.Add", err)
	}
	if created {
		s.publish(ctx, m, fanout.KindReactionAdded, r)
	}
	return r, created, nil
}

// Remove идемпотентен: для отсутствующей реакции возвращается removed=false.
func (s *ReactionService) Remove(ctx context.Context, p model.Principal, messageID int64, emoji string) (bool, error) {
	defer logger.DeferLogDuration("reactions.Remove", time.Now())()
	emoji, err := normalizeEmoji(emoji)
	if err != nil {
		return false, err
	}
	m, err := s.message(ctx, p, messageID)
	if err != nil {
		return false, err
	}
	removed, err := s.store.Remove(ctx, messageID, p.UserID, emoji)
	if err != nil {
		return false, unavailable("reactions.Remove", err)
	}
	if removed {
		s.publish(ctx, m, fanout.KindReactionRemoved, model.Reaction{MessageID: messageID, UserID: p.UserID, Emoji: emoji})
	}
	return removed, nil
}

func (s *ReactionService) publish(ctx context.Context, m model.Message, kind string, r model.Reaction) {
	if s.bus == nil {
		return
	}
	payload := model.ReactionUpdate{MessageID: m.ID, Conversation: m.Conversation.Key(), UserID: r.UserID, Emoji: r.Emoji}
	if groups, err := s.Groups(ctx, []int64{m.ID}); err == nil {
		payload.Groups = groups[m.ID]
	}
	ev, err := fanout.NewEvent(m.Conversation.ReactionsTopic(), kind, "", payload)
	if err != nil {
		logger.Errorf("reactions: encode %s: %v", kind, err)
		return
	}
	pctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := s.bus.Publish(pctx, ev); err != nil {
		logger.Errorf("reactions: publish %s for %s: %v", kind, strconv.FormatInt(m.ID, 10), err)
	}
}

// ForMessage: группы реакций одного сообщения для вызывающего с правом чтения.
func (s *ReactionService) ForMessage(ctx context.Context, p model.Principal, messageID int64) ([]model.ReactionGroup, error) {
	if _, err := s.message(ctx, p, messageID); err != nil {
		return nil, err
	}
	groups, err := s.Groups(ctx, []int64{messageID})
	if err != nil {
		return nil, err
	}
	if g := groups[messageID]; g != nil {
		return g, nil
	}
	return []model.ReactionGroup{}, nil
}

// Groups загружает и группирует реакции для набора сообщений.
func (s *ReactionService) Groups(ctx context.Context, ids []int64) (map[int64][]model.ReactionGroup, error) {
	byMsg, err := s.store.ListByMessages(ctx, ids)
	if err != nil {
		return nil, unavailable("reactions.Groups", err)
	}
	out := make(map[int64][]model.ReactionGroup, len(byMsg))
	for id, list := range byMsg {
		out[id] = GroupReactions(list)
	}
	return out, nil
}

// GroupReactions группирует реакции одного сообщения по emoji. Группы идут в порядке
// первой реакции, пользователи внутри группы по (created_at, порядок вставки).
func GroupReactions(rs []model.Reaction) []model.ReactionGroup {
	if len(rs) == 0 {
		return nil
	}
	sorted := make([]model.Reaction, len(rs))
	copy(sorted, rs)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].CreatedAt.Before(sorted[j].CreatedAt) })

	index := make(map[string]int)
	var groups []model.ReactionGroup
	for _, r := range sorted {
		i, ok := index[r.Emoji]
		if !ok {
			i = len(groups)
			index[r.Emoji] = i
			groups = append(groups, model.ReactionGroup{Emoji: r.Emoji})
		}
		groups[i].Users = append(groups[i].Users, r.UserID)
		groups[i].Count++
	}
	return groups
}
