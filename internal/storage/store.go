// Package storage описывает хранилища, которые сервисы получают через интерфейсы.
// Реализации: repository (Postgres), storage/scylla (лог сообщений), storage/redis
// (гейт), storage/memory (тесты и -dev без внешних сервисов).
package storage

import (
	"context"
	"time"

	"github.com/blinders/internal/apperr"
	"github.com/blinders/internal/model"
)

// ErrNotFound совпадает с apperr.ErrNotFound, чтобы обработчики отдавали 404 без перевода ошибок.
var ErrNotFound = apperr.ErrNotFound

// GateStore хранит короткоживущее состояние шлюза: гранты разблокировки и счётчики неудачных попыток.
type GateStore interface {
	SetUnlockGrant(ctx context.Context, sessionID, grant string, ttl time.Duration) error
	// CheckUnlockGrant возвращает false для неизвестного, чужого или истёкшего гранта.
	CheckUnlockGrant(ctx context.Context, sessionID, grant string) (bool, error)
	DeleteUnlockGrant(ctx context.Context, sessionID string) error
	// IncrUnlockFailures возвращает число подряд идущих неудач, включая текущую.
	IncrUnlockFailures(ctx context.Context, sessionID string, window time.Duration) (int, error)
	ResetUnlockFailures(ctx context.Context, sessionID string) error
	Close() error
}

// MessageLog хранит durable лог сообщений. Append атомарен: сообщение либо записано целиком, либо нет.
type MessageLog interface {
	Append(ctx context.Context, m model.Message) error
	// Range возвращает сообщения строго после курсора по возрастанию (created_at, id).
	Range(ctx context.Context, c model.Conversation, after model.Cursor, limit int) ([]model.Message, error)
	Get(ctx context.Context, id int64) (model.Message, error)
	// MarkRead помечает прочитанными сообщения DM, адресованные readerID.
	MarkRead(ctx context.Context, c model.Conversation, readerID string) (int, error)
	// Threads возвращает DM пользователя, последние сверху.
	Threads(ctx context.Context, userID string) ([]model.DMThread, error)
}

type ReactionStore interface {
	// Add возвращает false, если такая тройка уже есть.
	Add(ctx context.Context, r model.Reaction) (bool, error)
	Remove(ctx context.Context, messageID int64, userID, emoji string) (bool, error)
	// ListByMessages возвращает реакции в порядке добавления.
	ListByMessages(ctx context.Context, ids []int64) (map[int64][]model.Reaction, error)
}

type UserStore interface {
	Create(ctx context.Context, u *model.User) error
	GetByID(ctx context.Context, id string) (*model.User, error)
	GetByBlindersID(ctx context.Context, blindersID string) (*model.User, error)
	List(ctx context.Context, limit int) ([]model.User, error)
	// NextBlindersSeq выдаёт следующий номер для BLD-xxxx.
	NextBlindersSeq(ctx context.Context) (int64, error)
	SetRole(ctx context.Context, id string, role model.Role) error
	SetActive(ctx context.Context, id string, active bool) error
	SetPasswordHash(ctx context.Context, id, hash string) error
	SetAvatar(ctx context.Context, id, url string) error
	TouchLastSeen(ctx context.Context, id string, at time.Time) error
}

type SessionStore interface {
	Create(ctx context.Context, s *model.Session) error
	// GetByID возвращает и отозванные сессии; активность проверяет вызывающий.
	GetByID(ctx context.Context, id string) (*model.Session, error)
	Extend(ctx context.Context, id string, expiresAt, seenAt time.Time) error
	Revoke(ctx context.Context, id string) (bool, error)
	RevokeByUserID(ctx context.Context, userID string) ([]string, error)
}

// PushSubscription: подписка браузера на web push.
type PushSubscription struct {
	Endpoint string `json:"endpoint"`
	P256dh   string `json:"p256dh"`
	Auth     string `json:"auth"`
}

type PushStore interface {
	SavePushSubscription(ctx context.Context, userID string, sub PushSubscription) error
	ListPushSubscriptions(ctx context.Context, userID string) ([]PushSubscription, error)
	DeletePushSubscription(ctx context.Context, userID, endpoint string) error
}
