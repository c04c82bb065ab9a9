// Package service содержит бизнес-логику: шлюз сессий, сообщения, реакции, пользователи.
// Сервисы получают model.Principal явно и возвращают ошибки из apperr.
package service

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/blinders/internal/apperr"
	"github.com/blinders/internal/logger"
	"github.com/blinders/internal/metrics"
	"github.com/blinders/internal/model"
	"github.com/blinders/internal/storage"
)

const (
	DefaultCredentialTTL     = 7 * 24 * time.Hour
	DefaultUnlockTTL         = 24 * time.Hour
	DefaultMaxUnlockAttempts = 3
	// last_seen и срок сессии обновляются не чаще раза в минуту
	touchInterval = time.Minute
)

var errWrongPasscode = fmt.Errorf("wrong passcode: %w", apperr.ErrLocked)

type GateConfig struct {
	JWTSecret         string
	CredentialTTL     time.Duration
	UnlockTTL         time.Duration
	PasscodeHash      string
	MaxUnlockAttempts int
}

func (c *GateConfig) defaults() {
	if c.CredentialTTL <= 0 {
		c.CredentialTTL = DefaultCredentialTTL
	}
	if c.UnlockTTL <= 0 {
		c.UnlockTTL = DefaultUnlockTTL
	}
	if c.MaxUnlockAttempts <= 0 {
		c.MaxUnlockAttempts = DefaultMaxUnlockAttempts
	}
}

// Gate реализует двухфакторный шлюз: долгоживущий JWT + короткий грант разблокировки по паскоду.
// Паскод общий на развёртывание: это замок экрана, а не граница безопасности.
type Gate struct {
	users    storage.UserStore
	sessions storage.SessionStore
	store    storage.GateStore
	tokens   tokenIssuer
	cfg      GateConfig
	now      func() time.Time
}

func NewGate(users storage.UserStore, sessions storage.SessionStore, store storage.GateStore, cfg GateConfig) *Gate {
	cfg.defaults()
	return &Gate{
		users:    users,
		sessions: sessions,
		store:    store,
		tokens:   tokenIssuer{key: []byte(cfg.JWTSecret)},
		cfg:      cfg,
		now:      time.Now,
	}
}

// SetClock подменяет часы (тесты сроков).
func (g *Gate) SetClock(now func() time.Time) { g.now = now }

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, apperr.ErrStoreUnavailable, err)
}

type LoginResult struct {
	Token     string           `json:"token"`
	ExpiresAt time.Time        `json:"expires_at"`
	User      model.UserPublic `json:"user"`
}

// Login проверяет blinders id и пароль, создаёт сессию и выдаёт JWT. Грант разблокировки не выдаётся.
func (g *Gate) Login(ctx context.Context, blindersID, password string) (*LoginResult, error) {
	blindersID = strings.ToUpper(strings.TrimSpace(blindersID))
	if blindersID == "" || password == "" {
		return nil, apperr.Validation("blinders id and password required")
	}
	u, err := g.users.GetByBlindersID(ctx, blindersID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("login %s: %w", blindersID, apperr.ErrUnauthenticated)
	}
	if err != nil {
		return nil, unavailable("gate.Login", err)
	}
	if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) != nil {
		return nil, fmt.Errorf("login %s: %w", blindersID, apperr.ErrUnauthenticated)
	}
	if !u.IsActive {
		return nil, fmt.Errorf("account deactivated: %w", apperr.ErrForbidden)
	}
	now := g.now().UTC()
	sess := &model.Session{
		ID:         uuid.NewString(),
		UserID:     u.ID,
		ExpiresAt:  now.Add(g.cfg.CredentialTTL),
		LastSeenAt: now,
		CreatedAt:  now,
	}
	if err := g.sessions.Create(ctx, sess); err != nil {
		return nil, unavailable("gate.Login", err)
	}
	token, err := g.tokens.issue(u.ID, sess.ID, now)
	if err != nil {
		return nil, fmt.Errorf("gate.Login sign: %w", err)
	}
	if err := g.users.TouchLastSeen(ctx, u.ID, now); err != nil {
		logger.Errorf("gate.Login: touch last seen user=%s: %v", u.ID, err)
	}
	logger.Infof("login: user=%s session=%s", u.BlindersID, maskID(sess.ID))
	return &LoginResult{Token: token, ExpiresAt: sess.ExpiresAt, User: u.ToPublic()}, nil
}

// Authenticate проверяет только credential (без гранта): нужен для unlock, logout и refresh.
func (g *Gate) Authenticate(ctx context.Context, credential string) (model.Principal, error) {
	p, _, err := g.authenticate(ctx, credential)
	return p, err
}

func (g *Gate) authenticate(ctx context.Context, credential string) (model.Principal, *model.Session, error) {
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return model.Principal{}, nil, fmt.Errorf("no credential: %w", apperr.ErrUnauthenticated)
	}
	now := g.now()
	claims, err := g.tokens.parse(credential, now)
	if err != nil {
		return model.Principal{}, nil, fmt.Errorf("%v: %w", err, apperr.ErrUnauthenticated)
	}
	sess, err := g.sessions.GetByID(ctx, claims.SessionID)
	if errors.Is(err, storage.ErrNotFound) {
		return model.Principal{}, nil, fmt.Errorf("session not found: %w", apperr.ErrUnauthenticated)
	}
	if err != nil {
		return model.Principal{}, nil, unavailable("gate.Authenticate", err)
	}
	if sess.UserID != claims.UserID || !sess.Active(now) {
		return model.Principal{}, nil, fmt.Errorf("session %s inactive: %w", maskID(sess.ID), apperr.ErrUnauthenticated)
	}
	u, err := g.users.GetByID(ctx, sess.UserID)
	if errors.Is(err, storage.ErrNotFound) {
		return model.Principal{}, nil, fmt.Errorf("user not found: %w", apperr.ErrUnauthenticated)
	}
	if err != nil {
		return model.Principal{}, nil, unavailable("gate.Authenticate", err)
	}
	if !u.IsActive {
		return model.Principal{}, nil, fmt.Errorf("user %s inactive: %w", u.BlindersID, apperr.ErrUnauthenticated)
	}
	if now.Sub(sess.LastSeenAt) >= touchInterval {
		g.touch(ctx, sess, now)
	}
	return model.Principal{UserID: u.ID, Role: u.Role, DisplayName: u.DisplayName, SessionID: sess.ID}, sess, nil
}

// touch продлевает сессию (скользящие 7 дней) и last_seen; ошибки только логируются.
func (g *Gate) touch(ctx context.Context, sess *model.Session, now time.Time) {
	now = now.UTC()
	if err := g.sessions.Extend(ctx, sess.ID, now.Add(g.cfg.CredentialTTL), now); err != nil {
		logger.Errorf("gate: extend session=%s: %v", maskID(sess.ID), err)
	}
	if err := g.users.TouchLastSeen(ctx, sess.UserID, now); err != nil {
		logger.Errorf("gate: touch last seen user=%s: %v", sess.UserID, err)
	}
}

// Authorize выполняет полную проверку: credential и действующий грант разблокировки.
// Без гранта возвращает ErrLocked, чтобы клиент показал экран паскода, а не форму входа.
func (g *Gate) Authorize(ctx context.Context, credential, unlockGrant string) (model.Principal, error) {
	p, err := g.Authenticate(ctx, credential)
	if err != nil {
		return model.Principal{}, err
	}
	ok, err := g.store.CheckUnlockGrant(ctx, p.SessionID, strings.TrimSpace(unlockGrant))
	if err != nil {
		return model.Principal{}, unavailable("gate.Authorize", err)
	}
	if !ok {
		return model.Principal{}, fmt.Errorf("no unlock grant: %w", apperr.ErrLocked)
	}
	return p, nil
}

type UnlockResult struct {
	Grant     string    `json:"unlock_grant"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Unlock сверяет паскод. После MaxUnlockAttempts неудач подряд сессия отзывается
// и возвращается ErrUnauthenticated, как для неверного credential.
func (g *Gate) Unlock(ctx context.Context, credential, passcode string) (*UnlockResult, error) {
	p, err := g.Authenticate(ctx, credential)
	if err != nil {
		return nil, err
	}
	if g.cfg.PasscodeHash != "" && passcode != "" &&
		bcrypt.CompareHashAndPassword([]byte(g.cfg.PasscodeHash), []byte(passcode)) == nil {
		return g.grant(ctx, p)
	}

	metrics.UnlockFailures.Inc()
	n, err := g.store.IncrUnlockFailures(ctx, p.SessionID, g.cfg.UnlockTTL)
	if err != nil {
		return nil, unavailable("gate.Unlock", err)
	}
	if n < g.cfg.MaxUnlockAttempts {
		logger.Infof("unlock: wrong passcode session=%s attempt=%d", maskID(p.SessionID), n)
		return nil, errWrongPasscode
	}
	logger.Infof("unlock: %d failures, revoking session=%s", n, maskID(p.SessionID))
	if _, err := g.sessions.Revoke(ctx, p.SessionID); err != nil {
		return nil, unavailable("gate.Unlock revoke", err)
	}
	if err := g.store.ResetUnlockFailures(ctx, p.SessionID); err != nil {
		logger.Errorf("unlock: reset failures session=%s: %v", maskID(p.SessionID), err)
	}
	if err := g.store.DeleteUnlockGrant(ctx, p.SessionID); err != nil {
		logger.Errorf("unlock: delete grant session=%s: %v", maskID(p.SessionID), err)
	}
	return nil, fmt.Errorf("too many unlock attempts: %w", apperr.ErrUnauthenticated)
}

func (g *Gate) grant(ctx context.Context, p model.Principal) (*UnlockResult, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("gate.Unlock rand: %w", err)
	}
	grant := base64.RawURLEncoding.EncodeToString(buf)
	if err := g.store.SetUnlockGrant(ctx, p.SessionID, grant, g.cfg.UnlockTTL); err != nil {
		return nil, unavailable("gate.Unlock", err)
	}
	if err := g.store.ResetUnlockFailures(ctx, p.SessionID); err != nil {
		logger.Errorf("unlock: reset failures session=%s: %v", maskID(p.SessionID), err)
	}
	return &UnlockResult{Grant: grant, ExpiresAt: g.now().UTC().Add(g.cfg.UnlockTTL)}, nil
}

// Logout отзывает сессию и стирает грант. Повторный вызов не ошибка.
func (g *Gate) Logout(ctx context.Context, sessionID string) error {
	if _, err := g.sessions.Revoke(ctx, sessionID); err != nil {
		return unavailable("gate.Logout", err)
	}
	if err := g.store.DeleteUnlockGrant(ctx, sessionID); err != nil {
		logger.Errorf("logout: delete grant session=%s: %v", maskID(sessionID), err)
	}
	if err := g.store.ResetUnlockFailures(ctx, sessionID); err != nil {
		logger.Errorf("logout: reset failures session=%s: %v", maskID(sessionID), err)
	}
	return nil
}

// Refresh продлевает сессию на полный срок и возвращает тот же токен с новым сроком.
// Перевыпуск не нужен: в JWT нет exp, его действие ограничивает только сессия.
func (g *Gate) Refresh(ctx context.Context, credential string) (*LoginResult, error) {
	p, sess, err := g.authenticate(ctx, credential)
	if err != nil {
		return nil, err
	}
	u, err := g.users.GetByID(ctx, p.UserID)
	if err != nil {
		return nil, unavailable("gate.Refresh", err)
	}
	now := g.now().UTC()
	exp := now.Add(g.cfg.CredentialTTL)
	if err := g.sessions.Extend(ctx, sess.ID, exp, now); err != nil {
		return nil, unavailable("gate.Refresh", err)
	}
	return &LoginResult{Token: strings.TrimSpace(credential), ExpiresAt: exp, User: u.ToPublic()}, nil
}

// RevokeUser отзывает все сессии пользователя (деактивация).
func (g *Gate) RevokeUser(ctx context.Context, userID string) error {
	ids, err := g.sessions.RevokeByUserID(ctx, userID)
	if err != nil {
		return unavailable("gate.RevokeUser", err)
	}
	for _, id := range ids {
		if err := g.store.DeleteUnlockGrant(ctx, id); err != nil {
			logger.Errorf("revoke user: delete grant session=%s: %v", maskID(id), err)
		}
	}
	return nil
}

func maskID(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= 4 {
		return "****"
	}
	return s[:4] + "***"
}
