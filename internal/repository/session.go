package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/blinders/internal/logger"
	"github.com/blinders/internal/model"
)

type SessionRepository struct {
	pool *pgxpool.Pool
}

func NewSessionRepository(pool *pgxpool.Pool) *SessionRepository {
	return &SessionRepository{pool: pool}
}

func (r *SessionRepository) Create(ctx context.Context, s *model.Session) error {
	defer logger.DeferLogDuration("session.Create", time.Now())()
	_, err := r.pool.Exec(ctx,
		`INSERT INTO sessions (id, user_id, expires_at, last_seen_at, created_at, revoked_at)
		 VALUES ($1, $2, $3, $4, $5, NULL)`,
		s.ID, s.UserID, s.ExpiresAt, s.LastSeenAt, s.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("sessionRepo.Create: %w", err)
	}
	return nil
}

// GetByID возвращает сессию и отозванную тоже: гейт отличает отозванную от истёкшей только в логах.
func (r *SessionRepository) GetByID(ctx context.Context, id string) (*model.Session, error) {
	defer logger.DeferLogDuration("session.GetByID", time.Now())()
	s := &model.Session{}
	row := r.pool.QueryRow(ctx,
		`SELECT id, user_id, expires_at, last_seen_at, created_at, revoked_at
		 FROM sessions WHERE id = $1`, id)
	err := row.Scan(&s.ID, &s.UserID, &s.ExpiresAt, &s.LastSeenAt, &s.CreatedAt, &s.RevokedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("sessionRepo.GetByID: %w", err)
	}
	return s, nil
}

// Extend сдвигает срок действия (скользящие 7 дней) и last_seen_at.
func (r *SessionRepository) Extend(ctx context.Context, id string, expiresAt, seenAt time.Time) error {
	defer logger.DeferLogDuration("session.Extend", time.Now())()
	tag, err := r.pool.Exec(ctx,
		`UPDATE sessions SET expires_at = $1, last_seen_at = $2 WHERE id = $3 AND revoked_at IS NULL`,
		expiresAt, seenAt, id)
	if err != nil {
		return fmt.Errorf("sessionRepo.Extend: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Revoke помечает сессию отозванной и стирает грант разблокировки.
func (r *SessionRepository) Revoke(ctx context.Context, id string) (bool, error) {
	defer logger.DeferLogDuration("session.Revoke", time.Now())()
	tag, err := r.pool.Exec(ctx,
		`UPDATE sessions SET revoked_at = NOW(), unlock_grant = NULL, unlock_expires_at = NULL
		 WHERE id = $1 AND revoked_at IS NULL`, id)
	if err != nil {
		return false, fmt.Errorf("sessionRepo.Revoke: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// RevokeByUserID отзывает все сессии пользователя. Возвращает их id для очистки грантов в Redis.
func (r *SessionRepository) RevokeByUserID(ctx context.Context, userID string) ([]string, error) {
	defer logger.DeferLogDuration("session.RevokeByUserID", time.Now())()
	rows, err := r.pool.Query(ctx,
		`UPDATE sessions SET revoked_at = NOW(), unlock_grant = NULL, unlock_expires_at = NULL
		 WHERE user_id = $1 AND revoked_at IS NULL
		 RETURNING id`, userID)
	if err != nil {
		return nil, fmt.Errorf("sessionRepo.RevokeByUserID: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("sessionRepo.RevokeByUserID: %w", err)
	}
	return ids, nil
}

// SetUnlockGrant сохраняет грант разблокировки в строке сессии (режим -dev без Redis).
func (r *SessionRepository) SetUnlockGrant(ctx context.Context, sessionID, grant string, expiresAt time.Time) error {
	defer logger.DeferLogDuration("session.SetUnlockGrant", time.Now())()
	_, err := r.pool.Exec(ctx,
		`UPDATE sessions SET unlock_grant = $1, unlock_expires_at = $2 WHERE id = $3 AND revoked_at IS NULL`,
		grant, expiresAt, sessionID)
	return err
}

// GetUnlockGrant возвращает действующий грант или пустую строку.
func (r *SessionRepository) GetUnlockGrant(ctx context.Context, sessionID string, now time.Time) (string, error) {
	defer logger.DeferLogDuration("session.GetUnlockGrant", time.Now())()
	var grant *string
	err := r.pool.QueryRow(ctx,
		`SELECT unlock_grant FROM sessions
		 WHERE id = $1 AND revoked_at IS NULL AND unlock_expires_at > $2`, sessionID, now).Scan(&grant)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil
		}
		return "", err
	}
	if grant == nil {
		return "", nil
	}
	return *grant, nil
}

func (r *SessionRepository) ClearUnlockGrant(ctx context.Context, sessionID string) error {
	defer logger.DeferLogDuration("session.ClearUnlockGrant", time.Now())()
	_, err := r.pool.Exec(ctx, `UPDATE sessions SET unlock_grant = NULL, unlock_expires_at = NULL WHERE id = $1`, sessionID)
	return err
}
