package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/blinders/internal/apperr"
	"github.com/blinders/internal/logger"
	"github.com/blinders/internal/model"
	"github.com/blinders/internal/storage"
)

var ErrNotFound = storage.ErrNotFound

const userCols = `id, blinders_id, display_name, role, is_active, avatar_url, password_hash, last_seen_at, created_at`

type UserRepository struct {
	pool *pgxpool.Pool
}

func NewUserRepository(pool *pgxpool.Pool) *UserRepository {
	return &UserRepository{pool: pool}
}

// scanUser сканирует строку в model.User (порядок соответствует userCols).
func scanUser(s interface{ Scan(dest ...any) error }, u *model.User) error {
	var role string
	if err := s.Scan(&u.ID, &u.BlindersID, &u.DisplayName, &role, &u.IsActive, &u.AvatarURL, &u.PasswordHash, &u.LastSeenAt, &u.CreatedAt); err != nil {
		return err
	}
	u.Role = model.Role(role)
	return nil
}

func (r *UserRepository) Create(ctx context.Context, u *model.User) error {
	defer logger.DeferLogDuration("user.Create", time.Now())()
	_, err := r.pool.Exec(ctx,
		`INSERT INTO users (`+userCols+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		u.ID, u.BlindersID, u.DisplayName, string(u.Role), u.IsActive, u.AvatarURL, u.PasswordHash, u.LastSeenAt, u.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("userRepo.Create: %w", apperr.ErrConflict)
		}
		return fmt.Errorf("userRepo.Create: %w", err)
	}
	return nil
}

func (r *UserRepository) getBy(ctx context.Context, op, where string, arg any) (*model.User, error) {
	u := &model.User{}
	row := r.pool.QueryRow(ctx, `SELECT `+userCols+` FROM users WHERE `+where+` = $1`, arg)
	if err := scanUser(row, u); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("userRepo.%s: %w", op, err)
	}
	return u, nil
}

func (r *UserRepository) GetByID(ctx context.Context, id string) (*model.User, error) {
	defer logger.DeferLogDuration("user.GetByID", time.Now())()
	return r.getBy(ctx, "GetByID", "id", id)
}

func (r *UserRepository) GetByBlindersID(ctx context.Context, blindersID string) (*model.User, error) {
	defer logger.DeferLogDuration("user.GetByBlindersID", time.Now())()
	return r.getBy(ctx, "GetByBlindersID", "blinders_id", blindersID)
}

func (r *UserRepository) List(ctx context.Context, limit int) ([]model.User, error) {
	defer logger.DeferLogDuration("user.List", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT `+userCols+` FROM users ORDER BY display_name, id LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("userRepo.List: %w", err)
	}
	defer rows.Close()
	users := make([]model.User, 0, limit)
	for rows.Next() {
		var u model.User
		if err := scanUser(rows, &u); err != nil {
			return nil, fmt.Errorf("userRepo.List scan: %w", err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("userRepo.List rows: %w", err)
	}
	return users, nil
}

func (r *UserRepository) NextBlindersSeq(ctx context.Context) (int64, error) {
	var n int64
	if err := r.pool.QueryRow(ctx, `SELECT nextval('blinders_id_seq')`).Scan(&n); err != nil {
		return 0, fmt.Errorf("userRepo.NextBlindersSeq: %w", err)
	}
	return n, nil
}

// exec выполняет UPDATE одной строки; ноль затронутых строк: ErrNotFound.
func (r *UserRepository) exec(ctx context.Context, op, sql string, args ...any) error {
	defer logger.DeferLogDuration("user."+op, time.Now())()
	tag, err := r.pool.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("userRepo.%s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *UserRepository) SetRole(ctx context.Context, id string, role model.Role) error {
	return r.exec(ctx, "SetRole", `UPDATE users SET role = $1 WHERE id = $2`, string(role), id)
}

func (r *UserRepository) SetActive(ctx context.Context, id string, active bool) error {
	return r.exec(ctx, "SetActive", `UPDATE users SET is_active = $1 WHERE id = $2`, active, id)
}

func (r *UserRepository) SetPasswordHash(ctx context.Context, id, hash string) error {
	return r.exec(ctx, "SetPasswordHash", `UPDATE users SET password_hash = $1 WHERE id = $2`, hash, id)
}

func (r *UserRepository) SetAvatar(ctx context.Context, id, url string) error {
	return r.exec(ctx, "SetAvatar", `UPDATE users SET avatar_url = $1 WHERE id = $2`, url, id)
}

func (r *UserRepository) TouchLastSeen(ctx context.Context, id string, at time.Time) error {
	return r.exec(ctx, "TouchLastSeen", `UPDATE users SET last_seen_at = $1 WHERE id = $2`, at, id)
}
