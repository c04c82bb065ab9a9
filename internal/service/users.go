package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/blinders/internal/apperr"
	"github.com/blinders/internal/logger"
	"github.com/blinders/internal/model"
	"github.com/blinders/internal/storage"
)

const (
	minPasswordLen    = 6
	maxDisplayNameLen = 64
	defaultUserLimit  = 200
)

// UserService: администрирование пользователей и собственный профиль.
type UserService struct {
	users storage.UserStore
	gate  *Gate
}

func NewUserService(users storage.UserStore, gate *Gate) *UserService {
	return &UserService{users: users, gate: gate}
}

func requireAdmin(p model.Principal) error {
	if !p.Role.IsAdmin() {
		return fmt.Errorf("admin only: %w", apperr.ErrForbidden)
	}
	return nil
}

func hashPassword(password string) (string, error) {
	if utf8.RuneCountInString(password) < minPasswordLen {
		return "", apperr.Validation(fmt.Sprintf("password must be at least %d characters", minPasswordLen))
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

type CreateUserRequest struct {
	DisplayName string     `json:"display_name"`
	Password    string     `json:"password"`
	Role        model.Role `json:"role"`
}

// CreateUser создаёт пользователя с выданным blinders id вида BLD-0001.
func (s *UserService) CreateUser(ctx context.Context, admin model.Principal, req CreateUserRequest) (*model.User, error) {
	if err := requireAdmin(admin); err != nil {
		return nil, err
	}
	return s.create(ctx, "", req)
}

func (s *UserService) create(ctx context.Context, blindersID string, req CreateUserRequest) (*model.User, error) {
	name := strings.TrimSpace(req.DisplayName)
	if name == "" || utf8.RuneCountInString(name) > maxDisplayNameLen {
		return nil, apperr.Validation("display name must be 1-64 characters")
	}
	role := model.RoleMember
	if req.Role != "" {
		r, ok := model.ParseRole(string(req.Role))
		if !ok {
			return nil, apperr.Validation("unknown role")
		}
		role = r
	}
	hash, err := hashPassword(req.Password)
	if err != nil {
		return nil, err
	}
	if blindersID == "" {
		n, err := s.users.NextBlindersSeq(ctx)
		if err != nil {
			return nil, unavailable("users.Create", err)
		}
		blindersID = fmt.Sprintf("BLD-%04d", n)
	}
	now := time.Now().UTC()
	u := &model.User{
		ID:           uuid.NewString(),
		BlindersID:   blindersID,
		DisplayName:  name,
		Role:         role,
		IsActive:     true,
		PasswordHash: hash,
		LastSeenAt:   now,
		CreatedAt:    now,
	}
	if err := s.users.Create(ctx, u); err != nil {
		if errors.Is(err, apperr.ErrConflict) {
			return nil, err
		}
		return nil, unavailable("users.Create", err)
	}
	logger.Infof("users: created %s role=%s", u.BlindersID, u.Role)
	return u, nil
}

// EnsureAdmin создаёт администратора с заданным blinders id, если его ещё нет (первый запуск).
func (s *UserService) EnsureAdmin(ctx context.Context, blindersID, displayName, password string) error {
	blindersID = strings.ToUpper(strings.TrimSpace(blindersID))
	if blindersID == "" || password == "" {
		return nil
	}
	_, err := s.users.GetByBlindersID(ctx, blindersID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return unavailable("users.EnsureAdmin", err)
	}
	if displayName == "" {
		displayName = "Administrator"
	}
	_, err = s.create(ctx, blindersID, CreateUserRequest{DisplayName: displayName, Password: password, Role: model.RoleAdmin})
	return err
}

func (s *UserService) get(ctx context.Context, id string) (*model.User, error) {
	u, err := s.users.GetByID(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("user %s: %w", id, apperr.ErrNotFound)
	}
	if err != nil {
		return nil, unavailable("users.Get", err)
	}
	return u, nil
}

func (s *UserService) Me(ctx context.Context, p model.Principal) (*model.User, error) {
	return s.get(ctx, p.UserID)
}

func (s *UserService) List(ctx context.Context, p model.Principal) ([]model.UserPublic, error) {
	if p.IsZero() {
		return nil, apperr.ErrUnauthenticated
	}
	users, err := s.users.List(ctx, defaultUserLimit)
	if err != nil {
		return nil, unavailable("users.List", err)
	}
	out := make([]model.UserPublic, 0, len(users))
	for i := range users {
		// деактивированных видит только администратор
		if !users[i].IsActive && !p.Role.IsAdmin() {
			continue
		}
		out = append(out, users[i].ToPublic())
	}
	return out, nil
}

func (s *UserService) SetRole(ctx context.Context, admin model.Principal, id string, role string) error {
	if err := requireAdmin(admin); err != nil {
		return err
	}
	r, ok := model.ParseRole(role)
	if !ok {
		return apperr.Validation("unknown role")
	}
	if id == admin.UserID && r != model.RoleAdmin {
		return apperr.Validation("admin cannot demote themselves")
	}
	if err := s.users.SetRole(ctx, id, r); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("user %s: %w", id, apperr.ErrNotFound)
		}
		return unavailable("users.SetRole", err)
	}
	return nil
}

// SetActive: деактивация отзывает все сессии пользователя.
func (s *UserService) SetActive(ctx context.Context, admin model.Principal, id string, active bool) error {
	if err := requireAdmin(admin); err != nil {
		return err
	}
	if id == admin.UserID && !active {
		return apperr.Validation("admin cannot deactivate themselves")
	}
	if err := s.users.SetActive(ctx, id, active); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("user %s: %w", id, apperr.ErrNotFound)
		}
		return unavailable("users.SetActive", err)
	}
	if !active && s.gate != nil {
		return s.gate.RevokeUser(ctx, id)
	}
	return nil
}

func (s *UserService) ChangePassword(ctx context.Context, p model.Principal, oldPassword, newPassword string) error {
	u, err := s.get(ctx, p.UserID)
	if err != nil {
		return err
	}
	if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(oldPassword)) != nil {
		return apperr.Validation("current password is wrong")
	}
	hash, err := hashPassword(newPassword)
	if err != nil {
		return err
	}
	if err := s.users.SetPasswordHash(ctx, p.UserID, hash); err != nil {
		return unavailable("users.ChangePassword", err)
	}
	return nil
}

func (s *UserService) SetAvatar(ctx context.Context, p model.Principal, url string) error {
	if err := s.users.SetAvatar(ctx, p.UserID, strings.TrimSpace(url)); err != nil {
		return unavailable("users.SetAvatar", err)
	}
	return nil
}
