package model

import (
	"strings"
	"time"
)

// Role определяет права публикации в каналах. Меняется только администратором.
type Role string

const (
	RoleAdmin        Role = "admin"
	RolePresident    Role = "president"
	RoleChiefMember  Role = "chief_member"
	RoleSeniorMember Role = "senior_member"
	RoleMember       Role = "member"
)

// ParseRole принимает "god" как синоним admin.
func ParseRole(s string) (Role, bool) {
	switch r := Role(strings.ToLower(strings.TrimSpace(s))); r {
	case RoleAdmin, RolePresident, RoleChiefMember, RoleSeniorMember, RoleMember:
		return r, true
	case "god":
		return RoleAdmin, true
	}
	return "", false
}

func (r Role) IsAdmin() bool { return r == RoleAdmin }

type User struct {
	ID           string    `json:"id"`
	BlindersID   string    `json:"blinders_id"`
	DisplayName  string    `json:"display_name"`
	Role         Role      `json:"role"`
	IsActive     bool      `json:"is_active"`
	AvatarURL    string    `json:"avatar_url"`
	PasswordHash string    `json:"-"`
	LastSeenAt   time.Time `json:"last_seen_at"`
	CreatedAt    time.Time `json:"created_at"`
}

type UserPublic struct {
	ID          string    `json:"id"`
	BlindersID  string    `json:"blinders_id"`
	DisplayName string    `json:"display_name"`
	Role        Role      `json:"role"`
	IsActive    bool      `json:"is_active"`
	AvatarURL   string    `json:"avatar_url"`
	LastSeenAt  time.Time `json:"last_seen_at"`
}

func (u *User) ToPublic() UserPublic {
	return UserPublic{
		ID:          u.ID,
		BlindersID:  u.BlindersID,
		DisplayName: u.DisplayName,
		Role:        u.Role,
		IsActive:    u.IsActive,
		AvatarURL:   u.AvatarURL,
		LastSeenAt:  u.LastSeenAt,
	}
}
