package model

import "time"

// Session is the long-lived credential row. The unlock grant lives apart from it
// in the gate store and has its own, shorter TTL.
type Session struct {
	ID         string     `json:"id"`
	UserID     string     `json:"user_id"`
	ExpiresAt  time.Time  `json:"expires_at"`
	LastSeenAt time.Time  `json:"last_seen_at"`
	CreatedAt  time.Time  `json:"created_at"`
	RevokedAt  *time.Time `json:"revoked_at,omitempty"`
}

func (s *Session) Active(now time.Time) bool {
	return s.RevokedAt == nil && now.Before(s.ExpiresAt)
}

// Principal is the caller identity produced by the session gate. It is passed
// explicitly to every service call and chat view.
type Principal struct {
	UserID      string `json:"user_id"`
	Role        Role   `json:"role"`
	DisplayName string `json:"display_name"`
	SessionID   string `json:"-"`
}

func (p Principal) IsZero() bool { return p.UserID == "" }
