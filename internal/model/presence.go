package model

import "time"

type PresenceKind string

const (
	PresenceOnline  PresenceKind = "online"
	PresenceTyping  PresenceKind = "typing"
	PresenceSending PresenceKind = "sending"
)

// PresenceRecord is ephemeral and never persisted.
type PresenceRecord struct {
	Topic         string       `json:"topic"`
	UserID        string       `json:"user_id"`
	DisplayName   string       `json:"display_name"`
	Kind          PresenceKind `json:"kind"`
	LastHeartbeat time.Time    `json:"last_heartbeat"`
	// ExpiresAt is set for typing and sending: the indicator ends then unless renewed.
	ExpiresAt time.Time `json:"expires_at,omitzero"`
}
