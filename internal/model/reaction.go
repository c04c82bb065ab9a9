package model

import "time"

type Reaction struct {
	MessageID int64     `json:"message_id,string"`
	UserID    string    `json:"user_id"`
	Emoji     string    `json:"emoji"`
	CreatedAt time.Time `json:"created_at"`
}

// ReactionGroup is the display aggregate for one emoji on one message.
type ReactionGroup struct {
	Emoji string   `json:"emoji"`
	Count int      `json:"count"`
	Users []string `json:"users"` // user IDs in reaction order
}

// ReactionUpdate is the realtime payload for a reaction change. Groups is the
// message's full aggregate after the change, so receivers replace rather than patch.
type ReactionUpdate struct {
	MessageID    int64           `json:"message_id,string"`
	Conversation string          `json:"conversation"`
	UserID       string          `json:"user_id"`
	Emoji        string          `json:"emoji"`
	Groups       []ReactionGroup `json:"groups"`
}
