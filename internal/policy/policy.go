// Package policy decides who may read and post in a conversation.
// Static table plus the DM participancy check; no state.
package policy

import (
	"fmt"

	"github.com/blinders/internal/apperr"
	"github.com/blinders/internal/model"
)

type Action string

const (
	ActionRead Action = "read"
	ActionPost Action = "post"
)

type rule struct {
	adminPost  bool
	memberPost bool
}

var channelRules = map[model.Channel]rule{
	model.ChannelAnnouncements: {adminPost: true, memberPost: false},
	model.ChannelProfessional:  {adminPost: true, memberPost: true},
	model.ChannelStudy:         {adminPost: true, memberPost: true},
}

func CanRead(p model.Principal, c model.Conversation) bool {
	if p.IsZero() {
		return false
	}
	if c.IsDM() {
		return c.HasParticipant(p.UserID)
	}
	_, ok := channelRules[c.Channel]
	return ok
}

func CanPost(p model.Principal, c model.Conversation) bool {
	if p.IsZero() {
		return false
	}
	if c.IsDM() {
		return c.HasParticipant(p.UserID)
	}
	r, ok := channelRules[c.Channel]
	if !ok {
		return false
	}
	if p.Role.IsAdmin() {
		return r.adminPost
	}
	return r.memberPost
}

// Authorize returns apperr.ErrForbidden when the action is denied.
func Authorize(p model.Principal, c model.Conversation, a Action) error {
	allowed := false
	switch a {
	case ActionRead:
		allowed = CanRead(p, c)
	case ActionPost:
		allowed = CanPost(p, c)
	}
	if !allowed {
		return fmt.Errorf("%s %s: %w", a, c.Key(), apperr.ErrForbidden)
	}
	return nil
}

// ChannelAccess is one row of the listing shown to a user.
type ChannelAccess struct {
	Channel model.Channel `json:"channel"`
	CanRead bool          `json:"can_read"`
	CanPost bool          `json:"can_post"`
}

func Channels(p model.Principal) []ChannelAccess {
	out := make([]ChannelAccess, 0, len(model.StaticChannels))
	for _, ch := range model.StaticChannels {
		c := model.ChannelConversation(ch)
		out = append(out, ChannelAccess{Channel: ch, CanRead: CanRead(p, c), CanPost: CanPost(p, c)})
	}
	return out
}
