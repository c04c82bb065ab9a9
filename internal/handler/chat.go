package handler

import (
	"net/http"

	"github.com/blinders/internal/model"
	"github.com/blinders/internal/policy"
	"github.com/blinders/internal/presence"
	"github.com/blinders/internal/service"
)

// ChatHandler отдаёт список разговоров пользователя и снимок присутствия.
type ChatHandler struct {
	messages *service.MessageService
	tracker  *presence.Tracker
}

func NewChatHandler(messages *service.MessageService, tracker *presence.Tracker) *ChatHandler {
	return &ChatHandler{messages: messages, tracker: tracker}
}

// Channels: статичные каналы с флагами can_read / can_post для текущей роли.
func (h *ChatHandler) Channels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, policy.Channels(principal(r)))
}

// DMConversations: личные переписки, последние сверху.
func (h *ChatHandler) DMConversations(w http.ResponseWriter, r *http.Request) {
	threads, err := h.messages.Conversations(r.Context(), principal(r))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	if threads == nil {
		threads = []model.DMThread{}
	}
	writeJSON(w, http.StatusOK, threads)
}

type presenceResponse struct {
	Conversation string                 `json:"conversation"`
	Online       []model.PresenceRecord `json:"online"`
	Typing       []model.PresenceRecord `json:"typing"`
	Sending      []model.PresenceRecord `json:"sending"`
}

// Presence: текущий снимок комнаты без самого запрашивающего.
func (h *ChatHandler) Presence(w http.ResponseWriter, r *http.Request) {
	conv, err := conversation(r)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	p := principal(r)
	if err := policy.Authorize(p, conv, policy.ActionRead); err != nil {
		writeErr(w, r, err)
		return
	}
	room := conv.Key()
	writeJSON(w, http.StatusOK, presenceResponse{
		Conversation: room,
		Online:       nonNil(h.tracker.Snapshot(room, model.PresenceOnline, p.UserID)),
		Typing:       nonNil(h.tracker.Snapshot(room, model.PresenceTyping, p.UserID)),
		Sending:      nonNil(h.tracker.Snapshot(room, model.PresenceSending, p.UserID)),
	})
}

func nonNil(rs []model.PresenceRecord) []model.PresenceRecord {
	if rs == nil {
		return []model.PresenceRecord{}
	}
	return rs
}
