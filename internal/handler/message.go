package handler

import (
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"

	"github.com/blinders/internal/apperr"
	"github.com/blinders/internal/model"
	"github.com/blinders/internal/service"
)

type MessageHandler struct {
	messages  *service.MessageService
	reactions *service.ReactionService
}

func NewMessageHandler(messages *service.MessageService, reactions *service.ReactionService) *MessageHandler {
	return &MessageHandler{messages: messages, reactions: reactions}
}

type messagesPage struct {
	Messages   []model.Message `json:"messages"`
	NextCursor string          `json:"next_cursor"`
}

// GetMessages отдаёт страницу строго после cursor по возрастанию. next_cursor передаётся в следующий запрос;
// пустая страница возвращает тот же курсор.
func (h *MessageHandler) GetMessages(w http.ResponseWriter, r *http.Request) {
	conv, err := conversation(r)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	after, err := model.ParseCursor(r.URL.Query().Get("cursor"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid cursor")
		return
	}
	limit := queryInt(r, "limit", service.DefaultPageSize)

	msgs, err := h.messages.ReadRange(r.Context(), principal(r), conv, after, limit)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	if msgs == nil {
		msgs = []model.Message{}
	}
	writeJSON(w, http.StatusOK, messagesPage{Messages: msgs, NextCursor: model.NextCursor(after, msgs).String()})
}

// PostMessage: HTTP-вариант send_message. Сообщение приходит подписчикам через fan-out уже после записи.
func (h *MessageHandler) PostMessage(w http.ResponseWriter, r *http.Request) {
	conv, err := conversation(r)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	var d model.Draft
	if !decodeJSON(w, r, &d) {
		return
	}
	m, err := h.messages.Append(r.Context(), principal(r), conv, d)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

func (h *MessageHandler) MarkAsRead(w http.ResponseWriter, r *http.Request) {
	conv, err := conversation(r)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	n, err := h.messages.MarkDMRead(r.Context(), principal(r), conv)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"count": n})
}

type reactionRequest struct {
	Emoji string `json:"emoji"`
}

type reactionResponse struct {
	Reaction *model.Reaction `json:"reaction,omitempty"`
	Changed  bool            `json:"changed"`
}

// AddReaction идемпотентна: повторная реакция отвечает 200 и changed=false.
func (h *MessageHandler) AddReaction(w http.ResponseWriter, r *http.Request) {
	id, err := messageID(r)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	var req reactionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	rc, changed, err := h.reactions.Add(r.Context(), principal(r), id, req.Emoji)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	status := http.StatusOK
	if changed {
		status = http.StatusCreated
	}
	writeJSON(w, status, reactionResponse{Reaction: &rc, Changed: changed})
}

func (h *MessageHandler) RemoveReaction(w http.ResponseWriter, r *http.Request) {
	id, err := messageID(r)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	emoji, err := url.PathUnescape(chi.URLParam(r, "emoji"))
	if err != nil {
		writeErr(w, r, apperr.Validation("invalid emoji"))
		return
	}
	changed, err := h.reactions.Remove(r.Context(), principal(r), id, emoji)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, reactionResponse{Changed: changed})
}

// GetReactions returns reactions for a message, grouped by emoji.
func (h *MessageHandler) GetReactions(w http.ResponseWriter, r *http.Request) {
	id, err := messageID(r)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	groups, err := h.reactions.ForMessage(r.Context(), principal(r), id)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	if groups == nil {
		groups = []model.ReactionGroup{}
	}
	writeJSON(w, http.StatusOK, groups)
}
