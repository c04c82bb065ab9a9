package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/blinders/internal/logger"
	"github.com/blinders/internal/model"
	"github.com/blinders/internal/service"
)

// Disconnector закрывает realtime-соединения пользователя (ws.Hub).
type Disconnector interface {
	DisconnectUser(userID string)
}

type UserHandler struct {
	users *service.UserService
	conns Disconnector
}

func NewUserHandler(users *service.UserService, conns Disconnector) *UserHandler {
	return &UserHandler{users: users, conns: conns}
}

// GetUsers: справочник для выбора собеседника DM.
func (h *UserHandler) GetUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.users.List(r.Context(), principal(r))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, users)
}

// CreateUser выдаёт новый blinders id; пароль передаётся пользователю вне системы.
func (h *UserHandler) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req service.CreateUserRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	u, err := h.users.CreateUser(r.Context(), principal(r), req)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	admin := principal(r)
	logger.Infof("admin %s created user %s role=%s", admin.UserID, u.BlindersID, u.Role)
	writeJSON(w, http.StatusCreated, u.ToPublic())
}

type setRoleRequest struct {
	Role model.Role `json:"role"`
}

func (h *UserHandler) SetRole(w http.ResponseWriter, r *http.Request) {
	var req setRoleRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.users.SetRole(r.Context(), principal(r), chi.URLParam(r, "id"), string(req.Role)); err != nil {
		writeErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type setActiveRequest struct {
	Active bool `json:"active"`
}

// SetActive: при деактивации сессии отзываются, открытые WebSocket закрываются.
func (h *UserHandler) SetActive(w http.ResponseWriter, r *http.Request) {
	var req setActiveRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	id := chi.URLParam(r, "id")
	if err := h.users.SetActive(r.Context(), principal(r), id, req.Active); err != nil {
		writeErr(w, r, err)
		return
	}
	if !req.Active && h.conns != nil {
		h.conns.DisconnectUser(id)
	}
	w.WriteHeader(http.StatusNoContent)
}
