package handler

import (
	"net/http"

	"github.com/blinders/internal/middleware"
	"github.com/blinders/internal/service"
)

// AuthHandler: вход, разблокировка паскодом, refresh и выход.
type AuthHandler struct {
	gate  *service.Gate
	users *service.UserService
}

func NewAuthHandler(gate *service.Gate, users *service.UserService) *AuthHandler {
	return &AuthHandler{gate: gate, users: users}
}

type loginRequest struct {
	BlindersID string `json:"blinders_id"`
	Password   string `json:"password"`
}

// Login выдаёт JWT. Экран паскода клиент показывает сразу после входа: гранта ещё нет.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	res, err := h.gate.Login(r.Context(), req.BlindersID, req.Password)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type unlockRequest struct {
	Passcode string `json:"passcode"`
}

// Unlock: 423 при неверном паскоде, 401 после исчерпания попыток (сессия отозвана).
func (h *AuthHandler) Unlock(w http.ResponseWriter, r *http.Request) {
	var req unlockRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	res, err := h.gate.Unlock(r.Context(), middleware.Credential(r), req.Passcode)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	res, err := h.gate.Refresh(r.Context(), middleware.Credential(r))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Logout требует только credential: выйти можно и с заблокированного экрана.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if err := h.gate.Logout(r.Context(), principal(r).SessionID); err != nil {
		writeErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	u, err := h.users.Me(r.Context(), principal(r))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u.ToPublic())
}

type changePasswordRequest struct {
	OldPassword string `json:"old_password"`
	NewPassword string `json:"new_password"`
}

func (h *AuthHandler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	var req changePasswordRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.users.ChangePassword(r.Context(), principal(r), req.OldPassword, req.NewPassword); err != nil {
		writeErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
