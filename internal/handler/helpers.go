package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/blinders/internal/apperr"
	"github.com/blinders/internal/logger"
	"github.com/blinders/internal/middleware"
	"github.com/blinders/internal/model"
)

// maxJSONBody ограничивает тело JSON-запросов (черновик сообщения, логин).
const maxJSONBody = 64 << 10

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Errorf("writeJSON encode: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// writeErr переводит ошибку сервиса в HTTP-ответ. Внутренние ошибки логируются, клиенту не раскрываются.
func writeErr(w http.ResponseWriter, r *http.Request, err error) {
	status := apperr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		logger.Errorf("%s %s: %v", r.Method, r.URL.Path, err)
	}
	writeError(w, status, apperr.Message(err))
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody)).Decode(dst)
	if err == nil {
		return true
	}
	if errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "empty request body")
		return false
	}
	writeError(w, http.StatusBadRequest, "invalid request body")
	return false
}

func queryInt(r *http.Request, key string, defaultVal int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return n
}

func principal(r *http.Request) model.Principal {
	p, _ := middleware.GetPrincipal(r.Context())
	return p
}

// conversation разбирает {conv}: имя канала, "dm:<userID>" или полный ключ DM.
func conversation(r *http.Request) (model.Conversation, error) {
	conv, err := model.ResolveConversation(principal(r).UserID, chi.URLParam(r, "conv"))
	if err != nil {
		return model.Conversation{}, apperr.Validation("unknown conversation")
	}
	return conv, nil
}

func messageID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, apperr.Validation("invalid message id")
	}
	return id, nil
}
