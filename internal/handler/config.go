package handler

import (
	"net/http"

	"github.com/blinders/internal/push"
)

// ConfigHandler отдаёт публичные параметры для клиента (без авторизации).
type ConfigHandler struct {
	notifier *push.Notifier
}

func NewConfigHandler(notifier *push.Notifier) *ConfigHandler {
	return &ConfigHandler{notifier: notifier}
}

// GetPushConfig возвращает публичный VAPID-ключ для подписки на пуши (если включены).
func (h *ConfigHandler) GetPushConfig(w http.ResponseWriter, r *http.Request) {
	key := ""
	if h.notifier != nil {
		key = h.notifier.PublicKey()
	}
	if key == "" {
		writeJSON(w, http.StatusOK, map[string]any{"enabled": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"enabled":          true,
		"vapid_public_key": key,
	})
}
