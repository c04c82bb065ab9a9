package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/blinders/internal/apperr"
	"github.com/blinders/internal/logger"
	"github.com/blinders/internal/model"
)

const (
	HeaderUnlockGrant = "X-Unlock-Grant"
	queryToken        = "token"
	queryUnlock       = "unlock"
)

// Gate: то, что middleware нужно от service.Gate.
type Gate interface {
	Authenticate(ctx context.Context, credential string) (model.Principal, error)
	Authorize(ctx context.Context, credential, unlockGrant string) (model.Principal, error)
}

// Credential достаёт JWT из "Authorization: Bearer" или, для WebSocket, из ?token=.
func Credential(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if rest, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(rest)
		}
		return ""
	}
	return strings.TrimSpace(r.URL.Query().Get(queryToken))
}

// UnlockGrant достаёт грант разблокировки из заголовка или ?unlock=.
func UnlockGrant(r *http.Request) string {
	if g := strings.TrimSpace(r.Header.Get(HeaderUnlockGrant)); g != "" {
		return g
	}
	return strings.TrimSpace(r.URL.Query().Get(queryUnlock))
}

func writeErr(w http.ResponseWriter, err error) {
	status := apperr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		logger.Errorf("gate: %v", err)
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": apperr.Message(err)})
}

// RequireSession пропускает запрос с действующим долгоживущим credential.
// Грант разблокировки не нужен: так защищены unlock, refresh и logout.
func RequireSession(g Gate) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, err := g.Authenticate(r.Context(), Credential(r))
			if err != nil {
				writeErr(w, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}

// RequireUnlocked требует оба фактора. Без гранта ответ 423 Locked, и клиент
// показывает экран ввода кода вместо экрана входа.
func RequireUnlocked(g Gate) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, err := g.Authorize(r.Context(), Credential(r), UnlockGrant(r))
			if err != nil {
				logger.Debugf("gate: %s %s denied: %v", r.Method, r.URL.Path, err)
				writeErr(w, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}

// RequireAdmin ставится после RequireUnlocked.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := GetPrincipal(r.Context())
		if !ok {
			writeErr(w, apperr.ErrUnauthenticated)
			return
		}
		if !p.Role.IsAdmin() {
			writeErr(w, apperr.ErrForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}
