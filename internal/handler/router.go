package handler

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/blinders/internal/media"
	"github.com/blinders/internal/metrics"
	"github.com/blinders/internal/middleware"
	"github.com/blinders/internal/presence"
	"github.com/blinders/internal/push"
	"github.com/blinders/internal/service"
	"github.com/blinders/internal/ws"
)

// Deps: всё, что нужно HTTP-слою. Hub и Notifier могут быть nil (тесты, ограниченные сборки).
type Deps struct {
	Gate      *service.Gate
	Users     *service.UserService
	Messages  *service.MessageService
	Reactions *service.ReactionService
	Tracker   *presence.Tracker
	Hub       *ws.Hub
	Media     *media.Store
	Notifier  *push.Notifier
	Limiter   *middleware.RateLimiter

	CORSAllowedOrigins string
	MetricsSecret      string
}

func splitOrigins(s string) []string {
	var out []string
	for _, o := range strings.Split(s, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

// NewRouter собирает маршруты API. Публичные: health, login, unlock, refresh, config.
// Logout требует только credential, всё остальное требует ещё и грант разблокировки.
func NewRouter(d Deps) http.Handler {
	if d.Limiter == nil {
		d.Limiter = middleware.NewRateLimiter()
	}
	authH := NewAuthHandler(d.Gate, d.Users)
	chatH := NewChatHandler(d.Messages, d.Tracker)
	msgH := NewMessageHandler(d.Messages, d.Reactions)
	fileH := NewFileHandler(d.Media, d.Users)
	configH := NewConfigHandler(d.Notifier)
	var conns Disconnector
	if d.Hub != nil {
		conns = d.Hub
	}
	userH := NewUserHandler(d.Users, conns)

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.RecoverJSON)
	r.Use(metrics.Instrument)
	// Не сжимать WebSocket: иначе ResponseWriter не реализует http.Hijacker и upgrade даёт 500.
	r.Use(func(next http.Handler) http.Handler {
		compressed := chimw.Compress(5)(next)
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if strings.EqualFold(req.Header.Get("Upgrade"), "websocket") {
				next.ServeHTTP(w, req)
				return
			}
			compressed.ServeHTTP(w, req)
		})
	})
	r.Use(middleware.RequestLog)
	r.Use(d.Limiter.ByIP)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   splitOrigins(d.CORSAllowedOrigins),
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", middleware.HeaderUnlockGrant},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.With(middleware.InternalOnly(d.MetricsSecret)).Handle("/metrics", metrics.Handler())
	r.Get("/api/config/push", configH.GetPushConfig)

	r.Post("/api/auth/login", authH.Login)
	r.Post("/api/auth/unlock", authH.Unlock)
	r.Post("/api/auth/refresh", authH.Refresh)

	r.Group(func(r chi.Router) {
		r.Use(middleware.RequireSession(d.Gate))
		r.Post("/api/auth/logout", authH.Logout)
	})

	r.Group(func(r chi.Router) {
		r.Use(middleware.RequireUnlocked(d.Gate))
		r.Use(d.Limiter.ByUser)

		r.Get("/api/auth/me", authH.Me)
		r.Put("/api/auth/password", authH.ChangePassword)

		r.Get("/api/channels", chatH.Channels)
		r.Get("/api/dm/conversations", chatH.DMConversations)
		r.Get("/api/presence/{conv}", chatH.Presence)

		r.Get("/api/conversations/{conv}/messages", msgH.GetMessages)
		r.Post("/api/conversations/{conv}/messages", msgH.PostMessage)
		r.Post("/api/conversations/{conv}/read", msgH.MarkAsRead)
		r.Get("/api/messages/{id}/reactions", msgH.GetReactions)
		r.Post("/api/messages/{id}/reactions", msgH.AddReaction)
		r.Delete("/api/messages/{id}/reactions/{emoji}", msgH.RemoveReaction)

		r.Post("/api/media/upload", fileH.Upload)
		r.Get("/media/*", fileH.Serve)

		r.Get("/api/users", userH.GetUsers)

		if d.Notifier != nil {
			pushH := NewPushHandler(d.Notifier)
			r.Post("/api/push/subscribe", pushH.Subscribe)
			r.Delete("/api/push/subscribe", pushH.Unsubscribe)
		}
		if d.Hub != nil {
			r.Get("/ws", NewWSHandler(d.Hub, d.CORSAllowedOrigins).ServeWS)
		}

		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireAdmin)
			r.Post("/api/admin/users", userH.CreateUser)
			r.Put("/api/admin/users/{id}/role", userH.SetRole)
			r.Put("/api/admin/users/{id}/active", userH.SetActive)
		})
	})
	return r
}
