package middleware

import (
	"context"

	"github.com/blinders/internal/model"
)

type contextKey string

const principalKey contextKey = "principal"

func WithPrincipal(ctx context.Context, p model.Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// GetPrincipal возвращает вызывающего (устанавливается RequireSession / RequireUnlocked).
func GetPrincipal(ctx context.Context) (model.Principal, bool) {
	p, ok := ctx.Value(principalKey).(model.Principal)
	return p, ok && !p.IsZero()
}

func GetUserID(ctx context.Context) string {
	p, _ := GetPrincipal(ctx)
	return p.UserID
}
