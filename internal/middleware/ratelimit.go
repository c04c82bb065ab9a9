package middleware

import (
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// 200 запросов в минуту с IP и 100 на пользователя, с запасом на всплеск
	ipRPS     = 200.0 / 60
	ipBurst   = 40
	userRPS   = 100.0 / 60
	userBurst = 20

	idleLimiterTTL = 10 * time.Minute
)

type limiterEntry struct {
	lim  *rate.Limiter
	seen time.Time
}

type limiterPool struct {
	mu    sync.Mutex
	m     map[string]*limiterEntry
	rps   rate.Limit
	burst int
}

func newLimiterPool(rps float64, burst int) *limiterPool {
	return &limiterPool{m: make(map[string]*limiterEntry), rps: rate.Limit(rps), burst: burst}
}

func (p *limiterPool) allow(key string) bool {
	now := time.Now()
	p.mu.Lock()
	e, ok := p.m[key]
	if !ok {
		e = &limiterEntry{lim: rate.NewLimiter(p.rps, p.burst)}
		p.m[key] = e
	}
	e.seen = now
	p.mu.Unlock()
	return e.lim.AllowN(now, 1)
}

// sweep удаляет лимитеры, не использованные дольше ttl.
func (p *limiterPool) sweep(ttl time.Duration) {
	cutoff := time.Now().Add(-ttl)
	p.mu.Lock()
	defer p.mu.Unlock()
	for k, e := range p.m {
		if e.seen.Before(cutoff) {
			delete(p.m, k)
		}
	}
}

// RateLimiter ограничивает запросы к /api/* по IP и по пользователю (если он уже в контексте).
type RateLimiter struct {
	byIP   *limiterPool
	byUser *limiterPool
}

func NewRateLimiter() *RateLimiter {
	return &RateLimiter{byIP: newLimiterPool(ipRPS, ipBurst), byUser: newLimiterPool(userRPS, userBurst)}
}

// Sweep вызывается периодически из main, чтобы карта не росла.
func (l *RateLimiter) Sweep() {
	l.byIP.sweep(idleLimiterTTL)
	l.byUser.sweep(idleLimiterTTL)
}

// ByIP: 429 при превышении лимита для адреса клиента.
func (l *RateLimiter) ByIP(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.byIP.allow(clientIP(r)) {
			http.Error(w, `{"error":"too many requests"}`, http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ByUser ставится после RequireUnlocked.
func (l *RateLimiter) ByUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if uid := GetUserID(r.Context()); uid != "" && !l.byUser.allow("u:"+uid) {
			http.Error(w, `{"error":"too many requests"}`, http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}
