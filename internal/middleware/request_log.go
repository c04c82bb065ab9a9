package middleware

import (
	"net/http"
	"time"

	"github.com/blinders/internal/logger"
)

// RequestLog пишет строку на запрос: метод, путь, статус, длительность. 5xx идут уровнем error,
// остальное в debug. Для WebSocket логируется только факт upgrade: длительность соединения не интересна.
func RequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		tw := track(w)
		next.ServeHTTP(tw, r)
		elapsed := time.Since(start)
		switch {
		case tw.status == http.StatusSwitchingProtocols:
			logger.Infof("http %s %s upgraded after %dms", r.Method, r.URL.Path, elapsed.Milliseconds())
		case tw.status >= http.StatusInternalServerError:
			logger.Errorf("http %s %s status=%d duration_ms=%d", r.Method, r.URL.Path, tw.status, elapsed.Milliseconds())
		default:
			logger.Debugf("http %s %s status=%d duration_ms=%d", r.Method, r.URL.Path, tw.status, elapsed.Milliseconds())
			logger.LogDuration("http "+r.Method+" "+r.URL.Path, start)
		}
	})
}
