package middleware

import (
	"bufio"
	"encoding/json"
	"net"
	"net/http"
	"runtime/debug"

	"github.com/blinders/internal/logger"
)

// trackingWriter запоминает статус ответа и то, начат ли он. Нужен RecoverJSON и RequestLog.
type trackingWriter struct {
	http.ResponseWriter
	status int
	wrote  bool
}

func track(w http.ResponseWriter) *trackingWriter {
	if tw, ok := w.(*trackingWriter); ok {
		return tw
	}
	return &trackingWriter{ResponseWriter: w, status: http.StatusOK}
}

func (w *trackingWriter) WriteHeader(code int) {
	if w.wrote {
		return
	}
	w.status = code
	w.wrote = true
	w.ResponseWriter.WriteHeader(code)
}

func (w *trackingWriter) Write(b []byte) (int, error) {
	w.wrote = true
	return w.ResponseWriter.Write(b)
}

// Hijack нужен gorilla/websocket: upgrader проверяет http.Hijacker напрямую.
func (w *trackingWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := w.ResponseWriter.(http.Hijacker); ok {
		w.status = http.StatusSwitchingProtocols
		w.wrote = true
		return h.Hijack()
	}
	return nil, nil, http.ErrNotSupported
}

func (w *trackingWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *trackingWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

// RecoverJSON превращает панику обработчика в JSON 500, если ответ ещё не начат. Стек уходит в лог.
func RecoverJSON(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tw := track(w)
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			logger.Errorf("panic in %s %s: %v\n%s", r.Method, r.URL.Path, rec, debug.Stack())
			if tw.wrote {
				return
			}
			tw.Header().Set("Content-Type", "application/json; charset=utf-8")
			tw.WriteHeader(http.StatusInternalServerError)
			_ = json.NewEncoder(tw).Encode(map[string]string{"error": "internal server error"})
		}()
		next.ServeHTTP(tw, r)
	})
}
