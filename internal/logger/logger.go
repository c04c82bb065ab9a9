// Package logger пишет логи с префиксом сервиса через асинхронную очередь,
// чтобы обработчики и hub не блокировались на I/O. Умеет логировать длительность операций.
package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
	"time"
)

const (
	asyncBufferSize = 8192
	slowThreshold   = 100 * time.Millisecond
)

type level int

const (
	levelDebug level = iota
	levelInfo
	levelError
)

var (
	mu       sync.RWMutex
	prefix   string
	logLevel = levelInfo
	out      = log.New(os.Stderr, "", log.LstdFlags)

	ch      chan string
	pending sync.WaitGroup
	once    sync.Once
)

func parseLevel(s string) level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug", "trace":
		return levelDebug
	case "error":
		return levelError
	default:
		return levelInfo
	}
}

func start() {
	mu.Lock()
	logLevel = parseLevel(os.Getenv("LOG_LEVEL"))
	mu.Unlock()
	ch = make(chan string, asyncBufferSize)
	go func() {
		for msg := range ch {
			mu.RLock()
			l := out
			mu.RUnlock()
			l.Print(msg)
			pending.Done()
		}
	}()
}

func enqueue(lv level, msg string) {
	once.Do(start)
	mu.RLock()
	skip := lv < logLevel
	mu.RUnlock()
	if skip {
		return
	}
	pending.Add(1)
	select {
	case ch <- msg:
	default:
		// очередь переполнена: сообщение теряется, вызывающий не ждёт
		pending.Done()
	}
}

// SetPrefix задаёт имя сервиса для всех последующих записей ("api", "chatcli").
func SetPrefix(p string) {
	mu.Lock()
	prefix = p
	mu.Unlock()
}

// SetLevel переопределяет LOG_LEVEL (значение из конфига имеет приоритет над env).
func SetLevel(s string) {
	once.Do(start)
	mu.Lock()
	logLevel = parseLevel(s)
	mu.Unlock()
}

// SetOutput перенаправляет вывод (тесты пишут в буфер).
func SetOutput(w io.Writer) {
	mu.Lock()
	out = log.New(w, "", 0)
	mu.Unlock()
}

// Flush ждёт, пока очередь будет записана. Вызывается при остановке сервиса.
func Flush() {
	once.Do(start)
	pending.Wait()
}

func tag() string {
	mu.RLock()
	defer mu.RUnlock()
	if prefix == "" {
		return ""
	}
	return "[" + prefix + "] "
}

func Debugf(format string, v ...any) {
	enqueue(levelDebug, tag()+"DEBUG: "+fmt.Sprintf(format, v...))
}

func Info(v ...any) {
	enqueue(levelInfo, tag()+fmt.Sprint(v...))
}

func Infof(format string, v ...any) {
	enqueue(levelInfo, tag()+fmt.Sprintf(format, v...))
}

func Error(v ...any) {
	enqueue(levelError, tag()+"ERROR: "+fmt.Sprint(v...))
}

func Errorf(format string, v ...any) {
	enqueue(levelError, tag()+"ERROR: "+fmt.Sprintf(format, v...))
}

// LogDuration пишет fn и время выполнения в мс. На уровне info только медленные вызовы (>=100ms).
func LogDuration(fn string, start time.Time) {
	elapsed := time.Since(start)
	mu.RLock()
	debug := logLevel == levelDebug
	mu.RUnlock()
	if debug || elapsed >= slowThreshold {
		enqueue(levelInfo, fmt.Sprintf("%sfn=%s duration_ms=%d", tag(), fn, elapsed.Milliseconds()))
	}
}

// DeferLogDuration для использования в defer:
//
//	defer logger.DeferLogDuration("messages.Append", time.Now())()
func DeferLogDuration(fn string, start time.Time) func() {
	return func() { LogDuration(fn, start) }
}
