// Package startup подключает внешние зависимости сервиса при старте.
// Если зависимость ещё не поднялась (docker compose, k8s), процесс ждёт её, а не падает сразу.
package startup

import (
	"fmt"
	"os"
	"time"

	"github.com/blinders/internal/logger"
)

const (
	firstBackoff = 2 * time.Second
	maxBackoff   = 30 * time.Second
)

// sleep подменяется в тестах.
var sleep = time.Sleep

// retry вызывает dial, пока тот не вернёт nil или не истечёт maxWait. Пауза удваивается до maxBackoff.
func retry[T any](what string, maxWait time.Duration, logPrefix string, dial func() (T, error)) (T, error) {
	deadline := time.Now().Add(maxWait)
	backoff := firstBackoff
	for attempt := 1; ; attempt++ {
		v, err := dial()
		if err == nil {
			if attempt > 1 {
				logger.Infof("%s%s connected after %d attempts", logPrefix, what, attempt)
			}
			return v, nil
		}
		if time.Now().After(deadline) {
			return v, fmt.Errorf("%s: gave up after %v: %w", what, maxWait, err)
		}
		logger.Errorf("%s%s not ready, retry in %v: %v", logPrefix, what, backoff, err)
		sleep(backoff)
		backoff = min(backoff*2, maxBackoff)
	}
}

// mustRetry завершает процесс, если зависимость так и не поднялась: без неё сервис бесполезен.
func mustRetry[T any](what string, maxWait time.Duration, logPrefix string, dial func() (T, error)) T {
	v, err := retry(what, maxWait, logPrefix, dial)
	if err != nil {
		logger.Errorf("%s%v", logPrefix, err)
		logger.Flush()
		os.Exit(1)
	}
	return v
}
