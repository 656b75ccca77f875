package logutil

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// RateLimited de-duplicates noisy log lines by key. The first line for a key
// passes through; repeats inside the window are counted and suppressed. When
// the window reopens the next line carries the suppressed count.
type RateLimited struct {
	logger *slog.Logger
	window time.Duration

	mu   sync.Mutex
	seen map[string]*entry

	now func() time.Time // test hook
}

type entry struct {
	last       time.Time
	suppressed int
}

// NewRateLimited wraps logger with a per-key suppression window.
func NewRateLimited(logger *slog.Logger, window time.Duration) *RateLimited {
	if window <= 0 {
		window = 30 * time.Second
	}
	return &RateLimited{
		logger: logger,
		window: window,
		seen:   make(map[string]*entry),
		now:    time.Now,
	}
}

// Warn logs msg at warn level unless the key fired within the window.
func (r *RateLimited) Warn(key, msg string, args ...any) {
	r.log(slog.LevelWarn, key, msg, args...)
}

// Error logs msg at error level unless the key fired within the window.
func (r *RateLimited) Error(key, msg string, args ...any) {
	r.log(slog.LevelError, key, msg, args...)
}

// Info logs msg at info level unless the key fired within the window.
func (r *RateLimited) Info(key, msg string, args ...any) {
	r.log(slog.LevelInfo, key, msg, args...)
}

func (r *RateLimited) log(level slog.Level, key, msg string, args ...any) {
	now := r.now()

	r.mu.Lock()
	e, ok := r.seen[key]
	if !ok {
		e = &entry{}
		r.seen[key] = e
	}
	if ok && now.Sub(e.last) < r.window {
		e.suppressed++
		r.mu.Unlock()
		return
	}
	suppressed := e.suppressed
	e.suppressed = 0
	e.last = now
	r.mu.Unlock()

	if suppressed > 0 {
		args = append(args, "suppressed", suppressed)
	}
	r.logger.Log(context.Background(), level, msg, args...)
}

// Forget clears the window for a key so the next line passes through.
func (r *RateLimited) Forget(key string) {
	r.mu.Lock()
	delete(r.seen, key)
	r.mu.Unlock()
}
