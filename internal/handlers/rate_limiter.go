package handlers

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/stocksync/api/internal/platform/httpx"
)

// fixedWindowLimiter counts requests per key in fixed windows. Expired windows are pruned when a
// new window opens so idle senders do not accumulate.
type fixedWindowLimiter struct {
	limit  int
	window time.Duration
	now    func() time.Time

	mu      sync.Mutex
	windows map[string]limiterWindow
}

type limiterWindow struct {
	count int
	reset time.Time
}

func newFixedWindowLimiter(limit int, window time.Duration, now func() time.Time) *fixedWindowLimiter {
	if limit <= 0 || window <= 0 {
		return nil
	}
	if now == nil {
		now = time.Now
	}
	return &fixedWindowLimiter{
		limit:   limit,
		window:  window,
		now:     now,
		windows: make(map[string]limiterWindow),
	}
}

func (l *fixedWindowLimiter) allow(key string) bool {
	if l == nil {
		return true
	}
	if key = strings.TrimSpace(key); key == "" {
		key = "unknown"
	}
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[key]
	if !ok || !now.Before(w.reset) {
		for k, existing := range l.windows {
			if !now.Before(existing.reset) {
				delete(l.windows, k)
			}
		}
		l.windows[key] = limiterWindow{count: 1, reset: now.Add(l.window)}
		return true
	}
	if w.count >= l.limit {
		return false
	}
	w.count++
	l.windows[key] = w
	return true
}

// middleware rejects senders over the limit with 429 so the channel retries later.
func (l *fixedWindowLimiter) middleware(next http.Handler) http.Handler {
	if l == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.allow(clientKey(r)) {
			w.Header().Set("Retry-After", strconv.Itoa(int(l.window.Seconds())))
			httpx.WriteError(r.Context(), w, httpx.NewError("rate_limited", "too many webhook deliveries", http.StatusTooManyRequests))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
