package middleware

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ComUnity/city-sentinel/internal/client"
	"github.com/ComUnity/city-sentinel/internal/util/logger"
)

// Decision is the verdict of a rate check.
type Decision int

const (
	Deny Decision = iota
	Admit
)

func (d Decision) Admitted() bool { return d == Admit }

func (d Decision) String() string {
	if d == Admit {
		return "admit"
	}
	return "deny"
}

type LimiterConfig struct {
	Window      time.Duration
	MaxRequests int

	// Redis mode (optional)
	Redis           *client.RedisClient
	KeyPrefix       string
	StrictOnFailure bool

	TrustProxyHeader bool
	SweepInterval    time.Duration
	Now              func() time.Time
}

// fixedWindowStore counts admitted requests per key.
type fixedWindowStore interface {
	admit(ctx context.Context, key string, now time.Time) (bool, error)
	size() int
}

// RateLimiter is a fixed-window limiter keyed by origin. A window opens with
// the first admitted request and covers [start, start+Window). Only admitted
// requests are counted.
type RateLimiter struct {
	cfg   LimiterConfig
	store fixedWindowStore
	mode  string
}

func NewRateLimiter(cfg LimiterConfig) *RateLimiter {
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.MaxRequests <= 0 {
		cfg.MaxRequests = 5
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "rl:"
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = cfg.Window
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	rl := &RateLimiter{cfg: cfg}
	if cfg.Redis != nil {
		rl.mode = "redis"
		rl.store = &redisWindows{rdb: cfg.Redis, prefix: cfg.KeyPrefix, limit: cfg.MaxRequests, window: cfg.Window}
	} else {
		rl.mode = "memory"
		rl.store = newMemoryWindows(cfg.MaxRequests, cfg.Window, cfg.SweepInterval)
	}
	return rl
}

// Check counts one request from origin against its current window.
func (rl *RateLimiter) Check(ctx context.Context, origin string) Decision {
	ok, err := rl.store.admit(ctx, origin, rl.cfg.Now())
	if err != nil {
		if rl.cfg.StrictOnFailure {
			logger.Error("RateLimiter: denying request due to backend failure, origin=%s, err=%v", origin, err)
			return Deny
		}
		logger.Warn("RateLimiter: backend failure, admitting request (degraded), origin=%s, err=%v", origin, err)
		return Admit
	}
	if !ok {
		return Deny
	}
	return Admit
}

// Handler rejects requests over the limit with 429 before they reach next.
func (rl *RateLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := ClientIP(r, rl.cfg.TrustProxyHeader)
		if !rl.Check(r.Context(), "http:"+origin).Admitted() {
			w.Header().Set("Retry-After", strconv.Itoa(int(rl.cfg.Window.Seconds())))
			writeError(w, http.StatusTooManyRequests, "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// LimiterStats is served on the stats endpoint.
type LimiterStats struct {
	Mode          string `json:"mode"`
	WindowSeconds int    `json:"window_seconds"`
	MaxRequests   int    `json:"max_requests"`
	ActiveWindows int    `json:"active_windows,omitempty"`
}

func (rl *RateLimiter) Stats() LimiterStats {
	return LimiterStats{
		Mode:          rl.mode,
		WindowSeconds: int(rl.cfg.Window.Seconds()),
		MaxRequests:   rl.cfg.MaxRequests,
		ActiveWindows: rl.store.size(),
	}
}

// --- memory backend ---

type rateWindow struct {
	mu      sync.Mutex
	start   time.Time
	count   int
	evicted bool
}

type memoryWindows struct {
	mu         sync.RWMutex
	windows    map[string]*rateWindow
	limit      int
	window     time.Duration
	sweepEvery time.Duration
	lastSweep  time.Time
}

func newMemoryWindows(limit int, window, sweepEvery time.Duration) *memoryWindows {
	return &memoryWindows{
		windows:    make(map[string]*rateWindow),
		limit:      limit,
		window:     window,
		sweepEvery: sweepEvery,
	}
}

func (m *memoryWindows) admit(_ context.Context, key string, now time.Time) (bool, error) {
	m.maybeSweep(now)
	for {
		w := m.get(key)
		w.mu.Lock()
		if w.evicted {
			// swept between lookup and lock; take the replacement
			w.mu.Unlock()
			continue
		}
		if w.count == 0 || !now.Before(w.start.Add(m.window)) {
			w.start = now
			w.count = 0
		}
		ok := w.count < m.limit
		if ok {
			w.count++
		}
		w.mu.Unlock()
		return ok, nil
	}
}

func (m *memoryWindows) get(key string) *rateWindow {
	m.mu.RLock()
	w, ok := m.windows[key]
	m.mu.RUnlock()
	if ok {
		return w
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if w, ok := m.windows[key]; ok {
		return w
	}
	w = &rateWindow{}
	m.windows[key] = w
	return w
}

// maybeSweep drops windows that have expired, at most once per sweepEvery.
func (m *memoryWindows) maybeSweep(now time.Time) {
	m.mu.RLock()
	due := now.Sub(m.lastSweep) >= m.sweepEvery
	m.mu.RUnlock()
	if !due {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if now.Sub(m.lastSweep) < m.sweepEvery {
		return
	}
	m.lastSweep = now
	for key, w := range m.windows {
		w.mu.Lock()
		if w.count == 0 || !now.Before(w.start.Add(m.window)) {
			w.evicted = true
			delete(m.windows, key)
		}
		w.mu.Unlock()
	}
}

func (m *memoryWindows) size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.windows)
}

// --- redis backend ---

type redisWindows struct {
	rdb    *client.RedisClient
	prefix string
	limit  int
	window time.Duration
}

func (r *redisWindows) admit(ctx context.Context, key string, _ time.Time) (bool, error) {
	res, err := r.rdb.AdmitFixedWindow(ctx, r.prefix+key, r.limit, r.window)
	if err != nil {
		return false, err
	}
	return res.Admitted, nil
}

func (r *redisWindows) size() int { return 0 }

// --- helpers ---

// ClientIP resolves the caller address. Forwarding headers are honoured only
// when the service sits behind a trusted proxy.
func ClientIP(r *http.Request, trustProxyHeader bool) string {
	if trustProxyHeader {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			return strings.TrimSpace(strings.Split(xff, ",")[0])
		}
		if rip := r.Header.Get("X-Real-IP"); rip != "" {
			return strings.TrimSpace(rip)
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil && host != "" {
		return host
	}
	return r.RemoteAddr
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"success": false, "message": msg})
}
