// internal/client/redis_client.go
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ComUnity/city-sentinel/internal/util/logger"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var ErrCircuitOpen = errors.New("redis circuit breaker open")

// RedisConfig defines configuration for Redis client
type RedisConfig struct {
	URL            string               `yaml:"url"`
	Address        string               `yaml:"address"`
	Password       string               `yaml:"password"`
	DB             int                  `yaml:"db"`
	PoolSize       int                  `yaml:"pool_size"`
	DialTimeout    time.Duration        `yaml:"dial_timeout"`
	ReadTimeout    time.Duration        `yaml:"read_timeout"`
	WriteTimeout   time.Duration        `yaml:"write_timeout"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

type CircuitBreakerConfig struct {
	Enabled      bool          `yaml:"enabled"`
	FailureRatio float64       `yaml:"failure_ratio"`
	RecoveryTime time.Duration `yaml:"recovery_time"`
	MinRequests  uint64        `yaml:"min_requests"`
}

// RedisClient wraps redis.Client with a circuit breaker and tracing.
type RedisClient struct {
	*redis.Client
	config RedisConfig
	mu     sync.Mutex
	closed bool
	stats  redisStats
	cb     *circuitBreaker
}

type redisStats struct {
	commands    atomic.Uint64
	errors      atomic.Uint64
	timeouts    atomic.Uint64
	circuitOpen atomic.Uint64
}

type RedisStats struct {
	Commands    uint64 `json:"commands"`
	Errors      uint64 `json:"errors"`
	Timeouts    uint64 `json:"timeouts"`
	CircuitOpen uint64 `json:"circuit_open"`
}

type circuitBreaker struct {
	mu           sync.Mutex
	state        string // "closed", "open", "half-open"
	failures     uint64
	successes    uint64
	total        uint64
	lastFailure  time.Time
	failureRatio float64
	recoveryTime time.Duration
	minRequests  uint64
}

// NewRedisClient creates a new Redis client instance and pings it.
func NewRedisClient(ctx context.Context, cfg RedisConfig) (*RedisClient, error) {
	opts := &redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	}
	if cfg.URL != "" {
		parsed, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("redis url: %w", err)
		}
		opts = parsed
	}

	if cfg.PoolSize == 0 {
		cfg.PoolSize = 10 * runtime.GOMAXPROCS(0)
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = time.Second
	}
	opts.PoolSize = cfg.PoolSize
	opts.DialTimeout = cfg.DialTimeout
	opts.ReadTimeout = cfg.ReadTimeout
	opts.WriteTimeout = cfg.WriteTimeout
	opts.OnConnect = func(ctx context.Context, cn *redis.Conn) error {
		logger.Debug("New Redis connection established to %s", opts.Addr)
		return nil
	}

	rc := newRedisClient(redis.NewClient(opts), cfg)
	if err := rc.Ping(ctx).Err(); err != nil {
		_ = rc.Client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	logger.Info("Redis client connected to %s (DB:%d)", opts.Addr, opts.DB)
	return rc, nil
}

func newRedisClient(c *redis.Client, cfg RedisConfig) *RedisClient {
	rc := &RedisClient{Client: c, config: cfg}
	if cfg.CircuitBreaker.Enabled {
		if cfg.CircuitBreaker.FailureRatio <= 0 {
			cfg.CircuitBreaker.FailureRatio = 0.5
		}
		if cfg.CircuitBreaker.RecoveryTime <= 0 {
			cfg.CircuitBreaker.RecoveryTime = 10 * time.Second
		}
		if cfg.CircuitBreaker.MinRequests == 0 {
			cfg.CircuitBreaker.MinRequests = 10
		}
		rc.cb = &circuitBreaker{
			state:        "closed",
			failureRatio: cfg.CircuitBreaker.FailureRatio,
			recoveryTime: cfg.CircuitBreaker.RecoveryTime,
			minRequests:  cfg.CircuitBreaker.MinRequests,
		}
	}
	c.AddHook(tracingHook{})
	return rc
}

// Close terminates the Redis client connection
func (c *RedisClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	logger.Info("Closing Redis client")
	return c.Client.Close()
}

// HealthCheck verifies Redis connectivity
func (c *RedisClient) HealthCheck(ctx context.Context) error {
	return c.InstrumentedDo(ctx, func(ctx context.Context) error {
		return c.Ping(ctx).Err()
	})
}

// Stats returns current Redis client statistics
func (c *RedisClient) Stats() RedisStats {
	return RedisStats{
		Commands:    c.stats.commands.Load(),
		Errors:      c.stats.errors.Load(),
		Timeouts:    c.stats.timeouts.Load(),
		CircuitOpen: c.stats.circuitOpen.Load(),
	}
}

// InstrumentedDo executes a Redis command behind the circuit breaker.
func (c *RedisClient) InstrumentedDo(ctx context.Context, fn func(ctx context.Context) error) error {
	if c.isCircuitOpen() {
		c.stats.circuitOpen.Add(1)
		return ErrCircuitOpen
	}

	err := fn(ctx)
	c.stats.commands.Add(1)
	if err != nil && !errors.Is(err, redis.Nil) {
		c.stats.errors.Add(1)
		if isTimeoutError(err) {
			c.stats.timeouts.Add(1)
		}
		c.recordFailure()
		return err
	}
	c.recordSuccess()
	return err
}

// CircuitBreakerState returns current circuit breaker status
func (c *RedisClient) CircuitBreakerState() string {
	if c.cb == nil {
		return "disabled"
	}
	c.cb.mu.Lock()
	defer c.cb.mu.Unlock()
	return c.cb.state
}

// fixedWindowScript admits a request when the key's counter is below the
// limit. Denied requests leave the counter untouched. The first admitted
// request of a window starts the expiry.
// KEYS[1] = window key, ARGV[1] = limit, ARGV[2] = window in ms.
var fixedWindowScript = redis.NewScript(`
local current = tonumber(redis.call("GET", KEYS[1]) or "0")
if current >= tonumber(ARGV[1]) then
  return {0, current, redis.call("PTTL", KEYS[1])}
end
current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return {1, current, redis.call("PTTL", KEYS[1])}
`)

// WindowResult is the outcome of AdmitFixedWindow.
type WindowResult struct {
	Admitted bool
	Count    int64
	ResetIn  time.Duration
}

// AdmitFixedWindow atomically counts one request against key if fewer than
// limit requests were admitted in the current window.
func (c *RedisClient) AdmitFixedWindow(ctx context.Context, key string, limit int, window time.Duration) (WindowResult, error) {
	var res WindowResult
	err := c.InstrumentedDo(ctx, func(ctx context.Context) error {
		vals, err := fixedWindowScript.Run(ctx, c.Client, []string{key}, limit, window.Milliseconds()).Int64Slice()
		if err != nil {
			return err
		}
		if len(vals) != 3 {
			return fmt.Errorf("fixed window script: unexpected reply %v", vals)
		}
		res = WindowResult{
			Admitted: vals[0] == 1,
			Count:    vals[1],
			ResetIn:  time.Duration(max(vals[2], 0)) * time.Millisecond,
		}
		return nil
	})
	if err != nil {
		return WindowResult{}, fmt.Errorf("admitFixedWindow failed: %w", err)
	}
	return res, nil
}

// --- Internal Methods ---

type tracingHook struct{}

func (t tracingHook) DialHook(next redis.DialHook) redis.DialHook {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		if span := trace.SpanFromContext(ctx); span.IsRecording() {
			span.SetAttributes(
				attribute.String("net.transport", network),
				attribute.String("net.peer.name", addr),
			)
		}
		return next(ctx, network, addr)
	}
}

func (t tracingHook) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		span := trace.SpanFromContext(ctx)
		if span.IsRecording() {
			span.SetAttributes(
				attribute.String("db.system", "redis"),
				attribute.String("db.operation", cmd.Name()),
			)
		}
		err := next(ctx, cmd)
		if err != nil && !errors.Is(err, redis.Nil) && span.IsRecording() {
			span.RecordError(err)
		}
		return err
	}
}

func (t tracingHook) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []redis.Cmder) error {
		span := trace.SpanFromContext(ctx)
		if span.IsRecording() {
			span.SetAttributes(
				attribute.String("db.system", "redis"),
				attribute.String("db.operation", "pipeline"),
				attribute.Int("db.command_count", len(cmds)),
			)
		}
		err := next(ctx, cmds)
		if err != nil && !errors.Is(err, redis.Nil) && span.IsRecording() {
			span.RecordError(err)
		}
		return err
	}
}

func (c *RedisClient) isCircuitOpen() bool {
	if c.cb == nil {
		return false
	}
	c.cb.mu.Lock()
	defer c.cb.mu.Unlock()

	if c.cb.state == "open" {
		if time.Since(c.cb.lastFailure) > c.cb.recoveryTime {
			c.cb.state = "half-open"
			c.cb.failures = 0
			c.cb.successes = 0
			c.cb.total = 0
			logger.Warn("Redis circuit moving to half-open state")
		} else {
			return true
		}
	}
	return false
}

func (c *RedisClient) recordFailure() {
	if c.cb == nil {
		return
	}
	c.cb.mu.Lock()
	defer c.cb.mu.Unlock()

	c.cb.failures++
	c.cb.total++
	c.cb.lastFailure = time.Now()

	if c.cb.state == "half-open" {
		c.cb.state = "open"
		logger.Error("Redis circuit re-opened after failure")
		return
	}
	if c.cb.total >= c.cb.minRequests {
		failureRatio := float64(c.cb.failures) / float64(c.cb.total)
		if failureRatio >= c.cb.failureRatio {
			c.cb.state = "open"
			logger.Error("Redis circuit opened due to high failure ratio: %.2f", failureRatio)
		}
	}
}

func (c *RedisClient) recordSuccess() {
	if c.cb == nil {
		return
	}
	c.cb.mu.Lock()
	defer c.cb.mu.Unlock()

	c.cb.successes++
	c.cb.total++

	if c.cb.state == "half-open" && c.cb.successes >= c.cb.minRequests/2 {
		c.cb.state = "closed"
		c.cb.failures = 0
		c.cb.successes = 0
		c.cb.total = 0
		logger.Warn("Redis circuit closed after successful operations")
	}
}

func isTimeoutError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded) || strings.Contains(err.Error(), "i/o timeout")
}
