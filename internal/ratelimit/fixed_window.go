package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

var fixedWindowScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return count
`)

// Config describes a per-user fixed window.
type Config struct {
	Addr     string
	Password string
	Prefix   string
	Limit    int
	Window   time.Duration
}

// UserLimiter caps inbound messages per user in a fixed time window.
// Counters live in Redis so every replica shares them.
type UserLimiter struct {
	limit  int
	window time.Duration

	redisClient *redis.Client
	redisPrefix string
	now         func() time.Time
}

// NewUserLimiter creates a Redis-backed per-user limiter.
func NewUserLimiter(cfg Config) (*UserLimiter, error) {
	if cfg.Limit <= 0 || cfg.Window <= 0 {
		return nil, errors.New("rate limiter requires positive limit and window")
	}
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, errors.New("rate limiter redis addr is required")
	}
	prefix := strings.TrimSpace(cfg.Prefix)
	if prefix == "" {
		prefix = "formbot:ratelimit"
	}
	return &UserLimiter{
		limit:  cfg.Limit,
		window: cfg.Window,
		redisClient: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: cfg.Password,
		}),
		redisPrefix: prefix,
		now:         time.Now,
	}, nil
}

// Allow reports whether the user is within quota. A Redis failure is
// returned together with true so callers keep serving users.
func (l *UserLimiter) Allow(ctx context.Context, userID int64) (bool, error) {
	if l == nil {
		return true, nil
	}
	windowMs := l.window.Milliseconds()
	if windowMs <= 0 {
		return true, nil
	}
	windowSlot := l.now().UTC().UnixMilli() / windowMs
	redisKey := fmt.Sprintf("%s:%s:%d", l.redisPrefix, strconv.FormatInt(userID, 10), windowSlot)
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	res, err := fixedWindowScript.Run(ctx, l.redisClient, []string{redisKey}, windowMs).Int64()
	if err != nil {
		return true, fmt.Errorf("rate limit check: %w", err)
	}
	return res <= int64(l.limit), nil
}

// Close releases the Redis client.
func (l *UserLimiter) Close() error {
	return l.redisClient.Close()
}
