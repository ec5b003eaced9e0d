package compliance

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisObserver appends every observed message, in capture line format, to a Redis list. It
// lets several interceptors running on different hosts feed one central capture.
type RedisObserver struct {
	client  redis.UniversalClient
	key     string
	logger  *slog.Logger
	timeout time.Duration
}

const redisTimeout = 5 * time.Second

// DialRedis connects to addr, either a plain host:port or a redis:// or rediss:// URL, and
// checks the connection.
func DialRedis(ctx context.Context, addr string) (redis.UniversalClient, error) {
	opts := &redis.UniversalOptions{Addrs: []string{addr}}
	if strings.Contains(addr, "://") {
		u, err := redis.ParseURL(addr)
		if err != nil {
			return nil, fmt.Errorf("invalid redis URL: %w", err)
		}
		opts = &redis.UniversalOptions{
			Addrs:     []string{u.Addr},
			Username:  u.Username,
			Password:  u.Password,
			DB:        u.DB,
			TLSConfig: u.TLSConfig,
		}
	}

	c := redis.NewUniversalClient(opts)
	if err := c.Ping(ctx).Err(); err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to reach redis at %s: %w", addr, err)
	}
	return c, nil
}

// NewRedisObserver returns an Observer pushing messages onto the list at key. Push failures
// are logged to logger and do not interrupt interception.
func NewRedisObserver(client redis.UniversalClient, key string, logger *slog.Logger) *RedisObserver {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisObserver{client: client, key: key, logger: logger, timeout: redisTimeout}
}

// Observe implements Observer.
func (r *RedisObserver) Observe(msg AnnotatedMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		r.logger.Error("failed to encode message", "err", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	if err := r.client.RPush(ctx, r.key, data).Err(); err != nil {
		r.logger.Error("failed to push message to redis", slog.String("key", r.key), "err", err)
	}
}

// ReadRedisCapture reads and validates the messages pushed to the list at key.
func ReadRedisCapture(ctx context.Context, client redis.UniversalClient, key string) (Capture, error) {
	entries, err := client.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return Capture{}, fmt.Errorf("failed to read %s: %w", key, err)
	}

	raw := make([]json.RawMessage, 0, len(entries))
	for _, e := range entries {
		raw = append(raw, json.RawMessage(e))
	}
	messages, err := Validate(raw)
	if err != nil {
		return Capture{}, err
	}
	return Capture{Messages: messages}, nil
}
