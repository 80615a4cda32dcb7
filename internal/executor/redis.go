package executor

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig holds blocklist mirror settings.
type RedisConfig struct {
	Addr     string `yaml:"addr" validate:"required"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db" validate:"gte=0"`

	// KeyPrefix namespaces blocklist keys.
	KeyPrefix string `yaml:"key_prefix"`

	// PermanentTTL bounds keys for non-expiring blocks so a dead node
	// cannot leave entries behind forever.
	PermanentTTL time.Duration `yaml:"permanent_ttl" validate:"gt=0"`
}

// DefaultRedisConfig returns the default mirror settings.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:         "localhost:6379",
		KeyPrefix:    "netdefend:block:",
		PermanentTTL: 7 * 24 * time.Hour,
	}
}

// RedisBlocklist wraps an enforcer and mirrors block state to Redis so
// peer nodes share a view of active blocks. Mirror failures are logged
// and do not fail the enforcement action.
type RedisBlocklist struct {
	next   Enforcer
	client *redis.Client
	cfg    RedisConfig
	logger *slog.Logger
}

// NewRedisBlocklist connects to Redis and wraps next with mirroring.
func NewRedisBlocklist(ctx context.Context, cfg RedisConfig, next Enforcer, logger *slog.Logger) (*RedisBlocklist, error) {
	if logger == nil {
		logger = slog.Default()
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("executor: redis unreachable: %w", err)
	}

	return &RedisBlocklist{
		next:   next,
		client: client,
		cfg:    cfg,
		logger: logger,
	}, nil
}

func (r *RedisBlocklist) key(ip net.IP) string {
	return r.cfg.KeyPrefix + ip.String()
}

func (r *RedisBlocklist) Block(ctx context.Context, ip net.IP, timeout time.Duration) error {
	if err := r.next.Block(ctx, ip, timeout); err != nil {
		return err
	}

	ttl := timeout
	if ttl <= 0 {
		ttl = r.cfg.PermanentTTL
	}
	if err := r.client.Set(ctx, r.key(ip), time.Now().UTC().Format(time.RFC3339), ttl).Err(); err != nil {
		r.logger.Warn("failed to mirror block to redis", "ip", ip.String(), "error", err)
	}
	return nil
}

func (r *RedisBlocklist) Unblock(ctx context.Context, ip net.IP) error {
	if err := r.next.Unblock(ctx, ip); err != nil {
		return err
	}
	if err := r.client.Del(ctx, r.key(ip)).Err(); err != nil {
		r.logger.Warn("failed to clear mirrored block", "ip", ip.String(), "error", err)
	}
	return nil
}

func (r *RedisBlocklist) Isolate(ctx context.Context, ip net.IP) error {
	if err := r.next.Isolate(ctx, ip); err != nil {
		return err
	}
	if err := r.client.Set(ctx, r.key(ip)+":isolated", "1", r.cfg.PermanentTTL).Err(); err != nil {
		r.logger.Warn("failed to mirror isolation", "ip", ip.String(), "error", err)
	}
	return nil
}

// Close releases the Redis connection.
func (r *RedisBlocklist) Close() error {
	return r.client.Close()
}
