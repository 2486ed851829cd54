// Package redislock implements ports.KeyLocker on Redis so several engine
// processes can share per-position action locks.
package redislock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"anchorBot/internal/ports"
)

// unlockLua deletes the key only while it still holds the caller's token.
const unlockLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// Config holds connection parameters for the lock manager.
type Config struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string // defaults to "anchorbot:lock:"
	Logger    ports.Logger
}

// LockManager takes per-key locks with SET NX PX and releases them with a
// token-checked Lua delete.
type LockManager struct {
	rdb      *redis.Client
	unlockSc *redis.Script
	prefix   string
	logger   ports.Logger
}

// New connects to Redis and verifies the connection with a ping.
func New(ctx context.Context, cfg Config) (*LockManager, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for redis lock manager")
	}
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis lock manager: %w: address is required", ports.ErrConfigurationError)
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis lock manager ping failed: %w: %w", ports.ErrConnectionFailed, err)
	}
	cfg.Logger.Info(ctx, "Redis lock manager connected", map[string]interface{}{"addr": cfg.Addr, "db": cfg.DB})
	return NewWithClient(rdb, cfg.KeyPrefix, cfg.Logger), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(rdb *redis.Client, prefix string, logger ports.Logger) *LockManager {
	if prefix == "" {
		prefix = "anchorbot:lock:"
	}
	return &LockManager{
		rdb:      rdb,
		unlockSc: redis.NewScript(unlockLua),
		prefix:   prefix,
		logger:   logger,
	}
}

// Acquire takes the lock for key. The returned unlock func is safe to call
// more than once and runs on its own context, so a cancelled action still
// frees the key.
func (lm *LockManager) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	op := "AcquireLock"
	if key == "" || ttl <= 0 {
		return nil, fmt.Errorf("%s failed: %w: key and positive ttl required", op, ports.ErrInvalidRequest)
	}
	token := uuid.NewString()
	lk := lm.prefix + key

	ok, err := lm.rdb.SetNX(ctx, lk, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("%s failed for %s: %w: %w", op, key, ports.ErrConnectionFailed, err)
	}
	if !ok {
		return nil, fmt.Errorf("%s: %s: %w", op, key, ports.ErrConcurrentActionInProgress)
	}
	lm.logger.Debug(ctx, "Action lock acquired", map[string]interface{}{"key": key, "ttl": ttl.String()})

	var once sync.Once
	return func() {
		once.Do(func() {
			unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := lm.unlockSc.Run(unlockCtx, lm.rdb, []string{lk}, token).Err(); err != nil {
				lm.logger.Error(unlockCtx, err, "Failed to release action lock", map[string]interface{}{"key": key})
				return
			}
			lm.logger.Debug(unlockCtx, "Action lock released", map[string]interface{}{"key": key})
		})
	}, nil
}

// Close closes the Redis connection.
func (lm *LockManager) Close() error {
	return lm.rdb.Close()
}

var _ ports.KeyLocker = (*LockManager)(nil)
