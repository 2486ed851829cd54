package sqlite

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"anchorBot/internal/ports"
)

// Acquire takes the per-key action lock. The row is claimed by one
// conditional upsert: it only overwrites a holder whose lease has expired.
func (r *Repository) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	op := "AcquireLock"
	if key == "" || ttl <= 0 {
		return nil, fmt.Errorf("%s failed: %w: key and positive ttl required", op, ports.ErrInvalidRequest)
	}
	const query = `
	INSERT INTO action_locks (lock_key, token, expires_at) VALUES (?, ?, ?)
	ON CONFLICT(lock_key) DO UPDATE SET token = excluded.token, expires_at = excluded.expires_at
	WHERE action_locks.expires_at <= ?`

	token := uuid.NewString()
	now := r.now()
	result, err := r.db.ExecContext(ctx, query, key, token, now.Add(ttl).UnixMilli(), now.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("%s failed for %s: %w: %w", op, key, ports.ErrUpdateFailed, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("%s failed for %s: %w: %w", op, key, ports.ErrUpdateFailed, err)
	}
	if n == 0 {
		return nil, fmt.Errorf("%s: %s: %w", op, key, ports.ErrConcurrentActionInProgress)
	}
	r.logger.Debug(ctx, "Action lock acquired", map[string]interface{}{"key": key, "ttl": ttl.String()})

	var once sync.Once
	return func() {
		once.Do(func() { r.release(key, token) })
	}, nil
}

// release deletes the lock only if this holder still owns it. It runs on a
// fresh context so a cancelled action still frees its key.
func (r *Repository) release(key, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := r.db.ExecContext(ctx, `DELETE FROM action_locks WHERE lock_key = ? AND token = ?`, key, token)
	if err != nil {
		r.logger.Error(ctx, err, "Failed to release action lock", map[string]interface{}{"key": key})
		return
	}
	r.logger.Debug(ctx, "Action lock released", map[string]interface{}{"key": key})
}
