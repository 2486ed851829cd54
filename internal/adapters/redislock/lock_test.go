package redislock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"anchorBot/internal/ports"
)

type mockLogger struct{}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}

func setupLockManager(t *testing.T) (*LockManager, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	lm, err := New(context.Background(), Config{Addr: mr.Addr(), Logger: &mockLogger{}})
	require.NoError(t, err)
	t.Cleanup(func() { lm.Close() })
	return lm, mr
}

func TestLockManager_AcquireRelease(t *testing.T) {
	lm, mr := setupLockManager(t)
	ctx := context.Background()

	unlock, err := lm.Acquire(ctx, "DOGEUSDT:short", 30*time.Second)
	require.NoError(t, err)
	assert.True(t, mr.Exists("anchorbot:lock:DOGEUSDT:short"))

	_, err = lm.Acquire(ctx, "DOGEUSDT:short", 30*time.Second)
	assert.ErrorIs(t, err, ports.ErrConcurrentActionInProgress)

	other, err := lm.Acquire(ctx, "DOGEUSDT:long", 30*time.Second)
	require.NoError(t, err)
	other()

	unlock()
	unlock()
	assert.False(t, mr.Exists("anchorbot:lock:DOGEUSDT:short"))

	again, err := lm.Acquire(ctx, "DOGEUSDT:short", 30*time.Second)
	require.NoError(t, err)
	again()
}

func TestLockManager_ExpiredLockCanBeTaken(t *testing.T) {
	lm, mr := setupLockManager(t)
	ctx := context.Background()

	stale, err := lm.Acquire(ctx, "BTCUSDT:long", 30*time.Second)
	require.NoError(t, err)

	mr.FastForward(31 * time.Second)
	fresh, err := lm.Acquire(ctx, "BTCUSDT:long", 30*time.Second)
	require.NoError(t, err)

	// The stale holder's unlock must not delete the new holder's key.
	stale()
	_, err = lm.Acquire(ctx, "BTCUSDT:long", 30*time.Second)
	assert.ErrorIs(t, err, ports.ErrConcurrentActionInProgress)

	fresh()
	assert.False(t, mr.Exists("anchorbot:lock:BTCUSDT:long"))
}

func TestLockManager_InvalidArguments(t *testing.T) {
	lm, _ := setupLockManager(t)

	_, err := lm.Acquire(context.Background(), "", time.Second)
	assert.ErrorIs(t, err, ports.ErrInvalidRequest)
	_, err = lm.Acquire(context.Background(), "ETHUSDT:long", 0)
	assert.ErrorIs(t, err, ports.ErrInvalidRequest)
}

func TestLockManager_ConnectionFailure(t *testing.T) {
	mr := miniredis.RunT(t)
	lm := NewWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "", &mockLogger{})
	mr.Close()

	_, err := lm.Acquire(context.Background(), "ETHUSDT:long", time.Second)
	assert.ErrorIs(t, err, ports.ErrConnectionFailed)
	assert.True(t, ports.IsRetryable(err))
}

func TestNew_Validation(t *testing.T) {
	_, err := New(context.Background(), Config{Addr: "127.0.0.1:1"})
	assert.Error(t, err)

	_, err = New(context.Background(), Config{Logger: &mockLogger{}})
	assert.ErrorIs(t, err, ports.ErrConfigurationError)
}
