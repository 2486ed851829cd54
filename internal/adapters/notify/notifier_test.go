package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"anchorBot/internal/domain"
)

type mockLogger struct {
	mu     sync.Mutex
	errors []string
	infos  []string
}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.infos = append(m.infos, msg)
}
func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors = append(m.errors, msg)
}

type recordingSender struct {
	mu    sync.Mutex
	name  string
	err   error
	block chan struct{}
	sent  []string
}

func (r *recordingSender) Send(ctx context.Context, title, message string) error {
	if r.block != nil {
		select {
		case <-r.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, title)
	return r.err
}

func (r *recordingSender) Name() string { return r.name }

func (r *recordingSender) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

func TestNotifier_FansOutAndFilters(t *testing.T) {
	logger := &mockLogger{}
	a := &recordingSender{name: "a"}
	b := &recordingSender{name: "b", err: errors.New("down")}
	n, err := NewNotifier(Config{Senders: []Sender{a, b}, Events: []string{" Strength ", "close"}, Logger: logger})
	require.NoError(t, err)

	ctx := context.Background()
	n.Advise(ctx, domain.Advisory{Event: EventStrength, Title: "Short strength level 3"})
	n.Advise(ctx, domain.Advisory{Event: EventOpen, Title: "Opened"})
	n.Advise(ctx, domain.Advisory{Event: EventClose, Title: "Closed"})
	n.Wait()

	assert.Equal(t, 2, a.count())
	assert.Equal(t, 2, b.count())
	logger.mu.Lock()
	assert.Len(t, logger.errors, 2, "failing sender is logged, not propagated")
	logger.mu.Unlock()
}

func TestNotifier_AdviseDoesNotBlock(t *testing.T) {
	slow := &recordingSender{name: "slow", block: make(chan struct{})}
	n, err := NewNotifier(Config{Senders: []Sender{slow}, Logger: &mockLogger{}, SendTimeout: time.Second})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		n.Advise(context.Background(), domain.Advisory{Event: EventReport, Title: "Report"})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("Advise blocked on delivery")
	}
	close(slow.block)
	n.Wait()
	assert.Equal(t, 1, slow.count())
}

func TestNotifier_CallerCancelDoesNotDropDelivery(t *testing.T) {
	s := &recordingSender{name: "s"}
	n, err := NewNotifier(Config{Senders: []Sender{s}, Logger: &mockLogger{}})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	n.Advise(ctx, domain.Advisory{Event: EventMaintenance, Title: "Maintained"})
	n.Wait()
	assert.Equal(t, 1, s.count())
}

func TestFormatMessage(t *testing.T) {
	msg := FormatMessage(domain.Advisory{
		Message: "re-entry point near 50%",
		Fields:  map[string]interface{}{"level": 1, "ge40": 3},
	})
	assert.Equal(t, "re-entry point near 50%\nge40: 3\nlevel: 1", msg)
	assert.Equal(t, "k: v", FormatMessage(domain.Advisory{Fields: map[string]interface{}{"k": "v"}}))
}

func TestLogSender(t *testing.T) {
	logger := &mockLogger{}
	s := NewLogSender(logger)
	require.NoError(t, s.Send(context.Background(), "Opened DOGEUSDT:short", "size 100"))
	assert.Equal(t, []string{"ADVISORY: Opened DOGEUSDT:short"}, logger.infos)
}

func TestTelegramSender(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/botTOKEN/sendMessage", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewTelegramSender("TOKEN", "42")
	s.baseURL = srv.URL
	require.NoError(t, s.Send(context.Background(), "Closed", "pnl 1.5"))
	assert.Equal(t, "42", got["chat_id"])
	assert.Equal(t, "Closed\npnl 1.5", got["text"])
}

func TestTelegramSender_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "chat not found", http.StatusBadRequest)
	}))
	defer srv.Close()

	s := NewTelegramSender("TOKEN", "missing")
	s.baseURL = srv.URL
	err := s.Send(context.Background(), "t", "m")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected status 400")
}

func TestNewNotifier_RequiresLogger(t *testing.T) {
	_, err := NewNotifier(Config{})
	assert.Error(t, err)
}
