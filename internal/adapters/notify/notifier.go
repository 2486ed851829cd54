// Package notify delivers advisories to operators. Delivery never blocks the
// trading path: Advise hands the message to a goroutine and returns.
package notify

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"anchorBot/internal/domain"
	"anchorBot/internal/ports"
)

// Event types.
const (
	EventStrength    = "strength"
	EventOpen        = "open"
	EventClose       = "close"
	EventMaintenance = "maintenance"
	EventReport      = "report"
)

// Sender is one delivery channel.
type Sender interface {
	Send(ctx context.Context, title, message string) error
	Name() string
}

// Config configures a Notifier.
type Config struct {
	Senders     []Sender
	Events      []string      // allowed events; empty allows all
	SendTimeout time.Duration // per delivery, defaults to 10s
	Logger      ports.Logger
}

// Notifier fans advisories out to every sender.
type Notifier struct {
	senders []Sender
	events  map[string]bool
	timeout time.Duration
	logger  ports.Logger
	wg      sync.WaitGroup
}

// NewNotifier builds a Notifier.
func NewNotifier(cfg Config) (*Notifier, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for notifier")
	}
	allowed := make(map[string]bool, len(cfg.Events))
	for _, e := range cfg.Events {
		if e = strings.ToLower(strings.TrimSpace(e)); e != "" {
			allowed[e] = true
		}
	}
	timeout := cfg.SendTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Notifier{
		senders: cfg.Senders,
		events:  allowed,
		timeout: timeout,
		logger:  cfg.Logger,
	}, nil
}

// Advise queues adv for delivery and returns immediately. Failures are only
// logged.
func (n *Notifier) Advise(ctx context.Context, adv domain.Advisory) {
	if len(n.senders) == 0 {
		return
	}
	if len(n.events) > 0 && !n.events[adv.Event] {
		n.logger.Debug(ctx, "Advisory filtered out", map[string]interface{}{"event": adv.Event})
		return
	}
	title, message := adv.Title, FormatMessage(adv)

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		// Detached from the caller: a finished tick must not cancel delivery.
		sendCtx, cancel := context.WithTimeout(context.Background(), n.timeout)
		defer cancel()
		n.dispatch(sendCtx, adv.Event, title, message)
	}()
}

// Wait blocks until queued deliveries finish, for shutdown.
func (n *Notifier) Wait() {
	n.wg.Wait()
}

func (n *Notifier) dispatch(ctx context.Context, event, title, message string) {
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			n.logger.Error(ctx, err, "Advisory delivery failed", map[string]interface{}{
				"sender": s.Name(), "event": event,
			})
			continue
		}
		n.logger.Debug(ctx, "Advisory sent", map[string]interface{}{"sender": s.Name(), "event": event})
	}
}

// FormatMessage renders the message followed by sorted key: value lines.
func FormatMessage(adv domain.Advisory) string {
	var sb strings.Builder
	sb.WriteString(adv.Message)
	keys := make([]string, 0, len(adv.Fields))
	for k := range adv.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if sb.Len() > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(fmt.Sprintf("%s: %v", k, adv.Fields[k]))
	}
	return sb.String()
}

// LogSender writes advisories to the engine log.
type LogSender struct {
	logger ports.Logger
}

// NewLogSender creates a LogSender.
func NewLogSender(logger ports.Logger) *LogSender {
	return &LogSender{logger: logger}
}

// Send logs the advisory at info level.
func (l *LogSender) Send(ctx context.Context, title, message string) error {
	l.logger.Info(ctx, "ADVISORY: "+title, map[string]interface{}{"message": message})
	return nil
}

// Name returns the sender identifier.
func (l *LogSender) Name() string {
	return "log"
}

var _ ports.AdvisorySink = (*Notifier)(nil)
