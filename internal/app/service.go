package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"anchorBot/internal/domain"
	"anchorBot/internal/ports"
)

// ServiceConfig configures the periodic tasks.
type ServiceConfig struct {
	Targets          []domain.Target // positions kept open by the evaluate task
	Leverage         int
	EvaluateInterval time.Duration
	StrengthInterval time.Duration
	SyncInterval     time.Duration
	ReportInterval   time.Duration
	GatewayTimeout   time.Duration

	Lifecycle *Lifecycle
	Exchange  ports.ExchangeGateway
	Logger    ports.Logger
}

// Service runs the evaluate, strength, sync and report tasks on their own
// intervals until the context is cancelled.
type Service struct {
	cfg ServiceConfig
}

// NewService validates cfg and creates a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Lifecycle == nil || cfg.Exchange == nil || cfg.Logger == nil {
		return nil, fmt.Errorf("%w: missing required dependencies for service", ports.ErrConfigurationError)
	}
	if cfg.EvaluateInterval <= 0 || cfg.StrengthInterval <= 0 || cfg.SyncInterval <= 0 || cfg.ReportInterval <= 0 {
		return nil, fmt.Errorf("%w: task intervals must be positive", ports.ErrConfigurationError)
	}
	if cfg.GatewayTimeout <= 0 {
		cfg.GatewayTimeout = 10 * time.Second
	}
	return &Service{cfg: cfg}, nil
}

// Start handles SIGINT/SIGTERM and runs the service until shutdown.
func (s *Service) Start(ctx context.Context) error {
	s.cfg.Logger.Info(ctx, "Starting anchor service...")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			s.cfg.Logger.Info(ctx, "Received shutdown signal", map[string]interface{}{"signal": sig.String()})
			cancel()
		case <-ctx.Done():
		}
	}()

	return s.Run(ctx)
}

// Run prepares the exchange session, performs an initial sync and runs the
// tasks concurrently. It returns nil on cancellation.
func (s *Service) Run(ctx context.Context) error {
	if err := s.prepare(ctx); err != nil {
		return err
	}
	if err := s.cfg.Lifecycle.Sync(ctx); err != nil {
		s.cfg.Logger.Error(ctx, err, "Initial sync failed, continuing")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.every(gctx, "evaluate", s.cfg.EvaluateInterval, func(ctx context.Context) error {
			return s.cfg.Lifecycle.Tick(ctx, s.cfg.Targets)
		})
	})
	g.Go(func() error { return s.every(gctx, "strength", s.cfg.StrengthInterval, s.cfg.Lifecycle.StrengthTick) })
	g.Go(func() error { return s.every(gctx, "sync", s.cfg.SyncInterval, s.cfg.Lifecycle.Sync) })
	g.Go(func() error { return s.every(gctx, "report", s.cfg.ReportInterval, s.cfg.Lifecycle.Report) })

	err := g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	s.cfg.Logger.Info(context.Background(), "Anchor service stopped")
	return nil
}

func (s *Service) prepare(ctx context.Context) error {
	gctx, cancel := context.WithTimeout(ctx, s.cfg.GatewayTimeout)
	defer cancel()
	if err := s.cfg.Exchange.SetServerTime(gctx); err != nil {
		s.cfg.Logger.Error(ctx, err, "Failed to synchronize server time")
		return fmt.Errorf("failed to set server time: %w", err)
	}
	s.cfg.Logger.Info(ctx, "Server time synchronized")

	if s.cfg.Leverage <= 0 {
		return nil
	}
	done := make(map[string]bool)
	for _, t := range s.cfg.Targets {
		if done[t.Symbol] {
			continue
		}
		done[t.Symbol] = true
		lctx, lcancel := context.WithTimeout(ctx, s.cfg.GatewayTimeout)
		err := s.cfg.Exchange.SetLeverage(lctx, t.Symbol, s.cfg.Leverage)
		lcancel()
		if err != nil {
			// Opens still run; the exchange keeps the symbol's current leverage.
			s.cfg.Logger.Warn(ctx, "Failed to set leverage, continuing with current leverage", map[string]interface{}{
				"symbol": t.Symbol, "leverage": s.cfg.Leverage, "error": err.Error(),
			})
		}
	}
	return nil
}

// every runs fn immediately and then on each tick. Task errors are logged;
// only cancellation ends the loop.
func (s *Service) every(ctx context.Context, name string, interval time.Duration, fn func(context.Context) error) error {
	s.cfg.Logger.Info(ctx, "Task scheduled", map[string]interface{}{"task": name, "interval": interval.String()})
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		start := time.Now()
		if err := fn(ctx); err != nil && ctx.Err() == nil {
			s.cfg.Logger.Error(ctx, err, "Task run failed", map[string]interface{}{
				"task": name, "retryable": ports.IsRetryable(err),
			})
		} else if ctx.Err() == nil {
			s.cfg.Logger.Debug(ctx, "Task run finished", map[string]interface{}{"task": name, "took": time.Since(start).String()})
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
