// Package bootstrap builds the policy components and the lifecycle from
// configuration. The engine binary and the operator tools share it.
package bootstrap

import (
	"context"
	"fmt"

	"anchorBot/config"
	"anchorBot/internal/adapters/notify"
	"anchorBot/internal/adapters/redislock"
	"anchorBot/internal/adapters/sqlite"
	"anchorBot/internal/app"
	"anchorBot/internal/maintenance"
	"anchorBot/internal/metrics"
	"anchorBot/internal/ports"
	"anchorBot/internal/risk"
	"anchorBot/internal/strength"
)

// Deps are the adapters the lifecycle runs against.
type Deps struct {
	Exchange ports.ExchangeGateway
	Store    ports.Store
	Locker   ports.KeyLocker
	Advisor  ports.AdvisorySink // optional
	Metrics  *metrics.Metrics   // optional
	Logger   ports.Logger
}

// NewClassifier builds the market strength classifier.
func NewClassifier(cfg *config.Config) *strength.Classifier {
	return strength.NewClassifier(cfg.Regime)
}

// NewLifecycle builds the sizer, the reduce policy, the maintenance engine
// and the classifier, then the lifecycle on top of them.
func NewLifecycle(cfg *config.Config, deps Deps) (*app.Lifecycle, error) {
	sizer, err := risk.NewPositionSizer(cfg.Tiers)
	if err != nil {
		return nil, fmt.Errorf("failed to build position sizer: %w", err)
	}
	policy, err := maintenance.NewReducePolicy(cfg.ReducePolicy, cfg.RetainFraction, cfg.TargetMarginSchedule)
	if err != nil {
		return nil, fmt.Errorf("failed to build reduce policy: %w: %v", ports.ErrConfigurationError, err)
	}
	engine, err := maintenance.NewEngine(maintenance.Config{
		Trigger:        cfg.MaintenanceTrigger,
		Multiplier:     cfg.MaintenanceMultiplier,
		Cooldown:       cfg.MaintenanceCooldown,
		AnchorMaxCount: cfg.AnchorMaxMaintenance,
		Excluded:       cfg.MaintenanceExcluded,
		MinKeepMargin:  cfg.MinKeepMargin,
		QuoteAsset:     cfg.QuoteAsset,
		GatewayTimeout: cfg.GatewayTimeout,
		Policy:         policy,
		Sizer:          sizer,
		Exchange:       deps.Exchange,
		Store:          deps.Store,
		Logger:         deps.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build maintenance engine: %w", err)
	}
	return app.NewLifecycle(app.LifecycleConfig{
		ProfitTarget:   cfg.ProfitTarget,
		StopLoss:       cfg.StopLoss,
		MinKeepMargin:  cfg.MinKeepMargin,
		Leverage:       cfg.Leverage,
		MarginMode:     cfg.MarginMode,
		QuoteAsset:     cfg.QuoteAsset,
		GatewayTimeout: cfg.GatewayTimeout,
		LockTTL:        cfg.LockTTL,
		Sizer:          sizer,
		Maintenance:    engine,
		Classifier:     NewClassifier(cfg),
		Exchange:       deps.Exchange,
		Store:          deps.Store,
		Locker:         deps.Locker,
		Advisor:        deps.Advisor,
		Metrics:        deps.Metrics,
		Logger:         deps.Logger,
	})
}

// NewLocker returns the configured key locker and a close function. The
// SQLite backend shares the repository's database.
func NewLocker(ctx context.Context, cfg *config.Config, repo *sqlite.Repository, logger ports.Logger) (ports.KeyLocker, func() error, error) {
	switch cfg.LockBackend {
	case config.LockBackendRedis:
		lm, err := redislock.New(ctx, redislock.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Logger:   logger,
		})
		if err != nil {
			return nil, nil, err
		}
		return lm, lm.Close, nil
	case config.LockBackendSQLite, "":
		return repo, func() error { return nil }, nil
	default:
		return nil, nil, fmt.Errorf("%w: unknown lock backend '%s'", ports.ErrConfigurationError, cfg.LockBackend)
	}
}

// NewNotifier builds the advisory notifier: a log sender always, plus
// Telegram when configured.
func NewNotifier(cfg *config.Config, logger ports.Logger) (*notify.Notifier, error) {
	senders := []notify.Sender{notify.NewLogSender(logger)}
	if cfg.TelegramBotToken != "" && cfg.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(cfg.TelegramBotToken, cfg.TelegramChatID))
	}
	return notify.NewNotifier(notify.Config{
		Senders: senders,
		Events:  cfg.NotifyEvents,
		Logger:  logger,
	})
}
