package app

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"anchorBot/internal/domain"
	"anchorBot/internal/ports"
)

func TestLifecycle_Tick(t *testing.T) {
	ctx := context.Background()

	t.Run("acts on stored positions and opens missing targets", func(t *testing.T) {
		env := newTestEnv(t)
		btc := env.store.seed(openPosition("BTCUSDT", domain.Long, 1, 100))
		env.gw.positions = []domain.PositionReport{
			liveReport("BTCUSDT", domain.Long, 1, 100, 10, 6), // 60%: take profit
			liveReport("XRPUSDT", domain.Long, 5, 1, 0.5, 0),  // untracked
		}
		env.gw.prices = map[string]float64{"BTCUSDT": 160, "ETHUSDT": 2000, "XRPUSDT": 1}

		targets := []domain.Target{
			{Symbol: "ETHUSDT", Side: domain.Short, Tier: domain.TierSmall},
			{Symbol: "XRPUSDT", Side: domain.Long, Tier: domain.TierSmall},
			{Symbol: "BTCUSDT", Side: domain.Long, Tier: domain.TierSmall},
		}
		require.NoError(t, env.lc.Tick(ctx, targets))

		stored := env.store.get(btc.ID)
		assert.Equal(t, domain.StateClosed, stored.State)
		assert.Equal(t, domain.CloseReasonTakeProfit, stored.CloseReason)

		eth, err := env.store.FindOpen(ctx, "ETHUSDT", domain.Short)
		require.NoError(t, err)
		require.NotNil(t, eth)
		assert.InDelta(t, 0.01, eth.Size, 1e-12)

		xrp, err := env.store.FindOpen(ctx, "XRPUSDT", domain.Long)
		require.NoError(t, err)
		assert.Nil(t, xrp, "untracked exposure is left to sync")

		require.Len(t, env.gw.orders, 1)
		assert.Equal(t, "ETHUSDT", env.gw.orders[0].Symbol)
		assert.Equal(t, domain.Sell, env.gw.orders[0].Side)
	})

	t.Run("busy key is skipped quietly", func(t *testing.T) {
		env := newTestEnv(t)
		btc := env.store.seed(openPosition("BTCUSDT", domain.Long, 1, 100))
		env.gw.positions = []domain.PositionReport{liveReport("BTCUSDT", domain.Long, 1, 100, 10, 6)}
		env.gw.prices["BTCUSDT"] = 160
		env.locker.busy["BTCUSDT:long"] = true

		require.NoError(t, env.lc.Tick(ctx, nil))
		assert.Equal(t, domain.StateOpen, env.store.get(btc.ID).State)
		assert.Zero(t, env.gw.closeCount())
		assert.True(t, env.logger.has("debug", "key busy"))
		assert.False(t, env.logger.has("error", "Action failed"))
	})

	t.Run("refused opens are logged, not returned", func(t *testing.T) {
		env := newTestEnv(t)
		env.gw.prices["ETHUSDT"] = 2000
		env.gw.balance = 0
		err := env.lc.Tick(ctx, []domain.Target{{Symbol: "ETHUSDT", Side: domain.Short, Tier: domain.TierSmall}})
		require.NoError(t, err)
		assert.True(t, env.logger.has("info", "Open refused"))
	})

	t.Run("gateway failure fails the tick", func(t *testing.T) {
		env := newTestEnv(t)
		env.gw.positionsErr = fmt.Errorf("positions: %w", ports.ErrRateLimited)
		err := env.lc.Tick(ctx, nil)
		assert.ErrorIs(t, err, ports.ErrRateLimited)
		assert.True(t, ports.IsRetryable(err))
	})
}

func TestLifecycle_Sync(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	gone := env.store.seed(openPosition("ADAUSDT", domain.Long, 100, 0.5))
	kept := env.store.seed(openPosition("BTCUSDT", domain.Short, 1, 100))
	env.gw.positions = []domain.PositionReport{
		liveReport("BTCUSDT", domain.Short, 1.5, 101, 15, -2),
		liveReport("DOGEUSDT", domain.Short, 1000, 0.1, 10, 1),
	}

	require.NoError(t, env.lc.Sync(ctx))

	archived := env.store.get(gone.ID)
	assert.Equal(t, domain.StateClosed, archived.State)
	assert.Equal(t, domain.CloseReasonExternal, archived.CloseReason)
	require.Len(t, env.store.closes, 1)
	assert.Equal(t, domain.CloseReasonExternal, env.store.closes[0].Reason)

	reconciled := env.store.get(kept.ID)
	assert.InDelta(t, 1.5, reconciled.Size, 1e-12)
	assert.InDelta(t, 101.0, reconciled.EntryPrice, 1e-12)

	adopted, err := env.store.FindOpen(ctx, "DOGEUSDT", domain.Short)
	require.NoError(t, err)
	require.NotNil(t, adopted)
	assert.Equal(t, domain.TierNone, adopted.Tier)
	assert.Equal(t, domain.StateOpen, adopted.State)
	assert.Equal(t, testNow, adopted.CreatedAt)

	// A second pass changes nothing.
	require.NoError(t, env.lc.Sync(ctx))
	open, err := env.store.FindAllOpen(ctx)
	require.NoError(t, err)
	assert.Len(t, open, 2)
	assert.Len(t, env.store.closes, 1)
}

func TestLifecycle_SyncSkipsBusyKeys(t *testing.T) {
	env := newTestEnv(t)
	pos := env.store.seed(openPosition("ADAUSDT", domain.Long, 100, 0.5))
	env.locker.busy["ADAUSDT:long"] = true

	require.NoError(t, env.lc.Sync(context.Background()))
	assert.Equal(t, domain.StateOpen, env.store.get(pos.ID).State)
	assert.Empty(t, env.store.closes)
}

func TestLifecycle_StrengthTick(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.gw.positions = []domain.PositionReport{
		liveReport("BTCUSDT", domain.Short, 1, 100, 10, 4.5),
		liveReport("ETHUSDT", domain.Short, 1, 100, 10, 4.2),
		liveReport("SOLUSDT", domain.Short, 1, 100, 10, 4.1),
	}

	require.NoError(t, env.lc.StrengthTick(ctx))
	assert.Equal(t, []string{"strength", "strength"}, env.sink.events())
	first := env.sink.advisories[0]
	assert.Equal(t, "short strength level 1", first.Title)

	// Unchanged levels stay quiet.
	require.NoError(t, env.lc.StrengthTick(ctx))
	assert.Len(t, env.sink.events(), 2)

	env.gw.mu.Lock()
	env.gw.positions = append(env.gw.positions, liveReport("XRPUSDT", domain.Long, 10, 1, 1, 1.05))
	env.gw.mu.Unlock()
	require.NoError(t, env.lc.StrengthTick(ctx))
	require.Len(t, env.sink.events(), 3)
	assert.Equal(t, fmt.Sprintf("long strength level %d", domain.LevelExtreme), env.sink.advisories[2].Title)
}

func TestLifecycle_Report(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	p := openPosition("BTCUSDT", domain.Long, 1, 100)
	p.UnrealizedPNL = 2
	env.store.seed(p)
	_, err := env.store.CreateCloseRecord(ctx, &domain.CloseRecord{Symbol: "ETHUSDT", RealizedPNL: 12.5})
	require.NoError(t, err)

	require.NoError(t, env.lc.Report(ctx))
	require.Len(t, env.sink.advisories, 1)
	adv := env.sink.advisories[0]
	assert.Equal(t, "report", adv.Event)
	assert.Contains(t, adv.Message, "BTCUSDT:long")
	assert.Equal(t, 12.5, adv.Fields["realizedPNL"])
	assert.Equal(t, 2.0, adv.Fields["unrealizedPNL"])
	assert.Equal(t, 1, adv.Fields["open"])
}

func newTestService(t *testing.T, env *testEnv, targets []domain.Target) *Service {
	t.Helper()
	svc, err := NewService(ServiceConfig{
		Targets:          targets,
		Leverage:         10,
		EvaluateInterval: 10 * time.Millisecond,
		StrengthInterval: 10 * time.Millisecond,
		SyncInterval:     10 * time.Millisecond,
		ReportInterval:   10 * time.Millisecond,
		GatewayTimeout:   time.Second,
		Lifecycle:        env.lc,
		Exchange:         env.gw,
		Logger:           env.logger,
	})
	require.NoError(t, err)
	return svc
}

func TestNewService_Validation(t *testing.T) {
	env := newTestEnv(t)
	_, err := NewService(ServiceConfig{Exchange: env.gw, Logger: env.logger, EvaluateInterval: time.Second})
	assert.ErrorIs(t, err, ports.ErrConfigurationError)

	_, err = NewService(ServiceConfig{Lifecycle: env.lc, Exchange: env.gw, Logger: env.logger, EvaluateInterval: time.Second})
	assert.ErrorIs(t, err, ports.ErrConfigurationError)
}

func TestService_Run(t *testing.T) {
	env := newTestEnv(t)
	env.gw.prices["BTCUSDT"] = 100
	env.gw.trackOpens = true
	targets := []domain.Target{
		{Symbol: "BTCUSDT", Side: domain.Long, Tier: domain.TierSmall},
		{Symbol: "BTCUSDT", Side: domain.Short, Tier: domain.TierSmall},
	}
	svc := newTestService(t, env, targets)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	require.Eventually(t, func() bool {
		open, _ := env.store.FindAllOpen(context.Background())
		return len(open) == 2
	}, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("service did not stop after cancel")
	}

	env.gw.mu.Lock()
	defer env.gw.mu.Unlock()
	assert.Equal(t, 1, env.gw.serverTimes)
	assert.Equal(t, map[string]int{"BTCUSDT": 10}, env.gw.leverages)
}

func TestService_RunFailsWithoutServerTime(t *testing.T) {
	env := newTestEnv(t)
	env.gw.serverTimeErr = fmt.Errorf("time: %w", ports.ErrConnectionFailed)
	svc := newTestService(t, env, nil)

	err := svc.Run(context.Background())
	assert.ErrorIs(t, err, ports.ErrConnectionFailed)
}

func TestService_LeverageFailureIsNotFatal(t *testing.T) {
	env := newTestEnv(t)
	env.gw.leverageErr = errors.New("leverage rejected")
	svc := newTestService(t, env, []domain.Target{{Symbol: "BTCUSDT", Side: domain.Long, Tier: domain.TierSmall}})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, svc.Run(ctx))
	assert.True(t, env.logger.has("warn", "Failed to set leverage"))
}
