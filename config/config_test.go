package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"anchorBot/internal/adapters/logger"
	"anchorBot/internal/domain"
	"anchorBot/internal/maintenance"
	"anchorBot/internal/risk"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("BINANCE_API_KEY", "key")
	t.Setenv("BINANCE_API_SECRET", "secret")
}

func TestLoadConfig_Defaults(t *testing.T) {
	setRequired(t)

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.True(t, cfg.IsTestnet)
	assert.Equal(t, "main", cfg.AccountName)
	assert.Equal(t, "USDT", cfg.QuoteAsset)
	assert.Equal(t, domain.MarginIsolated, cfg.MarginMode)
	assert.Equal(t, 10, cfg.Leverage)
	assert.Empty(t, cfg.Targets)
	assert.Equal(t, risk.DefaultTierTable(), cfg.Tiers)

	assert.Equal(t, -10.0, cfg.MaintenanceTrigger)
	assert.Equal(t, 10.0, cfg.MaintenanceMultiplier)
	assert.Equal(t, 15*time.Minute, cfg.MaintenanceCooldown)
	assert.Equal(t, 3, cfg.AnchorMaxMaintenance)
	assert.Equal(t, maintenance.PolicyFixedFraction, cfg.ReducePolicy)
	assert.Equal(t, 0.05, cfg.RetainFraction)
	assert.Len(t, cfg.TargetMarginSchedule, 3)

	assert.Equal(t, 0.6, cfg.MinKeepMargin)
	assert.Equal(t, 40.0, cfg.ProfitTarget)
	assert.Equal(t, -10.0, cfg.StopLoss)
	assert.Equal(t, 8, cfg.Regime.LowProfitCount)

	assert.Equal(t, 10*time.Second, cfg.GatewayTimeout)
	assert.Equal(t, 30*time.Second, cfg.LockTTL)
	assert.Equal(t, LockBackendSQLite, cfg.LockBackend)
	assert.Equal(t, time.Minute, cfg.EvaluateInterval)
	assert.Equal(t, 5*time.Minute, cfg.StrengthInterval)
	assert.Equal(t, 15*time.Minute, cfg.SyncInterval)
	assert.Equal(t, time.Hour, cfg.ReportInterval)

	assert.Equal(t, logger.LevelInfo, cfg.LogLevel)
	assert.Empty(t, cfg.LogFile.Path)
	assert.Empty(t, cfg.MetricsAddr)
}

func TestLoadConfig_Overrides(t *testing.T) {
	setRequired(t)
	t.Setenv("SYMBOLS", "dogeusdt:short:small:anchor, BTCUSDT:long:medium")
	t.Setenv("MARGIN_MODE", "crossed")
	t.Setenv("MAINTENANCE_EXCLUDED", "ETHUSDT, *")
	t.Setenv("REDUCE_POLICY", "target_margin_schedule")
	t.Setenv("TARGET_MARGIN_SCHEDULE", "0:1,1:2")
	t.Setenv("EVALUATE_INTERVAL", "30s")
	t.Setenv("SYNC_INTERVAL", "5")
	t.Setenv("LOCK_BACKEND", "redis")
	t.Setenv("REDIS_ADDR", "localhost:6379")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("NOTIFY_EVENTS", "open,close")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	require.Len(t, cfg.Targets, 2)
	assert.Equal(t, domain.Target{Symbol: "DOGEUSDT", Side: domain.Short, Tier: domain.TierSmall, Anchor: true}, cfg.Targets[0])
	assert.Equal(t, domain.TierMedium, cfg.Targets[1].Tier)
	assert.Equal(t, domain.MarginCrossed, cfg.MarginMode)
	assert.Equal(t, []string{"ETHUSDT", "*"}, cfg.MaintenanceExcluded)
	assert.Equal(t, []maintenance.MarginStep{{MinCount: 0, Margin: 1}, {MinCount: 1, Margin: 2}}, cfg.TargetMarginSchedule)
	assert.Equal(t, 30*time.Second, cfg.EvaluateInterval)
	assert.Equal(t, 5*time.Minute, cfg.SyncInterval)
	assert.Equal(t, LockBackendRedis, cfg.LockBackend)
	assert.Equal(t, logger.LevelDebug, cfg.LogLevel)
	assert.Equal(t, []string{"open", "close"}, cfg.NotifyEvents)
}

func TestLoadConfig_CollectsErrors(t *testing.T) {
	t.Setenv("BINANCE_API_KEY", "")
	t.Setenv("BINANCE_API_SECRET", "")
	t.Setenv("LEVERAGE", "abc")
	t.Setenv("MAINTENANCE_TRIGGER", "5")
	t.Setenv("STOP_LOSS", "3")
	t.Setenv("SYMBOLS", "BTCUSDT:long:huge,BTCUSDT:sideways:small")
	t.Setenv("LOCK_TTL_SECONDS", "5")
	t.Setenv("LOCK_BACKEND", "redis")
	t.Setenv("REPORT_INTERVAL", "soon")
	t.Setenv("TELEGRAM_BOT_TOKEN", "token")

	_, err := LoadConfig()
	require.Error(t, err)
	msg := err.Error()
	for _, want := range []string{
		"BINANCE_API_KEY must be set",
		"BINANCE_API_SECRET must be set",
		"invalid LEVERAGE",
		"MAINTENANCE_TRIGGER must be negative",
		"STOP_LOSS must be negative",
		"unknown tier 'huge'",
		"invalid SYMBOLS entry",
		"LOCK_TTL_SECONDS must exceed",
		"REDIS_ADDR must be set",
		"invalid REPORT_INTERVAL",
		"TELEGRAM_BOT_TOKEN and TELEGRAM_CHAT_ID",
	} {
		assert.Contains(t, msg, want)
	}
}

func TestLoadConfig_DuplicateTarget(t *testing.T) {
	setRequired(t)
	t.Setenv("SYMBOLS", "BTCUSDT:long:small,btcusdt:long:large")
	_, err := LoadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SYMBOLS lists BTCUSDT:long twice")
}

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tiers.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadTierTable(t *testing.T) {
	path := writeFile(t, `
[tiers.small]
open_percent = 0.01
add_percent = 0.01
max_count = 10

[tiers.Scalp]
open_percent = 0.005
add_percent = 0
max_count = 2
`)
	table, err := LoadTierTable(path)
	require.NoError(t, err)
	assert.Equal(t, risk.TierConfig{OpenPercent: 0.01, AddPercent: 0.01, MaxCount: 10}, table[domain.TierSmall])
	assert.Equal(t, 2, table["scalp"].MaxCount)

	setRequired(t)
	t.Setenv("TIER_TABLE_FILE", path)
	t.Setenv("SYMBOLS", "XRPUSDT:long:scalp")
	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Len(t, cfg.Tiers, 2)
	assert.Equal(t, domain.Tier("scalp"), cfg.Targets[0].Tier)
}

func TestLoadTierTable_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"unknown key", "[tiers.small]\nopen_percent = 0.01\nmax_count = 1\nleverage = 5\n", "unknown keys"},
		{"invalid percent", "[tiers.small]\nopen_percent = 2.0\nmax_count = 1\n", "open_percent"},
		{"reserved tier", "[tiers.none]\nopen_percent = 0.1\nmax_count = 1\n", "reserved"},
		{"empty", "", "empty"},
		{"bad syntax", "[tiers.small\n", "failed to read"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadTierTable(writeFile(t, tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	_, err := LoadTierTable(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}
