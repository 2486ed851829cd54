package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"

	"anchorBot/internal/adapters/logger" // Import the logger package for LogLevel
	"anchorBot/internal/domain"
	"anchorBot/internal/maintenance"
	"anchorBot/internal/risk"
	"anchorBot/internal/strength"
)

// Lock backends accepted by LOCK_BACKEND.
const (
	LockBackendSQLite = "sqlite"
	LockBackendRedis  = "redis"
)

// Config holds all application configuration.
type Config struct {
	// Binance API
	APIKey            string
	SecretKey         string
	IsTestnet         bool
	AccountName       string
	HedgeMode         bool
	QuoteAsset        string
	MarginMode        domain.MarginMode
	QuantityPrecision int

	// Positions kept open, from SYMBOLS ("DOGEUSDT:short:small:anchor,...")
	Targets  []domain.Target
	Leverage int

	// Tiers
	TierTableFile string
	Tiers         risk.TierTable

	// Maintenance
	MaintenanceTrigger    float64 // profit-rate percent, e.g. -10
	MaintenanceMultiplier float64
	MaintenanceCooldown   time.Duration
	AnchorMaxMaintenance  int
	MaintenanceExcluded   []string
	ReducePolicy          string
	RetainFraction        float64
	TargetMarginSchedule  []maintenance.MarginStep

	// Close thresholds
	MinKeepMargin float64
	ProfitTarget  float64
	StopLoss      float64

	// Market strength
	Regime strength.RegimeThresholds

	// Concurrency
	GatewayTimeout time.Duration
	LockTTL        time.Duration
	LockBackend    string
	RedisAddr      string
	RedisPassword  string
	RedisDB        int

	// Periodic tasks
	EvaluateInterval time.Duration
	StrengthInterval time.Duration
	SyncInterval     time.Duration
	ReportInterval   time.Duration

	// Database
	DBPath string

	// Logging
	LogLevel logger.LogLevel // Use the LogLevel type from the logger adapter
	LogFile  logger.FileConfig

	// Observability and advisories
	MetricsAddr      string // empty disables the metrics endpoint
	TelegramBotToken string
	TelegramChatID   string
	NotifyEvents     []string
}

// LoadConfig loads configuration from environment variables (.env file).
func LoadConfig() (*Config, error) {
	// Load .env file, but don't fail if it doesn't exist (allow pure env vars)
	_ = godotenv.Load()

	cfg := &Config{}
	var err error
	var errs []string // Collect validation errors

	// Binance API
	cfg.APIKey = getEnv("BINANCE_API_KEY", "")
	cfg.SecretKey = getEnv("BINANCE_API_SECRET", "")
	cfg.IsTestnet = getEnvAsBool("IS_TESTNET", true) // Default to testnet for safety
	cfg.AccountName = getEnv("ACCOUNT_NAME", "main")
	cfg.HedgeMode = getEnvAsBool("HEDGE_MODE", false)
	cfg.QuoteAsset = strings.ToUpper(getEnv("QUOTE_ASSET", "USDT"))

	if cfg.APIKey == "" {
		errs = append(errs, "BINANCE_API_KEY must be set")
	}
	if cfg.SecretKey == "" {
		errs = append(errs, "BINANCE_API_SECRET must be set")
	}

	switch mode := domain.MarginMode(strings.ToLower(getEnv("MARGIN_MODE", "isolated"))); mode {
	case domain.MarginIsolated, domain.MarginCrossed:
		cfg.MarginMode = mode
	default:
		errs = append(errs, fmt.Sprintf("MARGIN_MODE must be isolated or crossed, got '%s'", mode))
	}

	cfg.QuantityPrecision, err = getEnvAsIntRequired("QUANTITY_PRECISION", 3)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid QUANTITY_PRECISION: %v", err))
	} else if cfg.QuantityPrecision < 0 {
		errs = append(errs, "QUANTITY_PRECISION cannot be negative")
	}

	cfg.Leverage, err = getEnvAsIntRequired("LEVERAGE", 10)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid LEVERAGE: %v", err))
	} else if cfg.Leverage <= 0 {
		errs = append(errs, "LEVERAGE must be positive")
	}

	// Tiers
	cfg.TierTableFile = getEnv("TIER_TABLE_FILE", "")
	if cfg.TierTableFile == "" {
		cfg.Tiers = risk.DefaultTierTable()
	} else if cfg.Tiers, err = LoadTierTable(cfg.TierTableFile); err != nil {
		errs = append(errs, err.Error())
	}

	seen := make(map[string]bool)
	for _, raw := range getEnvAsList("SYMBOLS") {
		t, err := domain.ParseTarget(raw)
		if err != nil {
			errs = append(errs, fmt.Sprintf("invalid SYMBOLS entry: %v", err))
			continue
		}
		if seen[t.Key()] {
			errs = append(errs, fmt.Sprintf("SYMBOLS lists %s twice", t.Key()))
			continue
		}
		seen[t.Key()] = true
		if cfg.Tiers != nil {
			if _, ok := cfg.Tiers[t.Tier]; !ok {
				errs = append(errs, fmt.Sprintf("SYMBOLS entry %s uses unknown tier '%s'", t.Key(), t.Tier))
			}
		}
		cfg.Targets = append(cfg.Targets, t)
	}

	// Maintenance
	cfg.MaintenanceTrigger, err = getEnvAsFloatRequired("MAINTENANCE_TRIGGER", -10)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid MAINTENANCE_TRIGGER: %v", err))
	} else if cfg.MaintenanceTrigger >= 0 {
		errs = append(errs, "MAINTENANCE_TRIGGER must be negative")
	}

	cfg.MaintenanceMultiplier, err = getEnvAsFloatRequired("MAINTENANCE_MULTIPLIER", 10)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid MAINTENANCE_MULTIPLIER: %v", err))
	} else if cfg.MaintenanceMultiplier <= 0 {
		errs = append(errs, "MAINTENANCE_MULTIPLIER must be positive")
	}

	cooldownMinutes, err := getEnvAsIntRequired("MAINTENANCE_COOLDOWN_MINUTES", 15)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid MAINTENANCE_COOLDOWN_MINUTES: %v", err))
	} else if cooldownMinutes < 0 {
		errs = append(errs, "MAINTENANCE_COOLDOWN_MINUTES cannot be negative")
	}
	cfg.MaintenanceCooldown = time.Duration(cooldownMinutes) * time.Minute

	cfg.AnchorMaxMaintenance, err = getEnvAsIntRequired("ANCHOR_MAX_MAINTENANCE", 3)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid ANCHOR_MAX_MAINTENANCE: %v", err))
	} else if cfg.AnchorMaxMaintenance < 1 {
		errs = append(errs, "ANCHOR_MAX_MAINTENANCE must be at least 1")
	}
	cfg.MaintenanceExcluded = getEnvAsList("MAINTENANCE_EXCLUDED")

	cfg.ReducePolicy = strings.ToLower(getEnv("REDUCE_POLICY", maintenance.PolicyFixedFraction))
	cfg.RetainFraction, err = getEnvAsFloatRequired("RETAIN_FRACTION", 0.05)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid RETAIN_FRACTION: %v", err))
	}
	cfg.TargetMarginSchedule, err = maintenance.ParseMarginSchedule(getEnv("TARGET_MARGIN_SCHEDULE", "0:10,2:20,3:30"))
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid TARGET_MARGIN_SCHEDULE: %v", err))
	}
	if _, err := maintenance.NewReducePolicy(cfg.ReducePolicy, cfg.RetainFraction, cfg.TargetMarginSchedule); err != nil {
		errs = append(errs, fmt.Sprintf("invalid REDUCE_POLICY: %v", err))
	}

	// Close thresholds
	cfg.MinKeepMargin, err = getEnvAsFloatRequired("MIN_KEEP_MARGIN", 0.6)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid MIN_KEEP_MARGIN: %v", err))
	} else if cfg.MinKeepMargin < 0 {
		errs = append(errs, "MIN_KEEP_MARGIN cannot be negative")
	}

	cfg.ProfitTarget, err = getEnvAsFloatRequired("PROFIT_TARGET", 40)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid PROFIT_TARGET: %v", err))
	} else if cfg.ProfitTarget <= 0 {
		errs = append(errs, "PROFIT_TARGET must be positive")
	}

	cfg.StopLoss, err = getEnvAsFloatRequired("STOP_LOSS", -10)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid STOP_LOSS: %v", err))
	} else if cfg.StopLoss >= 0 {
		errs = append(errs, "STOP_LOSS must be negative")
	}

	// Market strength
	def := strength.DefaultRegimeThresholds()
	cfg.Regime = strength.RegimeThresholds{
		LowProfitMax:       getEnvAsFloat("REGIME_LOW_PROFIT_MAX", def.LowProfitMax),
		LowProfitCount:     getEnvAsInt("REGIME_LOW_PROFIT_COUNT", def.LowProfitCount),
		VeryLowProfitMax:   getEnvAsFloat("REGIME_VERY_LOW_PROFIT_MAX", def.VeryLowProfitMax),
		VeryLowProfitCount: getEnvAsInt("REGIME_VERY_LOW_PROFIT_COUNT", def.VeryLowProfitCount),
		LosingCount:        getEnvAsInt("REGIME_LOSING_COUNT", def.LosingCount),
	}
	if cfg.Regime.VeryLowProfitMax > cfg.Regime.LowProfitMax {
		errs = append(errs, "REGIME_VERY_LOW_PROFIT_MAX cannot exceed REGIME_LOW_PROFIT_MAX")
	}
	if cfg.Regime.LowProfitCount < 0 || cfg.Regime.VeryLowProfitCount < 0 || cfg.Regime.LosingCount < 0 {
		errs = append(errs, "regime counts cannot be negative")
	}

	// Concurrency
	timeoutSeconds := getEnvAsInt("GATEWAY_TIMEOUT_SECONDS", 10)
	if timeoutSeconds <= 0 {
		errs = append(errs, "GATEWAY_TIMEOUT_SECONDS must be positive")
	}
	cfg.GatewayTimeout = time.Duration(timeoutSeconds) * time.Second

	ttlSeconds := getEnvAsInt("LOCK_TTL_SECONDS", 30)
	cfg.LockTTL = time.Duration(ttlSeconds) * time.Second
	if cfg.LockTTL <= cfg.GatewayTimeout {
		errs = append(errs, "LOCK_TTL_SECONDS must exceed GATEWAY_TIMEOUT_SECONDS")
	}

	cfg.LockBackend = strings.ToLower(getEnv("LOCK_BACKEND", LockBackendSQLite))
	cfg.RedisAddr = getEnv("REDIS_ADDR", "")
	cfg.RedisPassword = getEnv("REDIS_PASSWORD", "")
	cfg.RedisDB = getEnvAsInt("REDIS_DB", 0)
	switch cfg.LockBackend {
	case LockBackendSQLite:
	case LockBackendRedis:
		if cfg.RedisAddr == "" {
			errs = append(errs, "REDIS_ADDR must be set when LOCK_BACKEND=redis")
		}
	default:
		errs = append(errs, fmt.Sprintf("LOCK_BACKEND must be sqlite or redis, got '%s'", cfg.LockBackend))
	}

	// Periodic tasks
	intervals := []struct {
		key string
		def time.Duration
		dst *time.Duration
	}{
		{"EVALUATE_INTERVAL", time.Minute, &cfg.EvaluateInterval},
		{"STRENGTH_INTERVAL", 5 * time.Minute, &cfg.StrengthInterval},
		{"SYNC_INTERVAL", 15 * time.Minute, &cfg.SyncInterval},
		{"REPORT_INTERVAL", 60 * time.Minute, &cfg.ReportInterval},
	}
	for _, iv := range intervals {
		d, err := getEnvAsDuration(iv.key, iv.def)
		if err != nil {
			errs = append(errs, fmt.Sprintf("invalid %s: %v", iv.key, err))
			continue
		}
		if d <= 0 {
			errs = append(errs, fmt.Sprintf("%s must be positive", iv.key))
			continue
		}
		*iv.dst = d
	}

	// Database
	cfg.DBPath = getEnv("DB_PATH", "./data/anchor_bot.db")
	if cfg.DBPath == "" {
		errs = append(errs, "DB_PATH must be set")
	}

	// Logging
	logLevelStr := getEnv("LOG_LEVEL", "INFO")
	cfg.LogLevel = logger.ParseLevel(logLevelStr) // Use the parser from the logger package
	cfg.LogFile = logger.FileConfig{
		Path:       getEnv("LOG_FILE", ""),
		MaxSizeMB:  getEnvAsInt("LOG_MAX_SIZE_MB", 100),
		MaxBackups: getEnvAsInt("LOG_MAX_BACKUPS", 5),
		MaxAgeDays: getEnvAsInt("LOG_MAX_AGE_DAYS", 30),
		Compress:   getEnvAsBool("LOG_COMPRESS", true),
	}

	// Observability and advisories
	cfg.MetricsAddr = getEnv("METRICS_ADDR", "")
	cfg.TelegramBotToken = getEnv("TELEGRAM_BOT_TOKEN", "")
	cfg.TelegramChatID = getEnv("TELEGRAM_CHAT_ID", "")
	if (cfg.TelegramBotToken == "") != (cfg.TelegramChatID == "") {
		errs = append(errs, "TELEGRAM_BOT_TOKEN and TELEGRAM_CHAT_ID must be set together")
	}
	cfg.NotifyEvents = getEnvAsList("NOTIFY_EVENTS")

	// Combine validation errors
	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}

	return cfg, nil
}

// tierFile is the layout of TIER_TABLE_FILE:
//
//	[tiers.small]
//	open_percent = 0.02
//	add_percent = 0.02
//	max_count = 5
type tierFile struct {
	Tiers map[string]risk.TierConfig `toml:"tiers"`
}

// LoadTierTable reads and validates a TOML tier table.
func LoadTierTable(path string) (risk.TierTable, error) {
	var f tierFile
	md, err := toml.DecodeFile(path, &f)
	if err != nil {
		return nil, fmt.Errorf("failed to read tier table '%s': %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		sort.Strings(keys)
		return nil, fmt.Errorf("tier table '%s' has unknown keys: %s", path, strings.Join(keys, ", "))
	}
	table := make(risk.TierTable, len(f.Tiers))
	for name, tc := range f.Tiers {
		tier := domain.Tier(strings.ToLower(strings.TrimSpace(name)))
		if tier == domain.TierNone {
			return nil, fmt.Errorf("tier table '%s': tier 'none' is reserved for adopted positions", path)
		}
		table[tier] = tc
	}
	if err := table.Validate(); err != nil {
		return nil, fmt.Errorf("tier table '%s': %w", path, err)
	}
	return table, nil
}

// --- Env Var Helpers ---

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsIntRequired(key string, defaultValue int) (int, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		// Use default if env var is not set at all
		return defaultValue, nil
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		// Return error if env var is set but invalid
		return 0, fmt.Errorf("invalid integer value '%s' for key %s: %w", valueStr, key, err)
	}
	return value, nil
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloatRequired(key string, defaultValue float64) (float64, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue, nil
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid float value '%s' for key %s: %w", valueStr, key, err)
	}
	return value, nil
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration accepts Go durations ("90s", "5m") and bare minutes ("15").
func getEnvAsDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	valueStr := strings.TrimSpace(os.Getenv(key))
	if valueStr == "" {
		return defaultValue, nil
	}
	if minutes, err := strconv.Atoi(valueStr); err == nil {
		return time.Duration(minutes) * time.Minute, nil
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return 0, fmt.Errorf("invalid duration value '%s' for key %s: %w", valueStr, key, err)
	}
	return value, nil
}

func getEnvAsList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
