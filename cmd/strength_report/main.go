package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"anchorBot/config"
	"anchorBot/internal/adapters/binanceclient"
	"anchorBot/internal/adapters/logger"
	"anchorBot/internal/aggregate"
	"anchorBot/internal/bootstrap"
	"anchorBot/internal/domain"
	"anchorBot/internal/utils"
)

func main() {
	csvPath := flag.String("csv", "", "Append the snapshot rows to this CSV file")
	flag.Parse()

	// 1. Load Configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("FATAL: Failed to load configuration: %v", err) // Use standard log before logger is ready
	}

	// 2. Initialize Logger
	appLogger := logger.NewStdLogger(cfg.LogLevel)
	ctx, cancel := context.WithTimeout(context.Background(), 2*cfg.GatewayTimeout)
	defer cancel()

	// 3. Initialize Exchange Client (Binance Adapter)
	binanceClient, err := binanceclient.New(binanceclient.Config{
		APIKey:            cfg.APIKey,
		SecretKey:         cfg.SecretKey,
		UseTestnet:        cfg.IsTestnet,
		Account:           cfg.AccountName,
		HedgeMode:         cfg.HedgeMode,
		QuantityPrecision: cfg.QuantityPrecision,
		Logger:            appLogger,
	})
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize Binance client")
		log.Fatalf("FATAL: Failed to initialize Binance client: %v", err)
	}
	if err := binanceClient.SetServerTime(ctx); err != nil {
		log.Fatalf("FATAL: Failed to synchronize server time: %v", err)
	}

	// 4. Fetch and classify live positions
	raw, err := binanceClient.GetPositions(ctx, "")
	if err != nil {
		appLogger.Error(ctx, err, "Error fetching positions")
		log.Fatalf("Error fetching positions: %v", err)
	}
	reports, errs := aggregate.GroupAndMerge(raw)
	for _, e := range errs {
		appLogger.Warn(ctx, "Skipped malformed position report", map[string]interface{}{"error": e.Error()})
	}

	classifier := bootstrap.NewClassifier(cfg)
	takenAt := time.Now()
	snaps := []domain.StrengthSnapshot{
		classifier.Snapshot(reports, domain.Short),
		classifier.Snapshot(reports, domain.Long),
	}

	fmt.Printf("Market strength at %s (%d merged positions)\n", takenAt.Format(time.RFC3339), len(reports))
	for _, s := range snaps {
		h := s.Histogram
		fmt.Printf("\n[%s] level %d\n", s.Side, s.Level)
		fmt.Printf("  total=%d  >=100%%:%d  >=90%%:%d  >=80%%:%d  >=70%%:%d  >=60%%:%d  >=50%%:%d  >=40%%:%d\n",
			h.Total, h.Ge100, h.Ge90, h.Ge80, h.Ge70, h.Ge60, h.Ge50, h.Ge40)
		fmt.Printf("  low profit:%d  very low profit:%d  losing:%d\n", h.Le20, h.Le10, h.Negative)
		fmt.Printf("  advisory: %s\n", s.Advisory)
		fmt.Printf("  regime:   %s\n", s.Regime.Reason)
		if !s.AnchorOpenAllowed() {
			fmt.Printf("  new %s anchors are blocked\n", s.Side)
		}
	}

	if *csvPath != "" {
		if err := utils.WriteSnapshotsToCSV(snaps, takenAt, *csvPath); err != nil {
			appLogger.Error(ctx, err, "Error writing CSV")
			log.Fatalf("Error writing CSV: %v", err)
		}
		appLogger.Info(ctx, "Saved to", map[string]interface{}{"filename": *csvPath})
	}
}
