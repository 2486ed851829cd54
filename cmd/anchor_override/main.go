package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"anchorBot/config"
	"anchorBot/internal/adapters/binanceclient"
	"anchorBot/internal/adapters/logger"
	"anchorBot/internal/adapters/sqlite"
	"anchorBot/internal/bootstrap"
	"anchorBot/internal/domain"
)

const (
	actionClearAnchor = "clear-anchor"
	actionForceClose  = "force-close"
)

func main() {
	symbol := flag.String("symbol", "", "Symbol of the position, e.g. DOGEUSDT")
	sideFlag := flag.String("side", "", "Side of the position: long or short")
	action := flag.String("action", "", "clear-anchor or force-close")
	operator := flag.String("operator", "", "Name of the operator performing the override")
	flag.Parse()

	side, err := domain.ParseSide(*sideFlag)
	if err != nil || *symbol == "" || *operator == "" ||
		(*action != actionClearAnchor && *action != actionForceClose) {
		fmt.Fprintln(os.Stderr, "usage: anchor_override -symbol SYMBOL -side long|short -action clear-anchor|force-close -operator NAME")
		os.Exit(2)
	}
	sym := strings.ToUpper(*symbol)

	// 1. Load Configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("FATAL: Failed to load configuration: %v", err)
	}

	// 2. Initialize Logger
	appLogger, err := logger.NewWithFile(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize logger: %v", err)
	}
	defer appLogger.Close()
	ctx := context.Background()

	// 3. Initialize Repository
	repo, err := sqlite.NewRepository(sqlite.Config{DBPath: cfg.DBPath, Logger: appLogger})
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize database repository: %v", err)
	}
	defer repo.Close()

	// 4. Initialize Exchange Client
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
		log.Fatalf("FATAL: Failed to initialize Binance client: %v", err)
	}

	// 5. Initialize Locker, Notifier and Lifecycle
	locker, closeLocker, err := bootstrap.NewLocker(ctx, cfg, repo, appLogger)
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize key locker: %v", err)
	}
	defer closeLocker()
	notifier, err := bootstrap.NewNotifier(cfg, appLogger)
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize notifier: %v", err)
	}
	defer notifier.Wait()

	lifecycle, err := bootstrap.NewLifecycle(cfg, bootstrap.Deps{
		Exchange: binanceClient,
		Store:    repo,
		Locker:   locker,
		Advisor:  notifier,
		Logger:   appLogger,
	})
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize lifecycle: %v", err)
	}

	// 6. Run the override
	switch *action {
	case actionClearAnchor:
		pos, err := lifecycle.ClearAnchor(ctx, sym, side, *operator)
		if err != nil {
			appLogger.Error(ctx, err, "Clear anchor failed")
			os.Exit(1)
		}
		fmt.Printf("%s: anchor=%t (position %d)\n", pos.Key(), pos.IsAnchor, pos.ID)
	case actionForceClose:
		if err := binanceClient.SetServerTime(ctx); err != nil {
			appLogger.Error(ctx, err, "Failed to synchronize server time")
			os.Exit(1)
		}
		rec, err := lifecycle.ForceClose(ctx, sym, side, *operator)
		if err != nil {
			appLogger.Error(ctx, err, "Force close failed")
			os.Exit(1)
		}
		fmt.Printf("%s: closed %.8g at %.8g, estimated pnl %.4f\n", domain.PositionKey(sym, side), rec.ClosedSize, rec.Price, rec.RealizedPNL)
	}
}
