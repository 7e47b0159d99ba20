package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"daybot/internal/broker"
	"daybot/internal/config"
	"daybot/internal/metrics"
	"daybot/internal/position"
	"daybot/internal/risk"
	"daybot/internal/session"
	"daybot/internal/settlement"
	"daybot/internal/signal"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		log.Fatalf("timezone error: %v", err)
	}

	gateway := broker.New(cfg.APIKey, cfg.APISecret, cfg.BaseURL, cfg.Feed, cfg.Timeframe)
	if err := checkAccount(gateway, cfg); err != nil {
		log.Fatalf("account check failed: %v", err)
	}

	journal, err := session.NewJournal(cfg.JournalDir)
	if err != nil {
		log.Fatalf("journal error: %v", err)
	}
	defer func() {
		if err := journal.Close(); err != nil {
			log.Printf("failed to close journal: %v", err)
		}
	}()

	sigState := signal.NewState()
	engine := signal.NewEngine(signal.Config{
		ShortWindow:             cfg.ShortWindow,
		LongWindow:              cfg.LongWindow,
		UseEMA:                  cfg.UseEMA,
		RSIBuyMax:               cfg.RSIBuyMax,
		RSISellMin:              cfg.RSISellMin,
		RSISellMax:              cfg.RSISellMax,
		RSIRangeOversold:        cfg.RSIRangeOversold,
		RSIRangeOverbought:      cfg.RSIRangeOverbought,
		ADXThreshold:            cfg.ADXThreshold,
		ATRStopMultiplier:       cfg.ATRStopMultiplier,
		BBWindow:                cfg.BBWindow,
		BBStd:                   cfg.BBStd,
		MinSignalStrength:       cfg.MinSignalStrength,
		VolumeMultiplier:        cfg.VolumeMultiplier,
		RequireCrossover:        cfg.RequireCrossover,
		CrossoverLookback:       cfg.CrossoverLookback,
		RequireCandlePattern:    cfg.RequireCandle,
		RequireMACDConfirmation: cfg.RequireMACD,
		RegimeDetection:         cfg.RegimeDetection,
	}, sigState)

	var breakout *signal.Breakout
	if cfg.StrategyMode == config.ModeORFVG {
		breakout = signal.NewBreakout(gateway, cfg.Symbol, signal.BreakoutConfig{
			OpeningRangeMinutes: cfg.ORMinutes,
			EntryTimeframe:      cfg.OREntryTF,
			MinGapPct:           cfg.ORMinGapPct,
			MaxEntryTime:        cfg.ORMaxEntryTime,
			RequireVolume:       cfg.ORVolumeConfirm,
		}, loc)
	}

	manager := position.NewManager(gateway, position.Config{
		MaxHoldTime:        cfg.MaxHoldTime,
		ProfitTarget1:      cfg.ProfitTarget1,
		ProfitTarget2:      cfg.ProfitTarget2,
		ATRStopMultiplier:  cfg.ATRStopMultiplier,
		UseTrailingStop:    cfg.UseTrailingStop,
		BreakoutMode:       cfg.StrategyMode == config.ModeORFVG,
		BreakoutRiskReward: cfg.ORRiskReward,
	})

	orchestrator := session.New(session.Config{
		Symbol:            cfg.Symbol,
		PollInterval:      cfg.PollInterval,
		BarsForSignal:     cfg.BarsForSignal,
		StrategyMode:      string(cfg.StrategyMode),
		UseLimitOrders:    cfg.UseLimitOrders,
		LimitFillWait:     cfg.LimitFillWait,
		MaxDrawdown:       cfg.MaxDrawdown,
		MaxTradesPerDay:   cfg.MaxTradesPerDay,
		AllowShorts:       cfg.AllowShorts,
		Size:              sizeConfig(cfg),
		SettlementEnabled: cfg.SettlementEnabled,
		CashReservePct:    cfg.CashReservePct,
		ATRStopMultiplier: cfg.ATRStopMultiplier,
		SnapshotEvery:     5 * time.Minute,
		DrawdownPause:     time.Hour,
		ErrorWait:         5 * time.Minute,
		BarsRetryWait:     30 * time.Second,
		ClockRetryWait:    10 * time.Second,
		MaxBarRetries:     3,
	}, session.Deps{
		Brokerage: gateway,
		Engine:    engine,
		SigState:  sigState,
		Breakout:  breakout,
		Manager:   manager,
		Ledger:    settlement.NewLedger(),
		Store:     session.NewStateStore(cfg.StatePath, loc),
		Journal:   journal,
		Location:  loc,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signalChan := make(chan os.Signal, 1)
	ossignal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-signalChan
		log.Printf("shutdown signal received")
		cancel()
	}()

	if cfg.MetricsAddr != "" {
		go serveMetrics(cfg.MetricsAddr)
	}

	log.Printf("starting bot symbol=%s timeframe=%s strategy=%s", cfg.Symbol, cfg.Timeframe, cfg.StrategyMode)
	if err := orchestrator.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("orchestrator stopped: %v", err)
	}
	log.Printf("bot shutdown complete")
}

// checkAccount verifies the account can actually trade before the loop
// starts: active status is fatal to miss, short selling and day-trade
// headroom are warnings.
func checkAccount(gateway *broker.Gateway, cfg config.Config) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	acct, err := gateway.Account(ctx)
	if err != nil {
		return err
	}
	if acct.Status != "ACTIVE" {
		return errors.New("account is not active: " + acct.Status)
	}
	log.Printf("account ok equity=%.2f buying_power=%.2f", acct.Equity, acct.BuyingPower)
	if cfg.AllowShorts && acct.Equity < 2000 {
		log.Printf("warning: equity below 2000, short selling may be restricted")
	}
	if acct.PatternDayTrader {
		log.Printf("warning: account flagged as pattern day trader, daytrade count %d", acct.DaytradeCount)
	}
	return nil
}

func sizeConfig(cfg config.Config) risk.SizeConfig {
	return risk.SizeConfig{
		RiskPerTrade:   cfg.RiskPerTrade,
		MaxPositionPct: cfg.MaxPositionPct,
		MinNotional:    cfg.MinNotional,
	}
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	log.Printf("metrics listening on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Printf("metrics server stopped: %v", err)
	}
}
