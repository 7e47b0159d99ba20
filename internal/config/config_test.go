package config

import (
	"testing"
	"time"
)

func validConfig() Config {
	return Config{
		Symbol:            "SPY",
		Timeframe:         "5Min",
		PollInterval:      time.Minute,
		ShortWindow:       9,
		LongWindow:        21,
		BarsForSignal:     200,
		StrategyMode:      ModeMACrossover,
		RiskPerTrade:      0.01,
		MaxPositionPct:    0.25,
		MaxDrawdown:       0.08,
		MaxTradesPerDay:   3,
		ProfitTarget1:     1.5,
		ProfitTarget2:     3,
		ATRStopMultiplier: 2,
		ORMinutes:         15,
		ORRiskReward:      2,
		APIKey:            "key",
		APISecret:         "secret",
	}
}

func TestValidateAcceptsDefaults(t *testing.T) {
	if err := validate(validConfig()); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}
}

func TestValidateRequiresCredentials(t *testing.T) {
	cfg := validConfig()
	cfg.APISecret = ""
	if err := validate(cfg); err == nil {
		t.Fatalf("expected credential error")
	}
}

func TestValidateWindowOrdering(t *testing.T) {
	cfg := validConfig()
	cfg.ShortWindow = 21
	cfg.LongWindow = 21
	if err := validate(cfg); err == nil {
		t.Fatalf("expected rejection when short window is not below long window")
	}

	cfg = validConfig()
	cfg.BarsForSignal = 10
	if err := validate(cfg); err == nil {
		t.Fatalf("expected rejection when signal window is shorter than the long MA")
	}
}

func TestValidateRejectsBadMode(t *testing.T) {
	cfg := validConfig()
	cfg.StrategyMode = "momentum"
	if err := validate(cfg); err == nil {
		t.Fatalf("expected rejection of unknown strategy mode")
	}
}

func TestValidateRiskBounds(t *testing.T) {
	cfg := validConfig()
	cfg.RiskPerTrade = 0
	if err := validate(cfg); err == nil {
		t.Fatalf("expected rejection of zero risk per trade")
	}

	cfg = validConfig()
	cfg.MaxDrawdown = 1.5
	if err := validate(cfg); err == nil {
		t.Fatalf("expected rejection of drawdown cap above 1")
	}

	cfg = validConfig()
	cfg.ProfitTarget2 = 1
	if err := validate(cfg); err == nil {
		t.Fatalf("expected rejection when target 2 undercuts target 1")
	}
}

func TestValidateBreakoutSettings(t *testing.T) {
	cfg := validConfig()
	cfg.StrategyMode = ModeORFVG
	cfg.ORMinutes = 0
	if err := validate(cfg); err == nil {
		t.Fatalf("expected rejection of zero opening range")
	}
}
