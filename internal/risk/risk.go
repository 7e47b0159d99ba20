// Package risk sizes entries and gates them against the daily governance
// rules: trade caps, buying power, short-selling permission and the intraday
// drawdown limit.
package risk

import (
	"fmt"
	"log/slog"

	"daybot/internal/metrics"
	"daybot/internal/signal"
)

type SizeConfig struct {
	RiskPerTrade   float64
	MaxPositionPct float64
	MinNotional    float64
}

// PositionSize returns the notional to commit: the amount that puts
// RiskPerTrade of equity at risk between price and stop, capped at
// MaxPositionPct of equity. A zero-distance stop falls back to MinNotional.
func PositionSize(equity, stopLoss, currentPrice float64, cfg SizeConfig) float64 {
	riskAmount := equity * cfg.RiskPerTrade
	priceRisk := currentPrice - stopLoss
	if priceRisk < 0 {
		priceRisk = -priceRisk
	}
	if priceRisk == 0 {
		return cfg.MinNotional
	}
	shares := riskAmount / priceRisk
	notional := shares * currentPrice
	if max := equity * cfg.MaxPositionPct; notional > max {
		slog.Debug("position capped", "notional", notional, "cap", max)
		notional = max
	}
	if notional < cfg.MinNotional {
		notional = cfg.MinNotional
	}
	return notional
}

// Context carries everything the gate needs to judge one proposed entry.
type Context struct {
	TradesToday     int
	MaxTradesPerDay int
	BuyingPower     float64
	Notional        float64
	PositionActive  bool
	AllowShorts     bool
}

type Gate struct{}

// Evaluate approves or rejects a proposal. The error text is the rejection
// reason and doubles as the missed-signal journal tag.
func (g Gate) Evaluate(p *signal.Proposal, ctx Context) error {
	slog.Info("risk evaluation", "direction", p.Direction, "notional", ctx.Notional,
		"trades_today", ctx.TradesToday, "buying_power", ctx.BuyingPower)

	if ctx.TradesToday >= ctx.MaxTradesPerDay {
		slog.Info("risk rejected", "reason", "max_trades_per_day", "trades", ctx.TradesToday, "max", ctx.MaxTradesPerDay)
		return fmt.Errorf("max_trades_per_day")
	}
	if p.Direction == signal.Sell && !ctx.AllowShorts {
		slog.Info("risk rejected", "reason", "short_selling_disabled")
		return fmt.Errorf("short_selling_disabled")
	}
	if ctx.PositionActive {
		slog.Info("risk rejected", "reason", "position_already_open")
		return fmt.Errorf("position_already_open")
	}
	if ctx.Notional <= 0 {
		slog.Info("risk rejected", "reason", "invalid_notional", "notional", ctx.Notional)
		return fmt.Errorf("invalid_notional")
	}
	if ctx.BuyingPower < ctx.Notional {
		slog.Info("risk rejected", "reason", "insufficient_buying_power", "buying_power", ctx.BuyingPower, "notional", ctx.Notional)
		return fmt.Errorf("insufficient_buying_power")
	}

	slog.Info("risk approved", "direction", p.Direction, "notional", ctx.Notional)
	return nil
}

// DrawdownMonitor tracks intraday drawdown against the session's opening
// equity and remembers the worst reading.
type DrawdownMonitor struct {
	openingEquity float64
	maxIntraday   float64
}

func NewDrawdownMonitor(openingEquity float64) *DrawdownMonitor {
	return &DrawdownMonitor{openingEquity: openingEquity}
}

// Update records the current equity and returns the drawdown as a fraction of
// opening equity. Zero opening equity reads as zero drawdown.
func (d *DrawdownMonitor) Update(currentEquity float64) float64 {
	if d.openingEquity <= 0 {
		return 0
	}
	dd := (d.openingEquity - currentEquity) / d.openingEquity
	if dd > d.maxIntraday {
		d.maxIntraday = dd
	}
	metrics.Drawdown.Set(dd)
	return dd
}

// Max returns the worst drawdown seen this session.
func (d *DrawdownMonitor) Max() float64 { return d.maxIntraday }

// Exceeded reports whether dd breaches the cap. The cap itself is not a
// breach; the halt fires only strictly beyond it.
func Exceeded(dd, cap float64) bool { return dd > cap }
