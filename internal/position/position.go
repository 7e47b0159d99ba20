// Package position owns the lifecycle of the single active position: partial
// profit-taking, trailing stop maintenance and the time-based exit.
package position

import (
	"context"
	"log/slog"
	"math"
	"time"

	"daybot/internal/broker"
	"daybot/internal/indicators"
	"daybot/internal/metrics"
)

type Kind string

const (
	Long  Kind = "long"
	Short Kind = "short"
)

// Position describes the one open position the agent may hold. StopLoss is
// the initial protective stop used for risk math; TrailingStop is the mutable
// level that only ever tightens toward profit.
type Position struct {
	Symbol       string
	EntryPrice   float64
	EntryTime    time.Time
	StopLoss     float64
	TrailingStop float64
	Kind         Kind
	Qty          float64
	Target1Hit   bool

	// Entry context carried through to the trade journal.
	Regime   string
	Strength float64
	RSI      float64
	ADX      float64
	MASpread float64
}

// Exit reports the single exit action taken during a tick. Final marks the
// position as emptied; a partial scale-out leaves it active.
type Exit struct {
	Reason string
	Price  float64
	Qty    float64
	Final  bool
}

// Venue is the slice of the brokerage gateway the manager needs.
type Venue interface {
	PositionQty(ctx context.Context, symbol string) (float64, error)
	ExecuteQty(ctx context.Context, symbol string, side broker.Side, qty int) broker.Fill
	RecentBars(ctx context.Context, symbol string, limit int) ([]broker.Bar, error)
}

type Config struct {
	MaxHoldTime       time.Duration
	ProfitTarget1     float64
	ProfitTarget2     float64
	ATRStopMultiplier float64
	UseTrailingStop   bool

	// Breakout mode replaces the two-stage targets with a single
	// risk-reward target and a fixed stop.
	BreakoutMode       bool
	BreakoutRiskReward float64
}

type Manager struct {
	venue Venue
	cfg   Config
	pos   *Position
	now   func() time.Time
}

func NewManager(venue Venue, cfg Config) *Manager {
	return &Manager{venue: venue, cfg: cfg, now: time.Now}
}

func (m *Manager) Active() bool { return m.pos != nil }

// Current returns the open position, nil when flat.
func (m *Manager) Current() *Position { return m.pos }

// Open installs a freshly filled entry. The trailing stop starts at the
// initial stop.
func (m *Manager) Open(pos Position) {
	pos.TrailingStop = pos.StopLoss
	m.pos = &pos
	slog.Info("position opened", "symbol", pos.Symbol, "kind", pos.Kind, "qty", pos.Qty,
		"entry", pos.EntryPrice, "stop", pos.StopLoss)
}

// Recover installs a position reconstructed from the venue after a restart.
func (m *Manager) Recover(pos Position) {
	if pos.TrailingStop == 0 {
		pos.TrailingStop = pos.StopLoss
	}
	m.pos = &pos
	slog.Info("position recovered", "symbol", pos.Symbol, "kind", pos.Kind, "qty", pos.Qty,
		"entry", pos.EntryPrice, "stop", pos.StopLoss, "target_1_hit", pos.Target1Hit)
}

func (m *Manager) reset() { m.pos = nil }

// Drop discards the local position model without touching the venue. Used
// when the caller has already flattened out of band.
func (m *Manager) Drop() { m.pos = nil }

// Check runs the per-tick exit ladder in fixed order: time stop, scale-out,
// then stop-loss. At most one exit action is taken per tick. A nil exit means
// the position rides.
func (m *Manager) Check(ctx context.Context, currentPrice float64) (*Exit, error) {
	if m.pos == nil {
		return nil, nil
	}

	if exit := m.checkTimeStop(ctx, currentPrice); exit != nil {
		return m.finish(exit), nil
	}
	if exit, err := m.checkScaleOut(ctx, currentPrice); err != nil || exit != nil {
		return m.finish(exit), err
	}
	exit, err := m.checkStop(ctx, currentPrice)
	return m.finish(exit), err
}

func (m *Manager) finish(exit *Exit) *Exit {
	if exit == nil {
		return nil
	}
	metrics.Exits.WithLabelValues(exit.Reason).Inc()
	if exit.Final {
		m.reset()
	}
	return exit
}

func (m *Manager) checkTimeStop(ctx context.Context, currentPrice float64) *Exit {
	if m.cfg.MaxHoldTime <= 0 || m.pos.EntryTime.IsZero() {
		return nil
	}
	held := m.now().Sub(m.pos.EntryTime)
	if held <= m.cfg.MaxHoldTime {
		return nil
	}
	slog.Info("max hold time exceeded", "held", held, "limit", m.cfg.MaxHoldTime)
	return m.closeAll(ctx, "max_hold_time", currentPrice)
}

func (m *Manager) checkScaleOut(ctx context.Context, currentPrice float64) (*Exit, error) {
	pos := m.pos
	if pos.EntryPrice <= 0 {
		return nil, nil
	}

	var profitPct float64
	if pos.Kind == Long {
		profitPct = (currentPrice - pos.EntryPrice) / pos.EntryPrice * 100
	} else {
		profitPct = (pos.EntryPrice - currentPrice) / pos.EntryPrice * 100
	}
	riskPct := math.Abs(pos.EntryPrice-pos.StopLoss) / pos.EntryPrice * 100

	if m.cfg.BreakoutMode {
		if profitPct >= riskPct*m.cfg.BreakoutRiskReward {
			slog.Info("breakout target hit", "profit_pct", profitPct)
			return m.closeAll(ctx, "target_hit", currentPrice), nil
		}
		return nil, nil
	}

	if profitPct >= riskPct*m.cfg.ProfitTarget1 && !pos.Target1Hit {
		qty, err := m.venue.PositionQty(ctx, pos.Symbol)
		if err != nil {
			return nil, err
		}
		half := int(math.Abs(qty) / 2)
		if half > 0 {
			fill := m.venue.ExecuteQty(ctx, pos.Symbol, m.closingSide(), half)
			pos.Target1Hit = true
			pos.Qty = qty - float64(half)*m.direction()
			price := currentPrice
			if fill.Filled {
				price = fill.Price
			}
			slog.Info("partial profit taken", "profit_pct", profitPct, "qty", half, "price", price)
			return &Exit{Reason: "target_1_hit", Price: price, Qty: float64(half)}, nil
		}
		// Too small to halve: arm target 2 and ride the full size.
		pos.Target1Hit = true
		slog.Info("target 1 reached, position too small to scale", "qty", qty)
	}

	if profitPct >= riskPct*m.cfg.ProfitTarget2 {
		slog.Info("full profit target hit", "profit_pct", profitPct)
		return m.closeAll(ctx, "target_2_hit", currentPrice), nil
	}
	return nil, nil
}

// checkStop recomputes the trailing stop from fresh ATR, moving it only in
// the profit-favorable direction, and exits when price crosses it. Breakout
// mode keeps the entry stop fixed.
func (m *Manager) checkStop(ctx context.Context, currentPrice float64) (*Exit, error) {
	pos := m.pos

	if m.cfg.BreakoutMode || !m.cfg.UseTrailingStop {
		if m.stopCrossed(currentPrice, pos.StopLoss) {
			slog.Info("stop hit", "price", currentPrice, "stop", pos.StopLoss)
			return m.closeAll(ctx, "stop_hit", currentPrice), nil
		}
		return nil, nil
	}

	bars, err := m.venue.RecentBars(ctx, pos.Symbol, 50)
	if err != nil || len(bars) < 14 {
		// No fresh ATR this tick; leave the stop where it is.
		return nil, nil
	}
	highs := make([]float64, len(bars))
	lows := make([]float64, len(bars))
	closes := make([]float64, len(bars))
	for i, b := range bars {
		highs[i], lows[i], closes[i] = b.High, b.Low, b.Close
	}
	atr := indicators.Last(indicators.ATR(highs, lows, closes, 14))
	if math.IsNaN(atr) || atr <= 0 {
		return nil, nil
	}

	if pos.Kind == Long {
		if newStop := currentPrice - atr*m.cfg.ATRStopMultiplier; newStop > pos.TrailingStop {
			slog.Debug("trailing stop raised", "from", pos.TrailingStop, "to", newStop)
			pos.TrailingStop = newStop
		}
	} else {
		if newStop := currentPrice + atr*m.cfg.ATRStopMultiplier; newStop < pos.TrailingStop {
			slog.Debug("trailing stop lowered", "from", pos.TrailingStop, "to", newStop)
			pos.TrailingStop = newStop
		}
	}

	if m.stopCrossed(currentPrice, pos.TrailingStop) {
		slog.Info("trailing stop hit", "price", currentPrice, "stop", pos.TrailingStop)
		return m.closeAll(ctx, "stop_hit", currentPrice), nil
	}
	return nil, nil
}

func (m *Manager) stopCrossed(price, stop float64) bool {
	if m.pos.Kind == Long {
		return price <= stop
	}
	return price >= stop
}

// closeAll flattens the venue-reported quantity at market. The fill price is
// preferred for reporting; fallbackPrice covers the unfilled case.
func (m *Manager) closeAll(ctx context.Context, reason string, fallbackPrice float64) *Exit {
	qty, err := m.venue.PositionQty(ctx, m.pos.Symbol)
	if err != nil {
		slog.Error("position lookup before exit failed", "error", err)
		return nil
	}
	shares := int(math.Abs(qty))
	if shares == 0 {
		// Venue already flat: drop the local model.
		return &Exit{Reason: "reconciled_flat", Final: true}
	}
	fill := m.venue.ExecuteQty(ctx, m.pos.Symbol, m.closingSide(), shares)
	price := fallbackPrice
	if fill.Filled {
		price = fill.Price
	}
	return &Exit{Reason: reason, Price: price, Qty: math.Abs(qty), Final: true}
}

func (m *Manager) closingSide() broker.Side {
	if m.pos.Kind == Long {
		return broker.Sell
	}
	return broker.Buy
}

func (m *Manager) direction() float64 {
	if m.pos.Kind == Long {
		return 1
	}
	return -1
}
