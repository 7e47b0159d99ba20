// Package session runs the daily trading loop: wait for the market, restore
// or initialize session state, tick until the close, then settle the books
// and sleep to the next open.
package session

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"time"

	"daybot/internal/broker"
	"daybot/internal/indicators"
	"daybot/internal/metrics"
	"daybot/internal/position"
	"daybot/internal/risk"
	"daybot/internal/settlement"
	"daybot/internal/signal"
)

// Brokerage is the gateway surface the orchestrator drives.
type Brokerage interface {
	Account(ctx context.Context) (broker.Account, error)
	Clock(ctx context.Context) (broker.Clock, error)
	RecentBars(ctx context.Context, symbol string, limit int) ([]broker.Bar, error)
	BarsBetween(ctx context.Context, symbol, timeframe string, start, end time.Time, limit int) ([]broker.Bar, error)
	LatestQuote(ctx context.Context, symbol string) (broker.Quote, error)
	OpenPosition(ctx context.Context, symbol string) (broker.Position, error)
	PositionQty(ctx context.Context, symbol string) (float64, error)
	ExecuteNotional(ctx context.Context, req broker.ExecRequest) broker.Fill
	ExecuteQty(ctx context.Context, symbol string, side broker.Side, qty int) broker.Fill
	CloseAll(ctx context.Context) error
}

type Config struct {
	Symbol        string
	PollInterval  time.Duration
	BarsForSignal int

	// StrategyMode selects the entry engine: "ma_crossover" or "or_fvg".
	StrategyMode   string
	UseLimitOrders bool
	LimitFillWait  time.Duration

	MaxDrawdown     float64
	MaxTradesPerDay int
	AllowShorts     bool
	Size            risk.SizeConfig

	SettlementEnabled bool
	CashReservePct    float64
	ATRStopMultiplier float64

	SnapshotEvery  time.Duration
	DrawdownPause  time.Duration
	ErrorWait      time.Duration
	BarsRetryWait  time.Duration
	ClockRetryWait time.Duration
	MaxBarRetries  int
}

// Orchestrator wires the gateway, the entry engines, the risk gate and the
// position manager into the daily loop.
type Orchestrator struct {
	b        Brokerage
	cfg      Config
	engine   *signal.Engine
	sigState *signal.State
	breakout *signal.Breakout
	manager  *position.Manager
	ledger   *settlement.Ledger
	gate     risk.Gate
	store    *StateStore
	journal  *Journal
	loc      *time.Location
	now      func() time.Time
}

type Deps struct {
	Brokerage Brokerage
	Engine    *signal.Engine
	SigState  *signal.State
	Breakout  *signal.Breakout
	Manager   *position.Manager
	Ledger    *settlement.Ledger
	Store     *StateStore
	Journal   *Journal
	Location  *time.Location
}

func New(cfg Config, deps Deps) *Orchestrator {
	return &Orchestrator{
		b:        deps.Brokerage,
		cfg:      cfg,
		engine:   deps.Engine,
		sigState: deps.SigState,
		breakout: deps.Breakout,
		manager:  deps.Manager,
		ledger:   deps.Ledger,
		store:    deps.Store,
		journal:  deps.Journal,
		loc:      deps.Location,
		now:      time.Now,
	}
}

// tally accumulates one session's bookkeeping.
type tally struct {
	sessionDate   time.Time
	openingEquity float64
	tradesToday   int
	tradeCount    int
	winners       int
	losers        int
	maxDrawdown   float64
	regimes       []string
}

// Run loops over trading days until the context is cancelled. Cancellation
// flattens any open position before returning.
func (o *Orchestrator) Run(ctx context.Context) error {
	defer o.flattenOnShutdown()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		clk, err := o.b.Clock(ctx)
		if err != nil {
			slog.Error("clock fetch failed", "error", err)
			if err := broker.WaitForContext(ctx, o.cfg.ErrorWait); err != nil {
				return err
			}
			continue
		}
		if !clk.IsOpen {
			wait := time.Until(clk.NextOpen)
			if wait > time.Hour {
				wait = time.Hour
			}
			if wait < 0 {
				wait = time.Minute
			}
			slog.Info("market closed", "next_open", clk.NextOpen.In(o.loc))
			if err := broker.WaitForContext(ctx, wait); err != nil {
				return err
			}
			continue
		}

		if err := o.runSession(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Error("session error", "error", err)
			if err := broker.WaitForContext(ctx, o.cfg.ErrorWait); err != nil {
				return err
			}
		}
	}
}

func (o *Orchestrator) flattenOnShutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := o.b.CloseAll(ctx); err != nil {
		slog.Error("shutdown flatten failed", "error", err)
	}
}

func (o *Orchestrator) runSession(ctx context.Context) error {
	slog.Info("market open, session starting")

	now := o.now().In(o.loc)
	acct, err := o.b.Account(ctx)
	if err != nil {
		return err
	}

	t := &tally{sessionDate: now, openingEquity: acct.Equity}
	slog.Info("session opening", "equity", acct.Equity, "date", now.Format(stateDateLayout))

	if o.cfg.SettlementEnabled {
		o.ledger.Settle(now)
	}

	o.sigState.Reset()
	if o.breakout != nil {
		o.breakout.Reset()
	}
	o.restoreState(t, acct.Equity)
	o.recoverPosition(ctx)

	dd := risk.NewDrawdownMonitor(t.openingEquity)
	lastSnapshot := o.now()
	barRetries := 0

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		clk, err := o.b.Clock(ctx)
		if err != nil {
			slog.Warn("clock fetch failed mid-session", "error", err)
			if err := broker.WaitForContext(ctx, o.cfg.ClockRetryWait); err != nil {
				return err
			}
			continue
		}
		if !clk.IsOpen {
			break
		}

		acct, err := o.b.Account(ctx)
		if err != nil {
			return err
		}
		metrics.Equity.Set(acct.Equity)

		ddNow := dd.Update(acct.Equity)
		t.maxDrawdown = dd.Max()
		if risk.Exceeded(ddNow, o.cfg.MaxDrawdown) {
			slog.Warn("max drawdown reached, halting for the day", "drawdown", ddNow, "cap", o.cfg.MaxDrawdown)
			o.haltDay(ctx, t)
			if err := broker.WaitForContext(ctx, o.cfg.DrawdownPause); err != nil {
				return err
			}
			break
		}

		bars, err := o.b.RecentBars(ctx, o.cfg.Symbol, 10)
		if err != nil || len(bars) == 0 {
			barRetries++
			slog.Warn("no bars available", "attempt", barRetries, "error", err)
			if barRetries >= o.cfg.MaxBarRetries {
				barRetries = 0
			}
			if err := broker.WaitForContext(ctx, o.cfg.BarsRetryWait); err != nil {
				return err
			}
			continue
		}
		barRetries = 0
		price := bars[len(bars)-1].Close
		lastBar := bars[len(bars)-1]
		metrics.Ticks.Inc()

		proposal, snap, err := o.evaluate(ctx, price)
		if err != nil {
			return err
		}
		if snap.Regime != "" {
			t.regimes = append(t.regimes, snap.Regime)
		}

		if o.manager.Active() {
			if err := o.manageExits(ctx, t, price); err != nil {
				return err
			}
		} else if proposal != nil {
			o.tryEnter(ctx, t, proposal, snap, acct, price)
		}

		if o.now().Sub(lastSnapshot) >= o.cfg.SnapshotEvery && snap.Price > 0 {
			o.journal.Indicators(IndicatorSnapshot{
				Timestamp: o.now().In(o.loc),
				Symbol:    o.cfg.Symbol,
				Price:     snap.Price,
				Volume:    lastBar.Volume,
				RSI:       snap.RSI,
				ADX:       snap.ADX,
				ATR:       snap.ATR,
				MASpread:  snap.MASpread,
				Regime:    snap.Regime,
				Position:  o.positionStatus(),
			})
			lastSnapshot = o.now()
		}

		o.checkpoint(t)

		if err := broker.WaitForContext(ctx, o.cfg.PollInterval); err != nil {
			return err
		}
	}

	return o.closeSession(ctx, t)
}

// evaluate runs the configured entry engine. The crossover engine runs every
// tick so its memory tracks the market even while a position is open.
func (o *Orchestrator) evaluate(ctx context.Context, price float64) (*signal.Proposal, signal.Snapshot, error) {
	if o.cfg.StrategyMode == "or_fvg" {
		proposal, err := o.breakout.Evaluate(ctx)
		if err != nil {
			slog.Warn("breakout evaluation failed", "error", err)
			return nil, signal.Snapshot{Price: price}, nil
		}
		return proposal, signal.Snapshot{Price: price}, nil
	}

	bars, err := o.b.RecentBars(ctx, o.cfg.Symbol, o.cfg.BarsForSignal)
	if err != nil {
		return nil, signal.Snapshot{}, err
	}
	proposal, snap := o.engine.Evaluate(bars)
	return proposal, snap, nil
}

func (o *Orchestrator) manageExits(ctx context.Context, t *tally, price float64) error {
	before := *o.manager.Current()
	exit, err := o.manager.Check(ctx, price)
	if err != nil {
		return err
	}
	if exit == nil || !exit.Final {
		return nil
	}
	if exit.Reason == "reconciled_flat" {
		slog.Warn("position vanished at the venue, dropping local state")
		return nil
	}
	o.recordTrade(t, before, exit.Price, exit.Qty, exit.Reason)
	return nil
}

func (o *Orchestrator) tryEnter(ctx context.Context, t *tally, p *signal.Proposal, snap signal.Snapshot, acct broker.Account, price float64) {
	notional := risk.PositionSize(acct.Equity, p.Stop, price, o.cfg.Size)
	gateCtx := risk.Context{
		TradesToday:     t.tradesToday,
		MaxTradesPerDay: o.cfg.MaxTradesPerDay,
		BuyingPower:     o.buyingPower(acct),
		Notional:        notional,
		PositionActive:  o.manager.Active(),
		AllowShorts:     o.cfg.AllowShorts,
	}
	if err := o.gate.Evaluate(p, gateCtx); err != nil {
		o.journal.Missed(MissedSignal{
			Timestamp:    o.now().In(o.loc),
			SignalType:   string(p.Direction),
			RejectReason: err.Error(),
			Price:        price,
			Symbol:       o.cfg.Symbol,
			Strength:     p.Strength,
			RSI:          snap.RSI,
			ADX:          snap.ADX,
			Regime:       snap.Regime,
		})
		return
	}

	fill := o.execute(ctx, p, notional)
	if !fill.Filled {
		slog.Error("entry execution failed", "direction", p.Direction, "notional", notional)
		return
	}

	qty := float64(fill.Shares)
	if p.Kind == position.Short {
		qty = -qty
	}
	o.manager.Open(position.Position{
		Symbol:     o.cfg.Symbol,
		EntryPrice: fill.Price,
		EntryTime:  o.now().In(o.loc),
		StopLoss:   p.Stop,
		Kind:       p.Kind,
		Qty:        qty,
		Regime:     snap.Regime,
		Strength:   p.Strength,
		RSI:        snap.RSI,
		ADX:        snap.ADX,
		MASpread:   snap.MASpread,
	})
	t.tradesToday++
	t.tradeCount++

	if o.cfg.SettlementEnabled && p.Direction == signal.Buy {
		o.ledger.AddTrade(o.now().In(o.loc), notional)
	}
	if o.breakout != nil {
		o.breakout.MarkEntered()
	}
}

// execute submits the entry. A limit order that fails to fill within the wait
// window falls back to a market order.
func (o *Orchestrator) execute(ctx context.Context, p *signal.Proposal, notional float64) broker.Fill {
	side := broker.Buy
	if p.Direction == signal.Sell {
		side = broker.Sell
	}
	req := broker.ExecRequest{Symbol: o.cfg.Symbol, Side: side, Notional: notional}

	if o.cfg.UseLimitOrders {
		quote, err := o.b.LatestQuote(ctx, o.cfg.Symbol)
		if err == nil && quote.Bid > 0 && quote.Ask > 0 {
			if side == broker.Buy {
				req.LimitPrice = quote.Bid
			} else {
				req.LimitPrice = quote.Ask
			}
			req.FillWait = o.cfg.LimitFillWait
			if fill := o.b.ExecuteNotional(ctx, req); fill.Filled {
				return fill
			}
			slog.Info("limit entry unfilled, falling back to market")
			req.LimitPrice = 0
			req.FillWait = 0
		}
	}
	return o.b.ExecuteNotional(ctx, req)
}

func (o *Orchestrator) buyingPower(acct broker.Account) float64 {
	if o.cfg.SettlementEnabled {
		return o.ledger.Available(acct.Cash, o.cfg.CashReservePct)
	}
	return acct.BuyingPower
}

// restoreState resumes intraday counters from the checkpoint file when the
// checkpoint is fresh. The restored opening equity is trusted only when it
// sits within five percent of the live account value.
func (o *Orchestrator) restoreState(t *tally, liveEquity float64) {
	row, err := o.store.LoadLatest()
	if err != nil {
		slog.Warn("session state load failed, starting fresh", "error", err)
		return
	}
	if row == nil {
		return
	}
	t.tradesToday = row.TradesToday
	o.sigState.LastBullishBar = row.LastBullishBar
	o.sigState.LastBearishBar = row.LastBearishBar
	if math.Abs(row.OpeningEquity-liveEquity) < liveEquity*0.05 {
		t.openingEquity = row.OpeningEquity
	}
	slog.Info("session restored", "trades_today", t.tradesToday, "opening_equity", t.openingEquity)
}

// recoverPosition rebuilds the local position model from the venue after a
// restart. The stop is recomputed from fresh ATR, with a two percent fallback
// when bars are short, and target 1 is assumed hit on meaningful open profit.
func (o *Orchestrator) recoverPosition(ctx context.Context) {
	pos, err := o.b.OpenPosition(ctx, o.cfg.Symbol)
	if errors.Is(err, broker.ErrNoPosition) {
		return
	}
	if err != nil {
		slog.Warn("position recovery failed", "error", err)
		return
	}
	if pos.Qty == 0 {
		return
	}

	kind := position.Long
	if pos.Qty < 0 {
		kind = position.Short
	}
	stop := o.recoveryStop(ctx, pos.AvgEntry, kind)

	o.manager.Recover(position.Position{
		Symbol:       o.cfg.Symbol,
		EntryPrice:   pos.AvgEntry,
		EntryTime:    o.now().In(o.loc),
		StopLoss:     stop,
		TrailingStop: stop,
		Kind:         kind,
		Qty:          pos.Qty,
		Target1Hit:   pos.UnrealizedPLPC > 0.01,
		Regime:       "unknown",
	})
}

func (o *Orchestrator) recoveryStop(ctx context.Context, entry float64, kind position.Kind) float64 {
	bars, err := o.b.RecentBars(ctx, o.cfg.Symbol, 50)
	if err == nil && len(bars) >= 14 {
		highs := make([]float64, len(bars))
		lows := make([]float64, len(bars))
		closes := make([]float64, len(bars))
		for i, b := range bars {
			highs[i], lows[i], closes[i] = b.High, b.Low, b.Close
		}
		atr := indicators.Last(indicators.ATR(highs, lows, closes, 14))
		if !math.IsNaN(atr) && atr > 0 {
			if kind == position.Long {
				return entry - atr*o.cfg.ATRStopMultiplier
			}
			return entry + atr*o.cfg.ATRStopMultiplier
		}
	}
	if kind == position.Long {
		return entry * 0.98
	}
	return entry * 1.02
}

// haltDay flattens everything after a drawdown breach and books the forced
// exit if a position was open.
func (o *Orchestrator) haltDay(ctx context.Context, t *tally) {
	if o.manager.Active() {
		pos := *o.manager.Current()
		if exit, err := o.closeAtMarket(ctx, &pos); err == nil && exit != nil {
			o.recordTrade(t, pos, exit.Price, exit.Qty, "drawdown_halt")
		}
		o.manager.Drop()
	}
	if err := o.b.CloseAll(ctx); err != nil {
		slog.Error("drawdown flatten failed", "error", err)
	}
}

func (o *Orchestrator) closeAtMarket(ctx context.Context, pos *position.Position) (*position.Exit, error) {
	qty, err := o.b.PositionQty(ctx, o.cfg.Symbol)
	if err != nil {
		return nil, err
	}
	shares := int(math.Abs(qty))
	if shares == 0 {
		return nil, nil
	}
	side := broker.Sell
	if pos.Kind == position.Short {
		side = broker.Buy
	}
	fill := o.b.ExecuteQty(ctx, o.cfg.Symbol, side, shares)
	price := pos.EntryPrice
	if fill.Filled {
		price = fill.Price
	}
	return &position.Exit{Price: price, Qty: math.Abs(qty), Final: true}, nil
}

// closeSession flattens at the close, writes the daily summary and sleeps to
// the next open.
func (o *Orchestrator) closeSession(ctx context.Context, t *tally) error {
	slog.Info("session ending")

	if o.manager.Active() {
		pos := *o.manager.Current()
		if exit, err := o.closeAtMarket(ctx, &pos); err == nil && exit != nil {
			o.recordTrade(t, pos, exit.Price, exit.Qty, "eod_close")
		}
		o.manager.Drop()
	}
	if err := o.b.CloseAll(ctx); err != nil {
		slog.Error("end of day flatten failed", "error", err)
	}

	acct, err := o.b.Account(ctx)
	if err != nil {
		return err
	}
	pnl := acct.Equity - t.openingEquity
	pnlPct := 0.0
	if t.openingEquity > 0 {
		pnlPct = pnl / t.openingEquity * 100
	}
	winRate := 0.0
	if t.tradeCount > 0 {
		winRate = float64(t.winners) / float64(t.tradeCount) * 100
	}
	o.journal.Performance(DailyPerformance{
		Date:           t.sessionDate.Format(stateDateLayout),
		OpeningEquity:  t.openingEquity,
		ClosingEquity:  acct.Equity,
		TotalTrades:    t.tradeCount,
		Winners:        t.winners,
		Losers:         t.losers,
		WinRate:        winRate,
		TotalPnL:       pnl,
		PnLPercent:     pnlPct,
		MaxDrawdown:    t.maxDrawdown,
		DominantRegime: dominantRegime(t.regimes),
	})
	slog.Info("day complete", "trades", t.tradeCount, "final_equity", acct.Equity, "pnl", pnl)

	clk, err := o.b.Clock(ctx)
	if err != nil {
		return broker.WaitForContext(ctx, time.Hour)
	}
	if wait := time.Until(clk.NextOpen); wait > 0 {
		slog.Info("sleeping until next session", "next_open", clk.NextOpen.In(o.loc))
		return broker.WaitForContext(ctx, wait)
	}
	return broker.WaitForContext(ctx, time.Minute)
}

func (o *Orchestrator) recordTrade(t *tally, pos position.Position, exitPrice, qty float64, reason string) {
	var pnl float64
	shares := math.Abs(qty)
	if pos.Kind == position.Long {
		pnl = (exitPrice - pos.EntryPrice) * shares
	} else {
		pnl = (pos.EntryPrice - exitPrice) * shares
	}
	switch {
	case pnl > 0:
		t.winners++
	case pnl < 0:
		t.losers++
	}
	pnlPct := 0.0
	if pos.EntryPrice > 0 && shares > 0 {
		pnlPct = pnl / (pos.EntryPrice * shares) * 100
	}
	exitTime := o.now().In(o.loc)
	hold := 0.0
	if !pos.EntryTime.IsZero() {
		hold = exitTime.Sub(pos.EntryTime).Minutes()
	}
	o.journal.Trade(TradeRecord{
		EntryTime:      pos.EntryTime,
		ExitTime:       exitTime,
		Symbol:         pos.Symbol,
		Side:           string(pos.Kind),
		EntryPrice:     pos.EntryPrice,
		ExitPrice:      exitPrice,
		Shares:         shares,
		PositionValue:  pos.EntryPrice * shares,
		StopLoss:       pos.StopLoss,
		PnLDollars:     pnl,
		PnLPercent:     pnlPct,
		HoldMinutes:    hold,
		ExitReason:     reason,
		Regime:         pos.Regime,
		SignalStrength: pos.Strength,
		RSI:            pos.RSI,
		ADX:            pos.ADX,
		MASpread:       pos.MASpread,
	})
}

func (o *Orchestrator) checkpoint(t *tally) {
	err := o.store.Save(StateRow{
		SessionDate:    t.sessionDate.Format(stateDateLayout),
		TradesToday:    t.tradesToday,
		OpeningEquity:  t.openingEquity,
		LastBullishBar: o.sigState.LastBullishBar,
		LastBearishBar: o.sigState.LastBearishBar,
	})
	if err != nil {
		slog.Warn("session checkpoint failed", "error", err)
	}
}

func (o *Orchestrator) positionStatus() string {
	if pos := o.manager.Current(); pos != nil {
		return string(pos.Kind)
	}
	return "flat"
}

func dominantRegime(regimes []string) string {
	if len(regimes) == 0 {
		return "unknown"
	}
	counts := map[string]int{}
	best, bestCount := "unknown", 0
	for _, r := range regimes {
		counts[r]++
		if counts[r] > bestCount {
			best, bestCount = r, counts[r]
		}
	}
	return best
}
