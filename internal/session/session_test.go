package session

import (
	"bufio"
	"context"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"daybot/internal/broker"
	"daybot/internal/position"
	"daybot/internal/risk"
	"daybot/internal/settlement"
	"daybot/internal/signal"
)

type fakeBrokerage struct {
	acct   broker.Account
	clk    broker.Clock
	bars   []broker.Bar
	quote  broker.Quote
	pos    broker.Position
	posErr error
	fills  []broker.ExecRequest
	fill   broker.Fill
	closed bool
}

func (f *fakeBrokerage) Account(context.Context) (broker.Account, error) { return f.acct, nil }
func (f *fakeBrokerage) Clock(context.Context) (broker.Clock, error)     { return f.clk, nil }
func (f *fakeBrokerage) RecentBars(context.Context, string, int) ([]broker.Bar, error) {
	return f.bars, nil
}
func (f *fakeBrokerage) BarsBetween(context.Context, string, string, time.Time, time.Time, int) ([]broker.Bar, error) {
	return f.bars, nil
}
func (f *fakeBrokerage) LatestQuote(context.Context, string) (broker.Quote, error) {
	return f.quote, nil
}
func (f *fakeBrokerage) OpenPosition(context.Context, string) (broker.Position, error) {
	return f.pos, f.posErr
}
func (f *fakeBrokerage) PositionQty(context.Context, string) (float64, error) {
	return f.pos.Qty, nil
}
func (f *fakeBrokerage) ExecuteNotional(_ context.Context, req broker.ExecRequest) broker.Fill {
	f.fills = append(f.fills, req)
	return f.fill
}
func (f *fakeBrokerage) ExecuteQty(context.Context, string, broker.Side, int) broker.Fill {
	return f.fill
}
func (f *fakeBrokerage) CloseAll(context.Context) error {
	f.closed = true
	return nil
}

func fixedTime(hour, minute int) time.Time {
	return time.Date(2024, time.March, 12, hour, minute, 0, 0, time.UTC)
}

func testStore(t *testing.T, now time.Time) *StateStore {
	t.Helper()
	store := NewStateStore(filepath.Join(t.TempDir(), "session.ndjson"), time.UTC)
	store.now = func() time.Time { return now }
	return store
}

func TestStateStoreRoundTrip(t *testing.T) {
	now := fixedTime(11, 0)
	store := testStore(t, now)

	row := StateRow{
		SessionDate:    "2024-03-12",
		TradesToday:    2,
		OpeningEquity:  100_000,
		LastBullishBar: 42,
		LastBearishBar: -999,
	}
	if err := store.Save(row); err != nil {
		t.Fatalf("save: %v", err)
	}

	store.now = func() time.Time { return now.Add(30 * time.Minute) }
	got, err := store.LoadLatest()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got == nil {
		t.Fatalf("expected fresh checkpoint to load")
	}
	if got.TradesToday != 2 || got.LastBullishBar != 42 || got.OpeningEquity != 100_000 {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestStateStoreRejectsStale(t *testing.T) {
	now := fixedTime(9, 0)
	store := testStore(t, now)
	if err := store.Save(StateRow{SessionDate: "2024-03-12", TradesToday: 1}); err != nil {
		t.Fatalf("save: %v", err)
	}

	store.now = func() time.Time { return now.Add(3 * time.Hour) }
	got, err := store.LoadLatest()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got != nil {
		t.Fatalf("checkpoint older than two hours must be discarded, got %+v", got)
	}
}

func TestStateStoreRejectsDifferentDay(t *testing.T) {
	lateNight := time.Date(2024, time.March, 12, 23, 30, 0, 0, time.UTC)
	store := testStore(t, lateNight)
	if err := store.Save(StateRow{SessionDate: "2024-03-12", TradesToday: 1}); err != nil {
		t.Fatalf("save: %v", err)
	}

	// One hour later, but a new calendar day.
	store.now = func() time.Time { return lateNight.Add(time.Hour) }
	got, err := store.LoadLatest()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got != nil {
		t.Fatalf("checkpoint from a previous day must be discarded, got %+v", got)
	}
}

func TestStateStoreTrimsHistory(t *testing.T) {
	now := fixedTime(10, 0)
	store := testStore(t, now)
	for i := 0; i < 105; i++ {
		if err := store.Save(StateRow{SessionDate: "2024-03-12", TradesToday: i}); err != nil {
			t.Fatalf("save %d: %v", i, err)
		}
	}

	file, err := os.Open(store.path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer file.Close()
	lines := 0
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		lines++
	}
	if lines != 100 {
		t.Fatalf("expected 100 retained rows, got %d", lines)
	}

	got, err := store.LoadLatest()
	if err != nil || got == nil {
		t.Fatalf("load after trim: %v %+v", err, got)
	}
	if got.TradesToday != 104 {
		t.Fatalf("newest row must survive the trim, got %+v", got)
	}
}

func TestJournalAppendsRows(t *testing.T) {
	dir := t.TempDir()
	journal, err := NewJournal(dir)
	if err != nil {
		t.Fatalf("journal: %v", err)
	}
	defer journal.Close()

	journal.Missed(MissedSignal{SignalType: "buy", RejectReason: "max_trades_per_day", Symbol: "SPY"})
	journal.Missed(MissedSignal{SignalType: "sell", RejectReason: "short_selling_disabled", Symbol: "SPY"})

	data, err := os.ReadFile(filepath.Join(dir, "signals.ndjson"))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	lines := splitLines(data)
	if len(lines) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(lines))
	}
	var rec MissedSignal
	if err := json.Unmarshal(lines[1], &rec); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if rec.RejectReason != "short_selling_disabled" {
		t.Fatalf("unexpected row: %+v", rec)
	}
}

func testOrchestrator(b Brokerage, store *StateStore, journal *Journal) *Orchestrator {
	sigState := signal.NewState()
	cfg := Config{
		Symbol:            "SPY",
		MaxTradesPerDay:   3,
		ATRStopMultiplier: 2,
		StrategyMode:      "ma_crossover",
		Size:              risk.SizeConfig{RiskPerTrade: 0.01, MaxPositionPct: 0.25, MinNotional: 1},
	}
	return New(cfg, Deps{
		Brokerage: b,
		Engine:    signal.NewEngine(signal.Config{ShortWindow: 10, LongWindow: 30}, sigState),
		SigState:  sigState,
		Manager:   position.NewManager(nil, position.Config{}),
		Ledger:    settlement.NewLedger(),
		Store:     store,
		Journal:   journal,
		Location:  time.UTC,
	})
}

func TestRestoreStateEquityTolerance(t *testing.T) {
	now := fixedTime(10, 0)
	store := testStore(t, now)
	if err := store.Save(StateRow{
		SessionDate:    "2024-03-12",
		TradesToday:    2,
		OpeningEquity:  100_000,
		LastBullishBar: 17,
		LastBearishBar: -999,
	}); err != nil {
		t.Fatalf("save: %v", err)
	}

	o := testOrchestrator(&fakeBrokerage{}, store, nil)
	o.now = func() time.Time { return now.Add(10 * time.Minute) }
	store.now = o.now

	// Live equity within five percent: the checkpoint equity wins.
	tl := &tally{openingEquity: 103_000}
	o.restoreState(tl, 103_000)
	if tl.openingEquity != 100_000 || tl.tradesToday != 2 {
		t.Fatalf("expected restored equity and trades, got %+v", tl)
	}
	if o.sigState.LastBullishBar != 17 {
		t.Fatalf("crossover memory not restored, got %d", o.sigState.LastBullishBar)
	}

	// Live equity far from the checkpoint: keep the live reading.
	tl = &tally{openingEquity: 120_000}
	o.restoreState(tl, 120_000)
	if tl.openingEquity != 120_000 {
		t.Fatalf("divergent checkpoint equity must be ignored, got %v", tl.openingEquity)
	}
	if tl.tradesToday != 2 {
		t.Fatalf("trade count restores regardless of equity, got %d", tl.tradesToday)
	}
}

func TestRecoverPositionFallbackStop(t *testing.T) {
	// Too few bars for ATR: the recovery stop falls back to two percent.
	b := &fakeBrokerage{
		pos:  broker.Position{Symbol: "SPY", Qty: 10, AvgEntry: 100, UnrealizedPLPC: 0.02},
		bars: []broker.Bar{{High: 101, Low: 99, Close: 100}},
	}
	o := testOrchestrator(b, testStore(t, fixedTime(10, 0)), nil)
	mgr := position.NewManager(nil, position.Config{})
	o.manager = mgr

	o.recoverPosition(context.Background())
	pos := mgr.Current()
	if pos == nil {
		t.Fatalf("expected recovered position")
	}
	if math.Abs(pos.StopLoss-98) > 1e-9 {
		t.Fatalf("expected 2%% fallback stop at 98, got %v", pos.StopLoss)
	}
	if !pos.Target1Hit {
		t.Fatalf("open profit above 1%% must arm target 1")
	}
	if pos.Kind != position.Long {
		t.Fatalf("positive qty must recover long, got %v", pos.Kind)
	}
}

func TestRecoverPositionNoPosition(t *testing.T) {
	b := &fakeBrokerage{posErr: broker.ErrNoPosition}
	o := testOrchestrator(b, testStore(t, fixedTime(10, 0)), nil)

	o.recoverPosition(context.Background())
	if o.manager.Active() {
		t.Fatalf("no venue position must leave the manager flat")
	}
}

func TestTryEnterJournalsGateRejection(t *testing.T) {
	dir := t.TempDir()
	journal, err := NewJournal(dir)
	if err != nil {
		t.Fatalf("journal: %v", err)
	}
	defer journal.Close()

	b := &fakeBrokerage{acct: broker.Account{Equity: 100_000, BuyingPower: 100_000}}
	o := testOrchestrator(b, testStore(t, fixedTime(10, 0)), journal)

	tl := &tally{tradesToday: 3}
	p := &signal.Proposal{Direction: signal.Buy, Strength: 0.8, Stop: 98, Kind: position.Long}
	o.tryEnter(context.Background(), tl, p, signal.Snapshot{Price: 100, Regime: "trend"}, b.acct, 100)

	if len(b.fills) != 0 {
		t.Fatalf("rejected entry must not reach the broker, got %d orders", len(b.fills))
	}
	data, err := os.ReadFile(filepath.Join(dir, "signals.ndjson"))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var rec MissedSignal
	if err := json.Unmarshal(splitLines(data)[0], &rec); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if rec.RejectReason != "max_trades_per_day" {
		t.Fatalf("expected max_trades_per_day, got %+v", rec)
	}
}

func TestTryEnterOpensPositionAndBooksSettlement(t *testing.T) {
	dir := t.TempDir()
	journal, err := NewJournal(dir)
	if err != nil {
		t.Fatalf("journal: %v", err)
	}
	defer journal.Close()

	b := &fakeBrokerage{
		acct: broker.Account{Equity: 100_000, Cash: 100_000, BuyingPower: 100_000},
		fill: broker.Fill{Filled: true, Price: 100.2, Shares: 50},
	}
	o := testOrchestrator(b, testStore(t, fixedTime(10, 0)), journal)
	o.cfg.SettlementEnabled = true
	o.now = func() time.Time { return fixedTime(10, 0) }

	tl := &tally{}
	p := &signal.Proposal{Direction: signal.Buy, Strength: 0.9, Stop: 98, Kind: position.Long}
	o.tryEnter(context.Background(), tl, p, signal.Snapshot{Price: 100, Regime: "trend"}, b.acct, 100)

	if !o.manager.Active() {
		t.Fatalf("filled entry must open a position")
	}
	pos := o.manager.Current()
	if pos.EntryPrice != 100.2 || pos.Qty != 50 || pos.StopLoss != 98 {
		t.Fatalf("position mismatch: %+v", pos)
	}
	if tl.tradesToday != 1 || tl.tradeCount != 1 {
		t.Fatalf("trade counters not advanced: %+v", tl)
	}
	if o.ledger.Pending() == 0 {
		t.Fatalf("buy entry must book a pending settlement")
	}
}

func TestDominantRegime(t *testing.T) {
	if got := dominantRegime(nil); got != "unknown" {
		t.Fatalf("empty readings must be unknown, got %q", got)
	}
	if got := dominantRegime([]string{"trend", "range", "trend"}); got != "trend" {
		t.Fatalf("expected trend, got %q", got)
	}
}
