package signal

import (
	"math"
	"testing"

	"daybot/internal/broker"
	"daybot/internal/indicators"
)

// trendingBars climbs two points then dips slightly, keeping RSI off the
// ceiling while the moving averages stay clearly stacked.
func trendingBars(n int) []broker.Bar {
	bars := make([]broker.Bar, n)
	price := 100.0
	steps := []float64{1, 1, -0.2}
	for i := range bars {
		open := price
		price += steps[i%len(steps)]
		bars[i] = broker.Bar{Open: open, High: price + 0.5, Low: price - 0.5, Close: price, Volume: 1000}
	}
	return bars
}

func trendConfig() Config {
	return Config{
		ShortWindow:       10,
		LongWindow:        30,
		RSIBuyMax:         95,
		RSISellMin:        5,
		RSISellMax:        50,
		ADXThreshold:      25,
		ATRStopMultiplier: 2,
		BBWindow:          20,
		BBStd:             2,
		MinSignalStrength: 0.3,
	}
}

func TestShortWindowReturnsNoSignal(t *testing.T) {
	e := NewEngine(trendConfig(), NewState())
	proposal, snap := e.Evaluate(trendingBars(29))
	if proposal != nil {
		t.Fatalf("expected no signal with %d bars, got %+v", 29, proposal)
	}
	if snap.Price != 0 {
		t.Fatalf("snapshot must stay empty without enough bars, got %+v", snap)
	}
}

func TestUptrendProducesBuySignal(t *testing.T) {
	e := NewEngine(trendConfig(), NewState())
	bars := trendingBars(60)
	proposal, snap := e.Evaluate(bars)
	if proposal == nil {
		t.Fatalf("expected buy signal, got none (snapshot %+v)", snap)
	}
	if proposal.Direction != Buy {
		t.Fatalf("expected buy, got %v", proposal.Direction)
	}
	if proposal.Stop >= snap.Price {
		t.Fatalf("long stop %v must sit below price %v", proposal.Stop, snap.Price)
	}
	if proposal.Strength <= 0 || proposal.Strength > 1 {
		t.Fatalf("strength out of range: %v", proposal.Strength)
	}
	if snap.MASpread <= 0 {
		t.Fatalf("uptrend must have positive MA spread, got %v", snap.MASpread)
	}
}

func TestStrengthFloorSuppressesSignal(t *testing.T) {
	cfg := trendConfig()
	cfg.MinSignalStrength = 1.01
	e := NewEngine(cfg, NewState())
	proposal, snap := e.Evaluate(trendingBars(60))
	if proposal != nil {
		t.Fatalf("strength floor above 1 must suppress every signal, got %+v", proposal)
	}
	if snap.Price == 0 {
		t.Fatalf("snapshot must still carry indicator context")
	}
}

func TestCrossoverReportedOncePerBar(t *testing.T) {
	cfg := trendConfig()
	cfg.ShortWindow = 3
	cfg.LongWindow = 10
	cfg.RequireCrossover = true
	cfg.CrossoverLookback = 5
	state := NewState()
	e := NewEngine(cfg, state)

	closes := make([]float64, 40)
	for i := range closes {
		closes[i] = 100
	}
	for i := 35; i < 40; i++ {
		closes[i] = 100 + float64(i-34)
	}
	shortMA := indicators.SMA(closes, cfg.ShortWindow)
	longMA := indicators.SMA(closes, cfg.LongWindow)

	bullish, _ := e.detectCrossovers(shortMA, longMA, len(closes))
	if !bullish {
		t.Fatalf("expected bullish crossover on first scan")
	}
	remembered := state.LastBullishBar
	if remembered < 0 {
		t.Fatalf("crossover bar index not recorded, got %d", remembered)
	}

	// Same window again: the remembered index blocks a duplicate report.
	bullish, _ = e.detectCrossovers(shortMA, longMA, len(closes))
	if bullish {
		t.Fatalf("crossover reported twice for the same bar")
	}
	if state.LastBullishBar != remembered {
		t.Fatalf("remembered index moved from %d to %d without new data", remembered, state.LastBullishBar)
	}

	state.Reset()
	if state.LastBullishBar != -999 || state.LastBearishBar != -999 {
		t.Fatalf("reset must restore sentinel indices, got %+v", state)
	}
}

func TestRegimeNeedsFiftyBars(t *testing.T) {
	if got := Regime(trendingBars(49), 25); got != "unknown" {
		t.Fatalf("expected unknown under 50 bars, got %q", got)
	}
}

func TestRegimeVolatilityExtremes(t *testing.T) {
	// Ranges collapse from 10 points to 0.5: current ATR sits in the bottom
	// decile of its own history.
	quiet := make([]broker.Bar, 60)
	for i := range quiet {
		spread := 5.0
		if i >= 30 {
			spread = 0.25
		}
		quiet[i] = broker.Bar{Open: 100, High: 100 + spread, Low: 100 - spread, Close: 100, Volume: 1000}
	}
	if got := Regime(quiet, 25); got != "low_vol" {
		t.Fatalf("expected low_vol after volatility collapse, got %q", got)
	}

	// Mirror image: volatility expands into the close of the window.
	loud := make([]broker.Bar, 60)
	for i := range loud {
		spread := 0.25
		if i >= 30 {
			spread = 5.0
		}
		loud[i] = broker.Bar{Open: 100, High: 100 + spread, Low: 100 - spread, Close: 100, Volume: 1000}
	}
	if got := Regime(loud, 25); got != "high_vol" {
		t.Fatalf("expected high_vol after volatility expansion, got %q", got)
	}
}

func TestVolumeFilter(t *testing.T) {
	bars := trendingBars(25)
	// Uniform volume: current == average, so a 1.0 multiplier passes and
	// anything above it fails.
	if checkVolume(bars, 1.01) {
		t.Fatalf("expected failure when current volume is below avg multiple")
	}
	if !checkVolume(bars, 1.0) {
		t.Fatalf("expected pass at exactly the average")
	}
	if !checkVolume(bars[:10], 2) {
		t.Fatalf("filter must pass with fewer than 20 bars")
	}
}

func TestEngulfingPatterns(t *testing.T) {
	bullish := []broker.Bar{
		{Open: 101, Close: 100},
		{Open: 99.5, Close: 101.5},
	}
	if up, down := candlePattern(bullish); !up || down {
		t.Fatalf("expected bullish engulfing, got up=%v down=%v", up, down)
	}
	bearish := []broker.Bar{
		{Open: 100, Close: 101},
		{Open: 101.5, Close: 99.5},
	}
	if up, down := candlePattern(bearish); up || !down {
		t.Fatalf("expected bearish engulfing, got up=%v down=%v", up, down)
	}
	if up, down := candlePattern(bullish[:1]); up || down {
		t.Fatalf("single bar cannot form a pattern")
	}
}

func TestMACDConfirmationDetectsCross(t *testing.T) {
	// Long decline followed by a sharp rally drags the MACD line up through
	// its signal line.
	closes := make([]float64, 80)
	for i := range closes {
		if i < 60 {
			closes[i] = 200 - float64(i)
		} else {
			closes[i] = 140 + 3*float64(i-59)
		}
	}
	found := false
	for n := 61; n <= len(closes); n++ {
		if macdConfirmation(closes[:n]) == "bullish" {
			found = true
			break
		}
	}
	if !found {
		t.Fatalf("expected a bullish macd cross somewhere in the rally")
	}
	if got := macdConfirmation(closes[:5]); got != "neutral" {
		t.Fatalf("warmup window must be neutral, got %q", got)
	}
}

func TestMACDConfirmationWarmupFloor(t *testing.T) {
	// A sharp V-reversal inside the warmup window must not report a cross.
	closes := make([]float64, 34)
	for i := range closes {
		if i < 20 {
			closes[i] = 150 - 2*float64(i)
		} else {
			closes[i] = 110 + 4*float64(i-19)
		}
	}
	for n := 2; n <= len(closes); n++ {
		if got := macdConfirmation(closes[:n]); got != "neutral" {
			t.Fatalf("%d bars is inside warmup, got %q", n, got)
		}
	}
}

func TestTrendStrengthFormula(t *testing.T) {
	if got := trendStrength(20); math.Abs(got-0.65) > 1e-9 {
		t.Fatalf("adx 20: expected 0.65, got %v", got)
	}
	if got := trendStrength(80); got != 1.0 {
		t.Fatalf("strength must cap at 1.0, got %v", got)
	}
}
