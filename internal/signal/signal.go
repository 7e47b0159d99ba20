// Package signal derives trade proposals from recent bars. The MA-crossover
// engine classifies the market regime and applies trend or range rules; the
// breakout engine in breakout.go implements the opening-range alternative.
package signal

import (
	"log/slog"
	"math"

	"daybot/internal/broker"
	"daybot/internal/indicators"
	"daybot/internal/position"
)

type Direction string

const (
	Buy  Direction = "buy"
	Sell Direction = "sell"
)

// Proposal is an ephemeral trade suggestion, produced and consumed within a
// single tick.
type Proposal struct {
	Direction Direction
	Strength  float64
	Stop      float64
	Kind      position.Kind
}

// State remembers the bar index of the last crossover reported in each
// direction so a flat market cannot re-fire the same event. Indices refer to
// the most recent bar window and reset once per session.
type State struct {
	LastBullishBar int
	LastBearishBar int
}

func NewState() *State {
	s := &State{}
	s.Reset()
	return s
}

func (s *State) Reset() {
	s.LastBullishBar = -999
	s.LastBearishBar = -999
}

type Config struct {
	ShortWindow int
	LongWindow  int
	UseEMA      bool

	RSIBuyMax          float64
	RSISellMin         float64
	RSISellMax         float64
	RSIRangeOversold   float64
	RSIRangeOverbought float64

	ADXThreshold      float64
	ATRStopMultiplier float64
	BBWindow          int
	BBStd             float64
	MinSignalStrength float64
	VolumeMultiplier  float64

	RequireCrossover        bool
	CrossoverLookback       int
	RequireCandlePattern    bool
	RequireMACDConfirmation bool
	RegimeDetection         bool
}

// Snapshot carries the indicator context of an evaluation for journaling.
type Snapshot struct {
	Price    float64
	RSI      float64
	ADX      float64
	ATR      float64
	MASpread float64
	Regime   string
}

type Engine struct {
	cfg   Config
	state *State
}

func NewEngine(cfg Config, state *State) *Engine {
	return &Engine{cfg: cfg, state: state}
}

// Evaluate inspects the bar window and returns a proposal or nil. The
// snapshot is populated whenever enough bars exist, proposal or not.
func (e *Engine) Evaluate(bars []broker.Bar) (*Proposal, Snapshot) {
	var snap Snapshot
	if len(bars) < e.cfg.LongWindow {
		return nil, snap
	}

	closes := make([]float64, len(bars))
	highs := make([]float64, len(bars))
	lows := make([]float64, len(bars))
	for i, b := range bars {
		closes[i], highs[i], lows[i] = b.Close, b.High, b.Low
	}
	price := closes[len(closes)-1]

	var shortMA, longMA []float64
	if e.cfg.UseEMA {
		shortMA = indicators.EMA(closes, e.cfg.ShortWindow)
		longMA = indicators.EMA(closes, e.cfg.LongWindow)
	} else {
		shortMA = indicators.SMA(closes, e.cfg.ShortWindow)
		longMA = indicators.SMA(closes, e.cfg.LongWindow)
	}

	bullishCross, bearishCross := e.detectCrossovers(shortMA, longMA, len(bars))

	rsi := indicators.Last(indicators.RSI(closes, 14))
	adx := indicators.Last(indicators.ADX(highs, lows, closes, 14))
	atr := indicators.Last(indicators.ATR(highs, lows, closes, 14))
	bbUpper, _, bbLower := indicators.Bollinger(closes, e.cfg.BBWindow, e.cfg.BBStd)

	regime := "trend"
	if e.cfg.RegimeDetection {
		regime = Regime(bars, e.cfg.ADXThreshold)
	}

	snap = Snapshot{
		Price:    price,
		RSI:      rsi,
		ADX:      adx,
		ATR:      atr,
		MASpread: indicators.Last(shortMA) - indicators.Last(longMA),
		Regime:   regime,
	}

	if math.IsNaN(rsi) || math.IsNaN(adx) || math.IsNaN(atr) {
		return nil, snap
	}
	if !checkVolume(bars, e.cfg.VolumeMultiplier) {
		slog.Debug("volume filter failed")
		return nil, snap
	}

	bullishPattern, bearishPattern := candlePattern(bars)
	macdSignal := macdConfirmation(closes)
	shortNow := indicators.Last(shortMA)
	longNow := indicators.Last(longMA)

	var proposal *Proposal
	switch regime {
	case "trend":
		if shortNow > longNow && rsi < e.cfg.RSIBuyMax {
			switch {
			case e.cfg.RequireCrossover && !bullishCross:
				slog.Debug("bullish signal rejected, no recent crossover")
			case e.cfg.RequireCandlePattern && !bullishPattern:
				slog.Debug("bullish signal rejected, candle pattern required")
			case e.cfg.RequireMACDConfirmation && macdSignal != "bullish":
				slog.Debug("bullish signal rejected, macd confirmation required")
			default:
				proposal = &Proposal{
					Direction: Buy,
					Strength:  trendStrength(adx),
					Stop:      price - atr*e.cfg.ATRStopMultiplier,
					Kind:      position.Long,
				}
			}
		} else if shortNow < longNow && rsi > e.cfg.RSISellMin && rsi < e.cfg.RSISellMax {
			switch {
			case e.cfg.RequireCrossover && !bearishCross:
				slog.Debug("bearish signal rejected, no recent crossover")
			case e.cfg.RequireCandlePattern && !bearishPattern:
				slog.Debug("bearish signal rejected, candle pattern required")
			case e.cfg.RequireMACDConfirmation && macdSignal != "bearish":
				slog.Debug("bearish signal rejected, macd confirmation required")
			default:
				proposal = &Proposal{
					Direction: Sell,
					Strength:  trendStrength(adx),
					Stop:      price + atr*e.cfg.ATRStopMultiplier,
					Kind:      position.Short,
				}
			}
		}
	case "range":
		upper := indicators.Last(bbUpper)
		lower := indicators.Last(bbLower)
		if !math.IsNaN(lower) && price <= lower && rsi < e.cfg.RSIRangeOversold {
			if !(e.cfg.RequireCandlePattern && !bullishPattern) &&
				!(e.cfg.RequireMACDConfirmation && macdSignal != "bullish") {
				proposal = &Proposal{
					Direction: Buy,
					Strength:  0.85,
					Stop:      price - atr*e.cfg.ATRStopMultiplier,
					Kind:      position.Long,
				}
			}
		} else if !math.IsNaN(upper) && price >= upper && rsi > e.cfg.RSIRangeOverbought {
			if !(e.cfg.RequireCandlePattern && !bearishPattern) &&
				!(e.cfg.RequireMACDConfirmation && macdSignal != "bearish") {
				proposal = &Proposal{
					Direction: Sell,
					Strength:  0.85,
					Stop:      price + atr*e.cfg.ATRStopMultiplier,
					Kind:      position.Short,
				}
			}
		}
	}

	if proposal == nil || proposal.Strength < e.cfg.MinSignalStrength {
		if proposal != nil {
			slog.Debug("signal below strength floor", "strength", proposal.Strength, "min", e.cfg.MinSignalStrength)
		}
		return nil, snap
	}
	slog.Info("signal generated", "direction", proposal.Direction, "strength", proposal.Strength,
		"stop", proposal.Stop, "regime", regime)
	return proposal, snap
}

// detectCrossovers scans the lookback window for the most recent cross in each
// direction. A cross only counts if its bar index is newer than the last one
// already reported for that direction; reported indices advance the state.
func (e *Engine) detectCrossovers(shortMA, longMA []float64, barCount int) (bullish, bearish bool) {
	if !e.cfg.RequireCrossover || barCount < e.cfg.LongWindow+e.cfg.CrossoverLookback {
		return false, false
	}
	for i := 1; i <= e.cfg.CrossoverLookback; i++ {
		cur := len(shortMA) - i
		prev := cur - 1
		if prev < 0 {
			break
		}
		if shortMA[prev] <= longMA[prev] && shortMA[cur] > longMA[cur] {
			barIndex := barCount - 1 - i
			if barIndex > e.state.LastBullishBar {
				bullish = true
				e.state.LastBullishBar = barIndex
				slog.Debug("bullish crossover detected", "bars_ago", i)
			}
			break
		}
	}
	for i := 1; i <= e.cfg.CrossoverLookback; i++ {
		cur := len(shortMA) - i
		prev := cur - 1
		if prev < 0 {
			break
		}
		if shortMA[prev] >= longMA[prev] && shortMA[cur] < longMA[cur] {
			barIndex := barCount - 1 - i
			if barIndex > e.state.LastBearishBar {
				bearish = true
				e.state.LastBearishBar = barIndex
				slog.Debug("bearish crossover detected", "bars_ago", i)
			}
			break
		}
	}
	return bullish, bearish
}

func trendStrength(adx float64) float64 {
	return math.Min(1.0, adx/40*0.7+0.3)
}

// Regime classifies the market using ATR percentile rank and ADX. Fewer than
// 50 bars is not enough history to call it.
func Regime(bars []broker.Bar, adxThreshold float64) string {
	if len(bars) < 50 {
		return "unknown"
	}
	closes := make([]float64, len(bars))
	highs := make([]float64, len(bars))
	lows := make([]float64, len(bars))
	for i, b := range bars {
		closes[i], highs[i], lows[i] = b.Close, b.High, b.Low
	}
	atrSeries := indicators.ATR(highs, lows, closes, 14)
	currentATR := indicators.Last(atrSeries)
	currentADX := indicators.Last(indicators.ADX(highs, lows, closes, 14))

	percentile := indicators.PercentileRank(atrSeries, currentATR)
	switch {
	case percentile > 70:
		return "high_vol"
	case percentile < 30:
		return "low_vol"
	case currentADX > adxThreshold:
		return "trend"
	default:
		return "range"
	}
}
