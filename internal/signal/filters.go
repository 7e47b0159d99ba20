package signal

import (
	"daybot/internal/broker"
	"daybot/internal/indicators"
)

// checkVolume passes when the latest bar's volume is at least the 20-bar
// average times multiplier. With fewer than 20 bars there is no baseline, so
// the filter passes.
func checkVolume(bars []broker.Bar, multiplier float64) bool {
	if multiplier <= 0 || len(bars) < 20 {
		return true
	}
	window := bars[len(bars)-20:]
	sum := 0.0
	for _, b := range window {
		sum += float64(b.Volume)
	}
	avg := sum / float64(len(window))
	if avg <= 0 {
		return true
	}
	return float64(bars[len(bars)-1].Volume) >= avg*multiplier
}

// candlePattern reports whether the last two bars form an engulfing pattern.
// Bullish: previous bar red, current bar green and its body engulfs the
// previous body. Bearish is the mirror image.
func candlePattern(bars []broker.Bar) (bullish, bearish bool) {
	if len(bars) < 2 {
		return false, false
	}
	prev := bars[len(bars)-2]
	cur := bars[len(bars)-1]

	bullish = prev.Close < prev.Open &&
		cur.Close > cur.Open &&
		cur.Open <= prev.Close &&
		cur.Close >= prev.Open
	bearish = prev.Close > prev.Open &&
		cur.Close < cur.Open &&
		cur.Open >= prev.Close &&
		cur.Close <= prev.Open
	return bullish, bearish
}

// macdConfirmation reports the direction of a MACD/signal-line cross on the
// latest bar: "bullish", "bearish" or "neutral". The slow EMA plus the signal
// line need 35 bars to settle; anything shorter is seeded-EMA noise and reads
// neutral.
func macdConfirmation(closes []float64) string {
	if len(closes) < 35 {
		return "neutral"
	}
	macd, signalLine, _ := indicators.MACD(closes, 12, 26, 9)
	n := len(macd)
	curDiff := macd[n-1] - signalLine[n-1]
	prevDiff := macd[n-2] - signalLine[n-2]
	switch {
	case prevDiff <= 0 && curDiff > 0:
		return "bullish"
	case prevDiff >= 0 && curDiff < 0:
		return "bearish"
	default:
		return "neutral"
	}
}
