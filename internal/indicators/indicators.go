// Package indicators implements the technical indicators used by the signal
// engine. All functions take ordered price series and return series aligned to
// the input length, with NaN where the lookback window is not yet filled.
package indicators

import "math"

// SMA returns the n-period simple moving average of values.
func SMA(values []float64, n int) []float64 {
	out := nanSlice(len(values))
	if n <= 0 || len(values) < n {
		return out
	}
	var sum float64
	for i, v := range values {
		sum += v
		if i >= n {
			sum -= values[i-n]
		}
		if i >= n-1 {
			out[i] = sum / float64(n)
		}
	}
	return out
}

// EMA returns the n-period exponential moving average with alpha = 2/(n+1),
// seeded from the first value.
func EMA(values []float64, n int) []float64 {
	out := nanSlice(len(values))
	if n <= 0 || len(values) == 0 {
		return out
	}
	alpha := 2.0 / (float64(n) + 1.0)
	out[0] = values[0]
	for i := 1; i < len(values); i++ {
		out[i] = alpha*values[i] + (1-alpha)*out[i-1]
	}
	return out
}

// RSI returns the n-period relative strength index computed from rolling
// simple means of gains and losses. A zero mean loss is clamped to 0.0001 to
// avoid division by zero.
func RSI(closes []float64, n int) []float64 {
	out := nanSlice(len(closes))
	if n <= 0 || len(closes) < n+1 {
		return out
	}
	gains := nanSlice(len(closes))
	losses := nanSlice(len(closes))
	for i := 1; i < len(closes); i++ {
		delta := closes[i] - closes[i-1]
		if delta > 0 {
			gains[i], losses[i] = delta, 0
		} else {
			gains[i], losses[i] = 0, -delta
		}
	}
	avgGain := rollingMean(gains, n)
	avgLoss := rollingMean(losses, n)
	for i := range out {
		if math.IsNaN(avgGain[i]) || math.IsNaN(avgLoss[i]) {
			continue
		}
		loss := avgLoss[i]
		if loss == 0 {
			loss = 0.0001
		}
		rs := avgGain[i] / loss
		out[i] = 100 - 100/(1+rs)
	}
	return out
}

// TrueRange returns the per-bar true range. The first bar has no previous
// close, so its range is simply high-low.
func TrueRange(highs, lows, closes []float64) []float64 {
	out := nanSlice(len(closes))
	for i := range closes {
		hl := highs[i] - lows[i]
		if i == 0 {
			out[i] = hl
			continue
		}
		hc := math.Abs(highs[i] - closes[i-1])
		lc := math.Abs(lows[i] - closes[i-1])
		out[i] = math.Max(hl, math.Max(hc, lc))
	}
	return out
}

// ATR returns the n-period average true range (rolling mean of true range).
func ATR(highs, lows, closes []float64, n int) []float64 {
	return rollingMean(TrueRange(highs, lows, closes), n)
}

// ADX returns the n-period average directional index. Directional movement is
// smoothed with rolling means, matching the rest of this package.
func ADX(highs, lows, closes []float64, n int) []float64 {
	out := nanSlice(len(closes))
	if n <= 0 || len(closes) == 0 {
		return out
	}
	atr := ATR(highs, lows, closes, n)
	plusDM := make([]float64, len(closes))
	minusDM := make([]float64, len(closes))
	for i := 1; i < len(closes); i++ {
		up := highs[i] - highs[i-1]
		down := lows[i-1] - lows[i]
		if up > down && up > 0 {
			plusDM[i] = up
		}
		if down > up && down > 0 {
			minusDM[i] = down
		}
	}
	plusSmooth := rollingMean(plusDM, n)
	minusSmooth := rollingMean(minusDM, n)
	dx := nanSlice(len(closes))
	for i := range dx {
		if math.IsNaN(atr[i]) || atr[i] == 0 || math.IsNaN(plusSmooth[i]) || math.IsNaN(minusSmooth[i]) {
			continue
		}
		plusDI := 100 * plusSmooth[i] / atr[i]
		minusDI := 100 * minusSmooth[i] / atr[i]
		sum := plusDI + minusDI
		if sum == 0 {
			sum = 0.0001
		}
		dx[i] = 100 * math.Abs(plusDI-minusDI) / sum
	}
	return rollingMean(dx, n)
}

// MACD returns the MACD line, signal line and histogram for the given
// fast/slow/signal periods.
func MACD(closes []float64, fast, slow, signalPeriod int) (line, signal, histogram []float64) {
	emaFast := EMA(closes, fast)
	emaSlow := EMA(closes, slow)
	line = make([]float64, len(closes))
	for i := range line {
		line[i] = emaFast[i] - emaSlow[i]
	}
	signal = EMA(line, signalPeriod)
	histogram = make([]float64, len(closes))
	for i := range histogram {
		histogram[i] = line[i] - signal[i]
	}
	return line, signal, histogram
}

// Bollinger returns the upper, middle and lower Bollinger bands using an
// n-period SMA and a sample standard deviation scaled by numStd.
func Bollinger(closes []float64, n int, numStd float64) (upper, middle, lower []float64) {
	middle = SMA(closes, n)
	std := rollingStd(closes, n)
	upper = nanSlice(len(closes))
	lower = nanSlice(len(closes))
	for i := range closes {
		if math.IsNaN(middle[i]) || math.IsNaN(std[i]) {
			continue
		}
		upper[i] = middle[i] + std[i]*numStd
		lower[i] = middle[i] - std[i]*numStd
	}
	return upper, middle, lower
}

// PercentileRank returns the percentage of entries in values that are less
// than or equal to v. NaN entries count against the denominator but never
// match, mirroring how the rank behaves on partially-warm indicator series.
func PercentileRank(values []float64, v float64) float64 {
	if len(values) == 0 || math.IsNaN(v) {
		return math.NaN()
	}
	matched := 0
	for _, x := range values {
		if !math.IsNaN(x) && x <= v {
			matched++
		}
	}
	return 100 * float64(matched) / float64(len(values))
}

// Last returns the final element of a series, or NaN for an empty series.
func Last(values []float64) float64 {
	if len(values) == 0 {
		return math.NaN()
	}
	return values[len(values)-1]
}

func rollingMean(values []float64, n int) []float64 {
	out := nanSlice(len(values))
	if n <= 0 {
		return out
	}
	for i := n - 1; i < len(values); i++ {
		sum := 0.0
		ok := true
		for j := i - n + 1; j <= i; j++ {
			if math.IsNaN(values[j]) {
				ok = false
				break
			}
			sum += values[j]
		}
		if ok {
			out[i] = sum / float64(n)
		}
	}
	return out
}

func rollingStd(values []float64, n int) []float64 {
	out := nanSlice(len(values))
	if n <= 1 {
		return out
	}
	for i := n - 1; i < len(values); i++ {
		mean := 0.0
		for j := i - n + 1; j <= i; j++ {
			mean += values[j]
		}
		mean /= float64(n)
		var ss float64
		for j := i - n + 1; j <= i; j++ {
			d := values[j] - mean
			ss += d * d
		}
		out[i] = math.Sqrt(ss / float64(n-1))
	}
	return out
}

func nanSlice(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = math.NaN()
	}
	return out
}
