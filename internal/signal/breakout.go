package signal

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"daybot/internal/broker"
	"daybot/internal/position"
)

// BreakoutConfig drives the opening-range fair-value-gap strategy: record the
// first minutes of the session as a range, wait for a three-candle gap in the
// bars after it, then enter on a breakout of the range in the gap direction.
type BreakoutConfig struct {
	OpeningRangeMinutes int
	EntryTimeframe      string
	MinGapPct           float64
	MaxEntryTime        string // "HH:MM" exchange-local
	RequireVolume       bool
}

// BarSource is the slice of the brokerage gateway the breakout engine needs.
type BarSource interface {
	BarsBetween(ctx context.Context, symbol, timeframe string, start, end time.Time, limit int) ([]broker.Bar, error)
	RecentBars(ctx context.Context, symbol string, limit int) ([]broker.Bar, error)
}

// Breakout holds the intra-session state machine. Reset between sessions.
type Breakout struct {
	cfg    BreakoutConfig
	venue  BarSource
	symbol string
	loc    *time.Location
	now    func() time.Time

	rangeHigh      float64
	rangeLow       float64
	rangeSet       bool
	gapDirection   string // "", "bullish" or "bearish"
	entryTriggered bool
}

func NewBreakout(venue BarSource, symbol string, cfg BreakoutConfig, loc *time.Location) *Breakout {
	return &Breakout{cfg: cfg, venue: venue, symbol: symbol, loc: loc, now: time.Now}
}

// Reset clears the opening range, the detected gap and the one-entry latch.
func (b *Breakout) Reset() {
	b.rangeHigh, b.rangeLow = 0, 0
	b.rangeSet = false
	b.gapDirection = ""
	b.entryTriggered = false
}

// MarkEntered latches the session so no second entry is proposed. Called
// after the entry order actually fills.
func (b *Breakout) MarkEntered() { b.entryTriggered = true }

// Evaluate advances the state machine one tick and returns a proposal when a
// confirmed breakout occurs. At most one proposal is produced per session.
func (b *Breakout) Evaluate(ctx context.Context) (*Proposal, error) {
	now := b.now().In(b.loc)
	marketOpen := time.Date(now.Year(), now.Month(), now.Day(), 9, 30, 0, 0, b.loc)
	rangeEnd := marketOpen.Add(time.Duration(b.cfg.OpeningRangeMinutes) * time.Minute)

	maxEntry, err := b.maxEntryTime(now)
	if err != nil {
		return nil, err
	}
	if now.After(maxEntry) {
		return nil, nil
	}

	if !b.rangeSet && !now.Before(rangeEnd) {
		if err := b.setOpeningRange(ctx, marketOpen, rangeEnd); err != nil {
			return nil, err
		}
	}
	if !b.rangeSet {
		return nil, nil
	}

	bars, err := b.venue.BarsBetween(ctx, b.symbol, b.cfg.EntryTimeframe, rangeEnd, now, 50)
	if err != nil {
		return nil, err
	}
	after := barsSince(bars, rangeEnd)
	if len(after) < 3 {
		return nil, nil
	}
	price := after[len(after)-1].Close

	if b.gapDirection == "" {
		if dir := detectFairValueGap(after, b.cfg.MinGapPct); dir != "" {
			b.gapDirection = dir
			slog.Info("fair value gap detected", "direction", dir)
		}
	}
	if b.gapDirection == "" || b.entryTriggered {
		return nil, nil
	}

	var proposal *Proposal
	switch {
	case b.gapDirection == "bullish" && price > b.rangeHigh:
		proposal = &Proposal{Direction: Buy, Strength: 1.0, Stop: b.rangeLow, Kind: position.Long}
	case b.gapDirection == "bearish" && price < b.rangeLow:
		proposal = &Proposal{Direction: Sell, Strength: 1.0, Stop: b.rangeHigh, Kind: position.Short}
	default:
		return nil, nil
	}

	if b.cfg.RequireVolume && !volumeConfirmed(after) {
		slog.Debug("breakout rejected, volume confirmation failed")
		return nil, nil
	}

	slog.Info("opening range breakout", "direction", proposal.Direction, "price", price, "stop", proposal.Stop)
	return proposal, nil
}

func (b *Breakout) setOpeningRange(ctx context.Context, open, end time.Time) error {
	bars, err := b.venue.BarsBetween(ctx, b.symbol, "1Min", open, end, b.cfg.OpeningRangeMinutes)
	if err != nil {
		return err
	}
	if len(bars) == 0 {
		return nil
	}
	high, low := bars[0].High, bars[0].Low
	for _, bar := range bars[1:] {
		if bar.High > high {
			high = bar.High
		}
		if bar.Low < low {
			low = bar.Low
		}
	}
	if high <= 0 || low <= 0 || low >= high {
		return fmt.Errorf("invalid opening range high=%v low=%v", high, low)
	}
	b.rangeHigh, b.rangeLow = high, low
	b.rangeSet = true
	slog.Info("opening range set", "high", high, "low", low)
	return nil
}

func (b *Breakout) maxEntryTime(now time.Time) (time.Time, error) {
	parts := strings.SplitN(b.cfg.MaxEntryTime, ":", 2)
	if len(parts) != 2 {
		return time.Time{}, fmt.Errorf("invalid max entry time %q", b.cfg.MaxEntryTime)
	}
	hour, err := strconv.Atoi(parts[0])
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid max entry time %q", b.cfg.MaxEntryTime)
	}
	minute, err := strconv.Atoi(parts[1])
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid max entry time %q", b.cfg.MaxEntryTime)
	}
	return time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, b.loc), nil
}

func barsSince(bars []broker.Bar, cutoff time.Time) []broker.Bar {
	out := bars[:0:0]
	for _, bar := range bars {
		if !bar.Timestamp.Before(cutoff) {
			out = append(out, bar)
		}
	}
	return out
}

// detectFairValueGap scans three-candle windows from newest to oldest, at most
// ten candles back. A bullish gap leaves the third candle's low above the
// first candle's high; the gap must be at least minGapPct of the middle
// candle's price.
func detectFairValueGap(bars []broker.Bar, minGapPct float64) string {
	if len(bars) < 3 {
		return ""
	}
	floor := len(bars) - 10
	if floor < 0 {
		floor = 0
	}
	for i := len(bars) - 3; i >= floor; i-- {
		c1, c2, c3 := bars[i], bars[i+1], bars[i+2]

		if c3.Low > c1.High && c2.High > 0 {
			gapPct := (c3.Low - c1.High) / c2.High * 100
			if gapPct >= minGapPct {
				return "bullish"
			}
		}
		if c3.High < c1.Low && c2.Low > 0 {
			gapPct := (c1.Low - c3.High) / c2.Low * 100
			if gapPct >= minGapPct {
				return "bearish"
			}
		}
	}
	return ""
}

// volumeConfirmed requires the latest bar to trade at least 1.2x the 20-bar
// average volume. With fewer than 20 bars the check is skipped.
func volumeConfirmed(bars []broker.Bar) bool {
	if len(bars) < 20 {
		return true
	}
	window := bars[len(bars)-20:]
	sum := 0.0
	for _, b := range window {
		sum += float64(b.Volume)
	}
	avg := sum / float64(len(window))
	return float64(bars[len(bars)-1].Volume) >= avg*1.2
}
