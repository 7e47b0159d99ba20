// Package settlement tracks cash pending T+1 settlement so the agent never
// spends proceeds that have not cleared.
package settlement

import (
	"log/slog"
	"time"
)

// Ledger maps settlement dates to pending cash amounts. One entry exists per
// trading day with unsettled proceeds. The zero value is not usable; call
// NewLedger.
type Ledger struct {
	pending map[time.Time]float64
}

func NewLedger() *Ledger {
	return &Ledger{pending: map[time.Time]float64{}}
}

// AddTrade books amount against the next trading day after tradeDate,
// skipping weekends.
func (l *Ledger) AddTrade(tradeDate time.Time, amount float64) {
	date := NextTradingDay(tradeDate)
	l.pending[date] += amount
	slog.Info("T+1 settlement booked", "amount", amount, "settles", date.Format("2006-01-02"))
}

// Settle moves every entry whose settlement date is on or before now into
// realized cash, removes the entries, and returns the settled total.
func (l *Ledger) Settle(now time.Time) float64 {
	today := midnight(now)
	settled := 0.0
	for date, amount := range l.pending {
		if !date.After(today) {
			settled += amount
			delete(l.pending, date)
		}
	}
	if settled > 0 {
		slog.Info("settled funds", "amount", settled, "date", today.Format("2006-01-02"))
	}
	return settled
}

// Pending returns the sum of all outstanding entries.
func (l *Ledger) Pending() float64 {
	total := 0.0
	for _, amount := range l.pending {
		total += amount
	}
	return total
}

func (l *Ledger) Reset() {
	l.pending = map[time.Time]float64{}
}

// Available computes spendable cash under T+1 accounting: cash minus pending
// settlements minus the configured reserve fraction of cash, floored at zero.
func (l *Ledger) Available(cash, reservePct float64) float64 {
	available := cash - l.Pending()
	if reservePct > 0 {
		available -= cash * reservePct
	}
	if available < 0 {
		return 0
	}
	return available
}

// NextTradingDay returns the next weekday strictly after date, at midnight UTC
// of that calendar day.
func NextTradingDay(date time.Time) time.Time {
	next := midnight(date).AddDate(0, 0, 1)
	for next.Weekday() == time.Saturday || next.Weekday() == time.Sunday {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

func midnight(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
