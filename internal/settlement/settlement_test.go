package settlement

import (
	"testing"
	"time"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 14, 30, 0, 0, time.UTC)
}

func TestFridayTradeSettlesMonday(t *testing.T) {
	ledger := NewLedger()
	friday := date(2024, time.March, 15)
	ledger.AddTrade(friday, 2500)

	monday := date(2024, time.March, 18)
	sunday := date(2024, time.March, 17)

	if got := ledger.Settle(sunday); got != 0 {
		t.Fatalf("nothing should settle on Sunday, got %v", got)
	}
	if got := ledger.Settle(monday); got != 2500 {
		t.Fatalf("expected 2500 settled on Monday, got %v", got)
	}
	if got := ledger.Pending(); got != 0 {
		t.Fatalf("ledger should be empty after settlement, got %v", got)
	}
}

func TestSameDayEntriesAccumulate(t *testing.T) {
	ledger := NewLedger()
	tuesday := date(2024, time.March, 12)
	ledger.AddTrade(tuesday, 1000)
	ledger.AddTrade(tuesday, 500)

	if got := ledger.Pending(); got != 1500 {
		t.Fatalf("expected single-day entry of 1500, got %v", got)
	}
	if got := ledger.Settle(date(2024, time.March, 13)); got != 1500 {
		t.Fatalf("expected 1500 settled, got %v", got)
	}
}

func TestAvailableAppliesReserveAndFloor(t *testing.T) {
	ledger := NewLedger()
	ledger.AddTrade(date(2024, time.March, 12), 800)

	if got := ledger.Available(1000, 0.1); got != 100 {
		t.Fatalf("expected 1000-800-100=100, got %v", got)
	}
	if got := ledger.Available(500, 0); got != 0 {
		t.Fatalf("available must floor at zero, got %v", got)
	}
}

func TestNextTradingDaySkipsWeekend(t *testing.T) {
	saturday := date(2024, time.March, 16)
	next := NextTradingDay(saturday)
	if next.Weekday() != time.Monday {
		t.Fatalf("expected Monday, got %v", next.Weekday())
	}
}
