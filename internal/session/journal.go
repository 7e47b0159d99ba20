package session

import (
	"bufio"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// TradeRecord is the journal row for one completed round trip.
type TradeRecord struct {
	EntryTime      time.Time `json:"entry_time"`
	ExitTime       time.Time `json:"exit_time"`
	Symbol         string    `json:"symbol"`
	Side           string    `json:"side"`
	EntryPrice     float64   `json:"entry_price"`
	ExitPrice      float64   `json:"exit_price"`
	Shares         float64   `json:"shares"`
	PositionValue  float64   `json:"position_value"`
	StopLoss       float64   `json:"stop_loss"`
	PnLDollars     float64   `json:"pnl_dollars"`
	PnLPercent     float64   `json:"pnl_percent"`
	HoldMinutes    float64   `json:"hold_minutes"`
	ExitReason     string    `json:"exit_reason"`
	Regime         string    `json:"regime"`
	SignalStrength float64   `json:"signal_strength"`
	RSI            float64   `json:"rsi"`
	ADX            float64   `json:"adx"`
	MASpread       float64   `json:"ma_spread"`
}

// MissedSignal records a signal the risk gate rejected, with the reason.
type MissedSignal struct {
	Timestamp    time.Time `json:"timestamp"`
	SignalType   string    `json:"signal_type"`
	RejectReason string    `json:"reject_reason"`
	Price        float64   `json:"price_at_signal"`
	Symbol       string    `json:"symbol"`
	Strength     float64   `json:"signal_strength"`
	RSI          float64   `json:"rsi"`
	ADX          float64   `json:"adx"`
	Regime       string    `json:"regime"`
}

// DailyPerformance summarizes one trading session.
type DailyPerformance struct {
	Date           string  `json:"date"`
	OpeningEquity  float64 `json:"opening_equity"`
	ClosingEquity  float64 `json:"closing_equity"`
	TotalTrades    int     `json:"total_trades"`
	Winners        int     `json:"winners"`
	Losers         int     `json:"losers"`
	WinRate        float64 `json:"win_rate"`
	TotalPnL       float64 `json:"total_pnl"`
	PnLPercent     float64 `json:"pnl_percent"`
	MaxDrawdown    float64 `json:"max_drawdown"`
	DominantRegime string  `json:"dominant_regime"`
}

// IndicatorSnapshot is the periodic indicator reading taken during a session.
type IndicatorSnapshot struct {
	Timestamp time.Time `json:"timestamp"`
	Symbol    string    `json:"symbol"`
	Price     float64   `json:"price"`
	Volume    uint64    `json:"volume"`
	RSI       float64   `json:"rsi"`
	ADX       float64   `json:"adx"`
	ATR       float64   `json:"atr"`
	MASpread  float64   `json:"ma_spread"`
	Regime    string    `json:"regime"`
	Position  string    `json:"position_status"`
}

// Journal appends session events to NDJSON files under one directory. Append
// failures are logged and swallowed; journaling must never stop trading.
type Journal struct {
	mu    sync.Mutex
	files map[string]*journalFile
	dir   string
}

type journalFile struct {
	file   *os.File
	writer *bufio.Writer
}

func NewJournal(dir string) (*Journal, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &Journal{files: map[string]*journalFile{}, dir: dir}, nil
}

func (j *Journal) Trade(rec TradeRecord)            { j.append("trades.ndjson", rec) }
func (j *Journal) Missed(rec MissedSignal)          { j.append("signals.ndjson", rec) }
func (j *Journal) Performance(rec DailyPerformance) { j.append("performance.ndjson", rec) }
func (j *Journal) Indicators(rec IndicatorSnapshot) { j.append("indicators.ndjson", rec) }

func (j *Journal) append(name string, rec any) {
	j.mu.Lock()
	defer j.mu.Unlock()

	jf, err := j.open(name)
	if err != nil {
		slog.Error("journal open failed", "file", name, "error", err)
		return
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		slog.Error("journal marshal failed", "file", name, "error", err)
		return
	}
	if _, err := jf.writer.Write(append(payload, '\n')); err != nil {
		slog.Error("journal write failed", "file", name, "error", err)
		return
	}
	if err := jf.writer.Flush(); err != nil {
		slog.Error("journal flush failed", "file", name, "error", err)
	}
}

func (j *Journal) open(name string) (*journalFile, error) {
	if jf, ok := j.files[name]; ok {
		return jf, nil
	}
	file, err := os.OpenFile(filepath.Join(j.dir, name), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	jf := &journalFile{file: file, writer: bufio.NewWriter(file)}
	j.files[name] = jf
	return jf, nil
}

func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	var firstErr error
	for name, jf := range j.files {
		if err := jf.writer.Flush(); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := jf.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(j.files, name)
	}
	return firstErr
}
