// Package config loads settings from flags and the environment, with an
// optional .env file for credentials.
package config

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
)

type StrategyMode string

const (
	ModeMACrossover StrategyMode = "ma_crossover"
	ModeORFVG       StrategyMode = "or_fvg"
)

type Config struct {
	Symbol       string
	Timeframe    string
	Feed         string
	PollInterval time.Duration

	ShortWindow   int
	LongWindow    int
	BarsForSignal int
	UseEMA        bool

	RSIBuyMax          float64
	RSISellMin         float64
	RSISellMax         float64
	RSIRangeOversold   float64
	RSIRangeOverbought float64
	ADXThreshold       float64
	BBWindow           int
	BBStd              float64
	MinSignalStrength  float64
	VolumeMultiplier   float64

	RequireCrossover  bool
	CrossoverLookback int
	RequireCandle     bool
	RequireMACD       bool
	RegimeDetection   bool

	StrategyMode    StrategyMode
	ORMinutes       int
	OREntryTF       string
	ORMinGapPct     float64
	ORMaxEntryTime  string
	ORVolumeConfirm bool
	ORRiskReward    float64

	RiskPerTrade      float64
	MaxPositionPct    float64
	MinNotional       float64
	MaxDrawdown       float64
	MaxTradesPerDay   int
	AllowShorts       bool
	MaxHoldTime       time.Duration
	ProfitTarget1     float64
	ProfitTarget2     float64
	ATRStopMultiplier float64
	UseTrailingStop   bool

	UseLimitOrders bool
	LimitFillWait  time.Duration

	SettlementEnabled bool
	CashReservePct    float64

	StatePath   string
	JournalDir  string
	MetricsAddr string

	APIKey    string
	APISecret string
	BaseURL   string
}

func Load() (Config, error) {
	var cfg Config
	var mode string

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("load .env: %w", err)
	}

	flag.StringVar(&cfg.Symbol, "symbol", "SPY", "trading symbol")
	flag.StringVar(&cfg.Timeframe, "timeframe", "5Min", "bar timeframe: 1Min, 5Min, 15Min, 1Hour")
	flag.StringVar(&cfg.Feed, "feed", "iex", "market data feed: iex or sip")
	flag.DurationVar(&cfg.PollInterval, "poll-interval", 60*time.Second, "delay between ticks")

	flag.IntVar(&cfg.ShortWindow, "short-window", 9, "short moving average window")
	flag.IntVar(&cfg.LongWindow, "long-window", 21, "long moving average window")
	flag.IntVar(&cfg.BarsForSignal, "bars-for-signal", 200, "bars fetched per signal evaluation")
	flag.BoolVar(&cfg.UseEMA, "use-ema", true, "use EMA instead of SMA")

	flag.Float64Var(&cfg.RSIBuyMax, "rsi-buy-max", 70, "reject longs above this RSI")
	flag.Float64Var(&cfg.RSISellMin, "rsi-sell-min", 30, "reject shorts below this RSI")
	flag.Float64Var(&cfg.RSISellMax, "rsi-sell-max", 70, "reject shorts above this RSI")
	flag.Float64Var(&cfg.RSIRangeOversold, "rsi-range-oversold", 35, "range regime oversold bound")
	flag.Float64Var(&cfg.RSIRangeOverbought, "rsi-range-overbought", 65, "range regime overbought bound")
	flag.Float64Var(&cfg.ADXThreshold, "adx-threshold", 25, "ADX level separating trend from range")
	flag.IntVar(&cfg.BBWindow, "bb-window", 20, "Bollinger band window")
	flag.Float64Var(&cfg.BBStd, "bb-std", 2, "Bollinger band width in standard deviations")
	flag.Float64Var(&cfg.MinSignalStrength, "min-signal-strength", 0.45, "discard signals below this strength")
	flag.Float64Var(&cfg.VolumeMultiplier, "volume-multiplier", 0, "require volume at this multiple of the 20-bar average, 0 disables")

	flag.BoolVar(&cfg.RequireCrossover, "require-crossover", false, "require a recent MA crossover for trend entries")
	flag.IntVar(&cfg.CrossoverLookback, "crossover-lookback", 5, "bars to scan for a crossover")
	flag.BoolVar(&cfg.RequireCandle, "require-candle-pattern", false, "require an engulfing candle")
	flag.BoolVar(&cfg.RequireMACD, "require-macd", false, "require a MACD cross confirmation")
	flag.BoolVar(&cfg.RegimeDetection, "regime-detection", true, "classify the market regime before entry")

	flag.StringVar(&mode, "strategy-mode", string(ModeMACrossover), "entry strategy: ma_crossover or or_fvg")
	flag.IntVar(&cfg.ORMinutes, "or-minutes", 15, "opening range length in minutes")
	flag.StringVar(&cfg.OREntryTF, "or-entry-timeframe", "3Min", "timeframe for breakout entry bars")
	flag.Float64Var(&cfg.ORMinGapPct, "or-min-gap-pct", 0.05, "minimum fair value gap as percent of price")
	flag.StringVar(&cfg.ORMaxEntryTime, "or-max-entry-time", "10:30", "latest breakout entry, exchange-local HH:MM")
	flag.BoolVar(&cfg.ORVolumeConfirm, "or-volume-confirm", true, "require volume confirmation on breakout")
	flag.Float64Var(&cfg.ORRiskReward, "or-risk-reward", 2, "breakout profit target as a multiple of risk")

	flag.Float64Var(&cfg.RiskPerTrade, "risk-per-trade", 0.01, "fraction of equity risked per trade")
	flag.Float64Var(&cfg.MaxPositionPct, "max-position-pct", 0.25, "cap on position notional as a fraction of equity")
	flag.Float64Var(&cfg.MinNotional, "min-notional", 1, "minimum order notional")
	flag.Float64Var(&cfg.MaxDrawdown, "max-drawdown", 0.08, "intraday drawdown fraction that halts trading")
	flag.IntVar(&cfg.MaxTradesPerDay, "max-trades-per-day", 3, "entries allowed per session")
	flag.BoolVar(&cfg.AllowShorts, "allow-shorts", false, "permit short entries")
	flag.DurationVar(&cfg.MaxHoldTime, "max-hold-time", 2*time.Hour, "time stop, 0 disables")
	flag.Float64Var(&cfg.ProfitTarget1, "profit-target-1", 1.5, "first scale-out at this multiple of risk")
	flag.Float64Var(&cfg.ProfitTarget2, "profit-target-2", 3, "full exit at this multiple of risk")
	flag.Float64Var(&cfg.ATRStopMultiplier, "atr-stop-multiplier", 2, "stop distance in ATRs")
	flag.BoolVar(&cfg.UseTrailingStop, "use-trailing-stop", true, "trail the stop with ATR")

	flag.BoolVar(&cfg.UseLimitOrders, "use-limit-orders", false, "enter with limit orders before falling back to market")
	flag.DurationVar(&cfg.LimitFillWait, "limit-fill-wait", 30*time.Second, "how long to wait for a limit fill")

	flag.BoolVar(&cfg.SettlementEnabled, "t1-settlement", false, "track T+1 settlement of cash proceeds")
	flag.Float64Var(&cfg.CashReservePct, "cash-reserve-pct", 0, "fraction of cash held back from buying power")

	flag.StringVar(&cfg.StatePath, "state-path", "session.ndjson", "path to the session checkpoint file")
	flag.StringVar(&cfg.JournalDir, "journal-dir", "journal", "directory for trade and signal journals")
	flag.StringVar(&cfg.MetricsAddr, "metrics-addr", "", "listen address for prometheus metrics, empty disables")

	flag.StringVar(&cfg.BaseURL, "base-url", "https://paper-api.alpaca.markets", "brokerage API base URL")
	flag.Parse()

	cfg.StrategyMode = StrategyMode(mode)
	cfg.APIKey = os.Getenv("APCA_API_KEY_ID")
	cfg.APISecret = os.Getenv("APCA_API_SECRET_KEY")

	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func validate(cfg Config) error {
	if cfg.APIKey == "" || cfg.APISecret == "" {
		return fmt.Errorf("APCA_API_KEY_ID and APCA_API_SECRET_KEY are required")
	}
	if cfg.StrategyMode != ModeMACrossover && cfg.StrategyMode != ModeORFVG {
		return fmt.Errorf("invalid strategy mode: %s", cfg.StrategyMode)
	}
	if cfg.ShortWindow <= 1 {
		return fmt.Errorf("short-window must be > 1")
	}
	if cfg.ShortWindow >= cfg.LongWindow {
		return fmt.Errorf("short-window must be < long-window")
	}
	if cfg.BarsForSignal < cfg.LongWindow {
		return fmt.Errorf("bars-for-signal must be >= long-window")
	}
	if cfg.RiskPerTrade <= 0 || cfg.RiskPerTrade >= 1 {
		return fmt.Errorf("risk-per-trade must be in (0, 1)")
	}
	if cfg.MaxPositionPct <= 0 || cfg.MaxPositionPct > 1 {
		return fmt.Errorf("max-position-pct must be in (0, 1]")
	}
	if cfg.MaxDrawdown <= 0 || cfg.MaxDrawdown >= 1 {
		return fmt.Errorf("max-drawdown must be in (0, 1)")
	}
	if cfg.MaxTradesPerDay <= 0 {
		return fmt.Errorf("max-trades-per-day must be > 0")
	}
	if cfg.ProfitTarget2 < cfg.ProfitTarget1 {
		return fmt.Errorf("profit-target-2 must be >= profit-target-1")
	}
	if cfg.ATRStopMultiplier <= 0 {
		return fmt.Errorf("atr-stop-multiplier must be > 0")
	}
	if cfg.PollInterval <= 0 {
		return fmt.Errorf("poll-interval must be > 0")
	}
	if cfg.CashReservePct < 0 || cfg.CashReservePct >= 1 {
		return fmt.Errorf("cash-reserve-pct must be in [0, 1)")
	}
	if cfg.StrategyMode == ModeORFVG {
		if cfg.ORMinutes <= 0 {
			return fmt.Errorf("or-minutes must be > 0")
		}
		if cfg.ORRiskReward <= 0 {
			return fmt.Errorf("or-risk-reward must be > 0")
		}
	}
	return nil
}
