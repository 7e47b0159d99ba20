// Package broker wraps the Alpaca REST venue behind a Gateway that retries
// transient faults and implements the order submit-and-confirm protocol. The
// SDK is only touched by the adapter in alpaca.go; everything else talks to
// the venue interface so the protocol logic is testable offline.
package broker

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

type Bar struct {
	Timestamp time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    uint64
}

type Quote struct {
	Bid float64
	Ask float64
}

type Account struct {
	Equity           float64
	Cash             float64
	BuyingPower      float64
	Status           string
	PatternDayTrader bool
	DaytradeCount    int64
}

type Clock struct {
	Timestamp time.Time
	IsOpen    bool
	NextOpen  time.Time
	NextClose time.Time
}

type Position struct {
	Symbol         string
	Qty            float64
	AvgEntry       float64
	UnrealizedPLPC float64
}

type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

type Order struct {
	ID             string
	ClientOrderID  string
	Status         string
	FilledAvgPrice float64
}

type orderSpec struct {
	Symbol        string
	Qty           int
	Side          Side
	Limit         float64 // 0 means market
	ClientOrderID string
}

// venue is the raw brokerage surface. The production implementation is
// alpacaVenue; tests substitute fakes.
type venue interface {
	account() (Account, error)
	clock() (Clock, error)
	bars(symbol, timeframe string, start, end time.Time, limit int) ([]Bar, error)
	latestQuote(symbol string) (Quote, error)
	submitOrder(spec orderSpec) (Order, error)
	getOrder(id string) (Order, error)
	cancelOrder(id string) error
	openPosition(symbol string) (Position, error)
	closeAllPositions() error
}

// ErrNoPosition reports that the venue holds no position in the symbol. It is
// a legitimate empty result, not a fault, and is never retried.
var ErrNoPosition = errors.New("no open position")

type Gateway struct {
	venue     venue
	timeframe string

	retryBase     time.Duration
	limitPoll     time.Duration
	marketPoll    time.Duration
	marketTimeout time.Duration
}

// New builds a Gateway talking to the Alpaca trading and market data APIs.
// timeframe is the bar interval used by RecentBars, e.g. "5Min".
func New(apiKey, apiSecret, baseURL, feed, timeframe string) *Gateway {
	return newGateway(newAlpacaVenue(apiKey, apiSecret, baseURL, feed), timeframe)
}

func newGateway(v venue, timeframe string) *Gateway {
	return &Gateway{
		venue:         v,
		timeframe:     timeframe,
		retryBase:     time.Second,
		limitPoll:     2 * time.Second,
		marketPoll:    500 * time.Millisecond,
		marketTimeout: 30 * time.Second,
	}
}

func (g *Gateway) Account(ctx context.Context) (Account, error) {
	var acct Account
	err := g.withRetry(ctx, "account", func() error {
		var err error
		acct, err = g.venue.account()
		return err
	})
	if err != nil {
		slog.Error("fetch account failed", "error", err)
		return Account{}, err
	}
	return acct, nil
}

func (g *Gateway) Clock(ctx context.Context) (Clock, error) {
	var clk Clock
	err := g.withRetry(ctx, "clock", func() error {
		var err error
		clk, err = g.venue.clock()
		return err
	})
	if err != nil {
		slog.Error("fetch clock failed", "error", err)
		return Clock{}, err
	}
	return clk, nil
}

// RecentBars fetches the most recent limit bars at the Gateway's configured
// timeframe.
func (g *Gateway) RecentBars(ctx context.Context, symbol string, limit int) ([]Bar, error) {
	return g.BarsBetween(ctx, symbol, g.timeframe, time.Time{}, time.Time{}, limit)
}

// BarsBetween fetches up to limit bars of the given timeframe. Zero start/end
// leave the window unbounded on that side.
func (g *Gateway) BarsBetween(ctx context.Context, symbol, timeframe string, start, end time.Time, limit int) ([]Bar, error) {
	var out []Bar
	err := g.withRetry(ctx, "bars", func() error {
		var err error
		out, err = g.venue.bars(symbol, timeframe, start, end, limit)
		return err
	})
	if err != nil {
		slog.Error("fetch bars failed", "symbol", symbol, "timeframe", timeframe, "error", err)
		return nil, err
	}
	return out, nil
}

func (g *Gateway) LatestQuote(ctx context.Context, symbol string) (Quote, error) {
	var q Quote
	err := g.withRetry(ctx, "quote", func() error {
		var err error
		q, err = g.venue.latestQuote(symbol)
		return err
	})
	if err != nil {
		slog.Error("fetch quote failed", "symbol", symbol, "error", err)
		return Quote{}, err
	}
	return q, nil
}

// OpenPosition returns the venue's position in symbol, or ErrNoPosition.
func (g *Gateway) OpenPosition(ctx context.Context, symbol string) (Position, error) {
	var pos Position
	err := g.withRetry(ctx, "position", func() error {
		var err error
		pos, err = g.venue.openPosition(symbol)
		return err
	})
	if isNoPosition(err) {
		return Position{}, ErrNoPosition
	}
	if err != nil {
		slog.Error("fetch position failed", "symbol", symbol, "error", err)
		return Position{}, err
	}
	return pos, nil
}

// PositionQty returns the signed share count held in symbol, zero when flat.
func (g *Gateway) PositionQty(ctx context.Context, symbol string) (float64, error) {
	pos, err := g.OpenPosition(ctx, symbol)
	if errors.Is(err, ErrNoPosition) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return pos.Qty, nil
}

// CloseAll liquidates every open position at market.
func (g *Gateway) CloseAll(ctx context.Context) error {
	err := g.withRetry(ctx, "close_all", func() error {
		return g.venue.closeAllPositions()
	})
	if err != nil {
		slog.Error("close all positions failed", "error", err)
		return err
	}
	slog.Info("all positions closed")
	return nil
}

// WaitForContext sleeps for delay unless the context is cancelled first.
func WaitForContext(ctx context.Context, delay time.Duration) error {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
