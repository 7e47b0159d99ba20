package broker

import (
	"context"
	"log/slog"
	"math"
	"time"

	"daybot/internal/metrics"

	"github.com/google/uuid"
)

// ExecRequest asks for a target notional value to be bought or sold. A zero
// LimitPrice submits a market order; otherwise a day limit order waited on for
// FillWait before being cancelled.
type ExecRequest struct {
	Symbol     string
	Side       Side
	Notional   float64
	LimitPrice float64
	FillWait   time.Duration
}

// Fill is the outcome of an execution attempt. RefPrice is the reference price
// used for share sizing; it is populated even when the order does not fill.
type Fill struct {
	Filled   bool
	Price    float64
	Shares   int
	RefPrice float64
}

// ExecuteNotional sizes an order from the latest quote and runs the
// submit-and-confirm protocol. Faults never propagate: any failure along the
// way reports an unfilled result.
func (g *Gateway) ExecuteNotional(ctx context.Context, req ExecRequest) Fill {
	quote, err := g.LatestQuote(ctx, req.Symbol)
	if err != nil || quote.Bid <= 0 || quote.Ask <= 0 {
		slog.Warn("no usable quote, order aborted", "symbol", req.Symbol, "bid", quote.Bid, "ask", quote.Ask)
		return Fill{}
	}

	ref := req.LimitPrice
	if ref == 0 {
		if req.Side == Buy {
			ref = quote.Bid
		} else {
			ref = quote.Ask
		}
	}
	if ref <= 0 {
		return Fill{}
	}

	shares := int(req.Notional / ref)
	if shares == 0 {
		slog.Warn("notional too small for one share", "symbol", req.Symbol, "notional", req.Notional, "ref_price", ref)
		return Fill{RefPrice: ref}
	}

	fill := g.submitAndAwait(ctx, req.Symbol, req.Side, shares, req.LimitPrice, req.FillWait)
	fill.RefPrice = ref
	return fill
}

// ExecuteQty submits a market order for a fixed share count, used for exits
// where the venue-reported quantity must be flattened exactly.
func (g *Gateway) ExecuteQty(ctx context.Context, symbol string, side Side, qty int) Fill {
	if qty <= 0 {
		return Fill{}
	}
	return g.submitAndAwait(ctx, symbol, side, qty, 0, 0)
}

// submitAndAwait is the single submit-then-poll routine shared by all order
// paths. Limit orders poll every limitPoll until fillWait elapses; market
// orders poll every marketPoll with a fixed marketTimeout. On timeout the
// order is cancelled before "no fill" is reported so the venue cannot be left
// holding a live order the local state no longer tracks.
func (g *Gateway) submitAndAwait(ctx context.Context, symbol string, side Side, qty int, limit float64, fillWait time.Duration) Fill {
	spec := orderSpec{
		Symbol:        symbol,
		Qty:           qty,
		Side:          side,
		ClientOrderID: uuid.New().String(),
	}
	if limit > 0 {
		spec.Limit = math.Round(limit*100) / 100
	}

	var order Order
	err := g.withRetry(ctx, "submit_order", func() error {
		var err error
		order, err = g.venue.submitOrder(spec)
		return err
	})
	if err != nil {
		slog.Error("order submit failed", "symbol", symbol, "side", side, "qty", qty, "error", err)
		return Fill{}
	}
	slog.Info("order submitted", "order_id", order.ID, "symbol", symbol, "side", side, "qty", qty, "limit", spec.Limit)

	interval := g.marketPoll
	timeout := g.marketTimeout
	if limit > 0 {
		interval = g.limitPoll
		timeout = fillWait
	}
	deadline := time.Now().Add(timeout)

	for {
		var status Order
		err := g.withRetry(ctx, "get_order", func() error {
			var err error
			status, err = g.venue.getOrder(order.ID)
			return err
		})
		if err != nil {
			slog.Error("order status check failed", "order_id", order.ID, "error", err)
			return Fill{}
		}

		switch status.Status {
		case "filled":
			metrics.Orders.WithLabelValues(string(side)).Inc()
			slog.Info("order filled", "order_id", order.ID, "symbol", symbol, "side", side, "qty", qty, "price", status.FilledAvgPrice)
			return Fill{Filled: true, Price: status.FilledAvgPrice, Shares: qty}
		case "canceled", "cancelled", "expired", "rejected":
			slog.Warn("order reached terminal state without fill", "order_id", order.ID, "status", status.Status)
			return Fill{}
		}

		if time.Now().After(deadline) {
			slog.Warn("fill wait elapsed, cancelling order", "order_id", order.ID)
			g.cancelQuietly(ctx, order.ID)
			return Fill{}
		}
		if WaitForContext(ctx, interval) != nil {
			g.cancelQuietly(ctx, order.ID)
			return Fill{}
		}
	}
}

func (g *Gateway) cancelQuietly(ctx context.Context, orderID string) {
	err := g.withRetry(ctx, "cancel_order", func() error {
		return g.venue.cancelOrder(orderID)
	})
	if err != nil {
		slog.Error("order cancel failed", "order_id", orderID, "error", err)
	}
}
