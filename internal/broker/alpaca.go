package broker

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/shopspring/decimal"
)

// alpacaVenue adapts the Alpaca v3 SDK to the venue interface. It is the only
// type in the repository that imports the SDK clients.
type alpacaVenue struct {
	trading *alpaca.Client
	data    *marketdata.Client
	feed    marketdata.Feed
}

func newAlpacaVenue(apiKey, apiSecret, baseURL, feed string) *alpacaVenue {
	return &alpacaVenue{
		trading: alpaca.NewClient(alpaca.ClientOpts{
			APIKey:    apiKey,
			APISecret: apiSecret,
			BaseURL:   baseURL,
		}),
		data: marketdata.NewClient(marketdata.ClientOpts{
			APIKey:    apiKey,
			APISecret: apiSecret,
		}),
		feed: parseFeed(feed),
	}
}

func (v *alpacaVenue) account() (Account, error) {
	acct, err := v.trading.GetAccount()
	if err != nil {
		return Account{}, err
	}
	equity, _ := acct.Equity.Float64()
	cash, _ := acct.Cash.Float64()
	buyingPower, _ := acct.BuyingPower.Float64()
	return Account{
		Equity:           equity,
		Cash:             cash,
		BuyingPower:      buyingPower,
		Status:           string(acct.Status),
		PatternDayTrader: acct.PatternDayTrader,
		DaytradeCount:    acct.DaytradeCount,
	}, nil
}

func (v *alpacaVenue) clock() (Clock, error) {
	clk, err := v.trading.GetClock()
	if err != nil {
		return Clock{}, err
	}
	return Clock{
		Timestamp: clk.Timestamp,
		IsOpen:    clk.IsOpen,
		NextOpen:  clk.NextOpen,
		NextClose: clk.NextClose,
	}, nil
}

func (v *alpacaVenue) bars(symbol, timeframe string, start, end time.Time, limit int) ([]Bar, error) {
	tf, err := parseTimeFrame(timeframe)
	if err != nil {
		return nil, err
	}
	req := marketdata.GetBarsRequest{
		TimeFrame:  tf,
		Start:      start,
		End:        end,
		TotalLimit: limit,
		Feed:       v.feed,
	}
	raw, err := v.data.GetBars(symbol, req)
	if err != nil {
		return nil, err
	}
	bars := make([]Bar, 0, len(raw))
	for _, b := range raw {
		bars = append(bars, Bar{
			Timestamp: b.Timestamp,
			Open:      b.Open,
			High:      b.High,
			Low:       b.Low,
			Close:     b.Close,
			Volume:    b.Volume,
		})
	}
	return bars, nil
}

func (v *alpacaVenue) latestQuote(symbol string) (Quote, error) {
	q, err := v.data.GetLatestQuote(symbol, marketdata.GetLatestQuoteRequest{Feed: v.feed})
	if err != nil {
		return Quote{}, err
	}
	return Quote{Bid: q.BidPrice, Ask: q.AskPrice}, nil
}

func (v *alpacaVenue) submitOrder(spec orderSpec) (Order, error) {
	qty := decimal.NewFromInt(int64(spec.Qty))
	req := alpaca.PlaceOrderRequest{
		Symbol:        spec.Symbol,
		Qty:           &qty,
		Side:          alpaca.Side(spec.Side),
		Type:          alpaca.Market,
		TimeInForce:   alpaca.Day,
		ClientOrderID: spec.ClientOrderID,
	}
	if spec.Limit > 0 {
		limit := decimal.NewFromFloat(spec.Limit)
		req.Type = alpaca.Limit
		req.LimitPrice = &limit
	}
	order, err := v.trading.PlaceOrder(req)
	if err != nil {
		return Order{}, err
	}
	return toOrder(order), nil
}

func (v *alpacaVenue) getOrder(id string) (Order, error) {
	order, err := v.trading.GetOrder(id)
	if err != nil {
		return Order{}, err
	}
	return toOrder(order), nil
}

func (v *alpacaVenue) cancelOrder(id string) error {
	return v.trading.CancelOrder(id)
}

func (v *alpacaVenue) openPosition(symbol string) (Position, error) {
	pos, err := v.trading.GetPosition(symbol)
	if err != nil {
		return Position{}, err
	}
	qty, _ := pos.Qty.Float64()
	avgEntry, _ := pos.AvgEntryPrice.Float64()
	var plpc float64
	if pos.UnrealizedPLPC != nil {
		plpc, _ = pos.UnrealizedPLPC.Float64()
	}
	return Position{
		Symbol:         pos.Symbol,
		Qty:            qty,
		AvgEntry:       avgEntry,
		UnrealizedPLPC: plpc,
	}, nil
}

func (v *alpacaVenue) closeAllPositions() error {
	_, err := v.trading.CloseAllPositions(alpaca.CloseAllPositionsRequest{CancelOrders: true})
	return err
}

func toOrder(order *alpaca.Order) Order {
	out := Order{
		ID:            order.ID,
		ClientOrderID: order.ClientOrderID,
		Status:        string(order.Status),
	}
	if order.FilledAvgPrice != nil {
		out.FilledAvgPrice, _ = order.FilledAvgPrice.Float64()
	}
	return out
}

func parseFeed(feed string) marketdata.Feed {
	switch feed {
	case "sip":
		return marketdata.SIP
	default:
		return marketdata.IEX
	}
}

// parseTimeFrame converts strings like "5Min", "1Hour" or "1Day" into SDK
// timeframes.
func parseTimeFrame(value string) (marketdata.TimeFrame, error) {
	idx := strings.IndexFunc(value, func(r rune) bool { return r < '0' || r > '9' })
	if idx <= 0 {
		return marketdata.TimeFrame{}, fmt.Errorf("invalid timeframe: %s", value)
	}
	n, err := strconv.Atoi(value[:idx])
	if err != nil || n <= 0 {
		return marketdata.TimeFrame{}, fmt.Errorf("invalid timeframe: %s", value)
	}
	switch value[idx:] {
	case "Min":
		return marketdata.NewTimeFrame(n, marketdata.Min), nil
	case "Hour":
		return marketdata.NewTimeFrame(n, marketdata.Hour), nil
	case "Day":
		return marketdata.NewTimeFrame(n, marketdata.Day), nil
	default:
		return marketdata.TimeFrame{}, fmt.Errorf("invalid timeframe: %s", value)
	}
}
