// Package alpaca adapts the Alpaca trading and market data APIs to the
// venue capability surface. It covers us_equity order flow, stock and
// crypto market data, and the options chain.
package alpaca

import (
	"context"
	"errors"
	"net/http"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/tradehive/tradehive/internal/broker"
	"github.com/tradehive/tradehive/internal/faults"
)

// Config selects the Alpaca environment. An empty BaseURL talks to paper
// trading when the key pair is a paper key.
type Config struct {
	APIKey    string
	APISecret string
	BaseURL   string
	DataFeed  string // "iex" or "sip", empty for the account default
}

// Client implements the Broker, MarketData, and Options capabilities
// against Alpaca.
type Client struct {
	trading *alpaca.Client
	md      *marketdata.Client
	log     zerolog.Logger
}

// New builds the Alpaca adapter. Credentials may also come from the
// APCA_API_KEY_ID and APCA_API_SECRET_KEY environment variables, in which
// case Config fields can stay empty.
func New(cfg Config, log zerolog.Logger) *Client {
	return &Client{
		trading: alpaca.NewClient(alpaca.ClientOpts{
			APIKey:    cfg.APIKey,
			APISecret: cfg.APISecret,
			BaseURL:   cfg.BaseURL,
		}),
		md: marketdata.NewClient(marketdata.ClientOpts{
			APIKey:    cfg.APIKey,
			APISecret: cfg.APISecret,
			Feed:      marketdata.Feed(cfg.DataFeed),
		}),
		log: log,
	}
}

// Provider wraps the client as a registrable provider named "alpaca".
func (c *Client) Provider() *broker.Provider {
	return &broker.Provider{Name: "alpaca", Broker: c, MarketData: c, Options: c}
}

// The SDK does not thread a context through its HTTP calls, so each method
// checks for cancellation up front and otherwise relies on the SDK's own
// timeouts.
func ctxErr(ctx context.Context) error {
	return ctx.Err()
}

// GetAccount implements broker.Broker.
func (c *Client) GetAccount(ctx context.Context) (*broker.Account, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	acct, err := c.trading.GetAccount()
	if err != nil {
		return nil, classify(err, "get_account")
	}
	return &broker.Account{
		ID:               acct.ID,
		Currency:         acct.Currency,
		Cash:             acct.Cash,
		Equity:           acct.Equity,
		BuyingPower:      acct.BuyingPower,
		PortfolioValue:   acct.PortfolioValue,
		DaytradeCount:    acct.DaytradeCount,
		PatternDayTrader: acct.PatternDayTrader,
	}, nil
}

// GetPositions implements broker.Broker.
func (c *Client) GetPositions(ctx context.Context) ([]broker.Position, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	positions, err := c.trading.GetPositions()
	if err != nil {
		return nil, classify(err, "get_positions")
	}
	out := make([]broker.Position, 0, len(positions))
	for i := range positions {
		out = append(out, mapPosition(&positions[i]))
	}
	return out, nil
}

// GetPosition implements broker.Broker.
func (c *Client) GetPosition(ctx context.Context, symbol string) (*broker.Position, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	pos, err := c.trading.GetPosition(symbol)
	if err != nil {
		return nil, classify(err, "get_position")
	}
	mapped := mapPosition(pos)
	return &mapped, nil
}

// GetClock implements broker.Broker.
func (c *Client) GetClock(ctx context.Context) (*broker.Clock, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	clk, err := c.trading.GetClock()
	if err != nil {
		return nil, classify(err, "get_clock")
	}
	return &broker.Clock{
		Timestamp: clk.Timestamp,
		IsOpen:    clk.IsOpen,
		NextOpen:  clk.NextOpen,
		NextClose: clk.NextClose,
	}, nil
}

// GetCalendar implements broker.Broker.
func (c *Client) GetCalendar(ctx context.Context, start, end time.Time) ([]broker.CalendarDay, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	days, err := c.trading.GetCalendar(alpaca.GetCalendarRequest{Start: start, End: end})
	if err != nil {
		return nil, classify(err, "get_calendar")
	}
	out := make([]broker.CalendarDay, 0, len(days))
	for _, d := range days {
		out = append(out, broker.CalendarDay{Date: d.Date, Open: d.Open, Close: d.Close})
	}
	return out, nil
}

// GetAsset implements broker.Broker.
func (c *Client) GetAsset(ctx context.Context, symbol string) (*broker.Asset, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	asset, err := c.trading.GetAsset(symbol)
	if err != nil {
		return nil, classify(err, "get_asset")
	}
	return &broker.Asset{
		ID:           asset.ID,
		Symbol:       asset.Symbol,
		Name:         asset.Name,
		Class:        broker.AssetClass(asset.Class),
		Exchange:     asset.Exchange,
		Status:       string(asset.Status),
		Tradable:     asset.Tradable,
		Marginable:   asset.Marginable,
		Shortable:    asset.Shortable,
		Fractionable: asset.Fractionable,
	}, nil
}

// CreateOrder implements broker.Broker.
func (c *Client) CreateOrder(ctx context.Context, req broker.OrderRequest) (*broker.Order, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	placeReq := alpaca.PlaceOrderRequest{
		Symbol:        req.Symbol,
		Qty:           req.Qty,
		Notional:      req.Notional,
		Side:          alpaca.Side(req.Side),
		Type:          alpaca.OrderType(req.Type),
		TimeInForce:   alpaca.TimeInForce(req.TimeInForce),
		LimitPrice:    req.LimitPrice,
		StopPrice:     req.StopPrice,
		ClientOrderID: req.ClientOrderID,
		ExtendedHours: req.ExtendedHours,
	}
	order, err := c.trading.PlaceOrder(placeReq)
	if err != nil {
		return nil, classify(err, "create_order")
	}
	c.log.Info().
		Str("order_id", order.ID).
		Str("symbol", order.Symbol).
		Str("side", string(order.Side)).
		Str("status", order.Status).
		Msg("order placed on alpaca")
	return mapOrder(order), nil
}

// GetOrder implements broker.Broker.
func (c *Client) GetOrder(ctx context.Context, orderID string) (*broker.Order, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	order, err := c.trading.GetOrder(orderID)
	if err != nil {
		return nil, classify(err, "get_order")
	}
	return mapOrder(order), nil
}

// ListOrders implements broker.Broker.
func (c *Client) ListOrders(ctx context.Context, req broker.ListOrdersRequest) ([]broker.Order, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	listReq := alpaca.GetOrdersRequest{
		Status:  req.Status,
		Limit:   req.Limit,
		Symbols: req.Symbols,
	}
	if req.After != nil {
		listReq.After = *req.After
	}
	if req.Until != nil {
		listReq.Until = *req.Until
	}
	orders, err := c.trading.GetOrders(listReq)
	if err != nil {
		return nil, classify(err, "list_orders")
	}
	out := make([]broker.Order, 0, len(orders))
	for i := range orders {
		out = append(out, *mapOrder(&orders[i]))
	}
	return out, nil
}

// CancelOrder implements broker.Broker.
func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	if err := c.trading.CancelOrder(orderID); err != nil {
		return classify(err, "cancel_order")
	}
	return nil
}

// CancelAllOrders implements broker.Broker.
func (c *Client) CancelAllOrders(ctx context.Context) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	if err := c.trading.CancelAllOrders(); err != nil {
		return classify(err, "cancel_all_orders")
	}
	return nil
}

// ClosePosition implements broker.Broker.
func (c *Client) ClosePosition(ctx context.Context, symbol string, req broker.ClosePositionRequest) (*broker.Order, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	closeReq := alpaca.ClosePositionRequest{}
	if req.Qty != nil {
		closeReq.Qty = *req.Qty
	}
	if req.Percentage != nil {
		closeReq.Percentage = *req.Percentage
	}
	order, err := c.trading.ClosePosition(symbol, closeReq)
	if err != nil {
		return nil, classify(err, "close_position")
	}
	return mapOrder(order), nil
}

// GetPortfolioHistory implements broker.Broker.
func (c *Client) GetPortfolioHistory(ctx context.Context, req broker.PortfolioHistoryRequest) (*broker.PortfolioHistory, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	hist, err := c.trading.GetPortfolioHistory(alpaca.GetPortfolioHistoryRequest{
		Period:    req.Period,
		TimeFrame: alpaca.TimeFrame(req.Timeframe),
	})
	if err != nil {
		return nil, classify(err, "get_portfolio_history")
	}
	return &broker.PortfolioHistory{
		Timestamp:     hist.Timestamp,
		Equity:        hist.Equity,
		ProfitLoss:    hist.ProfitLoss,
		ProfitLossPct: hist.ProfitLossPct,
		BaseValue:     hist.BaseValue,
	}, nil
}

// GetBars implements broker.MarketData.
func (c *Client) GetBars(ctx context.Context, symbol string, req broker.BarsRequest) ([]broker.Bar, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	bars, err := c.md.GetBars(symbol, marketdata.GetBarsRequest{
		TimeFrame:  mapTimeframe(req.Timeframe),
		Start:      req.Start,
		End:        req.End,
		TotalLimit: req.Limit,
	})
	if err != nil {
		return nil, classify(err, "get_bars")
	}
	out := make([]broker.Bar, 0, len(bars))
	for i := range bars {
		out = append(out, mapBar(&bars[i]))
	}
	return out, nil
}

// GetLatestBar implements broker.MarketData.
func (c *Client) GetLatestBar(ctx context.Context, symbol string) (*broker.Bar, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	bar, err := c.md.GetLatestBar(symbol, marketdata.GetLatestBarRequest{})
	if err != nil {
		return nil, classify(err, "get_latest_bar")
	}
	mapped := mapBar(bar)
	return &mapped, nil
}

// GetLatestBars implements broker.MarketData.
func (c *Client) GetLatestBars(ctx context.Context, symbols []string) (map[string]broker.Bar, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	bars, err := c.md.GetLatestBars(symbols, marketdata.GetLatestBarRequest{})
	if err != nil {
		return nil, classify(err, "get_latest_bars")
	}
	out := make(map[string]broker.Bar, len(bars))
	for sym := range bars {
		bar := bars[sym]
		out[sym] = mapBar(&bar)
	}
	return out, nil
}

// GetQuote implements broker.MarketData.
func (c *Client) GetQuote(ctx context.Context, symbol string) (*broker.Quote, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	quote, err := c.md.GetLatestQuote(symbol, marketdata.GetLatestQuoteRequest{})
	if err != nil {
		return nil, classify(err, "get_quote")
	}
	mapped := mapQuote(quote)
	return &mapped, nil
}

// GetQuotes implements broker.MarketData.
func (c *Client) GetQuotes(ctx context.Context, symbols []string) (map[string]broker.Quote, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	quotes, err := c.md.GetLatestQuotes(symbols, marketdata.GetLatestQuoteRequest{})
	if err != nil {
		return nil, classify(err, "get_quotes")
	}
	out := make(map[string]broker.Quote, len(quotes))
	for sym := range quotes {
		q := quotes[sym]
		out[sym] = mapQuote(&q)
	}
	return out, nil
}

// GetSnapshot implements broker.MarketData.
func (c *Client) GetSnapshot(ctx context.Context, symbol string) (*broker.Snapshot, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	snap, err := c.md.GetSnapshot(symbol, marketdata.GetSnapshotRequest{})
	if err != nil {
		return nil, classify(err, "get_snapshot")
	}
	return mapSnapshot(snap), nil
}

// GetSnapshots implements broker.MarketData.
func (c *Client) GetSnapshots(ctx context.Context, symbols []string) (map[string]broker.Snapshot, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	snaps, err := c.md.GetSnapshots(symbols, marketdata.GetSnapshotRequest{})
	if err != nil {
		return nil, classify(err, "get_snapshots")
	}
	out := make(map[string]broker.Snapshot, len(snaps))
	for sym, snap := range snaps {
		if snap == nil {
			continue
		}
		out[sym] = *mapSnapshot(snap)
	}
	return out, nil
}

// GetCryptoSnapshot implements broker.MarketData.
func (c *Client) GetCryptoSnapshot(ctx context.Context, symbol string) (*broker.Snapshot, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	snap, err := c.md.GetCryptoSnapshot(symbol, marketdata.GetCryptoSnapshotRequest{})
	if err != nil {
		return nil, classify(err, "get_crypto_snapshot")
	}
	out := &broker.Snapshot{}
	if snap.LatestTrade != nil {
		out.LatestTrade = &broker.Trade{
			Timestamp: snap.LatestTrade.Timestamp,
			Price:     snap.LatestTrade.Price,
			Size:      uint32(snap.LatestTrade.Size),
		}
	}
	if snap.LatestQuote != nil {
		out.LatestQuote = &broker.Quote{
			Timestamp: snap.LatestQuote.Timestamp,
			BidPrice:  snap.LatestQuote.BidPrice,
			BidSize:   uint32(snap.LatestQuote.BidSize),
			AskPrice:  snap.LatestQuote.AskPrice,
			AskSize:   uint32(snap.LatestQuote.AskSize),
		}
	}
	out.MinuteBar = mapCryptoBar(snap.MinuteBar)
	out.DailyBar = mapCryptoBar(snap.DailyBar)
	out.PrevDailyBar = mapCryptoBar(snap.PrevDailyBar)
	return out, nil
}

// IsConfigured implements broker.Options. Options market data rides the
// same key pair as stock data, so a constructed client is configured.
func (c *Client) IsConfigured() bool { return true }

// GetExpirations implements broker.Options. Expirations are derived from
// the chain because the data API keys contracts by OCC symbol.
func (c *Client) GetExpirations(ctx context.Context, underlying string) ([]string, error) {
	contracts, err := c.GetChain(ctx, underlying, broker.ChainRequest{})
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{})
	var out []string
	for _, contract := range contracts {
		if _, dup := seen[contract.Expiration]; dup {
			continue
		}
		seen[contract.Expiration] = struct{}{}
		out = append(out, contract.Expiration)
	}
	sort.Strings(out)
	return out, nil
}

// GetChain implements broker.Options. Filters are applied client side on
// the parsed OCC symbols.
func (c *Client) GetChain(ctx context.Context, underlying string, req broker.ChainRequest) ([]broker.OptionContract, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	limit := req.Limit
	if limit <= 0 {
		limit = 10_000
	}
	chain, err := c.md.GetOptionChain(underlying, marketdata.GetOptionChainRequest{TotalLimit: limit})
	if err != nil {
		return nil, classify(err, "get_chain")
	}

	out := make([]broker.OptionContract, 0, len(chain))
	for symbol := range chain {
		contract, ok := parseOCCSymbol(symbol)
		if !ok {
			continue
		}
		if req.Expiration != "" && contract.Expiration != req.Expiration {
			continue
		}
		if req.Type != "" && contract.Type != req.Type {
			continue
		}
		if req.StrikeGte != nil && contract.Strike.LessThan(*req.StrikeGte) {
			continue
		}
		if req.StrikeLte != nil && contract.Strike.GreaterThan(*req.StrikeLte) {
			continue
		}
		out = append(out, contract)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Expiration != out[j].Expiration {
			return out[i].Expiration < out[j].Expiration
		}
		if !out[i].Strike.Equal(out[j].Strike) {
			return out[i].Strike.LessThan(out[j].Strike)
		}
		return out[i].Symbol < out[j].Symbol
	})
	return out, nil
}

// GetOptionSnapshot implements broker.Options.
func (c *Client) GetOptionSnapshot(ctx context.Context, symbol string) (*broker.OptionSnapshot, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	snap, err := c.md.GetOptionSnapshot(symbol, marketdata.GetOptionSnapshotRequest{})
	if err != nil {
		return nil, classify(err, "get_option_snapshot")
	}
	return mapOptionSnapshot(symbol, snap), nil
}

// GetOptionSnapshots implements broker.Options.
func (c *Client) GetOptionSnapshots(ctx context.Context, symbols []string) (map[string]broker.OptionSnapshot, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	snaps, err := c.md.GetOptionSnapshots(symbols, marketdata.GetOptionSnapshotRequest{})
	if err != nil {
		return nil, classify(err, "get_option_snapshots")
	}
	out := make(map[string]broker.OptionSnapshot, len(snaps))
	for sym := range snaps {
		snap := snaps[sym]
		out[sym] = *mapOptionSnapshot(sym, &snap)
	}
	return out, nil
}

var occSymbolPattern = regexp.MustCompile(`^([A-Z0-9]+?)(\d{6})([CP])(\d{8})$`)

// parseOCCSymbol splits an OCC option symbol like AAPL250919C00230000 into
// its parts. The strike digits carry three implied decimals.
func parseOCCSymbol(symbol string) (broker.OptionContract, bool) {
	m := occSymbolPattern.FindStringSubmatch(symbol)
	if m == nil {
		return broker.OptionContract{}, false
	}
	expiry, err := time.Parse("060102", m[2])
	if err != nil {
		return broker.OptionContract{}, false
	}
	strikeDigits, err := decimal.NewFromString(m[4])
	if err != nil {
		return broker.OptionContract{}, false
	}
	contractType := "call"
	if m[3] == "P" {
		contractType = "put"
	}
	return broker.OptionContract{
		Symbol:     symbol,
		Underlying: m[1],
		Expiration: expiry.Format("2006-01-02"),
		Type:       contractType,
		Strike:     strikeDigits.Shift(-3),
	}, true
}

func mapOrder(o *alpaca.Order) *broker.Order {
	out := &broker.Order{
		ID:             o.ID,
		ClientOrderID:  o.ClientOrderID,
		Symbol:         o.Symbol,
		AssetClass:     broker.AssetClass(o.AssetClass),
		Side:           broker.Side(o.Side),
		Type:           broker.OrderType(o.Type),
		TimeInForce:    broker.TimeInForce(o.TimeInForce),
		Status:         mapOrderStatus(o.Status),
		Qty:            o.Qty,
		Notional:       o.Notional,
		FilledQty:      o.FilledQty,
		FilledAvgPrice: o.FilledAvgPrice,
		LimitPrice:     o.LimitPrice,
		StopPrice:      o.StopPrice,
		ExtendedHours:  o.ExtendedHours,
		CreatedAt:      o.CreatedAt,
		UpdatedAt:      o.UpdatedAt,
		FilledAt:       o.FilledAt,
		CanceledAt:     o.CanceledAt,
	}
	return out
}

func mapOrderStatus(status string) broker.OrderStatus {
	switch status {
	case "new":
		return broker.OrderStatusNew
	case "partially_filled":
		return broker.OrderStatusPartiallyFilled
	case "filled":
		return broker.OrderStatusFilled
	case "canceled", "pending_cancel", "done_for_day":
		return broker.OrderStatusCanceled
	case "rejected", "stopped", "suspended":
		return broker.OrderStatusRejected
	case "expired":
		return broker.OrderStatusExpired
	default:
		return broker.OrderStatusAccepted
	}
}

func mapPosition(p *alpaca.Position) broker.Position {
	current := derefDec(p.CurrentPrice)
	marketValue := derefDec(p.MarketValue)
	if marketValue.IsZero() && !current.IsZero() {
		marketValue = p.Qty.Mul(current)
	}
	return broker.Position{
		Symbol:         p.Symbol,
		AssetClass:     broker.AssetClass(p.AssetClass),
		Qty:            p.Qty,
		AvgEntryPrice:  p.AvgEntryPrice,
		CurrentPrice:   current,
		MarketValue:    marketValue,
		CostBasis:      p.CostBasis,
		UnrealizedPL:   derefDec(p.UnrealizedPL),
		UnrealizedPLPC: derefDec(p.UnrealizedPLPC),
	}
}

func derefDec(d *decimal.Decimal) decimal.Decimal {
	if d == nil {
		return decimal.Zero
	}
	return *d
}

func mapTimeframe(tf broker.Timeframe) marketdata.TimeFrame {
	switch tf {
	case broker.Timeframe1Hour:
		return marketdata.OneHour
	case broker.Timeframe1Day:
		return marketdata.OneDay
	default:
		return marketdata.OneMin
	}
}

func mapBar(b *marketdata.Bar) broker.Bar {
	return broker.Bar{
		Timestamp:  b.Timestamp,
		Open:       b.Open,
		High:       b.High,
		Low:        b.Low,
		Close:      b.Close,
		Volume:     b.Volume,
		TradeCount: b.TradeCount,
		VWAP:       b.VWAP,
	}
}

func mapCryptoBar(b *marketdata.CryptoBar) *broker.Bar {
	if b == nil {
		return nil
	}
	return &broker.Bar{
		Timestamp:  b.Timestamp,
		Open:       b.Open,
		High:       b.High,
		Low:        b.Low,
		Close:      b.Close,
		Volume:     uint64(b.Volume),
		TradeCount: b.TradeCount,
		VWAP:       b.VWAP,
	}
}

func mapQuote(q *marketdata.Quote) broker.Quote {
	return broker.Quote{
		Timestamp: q.Timestamp,
		BidPrice:  q.BidPrice,
		BidSize:   q.BidSize,
		AskPrice:  q.AskPrice,
		AskSize:   q.AskSize,
	}
}

func mapSnapshot(s *marketdata.Snapshot) *broker.Snapshot {
	out := &broker.Snapshot{}
	if s.LatestTrade != nil {
		out.LatestTrade = &broker.Trade{
			Timestamp: s.LatestTrade.Timestamp,
			Price:     s.LatestTrade.Price,
			Size:      s.LatestTrade.Size,
		}
	}
	if s.LatestQuote != nil {
		q := mapQuote(s.LatestQuote)
		out.LatestQuote = &q
	}
	if s.MinuteBar != nil {
		b := mapBar(s.MinuteBar)
		out.MinuteBar = &b
	}
	if s.DailyBar != nil {
		b := mapBar(s.DailyBar)
		out.DailyBar = &b
	}
	if s.PrevDailyBar != nil {
		b := mapBar(s.PrevDailyBar)
		out.PrevDailyBar = &b
	}
	return out
}

func mapOptionSnapshot(symbol string, s *marketdata.OptionSnapshot) *broker.OptionSnapshot {
	out := &broker.OptionSnapshot{
		Symbol:            symbol,
		ImpliedVolatility: s.ImpliedVolatility,
	}
	if s.LatestTrade != nil {
		out.LatestTrade = &broker.Trade{
			Timestamp: s.LatestTrade.Timestamp,
			Price:     s.LatestTrade.Price,
			Size:      uint32(s.LatestTrade.Size),
		}
	}
	if s.LatestQuote != nil {
		out.LatestQuote = &broker.Quote{
			Timestamp: s.LatestQuote.Timestamp,
			BidPrice:  s.LatestQuote.BidPrice,
			BidSize:   uint32(s.LatestQuote.BidSize),
			AskPrice:  s.LatestQuote.AskPrice,
			AskSize:   uint32(s.LatestQuote.AskSize),
		}
	}
	if s.Greeks != nil {
		out.Greeks = &broker.Greeks{
			Delta: s.Greeks.Delta,
			Gamma: s.Greeks.Gamma,
			Theta: s.Greeks.Theta,
			Vega:  s.Greeks.Vega,
			Rho:   s.Greeks.Rho,
		}
	}
	return out
}

// classify folds SDK and transport errors into the shared fault taxonomy.
// Only rate limits and upstream 5xx failures come back retryable.
func classify(err error, op string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var apiErr *alpaca.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == http.StatusTooManyRequests:
			return faults.Wrap(err, faults.RateLimited, "alpaca %s rate limited", op)
		case apiErr.StatusCode == http.StatusForbidden && strings.Contains(strings.ToLower(apiErr.Message), "buying power"):
			return faults.Wrap(err, faults.InsufficientBuyingPower, "alpaca %s rejected", op)
		case apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusForbidden:
			return faults.Wrap(err, faults.Unauthorized, "alpaca %s unauthorized", op)
		case apiErr.StatusCode == http.StatusNotFound:
			return faults.Wrap(err, faults.NotFound, "alpaca %s: not found", op)
		case apiErr.StatusCode == http.StatusUnprocessableEntity || apiErr.StatusCode == http.StatusBadRequest:
			return faults.Wrap(err, faults.InvalidInput, "alpaca %s rejected input", op)
		case apiErr.StatusCode >= 500:
			return faults.Provider(err, true, "alpaca %s failed upstream", op)
		default:
			return faults.Provider(err, false, "alpaca %s failed", op)
		}
	}

	// Market data errors surface untyped; fall back to message heuristics
	// before assuming a transient transport failure.
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "too many requests") || strings.Contains(msg, "429"):
		return faults.Wrap(err, faults.RateLimited, "alpaca %s rate limited", op)
	case strings.Contains(msg, "unauthorized") || strings.Contains(msg, "forbidden"):
		return faults.Wrap(err, faults.Unauthorized, "alpaca %s unauthorized", op)
	case strings.Contains(msg, "not found"):
		return faults.Wrap(err, faults.NotFound, "alpaca %s: not found", op)
	}
	return faults.Provider(err, true, "alpaca %s failed", op)
}
