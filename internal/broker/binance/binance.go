// Package binance adapts Binance spot trading to the venue capability
// surface for the crypto asset class. Spot accounts have no portfolio
// history or options desk, so those capabilities report NOT_SUPPORTED.
package binance

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	binance "github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/tradehive/tradehive/internal/broker"
	"github.com/tradehive/tradehive/internal/faults"
)

// Config selects the Binance environment.
type Config struct {
	APIKey    string
	SecretKey string
	Testnet   bool
}

// Client implements the Broker and MarketData capabilities against Binance
// spot.
type Client struct {
	api *binance.Client
	log zerolog.Logger

	// Binance order lookups need the symbol alongside the exchange order
	// id, so remember it for orders placed through this process.
	mu           sync.RWMutex
	orderSymbols map[string]string
}

// Stablecoins valued at par when computing account equity.
var stablecoins = map[string]bool{
	"USDT": true, "USDC": true, "BUSD": true, "FDUSD": true, "TUSD": true, "DAI": true,
}

// quoteAssets lists quote suffixes recognized when splitting a pair symbol
// like BTCUSDT into base and quote.
var quoteAssets = []string{"USDT", "USDC", "FDUSD", "BUSD", "TUSD", "BTC", "ETH", "BNB", "DAI"}

// New builds the Binance spot adapter.
func New(cfg Config, log zerolog.Logger) *Client {
	if cfg.Testnet {
		binance.UseTestnet = true
		log.Info().Msg("binance adapter initialized (testnet)")
	} else {
		log.Warn().Msg("binance adapter initialized (live trading)")
	}
	return &Client{
		api:          binance.NewClient(cfg.APIKey, cfg.SecretKey),
		log:          log,
		orderSymbols: make(map[string]string),
	}
}

// Provider wraps the client as a registrable provider named "binance".
func (c *Client) Provider() *broker.Provider {
	return &broker.Provider{Name: "binance", Broker: c, MarketData: c, Options: broker.NoOptions{}}
}

// GetAccount implements broker.Broker. Equity is the sum of balances
// valued against USDT; assets without a USDT pair are skipped.
func (c *Client) GetAccount(ctx context.Context) (*broker.Account, error) {
	acct, err := c.api.NewGetAccountService().Do(ctx)
	if err != nil {
		return nil, classify(err, "get_account")
	}
	prices, err := c.priceIndex(ctx)
	if err != nil {
		return nil, err
	}

	cash := decimal.Zero
	equity := decimal.Zero
	for _, bal := range acct.Balances {
		total := parseDec(bal.Free).Add(parseDec(bal.Locked))
		if total.IsZero() {
			continue
		}
		if stablecoins[bal.Asset] {
			equity = equity.Add(total)
			cash = cash.Add(parseDec(bal.Free))
			continue
		}
		if px, ok := prices[bal.Asset+"USDT"]; ok {
			equity = equity.Add(total.Mul(px))
		}
	}
	return &broker.Account{
		ID:             "binance-spot",
		Currency:       "USDT",
		Cash:           cash,
		Equity:         equity,
		BuyingPower:    cash,
		PortfolioValue: equity,
	}, nil
}

// GetPositions implements broker.Broker. Spot balances are reported as
// long positions; Binance does not track an entry price for them, so the
// average entry is approximated with the current price and unrealized
// figures stay zero.
func (c *Client) GetPositions(ctx context.Context) ([]broker.Position, error) {
	acct, err := c.api.NewGetAccountService().Do(ctx)
	if err != nil {
		return nil, classify(err, "get_positions")
	}
	prices, err := c.priceIndex(ctx)
	if err != nil {
		return nil, err
	}

	var out []broker.Position
	for _, bal := range acct.Balances {
		if stablecoins[bal.Asset] {
			continue
		}
		qty := parseDec(bal.Free).Add(parseDec(bal.Locked))
		if qty.IsZero() {
			continue
		}
		px, ok := prices[bal.Asset+"USDT"]
		if !ok {
			continue
		}
		marketValue := qty.Mul(px)
		out = append(out, broker.Position{
			Symbol:        bal.Asset + "USDT",
			AssetClass:    broker.AssetClassCrypto,
			Qty:           qty,
			AvgEntryPrice: px,
			CurrentPrice:  px,
			MarketValue:   marketValue,
			CostBasis:     marketValue,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

// GetPosition implements broker.Broker. Any pair symbol resolves to its
// base asset balance, so ETHBTC and ETHUSDT report the same holding.
func (c *Client) GetPosition(ctx context.Context, symbol string) (*broker.Position, error) {
	want := symbol
	if base, _, ok := SplitSymbol(symbol); ok {
		want = base + "USDT"
	}
	positions, err := c.GetPositions(ctx)
	if err != nil {
		return nil, err
	}
	for i := range positions {
		if positions[i].Symbol == want {
			return &positions[i], nil
		}
	}
	return nil, faults.New(faults.NotFound, "no balance held for %s", symbol)
}

// GetClock implements broker.Broker. Crypto trades around the clock, so
// the market is always open and the next close is a day out.
func (c *Client) GetClock(ctx context.Context) (*broker.Clock, error) {
	now := time.Now()
	if ms, err := c.api.NewServerTimeService().Do(ctx); err == nil {
		now = time.UnixMilli(ms)
	}
	return &broker.Clock{
		Timestamp: now,
		IsOpen:    true,
		NextOpen:  now,
		NextClose: now.Add(24 * time.Hour),
	}, nil
}

// GetCalendar implements broker.Broker. Every day is a full session.
func (c *Client) GetCalendar(ctx context.Context, start, end time.Time) ([]broker.CalendarDay, error) {
	var days []broker.CalendarDay
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		days = append(days, broker.CalendarDay{Date: d.Format("2006-01-02"), Open: "00:00", Close: "24:00"})
	}
	return days, nil
}

// GetAsset implements broker.Broker.
func (c *Client) GetAsset(ctx context.Context, symbol string) (*broker.Asset, error) {
	info, err := c.api.NewExchangeInfoService().Symbol(symbol).Do(ctx)
	if err != nil {
		return nil, classify(err, "get_asset")
	}
	if len(info.Symbols) == 0 {
		return nil, faults.New(faults.NotFound, "symbol %s is not listed", symbol)
	}
	s := info.Symbols[0]
	return &broker.Asset{
		ID:           s.Symbol,
		Symbol:       s.Symbol,
		Name:         s.BaseAsset + "/" + s.QuoteAsset,
		Class:        broker.AssetClassCrypto,
		Exchange:     "BINANCE",
		Status:       strings.ToLower(s.Status),
		Tradable:     s.Status == "TRADING",
		Fractionable: true,
	}, nil
}

// CreateOrder implements broker.Broker. Market orders may size by quote
// notional; limit and stop-limit orders require a quantity.
func (c *Client) CreateOrder(ctx context.Context, req broker.OrderRequest) (*broker.Order, error) {
	svc := c.api.NewCreateOrderService().Symbol(req.Symbol)
	if req.Side == broker.SideSell {
		svc = svc.Side(binance.SideTypeSell)
	} else {
		svc = svc.Side(binance.SideTypeBuy)
	}
	if req.ClientOrderID != "" {
		svc = svc.NewClientOrderID(req.ClientOrderID)
	}

	switch req.Type {
	case broker.OrderTypeMarket:
		svc = svc.Type(binance.OrderTypeMarket)
		switch {
		case req.Qty != nil:
			svc = svc.Quantity(req.Qty.String())
		case req.Notional != nil:
			svc = svc.QuoteOrderQty(req.Notional.String())
		default:
			return nil, faults.New(faults.InvalidInput, "market orders require qty or notional")
		}
	case broker.OrderTypeLimit:
		if req.Qty == nil || req.LimitPrice == nil {
			return nil, faults.New(faults.InvalidInput, "limit orders require qty and limit_price")
		}
		svc = svc.Type(binance.OrderTypeLimit).
			TimeInForce(binance.TimeInForceTypeGTC).
			Quantity(req.Qty.String()).
			Price(req.LimitPrice.String())
	case broker.OrderTypeStopLimit:
		if req.Qty == nil || req.LimitPrice == nil || req.StopPrice == nil {
			return nil, faults.New(faults.InvalidInput, "stop_limit orders require qty, limit_price, and stop_price")
		}
		svc = svc.Type(binance.OrderTypeStopLossLimit).
			TimeInForce(binance.TimeInForceTypeGTC).
			Quantity(req.Qty.String()).
			Price(req.LimitPrice.String()).
			StopPrice(req.StopPrice.String())
	default:
		return nil, faults.New(faults.NotSupported, "order type %q is not supported on binance spot", req.Type)
	}

	res, err := svc.Do(ctx)
	if err != nil {
		return nil, classify(err, "create_order")
	}

	orderID := strconv.FormatInt(res.OrderID, 10)
	c.mu.Lock()
	c.orderSymbols[orderID] = req.Symbol
	c.mu.Unlock()

	c.log.Info().
		Str("order_id", orderID).
		Str("symbol", req.Symbol).
		Str("side", string(req.Side)).
		Str("status", string(res.Status)).
		Msg("order placed on binance")

	return c.mapCreateResponse(res, req), nil
}

// GetOrder implements broker.Broker. Binance keys orders by symbol plus
// exchange id; only orders placed through this process can be looked up by
// id alone.
func (c *Client) GetOrder(ctx context.Context, orderID string) (*broker.Order, error) {
	c.mu.RLock()
	symbol, ok := c.orderSymbols[orderID]
	c.mu.RUnlock()
	if !ok {
		return nil, faults.New(faults.NotFound, "order %s was not placed by this session", orderID)
	}
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return nil, faults.New(faults.InvalidInput, "order id %q is not a binance order id", orderID)
	}
	order, err := c.api.NewGetOrderService().Symbol(symbol).OrderID(id).Do(ctx)
	if err != nil {
		return nil, classify(err, "get_order")
	}
	return mapOrder(order), nil
}

// ListOrders implements broker.Broker. The open listing spans all symbols;
// closed history requires req.Symbols because the exchange scopes it.
func (c *Client) ListOrders(ctx context.Context, req broker.ListOrdersRequest) ([]broker.Order, error) {
	var out []broker.Order
	switch req.Status {
	case "", "open":
		orders, err := c.api.NewListOpenOrdersService().Do(ctx)
		if err != nil {
			return nil, classify(err, "list_orders")
		}
		for _, o := range orders {
			out = append(out, *mapOrder(o))
		}
	default:
		if len(req.Symbols) == 0 {
			return nil, faults.New(faults.InvalidInput, "listing %s orders on binance requires symbols", req.Status)
		}
		for _, symbol := range req.Symbols {
			svc := c.api.NewListOrdersService().Symbol(symbol)
			if req.Limit > 0 {
				svc = svc.Limit(req.Limit)
			}
			orders, err := svc.Do(ctx)
			if err != nil {
				return nil, classify(err, "list_orders")
			}
			for _, o := range orders {
				mapped := mapOrder(o)
				if req.Status == "closed" && !mapped.Status.Terminal() {
					continue
				}
				out = append(out, *mapped)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if req.Limit > 0 && len(out) > req.Limit {
		out = out[:req.Limit]
	}
	return out, nil
}

// CancelOrder implements broker.Broker.
func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	c.mu.RLock()
	symbol, ok := c.orderSymbols[orderID]
	c.mu.RUnlock()
	if !ok {
		return faults.New(faults.NotFound, "order %s was not placed by this session", orderID)
	}
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return faults.New(faults.InvalidInput, "order id %q is not a binance order id", orderID)
	}
	if _, err := c.api.NewCancelOrderService().Symbol(symbol).OrderID(id).Do(ctx); err != nil {
		return classify(err, "cancel_order")
	}
	return nil
}

// CancelAllOrders implements broker.Broker. Binance cancels per symbol, so
// open orders are grouped first.
func (c *Client) CancelAllOrders(ctx context.Context) error {
	orders, err := c.api.NewListOpenOrdersService().Do(ctx)
	if err != nil {
		return classify(err, "cancel_all_orders")
	}
	symbols := make(map[string]bool)
	for _, o := range orders {
		symbols[o.Symbol] = true
	}
	for symbol := range symbols {
		if _, err := c.api.NewCancelOpenOrdersService().Symbol(symbol).Do(ctx); err != nil {
			return classify(err, "cancel_all_orders")
		}
	}
	return nil
}

// ClosePosition implements broker.Broker. The held base quantity is sold
// at market.
func (c *Client) ClosePosition(ctx context.Context, symbol string, req broker.ClosePositionRequest) (*broker.Order, error) {
	pos, err := c.GetPosition(ctx, symbol)
	if err != nil {
		return nil, err
	}
	qty := pos.Qty
	if req.Qty != nil && req.Qty.IsPositive() {
		qty = *req.Qty
	} else if req.Percentage != nil && req.Percentage.IsPositive() {
		qty = pos.Qty.Mul(*req.Percentage).Div(decimal.NewFromInt(100))
	}
	qty = qty.Truncate(8)
	return c.CreateOrder(ctx, broker.OrderRequest{
		Symbol:     symbol,
		Side:       broker.SideSell,
		Type:       broker.OrderTypeMarket,
		AssetClass: broker.AssetClassCrypto,
		Qty:        &qty,
	})
}

// GetPortfolioHistory implements broker.Broker. Spot accounts expose no
// equity series, so callers fall back to their own baseline math.
func (c *Client) GetPortfolioHistory(ctx context.Context, req broker.PortfolioHistoryRequest) (*broker.PortfolioHistory, error) {
	return nil, faults.New(faults.NotSupported, "binance spot has no portfolio history")
}

// GetBars implements broker.MarketData.
func (c *Client) GetBars(ctx context.Context, symbol string, req broker.BarsRequest) ([]broker.Bar, error) {
	svc := c.api.NewKlinesService().Symbol(symbol).Interval(mapInterval(req.Timeframe))
	if req.Limit > 0 {
		svc = svc.Limit(req.Limit)
	}
	if !req.Start.IsZero() {
		svc = svc.StartTime(req.Start.UnixMilli())
	}
	if !req.End.IsZero() {
		svc = svc.EndTime(req.End.UnixMilli())
	}
	klines, err := svc.Do(ctx)
	if err != nil {
		return nil, classify(err, "get_bars")
	}
	out := make([]broker.Bar, 0, len(klines))
	for _, k := range klines {
		out = append(out, mapKline(k))
	}
	return out, nil
}

// GetLatestBar implements broker.MarketData.
func (c *Client) GetLatestBar(ctx context.Context, symbol string) (*broker.Bar, error) {
	bars, err := c.GetBars(ctx, symbol, broker.BarsRequest{Timeframe: broker.Timeframe1Min, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(bars) == 0 {
		return nil, faults.New(faults.NotFound, "no bars for %s", symbol)
	}
	return &bars[len(bars)-1], nil
}

// GetLatestBars implements broker.MarketData.
func (c *Client) GetLatestBars(ctx context.Context, symbols []string) (map[string]broker.Bar, error) {
	out := make(map[string]broker.Bar, len(symbols))
	for _, symbol := range symbols {
		bar, err := c.GetLatestBar(ctx, symbol)
		if err != nil {
			return nil, err
		}
		out[symbol] = *bar
	}
	return out, nil
}

// GetQuote implements broker.MarketData.
func (c *Client) GetQuote(ctx context.Context, symbol string) (*broker.Quote, error) {
	tickers, err := c.api.NewListBookTickersService().Symbol(symbol).Do(ctx)
	if err != nil {
		return nil, classify(err, "get_quote")
	}
	if len(tickers) == 0 {
		return nil, faults.New(faults.NotFound, "no book for %s", symbol)
	}
	return mapBookTicker(tickers[0]), nil
}

// GetQuotes implements broker.MarketData.
func (c *Client) GetQuotes(ctx context.Context, symbols []string) (map[string]broker.Quote, error) {
	tickers, err := c.api.NewListBookTickersService().Do(ctx)
	if err != nil {
		return nil, classify(err, "get_quotes")
	}
	wanted := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		wanted[s] = true
	}
	out := make(map[string]broker.Quote, len(symbols))
	for _, t := range tickers {
		if wanted[t.Symbol] {
			out[t.Symbol] = *mapBookTicker(t)
		}
	}
	return out, nil
}

// GetSnapshot implements broker.MarketData.
func (c *Client) GetSnapshot(ctx context.Context, symbol string) (*broker.Snapshot, error) {
	return c.GetCryptoSnapshot(ctx, symbol)
}

// GetSnapshots implements broker.MarketData.
func (c *Client) GetSnapshots(ctx context.Context, symbols []string) (map[string]broker.Snapshot, error) {
	out := make(map[string]broker.Snapshot, len(symbols))
	for _, symbol := range symbols {
		snap, err := c.GetCryptoSnapshot(ctx, symbol)
		if err != nil {
			return nil, err
		}
		out[symbol] = *snap
	}
	return out, nil
}

// GetCryptoSnapshot implements broker.MarketData.
func (c *Client) GetCryptoSnapshot(ctx context.Context, symbol string) (*broker.Snapshot, error) {
	quote, err := c.GetQuote(ctx, symbol)
	if err != nil {
		return nil, err
	}
	minuteBars, err := c.GetBars(ctx, symbol, broker.BarsRequest{Timeframe: broker.Timeframe1Min, Limit: 1})
	if err != nil {
		return nil, err
	}
	dailyBars, err := c.GetBars(ctx, symbol, broker.BarsRequest{Timeframe: broker.Timeframe1Day, Limit: 2})
	if err != nil {
		return nil, err
	}

	snap := &broker.Snapshot{LatestQuote: quote}
	mid := (quote.BidPrice + quote.AskPrice) / 2
	snap.LatestTrade = &broker.Trade{Timestamp: quote.Timestamp, Price: mid}
	if len(minuteBars) > 0 {
		snap.MinuteBar = &minuteBars[len(minuteBars)-1]
	}
	if len(dailyBars) > 0 {
		snap.DailyBar = &dailyBars[len(dailyBars)-1]
	}
	if len(dailyBars) > 1 {
		snap.PrevDailyBar = &dailyBars[len(dailyBars)-2]
	}
	return snap, nil
}

func (c *Client) priceIndex(ctx context.Context) (map[string]decimal.Decimal, error) {
	prices, err := c.api.NewListPricesService().Do(ctx)
	if err != nil {
		return nil, classify(err, "list_prices")
	}
	out := make(map[string]decimal.Decimal, len(prices))
	for _, p := range prices {
		out[p.Symbol] = parseDec(p.Price)
	}
	return out, nil
}

func (c *Client) mapCreateResponse(res *binance.CreateOrderResponse, req broker.OrderRequest) *broker.Order {
	now := time.Now()
	if res.TransactTime > 0 {
		now = time.UnixMilli(res.TransactTime)
	}
	executed := parseDec(res.ExecutedQuantity)
	quote := parseDec(res.CummulativeQuoteQuantity)

	order := &broker.Order{
		ID:            strconv.FormatInt(res.OrderID, 10),
		ClientOrderID: res.ClientOrderID,
		Symbol:        res.Symbol,
		AssetClass:    broker.AssetClassCrypto,
		Side:          req.Side,
		Type:          req.Type,
		TimeInForce:   broker.TimeInForceGTC,
		Status:        mapStatus(res.Status),
		Qty:           req.Qty,
		Notional:      req.Notional,
		FilledQty:     executed,
		LimitPrice:    req.LimitPrice,
		StopPrice:     req.StopPrice,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if executed.IsPositive() {
		avg := quote.Div(executed)
		order.FilledAvgPrice = &avg
		if order.Status == broker.OrderStatusFilled {
			order.FilledAt = &now
		}
	}
	return order
}

func mapOrder(o *binance.Order) *broker.Order {
	created := time.UnixMilli(o.Time)
	updated := time.UnixMilli(o.UpdateTime)
	executed := parseDec(o.ExecutedQuantity)
	quote := parseDec(o.CummulativeQuoteQuantity)
	qty := parseDec(o.OrigQuantity)

	order := &broker.Order{
		ID:            strconv.FormatInt(o.OrderID, 10),
		ClientOrderID: o.ClientOrderID,
		Symbol:        o.Symbol,
		AssetClass:    broker.AssetClassCrypto,
		Side:          broker.Side(strings.ToLower(string(o.Side))),
		Type:          mapOrderType(o.Type),
		TimeInForce:   broker.TimeInForce(strings.ToLower(string(o.TimeInForce))),
		Status:        mapStatus(o.Status),
		Qty:           &qty,
		FilledQty:     executed,
		CreatedAt:     created,
		UpdatedAt:     updated,
	}
	if px := parseDec(o.Price); px.IsPositive() {
		order.LimitPrice = &px
	}
	if px := parseDec(o.StopPrice); px.IsPositive() {
		order.StopPrice = &px
	}
	if executed.IsPositive() {
		avg := quote.Div(executed)
		order.FilledAvgPrice = &avg
		if order.Status == broker.OrderStatusFilled {
			order.FilledAt = &updated
		}
	}
	if order.Status == broker.OrderStatusCanceled {
		order.CanceledAt = &updated
	}
	return order
}

func mapStatus(s binance.OrderStatusType) broker.OrderStatus {
	switch s {
	case binance.OrderStatusTypeNew:
		return broker.OrderStatusNew
	case binance.OrderStatusTypePartiallyFilled:
		return broker.OrderStatusPartiallyFilled
	case binance.OrderStatusTypeFilled:
		return broker.OrderStatusFilled
	case binance.OrderStatusTypeCanceled, binance.OrderStatusTypePendingCancel:
		return broker.OrderStatusCanceled
	case binance.OrderStatusTypeRejected:
		return broker.OrderStatusRejected
	case binance.OrderStatusTypeExpired:
		return broker.OrderStatusExpired
	default:
		return broker.OrderStatusAccepted
	}
}

func mapOrderType(t binance.OrderType) broker.OrderType {
	switch t {
	case binance.OrderTypeMarket:
		return broker.OrderTypeMarket
	case binance.OrderTypeLimit:
		return broker.OrderTypeLimit
	case binance.OrderTypeStopLossLimit:
		return broker.OrderTypeStopLimit
	case binance.OrderTypeStopLoss:
		return broker.OrderTypeStop
	default:
		return broker.OrderType(strings.ToLower(string(t)))
	}
}

func mapInterval(tf broker.Timeframe) string {
	switch tf {
	case broker.Timeframe1Hour:
		return "1h"
	case broker.Timeframe1Day:
		return "1d"
	default:
		return "1m"
	}
}

func mapKline(k *binance.Kline) broker.Bar {
	open := parseFloat(k.Open)
	high := parseFloat(k.High)
	low := parseFloat(k.Low)
	closePx := parseFloat(k.Close)
	return broker.Bar{
		Timestamp:  time.UnixMilli(k.OpenTime),
		Open:       open,
		High:       high,
		Low:        low,
		Close:      closePx,
		Volume:     uint64(parseFloat(k.Volume)),
		TradeCount: uint64(k.TradeNum),
		VWAP:       (high + low + closePx) / 3,
	}
}

func mapBookTicker(t *binance.BookTicker) *broker.Quote {
	return &broker.Quote{
		Timestamp: time.Now(),
		BidPrice:  parseFloat(t.BidPrice),
		BidSize:   uint32(parseFloat(t.BidQuantity)),
		AskPrice:  parseFloat(t.AskPrice),
		AskSize:   uint32(parseFloat(t.AskQuantity)),
	}
}

func parseDec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

// SplitSymbol separates a pair like BTCUSDT into base and quote assets.
func SplitSymbol(symbol string) (base, quote string, ok bool) {
	for _, q := range quoteAssets {
		if strings.HasSuffix(symbol, q) && len(symbol) > len(q) {
			return strings.TrimSuffix(symbol, q), q, true
		}
	}
	return symbol, "", false
}

// Binance error codes that matter for fault classification.
const (
	codeTooManyRequests     = -1003
	codeTimestampDrift      = -1021
	codeInvalidSignature    = -1022
	codeFilterFailure       = -1013
	codeRejectedKey         = -2014
	codeInsufficientBalance = -2010
	codeUnknownOrder        = -2011
	codeOrderNotFound       = -2013
	codeInvalidKey          = -2015
)

// classify folds go-binance errors into the shared fault taxonomy.
func classify(err error, op string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case codeTooManyRequests:
			return faults.Wrap(err, faults.RateLimited, "binance %s rate limited", op)
		case codeInsufficientBalance:
			return faults.Wrap(err, faults.InsufficientBuyingPower, "binance %s rejected", op)
		case codeUnknownOrder, codeOrderNotFound:
			return faults.Wrap(err, faults.NotFound, "binance %s: order not found", op)
		case codeInvalidSignature, codeRejectedKey, codeInvalidKey:
			return faults.Wrap(err, faults.Unauthorized, "binance %s unauthorized", op)
		case codeFilterFailure:
			return faults.Wrap(err, faults.InvalidInput, "binance %s rejected input", op)
		case codeTimestampDrift:
			return faults.Provider(err, true, "binance %s clock drift", op)
		}
		if apiErr.Code <= -1100 && apiErr.Code > -1200 {
			// -11xx covers malformed request parameters.
			return faults.Wrap(err, faults.InvalidInput, "binance %s rejected input", op)
		}
		return faults.Provider(err, false, "binance %s failed: %s", op, fmt.Sprintf("code %d", apiErr.Code))
	}
	return faults.Provider(err, true, "binance %s failed", op)
}
