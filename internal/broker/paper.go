package broker

import (
	"context"
	"hash/fnv"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/tradehive/tradehive/internal/clock"
	"github.com/tradehive/tradehive/internal/faults"
)

// PaperConfig tunes the simulated venue.
type PaperConfig struct {
	InitialCash  decimal.Decimal
	BaseSlippage float64 // applied to market fills, e.g. 0.0005
	FeeRate      float64 // taker fee charged on fill notional, e.g. 0.001
	Prices       map[string]float64
	AssetClasses map[string]AssetClass // overrides symbol-shape detection
}

// DefaultPaperConfig returns a paper venue with Binance-like costs and a
// hundred-grand cash account.
func DefaultPaperConfig() PaperConfig {
	return PaperConfig{
		InitialCash:  decimal.NewFromInt(100_000),
		BaseSlippage: 0.0005,
		FeeRate:      0.001,
	}
}

type paperPosition struct {
	qty      decimal.Decimal
	avgEntry decimal.Decimal
	class    AssetClass
}

type equityPoint struct {
	at     time.Time
	equity decimal.Decimal
}

// Paper is a deterministic in-memory venue. Market orders fill immediately
// at the quoted price plus slippage; limit orders fill when marketable and
// otherwise rest until SetPrice crosses them. Market data is synthesized
// from a per-symbol seed so indicator math sees stable series.
type Paper struct {
	mu        sync.RWMutex
	cfg       PaperConfig
	clk       clock.Clock
	log       zerolog.Logger
	cash      decimal.Decimal
	prices    map[string]float64
	positions map[string]*paperPosition
	orders    map[string]*Order
	clientIDs map[string]string // client_order_id -> order id
	history   []equityPoint
}

// NewPaper creates the simulated venue.
func NewPaper(cfg PaperConfig, clk clock.Clock, log zerolog.Logger) *Paper {
	if cfg.InitialCash.IsZero() {
		cfg.InitialCash = decimal.NewFromInt(100_000)
	}
	p := &Paper{
		cfg:       cfg,
		clk:       clk,
		log:       log,
		cash:      cfg.InitialCash,
		prices:    make(map[string]float64),
		positions: make(map[string]*paperPosition),
		orders:    make(map[string]*Order),
		clientIDs: make(map[string]string),
	}
	for sym, px := range cfg.Prices {
		p.prices[sym] = px
	}
	p.history = append(p.history, equityPoint{at: clk.Now(), equity: p.equityLocked()})
	log.Info().
		Str("cash", cfg.InitialCash.String()).
		Float64("slippage", cfg.BaseSlippage).
		Float64("fee_rate", cfg.FeeRate).
		Msg("paper venue initialized")
	return p
}

// Provider wraps the paper venue as a registrable provider named "paper".
func (p *Paper) Provider() *Provider {
	return &Provider{Name: "paper", Broker: p, MarketData: p, Options: NoOptions{}}
}

// SetPrice moves the market for a symbol and crosses any resting limit
// orders that became marketable.
func (p *Paper) SetPrice(symbol string, price float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prices[symbol] = price
	p.crossRestingLocked(symbol)
}

func (p *Paper) priceFor(symbol string) float64 {
	if px, ok := p.prices[symbol]; ok {
		return px
	}
	// Unseeded symbols get a stable hash-derived price so dev profiles
	// work without fixtures.
	h := symbolSeed(symbol)
	return 20 + float64(h%4800)/10
}

func (p *Paper) classOf(symbol string) AssetClass {
	if c, ok := p.cfg.AssetClasses[symbol]; ok {
		return c
	}
	if strings.Contains(symbol, "/") || strings.HasSuffix(symbol, "USDT") {
		return AssetClassCrypto
	}
	return AssetClassUSEquity
}

func (p *Paper) equityLocked() decimal.Decimal {
	equity := p.cash
	for sym, pos := range p.positions {
		px := decimal.NewFromFloat(p.priceFor(sym))
		equity = equity.Add(pos.qty.Mul(px))
	}
	return equity
}

// GetAccount implements Broker.
func (p *Paper) GetAccount(ctx context.Context) (*Account, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	equity := p.equityLocked()
	return &Account{
		ID:             "paper-account",
		Currency:       "USD",
		Cash:           p.cash,
		Equity:         equity,
		BuyingPower:    p.cash,
		PortfolioValue: equity,
	}, nil
}

// GetPositions implements Broker.
func (p *Paper) GetPositions(ctx context.Context) ([]Position, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Position, 0, len(p.positions))
	for sym, pos := range p.positions {
		out = append(out, p.positionViewLocked(sym, pos))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

// GetPosition implements Broker.
func (p *Paper) GetPosition(ctx context.Context, symbol string) (*Position, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	pos, ok := p.positions[symbol]
	if !ok {
		return nil, faults.New(faults.NotFound, "no open position in %s", symbol)
	}
	view := p.positionViewLocked(symbol, pos)
	return &view, nil
}

func (p *Paper) positionViewLocked(symbol string, pos *paperPosition) Position {
	px := decimal.NewFromFloat(p.priceFor(symbol))
	marketValue := pos.qty.Mul(px)
	costBasis := pos.qty.Mul(pos.avgEntry)
	upl := marketValue.Sub(costBasis)
	uplpc := decimal.Zero
	if !costBasis.IsZero() {
		uplpc = upl.Div(costBasis)
	}
	return Position{
		Symbol:         symbol,
		AssetClass:     pos.class,
		Qty:            pos.qty,
		AvgEntryPrice:  pos.avgEntry,
		CurrentPrice:   px,
		MarketValue:    marketValue,
		CostBasis:      costBasis,
		UnrealizedPL:   upl,
		UnrealizedPLPC: uplpc,
	}
}

// GetClock implements Broker. The paper venue keeps New York equity hours.
func (p *Paper) GetClock(ctx context.Context) (*Clock, error) {
	now := p.clk.Now().In(clock.NY())
	open, close := sessionBounds(now)
	isOpen := isTradingDay(now) && !now.Before(open) && now.Before(close)

	var nextOpen, nextClose time.Time
	if isOpen {
		nextClose = close
		nextOpen, _ = sessionBoundsAt(nextTradingDay(now))
	} else if isTradingDay(now) && now.Before(open) {
		nextOpen = open
		nextClose = close
	} else {
		day := nextTradingDay(now)
		nextOpen, nextClose = sessionBoundsAt(day)
	}
	return &Clock{Timestamp: now, IsOpen: isOpen, NextOpen: nextOpen, NextClose: nextClose}, nil
}

// GetCalendar implements Broker.
func (p *Paper) GetCalendar(ctx context.Context, start, end time.Time) ([]CalendarDay, error) {
	var days []CalendarDay
	for d := start.In(clock.NY()); !d.After(end.In(clock.NY())); d = d.AddDate(0, 0, 1) {
		if !isTradingDay(d) {
			continue
		}
		days = append(days, CalendarDay{Date: d.Format("2006-01-02"), Open: "09:30", Close: "16:00"})
	}
	return days, nil
}

// GetAsset implements Broker.
func (p *Paper) GetAsset(ctx context.Context, symbol string) (*Asset, error) {
	class := p.classOf(symbol)
	return &Asset{
		ID:           "paper-" + symbol,
		Symbol:       symbol,
		Name:         symbol,
		Class:        class,
		Exchange:     "PAPER",
		Status:       "active",
		Tradable:     true,
		Marginable:   class == AssetClassUSEquity,
		Fractionable: true,
	}, nil
}

// CreateOrder implements Broker.
func (p *Paper) CreateOrder(ctx context.Context, req OrderRequest) (*Order, error) {
	if err := validateOrderRequest(req); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.placeLocked(req)
}

func validateOrderRequest(req OrderRequest) error {
	if req.Symbol == "" {
		return faults.New(faults.InvalidInput, "symbol is required")
	}
	if req.Side != SideBuy && req.Side != SideSell {
		return faults.New(faults.InvalidInput, "invalid order side %q", req.Side)
	}
	switch req.Type {
	case OrderTypeMarket, OrderTypeLimit, OrderTypeStop, OrderTypeStopLimit:
	default:
		return faults.New(faults.InvalidInput, "invalid order type %q", req.Type)
	}
	hasQty := req.Qty != nil && req.Qty.IsPositive()
	hasNotional := req.Notional != nil && req.Notional.IsPositive()
	if hasQty == hasNotional {
		return faults.New(faults.InvalidInput, "exactly one of qty or notional must be positive")
	}
	if (req.Type == OrderTypeLimit || req.Type == OrderTypeStopLimit) && (req.LimitPrice == nil || !req.LimitPrice.IsPositive()) {
		return faults.New(faults.InvalidInput, "limit orders require a positive limit_price")
	}
	if (req.Type == OrderTypeStop || req.Type == OrderTypeStopLimit) && (req.StopPrice == nil || !req.StopPrice.IsPositive()) {
		return faults.New(faults.InvalidInput, "stop orders require a positive stop_price")
	}
	return nil
}

func (p *Paper) placeLocked(req OrderRequest) (*Order, error) {
	if req.ClientOrderID != "" {
		if _, dup := p.clientIDs[req.ClientOrderID]; dup {
			return nil, faults.New(faults.Conflict, "client_order_id %q already used", req.ClientOrderID)
		}
	}

	now := p.clk.Now()
	class := req.AssetClass
	if class == "" {
		class = p.classOf(req.Symbol)
	}
	order := &Order{
		ID:            uuid.New().String(),
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		AssetClass:    class,
		Side:          req.Side,
		Type:          req.Type,
		TimeInForce:   req.TimeInForce,
		Status:        OrderStatusAccepted,
		Qty:           req.Qty,
		Notional:      req.Notional,
		LimitPrice:    req.LimitPrice,
		StopPrice:     req.StopPrice,
		ExtendedHours: req.ExtendedHours,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if marketable(order, p.priceFor(req.Symbol)) {
		if err := p.fillLocked(order); err != nil {
			return nil, err
		}
	}

	p.orders[order.ID] = order
	if req.ClientOrderID != "" {
		p.clientIDs[req.ClientOrderID] = order.ID
	}
	out := *order
	return &out, nil
}

func marketable(o *Order, price float64) bool {
	switch o.Type {
	case OrderTypeMarket:
		return true
	case OrderTypeLimit:
		limit, _ := o.LimitPrice.Float64()
		if o.Side == SideBuy {
			return limit >= price
		}
		return limit <= price
	}
	// Stop orders rest until SetPrice crosses the trigger.
	stop, _ := o.StopPrice.Float64()
	if o.Side == SideBuy {
		return price >= stop
	}
	return price <= stop
}

func (p *Paper) fillLocked(order *Order) error {
	px := p.priceFor(order.Symbol)
	if order.Side == SideBuy {
		px *= 1 + p.cfg.BaseSlippage
	} else {
		px *= 1 - p.cfg.BaseSlippage
	}
	fillPrice := decimal.NewFromFloat(px)

	var qty decimal.Decimal
	if order.Qty != nil {
		qty = *order.Qty
	} else {
		qty = order.Notional.Div(fillPrice).Truncate(9)
	}
	notional := qty.Mul(fillPrice)
	fee := notional.Mul(decimal.NewFromFloat(p.cfg.FeeRate))

	pos := p.positions[order.Symbol]
	if order.Side == SideBuy {
		if cost := notional.Add(fee); cost.GreaterThan(p.cash) {
			return faults.New(faults.InsufficientBuyingPower,
				"order cost %s exceeds cash %s", cost.StringFixed(2), p.cash.StringFixed(2))
		}
		if pos == nil {
			pos = &paperPosition{class: order.AssetClass}
			p.positions[order.Symbol] = pos
		}
		newQty := pos.qty.Add(qty)
		pos.avgEntry = pos.qty.Mul(pos.avgEntry).Add(notional).Div(newQty)
		pos.qty = newQty
		p.cash = p.cash.Sub(notional).Sub(fee)
	} else {
		if pos == nil || pos.qty.LessThan(qty) {
			return faults.New(faults.InsufficientBuyingPower, "insufficient quantity held to sell %s %s", qty, order.Symbol)
		}
		pos.qty = pos.qty.Sub(qty)
		if pos.qty.IsZero() {
			delete(p.positions, order.Symbol)
		}
		p.cash = p.cash.Add(notional).Sub(fee)
	}

	now := p.clk.Now()
	order.Status = OrderStatusFilled
	order.FilledQty = qty
	order.FilledAvgPrice = &fillPrice
	order.FilledAt = &now
	order.UpdatedAt = now
	p.history = append(p.history, equityPoint{at: now, equity: p.equityLocked()})

	p.log.Debug().
		Str("order_id", order.ID).
		Str("symbol", order.Symbol).
		Str("side", string(order.Side)).
		Str("qty", qty.String()).
		Str("price", fillPrice.String()).
		Msg("paper order filled")
	return nil
}

func (p *Paper) crossRestingLocked(symbol string) {
	for _, order := range p.orders {
		if order.Symbol != symbol || order.Status != OrderStatusAccepted {
			continue
		}
		if !marketable(order, p.priceFor(symbol)) {
			continue
		}
		if err := p.fillLocked(order); err != nil {
			now := p.clk.Now()
			order.Status = OrderStatusRejected
			order.UpdatedAt = now
			p.log.Warn().Err(err).Str("order_id", order.ID).Msg("resting paper order rejected on cross")
		}
	}
}

// GetOrder implements Broker.
func (p *Paper) GetOrder(ctx context.Context, orderID string) (*Order, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	order, ok := p.orders[orderID]
	if !ok {
		return nil, faults.New(faults.NotFound, "order %s not found", orderID)
	}
	out := *order
	return &out, nil
}

// ListOrders implements Broker.
func (p *Paper) ListOrders(ctx context.Context, req ListOrdersRequest) ([]Order, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var out []Order
	for _, order := range p.orders {
		switch req.Status {
		case "", "all":
		case "open":
			if order.Status.Terminal() {
				continue
			}
		case "closed":
			if !order.Status.Terminal() {
				continue
			}
		default:
			return nil, faults.New(faults.InvalidInput, "invalid order status filter %q", req.Status)
		}
		if len(req.Symbols) > 0 && !containsString(req.Symbols, order.Symbol) {
			continue
		}
		if req.After != nil && !order.CreatedAt.After(*req.After) {
			continue
		}
		if req.Until != nil && !order.CreatedAt.Before(*req.Until) {
			continue
		}
		out = append(out, *order)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if req.Limit > 0 && len(out) > req.Limit {
		out = out[:req.Limit]
	}
	return out, nil
}

// CancelOrder implements Broker.
func (p *Paper) CancelOrder(ctx context.Context, orderID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	order, ok := p.orders[orderID]
	if !ok {
		return faults.New(faults.NotFound, "order %s not found", orderID)
	}
	if order.Status.Terminal() {
		return faults.New(faults.Conflict, "order %s is already %s", orderID, order.Status)
	}
	now := p.clk.Now()
	order.Status = OrderStatusCanceled
	order.CanceledAt = &now
	order.UpdatedAt = now
	return nil
}

// CancelAllOrders implements Broker.
func (p *Paper) CancelAllOrders(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.clk.Now()
	for _, order := range p.orders {
		if order.Status.Terminal() {
			continue
		}
		order.Status = OrderStatusCanceled
		order.CanceledAt = &now
		order.UpdatedAt = now
	}
	return nil
}

// ClosePosition implements Broker.
func (p *Paper) ClosePosition(ctx context.Context, symbol string, req ClosePositionRequest) (*Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	pos, ok := p.positions[symbol]
	if !ok {
		return nil, faults.New(faults.NotFound, "no open position in %s", symbol)
	}
	qty := pos.qty
	if req.Qty != nil && req.Qty.IsPositive() {
		qty = *req.Qty
	} else if req.Percentage != nil && req.Percentage.IsPositive() {
		qty = pos.qty.Mul(*req.Percentage).Div(decimal.NewFromInt(100)).Truncate(9)
	}
	return p.placeLocked(OrderRequest{
		Symbol:      symbol,
		Side:        SideSell,
		Type:        OrderTypeMarket,
		AssetClass:  pos.class,
		Qty:         &qty,
		TimeInForce: TimeInForceDay,
	})
}

// GetPortfolioHistory implements Broker. The series is every equity
// snapshot taken at fills since the venue started.
func (p *Paper) GetPortfolioHistory(ctx context.Context, req PortfolioHistoryRequest) (*PortfolioHistory, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	base := p.cfg.InitialCash
	out := &PortfolioHistory{BaseValue: base}
	for _, pt := range p.history {
		out.Timestamp = append(out.Timestamp, pt.at.Unix())
		out.Equity = append(out.Equity, pt.equity)
		pl := pt.equity.Sub(base)
		out.ProfitLoss = append(out.ProfitLoss, pl)
		if base.IsZero() {
			out.ProfitLossPct = append(out.ProfitLossPct, decimal.Zero)
		} else {
			out.ProfitLossPct = append(out.ProfitLossPct, pl.Div(base))
		}
	}
	return out, nil
}

// GetBars implements MarketData. Bars are synthesized from a per-symbol
// seed: two calls with the same clock time return identical series.
func (p *Paper) GetBars(ctx context.Context, symbol string, req BarsRequest) ([]Bar, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.synthBarsLocked(symbol, req), nil
}

// GetLatestBar implements MarketData.
func (p *Paper) GetLatestBar(ctx context.Context, symbol string) (*Bar, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	bars := p.synthBarsLocked(symbol, BarsRequest{Timeframe: Timeframe1Min, Limit: 1})
	return &bars[len(bars)-1], nil
}

// GetLatestBars implements MarketData.
func (p *Paper) GetLatestBars(ctx context.Context, symbols []string) (map[string]Bar, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]Bar, len(symbols))
	for _, sym := range symbols {
		bars := p.synthBarsLocked(sym, BarsRequest{Timeframe: Timeframe1Min, Limit: 1})
		out[sym] = bars[len(bars)-1]
	}
	return out, nil
}

// GetQuote implements MarketData.
func (p *Paper) GetQuote(ctx context.Context, symbol string) (*Quote, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.quoteLocked(symbol), nil
}

// GetQuotes implements MarketData.
func (p *Paper) GetQuotes(ctx context.Context, symbols []string) (map[string]Quote, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]Quote, len(symbols))
	for _, sym := range symbols {
		out[sym] = *p.quoteLocked(sym)
	}
	return out, nil
}

func (p *Paper) quoteLocked(symbol string) *Quote {
	px := p.priceFor(symbol)
	return &Quote{
		Timestamp: p.clk.Now(),
		BidPrice:  px * 0.9995,
		BidSize:   100,
		AskPrice:  px * 1.0005,
		AskSize:   100,
	}
}

// GetSnapshot implements MarketData.
func (p *Paper) GetSnapshot(ctx context.Context, symbol string) (*Snapshot, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.snapshotLocked(symbol), nil
}

// GetSnapshots implements MarketData.
func (p *Paper) GetSnapshots(ctx context.Context, symbols []string) (map[string]Snapshot, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]Snapshot, len(symbols))
	for _, sym := range symbols {
		out[sym] = *p.snapshotLocked(sym)
	}
	return out, nil
}

// GetCryptoSnapshot implements MarketData.
func (p *Paper) GetCryptoSnapshot(ctx context.Context, symbol string) (*Snapshot, error) {
	return p.GetSnapshot(ctx, symbol)
}

func (p *Paper) snapshotLocked(symbol string) *Snapshot {
	minute := p.synthBarsLocked(symbol, BarsRequest{Timeframe: Timeframe1Min, Limit: 1})
	daily := p.synthBarsLocked(symbol, BarsRequest{Timeframe: Timeframe1Day, Limit: 2})
	quote := p.quoteLocked(symbol)
	return &Snapshot{
		LatestTrade:  &Trade{Timestamp: p.clk.Now(), Price: p.priceFor(symbol), Size: 100},
		LatestQuote:  quote,
		MinuteBar:    &minute[0],
		DailyBar:     &daily[1],
		PrevDailyBar: &daily[0],
	}
}

func (p *Paper) synthBarsLocked(symbol string, req BarsRequest) []Bar {
	n := req.Limit
	if n <= 0 {
		n = 100
	}
	step := time.Minute
	switch req.Timeframe {
	case Timeframe1Hour:
		step = time.Hour
	case Timeframe1Day:
		step = 24 * time.Hour
	}

	base := p.priceFor(symbol)
	seed := symbolSeed(symbol)
	end := p.clk.Now().Truncate(step)

	bars := make([]Bar, 0, n)
	prev := synthClose(base, seed, 0)
	for k := 0; k < n; k++ {
		ts := end.Add(-time.Duration(n-1-k) * step)
		c := synthClose(base, seed, uint64(k+1))
		o := prev
		prev = c
		if !req.Start.IsZero() && ts.Before(req.Start) {
			continue
		}
		if !req.End.IsZero() && ts.After(req.End) {
			continue
		}
		hi := math.Max(o, c) * 1.002
		lo := math.Min(o, c) * 0.998
		vol := 800_000 + (seed^uint64(k)*2654435761)%400_000
		bars = append(bars, Bar{
			Timestamp:  ts,
			Open:       o,
			High:       hi,
			Low:        lo,
			Close:      c,
			Volume:     vol,
			TradeCount: vol / 200,
			VWAP:       (hi + lo + c) / 3,
		})
	}
	return bars
}

func synthClose(base float64, seed, i uint64) float64 {
	phase := float64(seed%628) / 100
	return base * (1 + 0.01*math.Sin(phase+float64(i)*0.35))
}

func symbolSeed(symbol string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(symbol))
	return h.Sum64()
}

func containsString(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}

func sessionBounds(t time.Time) (open, close time.Time) {
	return sessionBoundsAt(t.In(clock.NY()))
}

func sessionBoundsAt(day time.Time) (open, close time.Time) {
	ny := clock.NY()
	open = time.Date(day.Year(), day.Month(), day.Day(), 9, 30, 0, 0, ny)
	close = time.Date(day.Year(), day.Month(), day.Day(), 16, 0, 0, 0, ny)
	return open, close
}

func isTradingDay(t time.Time) bool {
	switch t.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	return true
}

func nextTradingDay(t time.Time) time.Time {
	day := t.AddDate(0, 0, 1)
	for !isTradingDay(day) {
		day = day.AddDate(0, 0, 1)
	}
	return day
}
