package broker

import (
	"time"

	"github.com/shopspring/decimal"
)

// AssetClass partitions symbols by venue semantics. Equities observe the
// exchange calendar; crypto trades around the clock.
type AssetClass string

const (
	AssetClassUSEquity AssetClass = "us_equity"
	AssetClassCrypto   AssetClass = "crypto"
)

// Side is the order direction.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// OrderType is the execution style of an order.
type OrderType string

const (
	OrderTypeMarket    OrderType = "market"
	OrderTypeLimit     OrderType = "limit"
	OrderTypeStop      OrderType = "stop"
	OrderTypeStopLimit OrderType = "stop_limit"
)

// TimeInForce bounds how long an order rests.
type TimeInForce string

const (
	TimeInForceDay TimeInForce = "day"
	TimeInForceGTC TimeInForce = "gtc"
	TimeInForceIOC TimeInForce = "ioc"
	TimeInForceFOK TimeInForce = "fok"
)

// OrderStatus is the lifecycle state reported by the venue.
type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "new"
	OrderStatusAccepted        OrderStatus = "accepted"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusFilled          OrderStatus = "filled"
	OrderStatusCanceled        OrderStatus = "canceled"
	OrderStatusRejected        OrderStatus = "rejected"
	OrderStatusExpired         OrderStatus = "expired"
)

// Terminal reports whether the status can no longer change.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCanceled, OrderStatusRejected, OrderStatusExpired:
		return true
	}
	return false
}

// OrderRequest describes an order to place. Exactly one of Qty or Notional
// must be set; limit and stop prices are required by their order types.
type OrderRequest struct {
	Symbol        string
	Side          Side
	Type          OrderType
	AssetClass    AssetClass
	Qty           *decimal.Decimal
	Notional      *decimal.Decimal
	TimeInForce   TimeInForce
	LimitPrice    *decimal.Decimal
	StopPrice     *decimal.Decimal
	ExtendedHours bool
	ClientOrderID string
}

// Order is a venue order as last observed.
type Order struct {
	ID             string
	ClientOrderID  string
	Symbol         string
	AssetClass     AssetClass
	Side           Side
	Type           OrderType
	TimeInForce    TimeInForce
	Status         OrderStatus
	Qty            *decimal.Decimal
	Notional       *decimal.Decimal
	FilledQty      decimal.Decimal
	FilledAvgPrice *decimal.Decimal
	LimitPrice     *decimal.Decimal
	StopPrice      *decimal.Decimal
	ExtendedHours  bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
	FilledAt       *time.Time
	CanceledAt     *time.Time
}

// Account is the trading account summary.
type Account struct {
	ID               string
	Currency         string
	Cash             decimal.Decimal
	Equity           decimal.Decimal
	BuyingPower      decimal.Decimal
	PortfolioValue   decimal.Decimal
	DaytradeCount    int64
	PatternDayTrader bool
}

// Position is an open holding. Venues that cannot report a field supply a
// best-effort value rather than omitting it.
type Position struct {
	Symbol         string
	AssetClass     AssetClass
	Qty            decimal.Decimal
	AvgEntryPrice  decimal.Decimal
	CurrentPrice   decimal.Decimal
	MarketValue    decimal.Decimal
	CostBasis      decimal.Decimal
	UnrealizedPL   decimal.Decimal
	UnrealizedPLPC decimal.Decimal
}

// Clock is the venue session clock.
type Clock struct {
	Timestamp time.Time
	IsOpen    bool
	NextOpen  time.Time
	NextClose time.Time
}

// CalendarDay is one trading session. Times are venue-local wall clock.
type CalendarDay struct {
	Date  string // 2006-01-02
	Open  string // 15:04
	Close string // 15:04
}

// Asset describes a tradable instrument.
type Asset struct {
	ID           string
	Symbol       string
	Name         string
	Class        AssetClass
	Exchange     string
	Status       string
	Tradable     bool
	Marginable   bool
	Shortable    bool
	Fractionable bool
}

// PortfolioHistory is a time series of account equity.
type PortfolioHistory struct {
	Timestamp     []int64
	Equity        []decimal.Decimal
	ProfitLoss    []decimal.Decimal
	ProfitLossPct []decimal.Decimal
	BaseValue     decimal.Decimal
}

// PortfolioHistoryRequest selects the window and resolution of the series.
type PortfolioHistoryRequest struct {
	Period    string // e.g. "1D", "1M"
	Timeframe string // e.g. "5Min", "1D"
}

// Timeframe is the bar aggregation window.
type Timeframe string

const (
	Timeframe1Min  Timeframe = "1Min"
	Timeframe1Hour Timeframe = "1Hour"
	Timeframe1Day  Timeframe = "1Day"
)

// Bar is one OHLCV aggregate.
type Bar struct {
	Timestamp  time.Time
	Open       float64
	High       float64
	Low        float64
	Close      float64
	Volume     uint64
	TradeCount uint64
	VWAP       float64
}

// BarsRequest bounds a historical bar query.
type BarsRequest struct {
	Timeframe Timeframe
	Start     time.Time
	End       time.Time
	Limit     int
}

// Quote is the top of book.
type Quote struct {
	Timestamp time.Time
	BidPrice  float64
	BidSize   uint32
	AskPrice  float64
	AskSize   uint32
}

// Trade is the last tick.
type Trade struct {
	Timestamp time.Time
	Price     float64
	Size      uint32
}

// Snapshot bundles the latest view of a symbol.
type Snapshot struct {
	LatestTrade  *Trade
	LatestQuote  *Quote
	MinuteBar    *Bar
	DailyBar     *Bar
	PrevDailyBar *Bar
}

// ListOrdersRequest filters the order listing.
type ListOrdersRequest struct {
	Status  string // "open", "closed", or "all"
	Limit   int
	After   *time.Time
	Until   *time.Time
	Symbols []string
}

// ClosePositionRequest narrows a close to a quantity or percentage.
// Zero values close the whole position.
type ClosePositionRequest struct {
	Qty        *decimal.Decimal
	Percentage *decimal.Decimal
}

// OptionContract identifies one listed option.
type OptionContract struct {
	Symbol     string // OCC symbol, e.g. AAPL250919C00230000
	Underlying string
	Expiration string // 2006-01-02
	Type       string // "call" or "put"
	Strike     decimal.Decimal
}

// Greeks are the option sensitivities.
type Greeks struct {
	Delta float64
	Gamma float64
	Theta float64
	Vega  float64
	Rho   float64
}

// OptionSnapshot is the latest view of one contract.
type OptionSnapshot struct {
	Symbol            string
	LatestTrade       *Trade
	LatestQuote       *Quote
	ImpliedVolatility float64
	Greeks            *Greeks
}

// ChainRequest filters an option chain query.
type ChainRequest struct {
	Expiration string // 2006-01-02, empty for all
	Type       string // "call", "put", or empty for both
	StrikeGte  *decimal.Decimal
	StrikeLte  *decimal.Decimal
	Limit      int
}
