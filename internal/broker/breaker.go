package broker

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/tradehive/tradehive/internal/faults"
)

// BreakerConfig tunes the circuit breaker shared by all capabilities of one
// venue.
type BreakerConfig struct {
	MinRequests     uint32
	FailureRatio    float64
	OpenTimeout     time.Duration
	HalfOpenMaxReqs uint32
	CountInterval   time.Duration
}

// DefaultBreakerConfig returns the settings used for live venues.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MinRequests:     5,
		FailureRatio:    0.6,
		OpenTimeout:     30 * time.Second,
		HalfOpenMaxReqs: 3,
		CountInterval:   10 * time.Second,
	}
}

// Harden wraps every capability of a provider behind one circuit breaker
// plus the retry loop. The breaker only counts infrastructure failures;
// rejections the venue makes deliberately (bad input, auth, unknown symbol)
// pass through without tripping it. While the circuit is open, calls fail
// fast with a non-retryable provider fault.
func Harden(p *Provider, bc BreakerConfig, rc RetryConfig, log zerolog.Logger) *Provider {
	h := &hardened{
		retry: rc,
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        p.Name,
			MaxRequests: bc.HalfOpenMaxReqs,
			Interval:    bc.CountInterval,
			Timeout:     bc.OpenTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				ratio := float64(counts.TotalFailures) / float64(counts.Requests)
				return counts.Requests >= bc.MinRequests && ratio >= bc.FailureRatio
			},
			IsSuccessful: func(err error) bool {
				return err == nil || !countsAsBreakerFailure(err)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Warn().
					Str("venue", name).
					Str("from", from.String()).
					Str("to", to.String()).
					Msg("venue circuit state changed")
			},
		}),
	}

	out := &Provider{
		Name:       p.Name,
		Broker:     &hardenedBroker{inner: p.Broker, h: h},
		MarketData: p.MarketData,
		Options:    p.Options,
	}
	if p.MarketData != nil {
		out.MarketData = &hardenedMarketData{inner: p.MarketData, h: h}
	}
	if p.Options != nil {
		out.Options = &hardenedOptions{inner: p.Options, h: h}
	}
	return out
}

func countsAsBreakerFailure(err error) bool {
	switch faults.KindOf(err) {
	case faults.RateLimited, faults.ProviderError, faults.Internal:
		return true
	}
	return false
}

type hardened struct {
	cb    *gobreaker.CircuitBreaker
	retry RetryConfig
}

// call funnels one venue round trip through the breaker, then the retry
// loop. A breaker-open rejection is reported as a non-transient provider
// fault so the retry loop gives up immediately.
func call[T any](ctx context.Context, h *hardened, op string, fn func() (T, error)) (T, error) {
	var out T
	err := WithRetry(ctx, h.retry, op, func() error {
		v, err := h.cb.Execute(func() (interface{}, error) {
			return fn()
		})
		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return faults.Wrap(err, faults.ProviderError, "%s rejected, venue circuit open", op)
			}
			return err
		}
		out = v.(T)
		return nil
	})
	return out, err
}

type hardenedBroker struct {
	inner Broker
	h     *hardened
}

func (b *hardenedBroker) GetAccount(ctx context.Context) (*Account, error) {
	return call(ctx, b.h, "get_account", func() (*Account, error) { return b.inner.GetAccount(ctx) })
}

func (b *hardenedBroker) GetPositions(ctx context.Context) ([]Position, error) {
	return call(ctx, b.h, "get_positions", func() ([]Position, error) { return b.inner.GetPositions(ctx) })
}

func (b *hardenedBroker) GetPosition(ctx context.Context, symbol string) (*Position, error) {
	return call(ctx, b.h, "get_position", func() (*Position, error) { return b.inner.GetPosition(ctx, symbol) })
}

func (b *hardenedBroker) GetClock(ctx context.Context) (*Clock, error) {
	return call(ctx, b.h, "get_clock", func() (*Clock, error) { return b.inner.GetClock(ctx) })
}

func (b *hardenedBroker) GetCalendar(ctx context.Context, start, end time.Time) ([]CalendarDay, error) {
	return call(ctx, b.h, "get_calendar", func() ([]CalendarDay, error) { return b.inner.GetCalendar(ctx, start, end) })
}

func (b *hardenedBroker) GetAsset(ctx context.Context, symbol string) (*Asset, error) {
	return call(ctx, b.h, "get_asset", func() (*Asset, error) { return b.inner.GetAsset(ctx, symbol) })
}

func (b *hardenedBroker) CreateOrder(ctx context.Context, req OrderRequest) (*Order, error) {
	return call(ctx, b.h, "create_order", func() (*Order, error) { return b.inner.CreateOrder(ctx, req) })
}

func (b *hardenedBroker) GetOrder(ctx context.Context, orderID string) (*Order, error) {
	return call(ctx, b.h, "get_order", func() (*Order, error) { return b.inner.GetOrder(ctx, orderID) })
}

func (b *hardenedBroker) ListOrders(ctx context.Context, req ListOrdersRequest) ([]Order, error) {
	return call(ctx, b.h, "list_orders", func() ([]Order, error) { return b.inner.ListOrders(ctx, req) })
}

func (b *hardenedBroker) CancelOrder(ctx context.Context, orderID string) error {
	_, err := call(ctx, b.h, "cancel_order", func() (struct{}, error) {
		return struct{}{}, b.inner.CancelOrder(ctx, orderID)
	})
	return err
}

func (b *hardenedBroker) CancelAllOrders(ctx context.Context) error {
	_, err := call(ctx, b.h, "cancel_all_orders", func() (struct{}, error) {
		return struct{}{}, b.inner.CancelAllOrders(ctx)
	})
	return err
}

func (b *hardenedBroker) ClosePosition(ctx context.Context, symbol string, req ClosePositionRequest) (*Order, error) {
	return call(ctx, b.h, "close_position", func() (*Order, error) { return b.inner.ClosePosition(ctx, symbol, req) })
}

func (b *hardenedBroker) GetPortfolioHistory(ctx context.Context, req PortfolioHistoryRequest) (*PortfolioHistory, error) {
	return call(ctx, b.h, "get_portfolio_history", func() (*PortfolioHistory, error) { return b.inner.GetPortfolioHistory(ctx, req) })
}

type hardenedMarketData struct {
	inner MarketData
	h     *hardened
}

func (m *hardenedMarketData) GetBars(ctx context.Context, symbol string, req BarsRequest) ([]Bar, error) {
	return call(ctx, m.h, "get_bars", func() ([]Bar, error) { return m.inner.GetBars(ctx, symbol, req) })
}

func (m *hardenedMarketData) GetLatestBar(ctx context.Context, symbol string) (*Bar, error) {
	return call(ctx, m.h, "get_latest_bar", func() (*Bar, error) { return m.inner.GetLatestBar(ctx, symbol) })
}

func (m *hardenedMarketData) GetLatestBars(ctx context.Context, symbols []string) (map[string]Bar, error) {
	return call(ctx, m.h, "get_latest_bars", func() (map[string]Bar, error) { return m.inner.GetLatestBars(ctx, symbols) })
}

func (m *hardenedMarketData) GetQuote(ctx context.Context, symbol string) (*Quote, error) {
	return call(ctx, m.h, "get_quote", func() (*Quote, error) { return m.inner.GetQuote(ctx, symbol) })
}

func (m *hardenedMarketData) GetQuotes(ctx context.Context, symbols []string) (map[string]Quote, error) {
	return call(ctx, m.h, "get_quotes", func() (map[string]Quote, error) { return m.inner.GetQuotes(ctx, symbols) })
}

func (m *hardenedMarketData) GetSnapshot(ctx context.Context, symbol string) (*Snapshot, error) {
	return call(ctx, m.h, "get_snapshot", func() (*Snapshot, error) { return m.inner.GetSnapshot(ctx, symbol) })
}

func (m *hardenedMarketData) GetSnapshots(ctx context.Context, symbols []string) (map[string]Snapshot, error) {
	return call(ctx, m.h, "get_snapshots", func() (map[string]Snapshot, error) { return m.inner.GetSnapshots(ctx, symbols) })
}

func (m *hardenedMarketData) GetCryptoSnapshot(ctx context.Context, symbol string) (*Snapshot, error) {
	return call(ctx, m.h, "get_crypto_snapshot", func() (*Snapshot, error) { return m.inner.GetCryptoSnapshot(ctx, symbol) })
}

type hardenedOptions struct {
	inner Options
	h     *hardened
}

func (o *hardenedOptions) IsConfigured() bool { return o.inner.IsConfigured() }

func (o *hardenedOptions) GetExpirations(ctx context.Context, underlying string) ([]string, error) {
	return call(ctx, o.h, "get_expirations", func() ([]string, error) { return o.inner.GetExpirations(ctx, underlying) })
}

func (o *hardenedOptions) GetChain(ctx context.Context, underlying string, req ChainRequest) ([]OptionContract, error) {
	return call(ctx, o.h, "get_chain", func() ([]OptionContract, error) { return o.inner.GetChain(ctx, underlying, req) })
}

func (o *hardenedOptions) GetOptionSnapshot(ctx context.Context, symbol string) (*OptionSnapshot, error) {
	return call(ctx, o.h, "get_option_snapshot", func() (*OptionSnapshot, error) { return o.inner.GetOptionSnapshot(ctx, symbol) })
}

func (o *hardenedOptions) GetOptionSnapshots(ctx context.Context, symbols []string) (map[string]OptionSnapshot, error) {
	return call(ctx, o.h, "get_option_snapshots", func() (map[string]OptionSnapshot, error) { return o.inner.GetOptionSnapshots(ctx, symbols) })
}
