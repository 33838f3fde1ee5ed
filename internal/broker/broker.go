// Package broker defines the venue capability surface the swarm trades
// through. A venue exposes up to three capabilities: Broker for account and
// order flow, MarketData for prices, and Options for derivatives. Adapters
// translate venue errors into the shared fault taxonomy so callers can apply
// one retry policy everywhere.
package broker

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/tradehive/tradehive/internal/faults"
)

// Broker is the account and order capability of a venue.
type Broker interface {
	GetAccount(ctx context.Context) (*Account, error)
	GetPositions(ctx context.Context) ([]Position, error)
	GetPosition(ctx context.Context, symbol string) (*Position, error)
	GetClock(ctx context.Context) (*Clock, error)
	GetCalendar(ctx context.Context, start, end time.Time) ([]CalendarDay, error)
	GetAsset(ctx context.Context, symbol string) (*Asset, error)
	CreateOrder(ctx context.Context, req OrderRequest) (*Order, error)
	GetOrder(ctx context.Context, orderID string) (*Order, error)
	ListOrders(ctx context.Context, req ListOrdersRequest) ([]Order, error)
	CancelOrder(ctx context.Context, orderID string) error
	CancelAllOrders(ctx context.Context) error
	ClosePosition(ctx context.Context, symbol string, req ClosePositionRequest) (*Order, error)
	GetPortfolioHistory(ctx context.Context, req PortfolioHistoryRequest) (*PortfolioHistory, error)
}

// MarketData is the pricing capability of a venue.
type MarketData interface {
	GetBars(ctx context.Context, symbol string, req BarsRequest) ([]Bar, error)
	GetLatestBar(ctx context.Context, symbol string) (*Bar, error)
	GetLatestBars(ctx context.Context, symbols []string) (map[string]Bar, error)
	GetQuote(ctx context.Context, symbol string) (*Quote, error)
	GetQuotes(ctx context.Context, symbols []string) (map[string]Quote, error)
	GetSnapshot(ctx context.Context, symbol string) (*Snapshot, error)
	GetSnapshots(ctx context.Context, symbols []string) (map[string]Snapshot, error)
	GetCryptoSnapshot(ctx context.Context, symbol string) (*Snapshot, error)
}

// Options is the derivatives capability of a venue. Venues without an
// options desk plug in NoOptions.
type Options interface {
	IsConfigured() bool
	GetExpirations(ctx context.Context, underlying string) ([]string, error)
	GetChain(ctx context.Context, underlying string, req ChainRequest) ([]OptionContract, error)
	GetOptionSnapshot(ctx context.Context, symbol string) (*OptionSnapshot, error)
	GetOptionSnapshots(ctx context.Context, symbols []string) (map[string]OptionSnapshot, error)
}

// Provider bundles the capabilities of one venue under its wire name. The
// name is what order submissions persist as broker_provider.
type Provider struct {
	Name       string
	Broker     Broker
	MarketData MarketData
	Options    Options
}

// NoOptions is the Options capability for venues without a derivatives
// desk. Every call fails with NOT_SUPPORTED.
type NoOptions struct{}

func (NoOptions) IsConfigured() bool { return false }

func (NoOptions) GetExpirations(ctx context.Context, underlying string) ([]string, error) {
	return nil, errOptionsUnsupported()
}

func (NoOptions) GetChain(ctx context.Context, underlying string, req ChainRequest) ([]OptionContract, error) {
	return nil, errOptionsUnsupported()
}

func (NoOptions) GetOptionSnapshot(ctx context.Context, symbol string) (*OptionSnapshot, error) {
	return nil, errOptionsUnsupported()
}

func (NoOptions) GetOptionSnapshots(ctx context.Context, symbols []string) (map[string]OptionSnapshot, error) {
	return nil, errOptionsUnsupported()
}

func errOptionsUnsupported() error {
	return faults.New(faults.NotSupported, "options trading is not supported by this venue")
}

// Registry resolves providers by name. The first registered provider is the
// default unless SetDefault names another.
type Registry struct {
	mu          sync.RWMutex
	providers   map[string]*Provider
	defaultName string
}

func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]*Provider)}
}

// Register adds a provider, replacing any previous one with the same name.
func (r *Registry) Register(p *Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name] = p
	if r.defaultName == "" {
		r.defaultName = p.Name
	}
}

// SetDefault marks the provider returned for an empty name.
func (r *Registry) SetDefault(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.providers[name]; !ok {
		return faults.New(faults.NotFound, "unknown broker provider %q", name)
	}
	r.defaultName = name
	return nil
}

// Get returns the provider registered under name, or the default when name
// is empty.
func (r *Registry) Get(name string) (*Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if name == "" {
		name = r.defaultName
	}
	p, ok := r.providers[name]
	if !ok {
		return nil, faults.New(faults.NotFound, "unknown broker provider %q", name)
	}
	return p, nil
}

// DefaultName returns the name of the default provider, or "" when none is
// registered.
func (r *Registry) DefaultName() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defaultName
}

// Names lists the registered provider names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
