package broker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradehive/tradehive/internal/clock"
	"github.com/tradehive/tradehive/internal/faults"
)

// stubBroker fails or succeeds per the injected fn; the embedded interface
// panics for anything else, keeping the stub honest about what a test uses.
type stubBroker struct {
	Broker
	calls int
	fn    func() (*Account, error)
}

func (s *stubBroker) GetAccount(ctx context.Context) (*Account, error) {
	s.calls++
	return s.fn()
}

func tightBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MinRequests:     3,
		FailureRatio:    0.6,
		OpenTimeout:     time.Minute,
		HalfOpenMaxReqs: 1,
		CountInterval:   time.Minute,
	}
}

func noRetryConfig() RetryConfig {
	return RetryConfig{MaxRetries: 0, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, BackoffFactor: 1}
}

func TestHardenTripsAfterRepeatedVenueFailures(t *testing.T) {
	stub := &stubBroker{fn: func() (*Account, error) {
		return nil, faults.Provider(errors.New("502 bad gateway"), false, "venue unavailable")
	}}
	hardened := Harden(&Provider{Name: "stub", Broker: stub}, tightBreakerConfig(), noRetryConfig(), zerolog.Nop())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := hardened.Broker.GetAccount(ctx)
		require.Error(t, err)
		assert.Equal(t, faults.ProviderError, faults.KindOf(err))
	}
	require.Equal(t, 3, stub.calls)

	// Circuit is open now: the venue is no longer consulted.
	_, err := hardened.Broker.GetAccount(ctx)
	require.Error(t, err)
	assert.Equal(t, 3, stub.calls)
	assert.Contains(t, err.Error(), "venue circuit open")
	assert.Equal(t, faults.ProviderError, faults.KindOf(err))
	assert.False(t, faults.IsRetryable(err), "open-circuit rejections must not be retried")
}

func TestHardenIgnoresDeliberateRejections(t *testing.T) {
	stub := &stubBroker{fn: func() (*Account, error) {
		return nil, faults.New(faults.InvalidInput, "unknown symbol FAKE")
	}}
	hardened := Harden(&Provider{Name: "stub", Broker: stub}, tightBreakerConfig(), noRetryConfig(), zerolog.Nop())
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		_, err := hardened.Broker.GetAccount(ctx)
		require.Error(t, err)
		assert.Equal(t, faults.InvalidInput, faults.KindOf(err))
	}
	assert.Equal(t, 6, stub.calls, "client rejections must not open the circuit")
}

func TestHardenRetriesTransientFailures(t *testing.T) {
	attempts := 0
	stub := &stubBroker{fn: func() (*Account, error) {
		attempts++
		if attempts < 3 {
			return nil, faults.Provider(errors.New("connection reset"), true, "venue flaked")
		}
		return &Account{ID: "acct-1"}, nil
	}}
	cfg := BreakerConfig{MinRequests: 10, FailureRatio: 0.9, OpenTimeout: time.Minute, HalfOpenMaxReqs: 1, CountInterval: time.Minute}
	retry := RetryConfig{MaxRetries: 3, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond, BackoffFactor: 2}
	hardened := Harden(&Provider{Name: "stub", Broker: stub}, cfg, retry, zerolog.Nop())

	acct, err := hardened.Broker.GetAccount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "acct-1", acct.ID)
	assert.Equal(t, 3, stub.calls)
}

func TestHardenWrapsMarketDataAndOptions(t *testing.T) {
	paper := NewPaper(DefaultPaperConfig(), clock.NewFake(midSession), zerolog.Nop())
	hardened := Harden(paper.Provider(), DefaultBreakerConfig(), DefaultRetryConfig(), zerolog.Nop())

	quote, err := hardened.MarketData.GetQuote(context.Background(), "AAPL")
	require.NoError(t, err)
	assert.Greater(t, quote.AskPrice, 0.0)

	assert.False(t, hardened.Options.IsConfigured())
	_, err = hardened.Options.GetChain(context.Background(), "AAPL", ChainRequest{})
	require.Error(t, err)
	assert.Equal(t, faults.NotSupported, faults.KindOf(err))
}
