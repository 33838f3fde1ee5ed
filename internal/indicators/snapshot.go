// Package indicators distills recent bars into the compact technical
// summary the analyst folds into research prompts. Pure computation:
// no IO, no clock, deterministic for a given bar series.
package indicators

import (
	"fmt"
	"strings"

	"github.com/cinar/indicator/v2/momentum"
	"github.com/cinar/indicator/v2/trend"
	"github.com/cinar/indicator/v2/volatility"

	"github.com/tradehive/tradehive/internal/broker"
)

const (
	smaPeriod = 20
	emaPeriod = 12
	rsiPeriod = 14
	bbPeriod  = 20

	// MinBars is the shortest series Compute accepts; the longest
	// lookback plus one bar of headroom.
	MinBars = bbPeriod + 1
)

// Snapshot is the latest value of each tracked indicator plus the
// classified signal beside it.
type Snapshot struct {
	Symbol string  `json:"symbol"`
	Close  float64 `json:"close"`
	Bars   int     `json:"bars"`

	SMA20 float64 `json:"sma_20"`
	EMA12 float64 `json:"ema_12"`
	Trend string  `json:"trend"` // bullish | bearish | neutral

	RSI14     float64 `json:"rsi_14"`
	RSISignal string  `json:"rsi_signal"` // oversold | overbought | neutral

	BollingerUpper float64 `json:"bollinger_upper"`
	BollingerMid   float64 `json:"bollinger_mid"`
	BollingerLower float64 `json:"bollinger_lower"`
	BandSignal     string  `json:"band_signal"` // buy | sell | neutral
}

// Compute derives a Snapshot from chronologically ordered bars.
func Compute(symbol string, bars []broker.Bar) (*Snapshot, error) {
	if len(bars) < MinBars {
		return nil, fmt.Errorf("%d bars is too few for a technical snapshot of %s (need %d)", len(bars), symbol, MinBars)
	}

	closes := make([]float64, len(bars))
	for i, b := range bars {
		closes[i] = b.Close
	}
	last := closes[len(closes)-1]

	sma, ok := lastOf(trend.NewSmaWithPeriod[float64](smaPeriod).Compute(feed(closes)))
	if !ok {
		return nil, fmt.Errorf("sma produced no values for %s", symbol)
	}
	ema, ok := lastOf(trend.NewEmaWithPeriod[float64](emaPeriod).Compute(feed(closes)))
	if !ok {
		return nil, fmt.Errorf("ema produced no values for %s", symbol)
	}
	rsi, ok := lastOf(momentum.NewRsiWithPeriod[float64](rsiPeriod).Compute(feed(closes)))
	if !ok {
		return nil, fmt.Errorf("rsi produced no values for %s", symbol)
	}

	lowerCh, midCh, upperCh := volatility.NewBollingerBandsWithPeriod[float64](bbPeriod).Compute(feed(closes))
	lower, mid, upper, ok := lastOfBands(lowerCh, midCh, upperCh)
	if !ok {
		return nil, fmt.Errorf("bollinger bands produced no values for %s", symbol)
	}

	s := &Snapshot{
		Symbol: strings.ToUpper(symbol),
		Close:  last,
		Bars:   len(bars),

		SMA20: sma,
		EMA12: ema,

		RSI14: rsi,

		BollingerUpper: upper,
		BollingerMid:   mid,
		BollingerLower: lower,
	}

	switch {
	case last > ema:
		s.Trend = "bullish"
	case last < ema:
		s.Trend = "bearish"
	default:
		s.Trend = "neutral"
	}

	switch {
	case rsi < 30:
		s.RSISignal = "oversold"
	case rsi > 70:
		s.RSISignal = "overbought"
	default:
		s.RSISignal = "neutral"
	}

	switch {
	case last <= lower:
		s.BandSignal = "buy"
	case last >= upper:
		s.BandSignal = "sell"
	default:
		s.BandSignal = "neutral"
	}

	return s, nil
}

// PromptLine renders the snapshot as the single line appended to a
// research prompt.
func (s *Snapshot) PromptLine() string {
	return fmt.Sprintf(
		"%s technicals over %d bars: close %.2f, SMA20 %.2f, EMA12 %.2f (%s), RSI14 %.1f (%s), Bollinger %.2f/%.2f/%.2f (%s)",
		s.Symbol, s.Bars, s.Close, s.SMA20, s.EMA12, s.Trend,
		s.RSI14, s.RSISignal,
		s.BollingerLower, s.BollingerMid, s.BollingerUpper, s.BandSignal,
	)
}

// feed bridges a slice into the closed channel cinar indicators consume.
func feed(values []float64) chan float64 {
	ch := make(chan float64, len(values))
	for _, v := range values {
		ch <- v
	}
	close(ch)
	return ch
}

func lastOf(ch <-chan float64) (float64, bool) {
	var last float64
	var seen bool
	for v := range ch {
		last = v
		seen = true
	}
	return last, seen
}

func lastOfBands(lowerCh, midCh, upperCh <-chan float64) (lower, mid, upper float64, seen bool) {
	for {
		l, lok := <-lowerCh
		m, mok := <-midCh
		u, uok := <-upperCh
		if !lok || !mok || !uok {
			return lower, mid, upper, seen
		}
		lower, mid, upper = l, m, u
		seen = true
	}
}
