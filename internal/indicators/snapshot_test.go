package indicators

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradehive/tradehive/internal/broker"
)

func barsFromCloses(closes []float64) []broker.Bar {
	start := time.Date(2025, 6, 2, 14, 0, 0, 0, time.UTC)
	bars := make([]broker.Bar, len(closes))
	for i, c := range closes {
		bars[i] = broker.Bar{
			Timestamp: start.Add(time.Duration(i) * time.Minute),
			Open:      c,
			High:      c * 1.01,
			Low:       c * 0.99,
			Close:     c,
			Volume:    1000,
		}
	}
	return bars
}

func rampCloses(start, step float64, n int) []float64 {
	closes := make([]float64, n)
	for i := range closes {
		closes[i] = start + step*float64(i)
	}
	return closes
}

func TestComputeRejectsShortSeries(t *testing.T) {
	_, err := Compute("NVDA", barsFromCloses(rampCloses(100, 1, MinBars-1)))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too few")
}

func TestComputeOnRisingSeries(t *testing.T) {
	// Closes 1..30: every bar gains, so momentum is pinned high and
	// the close sits above every moving average.
	snap, err := Compute("nvda", barsFromCloses(rampCloses(1, 1, 30)))
	require.NoError(t, err)

	assert.Equal(t, "NVDA", snap.Symbol)
	assert.Equal(t, 30, snap.Bars)
	assert.InDelta(t, 30.0, snap.Close, 1e-9)

	// SMA20 of 11..30 is exactly 20.5; Bollinger middle is the same SMA.
	assert.InDelta(t, 20.5, snap.SMA20, 1e-6)
	assert.InDelta(t, 20.5, snap.BollingerMid, 1e-6)
	assert.Less(t, snap.BollingerLower, snap.BollingerMid)
	assert.Less(t, snap.BollingerMid, snap.BollingerUpper)

	assert.Equal(t, "bullish", snap.Trend)
	assert.Greater(t, snap.RSI14, 70.0)
	assert.Equal(t, "overbought", snap.RSISignal)
}

func TestComputeOnFallingSeries(t *testing.T) {
	snap, err := Compute("AAPL", barsFromCloses(rampCloses(200, -2, 30)))
	require.NoError(t, err)

	assert.Equal(t, "bearish", snap.Trend)
	assert.Less(t, snap.RSI14, 30.0)
	assert.Equal(t, "oversold", snap.RSISignal)
}

func TestComputeIsDeterministic(t *testing.T) {
	bars := barsFromCloses(rampCloses(50, 0.5, 40))
	a, err := Compute("BTCUSDT", bars)
	require.NoError(t, err)
	b, err := Compute("BTCUSDT", bars)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestPromptLineMentionsEverySignal(t *testing.T) {
	snap, err := Compute("NVDA", barsFromCloses(rampCloses(1, 1, 30)))
	require.NoError(t, err)

	line := snap.PromptLine()
	assert.Contains(t, line, "NVDA technicals")
	assert.Contains(t, line, "SMA20")
	assert.Contains(t, line, "RSI14")
	assert.Contains(t, line, "Bollinger")
	assert.Contains(t, line, "overbought")
	assert.Contains(t, line, "bullish")
}
