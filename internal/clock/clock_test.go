package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNYDate(t *testing.T) {
	// 2024-01-16 03:30 UTC is still 2024-01-15 in New York (22:30 EST).
	utc := time.Date(2024, 1, 16, 3, 30, 0, 0, time.UTC)
	assert.Equal(t, "2024-01-15", NYDate(utc))

	// 2024-01-16 12:00 UTC is 07:00 EST, same calendar day.
	noon := time.Date(2024, 1, 16, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, "2024-01-16", NYDate(noon))
}

func TestSameNYDate(t *testing.T) {
	a := time.Date(2024, 6, 10, 23, 0, 0, 0, time.UTC) // 19:00 EDT Jun 10
	b := time.Date(2024, 6, 11, 3, 0, 0, 0, time.UTC)  // 23:00 EDT Jun 10
	c := time.Date(2024, 6, 11, 5, 0, 0, 0, time.UTC)  // 01:00 EDT Jun 11

	assert.True(t, SameNYDate(a, b))
	assert.False(t, SameNYDate(b, c))
}

func TestFromMsRoundTrip(t *testing.T) {
	base := time.Date(2024, 3, 1, 15, 4, 5, 0, time.UTC)
	ms := base.UnixMilli()
	assert.Equal(t, base, FromMs(ms))
}

func TestFakeClock(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	fake := NewFake(start)

	assert.Equal(t, start, fake.Now())
	assert.Equal(t, start.UnixMilli(), NowMs(fake))

	fake.Advance(90 * time.Second)
	assert.Equal(t, start.Add(90*time.Second), fake.Now())

	jump := time.Date(2025, 2, 2, 12, 0, 0, 0, time.UTC)
	fake.Set(jump)
	assert.Equal(t, jump, fake.Now())
}
