package domain

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestTierMultiplier(t *testing.T) {
	ep := &Endpoint{
		Tiers: []PriceTier{
			{Threshold: 100, Multiplier: decimal.RequireFromString("0.9")},
			{Threshold: 1000, Multiplier: decimal.RequireFromString("0.7")},
		},
	}

	cases := []struct {
		calls int64
		want  string
	}{
		{0, "1"},
		{99, "1"},
		{100, "0.9"},
		{999, "0.9"},
		{1000, "0.7"},
		{50000, "0.7"},
	}
	for _, tc := range cases {
		got := ep.TierMultiplier(tc.calls)
		assert.True(t, got.Equal(decimal.RequireFromString(tc.want)),
			"calls %d: got %s, want %s", tc.calls, got, tc.want)
	}

	// No tiers configured: always the base price.
	bare := &Endpoint{}
	assert.True(t, bare.TierMultiplier(10_000).Equal(decimal.NewFromInt(1)))
}

func TestExpiredAt(t *testing.T) {
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)

	assert.False(t, (&Mandate{}).ExpiredAt(now), "no expiry never expires")
	assert.True(t, (&Mandate{ExpiresAt: &past}).ExpiredAt(now))
	assert.False(t, (&Mandate{ExpiresAt: &future}).ExpiredAt(now))

	assert.False(t, (&Checkout{ExpiresAt: &future}).ExpiredAt(now))
	assert.True(t, (&Checkout{ExpiresAt: &past}).ExpiredAt(now))
}
