package entitlement

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2024, time.June, 1, 12, 0, 0, 0, time.UTC)

func day(n int) time.Time { return now.AddDate(0, 0, n) }

func TestResolveNoDataStability(t *testing.T) {
	testcases := []struct {
		name    string
		current State
	}{
		{"fresh install", Default()},
		{"active premium", State{Tier: TierPremium, ExpiresAt: day(30), ProductID: "sub.yearly"}},
		{"lifetime member", State{Tier: TierPremium, IsLifetimeMember: true}},
		{"lapsed", State{Tier: TierExPremium, ExpiresAt: day(-10)}},
	}

	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			got := Resolve(tc.current, nil, nil, now)
			assert.Equal(t, tc.current, got, "absence of data must never change state")
		})
	}
}

func TestResolveFreeToPremium(t *testing.T) {
	items := []LineItem{{ProductID: "sub.yearly", ExpiresAt: day(365)}}

	got := Resolve(Default(), items, nil, now)

	assert.Equal(t, TierPremium, got.Tier)
	assert.Equal(t, day(365), got.ExpiresAt)
	assert.Equal(t, "sub.yearly", got.ProductID)
	assert.False(t, got.IsLifetimeMember)
	assert.Equal(t, now, got.LastValidatedAt)
}

func TestResolveLatestExpiryWins(t *testing.T) {
	items := []LineItem{
		{ProductID: "sub.monthly", ExpiresAt: day(20)},
		{ProductID: "sub.yearly", ExpiresAt: day(300)},
		{ProductID: "sub.weekly", ExpiresAt: day(3)},
	}

	got := Resolve(Default(), items, nil, now)

	assert.Equal(t, TierPremium, got.Tier)
	assert.Equal(t, "sub.yearly", got.ProductID)
	assert.Equal(t, day(300), got.ExpiresAt)
}

func TestResolveExpiryAtNowIsExpired(t *testing.T) {
	items := []LineItem{{ProductID: "sub.monthly", ExpiresAt: now}}

	got := Resolve(Default(), items, nil, now)

	assert.NotEqual(t, TierPremium, got.Tier, "strict comparison: expiry at now is expired")
	assert.Equal(t, TierExPremium, got.Tier)
}

func TestResolveLifetime(t *testing.T) {
	items := []LineItem{
		{ProductID: "sub.monthly", ExpiresAt: day(-5)},
		{ProductID: "app.lifetime", PurchasedAt: day(-1), Lifetime: true},
	}

	got := Resolve(Default(), items, nil, now)

	assert.Equal(t, TierPremium, got.Tier)
	assert.True(t, got.IsLifetimeMember)
	assert.Equal(t, now.AddDate(LifetimeYears, 0, 0), got.ExpiresAt)
}

func TestResolveLifetimeIsSticky(t *testing.T) {
	current := State{Tier: TierPremium, IsLifetimeMember: true, ExpiresAt: now.AddDate(99, 0, 0)}

	// a later pass that only sees an expired subscription must not downgrade
	items := []LineItem{{ProductID: "sub.monthly", ExpiresAt: day(-5)}}
	got := Resolve(current, items, nil, now)

	assert.True(t, got.IsLifetimeMember)
	assert.Equal(t, TierPremium, got.Tier)
}

func TestResolveLifetimeRevokedByRefund(t *testing.T) {
	current := State{Tier: TierPremium, IsLifetimeMember: true}
	items := []LineItem{{ProductID: "app.lifetime", Lifetime: true, CancelledAt: day(-1)}}

	got := Resolve(current, items, nil, now)

	assert.False(t, got.IsLifetimeMember)
	assert.True(t, got.IsRefunded)
	assert.NotEqual(t, TierPremium, got.Tier)
}

func TestResolveRefundOverridesActiveSubscription(t *testing.T) {
	items := []LineItem{{ProductID: "sub.yearly", ExpiresAt: day(100), CancelledAt: day(-1)}}

	got := Resolve(Default(), items, nil, now)

	assert.Equal(t, TierExPremium, got.Tier)
	assert.True(t, got.IsRefunded)
}

func TestResolveGracePeriod(t *testing.T) {
	current := State{Tier: TierPremium, ExpiresAt: day(-1), ProductID: "sub.yearly"}
	items := []LineItem{{ProductID: "sub.yearly", ExpiresAt: day(-1)}}
	grace := []GraceEntry{{ProductID: "sub.yearly", ExpiresAt: day(3)}}

	got := Resolve(current, items, grace, now)

	assert.Equal(t, TierPremium, got.Tier, "grace still counts as entitlement")
	assert.Equal(t, day(3), got.GraceExpiresAt)
	assert.Equal(t, "ex_premium", got.UserStatus(now), "grace is reported as ex_premium")
}

func TestResolveLapsedKeepsExpiry(t *testing.T) {
	current := State{Tier: TierPremium, ExpiresAt: day(-30), GraceExpiresAt: OldDate, ProductID: "sub.yearly"}
	items := []LineItem{{ProductID: "sub.yearly", ExpiresAt: day(-30)}}

	got := Resolve(current, items, nil, now)

	assert.Equal(t, TierExPremium, got.Tier)
	assert.Equal(t, day(-30), got.ExpiresAt, "lapsed state keeps the last known expiry")
}

func TestResolveIdempotent(t *testing.T) {
	items := []LineItem{{ProductID: "sub.yearly", ExpiresAt: day(200)}}
	grace := []GraceEntry{{ProductID: "sub.yearly", ExpiresAt: day(-10)}}

	first := Resolve(Default(), items, grace, now)
	second := Resolve(first, items, grace, now.Add(time.Minute))

	first.LastValidatedAt = second.LastValidatedAt
	assert.Equal(t, first, second, "re-evaluating the same payload must not drift")
}

func TestUserStatus(t *testing.T) {
	testcases := []struct {
		name   string
		state  State
		expect string
	}{
		{"free", Default(), "free"},
		{"premium", State{Tier: TierPremium, ExpiresAt: day(10)}, "premium"},
		{"lifetime", State{Tier: TierPremium, IsLifetimeMember: true}, "premium"},
		{"in grace", State{Tier: TierPremium, ExpiresAt: day(-1), GraceExpiresAt: day(2)}, "ex_premium"},
		{"lapsed", State{Tier: TierExPremium, ExpiresAt: day(-1)}, "ex_premium"},
	}

	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expect, tc.state.UserStatus(now))
		})
	}
}

func TestActive(t *testing.T) {
	require.True(t, State{IsLifetimeMember: true}.Active(now))
	require.True(t, State{ExpiresAt: day(1)}.Active(now))
	require.True(t, State{ExpiresAt: day(-1), GraceExpiresAt: day(1)}.Active(now))
	require.False(t, State{ExpiresAt: now}.Active(now), "strict comparison")
	require.False(t, Default().Active(now))
}
