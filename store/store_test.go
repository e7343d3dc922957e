package store

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/Viyatek/iap/entitlement"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "prefs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestFirstLaunchDefaults(t *testing.T) {
	s := newStore(t)

	got, err := s.Get()
	require.NoError(t, err)

	assert.Equal(t, entitlement.Default(), got)
	assert.Equal(t, entitlement.OldDate, got.ExpiresAt)
}

func TestSetGetRoundTrip(t *testing.T) {
	s := newStore(t)

	want := entitlement.State{
		Tier:            entitlement.TierPremium,
		ExpiresAt:       time.Date(2025, time.March, 1, 10, 30, 0, 0, time.UTC),
		GraceExpiresAt:  entitlement.OldDate,
		ProductID:       "sub.yearly",
		LastValidatedAt: time.Date(2024, time.June, 1, 12, 0, 0, 0, time.UTC),
	}
	require.NoError(t, s.Set(want))

	got, err := s.Get()
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prefs.db")

	s, err := Open(path)
	require.NoError(t, err)

	want := entitlement.State{
		Tier:             entitlement.TierPremium,
		ExpiresAt:        time.Date(2124, time.June, 1, 12, 0, 0, 0, time.UTC),
		GraceExpiresAt:   entitlement.OldDate,
		IsLifetimeMember: true,
		LastValidatedAt:  time.Date(2024, time.June, 1, 12, 0, 0, 0, time.UTC),
	}
	require.NoError(t, s.Set(want))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()

	got, err := s.Get()
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestGrantTemporaryActivation(t *testing.T) {
	s := newStore(t)
	now := time.Date(2024, time.June, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.GrantTemporaryActivation(24*time.Hour, now))

	got, err := s.Get()
	require.NoError(t, err)
	assert.Equal(t, entitlement.TierPremium, got.Tier)
	assert.Equal(t, now.Add(24*time.Hour), got.ExpiresAt)
	assert.True(t, got.LastValidatedAt.IsZero(),
		"temporary activation must not count as a validation")
}

func TestUpdateSerializesWriters(t *testing.T) {
	s := newStore(t)

	base := time.Date(2024, time.June, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.Set(entitlement.State{
		Tier: entitlement.TierPremium, ExpiresAt: base, GraceExpiresAt: entitlement.OldDate,
	}))

	const writers = 20
	var wg sync.WaitGroup
	wg.Add(writers)
	for i := 0; i < writers; i++ {
		go func() {
			defer wg.Done()
			_, err := s.Update(func(st entitlement.State) entitlement.State {
				st.ExpiresAt = st.ExpiresAt.AddDate(0, 0, 1)
				return st
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := s.Get()
	require.NoError(t, err)
	assert.Equal(t, base.AddDate(0, 0, writers), got.ExpiresAt,
		"every read-modify-write must observe the previous one")
}

func TestProductInfo(t *testing.T) {
	s := newStore(t)

	require.NoError(t, s.SetProductInfo("Premium Yearly", "yearly", 29.99))

	name, plan, price, err := s.ProductInfo()
	require.NoError(t, err)
	assert.Equal(t, "Premium Yearly", name)
	assert.Equal(t, "yearly", plan)
	assert.Equal(t, 29.99, price)
}
