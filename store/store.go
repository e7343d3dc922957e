// Package store persists the single authoritative entitlement snapshot of
// an installation as a string-keyed flat table, and serializes every
// read-modify-write so concurrent validation completions can't race an
// incorrect downgrade.
package store

import (
	"database/sql"
	"fmt"
	"strconv"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/Viyatek/iap/entitlement"
)

// Persisted keys. The names predate this implementation and are kept so an
// upgraded installation reads its old flags.
const (
	keyProMember     = "is_pro_member"
	keyTier          = "subsType"
	keyExpiry        = "subsExpiryDate"
	keyGraceExpiry   = "graceExpiryDate"
	keyRefunded      = "subsRefunded"
	keyLifetime      = "is_lifetime_member"
	keyProductID     = "subsProductId"
	keyLastValidated = "lastValidatedAt"

	// reporting-only keys, see SetProductInfo
	keySubscriptionName = "SUBSCRIPTION_NAME"
	keyPlanType         = "plan_type_of_subscribed_product"
	keyPrice            = "price_of_subscribed_product"
)

// dateLayout matches the historical persisted representation, including the
// OLD_DATE sentinel "2000-01-01 00:00:00 Etc/GMT".
const dateLayout = "2006-01-02 15:04:05 Etc/GMT"

// Store owns the entitlement state. Single writer; all mutations go through
// the internal mutex.
type Store struct {
	mu sync.Mutex
	db *sql.DB
}

// Open opens (creating if needed) the backing database and seeds the
// default free state on first launch.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open entitlement store: %w", err)
	}
	// the flat store is tiny and single-process
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS prefs (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("init entitlement store: %w", err)
	}

	s := &Store{db: db}

	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM prefs`).Scan(&n); err != nil {
		db.Close()
		return nil, fmt.Errorf("init entitlement store: %w", err)
	}
	if n == 0 {
		if err := s.write(entitlement.Default()); err != nil {
			db.Close()
			return nil, err
		}
	}

	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Get returns the current entitlement state.
func (s *Store) Get() (entitlement.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read()
}

// Set overwrites the state. No merge: the resolver output is authoritative.
func (s *Store) Set(next entitlement.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(next)
}

// Update applies fn to the current state and persists the result, all under
// the store lock. This is the required discipline for resolution: resolve
// takes the current state as input, so get-then-resolve-then-set must be
// atomic.
func (s *Store) Update(fn func(entitlement.State) entitlement.State) (entitlement.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.read()
	if err != nil {
		return entitlement.State{}, err
	}

	next := fn(current)
	if err := s.write(next); err != nil {
		return entitlement.State{}, err
	}
	return next, nil
}

// GrantTemporaryActivation bridges the gap between a local purchase
// confirmation and the asynchronous server validation: the user becomes
// premium until now+d. LastValidatedAt stays untouched so the next real
// validation supersedes this grant immediately.
func (s *Store) GrantTemporaryActivation(d time.Duration, now time.Time) error {
	_, err := s.Update(func(st entitlement.State) entitlement.State {
		st.Tier = entitlement.TierPremium
		st.ExpiresAt = now.Add(d)
		return st
	})
	return err
}

// SetProductInfo persists the purchased product's display name, plan type
// and price. Reporting reads these later; entitlement decisions never do.
func (s *Store) SetProductInfo(name, planType string, price float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.setAll(map[string]string{
		keySubscriptionName: name,
		keyPlanType:         planType,
		keyPrice:            strconv.FormatFloat(price, 'f', -1, 64),
	})
}

// ProductInfo returns the persisted reporting fields.
func (s *Store) ProductInfo() (name, planType string, price float64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kv, err := s.readAll()
	if err != nil {
		return "", "", 0, err
	}
	price, _ = strconv.ParseFloat(kv[keyPrice], 64)
	return kv[keySubscriptionName], kv[keyPlanType], price, nil
}

func (s *Store) read() (entitlement.State, error) {
	kv, err := s.readAll()
	if err != nil {
		return entitlement.State{}, err
	}

	st := entitlement.Default()
	if v, ok := kv[keyTier]; ok && v != "" {
		st.Tier = entitlement.Tier(v)
	}
	st.ExpiresAt = parseDate(kv[keyExpiry], st.ExpiresAt)
	st.GraceExpiresAt = parseDate(kv[keyGraceExpiry], st.GraceExpiresAt)
	st.IsLifetimeMember = kv[keyLifetime] == "true"
	st.IsRefunded = kv[keyRefunded] == "1"
	st.ProductID = kv[keyProductID]
	st.LastValidatedAt = parseDate(kv[keyLastValidated], time.Time{})

	return st, nil
}

func (s *Store) write(st entitlement.State) error {
	refunded := "0"
	if st.IsRefunded {
		refunded = "1"
	}

	return s.setAll(map[string]string{
		keyProMember:     strconv.FormatBool(st.Tier == entitlement.TierPremium),
		keyTier:          string(st.Tier),
		keyExpiry:        formatDate(st.ExpiresAt),
		keyGraceExpiry:   formatDate(st.GraceExpiresAt),
		keyRefunded:      refunded,
		keyLifetime:      strconv.FormatBool(st.IsLifetimeMember),
		keyProductID:     st.ProductID,
		keyLastValidated: formatDate(st.LastValidatedAt),
	})
}

func (s *Store) readAll() (map[string]string, error) {
	rows, err := s.db.Query(`SELECT key, value FROM prefs`)
	if err != nil {
		return nil, fmt.Errorf("read entitlement store: %w", err)
	}
	defer rows.Close()

	kv := map[string]string{}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("read entitlement store: %w", err)
		}
		kv[k] = v
	}
	return kv, rows.Err()
}

func (s *Store) setAll(kv map[string]string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("write entitlement store: %w", err)
	}
	defer tx.Rollback()

	for k, v := range kv {
		if _, err := tx.Exec(`INSERT INTO prefs(key, value) VALUES(?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value`, k, v); err != nil {
			return fmt.Errorf("write entitlement store: %w", err)
		}
	}
	return tx.Commit()
}

func formatDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(dateLayout)
}

func parseDate(s string, fallback time.Time) time.Time {
	if s == "" {
		return fallback
	}
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return fallback
	}
	return t.UTC()
}
