package entitlement

import "time"

// Resolve computes the next entitlement state from the current one and the
// line items observed by a validation pass. All date comparisons are strict:
// an item expiring exactly at now is already expired.
//
// Decision order, first match wins:
//  1. lifetime purchase observed, or already a lifetime member: premium forever
//  2. a subscription item with the latest expiry still in the future: premium
//  3. grace window for the tracked product still open: premium (reported
//     differently, see State.UserStatus)
//  4. otherwise: ex-premium, last known expiry retained
//
// A refund marker on the tracked product overrides 2-4 unconditionally; a
// refund marker on a lifetime product revokes lifetime membership.
// An empty item list returns current unchanged: absence of data never
// downgrades a confirmed entitlement.
func Resolve(current State, items []LineItem, grace []GraceEntry, now time.Time) State {
	if len(items) == 0 {
		return current
	}

	next := current
	next.LastValidatedAt = now

	// Lifetime membership is sticky: a pass that doesn't re-confirm it does
	// not revoke it. Only an explicit cancellation on a lifetime item does.
	lifetime := current.IsLifetimeMember
	for _, it := range items {
		if !it.Lifetime {
			continue
		}
		if it.CancelledAt.IsZero() {
			lifetime = true
		} else {
			lifetime = false
			next.IsRefunded = true
		}
	}
	if lifetime {
		next.Tier = TierPremium
		next.IsLifetimeMember = true
		next.ExpiresAt = now.AddDate(LifetimeYears, 0, 0)
		return next
	}
	next.IsLifetimeMember = false

	// Latest expiry wins among subscription items.
	var latest LineItem
	for _, it := range items {
		if it.ExpiresAt.IsZero() {
			continue
		}
		if latest.ExpiresAt.IsZero() || it.ExpiresAt.After(latest.ExpiresAt) {
			latest = it
		}
	}
	if !latest.ExpiresAt.IsZero() {
		next.ProductID = latest.ProductID
		next.ExpiresAt = latest.ExpiresAt
	}

	refunded := false
	for _, it := range items {
		if it.ProductID != "" && it.ProductID == next.ProductID && !it.CancelledAt.IsZero() {
			refunded = true
		}
	}

	switch {
	case refunded:
		next.Tier = TierExPremium
		next.IsRefunded = true

	case !latest.ExpiresAt.IsZero() && latest.ExpiresAt.After(now):
		next.Tier = TierPremium
		next.IsRefunded = false

	default:
		if g := graceFor(grace, next.ProductID); !g.IsZero() {
			next.GraceExpiresAt = g
		}
		if next.GraceExpiresAt.After(now) {
			// grace still counts as entitlement
			next.Tier = TierPremium
		} else {
			// lapsed; ExpiresAt keeps the last known value so "how long ago
			// did they lapse" stays answerable
			next.Tier = TierExPremium
		}
	}

	return next
}

func graceFor(grace []GraceEntry, productID string) time.Time {
	var t time.Time
	for _, g := range grace {
		if productID != "" && g.ProductID != "" && g.ProductID != productID {
			continue
		}
		if g.ExpiresAt.After(t) {
			t = g.ExpiresAt
		}
	}
	return t
}
