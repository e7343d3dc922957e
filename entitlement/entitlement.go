// Package entitlement holds the reconciliation core: the rules that turn a
// parsed validation payload into the user's current access tier.
package entitlement

import "time"

// Tier is the user's access level.
// ExPremium means "was premium, currently in grace or lapsed".
type Tier string

const (
	TierFree      Tier = "free"
	TierPremium   Tier = "premium"
	TierExPremium Tier = "ex_premium"
)

// OldDate is the sentinel used for unset instants in the persisted state.
// Kept as a real past date rather than the zero time so that persisted
// values survive the string round-trip through the flat store.
var OldDate = time.Date(2000, time.January, 1, 0, 0, 0, 0, time.UTC)

// LifetimeYears is how far in the future a lifetime purchase is modeled to
// expire. A sentinel, not infinity.
const LifetimeYears = 100

// State is the single authoritative entitlement snapshot per installation.
// It is overwritten in place, never versioned.
type State struct {
	Tier             Tier
	ExpiresAt        time.Time
	GraceExpiresAt   time.Time
	IsLifetimeMember bool
	IsRefunded       bool
	ProductID        string // active subscription product id, empty if none known
	LastValidatedAt  time.Time
}

// Default is the state of a fresh installation.
func Default() State {
	return State{
		Tier:           TierFree,
		ExpiresAt:      OldDate,
		GraceExpiresAt: OldDate,
	}
}

// Active reports whether the user currently has premium access.
func (s State) Active(now time.Time) bool {
	if s.IsLifetimeMember {
		return true
	}
	return s.ExpiresAt.After(now) || s.GraceExpiresAt.After(now)
}

// UserStatus is the analytics property value for this state.
// It diverges from Tier in exactly one case: a user kept premium by the
// billing grace period is reported as ex_premium while access stays premium.
func (s State) UserStatus(now time.Time) string {
	switch {
	case s.Tier == TierFree:
		return "free"
	case s.Tier == TierExPremium:
		return "ex_premium"
	case s.IsLifetimeMember || s.ExpiresAt.After(now):
		return "premium"
	case s.GraceExpiresAt.After(now):
		return "ex_premium"
	default:
		return "premium"
	}
}

// LineItem is one normalized transaction entry from a validation payload.
// Absent instants are the zero time.
type LineItem struct {
	ProductID   string
	ExpiresAt   time.Time
	PurchasedAt time.Time
	CancelledAt time.Time // presence signals a refund or chargeback
	Lifetime    bool      // derived from the product id naming convention
}

// GraceEntry is a billing grace window reported in pending_renewal_info,
// keyed by the same product id as the receipt entries.
type GraceEntry struct {
	ProductID string
	ExpiresAt time.Time
}
