// Package products describes the purchasable catalog at the commerce
// platform boundary. The platform owns pricing and localization; this layer
// only needs ids, plan-type labels and the lifetime naming convention.
package products

import "strings"

// LifetimeMarker identifies one-time non-expiring products by naming
// convention. There is no protocol-level flag for this.
const LifetimeMarker = "lifetime"

// IsLifetime reports whether a product id denotes a lifetime purchase.
func IsLifetime(productID string) bool {
	return strings.Contains(productID, LifetimeMarker)
}

// PlanType is the human label persisted and reported for a subscription
// period, e.g. "yearly".
type PlanType string

const (
	PlanDaily     PlanType = "daily"
	PlanWeekly    PlanType = "weekly"
	PlanMonthly   PlanType = "monthly"
	PlanQuarterly PlanType = "quarterly"
	PlanYearly    PlanType = "yearly"
	PlanLifetime  PlanType = "lifetime"
)

// Period is a subscription period as the platform models it: a number of
// calendar units.
type Period struct {
	Unit  PeriodUnit
	Count int
}

type PeriodUnit byte

const (
	UnitDay PeriodUnit = iota
	UnitWeek
	UnitMonth
	UnitYear
)

// PlanType maps a period to its reporting label. Three months count as
// quarterly, everything unknown as lifetime, matching the labels the
// reporting pipeline has always received.
func (p Period) PlanType() PlanType {
	switch p.Unit {
	case UnitDay:
		return PlanDaily
	case UnitWeek:
		return PlanWeekly
	case UnitMonth:
		if p.Count == 3 {
			return PlanQuarterly
		}
		return PlanMonthly
	case UnitYear:
		return PlanYearly
	default:
		return PlanLifetime
	}
}

// Product is one catalog entry.
type Product struct {
	ID       string
	Title    string
	Price    float64
	Currency string
	Period   Period
	// FreeTrial marks an introductory free-trial offer on the product.
	FreeTrial bool
}

// PlanType returns the reporting label for the product.
func (p Product) PlanType() PlanType {
	if IsLifetime(p.ID) {
		return PlanLifetime
	}
	return p.Period.PlanType()
}

// Catalog resolves product ids to catalog entries. The platform's product
// request machinery sits behind this interface; lookups may legitimately
// miss while the catalog is still loading.
type Catalog interface {
	Product(productID string) (Product, bool)
}

// Static is a fixed in-memory catalog.
type Static map[string]Product

func (s Static) Product(productID string) (Product, bool) {
	p, ok := s[productID]
	return p, ok
}

// NewStatic builds a Static catalog from entries, keyed by id.
func NewStatic(prods ...Product) Static {
	s := make(Static, len(prods))
	for _, p := range prods {
		s[p.ID] = p
	}
	return s
}
