package clock

import "time"

// Clock is the time source used everywhere entitlement dates are compared.
// Abstracted so the resolver and store can be tested at a fixed instant.
type Clock interface {
	Now() time.Time
}

// System returns a Clock backed by time.Now.
func System() Clock {
	return systemClock{}
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Fixed returns a Clock frozen at t.
func Fixed(t time.Time) Clock {
	return fixedClock{t}
}

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }
