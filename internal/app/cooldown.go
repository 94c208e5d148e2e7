package app

import (
	"math"
	"time"
)

// CooldownPolicy decides how long the n-th block of an identity lasts.
//
// The n-th offense lasts Base * Factor^(n-1), capped at Max. Once the
// offense number reaches PermanentAfter (when positive) blocks never
// expire. A zero Base makes every block permanent.
type CooldownPolicy struct {
	Base           time.Duration
	Factor         float64
	Max            time.Duration
	PermanentAfter int
}

func DefaultCooldownPolicy() CooldownPolicy {
	return CooldownPolicy{
		Base:   24 * time.Hour,
		Factor: 2.0,
		Max:    720 * time.Hour,
	}
}

// Duration returns the cooldown for offense number offense (1-based) and
// whether the block is permanent.
func (p CooldownPolicy) Duration(offense int) (time.Duration, bool) {
	if p.Base <= 0 {
		return 0, true
	}
	if p.PermanentAfter > 0 && offense >= p.PermanentAfter {
		return 0, true
	}
	if offense < 1 {
		offense = 1
	}

	factor := p.Factor
	if factor < 1 {
		factor = 1
	}
	d := float64(p.Base) * math.Pow(factor, float64(offense-1))
	if p.Max > 0 && d > float64(p.Max) {
		return p.Max, false
	}
	if d > float64(math.MaxInt64) {
		return time.Duration(math.MaxInt64), false
	}
	return time.Duration(d), false
}
