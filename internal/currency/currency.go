// Package currency converts base-currency amounts into a tender currency
// with cash-friendly rounding. The till offers the customer the floor of
// the rounded amount; the difference is surfaced as savings.
package currency

import (
	"math"

	"tillbridge/backend/internal/domain"
)

const (
	ModeNearest = "nearest"
	ModeUp      = "up"
	ModeDown    = "down"
)

// granules holds the smallest cash denomination the till actually hands
// out per currency. Anything unlisted rounds to hundredths.
var granules = map[string]float64{
	"EUR": 0.05,
	"CHF": 0.05,
	"HUF": 5,
}

func granule(currency string) float64 {
	if g, ok := granules[currency]; ok {
		return g
	}
	return 0.01
}

// Convert computes amount×rate in the target currency and snaps it to the
// target's cash granule in both directions. Rounded is the ceiling for
// ModeNearest and ModeUp so the charged amount never undercuts the actual
// value; ModeDown charges the floor and forfeits the difference.
func Convert(amount float64, rate float64, mode string, target string) domain.ConversionResult {
	actual := amount * rate
	g := granule(target)

	roundedDown := snap(math.Floor(actual/g) * g)
	roundedUp := snap(math.Ceil(actual/g) * g)

	rounded := roundedUp
	if mode == ModeDown {
		rounded = roundedDown
	}

	return domain.ConversionResult{
		Actual:      snap(actual),
		Rounded:     rounded,
		RoundedDown: roundedDown,
		Rate:        rate,
		Savings:     snap(rounded - roundedDown),
		Currency:    target,
	}
}

// EffectiveRate locks in the per-sale rate implied by a chosen rounded
// target amount. Every conversion inside that sale reuses it so payments
// and change stay internally consistent.
func EffectiveRate(chosenTarget float64, baseTotal float64) float64 {
	if baseTotal == 0 {
		return 0
	}
	return chosenTarget / baseTotal
}

// snap clears float drift down to a tenth of a cent.
func snap(v float64) float64 {
	return math.Round(v*1000) / 1000
}
