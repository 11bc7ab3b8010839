// Package decimalutil provides venue-agnostic quantization helpers for
// step_size/tick_size/min_qty arithmetic (spec §4.1 step 2, §8 boundary
// behaviors). All trading math elsewhere uses shopspring/decimal directly;
// this package only centralizes the rounding rules that are easy to get
// subtly wrong.
package decimalutil

import "github.com/shopspring/decimal"

// QuantizeDown rounds qty down to the nearest multiple of step, never zero
// unless qty < step.
func QuantizeDown(qty, step decimal.Decimal) decimal.Decimal {
	if step.IsZero() {
		return qty
	}
	units := qty.Div(step).Floor()
	return units.Mul(step)
}

// QuantizeToTick rounds price to the nearest multiple of tick.
func QuantizeToTick(price, tick decimal.Decimal, side SideRounding) decimal.Decimal {
	if tick.IsZero() {
		return price
	}
	units := price.Div(tick)
	switch side {
	case RoundUp:
		units = units.Ceil()
	case RoundDown:
		units = units.Floor()
	default:
		units = units.Round(0)
	}
	return units.Mul(tick)
}

// SideRounding selects the tick-rounding direction for price quantization.
type SideRounding int

const (
	RoundNearest SideRounding = iota
	RoundUp
	RoundDown
)

// MeetsMinQty reports whether qty satisfies minQty directly, or via a bump
// to minQty that is at most maxBumpMultiple times qty (spec §4.1 step 2, §8).
func MeetsMinQty(qty, minQty, stepSize decimal.Decimal, maxBumpMultiple decimal.Decimal) (decimal.Decimal, bool) {
	if qty.GreaterThanOrEqual(minQty) {
		return qty, true
	}
	if maxBumpMultiple.LessThanOrEqual(decimal.NewFromInt(1)) {
		return qty, false
	}
	bumped := QuantizeDown(minQty, stepSize)
	if bumped.LessThan(minQty) {
		bumped = bumped.Add(stepSize)
	}
	cap := qty.Mul(maxBumpMultiple)
	if qty.IsZero() || bumped.GreaterThan(cap) {
		return qty, false
	}
	return bumped, true
}

// NotionalTolerance reports whether a and b differ by no more than tolPct of
// reference, the delta-balance check used for leg1/leg2 filled_qty parity
// (spec §3, §8).
func NotionalTolerance(a, b, reference, tolPct decimal.Decimal) bool {
	diff := a.Sub(b).Abs()
	allowed := reference.Mul(tolPct)
	return diff.LessThanOrEqual(allowed)
}

// ClampFundingRate clamps an hourly funding rate to a venue's documented
// absolute cap (spec §6 External Interfaces).
func ClampFundingRate(rateHourly, rateCap decimal.Decimal) decimal.Decimal {
	if rateHourly.GreaterThan(rateCap) {
		return rateCap
	}
	neg := rateCap.Neg()
	if rateHourly.LessThan(neg) {
		return neg
	}
	return rateHourly
}

// NormalizeToHourly divides a raw funding rate by the venue's funding
// interval in hours, yielding a strictly hourly rate (spec §6).
func NormalizeToHourly(rawRate, intervalHours decimal.Decimal) decimal.Decimal {
	if intervalHours.IsZero() {
		return rawRate
	}
	return rawRate.Div(intervalHours)
}
