// Package daycycle maps the hour of day onto the outdoor light modifier.
package daycycle

import "math"

const HoursPerDay = 24

// Breakpoints of the outdoor modifier curve.
const (
	SmallHoursEnd = 3  // [0,3): ramp down from 2
	DawnStart     = 7  // [7,13): ramp up 1..6
	PeakStart     = 13 // [13,19]: plateau
	PeakEnd       = 19
	PeakModifier  = 7

	// NightModifier is the highest modifier still rendered with the night ladder.
	NightModifier = 2
)

// Hour returns the integer hour of a fractional hour, wrapped into [0,24).
func Hour(v float64) int {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	h := int(math.Floor(v)) % HoursPerDay
	if h < 0 {
		h += HoursPerDay
	}
	return h
}

// OutsideModifier is the outdoor brightness of an unobstructed tile.
func OutsideModifier(hour int) int {
	h := hour % HoursPerDay
	if h < 0 {
		h += HoursPerDay
	}
	switch {
	case h < SmallHoursEnd:
		return 2 - (2*h+2)/3
	case h < DawnStart:
		return 0
	case h < PeakStart:
		return h - (DawnStart - 1)
	case h <= PeakEnd:
		return PeakModifier
	default:
		return PeakModifier - (h - PeakEnd)
	}
}

func IsNight(hour int) bool { return OutsideModifier(hour) <= NightModifier }

// Advance is the forward distance in whole hours from one hour to another,
// in [0,24). Going backwards counts as almost a full day.
func Advance(from, to int) int {
	d := (to - from) % HoursPerDay
	if d < 0 {
		d += HoursPerDay
	}
	return d
}

// InWindow reports whether hour lies in the inclusive window [start, end];
// windows may wrap past midnight.
func InWindow(hour, start, end int) bool {
	if start <= end {
		return hour >= start && hour <= end
	}
	return hour >= start || hour <= end
}
