// Package units provides shared conversions between scan geometry and the
// TCSPC hardware macrotime clock.
//
// The SPC boards report a macrotime resolution in units of 0.1 ns. Scan
// timing is configured in pixels at a given pixel rate, so line intervals and
// line delays have to be converted to macrotime ticks before they can be
// compared against event timestamps.
package units

import "math"

// TenthNsPerSecond is the number of 0.1 ns macrotime units in one second.
const TenthNsPerSecond = 1e10

// PixelsToMacrotime converts a duration expressed in pixels at the given
// pixel rate into macrotime ticks of the given resolution (0.1 ns units).
// The value is rounded to the nearest tick. Fractional pixel values are
// allowed; negative values (used for line delays) convert symmetrically.
func PixelsToMacrotime(pixels float64, pixelRateHz float64, unitsTenthNs uint32) int64 {
	if pixelRateHz <= 0 || unitsTenthNs == 0 {
		return 0
	}
	return int64(math.Round(TenthNsPerSecond * pixels / pixelRateHz / float64(unitsTenthNs)))
}

// MacrotimeToSeconds converts a macrotime timestamp of the given resolution
// (0.1 ns units) to seconds.
func MacrotimeToSeconds(ticks uint64, unitsTenthNs uint32) float64 {
	return float64(ticks) * float64(unitsTenthNs) / TenthNsPerSecond
}

// SecondsToMacrotime converts seconds to macrotime ticks of the given
// resolution, rounded to the nearest tick.
func SecondsToMacrotime(seconds float64, unitsTenthNs uint32) int64 {
	if unitsTenthNs == 0 {
		return 0
	}
	return int64(math.Round(seconds * TenthNsPerSecond / float64(unitsTenthNs)))
}
