// Package mathx holds small numeric helpers shared by the instrument drivers.
package mathx

import "math"

// Round rounds a float to the nearest "unit" (0.1 for tenth, 0.01 for hundredth, and so on).
// Halves round away from zero, so -0.005 with unit 0.01 is -0.01.
func Round(x, unit float64) float64 {
	if inv := 1 / unit; inv == math.Trunc(inv) {
		// dividing by an exact integer lands on the nearest decimal
		return math.Round(x*inv) / inv
	}
	return math.Round(x/unit) * unit
}

// Close reports whether a and b differ by no more than tol.
// A small epsilon absorbs binary representation error of decimal voltages.
func Close(a, b, tol float64) bool {
	return math.Abs(a-b) <= tol+1e-9
}
