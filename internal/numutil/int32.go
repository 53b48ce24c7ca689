package numutil

import "math"

// ClampIntToInt32 converts n to int32, clamping to the int32 range. The SDK
// expresses limits and scan segments as int32 while callers pass int.
func ClampIntToInt32(n int) int32 {
	if n > math.MaxInt32 {
		return math.MaxInt32
	}
	if n < math.MinInt32 {
		return math.MinInt32
	}
	return int32(n)
}
