package vm

import "math"

var infinity = math.Inf(1)

// divergenceMagnitude scores how far the shadow result strayed from
// the primary result. Equal values score 0, numeric values score a
// relative difference clamped to 1, and any other mismatch scores 1.
func divergenceMagnitude(primary, shadow Value) float64 {
	if ValuesEqual(primary, shadow) {
		return 0
	}
	if isNumeric(primary) && isNumeric(shadow) {
		p := toFloat(primary)
		s := toFloat(shadow)
		scale := math.Max(1, math.Max(math.Abs(p), math.Abs(s)))
		return math.Min(1, math.Abs(p-s)/scale)
	}
	return 1
}
