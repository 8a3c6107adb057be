package gesture

import "math"

// TimelinePercent converts a timestamp into a display position on a
// timeline one cycle wide, clamped to [0,100].
func TimelinePercent(tsMs, durationMs float64) float64 {
	if !(durationMs > 0) || math.IsNaN(tsMs) {
		return 0
	}
	p := tsMs / durationMs * 100
	return math.Max(0, math.Min(100, p))
}
