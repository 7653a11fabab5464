package slam

import "math"

// RelativeThreshold derives an absolute threshold from a reference value:
// the value scaled by Factor, clamped to [Lower, Upper], and never above the
// value itself.
type RelativeThreshold struct {
	Lower  int     `yaml:"lower" json:"lower"`
	Factor float64 `yaml:"factor" json:"factor"`
	Upper  int     `yaml:"upper" json:"upper"`
}

// DefaultCorrespondenceThreshold requires half of the best frame's
// correspondences, at least 10 and at most 25.
func DefaultCorrespondenceThreshold() RelativeThreshold {
	return RelativeThreshold{Lower: 10, Factor: 0.5, Upper: 25}
}

// Threshold returns the threshold for value.
func (t RelativeThreshold) Threshold(value int) int {
	scaled := int(math.Round(float64(value) * t.Factor))
	scaled = max(t.Lower, min(scaled, t.Upper))
	return min(scaled, value)
}

// HasValidThreshold reports whether value reaches the lower bound, i.e. the
// threshold can be met at all.
func (t RelativeThreshold) HasValidThreshold(value int) bool {
	return value >= t.Lower
}
