package slam

import (
	"fmt"
	"math"
	"sort"
	"strings"
)

// CameraMotion classifies how a camera moved over a range of frames.
// Rotational and translational levels are bit flags and may be combined.
type CameraMotion uint32

const (
	MotionInvalid       CameraMotion = 0
	MotionStatic        CameraMotion = 1 << 0
	MotionRotational    CameraMotion = 1 << 1
	MotionTranslational CameraMotion = 1 << 2

	MotionRotationalTiny           = MotionRotational | 1<<3
	MotionRotationalModerate       = MotionRotational | 1<<4
	MotionRotationalSignificant    = MotionRotational | 1<<5
	MotionTranslationalTiny        = MotionTranslational | 1<<6
	MotionTranslationalModerate    = MotionTranslational | 1<<7
	MotionTranslationalSignificant = MotionTranslational | 1<<8

	MotionUnknown = MotionRotational | MotionTranslational | 1<<9
)

// IsTranslational reports whether any translational level is set.
func (m CameraMotion) IsTranslational() bool {
	return m != MotionUnknown && m&MotionTranslational != 0
}

// IsRotational reports whether any rotational level is set.
func (m CameraMotion) IsRotational() bool {
	return m != MotionUnknown && m&MotionRotational != 0
}

func (m CameraMotion) String() string {
	switch m {
	case MotionInvalid:
		return "Invalid"
	case MotionUnknown:
		return "Unknown"
	case MotionStatic:
		return "Static"
	}

	var parts []string
	if m&MotionTranslational != 0 {
		parts = append(parts, "Translational motion"+levelName(m, MotionTranslationalTiny, MotionTranslationalModerate, MotionTranslationalSignificant))
	}
	if m&MotionRotational != 0 {
		parts = append(parts, "Rotational motion"+levelName(m, MotionRotationalTiny, MotionRotationalModerate, MotionRotationalSignificant))
	}
	return strings.Join(parts, " and ")
}

// MarshalText encodes the motion by its description.
func (m CameraMotion) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

// UnmarshalText decodes the description written by MarshalText.
func (m *CameraMotion) UnmarshalText(text []byte) error {
	s := string(text)
	switch s {
	case "Invalid":
		*m = MotionInvalid
		return nil
	case "Unknown":
		*m = MotionUnknown
		return nil
	case "Static":
		*m = MotionStatic
		return nil
	}

	var out CameraMotion
	for _, part := range strings.Split(s, " and ") {
		kind, level, _ := strings.Cut(part, " motion")
		var base, tiny, moderate, significant CameraMotion
		switch kind {
		case "Translational":
			base, tiny, moderate, significant = MotionTranslational, MotionTranslationalTiny, MotionTranslationalModerate, MotionTranslationalSignificant
		case "Rotational":
			base, tiny, moderate, significant = MotionRotational, MotionRotationalTiny, MotionRotationalModerate, MotionRotationalSignificant
		default:
			return fmt.Errorf("unknown camera motion %q", s)
		}
		switch level {
		case "":
			out |= base
		case " (tiny)":
			out |= tiny
		case " (moderate)":
			out |= moderate
		case " (significant)":
			out |= significant
		default:
			return fmt.Errorf("unknown camera motion %q", s)
		}
	}
	*m = out
	return nil
}

func levelName(m, tiny, moderate, significant CameraMotion) string {
	switch {
	case m&tiny == tiny:
		return " (tiny)"
	case m&moderate == moderate:
		return " (moderate)"
	case m&significant == significant:
		return " (significant)"
	}
	return ""
}

// MotionThresholds are the minimal angles, in degrees, for each motion level.
type MotionThresholds struct {
	TranslationTiny        float64 `yaml:"translationTiny" json:"translationTiny"`
	TranslationModerate    float64 `yaml:"translationModerate" json:"translationModerate"`
	TranslationSignificant float64 `yaml:"translationSignificant" json:"translationSignificant"`
	RotationTiny           float64 `yaml:"rotationTiny" json:"rotationTiny"`
	RotationModerate       float64 `yaml:"rotationModerate" json:"rotationModerate"`
	RotationSignificant    float64 `yaml:"rotationSignificant" json:"rotationSignificant"`
}

// DefaultMotionThresholds returns 0.15/1/5 degrees of observation angle for
// translation and 0.25/5/10 degrees of heading spread for rotation.
func DefaultMotionThresholds() MotionThresholds {
	return MotionThresholds{
		TranslationTiny:        0.15,
		TranslationModerate:    1,
		TranslationSignificant: 5,
		RotationTiny:           0.25,
		RotationModerate:       5,
		RotationSignificant:    10,
	}
}

// DetermineCameraMotion classifies the motion within [lower, upper].
//
// The translational level comes from the observation angles of the visible
// landmarks: the 5% percentile (most conservative after outliers) of the
// per-landmark accuracy. The rotational level comes from the median deviation
// of the headings from their mean heading. A single frame, or a range without
// landmarks, is static.
func DetermineCameraMotion(db *Database, cam Camera, lower, upper int, th MotionThresholds) CameraMotion {
	if lower == upper {
		return MotionStatic
	}
	if db.ValidPoseCount(lower, upper) == 0 {
		return MotionInvalid
	}

	ids := db.LandmarkIDs(true)
	var accuracies []float64
	for _, id := range ids {
		if c, ok := LandmarkAccuracy(db, cam, id, lower, upper); ok {
			accuracies = append(accuracies, c)
		}
	}
	if len(accuracies) == 0 {
		return MotionStatic
	}
	sort.Float64s(accuracies)
	translationAngle := rad2deg(math.Acos(clampCos(accuracies[len(accuracies)*5/100])))

	rotationAngle := rad2deg(math.Acos(clampCos(headingMedianCosine(db, lower, upper))))

	motion := MotionInvalid
	switch {
	case translationAngle >= th.TranslationSignificant:
		motion |= MotionTranslationalSignificant
	case translationAngle >= th.TranslationModerate:
		motion |= MotionTranslationalModerate
	case translationAngle >= th.TranslationTiny:
		motion |= MotionTranslationalTiny
	}
	switch {
	case rotationAngle >= th.RotationSignificant:
		motion |= MotionRotationalSignificant
	case rotationAngle >= th.RotationModerate:
		motion |= MotionRotationalModerate
	case rotationAngle >= th.RotationTiny:
		motion |= MotionRotationalTiny
	}
	if motion == MotionInvalid {
		motion = MotionStatic
	}
	return motion
}

// LandmarkAccuracy returns the median cosine between the viewing rays of a
// landmark and their mean direction, over frames with valid poses within
// [lower, upper]. Smaller values mean wider observation angles and thus a
// better constrained position. The boolean is false with fewer than two rays.
func LandmarkAccuracy(db *Database, cam Camera, id LandmarkID, lower, upper int) (float64, bool) {
	var rays []Point
	var mean Point
	for _, o := range db.Observations(id, lower, upper) {
		pose, ok := db.Pose(o.Frame)
		if !ok {
			continue
		}
		r := cam.Ray(pose, o.U)
		rays = append(rays, r)
		mean.X += r.X
		mean.Y += r.Y
	}
	if len(rays) < 2 {
		return 0, false
	}
	norm := math.Hypot(mean.X, mean.Y)
	if norm < 1e-12 {
		return 0, true
	}
	cosines := make([]float64, len(rays))
	for i, r := range rays {
		cosines[i] = math.Abs(r.X*mean.X+r.Y*mean.Y) / norm
	}
	return median(cosines), true
}

// headingMedianCosine returns the median cosine between each valid heading
// in [lower, upper] and the mean heading.
func headingMedianCosine(db *Database, lower, upper int) float64 {
	var headings []float64
	var mx, my float64
	for f := lower; f <= upper; f++ {
		if p, ok := db.Pose(f); ok {
			headings = append(headings, p.Theta)
			mx += math.Cos(p.Theta)
			my += math.Sin(p.Theta)
		}
	}
	if len(headings) == 0 {
		return 1
	}
	meanHeading := math.Atan2(my, mx)
	cosines := make([]float64, len(headings))
	for i, h := range headings {
		cosines[i] = math.Cos(h - meanHeading)
	}
	return median(cosines)
}

// median returns the upper median; values is reordered.
func median(values []float64) float64 {
	sort.Float64s(values)
	return values[len(values)/2]
}

func clampCos(c float64) float64 { return math.Max(-1, math.Min(1, c)) }

func rad2deg(r float64) float64 { return r * 180 / math.Pi }

func deg2rad(d float64) float64 { return d * math.Pi / 180 }
