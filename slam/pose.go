package slam

import (
	"errors"
	"fmt"
	"math"
)

// PoseDimensions is the length of the point a pose converts to.
const PoseDimensions = 4

// ErrInvalidPosePoint is returned when a point cannot be converted back to a pose.
var ErrInvalidPosePoint = errors.New("point is not a pose")

// Pose places a camera in the plane: position and heading in radians.
type Pose struct {
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	Theta float64 `json:"theta"`
}

// Position returns the camera center.
func (p Pose) Position() Point { return Point{X: p.X, Y: p.Y} }

// Transform returns the camera-to-world transform.
func (p Pose) Transform() AffineMatrix {
	m := Rotation(p.Theta)
	m.Tx, m.Ty = p.X, p.Y
	return m
}

// ToWorld maps a camera point into world coordinates.
func (p Pose) ToWorld(local Point) Point {
	return TransformPoint(local, p.Transform())
}

// ToLocal maps a world point into camera coordinates.
func (p Pose) ToLocal(world Point) Point {
	dx, dy := world.X-p.X, world.Y-p.Y
	cos, sin := math.Cos(p.Theta), math.Sin(p.Theta)
	return Point{X: cos*dx + sin*dy, Y: -sin*dx + cos*dy}
}

// PoseFromTransform extracts a pose from a rigid transform.
func PoseFromTransform(m AffineMatrix) Pose {
	return Pose{X: m.Tx, Y: m.Ty, Theta: RotationAngle(m)}
}

// PoseToPoint converts a pose into a diversity point. The heading is stored
// as its cosine and sine so that headings near +-pi stay close together.
func PoseToPoint(p Pose) []float64 {
	return []float64{p.X, p.Y, math.Cos(p.Theta), math.Sin(p.Theta)}
}

// PointToPose converts a point produced by PoseToPoint back into a pose.
func PointToPose(v []float64) (Pose, error) {
	if len(v) != PoseDimensions {
		return Pose{}, fmt.Errorf("%d components, want %d: %w", len(v), PoseDimensions, ErrInvalidPosePoint)
	}
	for i, c := range v {
		if math.IsNaN(c) || math.IsInf(c, 0) {
			return Pose{}, fmt.Errorf("component %d is %v: %w", i, c, ErrInvalidPosePoint)
		}
	}
	if math.Hypot(v[2], v[3]) < 1e-9 {
		return Pose{}, fmt.Errorf("heading has no direction: %w", ErrInvalidPosePoint)
	}
	return Pose{X: v[0], Y: v[1], Theta: math.Atan2(v[3], v[2])}, nil
}
