package slam

import (
	"errors"
	"fmt"
	"math"
)

// Plausible horizontal field of view range of a line camera, in degrees.
const (
	MinPlausibleFovX = 20.0
	MaxPlausibleFovX = 140.0
)

// minDepth is the smallest forward distance a visible point may have.
const minDepth = 1e-6

// ErrInvalidCamera is returned for cameras without a usable width or focal length.
var ErrInvalidCamera = errors.New("invalid camera")

// Camera is a one-dimensional pinhole camera. It looks along the local +X
// axis of its pose; image coordinates grow from left to right.
type Camera struct {
	Width       int     `json:"width"`
	FocalLength float64 `json:"focalLength"`
}

// NewCameraFromFov creates a camera with the given horizontal field of view in degrees.
func NewCameraFromFov(width int, fovXDeg float64) Camera {
	half := fovXDeg * math.Pi / 360
	return Camera{Width: width, FocalLength: float64(width) / 2 / math.Tan(half)}
}

// CameraFromConfig builds the configured camera.
func CameraFromConfig(cfg CameraConfig) (Camera, error) {
	cam := Camera{Width: cfg.Width, FocalLength: cfg.FocalLength}
	if cam.FocalLength == 0 && cfg.FovX > 0 {
		cam = NewCameraFromFov(cfg.Width, cfg.FovX)
	}
	return cam, cam.Validate()
}

// Validate checks that the camera can project points.
func (c Camera) Validate() error {
	if c.Width <= 0 {
		return fmt.Errorf("width %d: %w", c.Width, ErrInvalidCamera)
	}
	if !(c.FocalLength > 0) || math.IsInf(c.FocalLength, 0) {
		return fmt.Errorf("focal length %v: %w", c.FocalLength, ErrInvalidCamera)
	}
	return nil
}

// PrincipalPoint returns the image coordinate of the optical axis.
func (c Camera) PrincipalPoint() float64 { return float64(c.Width) / 2 }

// FovX returns the horizontal field of view in degrees.
func (c Camera) FovX() float64 {
	return 2 * math.Atan(float64(c.Width)/2/c.FocalLength) * 180 / math.Pi
}

// HasPlausibleFov reports whether the field of view lies in the accepted range.
func (c Camera) HasPlausibleFov() bool {
	fov := c.FovX()
	return fov >= MinPlausibleFovX && fov <= MaxPlausibleFovX
}

// IsInside reports whether u lies on the image line.
func (c Camera) IsInside(u float64) bool {
	return u >= 0 && u < float64(c.Width)
}

// ProjectLocal projects a point given in camera coordinates. The boolean is
// false for points behind the camera.
func (c Camera) ProjectLocal(local Point) (float64, bool) {
	if local.X <= minDepth {
		return 0, false
	}
	return c.PrincipalPoint() - c.FocalLength*local.Y/local.X, true
}

// Project projects a world point through a camera at pose.
func (c Camera) Project(pose Pose, world Point) (float64, bool) {
	return c.ProjectLocal(pose.ToLocal(world))
}

// Bearing returns the angle of the ray through u, relative to the optical
// axis, positive to the left.
func (c Camera) Bearing(u float64) float64 {
	return math.Atan2(c.PrincipalPoint()-u, c.FocalLength)
}

// Ray returns the unit viewing direction through u in world coordinates.
func (c Camera) Ray(pose Pose, u float64) Point {
	angle := pose.Theta + c.Bearing(u)
	return Point{X: math.Cos(angle), Y: math.Sin(angle)}
}

// WithFocalLength returns a copy of the camera using f.
func (c Camera) WithFocalLength(f float64) Camera {
	c.FocalLength = f
	return c
}
