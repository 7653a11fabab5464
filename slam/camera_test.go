package slam

import (
	"errors"
	"math"
	"testing"
)

func TestNewCameraFromFov(t *testing.T) {
	cam := NewCameraFromFov(640, 90)
	if !almostEqual(cam.FocalLength, 320) {
		t.Errorf("FocalLength = %v, want 320", cam.FocalLength)
	}
	if !almostEqual(cam.FovX(), 90) {
		t.Errorf("FovX() = %v, want 90", cam.FovX())
	}
}

func TestCameraFromConfig(t *testing.T) {
	tests := []struct {
		name    string
		cfg     CameraConfig
		focal   float64
		wantErr bool
	}{
		{"focal length", CameraConfig{Width: 640, FocalLength: 500}, 500, false},
		{"field of view", CameraConfig{Width: 640, FovX: 90}, 320, false},
		{"focal length wins", CameraConfig{Width: 640, FocalLength: 400, FovX: 90}, 400, false},
		{"no width", CameraConfig{FocalLength: 500}, 0, true},
		{"no focal length", CameraConfig{Width: 640}, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cam, err := CameraFromConfig(tt.cfg)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidCamera) {
					t.Fatalf("err = %v, want ErrInvalidCamera", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("CameraFromConfig: %v", err)
			}
			if !almostEqual(cam.FocalLength, tt.focal) {
				t.Errorf("FocalLength = %v, want %v", cam.FocalLength, tt.focal)
			}
		})
	}
}

func TestHasPlausibleFov(t *testing.T) {
	tests := []struct {
		fov  float64
		want bool
	}{
		{10, false},
		{20.5, true},
		{90, true},
		{139, true},
		{150, false},
	}
	for _, tt := range tests {
		if got := NewCameraFromFov(640, tt.fov).HasPlausibleFov(); got != tt.want {
			t.Errorf("fov %v: HasPlausibleFov() = %v, want %v", tt.fov, got, tt.want)
		}
	}
}

func TestProjectAndRayAgree(t *testing.T) {
	cam := NewCameraFromFov(640, 70)
	pose := Pose{X: 2, Y: -1, Theta: 0.7}
	world := []Point{{X: 8, Y: 5}, {X: 6, Y: 1}, {X: 3, Y: 6}}

	for _, w := range world {
		u, ok := cam.Project(pose, w)
		if !ok {
			t.Fatalf("%v not in front of the camera", w)
		}
		ray := cam.Ray(pose, u)
		dx, dy := w.X-pose.X, w.Y-pose.Y
		d := math.Hypot(dx, dy)
		if !almostEqual(ray.X, dx/d) || !almostEqual(ray.Y, dy/d) {
			t.Errorf("Ray(%v) = %v, want direction to %v", u, ray, w)
		}
	}
}

func TestProjectConventions(t *testing.T) {
	cam := Camera{Width: 100, FocalLength: 50}
	pose := Pose{}

	if u, _ := cam.Project(pose, Point{X: 10}); !almostEqual(u, 50) {
		t.Errorf("optical axis projects to %v, want principal point 50", u)
	}
	if u, _ := cam.Project(pose, Point{X: 10, Y: 1}); !(u < 50) {
		t.Errorf("point to the left projects to %v, want u < 50", u)
	}
	if _, ok := cam.Project(pose, Point{X: -1}); ok {
		t.Error("point behind the camera projected")
	}
	if cam.IsInside(100) || !cam.IsInside(0) {
		t.Error("IsInside must accept [0, width)")
	}
}
