package slam

import (
	"math"
	"testing"
)

func bootstrappedScene(rotational bool) *Scene {
	scene := GenerateScene(SceneConfig{Frames: 40, Landmarks: 150, Seed: 3, Rotational: rotational})
	scene.Bootstrap(0, 39, nil)
	return scene
}

func TestDetermineCameraMotion(t *testing.T) {
	th := DefaultMotionThresholds()

	translating := bootstrappedScene(false)
	m := DetermineCameraMotion(translating.DB, translating.Camera, 0, 39, th)
	if !m.IsTranslational() || m.IsRotational() {
		t.Errorf("translating camera classified as %s", m)
	}

	rotating := bootstrappedScene(true)
	m = DetermineCameraMotion(rotating.DB, rotating.Camera, 0, 39, th)
	if m.IsTranslational() || m&MotionRotationalSignificant != MotionRotationalSignificant {
		t.Errorf("rotating camera classified as %s", m)
	}

	if got := DetermineCameraMotion(translating.DB, translating.Camera, 5, 5, th); got != MotionStatic {
		t.Errorf("single frame classified as %s, want Static", got)
	}
	empty := GenerateScene(SceneConfig{Frames: 5, Landmarks: 10, Seed: 1})
	if got := DetermineCameraMotion(empty.DB, empty.Camera, 0, 4, th); got != MotionInvalid {
		t.Errorf("range without poses classified as %s, want Invalid", got)
	}
}

func TestCameraMotionString(t *testing.T) {
	tests := []struct {
		m    CameraMotion
		want string
	}{
		{MotionInvalid, "Invalid"},
		{MotionStatic, "Static"},
		{MotionUnknown, "Unknown"},
		{MotionRotationalModerate, "Rotational motion (moderate)"},
		{MotionTranslationalSignificant | MotionRotationalTiny, "Translational motion (significant) and Rotational motion (tiny)"},
	}
	for _, tt := range tests {
		if got := tt.m.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
	if MotionUnknown.IsTranslational() || MotionUnknown.IsRotational() {
		t.Error("Unknown motion must be neither rotational nor translational")
	}
}

func TestLandmarkAccuracy(t *testing.T) {
	cam := NewCameraFromFov(640, 90)
	db := NewDatabase(3)
	target := Point{X: 0, Y: 10}
	for f, x := range []float64{-5, 5, 0} {
		pose := Pose{X: x, Theta: math.Pi / 2}
		_ = db.SetPose(f, pose)
		u, _ := cam.Project(pose, target)
		_ = db.AddObservation(f, 1, u)
	}
	db.SetLandmark(1, target)

	// rays from x=-5 and x=5 deviate by atan(5/10) from the mean direction
	c, ok := LandmarkAccuracy(db, cam, 1, 0, 1)
	if !ok || math.Abs(c-10/math.Sqrt(125)) > 1e-9 {
		t.Errorf("LandmarkAccuracy() = %v, %v; want %v", c, ok, 10/math.Sqrt(125))
	}

	if _, ok := LandmarkAccuracy(db, cam, 1, 2, 2); ok {
		t.Error("a single ray must not yield an accuracy")
	}
}
