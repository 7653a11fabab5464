package slam

import (
	"errors"
	"math"
	"testing"
)

func correspondencesFor(cam Camera, pose Pose, world []Point) []Correspondence {
	var corr []Correspondence
	for i, w := range world {
		u, ok := cam.Project(pose, w)
		if ok {
			corr = append(corr, Correspondence{ID: LandmarkID(i), Position: w, U: u})
		}
	}
	return corr
}

func TestEstimatePose(t *testing.T) {
	cam := NewCameraFromFov(640, 90)
	truth := Pose{X: 1, Y: -0.5, Theta: math.Pi / 2}
	world := []Point{{X: -3, Y: 6}, {X: 0, Y: 9}, {X: 2, Y: 5}, {X: 5, Y: 7}, {X: 3, Y: 11}, {X: -1, Y: 4}}
	corr := correspondencesFor(cam, truth, world)
	if len(corr) != len(world) {
		t.Fatalf("only %d landmarks visible", len(corr))
	}

	guess := Pose{X: 1.2, Y: -0.3, Theta: math.Pi/2 + 0.05}
	got, sqrErr, err := EstimatePose(cam, corr, guess, false)
	if err != nil {
		t.Fatalf("EstimatePose: %v", err)
	}
	if math.Abs(got.X-truth.X) > 1e-3 || math.Abs(got.Y-truth.Y) > 1e-3 || math.Abs(NormalizeAngle(got.Theta-truth.Theta)) > 1e-3 {
		t.Errorf("EstimatePose() = %+v, want %+v", got, truth)
	}
	if sqrErr > 1e-2 {
		t.Errorf("mean squared error = %v", sqrErr)
	}
}

func TestEstimatePoseFixedPosition(t *testing.T) {
	cam := NewCameraFromFov(640, 90)
	truth := Pose{X: 0, Y: 0, Theta: 0.4}
	corr := correspondencesFor(cam, truth, []Point{{X: 10, Y: 2}})

	got, _, err := EstimatePose(cam, corr, Pose{Theta: 0.35}, true)
	if err != nil {
		t.Fatalf("EstimatePose: %v", err)
	}
	if got.X != 0 || got.Y != 0 {
		t.Errorf("position moved to (%v, %v)", got.X, got.Y)
	}
	if math.Abs(got.Theta-truth.Theta) > 1e-3 {
		t.Errorf("Theta = %v, want %v", got.Theta, truth.Theta)
	}
}

func TestEstimatePoseNeedsCorrespondences(t *testing.T) {
	cam := NewCameraFromFov(640, 90)
	corr := correspondencesFor(cam, Pose{}, []Point{{X: 5, Y: 1}, {X: 6, Y: -1}})
	if _, _, err := EstimatePose(cam, corr, Pose{}, false); !errors.Is(err, ErrTooFewCorrespondences) {
		t.Errorf("err = %v, want ErrTooFewCorrespondences", err)
	}
	if _, _, err := EstimatePose(cam, nil, Pose{}, true); !errors.Is(err, ErrTooFewCorrespondences) {
		t.Errorf("fixed position err = %v, want ErrTooFewCorrespondences", err)
	}
}

func TestTriangulateLandmark(t *testing.T) {
	cam := NewCameraFromFov(640, 90)
	target := Point{X: 2, Y: 8}
	var obs []RayObservation
	for _, x := range []float64{-2, 0, 1.5, 4} {
		pose := Pose{X: x, Theta: math.Pi / 2}
		u, _ := cam.Project(pose, target)
		obs = append(obs, RayObservation{Pose: pose, U: u})
	}

	got, err := TriangulateLandmark(cam, obs)
	if err != nil {
		t.Fatalf("TriangulateLandmark: %v", err)
	}
	if !pointsEqual(got, target) {
		t.Errorf("TriangulateLandmark() = %v, want %v", got, target)
	}
}

func TestTriangulateLandmarkDegenerate(t *testing.T) {
	cam := NewCameraFromFov(640, 90)
	pose := Pose{Theta: math.Pi / 2}

	if _, err := TriangulateLandmark(cam, []RayObservation{{Pose: pose, U: 320}}); !errors.Is(err, ErrTooFewCorrespondences) {
		t.Errorf("single ray err = %v", err)
	}

	// the same ray twice from one center
	same := []RayObservation{{Pose: pose, U: 300}, {Pose: pose, U: 300}}
	if _, err := TriangulateLandmark(cam, same); !errors.Is(err, ErrDegenerateRays) {
		t.Errorf("parallel rays err = %v, want ErrDegenerateRays", err)
	}

	// rays that only meet behind the cameras
	behind := []RayObservation{
		{Pose: Pose{X: -1, Theta: math.Pi / 2}, U: 20},
		{Pose: Pose{X: 1, Theta: math.Pi / 2}, U: 620},
	}
	if _, err := TriangulateLandmark(cam, behind); !errors.Is(err, ErrDegenerateRays) {
		t.Errorf("diverging rays err = %v, want ErrDegenerateRays", err)
	}
}

func TestPlaceOnRays(t *testing.T) {
	cam := NewCameraFromFov(640, 90)
	target := Point{X: 3, Y: 4}
	var obs []RayObservation
	for _, theta := range []float64{0.5, 0.9, 1.2} {
		pose := Pose{Theta: theta}
		u, _ := cam.Project(pose, target)
		obs = append(obs, RayObservation{Pose: pose, U: u})
	}

	got, err := PlaceOnRays(cam, obs, 5)
	if err != nil {
		t.Fatalf("PlaceOnRays: %v", err)
	}
	if !pointsEqual(got, target) {
		t.Errorf("PlaceOnRays() = %v, want %v", got, target)
	}
	if _, err := PlaceOnRays(cam, nil, 5); !errors.Is(err, ErrTooFewCorrespondences) {
		t.Errorf("empty err = %v", err)
	}
}

func TestProjectionErrors(t *testing.T) {
	cam := Camera{Width: 100, FocalLength: 50}
	db := NewDatabase(3)
	for f := 0; f < 3; f++ {
		_ = db.SetPose(f, Pose{})
	}
	db.InvalidatePose(2)
	db.SetLandmark(1, Point{X: 10})
	_ = db.AddObservation(0, 1, 52) // error 2
	_ = db.AddObservation(1, 1, 46) // error 4
	_ = db.AddObservation(2, 1, 0)  // no pose

	avg, worst, n := ProjectionErrors(db, cam, 1, 0, 2)
	if n != 2 || !almostEqual(avg, 10) || !almostEqual(worst, 16) {
		t.Errorf("ProjectionErrors() = %v, %v, %d; want 10, 16, 2", avg, worst, n)
	}
	if got := MeanSqrError(db, cam, []LandmarkID{1, 99}, 0, 2, errorCap); !almostEqual(got, 10) {
		t.Errorf("MeanSqrError() = %v, want 10", got)
	}
	if got, ok := FrameMeanSqrError(db, cam, 1, errorCap); !ok || !almostEqual(got, 16) {
		t.Errorf("FrameMeanSqrError() = %v, %v; want 16", got, ok)
	}
	if _, ok := FrameMeanSqrError(db, cam, 2, errorCap); ok {
		t.Error("frame without pose reported an error")
	}
}
