package slam

import (
	"math"
	"testing"
)

func evenLandmarks(id LandmarkID) bool { return id%2 == 0 }

func testPoseOptions() PoseUpdateOptions {
	return PoseUpdateOptions{MinCorrespondences: 6, MaxSqrError: 5.5 * 5.5, MinInlierRatio: 0.7}
}

func testLandmarkOptions() LandmarkOptions {
	return LandmarkOptions{MaxAverageSqrError: 3.5 * 3.5, MaxWorstSqrError: 5.5 * 5.5, RotationalDepth: 10}
}

func assertPosesNear(t *testing.T, scene *Scene, tol float64) {
	t.Helper()
	for f, truth := range scene.Poses {
		got, ok := scene.DB.Pose(f)
		if !ok {
			continue
		}
		if math.Abs(got.X-truth.X) > tol || math.Abs(got.Y-truth.Y) > tol || math.Abs(NormalizeAngle(got.Theta-truth.Theta)) > tol {
			t.Errorf("frame %d: pose %+v, want %+v", f, got, truth)
		}
	}
}

func TestUpdatePosesClosesGaps(t *testing.T) {
	scene := GenerateScene(SceneConfig{Frames: 40, Landmarks: 150, Seed: 5})
	scene.Bootstrap(0, 39, evenLandmarks)
	for f := 0; f < 40; f++ {
		if f < 12 || f > 27 {
			scene.DB.InvalidatePose(f)
		}
	}

	valid := UpdatePoses(scene.DB, scene.Camera, MotionTranslationalSignificant, 0, 39, testPoseOptions())
	if valid <= 16 {
		t.Fatalf("%d valid poses after closing gaps, want more than the initial 16", valid)
	}
	assertPosesNear(t, scene, 1e-3)
}

func TestUpdatePosesWithoutValidPoses(t *testing.T) {
	scene := GenerateScene(SceneConfig{Frames: 5, Landmarks: 30, Seed: 1})
	if got := UpdatePoses(scene.DB, scene.Camera, MotionTranslational, 0, 4, testPoseOptions()); got != 0 {
		t.Errorf("UpdatePoses() = %d, want 0", got)
	}
}

func TestUpdatePosesDropsUnsupportedFrames(t *testing.T) {
	scene := GenerateScene(SceneConfig{Frames: 10, Landmarks: 120, Seed: 9})
	scene.Bootstrap(0, 9, evenLandmarks)

	opts := testPoseOptions()
	opts.MinCorrespondences = 1000
	if got := UpdatePoses(scene.DB, scene.Camera, MotionTranslational, 0, 9, opts); got != 0 {
		t.Errorf("UpdatePoses() = %d valid poses, want 0", got)
	}
}

func TestUpdatePosesHoldsPositionWhenRotating(t *testing.T) {
	scene := GenerateScene(SceneConfig{Frames: 20, Landmarks: 120, Seed: 2, Rotational: true})
	scene.Bootstrap(0, 19, nil)
	for f := 0; f < 20; f++ {
		p, _ := scene.DB.Pose(f)
		p.Theta += 0.02
		_ = scene.DB.SetPose(f, p)
	}

	UpdatePoses(scene.DB, scene.Camera, MotionRotationalSignificant, 0, 19, testPoseOptions())
	for f := 0; f < 20; f++ {
		p, ok := scene.DB.Pose(f)
		if !ok {
			t.Fatalf("frame %d lost its pose", f)
		}
		if p.X != 0 || p.Y != 0 {
			t.Errorf("frame %d moved to (%v, %v)", f, p.X, p.Y)
		}
	}
	assertPosesNear(t, scene, 1e-3)
}

func TestDetermineUnknownLandmarks(t *testing.T) {
	scene := GenerateScene(SceneConfig{Frames: 40, Landmarks: 150, Seed: 4})
	scene.Bootstrap(0, 39, evenLandmarks)

	opts := UnknownLandmarkOptions{LandmarkOptions: testLandmarkOptions(), MinObservations: 2}
	found := DetermineUnknownLandmarks(scene.DB, scene.Camera, MotionTranslationalSignificant, 0, 39, opts)
	if len(found) == 0 {
		t.Fatal("no unknown landmarks derived")
	}
	for i, id := range found {
		if id%2 == 0 {
			t.Errorf("landmark %d was already known", id)
		}
		if i > 0 && found[i-1] >= id {
			t.Errorf("ids not ascending: %v", found)
		}
		got, _ := scene.DB.Landmark(id)
		if d := Distance(got, scene.Landmarks[id]); d > 1e-6 {
			t.Errorf("landmark %d off by %v", id, d)
		}
	}

	strict := GenerateScene(SceneConfig{Frames: 40, Landmarks: 150, Seed: 4})
	strict.Bootstrap(0, 39, evenLandmarks)
	opts.MinAngle = 20
	opts.MinObservations = 8
	fewer := DetermineUnknownLandmarks(strict.DB, strict.Camera, MotionTranslationalSignificant, 0, 39, opts)
	if len(fewer) >= len(found) {
		t.Errorf("stricter options derived %d landmarks, loose ones %d", len(fewer), len(found))
	}
	for _, id := range fewer {
		c, _ := LandmarkAccuracy(strict.DB, strict.Camera, id, 0, 39)
		if c > math.Cos(deg2rad(20)) {
			t.Errorf("landmark %d accuracy %v below the minimal angle", id, c)
		}
	}
}

func TestDetermineUnknownLandmarksSkipsRejected(t *testing.T) {
	scene := GenerateScene(SceneConfig{Frames: 20, Landmarks: 60, Seed: 8})
	scene.Bootstrap(0, 19, evenLandmarks)
	for _, id := range scene.DB.LandmarkIDs(false) {
		if id%2 == 1 {
			scene.DB.RejectLandmark(id)
		}
	}

	opts := UnknownLandmarkOptions{LandmarkOptions: testLandmarkOptions(), MinObservations: 2}
	if found := DetermineUnknownLandmarks(scene.DB, scene.Camera, MotionTranslational, 0, 19, opts); len(found) != 0 {
		t.Errorf("rejected landmarks derived again: %v", found)
	}
}

func TestRemoveInaccurateLandmarks(t *testing.T) {
	scene := GenerateScene(SceneConfig{Frames: 30, Landmarks: 150, Seed: 6})
	ids := scene.Bootstrap(0, 29, nil)

	var corrupted LandmarkID
	most := 0
	for _, id := range ids {
		if n := len(scene.DB.Observations(id, 0, 29)); n > most {
			corrupted, most = id, n
		}
	}
	p := scene.Landmarks[corrupted]
	scene.DB.SetLandmark(corrupted, Point{X: p.X + 1.5, Y: p.Y - 1})

	removed := RemoveInaccurateLandmarks(scene.DB, scene.Camera, MotionTranslationalSignificant, 0, 29, 3, testPoseOptions(), testLandmarkOptions())
	if len(removed) != 1 || removed[0] != corrupted {
		t.Fatalf("removed %v, want [%d]", removed, corrupted)
	}
	if !scene.DB.Rejected(corrupted) {
		t.Error("corrupted landmark not rejected")
	}
	if got := scene.DB.ValidPoseCount(0, 29); got != 30 {
		t.Errorf("%d valid poses after pruning, want 30", got)
	}
	assertPosesNear(t, scene, 1e-3)
}

func TestInaccurateLandmarks(t *testing.T) {
	cam := Camera{Width: 100, FocalLength: 50}
	db := NewDatabase(2)
	_ = db.SetPose(0, Pose{})
	_ = db.SetPose(1, Pose{})
	db.SetLandmark(1, Point{X: 10})
	db.SetLandmark(2, Point{X: 10})
	db.SetLandmark(3, Point{X: 10})
	_ = db.AddObservation(0, 1, 51)
	_ = db.AddObservation(1, 1, 49) // accurate
	_ = db.AddObservation(0, 2, 54)
	_ = db.AddObservation(1, 2, 54) // average 16
	_ = db.AddObservation(0, 3, 50)
	_ = db.AddObservation(1, 3, 56) // worst 36, average 18

	got := InaccurateLandmarks(db, cam, []LandmarkID{1, 2, 3, 4}, 0, 1, 17, 30)
	if len(got) != 1 || got[0] != 3 {
		t.Errorf("InaccurateLandmarks() = %v, want [3]", got)
	}
}
