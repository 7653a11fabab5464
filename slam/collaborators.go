package slam

import (
	"context"
	"fmt"
	"math"

	"gonum.org/v1/gonum/optimize"

	"github.com/kwv/tudoslam/extend"
)

// errorCap bounds single squared errors entering mean error metrics.
const errorCap = 1e6

// landmarkStage adapts landmark extension over a frame range to the
// extension controller. Its model is a *Database.
type landmarkStage struct {
	cam          Camera
	motion       CameraMotion
	lower, upper int
	angular      bool

	poses         PoseUpdateOptions
	landmarks     LandmarkOptions
	derivedWorst  float64
	minValidPoses int
}

func (s *landmarkStage) Point(db *Database, id extend.ItemID) ([]float64, bool) {
	p, ok := db.Landmark(id)
	if !ok {
		return nil, false
	}
	return []float64{p.X, p.Y}, true
}

// Estimate re-derives the sampled landmarks from the current poses and then
// refits every pose against all valid landmarks.
func (s *landmarkStage) Estimate(ctx context.Context, sample extend.Sample, db *Database, _ extend.Tier) (*Database, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	candidate := db.Clone()
	updated := OptimizeLandmarksWithFixedPoses(candidate, s.cam, s.motion, sample.IDs, s.lower, s.upper, s.landmarks)
	need := 1
	if s.motion.IsTranslational() {
		need = 3
	}
	if len(updated) < need {
		return nil, fmt.Errorf("%d of %d sampled landmarks re-derived: %w", len(updated), len(sample.IDs), ErrTooFewCorrespondences)
	}
	UpdatePoses(candidate, s.cam, s.motion, s.lower, s.upper, s.poses)
	return candidate, nil
}

func (s *landmarkStage) IsPlausible(db *Database, _ extend.Tier) bool {
	return db.ValidPoseCount(s.lower, s.upper) >= s.minValidPoses
}

func (s *landmarkStage) Evaluate(db *Database, ids []extend.ItemID) float64 {
	return MeanSqrError(db, s.cam, ids, s.lower, s.upper, errorCap)
}

// FindInaccurate reports confirmed landmarks that lost their position or
// exceed the error bounds.
func (s *landmarkStage) FindInaccurate(db *Database, confirmed []extend.ItemID) []extend.ItemID {
	var out []extend.ItemID
	for _, id := range confirmed {
		if _, ok := db.Landmark(id); !ok {
			out = append(out, id)
		}
	}
	return append(out, InaccurateLandmarks(db, s.cam, confirmed, s.lower, s.upper, s.landmarks.MaxAverageSqrError, s.landmarks.MaxWorstSqrError)...)
}

func (s *landmarkStage) Discard(db *Database, ids []extend.ItemID) *Database {
	for _, id := range ids {
		db.RejectLandmark(id)
	}
	UpdatePoses(db, s.cam, s.motion, s.lower, s.upper, s.poses)
	return db
}

// DeriveNew positions unknown landmarks seen often enough at the tier and
// extends the poses with them. Angular ladders also bound the observation
// angle by the tier value.
func (s *landmarkStage) DeriveNew(ctx context.Context, candidate *Database, _ []extend.ItemID, tier extend.Tier) (*Database, []extend.ItemID, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	valid := candidate.ValidPoseCount(s.lower, s.upper)
	opts := UnknownLandmarkOptions{
		LandmarkOptions: LandmarkOptions{
			MaxAverageSqrError: s.landmarks.MaxAverageSqrError,
			MaxWorstSqrError:   s.derivedWorst,
			RotationalDepth:    s.landmarks.RotationalDepth,
		},
		MinObservations: max(2, int(math.Ceil(tier.MinRatio*float64(valid)))),
	}
	if s.angular {
		opts.MinAngle = tier.Value
	}
	found := DetermineUnknownLandmarks(candidate, s.cam, s.motion, s.lower, s.upper, opts)
	if len(found) > 0 {
		UpdatePoses(candidate, s.cam, s.motion, s.lower, s.upper, s.poses)
	}
	return candidate, found, nil
}

// CameraModel is a camera together with the reconstruction it explains.
type CameraModel struct {
	Camera Camera
	DB     *Database
}

// cameraStage refines the focal length with frames as confirmed items.
type cameraStage struct {
	motion       CameraMotion
	lower, upper int
	initial      float64
	maxChange    float64

	poses     PoseUpdateOptions
	landmarks LandmarkOptions
	maxFrame  float64
}

func (s *cameraStage) Point(m *CameraModel, id extend.ItemID) ([]float64, bool) {
	pose, ok := m.DB.Pose(int(id))
	if !ok {
		return nil, false
	}
	return PoseToPoint(pose), true
}

// Estimate fits the focal length on the sampled frames, bounded relative to
// the current one by the tier value, then refits landmarks and poses.
func (s *cameraStage) Estimate(ctx context.Context, sample extend.Sample, m *CameraModel, tier extend.Tier) (*CameraModel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	frames := make([]int, len(sample.IDs))
	for i, id := range sample.IDs {
		frames[i] = int(id)
	}
	cam, _, err := OptimizeFocalLength(m.DB, m.Camera, s.motion, frames, tier.Value, s.landmarks.RotationalDepth)
	if err != nil {
		return nil, err
	}

	db := m.DB.Clone()
	OptimizeLandmarksWithFixedPoses(db, cam, s.motion, db.LandmarkIDs(true), s.lower, s.upper, s.landmarks)
	UpdatePoses(db, cam, s.motion, s.lower, s.upper, s.poses)
	return &CameraModel{Camera: cam, DB: db}, nil
}

// IsPlausible keeps the field of view in the plausible range and the focal
// length within the widest ladder bound of the starting camera.
func (s *cameraStage) IsPlausible(m *CameraModel, _ extend.Tier) bool {
	if !m.Camera.HasPlausibleFov() {
		return false
	}
	return math.Abs(m.Camera.FocalLength-s.initial) <= s.maxChange*s.initial
}

func (s *cameraStage) Evaluate(m *CameraModel, ids []extend.ItemID) float64 {
	var sum float64
	n := 0
	for _, id := range ids {
		if e, ok := FrameMeanSqrError(m.DB, m.Camera, int(id), errorCap); ok {
			sum += e
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

func (s *cameraStage) FindInaccurate(m *CameraModel, confirmed []extend.ItemID) []extend.ItemID {
	var out []extend.ItemID
	for _, id := range confirmed {
		e, ok := FrameMeanSqrError(m.DB, m.Camera, int(id), errorCap)
		if !ok || e > s.maxFrame {
			out = append(out, id)
		}
	}
	return out
}

func (s *cameraStage) Discard(m *CameraModel, ids []extend.ItemID) *CameraModel {
	for _, id := range ids {
		m.DB.InvalidatePose(int(id))
	}
	return m
}

// DeriveNew reports frames that hold a valid pose in the candidate but are
// not yet confirmed.
func (s *cameraStage) DeriveNew(_ context.Context, candidate *CameraModel, confirmed []extend.ItemID, _ extend.Tier) (*CameraModel, []extend.ItemID, error) {
	known := make(map[extend.ItemID]bool, len(confirmed))
	for _, id := range confirmed {
		known[id] = true
	}
	var found []extend.ItemID
	for f := s.lower; f <= s.upper; f++ {
		if _, ok := candidate.DB.Pose(f); ok && !known[extend.ItemID(f)] {
			found = append(found, extend.ItemID(f))
		}
	}
	return candidate, found, nil
}

// FocalLadder bounds the relative focal length change of one round to 10%,
// then 25% and finally 50%.
func FocalLadder() extend.RetryLadder {
	return extend.RetryLadder{
		{Name: "10%", Value: 0.10},
		{Name: "25%", Value: 0.25},
		{Name: "50%", Value: 0.50},
	}
}

// OptimizeFocalLength searches the focal length that best explains the
// landmarks seen from frames, keeping their poses fixed. The result differs
// from cam by at most the relative bound. Landmarks are re-derived for every
// candidate focal length: triangulated for a translating camera, placed at
// depth for a rotating one. It returns the camera and its mean squared error.
func OptimizeFocalLength(db *Database, cam Camera, motion CameraMotion, frames []int, bound, depth float64) (Camera, float64, error) {
	inFrames := make(map[int]bool, len(frames))
	for _, f := range frames {
		if _, ok := db.Pose(f); ok {
			inFrames[f] = true
		}
	}
	if len(inFrames) < 2 {
		return cam, 0, fmt.Errorf("%d frames with poses: %w", len(inFrames), ErrTooFewCorrespondences)
	}

	tracks := make([][]RayObservation, 0)
	for _, id := range db.LandmarkIDs(true) {
		var rays []RayObservation
		for _, o := range db.Observations(id, 0, db.Frames()-1) {
			if inFrames[o.Frame] {
				pose, _ := db.Pose(o.Frame)
				rays = append(rays, RayObservation{Pose: pose, U: o.U})
			}
		}
		if len(rays) >= 2 {
			tracks = append(tracks, rays)
		}
	}
	if len(tracks) == 0 {
		return cam, 0, fmt.Errorf("no landmark seen twice: %w", ErrTooFewCorrespondences)
	}

	limit := math.Log1p(bound)
	score := func(c Camera) float64 {
		var sum float64
		n := 0
		for _, rays := range tracks {
			var p Point
			var err error
			if motion.IsTranslational() {
				p, err = TriangulateLandmark(c, rays)
			} else {
				p, err = PlaceOnRays(c, rays, depth)
			}
			if err != nil {
				continue
			}
			for _, r := range rays {
				sum += math.Min(SqrProjectionError(c, r.Pose, p, r.U), errorCap)
				n++
			}
		}
		if n == 0 {
			return errorCap
		}
		return sum / float64(n)
	}

	problem := optimize.Problem{
		Func: func(x []float64) float64 {
			if math.Abs(x[0]) > limit {
				return errorCap * (1 + math.Abs(x[0]))
			}
			return score(cam.WithFocalLength(cam.FocalLength * math.Exp(x[0])))
		},
	}
	settings := &optimize.Settings{
		FuncEvaluations: 400,
		Converger: &optimize.FunctionConverge{
			Absolute:   1e-12,
			Relative:   1e-10,
			Iterations: 30,
		},
	}
	result, err := optimize.Minimize(problem, []float64{0}, settings, &optimize.NelderMead{})
	if result == nil {
		return cam, 0, fmt.Errorf("focal length optimization failed: %w", err)
	}
	s := math.Max(-limit, math.Min(limit, result.X[0]))
	best := cam.WithFocalLength(cam.FocalLength * math.Exp(s))
	return best, score(best), nil
}
