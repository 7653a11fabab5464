package slam

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"
)

var (
	// ErrTooFewCorrespondences is returned when a pose or point is underdetermined.
	ErrTooFewCorrespondences = errors.New("too few correspondences")
	// ErrDegenerateRays is returned when viewing rays do not intersect reliably.
	ErrDegenerateRays = errors.New("degenerate viewing rays")
)

// maxTriangulationCondition bounds the condition number of the ray system.
const maxTriangulationCondition = 1e7

func poseSettings() *optimize.Settings {
	return &optimize.Settings{
		FuncEvaluations: 3000,
		Converger: &optimize.FunctionConverge{
			Absolute:   1e-16,
			Relative:   1e-12,
			Iterations: 60,
		},
	}
}

// bearingResidual is the angle between the predicted direction of world
// seen from pose and the observed ray through u.
func bearingResidual(cam Camera, pose Pose, world Point, u float64) float64 {
	local := pose.ToLocal(world)
	return NormalizeAngle(math.Atan2(local.Y, local.X) - cam.Bearing(u))
}

// EstimatePose fits a pose to landmark correspondences starting at guess,
// minimising squared bearing residuals. With fixPosition only the heading is
// estimated, which needs a single correspondence; otherwise three are needed.
// The returned error is the mean squared pixel error of the fit.
func EstimatePose(cam Camera, corr []Correspondence, guess Pose, fixPosition bool) (Pose, float64, error) {
	need := 3
	if fixPosition {
		need = 1
	}
	if len(corr) < need {
		return Pose{}, 0, fmt.Errorf("%d of %d: %w", len(corr), need, ErrTooFewCorrespondences)
	}

	toPose := func(x []float64) Pose {
		if fixPosition {
			return Pose{X: guess.X, Y: guess.Y, Theta: x[0]}
		}
		return Pose{X: x[0], Y: x[1], Theta: x[2]}
	}
	x0 := []float64{guess.X, guess.Y, guess.Theta}
	if fixPosition {
		x0 = []float64{guess.Theta}
	}

	problem := optimize.Problem{
		Func: func(x []float64) float64 {
			p := toPose(x)
			var sum float64
			for _, c := range corr {
				r := bearingResidual(cam, p, c.Position, c.U)
				sum += r * r
			}
			return sum
		},
	}

	result, err := optimize.Minimize(problem, x0, poseSettings(), &optimize.NelderMead{})
	if result == nil {
		return Pose{}, 0, fmt.Errorf("pose optimization failed: %w", err)
	}

	pose := toPose(result.X)
	pose.Theta = NormalizeAngle(pose.Theta)
	return pose, meanSqrPixelError(cam, pose, corr), nil
}

// SqrProjectionError returns the squared pixel distance between the
// projection of world from pose and u. Points behind the camera yield +Inf.
func SqrProjectionError(cam Camera, pose Pose, world Point, u float64) float64 {
	projected, ok := cam.Project(pose, world)
	if !ok {
		return math.Inf(1)
	}
	d := projected - u
	return d * d
}

func meanSqrPixelError(cam Camera, pose Pose, corr []Correspondence) float64 {
	if len(corr) == 0 {
		return 0
	}
	var sum float64
	for _, c := range corr {
		sum += SqrProjectionError(cam, pose, c.Position, c.U)
	}
	return sum / float64(len(corr))
}

// RayObservation is a sighting from a known pose.
type RayObservation struct {
	Pose Pose
	U    float64
}

// TriangulateLandmark returns the point closest, in the least squares sense,
// to all viewing rays. It fails for fewer than two rays, for nearly parallel
// rays and for points behind any of the cameras.
func TriangulateLandmark(cam Camera, obs []RayObservation) (Point, error) {
	if len(obs) < 2 {
		return Point{}, fmt.Errorf("%d rays: %w", len(obs), ErrTooFewCorrespondences)
	}

	// sum over rays of (I - d d^T) p = (I - d d^T) c
	var a11, a12, a22, b1, b2 float64
	for _, o := range obs {
		d := cam.Ray(o.Pose, o.U)
		m11, m12, m22 := 1-d.X*d.X, -d.X*d.Y, 1-d.Y*d.Y
		a11 += m11
		a12 += m12
		a22 += m22
		b1 += m11*o.Pose.X + m12*o.Pose.Y
		b2 += m12*o.Pose.X + m22*o.Pose.Y
	}

	var chol mat.Cholesky
	if ok := chol.Factorize(mat.NewSymDense(2, []float64{a11, a12, a12, a22})); !ok {
		return Point{}, ErrDegenerateRays
	}
	if chol.Cond() > maxTriangulationCondition {
		return Point{}, ErrDegenerateRays
	}
	var x mat.VecDense
	if err := chol.SolveVecTo(&x, mat.NewVecDense(2, []float64{b1, b2})); err != nil {
		return Point{}, fmt.Errorf("%w: %v", ErrDegenerateRays, err)
	}

	p := Point{X: x.AtVec(0), Y: x.AtVec(1)}
	for _, o := range obs {
		if local := o.Pose.ToLocal(p); local.X <= minDepth {
			return Point{}, fmt.Errorf("point behind camera: %w", ErrDegenerateRays)
		}
	}
	return p, nil
}

// PlaceOnRays positions a landmark seen by a rotating camera: its depth is
// unobservable, so it is placed at depth along the mean viewing ray from the
// mean camera center.
func PlaceOnRays(cam Camera, obs []RayObservation, depth float64) (Point, error) {
	if len(obs) == 0 {
		return Point{}, ErrTooFewCorrespondences
	}
	var center, dir Point
	for _, o := range obs {
		r := cam.Ray(o.Pose, o.U)
		dir.X += r.X
		dir.Y += r.Y
		center.X += o.Pose.X
		center.Y += o.Pose.Y
	}
	n := float64(len(obs))
	norm := math.Hypot(dir.X, dir.Y)
	if norm < 1e-9 {
		return Point{}, ErrDegenerateRays
	}
	return Point{
		X: center.X/n + depth*dir.X/norm,
		Y: center.Y/n + depth*dir.Y/norm,
	}, nil
}

// ProjectionErrors returns the average and worst squared pixel error of a
// landmark over its observations in frames with valid poses within
// [lower, upper], and the number of observations used.
func ProjectionErrors(db *Database, cam Camera, id LandmarkID, lower, upper int) (avg, worst float64, n int) {
	p, ok := db.Landmark(id)
	if !ok {
		return 0, 0, 0
	}
	var sum float64
	for _, o := range db.Observations(id, lower, upper) {
		pose, ok := db.Pose(o.Frame)
		if !ok {
			continue
		}
		e := SqrProjectionError(cam, pose, p, o.U)
		sum += e
		worst = math.Max(worst, e)
		n++
	}
	if n == 0 {
		return 0, 0, 0
	}
	return sum / float64(n), worst, n
}

// MeanSqrError averages the squared pixel error over every observation of
// the given landmarks within [lower, upper]. Non-finite errors are capped at
// capSqr so a single point behind a camera does not swamp the mean.
func MeanSqrError(db *Database, cam Camera, ids []LandmarkID, lower, upper int, capSqr float64) float64 {
	var sum float64
	n := 0
	for _, id := range ids {
		p, ok := db.Landmark(id)
		if !ok {
			continue
		}
		for _, o := range db.Observations(id, lower, upper) {
			pose, ok := db.Pose(o.Frame)
			if !ok {
				continue
			}
			sum += math.Min(SqrProjectionError(cam, pose, p, o.U), capSqr)
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// FrameMeanSqrError averages the squared pixel error of the valid landmarks
// observed in frame. The boolean is false without a pose or correspondences.
func FrameMeanSqrError(db *Database, cam Camera, frame int, capSqr float64) (float64, bool) {
	pose, ok := db.Pose(frame)
	if !ok {
		return 0, false
	}
	corr := db.Correspondences(frame, nil)
	if len(corr) == 0 {
		return 0, false
	}
	var sum float64
	for _, c := range corr {
		sum += math.Min(SqrProjectionError(cam, pose, c.Position, c.U), capSqr)
	}
	return sum / float64(len(corr)), true
}

// rayObservations collects the sightings of id from frames with valid poses.
func rayObservations(db *Database, id LandmarkID, lower, upper int) []RayObservation {
	var out []RayObservation
	for _, o := range db.Observations(id, lower, upper) {
		if pose, ok := db.Pose(o.Frame); ok {
			out = append(out, RayObservation{Pose: pose, U: o.U})
		}
	}
	return out
}
