package slam

import (
	"math"
	"sort"
)

// PoseUpdateOptions control how poses are re-estimated from landmarks.
type PoseUpdateOptions struct {
	// MinCorrespondences is the number of inlier correspondences a frame
	// needs to keep a pose.
	MinCorrespondences int
	// MaxSqrError is the squared pixel error above which a correspondence
	// is an outlier.
	MaxSqrError float64
	// MinInlierRatio is the fraction of correspondences that must be inliers.
	MinInlierRatio float64
	// Filter restricts the landmarks used; nil uses every valid landmark.
	Filter map[LandmarkID]bool
}

// UpdatePoses re-estimates every pose within [lower, upper] from the valid
// landmarks. It starts with the largest run of valid poses and then closes
// the gaps outward from it, seeding each frame without a pose with the pose
// of its neighbour. Frames that cannot be estimated lose their pose. With a
// camera that only rotates the positions are held fixed. It returns the
// number of valid poses in the range afterwards.
func UpdatePoses(db *Database, cam Camera, motion CameraMotion, lower, upper int, opts PoseUpdateOptions) int {
	lower, upper = max(lower, 0), min(upper, db.Frames()-1)
	lo, hi, ok := db.LargestValidPoseRange(lower, upper)
	if !ok {
		return 0
	}
	fixPosition := !motion.IsTranslational()

	estimate := func(frame int, guess Pose) bool {
		pose, ok := estimateRobust(db, cam, frame, guess, fixPosition, opts)
		if !ok {
			db.InvalidatePose(frame)
			return false
		}
		_ = db.SetPose(frame, pose)
		return true
	}

	for f := lo; f <= hi; f++ {
		guess, _ := db.Pose(f)
		estimate(f, guess)
	}

	sweep := func(from, to, step int, guess Pose, have bool) {
		for f := from; (step > 0 && f <= to) || (step < 0 && f >= to); f += step {
			if own, ok := db.Pose(f); ok {
				guess, have = own, true
			}
			if !have {
				continue
			}
			if estimate(f, guess) {
				guess, _ = db.Pose(f)
			}
		}
	}
	guess, have := nearestPose(db, hi, lo)
	sweep(hi+1, upper, 1, guess, have)
	guess, have = nearestPose(db, lo, hi)
	sweep(lo-1, lower, -1, guess, have)

	return db.ValidPoseCount(lower, upper)
}

// nearestPose returns the first valid pose walking from one frame to another.
func nearestPose(db *Database, from, to int) (Pose, bool) {
	step := 1
	if to < from {
		step = -1
	}
	for f := from; f != to+step; f += step {
		if p, ok := db.Pose(f); ok {
			return p, true
		}
	}
	return Pose{}, false
}

// estimateRobust fits a pose, drops outlier correspondences once and refits.
func estimateRobust(db *Database, cam Camera, frame int, guess Pose, fixPosition bool, opts PoseUpdateOptions) (Pose, bool) {
	corr := db.Correspondences(frame, opts.Filter)
	need := max(opts.MinCorrespondences, 1)
	if !fixPosition {
		need = max(need, 3)
	}
	if len(corr) < need {
		return Pose{}, false
	}

	pose, _, err := EstimatePose(cam, corr, guess, fixPosition)
	if err != nil {
		return Pose{}, false
	}

	inliers := make([]Correspondence, 0, len(corr))
	for _, c := range corr {
		if SqrProjectionError(cam, pose, c.Position, c.U) <= opts.MaxSqrError {
			inliers = append(inliers, c)
		}
	}
	if len(inliers) < need || float64(len(inliers)) < opts.MinInlierRatio*float64(len(corr)) {
		return Pose{}, false
	}
	if len(inliers) < len(corr) {
		var meanErr float64
		pose, meanErr, err = EstimatePose(cam, inliers, pose, fixPosition)
		if err != nil || meanErr > opts.MaxSqrError {
			return Pose{}, false
		}
	}
	return pose, true
}

// LandmarkOptions control how landmark positions are derived from poses.
type LandmarkOptions struct {
	// MaxAverageSqrError and MaxWorstSqrError bound the squared pixel
	// errors of an accepted landmark.
	MaxAverageSqrError float64
	MaxWorstSqrError   float64
	// RotationalDepth is the distance at which landmarks seen by a purely
	// rotating camera are placed.
	RotationalDepth float64
}

// deriveLandmark computes a position for id from its sightings in frames
// with valid poses and checks it against the error bounds.
func deriveLandmark(db *Database, cam Camera, motion CameraMotion, id LandmarkID, lower, upper int, opts LandmarkOptions) (Point, bool) {
	rays := rayObservations(db, id, lower, upper)
	var (
		p   Point
		err error
	)
	if motion.IsTranslational() {
		p, err = TriangulateLandmark(cam, rays)
	} else {
		depth := opts.RotationalDepth
		if old, ok := db.Landmark(id); ok && len(rays) > 0 {
			if d := Distance(old, rays[0].Pose.Position()); d > minDepth {
				depth = d
			}
		}
		p, err = PlaceOnRays(cam, rays, depth)
	}
	if err != nil {
		return Point{}, false
	}

	var sum, worst float64
	for _, r := range rays {
		e := SqrProjectionError(cam, r.Pose, p, r.U)
		sum += e
		worst = math.Max(worst, e)
	}
	if sum/float64(len(rays)) > opts.MaxAverageSqrError || worst > opts.MaxWorstSqrError {
		return Point{}, false
	}
	return p, true
}

// OptimizeLandmarksWithFixedPoses re-derives the positions of ids from the
// current poses. Landmarks that cannot be derived within the error bounds
// lose their position. It returns the ids that were updated.
func OptimizeLandmarksWithFixedPoses(db *Database, cam Camera, motion CameraMotion, ids []LandmarkID, lower, upper int, opts LandmarkOptions) []LandmarkID {
	var updated []LandmarkID
	for _, id := range ids {
		if p, ok := deriveLandmark(db, cam, motion, id, lower, upper, opts); ok {
			db.SetLandmark(id, p)
			updated = append(updated, id)
		} else {
			db.InvalidateLandmark(id)
		}
	}
	return updated
}

// UnknownLandmarkOptions select which landmarks without a position may be derived.
type UnknownLandmarkOptions struct {
	LandmarkOptions
	// MinObservations is the number of sightings from valid poses required.
	MinObservations int
	// MinAngle is the smallest median angle, in degrees, between a
	// landmark's viewing rays and their mean direction. Zero disables the
	// check, which is used for rotating cameras.
	MinAngle float64
}

// DetermineUnknownLandmarks derives positions for landmarks that have none
// and have not been rejected, sets them in db and returns their ids in
// ascending order.
func DetermineUnknownLandmarks(db *Database, cam Camera, motion CameraMotion, lower, upper int, opts UnknownLandmarkOptions) []LandmarkID {
	maxCos := math.Cos(deg2rad(opts.MinAngle))
	var found []LandmarkID
	for _, id := range db.LandmarkIDs(false) {
		if _, ok := db.Landmark(id); ok || db.Rejected(id) {
			continue
		}
		if len(rayObservations(db, id, lower, upper)) < max(opts.MinObservations, 2) {
			continue
		}
		p, ok := deriveLandmark(db, cam, motion, id, lower, upper, opts.LandmarkOptions)
		if !ok {
			continue
		}
		db.SetLandmark(id, p)
		if opts.MinAngle > 0 && motion.IsTranslational() {
			if c, ok := LandmarkAccuracy(db, cam, id, lower, upper); !ok || c > maxCos {
				db.InvalidateLandmark(id)
				continue
			}
		}
		found = append(found, id)
	}
	sort.Slice(found, func(i, j int) bool { return found[i] < found[j] })
	return found
}

// InaccurateLandmarks returns the valid landmarks among ids whose average or
// worst squared error within [lower, upper] exceeds the bounds. Landmarks
// without observations from valid poses are left alone.
func InaccurateLandmarks(db *Database, cam Camera, ids []LandmarkID, lower, upper int, maxAvg, maxWorst float64) []LandmarkID {
	var out []LandmarkID
	for _, id := range ids {
		avg, worst, n := ProjectionErrors(db, cam, id, lower, upper)
		if n == 0 {
			continue
		}
		if avg > maxAvg || worst > maxWorst {
			out = append(out, id)
		}
	}
	return out
}

// RemoveInaccurateLandmarks repeatedly rejects inaccurate landmarks and
// refits poses and the remaining landmarks, for at most iterations passes.
// It returns every rejected landmark.
func RemoveInaccurateLandmarks(db *Database, cam Camera, motion CameraMotion, lower, upper, iterations int, poses PoseUpdateOptions, landmarks LandmarkOptions) []LandmarkID {
	var removed []LandmarkID
	for i := 0; i < iterations; i++ {
		bad := InaccurateLandmarks(db, cam, db.LandmarkIDs(true), lower, upper, landmarks.MaxAverageSqrError, landmarks.MaxWorstSqrError)
		if len(bad) == 0 {
			break
		}
		for _, id := range bad {
			db.RejectLandmark(id)
		}
		removed = append(removed, bad...)

		UpdatePoses(db, cam, motion, lower, upper, poses)
		OptimizeLandmarksWithFixedPoses(db, cam, motion, db.LandmarkIDs(true), lower, upper, landmarks)
		UpdatePoses(db, cam, motion, lower, upper, poses)
	}
	return removed
}
