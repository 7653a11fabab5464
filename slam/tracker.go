package slam

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/kwv/tudoslam/extend"
)

var (
	// ErrNoValidPoses is returned when a range holds no pose to extend from.
	ErrNoValidPoses = errors.New("no valid poses in range")
	// ErrInvalidMotion is returned when the camera motion cannot be classified.
	ErrInvalidMotion = errors.New("camera motion is invalid")
)

// TrackerConfig tunes landmark extension and camera refinement.
type TrackerConfig struct {
	SampleSize         int     `yaml:"sampleSize,omitempty" json:"sampleSize,omitempty"`
	KeyFrames          int     `yaml:"keyFrames,omitempty" json:"keyFrames,omitempty"`
	MaxRounds          int     `yaml:"maxRounds,omitempty" json:"maxRounds,omitempty"`
	PruneIterations    int     `yaml:"pruneIterations,omitempty" json:"pruneIterations,omitempty"`
	ConvergenceEpsilon float64 `yaml:"convergenceEpsilon,omitempty" json:"convergenceEpsilon,omitempty"`

	// Squared pixel error bounds.
	MaxAverageSqrError      float64 `yaml:"maxAverageSqrError,omitempty" json:"maxAverageSqrError,omitempty"`
	MaxWorstSqrError        float64 `yaml:"maxWorstSqrError,omitempty" json:"maxWorstSqrError,omitempty"`
	MaxDerivedWorstSqrError float64 `yaml:"maxDerivedWorstSqrError,omitempty" json:"maxDerivedWorstSqrError,omitempty"`

	MinInlierRatio     float64 `yaml:"minInlierRatio,omitempty" json:"minInlierRatio,omitempty"`
	MinValidPoseRatio  float64 `yaml:"minValidPoseRatio,omitempty" json:"minValidPoseRatio,omitempty"`
	RotationalDepth    float64 `yaml:"rotationalDepth,omitempty" json:"rotationalDepth,omitempty"`
	MinUsableLandmarks int     `yaml:"minUsableLandmarks,omitempty" json:"minUsableLandmarks,omitempty"`
	TargetLandmarks    int     `yaml:"targetLandmarks,omitempty" json:"targetLandmarks,omitempty"`

	Correspondence *RelativeThreshold `yaml:"correspondence,omitempty" json:"correspondence,omitempty"`
	Motion         *MotionThresholds  `yaml:"motion,omitempty" json:"motion,omitempty"`

	ObservationLadder extend.RetryLadder `yaml:"observationLadder,omitempty" json:"observationLadder,omitempty"`
	AngularLadder     extend.RetryLadder `yaml:"angularLadder,omitempty" json:"angularLadder,omitempty"`
	FocalLadder       extend.RetryLadder `yaml:"focalLadder,omitempty" json:"focalLadder,omitempty"`
}

// DefaultTrackerConfig returns the defaults applied to unset fields.
func DefaultTrackerConfig() TrackerConfig {
	var c TrackerConfig
	c.ApplyDefaults()
	return c
}

// ApplyDefaults fills every unset field.
func (c *TrackerConfig) ApplyDefaults() {
	setInt := func(v *int, d int) {
		if *v <= 0 {
			*v = d
		}
	}
	setFloat := func(v *float64, d float64) {
		if *v <= 0 {
			*v = d
		}
	}
	setInt(&c.SampleSize, 20)
	setInt(&c.KeyFrames, 20)
	setInt(&c.MaxRounds, 10)
	setInt(&c.PruneIterations, 1)
	setInt(&c.MinUsableLandmarks, 10)
	setFloat(&c.ConvergenceEpsilon, 1e-6)
	setFloat(&c.MaxAverageSqrError, 3.5*3.5)
	setFloat(&c.MaxWorstSqrError, 5.5*5.5)
	setFloat(&c.MaxDerivedWorstSqrError, 7*7)
	setFloat(&c.MinInlierRatio, 0.7)
	setFloat(&c.MinValidPoseRatio, 0.9)
	setFloat(&c.RotationalDepth, 10)
	if c.Correspondence == nil {
		t := DefaultCorrespondenceThreshold()
		c.Correspondence = &t
	}
	if c.Motion == nil {
		m := DefaultMotionThresholds()
		c.Motion = &m
	}
	if len(c.ObservationLadder) == 0 {
		c.ObservationLadder = extend.ObservationLadder()
	}
	if len(c.AngularLadder) == 0 {
		c.AngularLadder = extend.AngularLadder()
	}
	if len(c.FocalLadder) == 0 {
		c.FocalLadder = FocalLadder()
	}
}

// Validate checks the configured ladders and ratios.
func (c TrackerConfig) Validate() error {
	for name, l := range map[string]extend.RetryLadder{
		"observationLadder": c.ObservationLadder,
		"angularLadder":     c.AngularLadder,
		"focalLadder":       c.FocalLadder,
	} {
		if len(l) == 0 {
			continue
		}
		if err := l.Validate(); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	if c.MinValidPoseRatio > 1 || c.MinInlierRatio > 1 {
		return fmt.Errorf("ratios must not exceed 1")
	}
	return nil
}

// TrackResult summarises one extension or refinement run.
type TrackResult struct {
	Motion     CameraMotion         `json:"motion"`
	Camera     Camera               `json:"camera"`
	Lower      int                  `json:"lower"`
	Upper      int                  `json:"upper"`
	ValidLower int                  `json:"validLower"`
	ValidUpper int                  `json:"validUpper"`
	ValidPoses int                  `json:"validPoses"`
	Landmarks  int                  `json:"landmarks"`
	Removed    []LandmarkID         `json:"removed,omitempty"`
	Partial    bool                 `json:"partial"`
	State      extend.State         `json:"state"`
	Reports    []extend.RoundReport `json:"reports"`
	Duration   time.Duration        `json:"duration"`
}

// TrackerOption customises a Tracker.
type TrackerOption func(*Tracker)

// WithMetrics records controller rounds in m.
func WithMetrics(m *extend.Metrics) TrackerOption {
	return func(t *Tracker) { t.metrics = m }
}

// WithRoundObserver calls fn after every controller round.
func WithRoundObserver(fn func(extend.RoundReport)) TrackerOption {
	return func(t *Tracker) { t.onRound = fn }
}

// Tracker stabilises landmark reconstructions and camera intrinsics of
// recorded sequences. A Tracker may be shared; each call works on the
// database it is given.
type Tracker struct {
	cfg     TrackerConfig
	camera  Camera
	metrics *extend.Metrics
	onRound func(extend.RoundReport)
}

// NewTracker creates a tracker for cam.
func NewTracker(cam Camera, cfg TrackerConfig, opts ...TrackerOption) (*Tracker, error) {
	if err := cam.Validate(); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	t := &Tracker{cfg: cfg, camera: cam}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// Camera returns the camera the tracker currently assumes.
func (t *Tracker) Camera() Camera { return t.camera }

// Config returns the effective configuration.
func (t *Tracker) Config() TrackerConfig { return t.cfg }

func (t *Tracker) poseOptions(minCorr int) PoseUpdateOptions {
	return PoseUpdateOptions{
		MinCorrespondences: minCorr,
		MaxSqrError:        t.cfg.MaxWorstSqrError,
		MinInlierRatio:     t.cfg.MinInlierRatio,
	}
}

func (t *Tracker) landmarkOptions() LandmarkOptions {
	return LandmarkOptions{
		MaxAverageSqrError: t.cfg.MaxAverageSqrError,
		MaxWorstSqrError:   t.cfg.MaxWorstSqrError,
		RotationalDepth:    t.cfg.RotationalDepth,
	}
}

// ExtendStableLandmarks grows and refines the reconstruction in db over
// [lower, upper]. It starts from the largest run of valid poses, classifies
// the camera motion there, closes pose gaps when the run does not cover the
// range, and then runs the landmark extension controller: with the angular
// ladder for a translating camera, or with the observation ladder for a
// rotating one, falling back to the angular ladder if that fails. A final
// pass rejects inaccurate landmarks. db is updated in place.
func (t *Tracker) ExtendStableLandmarks(ctx context.Context, db *Database, lower, upper int) (TrackResult, error) {
	start := time.Now()
	lower, upper = max(lower, 0), min(upper, db.Frames()-1)
	result := TrackResult{Camera: t.camera, Lower: lower, Upper: upper}

	lo, hi, ok := db.LargestValidPoseRange(lower, upper)
	if !ok {
		return result, fmt.Errorf("frames %d-%d: %w", lower, upper, ErrNoValidPoses)
	}
	motion := DetermineCameraMotion(db, t.camera, lo, hi, *t.cfg.Motion)
	result.Motion = motion
	if motion == MotionInvalid {
		return result, fmt.Errorf("frames %d-%d: %w", lo, hi, ErrInvalidMotion)
	}

	_, best, _ := db.PoseWithMostCorrespondences(lo, hi)
	minCorr := t.cfg.Correspondence.Threshold(best)
	poses := t.poseOptions(minCorr)
	log.Printf("[TRACK] Frames %d-%d: valid run %d-%d, motion %s, %d correspondences required",
		lower, upper, lo, hi, motion, minCorr)

	if lo != lower || hi != upper {
		valid := UpdatePoses(db, t.camera, motion, lower, upper, poses)
		log.Printf("[TRACK] Closed gaps: %d valid poses in %d-%d", valid, lower, upper)
	}

	var (
		res extend.Result[*Database]
		err error
	)
	if motion.IsTranslational() {
		res, err = t.runLandmarks(ctx, db, motion, lower, upper, poses, true)
	} else {
		snapshot := db.Clone()
		res, err = t.runLandmarks(ctx, db, motion, lower, upper, poses, false)
		if err != nil && !res.Aborted && ctx.Err() == nil {
			log.Printf("[TRACK] Rotational extension failed (%v), retrying as translational", err)
			backup := motion | MotionTranslational
			res, err = t.runLandmarks(ctx, snapshot, backup, lower, upper, poses, true)
			if err == nil {
				motion = backup
				result.Motion = motion
			}
		}
	}
	if res.Model != nil {
		db.replace(res.Model)
	}
	result.Reports = res.Reports
	result.State = res.State
	result.Partial = res.Partial
	if err != nil {
		result.Duration = time.Since(start)
		return result, err
	}
	if res.Aborted {
		result.Duration = time.Since(start)
		return result, ctx.Err()
	}

	result.Removed = RemoveInaccurateLandmarks(db, t.camera, motion, lower, upper, t.cfg.PruneIterations, poses, t.landmarkOptions())
	t.summarize(db, &result)
	result.Duration = time.Since(start)
	log.Printf("[TRACK] Frames %d-%d: %d valid poses, %d landmarks, %d removed, state %s",
		lower, upper, result.ValidPoses, result.Landmarks, len(result.Removed), result.State)
	return result, nil
}

func (t *Tracker) summarize(db *Database, result *TrackResult) {
	result.ValidPoses = db.ValidPoseCount(result.Lower, result.Upper)
	result.Landmarks = len(db.LandmarkIDs(true))
	if lo, hi, ok := db.LargestValidPoseRange(result.Lower, result.Upper); ok {
		result.ValidLower, result.ValidUpper = lo, hi
		if lo != result.Lower || hi != result.Upper {
			result.Partial = true
		}
	}
}

func (t *Tracker) runLandmarks(ctx context.Context, db *Database, motion CameraMotion, lower, upper int, poses PoseUpdateOptions, angular bool) (extend.Result[*Database], error) {
	stage := &landmarkStage{
		cam:           t.camera,
		motion:        motion,
		lower:         lower,
		upper:         upper,
		angular:       angular,
		poses:         poses,
		landmarks:     t.landmarkOptions(),
		derivedWorst:  t.cfg.MaxDerivedWorstSqrError,
		minValidPoses: int(math.Ceil(t.cfg.MinValidPoseRatio * float64(db.ValidPoseCount(lower, upper)))),
	}
	name, ladder := "landmarks-rotational", t.cfg.ObservationLadder
	if angular {
		name, ladder = "landmarks-translational", t.cfg.AngularLadder
	}

	var confirmed []extend.ItemID
	for _, id := range db.LandmarkIDs(true) {
		if len(db.Observations(id, lower, upper)) > 0 {
			confirmed = append(confirmed, id)
		}
	}

	ctrl, err := extend.New(extend.Config{
		Name:               name,
		Ladder:             ladder,
		SampleSize:         t.cfg.SampleSize,
		ConvergenceEpsilon: t.cfg.ConvergenceEpsilon,
		PruneIterations:    t.cfg.PruneIterations,
		TargetCount:        max(t.cfg.TargetLandmarks, t.cfg.MinUsableLandmarks),
		MinUsable:          t.cfg.MinUsableLandmarks,
		MaxRounds:          t.cfg.MaxRounds,
		Metrics:            t.metrics,
		OnRound:            t.onRound,
	}, extend.Collaborators[*Database]{
		Points:    stage,
		Estimator: stage,
		Validator: stage,
		Metric:    stage,
		Pruner:    stage,
		Finder:    stage,
	}, db, confirmed)
	if err != nil {
		return extend.Result[*Database]{}, err
	}
	return ctrl.Run(ctx)
}

// OptimizeCamera refines the focal length against the reconstruction in db
// over [lower, upper], with frames holding valid poses as the confirmed
// items. On success the tracker adopts the refined camera and db is updated
// in place.
func (t *Tracker) OptimizeCamera(ctx context.Context, db *Database, lower, upper int) (TrackResult, error) {
	start := time.Now()
	lower, upper = max(lower, 0), min(upper, db.Frames()-1)
	result := TrackResult{Camera: t.camera, Lower: lower, Upper: upper}

	lo, hi, ok := db.LargestValidPoseRange(lower, upper)
	if !ok {
		return result, fmt.Errorf("frames %d-%d: %w", lower, upper, ErrNoValidPoses)
	}
	motion := DetermineCameraMotion(db, t.camera, lo, hi, *t.cfg.Motion)
	result.Motion = motion
	if motion == MotionInvalid {
		return result, fmt.Errorf("frames %d-%d: %w", lo, hi, ErrInvalidMotion)
	}
	_, best, _ := db.PoseWithMostCorrespondences(lo, hi)

	maxChange := 0.0
	for _, tier := range t.cfg.FocalLadder {
		maxChange = math.Max(maxChange, tier.Value)
	}
	stage := &cameraStage{
		motion:    motion,
		lower:     lower,
		upper:     upper,
		initial:   t.camera.FocalLength,
		maxChange: maxChange,
		poses:     t.poseOptions(t.cfg.Correspondence.Threshold(best)),
		landmarks: t.landmarkOptions(),
		maxFrame:  t.cfg.MaxAverageSqrError,
	}

	var frames []extend.ItemID
	for f := lower; f <= upper; f++ {
		if _, ok := db.Pose(f); ok {
			frames = append(frames, extend.ItemID(f))
		}
	}

	ctrl, err := extend.New(extend.Config{
		Name:               "camera",
		Ladder:             t.cfg.FocalLadder,
		SampleSize:         t.cfg.KeyFrames,
		ConvergenceEpsilon: t.cfg.ConvergenceEpsilon,
		PruneIterations:    t.cfg.PruneIterations,
		TargetCount:        len(frames),
		MinUsable:          2,
		MaxRounds:          t.cfg.MaxRounds,
		Metrics:            t.metrics,
		OnRound:            t.onRound,
	}, extend.Collaborators[*CameraModel]{
		Points:    stage,
		Estimator: stage,
		Validator: stage,
		Metric:    stage,
		Pruner:    stage,
		Finder:    stage,
	}, &CameraModel{Camera: t.camera, DB: db}, frames)
	if err != nil {
		return result, err
	}

	res, err := ctrl.Run(ctx)
	if res.Model != nil {
		db.replace(res.Model.DB)
		if err == nil && !res.Aborted {
			t.camera = res.Model.Camera
		}
	}
	result.Camera = t.camera
	result.Reports = res.Reports
	result.State = res.State
	result.Partial = res.Partial
	t.summarize(db, &result)
	result.Duration = time.Since(start)
	if err != nil {
		return result, err
	}
	if res.Aborted {
		return result, ctx.Err()
	}
	log.Printf("[TRACK] Camera refined: focal length %.2f -> %.2f (fov %.1f deg)",
		stage.initial, t.camera.FocalLength, t.camera.FovX())
	return result, nil
}

// AbsoluteTrajectoryError aligns the valid poses of db to truth with a
// similarity transform and returns it together with the RMS position error
// and the number of frames compared. Fewer than two frames, or frames that
// share one position, yield the identity and zero error.
func AbsoluteTrajectoryError(db *Database, truth []Pose) (AffineMatrix, float64, int) {
	var est, ref []Point
	for f := 0; f < db.Frames() && f < len(truth); f++ {
		if p, ok := db.Pose(f); ok {
			est = append(est, p.Position())
			ref = append(ref, truth[f].Position())
		}
	}
	if len(est) < 2 {
		return Identity(), 0, len(est)
	}
	c := Centroid(est)
	spread := 0.0
	for _, p := range est {
		spread = math.Max(spread, Distance(p, c))
	}
	if spread < 1e-9 {
		return Identity(), 0, len(est)
	}

	m := CalculateSimilarityTransform(est, ref)
	var sum float64
	for i, p := range est {
		d := Distance(TransformPoint(p, m), ref[i])
		sum += d * d
	}
	return m, math.Sqrt(sum / float64(len(est))), len(est)
}
