package slam

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"sync"
	"time"

	"github.com/kwv/tudoslam/extend"
)

// DefaultMinRunInterval is the minimum time between triggered runs of the
// same sequence (debounce).
const DefaultMinRunInterval = time.Minute

// ErrAlreadyRunning is returned when a sequence is triggered while it runs.
var ErrAlreadyRunning = errors.New("sequence is already running")

// ErrUnknownSequence is returned for sequence IDs missing from the config.
var ErrUnknownSequence = errors.New("unknown sequence")

// ErrRunTooSoon is returned when a sequence is triggered within MinRunInterval
// of its previous run.
var ErrRunTooSoon = errors.New("sequence ran too recently")

// SequenceScheduler runs the tracker on configured sequences. Runs are
// triggered over MQTT or called directly; each sequence runs at most once at
// a time and can be aborted while it runs.
type SequenceScheduler struct {
	config       *Config
	stateTracker *StateTracker
	publisher    *Publisher
	metrics      *extend.Metrics
	fetchOpts    []FetchOption

	// MinRunInterval debounces triggered runs; zero disables debouncing.
	MinRunInterval time.Duration

	mu      sync.Mutex
	lastRun map[string]time.Time
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// NewSequenceScheduler creates a scheduler. publisher and metrics may be nil.
func NewSequenceScheduler(config *Config, st *StateTracker, publisher *Publisher, metrics *extend.Metrics, fetchOpts ...FetchOption) *SequenceScheduler {
	if st == nil {
		st = NewStateTracker()
	}
	for _, sc := range config.Sequences {
		if sc.Color != "" {
			st.SetColor(sc.ID, sc.Color)
		}
	}
	return &SequenceScheduler{
		config:         config,
		stateTracker:   st,
		publisher:      publisher,
		metrics:        metrics,
		fetchOpts:      fetchOpts,
		MinRunInterval: DefaultMinRunInterval,
		lastRun:        make(map[string]time.Time),
		cancels:        make(map[string]context.CancelFunc),
	}
}

// OnRunRequest is the RunHandler registered with the MQTT client. It starts
// the run in the background unless the sequence ran too recently.
func (s *SequenceScheduler) OnRunRequest(sequenceID string, frames *FrameRange) {
	if err := s.TriggerRun(sequenceID, frames); err != nil {
		log.Printf("[SCHED] %s: skipping run: %v", sequenceID, err)
	}
}

// TriggerRun starts a run in the background. It returns ErrUnknownSequence,
// ErrAlreadyRunning or ErrRunTooSoon instead of starting one.
func (s *SequenceScheduler) TriggerRun(sequenceID string, frames *FrameRange) error {
	if s.config.GetSequenceByID(sequenceID) == nil {
		return fmt.Errorf("%s: %w", sequenceID, ErrUnknownSequence)
	}

	s.mu.Lock()
	if _, running := s.cancels[sequenceID]; running {
		s.mu.Unlock()
		return fmt.Errorf("%s: %w", sequenceID, ErrAlreadyRunning)
	}
	if last, ok := s.lastRun[sequenceID]; ok && s.MinRunInterval > 0 {
		if since := time.Since(last); since < s.MinRunInterval {
			s.mu.Unlock()
			return fmt.Errorf("%s: last run %s ago, min interval %s: %w",
				sequenceID, since.Round(time.Second), s.MinRunInterval, ErrRunTooSoon)
		}
	}
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if _, err := s.RunSequence(context.Background(), sequenceID, frames); err != nil {
			log.Printf("[SCHED] %s: run failed: %v", sequenceID, err)
		}
	}()
	return nil
}

// OnAbortRequest is the AbortHandler registered with the MQTT client.
func (s *SequenceScheduler) OnAbortRequest(sequenceID string) {
	if s.Abort(sequenceID) {
		log.Printf("[SCHED] %s: abort requested", sequenceID)
	} else {
		log.Printf("[SCHED] %s: abort requested but not running", sequenceID)
	}
}

// Abort cancels a running sequence. It reports whether one was running.
func (s *SequenceScheduler) Abort(sequenceID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cancel, ok := s.cancels[sequenceID]
	if ok {
		cancel()
	}
	return ok
}

// Wait blocks until all background runs have finished.
func (s *SequenceScheduler) Wait() {
	s.wg.Wait()
}

// Close aborts all running sequences and waits for them.
func (s *SequenceScheduler) Close() {
	s.mu.Lock()
	for _, cancel := range s.cancels {
		cancel()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// StateTracker returns the tracker the scheduler records into.
func (s *SequenceScheduler) StateTracker() *StateTracker {
	return s.stateTracker
}

// RunSequence loads the dataset of a sequence, extends its stable landmarks,
// optionally refines the camera, persists the result and publishes a
// summary. frames overrides the configured range when not nil. A result is
// returned whenever the dataset could be loaded, also when tracking failed.
func (s *SequenceScheduler) RunSequence(ctx context.Context, sequenceID string, frames *FrameRange) (*SequenceResult, error) {
	sc := s.config.GetSequenceByID(sequenceID)
	if sc == nil {
		return nil, fmt.Errorf("%s: %w", sequenceID, ErrUnknownSequence)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	if _, running := s.cancels[sequenceID]; running {
		s.mu.Unlock()
		return nil, fmt.Errorf("%s: %w", sequenceID, ErrAlreadyRunning)
	}
	s.cancels[sequenceID] = cancel
	s.lastRun[sequenceID] = time.Now()
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.cancels, sequenceID)
		s.mu.Unlock()
	}()

	s.stateTracker.MarkStarted(sequenceID)
	log.Printf("[SCHED] %s: run started", sequenceID)

	ds, err := s.loadDataset(ctx, sc)
	if err != nil {
		s.stateTracker.MarkFailed(sequenceID, err)
		return nil, fmt.Errorf("%s: %w", sequenceID, err)
	}

	result, err := s.track(ctx, sc, ds, frames)
	if s.config.DataDir != "" {
		path := ResultPath(s.config.DataDir, sequenceID)
		if serr := SaveResult(path, result); serr != nil {
			log.Printf("[SCHED] %s: failed to save result: %v", sequenceID, serr)
		} else {
			log.Printf("[SCHED] %s: result saved to %s", sequenceID, path)
		}
	}
	s.stateTracker.RecordResult(sequenceID, result)
	if s.publisher != nil {
		if perr := s.publisher.PublishResult(Summarize(result)); perr != nil {
			log.Printf("[SCHED] %s: result not published: %v", sequenceID, perr)
		}
	}

	if err != nil {
		return result, fmt.Errorf("%s: %w", sequenceID, err)
	}
	log.Printf("[SCHED] %s: run complete (state %s, %d landmarks, %d valid poses)",
		sequenceID, result.Track.State, result.Track.Landmarks, result.Track.ValidPoses)
	return result, nil
}

// loadDataset reads the local dataset, or fetches it and keeps a copy in the data directory.
func (s *SequenceScheduler) loadDataset(ctx context.Context, sc *SequenceConfig) (*Dataset, error) {
	if sc.Path != "" {
		path := sc.Path
		if !filepath.IsAbs(path) && s.config.DataDir != "" {
			path = filepath.Join(s.config.DataDir, path)
		}
		return LoadDataset(path)
	}

	log.Printf("[SCHED] %s: fetching dataset from %s", sc.ID, *sc.ApiURL)
	ds, err := FetchDataset(ctx, *sc.ApiURL, s.fetchOpts...)
	if err != nil {
		return nil, err
	}
	if s.config.DataDir != "" {
		path := filepath.Join(s.config.DataDir, fmt.Sprintf("%s.dataset.json", sc.ID))
		if err := SaveDataset(path, ds); err != nil {
			log.Printf("[SCHED] %s: failed to save fetched dataset: %v", sc.ID, err)
		}
	}
	return ds, nil
}

func (s *SequenceScheduler) track(ctx context.Context, sc *SequenceConfig, ds *Dataset, frames *FrameRange) (*SequenceResult, error) {
	result := &SequenceResult{SequenceID: sc.ID, Database: ds.Database}

	cam, err := CameraFromConfig(s.config.Camera)
	if ds.Camera != nil {
		cam, err = *ds.Camera, nil
	}
	if err != nil {
		result.Error = err.Error()
		return result, err
	}

	lower, upper := sc.FrameRange(ds.Database.Frames())
	if frames != nil {
		lower, upper = max(frames.Lower, 0), min(frames.Upper, ds.Database.Frames()-1)
	}

	opts := []TrackerOption{WithRoundObserver(s.observer(sc.ID))}
	if s.metrics != nil {
		opts = append(opts, WithMetrics(s.metrics))
	}
	tracker, err := NewTracker(cam, s.config.Tracker, opts...)
	if err != nil {
		result.Error = err.Error()
		return result, err
	}

	track, err := tracker.ExtendStableLandmarks(ctx, ds.Database, lower, upper)
	result.Track = track
	if err == nil && sc.OptimizeCamera {
		refined, cerr := tracker.OptimizeCamera(ctx, ds.Database, lower, upper)
		result.Track.Reports = append(result.Track.Reports, refined.Reports...)
		if cerr != nil {
			log.Printf("[SCHED] %s: camera refinement failed: %v (keeping %.2f)", sc.ID, cerr, cam.FocalLength)
		} else {
			result.Track.Camera = refined.Camera
			result.Track.ValidPoses = refined.ValidPoses
			result.Track.Landmarks = refined.Landmarks
		}
	}
	if err != nil {
		result.Error = err.Error()
	}

	if len(ds.Truth) > 0 {
		_, ate, n := AbsoluteTrajectoryError(ds.Database, ds.Truth)
		result.ATE, result.ATEFrames = ate, n
	}
	return result, err
}

// observer records rounds in the state tracker and publishes them.
func (s *SequenceScheduler) observer(sequenceID string) func(extend.RoundReport) {
	var publish func(extend.RoundReport)
	if s.publisher != nil {
		publish = s.publisher.RoundObserver(sequenceID)
	}
	return func(r extend.RoundReport) {
		s.stateTracker.RecordRound(sequenceID, r)
		if publish != nil {
			publish(r)
		}
	}
}

// String implements fmt.Stringer for debug logging.
func (s *SequenceScheduler) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fmt.Sprintf("SequenceScheduler{sequences=%d, running=%d, lastRun=%d}",
		len(s.config.Sequences), len(s.cancels), len(s.lastRun))
}
