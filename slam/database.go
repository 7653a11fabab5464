package slam

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// ErrFrameOutOfRange is returned for frame indices outside the database.
var ErrFrameOutOfRange = errors.New("frame out of range")

type landmarkEntry struct {
	position Point
	valid    bool
	rejected bool
	obs      map[int]float64 // frame -> u
}

// Database holds the camera poses of a sequence, the landmarks and every
// observation linking them. Poses and landmark positions are optional.
// It is not safe for concurrent use; use Clone to hand out snapshots.
type Database struct {
	poses     []Pose
	poseValid []bool
	frameObs  []map[LandmarkID]float64
	landmarks map[LandmarkID]*landmarkEntry
}

// NewDatabase creates an empty database for frames [0, frames).
func NewDatabase(frames int) *Database {
	db := &Database{
		poses:     make([]Pose, frames),
		poseValid: make([]bool, frames),
		frameObs:  make([]map[LandmarkID]float64, frames),
		landmarks: make(map[LandmarkID]*landmarkEntry),
	}
	for i := range db.frameObs {
		db.frameObs[i] = make(map[LandmarkID]float64)
	}
	return db
}

// Frames returns the number of frames.
func (db *Database) Frames() int { return len(db.poses) }

func (db *Database) checkFrame(frame int) error {
	if frame < 0 || frame >= len(db.poses) {
		return fmt.Errorf("frame %d of %d: %w", frame, len(db.poses), ErrFrameOutOfRange)
	}
	return nil
}

func (db *Database) entry(id LandmarkID) *landmarkEntry {
	e, ok := db.landmarks[id]
	if !ok {
		e = &landmarkEntry{obs: make(map[int]float64)}
		db.landmarks[id] = e
	}
	return e
}

// AddObservation records landmark id at image coordinate u in frame.
func (db *Database) AddObservation(frame int, id LandmarkID, u float64) error {
	if err := db.checkFrame(frame); err != nil {
		return err
	}
	db.entry(id).obs[frame] = u
	db.frameObs[frame][id] = u
	return nil
}

// SetPose stores a valid pose for frame.
func (db *Database) SetPose(frame int, p Pose) error {
	if err := db.checkFrame(frame); err != nil {
		return err
	}
	db.poses[frame] = p
	db.poseValid[frame] = true
	return nil
}

// InvalidatePose marks the pose of frame as unknown.
func (db *Database) InvalidatePose(frame int) {
	if frame >= 0 && frame < len(db.poseValid) {
		db.poseValid[frame] = false
	}
}

// Pose returns the pose of frame if it is valid.
func (db *Database) Pose(frame int) (Pose, bool) {
	if frame < 0 || frame >= len(db.poses) || !db.poseValid[frame] {
		return Pose{}, false
	}
	return db.poses[frame], true
}

// SetLandmark stores a valid position for id and clears a rejection.
func (db *Database) SetLandmark(id LandmarkID, p Point) {
	e := db.entry(id)
	e.position = p
	e.valid = true
	e.rejected = false
}

// InvalidateLandmark forgets the position of id but keeps its observations.
func (db *Database) InvalidateLandmark(id LandmarkID) {
	if e, ok := db.landmarks[id]; ok {
		e.valid = false
	}
}

// RejectLandmark invalidates id and excludes it from future derivation.
func (db *Database) RejectLandmark(id LandmarkID) {
	if e, ok := db.landmarks[id]; ok {
		e.valid = false
		e.rejected = true
	}
}

// Rejected reports whether id has been rejected as inaccurate.
func (db *Database) Rejected(id LandmarkID) bool {
	e, ok := db.landmarks[id]
	return ok && e.rejected
}

// Landmark returns the position of id if it is valid.
func (db *Database) Landmark(id LandmarkID) (Point, bool) {
	e, ok := db.landmarks[id]
	if !ok || !e.valid {
		return Point{}, false
	}
	return e.position, true
}

// LandmarkIDs returns the ids of all landmarks, or only those with a valid
// position, in ascending order.
func (db *Database) LandmarkIDs(validOnly bool) []LandmarkID {
	ids := make([]LandmarkID, 0, len(db.landmarks))
	for id, e := range db.landmarks {
		if validOnly && !e.valid {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// FrameObservation is an observation of a known landmark seen from a frame.
type FrameObservation struct {
	Frame int
	U     float64
}

// Observations returns the observations of id within [lower, upper], ordered by frame.
func (db *Database) Observations(id LandmarkID, lower, upper int) []FrameObservation {
	e, ok := db.landmarks[id]
	if !ok {
		return nil
	}
	out := make([]FrameObservation, 0, len(e.obs))
	for frame, u := range e.obs {
		if frame >= lower && frame <= upper {
			out = append(out, FrameObservation{Frame: frame, U: u})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Frame < out[j].Frame })
	return out
}

// Correspondence pairs an observation with the landmark position it belongs to.
type Correspondence struct {
	ID       LandmarkID
	Position Point
	U        float64
}

// Correspondences returns the observations in frame of landmarks with a valid
// position, ordered by landmark id. A non-nil filter restricts the landmarks.
func (db *Database) Correspondences(frame int, filter map[LandmarkID]bool) []Correspondence {
	if frame < 0 || frame >= len(db.frameObs) {
		return nil
	}
	out := make([]Correspondence, 0, len(db.frameObs[frame]))
	for id, u := range db.frameObs[frame] {
		if filter != nil && !filter[id] {
			continue
		}
		if p, ok := db.Landmark(id); ok {
			out = append(out, Correspondence{ID: id, Position: p, U: u})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ObservationCount returns the number of observations stored in frame.
func (db *Database) ObservationCount(frame int) int {
	if frame < 0 || frame >= len(db.frameObs) {
		return 0
	}
	return len(db.frameObs[frame])
}

// ValidPoseCount returns the number of valid poses within [lower, upper].
func (db *Database) ValidPoseCount(lower, upper int) int {
	n := 0
	for f := max(lower, 0); f <= upper && f < len(db.poseValid); f++ {
		if db.poseValid[f] {
			n++
		}
	}
	return n
}

// LargestValidPoseRange returns the longest run of consecutive valid poses
// within [lower, upper]. The earliest run wins ties.
func (db *Database) LargestValidPoseRange(lower, upper int) (int, int, bool) {
	bestLower, bestUpper, found := 0, -1, false
	start := -1
	for f := max(lower, 0); f <= upper+1; f++ {
		valid := f <= upper && f < len(db.poseValid) && db.poseValid[f]
		if valid && start < 0 {
			start = f
		}
		if !valid && start >= 0 {
			if !found || f-1-start > bestUpper-bestLower {
				bestLower, bestUpper, found = start, f-1, true
			}
			start = -1
		}
		if f >= len(db.poseValid) {
			break
		}
	}
	return bestLower, bestUpper, found
}

// ValidPoseRange returns the run of consecutive valid poses containing frame.
func (db *Database) ValidPoseRange(frame int) (int, int, bool) {
	if _, ok := db.Pose(frame); !ok {
		return 0, 0, false
	}
	lower, upper := frame, frame
	for lower > 0 && db.poseValid[lower-1] {
		lower--
	}
	for upper+1 < len(db.poseValid) && db.poseValid[upper+1] {
		upper++
	}
	return lower, upper, true
}

// PoseWithMostCorrespondences returns the frame within [lower, upper] with a
// valid pose that observes the most landmarks with valid positions.
func (db *Database) PoseWithMostCorrespondences(lower, upper int) (int, int, bool) {
	bestFrame, best, found := 0, 0, false
	for f := max(lower, 0); f <= upper && f < len(db.poses); f++ {
		if !db.poseValid[f] {
			continue
		}
		n := 0
		for id := range db.frameObs[f] {
			if _, ok := db.Landmark(id); ok {
				n++
			}
		}
		if !found || n > best {
			bestFrame, best, found = f, n, true
		}
	}
	return bestFrame, best, found
}

// Clone returns a deep copy.
func (db *Database) Clone() *Database {
	c := &Database{
		poses:     append([]Pose(nil), db.poses...),
		poseValid: append([]bool(nil), db.poseValid...),
		frameObs:  make([]map[LandmarkID]float64, len(db.frameObs)),
		landmarks: make(map[LandmarkID]*landmarkEntry, len(db.landmarks)),
	}
	for f, m := range db.frameObs {
		cm := make(map[LandmarkID]float64, len(m))
		for id, u := range m {
			cm[id] = u
		}
		c.frameObs[f] = cm
	}
	for id, e := range db.landmarks {
		ce := &landmarkEntry{position: e.position, valid: e.valid, rejected: e.rejected, obs: make(map[int]float64, len(e.obs))}
		for f, u := range e.obs {
			ce.obs[f] = u
		}
		c.landmarks[id] = ce
	}
	return c
}

// databaseJSON is the persisted form of a Database.
type databaseJSON struct {
	Frames       int                  `json:"frames"`
	Poses        map[int]Pose         `json:"poses"`
	Landmarks    map[LandmarkID]Point `json:"landmarks"`
	Rejected     []LandmarkID         `json:"rejected,omitempty"`
	Observations []Observation        `json:"observations"`
}

// MarshalJSON encodes valid poses, valid landmarks and all observations.
func (db *Database) MarshalJSON() ([]byte, error) {
	out := databaseJSON{
		Frames:    len(db.poses),
		Poses:     make(map[int]Pose),
		Landmarks: make(map[LandmarkID]Point),
	}
	for f, p := range db.poses {
		if db.poseValid[f] {
			out.Poses[f] = p
		}
	}
	for _, id := range db.LandmarkIDs(false) {
		e := db.landmarks[id]
		if e.valid {
			out.Landmarks[id] = e.position
		}
		if e.rejected {
			out.Rejected = append(out.Rejected, id)
		}
		for _, o := range db.Observations(id, 0, len(db.poses)-1) {
			out.Observations = append(out.Observations, Observation{Frame: o.Frame, Landmark: id, U: o.U})
		}
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes the format written by MarshalJSON.
func (db *Database) UnmarshalJSON(data []byte) error {
	var in databaseJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	if in.Frames < 0 {
		return fmt.Errorf("negative frame count %d", in.Frames)
	}
	fresh := NewDatabase(in.Frames)
	for _, o := range in.Observations {
		if err := fresh.AddObservation(o.Frame, o.Landmark, o.U); err != nil {
			return fmt.Errorf("observation of landmark %d: %w", o.Landmark, err)
		}
	}
	for f, p := range in.Poses {
		if err := fresh.SetPose(f, p); err != nil {
			return fmt.Errorf("pose: %w", err)
		}
	}
	for id, p := range in.Landmarks {
		fresh.SetLandmark(id, p)
	}
	for _, id := range in.Rejected {
		if _, ok := fresh.landmarks[id]; ok {
			fresh.RejectLandmark(id)
		}
	}
	*db = *fresh
	return nil
}

// replace makes db hold the contents of other.
func (db *Database) replace(other *Database) {
	if other != db {
		*db = *other
	}
}
