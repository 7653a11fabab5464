package slam

import (
	"log"
	"sync"
	"time"

	"github.com/kwv/tudoslam/extend"
)

// DefaultColor is used for sequences without a configured color.
const DefaultColor = "#FF0000"

// maxRecentReports bounds the round reports kept per sequence.
const maxRecentReports = 200

// SequenceStatus is the live view of one sequence for HTTP endpoints.
type SequenceStatus struct {
	SequenceID string       `json:"sequenceId"`
	Color      string       `json:"color"`
	Running    bool         `json:"running"`
	StartedAt  time.Time    `json:"startedAt,omitempty"`
	FinishedAt time.Time    `json:"finishedAt,omitempty"`
	Rounds     int          `json:"rounds"`
	State      extend.State `json:"state"`
	Confirmed  int          `json:"confirmed"`
	LastError  string       `json:"lastError,omitempty"`
	HasResult  bool         `json:"hasResult"`
}

type sequenceState struct {
	status  SequenceStatus
	reports []extend.RoundReport
	result  *SequenceResult
}

// StateTracker tracks running and finished sequences for HTTP endpoints
type StateTracker struct {
	mu        sync.RWMutex
	sequences map[string]*sequenceState
	colors    map[string]string
}

// NewStateTracker creates a new state tracker
func NewStateTracker() *StateTracker {
	return &StateTracker{
		sequences: make(map[string]*sequenceState),
		colors:    make(map[string]string),
	}
}

// NewStateTrackerWithCache creates a state tracker that starts from the
// results cached in dataDir for the given sequences.
func NewStateTrackerWithCache(dataDir string, sequenceIDs []string) *StateTracker {
	st := NewStateTracker()
	if dataDir == "" {
		return st
	}
	for _, id := range sequenceIDs {
		r, err := LoadResult(ResultPath(dataDir, id))
		if err != nil {
			log.Printf("warning: ignoring cached result for %s: %v", id, err)
			continue
		}
		if r != nil {
			st.RecordResult(id, r)
		}
	}
	return st
}

// entry returns the state of id, creating it. Callers hold st.mu.
func (st *StateTracker) entry(id string) *sequenceState {
	s, ok := st.sequences[id]
	if !ok {
		color := st.colors[id]
		if color == "" {
			color = DefaultColor
		}
		s = &sequenceState{status: SequenceStatus{SequenceID: id, Color: color}}
		st.sequences[id] = s
	}
	return s
}

// SetColor sets the color for a sequence
func (st *StateTracker) SetColor(sequenceID, hexColor string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.colors[sequenceID] = hexColor
	if s, ok := st.sequences[sequenceID]; ok {
		s.status.Color = hexColor
	}
}

// Color returns the configured color of a sequence.
func (st *StateTracker) Color(sequenceID string) string {
	st.mu.RLock()
	defer st.mu.RUnlock()
	if c := st.colors[sequenceID]; c != "" {
		return c
	}
	return DefaultColor
}

// MarkStarted records the start of a run and clears the previous reports.
// It returns false if the sequence is already running.
func (st *StateTracker) MarkStarted(sequenceID string) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	s := st.entry(sequenceID)
	if s.status.Running {
		return false
	}
	s.status.Running = true
	s.status.StartedAt = time.Now()
	s.status.Rounds = 0
	s.status.LastError = ""
	s.reports = nil
	return true
}

// RecordRound appends a round report of a running sequence.
func (st *StateTracker) RecordRound(sequenceID string, report extend.RoundReport) {
	st.mu.Lock()
	defer st.mu.Unlock()
	s := st.entry(sequenceID)
	s.reports = append(s.reports, report)
	if len(s.reports) > maxRecentReports {
		s.reports = s.reports[len(s.reports)-maxRecentReports:]
	}
	s.status.Rounds++
	s.status.State = report.State
	s.status.Confirmed = report.Confirmed
}

// RecordResult stores the result of a finished run.
func (st *StateTracker) RecordResult(sequenceID string, r *SequenceResult) {
	st.mu.Lock()
	defer st.mu.Unlock()
	s := st.entry(sequenceID)
	s.result = r
	s.status.Running = false
	s.status.FinishedAt = time.Unix(r.LastUpdated, 0)
	if r.LastUpdated == 0 {
		s.status.FinishedAt = time.Now()
	}
	s.status.State = r.Track.State
	s.status.Confirmed = r.Track.Landmarks
	s.status.LastError = r.Error
	s.status.HasResult = true
	if len(s.reports) == 0 {
		s.reports = append(s.reports, r.Track.Reports...)
	}
}

// MarkFailed ends a run that produced no result.
func (st *StateTracker) MarkFailed(sequenceID string, err error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	s := st.entry(sequenceID)
	s.status.Running = false
	s.status.FinishedAt = time.Now()
	if err != nil {
		s.status.LastError = err.Error()
	}
}

// IsRunning reports whether a run of the sequence is in progress.
func (st *StateTracker) IsRunning(sequenceID string) bool {
	st.mu.RLock()
	defer st.mu.RUnlock()
	s, ok := st.sequences[sequenceID]
	return ok && s.status.Running
}

// GetStatus returns the status of one sequence.
func (st *StateTracker) GetStatus(sequenceID string) (SequenceStatus, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	s, ok := st.sequences[sequenceID]
	if !ok {
		return SequenceStatus{}, false
	}
	return s.status, true
}

// GetAllStatus returns the status of every known sequence.
func (st *StateTracker) GetAllStatus() map[string]SequenceStatus {
	st.mu.RLock()
	defer st.mu.RUnlock()
	out := make(map[string]SequenceStatus, len(st.sequences))
	for id, s := range st.sequences {
		out[id] = s.status
	}
	return out
}

// GetReports returns a copy of the recent round reports of a sequence.
func (st *StateTracker) GetReports(sequenceID string) []extend.RoundReport {
	st.mu.RLock()
	defer st.mu.RUnlock()
	s, ok := st.sequences[sequenceID]
	if !ok {
		return nil
	}
	out := make([]extend.RoundReport, len(s.reports))
	copy(out, s.reports)
	return out
}

// GetResult returns the last result of a sequence, or nil.
func (st *StateTracker) GetResult(sequenceID string) *SequenceResult {
	st.mu.RLock()
	defer st.mu.RUnlock()
	if s, ok := st.sequences[sequenceID]; ok {
		return s.result
	}
	return nil
}

// HasResults returns true if at least one sequence has a result
func (st *StateTracker) HasResults() bool {
	st.mu.RLock()
	defer st.mu.RUnlock()
	for _, s := range st.sequences {
		if s.result != nil {
			return true
		}
	}
	return false
}
