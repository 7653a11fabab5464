package slam

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Dataset is a recorded sequence: observations with the poses and landmarks
// known so far, optionally the camera it was recorded with and ground-truth
// poses for evaluation.
type Dataset struct {
	Camera   *Camera   `json:"camera,omitempty"`
	Database *Database `json:"database"`
	Truth    []Pose    `json:"truth,omitempty"`
}

// ParseDataset decodes a dataset from JSON.
func ParseDataset(data []byte) (*Dataset, error) {
	var ds Dataset
	if err := json.Unmarshal(data, &ds); err != nil {
		return nil, fmt.Errorf("parsing dataset JSON: %w", err)
	}
	if ds.Database == nil {
		return nil, fmt.Errorf("parsing dataset JSON: database is missing")
	}
	if ds.Camera != nil {
		if err := ds.Camera.Validate(); err != nil {
			return nil, fmt.Errorf("parsing dataset JSON: %w", err)
		}
	}
	return &ds, nil
}

// LoadDataset reads a dataset file.
func LoadDataset(path string) (*Dataset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading dataset file: %w", err)
	}
	return ParseDataset(data)
}

// SaveDataset writes a dataset file, creating its directory.
func SaveDataset(path string, ds *Dataset) error {
	return writeJSON(path, ds, "dataset")
}

// Dataset returns the generated sequence as a dataset with its ground truth.
func (s *Scene) Dataset() *Dataset {
	cam := s.Camera
	truth := make([]Pose, len(s.Poses))
	copy(truth, s.Poses)
	return &Dataset{Camera: &cam, Database: s.DB, Truth: truth}
}

// SequenceResult is the persisted outcome of stabilising one sequence.
type SequenceResult struct {
	SequenceID string      `json:"sequenceId"`
	Track      TrackResult `json:"track"`
	Database   *Database   `json:"database"`
	// Trajectory error against the dataset's ground truth, when it has one.
	ATE         float64 `json:"ate,omitempty"`
	ATEFrames   int     `json:"ateFrames,omitempty"`
	Error       string  `json:"error,omitempty"`
	LastUpdated int64   `json:"lastUpdated"`
}

// ResultPath returns where the result of a sequence is cached.
func ResultPath(dataDir, sequenceID string) string {
	return filepath.Join(dataDir, fmt.Sprintf("%s.result.json", sequenceID))
}

// LoadResult loads a cached sequence result. A missing file is not an error.
func LoadResult(path string) (*SequenceResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil // No result yet
		}
		return nil, fmt.Errorf("reading result file: %w", err)
	}

	var r SequenceResult
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parsing result file: %w", err)
	}

	return &r, nil
}

// SaveResult writes a sequence result, stamping LastUpdated.
func SaveResult(path string, r *SequenceResult) error {
	r.LastUpdated = time.Now().Unix()
	return writeJSON(path, r, "result")
}

// NeedsRerun reports whether the cached result is missing, failed or older than maxAge.
func (r *SequenceResult) NeedsRerun(maxAge time.Duration) bool {
	if r == nil || r.LastUpdated == 0 || r.Error != "" {
		return true
	}
	return time.Since(time.Unix(r.LastUpdated, 0)) > maxAge
}

func writeJSON(path string, v any, what string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating %s directory: %w", what, err)
	}

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", what, err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing %s file: %w", what, err)
	}

	return nil
}
