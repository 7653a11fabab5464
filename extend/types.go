package extend

import (
	"errors"
	"fmt"
	"time"
)

// State is the lifecycle position of a Controller.
type State int

const (
	// Seeding means no confirmed items exist yet.
	Seeding State = iota
	// Extending means the last accepted round grew the confirmed set.
	Extending
	// Stabilizing means the last accepted round only refined the model.
	Stabilizing
	// Converged is terminal success.
	Converged
	// Exhausted is terminal failure: the ladder ran out without improvement.
	Exhausted
)

var stateNames = [...]string{"seeding", "extending", "stabilizing", "converged", "exhausted"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText decodes a state name.
func (s *State) UnmarshalText(text []byte) error {
	i, err := nameIndex(stateNames[:], text)
	*s = State(i)
	return err
}

// Terminal reports whether no further rounds are expected.
func (s State) Terminal() bool { return s == Converged || s == Exhausted }

// Outcome is the result of a single round.
type Outcome int

const (
	Failed Outcome = iota
	Improved
	Unchanged
)

func (o Outcome) String() string {
	switch o {
	case Improved:
		return "improved"
	case Unchanged:
		return "unchanged"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// MarshalText encodes the outcome by name.
func (o Outcome) MarshalText() ([]byte, error) { return []byte(o.String()), nil }

// UnmarshalText decodes an outcome name.
func (o *Outcome) UnmarshalText(text []byte) error {
	i, err := nameIndex([]string{"failed", "improved", "unchanged"}, text)
	*o = Outcome(i)
	return err
}

// AttemptResult describes what happened at one rung of the ladder.
type AttemptResult int

const (
	AttemptEstimatorFailed AttemptResult = iota
	AttemptImplausible
	AttemptWorse
	AttemptFinderFailed
	AttemptStable
	AttemptImproved
)

var attemptNames = [...]string{"estimator-failed", "implausible", "worse", "finder-failed", "stable", "improved"}

func (a AttemptResult) String() string {
	if a < 0 || int(a) >= len(attemptNames) {
		return fmt.Sprintf("attempt(%d)", int(a))
	}
	return attemptNames[a]
}

// MarshalText encodes the attempt result by name.
func (a AttemptResult) MarshalText() ([]byte, error) { return []byte(a.String()), nil }

// UnmarshalText decodes an attempt result name.
func (a *AttemptResult) UnmarshalText(text []byte) error {
	i, err := nameIndex(attemptNames[:], text)
	*a = AttemptResult(i)
	return err
}

func nameIndex(names []string, text []byte) (int, error) {
	for i, n := range names {
		if n == string(text) {
			return i, nil
		}
	}
	return 0, fmt.Errorf("unknown name %q", text)
}

// ItemID identifies a confirmed item: a landmark, a frame, an observation.
type ItemID uint32

// Tier is one acceptance threshold of a retry ladder.
// Value and MinRatio are interpreted by the collaborators: an observation
// ratio, an angle in degrees, a relative bound.
type Tier struct {
	Name     string  `json:"name" yaml:"name"`
	Value    float64 `json:"value" yaml:"value"`
	MinRatio float64 `json:"minRatio,omitempty" yaml:"minRatio,omitempty"`
}

// RetryLadder is an ordered list of progressively weaker tiers.
type RetryLadder []Tier

var (
	// ErrEmptyLadder is returned for a ladder without tiers.
	ErrEmptyLadder = errors.New("retry ladder has no tiers")
	// ErrMissingCollaborator is returned when a mandatory collaborator is nil.
	ErrMissingCollaborator = errors.New("missing collaborator")
	// ErrNotSeeded is returned by Run when no confirmed items exist.
	ErrNotSeeded = errors.New("controller has no confirmed items")
	// ErrExhausted is returned by Run when the confirmed set ends below the usable minimum.
	ErrExhausted = errors.New("retry ladder exhausted below usable minimum")
)

// Validate checks that the ladder can be used by a Controller.
func (l RetryLadder) Validate() error {
	if len(l) == 0 {
		return ErrEmptyLadder
	}
	seen := make(map[string]bool, len(l))
	for i, t := range l {
		if t.Name == "" {
			return fmt.Errorf("tier %d has no name", i)
		}
		if seen[t.Name] {
			return fmt.Errorf("tier %q listed twice", t.Name)
		}
		seen[t.Name] = true
	}
	return nil
}

// Names returns the tier names in ladder order.
func (l RetryLadder) Names() []string {
	names := make([]string, len(l))
	for i, t := range l {
		names[i] = t.Name
	}
	return names
}

// ObservationLadder requires an item to be seen in 100%, 80%, 60% and finally
// 40% of the frames of interest.
func ObservationLadder() RetryLadder {
	return RetryLadder{
		{Name: "100%", Value: 1.0, MinRatio: 1.0},
		{Name: "80%", Value: 0.8, MinRatio: 0.8},
		{Name: "60%", Value: 0.6, MinRatio: 0.6},
		{Name: "40%", Value: 0.4, MinRatio: 0.4},
	}
}

// AngularLadder loosens the minimal observation angle of an item from 5 down
// to 0.2 degrees, each paired with the share of frames it must be seen in.
func AngularLadder() RetryLadder {
	return RetryLadder{
		{Name: "5.0deg", Value: 5, MinRatio: 0.8},
		{Name: "2.0deg", Value: 2, MinRatio: 0.6},
		{Name: "1.5deg", Value: 1.5, MinRatio: 0.4},
		{Name: "1.0deg", Value: 1, MinRatio: 0.2},
		{Name: "0.5deg", Value: 0.5, MinRatio: 0.3},
		{Name: "0.2deg", Value: 0.2, MinRatio: 0.2},
	}
}

// Attempt records one ladder rung tried during a round.
type Attempt struct {
	Tier   int           `json:"tier"`
	Name   string        `json:"name"`
	Result AttemptResult `json:"result"`
	Error  float64       `json:"error,omitempty"`
}

// RoundReport describes one executed round.
type RoundReport struct {
	Controller  string        `json:"controller"`
	Round       int           `json:"round"`
	Outcome     Outcome       `json:"outcome"`
	State       State         `json:"state"`
	Tier        int           `json:"tier"` // -1 when no tier was accepted
	TierName    string        `json:"tierName,omitempty"`
	Attempts    []Attempt     `json:"attempts"`
	SampleIDs   []ItemID      `json:"sampleIds"`
	Added       []ItemID      `json:"added,omitempty"`
	Pruned      []ItemID      `json:"pruned,omitempty"`
	ErrorBefore float64       `json:"errorBefore"`
	ErrorAfter  float64       `json:"errorAfter"`
	Confirmed   int           `json:"confirmed"`
	Aborted     bool          `json:"aborted,omitempty"`
	Duration    time.Duration `json:"duration"`
}

// Result is returned by Run.
type Result[M any] struct {
	Model     M
	Confirmed []ItemID
	State     State
	Rounds    int
	Reports   []RoundReport
	Aborted   bool
	// Partial is set when the run ended Exhausted after at least one improving round.
	Partial bool
}
