package slam

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/kwv/tudoslam/extend"
)

// ---------------------------------------------------------------------------
// NewStateTracker
// ---------------------------------------------------------------------------

func TestNewStateTracker(t *testing.T) {
	st := NewStateTracker()
	if st == nil {
		t.Fatal("NewStateTracker returned nil")
	}
	if len(st.GetAllStatus()) != 0 {
		t.Error("new tracker should have no sequences")
	}
	if st.HasResults() {
		t.Error("new tracker HasResults should be false")
	}
	if st.GetResult("corridor") != nil {
		t.Error("unknown sequence should have no result")
	}
	if _, ok := st.GetStatus("corridor"); ok {
		t.Error("unknown sequence should have no status")
	}
}

func TestNewStateTrackerWithCache(t *testing.T) {
	dir := t.TempDir()
	r := &SequenceResult{SequenceID: "corridor", Track: TrackResult{State: extend.Converged, Landmarks: 12}}
	if err := SaveResult(ResultPath(dir, "corridor"), r); err != nil {
		t.Fatalf("SaveResult: %v", err)
	}

	st := NewStateTrackerWithCache(dir, []string{"corridor", "yard"})
	status, ok := st.GetStatus("corridor")
	if !ok || !status.HasResult {
		t.Fatalf("corridor status = %+v, want cached result", status)
	}
	if status.Confirmed != 12 || status.State != extend.Converged {
		t.Errorf("status = %+v", status)
	}
	if _, ok := st.GetStatus("yard"); ok {
		t.Error("yard has no cached result and should be unknown")
	}
}

// ---------------------------------------------------------------------------
// Run lifecycle
// ---------------------------------------------------------------------------

func TestStateTracker_Lifecycle(t *testing.T) {
	st := NewStateTracker()
	st.SetColor("corridor", "#00FF00")

	if !st.MarkStarted("corridor") {
		t.Fatal("MarkStarted should succeed for an idle sequence")
	}
	if st.MarkStarted("corridor") {
		t.Error("MarkStarted should fail while running")
	}
	if !st.IsRunning("corridor") {
		t.Error("IsRunning = false after MarkStarted")
	}

	st.RecordRound("corridor", extend.RoundReport{Round: 1, State: extend.Extending, Confirmed: 10})
	st.RecordRound("corridor", extend.RoundReport{Round: 2, State: extend.Converged, Confirmed: 14})

	status, _ := st.GetStatus("corridor")
	if status.Rounds != 2 || status.Confirmed != 14 || status.State != extend.Converged {
		t.Errorf("status after rounds = %+v", status)
	}
	if status.Color != "#00FF00" {
		t.Errorf("Color = %q, want %q", status.Color, "#00FF00")
	}

	result := &SequenceResult{SequenceID: "corridor", Track: TrackResult{State: extend.Converged, Landmarks: 14}}
	st.RecordResult("corridor", result)

	if st.IsRunning("corridor") {
		t.Error("IsRunning = true after RecordResult")
	}
	if st.GetResult("corridor") != result {
		t.Error("GetResult did not return the recorded result")
	}
	if got := st.GetReports("corridor"); len(got) != 2 || got[1].Round != 2 {
		t.Errorf("GetReports = %+v", got)
	}
	if !st.HasResults() {
		t.Error("HasResults = false after RecordResult")
	}

	// a new run clears the reports of the previous one
	st.MarkStarted("corridor")
	if got := st.GetReports("corridor"); len(got) != 0 {
		t.Errorf("GetReports after restart = %d reports, want 0", len(got))
	}
	st.MarkFailed("corridor", errors.New("no valid poses"))
	status, _ = st.GetStatus("corridor")
	if status.Running || status.LastError != "no valid poses" {
		t.Errorf("status after failure = %+v", status)
	}
}

func TestStateTracker_DefaultColor(t *testing.T) {
	st := NewStateTracker()
	st.MarkStarted("yard")
	status, _ := st.GetStatus("yard")
	if status.Color != DefaultColor {
		t.Errorf("Color = %q, want %q", status.Color, DefaultColor)
	}
	if st.Color("yard") != DefaultColor {
		t.Errorf("Color() = %q, want %q", st.Color("yard"), DefaultColor)
	}

	st.SetColor("yard", "#0000FF")
	status, _ = st.GetStatus("yard")
	if status.Color != "#0000FF" {
		t.Errorf("Color after SetColor = %q", status.Color)
	}
}

func TestStateTracker_ReportsBounded(t *testing.T) {
	st := NewStateTracker()
	st.MarkStarted("yard")
	for i := 0; i < maxRecentReports+25; i++ {
		st.RecordRound("yard", extend.RoundReport{Round: i})
	}

	reports := st.GetReports("yard")
	if len(reports) != maxRecentReports {
		t.Fatalf("len(reports) = %d, want %d", len(reports), maxRecentReports)
	}
	if reports[0].Round != 25 {
		t.Errorf("oldest kept round = %d, want 25", reports[0].Round)
	}
	status, _ := st.GetStatus("yard")
	if status.Rounds != maxRecentReports+25 {
		t.Errorf("Rounds = %d, want %d", status.Rounds, maxRecentReports+25)
	}
}

func TestStateTracker_Concurrency(t *testing.T) {
	st := NewStateTracker()
	var wg sync.WaitGroup

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("seq-%d", i%3)
			for r := 0; r < 50; r++ {
				st.RecordRound(id, extend.RoundReport{Round: r})
				_ = st.GetReports(id)
				_ = st.GetAllStatus()
			}
		}(i)
	}
	wg.Wait()

	if n := len(st.GetAllStatus()); n != 3 {
		t.Errorf("sequences = %d, want 3", n)
	}
}
