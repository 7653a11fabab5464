package slam

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kwv/tudoslam/extend"
)

// schedulerFixture writes a bootstrapped translating scene to dir and
// returns a config that tracks it as sequence "corridor".
func schedulerFixture(t *testing.T) (*Config, *Scene) {
	t.Helper()
	dir := t.TempDir()
	scene := GenerateScene(SceneConfig{Frames: 40, Landmarks: 150, Seed: 3})
	scene.Bootstrap(0, 39, evenLandmarks)
	require.NoError(t, SaveDataset(filepath.Join(dir, "corridor.json"), scene.Dataset()))

	cfg := &Config{
		Tracker:   testTrackerConfig(),
		DataDir:   dir,
		Sequences: []SequenceConfig{{ID: "corridor", Path: "corridor.json", Color: "#123456"}},
	}
	return cfg, scene
}

func TestRunSequence(t *testing.T) {
	cfg, _ := schedulerFixture(t)
	mock := connectedMock()
	pub := NewPublisher(mock, "lab")
	st := NewStateTracker()
	sched := NewSequenceScheduler(cfg, st, pub, extend.NewMetrics("test"))

	result, err := sched.RunSequence(context.Background(), "corridor", nil)
	require.NoError(t, err)

	assert.Equal(t, extend.Converged, result.Track.State)
	assert.Equal(t, 40, result.Track.ValidPoses)
	assert.Empty(t, result.Error)
	assert.Equal(t, 40, result.ATEFrames)
	assert.Less(t, result.ATE, 1e-2)

	cached, err := LoadResult(ResultPath(cfg.DataDir, "corridor"))
	require.NoError(t, err)
	require.NotNil(t, cached)
	assert.Equal(t, result.Track.Landmarks, cached.Track.Landmarks)

	status, ok := st.GetStatus("corridor")
	require.True(t, ok)
	assert.False(t, status.Running)
	assert.True(t, status.HasResult)
	assert.Equal(t, "#123456", status.Color)
	assert.Equal(t, len(result.Track.Reports), status.Rounds)
	assert.Len(t, st.GetReports("corridor"), len(result.Track.Reports))

	assert.Len(t, mock.MessagesOn("lab/corridor/round"), len(result.Track.Reports))
	results := mock.MessagesOn("lab/corridor/result")
	require.Len(t, results, 1)
	var summary ResultSummary
	require.NoError(t, json.Unmarshal(results[0].Payload, &summary))
	assert.Equal(t, result.Track.Landmarks, summary.Landmarks)
}

func TestRunSequence_FrameOverride(t *testing.T) {
	cfg, _ := schedulerFixture(t)
	sched := NewSequenceScheduler(cfg, nil, nil, nil)

	result, err := sched.RunSequence(context.Background(), "corridor", &FrameRange{Lower: 5, Upper: 99})
	require.NoError(t, err)
	assert.Equal(t, 5, result.Track.Lower)
	assert.Equal(t, 39, result.Track.Upper)
}

func TestRunSequence_Errors(t *testing.T) {
	cfg, _ := schedulerFixture(t)
	sched := NewSequenceScheduler(cfg, nil, nil, nil)

	_, err := sched.RunSequence(context.Background(), "missing", nil)
	assert.ErrorIs(t, err, ErrUnknownSequence)

	sched.mu.Lock()
	sched.cancels["corridor"] = func() {}
	sched.mu.Unlock()
	_, err = sched.RunSequence(context.Background(), "corridor", nil)
	assert.ErrorIs(t, err, ErrAlreadyRunning)
	assert.True(t, sched.Abort("corridor"))

	sched.mu.Lock()
	delete(sched.cancels, "corridor")
	sched.mu.Unlock()
	assert.False(t, sched.Abort("corridor"))

	require.NoError(t, os.Remove(filepath.Join(cfg.DataDir, "corridor.json")))
	_, err = sched.RunSequence(context.Background(), "corridor", nil)
	assert.Error(t, err)
	status, _ := sched.StateTracker().GetStatus("corridor")
	assert.NotEmpty(t, status.LastError)
	assert.False(t, status.Running)
}

func TestRunSequence_Aborted(t *testing.T) {
	cfg, _ := schedulerFixture(t)
	sched := NewSequenceScheduler(cfg, nil, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := sched.RunSequence(ctx, "corridor", nil)
	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, result)
	assert.NotEmpty(t, result.Error)

	cached, lerr := LoadResult(ResultPath(cfg.DataDir, "corridor"))
	require.NoError(t, lerr)
	assert.True(t, cached.NeedsRerun(time.Hour), "a failed run must not count as fresh")
}

func TestRunSequence_FetchedDataset(t *testing.T) {
	cfg, scene := schedulerFixture(t)
	body, err := json.Marshal(scene.Dataset())
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	url := srv.URL
	cfg.Sequences = []SequenceConfig{{ID: "remote", ApiURL: &url}}
	sched := NewSequenceScheduler(cfg, nil, nil, nil, WithHTTPClient(srv.Client()))

	result, err := sched.RunSequence(context.Background(), "remote", nil)
	require.NoError(t, err)
	assert.Equal(t, 40, result.Track.ValidPoses)
	assert.FileExists(t, filepath.Join(cfg.DataDir, "remote.dataset.json"))
}

func TestOnRunRequest_Debounce(t *testing.T) {
	cfg, _ := schedulerFixture(t)
	st := NewStateTracker()
	sched := NewSequenceScheduler(cfg, st, nil, nil)

	sched.mu.Lock()
	sched.lastRun["corridor"] = time.Now()
	sched.mu.Unlock()

	sched.OnRunRequest("corridor", nil)
	sched.Wait()
	_, ok := st.GetStatus("corridor")
	assert.False(t, ok, "debounced request must not start a run")

	sched.MinRunInterval = 0
	sched.OnRunRequest("corridor", nil)
	sched.Wait()
	status, ok := st.GetStatus("corridor")
	require.True(t, ok)
	assert.True(t, status.HasResult)

	sched.OnAbortRequest("corridor") // not running: logged only
	sched.Close()
	assert.Contains(t, sched.String(), "running=0")
}

func TestTriggerRun_Errors(t *testing.T) {
	cfg, _ := schedulerFixture(t)
	sched := NewSequenceScheduler(cfg, nil, nil, nil)
	defer sched.Close()

	assert.ErrorIs(t, sched.TriggerRun("attic", nil), ErrUnknownSequence)

	sched.mu.Lock()
	sched.cancels["corridor"] = func() {}
	sched.mu.Unlock()
	assert.ErrorIs(t, sched.TriggerRun("corridor", nil), ErrAlreadyRunning)

	sched.mu.Lock()
	delete(sched.cancels, "corridor")
	sched.lastRun["corridor"] = time.Now()
	sched.mu.Unlock()
	assert.ErrorIs(t, sched.TriggerRun("corridor", nil), ErrRunTooSoon)

	sched.MinRunInterval = 0
	require.NoError(t, sched.TriggerRun("corridor", nil))
	sched.Wait()
	assert.True(t, sched.StateTracker().HasResults())
}

func TestMQTTRunRequest_TracksRequestedRange(t *testing.T) {
	t.Setenv("MQTT_PUBLISH_PREFIX", "")
	cfg, _ := schedulerFixture(t)
	cfg.MQTT.PublishPrefix = "lab"

	mock := connectedMock()
	st := NewStateTracker()
	sched := NewSequenceScheduler(cfg, st, NewPublisher(mock, "lab"), nil)
	client := newMQTTClientWithMock(mock, cfg, sched.OnRunRequest, sched.OnAbortRequest)
	mock.SetOnConnect(client.onConnect)
	require.NoError(t, mock.Connect().Error())

	mock.SimulateMessage("lab/corridor/run", []byte("not a range"))
	sched.Wait()
	_, ok := st.GetStatus("corridor")
	assert.False(t, ok, "malformed run request is ignored")

	mock.SimulateMessage("lab/corridor/run", []byte(`{"lower": 5, "upper": 30}`))
	sched.Wait()

	result := st.GetResult("corridor")
	require.NotNil(t, result)
	assert.Equal(t, 5, result.Track.Lower)
	assert.Equal(t, 30, result.Track.Upper)
	assert.Len(t, mock.MessagesOn("lab/corridor/result"), 1)
}
