package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image/png"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/kwv/tudoslam/extend"
	"github.com/kwv/tudoslam/slam"
	"github.com/kwv/tudoslam/succession"
)

// App encapsulates the application state and dependencies
type App struct {
	Config       *slam.Config
	StateTracker *slam.StateTracker
	Scheduler    *slam.SequenceScheduler
	MQTTClient   *slam.MQTTClient
	Publisher    *slam.Publisher
	Metrics      *extend.Metrics
	Registry     *prometheus.Registry

	Options AppOptions
	Out     io.Writer
}

// NewApp creates a new App instance
func NewApp() *App {
	return &App{
		StateTracker: slam.NewStateTracker(),
		Metrics:      extend.NewMetrics("tudoslam"),
		Out:          os.Stdout,
	}
}

// ApplyOptions applies CLI options to the App instance
func (a *App) ApplyOptions(opts AppOptions) {
	a.Options = opts
}

func (a *App) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(a.Out, format, args...)
}

// resolveConfigPath looks for the default config file inside the data
// directory when one is given.
func (a *App) resolveConfigPath() string {
	path := a.Options.ConfigFile
	if path == "" {
		path = "config.yaml"
	}
	if a.Options.DataDir != "" && a.Options.DataDir != "." && path == "config.yaml" {
		path = filepath.Join(a.Options.DataDir, "config.yaml")
	}
	return path
}

// loadConfig loads the configuration, applies --range overrides and
// defaults the data directory to --data-dir.
func (a *App) loadConfig() error {
	path := a.resolveConfigPath()
	config, err := slam.LoadConfig(path)
	if err != nil {
		return fmt.Errorf("failed to load config: %w (looked at %s)", err, path)
	}
	if config.DataDir == "" {
		config.DataDir = a.Options.DataDir
	}
	if overrides := slam.ParseRangeOverrides(a.Options.RangeOverrides); len(overrides) > 0 {
		config.ApplyRangeOverrides(overrides)
		log.Printf("Applied frame range overrides for %d sequence(s)", len(overrides))
	}
	a.Config = config
	log.Printf("Loaded config from %s (%d sequences)", path, len(config.Sequences))
	return nil
}

// selectedSequences returns --sequence or every configured sequence.
func (a *App) selectedSequences() ([]string, error) {
	if a.Options.Sequence == "" {
		return a.Config.SequenceIDs(), nil
	}
	if a.Config.GetSequenceByID(a.Options.Sequence) == nil {
		return nil, fmt.Errorf("%s: %w", a.Options.Sequence, slam.ErrUnknownSequence)
	}
	return []string{a.Options.Sequence}, nil
}

// RunSimulate writes a synthetic dataset. The poses of the whole sequence
// and every second landmark seen twice are bootstrapped, leaving the rest
// for the tracker to derive.
func (a *App) RunSimulate() error {
	scene := slam.GenerateScene(slam.SceneConfig{
		Frames:     a.Options.Frames,
		Landmarks:  a.Options.Landmarks,
		Seed:       a.Options.Seed,
		Noise:      a.Options.Noise,
		Rotational: a.Options.Rotational,
	})
	seeded := scene.Bootstrap(0, a.Options.Frames-1, func(id slam.LandmarkID) bool { return id%2 == 0 })

	out := a.Options.OutputFile
	if out == "" {
		out = filepath.Join(a.Options.DataDir, "simulated.json")
	}
	if err := slam.SaveDataset(out, scene.Dataset()); err != nil {
		return err
	}
	a.printf("Wrote %d frames, %d landmarks (%d bootstrapped) to %s\n",
		a.Options.Frames, len(scene.Landmarks), len(seeded), out)
	return nil
}

// RunTrack tracks the selected sequences one after another.
func (a *App) RunTrack() error {
	if err := a.loadConfig(); err != nil {
		return err
	}
	ids, err := a.selectedSequences()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	scheduler := slam.NewSequenceScheduler(a.Config, a.StateTracker, nil, a.Metrics)
	var errs []error
	for _, id := range ids {
		result, err := scheduler.RunSequence(ctx, id, nil)
		a.printResult(id, result, err)
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RunBatch tracks the selected sequences concurrently, at most --parallel
// at a time. Every sequence runs even when another fails.
func (a *App) RunBatch() error {
	if err := a.loadConfig(); err != nil {
		return err
	}
	ids, err := a.selectedSequences()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	scheduler := slam.NewSequenceScheduler(a.Config, a.StateTracker, nil, a.Metrics)
	var g errgroup.Group
	if a.Options.Parallel > 0 {
		g.SetLimit(a.Options.Parallel)
	}
	results := make([]*slam.SequenceResult, len(ids))
	errs := make([]error, len(ids))
	for i, id := range ids {
		g.Go(func() error {
			results[i], errs[i] = scheduler.RunSequence(ctx, id, nil)
			return errs[i]
		})
	}
	_ = g.Wait()

	for i, id := range ids {
		a.printResult(id, results[i], errs[i])
	}
	return errors.Join(errs...)
}

func (a *App) printResult(id string, r *slam.SequenceResult, err error) {
	if r == nil {
		a.printf("%s: FAILED: %v\n", id, err)
		return
	}
	s := slam.Summarize(r)
	a.printf("%s: %s, motion %s, %d valid poses, %d landmarks (%d removed)",
		id, s.State, s.Motion, s.ValidPoses, s.Landmarks, s.Removed)
	if r.ATEFrames > 0 {
		a.printf(", ATE %.4f over %d frames", r.ATE, r.ATEFrames)
	}
	if err != nil {
		a.printf(", error: %v", err)
	}
	a.printf("\n")
}

// RunSubset prints the most diverse elements of the input file. A dataset
// or result yields key frames; a JSON array of points yields point indices.
func (a *App) RunSubset() error {
	data, err := os.ReadFile(a.Options.InputFile)
	if err != nil {
		return fmt.Errorf("reading input: %w", err)
	}

	if ds, derr := slam.ParseDataset(data); derr == nil {
		frames := slam.SelectKeyFrames(ds.Database, 0, ds.Database.Frames()-1, a.Options.Count, nil)
		a.printf("Key frames: %s\n", joinInts(frames))
		return nil
	}

	var points [][]float64
	if err := json.Unmarshal(data, &points); err != nil {
		return fmt.Errorf("input is neither a dataset nor a JSON array of points: %w", err)
	}
	subset, err := succession.NewFromObjects(points)
	if err != nil {
		return err
	}
	a.printf("Subset: %s\n", joinInts(subset.SubsetOfSize(a.Options.Count)))
	return nil
}

func joinInts(values []int) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = fmt.Sprint(v)
	}
	return strings.Join(parts, " ")
}

// RunRender draws a dataset or a cached result. The format comes from
// --format or the output extension.
func (a *App) RunRender() error {
	result, err := slam.LoadResult(a.Options.InputFile)
	if err != nil {
		return err
	}
	if result == nil || result.Database == nil {
		return fmt.Errorf("%s holds no database to render", a.Options.InputFile)
	}
	id := result.SequenceID
	if id == "" {
		id = strings.TrimSuffix(filepath.Base(a.Options.InputFile), filepath.Ext(a.Options.InputFile))
	}
	layer := slam.TrackLayer{ID: id, Color: slam.DefaultColor, DB: result.Database, Lower: result.Track.Lower, Upper: result.Track.Upper}

	out := a.Options.OutputFile
	if out == "" {
		out = "track.svg"
	}
	format := a.Options.RenderFormat
	if format == "" {
		format = strings.TrimPrefix(filepath.Ext(out), ".")
	}

	f, err := os.Create(out)
	if err != nil {
		return fmt.Errorf("create %s: %w", out, err)
	}
	defer func() { _ = f.Close() }()

	if err := renderLayer(f, format, layer); err != nil {
		return err
	}
	a.printf("Rendered %s (%s) to %s\n", id, format, out)
	return nil
}

// renderLayer writes one track in the given format.
func renderLayer(w io.Writer, format string, layer slam.TrackLayer) error {
	switch format {
	case "svg":
		return slam.NewVectorRenderer(layer).RenderToSVG(w)
	case "png":
		return slam.NewVectorRenderer(layer).RenderToPNG(w)
	case "raster":
		return encodePNG(w, slam.NewImageRenderer(layer))
	case "geojson", "json":
		fc, err := slam.ExportGeoJSON(layer.DB, slam.ExportOptions{
			SequenceID:        layer.ID,
			Color:             layer.Color,
			Lower:             layer.Lower,
			Upper:             layer.Upper,
			SimplifyTolerance: 0.01,
			KeyFrames:         8,
		})
		if err != nil {
			return err
		}
		return json.NewEncoder(w).Encode(fc)
	default:
		return fmt.Errorf("unknown render format %q", format)
	}
}

func encodePNG(w io.Writer, r *slam.ImageRenderer) error {
	return png.Encode(w, r.Render())
}

// RunService starts the MQTT and/or HTTP service and blocks until interrupted.
func (a *App) RunService() error {
	a.printf("Starting tudoslam service...\n")

	if err := a.loadConfig(); err != nil {
		return err
	}
	a.StateTracker = slam.NewStateTrackerWithCache(a.Config.DataDir, a.Config.SequenceIDs())

	a.Registry = prometheus.NewRegistry()
	a.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	if err := a.Metrics.Register(a.Registry); err != nil {
		return fmt.Errorf("registering metrics: %w", err)
	}

	if a.Options.MqttMode {
		client, err := slam.InitMQTT(a.Config, nil, nil)
		if err != nil {
			return fmt.Errorf("failed to initialize MQTT: %w", err)
		}
		if client == nil {
			return errors.New("MQTT broker not configured in config.yaml")
		}
		a.MQTTClient = client
		a.Publisher = slam.NewPublisher(client.GetClient(), client.Prefix())
	}

	a.Scheduler = slam.NewSequenceScheduler(a.Config, a.StateTracker, a.Publisher, a.Metrics)
	if a.MQTTClient != nil {
		a.MQTTClient.SetRunHandler(a.Scheduler.OnRunRequest)
		a.MQTTClient.SetAbortHandler(a.Scheduler.OnAbortRequest)
	}

	var server *http.Server
	if a.Options.HttpMode {
		server = &http.Server{
			Addr:              fmt.Sprintf("0.0.0.0:%d", a.Options.HttpPort),
			Handler:           newHTTPServer(a.StateTracker, a.Scheduler, a.Config, a.Registry),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			log.Printf("[HTTP] Starting server on %s", server.Addr)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Fatalf("[HTTP] Server error: %v", err)
			}
		}()
	}

	a.printServiceInfo()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	a.printf("\nShutting down service...\n")
	a.Scheduler.Close()
	if server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			log.Printf("[HTTP] Shutdown error: %v", err)
		}
	}
	if a.MQTTClient != nil {
		a.MQTTClient.Disconnect()
	}
	a.printf("Service stopped\n")
	return nil
}

func (a *App) printServiceInfo() {
	a.printf("\nService Running\n")
	a.printf("===============\n")

	if a.MQTTClient != nil {
		prefix := a.MQTTClient.Prefix()
		a.printf("\nMQTT:\n")
		a.printf("  Triggers: %s/{sequenceID}/run, %s/{sequenceID}/abort\n", prefix, prefix)
		a.printf("  Publishing: %s/{sequenceID}/round, %s/{sequenceID}/result\n", prefix, prefix)
		for _, id := range a.Config.SequenceIDs() {
			a.printf("    - %s\n", id)
		}
	}

	if a.Options.HttpMode {
		a.printf("\nHTTP endpoints (port %d):\n", a.Options.HttpPort)
		a.printf("  GET  /health                          - Health check\n")
		a.printf("  GET  /status                          - Sequence status\n")
		a.printf("  GET  /sequences/{id}/reports          - Round reports of the last run\n")
		a.printf("  GET  /sequences/{id}/track.geojson    - Trajectory, landmarks and key frames\n")
		a.printf("  GET  /sequences/{id}/track.svg|png    - Rendered track\n")
		a.printf("  POST /sequences/{id}/run              - Start a run\n")
		a.printf("  POST /sequences/{id}/abort            - Abort a running track\n")
		a.printf("  GET  /metrics                         - Prometheus metrics\n")
	}

	a.printf("\nPress Ctrl+C to stop\n")
}
