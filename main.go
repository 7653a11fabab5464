package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
)

// Version is set at build time via -ldflags
var Version = "dev"

// AppOptions holds the parsed command line.
type AppOptions struct {
	ConfigFile     string
	DataDir        string
	InputFile      string
	OutputFile     string
	Sequence       string
	RangeOverrides string
	RenderFormat   string
	HttpPort       int
	Parallel       int

	// Synthetic scene parameters for --simulate
	Frames     int
	Landmarks  int
	Seed       int64
	Noise      float64
	Rotational bool

	// Subset size for --subset
	Count int

	Simulate bool
	Track    bool
	Subset   bool
	Render   bool
	Batch    bool
	MqttMode bool
	HttpMode bool
}

// Runner executes the selected mode. App is the production implementation.
type Runner interface {
	ApplyOptions(opts AppOptions)
	RunSimulate() error
	RunTrack() error
	RunSubset() error
	RunRender() error
	RunBatch() error
	RunService() error
}

func main() {
	if err := run(os.Args[1:], os.Stdout, NewApp()); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		log.Fatal(err)
	}
}

func run(args []string, w io.Writer, app Runner) error {
	var opts AppOptions
	fs := flag.NewFlagSet("tudoslam", flag.ContinueOnError)
	fs.SetOutput(w)

	fs.StringVar(&opts.ConfigFile, "config", "config.yaml", "Path to configuration file")
	fs.StringVar(&opts.DataDir, "data-dir", ".", "Directory holding datasets and cached results")
	fs.StringVar(&opts.InputFile, "input", "", "Dataset, result or points file for --subset and --render")
	fs.StringVar(&opts.OutputFile, "output", "", "Output file (default depends on the mode)")
	fs.StringVar(&opts.Sequence, "sequence", "", "Only track this sequence ID (default: all configured)")
	fs.StringVar(&opts.RangeOverrides, "range", "", "Frame range overrides: ID=LOWER:UPPER[,ID=LOWER:UPPER]")
	fs.StringVar(&opts.RenderFormat, "format", "", "Render format: svg, png, raster or geojson (default: from output extension)")
	fs.IntVar(&opts.HttpPort, "http-port", 8080, "HTTP server port")
	fs.IntVar(&opts.Parallel, "parallel", 0, "Sequences tracked concurrently in --batch mode (0 = unlimited)")

	fs.IntVar(&opts.Frames, "frames", 60, "Frames of the simulated sequence")
	fs.IntVar(&opts.Landmarks, "landmarks", 200, "Landmarks of the simulated sequence")
	fs.Int64Var(&opts.Seed, "seed", 1, "Random seed of the simulated sequence")
	fs.Float64Var(&opts.Noise, "noise", 0, "Observation noise in pixels for the simulated sequence")
	fs.BoolVar(&opts.Rotational, "rotational", false, "Simulate a camera rotating in place")

	fs.IntVar(&opts.Count, "count", 10, "Number of elements selected by --subset")

	fs.BoolVar(&opts.Simulate, "simulate", false, "Write a synthetic dataset and exit")
	fs.BoolVar(&opts.Track, "track", false, "Track the configured sequences one after another and exit")
	fs.BoolVar(&opts.Subset, "subset", false, "Print the most diverse elements of --input and exit")
	fs.BoolVar(&opts.Render, "render", false, "Render a dataset or result and exit")
	fs.BoolVar(&opts.Batch, "batch", false, "Track the configured sequences in parallel and exit")
	fs.BoolVar(&opts.MqttMode, "mqtt", false, "Run the MQTT service (run/abort triggers, round reports)")
	fs.BoolVar(&opts.HttpMode, "http", false, "Run the HTTP server (status, reports, track renderings, metrics)")

	if err := fs.Parse(args); err != nil {
		return err
	}

	_, _ = fmt.Fprintf(w, "tudoslam version: %s\n", Version)
	app.ApplyOptions(opts)

	switch {
	case opts.Simulate:
		return app.RunSimulate()
	case opts.Subset:
		return app.RunSubset()
	case opts.Render:
		return app.RunRender()
	case opts.Batch:
		return app.RunBatch()
	case opts.Track:
		return app.RunTrack()
	case opts.MqttMode || opts.HttpMode:
		return app.RunService()
	}

	_, _ = fmt.Fprintln(w, "tudoslam: no mode selected")
	_, _ = fmt.Fprintln(w, "Use --simulate to write a synthetic dataset")
	_, _ = fmt.Fprintln(w, "Use --track or --batch to stabilise the configured sequences")
	_, _ = fmt.Fprintln(w, "Use --subset --input FILE to select diverse points or key frames")
	_, _ = fmt.Fprintln(w, "Use --render --input FILE to draw a dataset or result")
	_, _ = fmt.Fprintln(w, "Use --mqtt and/or --http to run the service")
	_, _ = fmt.Fprintln(w, "\nConfiguration:")
	_, _ = fmt.Fprintln(w, "  config.yaml - camera, tracker, MQTT and sequence settings")
	_, _ = fmt.Fprintln(w, "  <id>.result.json - cached tracking results in --data-dir")
	return nil
}
