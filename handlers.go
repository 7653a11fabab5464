package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kwv/tudoslam/slam"
)

// newHTTPServer creates an HTTP server with all endpoints. scheduler may be
// nil, in which case runs cannot be triggered over HTTP.
func newHTTPServer(stateTracker *slam.StateTracker, scheduler *slam.SequenceScheduler, config *slam.Config, registry *prometheus.Registry) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		log.Printf("[HTTP] /health request from %s", r.RemoteAddr)
		status := struct {
			Status     string    `json:"status"`
			Timestamp  time.Time `json:"timestamp"`
			HasResults bool      `json:"hasResults"`
		}{
			Status:     "ok",
			Timestamp:  time.Now(),
			HasResults: stateTracker.HasResults(),
		}
		writeJSON(w, status)
	})

	mux.HandleFunc("GET /status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, stateTracker.GetAllStatus())
	})

	mux.HandleFunc("GET /sequences/{id}/reports", func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if !knownSequence(config, id) {
			http.Error(w, "Unknown sequence", http.StatusNotFound)
			return
		}
		reports := stateTracker.GetReports(id)
		if len(reports) == 0 {
			if res := stateTracker.GetResult(id); res != nil {
				reports = res.Track.Reports
			}
		}
		writeJSON(w, reports)
	})

	mux.HandleFunc("GET /sequences/{id}/track.geojson", func(w http.ResponseWriter, r *http.Request) {
		layer, ok := trackLayer(w, r, stateTracker, config)
		if !ok {
			return
		}
		fc, err := slam.ExportGeoJSON(layer.DB, slam.ExportOptions{
			SequenceID:        layer.ID,
			Color:             layer.Color,
			Lower:             layer.Lower,
			Upper:             layer.Upper,
			SimplifyTolerance: 0.01,
			KeyFrames:         8,
		})
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/geo+json")
		if err := json.NewEncoder(w).Encode(fc); err != nil {
			log.Printf("Error encoding GeoJSON for %s: %v", layer.ID, err)
		}
	})

	renderTrack := func(format, contentType string) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			layer, ok := trackLayer(w, r, stateTracker, config)
			if !ok {
				return
			}
			var buf bytes.Buffer
			if err := renderLayer(&buf, format, layer); err != nil {
				log.Printf("Warning: %s render of %s failed: %v", format, layer.ID, err)
				http.Error(w, "No drawable track content", http.StatusServiceUnavailable)
				return
			}
			w.Header().Set("Content-Type", contentType)
			w.Header().Set("Cache-Control", "no-cache")
			if _, err := w.Write(buf.Bytes()); err != nil {
				log.Printf("Error writing %s for %s: %v", format, layer.ID, err)
			}
		}
	}
	mux.HandleFunc("GET /sequences/{id}/track.svg", renderTrack("svg", "image/svg+xml"))
	mux.HandleFunc("GET /sequences/{id}/track.png", renderTrack("png", "image/png"))

	mux.HandleFunc("POST /sequences/{id}/run", func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if scheduler == nil {
			http.Error(w, "Scheduler not available", http.StatusServiceUnavailable)
			return
		}
		if !knownSequence(config, id) {
			http.Error(w, "Unknown sequence", http.StatusNotFound)
			return
		}
		if stateTracker.IsRunning(id) {
			http.Error(w, slam.ErrAlreadyRunning.Error(), http.StatusConflict)
			return
		}
		log.Printf("[HTTP] run requested for %s", id)
		if err := scheduler.TriggerRun(id, nil); err != nil {
			switch {
			case errors.Is(err, slam.ErrRunTooSoon):
				http.Error(w, err.Error(), http.StatusTooManyRequests)
			case errors.Is(err, slam.ErrAlreadyRunning):
				http.Error(w, err.Error(), http.StatusConflict)
			case errors.Is(err, slam.ErrUnknownSequence):
				http.Error(w, err.Error(), http.StatusNotFound)
			default:
				http.Error(w, err.Error(), http.StatusInternalServerError)
			}
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})

	mux.HandleFunc("POST /sequences/{id}/abort", func(w http.ResponseWriter, r *http.Request) {
		if scheduler == nil {
			http.Error(w, "Scheduler not available", http.StatusServiceUnavailable)
			return
		}
		if !scheduler.Abort(r.PathValue("id")) {
			http.Error(w, "Sequence is not running", http.StatusConflict)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})

	if registry != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))
	}

	return mux
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Error encoding JSON response: %v", err)
	}
}

func knownSequence(config *slam.Config, id string) bool {
	return config != nil && config.GetSequenceByID(id) != nil
}

// trackLayer resolves the drawable track of the sequence in the request path
// and writes the error response when there is none.
func trackLayer(w http.ResponseWriter, r *http.Request, stateTracker *slam.StateTracker, config *slam.Config) (slam.TrackLayer, bool) {
	id := r.PathValue("id")
	if !knownSequence(config, id) {
		http.Error(w, "Unknown sequence", http.StatusNotFound)
		return slam.TrackLayer{}, false
	}
	result := stateTracker.GetResult(id)
	if result == nil || result.Database == nil {
		http.Error(w, "No result available", http.StatusServiceUnavailable)
		return slam.TrackLayer{}, false
	}
	return slam.TrackLayer{
		ID:    id,
		Color: stateTracker.Color(id),
		DB:    result.Database,
		Lower: result.Track.Lower,
		Upper: result.Track.Upper,
	}, true
}
