package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kwv/pointsim/sim"
)

// maxPoseBody bounds POST /step request bodies.
const maxPoseBody = 1 << 16

// newHTTPServer creates an HTTP server with all endpoints
func newHTTPServer(driver *sessionDriver) http.Handler {
	r := chi.NewRouter()
	r.Use(metricsMiddleware)

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		log.Printf("[HTTP] /health request from %s", r.RemoteAddr)
		summary := driver.tracker.Summary()
		writeJSON(w, http.StatusOK, struct {
			Status    string    `json:"status"`
			Timestamp time.Time `json:"timestamp"`
			Landmarks int       `json:"landmarks"`
			Session   string    `json:"session"`
		}{
			Status:    "ok",
			Timestamp: time.Now(),
			Landmarks: summary.Landmarks,
			Session:   summary.State,
		})
	})

	r.Get("/cloud", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, sim.Summarize(driver.tracker.Cloud()))
	})

	// Stateless visibility query
	r.Get("/query", func(w http.ResponseWriter, r *http.Request) {
		pose, err := poseFromQuery(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		start := time.Now()
		visible, stats, err := driver.tracker.Query(pose)
		if err != nil {
			writeError(w, err)
			return
		}
		observeQuery("query", start, stats)
		writeJSON(w, http.StatusOK, queryResponse{
			Pose:    sim.NewPoseMessage(pose),
			Stats:   stats,
			Visible: sim.NewVisibleJSON(visible),
		})
	})

	r.Post("/step", func(w http.ResponseWriter, r *http.Request) {
		var pm sim.PoseMessage
		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxPoseBody))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&pm); err != nil {
			http.Error(w, fmt.Sprintf("decoding pose: %v", err), http.StatusBadRequest)
			return
		}
		res, err := driver.Step("http", pm.Pose())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, stepResponse{
			Step:  sim.NewStepMessage(res),
			Stats: res.Stats,
			New:   sim.NewVisibleJSON(res.NewlyVisible),
		})
	})

	r.Post("/finish", func(w http.ResponseWriter, r *http.Request) {
		files, err := driver.Finish()
		if err != nil {
			log.Printf("[HTTP] Error finishing session: %v", err)
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		resp := sim.SessionReport{Summary: driver.tracker.Summary()}
		if files != nil {
			resp.Files = *files
		}
		writeJSON(w, http.StatusOK, resp)
	})

	r.Post("/reset", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, driver.Reset())
	})

	r.Get("/session", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, driver.tracker.Summary())
	})

	r.Get("/coverage.geojson", func(w http.ResponseWriter, r *http.Request) {
		fc := sim.CoverageFeatureCollection(driver.tracker.Coverage())
		data, err := fc.MarshalJSON()
		if err != nil {
			log.Printf("Error encoding coverage GeoJSON: %v", err)
			http.Error(w, "encoding coverage", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/geo+json")
		w.Header().Set("Cache-Control", "no-cache")
		w.Write(data)
	})

	r.Get("/overlay.svg", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/svg+xml")
		w.Header().Set("Cache-Control", "no-cache")
		if err := sim.NewOverlayRenderer().RenderToSVG(w, driver.tracker.Coverage()); err != nil {
			log.Printf("Error encoding overlay SVG: %v", err)
		}
	})

	r.Handle("/metrics", promhttp.Handler())

	return r
}

type queryResponse struct {
	Pose    sim.PoseMessage   `json:"pose"`
	Stats   sim.QueryStats    `json:"stats"`
	Visible []sim.VisibleJSON `json:"visible"`
}

type stepResponse struct {
	Step  sim.StepMessage   `json:"step"`
	Stats sim.QueryStats    `json:"stats"`
	New   []sim.VisibleJSON `json:"new"`
}

// poseFromQuery reads x, y, z, yaw, pitch and roll query parameters.
// Missing parameters default to zero.
func poseFromQuery(r *http.Request) (sim.Pose, error) {
	q := r.URL.Query()
	var vals [6]float64
	for i, key := range []string{"x", "y", "z", "yaw", "pitch", "roll"} {
		s := q.Get(key)
		if s == "" {
			continue
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return sim.Pose{}, fmt.Errorf("invalid %s: %q", key, s)
		}
		vals[i] = v
	}
	return sim.PoseMessage{
		X: vals[0], Y: vals[1], Z: vals[2],
		Yaw: vals[3], Pitch: vals[4], Roll: vals[5],
	}.Pose(), nil
}

// writeError maps domain errors onto HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, sim.ErrInvalidPose):
		status = http.StatusBadRequest
	case errors.Is(err, sim.ErrSessionClosed):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		log.Printf("[HTTP] Error: %v", err)
	}
	http.Error(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Error encoding response: %v", err)
	}
}
