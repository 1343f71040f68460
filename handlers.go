package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/kwv/dronefuse/fusion"
)

// pipelineView is the part of the orchestrator the HTTP server reads.
// Every method is safe to call off the frame goroutine.
type pipelineView interface {
	LastReport() (fusion.FrameReport, bool)
	FramesProcessed() int64
	Snapshots() *fusion.SnapshotPublisher
}

// newHTTPServer creates an HTTP server with all endpoints
func newHTTPServer(p pipelineView, renderer *fusion.SnapshotRenderer, connected func() bool, logger *zap.SugaredLogger) http.Handler {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if connected == nil {
		connected = func() bool { return false }
	}
	mux := http.NewServeMux()

	lastReport := func() *fusion.FrameReport {
		if rep, ok := p.LastReport(); ok {
			return &rep
		}
		return nil
	}

	// Health check endpoint
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		logger.Debugf("[HTTP] /health request from %s", r.RemoteAddr)
		w.Header().Set("Content-Type", "application/json")
		status := struct {
			Status        string    `json:"status"`
			Timestamp     time.Time `json:"timestamp"`
			Frames        int64     `json:"frames"`
			HasReport     bool      `json:"hasReport"`
			MQTTConnected bool      `json:"mqttConnected"`
		}{
			Status:        "ok",
			Timestamp:     time.Now(),
			Frames:        p.FramesProcessed(),
			HasReport:     lastReport() != nil,
			MQTTConnected: connected(),
		}
		if err := json.NewEncoder(w).Encode(status); err != nil {
			logger.Warnf("[HTTP] encoding health status: %v", err)
		}
	})

	// Last frame report
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		rep := lastReport()
		if rep == nil {
			http.Error(w, "No frames processed yet", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-cache")
		if err := json.NewEncoder(w).Encode(rep); err != nil {
			logger.Warnf("[HTTP] encoding status: %v", err)
		}
	})

	mux.HandleFunc("/snapshot.geojson", func(w http.ResponseWriter, r *http.Request) {
		fc := fusion.SnapshotFeatures(p.Snapshots().Current(), lastReport(), fusion.DefaultPathTolerance)
		data, err := json.Marshal(fc)
		if err != nil {
			logger.Errorf("[HTTP] encoding snapshot GeoJSON: %v", err)
			http.Error(w, "Failed to encode snapshot", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/geo+json")
		w.Header().Set("Cache-Control", "no-cache")
		_, _ = w.Write(data)
	})

	// Rendered views are buffered so a failed render still yields a 500.
	render := func(contentType string, draw func(*bytes.Buffer, fusion.ShallowSnapshot, *fusion.FrameReport) error) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			var buf bytes.Buffer
			if err := draw(&buf, p.Snapshots().Current(), lastReport()); err != nil {
				logger.Errorf("[HTTP] rendering %s: %v", r.URL.Path, err)
				http.Error(w, "Failed to render snapshot", http.StatusInternalServerError)
				return
			}
			w.Header().Set("Content-Type", contentType)
			w.Header().Set("Cache-Control", "no-cache")
			_, _ = w.Write(buf.Bytes())
		}
	}
	mux.HandleFunc("/snapshot.svg", render("image/svg+xml", func(b *bytes.Buffer, s fusion.ShallowSnapshot, rep *fusion.FrameReport) error {
		return renderer.RenderSVG(b, s, rep)
	}))
	mux.HandleFunc("/snapshot.png", render("image/png", func(b *bytes.Buffer, s fusion.ShallowSnapshot, rep *fusion.FrameReport) error {
		return renderer.RenderPNG(b, s, rep)
	}))

	return mux
}
