package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"sshtrace/internal/engine"
	"sshtrace/internal/logging"
)

// Options configures the HTTP routes.
type Options struct {
	MaxUploadBytes int64
	Gatherer       prometheus.Gatherer
	Logger         logging.Logger
}

// RegisterRoutes sets up all HTTP routes on the given mux.
func RegisterRoutes(mux *http.ServeMux, eng *engine.Engine, opts Options) {
	logger := opts.Logger.With("component", "http")

	// WebSocket endpoint
	mux.HandleFunc("/ws", HandleWebSocket(eng, logger))

	// PCAP file upload
	mux.HandleFunc("/api/upload", handleUpload(eng, opts.MaxUploadBytes, logger))
	mux.HandleFunc("/api/reports", handleReports(eng))

	mux.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
}

func handleUpload(eng *engine.Engine, maxUploadSize int64, logger logging.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "POST only", http.StatusMethodNotAllowed)
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
		if err := r.ParseMultipartForm(maxUploadSize); err != nil {
			http.Error(w, fmt.Sprintf("File too large (max %dMB)", maxUploadSize>>20), http.StatusBadRequest)
			return
		}

		file, header, err := r.FormFile("file")
		if err != nil {
			http.Error(w, "Missing file", http.StatusBadRequest)
			return
		}
		defer file.Close()

		// Write to temp file (gopacket/pcap needs a file path)
		tmpFile, err := os.CreateTemp("", "sshtrace-*.pcap")
		if err != nil {
			http.Error(w, "Failed to create temp file", http.StatusInternalServerError)
			return
		}
		tmpPath := tmpFile.Name()
		defer os.Remove(tmpPath)

		if _, err := io.Copy(tmpFile, file); err != nil {
			tmpFile.Close()
			http.Error(w, "Failed to save file", http.StatusInternalServerError)
			return
		}
		tmpFile.Close()

		name := filepath.Base(header.Filename)
		stats, err := eng.LoadPcapFile(r.Context(), tmpPath, name)
		if errors.Is(err, engine.ErrBusy) {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		if err != nil {
			logger.Warn("Upload analysis failed", "file", name, "error", err)
			http.Error(w, "Failed to read pcap: "+err.Error(), http.StatusBadRequest)
			return
		}
		logger.Info("Upload analysed", "file", name, "connections", stats.Connections, "steppingStones", stats.SteppingStones)

		writeJSON(w, stats)
	}
}

func handleReports(eng *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "GET only", http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, eng.Reports())
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(v)
}
