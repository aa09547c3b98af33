// Package api serves the acquisition status and index over HTTP: JSON
// endpoints for the running acquisition and the sqlite index, plus a
// rendered decay-curve chart.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jas-priatna/OpenScan-BH-SPC/internal/acq"
	"github.com/jas-priatna/OpenScan-BH-SPC/internal/db"
	"github.com/jas-priatna/OpenScan-BH-SPC/internal/flim"
)

// ANSI escape codes for request logging
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

// Run is the view of an acquisition the server needs; *acq.Controller
// implements it.
type Run interface {
	Snapshot() acq.Snapshot
	WithHistogram(fn func(h *flim.HistogramSink))
}

type Server struct {
	db  *db.DB
	run Run // may be nil when no acquisition has been started
}

func NewServer(database *db.DB, run Run) *Server {
	return &Server{
		db:  database,
		run: run,
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	default:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		log.Printf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", s.showStatus)
	mux.HandleFunc("/api/acquisitions", s.listAcquisitions)
	mux.HandleFunc("/api/acquisitions/", s.showAcquisition)
	mux.HandleFunc("/charts/decay", s.showDecayChart)
	return mux
}

func (s *Server) writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// statusDetail is the running-acquisition status payload: the progress
// snapshot plus per-channel fast-FLIM summaries.
type statusDetail struct {
	acq.Snapshot
	Channels []flim.ChannelSummary `json:"channels,omitempty"`
}

func (s *Server) showStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	var payload any
	if s.run != nil {
		var summaries []flim.ChannelSummary
		s.run.WithHistogram(func(h *flim.HistogramSink) {
			summaries = flim.Summarize(h)
		})
		payload = statusDetail{
			Snapshot: s.run.Snapshot(),
			Channels: summaries,
		}
	} else {
		payload = map[string]string{"state": acq.StateIdle}
	}

	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, "Failed to write status")
		return
	}
}

func (s *Server) listAcquisitions(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if s.db == nil {
		s.writeJSONError(w, http.StatusServiceUnavailable, "No acquisition index configured")
		return
	}

	limit := 50 // default value
	if l := r.URL.Query().Get("limit"); l != "" {
		parsed, err := strconv.Atoi(l)
		if err != nil || parsed < 1 {
			s.writeJSONError(w, http.StatusBadRequest, "Invalid 'limit' parameter")
			return
		}
		limit = parsed
	}

	rows, err := s.db.ListAcquisitions(limit)
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError,
			fmt.Sprintf("Failed to list acquisitions: %v", err))
		return
	}
	if rows == nil {
		rows = []*db.Acquisition{}
	}

	if err := json.NewEncoder(w).Encode(rows); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, "Failed to write acquisitions")
		return
	}
}

// acquisitionDetail is the row plus its recorded stream errors.
type acquisitionDetail struct {
	*db.Acquisition
	StreamErrors []db.AcquisitionError `json:"stream_errors"`
}

func (s *Server) showAcquisition(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if s.db == nil {
		s.writeJSONError(w, http.StatusServiceUnavailable, "No acquisition index configured")
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/api/acquisitions/")
	if id == "" || strings.Contains(id, "/") {
		s.writeJSONError(w, http.StatusBadRequest, "Invalid acquisition id")
		return
	}

	row, err := s.db.GetAcquisition(id)
	if errors.Is(err, db.ErrNotFound) {
		s.writeJSONError(w, http.StatusNotFound, "Acquisition not found")
		return
	}
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError,
			fmt.Sprintf("Failed to fetch acquisition: %v", err))
		return
	}

	streamErrors, err := s.db.AcquisitionErrors(id)
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError,
			fmt.Sprintf("Failed to fetch acquisition errors: %v", err))
		return
	}
	if streamErrors == nil {
		streamErrors = []db.AcquisitionError{}
	}

	detail := acquisitionDetail{Acquisition: row, StreamErrors: streamErrors}
	if err := json.NewEncoder(w).Encode(detail); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, "Failed to write acquisition")
		return
	}
}
