// Package api exposes the daemon's status surface: health, recent
// events, active recordings, and Prometheus metrics.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ethan/ring-capture/pkg/events"
	"github.com/ethan/ring-capture/pkg/logger"
)

// EventIndex serves the recent-events listing; the relational backend
// implements it.
type EventIndex interface {
	RecentEvents(ctx context.Context, limit int) ([]*events.Record, error)
}

// RecordingStatus reports in-flight recordings.
type RecordingStatus interface {
	ActiveRecordings() int
}

// Server provides the HTTP status API.
type Server struct {
	index      EventIndex
	recordings RecordingStatus
	metrics    *Metrics
	log        *logger.Logger
	httpServer *http.Server
	startedAt  time.Time
}

// NewServer builds a status server. index and recordings may be nil;
// the corresponding endpoints then report empty data.
func NewServer(index EventIndex, recordings RecordingStatus, metrics *Metrics, log *logger.Logger) *Server {
	if log == nil {
		log = logger.Default()
	}
	return &Server{
		index:      index,
		recordings: recordings,
		metrics:    metrics,
		log:        log.With("component", "api"),
		startedAt:  time.Now(),
	}
}

// Start begins serving on addr. Returns an error if the listener fails
// immediately.
func (s *Server) Start(ctx context.Context, addr string) error {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /api/events/recent", s.handleRecentEvents)
	mux.HandleFunc("GET /api/recordings", s.handleRecordings)
	if s.metrics != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.metrics.registry, promhttp.HandlerOpts{}))
	}

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.withLogging(mux),
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.log.Info("starting HTTP server", "address", addr)

	errChan := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error("HTTP server error", "error", err)
			errChan <- err
		}
	}()

	// Catch immediate bind failures before declaring the server up.
	select {
	case err := <-errChan:
		return err
	case <-time.After(100 * time.Millisecond):
		return nil
	}
}

// Stop gracefully stops the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	s.log.Info("stopping HTTP server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"status": "ok",
		"uptime": time.Since(s.startedAt).Round(time.Second).String(),
	})
}

func (s *Server) handleRecentEvents(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 500 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	recs := []*events.Record{}
	if s.index != nil {
		var err error
		recs, err = s.index.RecentEvents(r.Context(), limit)
		if err != nil {
			s.log.Error("recent events query failed", "error", err)
			http.Error(w, "query failed", http.StatusInternalServerError)
			return
		}
	}
	writeJSON(w, recs)
}

func (s *Server) handleRecordings(w http.ResponseWriter, r *http.Request) {
	active := 0
	if s.recordings != nil {
		active = s.recordings.ActiveRecordings()
	}
	writeJSON(w, map[string]any{"active": active})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// withLogging adds request logging
func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		s.log.Info("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.statusCode,
			"duration_ms", time.Since(start).Milliseconds(),
			"remote_addr", r.RemoteAddr,
		)
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
