package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mailrun/mailrun/internal/queue"
	"github.com/mailrun/mailrun/internal/sender"
)

// StatusSource is what a running engine exposes to the status server
type StatusSource interface {
	QueueStats() queue.Stats
	Pool() *sender.Pool
}

// TotalsStore optionally supplies durable campaign counters. Nil when
// the run has no metrics store configured.
type TotalsStore interface {
	Totals(ctx context.Context) (map[string]int64, error)
}

// Server exposes read-only campaign status over HTTP while a run is in
// progress: queue occupancy, per-sender health, and Prometheus metrics.
type Server struct {
	campaignID string
	listenAddr string
	source     StatusSource
	totals     TotalsStore
	httpServer *http.Server
	logger     *slog.Logger
	startedAt  time.Time
}

// NewServer creates a status server bound to the given engine
func NewServer(campaignID, listenAddr string, source StatusSource, totals TotalsStore) *Server {
	return &Server{
		campaignID: campaignID,
		listenAddr: listenAddr,
		source:     source,
		totals:     totals,
		logger:     slog.Default().With("component", "api"),
		startedAt:  time.Now(),
	}
}

// Start begins serving in a background goroutine
func (s *Server) Start() error {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/status", s.handleStatus).Methods("GET")
	api.HandleFunc("/queue", s.handleQueue).Methods("GET")
	api.HandleFunc("/senders", s.handleSenders).Methods("GET")
	api.HandleFunc("/senders/{id}", s.handleSender).Methods("GET")

	s.httpServer = &http.Server{
		Addr:         s.listenAddr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		s.logger.Info("status API listening", "addr", s.listenAddr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("status API failed", "error", err)
		}
	}()
	return nil
}

// Stop shuts the server down, waiting briefly for in-flight requests
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"campaign_id": s.campaignID,
		"uptime_sec":  int(time.Since(s.startedAt).Seconds()),
		"queue":       s.source.QueueStats(),
		"senders":     s.source.Pool().GetStats(),
	}
	if s.totals != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if totals, err := s.totals.Totals(ctx); err == nil {
			resp["totals"] = totals
		} else {
			s.logger.Warn("metrics store unavailable", "error", err)
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.source.QueueStats())
}

func (s *Server) handleSenders(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.source.Pool().GetStats())
}

func (s *Server) handleSender(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	acct, ok := s.source.Pool().Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("unknown sender: %s", id))
		return
	}
	writeJSON(w, http.StatusOK, acct.GetStats())
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Default().Error("failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
