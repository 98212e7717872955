package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gregtusar/imbalance/pkg/models"
	"github.com/gregtusar/imbalance/pkg/trader"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// TraderState exposes the open position and the manual intervention latch.
type TraderState interface {
	Status() (models.PositionStatus, bool)
	Intervention() (trader.Intervention, bool)
	Resume() bool
}

type Server struct {
	state   TraderState
	symbol  string
	logger  *logrus.Logger
	port    int
	started time.Time
}

func NewServer(state TraderState, symbol string, logger *logrus.Logger, port int) *Server {
	return &Server{
		state:   state,
		symbol:  symbol,
		logger:  logger,
		port:    port,
		started: time.Now(),
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/position", s.handlePosition)
	mux.HandleFunc("/api/resume", s.handleResume)
	mux.Handle("/metrics", promhttp.Handler())

	return corsMiddleware(mux)
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              ":" + strconv.Itoa(s.port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Infof("Starting API server on port %d", s.port)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	_, open := s.state.Status()
	response := map[string]interface{}{
		"status":        "healthy",
		"symbol":        s.symbol,
		"position_open": open,
		"uptime":        time.Since(s.started).Round(time.Second).String(),
		"timestamp":     time.Now().UTC(),
	}
	if intervention, latched := s.state.Intervention(); latched {
		response["status"] = "manual_intervention"
		response["manual_intervention"] = intervention
	}

	s.writeJSON(w, http.StatusOK, response)
}

func (s *Server) handlePosition(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	status, ok := s.state.Status()
	if !ok {
		s.writeJSON(w, http.StatusOK, map[string]interface{}{"open": false})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"open":     true,
		"position": status,
	})
}

// handleResume clears the manual intervention latch once the operator has
// dealt with the flagged position.
func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	resumed := s.state.Resume()
	s.logger.WithField("resumed", resumed).Info("Resume requested")
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"resumed": resumed})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.WithError(err).Error("Failed to encode JSON response")
	}
}
