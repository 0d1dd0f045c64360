package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/Tutortoise/presence-detection-service/inference"
	"github.com/Tutortoise/presence-detection-service/models"
	"github.com/Tutortoise/presence-detection-service/scheduler"
	"github.com/cyclopcam/logs"
	"github.com/gorilla/mux"
)

// Controller is the part of the scheduler that the HTTP API drives
type Controller interface {
	Status(ctx context.Context) (scheduler.Status, error)
	Kick(ctx context.Context) (scheduler.TickResult, error)
}

// Reports gives access to the latest cycle report and streams new ones over a websocket
type Reports interface {
	http.Handler
	Latest() *models.Report
}

// PoolMetrics reports inference pool activity
type PoolMetrics interface {
	GetMetrics() inference.PoolMetrics
}

type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

type TriggerResponse struct {
	Result scheduler.TickResult `json:"result"`
}

type MetricsResponse struct {
	Pool            *inference.PoolMetrics `json:"pool,omitempty"`
	CyclesCompleted int64                  `json:"cycles_completed"`
	CyclesFailed    int64                  `json:"cycles_failed"`
	AvgTimings      scheduler.Timings      `json:"avg_timings"`
}

type Server struct {
	log     logs.Log
	ctl     Controller
	reports Reports
	pool    PoolMetrics
	router  *mux.Router
}

// New builds the HTTP API. pool may be nil.
func New(log logs.Log, ctl Controller, reports Reports, pool PoolMetrics) *Server {
	s := &Server{
		log:     log,
		ctl:     ctl,
		reports: reports,
		pool:    pool,
		router:  mux.NewRouter(),
	}
	s.router.HandleFunc("/status", s.handleStatus).Methods("GET")
	s.router.HandleFunc("/detections", s.handleDetections).Methods("GET")
	s.router.HandleFunc("/trigger", s.handleTrigger).Methods("POST")
	s.router.Handle("/ws", reports).Methods("GET")
	s.addMonitoringRoutes(s.router)
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Handler:      s.router,
		Addr:         addr,
		WriteTimeout: 60 * time.Second,
		ReadTimeout:  60 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		s.log.Infof("Starting server on %v", srv.Addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func (s *Server) addMonitoringRoutes(r *mux.Router) {
	r.HandleFunc("/metrics", s.handleMetrics).Methods("GET")
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.ctl.Status(r.Context())
	if err != nil {
		s.sendSchedulerError(w, err)
		return
	}
	sendJSON(w, st)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	resp := MetricsResponse{}
	if s.pool != nil {
		m := s.pool.GetMetrics()
		resp.Pool = &m
	}
	st, err := s.ctl.Status(r.Context())
	if err == nil {
		resp.CyclesCompleted = st.Completed
		resp.CyclesFailed = st.Failed
		resp.AvgTimings = st.AvgTimings
	}
	sendJSON(w, resp)
}

func (s *Server) handleDetections(w http.ResponseWriter, r *http.Request) {
	latest := s.reports.Latest()
	if latest == nil {
		sendErrorResponse(w, "no_detections", "No detection cycle has completed yet", http.StatusNotFound)
		return
	}
	sendJSON(w, latest)
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	result, err := s.ctl.Kick(r.Context())
	if err != nil {
		s.sendSchedulerError(w, err)
		return
	}
	sendJSON(w, TriggerResponse{Result: result})
}

func (s *Server) sendSchedulerError(w http.ResponseWriter, err error) {
	if errors.Is(err, scheduler.ErrNotRunning) {
		sendErrorResponse(w, "scheduler_stopped", err.Error(), http.StatusServiceUnavailable)
		return
	}
	s.log.Warnf("Scheduler call failed: %v", err)
	sendErrorResponse(w, "scheduler_error", err.Error(), http.StatusInternalServerError)
}

func sendJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func sendErrorResponse(w http.ResponseWriter, code, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{
		Code:    code,
		Message: message,
	})
}
