// Package watch runs the update protocol on a fixed interval and
// exposes health, status, and metrics endpoints while doing so. Runs
// are strictly serial; a slow run delays the next tick rather than
// overlapping it.
package watch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"freshd/internal/artifact"
	"freshd/internal/installer"
)

const defaultPollInterval = 6 * time.Hour

// Runner executes one protocol pass.
type Runner interface {
	Run(ctx context.Context) (installer.Result, error)
}

// Config wires the watch service.
type Config struct {
	Identity artifact.Identity
	Runner   Runner
	Interval time.Duration

	// ListenAddr is the bind address for the status server. Empty
	// disables serving; the poll loop still runs.
	ListenAddr string

	// Middleware optionally wraps the router, e.g. with tracing.
	Middleware func(http.Handler) http.Handler

	Logger *log.Logger
	Now    func() time.Time
}

// Service is the watch-mode poll loop plus its status server.
type Service struct {
	cfg     Config
	metrics *Metrics

	mu   sync.RWMutex
	last *runStatus
}

type runStatus struct {
	Result  installer.Result
	Err     error
	EndedAt time.Time
}

// New validates the configuration and applies defaults.
func New(cfg Config) (*Service, error) {
	if err := cfg.Identity.Validate(); err != nil {
		return nil, err
	}
	if cfg.Runner == nil {
		return nil, errors.New("runner is required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultPollInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stdout, "", log.LstdFlags)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Service{cfg: cfg, metrics: NewMetrics()}, nil
}

// Run polls until the context is cancelled. The first pass happens
// immediately. Failed runs are recorded and the loop keeps going.
func (s *Service) Run(ctx context.Context) error {
	var srvErr chan error
	if s.cfg.ListenAddr != "" {
		srvErr = make(chan error, 1)
		server := &http.Server{
			Addr:              s.cfg.ListenAddr,
			Handler:           s.handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			s.cfg.Logger.Printf("INFO watch server listening addr=%s", s.cfg.ListenAddr)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				srvErr <- err
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				s.cfg.Logger.Printf("WARN watch server shutdown: %v", err)
			}
		}()
	}

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.runOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-srvErr:
			return fmt.Errorf("watch server: %w", err)
		case <-ticker.C:
			s.runOnce(ctx)
		}
	}
}

func (s *Service) runOnce(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	result, err := s.cfg.Runner.Run(ctx)
	ended := s.cfg.Now()

	s.mu.Lock()
	s.last = &runStatus{Result: result, Err: err, EndedAt: ended}
	s.mu.Unlock()
	s.metrics.observe(result, err, float64(ended.Unix()))

	if err != nil {
		s.cfg.Logger.Printf("ERROR run artifact=%s class=%s: %v", s.cfg.Identity, artifact.Classify(err), err)
		return
	}
	s.cfg.Logger.Printf("INFO run artifact=%s outcome=%s decision=%s duration=%s",
		s.cfg.Identity, result.Outcome, result.Decision, result.Duration)
}

func (s *Service) handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/readyz", s.handleReady)
	r.Get("/v1/status", s.handleStatus)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{}))

	if s.cfg.Middleware != nil {
		return s.cfg.Middleware(r)
	}
	return r
}

// handleReady reports ready once at least one run has completed,
// regardless of its outcome.
func (s *Service) handleReady(w http.ResponseWriter, _ *http.Request) {
	s.mu.RLock()
	ready := s.last != nil
	s.mu.RUnlock()

	if !ready {
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "waiting for first run"})
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type statusResponse struct {
	Artifact string    `json:"artifact"`
	Arch     string    `json:"arch"`
	RunID    string    `json:"run_id,omitempty"`
	Decision string    `json:"decision,omitempty"`
	Outcome  string    `json:"outcome,omitempty"`
	Error    string    `json:"error,omitempty"`
	Class    string    `json:"class,omitempty"`
	Previous string    `json:"previous,omitempty"`
	Current  string    `json:"current,omitempty"`
	EndedAt  time.Time `json:"ended_at,omitzero"`
}

func (s *Service) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := statusResponse{
		Artifact: s.cfg.Identity.Name,
		Arch:     s.cfg.Identity.Arch,
	}

	s.mu.RLock()
	last := s.last
	s.mu.RUnlock()

	if last != nil {
		resp.RunID = last.Result.RunID.String()
		resp.Previous = string(last.Result.Previous)
		resp.Current = string(last.Result.Current)
		resp.EndedAt = last.EndedAt.UTC()
		if last.Err != nil {
			resp.Error = last.Err.Error()
			resp.Class = artifact.Classify(last.Err)
		} else {
			resp.Decision = last.Result.Decision.String()
			resp.Outcome = string(last.Result.Outcome)
		}
	}

	respondJSON(w, http.StatusOK, resp)
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}
