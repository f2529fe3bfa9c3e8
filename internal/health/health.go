// Package health is the liveness/readiness surface (§4.6 domain-stack
// addendum), grounded on the teacher's internal/health/health.go:
// gorilla/mux routes, a Checker interface, and concurrent check fan-out
// via goroutines + a results channel + WaitGroup.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
)

// Checker reports whether a dependency is currently healthy.
type Checker interface {
	Check(ctx context.Context) error
}

// CheckFunc adapts a plain function to Checker.
type CheckFunc func(ctx context.Context) error

func (f CheckFunc) Check(ctx context.Context) error { return f(ctx) }

type result struct {
	name string
	err  error
}

// Service exposes /health/live (process up) and /health/ready (every
// registered readiness check passes).
type Service struct {
	mu      sync.RWMutex
	readyCh map[string]Checker
}

func NewService() *Service {
	return &Service{readyCh: make(map[string]Checker)}
}

// Register adds a named readiness check (e.g. "ari", "persistence").
func (s *Service) Register(name string, checker Checker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readyCh[name] = checker
}

func (s *Service) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/health/live", s.handleLive).Methods(http.MethodGet)
	router.HandleFunc("/health/ready", s.handleReady).Methods(http.MethodGet)
}

func (s *Service) handleLive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "live"})
}

func (s *Service) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	s.mu.RLock()
	checkers := make(map[string]Checker, len(s.readyCh))
	for name, c := range s.readyCh {
		checkers[name] = c
	}
	s.mu.RUnlock()

	results := make(chan result, len(checkers))
	var wg sync.WaitGroup
	for name, checker := range checkers {
		wg.Add(1)
		go func(name string, checker Checker) {
			defer wg.Done()
			results <- result{name: name, err: checker.Check(ctx)}
		}(name, checker)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	failures := map[string]string{}
	for res := range results {
		if res.err != nil {
			failures[res.name] = res.err.Error()
		}
	}

	if len(failures) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status":  "not_ready",
			"reasons": failures,
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
