package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
)

func newTestRouter(s *Service) *mux.Router {
	r := mux.NewRouter()
	s.RegisterRoutes(r)
	return r
}

func TestLiveAlwaysOK(t *testing.T) {
	s := NewService()
	router := newTestRouter(s)

	req := httptest.NewRequest(http.MethodGet, "/health/live", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestReadyPassesWhenAllCheckersPass(t *testing.T) {
	s := NewService()
	s.Register("ari", CheckFunc(func(ctx context.Context) error { return nil }))
	s.Register("persistence", CheckFunc(func(ctx context.Context) error { return nil }))
	router := newTestRouter(s)

	req := httptest.NewRequest(http.MethodGet, "/health/ready", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestReadyFailsWhenAnyCheckerFails(t *testing.T) {
	s := NewService()
	s.Register("ari", CheckFunc(func(ctx context.Context) error { return nil }))
	s.Register("persistence", CheckFunc(func(ctx context.Context) error { return errors.New("db down") }))
	router := newTestRouter(s)

	req := httptest.NewRequest(http.MethodGet, "/health/ready", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}
