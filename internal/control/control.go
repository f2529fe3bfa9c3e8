// Package control is the Control Surface (C8): a single loopback HTTP
// listener exposing GET /start (re-trigger a dialer run per §4.6),
// mounted alongside the health and metrics routes, grounded on the
// teacher's gorilla/mux router wiring.
package control

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/gorilla/mux"

	"github.com/hamzaKhattat/ari-outbound-dialer/internal/ari"
	"github.com/hamzaKhattat/ari-outbound-dialer/internal/callstate"
	"github.com/hamzaKhattat/ari-outbound-dialer/internal/config"
	"github.com/hamzaKhattat/ari-outbound-dialer/internal/correlator"
	"github.com/hamzaKhattat/ari-outbound-dialer/internal/db"
	"github.com/hamzaKhattat/ari-outbound-dialer/internal/dialer"
	"github.com/hamzaKhattat/ari-outbound-dialer/internal/health"
	"github.com/hamzaKhattat/ari-outbound-dialer/internal/metrics"
	"github.com/hamzaKhattat/ari-outbound-dialer/internal/models"
	"github.com/hamzaKhattat/ari-outbound-dialer/internal/recording"
	"github.com/hamzaKhattat/ari-outbound-dialer/internal/summary"
	apperrors "github.com/hamzaKhattat/ari-outbound-dialer/pkg/errors"
	"github.com/hamzaKhattat/ari-outbound-dialer/pkg/logger"
)

// Server owns the single set of live components (ARI adapter, event
// correlator, dial orchestrator) and the loopback router that starts
// and inspects a run. Re-triggering a run via /start never spawns a
// second set of components; it reuses or rebuilds in place (§4.6).
type Server struct {
	mu      sync.Mutex
	started bool

	health  *health.Service
	metrics *metrics.Metrics
	router  *mux.Router

	client *ari.Client
	dlr    *dialer.Dialer
	writer *summary.Writer
}

func New() *Server {
	s := &Server{
		health:  health.NewService(),
		metrics: metrics.New(),
	}
	s.router = mux.NewRouter()
	s.health.RegisterRoutes(s.router)
	s.router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	s.router.HandleFunc("/start", s.handleStart).Methods(http.MethodGet)
	s.router.MethodNotAllowedHandler = http.NotFoundHandler()
	return s
}

func (s *Server) Router() *mux.Router { return s.router }

// Shutdown releases the persistence Writer's cached prepared statements.
// Called once from cmd/dialer on SIGINT/SIGTERM, after the HTTP listener
// has stopped accepting new /start requests.
func (s *Server) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writer != nil {
		s.writer.Close()
	}
}

// handleStart implements the five-step re-trigger logic from §4.6.
func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Step 1: re-read configuration from the environment on every hit.
	cfg, err := config.Load()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"status": "error", "message": err.Error()})
		return
	}

	// Step 2: re-create the recording directory if missing.
	if err := os.MkdirAll(cfg.RecordingsDir, 0o755); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"status": "error", "message": "failed to create recordings directory: " + err.Error()})
		return
	}

	numbers, err := cfg.LoadNumbers()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"status": "error", "message": err.Error()})
		return
	}

	switch {
	case !s.started:
		// The persistence pool is dropped here, not unconditionally for
		// every /start hit, so an already-running dialer with work
		// outstanding is never disturbed (§4.6 step 5).
		db.Reset()
		// A fresh background context, not r.Context(): the Correlator and
		// Dialer must outlive this single /start request.
		if err := s.firstStart(context.Background(), cfg, numbers); err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"status": "error", "message": err.Error()})
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"status": "Dialer started."})

	case s.dlr.InFlightCount() == 0 && s.dlr.QueueDepth() == 0:
		db.Reset()
		if err := s.reinitPersistence(cfg); err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"status": "error", "message": err.Error()})
			return
		}
		if err := s.dlr.Start(context.Background(), numbers); err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"status": "error", "message": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "Dialer run restarted."})

	default:
		writeJSON(w, http.StatusOK, map[string]string{"status": "Dialer already running."})
	}
}

// reinitPersistence re-opens the pool dropped by db.Reset() and rebinds
// the already-built Writer to it in place, since the Writer.Upsert
// method value captured by the Correlator at firstStart is bound to the
// *Writer pointer, not a snapshot of its fields (§4.6 step 2/4).
func (s *Server) reinitPersistence(cfg *config.Config) error {
	if err := db.Initialize(db.Config{
		Host:     cfg.MySQLHost,
		Port:     cfg.MySQLPort,
		Username: cfg.MySQLUser,
		Password: cfg.MySQLPassword,
		Database: cfg.MySQLDatabase,
	}); err != nil {
		return apperrors.Wrap(err, apperrors.ErrPersistence, "failed to reinitialize persistence pool")
	}
	if err := db.RunDatabaseMigrations(db.GetDB().DB); err != nil {
		return apperrors.Wrap(err, apperrors.ErrPersistence, "failed to run database migrations")
	}
	s.writer.Reset(db.GetDB())
	return nil
}

// firstStart builds the ARI adapter, the Recording Manager, the Event
// Correlator and the Dial Orchestrator and wires them together exactly
// once per process (§5's single-executor model assumes one Correlator
// per Asterisk connection).
func (s *Server) firstStart(ctx context.Context, cfg *config.Config, numbers []string) error {
	if err := db.Initialize(db.Config{
		Host:     cfg.MySQLHost,
		Port:     cfg.MySQLPort,
		Username: cfg.MySQLUser,
		Password: cfg.MySQLPassword,
		Database: cfg.MySQLDatabase,
	}); err != nil {
		return apperrors.Wrap(err, apperrors.ErrPersistence, "failed to initialize persistence pool")
	}

	// A migration failure is treated like any other startup failure
	// (§9 open question: "fatal, non-zero exit"), since call_leg_timelines
	// must exist before the first Writer.Upsert.
	if err := db.RunDatabaseMigrations(db.GetDB().DB); err != nil {
		logger.WithField("error", err.Error()).Fatal("database migrations failed")
	}

	if cfg.RedisAddr != "" {
		host, port := splitHostPort(cfg.RedisAddr)
		cacheCfg := db.CacheConfig{Host: host, Port: port, Password: cfg.RedisPassword, DB: cfg.RedisDB}
		if err := db.InitializeCache(cacheCfg, "dialer"); err != nil {
			logger.WithField("error", err.Error()).Warn("failed to initialize cache, recording moves will proceed unlocked")
		}
	}

	client := ari.NewClient(ari.Config{
		URL:      cfg.ARIURL,
		Username: cfg.ARIUsername,
		Password: cfg.ARIPassword,
		App:      cfg.StasisApp,
	})
	if err := client.Start(ctx); err != nil {
		return apperrors.Wrap(err, apperrors.ErrARIConnection, "failed to start ARI adapter")
	}
	s.client = client

	recorder := recording.New(client, recording.Config{
		RecordingsDir:   cfg.RecordingsDir,
		RecordingFormat: cfg.RecordingFormat,
		SearchDirs:      cfg.RecordingSearch,
	}, s.metrics)

	writer := summary.New(db.GetDB(), cfg.MySQLTable, s.metrics)
	s.writer = writer
	persist := func(row *models.CallSummaryRow) error {
		return writer.Upsert(ctx, row)
	}

	store := callstate.New()
	d := dialer.New(dialer.Config{MaxCC: cfg.MaxCC, DialRatePerSec: cfg.DialRatePerSec}, s.metrics)

	corr := correlator.New(store, client, recorder, persist, d.HandleCallCompleted, correlator.Config{
		TargetEndpoint:  cfg.TargetEndpoint,
		TargetExtension: cfg.TargetExtension,
		TargetContext:   cfg.TargetContext,
		StasisApp:       cfg.StasisApp,
		CallerID:        cfg.CallerID,
		ARITrunk:        cfg.ARITrunk,
		CallTimeout:     cfg.CallTimeout,
	}, s.metrics)
	d.SetCorrelator(corr)
	s.dlr = d

	s.health.Register("ari", health.CheckFunc(func(ctx context.Context) error {
		if !client.Connected() {
			return apperrors.New(apperrors.ErrARIConnection, "ARI websocket not connected")
		}
		return nil
	}))
	s.health.Register("persistence", health.CheckFunc(func(ctx context.Context) error {
		if !db.GetDB().IsHealthy() {
			return apperrors.New(apperrors.ErrPersistence, "persistence pool unhealthy")
		}
		return nil
	}))

	go corr.Run(ctx)

	if err := d.Start(ctx, numbers); err != nil {
		return err
	}

	s.started = true
	return nil
}

// splitHostPort parses a "host:port" redis address, defaulting to 6379
// when no port is present, so REDIS_ADDR can be given either way.
func splitHostPort(addr string) (string, int) {
	host, portStr, found := strings.Cut(addr, ":")
	if !found {
		return addr, 6379
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return host, 6379
	}
	return host, port
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
