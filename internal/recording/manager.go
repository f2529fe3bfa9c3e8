// Package recording is the Recording Manager (C6): it starts/stops the
// bridge recording, then resolves the recording's on-disk location across
// Asterisk's several possible spool directories and moves it into the
// operator-configured RecordingsDir, guarded by an optional redis-backed
// distributed lock (§4.4, grounded on internal/db/cache.go's SetNX+Lua
// compare-and-delete idiom).
package recording

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/hamzaKhattat/ari-outbound-dialer/internal/ari"
	"github.com/hamzaKhattat/ari-outbound-dialer/internal/db"
	"github.com/hamzaKhattat/ari-outbound-dialer/internal/metrics"
	apperrors "github.com/hamzaKhattat/ari-outbound-dialer/pkg/errors"
	"github.com/hamzaKhattat/ari-outbound-dialer/pkg/logger"
)

// Config carries the subset of internal/config.Config the recording
// manager needs, kept narrow so this package never imports config
// directly (avoids a cross-domain dependency for a handful of strings).
type Config struct {
	RecordingsDir   string
	RecordingFormat string
	SearchDirs      []string
}

const moveLockTTL = 30 * time.Second

// locateRetryDelays encodes §4.4's distinct retry triggers: 1s after the
// RecordingFinished event that calls Finalize, a 5s generic retry, and a
// final fallback that completes a 10s window counted from Finalize's
// first look.
var locateRetryDelays = []time.Duration{
	1 * time.Second,
	5 * time.Second,
	4 * time.Second,
}

// Manager is the C6 component. It is safe for concurrent use; every call
// is independent and keyed by recording name, so the dialer's per-call
// goroutines may invoke it directly without going through the correlator's
// single executor.
type Manager struct {
	client  *ari.Client
	cfg     Config
	metrics *metrics.Metrics
}

func New(client *ari.Client, cfg Config, m *metrics.Metrics) *Manager {
	return &Manager{client: client, cfg: cfg, metrics: m}
}

// StartOnBridge issues bridges.record with a name derived from the call
// id so Stop/Finalize can find it later without a side index.
func (m *Manager) StartOnBridge(ctx context.Context, bridgeID, callID string) (*ari.Recording, error) {
	name := recordingName(callID)
	rec, err := m.client.RecordBridge(ctx, bridgeID, ari.RecordParams{
		Name:        name,
		Format:      m.cfg.RecordingFormat,
		IfExists:    "overwrite",
		TerminateOn: "none",
	})
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrRecording, "failed to start bridge recording")
	}
	return rec, nil
}

// Stop issues recordings.stop, swallowing "not found" per §7 (the
// ari.Client already does this in StopRecording).
func (m *Manager) Stop(ctx context.Context, callID string) error {
	return m.client.StopRecording(ctx, recordingName(callID))
}

// Finalize is called once RecordingFinished arrives. It locates the file
// across the known spool directories, guards the move with a distributed
// lock when it can take one, and returns the final path under
// RecordingsDir. If the lock is held elsewhere, the move goes ahead
// without it, so the move is not serialized in that case.
func (m *Manager) Finalize(ctx context.Context, callID string) (string, error) {
	name := recordingName(callID)
	filename := name + "." + m.cfg.RecordingFormat

	unlock, err := db.GetCache().Lock(ctx, fmt.Sprintf("recording:move:%s", name), moveLockTTL)
	if err != nil {
		// Another process already holds the lock; treat as non-fatal and
		// locate and move the file here anyway, unlocked.
		logger.WithField("recording", name).WithError(err).Warn("recording move lock held elsewhere, proceeding without it")
	} else {
		defer unlock()
	}

	src, err := m.locate(filename)
	if err != nil {
		return "", err
	}

	dst := filepath.Join(m.cfg.RecordingsDir, filename)
	if src == dst {
		return dst, nil
	}

	if err := os.MkdirAll(m.cfg.RecordingsDir, 0o755); err != nil {
		return "", apperrors.Wrap(err, apperrors.ErrFilesystem, "failed to create recordings directory")
	}
	if err := moveFile(src, dst); err != nil {
		return "", apperrors.Wrap(err, apperrors.ErrFilesystem, "failed to move recording into place")
	}

	logger.WithField("recording", name).WithField("path", dst).Info("recording finalized")
	return dst, nil
}

// locate searches SearchDirs in order, retrying on the §4.4 schedule
// since RecordingFinished can arrive slightly before Asterisk flushes the
// file to disk.
func (m *Manager) locate(filename string) (string, error) {
	if found, ok := m.tryLocate(filename); ok {
		return found, nil
	}

	var lastErr error
	for _, delay := range locateRetryDelays {
		if m.metrics != nil {
			m.metrics.IncrementCounter("dialer_recording_move_retries", map[string]string{})
		}
		time.Sleep(delay)
		if found, ok := m.tryLocate(filename); ok {
			return found, nil
		}
		lastErr = apperrors.New(apperrors.ErrRecording, "recording file not yet visible on any search path")
	}
	return "", lastErr
}

func (m *Manager) tryLocate(filename string) (string, bool) {
	for _, dir := range m.cfg.SearchDirs {
		if dir == "" {
			continue
		}
		candidate := filepath.Join(dir, filename)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, true
		}
	}
	return "", false
}

// moveFile renames when possible, falling back to copy+remove across
// filesystem boundaries (spool and RecordingsDir are commonly separate
// mounts).
func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer out.Close()

	buf := make([]byte, 64*1024)
	for {
		n, rerr := in.Read(buf)
		if n > 0 {
			if _, werr := out.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if rerr != nil {
			break
		}
	}

	return os.Remove(src)
}

func recordingName(callID string) string {
	return "dialer-" + callID
}
