package recording

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestMoveFileAcrossDirs(t *testing.T) {
	srcDir := t.TempDir()
	dstDir := t.TempDir()

	src := filepath.Join(srcDir, "dialer-call-1.wav")
	if err := os.WriteFile(src, []byte("audio"), 0o644); err != nil {
		t.Fatalf("failed to seed source file: %v", err)
	}

	dst := filepath.Join(dstDir, "dialer-call-1.wav")
	if err := moveFile(src, dst); err != nil {
		t.Fatalf("moveFile failed: %v", err)
	}

	if _, err := os.Stat(src); !os.IsNotExist(err) {
		t.Fatalf("expected source to be removed after move")
	}
	data, err := os.ReadFile(dst)
	if err != nil {
		t.Fatalf("expected destination file to exist: %v", err)
	}
	if string(data) != "audio" {
		t.Fatalf("unexpected destination contents: %q", data)
	}
}

func TestLocateFindsFirstMatchingSearchDir(t *testing.T) {
	dirA := t.TempDir()
	dirB := t.TempDir()

	filename := "dialer-call-2.wav"
	if err := os.WriteFile(filepath.Join(dirB, filename), []byte("x"), 0o644); err != nil {
		t.Fatalf("failed to seed file: %v", err)
	}

	m := New(nil, Config{
		RecordingsDir:   dirA,
		RecordingFormat: "wav",
		SearchDirs:      []string{dirA, dirB},
	}, nil)

	got, err := m.locate(filename)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != filepath.Join(dirB, filename) {
		t.Fatalf("expected to locate file in dirB, got %q", got)
	}
}

func TestLocateReturnsErrorWhenMissingEverywhere(t *testing.T) {
	m := New(nil, Config{
		RecordingsDir:   t.TempDir(),
		RecordingFormat: "wav",
		SearchDirs:      []string{t.TempDir()},
	}, nil)
	savedDelays := locateRetryDelays
	locateRetryDelays = []time.Duration{time.Millisecond, time.Millisecond, time.Millisecond}
	defer func() { locateRetryDelays = savedDelays }()

	if _, err := m.locate("missing.wav"); err == nil {
		t.Fatalf("expected error when file is absent from every search dir")
	}
}
