package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/hamzaKhattat/ari-outbound-dialer/pkg/logger"
)

func TestMain(m *testing.M) {
	logger.Init(logger.Config{Level: "error", Format: "text", Output: "stdout"})
	os.Exit(m.Run())
}

func TestValidateRequiresARIURL(t *testing.T) {
	cfg := &Config{}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for empty config")
	}
}

func TestValidatePassesWithRequiredFields(t *testing.T) {
	cfg := &Config{
		ARIURL:         "http://localhost:8088",
		ARIUsername:    "u",
		ARIPassword:    "p",
		ARITrunk:       "trunk1",
		OutboundNumber: "15551234567",
		MaxCC:          1,
		RecordingsDir:  "/tmp/recordings",
		MySQLDatabase:  "dialer",
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}
}

func TestLoadNumbersFileWinsOverInline(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "numbers.txt")
	if err := os.WriteFile(path, []byte("15551230001\n15551230002\nbad-token!!\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := &Config{OutboundNumber: "15550000000", OutboundNumberFile: path}
	numbers, err := cfg.LoadNumbers()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(numbers) != 2 {
		t.Fatalf("expected the invalid token to be dropped, got %v", numbers)
	}
	if numbers[0] != "15551230001" || numbers[1] != "15551230002" {
		t.Fatalf("expected file contents, got %v", numbers)
	}
}

func TestLoadNumbersEmptyAfterValidationIsError(t *testing.T) {
	cfg := &Config{OutboundNumber: "not-a-number!!"}
	if _, err := cfg.LoadNumbers(); err == nil {
		t.Fatal("expected error when no numbers survive validation")
	}
}
