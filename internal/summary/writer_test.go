package summary

import (
	"strings"
	"testing"
	"time"
)

func TestBuildUpsertQueryShape(t *testing.T) {
	q := buildUpsertQuery("call_leg_timelines")
	if !strings.HasPrefix(q, "INSERT INTO call_leg_timelines") {
		t.Fatalf("expected insert into call_leg_timelines, got %q", q)
	}
	if !strings.Contains(q, "ON DUPLICATE KEY UPDATE") {
		t.Fatalf("expected upsert clause, got %q", q)
	}
	if strings.Contains(q, "call_id = VALUES(call_id)") {
		t.Fatalf("call_id is the key column and must not appear in the update clause")
	}
	if !strings.Contains(q, "recording_path = VALUES(recording_path)") {
		t.Fatalf("expected recording_path to be updated on conflict")
	}
}

func TestNullStringEmptyIsInvalid(t *testing.T) {
	if ns := nullString(""); ns.Valid {
		t.Fatalf("expected empty string to be NULL")
	}
	if ns := nullString("ANSWERED"); !ns.Valid || ns.String != "ANSWERED" {
		t.Fatalf("expected non-empty string to round-trip, got %+v", ns)
	}
}

func TestFormatTimeNilAndZeroAreNull(t *testing.T) {
	if ns := formatTime(nil); ns.Valid {
		t.Fatalf("expected nil time to be NULL")
	}
	zero := time.Time{}
	if ns := formatTime(&zero); ns.Valid {
		t.Fatalf("expected zero time to be NULL")
	}
	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	ns := formatTime(&now)
	if !ns.Valid || ns.String != "2026-07-31 12:00:00" {
		t.Fatalf("unexpected formatted time: %+v", ns)
	}
}
