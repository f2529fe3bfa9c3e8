package correlator

import (
	"testing"
	"time"

	"github.com/hamzaKhattat/ari-outbound-dialer/internal/models"
)

func TestNormalizeStatus(t *testing.T) {
	cases := map[string]string{
		"NO ANSWER":  "NO ANSWER",
		"NOANSWER":   "NO ANSWER",
		"ANSWER":     "ANSWERED",
		"ANSWERED":   "ANSWERED",
		"ringing":    "RINGING",
		"":           "",
	}
	for in, want := range cases {
		if got := normalizeStatus(in); got != want {
			t.Errorf("normalizeStatus(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestCombineStatusAnsweredWins(t *testing.T) {
	if got := combineStatus("RINGING", "ANSWERED"); got != "ANSWERED" {
		t.Fatalf("expected ANSWERED to win, got %q", got)
	}
	if got := combineStatus("ANSWERED", "NO ANSWER"); got != "ANSWERED" {
		t.Fatalf("expected existing ANSWERED to stick, got %q", got)
	}
}

func TestCombineStatusGenericProgressDoesNotOverwriteSpecific(t *testing.T) {
	if got := combineStatus("BUSY", "RINGING"); got != "BUSY" {
		t.Fatalf("expected specific status BUSY to survive a generic candidate, got %q", got)
	}
}

func TestCombineStatusNoAnswerIsLastResort(t *testing.T) {
	if got := combineStatus("BUSY", "NO ANSWER"); got != "BUSY" {
		t.Fatalf("expected NO ANSWER not to overwrite a more specific status, got %q", got)
	}
	if got := combineStatus("", "NO ANSWER"); got != "NO ANSWER" {
		t.Fatalf("expected NO ANSWER to apply when nothing else is known, got %q", got)
	}
}

func TestStripHalfSuffix(t *testing.T) {
	if got := stripHalfSuffix("Local/777@default2-00000001;1"); got != "Local/777@default2-00000001" {
		t.Fatalf("unexpected result: %q", got)
	}
	if got := stripHalfSuffix("PJSIP/trunk-00000001"); got != "PJSIP/trunk-00000001" {
		t.Fatalf("expected untouched name, got %q", got)
	}
}

func TestSwapHalfSuffix(t *testing.T) {
	if got := swapHalfSuffix("Local/777@default2-1;1"); got != "Local/777@default2-1;2" {
		t.Fatalf("unexpected swap: %q", got)
	}
	if got := swapHalfSuffix("Local/777@default2-1;2"); got != "Local/777@default2-1;1" {
		t.Fatalf("unexpected swap: %q", got)
	}
}

func TestIsTargetLocalName(t *testing.T) {
	if !isTargetLocalName("Local/777@default2-00000001;1", "777", "default2") {
		t.Fatalf("expected match")
	}
	if isTargetLocalName("Local/888@default2-00000001;1", "777", "default2") {
		t.Fatalf("expected no match on different extension")
	}
	if !isTargetLocalName("Local/777@default2-00000001;2", "777", "") {
		t.Fatalf("expected match with empty context meaning any context")
	}
}

func TestWatchdogDelayRespectsFloor(t *testing.T) {
	if got := watchdogDelay(5 * time.Second); got != 45*time.Second {
		t.Fatalf("expected 45s floor, got %v", got)
	}
	if got := watchdogDelay(60 * time.Second); got != 75*time.Second {
		t.Fatalf("expected 75s, got %v", got)
	}
}

func TestWaitAndTalkSecondsClampNonNegative(t *testing.T) {
	now := time.Now()
	if got := waitSeconds(time.Time{}, now, now.Add(-5*time.Second)); got != 0 {
		t.Fatalf("expected clamped to zero, got %d", got)
	}
	if got := talkSeconds(now.Add(60*time.Second), now); got != 60 {
		t.Fatalf("expected 60, got %d", got)
	}
}

func TestComputeLegAStatusAnsweredRequiresBothLegs(t *testing.T) {
	call := models.NewCall("call-1", "5551234", time.Now())
	call.DialerConnectedAt = time.Now()
	if got := computeLegAStatus(call); got == "ANSWERED" {
		t.Fatalf("leg A should not be ANSWERED without dialed connecting too")
	}
	call.DialedConnectedAt = time.Now()
	if got := computeLegAStatus(call); got != "ANSWERED" {
		t.Fatalf("expected ANSWERED once both legs connected, got %q", got)
	}
}

func TestComputeLegBStatusDefaultsToNoAnswer(t *testing.T) {
	call := models.NewCall("call-1", "5551234", time.Now())
	if got := computeLegBStatus(call); got != "NO ANSWER" {
		t.Fatalf("expected NO ANSWER default, got %q", got)
	}
}

func TestAnsweredBySourcePrecedence(t *testing.T) {
	call := models.NewCall("call-1", "5551234", time.Now())
	call.SetAnsweredBy("Agent-42", models.AnsweredBySourceAgent)
	call.SetAnsweredBy("ext-777", models.AnsweredBySourceDialed)
	if call.AnsweredBy != "Agent-42" {
		t.Fatalf("expected agent-sourced identity to stick, got %q", call.AnsweredBy)
	}
}
