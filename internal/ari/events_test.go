package ari

import "testing"

func TestParseEventStasisStart(t *testing.T) {
	data := []byte(`{
		"type": "StasisStart",
		"timestamp": "2026-01-01T00:00:00.000+0000",
		"args": ["dialer", "call-123"],
		"channel": {"id": "chan-1", "name": "PJSIP/trunk-00000001", "state": "Ring", "linkedid": "chan-1"}
	}`)

	ev, err := ParseEvent(data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ev.Kind != EventStasisStart {
		t.Fatalf("expected StasisStart, got %q", ev.Kind)
	}
	if ev.Channel == nil || ev.Channel.ID != "chan-1" {
		t.Fatalf("expected channel id chan-1, got %+v", ev.Channel)
	}
	if len(ev.Args) != 2 || ev.Args[0] != "dialer" || ev.Args[1] != "call-123" {
		t.Fatalf("unexpected args: %v", ev.Args)
	}
	if ev.LinkedID != "chan-1" {
		t.Fatalf("expected linkedid chan-1, got %q", ev.LinkedID)
	}
}

func TestParseEventUnknownKindIsPreserved(t *testing.T) {
	data := []byte(`{"type": "SomeFutureEvent"}`)
	ev, err := ParseEvent(data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ev.Kind != "SomeFutureEvent" {
		t.Fatalf("expected raw kind preserved, got %q", ev.Kind)
	}
}

func TestParseEventDial(t *testing.T) {
	data := []byte(`{
		"type": "Dial",
		"dialstring": "5551234@trunk",
		"dialstatus": "ANSWER",
		"caller": {"id": "chan-1", "name": "PJSIP/trunk-1"},
		"peer": {"id": "chan-2", "name": "Local/777@default2-00000001;1"}
	}`)
	ev, err := ParseEvent(data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ev.Dialstatus != "ANSWER" {
		t.Fatalf("expected ANSWER, got %q", ev.Dialstatus)
	}
	if ev.Caller == nil || ev.Peer == nil {
		t.Fatalf("expected both caller and peer to be populated")
	}
}
