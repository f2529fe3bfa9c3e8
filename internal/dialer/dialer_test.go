package dialer

import (
	"os"
	"testing"

	"github.com/hamzaKhattat/ari-outbound-dialer/pkg/logger"
)

func TestMain(m *testing.M) {
	logger.Init(logger.Config{Level: "error", Format: "text", Output: "stdout"})
	os.Exit(m.Run())
}

func TestPopIfAdmissibleRespectsMaxCC(t *testing.T) {
	d := New(Config{MaxCC: 2}, nil)
	d.queue = []string{"1", "2", "3"}

	_, _, ok := d.popIfAdmissible()
	if !ok {
		t.Fatalf("expected first pop to be admissible")
	}
	_, _, ok = d.popIfAdmissible()
	if !ok {
		t.Fatalf("expected second pop to be admissible")
	}
	_, _, ok = d.popIfAdmissible()
	if ok {
		t.Fatalf("expected third pop to be blocked by MAX_CC=2")
	}
	if d.QueueDepth() != 1 {
		t.Fatalf("expected one number still queued, got %d", d.QueueDepth())
	}
	if d.InFlightCount() != 2 {
		t.Fatalf("expected 2 in flight, got %d", d.InFlightCount())
	}
}

func TestPopIfAdmissibleEmptyQueue(t *testing.T) {
	d := New(Config{MaxCC: 5}, nil)
	_, _, ok := d.popIfAdmissible()
	if ok {
		t.Fatalf("expected no admission from an empty queue")
	}
}

func TestHandleCallCompletedReleasesSlot(t *testing.T) {
	d := New(Config{MaxCC: 1}, nil)
	d.mu.Lock()
	d.inFlight["call-1"] = struct{}{}
	d.mu.Unlock()

	if d.InFlightCount() != 1 {
		t.Fatalf("expected 1 in flight before completion")
	}

	d.HandleCallCompleted("call-1")

	if d.InFlightCount() != 0 {
		t.Fatalf("expected slot released after completion, got %d in flight", d.InFlightCount())
	}
}

func TestReservationKeysAreUnique(t *testing.T) {
	d := New(Config{MaxCC: 10}, nil)
	d.queue = []string{"1", "2"}

	p1, _, _ := d.popIfAdmissible()
	p2, _, _ := d.popIfAdmissible()
	if p1 == p2 {
		t.Fatalf("expected distinct placeholder reservations, got %q twice", p1)
	}
}
