package callstate

import (
	"testing"
	"time"

	"github.com/hamzaKhattat/ari-outbound-dialer/internal/models"
)

func newTestCall(id string) *models.Call {
	return models.NewCall(id, "5551234", time.Now())
}

func TestGetOrCreateReturnsSameCall(t *testing.T) {
	s := New()
	first := s.GetOrCreate("call-1", func() *models.Call { return newTestCall("call-1") })
	second := s.GetOrCreate("call-1", func() *models.Call {
		t.Fatal("factory should not run for an existing call")
		return nil
	})
	if first != second {
		t.Fatalf("expected same call pointer, got different instances")
	}
}

func TestIndexAndLookupByChannel(t *testing.T) {
	s := New()
	call := s.GetOrCreate("call-1", func() *models.Call { return newTestCall("call-1") })

	s.IndexChannel(call, "chan-a")
	s.IndexBridge(call, "bridge-1")
	s.IndexLinkedID(call, "linked-1")
	s.IndexRecording(call, "rec-1")

	if got := s.ByChannel("chan-a"); got != call {
		t.Fatalf("ByChannel did not resolve to the indexed call")
	}
	if got := s.ByBridge("bridge-1"); got != call {
		t.Fatalf("ByBridge did not resolve to the indexed call")
	}
	if got := s.ByLinkedID("linked-1"); got != call {
		t.Fatalf("ByLinkedID did not resolve to the indexed call")
	}
	if got := s.ByRecording("rec-1"); got != call {
		t.Fatalf("ByRecording did not resolve to the indexed call")
	}
	if got := s.ScanLinkedIDs("linked-1"); got != call {
		t.Fatalf("ScanLinkedIDs did not resolve to the indexed call")
	}
}

func TestDeletePurgesAllIndexes(t *testing.T) {
	s := New()
	call := s.GetOrCreate("call-1", func() *models.Call { return newTestCall("call-1") })
	s.IndexChannel(call, "chan-a")
	s.IndexBridge(call, "bridge-1")
	s.IndexLinkedID(call, "linked-1")
	s.IndexRecording(call, "rec-1")

	s.Delete("call-1")

	if s.Get("call-1") != nil {
		t.Fatalf("expected call to be gone after Delete")
	}
	if s.ByChannel("chan-a") != nil {
		t.Fatalf("channel index not purged")
	}
	if s.ByBridge("bridge-1") != nil {
		t.Fatalf("bridge index not purged")
	}
	if s.ByLinkedID("linked-1") != nil {
		t.Fatalf("linkedId index not purged")
	}
	if s.ByRecording("rec-1") != nil {
		t.Fatalf("recording index not purged")
	}
	if s.Len() != 0 {
		t.Fatalf("expected zero calls tracked after delete, got %d", s.Len())
	}
}

func TestUnindexChannelLeavesCallInPlace(t *testing.T) {
	s := New()
	call := s.GetOrCreate("call-1", func() *models.Call { return newTestCall("call-1") })
	s.IndexChannel(call, "chan-a")
	s.IndexChannel(call, "chan-b")

	s.UnindexChannel(call, "chan-a")

	if s.ByChannel("chan-a") != nil {
		t.Fatalf("expected chan-a to be unindexed")
	}
	if s.ByChannel("chan-b") != call {
		t.Fatalf("unrelated channel index should be untouched")
	}
	if s.Get("call-1") == nil {
		t.Fatalf("call itself should survive a single-channel unindex")
	}
}

func TestRangeVisitsEveryCall(t *testing.T) {
	s := New()
	s.GetOrCreate("call-1", func() *models.Call { return newTestCall("call-1") })
	s.GetOrCreate("call-2", func() *models.Call { return newTestCall("call-2") })

	seen := map[string]bool{}
	s.Range(func(c *models.Call) bool {
		seen[c.CallID] = true
		return true
	})

	if len(seen) != 2 {
		t.Fatalf("expected to visit 2 calls, saw %d", len(seen))
	}
}
