// Package callstate implements the process-wide call-state store (C2/C3):
// a map of active calls plus reverse indexes by channel, bridge, linked
// id, and recording id. Grounded on the mutex-protected-map-plus-mirror-
// set idiom in the teacher's internal/router/did_manager.go and
// internal/router/router.go.
package callstate

import (
	"sync"

	"github.com/hamzaKhattat/ari-outbound-dialer/internal/models"
)

// Store is the only structure the Event Correlator mutates directly; all
// other components interact with call state through it (§4.1).
type Store struct {
	mu sync.RWMutex

	calls            map[string]*models.Call
	channelToCall    map[string]string
	bridgeToCall     map[string]string
	linkedIDToCall   map[string]string
	recordingToCall  map[string]string
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		calls:           make(map[string]*models.Call),
		channelToCall:   make(map[string]string),
		bridgeToCall:    make(map[string]string),
		linkedIDToCall:  make(map[string]string),
		recordingToCall: make(map[string]string),
	}
}

// GetOrCreate returns the existing call for callID, or inserts and
// returns a freshly constructed one via factory.
func (s *Store) GetOrCreate(callID string, factory func() *models.Call) *models.Call {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.calls[callID]; ok {
		return c
	}
	c := factory()
	s.calls[callID] = c
	return c
}

// Get returns the call for callID, or nil.
func (s *Store) Get(callID string) *models.Call {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.calls[callID]
}

// Delete purges callID and every reverse-index entry that still points at
// it, satisfying invariant 4 (no index retains a key for a completed call).
func (s *Store) Delete(callID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	call, ok := s.calls[callID]
	if !ok {
		return
	}

	for ch := range call.Channels {
		delete(s.channelToCall, ch)
	}
	for br := range call.Bridges {
		delete(s.bridgeToCall, br)
	}
	for lid := range call.LinkedIDs {
		delete(s.linkedIDToCall, lid)
	}
	for rid, cid := range s.recordingToCall {
		if cid == callID {
			delete(s.recordingToCall, rid)
		}
	}

	delete(s.calls, callID)
}

// IndexChannel registers channelID → callID in both the reverse index and
// the call's own mirror set, so Delete can fully unwind it later.
func (s *Store) IndexChannel(call *models.Call, channelID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channelToCall[channelID] = call.CallID
	call.Channels[channelID] = struct{}{}
}

// UnindexChannel removes channelID from both the reverse index and the
// call's mirror set (used when a single channel is torn down without the
// whole call completing, e.g. ChannelDestroyed for a non-final channel).
func (s *Store) UnindexChannel(call *models.Call, channelID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.channelToCall, channelID)
	delete(call.Channels, channelID)
}

func (s *Store) IndexBridge(call *models.Call, bridgeID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bridgeToCall[bridgeID] = call.CallID
	call.Bridges[bridgeID] = struct{}{}
}

func (s *Store) IndexLinkedID(call *models.Call, linkedID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.linkedIDToCall[linkedID] = call.CallID
	call.LinkedIDs[linkedID] = struct{}{}
}

func (s *Store) IndexRecording(call *models.Call, recordingID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recordingToCall[recordingID] = call.CallID
}

func (s *Store) ByChannel(channelID string) *models.Call {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if cid, ok := s.channelToCall[channelID]; ok {
		return s.calls[cid]
	}
	return nil
}

func (s *Store) ByBridge(bridgeID string) *models.Call {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if cid, ok := s.bridgeToCall[bridgeID]; ok {
		return s.calls[cid]
	}
	return nil
}

func (s *Store) ByLinkedID(linkedID string) *models.Call {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if cid, ok := s.linkedIDToCall[linkedID]; ok {
		return s.calls[cid]
	}
	return nil
}

func (s *Store) ByRecording(recordingID string) *models.Call {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if cid, ok := s.recordingToCall[recordingID]; ok {
		return s.calls[cid]
	}
	return nil
}

// ScanLinkedIDs performs the fallback linkedid resolution from §4.3 step 3:
// a linear scan of every in-flight call's LinkedIDs set.
func (s *Store) ScanLinkedIDs(linkedID string) *models.Call {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.calls {
		if _, ok := c.LinkedIDs[linkedID]; ok {
			return c
		}
	}
	return nil
}

// Range calls f for every active call. f must not mutate the Store's
// indexes; it may only read or lock the individual *models.Call.
func (s *Store) Range(f func(*models.Call) bool) {
	s.mu.RLock()
	snapshot := make([]*models.Call, 0, len(s.calls))
	for _, c := range s.calls {
		snapshot = append(snapshot, c)
	}
	s.mu.RUnlock()

	for _, c := range snapshot {
		if !f(c) {
			return
		}
	}
}

// Len reports the number of calls currently tracked.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.calls)
}
