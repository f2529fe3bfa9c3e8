// Package models holds the data shapes the dialer's call-state store and
// persistence layer operate on.
package models

import (
	"sync"
	"time"
)

// ChannelRole is the canonical role a channel plays within a Call.
type ChannelRole string

const (
	RoleUnknown ChannelRole = "unknown"
	RoleDialer  ChannelRole = "dialer"
	RoleDialed  ChannelRole = "dialed"
	RoleAgent   ChannelRole = "agent"
)

// AnsweredBySource records which leg contributed the answered-by identity,
// so the agent-dominates-dialed precedence rule can be enforced.
type AnsweredBySource string

const (
	AnsweredBySourceNone   AnsweredBySource = ""
	AnsweredBySourceDialed AnsweredBySource = "dialed"
	AnsweredBySourceAgent  AnsweredBySource = "agent"
)

// LegRole distinguishes the two logical halves of a bridged call.
type LegRole string

const (
	LegA LegRole = "legA"
	LegB LegRole = "legB"
)

// LegTimeline is the per-leg record described in spec §3.
type LegTimeline struct {
	Role               LegRole
	ChannelID          string
	PeerName           string
	CallerName         string
	PairedChannelName  string
	PairedChannelID    string
	DialString         string
	TargetNumber       string
	AnsweredBy         string
	StartedAt          time.Time
	AnsweredAt         time.Time
	EndedAt            time.Time
	LastStatus         string
}

// AgentLeg is a per-agent-channel sub-timeline distinct from the
// aggregate leg B (glossary: AgentLeg).
type AgentLeg struct {
	Identity   string
	DialedAt   time.Time
	AnsweredAt time.Time
	HangupAt   time.Time
	LastStatus string
}

// Call is a logical outbound attempt, per spec §3. All mutation happens
// from the correlator's single executor goroutine (§5). Mu is not taken
// anywhere in this module; no reporting path reads a Call directly.
type Call struct {
	Mu sync.Mutex

	CallID    string
	Number    string
	CreatedAt time.Time

	Bridge  string
	Bridges map[string]struct{}

	Channels     map[string]struct{}
	ChannelRoles map[string]ChannelRole

	DialerChannelID string
	DialedChannelID string
	AgentChannelID  string

	AgentChannels map[string]struct{}
	AgentLegs     map[string]*AgentLeg

	LinkedIDs map[string]struct{}

	OriginatedPartner bool
	DialerUp          bool

	DialerConnectedAt   time.Time
	DialedConnectedAt   time.Time
	DialerHangupAt      time.Time
	DialedHangupAt      time.Time
	AgentAnsweredAt     time.Time
	CallConnectedAt     time.Time
	EffectiveConnectedAt time.Time
	CompletedAtMs       int64

	DialerHangupCause string
	DialedHangupCause string

	AnsweredBy       string
	AnsweredBySource AnsweredBySource

	Recording           string
	RecordingID         string
	RecordingPath       string
	RecordingFormatUsed string

	LegATimeline *LegTimeline
	LegBTimeline *LegTimeline

	SummaryLogged   bool
	CleanupWatchdog *time.Timer
}

// NewCall constructs a Call with every set/map field initialised so
// correlator handlers never have to nil-check before inserting.
func NewCall(callID, number string, createdAt time.Time) *Call {
	return &Call{
		CallID:        callID,
		Number:        number,
		CreatedAt:     createdAt,
		Bridges:       make(map[string]struct{}),
		Channels:      make(map[string]struct{}),
		ChannelRoles:  make(map[string]ChannelRole),
		AgentChannels: make(map[string]struct{}),
		AgentLegs:     make(map[string]*AgentLeg),
		LinkedIDs:     make(map[string]struct{}),
		LegATimeline: &LegTimeline{
			Role:         LegA,
			TargetNumber: number,
			StartedAt:    createdAt.Truncate(time.Second),
		},
		LegBTimeline: &LegTimeline{
			Role: LegB,
		},
	}
}

// SetAnsweredBy enforces the source-priority invariant: once agent-sourced,
// a dialed-sourced identity must never overwrite it (spec §3 invariants,
// testable property 7).
func (c *Call) SetAnsweredBy(identity string, source AnsweredBySource) {
	if c.AnsweredBySource == AnsweredBySourceAgent && source == AnsweredBySourceDialed {
		return
	}
	c.AnsweredBy = identity
	c.AnsweredBySource = source
}

// CallSummaryRow is the flattened shape handed to the persistence upsert
// (§4.5/§6 schema) once a call reaches terminal cleanup.
type CallSummaryRow struct {
	CallID        string
	RecordingPath string

	LegAStatus       string
	LegANumber       string
	LegAChannel      string
	LegAPaired       string
	LegAPeer         string
	LegACaller       string
	LegADialString   string
	LegAAnsweredBy   string
	LegAStart        *time.Time
	LegAAnswer       *time.Time
	LegAEnd          *time.Time

	LegBStatus       string
	LegBNumber       string
	LegBChannel      string
	LegBPaired       string
	LegBPeer         string
	LegBCaller       string
	LegBDialString   string
	LegBAnsweredBy   string
	LegBStart        *time.Time
	LegBAnswer       *time.Time
	LegBEnd          *time.Time
}
