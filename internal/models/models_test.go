package models

import (
	"testing"
	"time"
)

func TestNewCallInitializesNestedMapsAndTimelines(t *testing.T) {
	c := NewCall("call-1", "15551234567", time.Now())

	if c.Bridges == nil || c.Channels == nil || c.ChannelRoles == nil || c.AgentChannels == nil || c.AgentLegs == nil || c.LinkedIDs == nil {
		t.Fatal("expected every set/map field to be initialised, not nil")
	}
	if c.LegATimeline == nil || c.LegATimeline.Role != LegA || c.LegATimeline.TargetNumber != "15551234567" {
		t.Fatalf("unexpected leg A timeline: %+v", c.LegATimeline)
	}
	if c.LegBTimeline == nil || c.LegBTimeline.Role != LegB {
		t.Fatalf("unexpected leg B timeline: %+v", c.LegBTimeline)
	}
}

func TestSetAnsweredByAgentSourceWinsOverDialed(t *testing.T) {
	c := NewCall("call-1", "15551234567", time.Now())

	c.SetAnsweredBy("agent-101", AnsweredBySourceAgent)
	c.SetAnsweredBy("1002", AnsweredBySourceDialed)

	if c.AnsweredBy != "agent-101" || c.AnsweredBySource != AnsweredBySourceAgent {
		t.Fatalf("expected agent-sourced identity to stick, got %q/%v", c.AnsweredBy, c.AnsweredBySource)
	}
}

func TestSetAnsweredByDialedThenAgentUpgrades(t *testing.T) {
	c := NewCall("call-1", "15551234567", time.Now())

	c.SetAnsweredBy("1002", AnsweredBySourceDialed)
	c.SetAnsweredBy("agent-101", AnsweredBySourceAgent)

	if c.AnsweredBy != "agent-101" || c.AnsweredBySource != AnsweredBySourceAgent {
		t.Fatalf("expected agent source to overwrite dialed source, got %q/%v", c.AnsweredBy, c.AnsweredBySource)
	}
}
