// Package correlator is the Event Correlator (C4), the dominant
// component: it consumes the ARI Adapter's typed event stream, resolves
// each event's call identity, advances per-leg state, and issues
// follow-up commands (partner originate, recording start/stop, bridge
// teardown). All call-state mutation happens on a single executor
// goroutine (§5), grounded on the teacher's AMI manager's
// single-event-reader-goroutine + channel-dispatch idiom and on
// other_examples/bbc9cdf1_sweeney-asterisk-mqtt's Process(evt) dispatch.
package correlator

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hamzaKhattat/ari-outbound-dialer/internal/ari"
	"github.com/hamzaKhattat/ari-outbound-dialer/internal/callstate"
	"github.com/hamzaKhattat/ari-outbound-dialer/internal/metrics"
	"github.com/hamzaKhattat/ari-outbound-dialer/internal/models"
	"github.com/hamzaKhattat/ari-outbound-dialer/internal/recording"
	"github.com/hamzaKhattat/ari-outbound-dialer/pkg/logger"
)

// Clock abstracts wall-clock time so watchdog/correlator timing is
// deterministically testable, per §2.1 ambient test tooling (grounded on
// other_examples/bbc9cdf1_sweeney-asterisk-mqtt's injectable Clock).
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Config is the slice of internal/config.Config the correlator needs.
type Config struct {
	TargetEndpoint  string
	TargetExtension string
	TargetContext   string
	StasisApp       string
	CallTimeout     time.Duration
	CallerID        string
	ARITrunk        string
}

// CompletionFunc is invoked once per call, after cleanup has fully run
// and every index has been purged, so the Dial Orchestrator can release
// its concurrency slot without importing this package.
type CompletionFunc func(callID string)

// PersistFunc upserts a completed call's summary row (C7); supplied by
// the caller so this package does not import database/sql directly.
type PersistFunc func(row *models.CallSummaryRow) error

// Correlator is the C4 component.
type Correlator struct {
	store    *callstate.Store
	client   *ari.Client
	recorder *recording.Manager
	persist  PersistFunc
	onDone   CompletionFunc
	cfg      Config
	clock    Clock
	metrics  *metrics.Metrics

	commands chan interface{}
	shutdown chan struct{}
}

type originateCmd struct {
	number   string
	callID   string
	resultCh chan error
}

type forceCleanupCmd struct {
	callID string
}

func New(store *callstate.Store, client *ari.Client, recorder *recording.Manager, persist PersistFunc, onDone CompletionFunc, cfg Config, m *metrics.Metrics) *Correlator {
	return &Correlator{
		store:    store,
		client:   client,
		recorder: recorder,
		persist:  persist,
		onDone:   onDone,
		cfg:      cfg,
		clock:    realClock{},
		metrics:  m,
		commands: make(chan interface{}, 1000),
		shutdown: make(chan struct{}),
	}
}

// SetClock overrides the clock, for tests.
func (c *Correlator) SetClock(clk Clock) { c.clock = clk }

func (c *Correlator) incrementAnswered(leg string) {
	if c.metrics != nil {
		c.metrics.IncrementCounter("dialer_calls_answered", map[string]string{"leg": leg})
	}
}

// Run is the executor loop. It forwards the ARI client's event stream
// into the same command channel used for originate requests and forced
// cleanups, so every call-state mutation is serialized through one
// goroutine (§5).
func (c *Correlator) Run(ctx context.Context) {
	go func() {
		for {
			select {
			case ev, ok := <-c.client.Events():
				if !ok {
					return
				}
				select {
				case c.commands <- ev:
				case <-c.shutdown:
					return
				}
			case <-c.shutdown:
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.shutdown:
			return
		case cmd := <-c.commands:
			c.dispatch(ctx, cmd)
		}
	}
}

func (c *Correlator) Stop() { close(c.shutdown) }

func (c *Correlator) dispatch(ctx context.Context, cmd interface{}) {
	defer func() {
		if r := recover(); r != nil {
			logger.WithField("panic", fmt.Sprintf("%v", r)).
				WithField("event", fmt.Sprintf("%+v", cmd)).
				Error("recovered from panic in correlator event handler")
		}
	}()

	switch v := cmd.(type) {
	case ari.Event:
		c.handleEvent(ctx, v)
	case originateCmd:
		c.handleOriginate(ctx, v)
	case forceCleanupCmd:
		if call := c.store.Get(v.callID); call != nil {
			c.cleanupCall(ctx, call, "watchdog")
		}
	}
}

// Originate is the Dial Orchestrator's entry point (§4.2 step 4). It is
// routed through the executor so call creation never races event
// handling.
func (c *Correlator) Originate(ctx context.Context, number string) (string, error) {
	callID := uuid.New().String()
	result := make(chan error, 1)
	cmd := originateCmd{number: number, callID: callID, resultCh: result}

	select {
	case c.commands <- cmd:
	case <-ctx.Done():
		return "", ctx.Err()
	}

	select {
	case err := <-result:
		if err != nil {
			return "", err
		}
		return callID, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (c *Correlator) handleOriginate(ctx context.Context, cmd originateCmd) {
	now := c.clock.Now()
	call := models.NewCall(cmd.callID, cmd.number, now)
	c.store.GetOrCreate(cmd.callID, func() *models.Call { return call })

	delay := watchdogDelay(c.cfg.CallTimeout)
	call.CleanupWatchdog = time.AfterFunc(delay, func() {
		select {
		case c.commands <- forceCleanupCmd{callID: cmd.callID}:
		case <-c.shutdown:
		}
	})

	endpoint := fmt.Sprintf("PJSIP/%s@%s", cmd.number, c.cfg.ARITrunk)
	ch, err := c.client.Originate(ctx, ari.OriginateParams{
		Endpoint: endpoint,
		App:      c.cfg.StasisApp,
		AppArgs:  []string{"dialer", cmd.callID},
		CallerID: c.cfg.CallerID,
		Timeout:  int(c.cfg.CallTimeout.Seconds()),
	})
	if err != nil {
		call.CleanupWatchdog.Stop()
		c.store.Delete(cmd.callID)
		cmd.resultCh <- err
		c.onDone(cmd.callID)
		return
	}

	c.store.IndexChannel(call, ch.ID)
	call.Channels[ch.ID] = struct{}{}
	call.DialerChannelID = ch.ID
	call.ChannelRoles[ch.ID] = models.RoleDialer
	cmd.resultCh <- nil
}

// watchdogDelay implements §4.2 step 3: max(CALL_TIMEOUT*1000+15000, 45000) ms.
func watchdogDelay(callTimeout time.Duration) time.Duration {
	ms := callTimeout.Milliseconds() + 15000
	if ms < 45000 {
		ms = 45000
	}
	return time.Duration(ms) * time.Millisecond
}

// --- event dispatch ---

func (c *Correlator) handleEvent(ctx context.Context, ev ari.Event) {
	call := c.resolveCall(ev)
	if call == nil {
		logger.WithField("kind", string(ev.Kind)).Warn("could not resolve call for event, dropping")
		return
	}

	switch ev.Kind {
	case ari.EventStasisStart:
		c.handleStasisStart(ctx, call, ev)
	case ari.EventStasisEnd, ari.EventChannelDestroyed:
		c.handleEndOrDestroyed(ctx, call, ev)
	case ari.EventChannelStateChange:
		c.handleChannelStateChange(ctx, call, ev)
	case ari.EventDial:
		c.handleDial(ctx, call, ev)
	case ari.EventBridgeEnter:
		c.handleBridgeEnter(ctx, call, ev)
	case ari.EventRecordingFinished:
		c.handleRecordingFinished(ctx, call, ev)
	}
}

// --- channel-to-call resolution, §4.3 ---

func (c *Correlator) resolveCall(ev ari.Event) *models.Call {
	if ev.Channel != nil {
		if call := c.store.ByChannel(ev.Channel.ID); call != nil {
			return call
		}
	}
	if ev.Bridge != nil {
		if call := c.store.ByBridge(ev.Bridge.ID); call != nil {
			return call
		}
	}
	if ev.LinkedID != "" {
		if call := c.store.ByLinkedID(ev.LinkedID); call != nil {
			return call
		}
		if call := c.store.ScanLinkedIDs(ev.LinkedID); call != nil {
			return call
		}
	}

	if ev.Kind == ari.EventRecordingFinished && ev.Recording != nil {
		if call := c.store.ByRecording(ev.Recording.Name); call != nil {
			return call
		}
	}

	if ev.Kind == ari.EventDial {
		if call := c.resolveByDialstringPrefix(ev); call != nil {
			return call
		}
		if call := c.resolveByLocalChannelHeuristic(ev); call != nil {
			return call
		}
		if call := c.resolveByNameVariant(ev); call != nil {
			return call
		}
	}

	return nil
}

func (c *Correlator) resolveByDialstringPrefix(ev ari.Event) *models.Call {
	if ev.Dialstring == "" {
		return nil
	}
	prefix := ev.Dialstring
	if i := strings.Index(prefix, "@"); i >= 0 {
		prefix = prefix[:i]
	}

	var matches []*models.Call
	c.store.Range(func(call *models.Call) bool {
		if call.Number == prefix {
			matches = append(matches, call)
		}
		return true
	})
	if len(matches) == 1 {
		return matches[0]
	}
	// §9 open question (c): ≥2 matches -> do not associate.
	return nil
}

func (c *Correlator) resolveByLocalChannelHeuristic(ev ari.Event) *models.Call {
	candidate := dialCandidate(ev)
	if candidate == nil || !isTargetLocalName(candidate.Name, c.cfg.TargetExtension, c.cfg.TargetContext) {
		return nil
	}

	var matches []*models.Call
	c.store.Range(func(call *models.Call) bool {
		if call.OriginatedPartner && call.LegBTimeline.ChannelID == "" && call.DialedChannelID == "" {
			hasDialed := false
			for _, role := range call.ChannelRoles {
				if role == models.RoleDialed {
					hasDialed = true
					break
				}
			}
			if !hasDialed {
				matches = append(matches, call)
			}
		}
		return true
	})
	if len(matches) != 1 {
		return nil
	}

	return matches[0]
}

func (c *Correlator) resolveByNameVariant(ev ari.Event) *models.Call {
	candidate := dialCandidate(ev)
	if candidate == nil {
		return nil
	}
	variant := swapHalfSuffix(candidate.Name)

	var found *models.Call
	c.store.Range(func(call *models.Call) bool {
		for _, name := range []string{
			call.LegATimeline.PeerName, call.LegATimeline.PairedChannelName,
			call.LegBTimeline.PeerName, call.LegBTimeline.PairedChannelName,
		} {
			if name != "" && (name == candidate.Name || name == variant) {
				found = call
				return false
			}
		}
		return true
	})
	return found
}

func dialCandidate(ev ari.Event) *ari.Channel {
	if ev.Caller != nil {
		return ev.Caller
	}
	return ev.Peer
}

// --- naming helpers, design note §9 ---

var halfSuffixPattern = regexp.MustCompile(`;[12]$`)

// stripHalfSuffix removes a local channel's ";1"/";2" two-leg suffix.
func stripHalfSuffix(name string) string {
	return halfSuffixPattern.ReplaceAllString(name, "")
}

// swapHalfSuffix flips ";1" to ";2" and vice versa, leaving names
// without a half-suffix untouched.
func swapHalfSuffix(name string) string {
	switch {
	case strings.HasSuffix(name, ";1"):
		return strings.TrimSuffix(name, ";1") + ";2"
	case strings.HasSuffix(name, ";2"):
		return strings.TrimSuffix(name, ";2") + ";1"
	default:
		return name
	}
}

// isTargetLocalName matches Local/<ext>@<ctx> or Local/<ext>@* (ignoring
// the two-leg suffix): once the extension matches, any context after "@"
// is accepted, ctx included.
func isTargetLocalName(name, ext, ctx string) bool {
	base := stripHalfSuffix(name)
	if !strings.HasPrefix(base, "Local/") {
		return false
	}
	rest := strings.TrimPrefix(base, "Local/")
	parts := strings.SplitN(rest, "@", 2)
	return len(parts) == 2 && parts[0] == ext
}

func isHalfOneName(name string) bool {
	return strings.HasSuffix(name, ";1")
}

// --- status normalization, §4.3.7 ---

var (
	noAnswerPattern = regexp.MustCompile(`^NO\s?ANSWER$`)
	answerPattern   = regexp.MustCompile(`^ANSWER(ED)?$`)
)

func normalizeStatus(status string) string {
	s := strings.ToUpper(strings.TrimSpace(status))
	switch {
	case noAnswerPattern.MatchString(s):
		return "NO ANSWER"
	case answerPattern.MatchString(s):
		return "ANSWERED"
	default:
		return s
	}
}

var genericProgress = map[string]bool{
	"RINGING": true, "DIALING": true, "TRYING": true, "PROGRESS": true,
	"UP": true, "DOWN": true, "HUNGUP": true, "UNKNOWN": true, "EARLY MEDIA": true,
}

// combineStatus implements the §4.3.7 precedence: ANSWERED wins; generic
// progress only kept absent anything more specific; NO ANSWER is the last
// resort.
func combineStatus(existing, candidate string) string {
	if candidate == "" {
		return existing
	}
	if existing == "ANSWERED" {
		return existing
	}
	if candidate == "ANSWERED" {
		return candidate
	}
	if existing == "" {
		return candidate
	}
	if genericProgress[candidate] && !genericProgress[existing] && existing != "NO ANSWER" {
		return existing
	}
	if candidate == "NO ANSWER" && existing != "" && existing != "NO ANSWER" {
		return existing
	}
	return candidate
}

// --- connection-time recomputation, §4.3.6 ---

func minNonZero(times ...time.Time) time.Time {
	var min time.Time
	for _, t := range times {
		if t.IsZero() {
			continue
		}
		if min.IsZero() || t.Before(min) {
			min = t
		}
	}
	return min
}

func maxNonZero(times ...time.Time) time.Time {
	var max time.Time
	for _, t := range times {
		if t.After(max) {
			max = t
		}
	}
	return max
}

func (c *Correlator) recomputeConnectionTimes(call *models.Call) {
	talkStart := maxNonZero(call.DialedConnectedAt, call.DialerConnectedAt)
	call.CallConnectedAt = minNonZero(call.AgentAnsweredAt, call.CallConnectedAt, talkStart)

	if call.EffectiveConnectedAt.IsZero() {
		if !call.CallConnectedAt.IsZero() {
			call.EffectiveConnectedAt = call.CallConnectedAt
		} else {
			call.EffectiveConnectedAt = call.DialerConnectedAt
		}
	} else {
		call.EffectiveConnectedAt = minNonZero(call.EffectiveConnectedAt, call.CallConnectedAt)
	}
}

// --- recording start gate ---

func (c *Correlator) maybeStartRecording(ctx context.Context, call *models.Call) {
	if call.Recording != "" || call.Bridge == "" {
		return
	}
	rec, err := c.recorder.StartOnBridge(ctx, call.Bridge, call.CallID)
	if err != nil {
		logger.WithField("callId", call.CallID).WithError(err).Warn("failed to start bridge recording")
		return
	}
	call.Recording = rec.Name
	call.RecordingID = rec.Name
	c.store.IndexRecording(call, rec.Name)
}

// --- StasisStart, §4.3.1 ---

func (c *Correlator) handleStasisStart(ctx context.Context, call *models.Call, ev ari.Event) {
	if ev.Channel == nil {
		return
	}
	role := models.RoleUnknown
	if len(ev.Args) > 0 {
		switch ev.Args[0] {
		case "dialer":
			role = models.RoleDialer
		case "dialed":
			role = models.RoleDialed
		}
	}

	call.Channels[ev.Channel.ID] = struct{}{}
	c.store.IndexChannel(call, ev.Channel.ID)
	if ev.LinkedID != "" {
		call.LinkedIDs[ev.LinkedID] = struct{}{}
		c.store.IndexLinkedID(call, ev.LinkedID)
	}

	switch role {
	case models.RoleDialer:
		call.ChannelRoles[ev.Channel.ID] = models.RoleDialer
		call.DialerChannelID = ev.Channel.ID
		call.LegATimeline.ChannelID = ev.Channel.ID
		call.LegATimeline.PeerName = ev.Channel.Name
		call.LegATimeline.StartedAt = c.clock.Now().Truncate(time.Second)

		if call.Bridge == "" {
			bridge, err := c.client.CreateBridge(ctx, "bridge-"+call.CallID)
			if err != nil {
				logger.WithField("callId", call.CallID).WithError(err).Warn("failed to create bridge")
			} else {
				call.Bridge = bridge.ID
				call.Bridges[bridge.ID] = struct{}{}
				c.store.IndexBridge(call, bridge.ID)
				if err := c.client.AddChannelToBridge(ctx, bridge.ID, ev.Channel.ID); err != nil {
					logger.WithField("callId", call.CallID).WithError(err).Warn("failed to add dialer channel to bridge")
				}
			}
		}

		if ev.Channel.State == "Up" {
			call.DialerUp = true
			call.DialerConnectedAt = c.clock.Now().Truncate(time.Second)
			call.LegATimeline.AnsweredAt = call.DialerConnectedAt
			c.recomputeConnectionTimes(call)
			c.maybeStartRecording(ctx, call)
		}

		if !call.OriginatedPartner {
			c.originatePartner(ctx, call)
		}

	case models.RoleDialed:
		call.ChannelRoles[ev.Channel.ID] = models.RoleDialed
		call.DialedChannelID = ev.Channel.ID
		call.LegBTimeline.ChannelID = ev.Channel.ID
		call.LegBTimeline.PeerName = ev.Channel.Name
		call.LegBTimeline.StartedAt = c.clock.Now()

		if err := c.client.Answer(ctx, ev.Channel.ID); err != nil {
			logger.WithField("callId", call.CallID).WithError(err).Warn("failed to answer dialed channel")
		}
		c.maybeStartRecording(ctx, call)

		identity := ev.Channel.Connected.Name
		if identity == "" {
			identity = ev.Channel.Connected.Number
		}
		if identity != "" {
			call.SetAnsweredBy(identity, models.AnsweredBySourceDialed)
			call.LegBTimeline.AnsweredBy = identity
		}
	}
}

func (c *Correlator) originatePartner(ctx context.Context, call *models.Call) {
	call.OriginatedPartner = true

	endpoint := c.cfg.TargetEndpoint
	if endpoint == "" {
		endpoint = fmt.Sprintf("Local/%s@%s", c.cfg.TargetExtension, c.cfg.TargetContext)
	}

	callerID := call.Number
	ch, err := c.client.Originate(ctx, ari.OriginateParams{
		Endpoint: endpoint,
		App:      c.cfg.StasisApp,
		AppArgs:  []string{"dialed", call.CallID},
		CallerID: callerID,
		Timeout:  int(c.cfg.CallTimeout.Seconds()),
	})
	if err != nil {
		logger.WithField("callId", call.CallID).WithError(err).Error("partner originate failed, forcing cleanup")
		c.cleanupCall(ctx, call, "partner-originate-failure")
		return
	}

	call.LegBTimeline.DialString = endpoint
	call.LegBTimeline.PairedChannelName = ch.Name
	call.LegBTimeline.PairedChannelID = ch.ID
}

// --- StasisEnd / ChannelDestroyed, §4.3.2 ---

func (c *Correlator) handleEndOrDestroyed(ctx context.Context, call *models.Call, ev ari.Event) {
	if ev.Channel == nil {
		return
	}

	role := call.ChannelRoles[ev.Channel.ID]
	if role == models.RoleUnknown {
		role = c.inferRole(call, ev.Channel)
		call.ChannelRoles[ev.Channel.ID] = role
	}

	if ev.Kind == ari.EventStasisEnd && (role == models.RoleDialer || role == models.RoleDialed) {
		c.hangupOtherChannels(ctx, call, ev.Channel.ID)
	}

	if ev.CauseTxt != "" {
		status := normalizeStatus(ev.CauseTxt)
		switch role {
		case models.RoleDialer:
			if call.LegATimeline.LastStatus != "ANSWER" && call.LegATimeline.LastStatus != "ANSWERED" {
				call.LegATimeline.LastStatus = status
				call.DialerHangupCause = status
			}
		case models.RoleDialed:
			if call.LegBTimeline.LastStatus != "ANSWER" && call.LegBTimeline.LastStatus != "ANSWERED" {
				call.LegBTimeline.LastStatus = status
				call.DialedHangupCause = status
			}
		}
	}

	if ev.Kind != ari.EventChannelDestroyed {
		if role == models.RoleDialer {
			call.DialerHangupAt = c.clock.Now().Truncate(time.Second)
			call.LegATimeline.EndedAt = call.DialerHangupAt
		} else if role == models.RoleDialed {
			call.DialedHangupAt = c.clock.Now()
			call.LegBTimeline.EndedAt = call.DialedHangupAt
		}
		return
	}

	// ChannelDestroyed: remove the channel from all state.
	delete(call.Channels, ev.Channel.ID)
	c.store.UnindexChannel(call, ev.Channel.ID)
	if leg, ok := call.AgentLegs[ev.Channel.ID]; ok {
		leg.HangupAt = c.clock.Now()
	}

	if role == models.RoleDialer {
		call.DialerHangupAt = c.clock.Now().Truncate(time.Second)
		call.LegATimeline.EndedAt = call.DialerHangupAt
	} else if role == models.RoleDialed {
		call.DialedHangupAt = c.clock.Now()
		call.LegBTimeline.EndedAt = call.DialedHangupAt
	}

	if len(call.Channels) == 0 {
		c.cleanupCall(ctx, call, "all-channels-gone")
	}
}

func (c *Correlator) inferRole(call *models.Call, ch *ari.Channel) models.ChannelRole {
	if ch.ID == call.LegATimeline.ChannelID || ch.ID == call.LegATimeline.PairedChannelID {
		return models.RoleDialer
	}
	if ch.ID == call.LegBTimeline.ChannelID || ch.ID == call.LegBTimeline.PairedChannelID {
		return models.RoleDialed
	}
	if isTargetLocalName(ch.Name, c.cfg.TargetExtension, c.cfg.TargetContext) {
		return models.RoleDialed
	}
	if call.DialerChannelID == "" {
		return models.RoleDialer
	}
	if call.DialedChannelID == "" {
		return models.RoleDialed
	}
	return models.RoleAgent
}

func (c *Correlator) hangupOtherChannels(ctx context.Context, call *models.Call, exceptChannelID string) {
	for chID := range call.Channels {
		if chID == exceptChannelID {
			continue
		}
		if err := c.client.Hangup(ctx, chID); err != nil {
			logger.WithField("callId", call.CallID).WithField("channel", chID).WithError(err).Warn("hangup failed")
		}
	}
}

// --- ChannelStateChange, §4.3.3 ---

func (c *Correlator) handleChannelStateChange(ctx context.Context, call *models.Call, ev ari.Event) {
	if ev.Channel == nil {
		return
	}
	role := call.ChannelRoles[ev.Channel.ID]

	switch role {
	case models.RoleDialer:
		if ev.Channel.State == "Up" {
			if call.LegATimeline.AnsweredAt.IsZero() {
				call.LegATimeline.AnsweredAt = c.clock.Now().Truncate(time.Second)
			}
			if call.DialerConnectedAt.IsZero() {
				call.DialerConnectedAt = call.LegATimeline.AnsweredAt
			}
			c.recomputeConnectionTimes(call)
			c.maybeStartRecording(ctx, call)
		}
	case models.RoleDialed:
		if ev.Channel.State == "Up" {
			if call.LegBTimeline.AnsweredAt.IsZero() {
				call.LegBTimeline.AnsweredAt = c.clock.Now()
			}
			if call.DialedConnectedAt.IsZero() {
				call.DialedConnectedAt = call.LegBTimeline.AnsweredAt
			}
			identity := ev.Channel.Connected.Name
			if identity == "" {
				identity = ev.Channel.Connected.Number
			}
			if identity != "" {
				call.SetAnsweredBy(identity, models.AnsweredBySourceDialed)
			}
			c.recomputeConnectionTimes(call)
			c.maybeStartRecording(ctx, call)
		}
	case models.RoleAgent:
		leg, ok := call.AgentLegs[ev.Channel.ID]
		if !ok {
			leg = &models.AgentLeg{Identity: ev.Channel.Name}
			call.AgentLegs[ev.Channel.ID] = leg
		}
		switch ev.Channel.State {
		case "Up":
			leg.AnsweredAt = c.clock.Now()
			if call.AgentAnsweredAt.IsZero() || leg.AnsweredAt.Before(call.AgentAnsweredAt) {
				call.AgentAnsweredAt = leg.AnsweredAt
			}
			if call.AgentChannelID == "" {
				call.AgentChannelID = ev.Channel.ID
			}
			call.SetAnsweredBy(leg.Identity, models.AnsweredBySourceAgent)
			c.recomputeConnectionTimes(call)
		case "Down", "Hungup":
			leg.HangupAt = c.clock.Now()
		}
	}
}

// --- Dial, §4.3.4 ---

func (c *Correlator) handleDial(ctx context.Context, call *models.Call, ev ari.Event) {
	status := normalizeStatus(ev.Dialstatus)

	for _, candidate := range []*ari.Channel{ev.Caller, ev.Peer} {
		if candidate == nil {
			continue
		}
		c.applyDialToCandidate(ctx, call, candidate, ev.Dialstring, status)
	}
}

func (c *Correlator) applyDialToCandidate(ctx context.Context, call *models.Call, candidate *ari.Channel, dialstring, status string) {
	switch {
	case candidate.ID == call.LegATimeline.ChannelID || call.ChannelRoles[candidate.ID] == models.RoleDialer:
		call.LegATimeline.DialString = dialstring
		if status == "ANSWERED" {
			if call.LegATimeline.AnsweredAt.IsZero() {
				call.LegATimeline.AnsweredAt = c.clock.Now().Truncate(time.Second)
				c.incrementAnswered("legA")
			}
		} else if status == "" {
			call.LegATimeline.StartedAt = c.clock.Now().Truncate(time.Second)
		}
		call.LegATimeline.LastStatus = combineStatus(call.LegATimeline.LastStatus, status)

	case candidate.ID == call.LegBTimeline.ChannelID ||
		candidate.ID == call.LegBTimeline.PairedChannelID ||
		call.ChannelRoles[candidate.ID] == models.RoleDialed ||
		isTargetLocalName(candidate.Name, c.cfg.TargetExtension, c.cfg.TargetContext):

		call.LegBTimeline.DialString = dialstring
		if status == "ANSWERED" {
			if call.LegBTimeline.AnsweredAt.IsZero() {
				call.LegBTimeline.AnsweredAt = c.clock.Now()
				c.incrementAnswered("legB")
			}
			identity := candidate.Connected.Name
			if identity == "" {
				identity = candidate.Name
			}
			call.LegBTimeline.AnsweredBy = identity
		} else if status == "" {
			call.LegBTimeline.StartedAt = c.clock.Now()
		}
		call.LegBTimeline.LastStatus = combineStatus(call.LegBTimeline.LastStatus, status)

		c.maybeTagAgent(call, candidate, status)

	default:
		c.maybeTagAgent(call, candidate, status)
	}
}

// maybeTagAgent implements the terminal-channel guard from §4.3.4: only
// tag a peer as agent once a non-";1" (terminal) channel name has been
// observed, to avoid false-positive agent identification off the local
// half of a local-channel pair.
func (c *Correlator) maybeTagAgent(call *models.Call, candidate *ari.Channel, status string) {
	if isHalfOneName(candidate.Name) {
		return
	}

	call.AgentChannels[candidate.ID] = struct{}{}
	leg, ok := call.AgentLegs[candidate.ID]
	if !ok {
		leg = &models.AgentLeg{Identity: candidate.Name, DialedAt: c.clock.Now()}
		call.AgentLegs[candidate.ID] = leg
	}

	switch {
	case status == "ANSWERED":
		leg.AnsweredAt = c.clock.Now()
	case status != "" && status != "RINGING":
		leg.HangupAt = c.clock.Now()
	}
	leg.LastStatus = status
}

// --- BridgeEnter, §4.3.5 ---

func (c *Correlator) handleBridgeEnter(ctx context.Context, call *models.Call, ev ari.Event) {
	if ev.Bridge != nil {
		call.Bridges[ev.Bridge.ID] = struct{}{}
		c.store.IndexBridge(call, ev.Bridge.ID)
	}
	if ev.Channel == nil {
		return
	}

	role := call.ChannelRoles[ev.Channel.ID]
	if role == models.RoleDialer || role == models.RoleDialed {
		return
	}

	if isTargetLocalName(ev.Channel.Name, c.cfg.TargetExtension, c.cfg.TargetContext) {
		call.ChannelRoles[ev.Channel.ID] = models.RoleDialed
		if call.DialedChannelID == "" {
			call.DialedChannelID = ev.Channel.ID
		}
		return
	}

	call.ChannelRoles[ev.Channel.ID] = models.RoleAgent
	call.AgentChannels[ev.Channel.ID] = struct{}{}
	identity := ev.Channel.Connected.Name
	if identity == "" {
		identity = ev.Channel.Name
	}
	call.SetAnsweredBy(identity, models.AnsweredBySourceAgent)

	now := c.clock.Now()
	if call.AgentAnsweredAt.IsZero() || now.Before(call.AgentAnsweredAt) {
		call.AgentAnsweredAt = now
	}
	if call.AgentChannelID == "" {
		call.AgentChannelID = ev.Channel.ID
	}
	c.recomputeConnectionTimes(call)
}

// --- RecordingFinished, §4.4 ---

func (c *Correlator) handleRecordingFinished(ctx context.Context, call *models.Call, ev ari.Event) {
	if ev.Recording == nil {
		return
	}
	path, err := c.recorder.Finalize(ctx, call.CallID)
	if err != nil {
		logger.WithField("callId", call.CallID).WithError(err).Warn("failed to finalize recording")
		return
	}
	call.RecordingPath = path
	call.RecordingFormatUsed = ev.Recording.Format
}

// --- cleanup / summary, §4.5 ---

func (c *Correlator) cleanupCall(ctx context.Context, call *models.Call, reason string) {
	if call.CleanupWatchdog != nil {
		call.CleanupWatchdog.Stop()
	}

	if call.CompletedAtMs == 0 {
		call.CompletedAtMs = c.clock.Now().UnixMilli()
	}

	if err := c.recorder.Stop(ctx, call.CallID); err != nil {
		logger.WithField("callId", call.CallID).WithError(err).Warn("failed to stop recording during cleanup")
	}

	if call.Bridge != "" {
		if err := c.client.DestroyBridge(ctx, call.Bridge); err != nil {
			logger.WithField("callId", call.CallID).WithError(err).Warn("failed to destroy bridge during cleanup")
		}
	}

	for chID := range call.Channels {
		if err := c.client.Hangup(ctx, chID); err != nil {
			logger.WithField("callId", call.CallID).WithField("channel", chID).WithError(err).Warn("hangup failed during cleanup")
		}
	}

	c.logAndPersistSummary(call)

	c.store.Delete(call.CallID)
	logger.WithField("callId", call.CallID).WithField("reason", reason).Info("call cleaned up")

	c.onDone(call.CallID)
}

func (c *Correlator) logAndPersistSummary(call *models.Call) {
	if call.SummaryLogged {
		return
	}
	call.SummaryLogged = true

	completedAt := time.UnixMilli(call.CompletedAtMs)

	legAStatus := computeLegAStatus(call)
	legAWait := waitSeconds(call.DialerConnectedAt, call.CreatedAt, completedAt)
	talkStart := call.AgentAnsweredAt
	if talkStart.IsZero() {
		talkStart = call.CallConnectedAt
	}
	legATalk := talkSeconds(call.DialerHangupAt, talkStart)

	legBStatus := computeLegBStatus(call)
	agentDialedAt := firstAgentDialedAt(call)
	legBWait := waitSeconds(call.AgentAnsweredAt, agentDialedAt, completedAt)
	legBTalk := talkSecondsFromAgent(call)

	if c.metrics != nil {
		c.metrics.IncrementCounter("dialer_calls_completed", map[string]string{"status": legAStatus})
		c.metrics.ObserveHistogram("dialer_call_duration", float64(legATalk), map[string]string{"leg": "legA"})
		c.metrics.ObserveHistogram("dialer_call_duration", float64(legBTalk), map[string]string{"leg": "legB"})
	}

	agentIdentity := call.AnsweredBy
	if agentIdentity == "" {
		agentIdentity = "unknown"
	}

	summary := fmt.Sprintf("%s;%s;%s;%d;%d;%s;%s;%d;%d;%s",
		call.CreatedAt.Format(time.RFC3339),
		call.Number,
		legAStatus, legAWait, legATalk,
		legBStatus, agentIdentity, legBWait, legBTalk,
		call.RecordingPath,
	)
	logger.WithField("callId", call.CallID).Info(summary)

	row := buildSummaryRow(call, legAStatus, legBStatus)
	if c.persist != nil {
		if err := c.persist(row); err != nil {
			logger.WithField("callId", call.CallID).WithError(err).Warn("failed to persist call summary")
		}
	}
}

func computeLegAStatus(call *models.Call) string {
	if !call.DialerConnectedAt.IsZero() && !call.DialedConnectedAt.IsZero() {
		return "ANSWERED"
	}
	status := combineStatus(combineStatus(call.DialerHangupCause, call.DialedHangupCause), call.LegATimeline.LastStatus)
	if status == "" {
		return "NO ANSWER"
	}
	return status
}

func computeLegBStatus(call *models.Call) string {
	if !call.AgentAnsweredAt.IsZero() {
		return "ANSWERED"
	}
	if call.LegBTimeline.LastStatus != "" {
		return call.LegBTimeline.LastStatus
	}
	return "NO ANSWER"
}

func firstAgentDialedAt(call *models.Call) time.Time {
	var earliest time.Time
	for _, leg := range call.AgentLegs {
		if leg.DialedAt.IsZero() {
			continue
		}
		if earliest.IsZero() || leg.DialedAt.Before(earliest) {
			earliest = leg.DialedAt
		}
	}
	if earliest.IsZero() {
		return call.CreatedAt
	}
	return earliest
}

func talkSecondsFromAgent(call *models.Call) int {
	var latestHangup time.Time
	for _, leg := range call.AgentLegs {
		if leg.HangupAt.After(latestHangup) {
			latestHangup = leg.HangupAt
		}
	}
	return talkSeconds(latestHangup, call.AgentAnsweredAt)
}

func waitSeconds(answeredAt, start, completedAt time.Time) int {
	if !answeredAt.IsZero() {
		return clampNonNegative(answeredAt.Sub(start))
	}
	return clampNonNegative(completedAt.Sub(start))
}

func talkSeconds(hangupAt, talkStart time.Time) int {
	if hangupAt.IsZero() || talkStart.IsZero() {
		return 0
	}
	return clampNonNegative(hangupAt.Sub(talkStart))
}

func clampNonNegative(d time.Duration) int {
	s := int(d.Round(time.Second) / time.Second)
	if s < 0 {
		return 0
	}
	return s
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func buildSummaryRow(call *models.Call, legAStatus, legBStatus string) *models.CallSummaryRow {
	return &models.CallSummaryRow{
		CallID:        call.CallID,
		RecordingPath: call.RecordingPath,

		LegAStatus:     legAStatus,
		LegANumber:     call.LegATimeline.TargetNumber,
		LegAChannel:    call.LegATimeline.ChannelID,
		LegAPaired:     call.LegATimeline.PairedChannelID,
		LegAPeer:       call.LegATimeline.PeerName,
		LegACaller:     call.LegATimeline.CallerName,
		LegADialString: call.LegATimeline.DialString,
		LegAAnsweredBy: call.LegATimeline.AnsweredBy,
		LegAStart:      timePtr(call.LegATimeline.StartedAt),
		LegAAnswer:     timePtr(call.LegATimeline.AnsweredAt),
		LegAEnd:        timePtr(call.LegATimeline.EndedAt),

		LegBStatus:     legBStatus,
		LegBNumber:     call.LegBTimeline.TargetNumber,
		LegBChannel:    call.LegBTimeline.ChannelID,
		LegBPaired:     call.LegBTimeline.PairedChannelID,
		LegBPeer:       call.LegBTimeline.PeerName,
		LegBCaller:     call.LegBTimeline.CallerName,
		LegBDialString: call.LegBTimeline.DialString,
		LegBAnsweredBy: call.LegBTimeline.AnsweredBy,
		LegBStart:      timePtr(call.LegBTimeline.StartedAt),
		LegBAnswer:     timePtr(call.LegBTimeline.AnsweredAt),
		LegBEnd:        timePtr(call.LegBTimeline.EndedAt),
	}
}
