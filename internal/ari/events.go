package ari

import "encoding/json"

// EventKind is the tagged-variant discriminant over the seven event kinds
// the correlator consumes (design note §9: "replace stringly-typed event
// dispatch with a tagged variant"; unknown tags are logged and ignored).
type EventKind string

const (
	EventStasisStart       EventKind = "StasisStart"
	EventStasisEnd         EventKind = "StasisEnd"
	EventChannelDestroyed  EventKind = "ChannelDestroyed"
	EventChannelStateChange EventKind = "ChannelStateChange"
	EventDial              EventKind = "Dial"
	EventBridgeEnter       EventKind = "BridgeEnter"
	EventRecordingFinished EventKind = "RecordingFinished"
)

// Channel mirrors the subset of an ARI channel object the correlator
// reads: id, name, caller/connected identities, state and linkedid.
type Channel struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	State       string `json:"state"`
	Caller      Party  `json:"caller"`
	Connected   Party  `json:"connected"`
	Dialplan    Dialplan `json:"dialplan"`
	CreationTime string `json:"creationtime"`
}

type Party struct {
	Name   string `json:"name"`
	Number string `json:"number"`
}

type Dialplan struct {
	Context  string `json:"context"`
	Exten    string `json:"exten"`
}

// Recording mirrors the subset of an ARI recording object the correlator
// and recording manager read: its name and file format.
type Recording struct {
	Name   string `json:"name"`
	Format string `json:"format"`
}

// Event is the decoded, typed form of a raw ARI websocket event, after
// Kind has been determined from the wire "type" field. Only the fields
// relevant to Kind are populated; the rest are zero values.
type Event struct {
	Kind      EventKind
	Timestamp string

	Channel  *Channel
	Bridge   *BridgeInfo
	Args     []string // StasisStart application arguments

	Cause    int
	CauseTxt string

	Caller     *Channel
	Peer       *Channel
	Dialstring string
	Dialstatus string

	Recording *Recording

	LinkedID string

	raw json.RawMessage
}

type BridgeInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// rawEvent is the wire shape decoded before building the typed Event
// above; linkedid is read separately by linkedIDOf.
type rawEvent struct {
	Type      string          `json:"type"`
	Timestamp string          `json:"timestamp"`
	Channel   *Channel        `json:"channel"`
	Bridge    *BridgeInfo     `json:"bridge"`
	Args      []string        `json:"args"`
	Cause     int             `json:"cause"`
	CauseTxt  string          `json:"cause_txt"`
	Caller    *Channel        `json:"caller"`
	Peer      *Channel        `json:"peer"`
	Dialstring string         `json:"dialstring"`
	Dialstatus string         `json:"dialstatus"`
	Recording *Recording      `json:"recording"`
}

// ParseEvent decodes a single ARI websocket text frame into a typed Event.
// An unknown "type" value is kept verbatim in Kind (a frame with no "type"
// yields Kind == ""); the correlator ignores kinds it does not handle.
func ParseEvent(data []byte) (Event, error) {
	var re rawEvent
	if err := json.Unmarshal(data, &re); err != nil {
		return Event{}, err
	}

	ev := Event{
		Kind:       EventKind(re.Type),
		Timestamp:  re.Timestamp,
		Channel:    re.Channel,
		Bridge:     re.Bridge,
		Args:       re.Args,
		Cause:      re.Cause,
		CauseTxt:   re.CauseTxt,
		Caller:     re.Caller,
		Peer:       re.Peer,
		Dialstring: re.Dialstring,
		Dialstatus: re.Dialstatus,
		Recording:  re.Recording,
		raw:        data,
	}

	if re.Channel != nil {
		ev.LinkedID = linkedIDOf(data)
	}

	return ev, nil
}

// linkedIDOf pulls channel.linkedid out of the raw payload without
// widening the Channel struct. Only channel.linkedid is read; a payload
// without it, or one that fails to decode, yields "".
func linkedIDOf(data []byte) string {
	var probe struct {
		Channel struct {
			Linkedid string `json:"linkedid"`
		} `json:"channel"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return ""
	}
	return probe.Channel.Linkedid
}
