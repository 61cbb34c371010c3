// Package telemetry publishes state transitions and lifecycle events to
// an MQTT broker, with an abstraction for testing.
package telemetry

import (
	"encoding/json"
	"time"
)

// DefaultPrefix is the topic prefix used when none is configured.
const DefaultPrefix = "musicbox"

// TopicEvents returns the topic for state transitions under prefix.
func TopicEvents(prefix string) string {
	return prefix + "/events"
}

// TopicSystem returns the topic for lifecycle events under prefix.
func TopicSystem(prefix string) string {
	return prefix + "/system"
}

// System event names.
const (
	EventStartup     = "STARTUP"
	EventShutdown    = "SHUTDOWN"
	EventHeartbeat   = "HEARTBEAT"
	EventReconnected = "RECONNECTED"
	EventOffline     = "OFFLINE"
)

// Publisher publishes events to MQTT.
type Publisher interface {
	// PublishTransition sends a state change to the broker.
	// Returns error if publishing fails (should not crash the process).
	PublishTransition(tr Transition) error

	// PublishSystem sends a system lifecycle event to the broker.
	PublishSystem(event SystemEvent) error

	// Close disconnects from the broker.
	Close() error
}

// ConnectionStatus reports whether the MQTT connection is active.
type ConnectionStatus interface {
	IsConnected() bool
}

// Transition is one state machine request and its result.
type Transition struct {
	Timestamp time.Time
	From      string
	To        string
	Outcome   string
}

// SystemEvent represents a system lifecycle event (e.g., startup, shutdown, heartbeat).
type SystemEvent struct {
	Timestamp  time.Time
	Event      string // e.g., "STARTUP", "SHUTDOWN", "HEARTBEAT"
	Reason     string // e.g., "SIGTERM", "SIGINT" (shutdown only)
	RawPayload []byte // Pre-formatted JSON payload; if set, FormatSystemPayload returns it directly
	Retained   bool   // Whether the message should be retained by the broker
}

// Payload represents the MQTT message payload structure.
type Payload struct {
	Musicbox TransitionPayload `json:"musicbox"`
}

// TransitionPayload contains the transition details.
type TransitionPayload struct {
	Timestamp string `json:"timestamp"`
	Event     string `json:"event"`
	From      string `json:"from"`
	To        string `json:"to"`
	Outcome   string `json:"outcome"`
}

// FormatPayload creates the JSON payload for a transition.
func FormatPayload(tr Transition) ([]byte, error) {
	payload := Payload{
		Musicbox: TransitionPayload{
			Timestamp: tr.Timestamp.UTC().Format(time.RFC3339),
			Event:     "TRANSITION",
			From:      tr.From,
			To:        tr.To,
			Outcome:   tr.Outcome,
		},
	}
	return json.Marshal(payload)
}

// SystemPayload represents the MQTT message payload for system events.
// Used for simple events (LWT, RECONNECTED) that don't carry a full status snapshot.
type SystemPayload struct {
	System SystemPayloadInner `json:"system"`
}

// SystemPayloadInner contains the system event details.
type SystemPayloadInner struct {
	Timestamp string `json:"timestamp,omitempty"`
	Event     string `json:"event"`
	Reason    string `json:"reason,omitempty"`
}

// FormatSystemPayload creates the JSON payload for a system event.
// If event.RawPayload is set, it is returned directly (used for full status snapshots).
func FormatSystemPayload(event SystemEvent) ([]byte, error) {
	if event.RawPayload != nil {
		return event.RawPayload, nil
	}

	inner := SystemPayloadInner{
		Event:  event.Event,
		Reason: event.Reason,
	}
	if !event.Timestamp.IsZero() {
		inner.Timestamp = event.Timestamp.UTC().Format(time.RFC3339)
	}
	return json.Marshal(SystemPayload{System: inner})
}

// WillPayload is the retained last-will message the broker publishes when
// the daemon drops off without a clean shutdown.
func WillPayload() []byte {
	data, _ := FormatSystemPayload(SystemEvent{Event: EventOffline, Reason: "MQTT_DISCONNECT"})
	return data
}

// Discard drops every event. It stands in for a Publisher when no broker
// is configured.
type Discard struct{}

func (Discard) PublishTransition(Transition) error { return nil }
func (Discard) PublishSystem(SystemEvent) error    { return nil }
func (Discard) Close() error                       { return nil }
func (Discard) IsConnected() bool                  { return false }
