package status

import (
	"encoding/json"
	"time"
)

// StatusJSON is the top-level JSON envelope for status output.
type StatusJSON struct {
	Status StatusInner `json:"status"`
}

// StatusInner contains the status details.
type StatusInner struct {
	Event         string     `json:"event,omitempty"`
	Reason        string     `json:"reason,omitempty"`
	State         string     `json:"state"`
	Previous      string     `json:"previous,omitempty"`
	Since         string     `json:"since,omitempty"`
	Media         bool       `json:"media_present"`
	Online        bool       `json:"online"`
	Portal        bool       `json:"portal_active"`
	PortalClients int        `json:"portal_clients"`
	PowerProfile  string     `json:"power_profile,omitempty"`
	Relay         RelayJSON  `json:"relay"`
	UptimeSeconds int64      `json:"uptime_seconds"`
	StartTime     string     `json:"start_time"`
	Timestamp     string     `json:"timestamp"`
	MQTT          MQTTStatus `json:"mqtt"`
	Counts        CountsJSON `json:"counts"`
	Config        ConfigJSON `json:"config"`
}

// RelayJSON is the JSON representation of the remote session.
type RelayJSON struct {
	Connected bool   `json:"connected"`
	Playing   bool   `json:"playing"`
	User      string `json:"user,omitempty"`
	Track     string `json:"track,omitempty"`
}

// MQTTStatus reports MQTT connection state.
type MQTTStatus struct {
	Connected bool   `json:"connected"`
	Broker    string `json:"broker"`
}

// CountsJSON is the JSON representation of the counters.
type CountsJSON struct {
	Outcomes     map[string]int64 `json:"outcomes,omitempty"`
	Presses      int64            `json:"presses"`
	LongPresses  int64            `json:"long_presses"`
	BusDropped   int64            `json:"bus_dropped"`
	BusUnmatched int64            `json:"bus_unmatched"`
}

// ConfigJSON is the JSON representation of daemon config.
type ConfigJSON struct {
	Broker      string `json:"broker"`
	PortalAddr  string `json:"portal_addr"`
	Mountpoint  string `json:"mountpoint"`
	DebounceMs  int64  `json:"debounce_ms"`
	LongPressMs int64  `json:"long_press_ms"`
	StopIdleMs  int64  `json:"stop_idle_ms"`
	HeartbeatMs int64  `json:"heartbeat_ms"`
}

func buildInner(snap Snapshot) StatusInner {
	state := snap.State
	if state == "" {
		state = "UNKNOWN"
	}
	inner := StatusInner{
		State:         state,
		Previous:      snap.Previous,
		Media:         snap.MediaPresent,
		Online:        snap.Online,
		Portal:        snap.PortalActive,
		PortalClients: snap.PortalClients,
		PowerProfile:  snap.PowerProfile,
		Relay: RelayJSON{
			Connected: snap.Relay.Connected,
			Playing:   snap.Relay.Playing,
			User:      snap.Relay.User,
			Track:     snap.Relay.Track,
		},
		UptimeSeconds: int64(snap.Uptime().Truncate(time.Second).Seconds()),
		StartTime:     snap.StartTime.UTC().Format(time.RFC3339),
		Timestamp:     snap.Now.UTC().Format(time.RFC3339),
		MQTT:          MQTTStatus{Connected: snap.MQTTConnected, Broker: snap.Config.Broker},
		Counts: CountsJSON{
			Outcomes:     snap.Counts.Outcomes,
			Presses:      snap.Counts.Presses,
			LongPresses:  snap.Counts.LongPresses,
			BusDropped:   snap.Counts.BusDropped,
			BusUnmatched: snap.Counts.BusUnmatched,
		},
		Config: ConfigJSON{
			Broker:      snap.Config.Broker,
			PortalAddr:  snap.Config.PortalAddr,
			Mountpoint:  snap.Config.Mountpoint,
			DebounceMs:  snap.Config.DebounceMs,
			LongPressMs: snap.Config.LongPressMs,
			StopIdleMs:  snap.Config.StopIdleMs,
			HeartbeatMs: snap.Config.HeartbeatMs,
		},
	}
	if !snap.Since.IsZero() {
		inner.Since = snap.Since.UTC().Format(time.RFC3339)
	}
	return inner
}

// FormatJSON returns the JSON status for the web endpoint (no event/reason).
func FormatJSON(snap Snapshot) []byte {
	data, _ := json.MarshalIndent(StatusJSON{Status: buildInner(snap)}, "", "  ")
	return data
}

// FormatStatusEvent returns the JSON status for an MQTT system event.
func FormatStatusEvent(snap Snapshot, event, reason string) []byte {
	inner := buildInner(snap)
	inner.Event = event
	inner.Reason = reason

	data, _ := json.Marshal(StatusJSON{Status: inner})
	return data
}
