// Package status provides a thread-safe status tracker for the musicbox
// daemon. It is read by the portal's HTTP handlers and by telemetry.
package status

import (
	"sync"
	"time"
)

// RelayInfo is the remote streaming session as last reported.
type RelayInfo struct {
	Connected bool
	Playing   bool
	User      string
	Track     string
}

// Counts are cumulative daemon counters.
type Counts struct {
	// Outcomes maps a transition outcome name to how often it occurred.
	Outcomes     map[string]int64
	Presses      int64
	LongPresses  int64
	BusDropped   int64
	BusUnmatched int64
}

// Config contains daemon configuration for display.
type Config struct {
	Broker      string
	PortalAddr  string
	Mountpoint  string
	DebounceMs  int64
	LongPressMs int64
	StopIdleMs  int64
	HeartbeatMs int64
}

// Snapshot is a point-in-time view of daemon state.
// It is a value type, safe to use after the lock is released.
type Snapshot struct {
	State         string
	Previous      string
	Since         time.Time
	MediaPresent  bool
	Online        bool
	PortalActive  bool
	PortalClients int
	PowerProfile  string
	Relay         RelayInfo
	Counts        Counts
	MQTTConnected bool
	StartTime     time.Time
	Now           time.Time
	Config        Config
}

// Uptime returns the duration since the daemon started.
func (s Snapshot) Uptime() time.Duration {
	return s.Now.Sub(s.StartTime)
}

// Tracker holds mutable daemon state behind an RWMutex.
type Tracker struct {
	mu      sync.RWMutex
	snap    Snapshot
	changed chan struct{}
}

// NewTracker creates a Tracker with the given start time and config.
func NewTracker(startTime time.Time, cfg Config) *Tracker {
	return &Tracker{
		snap: Snapshot{
			StartTime: startTime,
			Config:    cfg,
		},
		changed: make(chan struct{}),
	}
}

// update applies fn under the write lock and wakes Changed waiters.
func (t *Tracker) update(fn func(*Snapshot)) {
	t.mu.Lock()
	fn(&t.snap)
	close(t.changed)
	t.changed = make(chan struct{})
	t.mu.Unlock()
}

// Changed returns a channel that is closed on the next update.
func (t *Tracker) Changed() <-chan struct{} {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.changed
}

// SetState records a committed transition.
func (t *Tracker) SetState(current, previous string, at time.Time) {
	t.update(func(s *Snapshot) {
		s.State = current
		s.Previous = previous
		s.Since = at
	})
}

// SetMedia records whether the USB media is present.
func (t *Tracker) SetMedia(present bool) {
	t.update(func(s *Snapshot) { s.MediaPresent = present })
}

// SetOnline records network connectivity.
func (t *Tracker) SetOnline(online bool) {
	t.update(func(s *Snapshot) { s.Online = online })
}

// SetPortal records whether the captive portal runs.
func (t *Tracker) SetPortal(active bool) {
	t.update(func(s *Snapshot) { s.PortalActive = active })
}

// SetRelay records the remote session.
func (t *Tracker) SetRelay(info RelayInfo) {
	t.update(func(s *Snapshot) { s.Relay = info })
}

// SetCounts replaces the counters. The outcome map is copied.
func (t *Tracker) SetCounts(c Counts) {
	c.Outcomes = copyOutcomes(c.Outcomes)
	t.update(func(s *Snapshot) { s.Counts = c })
}

// SetMQTTConnected sets the MQTT connection status.
func (t *Tracker) SetMQTTConnected(connected bool) {
	t.update(func(s *Snapshot) { s.MQTTConnected = connected })
}

// Live holds the fields that are refreshed by polling the components
// rather than by events.
type Live struct {
	MediaPresent  bool
	Online        bool
	PortalClients int
	PowerProfile  string
	Relay         RelayInfo
	Counts        Counts
	MQTTConnected bool
}

// SetLive replaces the polled fields. Changed waiters are only woken when
// a value differs; it reports whether one did.
func (t *Tracker) SetLive(l Live) bool {
	t.mu.RLock()
	cur := t.snap
	t.mu.RUnlock()
	if cur.MediaPresent == l.MediaPresent &&
		cur.Online == l.Online &&
		cur.PortalClients == l.PortalClients &&
		cur.PowerProfile == l.PowerProfile &&
		cur.Relay == l.Relay &&
		cur.MQTTConnected == l.MQTTConnected &&
		equalCounts(cur.Counts, l.Counts) {
		return false
	}
	l.Counts.Outcomes = copyOutcomes(l.Counts.Outcomes)
	t.update(func(s *Snapshot) {
		s.MediaPresent = l.MediaPresent
		s.Online = l.Online
		s.PortalClients = l.PortalClients
		s.PowerProfile = l.PowerProfile
		s.Relay = l.Relay
		s.Counts = l.Counts
		s.MQTTConnected = l.MQTTConnected
	})
	return true
}

func equalCounts(a, b Counts) bool {
	if a.Presses != b.Presses || a.LongPresses != b.LongPresses ||
		a.BusDropped != b.BusDropped || a.BusUnmatched != b.BusUnmatched ||
		len(a.Outcomes) != len(b.Outcomes) {
		return false
	}
	for k, v := range a.Outcomes {
		if bv, ok := b.Outcomes[k]; !ok || bv != v {
			return false
		}
	}
	return true
}

// Snapshot returns a point-in-time copy of the daemon state.
// The Now field is set to the current time at the moment of the call.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	s := t.snap
	s.Counts.Outcomes = copyOutcomes(t.snap.Counts.Outcomes)
	t.mu.RUnlock()
	s.Now = time.Now()
	return s
}

func copyOutcomes(m map[string]int64) map[string]int64 {
	if m == nil {
		return nil
	}
	out := make(map[string]int64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
