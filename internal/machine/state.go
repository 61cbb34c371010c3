package machine

import "fmt"

// State is the device's logical playback state.
type State int

const (
	StartUp State = iota
	Idle
	Play
	Preset1
	Preset2
	Preset3
	Stop
	SpotifyConnect
	PlaySongFromWeb
	UsbAbsent
	Error
)

var stateNames = [...]string{
	StartUp:         "StartUp",
	Idle:            "Idle",
	Play:            "Play",
	Preset1:         "Preset1",
	Preset2:         "Preset2",
	Preset3:         "Preset3",
	Stop:            "Stop",
	SpotifyConnect:  "SpotifyConnect",
	PlaySongFromWeb: "PlaySongFromWeb",
	UsbAbsent:       "UsbAbsent",
	Error:           "Error",
}

// States lists every state in declaration order.
func States() []State {
	out := make([]State, len(stateNames))
	for i := range stateNames {
		out[i] = State(i)
	}
	return out
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// ParseState maps a state name (as used in bus messages) to a State.
func ParseState(name string) (State, error) {
	for i, n := range stateNames {
		if n == name {
			return State(i), nil
		}
	}
	return 0, fmt.Errorf("unknown state %q", name)
}

// IsPlaying reports whether s is part of the local playing family.
func (s State) IsPlaying() bool {
	switch s {
	case Play, Preset1, Preset2, Preset3:
		return true
	}
	return false
}

// Preset returns the preset name bound to s ("preset1".."preset3"), or ""
// when s is not a preset state.
func (s State) Preset() string {
	switch s {
	case Preset1:
		return "preset1"
	case Preset2:
		return "preset2"
	case Preset3:
		return "preset3"
	}
	return ""
}

// Outcome describes what a transition request ended up doing.
type Outcome int

const (
	// Committed: the requested (or redirected) state became current.
	Committed Outcome = iota
	// LockedOut: the machine is in Error and ignored the request.
	LockedOut
	// Advanced: same playing state requested, skipped to the next track.
	Advanced
	// Swallowed: same live-stream state requested, nothing to skip to.
	Swallowed
	// PortalStopped: Stop requested while the portal was up; the portal
	// was stopped instead.
	PortalStopped
	// Blocked: live-stream preset requested without connectivity.
	Blocked
	// Interlocked: media absent, UsbAbsent committed instead of the target.
	Interlocked
	// Superseded: a deferred transition lost to a newer commit.
	Superseded
)

var outcomeNames = [...]string{
	Committed:     "committed",
	LockedOut:     "locked-out",
	Advanced:      "advanced",
	Swallowed:     "swallowed",
	PortalStopped: "portal-stopped",
	Blocked:       "blocked",
	Interlocked:   "interlocked",
	Superseded:    "superseded",
}

func (o Outcome) String() string {
	if o < 0 || int(o) >= len(outcomeNames) {
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
	return outcomeNames[o]
}

// Changed reports whether the outcome committed a new current state.
func (o Outcome) Changed() bool {
	return o == Committed || o == Interlocked
}
