package machine

import (
	"time"

	"github.com/sweeney/musicbox/internal/power"
)

// LED names driven by the handlers.
const (
	LEDPlay    = "play"
	LEDStop    = "stop"
	LEDPreset1 = "preset1"
	LEDPreset2 = "preset2"
	LEDPreset3 = "preset3"
	LEDWiFi    = "wifi"
	LEDSpotify = "spotify"
)

// AllLEDs lists every LED name.
var AllLEDs = []string{LEDPlay, LEDStop, LEDPreset1, LEDPreset2, LEDPreset3, LEDWiFi, LEDSpotify}

// Sound cue keys.
const (
	CueStartup   = "startup"
	CueClick     = "click"
	CueNext      = "next"
	CueBlocked   = "blocked"
	CueUSBAbsent = "usb_absent"
	CueError     = "error"
	CueStop      = "stop"
)

// Player controls the music daemon. IsWebradio must answer from cached
// state: it is called on the dispatch goroutine.
type Player interface {
	Play() error
	PlayPreset(name string) error
	PlayURI(uri string) error
	Pause() error
	Stop() error
	Next() error
	// IsWebradio reports whether preset is a live stream; "" asks about
	// the content currently loaded.
	IsWebradio(preset string) bool
}

// LEDs drives the front panel indicators.
type LEDs interface {
	TurnOn(name string)
	TurnOff(name string)
	TurnOffAll()
	Blink(name string, cycle time.Duration)
	OneshotOn(name string, d time.Duration)
}

// Cues plays short feedback sounds without blocking the caller.
type Cues interface {
	Play(key string)
}

// Portal is the captive-portal web service.
type Portal interface {
	Active() bool
	Stop() error
	TakeSong() string
}

// Relay reports the remote (Spotify Connect) session state.
type Relay interface {
	ConnectedAndPlaying() bool
}

// Media reports removable media presence.
type Media interface {
	Present() bool
}

// Network reports internet connectivity.
type Network interface {
	Online() bool
}

// Power applies a supply profile idempotently.
type Power interface {
	Apply(p power.Profile) (bool, error)
}

// Deps bundles the adapters the machine drives. Every field is required.
type Deps struct {
	Player  Player
	LEDs    LEDs
	Cues    Cues
	Portal  Portal
	Relay   Relay
	Media   Media
	Network Network
	Power   Power
}

// ProfileFor is the power policy: the amplifier gets the maximum supply
// profile whenever something may be playing.
func ProfileFor(s State) power.Profile {
	switch {
	case s.IsPlaying(), s == SpotifyConnect, s == PlaySongFromWeb:
		return power.Max
	}
	return power.Nominal
}
