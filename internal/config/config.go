// Package config loads the musicbox YAML configuration, applies
// command-line overrides and validates the result.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sweeney/musicbox/internal/button"
	"github.com/sweeney/musicbox/internal/gpio"
	"github.com/sweeney/musicbox/internal/logging"
	"github.com/sweeney/musicbox/internal/machine"
	"github.com/sweeney/musicbox/internal/power"
)

// DefaultPath is where the daemon looks for its config file.
const DefaultPath = "/etc/musicbox/config.yaml"

// Config is the top-level YAML configuration.
type Config struct {
	GPIO    GPIOConfig        `yaml:"gpio"`
	Buttons ButtonsConfig     `yaml:"buttons"`
	LEDs    map[string]int    `yaml:"leds"`
	Knob    KnobConfig        `yaml:"knob"`
	MPD     MPDConfig         `yaml:"mpd"`
	Presets map[string]string `yaml:"presets"`
	Sounds  SoundsConfig      `yaml:"sounds"`
	Power   PowerConfig       `yaml:"power"`
	USB     USBConfig         `yaml:"usb"`
	Network NetworkConfig     `yaml:"network"`
	Portal  PortalConfig      `yaml:"portal"`
	Relay   RelayConfig       `yaml:"relay"`
	MQTT    MQTTConfig        `yaml:"mqtt"`
	Bus     BusConfig         `yaml:"bus"`
	Machine MachineConfig     `yaml:"machine"`
	Logging LoggingConfig     `yaml:"logging"`
}

type GPIOConfig struct {
	Chip string `yaml:"chip"`
}

// ButtonsConfig holds BCM pin numbers and press timings.
type ButtonsConfig struct {
	Play             int           `yaml:"play"`
	Stop             int           `yaml:"stop"`
	Preset1          int           `yaml:"preset1"`
	Preset2          int           `yaml:"preset2"`
	Preset3          int           `yaml:"preset3"`
	ActiveLow        bool          `yaml:"active_low"`
	Debounce         time.Duration `yaml:"debounce"`
	LongPress        time.Duration `yaml:"long_press"`
	LongPressButtons []string      `yaml:"long_press_buttons"`
}

// Pins returns the button name to pin mapping.
func (b ButtonsConfig) Pins() map[string]int {
	return map[string]int{
		button.Play:    b.Play,
		button.Stop:    b.Stop,
		button.Preset1: b.Preset1,
		button.Preset2: b.Preset2,
		button.Preset3: b.Preset3,
	}
}

type KnobConfig struct {
	Enabled bool          `yaml:"enabled"`
	PinA    int           `yaml:"pin_a"`
	PinB    int           `yaml:"pin_b"`
	Poll    time.Duration `yaml:"poll"`
	Step    int           `yaml:"step"`
}

type MPDConfig struct {
	Network  string        `yaml:"network"`
	Address  string        `yaml:"address"`
	Password string        `yaml:"password"`
	Timeout  time.Duration `yaml:"timeout"`
}

// SoundsConfig locates the cue WAV files. Every file must match the
// output format.
type SoundsConfig struct {
	Dir        string            `yaml:"dir"`
	Cues       map[string]string `yaml:"cues"`
	SampleRate int               `yaml:"sample_rate"`
	Channels   int               `yaml:"channels"`
}

type PowerConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Bus        string `yaml:"bus"`
	Address    uint16 `yaml:"address"`
	NominalPDO string `yaml:"nominal_pdo"`
	MaxPDO     string `yaml:"max_pdo"`
}

type USBConfig struct {
	Mountpoint string        `yaml:"mountpoint"`
	Poll       time.Duration `yaml:"poll"`
}

type NetworkConfig struct {
	Probe    string        `yaml:"probe"`
	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`
}

type PortalConfig struct {
	Addr      string `yaml:"addr"`
	Autostart bool   `yaml:"autostart"`
}

type RelayConfig struct {
	Socket string `yaml:"socket"`
}

type MQTTConfig struct {
	Broker      string        `yaml:"broker"`
	TopicPrefix string        `yaml:"topic_prefix"`
	Heartbeat   time.Duration `yaml:"heartbeat"`
}

type BusConfig struct {
	Capacity       int           `yaml:"capacity"`
	PublishTimeout time.Duration `yaml:"publish_timeout"`
}

type MachineConfig struct {
	StartupIdle     time.Duration `yaml:"startup_idle"`
	StopIdle        time.Duration `yaml:"stop_idle"`
	BlockedCueDelay time.Duration `yaml:"blocked_cue_delay"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Default returns a fully populated Config for the reference hardware.
func Default() Config {
	return Config{
		GPIO: GPIOConfig{Chip: gpio.DefaultChip},
		Buttons: ButtonsConfig{
			Play:             gpio.PinPlay,
			Stop:             gpio.PinStop,
			Preset1:          gpio.PinPreset1,
			Preset2:          gpio.PinPreset2,
			Preset3:          gpio.PinPreset3,
			ActiveLow:        true,
			Debounce:         500 * time.Millisecond,
			LongPress:        6 * time.Second,
			LongPressButtons: []string{button.Play, button.Stop},
		},
		LEDs: map[string]int{
			machine.LEDPlay:    gpio.PinLEDPlay,
			machine.LEDStop:    gpio.PinLEDStop,
			machine.LEDPreset1: gpio.PinLEDPreset1,
			machine.LEDPreset2: gpio.PinLEDPreset2,
			machine.LEDPreset3: gpio.PinLEDPreset3,
			machine.LEDWiFi:    gpio.PinLEDWiFi,
			machine.LEDSpotify: gpio.PinLEDSpotify,
		},
		Knob: KnobConfig{
			Enabled: true,
			PinA:    gpio.PinKnobA,
			PinB:    gpio.PinKnobB,
			Poll:    2 * time.Millisecond,
			Step:    2,
		},
		MPD: MPDConfig{
			Network: "tcp",
			Address: "localhost:6600",
			Timeout: 3 * time.Second,
		},
		Presets: map[string]string{
			"preset1": "preset1",
			"preset2": "preset2",
			"preset3": "preset3",
		},
		Sounds: SoundsConfig{
			Dir: "/usr/share/musicbox/sounds",
			Cues: map[string]string{
				machine.CueStartup:   "startup.wav",
				machine.CueClick:     "click.wav",
				machine.CueNext:      "next.wav",
				machine.CueBlocked:   "blocked.wav",
				machine.CueUSBAbsent: "usb_absent.wav",
				machine.CueError:     "error.wav",
				machine.CueStop:      "stop.wav",
			},
			SampleRate: 44100,
			Channels:   2,
		},
		Power: PowerConfig{
			Enabled:    false,
			Bus:        "",
			Address:    0x08,
			NominalPDO: "5V",
			MaxPDO:     "12V",
		},
		USB: USBConfig{
			Mountpoint: "/media/usb",
			Poll:       time.Second,
		},
		Network: NetworkConfig{
			Probe:    "1.1.1.1:53",
			Interval: 10 * time.Second,
			Timeout:  2 * time.Second,
		},
		Portal: PortalConfig{Addr: ":80"},
		Relay:  RelayConfig{Socket: "/run/musicbox/relay.sock"},
		MQTT: MQTTConfig{
			TopicPrefix: "musicbox",
			Heartbeat:   15 * time.Minute,
		},
		Bus: BusConfig{
			Capacity:       64,
			PublishTimeout: 100 * time.Millisecond,
		},
		Machine: MachineConfig{
			StartupIdle:     5 * time.Second,
			StopIdle:        4 * time.Second,
			BlockedCueDelay: 500 * time.Millisecond,
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load reads path and decodes it over Default. Unknown keys and trailing
// documents are errors.
func Load(path string) (Config, error) {
	if path == "" {
		return Config{}, errors.New("config path is empty")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}
	return Parse(b)
}

// Parse decodes YAML over Default.
func Parse(b []byte) (Config, error) {
	cfg := Default()

	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("decode config yaml: %w", err)
	}
	// Only whitespace and comments may follow the document.
	var extra yaml.Node
	if err := dec.Decode(&extra); !errors.Is(err, io.EOF) {
		return Config{}, errors.New("decode config yaml: unexpected trailing document")
	}
	return cfg, nil
}

// LoadOrDefault loads path, falling back to Default when the file does
// not exist.
func LoadOrDefault(path string) (Config, bool, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return Default(), false, nil
	}
	cfg, err := Load(path)
	return cfg, true, err
}

// Validate reports the first violated invariant.
func (c *Config) Validate() error {
	if c.GPIO.Chip == "" {
		return errors.New("gpio.chip must not be empty")
	}

	used := make(map[int]string)
	claim := func(name string, pin int) error {
		if pin < 0 {
			return fmt.Errorf("%s: pin must be >= 0", name)
		}
		if other, ok := used[pin]; ok {
			return fmt.Errorf("%s: pin %d already used by %s", name, pin, other)
		}
		used[pin] = name
		return nil
	}
	for name, pin := range c.Buttons.Pins() {
		if err := claim("buttons."+name, pin); err != nil {
			return err
		}
	}
	if c.Buttons.Debounce <= 0 {
		return errors.New("buttons.debounce must be > 0")
	}
	if c.Buttons.LongPress <= c.Buttons.Debounce {
		return errors.New("buttons.long_press must be longer than buttons.debounce")
	}
	pins := c.Buttons.Pins()
	for _, name := range c.Buttons.LongPressButtons {
		if _, ok := pins[name]; !ok {
			return fmt.Errorf("buttons.long_press_buttons: unknown button %q", name)
		}
	}

	known := make(map[string]bool, len(machine.AllLEDs))
	for _, name := range machine.AllLEDs {
		known[name] = true
	}
	for name, pin := range c.LEDs {
		if !known[name] {
			return fmt.Errorf("leds: unknown led %q", name)
		}
		if err := claim("leds."+name, pin); err != nil {
			return err
		}
	}

	if c.Knob.Enabled {
		if err := claim("knob.pin_a", c.Knob.PinA); err != nil {
			return err
		}
		if err := claim("knob.pin_b", c.Knob.PinB); err != nil {
			return err
		}
		if c.Knob.Poll <= 0 {
			return errors.New("knob.poll must be > 0")
		}
		if c.Knob.Step <= 0 {
			return errors.New("knob.step must be > 0")
		}
	}

	if c.MPD.Address == "" {
		return errors.New("mpd.address must not be empty")
	}
	if c.MPD.Network != "tcp" && c.MPD.Network != "unix" {
		return fmt.Errorf("mpd.network must be tcp or unix, got %q", c.MPD.Network)
	}
	if c.MPD.Timeout <= 0 {
		return errors.New("mpd.timeout must be > 0")
	}
	for key, playlist := range c.Presets {
		switch key {
		case "preset1", "preset2", "preset3":
		default:
			return fmt.Errorf("presets: unknown preset %q", key)
		}
		if playlist == "" {
			return fmt.Errorf("presets.%s must not be empty", key)
		}
	}

	if c.Sounds.SampleRate <= 0 {
		return errors.New("sounds.sample_rate must be > 0")
	}
	if c.Sounds.Channels != 1 && c.Sounds.Channels != 2 {
		return fmt.Errorf("sounds.channels must be 1 or 2, got %d", c.Sounds.Channels)
	}

	if c.Power.Enabled {
		if _, err := power.ParsePDO(c.Power.NominalPDO); err != nil {
			return fmt.Errorf("power.nominal_pdo: %w", err)
		}
		if _, err := power.ParsePDO(c.Power.MaxPDO); err != nil {
			return fmt.Errorf("power.max_pdo: %w", err)
		}
		if c.Power.Address == 0 || c.Power.Address > 0x7f {
			return fmt.Errorf("power.address 0x%x is not a 7-bit I2C address", c.Power.Address)
		}
	}

	if c.USB.Mountpoint == "" {
		return errors.New("usb.mountpoint must not be empty")
	}
	if c.USB.Poll <= 0 {
		return errors.New("usb.poll must be > 0")
	}
	if c.Network.Probe == "" {
		return errors.New("network.probe must not be empty")
	}
	if c.Network.Interval <= 0 || c.Network.Timeout <= 0 {
		return errors.New("network.interval and network.timeout must be > 0")
	}
	if c.Portal.Addr == "" {
		return errors.New("portal.addr must not be empty")
	}
	if c.Relay.Socket == "" {
		return errors.New("relay.socket must not be empty")
	}
	if c.MQTT.Broker != "" && c.MQTT.TopicPrefix == "" {
		return errors.New("mqtt.topic_prefix must not be empty when mqtt.broker is set")
	}
	if c.MQTT.Heartbeat < 0 {
		return errors.New("mqtt.heartbeat must be >= 0")
	}
	if c.Bus.Capacity <= 0 {
		return errors.New("bus.capacity must be > 0")
	}
	if c.Bus.PublishTimeout <= 0 {
		return errors.New("bus.publish_timeout must be > 0")
	}
	if c.Machine.StartupIdle <= 0 || c.Machine.StopIdle <= 0 || c.Machine.BlockedCueDelay <= 0 {
		return errors.New("machine delays must be > 0")
	}
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	return nil
}
