package config

import (
	"time"

	"github.com/spf13/pflag"
)

// Overrides holds command-line values that replace config file settings.
// Only flags the user actually set are applied.
type Overrides struct {
	fs *pflag.FlagSet

	chip        string
	mpdAddress  string
	broker      string
	heartbeat   time.Duration
	portalAddr  string
	autostart   bool
	mountpoint  string
	relaySocket string
	logLevel    string
}

// RegisterFlags defines the override flags on fs.
func RegisterFlags(fs *pflag.FlagSet) *Overrides {
	o := &Overrides{fs: fs}
	fs.StringVar(&o.chip, "gpio-chip", "", "GPIO chip name")
	fs.StringVar(&o.mpdAddress, "mpd", "", "MPD address (host:port or socket path)")
	fs.StringVar(&o.broker, "broker", "", "MQTT broker URL (empty disables telemetry)")
	fs.DurationVar(&o.heartbeat, "heartbeat", 0, "telemetry heartbeat interval (0 to disable)")
	fs.StringVar(&o.portalAddr, "portal", "", "captive portal listen address")
	fs.BoolVar(&o.autostart, "portal-autostart", false, "start the captive portal at boot")
	fs.StringVar(&o.mountpoint, "usb", "", "USB media mountpoint")
	fs.StringVar(&o.relaySocket, "relay-socket", "", "relay hook unix socket")
	fs.StringVarP(&o.logLevel, "log-level", "l", "", "log level (error, warn, info, debug)")
	return o
}

// Apply copies every changed flag into cfg.
func (o *Overrides) Apply(cfg *Config) {
	if o == nil || cfg == nil {
		return
	}
	if o.changed("gpio-chip") {
		cfg.GPIO.Chip = o.chip
	}
	if o.changed("mpd") {
		cfg.MPD.Address = o.mpdAddress
	}
	if o.changed("broker") {
		cfg.MQTT.Broker = o.broker
	}
	if o.changed("heartbeat") {
		cfg.MQTT.Heartbeat = o.heartbeat
	}
	if o.changed("portal") {
		cfg.Portal.Addr = o.portalAddr
	}
	if o.changed("portal-autostart") {
		cfg.Portal.Autostart = o.autostart
	}
	if o.changed("usb") {
		cfg.USB.Mountpoint = o.mountpoint
	}
	if o.changed("relay-socket") {
		cfg.Relay.Socket = o.relaySocket
	}
	if o.changed("log-level") {
		cfg.Logging.Level = o.logLevel
	}
}

func (o *Overrides) changed(name string) bool {
	return o.fs.Changed(name)
}
