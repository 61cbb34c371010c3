package bus

// States and faults carried by non-button sources. Button messages use
// the button name (or name+"Long") as their state.
const (
	VolumeUp   = "Up"
	VolumeDown = "Down"

	USBMounted   = "Mounted"
	USBUnmounted = "Unmounted"

	WiFiOnline  = "Online"
	WiFiOffline = "Offline"

	PortalStarted  = "Started"
	PortalStopped  = "Stopped"
	PortalPlaySong = "PlaySong"

	RelayConnected    = "Connected"
	RelayPlaying      = "Playing"
	RelayPaused       = "Paused"
	RelayStopped      = "Stopped"
	RelayDisconnected = "Disconnected"

	SystemShutdown = "Shutdown"
)

// USBUnreadable reports mounted media that cannot be read.
const USBUnreadable Fault = "Unreadable"
