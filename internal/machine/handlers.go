package machine

// handle runs the side effects for s. Called with handlerMu held and the
// LEDs already cleared.
func (m *Machine) handle(epoch uint64, s State) {
	leds, player, cues := m.deps.LEDs, m.deps.Player, m.deps.Cues

	switch s {
	case StartUp:
		leds.Blink(LEDPlay, m.cfg.BlinkCycle)
		leds.Blink(LEDStop, m.cfg.BlinkCycle)
		cues.Play(CueStartup)
		m.arm(keyIdle, m.cfg.StartupIdle, epoch, Idle)

	case Idle:
		if err := player.Stop(); err != nil {
			m.adapterFailed("stop", err)
		}

	case Play:
		leds.TurnOn(LEDPlay)
		if err := player.Play(); err != nil {
			m.adapterFailed("play", err)
		}

	case Preset1, Preset2, Preset3:
		name := s.Preset()
		leds.TurnOn(name)
		if err := player.PlayPreset(name); err != nil {
			m.adapterFailed("play preset "+name, err)
		}

	case Stop:
		leds.TurnOn(LEDStop)
		if err := player.Stop(); err != nil {
			m.adapterFailed("stop", err)
		}
		cues.Play(CueStop)
		m.arm(keyIdle, m.cfg.StopIdle, epoch, Idle)

	case SpotifyConnect:
		leds.TurnOn(LEDSpotify)
		if err := player.Pause(); err != nil {
			m.adapterFailed("pause", err)
		}

	case PlaySongFromWeb:
		leds.Blink(LEDPlay, m.cfg.BlinkCycle)
		uri := m.deps.Portal.TakeSong()
		if uri == "" {
			m.logger.Warn("no song queued by the portal")
			return
		}
		if err := player.PlayURI(uri); err != nil {
			m.adapterFailed("play uri", err)
		}

	case UsbAbsent:
		leds.Blink(LEDStop, m.cfg.BlinkCycle)
		if err := player.Stop(); err != nil {
			m.adapterFailed("stop", err)
		}
		cues.Play(CueUSBAbsent)

	case Error:
		for _, name := range AllLEDs {
			leds.Blink(name, m.cfg.ErrorBlinkCycle)
		}
		if err := player.Stop(); err != nil {
			m.adapterFailed("stop", err)
		}
		cues.Play(CueError)

	default:
		m.logger.WithField("state", s).Error("no handler for state")
	}
}
