// Command musicbox runs the audio appliance's control plane: buttons, knob,
// USB media, network, captive portal and the remote relay all feed one
// state machine that drives playback, LEDs, sound cues and the power
// profile.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/sweeney/musicbox/internal/bus"
	"github.com/sweeney/musicbox/internal/button"
	"github.com/sweeney/musicbox/internal/clock"
	"github.com/sweeney/musicbox/internal/config"
	"github.com/sweeney/musicbox/internal/control"
	"github.com/sweeney/musicbox/internal/gpio"
	"github.com/sweeney/musicbox/internal/knob"
	"github.com/sweeney/musicbox/internal/leds"
	"github.com/sweeney/musicbox/internal/logging"
	"github.com/sweeney/musicbox/internal/machine"
	"github.com/sweeney/musicbox/internal/media"
	"github.com/sweeney/musicbox/internal/network"
	"github.com/sweeney/musicbox/internal/player"
	"github.com/sweeney/musicbox/internal/portal"
	"github.com/sweeney/musicbox/internal/power"
	"github.com/sweeney/musicbox/internal/relay"
	"github.com/sweeney/musicbox/internal/sound"
	"github.com/sweeney/musicbox/internal/sound/speaker"
	"github.com/sweeney/musicbox/internal/status"
	"github.com/sweeney/musicbox/internal/telemetry"
)

// statusInterval is how often the status tracker mirrors the components.
const statusInterval = time.Second

func main() {
	if len(os.Args) > 1 && os.Args[1] == "relay-hook" {
		os.Exit(relayHook(os.Args[2:]))
	}

	fs := pflag.NewFlagSet("musicbox", pflag.ExitOnError)
	configPath := fs.StringP("config", "c", config.DefaultPath, "config file path")
	selftest := fs.Bool("selftest", false, "read every button once and exit")
	overrides := config.RegisterFlags(fs)
	fs.Parse(os.Args[1:])

	cfg, logger, err := loadConfig(*configPath, overrides)
	if err != nil {
		fmt.Fprintf(os.Stderr, "musicbox: %v\n", err)
		os.Exit(2)
	}

	if *selftest {
		if err := runSelfTest(cfg, logger); err != nil {
			logger.WithField("error", err).Error("selftest failed")
			os.Exit(1)
		}
		logger.Info("selftest passed")
		return
	}

	if err := run(cfg, logger); err != nil {
		logger.WithField("error", err).Fatal("fatal")
	}
}

// loadConfig reads the config file (defaults when it is missing), applies
// flag overrides, validates and builds the logger.
func loadConfig(path string, overrides *config.Overrides) (config.Config, *logrus.Logger, error) {
	cfg, found, err := config.LoadOrDefault(path)
	if err != nil {
		return config.Config{}, nil, err
	}
	overrides.Apply(&cfg)
	if err := cfg.Validate(); err != nil {
		return config.Config{}, nil, fmt.Errorf("invalid config: %w", err)
	}
	logger, err := logging.New(cfg.Logging.Level, os.Stderr)
	if err != nil {
		return config.Config{}, nil, err
	}
	if found {
		logger.WithField("path", path).Info("loaded config")
	} else {
		logger.WithField("path", path).Info("no config file, using defaults")
	}
	return cfg, logger, nil
}

// relayHook is the librespot onevent program: it forwards the event in
// the environment to the daemon's relay socket.
func relayHook(args []string) int {
	fs := pflag.NewFlagSet("relay-hook", pflag.ExitOnError)
	configPath := fs.StringP("config", "c", config.DefaultPath, "config file path")
	socket := fs.String("socket", "", "relay socket (overrides the config file)")
	timeout := fs.Duration("timeout", 2*time.Second, "delivery timeout")
	fs.Parse(args)

	logger := logrus.New()
	logger.SetOutput(os.Stderr)

	path := *socket
	if path == "" {
		cfg, _, err := config.LoadOrDefault(*configPath)
		if err != nil {
			logger.WithField("error", err).Error("load config")
			return 2
		}
		path = cfg.Relay.Socket
	}
	if err := relay.Hook(path, os.Getenv, *timeout, logger); err != nil {
		logger.WithField("error", err).Error("relay hook")
		return 1
	}
	return 0
}

func runSelfTest(cfg config.Config, logger logrus.FieldLogger) error {
	pins := cfg.Buttons.Pins()
	lines := make([]int, 0, len(pins))
	for _, pin := range pins {
		lines = append(lines, pin)
	}
	inputs, err := gpio.OpenInputs(cfg.GPIO.Chip, lines, cfg.Buttons.ActiveLow, nil)
	if err != nil {
		return fmt.Errorf("init gpio: %w", err)
	}
	defer inputs.Close()

	engine, err := button.New(buttonList(pins), buttonConfig(cfg), inputs, clock.Real(), nopCues{}, logger)
	if err != nil {
		return fmt.Errorf("init buttons: %w", err)
	}
	if !engine.SelfTest() {
		return fmt.Errorf("one or more buttons could not be read")
	}
	return nil
}

type nopCues struct{}

func (nopCues) Play(string) {}

func buttonList(pins map[string]int) []button.Button {
	names := []string{button.Play, button.Stop, button.Preset1, button.Preset2, button.Preset3}
	out := make([]button.Button, 0, len(names))
	for _, name := range names {
		out = append(out, button.Button{Name: name, Line: pins[name]})
	}
	return out
}

func buttonConfig(cfg config.Config) button.Config {
	return button.Config{
		Debounce:         cfg.Buttons.Debounce,
		LongPress:        cfg.Buttons.LongPress,
		LongPressButtons: cfg.Buttons.LongPressButtons,
	}
}

func run(cfg config.Config, logger *logrus.Logger) error {
	startTime := time.Now()
	clk := clock.Real()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var workers sync.WaitGroup
	goRun := func(fn func(context.Context)) {
		workers.Add(1)
		go func() {
			defer workers.Done()
			fn(ctx)
		}()
	}

	msgBus := bus.NewBus(bus.Config{
		Capacity:       cfg.Bus.Capacity,
		PublishTimeout: cfg.Bus.PublishTimeout,
	}, logger)

	// Inputs: buttons report edges; the knob lines are polled.
	pins := cfg.Buttons.Pins()
	var engineRef atomic.Pointer[button.Engine]
	buttonLines := make([]int, 0, len(pins))
	for _, pin := range pins {
		buttonLines = append(buttonLines, pin)
	}
	buttonInputs, err := gpio.OpenInputs(cfg.GPIO.Chip, buttonLines, cfg.Buttons.ActiveLow, func(line int) {
		if e := engineRef.Load(); e != nil {
			e.OnEdge(line)
		}
	})
	if err != nil {
		return fmt.Errorf("init button gpio: %w", err)
	}
	defer buttonInputs.Close()

	ledLines := make([]int, 0, len(cfg.LEDs))
	for _, pin := range cfg.LEDs {
		ledLines = append(ledLines, pin)
	}
	ledOutputs, err := gpio.OpenOutputs(cfg.GPIO.Chip, ledLines)
	if err != nil {
		return fmt.Errorf("init led gpio: %w", err)
	}
	ledDriver := leds.New(ledOutputs, cfg.LEDs, clk, logger)
	defer ledDriver.Close()

	// Sound cues.
	spk, err := speaker.New(sound.Format{
		SampleRate:    cfg.Sounds.SampleRate,
		Channels:      cfg.Sounds.Channels,
		BitsPerSample: 16,
	})
	if err != nil {
		return fmt.Errorf("init speaker: %w", err)
	}
	cues := sound.New(spk, logger)
	loaded := cues.Load(cfg.Sounds.Dir, cfg.Sounds.Cues)
	logger.WithFields(logrus.Fields{"dir": cfg.Sounds.Dir, "loaded": loaded}).Info("sound cues loaded")
	goRun(cues.Run)

	engine, err := button.New(buttonList(pins), buttonConfig(cfg), buttonInputs, clk, cues, logger)
	if err != nil {
		return fmt.Errorf("init buttons: %w", err)
	}
	engineRef.Store(engine)

	// Playback.
	mpd := player.New(player.Config{
		Network:  cfg.MPD.Network,
		Address:  cfg.MPD.Address,
		Password: cfg.MPD.Password,
		Timeout:  cfg.MPD.Timeout,
		Presets:  cfg.Presets,
	}, nil, logger)
	if err := mpd.Refresh(); err != nil {
		logger.WithField("error", err).Warn("mpd not reachable, preset classification deferred")
	}

	// Power.
	supply, closeSupply, err := openSupply(cfg.Power, logger)
	if err != nil {
		return err
	}
	defer closeSupply()

	// Watchers.
	usb := media.NewWatcher(cfg.USB.Mountpoint, cfg.USB.Poll, media.StatProbe, msgBus, logger)
	usb.Check()
	goRun(usb.Run)

	wifi := network.NewWatcher(network.TCPProbe(cfg.Network.Probe, cfg.Network.Timeout), cfg.Network.Interval, msgBus, logger)
	goRun(wifi.Run)

	relaySrv := relay.NewServer(cfg.Relay.Socket, msgBus, logger)
	goRun(func(ctx context.Context) {
		if err := relaySrv.Run(ctx); err != nil {
			logger.WithField("error", err).Error("relay server stopped")
		}
	})

	tracker := status.NewTracker(startTime, status.Config{
		Broker:      cfg.MQTT.Broker,
		PortalAddr:  cfg.Portal.Addr,
		Mountpoint:  cfg.USB.Mountpoint,
		DebounceMs:  cfg.Buttons.Debounce.Milliseconds(),
		LongPressMs: cfg.Buttons.LongPress.Milliseconds(),
		StopIdleMs:  cfg.Machine.StopIdle.Milliseconds(),
		HeartbeatMs: cfg.MQTT.Heartbeat.Milliseconds(),
	})
	portalSrv := portal.New(cfg.Portal.Addr, tracker, msgBus, logger)

	// Telemetry.
	var publisher interface {
		telemetry.Publisher
		telemetry.ConnectionStatus
	} = telemetry.Discard{}
	if cfg.MQTT.Broker != "" {
		tcfg := telemetry.DefaultConfig(cfg.MQTT.Broker)
		tcfg.Prefix = cfg.MQTT.TopicPrefix
		if host, err := os.Hostname(); err == nil {
			tcfg.ClientID = "musicbox-" + host
		}
		mqttPub, err := telemetry.NewRealPublisher(tcfg, logger)
		if err != nil {
			return fmt.Errorf("init telemetry: %w", err)
		}
		publisher = mqttPub
	} else {
		logger.Info("no mqtt broker configured, telemetry disabled")
	}
	defer publisher.Close()

	// State machine.
	mcfg := machine.DefaultConfig()
	mcfg.StartupIdle = cfg.Machine.StartupIdle
	mcfg.StopIdle = cfg.Machine.StopIdle
	mcfg.BlockedCueDelay = cfg.Machine.BlockedCueDelay
	applier := power.NewApplier(supply)
	m := machine.New(mcfg, machine.Deps{
		Player:  mpd,
		LEDs:    ledDriver,
		Cues:    cues,
		Portal:  portalSrv,
		Relay:   relaySrv,
		Media:   usb,
		Network: wifi,
		Power:   applier,
	}, clk, logger)
	m.OnTransition(func(c machine.Change) {
		tracker.SetState(c.To.String(), c.From.String(), c.At)
		err := publisher.PublishTransition(telemetry.Transition{
			Timestamp: c.At,
			From:      c.From.String(),
			To:        c.To.String(),
			Outcome:   c.Outcome.String(),
		})
		if err != nil {
			logger.WithField("error", err).Debug("publish transition")
		}
	})

	if err := wireButtons(engine, cfg.Buttons.LongPressButtons, msgBus, clk); err != nil {
		return err
	}

	ccfg := control.DefaultConfig()
	ccfg.VolumeStep = cfg.Knob.Step
	router := control.New(ccfg, m, mpd, portalSrv, ledDriver, logger)
	table := router.Table()

	// Boot before dispatching so messages queued by the watchers are
	// applied on top of StartUp.
	m.Boot()

	dispatchCtx, stopDispatch := context.WithCancel(ctx)
	dispatchDone := make(chan struct{})
	go func() {
		defer close(dispatchDone)
		msgBus.Run(dispatchCtx, table)
	}()

	if cfg.Knob.Enabled {
		knobInputs, err := gpio.OpenInputs(cfg.GPIO.Chip, []int{cfg.Knob.PinA, cfg.Knob.PinB}, cfg.Buttons.ActiveLow, nil)
		if err != nil {
			return fmt.Errorf("init knob gpio: %w", err)
		}
		defer knobInputs.Close()
		kcfg := knob.DefaultConfig(cfg.Knob.PinA, cfg.Knob.PinB)
		kcfg.Poll = cfg.Knob.Poll
		goRun(knob.New(kcfg, knobInputs, clk, msgBus, logger).Run)
	}

	if cfg.Portal.Autostart {
		if err := portalSrv.Start(); err != nil {
			logger.WithField("error", err).Warn("start portal")
		}
	}

	sources := statusSources{
		media:   usb,
		network: wifi,
		relay:   relaySrv,
		buttons: engine,
		bus:     msgBus,
		machine: m,
		portal:  portalSrv,
		power:   applier,
		mqtt:    publisher,
	}
	sources.refresh(tracker)

	snap := tracker.Snapshot()
	startup := telemetry.SystemEvent{
		Timestamp:  snap.Now,
		Event:      telemetry.EventStartup,
		Retained:   true,
		RawPayload: status.FormatStatusEvent(snap, telemetry.EventStartup, ""),
	}
	if err := publisher.PublishSystem(startup); err != nil {
		logger.WithField("error", err).Warn("publish startup event")
	}

	logger.WithFields(logrus.Fields{
		"chip":      cfg.GPIO.Chip,
		"mpd":       cfg.MPD.Address,
		"broker":    cfg.MQTT.Broker,
		"heartbeat": cfg.MQTT.Heartbeat,
		"portal":    cfg.Portal.Addr,
	}).Info("started")

	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	loopErr := runLoop(publisher, publisher, tracker, func() { sources.refresh(tracker) }, cfg.MQTT.Heartbeat, time.Now, ticker.C, sigCh, logger)

	// Stop the dispatch loop, then run the shutdown message through the
	// same table so nothing else is dispatched concurrently.
	stopDispatch()
	<-dispatchDone
	msgBus.Dispatch(table, bus.New(bus.SourceSystem, bus.SystemShutdown, time.Now()))
	router.Settle()
	m.Settle()
	if portalSrv.Active() {
		if err := portalSrv.Stop(); err != nil {
			logger.WithField("error", err).Warn("stop portal")
		}
	}
	msgBus.Close()
	cancel()
	workers.Wait()
	return loopErr
}

// wireButtons publishes every short press as the button's name and every
// long press as name+"Long".
func wireButtons(engine *button.Engine, longButtons []string, pub interface{ Publish(bus.Message) error }, clk clock.Clock) error {
	short := func(name string) error {
		return pub.Publish(bus.New(bus.SourceButton, name, clk.Now()))
	}
	long := func(name string) error {
		return pub.Publish(bus.New(bus.SourceButton, name+button.LongSuffix, clk.Now()))
	}
	for _, name := range []string{button.Play, button.Stop, button.Preset1, button.Preset2, button.Preset3} {
		if err := engine.RegisterShortPress(name, short); err != nil {
			return fmt.Errorf("register %s: %w", name, err)
		}
	}
	for _, name := range longButtons {
		if err := engine.RegisterLongPress(name, long); err != nil {
			return fmt.Errorf("register %s long press: %w", name, err)
		}
	}
	return nil
}

// openSupply returns the PD sink named by cfg, or a stand-in when power
// control is disabled.
func openSupply(cfg config.PowerConfig, logger logrus.FieldLogger) (power.Supply, func(), error) {
	if !cfg.Enabled {
		return &power.FakeSupply{}, func() {}, nil
	}
	nominal, err := power.ParsePDO(cfg.NominalPDO)
	if err != nil {
		return nil, nil, fmt.Errorf("nominal pdo: %w", err)
	}
	highest, err := power.ParsePDO(cfg.MaxPDO)
	if err != nil {
		return nil, nil, fmt.Errorf("max pdo: %w", err)
	}
	sink, err := power.Open(cfg.Bus, cfg.Address, nominal, highest)
	if err != nil {
		return nil, nil, fmt.Errorf("init power: %w", err)
	}
	if volts, amps, err := sink.Status(); err != nil {
		logger.WithField("error", err).Warn("read pd contract")
	} else {
		logger.WithFields(logrus.Fields{"voltage_code": volts, "current_code": amps}).Info("pd contract")
	}
	return sink, func() { sink.Close() }, nil
}
