package internal

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"

	"github.com/sweeney/musicbox/internal/bus"
	"github.com/sweeney/musicbox/internal/button"
	"github.com/sweeney/musicbox/internal/clock"
	"github.com/sweeney/musicbox/internal/control"
	"github.com/sweeney/musicbox/internal/gpio"
	"github.com/sweeney/musicbox/internal/leds"
	"github.com/sweeney/musicbox/internal/machine"
	"github.com/sweeney/musicbox/internal/media"
	"github.com/sweeney/musicbox/internal/network"
	"github.com/sweeney/musicbox/internal/player"
	"github.com/sweeney/musicbox/internal/portal"
	"github.com/sweeney/musicbox/internal/power"
	"github.com/sweeney/musicbox/internal/relay"
	"github.com/sweeney/musicbox/internal/sound"
	"github.com/sweeney/musicbox/internal/status"
	"github.com/sweeney/musicbox/internal/telemetry"
)

const (
	pinPlay    = 17
	pinStop    = 27
	pinPreset1 = 22
	pinPreset2 = 23
	pinPreset3 = 24
)

// box wires the real bus, router, machine and button engine to in-memory
// devices.
type box struct {
	t       *testing.T
	clk     *clock.Manual
	bus     *bus.Bus
	inputs  *gpio.FakeInputs
	engine  *button.Engine
	machine *machine.Machine
	router  *control.Router
	player  *player.Fake
	leds    *leds.Driver
	cues    *sound.Recorder
	supply  *power.FakeSupply
	usb     *media.Watcher
	wifi    *network.Watcher
	relay   *relay.Server
	portal  *portal.Server
	tracker *status.Tracker
	telem   *telemetry.FakePublisher

	usbStatus atomic.Int32
	online    atomic.Bool

	cancel context.CancelFunc
	done   chan struct{}
}

func newBox(t *testing.T) *box {
	t.Helper()
	return newBoxWithMedia(t, media.Mounted)
}

// newBoxWithMedia boots a box whose mountpoint initially reports usb.
func newBoxWithMedia(t *testing.T, usb media.Status) *box {
	t.Helper()
	logger, _ := test.NewNullLogger()

	b := &box{
		t:       t,
		clk:     clock.NewManual(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)),
		player:  player.NewFake(),
		cues:    &sound.Recorder{},
		supply:  &power.FakeSupply{},
		tracker: status.NewTracker(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC), status.Config{}),
		telem:   telemetry.NewFakePublisher(),
		done:    make(chan struct{}),
	}
	b.usbStatus.Store(int32(usb))
	b.online.Store(true)

	b.bus = bus.NewBus(bus.Config{}, logger)
	b.leds = leds.New(gpio.NewFakeOutputs(), map[string]int{
		machine.LEDPlay:    5,
		machine.LEDStop:    6,
		machine.LEDPreset1: 13,
		machine.LEDPreset2: 19,
		machine.LEDPreset3: 26,
		machine.LEDWiFi:    12,
		machine.LEDSpotify: 16,
	}, b.clk, logger)

	b.usb = media.NewWatcher("/media/usb", time.Second, func(string) media.Status {
		return media.Status(b.usbStatus.Load())
	}, b.bus, logger)
	b.usb.Check()
	b.wifi = network.NewWatcher(func(context.Context) error {
		if b.online.Load() {
			return nil
		}
		return context.DeadlineExceeded
	}, time.Second, b.bus, logger)
	b.wifi.Check(context.Background())
	b.relay = relay.NewServer("", b.bus, logger)
	b.portal = portal.New("127.0.0.1:0", b.tracker, b.bus, logger)

	b.machine = machine.New(machine.DefaultConfig(), machine.Deps{
		Player:  b.player,
		LEDs:    b.leds,
		Cues:    b.cues,
		Portal:  b.portal,
		Relay:   b.relay,
		Media:   b.usb,
		Network: b.wifi,
		Power:   power.NewApplier(b.supply),
	}, b.clk, logger)
	b.machine.OnTransition(func(c machine.Change) {
		b.tracker.SetState(c.To.String(), c.From.String(), c.At)
		b.telem.PublishTransition(telemetry.Transition{
			Timestamp: c.At,
			From:      c.From.String(),
			To:        c.To.String(),
			Outcome:   c.Outcome.String(),
		})
	})

	b.inputs = gpio.NewFakeInputs([]int{pinPlay, pinStop, pinPreset1, pinPreset2, pinPreset3}, nil)
	engine, err := button.New([]button.Button{
		{Name: button.Play, Line: pinPlay},
		{Name: button.Stop, Line: pinStop},
		{Name: button.Preset1, Line: pinPreset1},
		{Name: button.Preset2, Line: pinPreset2},
		{Name: button.Preset3, Line: pinPreset3},
	}, button.DefaultConfig(), b.inputs, b.clk, b.cues, logger)
	if err != nil {
		t.Fatalf("button.New: %v", err)
	}
	b.engine = engine
	b.inputs.SetHandler(engine.OnEdge)
	for _, name := range []string{button.Play, button.Stop, button.Preset1, button.Preset2, button.Preset3} {
		engine.RegisterShortPress(name, func(n string) error {
			return b.bus.Publish(bus.New(bus.SourceButton, n, b.clk.Now()))
		})
	}
	for _, name := range []string{button.Play, button.Stop} {
		engine.RegisterLongPress(name, func(n string) error {
			return b.bus.Publish(bus.New(bus.SourceButton, n+button.LongSuffix, b.clk.Now()))
		})
	}

	b.router = control.New(control.DefaultConfig(), b.machine, b.player, b.portal, b.leds, logger)

	b.machine.Boot()

	ctx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	go func() {
		defer close(b.done)
		b.bus.Run(ctx, b.router.Table())
	}()
	t.Cleanup(b.close)
	b.settle()
	return b
}

func (b *box) close() {
	b.cancel()
	<-b.done
	b.portal.Stop()
	b.engine.Settle()
	b.router.Settle()
	b.machine.Settle()
}

// settle waits until the bus is empty and every worker has finished.
func (b *box) settle() {
	b.t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		b.engine.Settle()
		b.router.Settle()
		b.machine.Settle()
		stats := b.bus.Stats()
		if b.bus.Len() == 0 && stats.Delivered+stats.Unmatched == stats.Published {
			b.machine.Settle()
			return
		}
		if time.Now().After(deadline) {
			b.t.Fatalf("bus did not drain: %+v", stats)
		}
		time.Sleep(time.Millisecond)
	}
}

func (b *box) tap(pin int) {
	b.inputs.Press(pin)
	b.inputs.Release(pin)
	b.settle()
	// Step past the debounce window so the next press counts.
	b.clk.Advance(600 * time.Millisecond)
	b.settle()
}

func (b *box) expectState(want machine.State) {
	b.t.Helper()
	if got := b.machine.Current(); got != want {
		b.t.Fatalf("state: got %s, want %s", got, want)
	}
}

func TestIntegrationBootAndPlay(t *testing.T) {
	b := newBox(t)
	b.expectState(machine.StartUp)
	if b.cues.Count(machine.CueStartup) != 1 {
		t.Errorf("startup cue: got %d, want 1", b.cues.Count(machine.CueStartup))
	}

	b.clk.Advance(5 * time.Second)
	b.settle()
	b.expectState(machine.Idle)

	b.tap(pinPlay)
	b.expectState(machine.Play)
	if b.player.Count("play") != 1 {
		t.Errorf("play calls: got %d, want 1", b.player.Count("play"))
	}
	if b.leds.Mode(machine.LEDPlay) != leds.On {
		t.Errorf("play LED: got %s, want on", b.leds.Mode(machine.LEDPlay))
	}
	if calls := b.supply.Calls(); len(calls) == 0 || calls[len(calls)-1] != power.Max {
		t.Errorf("power profile: got %v, want last Max", calls)
	}

	// Second Play press skips to the next track.
	b.tap(pinPlay)
	b.expectState(machine.Play)
	if b.player.Count("next") != 1 {
		t.Errorf("next calls: got %d, want 1", b.player.Count("next"))
	}

	b.tap(pinStop)
	b.expectState(machine.Stop)
	b.clk.Advance(4 * time.Second)
	b.settle()
	b.expectState(machine.Idle)
	if calls := b.supply.Calls(); calls[len(calls)-1] != power.Nominal {
		t.Errorf("power profile after stop: got %v, want last Nominal", calls)
	}

	snap := b.tracker.Snapshot()
	if snap.State != "Idle" || snap.Previous != "Stop" {
		t.Errorf("tracker: got %s after %s", snap.State, snap.Previous)
	}
	var got []string
	for _, tr := range b.telem.Transitions {
		got = append(got, tr.To)
	}
	want := "StartUp Idle Play Stop Idle"
	if strings.Join(got, " ") != want {
		t.Errorf("telemetry transitions: got %v, want %s", got, want)
	}
}

func TestIntegrationUSBRemoval(t *testing.T) {
	b := newBox(t)
	b.clk.Advance(5 * time.Second)
	b.settle()

	b.tap(pinPreset1)
	b.expectState(machine.Preset1)

	b.usbStatus.Store(int32(media.Absent))
	b.usb.Check()
	b.settle()
	b.expectState(machine.UsbAbsent)
	if b.cues.Count(machine.CueUSBAbsent) != 1 {
		t.Errorf("usb absent cue: got %d", b.cues.Count(machine.CueUSBAbsent))
	}

	// Buttons cannot leave UsbAbsent while the media is gone.
	b.tap(pinPlay)
	b.expectState(machine.UsbAbsent)
	if n := b.machine.Counts()[machine.Interlocked]; n != 1 {
		t.Errorf("interlocked: got %d, want 1", n)
	}

	b.usbStatus.Store(int32(media.Mounted))
	b.usb.Check()
	b.settle()
	b.expectState(machine.Idle)
}

func TestIntegrationBootWithoutMedia(t *testing.T) {
	b := newBoxWithMedia(t, media.Absent)
	b.expectState(machine.UsbAbsent)
	if b.cues.Count(machine.CueUSBAbsent) != 1 {
		t.Errorf("usb absent cue: got %d, want 1", b.cues.Count(machine.CueUSBAbsent))
	}
	if b.player.Count("stop") == 0 {
		t.Error("playback not stopped")
	}
	if b.leds.Mode(machine.LEDStop) != leds.Blinking {
		t.Errorf("stop LED: got %s, want blink", b.leds.Mode(machine.LEDStop))
	}

	// Any Idle timer armed by StartUp must not move the box.
	b.clk.Advance(5 * time.Second)
	b.settle()
	b.expectState(machine.UsbAbsent)
	if n := b.machine.Counts()[machine.Interlocked]; n != 0 {
		t.Errorf("interlocked: got %d, want 0", n)
	}

	b.usbStatus.Store(int32(media.Mounted))
	b.usb.Check()
	b.settle()
	b.expectState(machine.Idle)
}

func TestIntegrationRelaySession(t *testing.T) {
	b := newBox(t)
	b.clk.Advance(5 * time.Second)
	b.settle()

	if err := b.relay.Handle(relay.Event{Type: relay.EventSessionConnected, User: "alice"}); err != nil {
		t.Fatal(err)
	}
	if err := b.relay.Handle(relay.Event{Type: relay.EventPlaying}); err != nil {
		t.Fatal(err)
	}
	b.settle()
	b.expectState(machine.SpotifyConnect)
	if b.leds.Mode(machine.LEDSpotify) != leds.On {
		t.Errorf("spotify LED: got %s", b.leds.Mode(machine.LEDSpotify))
	}

	// While the relay plays, Play redirects to SpotifyConnect.
	b.tap(pinPlay)
	b.expectState(machine.SpotifyConnect)

	if err := b.relay.Handle(relay.Event{Type: relay.EventStopped}); err != nil {
		t.Fatal(err)
	}
	b.settle()
	b.expectState(machine.Idle)
}

func TestIntegrationPortalSong(t *testing.T) {
	b := newBox(t)
	b.clk.Advance(5 * time.Second)
	b.settle()

	srv := httptest.NewServer(b.portal.Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/play", "application/json", strings.NewReader(`{"uri":"http://radio.example/stream"}`))
	if err != nil {
		t.Fatalf("POST /play: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status: got %d, want 202", resp.StatusCode)
	}
	b.settle()

	b.expectState(machine.PlaySongFromWeb)
	if b.player.Count("uri:http://radio.example/stream") != 1 {
		t.Errorf("player calls: %v", b.player.Calls())
	}
}

func TestIntegrationLongPressTogglesPortal(t *testing.T) {
	b := newBox(t)
	b.clk.Advance(5 * time.Second)
	b.settle()

	b.inputs.Press(pinStop)
	b.settle()
	// Stop's own idle timer fires first, then the long press.
	b.clk.Advance(4 * time.Second)
	b.settle()
	b.expectState(machine.Idle)
	b.clk.Advance(2 * time.Second)
	b.settle()
	b.inputs.Release(pinStop)
	b.settle()

	if !b.portal.Active() {
		t.Fatal("portal should be active after a long Stop press")
	}
	if b.leds.Mode(machine.LEDWiFi) != leds.Blinking {
		t.Errorf("wifi LED: got %s, want blink", b.leds.Mode(machine.LEDWiFi))
	}

	// A short Stop while the portal runs stops the portal instead.
	b.clk.Advance(time.Second)
	b.tap(pinStop)
	if b.portal.Active() {
		t.Error("Stop should have stopped the portal")
	}
}

func TestIntegrationConcurrentPresses(t *testing.T) {
	b := newBox(t)
	b.clk.Advance(5 * time.Second)
	b.settle()

	var wg sync.WaitGroup
	for _, pin := range []int{pinPreset1, pinPreset2, pinPreset3} {
		wg.Add(1)
		go func(pin int) {
			defer wg.Done()
			b.inputs.Press(pin)
		}(pin)
	}
	wg.Wait()
	b.settle()

	switch s := b.machine.Current(); s {
	case machine.Preset1, machine.Preset2, machine.Preset3:
	default:
		t.Fatalf("state: got %s, want a preset", s)
	}
	if n := b.machine.Counts()[machine.Committed]; n < 4 {
		t.Errorf("committed: got %d, want at least 4", n)
	}
}
