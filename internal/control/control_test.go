package control

import (
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"

	"github.com/sweeney/musicbox/internal/bus"
	"github.com/sweeney/musicbox/internal/machine"
)

type fakeMachine struct {
	mu       sync.Mutex
	current  machine.State
	requests []machine.State
}

func (m *fakeMachine) Transition(s machine.State) machine.Outcome {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, s)
	m.current = s
	return machine.Committed
}

func (m *fakeMachine) Current() machine.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

func (m *fakeMachine) Requests() []machine.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]machine.State(nil), m.requests...)
}

type fakePlayer struct {
	mu     sync.Mutex
	volume int
	random bool
	stops  int
}

func (p *fakePlayer) ToggleRandom() (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.random = !p.random
	return p.random, nil
}

func (p *fakePlayer) AdjustVolume(delta int) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.volume += delta
	return p.volume, nil
}

func (p *fakePlayer) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stops++
	return nil
}

type fakePortal struct {
	mu     sync.Mutex
	active bool
	starts int
	stops  int
}

func (p *fakePortal) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.active = true
	p.starts++
	return nil
}

func (p *fakePortal) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.active = false
	p.stops++
	return nil
}

func (p *fakePortal) Active() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

type fakeLEDs struct {
	mu  sync.Mutex
	ops []string
}

func (l *fakeLEDs) add(op string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ops = append(l.ops, op)
}

func (l *fakeLEDs) TurnOff(name string)                    { l.add("off:" + name) }
func (l *fakeLEDs) TurnOffAll()                            { l.add("off:all") }
func (l *fakeLEDs) Blink(name string, cycle time.Duration) { l.add("blink:" + name) }
func (l *fakeLEDs) OneshotOn(name string, d time.Duration) { l.add("oneshot:" + name) }

func (l *fakeLEDs) last() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.ops) == 0 {
		return ""
	}
	return l.ops[len(l.ops)-1]
}

type fixture struct {
	r      *Router
	table  bus.Table
	bus    *bus.Bus
	m      *fakeMachine
	player *fakePlayer
	portal *fakePortal
	leds   *fakeLEDs
}

func newFixture(current machine.State) *fixture {
	logger, _ := test.NewNullLogger()
	f := &fixture{
		m:      &fakeMachine{current: current},
		player: &fakePlayer{volume: 50},
		portal: &fakePortal{},
		leds:   &fakeLEDs{},
	}
	f.r = New(DefaultConfig(), f.m, f.player, f.portal, f.leds, logger)
	f.table = f.r.Table()
	f.bus = bus.NewBus(bus.Config{}, logger)
	return f
}

func (f *fixture) dispatch(msg bus.Message) {
	f.bus.Dispatch(f.table, msg)
	f.r.Settle()
}

func TestButtonsRequestTransitions(t *testing.T) {
	cases := map[string]machine.State{
		"Play":    machine.Play,
		"Stop":    machine.Stop,
		"Preset1": machine.Preset1,
		"Preset2": machine.Preset2,
		"Preset3": machine.Preset3,
	}
	for name, want := range cases {
		f := newFixture(machine.Idle)
		f.dispatch(bus.New(bus.SourceButton, name))
		got := f.m.Requests()
		if len(got) != 1 || got[0] != want {
			t.Errorf("%s: got %v, want [%s]", name, got, want)
		}
	}
}

func TestStopLongTogglesPortal(t *testing.T) {
	f := newFixture(machine.Idle)

	f.dispatch(bus.New(bus.SourceButton, "StopLong"))
	if !f.portal.Active() {
		t.Fatal("portal should be active after StopLong")
	}
	f.dispatch(bus.New(bus.SourceButton, "StopLong"))
	if f.portal.Active() {
		t.Error("second StopLong should stop the portal")
	}
	if len(f.m.Requests()) != 0 {
		t.Error("StopLong should not request a transition")
	}
}

func TestPlayLongTogglesRandom(t *testing.T) {
	f := newFixture(machine.Play)
	f.dispatch(bus.New(bus.SourceButton, "PlayLong"))
	if !f.player.random {
		t.Error("random mode should be on")
	}
}

func TestVolumeSteps(t *testing.T) {
	f := newFixture(machine.Play)

	f.dispatch(bus.New(bus.SourceVolume, bus.VolumeUp, 3))
	if f.player.volume != 56 {
		t.Errorf("volume after up 3: got %d, want 56", f.player.volume)
	}
	f.dispatch(bus.New(bus.SourceVolume, bus.VolumeDown))
	if f.player.volume != 54 {
		t.Errorf("volume after down: got %d, want 54", f.player.volume)
	}
}

func TestUSBMountedOnlyLeavesUsbAbsent(t *testing.T) {
	f := newFixture(machine.Play)
	f.dispatch(bus.New(bus.SourceUSB, bus.USBMounted))
	if len(f.m.Requests()) != 0 {
		t.Errorf("Mounted in Play: got %v", f.m.Requests())
	}

	f = newFixture(machine.UsbAbsent)
	f.dispatch(bus.New(bus.SourceUSB, bus.USBMounted))
	if got := f.m.Requests(); len(got) != 1 || got[0] != machine.Idle {
		t.Errorf("Mounted in UsbAbsent: got %v, want [Idle]", got)
	}
}

func TestUSBUnmountedAndUnreadable(t *testing.T) {
	f := newFixture(machine.Play)
	f.dispatch(bus.New(bus.SourceUSB, bus.USBUnmounted))
	f.dispatch(bus.Failure(bus.SourceUSB, bus.USBUnreadable))

	got := f.m.Requests()
	if len(got) != 2 || got[0] != machine.UsbAbsent || got[1] != machine.Error {
		t.Errorf("got %v, want [UsbAbsent Error]", got)
	}
}

func TestWiFiAndPortalLEDs(t *testing.T) {
	f := newFixture(machine.Idle)

	f.dispatch(bus.New(bus.SourceWiFi, bus.WiFiOnline))
	if f.leds.last() != "oneshot:wifi" {
		t.Errorf("Online: got %q", f.leds.last())
	}
	f.dispatch(bus.New(bus.SourceWebPortal, bus.PortalStarted))
	if f.leds.last() != "blink:wifi" {
		t.Errorf("Started: got %q", f.leds.last())
	}
	f.dispatch(bus.New(bus.SourceWebPortal, bus.PortalStopped))
	if f.leds.last() != "off:wifi" {
		t.Errorf("Stopped: got %q", f.leds.last())
	}
}

func TestPortalPlaySong(t *testing.T) {
	f := newFixture(machine.Idle)
	f.dispatch(bus.New(bus.SourceWebPortal, bus.PortalPlaySong))
	if got := f.m.Requests(); len(got) != 1 || got[0] != machine.PlaySongFromWeb {
		t.Errorf("got %v", got)
	}
}

func TestRelayMessages(t *testing.T) {
	f := newFixture(machine.Play)
	f.dispatch(bus.New(bus.SourceRelay, bus.RelayConnected))
	f.dispatch(bus.New(bus.SourceRelay, bus.RelayPaused))
	if len(f.m.Requests()) != 0 {
		t.Fatalf("relay pause outside SpotifyConnect: got %v", f.m.Requests())
	}

	f.dispatch(bus.New(bus.SourceRelay, bus.RelayPlaying))
	f.dispatch(bus.New(bus.SourceRelay, bus.RelayDisconnected))
	got := f.m.Requests()
	if len(got) != 2 || got[0] != machine.SpotifyConnect || got[1] != machine.Idle {
		t.Errorf("got %v, want [SpotifyConnect Idle]", got)
	}
}

func TestSystemShutdown(t *testing.T) {
	f := newFixture(machine.Play)
	f.dispatch(bus.New(bus.SourceSystem, bus.SystemShutdown))
	if f.player.stops != 1 {
		t.Errorf("stops: got %d, want 1", f.player.stops)
	}
	if f.leds.last() != "off:all" {
		t.Errorf("LEDs: got %q", f.leds.last())
	}
}

func TestUnknownButtonIsUnmatched(t *testing.T) {
	f := newFixture(machine.Idle)
	f.dispatch(bus.New(bus.SourceButton, "Preset3Long"))
	if s := f.bus.Stats(); s.Unmatched != 1 {
		t.Errorf("Unmatched: got %d, want 1", s.Unmatched)
	}
}
