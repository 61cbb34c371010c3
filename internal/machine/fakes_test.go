package machine

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"github.com/sweeney/musicbox/internal/clock"
	"github.com/sweeney/musicbox/internal/power"
)

type fakePlayer struct {
	mu        sync.Mutex
	calls     []string
	webradio  map[string]bool
	inHandler atomic.Int32
	maxInside atomic.Int32
	hold      time.Duration
	err       error
}

func (p *fakePlayer) record(call string) error {
	n := p.inHandler.Add(1)
	for {
		peak := p.maxInside.Load()
		if n <= peak || p.maxInside.CompareAndSwap(peak, n) {
			break
		}
	}
	if p.hold > 0 {
		time.Sleep(p.hold)
	}
	p.mu.Lock()
	p.calls = append(p.calls, call)
	p.mu.Unlock()
	p.inHandler.Add(-1)
	return p.err
}

func (p *fakePlayer) Play() error                 { return p.record("play") }
func (p *fakePlayer) PlayPreset(name string) error { return p.record("preset:" + name) }
func (p *fakePlayer) PlayURI(uri string) error     { return p.record("uri:" + uri) }
func (p *fakePlayer) Pause() error                 { return p.record("pause") }
func (p *fakePlayer) Stop() error                  { return p.record("stop") }
func (p *fakePlayer) Next() error                  { return p.record("next") }

func (p *fakePlayer) IsWebradio(preset string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.webradio[preset]
}

func (p *fakePlayer) setWebradio(preset string, v bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.webradio == nil {
		p.webradio = make(map[string]bool)
	}
	p.webradio[preset] = v
}

func (p *fakePlayer) Calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.calls))
	copy(out, p.calls)
	return out
}

func (p *fakePlayer) count(call string) int {
	n := 0
	for _, c := range p.Calls() {
		if c == call {
			n++
		}
	}
	return n
}

type fakeLEDs struct {
	mu    sync.Mutex
	on    map[string]bool
	blink map[string]time.Duration
}

func newFakeLEDs() *fakeLEDs {
	return &fakeLEDs{on: map[string]bool{}, blink: map[string]time.Duration{}}
}

func (l *fakeLEDs) TurnOn(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.on[name] = true
}

func (l *fakeLEDs) TurnOff(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.on, name)
	delete(l.blink, name)
}

func (l *fakeLEDs) TurnOffAll() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.on = map[string]bool{}
	l.blink = map[string]time.Duration{}
}

func (l *fakeLEDs) Blink(name string, cycle time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.blink[name] = cycle
}

func (l *fakeLEDs) OneshotOn(name string, d time.Duration) {
	l.TurnOn(name)
}

func (l *fakeLEDs) isOn(name string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.on[name]
}

func (l *fakeLEDs) isBlinking(name string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.blink[name]
	return ok
}

type fakeCues struct {
	mu   sync.Mutex
	keys []string
}

func (c *fakeCues) Play(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keys = append(c.keys, key)
}

func (c *fakeCues) count(key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, k := range c.keys {
		if k == key {
			n++
		}
	}
	return n
}

type fakePortal struct {
	active atomic.Bool
	stops  atomic.Int32
	song   string
}

func (p *fakePortal) Active() bool { return p.active.Load() }

func (p *fakePortal) Stop() error {
	p.stops.Add(1)
	p.active.Store(false)
	return nil
}

func (p *fakePortal) TakeSong() string {
	s := p.song
	p.song = ""
	return s
}

type fakeFlag struct{ v atomic.Bool }

func (f *fakeFlag) ConnectedAndPlaying() bool { return f.v.Load() }
func (f *fakeFlag) Present() bool             { return f.v.Load() }
func (f *fakeFlag) Online() bool              { return f.v.Load() }

type harness struct {
	m       *Machine
	clk     *clock.Manual
	player  *fakePlayer
	leds    *fakeLEDs
	cues    *fakeCues
	portal  *fakePortal
	relay   *fakeFlag
	media   *fakeFlag
	network *fakeFlag
	supply  *power.FakeSupply
	hook    *test.Hook
}

func newHarness() *harness {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	h := &harness{
		clk:     clock.NewManual(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)),
		player:  &fakePlayer{},
		leds:    newFakeLEDs(),
		cues:    &fakeCues{},
		portal:  &fakePortal{},
		relay:   &fakeFlag{},
		media:   &fakeFlag{},
		network: &fakeFlag{},
		supply:  &power.FakeSupply{},
		hook:    hook,
	}
	h.media.v.Store(true)
	h.network.v.Store(true)

	h.m = New(DefaultConfig(), Deps{
		Player:  h.player,
		LEDs:    h.leds,
		Cues:    h.cues,
		Portal:  h.portal,
		Relay:   h.relay,
		Media:   h.media,
		Network: h.network,
		Power:   power.NewApplier(h.supply),
	}, h.clk, logger)
	return h
}

// booted returns a harness that has run StartUp and settled in Idle.
func booted() *harness {
	h := newHarness()
	h.m.Boot()
	h.m.Settle()
	h.clk.Advance(5 * time.Second)
	h.m.Settle()
	return h
}

var errAdapter = errors.New("adapter failed")
