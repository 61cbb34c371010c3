// Package button turns raw GPIO edges from the front-panel touch buttons
// into short-press and long-press events. Short presses fire at press time;
// releases only disarm the long-press window.
package button

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sweeney/musicbox/internal/clock"
)

// Button names. They double as the state names of button bus messages.
const (
	Play    = "Play"
	Stop    = "Stop"
	Preset1 = "Preset1"
	Preset2 = "Preset2"
	Preset3 = "Preset3"
)

// LongSuffix is appended to a button name for its long-press message.
const LongSuffix = "Long"

// CueClick is the sound played on every accepted press.
const CueClick = "click"

// Button binds a name to an input line.
type Button struct {
	Name string
	Line int
}

// Config holds the press timings.
type Config struct {
	Debounce         time.Duration
	LongPress        time.Duration
	LongPressButtons []string
}

// DefaultConfig returns the standard timings: 500ms debounce, 6s long
// press on Play and Stop.
func DefaultConfig() Config {
	return Config{
		Debounce:         500 * time.Millisecond,
		LongPress:        6 * time.Second,
		LongPressButtons: []string{Play, Stop},
	}
}

// Levels reads the current logical level of an input line.
type Levels interface {
	Active(line int) (bool, error)
}

// Cues plays feedback sounds without blocking.
type Cues interface {
	Play(key string)
}

// Callback receives the name of the pressed button. A returned error is
// logged; it never reaches the edge source.
type Callback func(name string) error

// Stats counts engine activity since construction.
type Stats struct {
	Accepted         int64
	Dropped          int64
	LongPresses      int64
	CallbackFailures int64
}

// runtime is the per-button press state. Guarded by Engine.mu.
type runtime struct {
	name         string
	line         int
	seen         bool
	lastAccepted time.Time
	pressStart   time.Time
	timer        clock.Timer
	// seq identifies the live long-press timer; a fire with an older seq
	// lost a race with release or a fresh press.
	seq uint64
}

// Engine debounces and classifies presses for a fixed set of buttons.
type Engine struct {
	cfg    Config
	levels Levels
	clock  clock.Clock
	cues   Cues
	logger logrus.FieldLogger

	mu     sync.Mutex
	byLine map[int]*runtime
	byName map[string]*runtime
	longOK map[string]bool

	cbMu  sync.RWMutex
	short map[string][]Callback
	long  map[string][]Callback

	workers sync.WaitGroup

	accepted    atomic.Int64
	dropped     atomic.Int64
	longPresses atomic.Int64
	failures    atomic.Int64
}

// New creates an Engine. Button names and lines must be unique.
func New(buttons []Button, cfg Config, levels Levels, clk clock.Clock, cues Cues, logger logrus.FieldLogger) (*Engine, error) {
	e := &Engine{
		cfg:    cfg,
		levels: levels,
		clock:  clk,
		cues:   cues,
		logger: logger.WithField("component", "button"),
		byLine: make(map[int]*runtime),
		byName: make(map[string]*runtime),
		longOK: make(map[string]bool),
		short:  make(map[string][]Callback),
		long:   make(map[string][]Callback),
	}
	for _, b := range buttons {
		if _, dup := e.byName[b.Name]; dup {
			return nil, fmt.Errorf("duplicate button name %q", b.Name)
		}
		if other, dup := e.byLine[b.Line]; dup {
			return nil, fmt.Errorf("button %q shares line %d with %q", b.Name, b.Line, other.name)
		}
		rt := &runtime{name: b.Name, line: b.Line}
		e.byLine[b.Line] = rt
		e.byName[b.Name] = rt
	}
	for _, name := range cfg.LongPressButtons {
		if _, ok := e.byName[name]; !ok {
			return nil, fmt.Errorf("long press button %q is not configured", name)
		}
		e.longOK[name] = true
	}
	return e, nil
}

// RegisterShortPress adds cb to the callbacks fired when name is pressed.
func (e *Engine) RegisterShortPress(name string, cb Callback) error {
	return e.register(e.short, name, cb)
}

// RegisterLongPress adds cb to the callbacks fired when name is held past
// the long-press duration.
func (e *Engine) RegisterLongPress(name string, cb Callback) error {
	e.mu.Lock()
	ok := e.longOK[name]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("button %q does not support long press", name)
	}
	return e.register(e.long, name, cb)
}

func (e *Engine) register(table map[string][]Callback, name string, cb Callback) error {
	e.mu.Lock()
	_, ok := e.byName[name]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown button %q", name)
	}
	e.cbMu.Lock()
	defer e.cbMu.Unlock()
	table[name] = append(table[name], cb)
	return nil
}

// OnEdge handles a level change on line. It is called from the GPIO
// subsystem's notification goroutine.
func (e *Engine) OnEdge(line int) {
	e.mu.Lock()
	rt, ok := e.byLine[line]
	e.mu.Unlock()
	if !ok {
		e.logger.WithField("line", line).Debug("edge on unknown line")
		return
	}

	pressed, err := e.levels.Active(line)
	if err != nil {
		e.logger.WithFields(logrus.Fields{"button": rt.name, "error": err}).Warn("read button level")
		return
	}

	if !pressed {
		e.mu.Lock()
		e.disarm(rt)
		e.mu.Unlock()
		return
	}

	now := e.clock.Now()

	e.mu.Lock()
	if rt.seen && now.Sub(rt.lastAccepted) < e.cfg.Debounce {
		e.mu.Unlock()
		e.dropped.Add(1)
		e.logger.WithField("button", rt.name).Debug("edge debounced")
		return
	}
	rt.seen = true
	rt.lastAccepted = now
	rt.pressStart = now
	e.disarm(rt)
	seq := rt.seq
	rt.timer = e.clock.AfterFunc(e.cfg.LongPress, func() { e.onLongPressTimeout(rt, seq) })
	e.mu.Unlock()

	e.accepted.Add(1)
	e.cues.Play(CueClick)
	e.fire(e.short, rt.name, "short")
}

// disarm cancels the live long-press timer. Called with e.mu held.
func (e *Engine) disarm(rt *runtime) {
	rt.seq++
	if rt.timer != nil {
		rt.timer.Stop()
		rt.timer = nil
	}
}

func (e *Engine) onLongPressTimeout(rt *runtime, seq uint64) {
	e.mu.Lock()
	if rt.seq != seq {
		e.mu.Unlock()
		return
	}
	rt.timer = nil
	held := e.clock.Now().Sub(rt.pressStart)
	longOK := e.longOK[rt.name]
	e.mu.Unlock()

	pressed, err := e.levels.Active(rt.line)
	if err != nil {
		e.logger.WithFields(logrus.Fields{"button": rt.name, "error": err}).Warn("read button level")
		return
	}
	if !pressed {
		// Release raced the timer.
		return
	}
	if !longOK {
		return
	}

	e.longPresses.Add(1)
	e.logger.WithFields(logrus.Fields{"button": rt.name, "held": held}).Info("long press")

	// Keep subscribers off the timer goroutine.
	e.workers.Add(1)
	go func() {
		defer e.workers.Done()
		e.fire(e.long, rt.name, "long")
	}()
}

func (e *Engine) fire(table map[string][]Callback, name, kind string) {
	e.cbMu.RLock()
	cbs := append([]Callback(nil), table[name]...)
	e.cbMu.RUnlock()

	for _, cb := range cbs {
		if err := e.invoke(cb, name); err != nil {
			e.failures.Add(1)
			e.logger.WithFields(logrus.Fields{
				"button": name,
				"press":  kind,
				"error":  err,
			}).Warn("press callback failed")
		}
	}
}

// invoke runs cb, converting a panic into an error.
func (e *Engine) invoke(cb Callback, name string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("callback panic: %v", r)
		}
	}()
	return cb(name)
}

// SelfTest reads every button once and reports whether all reads returned
// a valid level.
func (e *Engine) SelfTest() bool {
	e.mu.Lock()
	rts := make([]*runtime, 0, len(e.byName))
	for _, rt := range e.byName {
		rts = append(rts, rt)
	}
	e.mu.Unlock()

	ok := true
	for _, rt := range rts {
		pressed, err := e.levels.Active(rt.line)
		log := e.logger.WithFields(logrus.Fields{"button": rt.name, "line": rt.line})
		if err != nil {
			log.WithField("error", err).Error("selftest read failed")
			ok = false
			continue
		}
		if pressed {
			log.Warn("selftest: button reads pressed")
		} else {
			log.Debug("selftest ok")
		}
	}
	return ok
}

// Settle waits for in-flight long-press callbacks.
func (e *Engine) Settle() {
	e.workers.Wait()
}

// Stats returns a snapshot of the engine counters.
func (e *Engine) Stats() Stats {
	return Stats{
		Accepted:         e.accepted.Load(),
		Dropped:          e.dropped.Load(),
		LongPresses:      e.longPresses.Load(),
		CallbackFailures: e.failures.Load(),
	}
}
