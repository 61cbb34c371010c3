// Package machine owns the device's playback state: the guard pipeline
// applied to every transition request, the per-state handlers that drive
// the adapters, deferred auto-transitions, and the power policy step.
package machine

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sweeney/musicbox/internal/clock"
	"github.com/sweeney/musicbox/internal/deferred"
)

// Deferred transition keys.
const (
	keyIdle       = "idle"
	keyBlockedCue = "blocked-cue"
)

// Config holds the machine's timings.
type Config struct {
	StartupIdle     time.Duration
	StopIdle        time.Duration
	BlockedCueDelay time.Duration
	BlinkCycle      time.Duration
	ErrorBlinkCycle time.Duration
}

// DefaultConfig returns the standard timings.
func DefaultConfig() Config {
	return Config{
		StartupIdle:     5 * time.Second,
		StopIdle:        4 * time.Second,
		BlockedCueDelay: 500 * time.Millisecond,
		BlinkCycle:      time.Second,
		ErrorBlinkCycle: 200 * time.Millisecond,
	}
}

// Change is reported to observers once the handler for a committed state
// has run.
type Change struct {
	From    State
	To      State
	Outcome Outcome
	At      time.Time
}

// Machine is the state machine. Create it with New and call Boot once.
type Machine struct {
	cfg    Config
	deps   Deps
	clock  clock.Clock
	sched  *deferred.Scheduler
	logger logrus.FieldLogger

	// trMu serializes guard evaluation and commit across callers.
	trMu sync.Mutex

	stateMu  sync.RWMutex
	current  State
	previous State

	// gen increments on every commit. Workers started under an older
	// generation are stale.
	gen atomic.Uint64

	// epoch increments on every request that cancels deferred
	// transitions. A deferred transition armed under an older epoch is
	// stale even when it was armed after the cancel.
	epoch atomic.Uint64

	booted bool

	// handlerMu ensures at most one handler body runs at a time.
	handlerMu sync.Mutex
	powerMu   sync.Mutex
	workers   sync.WaitGroup

	obsMu     sync.Mutex
	observers []func(Change)

	outcomes [len(outcomeNames)]atomic.Int64
}

// New creates a Machine in StartUp.
func New(cfg Config, deps Deps, clk clock.Clock, logger logrus.FieldLogger) *Machine {
	return &Machine{
		cfg:     cfg,
		deps:    deps,
		clock:   clk,
		sched:   deferred.New(clk),
		logger:  logger.WithField("component", "machine"),
		current: StartUp,
	}
}

// Boot runs the StartUp handler. Call it once after wiring observers and
// before any producer can request a transition. Boot is a no-op once the
// machine has booted or has left StartUp.
func (m *Machine) Boot() {
	m.trMu.Lock()
	defer m.trMu.Unlock()
	if m.booted || m.Current() != StartUp {
		m.logger.WithField("current", m.Current()).Warn("boot ignored")
		return
	}
	m.booted = true
	epoch := m.epoch.Add(1)
	gen := m.gen.Add(1)
	m.spawn(func() { m.runHandler(gen, epoch, StartUp, StartUp, Committed) })
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	return m.current
}

// Previous returns the state before the last commit.
func (m *Machine) Previous() State {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	return m.previous
}

// OnTransition registers fn to be called after each committed state's
// handler has run. fn runs on a worker goroutine.
func (m *Machine) OnTransition(fn func(Change)) {
	m.obsMu.Lock()
	defer m.obsMu.Unlock()
	m.observers = append(m.observers, fn)
}

// Settle waits until every spawned handler worker has finished.
func (m *Machine) Settle() {
	m.workers.Wait()
}

// Counts returns how many requests ended with each outcome.
func (m *Machine) Counts() map[Outcome]int64 {
	out := make(map[Outcome]int64, len(m.outcomes))
	for i := range m.outcomes {
		if n := m.outcomes[i].Load(); n > 0 {
			out[Outcome(i)] = n
		}
	}
	return out
}

// PendingIdle reports whether an automatic transition to Idle is armed.
func (m *Machine) PendingIdle() bool {
	return m.sched.Pending(keyIdle)
}

// Transition requests target. It never blocks on adapter I/O: handlers
// run on a spawned worker.
func (m *Machine) Transition(target State) Outcome {
	return m.request(target, 0)
}

// request runs the guard pipeline. armedAt is the epoch a deferred
// transition was armed under, or 0 for explicit requests.
func (m *Machine) request(target State, armedAt uint64) Outcome {
	m.trMu.Lock()
	defer m.trMu.Unlock()

	current := m.Current()
	log := m.logger.WithFields(logrus.Fields{"current": current, "requested": target})

	if armedAt != 0 && m.epoch.Load() != armedAt {
		log.Debug("deferred transition superseded")
		return m.count(Superseded)
	}

	if current == Error {
		log.Info("transition ignored: error lockout")
		return m.count(LockedOut)
	}

	epoch := m.epoch.Add(1)
	if n := m.sched.CancelAll(); n > 0 {
		log.WithField("canceled", n).Debug("canceled deferred transitions")
	}

	if target == current && current.IsPlaying() {
		if m.deps.Player.IsWebradio(current.Preset()) {
			log.Info("live stream has no next track")
			return m.count(Swallowed)
		}
		m.spawn(m.advance)
		return m.count(Advanced)
	}

	if target == Play && m.deps.Relay.ConnectedAndPlaying() {
		log.Info("relay session playing, redirecting to SpotifyConnect")
		target = SpotifyConnect
	}

	if target == Stop && m.deps.Portal.Active() {
		log.Info("stop requested while portal active, stopping portal")
		m.spawn(m.stopPortal)
		return m.count(PortalStopped)
	}

	if preset := target.Preset(); preset != "" && m.deps.Player.IsWebradio(preset) && !m.deps.Network.Online() {
		log.Info("transition blocked: live stream preset without connectivity")
		m.sched.Schedule(keyBlockedCue, m.cfg.BlockedCueDelay, func() {
			m.deps.Cues.Play(CueBlocked)
		})
		return m.count(Blocked)
	}

	next, outcome := target, Committed
	if current != StartUp && !m.deps.Media.Present() {
		next = UsbAbsent
		if target != UsbAbsent {
			log.Info("media absent, forcing UsbAbsent")
			outcome = Interlocked
		}
	}

	m.stateMu.Lock()
	m.previous = current
	m.current = next
	m.stateMu.Unlock()
	gen := m.gen.Add(1)

	log.WithField("state", next).Info("transition")
	m.spawn(func() { m.runHandler(gen, epoch, current, next, outcome) })
	return m.count(outcome)
}

func (m *Machine) count(o Outcome) Outcome {
	m.outcomes[o].Add(1)
	return o
}

func (m *Machine) spawn(fn func()) {
	m.workers.Add(1)
	go func() {
		defer m.workers.Done()
		fn()
	}()
}

func (m *Machine) runHandler(gen, epoch uint64, from, to State, outcome Outcome) {
	m.handlerMu.Lock()
	if m.gen.Load() != gen {
		m.handlerMu.Unlock()
		m.logger.WithField("state", to).Debug("handler superseded")
		return
	}
	m.deps.LEDs.TurnOffAll()
	m.handle(epoch, to)
	m.handlerMu.Unlock()

	m.applyPower(gen, to)
	m.notify(Change{From: from, To: to, Outcome: outcome, At: m.clock.Now()})
}

// applyPower runs outside the handler lock. A stale generation skips the
// write so an older worker cannot undo a newer profile.
func (m *Machine) applyPower(gen uint64, s State) {
	m.powerMu.Lock()
	defer m.powerMu.Unlock()
	if m.gen.Load() != gen {
		return
	}
	p := ProfileFor(s)
	wrote, err := m.deps.Power.Apply(p)
	if err != nil {
		m.logger.WithFields(logrus.Fields{"profile": p, "error": err}).Warn("power profile not applied")
		return
	}
	if wrote {
		m.logger.WithField("profile", p).Info("power profile applied")
	}
}

func (m *Machine) notify(c Change) {
	m.obsMu.Lock()
	obs := make([]func(Change), len(m.observers))
	copy(obs, m.observers)
	m.obsMu.Unlock()

	for _, fn := range obs {
		fn(c)
	}
}

func (m *Machine) advance() {
	m.handlerMu.Lock()
	defer m.handlerMu.Unlock()
	if err := m.deps.Player.Next(); err != nil {
		m.adapterFailed("next", err)
		return
	}
	m.deps.Cues.Play(CueNext)
}

func (m *Machine) stopPortal() {
	m.handlerMu.Lock()
	defer m.handlerMu.Unlock()
	if err := m.deps.Portal.Stop(); err != nil {
		m.adapterFailed("stop portal", err)
	}
}

// arm schedules a deferred transition to target, tied to the epoch of the
// commit whose handler armed it.
func (m *Machine) arm(key string, delay time.Duration, epoch uint64, target State) {
	m.sched.Schedule(key, delay, func() {
		m.request(target, epoch)
	})
}

func (m *Machine) adapterFailed(op string, err error) {
	m.logger.WithFields(logrus.Fields{"op": op, "error": err}).Warn("adapter call failed")
}
