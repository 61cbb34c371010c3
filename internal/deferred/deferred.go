// Package deferred schedules keyed one-shot callbacks that can be canceled
// individually or in bulk. At most one callback per key is pending at any
// instant, and cancellation is race-safe against in-flight firing.
package deferred

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/sweeney/musicbox/internal/clock"
)

const (
	tokenPending int32 = iota
	tokenFired
	tokenCanceled
)

// token is consumed exactly once, either by firing or by cancellation.
type token struct {
	state atomic.Int32
	timer clock.Timer
}

func (t *token) consume(to int32) bool {
	return t.state.CompareAndSwap(tokenPending, to)
}

// Scheduler owns the key -> pending callback table.
type Scheduler struct {
	clock clock.Clock

	mu      sync.Mutex
	pending map[string]*token
}

// New creates a Scheduler driven by clk.
func New(clk clock.Clock) *Scheduler {
	return &Scheduler{
		clock:   clk,
		pending: make(map[string]*token),
	}
}

// Schedule arranges for fn to run after delay. Any callback already
// pending under key is canceled first.
func (s *Scheduler) Schedule(key string, delay time.Duration, fn func()) {
	tok := &token{}

	s.mu.Lock()
	if old, ok := s.pending[key]; ok {
		old.cancel()
	}
	s.pending[key] = tok
	// Arm while holding the lock so a concurrent Cancel sees the timer.
	tok.timer = s.clock.AfterFunc(delay, func() { s.fire(key, tok, fn) })
	s.mu.Unlock()
}

func (s *Scheduler) fire(key string, tok *token, fn func()) {
	if !tok.consume(tokenFired) {
		return
	}
	s.mu.Lock()
	if s.pending[key] == tok {
		delete(s.pending, key)
	}
	s.mu.Unlock()

	fn()
}

// Cancel cancels the callback pending under key. It reports whether a
// pending callback was canceled; canceling a fired or unknown key is a no-op.
func (s *Scheduler) Cancel(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	tok, ok := s.pending[key]
	if !ok {
		return false
	}
	delete(s.pending, key)
	return tok.cancel()
}

// CancelAll cancels every pending callback and returns how many were
// actually canceled.
func (s *Scheduler) CancelAll() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for key, tok := range s.pending {
		if tok.cancel() {
			n++
		}
		delete(s.pending, key)
	}
	return n
}

// Pending reports whether a callback is pending under key.
func (s *Scheduler) Pending(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pending[key]
	return ok
}

// Len returns the number of pending callbacks.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

func (t *token) cancel() bool {
	if !t.consume(tokenCanceled) {
		return false
	}
	if t.timer != nil {
		t.timer.Stop()
	}
	return true
}
