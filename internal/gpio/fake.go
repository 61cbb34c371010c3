package gpio

import (
	"fmt"
	"sync"
)

// FakeInputs is a test double holding settable line levels. Edges are
// delivered to the handler by Press and Release.
type FakeInputs struct {
	mu      sync.Mutex
	levels  map[int]bool
	handler EdgeHandler

	// Closed tracks if Close was called
	Closed bool

	// ReadError, if set, will be returned by Active()
	ReadError error
}

// NewFakeInputs creates FakeInputs for lines, all inactive.
func NewFakeInputs(lines []int, handler EdgeHandler) *FakeInputs {
	f := &FakeInputs{levels: make(map[int]bool), handler: handler}
	for _, l := range lines {
		f.levels[l] = false
	}
	return f
}

// SetHandler replaces the edge handler.
func (f *FakeInputs) SetHandler(h EdgeHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = h
}

// Set changes a line's level without delivering an edge.
func (f *FakeInputs) Set(line int, active bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.levels[line] = active
}

// Press sets line active and delivers an edge.
func (f *FakeInputs) Press(line int) {
	f.edge(line, true)
}

// Release sets line inactive and delivers an edge.
func (f *FakeInputs) Release(line int) {
	f.edge(line, false)
}

func (f *FakeInputs) edge(line int, active bool) {
	f.mu.Lock()
	f.levels[line] = active
	h := f.handler
	f.mu.Unlock()
	if h != nil {
		h(line)
	}
}

// Active returns the stored level.
func (f *FakeInputs) Active(line int) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ReadError != nil {
		return false, f.ReadError
	}
	v, ok := f.levels[line]
	if !ok {
		return false, fmt.Errorf("pin %d not requested", line)
	}
	return v, nil
}

// Close marks the inputs as closed.
func (f *FakeInputs) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Closed = true
	return nil
}

// FakeOutputs records output levels.
type FakeOutputs struct {
	mu     sync.Mutex
	levels map[int]bool
	writes int

	// Closed tracks if Close was called
	Closed bool

	// SetError, if set, will be returned by Set()
	SetError error
}

// NewFakeOutputs creates FakeOutputs; every line starts low.
func NewFakeOutputs() *FakeOutputs {
	return &FakeOutputs{levels: make(map[int]bool)}
}

// Set records the level of line.
func (f *FakeOutputs) Set(line int, on bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SetError != nil {
		return f.SetError
	}
	f.levels[line] = on
	f.writes++
	return nil
}

// Level returns the last level written to line.
func (f *FakeOutputs) Level(line int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.levels[line]
}

// Writes returns the number of successful Set calls.
func (f *FakeOutputs) Writes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writes
}

// Close marks the outputs as closed.
func (f *FakeOutputs) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Closed = true
	return nil
}
