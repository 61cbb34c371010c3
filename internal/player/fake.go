package player

import "sync"

// Fake is an in-memory player for tests and for running without a music
// daemon. It records every command.
type Fake struct {
	mu       sync.Mutex
	calls    []string
	volume   int
	random   bool
	webradio map[string]bool

	// Err, when set, is returned by every command.
	Err error
}

// NewFake creates a Fake at volume 50.
func NewFake() *Fake {
	return &Fake{volume: 50, webradio: make(map[string]bool)}
}

func (f *Fake) record(call string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	return f.Err
}

// Play records a resume.
func (f *Fake) Play() error { return f.record("play") }

// PlayPreset records a preset start.
func (f *Fake) PlayPreset(name string) error { return f.record("preset:" + name) }

// PlayURI records a URI start.
func (f *Fake) PlayURI(uri string) error { return f.record("uri:" + uri) }

// Pause records a pause.
func (f *Fake) Pause() error { return f.record("pause") }

// Stop records a stop.
func (f *Fake) Stop() error { return f.record("stop") }

// Next records a skip.
func (f *Fake) Next() error { return f.record("next") }

// ToggleRandom flips the random flag.
func (f *Fake) ToggleRandom() (bool, error) {
	if err := f.record("random"); err != nil {
		return false, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.random = !f.random
	return f.random, nil
}

// AdjustVolume changes the stored volume.
func (f *Fake) AdjustVolume(delta int) (int, error) {
	if err := f.record("volume"); err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.volume = clamp(f.volume+delta, 0, 100)
	return f.volume, nil
}

// SetWebradio marks preset as a live stream ("" for the loaded queue).
func (f *Fake) SetWebradio(preset string, stream bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.webradio[preset] = stream
}

// IsWebradio returns what SetWebradio stored.
func (f *Fake) IsWebradio(preset string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.webradio[preset]
}

// Calls returns a copy of the recorded commands.
func (f *Fake) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	copy(out, f.calls)
	return out
}

// Count returns how many times call was recorded.
func (f *Fake) Count(call string) int {
	n := 0
	for _, c := range f.Calls() {
		if c == call {
			n++
		}
	}
	return n
}

// Volume returns the stored volume.
func (f *Fake) Volume() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.volume
}
