package sound

import "sync"

// FakeSink records clips instead of playing them.
type FakeSink struct {
	mu     sync.Mutex
	clips  []Clip
	notify chan struct{}

	// Err, when set, is returned by Play.
	Err error
}

// NewFakeSink creates a FakeSink. Every Play sends on Played() without
// blocking.
func NewFakeSink() *FakeSink {
	return &FakeSink{notify: make(chan struct{}, 64)}
}

// Play records clip.
func (f *FakeSink) Play(clip Clip) error {
	f.mu.Lock()
	f.clips = append(f.clips, clip)
	err := f.Err
	f.mu.Unlock()
	select {
	case f.notify <- struct{}{}:
	default:
	}
	return err
}

// Played signals once per Play call.
func (f *FakeSink) Played() <-chan struct{} {
	return f.notify
}

// Clips returns a copy of the recorded clips.
func (f *FakeSink) Clips() []Clip {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Clip, len(f.clips))
	copy(out, f.clips)
	return out
}

// Recorder is a Cues stand-in that records keys. Useful where the
// playback goroutine is not wanted.
type Recorder struct {
	mu   sync.Mutex
	keys []string
}

// Play records key.
func (r *Recorder) Play(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys = append(r.keys, key)
}

// Keys returns a copy of the recorded keys.
func (r *Recorder) Keys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.keys))
	copy(out, r.keys)
	return out
}

// Count returns how many times key was played.
func (r *Recorder) Count(key string) int {
	n := 0
	for _, k := range r.Keys() {
		if k == key {
			n++
		}
	}
	return n
}
