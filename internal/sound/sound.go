// Package sound plays short feedback cues (click, startup, error ...).
// Play never blocks the caller: cues are queued to a single playback
// goroutine and dropped when the queue is full.
package sound

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// Sink renders PCM audio, blocking until the clip finished.
type Sink interface {
	Play(clip Clip) error
}

// DefaultQueue is the number of cues that may wait for playback.
const DefaultQueue = 8

// Cues maps cue keys to loaded clips and plays them in order.
type Cues struct {
	sink   Sink
	logger logrus.FieldLogger
	queue  chan string

	mu    sync.RWMutex
	clips map[string]Clip

	played  atomic.Int64
	dropped atomic.Int64
}

// New creates Cues playing through sink.
func New(sink Sink, logger logrus.FieldLogger) *Cues {
	return &Cues{
		sink:   sink,
		logger: logger.WithField("component", "sound"),
		queue:  make(chan string, DefaultQueue),
		clips:  make(map[string]Clip),
	}
}

// Add registers clip under key.
func (c *Cues) Add(key string, clip Clip) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clips[key] = clip
}

// Load reads key -> file (relative to dir) WAV cues. Files that fail to
// load are logged and skipped; the number loaded is returned.
func (c *Cues) Load(dir string, files map[string]string) int {
	n := 0
	for key, name := range files {
		path := name
		if !filepath.IsAbs(path) {
			path = filepath.Join(dir, name)
		}
		clip, err := loadFile(path)
		if err != nil {
			c.logger.WithFields(logrus.Fields{"cue": key, "error": err}).Warn("load cue")
			continue
		}
		c.Add(key, clip)
		n++
	}
	return n
}

func loadFile(path string) (Clip, error) {
	f, err := os.Open(path)
	if err != nil {
		return Clip{}, fmt.Errorf("open cue: %w", err)
	}
	defer f.Close()
	clip, err := DecodeWAV(f)
	if err != nil {
		return Clip{}, fmt.Errorf("decode %s: %w", path, err)
	}
	return clip, nil
}

// Has reports whether key is loaded.
func (c *Cues) Has(key string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.clips[key]
	return ok
}

// Play queues key for playback and returns immediately.
func (c *Cues) Play(key string) {
	if !c.Has(key) {
		c.logger.WithField("cue", key).Debug("cue not loaded")
		return
	}
	select {
	case c.queue <- key:
	default:
		c.dropped.Add(1)
		c.logger.WithField("cue", key).Debug("cue queue full, dropping")
	}
}

// Run plays queued cues until ctx is done.
func (c *Cues) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case key := <-c.queue:
			c.mu.RLock()
			clip := c.clips[key]
			c.mu.RUnlock()
			if err := c.sink.Play(clip); err != nil {
				c.logger.WithFields(logrus.Fields{"cue": key, "error": err}).Warn("play cue")
				continue
			}
			c.played.Add(1)
		}
	}
}

// Played returns how many cues finished playing.
func (c *Cues) Played() int64 {
	return c.played.Load()
}

// Dropped returns how many cues were dropped on a full queue.
func (c *Cues) Dropped() int64 {
	return c.dropped.Load()
}
