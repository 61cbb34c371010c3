// Package player drives the music daemon (MPD). Every command dials a
// short-lived connection, so a restarted daemon never leaves a stale
// client behind.
package player

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fhs/gompd/v2/mpd"
	"github.com/sirupsen/logrus"
)

var (
	// ErrNoPreset is returned for a preset with no playlist configured.
	ErrNoPreset = errors.New("no playlist for preset")
	// ErrTimeout is returned when MPD does not answer in time.
	ErrTimeout = errors.New("mpd timeout")
)

// Conn is the subset of the MPD protocol the player uses.
// *mpd.Client satisfies it.
type Conn interface {
	Play(pos int) error
	Pause(pause bool) error
	Stop() error
	Next() error
	Clear() error
	Add(uri string) error
	PlaylistLoad(name string, start, end int) error
	PlaylistContents(name string) ([]mpd.Attrs, error)
	PlaylistInfo(start, end int) ([]mpd.Attrs, error)
	Status() (mpd.Attrs, error)
	SetVolume(volume int) error
	Random(random bool) error
	Close() error
}

// Dialer opens a Conn.
type Dialer func(network, addr, password string) (Conn, error)

// Dial connects to MPD, authenticating when password is set.
func Dial(network, addr, password string) (Conn, error) {
	var (
		c   *mpd.Client
		err error
	)
	if password != "" {
		c, err = mpd.DialAuthenticated(network, addr, password)
	} else {
		c, err = mpd.Dial(network, addr)
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Config locates the daemon and maps presets to stored playlists.
type Config struct {
	Network  string
	Address  string
	Password string
	Timeout  time.Duration
	// Presets maps "preset1".."preset3" to MPD playlist names.
	Presets map[string]string
}

// Client is the playback adapter.
type Client struct {
	cfg    Config
	dial   Dialer
	logger logrus.FieldLogger

	mu       sync.Mutex
	webradio map[string]bool
	current  bool
}

// New creates a Client. A nil dial uses Dial.
func New(cfg Config, dial Dialer, logger logrus.FieldLogger) *Client {
	if dial == nil {
		dial = Dial
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	return &Client{
		cfg:      cfg,
		dial:     dial,
		logger:   logger.WithField("component", "player"),
		webradio: make(map[string]bool),
	}
}

// do runs fn on a fresh connection, giving up after the configured timeout.
func (c *Client) do(op string, fn func(Conn) error) error {
	done := make(chan error, 1)
	go func() {
		conn, err := c.dial(c.cfg.Network, c.cfg.Address, c.cfg.Password)
		if err != nil {
			done <- fmt.Errorf("dial: %w", err)
			return
		}
		err = fn(conn)
		conn.Close()
		done <- err
	}()

	timer := time.NewTimer(c.cfg.Timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("mpd %s: %w", op, err)
		}
		return nil
	case <-timer.C:
		return fmt.Errorf("mpd %s: %w", op, ErrTimeout)
	}
}

// Play resumes the current queue.
func (c *Client) Play() error {
	return c.do("play", func(conn Conn) error {
		if err := conn.Play(-1); err != nil {
			return err
		}
		queue, err := conn.PlaylistInfo(-1, -1)
		if err != nil {
			return err
		}
		c.setCurrent(allStreams(queue))
		return nil
	})
}

// PlayPreset replaces the queue with the preset's playlist and plays it.
func (c *Client) PlayPreset(name string) error {
	playlist, ok := c.cfg.Presets[name]
	if !ok || playlist == "" {
		return fmt.Errorf("%s: %w", name, ErrNoPreset)
	}
	return c.do("play preset", func(conn Conn) error {
		if err := conn.Clear(); err != nil {
			return err
		}
		if err := conn.PlaylistLoad(playlist, -1, -1); err != nil {
			return fmt.Errorf("load %q: %w", playlist, err)
		}
		if err := conn.Play(0); err != nil {
			return err
		}
		entries, err := conn.PlaylistContents(playlist)
		if err != nil {
			return err
		}
		stream := allStreams(entries)
		c.mu.Lock()
		c.webradio[name] = stream
		c.current = stream
		c.mu.Unlock()
		return nil
	})
}

// PlayURI replaces the queue with a single URI and plays it.
func (c *Client) PlayURI(uri string) error {
	return c.do("play uri", func(conn Conn) error {
		if err := conn.Clear(); err != nil {
			return err
		}
		if err := conn.Add(uri); err != nil {
			return fmt.Errorf("add %q: %w", uri, err)
		}
		if err := conn.Play(0); err != nil {
			return err
		}
		c.setCurrent(isStream(uri))
		return nil
	})
}

// Pause pauses playback.
func (c *Client) Pause() error {
	return c.do("pause", func(conn Conn) error { return conn.Pause(true) })
}

// Stop stops playback.
func (c *Client) Stop() error {
	return c.do("stop", func(conn Conn) error { return conn.Stop() })
}

// Next skips to the next track.
func (c *Client) Next() error {
	return c.do("next", func(conn Conn) error { return conn.Next() })
}

// ToggleRandom flips random mode and returns the new setting.
func (c *Client) ToggleRandom() (bool, error) {
	var on bool
	err := c.do("random", func(conn Conn) error {
		st, err := conn.Status()
		if err != nil {
			return err
		}
		on = st["random"] != "1"
		return conn.Random(on)
	})
	return on, err
}

// AdjustVolume changes the volume by delta, clamped to 0..100, and returns
// the new volume.
func (c *Client) AdjustVolume(delta int) (int, error) {
	var vol int
	err := c.do("volume", func(conn Conn) error {
		st, err := conn.Status()
		if err != nil {
			return err
		}
		cur, err := strconv.Atoi(st["volume"])
		if err != nil {
			return fmt.Errorf("parse volume %q: %w", st["volume"], err)
		}
		vol = clamp(cur+delta, 0, 100)
		if vol == cur {
			return nil
		}
		return conn.SetVolume(vol)
	})
	return vol, err
}

// Refresh classifies every configured preset. Run it at startup so the
// connectivity gate has answers before the first press.
func (c *Client) Refresh() error {
	return c.do("refresh", func(conn Conn) error {
		for name, playlist := range c.cfg.Presets {
			entries, err := conn.PlaylistContents(playlist)
			if err != nil {
				c.logger.WithFields(logrus.Fields{"preset": name, "playlist": playlist, "error": err}).Warn("classify preset")
				continue
			}
			c.mu.Lock()
			c.webradio[name] = allStreams(entries)
			c.mu.Unlock()
		}
		queue, err := conn.PlaylistInfo(-1, -1)
		if err != nil {
			return err
		}
		c.setCurrent(allStreams(queue))
		return nil
	})
}

// IsWebradio answers from the cache: preset "" means the loaded queue.
func (c *Client) IsWebradio(preset string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if preset == "" {
		return c.current
	}
	return c.webradio[preset]
}

func (c *Client) setCurrent(stream bool) {
	c.mu.Lock()
	c.current = stream
	c.mu.Unlock()
}

func isStream(uri string) bool {
	return strings.HasPrefix(uri, "http://") || strings.HasPrefix(uri, "https://")
}

// allStreams reports whether a non-empty list holds only stream URIs.
func allStreams(entries []mpd.Attrs) bool {
	if len(entries) == 0 {
		return false
	}
	for _, e := range entries {
		if !isStream(e["file"]) {
			return false
		}
	}
	return true
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
