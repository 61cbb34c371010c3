// Package relay tracks the Spotify Connect session run by librespot.
//
// librespot invokes `musicbox relay-hook` for every player event with the
// event described in environment variables. The hook forwards it as one
// JSON line over a unix socket to the daemon's Server, which keeps the
// session state and reports changes on the bus.
package relay

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sweeney/musicbox/internal/bus"
)

// librespot PLAYER_EVENT values the daemon acts on.
const (
	EventSessionConnected    = "session_connected"
	EventSessionDisconnected = "session_disconnected"
	EventPlaying             = "playing"
	EventPaused              = "paused"
	EventStopped             = "stopped"
	EventTrackChanged        = "track_changed"
)

// Event is one hook invocation.
type Event struct {
	Type    string `json:"type"`
	User    string `json:"user,omitempty"`
	TrackID string `json:"track_id,omitempty"`
	Name    string `json:"name,omitempty"`
}

// Response is written back for every line received.
type Response struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// State is the tracked session.
type State struct {
	Connected bool      `json:"connected"`
	Playing   bool      `json:"playing"`
	User      string    `json:"user,omitempty"`
	Track     string    `json:"track,omitempty"`
	Since     time.Time `json:"since"`
}

// Publisher accepts bus messages.
type Publisher interface {
	Publish(msg bus.Message) error
}

// Server listens for hook events.
type Server struct {
	socket string
	pub    Publisher
	logger logrus.FieldLogger

	mu    sync.RWMutex
	state State
}

// NewServer creates a Server for the given socket path.
func NewServer(socket string, pub Publisher, logger logrus.FieldLogger) *Server {
	return &Server{
		socket: socket,
		pub:    pub,
		logger: logger.WithField("component", "relay"),
	}
}

// ConnectedAndPlaying reports whether a remote session is streaming.
func (s *Server) ConnectedAndPlaying() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Connected && s.state.Playing
}

// State returns a copy of the session state.
func (s *Server) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Handle applies ev to the session and publishes the matching message.
func (s *Server) Handle(ev Event) error {
	now := time.Now()

	s.mu.Lock()
	var msg string
	switch ev.Type {
	case EventSessionConnected:
		s.state = State{Connected: true, User: ev.User, Since: now}
		msg = bus.RelayConnected
	case EventSessionDisconnected:
		s.state = State{Since: now}
		msg = bus.RelayDisconnected
	case EventPlaying:
		// librespot can report playback before the session event.
		s.state.Connected = true
		s.state.Playing = true
		s.state.Since = now
		msg = bus.RelayPlaying
	case EventPaused:
		s.state.Playing = false
		s.state.Since = now
		msg = bus.RelayPaused
	case EventStopped:
		s.state.Playing = false
		s.state.Since = now
		msg = bus.RelayStopped
	case EventTrackChanged:
		s.state.Track = ev.Name
	default:
		s.mu.Unlock()
		return fmt.Errorf("unknown event type %q", ev.Type)
	}
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{"event": ev.Type, "user": ev.User}).Debug("relay event")
	if msg == "" {
		return nil
	}
	if err := s.pub.Publish(bus.New(bus.SourceRelay, msg, now)); err != nil {
		return fmt.Errorf("publish relay event: %w", err)
	}
	return nil
}

// Run serves the socket until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	if err := os.RemoveAll(s.socket); err != nil {
		return fmt.Errorf("remove stale socket: %w", err)
	}
	ln, err := net.Listen("unix", s.socket)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.socket, err)
	}
	defer os.Remove(s.socket)
	if err := os.Chmod(s.socket, 0o666); err != nil {
		ln.Close()
		return fmt.Errorf("chmod socket: %w", err)
	}
	s.logger.WithField("socket", s.socket).Info("relay listening")

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.logger.WithField("error", err).Warn("accept relay connection")
			continue
		}
		go s.serve(conn)
	}
}

func (s *Server) serve(conn net.Conn) {
	defer conn.Close()
	scanner := bufio.NewScanner(conn)
	enc := json.NewEncoder(conn)

	for scanner.Scan() {
		var resp Response
		var ev Event
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			resp = Response{Status: "error", Error: fmt.Sprintf("parse event: %v", err)}
		} else if err := s.Handle(ev); err != nil {
			resp = Response{Status: "error", Error: err.Error()}
		} else {
			resp = Response{Status: "ok"}
		}
		if err := enc.Encode(resp); err != nil {
			s.logger.WithField("error", err).Debug("write relay response")
			return
		}
	}
}

// Send delivers ev to the daemon listening on socket.
func Send(socket string, ev Event, timeout time.Duration) error {
	conn, err := net.DialTimeout("unix", socket, timeout)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", socket, err)
	}
	defer conn.Close()
	if timeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(timeout))
	}

	if err := json.NewEncoder(conn).Encode(ev); err != nil {
		return fmt.Errorf("send event: %w", err)
	}
	var resp Response
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.Status != "ok" {
		return fmt.Errorf("relay error: %s", resp.Error)
	}
	return nil
}

// ParseEnv builds an Event from librespot's hook environment. It returns
// ok=false for events the daemon does not track.
func ParseEnv(getenv func(string) string) (ev Event, ok bool, err error) {
	typ := getenv("PLAYER_EVENT")
	if typ == "" {
		return Event{}, false, errors.New("PLAYER_EVENT not set")
	}
	switch typ {
	case EventSessionConnected, EventSessionDisconnected:
		return Event{Type: typ, User: getenv("USER_NAME")}, true, nil
	case EventPlaying, EventPaused, EventStopped:
		return Event{Type: typ, TrackID: getenv("TRACK_ID")}, true, nil
	case EventTrackChanged:
		return Event{Type: typ, TrackID: getenv("TRACK_ID"), Name: getenv("NAME")}, true, nil
	}
	return Event{}, false, nil
}

// Hook forwards the event described by getenv to socket.
func Hook(socket string, getenv func(string) string, timeout time.Duration, logger logrus.FieldLogger) error {
	ev, ok, err := ParseEnv(getenv)
	if err != nil {
		return err
	}
	if !ok {
		logger.WithField("event", getenv("PLAYER_EVENT")).Debug("librespot event ignored")
		return nil
	}
	if err := Send(socket, ev, timeout); err != nil {
		return fmt.Errorf("forward %s: %w", ev.Type, err)
	}
	return nil
}
