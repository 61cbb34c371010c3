// Package portal runs the captive web portal: a status page, a JSON
// status endpoint, a live websocket feed and a form to queue a song.
// The portal is started and stopped at runtime by a long press on Stop.
package portal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/sweeney/musicbox/internal/bus"
	"github.com/sweeney/musicbox/internal/status"
)

const shutdownTimeout = 3 * time.Second

// Publisher accepts bus messages.
type Publisher interface {
	Publish(msg bus.Message) error
}

// State describes the portal for status output.
type State struct {
	Active  bool   `json:"active"`
	Addr    string `json:"addr,omitempty"`
	Clients int    `json:"clients"`
	Pending string `json:"pending,omitempty"`
}

// Server is the portal web service.
type Server struct {
	addr    string
	tracker *status.Tracker
	pub     Publisher
	logger  logrus.FieldLogger
	handler http.Handler
	hub     *hub

	mu         sync.Mutex
	httpServer *http.Server
	boundAddr  string
	cancel     context.CancelFunc
	workers    sync.WaitGroup
	song       string
}

// New creates a stopped portal that will listen on addr.
func New(addr string, tracker *status.Tracker, pub Publisher, logger logrus.FieldLogger) *Server {
	s := &Server{
		addr:    addr,
		tracker: tracker,
		pub:     pub,
		logger:  logger.WithField("component", "portal"),
	}
	s.hub = newHub(s.logger)

	r := mux.NewRouter()
	r.HandleFunc("/", s.handleIndex).Methods(http.MethodGet)
	r.HandleFunc("/index.html", s.handleIndex).Methods(http.MethodGet)
	r.HandleFunc("/status.json", s.handleJSON).Methods(http.MethodGet)
	r.HandleFunc("/ws", s.handleWS).Methods(http.MethodGet)
	r.HandleFunc("/play", s.handlePlay).Methods(http.MethodPost)
	// Captive portal: any other page lands on the status page.
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/", http.StatusFound)
	})
	s.handler = r
	return s
}

// Handler returns the portal's routes.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start listens and serves in the background. Starting a running portal
// is a no-op.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.httpServer != nil {
		s.mu.Unlock()
		return nil
	}
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("listen on %s: %w", s.addr, err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	srv := &http.Server{Handler: s.handler}
	s.httpServer = srv
	s.boundAddr = ln.Addr().String()
	s.cancel = cancel

	s.workers.Add(2)
	go func() {
		defer s.workers.Done()
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.WithField("error", err).Error("portal server failed")
		}
	}()
	go func() {
		defer s.workers.Done()
		s.broadcastLoop(ctx)
	}()
	addr := s.boundAddr
	s.mu.Unlock()

	s.tracker.SetPortal(true)
	s.logger.WithField("addr", addr).Info("portal started")
	s.publish(bus.PortalStarted)
	return nil
}

// Stop shuts the portal down. Stopping a stopped portal is a no-op.
func (s *Server) Stop() error {
	s.mu.Lock()
	srv := s.httpServer
	cancel := s.cancel
	s.httpServer = nil
	s.cancel = nil
	s.boundAddr = ""
	s.song = ""
	s.mu.Unlock()
	if srv == nil {
		return nil
	}

	cancel()
	s.hub.closeAll()
	ctx, done := context.WithTimeout(context.Background(), shutdownTimeout)
	defer done()
	err := srv.Shutdown(ctx)
	s.workers.Wait()

	s.tracker.SetPortal(false)
	s.logger.Info("portal stopped")
	s.publish(bus.PortalStopped)
	if err != nil {
		return fmt.Errorf("shutdown portal: %w", err)
	}
	return nil
}

// Active reports whether the portal is serving.
func (s *Server) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.httpServer != nil
}

// TakeSong returns the queued song URI and clears it.
func (s *Server) TakeSong() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	song := s.song
	s.song = ""
	return song
}

// State returns the portal state.
func (s *Server) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return State{
		Active:  s.httpServer != nil,
		Addr:    s.boundAddr,
		Clients: s.hub.count(),
		Pending: s.song,
	}
}

func (s *Server) publish(state string) {
	if err := s.pub.Publish(bus.New(bus.SourceWebPortal, state, time.Now())); err != nil {
		s.logger.WithFields(logrus.Fields{"state": state, "error": err}).Warn("publish portal event")
	}
}

// broadcastLoop pushes a fresh snapshot to websocket clients on every
// tracker update.
func (s *Server) broadcastLoop(ctx context.Context) {
	for {
		changed := s.tracker.Changed()
		select {
		case <-ctx.Done():
			return
		case <-changed:
			s.hub.broadcast(status.FormatJSON(s.tracker.Snapshot()))
		}
	}
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := renderHTML(w, s.tracker.Snapshot()); err != nil {
		s.logger.WithField("error", err).Warn("render status page")
	}
}

func (s *Server) handleJSON(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write(status.FormatJSON(s.tracker.Snapshot()))
}

type playRequest struct {
	URI string `json:"uri"`
}

func (s *Server) handlePlay(w http.ResponseWriter, r *http.Request) {
	var uri string
	isJSON := strings.HasPrefix(r.Header.Get("Content-Type"), "application/json")
	if isJSON {
		var req playRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request body", http.StatusBadRequest)
			return
		}
		uri = req.URI
	} else {
		uri = r.FormValue("uri")
	}
	uri = strings.TrimSpace(uri)
	if uri == "" {
		http.Error(w, "uri is required", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	s.song = uri
	s.mu.Unlock()

	if err := s.pub.Publish(bus.New(bus.SourceWebPortal, bus.PortalPlaySong, time.Now())); err != nil {
		s.logger.WithField("error", err).Warn("publish play request")
		http.Error(w, "busy", http.StatusServiceUnavailable)
		return
	}
	s.logger.WithField("uri", uri).Info("song queued from portal")

	if isJSON {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	http.Redirect(w, r, "/", http.StatusSeeOther)
}
