package portal

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/sweeney/musicbox/internal/status"
)

const (
	writeWait  = 5 * time.Second
	pongWait   = 30 * time.Second
	pingPeriod = 20 * time.Second
	sendBuf    = 16
)

var upgrader = websocket.Upgrader{
	// Clients reach the portal by whatever host name the captive network
	// hands them.
	CheckOrigin: func(r *http.Request) bool { return true },
}

type client struct {
	conn   *websocket.Conn
	send   chan []byte
	remote string
}

// hub fans status frames out to websocket clients. A client whose queue
// is full is disconnected.
type hub struct {
	logger logrus.FieldLogger

	mu      sync.Mutex
	clients map[*client]struct{}
}

func newHub(logger logrus.FieldLogger) *hub {
	return &hub{logger: logger, clients: make(map[*client]struct{})}
}

func (h *hub) add(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.WithFields(logrus.Fields{"remote": c.remote, "clients": n}).Debug("ws client connected")
}

func (h *hub) remove(c *client, reason string) {
	h.mu.Lock()
	_, ok := h.clients[c]
	if ok {
		delete(h.clients, c)
		close(c.send)
	}
	n := len(h.clients)
	h.mu.Unlock()
	if ok {
		c.conn.Close()
		h.logger.WithFields(logrus.Fields{"remote": c.remote, "reason": reason, "clients": n}).Debug("ws client disconnected")
	}
}

func (h *hub) broadcast(frame []byte) {
	var slow []*client
	h.mu.Lock()
	for c := range h.clients {
		select {
		case c.send <- frame:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.Unlock()
	for _, c := range slow {
		h.remove(c, "slow client")
	}
}

func (h *hub) closeAll() {
	h.mu.Lock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()
	for _, c := range clients {
		h.remove(c, "portal stopped")
	}
}

func (h *hub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WithField("error", err).Debug("ws upgrade failed")
		return
	}
	c := &client{conn: conn, send: make(chan []byte, sendBuf), remote: r.RemoteAddr}
	c.send <- status.FormatJSON(s.tracker.Snapshot())
	s.hub.add(c)

	go s.writePump(c)
	go s.readPump(c)
}

// writePump exits when send is closed or a write fails.
func (s *Server) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				s.hub.remove(c, "write error")
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.hub.remove(c, "ping error")
				return
			}
		}
	}
}

// readPump discards client frames and notices disconnects.
func (s *Server) readPump(c *client) {
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			reason := "read error"
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				reason = "closed by client"
			}
			s.hub.remove(c, reason)
			return
		}
	}
}
