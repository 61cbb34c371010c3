package telemetry

import (
	"errors"
	"sync"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus/hooks/test"
)

type fakeToken struct {
	err error
}

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Error() error                   { return t.err }

func (t *fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type sent struct {
	topic    string
	qos      byte
	retained bool
	payload  []byte
}

// fakeClient is the slice of paho.Client the publisher uses.
type fakeClient struct {
	mu   sync.Mutex
	open bool
	err  error
	sent []sent
}

func (c *fakeClient) IsConnected() bool { return c.IsConnectionOpen() }

func (c *fakeClient) IsConnectionOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

func (c *fakeClient) setOpen(open bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.open = open
}

func (c *fakeClient) Connect() paho.Token { return &fakeToken{} }
func (c *fakeClient) Disconnect(uint)     {}

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return &fakeToken{err: c.err}
	}
	c.sent = append(c.sent, sent{topic: topic, qos: qos, retained: retained, payload: payload.([]byte)})
	return &fakeToken{}
}

func (c *fakeClient) Subscribe(string, byte, paho.MessageHandler) paho.Token { return &fakeToken{} }
func (c *fakeClient) SubscribeMultiple(map[string]byte, paho.MessageHandler) paho.Token {
	return &fakeToken{}
}
func (c *fakeClient) Unsubscribe(...string) paho.Token        { return &fakeToken{} }
func (c *fakeClient) AddRoute(string, paho.MessageHandler)    {}
func (c *fakeClient) OptionsReader() paho.ClientOptionsReader { return paho.ClientOptionsReader{} }

func (c *fakeClient) topics() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, s := range c.sent {
		out = append(out, s.topic)
	}
	return out
}

func newTestPublisher(open bool, size int) (*RealPublisher, *fakeClient) {
	logger, _ := test.NewNullLogger()
	c := &fakeClient{open: open}
	cfg := DefaultConfig("tcp://localhost:1883")
	cfg.BufferSize = size
	return newPublisher(c, cfg, logger), c
}

func TestPublishWhileConnected(t *testing.T) {
	p, c := newTestPublisher(true, 10)

	if err := p.PublishTransition(Transition{Timestamp: time.Now(), From: "Idle", To: "Play"}); err != nil {
		t.Fatalf("PublishTransition: %v", err)
	}
	if err := p.PublishSystem(SystemEvent{Timestamp: time.Now(), Event: EventStartup, Retained: true}); err != nil {
		t.Fatalf("PublishSystem: %v", err)
	}

	if len(c.sent) != 2 {
		t.Fatalf("sent: got %d, want 2", len(c.sent))
	}
	if c.sent[0].topic != "musicbox/events" || c.sent[0].qos != 0 {
		t.Errorf("transition: got %+v", c.sent[0])
	}
	if c.sent[1].topic != "musicbox/system" || c.sent[1].qos != 1 || !c.sent[1].retained {
		t.Errorf("system: got topic=%s qos=%d retained=%v", c.sent[1].topic, c.sent[1].qos, c.sent[1].retained)
	}
}

func TestBufferedWhileDisconnectedAndReplayed(t *testing.T) {
	p, c := newTestPublisher(false, 10)

	for i := 0; i < 3; i++ {
		if err := p.PublishTransition(Transition{Timestamp: time.Now(), To: "Play"}); err != nil {
			t.Fatalf("PublishTransition while offline: %v", err)
		}
	}
	if p.Buffered() != 3 {
		t.Fatalf("Buffered: got %d, want 3", p.Buffered())
	}
	if len(c.topics()) != 0 {
		t.Fatal("nothing should be sent while offline")
	}

	c.setOpen(true)
	p.onConnect()

	if p.Buffered() != 0 {
		t.Errorf("Buffered after reconnect: got %d, want 0", p.Buffered())
	}
	if got := c.topics(); len(got) != 3 {
		t.Errorf("replayed: got %d, want 3", len(got))
	}
}

func TestReconnectAnnounced(t *testing.T) {
	p, c := newTestPublisher(true, 10)

	p.onConnect() // first connection: no announcement
	if len(c.topics()) != 0 {
		t.Fatalf("first connect sent %v", c.topics())
	}
	p.onConnect()
	got := c.topics()
	if len(got) != 1 || got[0] != "musicbox/system" {
		t.Errorf("reconnect: got %v", got)
	}
}

func TestBufferCapsAtSize(t *testing.T) {
	p, _ := newTestPublisher(false, 100)
	for i := 0; i < 150; i++ {
		p.PublishTransition(Transition{Timestamp: time.Now()})
	}
	if p.Buffered() != 100 {
		t.Errorf("Buffered: got %d, want 100", p.Buffered())
	}
}

func TestFailedPublishIsBuffered(t *testing.T) {
	p, c := newTestPublisher(true, 10)
	c.err = errors.New("write: broken pipe")

	if err := p.PublishTransition(Transition{Timestamp: time.Now()}); err == nil {
		t.Error("expected error from failed publish")
	}
	if p.Buffered() != 1 {
		t.Errorf("Buffered: got %d, want 1", p.Buffered())
	}
}

func TestOverflowKeepsStartupForReplay(t *testing.T) {
	p, c := newTestPublisher(false, 3)

	p.PublishSystem(SystemEvent{Timestamp: time.Now(), Event: EventStartup, Retained: true})
	for i := 0; i < 5; i++ {
		p.PublishTransition(Transition{Timestamp: time.Now(), To: "Play"})
	}

	c.setOpen(true)
	p.onConnect()

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.sent) != 3 {
		t.Fatalf("replayed: got %d, want 3", len(c.sent))
	}
	if c.sent[0].topic != "musicbox/system" || !c.sent[0].retained {
		t.Errorf("first replayed: got topic=%s retained=%v, want retained startup", c.sent[0].topic, c.sent[0].retained)
	}
}
