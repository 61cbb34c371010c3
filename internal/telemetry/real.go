package telemetry

import (
	"fmt"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"
)

// Config configures a RealPublisher.
type Config struct {
	Broker         string
	ClientID       string
	Prefix         string
	ConnectTimeout time.Duration
	PublishTimeout time.Duration
	BufferSize     int
}

// DefaultConfig returns the standard publisher settings for broker.
func DefaultConfig(broker string) Config {
	return Config{
		Broker:         broker,
		ClientID:       "musicbox",
		Prefix:         DefaultPrefix,
		ConnectTimeout: 10 * time.Second,
		PublishTimeout: 5 * time.Second,
		BufferSize:     DefaultBufferSize,
	}
}

// RealPublisher publishes to an actual MQTT broker. Messages published
// while the connection is down are kept in a ring buffer and replayed,
// oldest first, when the client reconnects.
type RealPublisher struct {
	client paho.Client
	cfg    Config
	logger logrus.FieldLogger

	mu        sync.Mutex
	buf       *outbox
	connected bool // at least one connection has been made
}

func newPublisher(client paho.Client, cfg Config, logger logrus.FieldLogger) *RealPublisher {
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultPrefix
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	return &RealPublisher{
		client: client,
		cfg:    cfg,
		logger: logger.WithField("component", "telemetry"),
		buf:    newOutbox(cfg.BufferSize),
	}
}

// NewRealPublisher creates a publisher for the configured broker. An
// unreachable broker is not an error: the client keeps retrying and
// messages are buffered meanwhile.
func NewRealPublisher(cfg Config, logger logrus.FieldLogger) (*RealPublisher, error) {
	p := newPublisher(nil, cfg, logger)

	opts := paho.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5*time.Second).
		SetWill(TopicSystem(p.cfg.Prefix), string(WillPayload()), 1, true).
		SetOnConnectHandler(func(paho.Client) { p.onConnect() }).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			p.logger.WithField("error", err).Warn("mqtt connection lost")
		})

	p.client = paho.NewClient(opts)
	token := p.client.Connect()
	if !token.WaitTimeout(cfg.ConnectTimeout) {
		p.logger.WithField("broker", cfg.Broker).Warn("mqtt broker not reachable yet, buffering")
		return p, nil
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to broker: %w", err)
	}
	return p, nil
}

// onConnect replays buffered messages and announces a reconnection.
func (p *RealPublisher) onConnect() {
	p.mu.Lock()
	pending, dropped := p.buf.drain()
	reconnect := p.connected
	p.connected = true
	p.mu.Unlock()

	p.logger.WithFields(logrus.Fields{"broker": p.cfg.Broker, "replay": len(pending), "dropped": dropped}).Info("mqtt connected")
	for _, m := range pending {
		if err := p.send(m); err != nil {
			p.logger.WithFields(logrus.Fields{"topic": m.topic, "error": err}).Warn("replay buffered message")
		}
	}
	if reconnect {
		if err := p.PublishSystem(SystemEvent{Timestamp: time.Now(), Event: EventReconnected}); err != nil {
			p.logger.WithField("error", err).Warn("publish reconnected")
		}
	}
}

func (p *RealPublisher) send(m bufferedMsg) error {
	token := p.client.Publish(m.topic, m.qos, m.retained, m.payload)
	if !token.WaitTimeout(p.cfg.PublishTimeout) {
		return fmt.Errorf("publish timeout")
	}
	return token.Error()
}

func (p *RealPublisher) hold(m bufferedMsg) {
	p.mu.Lock()
	firstDrop := p.buf.push(m)
	p.mu.Unlock()
	if firstDrop {
		p.logger.WithFields(logrus.Fields{"capacity": p.cfg.BufferSize, "topic": m.topic}).Warn("mqtt buffer full, evicting oldest")
	}
}

func (p *RealPublisher) publish(m bufferedMsg) error {
	if !p.client.IsConnectionOpen() {
		p.hold(m)
		return nil
	}
	if err := p.send(m); err != nil {
		p.hold(m)
		return fmt.Errorf("publish %s: %w", m.topic, err)
	}
	return nil
}

// PublishTransition sends a state transition to the events topic.
func (p *RealPublisher) PublishTransition(tr Transition) error {
	payload, err := FormatPayload(tr)
	if err != nil {
		return fmt.Errorf("format payload: %w", err)
	}
	// QoS 0 (at-most-once), not retained
	return p.publish(bufferedMsg{topic: TopicEvents(p.cfg.Prefix), payload: payload})
}

// PublishSystem sends a system lifecycle event to the system topic.
func (p *RealPublisher) PublishSystem(event SystemEvent) error {
	payload, err := FormatSystemPayload(event)
	if err != nil {
		return fmt.Errorf("format system payload: %w", err)
	}
	// QoS 1 (at-least-once) so lifecycle events survive a flaky link
	return p.publish(bufferedMsg{topic: TopicSystem(p.cfg.Prefix), payload: payload, qos: 1, retained: event.Retained})
}

// IsConnected reports whether the broker connection is up.
func (p *RealPublisher) IsConnected() bool {
	return p.client.IsConnectionOpen()
}

// Buffered returns how many messages wait for a connection.
func (p *RealPublisher) Buffered() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.buf.len()
}

// Close disconnects from the broker.
func (p *RealPublisher) Close() error {
	p.client.Disconnect(1000) // 1 second timeout
	return nil
}
