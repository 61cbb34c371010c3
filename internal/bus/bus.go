package bus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// Defaults used when Config leaves a field zero.
const (
	DefaultCapacity       = 64
	DefaultPublishTimeout = 100 * time.Millisecond
)

var (
	// ErrClosed is returned by Publish after Close.
	ErrClosed = errors.New("bus closed")
	// ErrTimeout is returned by Publish when the channel stayed full for
	// the whole publish timeout.
	ErrTimeout = errors.New("bus full")
)

// Handler reacts to one message. It runs on the dispatch goroutine and
// must not block on device I/O.
type Handler func(Message)

// Table routes messages by source, then by state or error tag.
type Table map[Source]map[string]Handler

// Lookup finds the handler for msg: first by state, then by error tag when
// the message carries one.
func (t Table) Lookup(msg Message) (Handler, bool) {
	bySource, ok := t[msg.Source]
	if !ok {
		return nil, false
	}
	if h, ok := bySource[msg.State]; ok && msg.State != "" {
		return h, true
	}
	if msg.HasFault() {
		if h, ok := bySource[string(msg.Error)]; ok {
			return h, true
		}
	}
	return nil, false
}

// Config configures a Bus.
type Config struct {
	Capacity       int
	PublishTimeout time.Duration
}

// Stats counts what happened to published messages.
type Stats struct {
	Published int64
	Dropped   int64
	Delivered int64
	Unmatched int64
}

// Bus is a bounded, ordered, single-consumer message channel.
type Bus struct {
	ch      chan Message
	timeout time.Duration
	logger  logrus.FieldLogger

	closeOnce sync.Once
	done      chan struct{}

	published atomic.Int64
	dropped   atomic.Int64
	delivered atomic.Int64
	unmatched atomic.Int64
}

// NewBus creates a Bus.
func NewBus(cfg Config, logger logrus.FieldLogger) *Bus {
	capacity := cfg.Capacity
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	timeout := cfg.PublishTimeout
	if timeout <= 0 {
		timeout = DefaultPublishTimeout
	}
	return &Bus{
		ch:      make(chan Message, capacity),
		timeout: timeout,
		logger:  logger.WithField("component", "bus"),
		done:    make(chan struct{}),
	}
}

// Publish enqueues msg. It blocks for at most the publish timeout; on a
// full or closed bus the message is logged and dropped. Safe for
// concurrent use.
func (b *Bus) Publish(msg Message) error {
	select {
	case <-b.done:
		b.drop(msg, ErrClosed)
		return ErrClosed
	default:
	}

	// Fast path avoids allocating a timer when there is room.
	select {
	case b.ch <- msg:
		b.published.Add(1)
		return nil
	default:
	}

	timer := time.NewTimer(b.timeout)
	defer timer.Stop()

	select {
	case b.ch <- msg:
		b.published.Add(1)
		return nil
	case <-b.done:
		b.drop(msg, ErrClosed)
		return ErrClosed
	case <-timer.C:
		b.drop(msg, ErrTimeout)
		return ErrTimeout
	}
}

func (b *Bus) drop(msg Message, err error) {
	b.dropped.Add(1)
	b.logger.WithFields(logrus.Fields{
		"message": msg.String(),
		"error":   err,
	}).Warn("dropping message")
}

// Run is the dispatch loop. It receives messages one at a time and routes
// each through table. It returns when ctx is done or the bus is closed.
// Run must only be called from one goroutine.
func (b *Bus) Run(ctx context.Context, table Table) {
	for {
		select {
		case <-ctx.Done():
			b.logger.Info("dispatch loop stopping (context canceled)")
			return
		case <-b.done:
			b.logger.Info("dispatch loop stopping (bus closed)")
			return
		case msg := <-b.ch:
			b.Dispatch(table, msg)
		}
	}
}

// Dispatch routes a single message through table on the calling
// goroutine. Unmatched messages are logged and ignored.
func (b *Bus) Dispatch(table Table, msg Message) {
	h, ok := table.Lookup(msg)
	if !ok {
		b.unmatched.Add(1)
		b.logger.WithFields(logrus.Fields{
			"source": msg.Source,
			"state":  msg.State,
			"fault":  msg.Error,
		}).Warn("unrecognized message")
		return
	}

	b.delivered.Add(1)
	if at, ok := msg.Stamp(); ok {
		b.logger.WithFields(logrus.Fields{
			"message": msg.String(),
			"latency": time.Since(at),
		}).Debug("dispatch")
	}
	h(msg)
}

// Close stops Run and makes further publishes fail. Messages still queued
// are discarded.
func (b *Bus) Close() {
	b.closeOnce.Do(func() { close(b.done) })
}

// Len returns the number of queued messages.
func (b *Bus) Len() int {
	return len(b.ch)
}

// Stats returns a snapshot of the bus counters.
func (b *Bus) Stats() Stats {
	return Stats{
		Published: b.published.Load(),
		Dropped:   b.dropped.Load(),
		Delivered: b.delivered.Load(),
		Unmatched: b.unmatched.Load(),
	}
}
