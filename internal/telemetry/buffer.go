package telemetry

// DefaultBufferSize is how many messages are kept while disconnected.
const DefaultBufferSize = 100

// bufferedMsg stores a serialized MQTT message for replay after reconnection.
type bufferedMsg struct {
	topic    string
	payload  []byte
	qos      byte
	retained bool
}

// outbox holds messages published while the broker is unreachable. When
// full it evicts the oldest non-retained message, so retained lifecycle
// events outlive transitions. Not safe for concurrent use; caller must
// synchronize.
type outbox struct {
	msgs     []bufferedMsg
	capacity int
	dropped  int // evictions since the last drain
}

func newOutbox(capacity int) *outbox {
	return &outbox{
		msgs:     make([]bufferedMsg, 0, capacity),
		capacity: capacity,
	}
}

// push queues msg. It returns true for the first eviction since the last
// drain.
func (o *outbox) push(msg bufferedMsg) bool {
	if len(o.msgs) < o.capacity {
		o.msgs = append(o.msgs, msg)
		return false
	}
	victim := 0
	for i, m := range o.msgs {
		if !m.retained {
			victim = i
			break
		}
	}
	copy(o.msgs[victim:], o.msgs[victim+1:])
	o.msgs[len(o.msgs)-1] = msg
	o.dropped++
	return o.dropped == 1
}

// drain returns the queued messages oldest first and how many were
// evicted since the previous drain.
func (o *outbox) drain() ([]bufferedMsg, int) {
	dropped := o.dropped
	o.dropped = 0
	if len(o.msgs) == 0 {
		return nil, dropped
	}
	out := make([]bufferedMsg, len(o.msgs))
	copy(out, o.msgs)
	o.msgs = o.msgs[:0]
	return out, dropped
}

func (o *outbox) len() int {
	return len(o.msgs)
}
