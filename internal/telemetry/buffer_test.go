package telemetry

import (
	"testing"
)

func payloads(msgs []bufferedMsg) []byte {
	out := make([]byte, len(msgs))
	for i, m := range msgs {
		out[i] = m.payload[0]
	}
	return out
}

func TestOutboxEmptyDrain(t *testing.T) {
	ob := newOutbox(10)
	got, dropped := ob.drain()
	if got != nil || dropped != 0 {
		t.Errorf("empty drain: got %d items, %d dropped", len(got), dropped)
	}
}

func TestOutboxPushAndDrain(t *testing.T) {
	ob := newOutbox(10)
	for i := 0; i < 5; i++ {
		ob.push(bufferedMsg{topic: "t", payload: []byte{byte(i)}})
	}

	got, dropped := ob.drain()
	if string(payloads(got)) != string([]byte{0, 1, 2, 3, 4}) || dropped != 0 {
		t.Fatalf("drain: got %v, %d dropped", payloads(got), dropped)
	}
	if got2, _ := ob.drain(); got2 != nil {
		t.Errorf("second drain: got %d items", len(got2))
	}
}

func TestOutboxOverflowEvictsOldest(t *testing.T) {
	ob := newOutbox(5)

	firsts := 0
	for i := 0; i < 8; i++ {
		if ob.push(bufferedMsg{topic: "t", payload: []byte{byte(i)}}) {
			firsts++
		}
	}
	if firsts != 1 {
		t.Errorf("first-drop reports: got %d, want 1", firsts)
	}

	got, dropped := ob.drain()
	if string(payloads(got)) != string([]byte{3, 4, 5, 6, 7}) {
		t.Errorf("kept: got %v, want [3 4 5 6 7]", payloads(got))
	}
	if dropped != 3 {
		t.Errorf("dropped: got %d, want 3", dropped)
	}
}

func TestOutboxKeepsRetainedEvents(t *testing.T) {
	ob := newOutbox(3)
	ob.push(bufferedMsg{payload: []byte{0}, retained: true}) // STARTUP
	ob.push(bufferedMsg{payload: []byte{1}})
	ob.push(bufferedMsg{payload: []byte{2}})
	ob.push(bufferedMsg{payload: []byte{3}})
	ob.push(bufferedMsg{payload: []byte{4}, retained: true}) // SHUTDOWN

	got, dropped := ob.drain()
	if string(payloads(got)) != string([]byte{0, 3, 4}) {
		t.Errorf("kept: got %v, want [0 3 4]", payloads(got))
	}
	if dropped != 2 {
		t.Errorf("dropped: got %d, want 2", dropped)
	}
}

func TestOutboxAllRetainedEvictsOldest(t *testing.T) {
	ob := newOutbox(2)
	for i := 0; i < 3; i++ {
		ob.push(bufferedMsg{payload: []byte{byte(i)}, retained: true})
	}
	got, _ := ob.drain()
	if string(payloads(got)) != string([]byte{1, 2}) {
		t.Errorf("kept: got %v, want [1 2]", payloads(got))
	}
}

func TestOutboxOverflowResetsAfterDrain(t *testing.T) {
	ob := newOutbox(2)
	ob.push(bufferedMsg{payload: []byte{0}})
	ob.push(bufferedMsg{payload: []byte{1}})
	if !ob.push(bufferedMsg{payload: []byte{2}}) {
		t.Error("expected first drop to be reported")
	}
	ob.drain()
	ob.push(bufferedMsg{payload: []byte{3}})
	ob.push(bufferedMsg{payload: []byte{4}})
	if !ob.push(bufferedMsg{payload: []byte{5}}) {
		t.Error("expected first drop after drain to be reported again")
	}
}

func TestOutboxMultipleCycles(t *testing.T) {
	ob := newOutbox(5)
	for cycle := 0; cycle < 3; cycle++ {
		for i := 0; i < 3; i++ {
			ob.push(bufferedMsg{payload: []byte{byte(cycle*10 + i)}})
		}
		if ob.len() != 3 {
			t.Fatalf("cycle %d: len got %d, want 3", cycle, ob.len())
		}
		got, _ := ob.drain()
		for i := range got {
			if want := byte(cycle*10 + i); got[i].payload[0] != want {
				t.Errorf("cycle %d item %d: got %d, want %d", cycle, i, got[i].payload[0], want)
			}
		}
	}
}
