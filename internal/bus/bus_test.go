package bus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
)

func newTestBus(capacity int, timeout time.Duration) (*Bus, *test.Hook) {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	return NewBus(Config{Capacity: capacity, PublishTimeout: timeout}, logger), hook
}

func TestTableLookupByState(t *testing.T) {
	var got string
	table := Table{
		SourceButton: {
			"Play": func(m Message) { got = "play" },
		},
	}

	h, ok := table.Lookup(New(SourceButton, "Play"))
	if !ok {
		t.Fatal("expected a handler for button/Play")
	}
	h(New(SourceButton, "Play"))
	if got != "play" {
		t.Errorf("handler: got %q, want %q", got, "play")
	}
}

func TestTableLookupByFault(t *testing.T) {
	called := false
	table := Table{
		SourceUSB: {
			"Unreadable": func(Message) { called = true },
		},
	}

	h, ok := table.Lookup(Failure(SourceUSB, "Unreadable"))
	if !ok {
		t.Fatal("expected a handler for usb/!Unreadable")
	}
	h(Message{})
	if !called {
		t.Error("fault handler not called")
	}
}

func TestTableLookupMisses(t *testing.T) {
	table := Table{
		SourceButton: {"Play": func(Message) {}},
	}

	cases := []Message{
		New(SourceButton, "Eject"),
		New(SourceVolume, "Up"),
		Failure(SourceButton, "Stuck"),
		{Source: SourceButton},
	}
	for _, m := range cases {
		if _, ok := table.Lookup(m); ok {
			t.Errorf("Lookup(%s): expected miss", m)
		}
	}
}

func TestPublishAndRunPreservesOrder(t *testing.T) {
	b, _ := newTestBus(8, 50*time.Millisecond)

	var mu sync.Mutex
	var got []int
	done := make(chan struct{})
	table := Table{
		SourceVolume: {
			"Up": func(m Message) {
				n, _ := m.Int(0)
				mu.Lock()
				got = append(got, n)
				if len(got) == 5 {
					close(done)
				}
				mu.Unlock()
			},
		},
	}

	for i := 0; i < 5; i++ {
		if err := b.Publish(New(SourceVolume, "Up", i)); err != nil {
			t.Fatalf("Publish %d: %v", i, err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx, table)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("messages not dispatched")
	}

	mu.Lock()
	defer mu.Unlock()
	for i, n := range got {
		if n != i {
			t.Errorf("order: got %v", got)
			break
		}
	}
}

func TestPublishTimesOutWhenFull(t *testing.T) {
	b, hook := newTestBus(1, 20*time.Millisecond)

	if err := b.Publish(New(SourceButton, "Play")); err != nil {
		t.Fatalf("first Publish: %v", err)
	}

	start := time.Now()
	err := b.Publish(New(SourceButton, "Stop"))
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("second Publish: got %v, want ErrTimeout", err)
	}
	if elapsed := time.Since(start); elapsed < 20*time.Millisecond {
		t.Errorf("Publish returned after %v, expected to wait for the timeout", elapsed)
	}

	s := b.Stats()
	if s.Published != 1 || s.Dropped != 1 {
		t.Errorf("Stats: got %+v, want Published=1 Dropped=1", s)
	}
	if entry := hook.LastEntry(); entry == nil || entry.Level != logrus.WarnLevel {
		t.Error("expected a warning for the dropped message")
	}
}

func TestPublishAfterClose(t *testing.T) {
	b, _ := newTestBus(4, 20*time.Millisecond)
	b.Close()
	b.Close()

	if err := b.Publish(New(SourceButton, "Play")); !errors.Is(err, ErrClosed) {
		t.Errorf("Publish after Close: got %v, want ErrClosed", err)
	}
	if b.Len() != 0 {
		t.Errorf("Len: got %d, want 0", b.Len())
	}
}

func TestPublishUnblocksOnClose(t *testing.T) {
	b, _ := newTestBus(1, 5*time.Second)
	_ = b.Publish(New(SourceButton, "Play"))

	errc := make(chan error, 1)
	go func() { errc <- b.Publish(New(SourceButton, "Stop")) }()

	time.Sleep(10 * time.Millisecond)
	b.Close()

	select {
	case err := <-errc:
		if !errors.Is(err, ErrClosed) {
			t.Errorf("got %v, want ErrClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Publish did not return after Close")
	}
}

func TestDispatchUnmatchedIsLogged(t *testing.T) {
	b, hook := newTestBus(4, 20*time.Millisecond)

	b.Dispatch(Table{}, New(SourceWiFi, "Sideways"))

	if s := b.Stats(); s.Unmatched != 1 || s.Delivered != 0 {
		t.Errorf("Stats: got %+v, want Unmatched=1", s)
	}
	entry := hook.LastEntry()
	if entry == nil {
		t.Fatal("expected a log entry")
	}
	if entry.Message != "unrecognized message" {
		t.Errorf("log message: got %q", entry.Message)
	}
	if entry.Data["source"] != SourceWiFi {
		t.Errorf("source field: got %v", entry.Data["source"])
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	b, _ := newTestBus(4, 20*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())

	returned := make(chan struct{})
	go func() {
		b.Run(ctx, Table{})
		close(returned)
	}()

	cancel()
	select {
	case <-returned:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRunStopsOnClose(t *testing.T) {
	b, _ := newTestBus(4, 20*time.Millisecond)

	returned := make(chan struct{})
	go func() {
		b.Run(context.Background(), Table{})
		close(returned)
	}()

	b.Close()
	select {
	case <-returned:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Close")
	}
}

func TestConcurrentPublishers(t *testing.T) {
	b, _ := newTestBus(256, time.Second)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				_ = b.Publish(New(SourceButton, "Play"))
			}
		}()
	}
	wg.Wait()

	if b.Len() != 160 {
		t.Errorf("Len: got %d, want 160", b.Len())
	}
}

func TestMessageString(t *testing.T) {
	if got := New(SourceButton, "PlayLong").String(); got != "button/PlayLong" {
		t.Errorf("got %q", got)
	}
	if got := Failure(SourceUSB, "Unreadable").String(); got != "usb/!Unreadable" {
		t.Errorf("got %q", got)
	}
}

func TestMessageDataIsCopied(t *testing.T) {
	data := []any{1, 2}
	m := New(SourceVolume, "Up", data...)
	data[0] = 99

	if n, _ := m.Int(0); n != 1 {
		t.Errorf("Data[0]: got %d, want 1", n)
	}
	if _, ok := m.Int(5); ok {
		t.Error("Int out of range should report false")
	}
}

func TestMessageStamp(t *testing.T) {
	at := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	m := New(SourceButton, "Play", at)

	got, ok := m.Stamp()
	if !ok || !got.Equal(at) {
		t.Errorf("Stamp: got %v %v, want %v", got, ok, at)
	}
	if _, ok := New(SourceButton, "Play").Stamp(); ok {
		t.Error("message without a timestamp reported one")
	}
}
