package media

import (
	"sync"
	"testing"

	"github.com/sirupsen/logrus/hooks/test"

	"github.com/sweeney/musicbox/internal/bus"
)

type recorder struct {
	mu   sync.Mutex
	msgs []bus.Message
}

func (r *recorder) Publish(msg bus.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	return nil
}

func TestCheckPublishesChangesOnly(t *testing.T) {
	logger, _ := test.NewNullLogger()
	status := Mounted
	rec := &recorder{}
	w := NewWatcher("/media/usb", 0, func(string) Status { return status }, rec, logger)

	if w.Present() {
		t.Error("Present before first check should be false")
	}

	w.Check()
	w.Check()
	if len(rec.msgs) != 1 || rec.msgs[0].State != bus.USBMounted {
		t.Fatalf("after mount: got %v", rec.msgs)
	}
	if !w.Present() {
		t.Error("Present: got false, want true")
	}

	status = Absent
	w.Check()
	if len(rec.msgs) != 2 || rec.msgs[1].State != bus.USBUnmounted {
		t.Fatalf("after unmount: got %v", rec.msgs)
	}
	if w.Present() {
		t.Error("Present: got true, want false")
	}

	status = Unreadable
	w.Check()
	if len(rec.msgs) != 3 || rec.msgs[2].Error != bus.USBUnreadable {
		t.Fatalf("after unreadable: got %v", rec.msgs)
	}
	if !w.Present() {
		t.Error("unreadable media still counts as present")
	}
}

func TestStatProbeSameDeviceIsAbsent(t *testing.T) {
	// A plain temp directory shares its parent's device.
	dir := t.TempDir()
	if got := StatProbe(dir); got != Absent {
		t.Errorf("StatProbe(%s): got %s, want absent", dir, got)
	}
	if got := StatProbe(dir + "/does-not-exist"); got != Absent {
		t.Errorf("missing path: got %s, want absent", got)
	}
}
