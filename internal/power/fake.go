package power

import "sync"

// FakeSupply records voltage requests for tests and for running without
// a PD controller.
type FakeSupply struct {
	mu    sync.Mutex
	calls []Profile

	// Err, when set, is returned by every call.
	Err error
}

// SetNominalVoltage records a nominal request.
func (f *FakeSupply) SetNominalVoltage() error {
	return f.record(Nominal)
}

// SetMaxVoltage records a max request.
func (f *FakeSupply) SetMaxVoltage() error {
	return f.record(Max)
}

func (f *FakeSupply) record(p Profile) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, p)
	return f.Err
}

// Calls returns a copy of the recorded requests.
func (f *FakeSupply) Calls() []Profile {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Profile, len(f.calls))
	copy(out, f.calls)
	return out
}
