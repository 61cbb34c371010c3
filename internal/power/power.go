// Package power negotiates the USB-PD supply voltage. The amplifier wants
// the highest profile while audio is playing and the nominal one otherwise.
package power

import (
	"fmt"
	"sync"
)

// Profile is a requested supply voltage profile.
type Profile int

const (
	Nominal Profile = iota
	Max
)

func (p Profile) String() string {
	switch p {
	case Nominal:
		return "nominal"
	case Max:
		return "max"
	}
	return fmt.Sprintf("Profile(%d)", int(p))
}

// Supply switches the negotiated voltage.
type Supply interface {
	SetNominalVoltage() error
	SetMaxVoltage() error
}

// Applier applies profiles to a Supply, writing to hardware only when the
// requested profile differs from the last one applied successfully. Safe
// for concurrent use.
type Applier struct {
	supply Supply

	mu      sync.Mutex
	applied bool
	last    Profile
	writes  int
}

// NewApplier creates an Applier for supply.
func NewApplier(supply Supply) *Applier {
	return &Applier{supply: supply}
}

// Apply requests profile p. It reports whether a hardware write happened.
// A failed write is not remembered, so the next Apply retries.
func (a *Applier) Apply(p Profile) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.applied && a.last == p {
		return false, nil
	}

	var err error
	switch p {
	case Max:
		err = a.supply.SetMaxVoltage()
	default:
		err = a.supply.SetNominalVoltage()
	}
	a.writes++
	if err != nil {
		a.applied = false
		return true, fmt.Errorf("apply %s profile: %w", p, err)
	}
	a.applied = true
	a.last = p
	return true, nil
}

// Last returns the last successfully applied profile.
func (a *Applier) Last() (Profile, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.last, a.applied
}

// Writes returns how many hardware writes were attempted.
func (a *Applier) Writes() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.writes
}
