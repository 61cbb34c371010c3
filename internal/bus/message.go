// Package bus carries tagged domain events from every producer (buttons,
// volume knob, USB watcher, WiFi watcher, web portal, remote relay) to a
// single dispatch loop.
package bus

import (
	"fmt"
	"time"
)

// Source identifies the subsystem that produced a message.
type Source string

const (
	SourceButton    Source = "button"
	SourceVolume    Source = "volume"
	SourceUSB       Source = "usb"
	SourceWiFi      Source = "wifi"
	SourceWebPortal Source = "webportal"
	SourceRelay     Source = "relay"
	SourceSystem    Source = "system"
)

// Fault is an error tag carried by a message.
type Fault string

// NoFault is the "no error" sentinel.
const NoFault Fault = ""

// Message is an immutable record of something that happened. Construct it
// with New or Failure; pass it by value.
type Message struct {
	Source Source
	State  string
	Error  Fault
	Data   []any
}

// New creates a message for a state change reported by src. The data
// slice is copied.
func New(src Source, state string, data ...any) Message {
	return Message{Source: src, State: state, Data: copyData(data)}
}

// Failure creates a message reporting fault from src.
func Failure(src Source, fault Fault, data ...any) Message {
	return Message{Source: src, Error: fault, Data: copyData(data)}
}

// HasFault reports whether the message carries an error tag.
func (m Message) HasFault() bool {
	return m.Error != NoFault
}

// Stamp returns the first time.Time in Data, used to measure latency from
// producer to handler.
func (m Message) Stamp() (time.Time, bool) {
	for _, d := range m.Data {
		if t, ok := d.(time.Time); ok {
			return t, true
		}
	}
	return time.Time{}, false
}

// Int returns Data[i] as an int if it is one.
func (m Message) Int(i int) (int, bool) {
	if i < 0 || i >= len(m.Data) {
		return 0, false
	}
	n, ok := m.Data[i].(int)
	return n, ok
}

func (m Message) String() string {
	if m.HasFault() {
		return fmt.Sprintf("%s/!%s", m.Source, m.Error)
	}
	return fmt.Sprintf("%s/%s", m.Source, m.State)
}

func copyData(data []any) []any {
	if len(data) == 0 {
		return nil
	}
	out := make([]any, len(data))
	copy(out, data)
	return out
}
