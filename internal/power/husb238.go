package power

import (
	"fmt"

	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"
)

// HUSB238 register map (subset).
const (
	DefaultAddress = 0x08

	regPDStatus0 = 0x00
	regSrcPDO    = 0x08
	regGoCommand = 0x09

	goSelectPDO = 0x01
)

// PDO selectors written to SRC_PDO (upper nibble).
const (
	PDO5V  byte = 0x1
	PDO9V  byte = 0x2
	PDO12V byte = 0x3
	PDO15V byte = 0x8
	PDO18V byte = 0x9
	PDO20V byte = 0xa
)

// HUSB238 drives a HUSB238 USB-PD sink controller over I2C.
type HUSB238 struct {
	dev     i2c.Dev
	bus     i2c.BusCloser
	nominal byte
	max     byte
}

// Open initializes the host drivers and opens the sink on the named I2C
// bus ("" selects the first available bus).
func Open(busName string, addr uint16, nominal, max byte) (*HUSB238, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("init host: %w", err)
	}
	b, err := i2creg.Open(busName)
	if err != nil {
		return nil, fmt.Errorf("open i2c bus %q: %w", busName, err)
	}
	return newHUSB238(b, addr, nominal, max), nil
}

func newHUSB238(b i2c.BusCloser, addr uint16, nominal, max byte) *HUSB238 {
	if addr == 0 {
		addr = DefaultAddress
	}
	return &HUSB238{
		dev:     i2c.Dev{Addr: addr, Bus: b},
		bus:     b,
		nominal: nominal,
		max:     max,
	}
}

// SetNominalVoltage selects the nominal PDO.
func (h *HUSB238) SetNominalVoltage() error {
	return h.selectPDO(h.nominal)
}

// SetMaxVoltage selects the maximum PDO.
func (h *HUSB238) SetMaxVoltage() error {
	return h.selectPDO(h.max)
}

func (h *HUSB238) selectPDO(pdo byte) error {
	if err := h.dev.Tx([]byte{regSrcPDO, pdo << 4}, nil); err != nil {
		return fmt.Errorf("write SRC_PDO: %w", err)
	}
	if err := h.dev.Tx([]byte{regGoCommand, goSelectPDO}, nil); err != nil {
		return fmt.Errorf("write GO_COMMAND: %w", err)
	}
	return nil
}

// Status reads PD_STATUS0: the negotiated voltage nibble and current nibble.
func (h *HUSB238) Status() (voltage, current byte, err error) {
	r := make([]byte, 1)
	if err := h.dev.Tx([]byte{regPDStatus0}, r); err != nil {
		return 0, 0, fmt.Errorf("read PD_STATUS0: %w", err)
	}
	return r[0] >> 4, r[0] & 0x0f, nil
}

// Close releases the I2C bus.
func (h *HUSB238) Close() error {
	return h.bus.Close()
}

// ParsePDO maps a voltage name ("5V", "9V", ...) to its PDO selector.
func ParsePDO(name string) (byte, error) {
	switch name {
	case "5V":
		return PDO5V, nil
	case "9V":
		return PDO9V, nil
	case "12V":
		return PDO12V, nil
	case "15V":
		return PDO15V, nil
	case "18V":
		return PDO18V, nil
	case "20V":
		return PDO20V, nil
	}
	return 0, fmt.Errorf("unknown PDO %q", name)
}
