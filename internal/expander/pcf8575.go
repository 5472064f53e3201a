package expander

import (
	"fmt"

	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"
)

// PCF8575 drives one PCF8575 chip per port on a shared I²C bus.
type PCF8575 struct {
	bus  i2c.BusCloser
	devs [NumPorts]*i2c.Dev
}

// OpenPCF8575 opens the named I²C bus ("" picks the first one) and binds the
// chips at addrs, indexed by port number. Input chips are written all-high so
// their quasi-bidirectional lines can be pulled low by the switches.
func OpenPCF8575(busName string, addrs [NumPorts]uint16) (*PCF8575, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("init periph host: %w", err)
	}
	b, err := i2creg.Open(busName)
	if err != nil {
		return nil, fmt.Errorf("open i2c bus %q: %w", busName, err)
	}

	p := &PCF8575{bus: b}
	for i, addr := range addrs {
		p.devs[i] = &i2c.Dev{Bus: b, Addr: addr}
	}
	for _, port := range []int{PortInputs, PortSensors} {
		if err := p.WritePort(port, 0xFFFF); err != nil {
			b.Close()
			return nil, fmt.Errorf("release input port %d: %w", port, err)
		}
	}
	return p, nil
}

// ReadPort reads both bytes of the chip, P00..P07 first.
func (p *PCF8575) ReadPort(port int) (uint16, error) {
	dev, err := p.dev(port)
	if err != nil {
		return 0, err
	}
	var buf [2]byte
	if err := dev.Tx(nil, buf[:]); err != nil {
		return 0, fmt.Errorf("read port %d at 0x%02x: %w", port, dev.Addr, err)
	}
	return uint16(buf[0]) | uint16(buf[1])<<8, nil
}

// WritePort writes both bytes in one transaction.
func (p *PCF8575) WritePort(port int, v uint16) error {
	dev, err := p.dev(port)
	if err != nil {
		return err
	}
	if err := dev.Tx([]byte{byte(v), byte(v >> 8)}, nil); err != nil {
		return fmt.Errorf("write port %d at 0x%02x: %w", port, dev.Addr, err)
	}
	return nil
}

// Close releases the I²C bus.
func (p *PCF8575) Close() error {
	return p.bus.Close()
}

func (p *PCF8575) dev(port int) (*i2c.Dev, error) {
	if port < 0 || port >= NumPorts {
		return nil, fmt.Errorf("no such port %d", port)
	}
	return p.devs[port], nil
}
