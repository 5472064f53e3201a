// Package expander reads and writes the 16-bit I/O expander ports of a node.
// The real implementation talks to PCF8575 chips over I²C via periph.io.
// The fake implementation allows testing without hardware.
package expander

// Port is a bank of 16-bit expander ports.
type Port interface {
	// ReadPort returns the current 16 input bits of port; bit i is line i.
	ReadPort(port int) (uint16, error)

	// WritePort drives all 16 lines of port at once.
	WritePort(port int, v uint16) error

	// Close releases the bus.
	Close() error
}

// Port numbers.
const (
	PortInputs  = 0 // digital inputs, channels 0..15
	PortOutputs = 1 // relay/SSR outputs
	PortSensors = 2 // sensor inputs, channels 16..31

	NumPorts = 3
)
