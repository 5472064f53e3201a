package gate

import (
	"fmt"

	"github.com/tarm/serial"
)

// OpenSerial opens the host serial port (the USB CDC device of the gate).
// Reads block until data arrives; close the port to unblock them.
func OpenSerial(name string, baud int) (*serial.Port, error) {
	p, err := serial.OpenPort(&serial.Config{Name: name, Baud: baud})
	if err != nil {
		return nil, fmt.Errorf("open host serial %s: %w", name, err)
	}
	return p, nil
}
