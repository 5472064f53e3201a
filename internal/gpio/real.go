//go:build linux

package gpio

import (
	"fmt"

	"github.com/warthog618/go-gpiocdev"
)

// RealWakeLine watches a GPIO line for falling edges.
type RealWakeLine struct {
	chip *gpiocdev.Chip
	line *gpiocdev.Line
	wake chan struct{}
}

// NewRealWakeLine requests offset on chip as a pulled-up input with falling
// edge detection.
func NewRealWakeLine(chipName string, offset int) (*RealWakeLine, error) {
	chip, err := gpiocdev.NewChip(chipName)
	if err != nil {
		return nil, fmt.Errorf("open gpio chip %s: %w", chipName, err)
	}

	w := &RealWakeLine{chip: chip, wake: make(chan struct{}, 1)}
	line, err := chip.RequestLine(offset,
		gpiocdev.AsInput,
		gpiocdev.WithPullUp,
		gpiocdev.WithFallingEdge,
		gpiocdev.WithEventHandler(w.onEdge),
		gpiocdev.WithConsumer("boxctl-wake"))
	if err != nil {
		chip.Close()
		return nil, fmt.Errorf("request wake line %d: %w", offset, err)
	}
	w.line = line
	return w, nil
}

func (w *RealWakeLine) onEdge(evt gpiocdev.LineEvent) {
	if evt.Type != gpiocdev.LineEventFallingEdge {
		return
	}
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Wake returns the edge channel.
func (w *RealWakeLine) Wake() <-chan struct{} {
	return w.wake
}

// Asserted reads the line. Active low: raw 0 means asserted.
func (w *RealWakeLine) Asserted() (bool, error) {
	v, err := w.line.Value()
	if err != nil {
		return false, fmt.Errorf("read wake line: %w", err)
	}
	return v == 0, nil
}

// Close returns the line to a plain input and releases the chip.
func (w *RealWakeLine) Close() error {
	var errs []error
	if w.line != nil {
		if err := w.line.Reconfigure(gpiocdev.AsInput, gpiocdev.WithBiasDisabled); err != nil {
			errs = append(errs, fmt.Errorf("reconfigure wake line: %w", err))
		}
		if err := w.line.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close wake line: %w", err))
		}
	}
	if w.chip != nil {
		if err := w.chip.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close chip: %w", err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("close errors: %v", errs)
	}
	return nil
}
