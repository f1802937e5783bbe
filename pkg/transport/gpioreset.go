package transport

import (
	"fmt"
	"time"

	"github.com/warthog618/go-gpiocdev"
)

// GPIOResetLine pulses a GPIO line low then high to reset a target
// wired to a host-controlled reset pin, satisfying the Resetter
// interface SerialConfig.ResetLine expects.
type GPIOResetLine struct {
	Chip        string
	Offset      int
	PulseWidth  time.Duration
	ActiveLow   bool
}

func (g GPIOResetLine) Pulse() error {
	pulseWidth := g.PulseWidth
	if pulseWidth <= 0 {
		pulseWidth = 50 * time.Millisecond
	}

	asserted, deasserted := 0, 1
	if g.ActiveLow {
		asserted, deasserted = 1, 0
	}

	line, err := gpiocdev.RequestLine(g.Chip, g.Offset, gpiocdev.AsOutput(deasserted))
	if err != nil {
		return fmt.Errorf("transport: gpio request %s:%d: %w", g.Chip, g.Offset, err)
	}
	defer line.Close()

	if err := line.SetValue(asserted); err != nil {
		return fmt.Errorf("transport: gpio assert reset: %w", err)
	}
	time.Sleep(pulseWidth)
	if err := line.SetValue(deasserted); err != nil {
		return fmt.Errorf("transport: gpio deassert reset: %w", err)
	}

	return nil
}
