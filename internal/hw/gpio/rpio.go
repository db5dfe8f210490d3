package gpio

import (
	"fmt"

	"github.com/cjeanneret/ScanGo/internal/debug"
	"github.com/stianeikeland/go-rpio/v4"
)

// RegisterDriver drives BCM pins by writing the SoC's GPIO registers
// through go-rpio. Raspberry Pi boards only; pins are BCM numbers.
type RegisterDriver struct {
	pins map[int]rpio.Pin
}

// NewRegisterDriver maps the GPIO register block. Needs /dev/gpiomem
// or root.
func NewRegisterDriver() (*RegisterDriver, error) {
	debug.Info("Initializing register GPIO driver (go-rpio)")

	if err := rpio.Open(); err != nil {
		return nil, fmt.Errorf("map gpio registers: %w (not a Raspberry Pi?)", err)
	}
	return &RegisterDriver{pins: make(map[int]rpio.Pin)}, nil
}

// SetupPin sets the pin direction. Outputs start low.
func (d *RegisterDriver) SetupPin(pin int, mode PinMode) error {
	debug.GPIO("SetupPin", pin, mode)

	line := rpio.Pin(pin)
	switch mode {
	case Input:
		line.Input()
	case Output:
		line.Output()
		line.Low()
	default:
		return fmt.Errorf("unknown pin mode: %d", mode)
	}
	d.pins[pin] = line
	return nil
}

func (d *RegisterDriver) WritePin(pin int, level Level) error {
	debug.GPIO("WritePin", pin, level)

	line, ok := d.pins[pin]
	if !ok {
		return fmt.Errorf("bcm pin %d not set up", pin)
	}
	if level == High {
		line.High()
		return nil
	}
	line.Low()
	return nil
}

func (d *RegisterDriver) ReadPin(pin int) (Level, error) {
	debug.GPIO("ReadPin", pin, nil)

	line, ok := d.pins[pin]
	if !ok {
		return Low, fmt.Errorf("bcm pin %d not set up", pin)
	}
	return Level(line.Read() == rpio.High), nil
}

// Close turns every pin it touched back into an input, then unmaps
// the registers.
func (d *RegisterDriver) Close() error {
	debug.Trace("GPIO Close (go-rpio)")

	for pin, line := range d.pins {
		debug.Trace("BCM pin %d back to input", pin)
		line.Input()
	}
	d.pins = map[int]rpio.Pin{}
	if err := rpio.Close(); err != nil {
		return fmt.Errorf("unmap gpio registers: %w", err)
	}
	return nil
}
