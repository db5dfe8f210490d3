package gpio

import (
	"errors"
	"fmt"

	"github.com/cjeanneret/ScanGo/internal/debug"
	"github.com/warthog618/go-gpiocdev"
)

// Consumer is the label the kernel shows for lines held by this process.
const Consumer = "scango"

// CdevDriver drives lines through the Linux GPIO character device
// (/dev/gpiochipN). Pins are line offsets on the chip.
type CdevDriver struct {
	chip  *gpiocdev.Chip
	lines map[int]*gpiocdev.Line
}

// NewCdevDriver opens the GPIO controller by name (e.g. "gpiochip0").
func NewCdevDriver(chip string) (*CdevDriver, error) {
	if chip == "" {
		chip = "gpiochip0"
	}
	debug.Info("Initializing character-device GPIO driver (%s)", chip)

	c, err := gpiocdev.NewChip(chip, gpiocdev.WithConsumer(Consumer))
	if err != nil {
		return nil, fmt.Errorf("open gpio chip %s: %w", chip, err)
	}
	return &CdevDriver{
		chip:  c,
		lines: make(map[int]*gpiocdev.Line),
	}, nil
}

// SetupPin requests the line. Outputs start low.
func (d *CdevDriver) SetupPin(pin int, mode PinMode) error {
	debug.GPIO("SetupPin", pin, mode)

	if l, ok := d.lines[pin]; ok {
		_ = l.Close()
		delete(d.lines, pin)
	}

	var opt gpiocdev.LineReqOption
	switch mode {
	case Input:
		opt = gpiocdev.AsInput
	case Output:
		opt = gpiocdev.AsOutput(0)
	default:
		return fmt.Errorf("unknown pin mode: %d", mode)
	}

	l, err := d.chip.RequestLine(pin, opt, gpiocdev.WithConsumer(Consumer))
	if err != nil {
		return fmt.Errorf("request line %d: %w", pin, err)
	}
	d.lines[pin] = l
	return nil
}

func (d *CdevDriver) WritePin(pin int, level Level) error {
	debug.GPIO("WritePin", pin, level)

	l, ok := d.lines[pin]
	if !ok {
		return fmt.Errorf("line %d not requested", pin)
	}
	v := 0
	if level == High {
		v = 1
	}
	if err := l.SetValue(v); err != nil {
		return fmt.Errorf("set line %d: %w", pin, err)
	}
	return nil
}

func (d *CdevDriver) ReadPin(pin int) (Level, error) {
	debug.GPIO("ReadPin", pin, nil)

	l, ok := d.lines[pin]
	if !ok {
		return Low, fmt.Errorf("line %d not requested", pin)
	}
	v, err := l.Value()
	if err != nil {
		return Low, fmt.Errorf("read line %d: %w", pin, err)
	}
	return Level(v != 0), nil
}

// Close releases every requested line, then the chip.
func (d *CdevDriver) Close() error {
	debug.Trace("GPIO Close (gpiocdev)")

	var errs []error
	for pin, l := range d.lines {
		if err := l.Close(); err != nil {
			errs = append(errs, fmt.Errorf("release line %d: %w", pin, err))
		}
	}
	d.lines = map[int]*gpiocdev.Line{}
	if d.chip != nil {
		if err := d.chip.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close chip: %w", err))
		}
		d.chip = nil
	}
	return errors.Join(errs...)
}
