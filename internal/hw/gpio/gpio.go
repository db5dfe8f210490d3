package gpio

import (
	"fmt"

	"github.com/cjeanneret/ScanGo/internal/debug"
)

// Level represents the logical state of a GPIO pin.
type Level bool

const (
	Low  Level = false
	High Level = true
)

// PinMode indicates whether a GPIO is input or output.
type PinMode int

const (
	Input PinMode = iota
	Output
)

// Driver kinds accepted by NewDriver.
const (
	KindMock     = "mock"
	KindRPi      = "rpio"
	KindGPIOCdev = "gpiocdev"
)

// Driver defines the abstract interface for controlling GPIOs.
// This allows plugging in a real board implementation
// or a mock for development on PC.
type Driver interface {
	SetupPin(pin int, mode PinMode) error
	WritePin(pin int, level Level) error
	ReadPin(pin int) (Level, error)
	Close() error
}

// MockDriver is a test implementation that simply logs actions.
// Used for development on PC or testing.
type MockDriver struct{}

// NewDriver opens the GPIO controller selected by kind.
// chip is only used by the character-device driver (e.g. "gpiochip0").
func NewDriver(kind, chip string) (Driver, error) {
	switch kind {
	case KindMock:
		debug.Info("Using MOCK GPIO driver (development mode)")
		return &MockDriver{}, nil
	case KindRPi:
		return NewRegisterDriver()
	case KindGPIOCdev, "":
		return NewCdevDriver(chip)
	default:
		return nil, fmt.Errorf("unsupported gpio driver: %q", kind)
	}
}

func (m *MockDriver) SetupPin(pin int, mode PinMode) error {
	debug.GPIO("SetupPin", pin, mode)
	return nil
}

func (m *MockDriver) WritePin(pin int, level Level) error {
	debug.GPIO("WritePin", pin, level)
	return nil
}

func (m *MockDriver) ReadPin(pin int) (Level, error) {
	debug.GPIO("ReadPin", pin, nil)
	return Low, nil
}

func (m *MockDriver) Close() error {
	debug.Trace("GPIO Close (mock)")
	return nil
}
