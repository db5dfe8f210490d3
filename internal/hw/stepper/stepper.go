package stepper

import (
	"fmt"
	"time"

	"github.com/cjeanneret/ScanGo/internal/debug"
	"github.com/cjeanneret/ScanGo/internal/hw/gpio"
)

// Default timings.
const (
	DefaultStepDelay = 1000 * time.Microsecond // half-cycle: 500 steps/s
	DefaultDirSettle = 100 * time.Microsecond
)

// Config holds the hardware configuration for a stepper motor driver.
type Config struct {
	StepPin   int
	DirPin    int
	EnablePin int           // A4988 ENABLE pin. 0 = not used. Active LOW (LOW=enabled).
	StepDelay time.Duration // delay per half-cycle of STEP pulse. Total step = 2*StepDelay.
	DirSettle time.Duration // pause after setting DIR before the first pulse
}

// Stepper generates STEP/DIR pulse trains on two GPIO lines.
// It is not safe for concurrent use; Worker serializes access to it.
type Stepper struct {
	gpio   gpio.Driver
	cfg    Config
	delay  time.Duration // delay between STEP pulse half-cycles
	settle time.Duration
}

// NewStepper requests the STEP and DIR lines as outputs (low) and the
// optional ENABLE line (driven low, i.e. enabled).
// cfg.StepDelay and cfg.DirSettle default to 1ms and 100µs when zero.
func NewStepper(g gpio.Driver, cfg Config) (*Stepper, error) {
	if cfg.StepPin == cfg.DirPin {
		return nil, fmt.Errorf("step and dir pins must differ, both are %d", cfg.StepPin)
	}
	if err := g.SetupPin(cfg.StepPin, gpio.Output); err != nil {
		return nil, fmt.Errorf("setup step pin %d: %w", cfg.StepPin, err)
	}
	if err := g.SetupPin(cfg.DirPin, gpio.Output); err != nil {
		return nil, fmt.Errorf("setup dir pin %d: %w", cfg.DirPin, err)
	}

	delay := cfg.StepDelay
	if delay <= 0 {
		delay = DefaultStepDelay
	}
	settle := cfg.DirSettle
	if settle <= 0 {
		settle = DefaultDirSettle
	}

	s := &Stepper{
		gpio:   g,
		cfg:    cfg,
		delay:  delay,
		settle: settle,
	}

	// A4988 ENABLE: active LOW. LOW = enabled, HIGH = disabled.
	if cfg.EnablePin > 0 {
		if err := g.SetupPin(cfg.EnablePin, gpio.Output); err != nil {
			return nil, fmt.Errorf("setup enable pin %d: %w", cfg.EnablePin, err)
		}
		if err := g.WritePin(cfg.EnablePin, gpio.Low); err != nil {
			return nil, fmt.Errorf("enable driver: %w", err)
		}
	}

	return s, nil
}

// MoveSteps moves the motor by a number of steps (positive or negative).
// Zero steps is a no-op with no GPIO activity.
func (s *Stepper) MoveSteps(steps int) error {
	if steps == 0 {
		return nil
	}

	dirLevel, direction := Direction(steps)
	if steps < 0 {
		steps = -steps
	}

	debug.Printf("Stepper: moving %d steps (%s) on pin %d", steps, direction, s.cfg.StepPin)

	if err := s.gpio.WritePin(s.cfg.DirPin, dirLevel); err != nil {
		return err
	}
	time.Sleep(s.settle)

	for i := 0; i < steps; i++ {
		if err := s.stepPulse(); err != nil {
			return fmt.Errorf("pulse %d/%d: %w", i+1, steps, err)
		}
	}
	return nil
}

// Direction maps the sign of steps to the DIR line level.
func Direction(steps int) (gpio.Level, string) {
	if steps > 0 {
		return gpio.High, "forward"
	}
	return gpio.Low, "backward"
}

func (s *Stepper) stepPulse() error {
	if err := s.gpio.WritePin(s.cfg.StepPin, gpio.High); err != nil {
		return err
	}
	time.Sleep(s.delay)
	if err := s.gpio.WritePin(s.cfg.StepPin, gpio.Low); err != nil {
		return err
	}
	time.Sleep(s.delay)
	return nil
}

// Enable turns on the motor driver (A4988 ENABLE=LOW). Motor holds position.
func (s *Stepper) Enable() error {
	if s.cfg.EnablePin <= 0 {
		return nil
	}
	return s.gpio.WritePin(s.cfg.EnablePin, gpio.Low)
}

// Disable turns off the motor driver (A4988 ENABLE=HIGH). Motor freewheels, no holding torque.
// Use during photo capture to reduce vibration.
func (s *Stepper) Disable() error {
	if s.cfg.EnablePin <= 0 {
		return nil
	}
	return s.gpio.WritePin(s.cfg.EnablePin, gpio.High)
}

// StepRate returns the pulse rate in steps per second.
func (s *Stepper) StepRate() float64 {
	return float64(time.Second) / float64(2*s.delay)
}
