package motion

import (
	"github.com/cjeanneret/ScanGo/internal/debug"
	"github.com/cjeanneret/ScanGo/internal/hw/stepper"
	"github.com/cjeanneret/ScanGo/internal/logic/geometry"
)

// Mover is the motion worker as seen by the controller.
// *stepper.Worker implements it.
type Mover interface {
	MoveAndWait(steps int) error
	Enable() error
	Disable() error
}

var _ Mover = (*stepper.Worker)(nil)

// Controller drives the turntable. It's an intermediate layer between
// business logic (scan sequences) and the motion worker, and keeps track
// of where the table is.
type Controller struct {
	mover Mover
	steps *geometry.StepsCalculator

	position int // absolute steps since start, signed
	total    int // sum of |steps| moved
}

func NewController(m Mover, stepsPerRotation int) *Controller {
	return &Controller{
		mover: m,
		steps: geometry.NewStepsCalculator(stepsPerRotation),
	}
}

// Rotate turns the table by steps (sign gives direction) and blocks until
// the move is done. Position is only updated for completed moves.
func (c *Controller) Rotate(steps int) error {
	if err := c.mover.MoveAndWait(steps); err != nil {
		return err
	}
	c.position += steps
	c.total += abs(steps)
	debug.Verbose("Table at %d steps (%.2f°)", c.Position(), c.Angle())
	return nil
}

// Position returns the table position within one rotation.
func (c *Controller) Position() int {
	return c.steps.Normalize(c.position)
}

// Angle returns Position in degrees.
func (c *Controller) Angle() float64 {
	return c.steps.AngleForSteps(c.Position())
}

// TotalSteps returns how many steps have been pulsed so far, both directions.
func (c *Controller) TotalSteps() int {
	return c.total
}

// Hold energizes the motor so the table keeps its position.
func (c *Controller) Hold() error {
	return c.mover.Enable()
}

// Release removes holding torque (less vibration while a photo is taken).
func (c *Controller) Release() error {
	return c.mover.Disable()
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
