package stepper

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cjeanneret/ScanGo/internal/debug"
	"github.com/cjeanneret/ScanGo/internal/hw/gpio"
)

var (
	// ErrClosed is returned by calls made after Close.
	ErrClosed = errors.New("stepper: worker closed")
	// ErrMoveInProgress is returned when a command is posted while another is outstanding.
	ErrMoveInProgress = errors.New("stepper: command already in progress")
)

// State is the lifecycle state of a Worker.
type State int32

const (
	Idle State = iota
	Executing
	ShuttingDown
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Executing:
		return "executing"
	case ShuttingDown:
		return "shutting-down"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

type commandKind int

const (
	cmdMove commandKind = iota
	cmdEnable
	cmdDisable
)

type command struct {
	kind  commandKind
	steps int
}

// Worker owns the motor lines and pulses them from a single goroutine.
// Callers post one command at a time and block until it completes;
// a move, once started, always runs to completion.
type Worker struct {
	gpio    gpio.Driver
	stepper *Stepper

	cmds   chan command
	done   chan error
	quit   chan struct{}
	exited chan struct{}

	busy   atomic.Bool
	closed atomic.Bool
	state  atomic.Int32
	moves  atomic.Uint64

	closeOnce sync.Once
	closeErr  error
}

// NewWorker takes ownership of g, requests the motor lines and starts the
// worker goroutine in Idle. On error g is closed.
func NewWorker(g gpio.Driver, cfg Config) (*Worker, error) {
	s, err := NewStepper(g, cfg)
	if err != nil {
		if cerr := g.Close(); cerr != nil {
			debug.Error(cerr)
		}
		return nil, err
	}

	w := &Worker{
		gpio:    g,
		stepper: s,
		cmds:    make(chan command, 1),
		done:    make(chan error, 1),
		quit:    make(chan struct{}),
		exited:  make(chan struct{}),
	}
	w.state.Store(int32(Idle))
	go w.run()

	debug.Info("Stepper worker started (step=%d dir=%d, %.0f steps/s)", cfg.StepPin, cfg.DirPin, s.StepRate())
	return w, nil
}

func (w *Worker) run() {
	defer close(w.exited)
	for {
		select {
		case c := <-w.cmds:
			w.state.Store(int32(Executing))
			err := w.execute(c)
			if w.closed.Load() {
				w.state.Store(int32(ShuttingDown))
			} else {
				w.state.Store(int32(Idle))
			}
			w.done <- err
		case <-w.quit:
			w.state.Store(int32(ShuttingDown))
			return
		}
	}
}

func (w *Worker) execute(c command) error {
	switch c.kind {
	case cmdMove:
		_, direction := Direction(c.steps)
		debug.Move(abs(c.steps), direction)
		if err := w.stepper.MoveSteps(c.steps); err != nil {
			return fmt.Errorf("move %d steps: %w", c.steps, err)
		}
		w.moves.Add(1)
		return nil
	case cmdEnable:
		return w.stepper.Enable()
	case cmdDisable:
		return w.stepper.Disable()
	default:
		return fmt.Errorf("unknown command %d", c.kind)
	}
}

// MoveAndWait moves the motor by steps (sign selects direction) and blocks
// until every pulse has been emitted. Zero is legal and completes at once.
// There is no timeout.
func (w *Worker) MoveAndWait(steps int) error {
	return w.post(command{kind: cmdMove, steps: steps})
}

// Enable drives the optional ENABLE line so the motor holds position.
func (w *Worker) Enable() error {
	return w.post(command{kind: cmdEnable})
}

// Disable releases holding torque.
func (w *Worker) Disable() error {
	return w.post(command{kind: cmdDisable})
}

func (w *Worker) post(c command) error {
	if w.closed.Load() {
		return ErrClosed
	}
	if !w.busy.CompareAndSwap(false, true) {
		return ErrMoveInProgress
	}
	defer w.busy.Store(false)

	w.cmds <- c

	select {
	case err := <-w.done:
		return err
	case <-w.exited:
		// the reply is sent before exited closes
		select {
		case err := <-w.done:
			return err
		default:
			return ErrClosed
		}
	}
}

// State reports what the worker is doing.
func (w *Worker) State() State {
	return State(w.state.Load())
}

// MovesCompleted is the number of moves that finished without error.
func (w *Worker) MovesCompleted() uint64 {
	return w.moves.Load()
}

// Close stops the worker and releases the lines and the GPIO controller.
// It waits for an in-flight move to finish. Must not race with MoveAndWait.
func (w *Worker) Close() error {
	w.closeOnce.Do(func() {
		w.closed.Store(true)
		close(w.quit)
		w.state.CompareAndSwap(int32(Idle), int32(ShuttingDown))
		<-w.exited
		w.closeErr = w.gpio.Close()
		debug.Info("Stepper worker stopped after %d moves", w.moves.Load())
	})
	return w.closeErr
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
