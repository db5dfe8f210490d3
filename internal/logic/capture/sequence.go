package capture

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"

	"github.com/cjeanneret/ScanGo/internal/debug"
	"github.com/cjeanneret/ScanGo/internal/hw/camera"
	"github.com/cjeanneret/ScanGo/internal/logic/geometry"
	"github.com/cjeanneret/ScanGo/internal/logic/motion"
)

// TestFrameIndex is the image index used by the camera self-test.
const TestFrameIndex = 999

// TestStepperSteps is how far the stepper self-test turns each way.
const TestStepperSteps = 400

// IsHardwareFailure reports whether a capture error means the camera can
// no longer be trusted, as opposed to one lost frame.
func IsHardwareFailure(err error) bool {
	return errors.Is(err, camera.ErrDeviceFailed) || errors.Is(err, camera.ErrNotInitialized)
}

// Sequence contains high-level logic for a turntable scan: captures and
// table moves in strict alternation.
type Sequence struct {
	motion *motion.Controller
	camera camera.Camera
}

func NewSequence(m *motion.Controller, c camera.Camera) *Sequence {
	return &Sequence{
		motion: m,
		camera: c,
	}
}

// ScanParams defines the parameters for one full rotation.
type ScanParams struct {
	Plan      *geometry.RotationPlan
	OutputDir string

	SettleDelay          time.Duration // pause after each non-final move
	ReleaseDuringCapture bool          // drop holding torque while the photo is taken
	Retries              int           // extra attempts per frame on transient failure
	RetryDelay           time.Duration
}

// FrameError records one picture that could not be taken.
type FrameError struct {
	Index int
	Err   error
}

func (e FrameError) Error() string {
	return fmt.Sprintf("frame %d: %v", e.Index, e.Err)
}

// Result summarizes a scan.
type Result struct {
	ID       string
	Started  time.Time
	Finished time.Time
	Files    []string
	Failed   []FrameError
	Steps    int // steps moved during this scan
}

// RunScan takes plan.Pictures photos, turning the table by plan.Moves[i]
// after photo i. A lost frame is recorded and the scan goes on; a move
// failure or a camera hardware failure ends it. ctx is checked between
// steps only, a started capture or move always completes.
//
// The returned Result is never nil, even with an error.
func (s *Sequence) RunScan(ctx context.Context, p ScanParams) (*Result, error) {
	res := &Result{ID: uuid.New().String(), Started: time.Now()}
	defer func() { res.Finished = time.Now() }()

	plan := p.Plan
	if plan == nil {
		return res, fmt.Errorf("scan %s: no rotation plan", res.ID)
	}

	debug.Section("Scan " + res.ID)
	debug.Info("Scan %s: %d pictures, %d steps per rotation", res.ID, plan.Pictures, plan.StepsPerRotation)

	if err := s.motion.Hold(); err != nil {
		return res, fmt.Errorf("scan %s: enable motor: %w", res.ID, err)
	}

	for i := 0; i < plan.Pictures; i++ {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		debug.Capture(i, plan.Pictures)
		debug.Verbose("Frame %d at step %d of %d", i, plan.PositionBefore(i), plan.StepsPerRotation)
		path, err := s.capture(ctx, p, i)
		if err != nil {
			if IsHardwareFailure(err) {
				return res, fmt.Errorf("scan %s: frame %d: %w", res.ID, i, err)
			}
			debug.Error(fmt.Errorf("frame %d/%d: %w", i+1, plan.Pictures, err))
			res.Failed = append(res.Failed, FrameError{Index: i, Err: err})
		} else {
			res.Files = append(res.Files, path)
		}

		if err := ctx.Err(); err != nil {
			return res, err
		}

		steps := plan.Moves[i]
		if steps == 0 {
			continue
		}
		if err := s.motion.Rotate(steps); err != nil {
			return res, fmt.Errorf("scan %s: move after frame %d: %w", res.ID, i, err)
		}
		res.Steps += steps

		if i < plan.Pictures-1 && p.SettleDelay > 0 {
			if err := sleep(ctx, p.SettleDelay); err != nil {
				return res, err
			}
		}
	}

	debug.Summary("Scan Summary")
	debug.Value("Scan ID", res.ID)
	debug.Value("Images saved", len(res.Files))
	debug.Value("Images lost", len(res.Failed))
	debug.Value("Steps moved", res.Steps)
	return res, nil
}

// capture takes one picture, retrying transient failures.
func (s *Sequence) capture(ctx context.Context, p ScanParams, index int) (string, error) {
	if p.ReleaseDuringCapture {
		if err := s.motion.Release(); err != nil {
			debug.Error(fmt.Errorf("release motor: %w", err))
		}
		defer func() {
			if err := s.motion.Hold(); err != nil {
				debug.Error(fmt.Errorf("enable motor: %w", err))
			}
		}()
	}
	return captureWithRetry(ctx, s.camera, p.OutputDir, index, p.Retries, p.RetryDelay)
}

func captureWithRetry(ctx context.Context, cam camera.Camera, dir string, index, retries int, delay time.Duration) (string, error) {
	// WithMaxRetries treats 0 as unlimited.
	if retries <= 0 {
		return cam.CaptureOneImage(dir, index)
	}

	var path string
	attempt := 0
	op := func() error {
		attempt++
		var err error
		path, err = cam.CaptureOneImage(dir, index)
		if err == nil {
			return nil
		}
		if IsHardwareFailure(err) {
			return backoff.Permanent(err)
		}
		debug.Verbose("Frame %d attempt %d/%d failed: %v", index, attempt, retries+1, err)
		return err
	}

	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(delay), uint64(retries)), ctx)
	if err := backoff.Retry(op, b); err != nil {
		return "", err
	}
	return path, nil
}

// ManualParams defines a timed capture run without motors: the operator
// turns the object by hand during the countdown.
type ManualParams struct {
	Pictures  int
	OutputDir string
	Countdown time.Duration // time given before each shot
}

// RunManual takes p.Pictures photos, one per countdown. Lost frames are
// recorded and the run continues unless the camera itself failed.
func (s *Sequence) RunManual(ctx context.Context, p ManualParams) (*Result, error) {
	res := &Result{ID: uuid.New().String(), Started: time.Now()}
	defer func() { res.Finished = time.Now() }()

	debug.Section("Manual Scan " + res.ID)
	debug.Info("Manual scan: %d pictures, %v between shots", p.Pictures, p.Countdown)

	for i := 0; i < p.Pictures; i++ {
		debug.Live("[Move the object now] %v remaining", p.Countdown)
		if err := countdown(ctx, p.Countdown); err != nil {
			return res, err
		}

		debug.Capture(i, p.Pictures)
		path, err := s.camera.CaptureOneImage(p.OutputDir, i)
		if err != nil {
			if IsHardwareFailure(err) {
				return res, fmt.Errorf("manual scan: frame %d: %w", i, err)
			}
			debug.Error(fmt.Errorf("frame %d/%d: %w", i+1, p.Pictures, err))
			res.Failed = append(res.Failed, FrameError{Index: i, Err: err})
			continue
		}
		res.Files = append(res.Files, path)
	}

	debug.Info("Manual scan finished: %d saved, %d lost", len(res.Files), len(res.Failed))
	return res, nil
}

// TestStepper turns the table forward then back to check the wiring.
func (s *Sequence) TestStepper(ctx context.Context, pause time.Duration) error {
	debug.Section("Stepper Test")
	if err := s.motion.Hold(); err != nil {
		return err
	}
	debug.Live("Moving %d steps forward", TestStepperSteps)
	if err := s.motion.Rotate(TestStepperSteps); err != nil {
		return err
	}
	if err := sleep(ctx, pause); err != nil {
		return err
	}
	debug.Live("Moving %d steps backward", TestStepperSteps)
	if err := s.motion.Rotate(-TestStepperSteps); err != nil {
		return err
	}
	debug.Info("Stepper test complete")
	return nil
}

// TestCamera takes a single picture with index TestFrameIndex.
func (s *Sequence) TestCamera(dir string) (string, error) {
	debug.Section("Camera Test")
	path, err := s.camera.CaptureOneImage(dir, TestFrameIndex)
	if err != nil {
		return "", fmt.Errorf("camera test: %w", err)
	}
	debug.Info("Camera test: saved %s", path)
	return path, nil
}

// countdown waits d, logging the seconds left.
func countdown(ctx context.Context, d time.Duration) error {
	for d > 0 {
		step := time.Second
		if d < step {
			step = d
		}
		if err := sleep(ctx, step); err != nil {
			return err
		}
		d -= step
		if d > 0 {
			debug.Live("%d...", int((d+time.Second-1)/time.Second))
		}
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
