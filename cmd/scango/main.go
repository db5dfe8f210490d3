package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/cjeanneret/ScanGo/internal/config"
	"github.com/cjeanneret/ScanGo/internal/debug"
	"github.com/cjeanneret/ScanGo/internal/hw/camera"
	"github.com/cjeanneret/ScanGo/internal/hw/gpio"
	"github.com/cjeanneret/ScanGo/internal/hw/stepper"
	"github.com/cjeanneret/ScanGo/internal/hw/v4l2"
	"github.com/cjeanneret/ScanGo/internal/logic/capture"
	"github.com/cjeanneret/ScanGo/internal/logic/geometry"
	"github.com/cjeanneret/ScanGo/internal/logic/hostlink"
	"github.com/cjeanneret/ScanGo/internal/logic/motion"
)

func main() {
	// CLI flags
	mode := &modeFlag{mode: modeAuto}
	flag.Var(mode, "mode", "run mode: "+strings.Join(modeNames(), ", "))
	cfgPath := flag.String("config", filepath.Join("configs", "default.yaml"), "path to config file")
	pictures := flag.Int("pictures", 0, "override pictures per rotation (0 = config)")
	outputDir := flag.String("output", "", "override output directory (empty = config)")
	debugLevel := flag.Int("debug", -1, "override debug level 0-4 (-1 = config)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Load configuration
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}

	// Validate CLI overrides (zero values mean "use config default")
	overrides := Overrides{Pictures: *pictures, OutputDir: *outputDir, DebugLevel: *debugLevel}
	if err := validateCLIOverrides(overrides); err != nil {
		log.Fatalf("invalid CLI override: %v", err)
	}
	applyOverrides(cfg, overrides)
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	// Initialize debug system
	debug.Init(cfg.Defaults.DebugLevel)
	debug.Section("Initialization")
	debug.Value("Config path", *cfgPath)
	debug.Value("Mode", mode.mode)
	debug.Value("Debug level", cfg.Defaults.DebugLevel)

	if err := run(ctx, cfg, mode.mode); err != nil {
		if errors.Is(err, context.Canceled) {
			debug.Info("Interrupted, shutting down")
			return
		}
		log.Fatalf("%s failed: %v", mode.mode, err)
	}
}

// run brings up the hardware the mode needs, camera first, runs the mode
// and tears everything down in reverse order.
func run(ctx context.Context, cfg *config.Config, m runMode) error {
	var cam camera.Camera
	if m.usesCamera() {
		debug.Step(1, "Initializing camera")
		camCfg, err := cameraConfig(cfg)
		if err != nil {
			return err
		}
		debug.PrintStruct("Camera config", cfg.Camera)
		if err := os.MkdirAll(cfg.Scan.OutputDir, 0o755); err != nil {
			return fmt.Errorf("create output dir: %w", err)
		}
		p, err := camera.Open(camCfg)
		if err != nil {
			return err
		}
		defer func() {
			if err := p.Close(); err != nil {
				log.Printf("closing camera failed: %v", err)
			}
		}()
		cam = p
	}

	var ctrl *motion.Controller
	if m.moves() {
		debug.Step(2, "Initializing motion worker")
		debug.PrintStruct("Stepper config", cfg.Stepper)
		gpioDriver, err := gpio.NewDriver(cfg.Stepper.Driver, cfg.Stepper.Chip)
		if err != nil {
			return fmt.Errorf("init GPIO: %w", err)
		}
		worker, err := stepper.NewWorker(gpioDriver, stepperConfig(cfg))
		if err != nil {
			return fmt.Errorf("init motion worker: %w", err)
		}
		defer func() {
			if err := worker.Close(); err != nil {
				log.Printf("closing motion worker failed: %v", err)
			}
		}()
		ctrl = motion.NewController(worker, cfg.StepsPerRotation())
	}

	seq := capture.NewSequence(ctrl, cam)

	switch m {
	case modeAuto:
		w := &hostlink.Watcher{
			TriggerPath:  cfg.Scan.TriggerFile,
			DonePath:     cfg.Scan.DoneFile,
			DoneMessage:  cfg.Scan.DoneMessage,
			PollInterval: cfg.PollInterval(),
			Fatal:        capture.IsHardwareFailure,
		}
		return w.Run(ctx, func(ctx context.Context) error {
			_, err := executeScan(ctx, cfg, seq)
			return err
		})

	case modeOnce:
		_, err := executeScan(ctx, cfg, seq)
		if sigErr := hostlink.SignalDone(cfg.Scan.DoneFile, cfg.Scan.DoneMessage); sigErr != nil {
			log.Printf("signal host failed: %v", sigErr)
		}
		return err

	case modeManual:
		res, err := seq.RunManual(ctx, capture.ManualParams{
			Pictures:  cfg.Scan.TotalPictures,
			OutputDir: cfg.Scan.OutputDir,
			Countdown: cfg.ManualCountdown(),
		})
		if err != nil {
			return err
		}
		logResult(res)
		return hostlink.SignalDone(cfg.Scan.DoneFile, cfg.Scan.DoneMessage)

	case modeTestStepper:
		return seq.TestStepper(ctx, time.Second)

	case modeTestCamera:
		_, err := seq.TestCamera(cfg.Scan.OutputDir)
		return err

	default:
		return fmt.Errorf("unknown mode %q", m)
	}
}

// executeScan runs one full rotation with the current configuration.
func executeScan(ctx context.Context, cfg *config.Config, seq *capture.Sequence) (*capture.Result, error) {
	debug.Step(3, "Calculating rotation plan")
	plan, err := geometry.NewRotationPlan(cfg.StepsPerRotation(), cfg.Scan.TotalPictures)
	if err != nil {
		return nil, fmt.Errorf("rotation plan: %w", err)
	}
	debug.Summary("Rotation Plan")
	debug.Value("Pictures", plan.Pictures)
	debug.Value("Steps per rotation", plan.StepsPerRotation)
	debug.Value("Base steps", plan.BaseSteps)
	debug.Value("Remainder", plan.Remainder)
	debug.Value("Total steps", plan.Total())

	res, err := seq.RunScan(ctx, capture.ScanParams{
		Plan:                 plan,
		OutputDir:            cfg.Scan.OutputDir,
		SettleDelay:          cfg.PostMoveDelay(),
		ReleaseDuringCapture: cfg.Stepper.ReleaseOnCapture,
		Retries:              cfg.Scan.CaptureRetries,
		RetryDelay:           cfg.CaptureRetryDelay(),
	})
	logResult(res)
	if err != nil {
		return res, err
	}
	debug.Section("Sequence Complete")
	return res, nil
}

func logResult(res *capture.Result) {
	if res == nil {
		return
	}
	debug.Info("Run %s: %d saved, %d lost in %v", res.ID, len(res.Files), len(res.Failed),
		res.Finished.Sub(res.Started).Round(time.Millisecond))
	for _, f := range res.Failed {
		debug.Info("  lost %s", f)
	}
}

// cameraConfig maps the file configuration onto the capture pipeline.
func cameraConfig(cfg *config.Config) (camera.Config, error) {
	pixfmt, err := v4l2.ParsePixelFormat(cfg.Camera.PixelFormat)
	if err != nil {
		return camera.Config{}, err
	}
	return camera.Config{
		DevicePath:   cfg.Camera.Device,
		Width:        cfg.Camera.Width,
		Height:       cfg.Camera.Height,
		PixelFormat:  pixfmt,
		BufferCount:  cfg.Camera.BufferCount,
		SkipFrames:   cfg.Camera.SkipFrames,
		FrameTimeout: cfg.FrameTimeout(),
		FilePrefix:   cfg.Camera.FilePrefix,
	}, nil
}

func stepperConfig(cfg *config.Config) stepper.Config {
	return stepper.Config{
		StepPin:   cfg.Stepper.StepPin,
		DirPin:    cfg.Stepper.DirPin,
		EnablePin: cfg.Stepper.EnablePin,
		StepDelay: cfg.StepDelay(),
		DirSettle: cfg.DirSettle(),
	}
}

// Overrides are the configuration values the command line may replace.
type Overrides struct {
	Pictures   int
	OutputDir  string
	DebugLevel int // -1 = keep
}

// validateCLIOverrides checks that set CLI overrides are within valid ranges.
func validateCLIOverrides(o Overrides) error {
	if o.Pictures < 0 || o.Pictures > 3600 {
		return fmt.Errorf("pictures must be between 1 and 3600 (0 keeps the config value), got %d", o.Pictures)
	}
	if o.DebugLevel < -1 || o.DebugLevel > 4 {
		return fmt.Errorf("debug must be between 0 and 4 (-1 keeps the config value), got %d", o.DebugLevel)
	}
	if strings.ContainsRune(o.OutputDir, 0) {
		return fmt.Errorf("output directory contains a NUL byte")
	}
	return nil
}

// applyOverrides mutates cfg with overrides. Only set values are applied.
// Trigger and done files follow the output directory unless they were
// configured somewhere else.
func applyOverrides(cfg *config.Config, o Overrides) {
	if o.Pictures > 0 {
		cfg.Scan.TotalPictures = o.Pictures
	}
	if o.OutputDir != "" && o.OutputDir != cfg.Scan.OutputDir {
		old := cfg.Scan.OutputDir
		if cfg.Scan.TriggerFile == filepath.Join(old, filepath.Base(cfg.Scan.TriggerFile)) {
			cfg.Scan.TriggerFile = filepath.Join(o.OutputDir, filepath.Base(cfg.Scan.TriggerFile))
		}
		if cfg.Scan.DoneFile == filepath.Join(old, filepath.Base(cfg.Scan.DoneFile)) {
			cfg.Scan.DoneFile = filepath.Join(o.OutputDir, filepath.Base(cfg.Scan.DoneFile))
		}
		cfg.Scan.OutputDir = o.OutputDir
	}
	if o.DebugLevel >= 0 {
		cfg.Defaults.DebugLevel = o.DebugLevel
	}
}

type runMode string

const (
	modeAuto        runMode = "auto"
	modeOnce        runMode = "once"
	modeManual      runMode = "manual"
	modeTestStepper runMode = "test-stepper"
	modeTestCamera  runMode = "test-camera"
)

var allModes = []runMode{modeAuto, modeOnce, modeManual, modeTestStepper, modeTestCamera}

func modeNames() []string {
	names := make([]string, len(allModes))
	for i, m := range allModes {
		names[i] = string(m)
	}
	return names
}

// moves reports whether the mode needs the motion worker.
func (m runMode) moves() bool {
	return m == modeAuto || m == modeOnce || m == modeTestStepper
}

// usesCamera reports whether the mode needs the capture pipeline.
func (m runMode) usesCamera() bool {
	return m != modeTestStepper
}

// modeFlag implements flag.Value for -mode.
type modeFlag struct {
	mode runMode
}

func (f *modeFlag) String() string {
	return string(f.mode)
}

func (f *modeFlag) Set(s string) error {
	for _, m := range allModes {
		if string(m) == s {
			f.mode = m
			return nil
		}
	}
	return fmt.Errorf("unknown mode %q, want one of %s", s, strings.Join(modeNames(), ", "))
}
