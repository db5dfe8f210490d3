package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cjeanneret/ScanGo/internal/logic/geometry"
)

// CameraConfig describes the V4L2 capture device and the flush protocol.
type CameraConfig struct {
	Device         string `yaml:"device"`           // e.g., "/dev/video3"
	Width          int    `yaml:"width"`            // requested frame width
	Height         int    `yaml:"height"`           // requested frame height
	PixelFormat    string `yaml:"pixel_format"`     // FourCC, "MJPG" or "JPEG"
	BufferCount    int    `yaml:"buffer_count"`     // driver buffers to request
	SkipFrames     int    `yaml:"skip_frames"`      // frames dequeued per photo; the last one is saved
	FrameTimeoutMs int    `yaml:"frame_timeout_ms"` // bound on each wait for a frame
	FilePrefix     string `yaml:"file_prefix"`      // image name prefix ("scan" -> scan000.jpg)
}

// StepperConfig holds the configuration for the turntable stepper motor.
type StepperConfig struct {
	Driver           string `yaml:"driver"`             // "gpiocdev", "rpio" or "mock"
	Chip             string `yaml:"chip"`               // gpio chip for the gpiocdev driver
	StepPin          int    `yaml:"step_pin"`           // line offset (gpiocdev) or BCM number (rpio)
	DirPin           int    `yaml:"dir_pin"`
	EnablePin        int    `yaml:"enable_pin"`         // A4988 ENABLE. 0 = not used. Active LOW.
	StepsPerRev      int    `yaml:"steps_per_rev"`      // full steps per motor revolution
	Microstepping    int    `yaml:"microstepping"`      // driver microstep setting
	GearRatio        int    `yaml:"gear_ratio"`         // motor revolutions per turntable revolution
	StepDelayUs      int    `yaml:"step_delay_us"`      // half-cycle of the STEP pulse
	DirSettleUs      int    `yaml:"dir_settle_us"`      // pause after DIR change
	ReleaseOnCapture bool   `yaml:"release_on_capture"` // drop holding torque while the photo is taken
}

// ScanConfig describes a scan sequence and the host signalling files.
type ScanConfig struct {
	TotalPictures     int    `yaml:"total_pictures"`       // photos per full rotation
	OutputDir         string `yaml:"output_dir"`           // where images are written
	TriggerFile       string `yaml:"trigger_file"`         // host creates it to start a scan
	DoneFile          string `yaml:"done_file"`            // written after a scan
	DoneMessage       string `yaml:"done_message"`         // content of the done file
	PostMoveDelayMs   int    `yaml:"post_move_delay_ms"`   // pause after each move before capturing
	PollIntervalMs    int    `yaml:"poll_interval_ms"`     // trigger file poll interval
	ManualCountdownS  int    `yaml:"manual_countdown_s"`   // seconds between shots in manual mode
	CaptureRetries    int    `yaml:"capture_retries"`      // extra attempts per failed frame
	CaptureRetryDelay int    `yaml:"capture_retry_delay_ms"`
}

// DefaultsConfig contains generic parameters.
type DefaultsConfig struct {
	DebugLevel int `yaml:"debug_level"` // debug level 0-4 (0=off, 1=info, 2=live, 3=verbose, 4=trace)
}

// Config aggregates all application configuration.
type Config struct {
	Camera   CameraConfig   `yaml:"camera"`
	Stepper  StepperConfig  `yaml:"stepper"`
	Scan     ScanConfig     `yaml:"scan"`
	Defaults DefaultsConfig `yaml:"defaults"`
}

// MaxConfigFileBytes bounds the size of a config file.
const MaxConfigFileBytes = 1 << 20

// ValidateConfigPath rejects empty paths, paths that climb out of their
// directory with "..", and files without a .yaml extension.
func ValidateConfigPath(path string) error {
	if path == "" {
		return fmt.Errorf("config path is empty")
	}
	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if part == ".." {
			return fmt.Errorf("config path %q must not contain \"..\"", path)
		}
	}
	if filepath.Ext(path) != ".yaml" {
		return fmt.Errorf("config path %q must have a .yaml extension", path)
	}
	return nil
}

// Load reads a YAML file and returns the configuration.
func Load(path string) (*Config, error) {
	if err := ValidateConfigPath(path); err != nil {
		return nil, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat config file: %w", err)
	}
	if info.Size() > MaxConfigFileBytes {
		return nil, fmt.Errorf("config file %s is %d bytes, limit is %d", path, info.Size(), MaxConfigFileBytes)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Delays where zero is a meaningful setting. They are filled in before
// decoding, so only an absent key gets the default.
const (
	DefaultPostMoveDelayMs     = 500
	DefaultCaptureRetryDelayMs = 200
)

// Parse decodes YAML, fills defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Config{
		Scan: ScanConfig{
			PostMoveDelayMs:   DefaultPostMoveDelayMs,
			CaptureRetryDelay: DefaultCaptureRetryDelayMs,
		},
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal yaml: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Camera.Device == "" {
		c.Camera.Device = "/dev/video3"
	}
	if c.Camera.Width <= 0 {
		c.Camera.Width = 1920
	}
	if c.Camera.Height <= 0 {
		c.Camera.Height = 1080
	}
	if c.Camera.PixelFormat == "" {
		c.Camera.PixelFormat = "MJPG"
	}
	if c.Camera.BufferCount <= 0 {
		c.Camera.BufferCount = 8
	}
	if c.Camera.SkipFrames <= 0 {
		c.Camera.SkipFrames = 5
	}
	if c.Camera.FrameTimeoutMs <= 0 {
		c.Camera.FrameTimeoutMs = 2000
	}
	if c.Camera.FilePrefix == "" {
		c.Camera.FilePrefix = "scan"
	}

	if c.Stepper.Driver == "" {
		c.Stepper.Driver = "gpiocdev"
	}
	if c.Stepper.Chip == "" {
		c.Stepper.Chip = "gpiochip0"
	}
	if c.Stepper.StepPin == 0 && c.Stepper.DirPin == 0 {
		c.Stepper.StepPin = 7
		c.Stepper.DirPin = 10
	}
	if c.Stepper.StepsPerRev <= 0 {
		c.Stepper.StepsPerRev = 200
	}
	if c.Stepper.Microstepping <= 0 {
		c.Stepper.Microstepping = 16
	}
	if c.Stepper.GearRatio <= 0 {
		c.Stepper.GearRatio = 1
	}
	if c.Stepper.StepDelayUs <= 0 {
		c.Stepper.StepDelayUs = 1000 // 500 steps/s
	}
	if c.Stepper.DirSettleUs <= 0 {
		c.Stepper.DirSettleUs = 100
	}

	if c.Scan.TotalPictures <= 0 {
		c.Scan.TotalPictures = 20
	}
	if c.Scan.OutputDir == "" {
		c.Scan.OutputDir = "/mnt/nfs_share/myApps"
	}
	if c.Scan.TriggerFile == "" {
		c.Scan.TriggerFile = filepath.Join(c.Scan.OutputDir, "start_scan.txt")
	}
	if c.Scan.DoneFile == "" {
		c.Scan.DoneFile = filepath.Join(c.Scan.OutputDir, "done.txt")
	}
	if c.Scan.DoneMessage == "" {
		c.Scan.DoneMessage = "Scan Complete"
	}
	if c.Scan.PollIntervalMs <= 0 {
		c.Scan.PollIntervalMs = 1000
	}
	if c.Scan.ManualCountdownS <= 0 {
		c.Scan.ManualCountdownS = 9
	}
}

// Validate checks ranges after defaults have been applied.
func (c *Config) Validate() error {
	if len(c.Camera.PixelFormat) != 4 {
		return fmt.Errorf("camera.pixel_format must be a 4-character code, got %q", c.Camera.PixelFormat)
	}
	if c.Camera.BufferCount > 32 {
		return fmt.Errorf("camera.buffer_count must be <= 32, got %d", c.Camera.BufferCount)
	}
	switch c.Stepper.Driver {
	case "gpiocdev", "rpio", "mock":
	default:
		return fmt.Errorf("stepper.driver must be gpiocdev, rpio or mock, got %q", c.Stepper.Driver)
	}
	if c.Stepper.StepPin < 0 || c.Stepper.DirPin < 0 || c.Stepper.EnablePin < 0 {
		return fmt.Errorf("stepper pins must be >= 0")
	}
	if c.Stepper.StepPin == c.Stepper.DirPin {
		return fmt.Errorf("stepper.step_pin and stepper.dir_pin must differ, both are %d", c.Stepper.StepPin)
	}
	if c.Scan.TotalPictures > c.StepsPerRotation() {
		return fmt.Errorf("scan.total_pictures (%d) exceeds steps per rotation (%d)", c.Scan.TotalPictures, c.StepsPerRotation())
	}
	if c.Scan.PostMoveDelayMs < 0 {
		return fmt.Errorf("scan.post_move_delay_ms must be >= 0, got %d", c.Scan.PostMoveDelayMs)
	}
	if c.Scan.CaptureRetryDelay < 0 {
		return fmt.Errorf("scan.capture_retry_delay_ms must be >= 0, got %d", c.Scan.CaptureRetryDelay)
	}
	if c.Scan.CaptureRetries < 0 {
		return fmt.Errorf("scan.capture_retries must be >= 0, got %d", c.Scan.CaptureRetries)
	}
	if c.Defaults.DebugLevel < 0 || c.Defaults.DebugLevel > 4 {
		return fmt.Errorf("defaults.debug_level must be between 0 and 4, got %d", c.Defaults.DebugLevel)
	}
	return nil
}

// StepsPerRotation returns microsteps for one full turntable rotation.
func (c *Config) StepsPerRotation() int {
	return geometry.StepsPerRotation(c.Stepper.StepsPerRev, c.Stepper.Microstepping) * c.Stepper.GearRatio
}

// StepDelay returns the STEP pulse half-cycle.
func (c *Config) StepDelay() time.Duration {
	return time.Duration(c.Stepper.StepDelayUs) * time.Microsecond
}

// DirSettle returns the pause after setting DIR.
func (c *Config) DirSettle() time.Duration {
	return time.Duration(c.Stepper.DirSettleUs) * time.Microsecond
}

// FrameTimeout returns the bound on each wait for a camera frame.
func (c *Config) FrameTimeout() time.Duration {
	return time.Duration(c.Camera.FrameTimeoutMs) * time.Millisecond
}

// PostMoveDelay returns the pause after a move before the next capture.
func (c *Config) PostMoveDelay() time.Duration {
	return time.Duration(c.Scan.PostMoveDelayMs) * time.Millisecond
}

// PollInterval returns the trigger file poll interval.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Scan.PollIntervalMs) * time.Millisecond
}

// ManualCountdown returns the time between shots in manual mode.
func (c *Config) ManualCountdown() time.Duration {
	return time.Duration(c.Scan.ManualCountdownS) * time.Second
}

// CaptureRetryDelay returns the pause between attempts at the same frame.
func (c *Config) CaptureRetryDelay() time.Duration {
	return time.Duration(c.Scan.CaptureRetryDelay) * time.Millisecond
}
