package camera

import (
	"errors"
	"fmt"
	"time"

	"github.com/cjeanneret/ScanGo/internal/hw/v4l2"
)

// Camera is the high-level interface used by the rest of the application.
// One call produces one image file on disk.
type Camera interface {
	// CaptureOneImage writes one fresh frame into dir, named after index,
	// and returns the file path.
	CaptureOneImage(dir string, index int) (string, error)
	Close() error
}

// Device is the capture device the pipeline drives. *v4l2.Device implements it.
type Device interface {
	Capabilities() (v4l2.Capability, error)
	SetFormat(f v4l2.Format) (v4l2.Format, error)
	RequestBuffers(count int) (int, error)
	MapBuffer(index int) ([]byte, error)
	UnmapBuffer(mem []byte) error
	Queue(index int) error
	Dequeue() (index, bytesUsed int, err error)
	Wait(timeout time.Duration) error
	StreamOn() error
	StreamOff() error
	Close() error
}

// Defaults matching the rig's USB camera.
const (
	DefaultDevicePath   = "/dev/video3"
	DefaultWidth        = 1920
	DefaultHeight       = 1080
	DefaultBufferCount  = 8
	DefaultSkipFrames   = 5
	DefaultFrameTimeout = 2 * time.Second
	DefaultFilePrefix   = "scan"
)

var (
	ErrNotInitialized = errors.New("camera: not initialized")
	ErrFormatRejected = errors.New("camera: pixel format rejected by device")
	ErrDeviceFailed   = errors.New("camera: device control failed")
	ErrEmptyFrame     = errors.New("camera: device returned an empty frame")
	ErrFrameTimeout   = v4l2.ErrTimeout
)

// Config holds the capture pipeline settings.
type Config struct {
	DevicePath   string
	Width        int
	Height       int
	PixelFormat  uint32
	BufferCount  int           // driver buffers requested
	SkipFrames   int           // frames dequeued per capture; only the last is saved
	FrameTimeout time.Duration // bound on each wait for a filled buffer
	FilePrefix   string
}

// DefaultConfig returns the 1920x1080 MJPEG, 8 buffer, 5 frame flush setup.
func DefaultConfig() Config {
	return Config{
		DevicePath:   DefaultDevicePath,
		Width:        DefaultWidth,
		Height:       DefaultHeight,
		PixelFormat:  v4l2.PixelFormatMJPEG,
		BufferCount:  DefaultBufferCount,
		SkipFrames:   DefaultSkipFrames,
		FrameTimeout: DefaultFrameTimeout,
		FilePrefix:   DefaultFilePrefix,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.DevicePath == "" {
		c.DevicePath = d.DevicePath
	}
	if c.Width <= 0 {
		c.Width = d.Width
	}
	if c.Height <= 0 {
		c.Height = d.Height
	}
	if c.PixelFormat == 0 {
		c.PixelFormat = d.PixelFormat
	}
	if c.BufferCount <= 0 {
		c.BufferCount = d.BufferCount
	}
	if c.SkipFrames <= 0 {
		c.SkipFrames = d.SkipFrames
	}
	if c.FrameTimeout <= 0 {
		c.FrameTimeout = d.FrameTimeout
	}
	if c.FilePrefix == "" {
		c.FilePrefix = d.FilePrefix
	}
	return c
}

// ImageName returns the file name for a frame index, e.g. "scan007.jpg".
func ImageName(prefix string, index int) string {
	return fmt.Sprintf("%s%03d.jpg", prefix, index)
}
