// Package v4l2 is a small cgo-free binding to the Video4Linux2 capture API:
// format negotiation, driver-allocated mmap buffers, and the queue/dequeue
// streaming protocol. Only the single-planar MMAP capture path is covered.
package v4l2

import (
	"errors"
	"fmt"
)

// FourCC packs a four-character pixel format code.
func FourCC(a, b, c, d byte) uint32 {
	return uint32(a) | uint32(b)<<8 | uint32(c)<<16 | uint32(d)<<24
}

// Pixel formats the capture pipeline accepts.
var (
	PixelFormatMJPEG = FourCC('M', 'J', 'P', 'G')
	PixelFormatJPEG  = FourCC('J', 'P', 'E', 'G')
)

// PixelFormatName renders a FourCC as text, e.g. "MJPG".
func PixelFormatName(f uint32) string {
	return string([]byte{byte(f), byte(f >> 8), byte(f >> 16), byte(f >> 24)})
}

// ParsePixelFormat converts a four-character name to its code.
func ParsePixelFormat(name string) (uint32, error) {
	if len(name) != 4 {
		return 0, fmt.Errorf("pixel format %q: want 4 characters", name)
	}
	return FourCC(name[0], name[1], name[2], name[3]), nil
}

// Capability bits from VIDIOC_QUERYCAP.
const (
	CapVideoCapture uint32 = 0x00000001
	CapStreaming    uint32 = 0x04000000
	CapDeviceCaps   uint32 = 0x80000000
)

// Format is the subset of v4l2_pix_format the pipeline negotiates.
type Format struct {
	Width       int
	Height      int
	PixelFormat uint32
	SizeImage   int
}

func (f Format) String() string {
	return fmt.Sprintf("%dx%d %s", f.Width, f.Height, PixelFormatName(f.PixelFormat))
}

// Capability describes a device as reported by VIDIOC_QUERYCAP.
type Capability struct {
	Driver  string
	Card    string
	BusInfo string
	Caps    uint32 // device_caps when available, else capabilities
}

// CanStream reports whether the device does video capture with streaming I/O.
func (c Capability) CanStream() bool {
	return c.Caps&CapVideoCapture != 0 && c.Caps&CapStreaming != 0
}

var (
	// ErrTimeout is returned by Wait when no filled buffer became ready in time.
	ErrTimeout = errors.New("v4l2: timed out waiting for frame")
	// ErrNotReady is returned by Dequeue when no filled buffer is available.
	ErrNotReady = errors.New("v4l2: no buffer ready")
	// ErrUnsupported is returned on platforms without V4L2.
	ErrUnsupported = errors.New("v4l2: not supported on this platform")
)

// ControlError is a failed control operation (ioctl, mmap, poll) on an
// open device.
type ControlError struct {
	Op  string
	Err error
}

func (e *ControlError) Error() string {
	return fmt.Sprintf("v4l2 %s: %v", e.Op, e.Err)
}

func (e *ControlError) Unwrap() error { return e.Err }

// IsControlError reports whether err is or wraps a *ControlError.
func IsControlError(err error) bool {
	var ce *ControlError
	return errors.As(err, &ce)
}
