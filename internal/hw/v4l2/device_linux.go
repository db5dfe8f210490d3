//go:build linux

package v4l2

import (
	"bytes"
	"errors"
	"fmt"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/cjeanneret/ScanGo/internal/debug"
)

const (
	bufTypeVideoCapture = 1
	memoryMMAP          = 1
	fieldNone           = 1
	bufFlagError        = 0x40
)

// Kernel struct layouts. Field order and types follow linux/videodev2.h;
// Go's alignment rules reproduce the C padding on both 32- and 64-bit.

type capability struct {
	Driver       [16]byte
	Card         [32]byte
	BusInfo      [32]byte
	Version      uint32
	Capabilities uint32
	DeviceCaps   uint32
	Reserved     [3]uint32
}

type pixFormat struct {
	Width        uint32
	Height       uint32
	PixelFormat  uint32
	Field        uint32
	BytesPerLine uint32
	SizeImage    uint32
	Colorspace   uint32
	Priv         uint32
	Flags        uint32
	YcbcrEnc     uint32
	Quantization uint32
	XferFunc     uint32
}

// formatUnion is the 200-byte fmt union; it holds pointers in some
// members, so it is pointer-aligned.
type formatUnion struct {
	_   [0]uintptr
	Pix pixFormat
	_   [200 - unsafe.Sizeof(pixFormat{})]byte
}

type format struct {
	Type uint32
	Fmt  formatUnion
}

type requestBuffers struct {
	Count        uint32
	Type         uint32
	Memory       uint32
	Capabilities uint32
	Flags        uint8
	Reserved     [3]uint8
}

type timecode struct {
	Type     uint32
	Flags    uint32
	Frames   uint8
	Seconds  uint8
	Minutes  uint8
	Hours    uint8
	Userbits [4]uint8
}

type buffer struct {
	Index     uint32
	Type      uint32
	BytesUsed uint32
	Flags     uint32
	Field     uint32
	Timestamp unix.Timeval
	Timecode  timecode
	Sequence  uint32
	Memory    uint32
	M         uintptr // union { offset; userptr; planes; fd }
	Length    uint32
	Reserved2 uint32
	RequestFD int32
}

// offset returns m.offset. Little-endian targets only (arm, arm64, amd64).
func (b *buffer) offset() int64 {
	return int64(uint32(b.M))
}

const (
	iocWrite = 1
	iocRead  = 2
)

func ioc(dir, nr, size uintptr) uintptr {
	return dir<<30 | size<<16 | uintptr('V')<<8 | nr
}

var (
	vidiocQueryCap  = ioc(iocRead, 0, unsafe.Sizeof(capability{}))
	vidiocSFmt      = ioc(iocRead|iocWrite, 5, unsafe.Sizeof(format{}))
	vidiocReqBufs   = ioc(iocRead|iocWrite, 8, unsafe.Sizeof(requestBuffers{}))
	vidiocQueryBuf  = ioc(iocRead|iocWrite, 9, unsafe.Sizeof(buffer{}))
	vidiocQBuf      = ioc(iocRead|iocWrite, 15, unsafe.Sizeof(buffer{}))
	vidiocDQBuf     = ioc(iocRead|iocWrite, 17, unsafe.Sizeof(buffer{}))
	vidiocStreamOn  = ioc(iocWrite, 18, unsafe.Sizeof(int32(0)))
	vidiocStreamOff = ioc(iocWrite, 19, unsafe.Sizeof(int32(0)))
)

// Device is an open V4L2 capture node.
type Device struct {
	path string
	fd   int
}

// Open opens the device node non-blocking.
func Open(path string) (*Device, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	debug.Verbose("V4L2: opened %s (fd %d)", path, fd)
	return &Device{path: path, fd: fd}, nil
}

// Path returns the device node path.
func (d *Device) Path() string { return d.path }

// ioctl retries on EINTR; any other errno becomes a *ControlError.
func (d *Device) ioctl(op string, req uintptr, arg unsafe.Pointer) error {
	for {
		_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(d.fd), req, uintptr(arg))
		switch errno {
		case 0:
			return nil
		case unix.EINTR:
			continue
		default:
			return &ControlError{Op: op, Err: errno}
		}
	}
}

// Capabilities runs VIDIOC_QUERYCAP.
func (d *Device) Capabilities() (Capability, error) {
	var c capability
	if err := d.ioctl("VIDIOC_QUERYCAP", vidiocQueryCap, unsafe.Pointer(&c)); err != nil {
		return Capability{}, err
	}
	caps := c.Capabilities
	if caps&CapDeviceCaps != 0 {
		caps = c.DeviceCaps
	}
	return Capability{
		Driver:  cString(c.Driver[:]),
		Card:    cString(c.Card[:]),
		BusInfo: cString(c.BusInfo[:]),
		Caps:    caps,
	}, nil
}

// SetFormat runs VIDIOC_S_FMT and returns the format the driver settled on,
// which may differ from the request.
func (d *Device) SetFormat(f Format) (Format, error) {
	var v format
	v.Type = bufTypeVideoCapture
	v.Fmt.Pix.Width = uint32(f.Width)
	v.Fmt.Pix.Height = uint32(f.Height)
	v.Fmt.Pix.PixelFormat = f.PixelFormat
	v.Fmt.Pix.Field = fieldNone
	if err := d.ioctl("VIDIOC_S_FMT", vidiocSFmt, unsafe.Pointer(&v)); err != nil {
		return Format{}, err
	}
	return Format{
		Width:       int(v.Fmt.Pix.Width),
		Height:      int(v.Fmt.Pix.Height),
		PixelFormat: v.Fmt.Pix.PixelFormat,
		SizeImage:   int(v.Fmt.Pix.SizeImage),
	}, nil
}

// RequestBuffers asks the driver for count MMAP buffers and returns how
// many it allocated. Zero frees them.
func (d *Device) RequestBuffers(count int) (int, error) {
	req := requestBuffers{
		Count:  uint32(count),
		Type:   bufTypeVideoCapture,
		Memory: memoryMMAP,
	}
	if err := d.ioctl("VIDIOC_REQBUFS", vidiocReqBufs, unsafe.Pointer(&req)); err != nil {
		return 0, err
	}
	return int(req.Count), nil
}

// MapBuffer queries buffer index and maps it into memory.
func (d *Device) MapBuffer(index int) ([]byte, error) {
	b := buffer{
		Index:  uint32(index),
		Type:   bufTypeVideoCapture,
		Memory: memoryMMAP,
	}
	if err := d.ioctl("VIDIOC_QUERYBUF", vidiocQueryBuf, unsafe.Pointer(&b)); err != nil {
		return nil, err
	}
	mem, err := unix.Mmap(d.fd, b.offset(), int(b.Length), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, &ControlError{Op: "mmap", Err: err}
	}
	debug.Buffer("mmap", index, len(mem))
	return mem, nil
}

// UnmapBuffer releases a mapping returned by MapBuffer.
func (d *Device) UnmapBuffer(mem []byte) error {
	if err := unix.Munmap(mem); err != nil {
		return &ControlError{Op: "munmap", Err: err}
	}
	return nil
}

// Queue hands buffer index to the driver (VIDIOC_QBUF).
func (d *Device) Queue(index int) error {
	b := buffer{
		Index:  uint32(index),
		Type:   bufTypeVideoCapture,
		Memory: memoryMMAP,
	}
	if err := d.ioctl("VIDIOC_QBUF", vidiocQBuf, unsafe.Pointer(&b)); err != nil {
		return err
	}
	debug.Buffer("QBUF", index, 0)
	return nil
}

// Dequeue takes a filled buffer from the driver (VIDIOC_DQBUF) and returns
// its index and the number of bytes the device wrote. A buffer the driver
// flagged V4L2_BUF_FLAG_ERROR reports zero bytes.
func (d *Device) Dequeue() (int, int, error) {
	b := buffer{
		Type:   bufTypeVideoCapture,
		Memory: memoryMMAP,
	}
	if err := d.ioctl("VIDIOC_DQBUF", vidiocDQBuf, unsafe.Pointer(&b)); err != nil {
		return 0, 0, dequeueError(err)
	}
	used := int(b.BytesUsed)
	if b.Flags&bufFlagError != 0 {
		debug.Verbose("V4L2: buffer %d flagged corrupt (%d bytes)", b.Index, used)
		used = 0
	}
	debug.Buffer("DQBUF", int(b.Index), used)
	return int(b.Index), used, nil
}

// dequeueError maps EAGAIN on the non-blocking node to ErrNotReady.
func dequeueError(err error) error {
	if errors.Is(err, unix.EAGAIN) {
		return ErrNotReady
	}
	return err
}

// Wait blocks until a filled buffer can be dequeued or timeout elapses.
// Interrupted polls are retried; every other failure is returned.
func (d *Device) Wait(timeout time.Duration) error {
	fds := []unix.PollFd{{Fd: int32(d.fd), Events: unix.POLLIN}}
	deadline := time.Now().Add(timeout)
	for {
		n, err := unix.Poll(fds, pollMillis(time.Until(deadline)))
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return &ControlError{Op: "poll", Err: err}
		}
		if n == 0 {
			return ErrTimeout
		}
		if fds[0].Revents&(unix.POLLERR|unix.POLLNVAL) != 0 {
			return &ControlError{Op: "poll", Err: fmt.Errorf("revents %#x", fds[0].Revents)}
		}
		return nil
	}
}

// pollMillis rounds d up to whole milliseconds so a short timeout still
// blocks.
func pollMillis(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int((d + time.Millisecond - 1) / time.Millisecond)
}

// StreamOn starts capture.
func (d *Device) StreamOn() error {
	t := int32(bufTypeVideoCapture)
	return d.ioctl("VIDIOC_STREAMON", vidiocStreamOn, unsafe.Pointer(&t))
}

// StreamOff stops capture; the driver reclaims every buffer.
func (d *Device) StreamOff() error {
	t := int32(bufTypeVideoCapture)
	return d.ioctl("VIDIOC_STREAMOFF", vidiocStreamOff, unsafe.Pointer(&t))
}

// Close closes the device node.
func (d *Device) Close() error {
	if d.fd < 0 {
		return nil
	}
	err := unix.Close(d.fd)
	d.fd = -1
	if err != nil {
		return fmt.Errorf("close %s: %w", d.path, err)
	}
	return nil
}

func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}
