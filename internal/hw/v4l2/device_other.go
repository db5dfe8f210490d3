//go:build !linux

package v4l2

import "time"

// Device is unavailable outside Linux; every method returns ErrUnsupported.
type Device struct{}

// Open always fails with ErrUnsupported.
func Open(path string) (*Device, error) {
	return nil, ErrUnsupported
}

func (d *Device) Path() string { return "" }

func (d *Device) Capabilities() (Capability, error) { return Capability{}, ErrUnsupported }

func (d *Device) SetFormat(f Format) (Format, error) { return Format{}, ErrUnsupported }

func (d *Device) RequestBuffers(count int) (int, error) { return 0, ErrUnsupported }

func (d *Device) MapBuffer(index int) ([]byte, error) { return nil, ErrUnsupported }

func (d *Device) UnmapBuffer(mem []byte) error { return ErrUnsupported }

func (d *Device) Queue(index int) error { return ErrUnsupported }

func (d *Device) Dequeue() (int, int, error) { return 0, 0, ErrUnsupported }

func (d *Device) Wait(timeout time.Duration) error { return ErrUnsupported }

func (d *Device) StreamOn() error { return ErrUnsupported }

func (d *Device) StreamOff() error { return ErrUnsupported }

func (d *Device) Close() error { return nil }
