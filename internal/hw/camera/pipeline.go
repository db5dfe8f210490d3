package camera

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cjeanneret/ScanGo/internal/debug"
	"github.com/cjeanneret/ScanGo/internal/hw/v4l2"
)

// Pipeline is a streaming capture device with a fixed pool of mapped buffers.
// It is used from one goroutine only.
//
// Every pool buffer is either queued (owned by the device) or dequeued
// (owned by the pipeline). CaptureOneImage hands every buffer it dequeues
// back before returning, so the pool never drains.
type Pipeline struct {
	cfg     Config
	dev     Device
	format  v4l2.Format
	buffers [][]byte
	queued  []bool

	// failed is set once a control operation on the running stream fails;
	// the device is not touched again after that.
	failed error
}

// Open opens the V4L2 node named in cfg and initializes a pipeline on it.
func Open(cfg Config) (*Pipeline, error) {
	cfg = cfg.withDefaults()
	dev, err := v4l2.Open(cfg.DevicePath)
	if err != nil {
		return nil, fmt.Errorf("camera init: %w", err)
	}
	p, err := NewPipeline(dev, cfg)
	if err != nil {
		return nil, err
	}
	debug.Value("Camera device", dev.Path())
	return p, nil
}

// NewPipeline negotiates the format, maps and queues the buffer pool and
// starts streaming. dev is closed if initialization fails.
func NewPipeline(dev Device, cfg Config) (*Pipeline, error) {
	cfg = cfg.withDefaults()
	p := &Pipeline{cfg: cfg, dev: dev}
	if err := p.init(); err != nil {
		p.release()
		return nil, fmt.Errorf("camera init: %w", err)
	}
	debug.Info("Camera initialized: %s, %d buffers, stream on", p.format, len(p.buffers))
	return p, nil
}

func (p *Pipeline) init() error {
	caps, err := p.dev.Capabilities()
	if err != nil {
		return err
	}
	if !caps.CanStream() {
		return fmt.Errorf("%s (%s) does not support streaming capture", caps.Card, caps.Driver)
	}
	debug.Verbose("Camera: %s driver=%s bus=%s", caps.Card, caps.Driver, caps.BusInfo)

	want := v4l2.Format{Width: p.cfg.Width, Height: p.cfg.Height, PixelFormat: p.cfg.PixelFormat}
	got, err := p.dev.SetFormat(want)
	if err != nil {
		return err
	}
	// Check what the driver echoed back, not just that the ioctl succeeded.
	if got.PixelFormat != want.PixelFormat {
		return fmt.Errorf("%w: asked for %s, device set %s", ErrFormatRejected,
			v4l2.PixelFormatName(want.PixelFormat), v4l2.PixelFormatName(got.PixelFormat))
	}
	if got.Width != want.Width || got.Height != want.Height {
		debug.Info("Camera: requested %dx%d, device chose %dx%d", want.Width, want.Height, got.Width, got.Height)
	}
	p.format = got

	n, err := p.dev.RequestBuffers(p.cfg.BufferCount)
	if err != nil {
		return err
	}
	if n < 1 {
		return fmt.Errorf("device allocated no buffers")
	}
	if n != p.cfg.BufferCount {
		debug.Verbose("Camera: requested %d buffers, got %d", p.cfg.BufferCount, n)
	}

	p.buffers = make([][]byte, 0, n)
	for i := 0; i < n; i++ {
		mem, err := p.dev.MapBuffer(i)
		if err != nil {
			return fmt.Errorf("map buffer %d: %w", i, err)
		}
		p.buffers = append(p.buffers, mem)
	}

	p.queued = make([]bool, n)
	for i := range p.buffers {
		if err := p.dev.Queue(i); err != nil {
			return fmt.Errorf("queue buffer %d: %w", i, err)
		}
		p.queued[i] = true
	}

	return p.dev.StreamOn()
}

// release undoes a partial init.
func (p *Pipeline) release() {
	for _, mem := range p.buffers {
		if err := p.dev.UnmapBuffer(mem); err != nil {
			debug.Error(err)
		}
	}
	if len(p.buffers) > 0 {
		if _, err := p.dev.RequestBuffers(0); err != nil {
			debug.Error(err)
		}
	}
	p.buffers = nil
	p.queued = nil
	if err := p.dev.Close(); err != nil {
		debug.Error(err)
	}
	p.dev = nil
}

// Format returns the negotiated format.
func (p *Pipeline) Format() v4l2.Format {
	return p.format
}

// PoolSize is the number of buffers mapped at init.
func (p *Pipeline) PoolSize() int {
	return len(p.buffers)
}

// Queued returns how many pool buffers the device currently owns.
func (p *Pipeline) Queued() int {
	n := 0
	for _, q := range p.queued {
		if q {
			n++
		}
	}
	return n
}

// CaptureOneImage dequeues SkipFrames filled buffers in a row and writes
// only the last one to dir. Earlier frames may predate the turntable
// settling and are handed straight back to the device.
//
// Wait, dequeue and write failures are reported for this frame only. A
// failed re-queue wraps ErrDeviceFailed and ends the pipeline's usefulness.
func (p *Pipeline) CaptureOneImage(dir string, index int) (string, error) {
	if p.dev == nil {
		return "", ErrNotInitialized
	}
	if p.failed != nil {
		return "", fmt.Errorf("%w: %w", ErrDeviceFailed, p.failed)
	}
	if index < 0 {
		return "", fmt.Errorf("invalid frame index %d", index)
	}

	name := filepath.Join(dir, ImageName(p.cfg.FilePrefix, index))
	skip := p.cfg.SkipFrames

	for i := 0; i < skip; i++ {
		if err := p.dev.Wait(p.cfg.FrameTimeout); err != nil {
			return "", fmt.Errorf("frame %d/%d: wait: %w", i+1, skip, err)
		}

		idx, used, err := p.dev.Dequeue()
		if err != nil {
			return "", fmt.Errorf("frame %d/%d: dequeue: %w", i+1, skip, err)
		}
		if idx < 0 || idx >= len(p.buffers) {
			p.failed = fmt.Errorf("device returned unknown buffer %d", idx)
			return "", fmt.Errorf("%w: %w", ErrDeviceFailed, p.failed)
		}
		p.queued[idx] = false

		var saveErr error
		if i == skip-1 {
			saveErr = p.save(name, idx, used)
		}

		if err := p.requeue(idx); err != nil {
			return "", err
		}
		if saveErr != nil {
			return "", saveErr
		}
	}

	debug.Live("Saved %s (discarded %d old frames)", name, skip-1)
	return name, nil
}

func (p *Pipeline) requeue(idx int) error {
	if err := p.dev.Queue(idx); err != nil {
		p.failed = fmt.Errorf("requeue buffer %d: %w", idx, err)
		return fmt.Errorf("%w: %w", ErrDeviceFailed, p.failed)
	}
	p.queued[idx] = true
	return nil
}

// save writes the buffer verbatim and syncs it. A partial file is removed.
// An empty or corrupt frame is not written.
func (p *Pipeline) save(name string, idx, used int) error {
	mem := p.buffers[idx]
	if used == 0 {
		return fmt.Errorf("buffer %d: %w", idx, ErrEmptyFrame)
	}
	if used < 0 || used > len(mem) {
		return fmt.Errorf("buffer %d: device reported %d bytes, buffer holds %d", idx, used, len(mem))
	}

	f, err := os.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("open image: %w", err)
	}
	if _, err := f.Write(mem[:used]); err != nil {
		f.Close()
		os.Remove(name)
		return fmt.Errorf("write image: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(name)
		return fmt.Errorf("sync image: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(name)
		return fmt.Errorf("close image: %w", err)
	}
	return nil
}

// Close stops streaming, unmaps the pool and closes the device.
// Calling it again is a no-op.
func (p *Pipeline) Close() error {
	if p.dev == nil {
		return nil
	}
	var errs []error
	if err := p.dev.StreamOff(); err != nil {
		errs = append(errs, fmt.Errorf("stream off: %w", err))
	}
	for i, mem := range p.buffers {
		if err := p.dev.UnmapBuffer(mem); err != nil {
			errs = append(errs, fmt.Errorf("unmap buffer %d: %w", i, err))
		}
	}
	p.buffers = nil
	p.queued = nil
	if err := p.dev.Close(); err != nil {
		errs = append(errs, err)
	}
	p.dev = nil
	debug.Info("Camera cleaned up")
	return errors.Join(errs...)
}
