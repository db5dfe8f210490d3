package camera

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cjeanneret/ScanGo/internal/hw/v4l2"
)

// fakeDevice fills queued buffers in FIFO order. Each dequeued frame gets
// a distinct payload "frame-NNN" so tests can tell which one was saved.
type fakeDevice struct {
	caps       v4l2.Capability
	echoFormat uint32 // 0 echoes the requested format
	granted    int    // 0 grants what was asked
	bufSize    int
	mapFailAt  int // -1 disables

	mem       [][]byte
	fifo      []int
	queued    map[int]bool
	frames    int
	streaming bool
	closed    bool
	unmapped  int

	waitCalls    int
	dequeueCalls int
	waitErrAt    map[int]error // keyed by waitCalls (1-based)
	dequeueErrAt map[int]error // keyed by dequeueCalls (1-based)
	emptyAt      map[int]bool  // dequeueCalls that report zero bytes
	queueErr     error
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{
		caps:         v4l2.Capability{Driver: "fake", Card: "Fake Cam", Caps: v4l2.CapVideoCapture | v4l2.CapStreaming},
		bufSize:      64,
		mapFailAt:    -1,
		queued:       map[int]bool{},
		waitErrAt:    map[int]error{},
		dequeueErrAt: map[int]error{},
		emptyAt:      map[int]bool{},
	}
}

func (d *fakeDevice) Capabilities() (v4l2.Capability, error) { return d.caps, nil }

func (d *fakeDevice) SetFormat(f v4l2.Format) (v4l2.Format, error) {
	if d.echoFormat != 0 {
		f.PixelFormat = d.echoFormat
	}
	return f, nil
}

func (d *fakeDevice) RequestBuffers(count int) (int, error) {
	if count == 0 {
		d.mem = nil
		return 0, nil
	}
	if d.granted > 0 {
		count = d.granted
	}
	return count, nil
}

func (d *fakeDevice) MapBuffer(index int) ([]byte, error) {
	if index == d.mapFailAt {
		return nil, &v4l2.ControlError{Op: "mmap", Err: errors.New("ENOMEM")}
	}
	m := make([]byte, d.bufSize)
	d.mem = append(d.mem, m)
	return m, nil
}

func (d *fakeDevice) UnmapBuffer(mem []byte) error {
	d.unmapped++
	return nil
}

func (d *fakeDevice) Queue(index int) error {
	if d.queueErr != nil && d.streaming {
		return &v4l2.ControlError{Op: "VIDIOC_QBUF", Err: d.queueErr}
	}
	if d.queued[index] {
		return fmt.Errorf("buffer %d queued twice", index)
	}
	d.queued[index] = true
	d.fifo = append(d.fifo, index)
	return nil
}

func (d *fakeDevice) Dequeue() (int, int, error) {
	d.dequeueCalls++
	if err := d.dequeueErrAt[d.dequeueCalls]; err != nil {
		return 0, 0, err
	}
	if len(d.fifo) == 0 {
		return 0, 0, v4l2.ErrNotReady
	}
	idx := d.fifo[0]
	d.fifo = d.fifo[1:]
	d.queued[idx] = false
	d.frames++
	payload := []byte(fmt.Sprintf("frame-%03d", d.frames))
	copy(d.mem[idx], payload)
	if d.emptyAt[d.dequeueCalls] {
		return idx, 0, nil
	}
	return idx, len(payload), nil
}

func (d *fakeDevice) Wait(timeout time.Duration) error {
	d.waitCalls++
	if err := d.waitErrAt[d.waitCalls]; err != nil {
		return err
	}
	return nil
}

func (d *fakeDevice) StreamOn() error {
	d.streaming = true
	return nil
}

func (d *fakeDevice) StreamOff() error {
	d.streaming = false
	d.fifo = nil
	d.queued = map[int]bool{}
	return nil
}

func (d *fakeDevice) Close() error {
	d.closed = true
	return nil
}

func (d *fakeDevice) queuedCount() int {
	n := 0
	for _, q := range d.queued {
		if q {
			n++
		}
	}
	return n
}

func newTestPipeline(t *testing.T, dev *fakeDevice) *Pipeline {
	t.Helper()
	cfg := DefaultConfig()
	cfg.FrameTimeout = 10 * time.Millisecond
	p, err := NewPipeline(dev, cfg)
	require.NoError(t, err)
	return p
}

func TestInit_QueuesWholePoolAndStreams(t *testing.T) {
	dev := newFakeDevice()
	p := newTestPipeline(t, dev)

	assert.True(t, dev.streaming)
	assert.Equal(t, DefaultBufferCount, p.PoolSize())
	assert.Equal(t, DefaultBufferCount, dev.queuedCount())
	assert.Equal(t, DefaultBufferCount, p.Queued())
	assert.Equal(t, v4l2.PixelFormatMJPEG, p.Format().PixelFormat)
}

func TestInit_FormatRejected(t *testing.T) {
	dev := newFakeDevice()
	dev.echoFormat = v4l2.FourCC('Y', 'U', 'Y', 'V')

	_, err := NewPipeline(dev, DefaultConfig())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrFormatRejected)
	assert.True(t, dev.closed, "device must be closed after failed init")
	assert.False(t, dev.streaming)
}

func TestInit_NoStreamingCapability(t *testing.T) {
	dev := newFakeDevice()
	dev.caps.Caps = v4l2.CapVideoCapture

	_, err := NewPipeline(dev, DefaultConfig())
	require.Error(t, err)
	assert.True(t, dev.closed)
}

func TestInit_MapFailureUnmapsEarlierBuffers(t *testing.T) {
	dev := newFakeDevice()
	dev.mapFailAt = 3

	_, err := NewPipeline(dev, DefaultConfig())
	require.Error(t, err)
	assert.True(t, v4l2.IsControlError(err))
	assert.Equal(t, 3, dev.unmapped)
	assert.True(t, dev.closed)
	assert.False(t, dev.streaming)
}

func TestInit_FewerBuffersGranted(t *testing.T) {
	dev := newFakeDevice()
	dev.granted = 3
	p := newTestPipeline(t, dev)
	assert.Equal(t, 3, p.PoolSize())
	assert.Equal(t, 3, dev.queuedCount())
}

func TestCapture_SavesLastOfSkippedFrames(t *testing.T) {
	dev := newFakeDevice()
	p := newTestPipeline(t, dev)
	dir := t.TempDir()

	path, err := p.CaptureOneImage(dir, 0)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "scan000.jpg"), path)
	assert.Equal(t, DefaultSkipFrames, dev.waitCalls)
	assert.Equal(t, DefaultSkipFrames, dev.dequeueCalls)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "frame-005", string(data), "only the Nth frame may reach disk")

	path, err = p.CaptureOneImage(dir, 1)
	require.NoError(t, err)
	data, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "frame-010", string(data))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestCapture_CustomSkipCount(t *testing.T) {
	dev := newFakeDevice()
	cfg := DefaultConfig()
	cfg.SkipFrames = 3
	p, err := NewPipeline(dev, cfg)
	require.NoError(t, err)

	path, err := p.CaptureOneImage(t.TempDir(), 42)
	require.NoError(t, err)
	assert.Equal(t, "scan042.jpg", filepath.Base(path))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "frame-003", string(data))
}

func TestCapture_PoolConservedAcrossFailures(t *testing.T) {
	dev := newFakeDevice()
	p := newTestPipeline(t, dev)
	dir := t.TempDir()

	// timeout on the third wait of the first capture
	dev.waitErrAt[3] = v4l2.ErrTimeout
	_, err := p.CaptureOneImage(dir, 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrFrameTimeout)
	assert.Equal(t, p.PoolSize(), dev.queuedCount())
	assert.Equal(t, p.PoolSize(), p.Queued())

	// dequeue failure
	dev.dequeueErrAt[dev.dequeueCalls+2] = errors.New("EIO")
	_, err = p.CaptureOneImage(dir, 1)
	require.Error(t, err)
	assert.Equal(t, p.PoolSize(), dev.queuedCount())

	// write failure: destination does not exist
	_, err = p.CaptureOneImage(filepath.Join(dir, "missing"), 2)
	require.Error(t, err)
	assert.Equal(t, p.PoolSize(), dev.queuedCount())

	// still usable afterwards
	_, err = p.CaptureOneImage(dir, 3)
	require.NoError(t, err)
	assert.Equal(t, p.PoolSize(), dev.queuedCount())

	_, err = os.Stat(filepath.Join(dir, "scan000.jpg"))
	assert.True(t, os.IsNotExist(err), "failed frame must not leave a file")
}

func TestCapture_ManyCallsKeepPoolFull(t *testing.T) {
	dev := newFakeDevice()
	p := newTestPipeline(t, dev)
	dir := t.TempDir()

	for i := 0; i < 25; i++ {
		_, err := p.CaptureOneImage(dir, i)
		require.NoError(t, err)
		require.Equal(t, p.PoolSize(), dev.queuedCount(), "after capture %d", i)
	}
}

func TestCapture_RequeueFailurePoisonsPipeline(t *testing.T) {
	dev := newFakeDevice()
	p := newTestPipeline(t, dev)
	dir := t.TempDir()

	dev.queueErr = errors.New("EIO")
	_, err := p.CaptureOneImage(dir, 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDeviceFailed)
	assert.True(t, v4l2.IsControlError(err))

	waits := dev.waitCalls
	dev.queueErr = nil
	_, err = p.CaptureOneImage(dir, 1)
	assert.ErrorIs(t, err, ErrDeviceFailed)
	assert.Equal(t, waits, dev.waitCalls, "a failed device must not be touched again")
}

func TestCapture_EmptyFinalFrameNotSaved(t *testing.T) {
	dev := newFakeDevice()
	p := newTestPipeline(t, dev)
	dir := t.TempDir()

	dev.emptyAt[DefaultSkipFrames] = true
	_, err := p.CaptureOneImage(dir, 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrEmptyFrame)
	assert.NotErrorIs(t, err, ErrDeviceFailed)
	assert.Equal(t, p.PoolSize(), dev.queuedCount())

	_, err = os.Stat(filepath.Join(dir, "scan000.jpg"))
	assert.True(t, os.IsNotExist(err), "empty frame must not leave a file")

	// an empty frame among the skipped ones does not matter
	dev.emptyAt[dev.dequeueCalls+1] = true
	path, err := p.CaptureOneImage(dir, 1)
	require.NoError(t, err)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "frame-010", string(data))
}

func TestCapture_NotInitialized(t *testing.T) {
	var p Pipeline
	_, err := p.CaptureOneImage(t.TempDir(), 0)
	assert.ErrorIs(t, err, ErrNotInitialized)
}

func TestCapture_NegativeIndex(t *testing.T) {
	dev := newFakeDevice()
	p := newTestPipeline(t, dev)
	_, err := p.CaptureOneImage(t.TempDir(), -1)
	require.Error(t, err)
	assert.Zero(t, dev.waitCalls)
}

func TestClose_ReleasesEverything(t *testing.T) {
	dev := newFakeDevice()
	p := newTestPipeline(t, dev)

	require.NoError(t, p.Close())
	assert.False(t, dev.streaming)
	assert.Equal(t, DefaultBufferCount, dev.unmapped)
	assert.True(t, dev.closed)

	require.NoError(t, p.Close(), "second Close is a no-op")
	assert.Equal(t, DefaultBufferCount, dev.unmapped)

	_, err := p.CaptureOneImage(t.TempDir(), 0)
	assert.ErrorIs(t, err, ErrNotInitialized)
}

func TestImageName(t *testing.T) {
	cases := []struct {
		index int
		want  string
	}{
		{0, "scan000.jpg"},
		{7, "scan007.jpg"},
		{999, "scan999.jpg"},
		{1000, "scan1000.jpg"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, ImageName("scan", tc.index))
	}
}

func TestPipeline_ImplementsCamera(t *testing.T) {
	var _ Camera = &Pipeline{}
	var _ Device = &v4l2.Device{}
}
