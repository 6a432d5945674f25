// This file is part of the SmartCam Emulator package.
// Drives a V4L2 camera through go4vl as a frame ring source.
// It is licensed under the MIT License.
package capture

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vladimirvivien/go4vl/device"
	"github.com/vladimirvivien/go4vl/v4l2"
	"go.uber.org/zap"

	"smartcam_system/internal/framering"
	"smartcam_system/internal/logging"
)

var errNotOpen = errors.New("device not open")

// streamStopTimeout bounds the wait for the go4vl stream loop to exit.
const streamStopTimeout = 2 * time.Second

// V4L2Source adapts a go4vl device to the framering.Source surface. go4vl
// owns the driver's mmap buffers and its streaming loop; each delivered frame
// is staged into the ring slot at the head of the hardware queue, so the
// ring's ownership cycle maps one-to-one onto driver dequeue/requeue.
type V4L2Source struct {
	bufferCount int
	logger      *zap.SugaredLogger

	dev     *device.Device
	path    string
	pixFmt  v4l2.PixFormat
	fps     int
	regions [][]byte
	queue   []int
	frames  <-chan []byte
	cancel  context.CancelFunc
}

// NewV4L2Source returns a source that asks the driver for bufferCount mmap
// buffers.
func NewV4L2Source(bufferCount int, logger *zap.SugaredLogger) *V4L2Source {
	if logger == nil {
		logger = logging.Nop()
	}
	return &V4L2Source{bufferCount: bufferCount, logger: logger}
}

// Open opens the V4L2 device node.
func (s *V4L2Source) Open(path string) error {
	dev, err := device.Open(path,
		device.WithIOType(v4l2.IOTypeMMAP),
		device.WithBufferSize(uint32(s.bufferCount)),
	)
	if err != nil {
		return fmt.Errorf("failed to open camera device: %w", err)
	}
	s.dev = dev
	s.path = path
	s.queue = nil
	s.regions = nil
	return nil
}

// NegotiateFormat applies the requested geometry. Drivers may adjust the
// values; the adjusted format is what the buffers are sized from.
func (s *V4L2Source) NegotiateFormat(f framering.Format) error {
	if s.dev == nil {
		return errNotOpen
	}
	fourcc, ok := getPixelFormat(f.PixelFormat)
	if !ok {
		return fmt.Errorf("unsupported pixel format %q", f.PixelFormat)
	}

	if err := s.dev.SetPixFormat(v4l2.PixFormat{
		PixelFormat: fourcc,
		Width:       uint32(f.Width),
		Height:      uint32(f.Height),
		Field:       v4l2.FieldNone,
	}); err != nil {
		return fmt.Errorf("failed to set pixel format: %w", err)
	}

	pixFmt, err := s.dev.GetPixFormat()
	if err != nil {
		return fmt.Errorf("failed to read back pixel format: %w", err)
	}
	if pixFmt.Width != uint32(f.Width) || pixFmt.Height != uint32(f.Height) {
		s.logger.Warnw("driver adjusted capture geometry",
			"device", s.path,
			"requested", fmt.Sprintf("%dx%d", f.Width, f.Height),
			"granted", fmt.Sprintf("%dx%d", pixFmt.Width, pixFmt.Height))
	}
	s.pixFmt = pixFmt

	if f.FPS > 0 {
		// Not every driver exposes frame interval control.
		if err := s.dev.SetFrameRate(uint32(f.FPS)); err != nil {
			s.logger.Warnw("frame rate not applied", "device", s.path, "fps", f.FPS, "error", err)
		}
	}
	s.fps = f.FPS
	return nil
}

// RequestBuffers sizes one staging region per driver buffer from the
// negotiated image size.
func (s *V4L2Source) RequestBuffers(count int) ([][]byte, error) {
	if s.dev == nil {
		return nil, errNotOpen
	}
	size := int(s.pixFmt.SizeImage)
	if size == 0 {
		// Very conservative estimate, as for packed YUYV.
		size = int(s.pixFmt.Width * s.pixFmt.Height * 2)
	}
	if size <= 0 {
		return nil, fmt.Errorf("cannot size buffers for %dx%d", s.pixFmt.Width, s.pixFmt.Height)
	}

	s.regions = make([][]byte, count)
	for i := range s.regions {
		s.regions[i] = make([]byte, size)
	}
	return s.regions, nil
}

// StartStream turns streaming on.
func (s *V4L2Source) StartStream(ctx context.Context) error {
	if s.dev == nil {
		return errNotOpen
	}
	streamCtx, cancel := context.WithCancel(ctx)
	if err := s.dev.Start(streamCtx); err != nil {
		cancel()
		return fmt.Errorf("failed to start streaming: %w", err)
	}
	s.cancel = cancel
	s.frames = s.dev.GetOutput()
	return nil
}

// Dequeue waits for the next completed frame.
func (s *V4L2Source) Dequeue(ctx context.Context) (int, int, error) {
	if s.frames == nil {
		return 0, 0, errNotOpen
	}
	select {
	case <-ctx.Done():
		return 0, 0, ctx.Err()
	case frame, ok := <-s.frames:
		if !ok {
			return 0, 0, errors.New("capture stream closed")
		}
		if len(s.queue) == 0 {
			return 0, 0, errors.New("frame completed with no buffer queued")
		}
		idx := s.queue[0]
		s.queue = s.queue[1:]
		n := copy(s.regions[idx], frame)
		return idx, n, nil
	}
}

// Enqueue hands buffer index back to the driver queue.
func (s *V4L2Source) Enqueue(index int) error {
	if index < 0 || index >= len(s.regions) {
		return fmt.Errorf("buffer %d out of range", index)
	}
	for _, q := range s.queue {
		if q == index {
			return fmt.Errorf("buffer %d already queued", index)
		}
	}
	s.queue = append(s.queue, index)
	return nil
}

// StopStream cancels the go4vl stream loop and drains its output until the
// loop closes it. The loop issues STREAMOFF itself on cancellation, so the
// device is not stopped a second time here.
func (s *V4L2Source) StopStream() error {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	if s.frames != nil {
		timeout := time.NewTimer(streamStopTimeout)
		defer timeout.Stop()
	drain:
		for {
			select {
			case _, ok := <-s.frames:
				if !ok {
					break drain
				}
			case <-timeout.C:
				s.logger.Warnw("stream loop did not stop in time", "device", s.path)
				break drain
			}
		}
	}
	s.frames = nil
	s.queue = nil
	return nil
}

// Close releases camera resources.
func (s *V4L2Source) Close() error {
	s.regions = nil
	if s.dev == nil {
		return nil
	}
	err := s.dev.Close()
	s.dev = nil
	return err
}

// getPixelFormat converts the configured format name to its V4L2 fourcc.
func getPixelFormat(format string) (uint32, bool) {
	switch format {
	case "H264":
		return v4l2.PixelFmtH264, true
	case "MJPEG":
		return v4l2.PixelFmtMJPEG, true
	case "YUYV":
		return v4l2.PixelFmtYUYV, true
	default:
		return 0, false
	}
}
