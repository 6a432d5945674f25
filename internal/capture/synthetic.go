package capture

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/edsrzf/mmap-go"

	"smartcam_system/internal/framering"
)

// SyntheticSource emulates a camera driver: buffers are anonymous shared
// mappings and a frame completes every 1/FPS seconds into the oldest queued
// buffer. It is used on hosts without a camera and in tests.
type SyntheticSource struct {
	// OpenErr, when set, is returned by Open to emulate a missing device.
	OpenErr error

	frameSize int
	fps       int
	regions   []mmap.MMap
	queue     []int
	ticker    *time.Ticker
	seq       uint64
	opened    bool
}

func NewSyntheticSource() *SyntheticSource {
	return &SyntheticSource{}
}

func (s *SyntheticSource) Open(string) error {
	if s.OpenErr != nil {
		return s.OpenErr
	}
	s.opened = true
	s.queue = nil
	return nil
}

// NegotiateFormat accepts the same formats as the V4L2 source. Compressed
// formats are sized at a tenth of the raw frame.
func (s *SyntheticSource) NegotiateFormat(f framering.Format) error {
	if !s.opened {
		return errNotOpen
	}
	if f.Width <= 0 || f.Height <= 0 {
		return fmt.Errorf("invalid geometry %dx%d", f.Width, f.Height)
	}
	if _, ok := getPixelFormat(f.PixelFormat); !ok {
		return fmt.Errorf("unsupported pixel format %q", f.PixelFormat)
	}

	s.frameSize = f.Width * f.Height * 2
	if f.PixelFormat != "YUYV" {
		s.frameSize /= 10
	}
	s.fps = f.FPS
	if s.fps <= 0 {
		s.fps = 30
	}
	return nil
}

func (s *SyntheticSource) RequestBuffers(count int) ([][]byte, error) {
	if !s.opened {
		return nil, errNotOpen
	}
	s.unmap()
	out := make([][]byte, 0, count)
	for i := 0; i < count; i++ {
		region, err := mmap.MapRegion(nil, s.frameSize, mmap.RDWR, mmap.ANON, 0)
		if err != nil {
			s.unmap()
			return nil, fmt.Errorf("failed to map buffer %d: %w", i, err)
		}
		s.regions = append(s.regions, region)
		out = append(out, region)
	}
	return out, nil
}

func (s *SyntheticSource) StartStream(context.Context) error {
	if !s.opened {
		return errNotOpen
	}
	s.ticker = time.NewTicker(time.Second / time.Duration(s.fps))
	return nil
}

func (s *SyntheticSource) Dequeue(ctx context.Context) (int, int, error) {
	if s.ticker == nil {
		return 0, 0, errors.New("stream not started")
	}
	select {
	case <-ctx.Done():
		return 0, 0, ctx.Err()
	case <-s.ticker.C:
	}
	if len(s.queue) == 0 {
		// The hardware drops frames while it holds no buffer.
		<-ctx.Done()
		return 0, 0, ctx.Err()
	}

	idx := s.queue[0]
	s.queue = s.queue[1:]
	s.fill(s.regions[idx])
	return idx, len(s.regions[idx]), nil
}

// fill writes a moving ramp so consecutive frames differ.
func (s *SyntheticSource) fill(region []byte) {
	s.seq++
	shift := byte(s.seq)
	for i := range region {
		region[i] = byte(i) + shift
	}
}

func (s *SyntheticSource) Enqueue(index int) error {
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

func (s *SyntheticSource) StopStream() error {
	if s.ticker != nil {
		s.ticker.Stop()
		s.ticker = nil
	}
	s.queue = nil
	return nil
}

func (s *SyntheticSource) Close() error {
	s.opened = false
	return s.unmap()
}

func (s *SyntheticSource) unmap() error {
	var errs []error
	for i := range s.regions {
		errs = append(errs, s.regions[i].Unmap())
	}
	s.regions = nil
	return errors.Join(errs...)
}
