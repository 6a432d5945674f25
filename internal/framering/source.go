package framering

import (
	"context"
	"fmt"
)

// Format describes the frame geometry negotiated with the capture source.
type Format struct {
	Width       int
	Height      int
	PixelFormat string
	FPS         int
}

func (f Format) String() string {
	return fmt.Sprintf("%dx%d %s@%d", f.Width, f.Height, f.PixelFormat, f.FPS)
}

// Source is the narrow capability surface of a capture device. The ring is
// the only caller; implementations need not be safe for concurrent use.
type Source interface {
	Open(device string) error
	NegotiateFormat(f Format) error
	// RequestBuffers allocates count hardware-backed regions, indexed by
	// position in the returned slice.
	RequestBuffers(count int) ([][]byte, error)
	StartStream(ctx context.Context) error
	StopStream() error
	// Dequeue blocks until the hardware completes a frame and returns the
	// index of the filled buffer with the number of valid bytes.
	Dequeue(ctx context.Context) (index int, bytesUsed int, err error)
	// Enqueue hands buffer index back to the hardware.
	Enqueue(index int) error
	Close() error
}
