package framering

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSource hands out queued buffers in FIFO order, one per Dequeue.
type fakeSource struct {
	openErr      error
	formatErr    error
	grant        int
	queue        []int
	regions      [][]byte
	frameLen     int
	dequeueErrs  []error
	enqueueErr   error
	streaming    bool
	opened       bool
	closes       int
	stops        int
	enqueueCalls int
}

func (f *fakeSource) Open(string) error {
	if f.openErr != nil {
		return f.openErr
	}
	f.opened = true
	return nil
}

func (f *fakeSource) NegotiateFormat(Format) error { return f.formatErr }

func (f *fakeSource) RequestBuffers(count int) ([][]byte, error) {
	if f.grant > 0 {
		count = f.grant
	}
	f.regions = make([][]byte, count)
	for i := range f.regions {
		f.regions[i] = make([]byte, 64)
	}
	return f.regions, nil
}

func (f *fakeSource) StartStream(context.Context) error {
	f.streaming = true
	return nil
}

func (f *fakeSource) StopStream() error {
	f.stops++
	f.streaming = false
	return nil
}

func (f *fakeSource) Dequeue(ctx context.Context) (int, int, error) {
	if len(f.dequeueErrs) > 0 {
		err := f.dequeueErrs[0]
		f.dequeueErrs = f.dequeueErrs[1:]
		if err != nil {
			return 0, 0, err
		}
	}
	if len(f.queue) == 0 {
		<-ctx.Done()
		return 0, 0, ctx.Err()
	}
	idx := f.queue[0]
	f.queue = f.queue[1:]
	if idx < len(f.regions) {
		for i := range f.regions[idx] {
			f.regions[idx][i] = byte(idx)
		}
	}
	return idx, f.frameLen, nil
}

func (f *fakeSource) Enqueue(index int) error {
	f.enqueueCalls++
	if f.enqueueErr != nil {
		return f.enqueueErr
	}
	f.queue = append(f.queue, index)
	return nil
}

func (f *fakeSource) Close() error {
	f.closes++
	f.opened = false
	return nil
}

func openRing(t *testing.T, src *fakeSource, slots int) *Ring {
	t.Helper()
	r, err := Open(context.Background(), src, Options{Device: "/dev/fake", Slots: slots, Format: Format{Width: 4, Height: 4, PixelFormat: "YUYV", FPS: 30}}, nil)
	require.NoError(t, err)
	return r
}

func TestOpenQueuesEverySlot(t *testing.T) {
	src := &fakeSource{frameLen: 32}
	r := openRing(t, src, 4)

	assert.Equal(t, 4, r.Len())
	assert.True(t, src.streaming)
	assert.Equal(t, []int{0, 1, 2, 3}, src.queue)
	for i := 0; i < r.Len(); i++ {
		assert.Equal(t, FreeForHardware, r.State(i))
	}
}

func TestOpenFailures(t *testing.T) {
	t.Run("open", func(t *testing.T) {
		src := &fakeSource{openErr: errors.New("no such device")}
		_, err := Open(context.Background(), src, Options{Device: "/dev/video9", Slots: 4}, nil)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrDevice)
		assert.Contains(t, err.Error(), "/dev/video9")
	})

	t.Run("format", func(t *testing.T) {
		src := &fakeSource{formatErr: errors.New("unsupported")}
		_, err := Open(context.Background(), src, Options{Device: "/dev/video0", Slots: 4}, nil)
		assert.ErrorIs(t, err, ErrDevice)
		assert.Equal(t, 1, src.closes, "device must be closed after a failed negotiation")
	})

	t.Run("slot count", func(t *testing.T) {
		_, err := Open(context.Background(), &fakeSource{}, Options{Device: "/dev/video0"}, nil)
		assert.ErrorIs(t, err, ErrDevice)
	})
}

func TestAcquireReleaseCycle(t *testing.T) {
	src := &fakeSource{frameLen: 32}
	r := openRing(t, src, 3)
	ctx := context.Background()

	for round := 0; round < 7; round++ {
		slot, n, err := r.AcquireFilled(ctx)
		require.NoError(t, err)
		assert.Equal(t, 32, n)
		assert.Equal(t, OwnedByApplication, slot.State())
		assert.Len(t, slot.Bytes(), 32)
		assert.Equal(t, byte(slot.Index()), slot.Bytes()[0])

		require.NoError(t, r.Release(slot))
		assert.Equal(t, FreeForHardware, slot.State())
		assert.Nil(t, slot.Bytes(), "a free slot must not be readable")
	}
}

func TestReleaseRejectsSlotNotOwned(t *testing.T) {
	src := &fakeSource{frameLen: 8}
	r := openRing(t, src, 2)

	slot, _, err := r.AcquireFilled(context.Background())
	require.NoError(t, err)
	require.NoError(t, r.Release(slot))
	calls := src.enqueueCalls

	err = r.Release(slot)
	assert.ErrorIs(t, err, ErrNotOwned)
	assert.Equal(t, calls, src.enqueueCalls, "a rejected release must not reach the hardware")

	assert.ErrorIs(t, r.Release(nil), ErrNotOwned)
	assert.ErrorIs(t, r.Release(&Slot{index: 0, state: OwnedByApplication}), ErrNotOwned)
}

func TestAcquireWhileLentIsRejected(t *testing.T) {
	r := openRing(t, &fakeSource{frameLen: 8}, 2)

	slot, _, err := r.AcquireFilled(context.Background())
	require.NoError(t, err)

	_, _, err = r.AcquireFilled(context.Background())
	assert.ErrorIs(t, err, ErrLoanOutstanding)
	require.NoError(t, r.Release(slot))
}

func TestAcquireWouldBlock(t *testing.T) {
	src := &fakeSource{frameLen: 8}
	r := openRing(t, src, 1)
	slot, _, err := r.AcquireFilled(context.Background())
	require.NoError(t, err)
	require.NoError(t, r.Release(slot))
	src.queue = nil

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, _, err = r.AcquireFilled(ctx)
	assert.ErrorIs(t, err, ErrWouldBlock)
}

func TestTransientDequeueFailureSkipsFrame(t *testing.T) {
	src := &fakeSource{frameLen: 8, dequeueErrs: []error{errors.New("EIO")}}
	r := openRing(t, src, 2)

	_, _, err := r.AcquireFilled(context.Background())
	assert.ErrorIs(t, err, ErrTransient)

	slot, _, err := r.AcquireFilled(context.Background())
	require.NoError(t, err)
	require.NoError(t, r.Release(slot))
}

func TestFailedRequeueKeepsLoanUntilRetried(t *testing.T) {
	src := &fakeSource{frameLen: 8}
	r := openRing(t, src, 2)

	slot, _, err := r.AcquireFilled(context.Background())
	require.NoError(t, err)

	src.enqueueErr = errors.New("EINVAL")
	assert.ErrorIs(t, r.Release(slot), ErrTransient)
	assert.Equal(t, OwnedByApplication, slot.State())

	_, _, err = r.AcquireFilled(context.Background())
	assert.ErrorIs(t, err, ErrTransient, "the withheld slot is retried before a new loan")
	owned := 0
	for i := 0; i < r.Len(); i++ {
		if r.State(i) == OwnedByApplication {
			owned++
		}
	}
	assert.Equal(t, 1, owned)

	src.enqueueErr = nil
	other, _, err := r.AcquireFilled(context.Background())
	require.NoError(t, err)
	assert.Equal(t, FreeForHardware, slot.State())
	assert.Contains(t, src.queue, slot.Index(), "the retried slot is back with the hardware")
	require.NoError(t, r.Release(other))
}

func TestWithheldSlotCanBeReleasedAgain(t *testing.T) {
	src := &fakeSource{frameLen: 8}
	r := openRing(t, src, 2)

	slot, _, err := r.AcquireFilled(context.Background())
	require.NoError(t, err)
	src.enqueueErr = errors.New("EINVAL")
	require.ErrorIs(t, r.Release(slot), ErrTransient)

	src.enqueueErr = nil
	require.NoError(t, r.Release(slot))
	assert.Equal(t, FreeForHardware, slot.State())

	_, _, err = r.AcquireFilled(context.Background())
	require.NoError(t, err)
}

func TestDequeueOfUnqueuedSlotIsRejected(t *testing.T) {
	src := &fakeSource{frameLen: 8}
	r := openRing(t, src, 2)
	src.queue = []int{5}

	_, _, err := r.AcquireFilled(context.Background())
	assert.ErrorIs(t, err, ErrTransient)
}

func TestShutdownReleasesOutstandingLoan(t *testing.T) {
	src := &fakeSource{frameLen: 8}
	r := openRing(t, src, 2)

	slot, _, err := r.AcquireFilled(context.Background())
	require.NoError(t, err)

	require.NoError(t, r.Shutdown())
	assert.Equal(t, FreeForHardware, slot.State())
	assert.Equal(t, 1, src.stops)
	assert.Equal(t, 1, src.closes)

	require.NoError(t, r.Shutdown())
	assert.Equal(t, 1, src.closes, "shutdown is idempotent")

	_, _, err = r.AcquireFilled(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, r.Release(slot), ErrClosed)
}
