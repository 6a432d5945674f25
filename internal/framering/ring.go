// Package framering owns the fixed pool of hardware-mapped frame buffers used
// during a capture phase and enforces their ownership cycle:
//
//	FreeForHardware -> FilledByHardware -> OwnedByApplication -> FreeForHardware
//
// At most one slot is lent to the application at a time. Illegal transitions
// are rejected with an error and leave the slot untouched.
package framering

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"smartcam_system/internal/logging"
)

var (
	// ErrDevice marks open, negotiation or buffer allocation failures.
	ErrDevice = errors.New("capture device error")
	// ErrWouldBlock is returned when no frame completed before ctx expired.
	ErrWouldBlock = errors.New("no filled frame available")
	// ErrTransient marks a single failed dequeue or enqueue. The frame is
	// skipped and capture continues.
	ErrTransient = errors.New("transient capture error")
	// ErrNotOwned is returned when releasing a slot the application does not
	// hold.
	ErrNotOwned = errors.New("slot is not owned by the application")
	// ErrLoanOutstanding is returned when acquiring while a slot is still lent.
	ErrLoanOutstanding = errors.New("a slot is already lent to the application")
	ErrClosed          = errors.New("frame ring is shut down")
)

// SlotState is the current owner of a buffer slot.
type SlotState int

const (
	FreeForHardware SlotState = iota
	FilledByHardware
	OwnedByApplication
)

func (s SlotState) String() string {
	switch s {
	case FreeForHardware:
		return "free_for_hardware"
	case FilledByHardware:
		return "filled_by_hardware"
	case OwnedByApplication:
		return "owned_by_application"
	default:
		return fmt.Sprintf("slot_state(%d)", int(s))
	}
}

// DeviceError wraps a failure of the device set-up path. It matches
// ErrDevice with errors.Is.
type DeviceError struct {
	Op     string
	Device string
	Err    error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("failed to %s %s: %v", e.Op, e.Device, e.Err)
}

func (e *DeviceError) Unwrap() error { return e.Err }

func (e *DeviceError) Is(target error) bool { return target == ErrDevice }

// Slot is one hardware-mapped buffer.
type Slot struct {
	index  int
	region []byte
	length int
	state  SlotState
}

func (s *Slot) Index() int { return s.index }

func (s *Slot) State() SlotState { return s.state }

// Bytes returns the valid frame bytes. It is nil unless the application
// currently owns the slot.
func (s *Slot) Bytes() []byte {
	if s.state != OwnedByApplication {
		return nil
	}
	return s.region[:s.length]
}

// Options configures Open.
type Options struct {
	Device string
	Slots  int
	Format Format
}

// Ring is the single owner of all buffer slots.
type Ring struct {
	src    Source
	device string
	slots  []*Slot
	logger *zap.SugaredLogger
	closed bool

	loan     *Slot
	// withheld is set while the loaned slot is waiting for a requeue retry.
	withheld bool
}

// Open opens the source, negotiates the format, requests the buffer pool,
// queues every slot to the hardware and starts streaming.
func Open(ctx context.Context, src Source, opts Options, logger *zap.SugaredLogger) (*Ring, error) {
	if logger == nil {
		logger = logging.Nop()
	}
	if opts.Slots <= 0 {
		return nil, &DeviceError{Op: "request buffers on", Device: opts.Device, Err: fmt.Errorf("invalid slot count %d", opts.Slots)}
	}

	if err := src.Open(opts.Device); err != nil {
		return nil, &DeviceError{Op: "open", Device: opts.Device, Err: err}
	}

	r := &Ring{src: src, device: opts.Device, logger: logger}
	if err := r.setup(ctx, opts); err != nil {
		_ = src.Close()
		return nil, err
	}

	logger.Debugw("frame ring started", "device", opts.Device, "slots", len(r.slots), "format", opts.Format.String())
	return r, nil
}

func (r *Ring) setup(ctx context.Context, opts Options) error {
	if err := r.src.NegotiateFormat(opts.Format); err != nil {
		return &DeviceError{Op: "negotiate format on", Device: opts.Device, Err: err}
	}

	regions, err := r.src.RequestBuffers(opts.Slots)
	if err != nil {
		return &DeviceError{Op: "request buffers on", Device: opts.Device, Err: err}
	}
	if len(regions) == 0 {
		return &DeviceError{Op: "request buffers on", Device: opts.Device, Err: errors.New("driver granted no buffers")}
	}

	r.slots = make([]*Slot, len(regions))
	for i, region := range regions {
		if err := r.src.Enqueue(i); err != nil {
			return &DeviceError{Op: "queue buffer on", Device: opts.Device, Err: err}
		}
		r.slots[i] = &Slot{index: i, region: region, state: FreeForHardware}
	}

	if err := r.src.StartStream(ctx); err != nil {
		return &DeviceError{Op: "start stream on", Device: opts.Device, Err: err}
	}
	return nil
}

// AcquireFilled blocks until the hardware completes a frame and lends the
// slot to the caller together with the number of valid bytes.
func (r *Ring) AcquireFilled(ctx context.Context) (*Slot, int, error) {
	if r.closed {
		return nil, 0, ErrClosed
	}
	if r.loan != nil {
		if !r.withheld {
			return nil, 0, fmt.Errorf("%w: slot %d", ErrLoanOutstanding, r.loan.index)
		}
		if err := r.requeue(r.loan); err != nil {
			return nil, 0, err
		}
	}

	idx, n, err := r.src.Dequeue(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, 0, fmt.Errorf("%w: %v", ErrWouldBlock, ctx.Err())
		}
		return nil, 0, fmt.Errorf("%w: dequeue: %v", ErrTransient, err)
	}
	if idx < 0 || idx >= len(r.slots) {
		return nil, 0, fmt.Errorf("%w: dequeue returned unknown slot %d", ErrTransient, idx)
	}

	s := r.slots[idx]
	if s.state != FreeForHardware {
		return nil, 0, fmt.Errorf("%w: dequeue returned slot %d in state %s", ErrTransient, idx, s.state)
	}
	s.state = FilledByHardware

	if n < 0 {
		n = 0
	}
	if n > len(s.region) {
		n = len(s.region)
	}
	s.length = n
	s.state = OwnedByApplication
	r.loan = s
	return s, n, nil
}

// Release hands an application-owned slot back to the hardware. If the
// source rejects the enqueue the slot stays lent and the next AcquireFilled
// retries the requeue before dequeuing.
func (r *Ring) Release(s *Slot) error {
	if r.closed {
		return ErrClosed
	}
	if s == nil || s.index < 0 || s.index >= len(r.slots) || r.slots[s.index] != s {
		return fmt.Errorf("%w: slot does not belong to this ring", ErrNotOwned)
	}
	if s.state != OwnedByApplication {
		return fmt.Errorf("%w: slot %d is %s", ErrNotOwned, s.index, s.state)
	}
	return r.requeue(s)
}

func (r *Ring) requeue(s *Slot) error {
	if err := r.src.Enqueue(s.index); err != nil {
		r.withheld = true
		r.logger.Debugw("requeue failed, slot withheld from hardware", "slot", s.index, "error", err)
		return fmt.Errorf("%w: enqueue slot %d: %v", ErrTransient, s.index, err)
	}
	s.length = 0
	s.state = FreeForHardware
	r.loan = nil
	r.withheld = false
	return nil
}

// State reports the ownership of slot i.
func (r *Ring) State(i int) SlotState {
	return r.slots[i].state
}

// Len is the number of slots granted by the source.
func (r *Ring) Len() int { return len(r.slots) }

// Shutdown stops the stream and unmaps every slot. An outstanding loan is
// released implicitly. Calling it more than once is a no-op.
func (r *Ring) Shutdown() error {
	if r.closed {
		return nil
	}
	r.closed = true

	stopErr := r.src.StopStream()
	for _, s := range r.slots {
		s.state = FreeForHardware
		s.length = 0
		s.region = nil
	}
	r.loan = nil
	r.withheld = false
	closeErr := r.src.Close()

	if err := errors.Join(stopErr, closeErr); err != nil {
		return fmt.Errorf("failed to shut down %s: %w", r.device, err)
	}
	return nil
}
