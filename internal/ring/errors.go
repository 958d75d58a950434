package ring

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrTimeout means the device did not advance the consumer index within
	// the poll budget. The command may still complete later.
	ErrTimeout = errors.New("ring: command timed out")

	// ErrRingFull means no slot was free even after a reclaim.
	ErrRingFull = errors.New("ring: no free descriptor")

	// ErrClosed is returned for operations on a destroyed ring.
	ErrClosed = errors.New("ring: closed")

	// ErrAllocation wraps allocator failures during Create.
	ErrAllocation = errors.New("ring: descriptor memory allocation failed")

	// ErrInvalidConfig is returned by Config.Validate.
	ErrInvalidConfig = errors.New("ring: invalid configuration")

	// ErrInvalidRequest means a request could not be encoded into a slot.
	ErrInvalidRequest = errors.New("ring: invalid request descriptor")

	// ErrBadConsumerIndex means the hardware consumer index points outside
	// the outstanding window.
	ErrBadConsumerIndex = errors.New("ring: consumer index out of range")

	// ErrSlotIndex is returned by SlotAt for indices >= capacity.
	ErrSlotIndex = errors.New("ring: slot index out of range")

	// ErrCompletionLost means a timed-out command was consumed by the device
	// but its slot was reclaimed before the status could be read.
	ErrCompletionLost = errors.New("ring: completion reclaimed before it was read")
)

// TimeoutError identifies the command that timed out so its late
// completion can be recovered. It matches ErrTimeout.
type TimeoutError struct {
	Slot    int
	Seq     uint64
	Polls   int
	Elapsed time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("ring: command in slot %d timed out after %d polls (%v)", e.Slot, e.Polls, e.Elapsed)
}

// Is makes errors.Is(err, ErrTimeout) hold.
func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

// StatusError is returned when the device completes a command with a
// non-zero status. The status is device-defined and passed through as is.
type StatusError struct {
	Status     uint16
	NumMatched uint16
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("ring: device rejected command (status 0x%04x)", e.Status)
}
