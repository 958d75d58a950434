package ring

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/ehrlich-b/go-cbdr/internal/desc"
)

// Execute runs one command to completion. The payload buffer referenced by
// req must stay valid until Execute returns.
//
// ctx is honoured until the descriptor is published. After that the command
// belongs to the device and the only bound is the poll budget. ErrTimeout
// means the outcome is unknown: the device may still complete the command,
// and a later Reclaim will account for it.
//
// A command the device rejects returns its completion together with a
// *StatusError.
func (r *Ring) Execute(ctx context.Context, req *desc.Request) (desc.Completion, error) {
	var raw [desc.Size]byte
	if err := r.cfg.Format.MarshalRequest(raw[:], req); err != nil {
		return desc.Completion{}, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	select {
	case r.lock <- struct{}{}:
	case <-ctx.Done():
		return desc.Completion{}, ctx.Err()
	}
	defer func() { <-r.lock }()

	if r.closed.Load() {
		return desc.Completion{}, ErrClosed
	}

	if r.FreeSlotCount() == 0 {
		if _, err := r.reclaimLocked(); err != nil {
			return desc.Completion{}, err
		}
		if r.FreeSlotCount() == 0 {
			return desc.Completion{}, fmt.Errorf("%w: %d outstanding, consumer index 0x%x",
				ErrRingFull, r.cfg.Capacity-1, r.readCI())
		}
	}

	// Last point at which the caller can back out.
	if err := ctx.Err(); err != nil {
		return desc.Completion{}, err
	}

	logger := r.logger
	debug := logger.DebugEnabled()
	if debug {
		logger = logger.WithCommand(desc.CommandName(req.Cmd), strconv.Itoa(int(req.TableID)))
	}

	i := r.ntu.Load()
	slot := r.slot(i)
	copy(slot, raw[:])
	r.seq++
	r.slotSeq[i] = r.seq

	next := r.advance(i)
	r.ntu.Store(next)
	publishBarrier()
	r.regs.Write32(r.cfg.Layout.Producer, next)

	if debug {
		logger.Debug("command published", "slot", i, "pi", next, "addr", fmt.Sprintf("0x%x", req.Addr))
	}

	start := time.Now()
	if !r.poll(next) {
		r.logger.Warn("command timed out",
			"cmd", desc.CommandName(req.Cmd),
			"table", req.TableID,
			"slot", i,
			"polls", r.cfg.Timeout)
		return desc.Completion{}, &TimeoutError{
			Slot:    int(i),
			Seq:     r.seq,
			Polls:   r.cfg.Timeout,
			Elapsed: time.Since(start),
		}
	}

	acquireBarrier()
	comp, _ := desc.UnmarshalCompletion(slot)

	if _, err := r.reclaimLocked(); err != nil {
		r.logger.WithError(err).Warn("reclaim after completion failed")
	}

	if !comp.OK() {
		r.logger.Warn("command rejected by device",
			"cmd", desc.CommandName(req.Cmd),
			"table", req.TableID,
			"status", fmt.Sprintf("0x%04x", comp.Status))
		return comp, &StatusError{Status: comp.Status, NumMatched: comp.NumMatched}
	}

	if debug {
		logger.Debug("command completed", "slot", i, "matched", comp.NumMatched, "latency", time.Since(start).String())
	}
	return comp, nil
}

// poll reads the consumer index up to Timeout times, sleeping PollInterval
// after each miss. It reports whether the index reached want.
func (r *Ring) poll(want uint32) bool {
	for n := 0; n < r.cfg.Timeout; n++ {
		if r.readCI() == want {
			return true
		}
		if r.cfg.PollInterval > 0 {
			time.Sleep(r.cfg.PollInterval)
		}
	}
	return false
}

func (r *Ring) readCI() uint32 {
	return r.regs.Read32(r.cfg.Layout.Consumer) & r.cfg.Layout.IndexMask
}

// Reclaim advances next-to-clean up to the hardware consumer index, zeroing
// every consumed slot. It returns the number of slots reclaimed and is a
// no-op when the device has consumed nothing new.
func (r *Ring) Reclaim() (int, error) {
	r.lock <- struct{}{}
	defer func() { <-r.lock }()

	if r.closed.Load() {
		return 0, ErrClosed
	}
	return r.reclaimLocked()
}

func (r *Ring) reclaimLocked() (int, error) {
	ci := r.readCI()
	ntc := r.ntc.Load()
	ntu := r.ntu.Load()
	n := uint32(r.cfg.Capacity)

	if ci >= n || (ci+n-ntc)%n > (ntu+n-ntc)%n {
		return 0, fmt.Errorf("%w: ci=%d ntc=%d ntu=%d", ErrBadConsumerIndex, ci, ntc, ntu)
	}

	count := 0
	for ntc != ci {
		r.release(ntc)
		clear(r.slot(ntc))
		publishBarrier()
		ntc = r.advance(ntc)
		count++
	}
	r.ntc.Store(ntc)

	if count > 0 {
		r.reclaimed.Add(uint64(count))
	}
	return count, nil
}

// Recover checks whether the command behind a TimeoutError has completed
// since. If it has, its completion is read before the slot is reclaimed and
// done is true; a rejected command also returns a *StatusError. If the
// device still owns the slot, done is false and nothing changes except
// that earlier completions are reclaimed.
func (r *Ring) Recover(te *TimeoutError) (comp desc.Completion, done bool, err error) {
	if te == nil || te.Slot < 0 || te.Slot >= r.cfg.Capacity {
		return desc.Completion{}, false, fmt.Errorf("%w: bad timeout token", ErrSlotIndex)
	}

	r.lock <- struct{}{}
	defer func() { <-r.lock }()

	if r.closed.Load() {
		return desc.Completion{}, false, ErrClosed
	}

	n := uint32(r.cfg.Capacity)
	slot := uint32(te.Slot)
	ntc := r.ntc.Load()
	ci := r.readCI()

	if !r.pendingLocked(te) {
		return desc.Completion{}, true, ErrCompletionLost
	}
	if ci >= n || (slot+n-ntc)%n >= (ci+n-ntc)%n {
		if _, err := r.reclaimLocked(); err != nil {
			return desc.Completion{}, false, err
		}
		return desc.Completion{}, false, nil
	}

	acquireBarrier()
	comp, _ = desc.UnmarshalCompletion(r.slot(slot))
	if _, err := r.reclaimLocked(); err != nil {
		return comp, true, err
	}

	r.logger.Info("late completion recovered", "slot", slot, "status", fmt.Sprintf("0x%04x", comp.Status))
	if !comp.OK() {
		return comp, true, &StatusError{Status: comp.Status, NumMatched: comp.NumMatched}
	}
	return comp, true, nil
}

// pendingLocked reports whether the command behind te still occupies its
// slot: published, not yet reclaimed, and not replaced by a later publish.
func (r *Ring) pendingLocked(te *TimeoutError) bool {
	n := uint32(r.cfg.Capacity)
	slot := uint32(te.Slot)
	ntc, ntu := r.ntc.Load(), r.ntu.Load()
	return (slot+n-ntc)%n < (ntu+n-ntc)%n && r.slotSeq[slot] == te.Seq
}

// Park takes ownership of the payload buffer of a command that failed with
// err. A timed-out descriptor still points at its payload, so the buffer is
// held until a reclaim sees the slot consumed, or until Destroy. Park
// returns false when err is not a timeout or the slot has already been
// reclaimed; the caller keeps the buffer then.
func (r *Ring) Park(err error, payload io.Closer) bool {
	var te *TimeoutError
	if payload == nil || !errors.As(err, &te) || te.Slot < 0 || te.Slot >= r.cfg.Capacity {
		return false
	}

	r.lock <- struct{}{}
	defer func() { <-r.lock }()

	if r.closed.Load() || !r.pendingLocked(te) {
		return false
	}
	r.parked[te.Slot] = payload
	r.logger.Debug("payload parked until slot is consumed", "slot", te.Slot)
	return true
}

// Parked returns the number of payload buffers held for timed-out commands.
func (r *Ring) Parked() int {
	r.lock <- struct{}{}
	defer func() { <-r.lock }()

	n := 0
	for _, p := range r.parked {
		if p != nil {
			n++
		}
	}
	return n
}

// release frees the buffer parked on slot i. Callers hold the lock.
func (r *Ring) release(i uint32) {
	p := r.parked[i]
	if p == nil {
		return
	}
	r.parked[i] = nil
	if err := p.Close(); err != nil {
		r.logger.WithError(err).Warn("failed to free parked payload", "slot", i)
	}
}

// Outstanding returns the number of published slots the device has not yet
// been observed to consume.
func (r *Ring) Outstanding() int {
	n := uint32(r.cfg.Capacity)
	return int((r.ntu.Load() + n - r.ntc.Load()) % n)
}
