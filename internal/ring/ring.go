// Package ring implements a control buffer descriptor ring: a circular array
// of descriptors in DMA memory, handed to a device through producer and
// consumer index registers.
package ring

import (
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/ehrlich-b/go-cbdr/internal/constants"
	"github.com/ehrlich-b/go-cbdr/internal/desc"
	"github.com/ehrlich-b/go-cbdr/internal/interfaces"
	"github.com/ehrlich-b/go-cbdr/internal/logging"
	"github.com/ehrlich-b/go-cbdr/internal/regs"
)

// Config holds the parameters of a ring.
type Config struct {
	ID           int           // used in log context only
	Capacity     int           // number of descriptors
	Timeout      int           // consumer index polls before ErrTimeout
	PollInterval time.Duration // delay after each poll
	Layout       regs.Layout
	Format       desc.Format
	Logger       *logging.Logger
}

// DefaultConfig returns a config with the default depth, timeout and layout.
func DefaultConfig() Config {
	return Config{
		Capacity:     constants.DefaultRingDepth,
		Timeout:      constants.DefaultTimeout,
		PollInterval: constants.DefaultPollInterval,
		Layout:       regs.DefaultLayout,
		Format:       desc.DefaultFormat,
	}
}

// Validate checks the config against itself and the register layout.
func (c Config) Validate() error {
	if err := c.Layout.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := c.Format.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	maxDepth := min(constants.MaxRingDepth, c.Layout.MaxDepth())
	if c.Capacity < constants.MinRingDepth || c.Capacity > maxDepth {
		return fmt.Errorf("%w: capacity %d not in [%d, %d]",
			ErrInvalidConfig, c.Capacity, constants.MinRingDepth, maxDepth)
	}
	if c.Timeout < 1 {
		return fmt.Errorf("%w: timeout must be at least one poll, got %d", ErrInvalidConfig, c.Timeout)
	}
	if c.PollInterval < 0 {
		return fmt.Errorf("%w: negative poll interval %v", ErrInvalidConfig, c.PollInterval)
	}
	return nil
}

// Ring owns the descriptor memory and the ring registers of one device
// function. All mutation happens under lock; the cursors are atomics only so
// FreeSlotCount and Stats can be read without it.
type Ring struct {
	cfg    Config
	regs   interfaces.Registers
	mem    interfaces.Mem
	slots  []byte
	logger *logging.Logger

	// lock is a one-token semaphore so waiters can give up on ctx.
	lock chan struct{}

	ntu atomic.Uint32 // next to use
	ntc atomic.Uint32 // next to clean

	// seq numbers every publish; slotSeq records which publish occupies
	// each slot so a stale TimeoutError cannot recover a reused slot.
	seq     uint64
	slotSeq []uint64

	// parked holds the payload buffers of timed-out commands until the
	// device consumes their slot.
	parked []io.Closer

	closed    atomic.Bool
	reclaimed atomic.Uint64
}

// Stats is a point-in-time view of the ring cursors and registers.
type Stats struct {
	Capacity    int
	NextToUse   int
	NextToClean int
	Free        int
	HWProducer  uint32
	HWConsumer  uint32
	Status      uint32
	Reclaimed   uint64
	Closed      bool
}

// Create allocates zeroed descriptor memory and programs the ring
// registers. The device control path must be quiesced.
func Create(r interfaces.Registers, alloc interfaces.Allocator, cfg Config) (*Ring, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	logger = logger.WithRing(cfg.ID)

	size := cfg.Capacity * desc.Size
	mem, err := alloc.Alloc(size, constants.RingBaseAlign)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAllocation, err)
	}
	slots := mem.Buf()[:size]
	clear(slots)

	rg := &Ring{
		cfg:     cfg,
		regs:    r,
		mem:     mem,
		slots:   slots,
		slotSeq: make([]uint64, cfg.Capacity),
		parked:  make([]io.Closer, cfg.Capacity),
		logger:  logger,
		lock:    make(chan struct{}, 1),
	}

	l := cfg.Layout
	addr := mem.PhysAddr()
	r.Write32(l.Mode, 0)
	r.Write32(l.BaseLo, uint32(addr))
	r.Write32(l.BaseHi, uint32(addr>>32))
	r.Write32(l.Producer, 0)
	r.Write32(l.Consumer, 0)
	r.Write32(l.Length, uint32(cfg.Capacity))
	publishBarrier()
	r.Write32(l.Mode, l.ModeEnable)

	logger.Info("command ring created",
		"capacity", cfg.Capacity,
		"base", fmt.Sprintf("0x%x", addr),
		"timeout", cfg.Timeout,
		"poll_interval", cfg.PollInterval.String())

	return rg, nil
}

// Destroy disables the ring in hardware and only then frees the descriptor
// memory. It waits for an in-flight command and is safe to call twice.
func (r *Ring) Destroy() error {
	r.lock <- struct{}{}
	defer func() { <-r.lock }()

	if r.closed.Swap(true) {
		return nil
	}

	r.regs.Write32(r.cfg.Layout.Mode, 0)
	publishBarrier()

	for i := range r.parked {
		r.release(uint32(i))
	}

	err := r.mem.Close()
	r.slots = nil
	if err != nil {
		r.logger.WithError(err).Warn("failed to free ring memory")
		return err
	}
	r.logger.Info("command ring destroyed", "reclaimed", r.reclaimed.Load())
	return nil
}

// Base returns the device address of the descriptor array.
func (r *Ring) Base() uint64 { return r.mem.PhysAddr() }

// Capacity returns the number of descriptors.
func (r *Ring) Capacity() int { return r.cfg.Capacity }

// Config returns the ring configuration.
func (r *Ring) Config() Config { return r.cfg }

// Closed reports whether Destroy has run.
func (r *Ring) Closed() bool { return r.closed.Load() }

// slot returns the live view of descriptor i. Callers hold the lock.
func (r *Ring) slot(i uint32) []byte {
	if int(i) >= r.cfg.Capacity {
		panic(fmt.Sprintf("ring: slot %d out of range (capacity %d)", i, r.cfg.Capacity))
	}
	off := int(i) * desc.Size
	return r.slots[off : off+desc.Size : off+desc.Size]
}

// SlotAt returns a copy of descriptor i.
func (r *Ring) SlotAt(i int) ([desc.Size]byte, error) {
	var out [desc.Size]byte
	if i < 0 || i >= r.cfg.Capacity {
		return out, fmt.Errorf("%w: %d (capacity %d)", ErrSlotIndex, i, r.cfg.Capacity)
	}

	r.lock <- struct{}{}
	defer func() { <-r.lock }()
	if r.closed.Load() {
		return out, ErrClosed
	}
	copy(out[:], r.slot(uint32(i)))
	return out, nil
}

// FreeSlotCount returns the number of slots software may still fill. One
// slot is always held back so a full ring is distinguishable from an empty
// one; the result is in [0, capacity-1].
func (r *Ring) FreeSlotCount() int {
	return freeSlots(r.ntc.Load(), r.ntu.Load(), uint32(r.cfg.Capacity))
}

func freeSlots(ntc, ntu, n uint32) int {
	return int((ntc + n - ntu - 1) % n)
}

func (r *Ring) advance(i uint32) uint32 {
	i++
	if i == uint32(r.cfg.Capacity) {
		i = 0
	}
	return i
}

// Stats snapshots the cursors and the hardware registers.
func (r *Ring) Stats() Stats {
	s := Stats{
		Capacity:    r.cfg.Capacity,
		NextToUse:   int(r.ntu.Load()),
		NextToClean: int(r.ntc.Load()),
		Reclaimed:   r.reclaimed.Load(),
		Closed:      r.closed.Load(),
	}
	s.Free = freeSlots(uint32(s.NextToClean), uint32(s.NextToUse), uint32(s.Capacity))
	if !s.Closed {
		l := r.cfg.Layout
		s.HWProducer = r.regs.Read32(l.Producer) & l.IndexMask
		s.HWConsumer = r.regs.Read32(l.Consumer) & l.IndexMask
		s.Status = r.regs.Read32(l.Status)
	}
	return s
}
