package cbdr

import (
	"sync"
	"time"

	"github.com/ehrlich-b/go-cbdr/internal/logging"
	"github.com/ehrlich-b/go-cbdr/sim"
)

// MockRegisters wraps a register block and counts every access per offset.
// It is useful for asserting how a ring drives the hardware, for example
// that a timed-out command read the consumer index exactly Timeout times.
type MockRegisters struct {
	Registers

	mu     sync.RWMutex
	reads  map[uint32]int
	writes map[uint32]int
	log    []RegisterWrite
}

// RegisterWrite is one recorded register store.
type RegisterWrite struct {
	Offset uint32
	Value  uint32
}

// NewMockRegisters wraps inner.
func NewMockRegisters(inner Registers) *MockRegisters {
	return &MockRegisters{
		Registers: inner,
		reads:     make(map[uint32]int),
		writes:    make(map[uint32]int),
	}
}

// Read32 implements Registers
func (m *MockRegisters) Read32(off uint32) uint32 {
	m.mu.Lock()
	m.reads[off]++
	m.mu.Unlock()
	return m.Registers.Read32(off)
}

// Write32 implements Registers
func (m *MockRegisters) Write32(off uint32, v uint32) {
	m.mu.Lock()
	m.writes[off]++
	m.log = append(m.log, RegisterWrite{Offset: off, Value: v})
	m.mu.Unlock()
	m.Registers.Write32(off, v)
}

// Reads returns how many times off was read
func (m *MockRegisters) Reads(off uint32) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.reads[off]
}

// Writes returns how many times off was written
func (m *MockRegisters) Writes(off uint32) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.writes[off]
}

// WriteLog returns every recorded store in order
func (m *MockRegisters) WriteLog() []RegisterWrite {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]RegisterWrite(nil), m.log...)
}

// Reset clears all counters
func (m *MockRegisters) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	clear(m.reads)
	clear(m.writes)
	m.log = nil
}

// Simulated bundles a Device opened on a software NIC.
type Simulated struct {
	*Device

	// NIC is the simulated hardware; use it to stall or reject commands
	NIC *sim.Device

	// Regs counts the accesses the ring makes to the NIC
	Regs *MockRegisters

	// Heap backs the descriptor array and payload buffers
	Heap *Heap
}

// SimOptions configures NewSimulated.
type SimOptions struct {
	Mode  sim.Mode
	Delay time.Duration // sim.ModeDelayed only

	// HeapLimit caps DMA memory in bytes (0 = unlimited)
	HeapLimit int

	// Options are passed to Open
	Options *Options
}

// NewSimulated opens a Device on a simulated NIC. cfg supplies the layout
// and format for both sides.
func NewSimulated(cfg Config, opts *SimOptions) (*Simulated, error) {
	if opts == nil {
		opts = &SimOptions{}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var logger *logging.Logger
	if opts.Options != nil {
		logger = opts.Options.Logger
	}

	heap := NewHeap(opts.HeapLimit)
	nic, err := sim.New(heap, sim.Config{
		Layout: cfg.Layout,
		Format: cfg.Format,
		Mode:   opts.Mode,
		Delay:  opts.Delay,
		Logger: logger,
	})
	if err != nil {
		return nil, WrapError("OPEN", -1, err)
	}

	regs := NewMockRegisters(nic)
	dev, err := Open(regs, heap, cfg, opts.Options)
	if err != nil {
		return nil, err
	}

	return &Simulated{Device: dev, NIC: nic, Regs: regs, Heap: heap}, nil
}

// Close waits for delayed NIC work, then closes the device.
func (s *Simulated) Close() error {
	s.NIC.Wait()
	return s.Device.Close()
}
