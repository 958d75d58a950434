package cbdr

import (
	"github.com/ehrlich-b/go-cbdr/internal/desc"
	"github.com/ehrlich-b/go-cbdr/internal/dma"
	"github.com/ehrlich-b/go-cbdr/internal/interfaces"
	"github.com/ehrlich-b/go-cbdr/internal/logging"
	"github.com/ehrlich-b/go-cbdr/internal/ntmp"
	"github.com/ehrlich-b/go-cbdr/internal/regs"
	"github.com/ehrlich-b/go-cbdr/internal/ring"
)

// Registers is the device handle: 32-bit register reads and writes.
type Registers = interfaces.Registers

// Mem is a region of DMA-addressable memory.
type Mem = interfaces.Mem

// Allocator hands out DMA-addressable memory.
type Allocator = interfaces.Allocator

// Resolver maps device addresses back to memory.
type Resolver = interfaces.Resolver

// Request is the software half of a ring descriptor.
type Request = desc.Request

// Completion is the device half of a ring descriptor.
type Completion = desc.Completion

// Format describes the length word of a descriptor.
type Format = desc.Format

// Layout holds the ring register offsets.
type Layout = regs.Layout

// RingStats is a snapshot of ring cursors and registers.
type RingStats = ring.Stats

// Logger is the structured logger used throughout the package.
type Logger = logging.Logger

// LogConfig configures NewLogger.
type LogConfig = logging.Config

// Codec holds state shared by table commands, such as the lazily built
// CRC table used for MAC hashing. It is safe for concurrent use.
type Codec = ntmp.Context

// Heap is an allocator backed by Go memory with synthetic device
// addresses. It is what the simulator needs.
type Heap = dma.Heap

var (
	// DefaultLayout is the register layout of the station interface ring.
	DefaultLayout = regs.DefaultLayout

	// DefaultFormat splits the length word 12/20.
	DefaultFormat = desc.DefaultFormat
)

// NewHeap returns a heap allocator capped at limit bytes (0 = unlimited).
func NewHeap(limit int) *Heap {
	return dma.NewHeap(limit)
}

// NewPinnedAllocator returns an allocator of locked pages with real
// physical addresses. It needs CAP_SYS_ADMIN.
func NewPinnedAllocator() (*dma.Mmap, error) {
	return dma.NewMmap()
}

// MapRegisters maps a PCI BAR resource file as a register block.
func MapRegisters(path string) (*regs.MMIO, error) {
	return regs.MapResource(path, 0)
}

// NewLogger creates a logger. A nil config uses the defaults.
func NewLogger(cfg *LogConfig) *Logger {
	return logging.NewLogger(cfg)
}

// NewCodec returns an empty codec context.
func NewCodec() *Codec {
	return ntmp.NewContext()
}
