package interfaces

import "io"

// Registers is the device handle's view of the memory-mapped control
// registers. Offsets are byte offsets into the register block.
//
// Implementations must make each access a single 32-bit load or store; the
// command ring relies on the consumer index being read atomically while the
// device writes it.
type Registers interface {
	// Read32 loads the register at offset off.
	Read32(off uint32) uint32

	// Write32 stores v to the register at offset off.
	Write32(off uint32, v uint32)
}

// Mem is a DMA-addressable memory region.
//
// The region stays mapped and at the same device address until Close is
// called. After Close the device must no longer access it.
type Mem interface {
	io.Closer

	// Buf returns the CPU view of the region.
	Buf() []byte

	// PhysAddr returns the address the device uses to reach Buf()[0].
	PhysAddr() uint64
}

// Allocator hands out DMA-addressable memory.
type Allocator interface {
	// Alloc returns a zeroed region of at least size bytes whose device
	// address is a multiple of align.
	Alloc(size, align int) (Mem, error)
}

// Resolver translates device addresses back to CPU memory. It is what a
// device (or a simulation of one) uses to follow the addresses software
// writes into descriptors.
type Resolver interface {
	// Resolve returns the n bytes starting at device address addr.
	Resolve(addr uint64, n int) ([]byte, error)
}
