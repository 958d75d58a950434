package regs

import (
	"fmt"
	"sync/atomic"
)

// Block is an in-memory register file. Every word is accessed atomically so
// a simulated device can update registers from its own goroutine.
type Block struct {
	words []atomic.Uint32
}

// NewBlock returns a zeroed register file covering size bytes.
func NewBlock(size uint32) *Block {
	return &Block{words: make([]atomic.Uint32, (size+3)/4)}
}

func (b *Block) word(off uint32) *atomic.Uint32 {
	if off%4 != 0 || int(off/4) >= len(b.words) {
		panic(fmt.Sprintf("regs: access to invalid offset 0x%x", off))
	}
	return &b.words[off/4]
}

// Read32 implements interfaces.Registers.
func (b *Block) Read32(off uint32) uint32 { return b.word(off).Load() }

// Write32 implements interfaces.Registers.
func (b *Block) Write32(off uint32, v uint32) { b.word(off).Store(v) }
