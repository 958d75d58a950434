// Package dma provides DMA-addressable memory for command rings and their
// payload buffers.
package dma

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/ehrlich-b/go-cbdr/internal/interfaces"
)

var (
	// ErrNoMemory is returned when an allocation cannot be satisfied.
	ErrNoMemory = errors.New("dma: out of memory")

	// ErrBadAddress is returned when a device address does not resolve to
	// live memory.
	ErrBadAddress = errors.New("dma: bad address")

	// ErrInvalidSize is returned for non-positive sizes or bad alignments.
	ErrInvalidSize = errors.New("dma: invalid size or alignment")
)

// heapBase is the first address handed out by a Heap. It is above 4GB so the
// high address register is always exercised.
const heapBase uint64 = 0x1_0000_0000

// heapGuard separates regions so an overrun never lands in a neighbour.
const heapGuard = 64

// Heap allocates from ordinary Go memory and assigns each region a
// synthetic device address. It implements both Allocator and Resolver, which
// is what a software device needs to follow descriptor addresses.
type Heap struct {
	mu      sync.Mutex
	next    uint64
	limit   int
	used    int
	regions []*heapMem // sorted by addr
}

type heapMem struct {
	h    *Heap
	addr uint64
	buf  []byte
}

// NewHeap returns a heap that refuses allocations once limit bytes are in
// use. A limit of zero means unlimited.
func NewHeap(limit int) *Heap {
	return &Heap{next: heapBase, limit: limit}
}

// Alloc implements interfaces.Allocator.
func (h *Heap) Alloc(size, align int) (interfaces.Mem, error) {
	if size <= 0 || align < 0 || (align > 0 && align&(align-1) != 0) {
		return nil, fmt.Errorf("%w: size=%d align=%d", ErrInvalidSize, size, align)
	}
	if align == 0 {
		align = 1
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.limit > 0 && h.used+size > h.limit {
		return nil, fmt.Errorf("%w: %d bytes requested, %d of %d in use", ErrNoMemory, size, h.used, h.limit)
	}

	addr := (h.next + uint64(align) - 1) &^ (uint64(align) - 1)
	h.next = addr + uint64(size) + heapGuard
	m := &heapMem{h: h, addr: addr, buf: make([]byte, size)}
	h.regions = append(h.regions, m)
	h.used += size

	return m, nil
}

// Resolve implements interfaces.Resolver.
func (h *Heap) Resolve(addr uint64, n int) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	i := sort.Search(len(h.regions), func(i int) bool { return h.regions[i].addr > addr }) - 1
	if i < 0 {
		return nil, fmt.Errorf("%w: 0x%x", ErrBadAddress, addr)
	}
	m := h.regions[i]
	off := addr - m.addr
	if n < 0 || off+uint64(n) > uint64(len(m.buf)) {
		return nil, fmt.Errorf("%w: 0x%x+%d outside region 0x%x+%d", ErrBadAddress, addr, n, m.addr, len(m.buf))
	}
	return m.buf[off : off+uint64(n)], nil
}

// InUse returns the number of live regions and their total size.
func (h *Heap) InUse() (regions, bytes int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.regions), h.used
}

func (h *Heap) free(m *heapMem) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	i := sort.Search(len(h.regions), func(i int) bool { return h.regions[i].addr >= m.addr })
	if i == len(h.regions) || h.regions[i] != m {
		return fmt.Errorf("%w: double free of 0x%x", ErrBadAddress, m.addr)
	}
	h.regions = append(h.regions[:i], h.regions[i+1:]...)
	h.used -= len(m.buf)
	return nil
}

func (m *heapMem) Buf() []byte      { return m.buf }
func (m *heapMem) PhysAddr() uint64 { return m.addr }
func (m *heapMem) Close() error     { return m.h.free(m) }

var (
	_ interfaces.Allocator = (*Heap)(nil)
	_ interfaces.Resolver  = (*Heap)(nil)
)
