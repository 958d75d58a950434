package dma

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ehrlich-b/go-cbdr/internal/interfaces"
)

// Pool hands out DMA buffers for command payloads from power-of-2 size
// classes (64B up to 4KB). Device memory cannot live in a sync.Pool because
// the collector would drop regions without unmapping them, so each class is
// a bounded free list instead.
//
// Requests larger than the biggest class are allocated directly and freed on
// Close.
type Pool struct {
	alloc interfaces.Allocator
	align int

	mu     sync.Mutex
	closed bool
	free   [numClasses]chan interfaces.Mem
}

var sizeClasses = [...]int{64, 128, 256, 512, 1024, 2048, 4096}

const numClasses = len(sizeClasses)

// ErrPoolClosed is returned by Get after Close.
var ErrPoolClosed = errors.New("dma: pool closed")

// NewPool creates a pool that keeps up to depth idle buffers per size class.
func NewPool(alloc interfaces.Allocator, align, depth int) *Pool {
	p := &Pool{alloc: alloc, align: align}
	for i := range p.free {
		p.free[i] = make(chan interfaces.Mem, depth)
	}
	return p
}

func classFor(size int) int {
	for i, c := range sizeClasses {
		if size <= c {
			return i
		}
	}
	return -1
}

// Get returns a buffer of exactly size bytes. The whole backing region is
// zeroed, not just the requested length. Close the buffer to
// return it to the pool.
func (p *Pool) Get(size int) (*Buffer, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: size=%d", ErrInvalidSize, size)
	}

	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return nil, ErrPoolClosed
	}

	class := classFor(size)
	if class < 0 {
		mem, err := p.alloc.Alloc(size, p.align)
		if err != nil {
			return nil, err
		}
		return &Buffer{mem: mem, n: size, class: -1}, nil
	}

	var mem interfaces.Mem
	select {
	case mem = <-p.free[class]:
	default:
		var err error
		mem, err = p.alloc.Alloc(sizeClasses[class], p.align)
		if err != nil {
			return nil, err
		}
	}

	clear(mem.Buf())
	return &Buffer{mem: mem, n: size, class: class, pool: p}, nil
}

func (p *Pool) put(class int, mem interfaces.Mem) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return mem.Close()
	}
	select {
	case p.free[class] <- mem:
		return nil
	default:
		return mem.Close()
	}
}

// Idle returns the number of buffers waiting in the free lists.
func (p *Pool) Idle() int {
	n := 0
	for i := range p.free {
		n += len(p.free[i])
	}
	return n
}

// Close frees every idle buffer. Buffers still checked out are freed when
// they are closed.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true

	var errs []error
	for i := range p.free {
		for len(p.free[i]) > 0 {
			if err := (<-p.free[i]).Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// Buffer is a payload buffer checked out of a Pool. It implements
// interfaces.Mem; Close returns it to the pool.
type Buffer struct {
	mem   interfaces.Mem
	n     int
	class int
	pool  *Pool
}

// Bytes returns the requested length of the buffer.
func (b *Buffer) Bytes() []byte { return b.mem.Buf()[:b.n] }

// Buf implements interfaces.Mem.
func (b *Buffer) Buf() []byte { return b.Bytes() }

// PhysAddr implements interfaces.Mem.
func (b *Buffer) PhysAddr() uint64 { return b.mem.PhysAddr() }

// Close implements interfaces.Mem.
func (b *Buffer) Close() error {
	if b.mem == nil {
		return nil
	}
	mem := b.mem
	b.mem = nil
	if b.pool == nil {
		return mem.Close()
	}
	return b.pool.put(b.class, mem)
}

var _ interfaces.Mem = (*Buffer)(nil)
