package dma

import (
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeapAlloc(t *testing.T) {
	h := NewHeap(0)

	a, err := h.Alloc(1024, 128)
	require.NoError(t, err)
	assert.Len(t, a.Buf(), 1024)
	assert.Zero(t, a.PhysAddr()%128)
	assert.NotZero(t, a.PhysAddr()>>32, "heap addresses sit above 4GB")

	b, err := h.Alloc(100, 32)
	require.NoError(t, err)
	assert.Zero(t, b.PhysAddr()%32)
	assert.Greater(t, b.PhysAddr(), a.PhysAddr()+1024)

	regions, bytes := h.InUse()
	assert.Equal(t, 2, regions)
	assert.Equal(t, 1124, bytes)

	require.NoError(t, a.Close())
	require.NoError(t, b.Close())
	regions, bytes = h.InUse()
	assert.Zero(t, regions)
	assert.Zero(t, bytes)

	assert.ErrorIs(t, a.Close(), ErrBadAddress, "double free")
}

func TestHeapAllocInvalid(t *testing.T) {
	h := NewHeap(0)
	tests := []struct {
		name        string
		size, align int
	}{
		{"zero size", 0, 8},
		{"negative size", -1, 8},
		{"non power of two align", 64, 24},
		{"negative align", 64, -8},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.Alloc(tt.size, tt.align)
			assert.ErrorIs(t, err, ErrInvalidSize)
		})
	}
}

func TestHeapLimit(t *testing.T) {
	h := NewHeap(1024)

	m, err := h.Alloc(1000, 0)
	require.NoError(t, err)

	_, err = h.Alloc(64, 0)
	assert.ErrorIs(t, err, ErrNoMemory)

	require.NoError(t, m.Close())
	_, err = h.Alloc(64, 0)
	assert.NoError(t, err)
}

func TestHeapResolve(t *testing.T) {
	h := NewHeap(0)
	m, err := h.Alloc(256, 128)
	require.NoError(t, err)
	copy(m.Buf()[16:], []byte{1, 2, 3, 4})

	got, err := h.Resolve(m.PhysAddr()+16, 4)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4}, got)

	// Writes through the resolved view land in the region.
	got[0] = 9
	assert.Equal(t, byte(9), m.Buf()[16])

	_, err = h.Resolve(m.PhysAddr()+250, 16)
	assert.ErrorIs(t, err, ErrBadAddress, "runs past the end")

	_, err = h.Resolve(heapBase-8, 4)
	assert.ErrorIs(t, err, ErrBadAddress, "below the heap")

	require.NoError(t, m.Close())
	_, err = h.Resolve(m.PhysAddr(), 4)
	assert.ErrorIs(t, err, ErrBadAddress, "freed region")
}

func TestPoolSizeClasses(t *testing.T) {
	tests := []struct {
		name      string
		size      int
		wantClass int
	}{
		{"tiny", 1, 64},
		{"exact 64", 64, 64},
		{"rss update", 80, 128},
		{"rss query", 68, 128},
		{"exact 4k", 4096, 4096},
	}

	h := NewHeap(0)
	p := NewPool(h, 32, 4)
	defer p.Close()

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := p.Get(tt.size)
			require.NoError(t, err)
			assert.Len(t, b.Bytes(), tt.size)
			assert.Equal(t, tt.wantClass, cap(b.mem.Buf()))
			assert.Zero(t, b.PhysAddr()%32)
			require.NoError(t, b.Close())
		})
	}
}

func TestPoolReuseAndZero(t *testing.T) {
	h := NewHeap(0)
	p := NewPool(h, 32, 4)

	b1, err := p.Get(80)
	require.NoError(t, err)
	addr := b1.PhysAddr()
	for i := range b1.Bytes() {
		b1.Bytes()[i] = 0xff
	}
	require.NoError(t, b1.Close())
	assert.Equal(t, 1, p.Idle())

	b2, err := p.Get(100)
	require.NoError(t, err)
	assert.Equal(t, addr, b2.PhysAddr(), "same class reuses the region")
	assert.Equal(t, make([]byte, 100), b2.Bytes(), "reused buffer is zeroed")
	for i := range b2.Bytes() {
		b2.Bytes()[i] = 0xff
	}
	require.NoError(t, b2.Close())
	require.NoError(t, b2.Close(), "second close is a no-op")

	// A shorter reuse must not leave old bytes past its length.
	b3, err := p.Get(70)
	require.NoError(t, err)
	region, err := h.Resolve(b3.PhysAddr(), 128)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 128), region, "whole region is zeroed")
	require.NoError(t, b3.Close())

	require.NoError(t, p.Close())
	regions, _ := h.InUse()
	assert.Zero(t, regions)

	_, err = p.Get(64)
	assert.ErrorIs(t, err, ErrPoolClosed)
}

func TestPoolOversizeAndOverflow(t *testing.T) {
	h := NewHeap(0)
	p := NewPool(h, 0, 1)

	big, err := p.Get(8192)
	require.NoError(t, err)
	require.NoError(t, big.Close())
	regions, _ := h.InUse()
	assert.Zero(t, regions, "oversize buffers are freed, not pooled")

	a, err := p.Get(64)
	require.NoError(t, err)
	b, err := p.Get(64)
	require.NoError(t, err)
	require.NoError(t, a.Close())
	require.NoError(t, b.Close())
	assert.Equal(t, 1, p.Idle(), "free list is bounded by depth")
	regions, _ = h.InUse()
	assert.Equal(t, 1, regions)

	require.NoError(t, p.Close())
}

func TestPoolAllocFailure(t *testing.T) {
	p := NewPool(NewHeap(100), 0, 1)
	_, err := p.Get(200)
	assert.True(t, errors.Is(err, ErrNoMemory))
}

func TestMmapAlloc(t *testing.T) {
	if os.Geteuid() != 0 {
		t.Skip("physical addresses require root")
	}
	a, err := NewMmap()
	require.NoError(t, err)
	defer a.Close()

	m, err := a.Alloc(1024, 128)
	if errors.Is(err, ErrNoMemory) {
		t.Skipf("pinned memory unavailable: %v", err)
	}
	require.NoError(t, err)
	assert.Len(t, m.Buf(), 1024)
	assert.NotZero(t, m.PhysAddr())
	require.NoError(t, m.Close())

	_, err = a.Alloc(os.Getpagesize()+1, 0)
	assert.ErrorIs(t, err, ErrNoMemory)
}
