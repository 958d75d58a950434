package dma

import (
	"encoding/binary"
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/go-cbdr/internal/interfaces"
)

const (
	pagemapPresent = 1 << 63
	pagemapPFNMask = 1<<55 - 1
)

// Mmap allocates locked anonymous pages and reports their physical address
// through /proc/self/pagemap. Each region is a single page so it is
// physically contiguous; rings and payloads are far smaller than that.
//
// Reading physical frame numbers requires CAP_SYS_ADMIN, and the device
// must be bound to a driver that lets it DMA to arbitrary memory (no IOMMU
// translation).
type Mmap struct {
	pagemap  *os.File
	pageSize int
}

// NewMmap opens the pagemap of the calling process.
func NewMmap() (*Mmap, error) {
	f, err := os.Open("/proc/self/pagemap")
	if err != nil {
		return nil, fmt.Errorf("failed to open pagemap: %v", err)
	}
	return &Mmap{pagemap: f, pageSize: os.Getpagesize()}, nil
}

// Close releases the pagemap handle. Regions already handed out stay valid.
func (a *Mmap) Close() error {
	return a.pagemap.Close()
}

// Alloc implements interfaces.Allocator.
func (a *Mmap) Alloc(size, align int) (interfaces.Mem, error) {
	if size <= 0 || align < 0 {
		return nil, fmt.Errorf("%w: size=%d align=%d", ErrInvalidSize, size, align)
	}
	if size > a.pageSize || align > a.pageSize {
		return nil, fmt.Errorf("%w: %d bytes (align %d) exceeds one %d byte page",
			ErrNoMemory, size, align, a.pageSize)
	}

	buf, err := unix.Mmap(-1, 0, a.pageSize,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_SHARED|unix.MAP_ANONYMOUS|unix.MAP_POPULATE|unix.MAP_LOCKED)
	if err != nil {
		return nil, fmt.Errorf("%w: mmap: %v", ErrNoMemory, err)
	}
	if err := unix.Mlock(buf); err != nil {
		unix.Munmap(buf)
		return nil, fmt.Errorf("%w: mlock: %v", ErrNoMemory, err)
	}

	phys, err := a.physAddr(uintptr(unsafe.Pointer(&buf[0])))
	if err != nil {
		unix.Munmap(buf)
		return nil, err
	}

	return &mmapMem{page: buf, buf: buf[:size], phys: phys}, nil
}

func (a *Mmap) physAddr(virt uintptr) (uint64, error) {
	var entry [8]byte
	off := int64(virt/uintptr(a.pageSize)) * 8
	if _, err := a.pagemap.ReadAt(entry[:], off); err != nil {
		return 0, fmt.Errorf("failed to read pagemap: %v", err)
	}

	v := binary.LittleEndian.Uint64(entry[:])
	pfn := v & pagemapPFNMask
	if v&pagemapPresent == 0 || pfn == 0 {
		return 0, fmt.Errorf("%w: no physical frame for 0x%x (missing CAP_SYS_ADMIN?)", ErrNoMemory, virt)
	}

	return pfn*uint64(a.pageSize) + uint64(virt%uintptr(a.pageSize)), nil
}

type mmapMem struct {
	page []byte
	buf  []byte
	phys uint64
}

func (m *mmapMem) Buf() []byte      { return m.buf }
func (m *mmapMem) PhysAddr() uint64 { return m.phys }

func (m *mmapMem) Close() error {
	if m.page == nil {
		return nil
	}
	err := unix.Munmap(m.page)
	m.page, m.buf = nil, nil
	return err
}

var _ interfaces.Allocator = (*Mmap)(nil)
