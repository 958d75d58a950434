package regs

import (
	"fmt"
	"os"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// MMIO accesses registers through a shared mapping of a device BAR, for
// example /sys/bus/pci/devices/0000:00:00.0/resource0.
type MMIO struct {
	path string
	mem  []byte
}

// MapResource maps size bytes of the resource file at path. A size of zero
// maps the whole file.
func MapResource(path string, size int) (*MMIO, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_SYNC, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %v", path, err)
	}
	defer f.Close()

	if size == 0 {
		st, err := f.Stat()
		if err != nil {
			return nil, fmt.Errorf("failed to stat %s: %v", path, err)
		}
		size = int(st.Size())
	}
	if size <= 0 {
		return nil, fmt.Errorf("resource %s has no mappable size", path)
	}

	mem, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("failed to mmap %s: %v", path, err)
	}

	return &MMIO{path: path, mem: mem}, nil
}

func (m *MMIO) addr(off uint32) *uint32 {
	if off%4 != 0 || int(off)+4 > len(m.mem) {
		panic(fmt.Sprintf("regs: offset 0x%x outside %s (%d bytes)", off, m.path, len(m.mem)))
	}
	return (*uint32)(unsafe.Pointer(&m.mem[off]))
}

// Read32 implements interfaces.Registers.
func (m *MMIO) Read32(off uint32) uint32 { return atomic.LoadUint32(m.addr(off)) }

// Write32 implements interfaces.Registers.
func (m *MMIO) Write32(off uint32, v uint32) { atomic.StoreUint32(m.addr(off), v) }

// Close unmaps the register block.
func (m *MMIO) Close() error {
	if m.mem == nil {
		return nil
	}
	err := unix.Munmap(m.mem)
	m.mem = nil
	return err
}
