// Package regs describes and accesses the command ring control registers.
package regs

import "fmt"

// Layout names the byte offsets of the command ring registers inside a
// device's register block. Offsets differ between devices.
type Layout struct {
	Mode     uint32 // enable/disable (RW)
	Status   uint32 // diagnostic status (R)
	BaseLo   uint32 // ring base address, low word (W)
	BaseHi   uint32 // ring base address, high word (W)
	Producer uint32 // producer index (W)
	Consumer uint32 // consumer index (R)
	Length   uint32 // ring length in descriptors (W)

	// ModeEnable is the value written to Mode to enable the ring.
	ModeEnable uint32

	// IndexMask selects the index bits of the producer/consumer registers.
	IndexMask uint32
}

// DefaultLayout matches the station interface command BD ring registers of
// the NETC family.
var DefaultLayout = Layout{
	Mode:       0x800,
	Status:     0x804,
	BaseLo:     0x810,
	BaseHi:     0x814,
	Producer:   0x818,
	Consumer:   0x81c,
	Length:     0x820,
	ModeEnable: 1 << 31,
	IndexMask:  0x3ff,
}

// Span returns the number of bytes needed to cover every register.
func (l Layout) Span() uint32 {
	max := l.Mode
	for _, off := range []uint32{l.Status, l.BaseLo, l.BaseHi, l.Producer, l.Consumer, l.Length} {
		if off > max {
			max = off
		}
	}
	return max + 4
}

// MaxDepth is the largest ring the index registers can address.
func (l Layout) MaxDepth() int {
	return int(l.IndexMask) + 1
}

// Validate checks offsets for alignment and overlap.
func (l Layout) Validate() error {
	seen := make(map[uint32]string, 7)
	for _, r := range []struct {
		name string
		off  uint32
	}{
		{"mode", l.Mode},
		{"status", l.Status},
		{"base_lo", l.BaseLo},
		{"base_hi", l.BaseHi},
		{"producer", l.Producer},
		{"consumer", l.Consumer},
		{"length", l.Length},
	} {
		if r.off%4 != 0 {
			return fmt.Errorf("register %s offset 0x%x is not 32-bit aligned", r.name, r.off)
		}
		if other, ok := seen[r.off]; ok {
			return fmt.Errorf("registers %s and %s share offset 0x%x", other, r.name, r.off)
		}
		seen[r.off] = r.name
	}
	if l.ModeEnable == 0 {
		return fmt.Errorf("mode enable value must be non-zero")
	}
	if l.IndexMask == 0 {
		return fmt.Errorf("index mask must be non-zero")
	}
	return nil
}
