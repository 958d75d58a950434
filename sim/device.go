// Package sim is a software NIC that implements the device half of the
// command ring protocol. It owns a register file, follows descriptor
// addresses through a DMA resolver, executes table commands against
// in-memory tables and writes completions back in place.
package sim

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ehrlich-b/go-cbdr/internal/desc"
	"github.com/ehrlich-b/go-cbdr/internal/interfaces"
	"github.com/ehrlich-b/go-cbdr/internal/logging"
	"github.com/ehrlich-b/go-cbdr/internal/ntmp"
	"github.com/ehrlich-b/go-cbdr/internal/regs"
)

// Mode controls when the device consumes published descriptors.
type Mode int32

const (
	// ModeSync consumes descriptors inside the producer index write.
	ModeSync Mode = iota
	// ModeDelayed consumes descriptors on a separate goroutine after Delay.
	ModeDelayed
	// ModeStalled never consumes descriptors until the mode changes or
	// Process is called.
	ModeStalled
)

func (m Mode) String() string {
	switch m {
	case ModeSync:
		return "sync"
	case ModeDelayed:
		return "delayed"
	case ModeStalled:
		return "stalled"
	default:
		return fmt.Sprintf("Mode(%d)", int32(m))
	}
}

// ParseMode maps "sync", "delayed" and "stalled" to a Mode.
func ParseMode(s string) (Mode, error) {
	for _, m := range []Mode{ModeSync, ModeDelayed, ModeStalled} {
		if m.String() == s {
			return m, nil
		}
	}
	return 0, fmt.Errorf("sim: unknown mode %q", s)
}

// Completion status codes written by the device.
const (
	StatusOK              uint16 = 0x0000
	StatusInvalidCommand  uint16 = 0x0001
	StatusUnknownTable    uint16 = 0x0002
	StatusBadAccessMethod uint16 = 0x0003
	StatusLengthError     uint16 = 0x0004
	StatusNoEntry         uint16 = 0x0005
	StatusBusError        uint16 = 0x00ff
)

// ErrDisabled is returned by Process while the ring mode register is clear.
var ErrDisabled = errors.New("sim: ring disabled")

// Config holds simulator parameters.
type Config struct {
	Layout regs.Layout
	Format desc.Format
	Mode   Mode
	Delay  time.Duration // ModeDelayed only
	Logger *logging.Logger
}

// DefaultConfig returns a synchronous device with the default layout.
func DefaultConfig() Config {
	return Config{
		Layout: regs.DefaultLayout,
		Format: desc.DefaultFormat,
		Mode:   ModeSync,
	}
}

// Record describes one descriptor the device consumed.
type Record struct {
	Slot    int
	Request desc.Request
	Status  uint16
}

// Device is a simulated NIC function. It implements interfaces.Registers.
type Device struct {
	cfg    Config
	block  *regs.Block
	mem    interfaces.Resolver
	logger *logging.Logger

	mode   atomic.Int32
	reject atomic.Uint32 // forced status, 0 = none

	// mu serialises command processing and guards everything below.
	mu      sync.Mutex
	rss     [ntmp.IndirectionTableSize]uint8
	filters map[uint32]uint64
	history []Record

	wg sync.WaitGroup
}

// New creates a device whose DMA reads and writes go through mem.
func New(mem interfaces.Resolver, cfg Config) (*Device, error) {
	if err := cfg.Layout.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Format.Validate(); err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}

	d := &Device{
		cfg:     cfg,
		block:   regs.NewBlock(cfg.Layout.Span()),
		mem:     mem,
		logger:  logger,
		filters: make(map[uint32]uint64),
	}
	d.mode.Store(int32(cfg.Mode))
	return d, nil
}

// Read32 implements interfaces.Registers.
func (d *Device) Read32(off uint32) uint32 {
	return d.block.Read32(off)
}

// Write32 implements interfaces.Registers. A producer index write on an
// enabled ring starts processing according to the current mode.
func (d *Device) Write32(off uint32, v uint32) {
	d.block.Write32(off, v)
	if off != d.cfg.Layout.Producer || !d.enabled() {
		return
	}

	switch Mode(d.mode.Load()) {
	case ModeSync:
		d.process()
	case ModeDelayed:
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			time.Sleep(d.cfg.Delay)
			d.process()
		}()
	}
}

func (d *Device) enabled() bool {
	l := d.cfg.Layout
	return d.block.Read32(l.Mode)&l.ModeEnable != 0
}

// SetMode changes when future producer index writes are processed.
// Switching out of ModeStalled does not process what is already pending;
// call Process for that.
func (d *Device) SetMode(m Mode) {
	d.mode.Store(int32(m))
}

// Mode returns the current mode.
func (d *Device) Mode() Mode {
	return Mode(d.mode.Load())
}

// Reject makes the device complete every following command with status.
// Zero restores normal processing.
func (d *Device) Reject(status uint16) {
	d.reject.Store(uint32(status))
}

// Process consumes every published descriptor now, regardless of mode.
func (d *Device) Process() error {
	if !d.enabled() {
		return ErrDisabled
	}
	d.process()
	return nil
}

// Wait blocks until delayed processing goroutines have finished.
func (d *Device) Wait() {
	d.wg.Wait()
}

// Pending returns the number of published descriptors not yet consumed.
func (d *Device) Pending() int {
	l := d.cfg.Layout
	n := d.block.Read32(l.Length)
	if n == 0 {
		return 0
	}
	pi := d.block.Read32(l.Producer) & l.IndexMask
	ci := d.block.Read32(l.Consumer) & l.IndexMask
	return int((pi + n - ci) % n)
}

func (d *Device) process() {
	d.mu.Lock()
	defer d.mu.Unlock()

	l := d.cfg.Layout
	n := d.block.Read32(l.Length)
	if n == 0 || !d.enabled() {
		return
	}
	base := uint64(d.block.Read32(l.BaseHi))<<32 | uint64(d.block.Read32(l.BaseLo))
	pi := d.block.Read32(l.Producer) & l.IndexMask
	ci := d.block.Read32(l.Consumer) & l.IndexMask

	for ci != pi && ci < n {
		slot, err := d.mem.Resolve(base+uint64(ci)*desc.Size, desc.Size)
		if err != nil {
			d.logger.WithError(err).Error("descriptor fetch failed", "slot", ci)
			return
		}

		var req desc.Request
		if err := d.cfg.Format.UnmarshalRequest(slot, &req); err != nil {
			d.logger.WithError(err).Error("descriptor decode failed", "slot", ci)
			return
		}
		comp := d.execute(&req)

		// Completion fields land before the consumer index moves.
		if err := desc.MarshalCompletion(slot, comp); err != nil {
			d.logger.WithError(err).Error("completion write-back failed", "slot", ci)
			return
		}
		d.history = append(d.history, Record{Slot: int(ci), Request: req, Status: comp.Status})

		ci = (ci + 1) % n
		d.block.Write32(l.Consumer, ci)
	}
}

func (d *Device) execute(req *desc.Request) desc.Completion {
	if status := uint16(d.reject.Load()); status != 0 {
		return desc.Completion{Status: status}
	}
	if req.AccessMethod != desc.AccessEntryID {
		return desc.Completion{Status: StatusBadAccessMethod}
	}

	payload, err := d.mem.Resolve(req.Addr, int(max(req.ReqLen, req.RespLen)))
	if err != nil {
		return desc.Completion{Status: StatusBusError}
	}
	hdr, err := ntmp.UnmarshalHeader(payload[:req.ReqLen])
	if err != nil {
		return desc.Completion{Status: StatusLengthError}
	}
	data := payload[ntmp.HeaderSize:req.ReqLen]

	switch req.TableID {
	case ntmp.TableRSS:
		return d.rssCommand(req, hdr, data, payload)
	case ntmp.TableMACFilter:
		return d.filterCommand(req, hdr, data, payload)
	default:
		return desc.Completion{Status: StatusUnknownTable}
	}
}

func (d *Device) rssCommand(req *desc.Request, hdr ntmp.Header, data, payload []byte) desc.Completion {
	if hdr.EntryID != 0 {
		return desc.Completion{Status: StatusNoEntry}
	}
	switch req.Cmd {
	case desc.CmdUpdate:
		if len(data) != ntmp.IndirectionTableSize {
			return desc.Completion{Status: StatusLengthError}
		}
		copy(d.rss[:], data)
		return desc.Completion{NumMatched: 1}
	case desc.CmdQuery:
		if req.RespLen < ntmp.RespEntryIDSize+ntmp.IndirectionTableSize {
			return desc.Completion{Status: StatusLengthError}
		}
		binary.LittleEndian.PutUint32(payload, hdr.EntryID)
		copy(payload[ntmp.RespEntryIDSize:], d.rss[:])
		return desc.Completion{NumMatched: 1}
	default:
		return desc.Completion{Status: StatusInvalidCommand}
	}
}

func (d *Device) filterCommand(req *desc.Request, hdr ntmp.Header, data, payload []byte) desc.Completion {
	switch req.Cmd {
	case desc.CmdUpdate, desc.CmdAdd:
		if len(data) != ntmp.MACFilterSize {
			return desc.Completion{Status: StatusLengthError}
		}
		d.filters[hdr.EntryID] = binary.LittleEndian.Uint64(data)
		return desc.Completion{NumMatched: 1}
	case desc.CmdQuery:
		bitmap, ok := d.filters[hdr.EntryID]
		if !ok {
			return desc.Completion{Status: StatusNoEntry}
		}
		if req.RespLen < ntmp.RespEntryIDSize+ntmp.MACFilterSize {
			return desc.Completion{Status: StatusLengthError}
		}
		binary.LittleEndian.PutUint32(payload, hdr.EntryID)
		binary.LittleEndian.PutUint64(payload[ntmp.RespEntryIDSize:], bitmap)
		return desc.Completion{NumMatched: 1}
	case desc.CmdDelete:
		if _, ok := d.filters[hdr.EntryID]; !ok {
			return desc.Completion{}
		}
		delete(d.filters, hdr.EntryID)
		return desc.Completion{NumMatched: 1}
	default:
		return desc.Completion{Status: StatusInvalidCommand}
	}
}

// IndirectionTable returns the device copy of the RSS table.
func (d *Device) IndirectionTable() [ntmp.IndirectionTableSize]uint8 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rss
}

// MACFilter returns the bitmap stored at entryID.
func (d *Device) MACFilter(entryID uint32) (uint64, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	v, ok := d.filters[entryID]
	return v, ok
}

// History returns every descriptor consumed so far, oldest first.
func (d *Device) History() []Record {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Record(nil), d.history...)
}

var _ interfaces.Registers = (*Device)(nil)
