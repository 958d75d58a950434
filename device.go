// Package cbdr drives the control buffer descriptor ring of a NIC function:
// a circular array of 16 byte descriptors in DMA memory through which
// software hands table management commands to the device and reads back
// their completion status.
//
// A Device owns one ring, the payload buffer pool and a table command
// client. Commands run one at a time; a caller that finds the ring busy
// waits (honouring its context) for the command in flight to finish.
//
// Example:
//
//	heap := cbdr.NewHeap(0)
//	dev, err := cbdr.Open(regs, heap, cbdr.DefaultConfig(), nil)
//	if err != nil {
//		return err
//	}
//	defer dev.Close()
//	table := make([]uint8, cbdr.IndirectionTableSize)
//	err = dev.QueryIndirectionTable(ctx, table)
package cbdr

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"time"

	"github.com/ehrlich-b/go-cbdr/internal/constants"
	"github.com/ehrlich-b/go-cbdr/internal/desc"
	"github.com/ehrlich-b/go-cbdr/internal/dma"
	"github.com/ehrlich-b/go-cbdr/internal/logging"
	"github.com/ehrlich-b/go-cbdr/internal/ntmp"
	"github.com/ehrlich-b/go-cbdr/internal/ring"
)

// Device is an open command ring.
type Device struct {
	// ID identifies the ring in logs, errors and metrics
	ID int

	cfg    Config
	ring   *ring.Ring
	pool   *dma.Pool
	client *ntmp.Client
	logger *logging.Logger

	opened time.Time
	closed atomic.Bool

	// Metrics and observability
	metrics  *Metrics
	observer Observer
}

// Options contains additional options for Open
type Options struct {
	// ID labels the ring (default 0)
	ID int

	// Logger for ring events (if nil, uses the process default)
	Logger *Logger

	// Observer for metrics collection (if nil, records to Device.Metrics)
	Observer Observer

	// Codec shares a hashing context between devices (if nil, each device
	// builds its own on first use)
	Codec *Codec
}

// Open programs a command ring on the device behind regs, taking the
// descriptor array and payload buffers from alloc. The device control path
// must be quiesced.
func Open(regs Registers, alloc Allocator, cfg Config, options *Options) (*Device, error) {
	if options == nil {
		options = &Options{}
	}
	if regs == nil || alloc == nil {
		return nil, NewRingError("OPEN", options.ID, ErrCodeInvalidArgument, "registers and allocator are required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := options.Logger
	if logger == nil {
		logger = logging.Default()
	}

	metrics := NewMetrics()
	var observer Observer
	if options.Observer != nil {
		observer = options.Observer
	} else {
		observer = NewMetricsObserver(metrics)
	}

	r, err := ring.Create(regs, alloc, cfg.ringConfig(options.ID, logger))
	if err != nil {
		return nil, WrapError("OPEN", options.ID, err)
	}

	d := &Device{
		ID:       options.ID,
		cfg:      cfg,
		ring:     r,
		pool:     dma.NewPool(alloc, constants.PayloadAlign, cfg.PoolDepth),
		logger:   logger.WithRing(options.ID),
		opened:   time.Now(),
		metrics:  metrics,
		observer: observer,
	}
	d.client = ntmp.NewClient(instrumented{d}, d.pool, options.Codec, d.logger)

	return d, nil
}

// Close disables the ring and frees its memory. The ring is torn down
// before the payload pool so the device can never see a freed buffer.
// Close is idempotent.
func (d *Device) Close() error {
	if d == nil || d.closed.Swap(true) {
		return nil
	}

	d.metrics.Stop()

	var errs []error
	if err := d.ring.Destroy(); err != nil {
		errs = append(errs, WrapError("CLOSE", d.ID, err))
	}
	if err := d.pool.Close(); err != nil {
		errs = append(errs, WrapError("CLOSE", d.ID, err))
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	d.logger.Info("device closed", "uptime", time.Since(d.opened).String())
	return nil
}

// instrumented feeds every ring command through the observer. It returns
// the ring's errors unwrapped so the table client can add its own context.
type instrumented struct{ d *Device }

func (x instrumented) Execute(ctx context.Context, req *desc.Request) (desc.Completion, error) {
	return x.d.execute(ctx, req)
}

func (x instrumented) Park(err error, payload io.Closer) bool {
	return x.d.ring.Park(err, payload)
}

func (d *Device) execute(ctx context.Context, req *desc.Request) (desc.Completion, error) {
	start := time.Now()
	comp, err := d.ring.Execute(ctx, req)
	d.observer.ObserveCommand(req.Cmd, uint64(time.Since(start).Nanoseconds()), OutcomeOf(err))
	d.observer.ObserveFreeSlots(uint32(d.ring.FreeSlotCount()))
	return comp, err
}

// Execute publishes one raw descriptor and waits for its completion. The
// payload at req.Addr must stay valid until Execute returns.
//
// Errors are *Error values: ErrRingFull when every slot is outstanding,
// ErrTimeout when the device did not consume the descriptor within the poll
// budget (the outcome is then unknown), ErrDeviceRejected with the raw
// status when the device completed it with a non-zero status. A rejected
// command still returns its completion.
func (d *Device) Execute(ctx context.Context, req *Request) (Completion, error) {
	if req == nil {
		return Completion{}, NewRingError("EXECUTE", d.ID, ErrCodeInvalidArgument, "nil request")
	}
	comp, err := d.execute(ctx, req)
	if err != nil {
		return comp, WrapError("EXECUTE", d.ID, err)
	}
	return comp, nil
}

// UpdateIndirectionTable replaces the RSS indirection table. table must hold
// exactly IndirectionTableSize entries.
func (d *Device) UpdateIndirectionTable(ctx context.Context, table []uint8) error {
	if err := d.client.UpdateIndirectionTable(ctx, table); err != nil {
		return WrapError("UPDATE_RSS", d.ID, err)
	}
	return nil
}

// QueryIndirectionTable reads the RSS indirection table into table, which
// must hold exactly IndirectionTableSize entries.
func (d *Device) QueryIndirectionTable(ctx context.Context, table []uint8) error {
	if err := d.client.QueryIndirectionTable(ctx, table); err != nil {
		return WrapError("QUERY_RSS", d.ID, err)
	}
	return nil
}

// UpdateMACHashFilter programs the hash filter entry so it accepts macs.
func (d *Device) UpdateMACHashFilter(ctx context.Context, entryID uint32, macs []net.HardwareAddr) error {
	if err := d.client.UpdateMACHashFilter(ctx, entryID, macs); err != nil {
		return WrapError("UPDATE_MAC_FILTER", d.ID, err)
	}
	return nil
}

// QueryMACHashFilter returns the hash bitmap of a filter entry.
func (d *Device) QueryMACHashFilter(ctx context.Context, entryID uint32) (uint64, error) {
	bitmap, err := d.client.QueryMACHashFilter(ctx, entryID)
	if err != nil {
		return 0, WrapError("QUERY_MAC_FILTER", d.ID, err)
	}
	return bitmap, nil
}

// DeleteEntry removes one entry of a table by id.
func (d *Device) DeleteEntry(ctx context.Context, table uint8, entryID uint32) error {
	if err := d.client.DeleteEntry(ctx, table, entryID); err != nil {
		return WrapError("DELETE_"+ntmp.TableName(table), d.ID, err)
	}
	return nil
}

// Reclaim returns every slot the device has consumed to the free pool.
func (d *Device) Reclaim() (int, error) {
	n, err := d.ring.Reclaim()
	if err != nil {
		return n, WrapError("RECLAIM", d.ID, err)
	}
	d.observer.ObserveReclaim(n)
	return n, nil
}

// FreeSlotCount returns how many more commands fit before the ring is full.
func (d *Device) FreeSlotCount() int {
	return d.ring.FreeSlotCount()
}

// SlotAt returns a copy of the raw descriptor in slot i.
func (d *Device) SlotAt(i int) ([DescriptorSize]byte, error) {
	raw, err := d.ring.SlotAt(i)
	if err != nil {
		return raw, WrapError("SLOT_AT", d.ID, err)
	}
	return raw, nil
}

// Stats snapshots the ring cursors and registers.
func (d *Device) Stats() RingStats {
	return d.ring.Stats()
}

// Codec returns the hashing context, for sharing with other devices.
func (d *Device) Codec() *Codec {
	return d.client.Context()
}

// DeviceState represents the lifecycle state of a Device
type DeviceState string

const (
	// DeviceStateOpen indicates the ring is enabled and accepting commands
	DeviceStateOpen DeviceState = "open"
	// DeviceStateClosed indicates the ring has been disabled and freed
	DeviceStateClosed DeviceState = "closed"
)

// State returns the current state of the device
func (d *Device) State() DeviceState {
	if d == nil || d.closed.Load() {
		return DeviceStateClosed
	}
	return DeviceStateOpen
}

// DeviceInfo contains comprehensive information about a command ring
type DeviceInfo struct {
	ID           int         `json:"id"`
	State        DeviceState `json:"state"`
	Depth        int         `json:"depth"`
	Timeout      int         `json:"timeout"`
	PollInterval string      `json:"poll_interval"`
	Base         string      `json:"base"`
	Free         int         `json:"free"`
	Outstanding  int         `json:"outstanding"`
	IdleBuffers  int         `json:"idle_buffers"`
	Parked       int         `json:"parked"` // payloads held for timed-out commands
}

// Info returns comprehensive information about the device
func (d *Device) Info() DeviceInfo {
	if d == nil {
		return DeviceInfo{}
	}

	info := DeviceInfo{
		ID:           d.ID,
		State:        d.State(),
		Depth:        d.cfg.Depth,
		Timeout:      d.cfg.Timeout,
		PollInterval: d.cfg.PollInterval.String(),
		Free:         d.ring.FreeSlotCount(),
		Outstanding:  d.ring.Outstanding(),
		IdleBuffers:  d.pool.Idle(),
		Parked:       d.ring.Parked(),
	}
	if info.State == DeviceStateOpen {
		info.Base = fmt.Sprintf("0x%x", d.ring.Base())
	}
	return info
}

// Metrics returns the built-in metrics of the device. They stay empty when
// a custom Observer was passed to Open.
func (d *Device) Metrics() *Metrics {
	if d == nil {
		return nil
	}
	return d.metrics
}

// MetricsSnapshot returns a point-in-time snapshot of device metrics
func (d *Device) MetricsSnapshot() MetricsSnapshot {
	if d == nil || d.metrics == nil {
		return MetricsSnapshot{}
	}
	return d.metrics.Snapshot()
}
